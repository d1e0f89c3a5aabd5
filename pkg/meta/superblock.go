package meta

import (
	"encoding/json"
	"fmt"
)

const (
	// FormatVersion is bumped on incompatible layout changes.
	FormatVersion = 3

	// RootIno is reserved at format time; ino 0 is never allocated.
	RootIno Ino = 1

	// DefaultTotalInodes bounds how many objects the filesystem can hold.
	DefaultTotalInodes = 1 << 20

	// DefaultGroupSize is the number of inodes per imap group. Must be
	// a multiple of 64 so group bitmaps stay word-aligned.
	DefaultGroupSize = 1 << 14
)

// SuperBlock is the single record holding global filesystem
// parameters. It is written at format time and immutable afterwards
// except across version upgrades.
type SuperBlock struct {
	RootIno     Ino    `json:"root_ino"`
	URI         string `json:"uri"` // path to the data-file root
	Version     uint32 `json:"version"`
	TotalInodes uint64 `json:"total_inodes"`
	GroupSize   uint64 `json:"group_size"`
	GroupCount  uint64 `json:"group_count"`
}

// SuperBlockKey returns the metadata key of the superblock.
func SuperBlockKey() string { return "sb" }

// NewSuperBlock returns a superblock describing a freshly formatted
// filesystem whose data files live under storePath.
func NewSuperBlock(storePath string) *SuperBlock {
	return &SuperBlock{
		RootIno:     RootIno,
		URI:         storePath,
		Version:     FormatVersion,
		TotalInodes: DefaultTotalInodes,
		GroupSize:   DefaultGroupSize,
		GroupCount:  (DefaultTotalInodes + DefaultGroupSize - 1) / DefaultGroupSize,
	}
}

// Check validates internal consistency of a loaded superblock.
func (sb *SuperBlock) Check() error {
	if sb.Version != FormatVersion {
		return fmt.Errorf("unsupported superblock version %d (want %d)", sb.Version, FormatVersion)
	}
	if sb.TotalInodes == 0 || sb.GroupSize == 0 || sb.GroupSize%64 != 0 {
		return fmt.Errorf("corrupt superblock geometry: total %d group %d", sb.TotalInodes, sb.GroupSize)
	}
	want := (sb.TotalInodes + sb.GroupSize - 1) / sb.GroupSize
	if sb.GroupCount != want {
		return fmt.Errorf("superblock group count %d does not match geometry (want %d)", sb.GroupCount, want)
	}
	if sb.RootIno != RootIno {
		return fmt.Errorf("unexpected root inode %d", sb.RootIno)
	}
	return nil
}

func (sb *SuperBlock) encode() []byte {
	data, err := json.Marshal(sb)
	if err != nil {
		panic(fmt.Sprintf("meta: encode superblock: %v", err))
	}
	return data
}

func decodeSuperBlock(data []byte) (*SuperBlock, error) {
	var sb SuperBlock
	if err := json.Unmarshal(data, &sb); err != nil {
		return nil, fmt.Errorf("decode superblock: %w", err)
	}
	return &sb, nil
}
