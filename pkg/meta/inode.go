package meta

import (
	"encoding/json"
	"fmt"
)

// Ino is the stable 64-bit identifier of a filesystem object.
type Ino = uint64

// Kind discriminates the three object types the filesystem stores.
type Kind uint8

const (
	KindFile Kind = iota
	KindSymlink
	KindDir
)

func (k Kind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindSymlink:
		return "symlink"
	case KindDir:
		return "dir"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Inode is the persisted per-object record. Timestamps are seconds
// since the epoch. For symlinks, Target holds the link destination and
// Length equals len(Target).
type Inode struct {
	ID     Ino    `json:"id"`
	Parent Ino    `json:"parent"`
	Kind   Kind   `json:"kind"`
	Mode   uint16 `json:"mode"`
	Uid    uint32 `json:"uid"`
	Gid    uint32 `json:"gid"`
	Atime  uint64 `json:"atime"`
	Mtime  uint64 `json:"mtime"`
	Ctime  uint64 `json:"ctime"`
	Length uint64 `json:"length"`
	Links  uint32 `json:"links"`
	Target string `json:"target,omitempty"`
}

// InodeKey returns the metadata key for an inode record.
func InodeKey(ino Ino) string {
	return fmt.Sprintf("i_%d", ino)
}

// Blocks returns the 512-byte block count reported through stat.
func (i *Inode) Blocks() uint64 {
	return (i.Length + 511) / 512
}

func (i *Inode) encode() []byte {
	data, err := json.Marshal(i)
	if err != nil {
		panic(fmt.Sprintf("meta: encode inode %d: %v", i.ID, err))
	}
	return data
}

func decodeInode(data []byte) (*Inode, error) {
	var i Inode
	if err := json.Unmarshal(data, &i); err != nil {
		return nil, fmt.Errorf("decode inode: %w", err)
	}
	return &i, nil
}
