package meta

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Dentry maps a (parent, name) pair to an inode number. The pair is
// also the primary key, so a name resolves to at most one inode.
type Dentry struct {
	Parent Ino    `json:"parent"`
	Ino    Ino    `json:"ino"`
	Name   string `json:"name"`
}

// DentryKey returns the metadata key for a directory entry.
func DentryKey(parent Ino, name string) string {
	return fmt.Sprintf("d_%d_%s", parent, name)
}

// DentryPrefix returns the scan prefix covering every entry of parent.
func DentryPrefix(parent Ino) string {
	return fmt.Sprintf("d_%d_", parent)
}

// parseDentryKey splits a dentry key back into parent and name.
// Names may contain underscores, so only the first separator after the
// parent counts.
func parseDentryKey(key string) (Ino, string, bool) {
	rest, ok := strings.CutPrefix(key, "d_")
	if !ok {
		return 0, "", false
	}
	parentStr, name, ok := strings.Cut(rest, "_")
	if !ok {
		return 0, "", false
	}
	parent, err := strconv.ParseUint(parentStr, 10, 64)
	if err != nil {
		return 0, "", false
	}
	return parent, name, true
}

func (d *Dentry) encode() []byte {
	data, err := json.Marshal(d)
	if err != nil {
		panic(fmt.Sprintf("meta: encode dentry %s: %v", d.Name, err))
	}
	return data
}

func decodeDentry(data []byte) (*Dentry, error) {
	var d Dentry
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("decode dentry: %w", err)
	}
	return &d, nil
}
