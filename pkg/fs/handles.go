package fs

import (
	"github.com/abbycin/junkfs/pkg/meta"
	"github.com/abbycin/junkfs/pkg/store"
)

// FileHandle is one open file: an fh id, the owning inode, and a
// private writeback cache. Handles of the same inode do not share
// caches; cross-handle coherence requires fsync.
type FileHandle struct {
	fh    uint64
	ino   meta.Ino
	cache *store.CacheStore
}

// Write hands data to the cache, taking the direct path for large
// aligned writes. It returns the accepted byte count; short counts
// mean the page pool is exhausted.
func (h *FileHandle) Write(off uint64, data []byte) (int, error) {
	handled, err := h.cache.WriteMaybeDirect(off, data)
	if handled {
		if err != nil {
			return 0, err
		}
		return len(data), nil
	}
	return h.cache.Write(off, data)
}

// Read serves a positional read through the cache.
func (h *FileHandle) Read(off uint64, size int) ([]byte, error) {
	return h.cache.Read(off, size)
}

// Flush forces buffered extents to the data file.
func (h *FileHandle) Flush(sync bool) error {
	return h.cache.Flush(sync)
}

// Clear drops buffered extents without writing them.
func (h *FileHandle) Clear() {
	h.cache.Clear()
}

// DirHandle is a stable snapshot of a directory taken at opendir.
// Concurrent mutations do not affect an in-flight iteration.
type DirHandle struct {
	fh      uint64
	ino     meta.Ino
	entries []meta.NameT
}

// At returns the snapshot entry at pos, if any.
func (d *DirHandle) At(pos int) (meta.NameT, bool) {
	if pos < 0 || pos >= len(d.entries) {
		return meta.NameT{}, false
	}
	return d.entries[pos], true
}

// Len returns the snapshot size.
func (d *DirHandle) Len() int { return len(d.entries) }

// handle is the tagged variant stored in the handle table: exactly one
// of file and dir is set.
type handle struct {
	file *FileHandle
	dir  *DirHandle
}
