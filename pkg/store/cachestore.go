package store

import (
	"bytes"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/abbycin/junkfs/internal/logger"
	"github.com/abbycin/junkfs/pkg/mempool"
	"github.com/abbycin/junkfs/pkg/meta"
)

const (
	// BlockSize is the coalescing unit of the write path and the
	// alignment for the direct-write bypass. It matches the maximum
	// write size advertised to the kernel.
	BlockSize = 16 << 20

	// cacheLimitPages caps dirty pages per handle; at 64 KiB pages
	// this is the 64 MiB per-handle flush threshold.
	cacheLimitPages = 1024

	flushBytesLimit = cacheLimitPages * mempool.PageSize

	// flushInterval is how long a cache may sit idle before the
	// background writer picks it up.
	flushInterval = 200 * time.Millisecond
)

// CacheStore is the per-file-handle writeback buffer: an ordered list
// of dirty extents backed by pool pages. One CacheStore belongs to
// exactly one handle; the mutex exists only for the background
// writer's try-lock flushes.
type CacheStore struct {
	mu sync.Mutex

	ino   meta.Ino
	files *FileStore
	pool  *mempool.Pool

	entries    []Entry
	pageMap    map[uint64]int // page-aligned offset -> entry index
	dirtyBytes int
	lastWrite  time.Time

	verifyFlush bool
}

// NewCacheStore creates an empty cache for ino.
func NewCacheStore(ino meta.Ino, files *FileStore, pool *mempool.Pool, verifyFlush bool) *CacheStore {
	return &CacheStore{
		ino:         ino,
		files:       files,
		pool:        pool,
		pageMap:     make(map[uint64]int),
		lastWrite:   time.Now(),
		verifyFlush: verifyFlush,
	}
}

// Ino returns the owning inode number.
func (c *CacheStore) Ino() meta.Ino { return c.ino }

// WriteMaybeDirect bypasses the cache for large aligned writes and
// reports whether it handled the data.
func (c *CacheStore) WriteMaybeDirect(off uint64, data []byte) (bool, error) {
	if off%BlockSize != 0 || len(data) < BlockSize {
		return false, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	// Earlier buffered writes must land first to keep order within
	// the handle.
	if err := c.flushLocked(false); err != nil {
		return true, err
	}
	if err := c.files.Pwrite(c.ino, off, data); err != nil {
		return true, err
	}
	writeCalls.Inc()
	writeBytes.Add(float64(len(data)))
	return true, nil
}

// Write buffers data at the global file offset, splitting extents that
// cross a block boundary. It returns how many bytes were accepted; a
// short count means the page pool is exhausted and the caller should
// flush and retry.
func (c *CacheStore) Write(off uint64, data []byte) (int, error) {
	if len(data) > BlockSize {
		return 0, fmt.Errorf("cache write of %d bytes exceeds block size", len(data))
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	pos := off % BlockSize
	blk := off / BlockSize
	rest := BlockSize - pos
	nbytes := 0

	if uint64(len(data)) > rest {
		n, err := c.writeBlock(blk, pos, off, data[:rest])
		nbytes += n
		if err != nil || uint64(n) != rest {
			c.recordWrite(nbytes)
			return nbytes, err
		}
		n, err = c.writeBlock(blk+1, 0, (blk+1)*BlockSize, data[rest:])
		nbytes += n
		c.recordWrite(nbytes)
		return nbytes, err
	}

	n, err := c.writeBlock(blk, pos, off, data)
	nbytes += n
	c.recordWrite(nbytes)
	return nbytes, err
}

func (c *CacheStore) recordWrite(n int) {
	if n == 0 {
		return
	}
	writeCalls.Inc()
	writeBytes.Add(float64(n))
	dirtyBytes.Add(float64(n))
	c.lastWrite = time.Now()
}

// writeBlock copies one block-local run into pool pages. Full aligned
// pages rewrite in place through pageMap instead of appending.
func (c *CacheStore) writeBlock(blkID, blkOff, off uint64, data []byte) (int, error) {
	i := 0
	for i < len(data) {
		sz := min(len(data)-i, mempool.PageSize)
		pageOff := off + uint64(i)
		fullPage := sz == mempool.PageSize && pageOff%mempool.PageSize == 0

		if fullPage {
			if idx, ok := c.pageMap[pageOff]; ok {
				copy(c.entries[idx].Data[:sz], data[i:i+sz])
				i += sz
				continue
			}
		}

		page := c.alloc()
		if page == nil {
			return i, nil
		}
		copy(page[:sz], data[i:i+sz])
		c.entries = append(c.entries, Entry{
			BlkID:  blkID,
			BlkOff: blkOff + uint64(i),
			Off:    off + uint64(i),
			Size:   uint64(sz),
			Data:   page,
		})
		if fullPage {
			c.pageMap[pageOff] = len(c.entries) - 1
		}
		c.dirtyBytes += sz
		i += sz
	}
	return i, nil
}

// alloc gets a page, flushing this cache first when it or the pool is
// at its limit.
func (c *CacheStore) alloc() []byte {
	if len(c.entries) >= cacheLimitPages || c.pool.Full() {
		if err := c.flushLocked(false); err != nil {
			logger.Error("inline cache flush failed", "ino", c.ino, "error", err)
		}
	}
	return c.pool.Get()
}

// ShouldFlush reports whether the dirty set crossed the byte threshold
// or sat past the flush interval.
func (c *CacheStore) ShouldFlush() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries) > 0 &&
		(c.dirtyBytes >= flushBytesLimit || time.Since(c.lastWrite) >= flushInterval)
}

// DirtyLen returns the buffered byte count.
func (c *CacheStore) DirtyLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dirtyBytes
}

// HasOverlap reports whether any dirty extent intersects
// [off, off+size).
func (c *CacheStore) HasOverlap(off, size uint64) bool {
	if size == 0 {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	end := off + size
	for _, e := range c.entries {
		if e.Off < end && off < e.Off+e.Size {
			return true
		}
	}
	return false
}

// Flush writes every buffered extent to the data file and returns the
// pages. With sync set the file is fdatasync'd.
func (c *CacheStore) Flush(sync bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flushLocked(sync)
}

// TryFlushExpired is the background writer's entry point: it skips the
// cache when the owning handle holds the lock, and flushes only when
// the thresholds say so.
func (c *CacheStore) TryFlushExpired() {
	if !c.mu.TryLock() {
		return
	}
	defer c.mu.Unlock()
	if len(c.entries) == 0 {
		return
	}
	if c.dirtyBytes < flushBytesLimit && time.Since(c.lastWrite) < flushInterval {
		return
	}
	if err := c.flushLocked(false); err != nil {
		logger.Error("background cache flush failed", "ino", c.ino, "error", err)
	}
}

// Clear discards buffered data without writing it.
func (c *CacheStore) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.releaseEntries(c.takeEntries())
}

func (c *CacheStore) takeEntries() []Entry {
	entries := c.entries
	c.entries = nil
	c.pageMap = make(map[uint64]int)
	dirtyBytes.Sub(float64(c.dirtyBytes))
	c.dirtyBytes = 0
	return entries
}

func (c *CacheStore) releaseEntries(entries []Entry) {
	for _, e := range entries {
		c.pool.Put(e.Data)
	}
}

// segment is one coalesced run of dirty bytes; Data aliases an entry
// page.
type segment struct {
	off  uint64
	data []byte
}

// coalesce folds the submission-ordered entries into sorted,
// non-overlapping segments. Later writes win on overlap.
func coalesce(entries []Entry) []segment {
	var segs []segment
	for _, e := range entries {
		segs = insertSegment(segs, segment{off: e.Off, data: e.Data[:e.Size]})
	}
	return segs
}

// insertSegment splices one write into the sorted segment list,
// trimming whatever it overlaps.
func insertSegment(segs []segment, s segment) []segment {
	start := s.off
	end := s.off + uint64(len(s.data))
	var out []segment
	inserted := false
	for _, cur := range segs {
		curStart := cur.off
		curEnd := cur.off + uint64(len(cur.data))
		if curEnd <= start || curStart >= end {
			if !inserted && curStart >= end {
				out = append(out, s)
				inserted = true
			}
			out = append(out, cur)
			continue
		}
		if curStart < start {
			out = append(out, segment{off: curStart, data: cur.data[:start-curStart]})
		}
		if !inserted {
			out = append(out, s)
			inserted = true
		}
		if curEnd > end {
			out = append(out, segment{off: end, data: cur.data[end-curStart:]})
		}
	}
	if !inserted {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].off < out[j].off })
	return out
}

func (c *CacheStore) flushLocked(sync bool) error {
	entries := c.takeEntries()
	if len(entries) == 0 {
		if sync {
			return c.files.Fsync(c.ino, true)
		}
		return nil
	}
	defer c.releaseEntries(entries)

	segs := coalesce(entries)
	flat := make([]Entry, len(segs))
	for i, s := range segs {
		flat[i] = Entry{Off: s.off, Size: uint64(len(s.data)), Data: s.data}
	}

	flushCalls.Inc()
	start := time.Now()
	err := c.files.WriteEntries(c.ino, flat, sync)
	flushSeconds.Observe(time.Since(start).Seconds())
	if err != nil {
		flushErrors.Inc()
		return err
	}
	if c.verifyFlush {
		c.verify(segs)
	}
	return nil
}

// verify re-reads flushed segments and logs divergence. Debug only.
func (c *CacheStore) verify(segs []segment) {
	buf := make([]byte, mempool.PageSize)
	for _, s := range segs {
		remain := s.data
		off := s.off
		for len(remain) > 0 {
			n := min(len(remain), len(buf))
			got, err := c.files.Pread(c.ino, buf[:n], off)
			if err != nil || got != n || !bytes.Equal(buf[:n], remain[:n]) {
				logger.Error("flush verification mismatch",
					"ino", c.ino, "off", off, "len", n, "error", err)
				return
			}
			remain = remain[n:]
			off += uint64(n)
		}
	}
}

// Read serves a read through the cache: overlapping dirty extents are
// flushed first so the data file is authoritative, then the range is
// read positionally. Unwritten bytes come back as zeros.
func (c *CacheStore) Read(off uint64, size int) ([]byte, error) {
	if size == 0 {
		return nil, nil
	}
	c.mu.Lock()
	overlap := false
	end := off + uint64(size)
	for _, e := range c.entries {
		if e.Off < end && off < e.Off+e.Size {
			overlap = true
			break
		}
	}
	if overlap {
		if err := c.flushLocked(false); err != nil {
			c.mu.Unlock()
			return nil, err
		}
	}
	c.mu.Unlock()

	// Bytes past EOF stay zero; the caller clamps against inode length.
	buf := make([]byte, size)
	if _, err := c.files.Pread(c.ino, buf, off); err != nil {
		return nil, err
	}
	return buf, nil
}
