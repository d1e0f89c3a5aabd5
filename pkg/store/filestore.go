// Package store implements the data path: sparse per-inode host files
// (FileStore) and the per-handle writeback cache (CacheStore) drawing
// pages from the shared pool.
package store

import (
	"container/list"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/abbycin/junkfs/internal/logger"
	"github.com/abbycin/junkfs/pkg/meta"
)

const (
	dataShardBits = 8
	dataShardMask = (1 << dataShardBits) - 1

	// maxOpenFiles bounds the descriptor cache over data files.
	maxOpenFiles = 256
)

// Entry is one dirty extent held by a CacheStore. Data aliases a pool
// page; Size bytes of it are valid.
type Entry struct {
	BlkID  uint64 // block id
	BlkOff uint64 // offset in block
	Off    uint64 // global offset in file
	Size   uint64 // data length
	Data   []byte // page-backed buffer
}

// FileStore owns only the host-file data path; it knows nothing about
// metadata. One data file per inode, sharded two levels deep by the
// low bytes of the inode number.
type FileStore struct {
	root string

	mu    sync.Mutex
	files map[meta.Ino]*list.Element
	lru   *list.List // front = most recent; holds *openFile
}

type openFile struct {
	ino meta.Ino
	fp  *os.File
}

// NewFileStore returns a store rooted at root. The directory tree is
// created on demand.
func NewFileStore(root string) *FileStore {
	return &FileStore{
		root:  root,
		files: make(map[meta.Ino]*list.Element),
		lru:   list.New(),
	}
}

// Close drops every cached descriptor.
func (s *FileStore) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, el := range s.files {
		of := el.Value.(*openFile)
		if err := of.fp.Close(); err != nil {
			logger.Error("close data file failed", "ino", of.ino, "error", err)
		}
	}
	s.files = make(map[meta.Ino]*list.Element)
	s.lru.Init()
}

func shard(ino meta.Ino) (uint8, uint8) {
	return uint8(ino & dataShardMask), uint8((ino >> dataShardBits) & dataShardMask)
}

func (s *FileStore) buildDir1(ino meta.Ino) string {
	s1, _ := shard(ino)
	return filepath.Join(s.root, fmt.Sprintf("%02x", s1))
}

func (s *FileStore) buildDir(ino meta.Ino) string {
	s1, s2 := shard(ino)
	return filepath.Join(s.root, fmt.Sprintf("%02x", s1), fmt.Sprintf("%02x", s2))
}

func (s *FileStore) buildPath(ino meta.Ino) string {
	return filepath.Join(s.buildDir(ino), fmt.Sprintf("%d", ino))
}

// Path returns the host path of an inode's data file.
func (s *FileStore) Path(ino meta.Ino) string {
	return s.buildPath(ino)
}

func fsyncDir(path string) {
	dir, err := os.Open(path)
	if err != nil {
		logger.Error("can't open dir for fsync", "dir", path, "error", err)
		return
	}
	defer dir.Close()
	if err := dir.Sync(); err != nil {
		logger.Error("can't sync dir", "dir", path, "error", err)
	}
}

func (s *FileStore) ensureDirs(ino meta.Ino) error {
	if _, err := os.Stat(s.root); err != nil {
		if err := os.MkdirAll(s.root, 0o755); err != nil {
			return fmt.Errorf("create data root %s: %w", s.root, err)
		}
		if parent := filepath.Dir(s.root); parent != s.root {
			fsyncDir(parent)
		}
		fsyncDir(s.root)
	}
	dir1 := s.buildDir1(ino)
	dir2 := s.buildDir(ino)
	for _, pair := range [][2]string{{dir1, s.root}, {dir2, dir1}} {
		err := os.Mkdir(pair[0], 0o755)
		switch {
		case err == nil:
			fsyncDir(pair[1])
			fsyncDir(pair[0])
		case errors.Is(err, os.ErrExist):
		default:
			return fmt.Errorf("create shard dir %s: %w", pair[0], err)
		}
	}
	return nil
}

// get returns a cached or freshly opened descriptor for ino. With
// create set, the file and its shard directories are created on
// demand.
func (s *FileStore) get(ino meta.Ino, create bool) (*os.File, error) {
	s.mu.Lock()
	if el, ok := s.files[ino]; ok {
		s.lru.MoveToFront(el)
		fp := el.Value.(*openFile).fp
		s.mu.Unlock()
		return fp, nil
	}
	s.mu.Unlock()

	var fp *os.File
	var err error
	path := s.buildPath(ino)
	if create {
		if err := s.ensureDirs(ino); err != nil {
			return nil, err
		}
		fp, err = os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
		if err == nil {
			fsyncDir(s.buildDir(ino))
		}
	} else {
		fp, err = os.OpenFile(path, os.O_RDWR, 0)
	}
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if el, ok := s.files[ino]; ok {
		// Another goroutine won the race; keep its descriptor.
		s.lru.MoveToFront(el)
		cached := el.Value.(*openFile).fp
		s.mu.Unlock()
		fp.Close()
		return cached, nil
	}
	s.files[ino] = s.lru.PushFront(&openFile{ino: ino, fp: fp})
	for s.lru.Len() > maxOpenFiles {
		el := s.lru.Back()
		of := el.Value.(*openFile)
		s.lru.Remove(el)
		delete(s.files, of.ino)
		if err := of.fp.Close(); err != nil {
			logger.Error("close evicted data file failed", "ino", of.ino, "error", err)
		}
	}
	s.mu.Unlock()
	return fp, nil
}

func (s *FileStore) evict(ino meta.Ino) {
	s.mu.Lock()
	if el, ok := s.files[ino]; ok {
		of := el.Value.(*openFile)
		s.lru.Remove(el)
		delete(s.files, ino)
		of.fp.Close()
	}
	s.mu.Unlock()
}

// Pread fills buf from the data file at off. Sparse holes read as
// zeros; reads at or past EOF return n=0. A missing data file reads as
// all holes.
func (s *FileStore) Pread(ino meta.Ino, buf []byte, off uint64) (int, error) {
	fp, err := s.get(ino, false)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("open data file %d: %w", ino, err)
	}
	n, err := fp.ReadAt(buf, int64(off))
	if err != nil && !errors.Is(err, io.EOF) {
		return n, fmt.Errorf("pread ino %d off %d: %w", ino, off, err)
	}
	return n, nil
}

// Pwrite writes one extent at off, creating the file if needed.
func (s *FileStore) Pwrite(ino meta.Ino, off uint64, data []byte) error {
	fp, err := s.get(ino, true)
	if err != nil {
		return fmt.Errorf("open data file %d: %w", ino, err)
	}
	start := time.Now()
	if _, err := fp.WriteAt(data, int64(off)); err != nil {
		return fmt.Errorf("pwrite ino %d off %d: %w", ino, off, err)
	}
	pwritevBytes.Add(float64(len(data)))
	pwritevSeconds.Observe(time.Since(start).Seconds())
	s.dropPageCache(fp, off, uint64(len(data)))
	return nil
}

// WriteEntries lands a sorted run of cache entries with pwritev,
// batching contiguous extents into single calls. With sync set the
// file is fdatasync'd afterwards.
func (s *FileStore) WriteEntries(ino meta.Ino, entries []Entry, sync bool) error {
	if len(entries) == 0 {
		return nil
	}
	fp, err := s.get(ino, true)
	if err != nil {
		return fmt.Errorf("open data file %d: %w", ino, err)
	}

	maxIov := 128
	fd := int(fp.Fd())
	var low, high uint64
	low = entries[0].Off
	i := 0
	for i < len(entries) {
		startOff := entries[i].Off
		expected := startOff
		iovs := make([][]byte, 0, min(len(entries)-i, maxIov))
		for i < len(entries) && entries[i].Off == expected {
			e := entries[i]
			iovs = append(iovs, e.Data[:e.Size])
			expected += e.Size
			i++
			if len(iovs) >= maxIov {
				break
			}
		}
		total := expected - startOff
		start := time.Now()
		n, err := unix.Pwritev(fd, iovs, int64(startOff))
		pwritevSeconds.Observe(time.Since(start).Seconds())
		if err != nil {
			return fmt.Errorf("pwritev ino %d off %d: %w", ino, startOff, err)
		}
		if uint64(n) != total {
			return fmt.Errorf("pwritev ino %d off %d: short write %d of %d", ino, startOff, n, total)
		}
		pwritevBytes.Add(float64(total))
		if expected > high {
			high = expected
		}
	}

	if sync {
		if err := fp.Sync(); err != nil {
			return fmt.Errorf("fsync ino %d: %w", ino, err)
		}
	}
	s.dropPageCache(fp, low, high-low)
	return nil
}

// dropPageCache hints the kernel to forget the just-written range,
// which would otherwise be cached twice under FUSE.
func (s *FileStore) dropPageCache(fp *os.File, off, length uint64) {
	if length == 0 {
		return
	}
	if err := unix.Fadvise(int(fp.Fd()), int64(off), int64(length), unix.FADV_DONTNEED); err != nil {
		logger.Debug("fadvise failed", "error", err)
	}
}

// Truncate sets the data-file length; extension reads as zeros.
func (s *FileStore) Truncate(ino meta.Ino, size uint64) error {
	fp, err := s.get(ino, true)
	if err != nil {
		return fmt.Errorf("open data file %d: %w", ino, err)
	}
	if err := fp.Truncate(int64(size)); err != nil {
		return fmt.Errorf("truncate ino %d to %d: %w", ino, size, err)
	}
	return nil
}

// Fsync makes the data file durable. With datasync set only data and
// the size are forced out.
func (s *FileStore) Fsync(ino meta.Ino, datasync bool) error {
	fp, err := s.get(ino, false)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// Nothing was ever written; nothing to sync.
			return nil
		}
		return fmt.Errorf("open data file %d: %w", ino, err)
	}
	if datasync {
		err = unix.Fdatasync(int(fp.Fd()))
	} else {
		err = fp.Sync()
	}
	if err != nil {
		return fmt.Errorf("fsync ino %d: %w", ino, err)
	}
	return nil
}

// Remove unlinks the data file. A missing file is not an error.
func (s *FileStore) Remove(ino meta.Ino) {
	s.evict(ino)
	path := s.buildPath(ino)
	err := os.Remove(path)
	switch {
	case err == nil:
		fsyncDir(s.buildDir(ino))
		logger.Info("removed data file", "ino", ino, "path", path)
	case errors.Is(err, os.ErrNotExist):
	default:
		logger.Error("can't remove data file", "ino", ino, "path", path, "error", err)
	}
}
