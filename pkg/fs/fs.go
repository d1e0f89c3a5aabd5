// Package fs is the filesystem engine between the FUSE dispatcher and
// the persistence backends: handle tables, inode reference counting,
// deferred unlink, and the background writer.
package fs

import (
	"fmt"
	"sync"
	"time"

	"github.com/jacobsa/fuse/fuseutil"

	"github.com/abbycin/junkfs/internal/logger"
	"github.com/abbycin/junkfs/pkg/config"
	"github.com/abbycin/junkfs/pkg/mempool"
	"github.com/abbycin/junkfs/pkg/meta"
	"github.com/abbycin/junkfs/pkg/store"
)

const (
	// writerTick is the cadence of the background writer.
	writerTick = 100 * time.Millisecond

	// pendingCommitInterval bounds how long metadata sits uncommitted.
	pendingCommitInterval = 200 * time.Millisecond

	// pendingCommitEntries triggers an early commit on a large batch.
	pendingCommitEntries = 8192

	// writeRetryLimit bounds retries when the page pool is exhausted.
	writeRetryLimit = 5
)

// inodeState tracks one in-memory inode: the kernel's lookup count,
// the open-handle count, and the deferred-unlink flag.
type inodeState struct {
	nlookup       uint64
	openCount     int
	pendingUnlink bool
}

// Filesystem is the engine. All methods are safe for concurrent use by
// the FUSE worker goroutines. Everything the adapter does not override
// replies ENOSYS through the embedded default.
type Filesystem struct {
	fuseutil.NotImplementedFileSystem

	meta  *meta.Meta
	files *store.FileStore
	pool  *mempool.Pool
	cfg   *config.Config

	// mu guards the three tables below. Lock order is always this
	// mutex first, then per-cache locks, never the reverse.
	mu      sync.Mutex
	inodes  map[meta.Ino]*inodeState
	handles map[uint64]handle
	nextFh  uint64

	orphanMu sync.Mutex
	orphans  map[meta.Ino]struct{}

	stopCh chan struct{}
	doneCh chan struct{}
}

// New loads the metadata engine and starts the background writer.
func New(metaPath string, cfg *config.Config) (*Filesystem, error) {
	m, err := meta.LoadFS(metaPath, meta.Options{
		EnableInoReuse:  cfg.EnableInoReuse,
		StrictInvariant: cfg.StrictInvariant,
	})
	if err != nil {
		return nil, err
	}
	sb := m.SuperBlock()

	f := &Filesystem{
		meta:    m,
		files:   store.NewFileStore(sb.URI),
		pool:    mempool.New(cfg.MemPoolSize),
		cfg:     cfg,
		inodes:  make(map[meta.Ino]*inodeState),
		handles: make(map[uint64]handle),
		orphans: make(map[meta.Ino]struct{}),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	go f.backgroundWriter()
	return f, nil
}

// Meta exposes the metadata engine to the adapter.
func (f *Filesystem) Meta() *meta.Meta { return f.meta }

// Files exposes the data-file store to the adapter.
func (f *Filesystem) Files() *store.FileStore { return f.files }

// Config returns the mount configuration.
func (f *Filesystem) Config() *config.Config { return f.cfg }

// Shutdown stops the background writer, drains every cache, and closes
// both backends. Called once at unmount.
func (f *Filesystem) Shutdown() {
	close(f.stopCh)
	<-f.doneCh

	f.FlushAllCaches()
	if err := f.meta.Close(); err != nil {
		logger.Error("metadata close failed", "error", err)
	}
	f.files.Close()
	logger.Info("filesystem shut down")
}

// backgroundWriter runs on a fixed tick: it flushes caches that hit
// their thresholds, commits pending metadata, and as a side effect
// folds deferred inode frees back into the imap.
func (f *Filesystem) backgroundWriter() {
	defer close(f.doneCh)
	ticker := time.NewTicker(writerTick)
	defer ticker.Stop()

	lastCommit := time.Now()
	for {
		select {
		case <-f.stopCh:
			return
		case <-ticker.C:
		}

		for _, c := range f.fileCaches() {
			c.TryFlushExpired()
		}

		if f.meta.PendingLen() >= pendingCommitEntries ||
			time.Since(lastCommit) >= pendingCommitInterval {
			if err := f.meta.FlushDirtyInodes(); err != nil {
				logger.Error("dirty inode flush failed", "error", err)
			}
			if err := f.meta.CommitPending(); err != nil {
				logger.Error("pending commit failed", "error", err)
			}
			lastCommit = time.Now()
		}
	}
}

func (f *Filesystem) fileCaches() []*store.CacheStore {
	f.mu.Lock()
	defer f.mu.Unlock()
	caches := make([]*store.CacheStore, 0, len(f.handles))
	for _, h := range f.handles {
		if h.file != nil {
			caches = append(caches, h.file.cache)
		}
	}
	return caches
}

// FlushAllCaches flushes every open file handle. It reports whether
// all flushes succeeded.
func (f *Filesystem) FlushAllCaches() bool {
	ok := true
	for _, c := range f.fileCaches() {
		if err := c.Flush(false); err != nil {
			logger.Error("cache flush failed", "ino", c.Ino(), "error", err)
			ok = false
		}
	}
	return ok
}

// flushOpenFileHandles flushes the caches of every handle open on ino.
// Used before shrinking truncates so buffered data cannot resurrect
// discarded tail bytes.
func (f *Filesystem) flushOpenFileHandles(ino meta.Ino) {
	f.mu.Lock()
	var caches []*store.CacheStore
	for _, h := range f.handles {
		if h.file != nil && h.file.ino == ino {
			caches = append(caches, h.file.cache)
		}
	}
	f.mu.Unlock()
	for _, c := range caches {
		if err := c.Flush(false); err != nil {
			logger.Error("truncate pre-flush failed", "ino", ino, "error", err)
		}
	}
}

// ============================================================================
// Inode reference counting
// ============================================================================

func (f *Filesystem) stateLocked(ino meta.Ino) *inodeState {
	st, ok := f.inodes[ino]
	if !ok {
		st = &inodeState{}
		f.inodes[ino] = st
	}
	return st
}

// IncLookup records one kernel lookup reference.
func (f *Filesystem) IncLookup(ino meta.Ino) {
	f.mu.Lock()
	f.stateLocked(ino).nlookup++
	f.mu.Unlock()
}

// Forget drops n lookup references; the in-memory state dies when both
// counters reach zero.
func (f *Filesystem) Forget(ino meta.Ino, n uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.inodes[ino]
	if !ok {
		return
	}
	if st.nlookup < n {
		st.nlookup = 0
	} else {
		st.nlookup -= n
	}
	if st.nlookup == 0 && st.openCount == 0 {
		delete(f.inodes, ino)
	}
}

// ============================================================================
// Handle table
// ============================================================================

// openFileHandle mints a file handle with a fresh writeback cache.
func (f *Filesystem) openFileHandle(ino meta.Ino) uint64 {
	cache := store.NewCacheStore(ino, f.files, f.pool, f.cfg.VerifyFlush)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextFh++
	fh := f.nextFh
	f.handles[fh] = handle{file: &FileHandle{fh: fh, ino: ino, cache: cache}}
	f.stateLocked(ino).openCount++
	return fh
}

// openDirHandle snapshots the directory and mints a dir handle.
func (f *Filesystem) openDirHandle(ino meta.Ino) (uint64, error) {
	var entries []meta.NameT
	if err := f.meta.LoadDentries(ino, func(e meta.NameT) {
		entries = append(entries, e)
	}); err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextFh++
	fh := f.nextFh
	f.handles[fh] = handle{dir: &DirHandle{fh: fh, ino: ino, entries: entries}}
	f.stateLocked(ino).openCount++
	return fh, nil
}

// FileHandleByID resolves a file handle.
func (f *Filesystem) FileHandleByID(fh uint64) (*FileHandle, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.handles[fh]
	if !ok || h.file == nil {
		return nil, false
	}
	return h.file, true
}

// DirHandleByID resolves a dir handle.
func (f *Filesystem) DirHandleByID(fh uint64) (*DirHandle, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.handles[fh]
	if !ok || h.dir == nil {
		return nil, false
	}
	return h.dir, true
}

// IsDirHandle reports whether fh names a directory handle.
func (f *Filesystem) IsDirHandle(fh uint64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.handles[fh]
	return ok && h.dir != nil
}

// ReleaseFile flushes and drops a file handle, finalizing a deferred
// unlink when the last handle of an orphan goes away.
func (f *Filesystem) ReleaseFile(fh uint64) {
	f.mu.Lock()
	h, ok := f.handles[fh]
	if !ok || h.file == nil {
		f.mu.Unlock()
		return
	}
	delete(f.handles, fh)
	f.mu.Unlock()

	if err := h.file.Flush(false); err != nil {
		logger.Error("flush on release failed", "ino", h.file.ino, "error", err)
	}
	h.file.Clear()

	f.closeHandleState(h.file.ino)
}

// ReleaseDir drops a directory handle and its snapshot.
func (f *Filesystem) ReleaseDir(fh uint64) {
	f.mu.Lock()
	h, ok := f.handles[fh]
	if !ok || h.dir == nil {
		f.mu.Unlock()
		return
	}
	delete(f.handles, fh)
	f.mu.Unlock()

	logger.Debug("released dir handle", "fh", fh, "entries", h.dir.Len())
	f.closeHandleState(h.dir.ino)
}

// closeHandleState decrements the open count and runs deferred unlink
// finalization when the inode became an orphan while open.
func (f *Filesystem) closeHandleState(ino meta.Ino) {
	f.mu.Lock()
	st, ok := f.inodes[ino]
	if !ok {
		f.mu.Unlock()
		return
	}
	st.openCount--
	finalize := st.openCount == 0 && st.pendingUnlink
	if finalize {
		st.pendingUnlink = false
	}
	if st.openCount == 0 && st.nlookup == 0 {
		delete(f.inodes, ino)
	}
	f.mu.Unlock()

	if !finalize {
		return
	}
	f.orphanMu.Lock()
	delete(f.orphans, ino)
	f.orphanMu.Unlock()

	if err := f.meta.FinalizeUnlink(ino); err != nil {
		logger.Error("finalize unlink failed", "ino", ino, "error", err)
		return
	}
	f.files.Remove(ino)
	logger.Info("finalized deferred unlink", "ino", ino)
}

// ============================================================================
// Namespace operations with deferred unlink
// ============================================================================

// unlinkInode removes parent/name. When the displaced object is a
// regular file that is still open, deletion is deferred until its last
// release; the name disappears immediately either way.
func (f *Filesystem) unlinkInode(parent meta.Ino, name string, inode *meta.Inode) error {
	if inode.Kind != meta.KindDir && inode.Links == 1 {
		// Decide open-ness and mark the orphan under one lock so a
		// racing release cannot slip between the check and the mark.
		f.mu.Lock()
		st, ok := f.inodes[inode.ID]
		open := ok && st.openCount > 0
		if open {
			f.stateLocked(inode.ID).pendingUnlink = true
		}
		f.mu.Unlock()

		if open {
			if _, err := f.meta.UnlinkKeepInode(parent, name); err != nil {
				f.mu.Lock()
				if st, ok := f.inodes[inode.ID]; ok {
					st.pendingUnlink = false
				}
				f.mu.Unlock()
				return err
			}
			f.markOrphan(inode.ID)
			return nil
		}
	}

	unlinked, err := f.meta.Unlink(parent, name)
	if err != nil {
		return err
	}
	if unlinked.Kind != meta.KindDir && unlinked.Links == 0 {
		f.files.Remove(unlinked.ID)
	}
	return nil
}

func (f *Filesystem) markOrphan(ino meta.Ino) {
	f.orphanMu.Lock()
	f.orphans[ino] = struct{}{}
	f.orphanMu.Unlock()
	logger.Info("deferred unlink of open inode", "ino", ino)
}

// OrphanCount reports how many inodes await finalization. Exposed for
// invariant checks.
func (f *Filesystem) OrphanCount() int {
	f.orphanMu.Lock()
	defer f.orphanMu.Unlock()
	return len(f.orphans)
}

// renameEntry moves old to new, displacing an existing target through
// the deferred-unlink rules.
func (f *Filesystem) renameEntry(oldParent meta.Ino, oldName string, newParent meta.Ino, newName string) error {
	if err := f.checkRenameLoop(oldParent, oldName, newParent); err != nil {
		return err
	}
	return f.meta.Rename(oldParent, oldName, newParent, newName,
		func(parent meta.Ino, name string, displaced *meta.Inode) error {
			return f.unlinkInode(parent, name, displaced)
		})
}

// checkRenameLoop rejects moving a directory into itself or any of its
// descendants by walking the new parent's ancestry.
func (f *Filesystem) checkRenameLoop(oldParent meta.Ino, oldName string, newParent meta.Ino) error {
	moved, err := f.meta.Lookup(oldParent, oldName)
	if err != nil {
		return err
	}
	if moved.Kind != meta.KindDir {
		return nil
	}
	if moved.ID == newParent {
		return meta.ErrInvalid
	}
	cur := newParent
	for cur != meta.RootIno && cur != 0 {
		inode, err := f.meta.LoadInode(cur)
		if err != nil {
			return err
		}
		if inode.Parent == moved.ID {
			return meta.ErrInvalid
		}
		cur = inode.Parent
	}
	return nil
}

// ============================================================================
// Data path
// ============================================================================

// Write pushes data through the handle's cache, flushing globally and
// retrying when the page pool is exhausted, then refreshes the inode.
func (f *Filesystem) Write(h *FileHandle, off uint64, data []byte) (int, error) {
	total := 0
	retries := 0
	for total < len(data) {
		n, err := h.Write(off+uint64(total), data[total:])
		if err != nil {
			return total, err
		}
		if n == 0 {
			retries++
			if retries > writeRetryLimit {
				return total, fmt.Errorf("%w: page pool exhausted", meta.ErrIO)
			}
			if !f.FlushAllCaches() {
				return total, meta.ErrIO
			}
			time.Sleep(time.Millisecond)
			continue
		}
		total += n
		retries = 0
	}
	if total > 0 {
		if err := f.meta.UpdateInodeAfterWrite(h.ino, off+uint64(total)); err != nil {
			return total, err
		}
	}
	return total, nil
}

// Read serves a clamped read against the inode's current length.
func (f *Filesystem) Read(h *FileHandle, off uint64, size int) ([]byte, error) {
	inode, err := f.meta.LoadInode(h.ino)
	if err != nil {
		return nil, err
	}
	if off >= inode.Length {
		return nil, nil
	}
	if avail := inode.Length - off; uint64(size) > avail {
		size = int(avail)
	}
	return h.Read(off, size)
}

// syncFile makes one file durable: cache flush, data fsync, inode
// record staged, pending committed and the KV store flushed.
func (f *Filesystem) syncFile(ino meta.Ino, h *FileHandle) error {
	if h != nil {
		if err := h.Flush(false); err != nil {
			return err
		}
	}
	if err := f.files.Fsync(ino, false); err != nil {
		return err
	}
	if err := f.meta.FlushInode(ino); err != nil {
		return err
	}
	return f.meta.Sync()
}
