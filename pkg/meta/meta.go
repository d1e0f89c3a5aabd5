// Package meta implements the metadata engine: the typed model
// (superblock, inodes, dentries, imap) over the badger store, the
// pending write batch, the lazy directory index, and the allocation
// lifecycle including deferred frees for orphaned inodes.
package meta

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto/v2"

	"github.com/abbycin/junkfs/internal/logger"
	"github.com/abbycin/junkfs/pkg/bitmap"
)

const (
	// pendingCommitBatch caps how many entries one transaction carries.
	pendingCommitBatch = 8192

	// pendingCommitBytes caps the payload of one transaction.
	pendingCommitBytes = 4 << 20

	dentryCacheEntries = 1 << 18

	// negDentryTTL bounds how long a cached miss can shadow the store.
	negDentryTTL = time.Second
)

// Options selects engine policies fixed at mount time.
type Options struct {
	// EnableInoReuse lets freed inode numbers be allocated again.
	EnableInoReuse bool

	// StrictInvariant turns on fatal runtime invariant checks.
	StrictInvariant bool
}

// NameT is one directory entry as seen by readdir snapshots.
type NameT struct {
	Name string
	Kind Kind
	Ino  Ino
}

// Meta is the metadata engine. All exported methods are safe for
// concurrent use.
type Meta struct {
	store *Store
	opts  Options

	// stateMu guards the superblock and the allocation map.
	stateMu sync.Mutex
	sb      *SuperBlock
	imap    *InoMap

	// cacheMu guards inodeCache; dirtyMu guards dirtyInodes and
	// deletingInodes.
	cacheMu        sync.RWMutex
	inodeCache     map[Ino]inodeCacheEntry
	dirtyMu        sync.Mutex
	dirtyInodes    map[Ino]struct{}
	deletingInodes map[Ino]struct{}

	pendingMu sync.Mutex
	puts      map[string][]byte
	dels      map[string]struct{}

	freeMu      sync.Mutex
	pendingFree []Ino

	dentryCache *ristretto.Cache[string, dentryCacheValue]

	indexMu  sync.Mutex
	dirIndex map[Ino]*dirIndex
}

type inodeCacheEntry struct {
	inode Inode
	dirty bool
}

type dentryCacheValue struct {
	ino     Ino
	present bool
}

type dirIndex struct {
	loaded  bool
	entries map[string]Ino
}

// Format wipes nothing by itself; it writes a fresh superblock, the
// root inode and a full imap into the store at metaPath. Callers clear
// the paths first.
func Format(metaPath, storePath string) error {
	store, err := OpenStore(metaPath)
	if err != nil {
		return err
	}
	defer store.Close()

	sb := NewSuperBlock(storePath)
	imap := NewInoMap(sb.TotalInodes, sb.GroupSize)
	// Slot 0 is reserved so no object ever gets ino 0.
	imap.Reserve(0)

	plan, err := imap.AllocPlan(func(uint64) (*bitmap.Bitmap, error) {
		return nil, fmt.Errorf("imap group not loaded at format")
	})
	if err != nil {
		return err
	}
	if plan == nil {
		return fmt.Errorf("format: can't allocate root inode")
	}
	rootIno := plan.Ino
	imap.ApplyAlloc(plan)
	if rootIno != RootIno {
		return fmt.Errorf("format: root inode is %d, want %d", rootIno, RootIno)
	}

	now := uint64(time.Now().Unix())
	root := Inode{
		ID:     rootIno,
		Parent: 0,
		Kind:   KindDir,
		Mode:   0o755,
		Atime:  now,
		Mtime:  now,
		Ctime:  now,
		Links:  2, // . and ..
	}

	puts := []KV{
		{Key: SuperBlockKey(), Val: sb.encode()},
		{Key: InodeKey(rootIno), Val: root.encode()},
		{Key: SummaryKey(), Val: imap.SummaryVal()},
	}
	for gid := uint64(0); gid < imap.GroupCount(); gid++ {
		puts = append(puts, KV{Key: GroupKey(gid), Val: imap.GroupVal(gid)})
	}
	if err := store.CommitBatch(puts, nil); err != nil {
		return fmt.Errorf("format: %w", err)
	}
	return store.Sync()
}

// LoadFS opens the store at metaPath and validates the superblock.
func LoadFS(metaPath string, opts Options) (*Meta, error) {
	store, err := OpenStore(metaPath)
	if err != nil {
		return nil, err
	}

	raw, ok, err := store.Get(SuperBlockKey())
	if err != nil {
		store.Close()
		return nil, err
	}
	if !ok {
		store.Close()
		return nil, fmt.Errorf("%s is not formatted", metaPath)
	}
	sb, err := decodeSuperBlock(raw)
	if err != nil {
		store.Close()
		return nil, err
	}
	if err := sb.Check(); err != nil {
		store.Close()
		return nil, err
	}

	sumRaw, ok, err := store.Get(SummaryKey())
	if err != nil {
		store.Close()
		return nil, err
	}
	if !ok {
		store.Close()
		return nil, fmt.Errorf("%s has no imap summary", metaPath)
	}
	summary, err := bitmap.Decode(sumRaw)
	if err != nil {
		store.Close()
		return nil, err
	}
	imap := InoMapFromSummary(sb.TotalInodes, sb.GroupSize, summary)
	if err := repairImapSummary(store, sb, imap); err != nil {
		store.Close()
		return nil, err
	}
	if err := imap.Check(); err != nil {
		store.Close()
		return nil, err
	}

	dentryCache, err := ristretto.NewCache(&ristretto.Config[string, dentryCacheValue]{
		NumCounters: dentryCacheEntries * 10,
		MaxCost:     dentryCacheEntries,
		BufferItems: 64,
	})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("dentry cache: %w", err)
	}

	return &Meta{
		store:          store,
		opts:           opts,
		sb:             sb,
		imap:           imap,
		inodeCache:     make(map[Ino]inodeCacheEntry),
		dirtyInodes:    make(map[Ino]struct{}),
		deletingInodes: make(map[Ino]struct{}),
		puts:           make(map[string][]byte),
		dels:           make(map[string]struct{}),
		dentryCache:    dentryCache,
		dirIndex:       make(map[Ino]*dirIndex),
	}, nil
}

// Close commits what it can and releases the store.
func (m *Meta) Close() error {
	if err := m.Sync(); err != nil {
		logger.Error("final metadata sync failed", "error", err)
	}
	m.dentryCache.Close()
	return m.store.Close()
}

// SuperBlock returns a copy of the superblock.
func (m *Meta) SuperBlock() SuperBlock {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return *m.sb
}

// UsedInodes estimates allocated inode count for statfs.
func (m *Meta) UsedInodes() uint64 {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return m.imap.Used()
}

// repairImapSummary rebuilds the summary from the group bitmaps. A
// crash between group and summary commits can leave them out of step;
// groups are authoritative.
func repairImapSummary(store *Store, sb *SuperBlock, imap *InoMap) error {
	fresh := bitmap.New(sb.GroupCount)
	for gid := uint64(0); gid < sb.GroupCount; gid++ {
		raw, ok, err := store.Get(GroupKey(gid))
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("imap group %d missing", gid)
		}
		group, err := bitmap.Decode(raw)
		if err != nil {
			return err
		}
		start := gid * sb.GroupSize
		end := min(sb.TotalInodes, start+sb.GroupSize)
		if group.Cap() != end-start {
			return fmt.Errorf("imap group %d size mismatch", gid)
		}
		if !group.Full() {
			fresh.Set(gid)
		}
	}
	if !fresh.Equal(imap.Summary()) {
		logger.Warn("repairing stale imap summary")
		if err := store.Set(SummaryKey(), fresh.Encode()); err != nil {
			return err
		}
		imap.ReplaceSummary(fresh)
	}
	return nil
}

func (m *Meta) loadImapGroup(gid uint64) (*bitmap.Bitmap, error) {
	raw, ok, err := m.store.Get(GroupKey(gid))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("imap group %d missing", gid)
	}
	return bitmap.Decode(raw)
}

// ============================================================================
// Pending batch
// ============================================================================

type pendingValue int

const (
	pendingMissing pendingValue = iota
	pendingPut
	pendingDeleted
)

func (m *Meta) stagePut(key string, val []byte) {
	m.maybeCacheDentryPut(key, val)
	m.maybeIndexDentryPut(key, val)
	m.pendingMu.Lock()
	delete(m.dels, key)
	m.puts[key] = val
	m.pendingMu.Unlock()
}

func (m *Meta) stageDel(key string) {
	m.maybeCacheDentryDel(key)
	m.maybeIndexDentryDel(key)
	m.pendingMu.Lock()
	delete(m.puts, key)
	m.dels[key] = struct{}{}
	m.pendingMu.Unlock()
}

func (m *Meta) pendingGet(key string) (pendingValue, []byte) {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	if _, ok := m.dels[key]; ok {
		return pendingDeleted, nil
	}
	if v, ok := m.puts[key]; ok {
		return pendingPut, v
	}
	return pendingMissing, nil
}

// PendingLen returns how many staged mutations are waiting for commit.
func (m *Meta) PendingLen() int {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	return len(m.puts) + len(m.dels)
}

// Store buffers a raw put into the pending batch.
func (m *Meta) Store(key string, val []byte) {
	m.stagePut(key, append([]byte(nil), val...))
}

// Load reads a key, pending batch first.
func (m *Meta) Load(key string) ([]byte, bool) {
	switch state, v := m.pendingGet(key); state {
	case pendingPut:
		return v, true
	case pendingDeleted:
		return nil, false
	}
	val, ok, err := m.store.Get(key)
	if err != nil {
		logger.Error("can't load key", "key", key, "error", err)
		return nil, false
	}
	return val, ok
}

// Delete buffers a raw delete into the pending batch.
func (m *Meta) Delete(key string) {
	m.stageDel(key)
}

// putPriority orders batch drains: inode records land before imap
// bitmaps, dentries last, so a partially drained pending buffer never
// commits a dentry whose inode is still only in memory.
func putPriority(key string) int {
	switch {
	case strings.HasPrefix(key, "i_"):
		return 0
	case strings.HasPrefix(key, "d_"):
		return 2
	default:
		return 1
	}
}

// takePendingBatch moves up to batchLimit entries out of the pending
// buffer. Ownership transfers to the caller; on commit failure the
// batch is merged back with restorePendingBatch.
func (m *Meta) takePendingBatch(batchLimit int) ([]KV, []string) {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	if len(m.puts) == 0 && len(m.dels) == 0 {
		return nil, nil
	}

	putKeys := make([]string, 0, len(m.puts))
	for k := range m.puts {
		putKeys = append(putKeys, k)
	}
	sort.SliceStable(putKeys, func(i, j int) bool {
		return putPriority(putKeys[i]) < putPriority(putKeys[j])
	})
	if len(putKeys) > batchLimit {
		putKeys = putKeys[:batchLimit]
	}

	var puts []KV
	bytes := 0
	for _, k := range putKeys {
		v := m.puts[k]
		add := len(k) + len(v)
		if len(puts) > 0 && bytes+add > pendingCommitBytes {
			break
		}
		bytes += add
		delete(m.puts, k)
		puts = append(puts, KV{Key: k, Val: v})
	}

	var dels []string
	remain := batchLimit - len(puts)
	if remain > 0 {
		// Dentry deletes go first so unlinked names disappear before
		// their inode record does.
		hasDentry := false
		for k := range m.dels {
			if strings.HasPrefix(k, "d_") {
				hasDentry = true
				break
			}
		}
		for k := range m.dels {
			if len(dels) >= remain {
				break
			}
			if hasDentry && !strings.HasPrefix(k, "d_") {
				continue
			}
			if len(puts) > 0 && bytes+len(k) > pendingCommitBytes {
				break
			}
			bytes += len(k)
			delete(m.dels, k)
			dels = append(dels, k)
		}
	}
	return puts, dels
}

// restorePendingBatch merges a failed batch back, preferring entries
// the live buffer accumulated since the drain.
func (m *Meta) restorePendingBatch(puts []KV, dels []string) {
	if len(puts) == 0 && len(dels) == 0 {
		return
	}
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	for _, kv := range puts {
		if _, ok := m.puts[kv.Key]; ok {
			continue
		}
		if _, ok := m.dels[kv.Key]; ok {
			continue
		}
		m.puts[kv.Key] = kv.Val
	}
	for _, k := range dels {
		if _, ok := m.puts[k]; ok {
			continue
		}
		m.dels[k] = struct{}{}
	}
}

// CommitPending drains the pending buffer into the store, one
// transaction per batch. On a transaction conflict the batch size is
// halved and retried; other failures retain the batch for a later
// attempt.
func (m *Meta) CommitPending() error {
	batchLimit := pendingCommitBatch
	for {
		puts, dels := m.takePendingBatch(batchLimit)
		if len(puts) == 0 && len(dels) == 0 {
			m.applyPendingFrees()
			puts, dels = m.takePendingBatch(batchLimit)
		}
		if len(puts) == 0 && len(dels) == 0 {
			return nil
		}
		err := m.store.CommitBatch(puts, dels)
		switch {
		case err == nil:
			batchLimit = pendingCommitBatch
		case IsTxnConflict(err):
			m.restorePendingBatch(puts, dels)
			if batchLimit <= 1 {
				return fmt.Errorf("commit pending: %w", err)
			}
			batchLimit = max(batchLimit/2, 1)
		default:
			m.restorePendingBatch(puts, dels)
			return fmt.Errorf("commit pending: %w", err)
		}
	}
}

// Sync flushes dirty inodes, commits pending, and makes the store
// durable.
func (m *Meta) Sync() error {
	if err := m.FlushDirtyInodes(); err != nil {
		return err
	}
	if err := m.CommitPending(); err != nil {
		return err
	}
	return m.store.Sync()
}

// ============================================================================
// Dentry cache and directory index
// ============================================================================

func (m *Meta) dentryCacheGet(key string) (dentryCacheValue, bool) {
	return m.dentryCache.Get(key)
}

func (m *Meta) dentryCachePut(key string, v dentryCacheValue) {
	if v.present {
		m.dentryCache.Set(key, v, 1)
	} else {
		m.dentryCache.SetWithTTL(key, v, 1, negDentryTTL)
	}
}

func (m *Meta) maybeCacheDentryPut(key string, val []byte) {
	if !strings.HasPrefix(key, "d_") {
		return
	}
	de, err := decodeDentry(val)
	if err != nil {
		return
	}
	m.dentryCachePut(key, dentryCacheValue{ino: de.Ino, present: true})
}

func (m *Meta) maybeCacheDentryDel(key string) {
	if !strings.HasPrefix(key, "d_") {
		return
	}
	m.dentryCachePut(key, dentryCacheValue{})
}

func (m *Meta) maybeIndexDentryPut(key string, val []byte) {
	parent, name, ok := parseDentryKey(key)
	if !ok {
		return
	}
	de, err := decodeDentry(val)
	if err != nil {
		return
	}
	m.indexMu.Lock()
	idx, ok := m.dirIndex[parent]
	if !ok {
		idx = &dirIndex{entries: make(map[string]Ino)}
		m.dirIndex[parent] = idx
	}
	idx.entries[name] = de.Ino
	m.indexMu.Unlock()
}

func (m *Meta) maybeIndexDentryDel(key string) {
	parent, name, ok := parseDentryKey(key)
	if !ok {
		return
	}
	m.indexMu.Lock()
	if idx, ok := m.dirIndex[parent]; ok {
		delete(idx.entries, name)
	}
	m.indexMu.Unlock()
}

func (m *Meta) dirIndexLookup(parent Ino, name string) (Ino, bool, bool) {
	m.indexMu.Lock()
	defer m.indexMu.Unlock()
	idx, ok := m.dirIndex[parent]
	if !ok || !idx.loaded {
		return 0, false, false
	}
	ino, found := idx.entries[name]
	return ino, found, true
}

func (m *Meta) dirIndexHasEntries(ino Ino) (bool, bool) {
	m.indexMu.Lock()
	defer m.indexMu.Unlock()
	idx, ok := m.dirIndex[ino]
	if !ok || !idx.loaded {
		return false, false
	}
	return len(idx.entries) > 0, true
}

// pendingForPrefix snapshots pending mutations under a key prefix.
func (m *Meta) pendingForPrefix(prefix string) (map[string][]byte, map[string]struct{}) {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	puts := make(map[string][]byte)
	for k, v := range m.puts {
		if strings.HasPrefix(k, prefix) {
			puts[k] = v
		}
	}
	dels := make(map[string]struct{})
	for k := range m.dels {
		if strings.HasPrefix(k, prefix) {
			dels[k] = struct{}{}
		}
	}
	return puts, dels
}

// buildDirIndex merges the committed dentry scan with pending changes.
func (m *Meta) buildDirIndex(parent Ino) (map[string]Ino, error) {
	prefix := DentryPrefix(parent)
	entries := make(map[string]Ino)
	err := m.store.ScanPrefix(prefix, func(key string, val []byte) bool {
		de, err := decodeDentry(val)
		if err != nil {
			logger.Error("corrupt dentry", "key", key, "error", err)
			return true
		}
		entries[de.Name] = de.Ino
		return true
	})
	if err != nil {
		return nil, err
	}
	puts, dels := m.pendingForPrefix(prefix)
	for key := range dels {
		if _, name, ok := parseDentryKey(key); ok {
			delete(entries, name)
		}
	}
	for _, val := range puts {
		de, err := decodeDentry(val)
		if err != nil {
			continue
		}
		entries[de.Name] = de.Ino
	}
	return entries, nil
}

func (m *Meta) ensureDirIndexLoaded(parent Ino) error {
	m.indexMu.Lock()
	idx, ok := m.dirIndex[parent]
	if ok && idx.loaded {
		m.indexMu.Unlock()
		return nil
	}
	m.indexMu.Unlock()

	entries, err := m.buildDirIndex(parent)
	if err != nil {
		return err
	}

	m.indexMu.Lock()
	idx, ok = m.dirIndex[parent]
	if !ok {
		idx = &dirIndex{entries: make(map[string]Ino)}
		m.dirIndex[parent] = idx
	}
	idx.entries = entries
	idx.loaded = true
	m.indexMu.Unlock()
	return nil
}

func (m *Meta) dropDirIndex(parent Ino) {
	m.indexMu.Lock()
	delete(m.dirIndex, parent)
	m.indexMu.Unlock()
}

// ============================================================================
// Inode cache
// ============================================================================

func (m *Meta) markInodeDeleting(ino Ino) {
	m.dirtyMu.Lock()
	m.deletingInodes[ino] = struct{}{}
	m.dirtyMu.Unlock()
}

func (m *Meta) clearInodeDeleting(ino Ino) {
	m.dirtyMu.Lock()
	delete(m.deletingInodes, ino)
	m.dirtyMu.Unlock()
}

func (m *Meta) inodeIsDeleting(ino Ino) bool {
	m.dirtyMu.Lock()
	defer m.dirtyMu.Unlock()
	_, ok := m.deletingInodes[ino]
	return ok
}

func (m *Meta) cacheGet(ino Ino) (Inode, bool) {
	m.cacheMu.RLock()
	defer m.cacheMu.RUnlock()
	e, ok := m.inodeCache[ino]
	return e.inode, ok
}

func (m *Meta) cachePut(inode Inode, dirty bool) {
	if m.inodeIsDeleting(inode.ID) {
		return
	}
	m.cacheMu.Lock()
	m.inodeCache[inode.ID] = inodeCacheEntry{inode: inode, dirty: dirty}
	m.cacheMu.Unlock()
	if dirty {
		m.dirtyMu.Lock()
		m.dirtyInodes[inode.ID] = struct{}{}
		m.dirtyMu.Unlock()
	}
}

func (m *Meta) cacheMarkDirty(inode Inode) {
	if m.inodeIsDeleting(inode.ID) {
		return
	}
	m.cacheMu.Lock()
	m.inodeCache[inode.ID] = inodeCacheEntry{inode: inode, dirty: true}
	m.cacheMu.Unlock()
	m.dirtyMu.Lock()
	m.dirtyInodes[inode.ID] = struct{}{}
	m.dirtyMu.Unlock()
}

func (m *Meta) cacheRemove(ino Ino) {
	m.cacheMu.Lock()
	delete(m.inodeCache, ino)
	m.cacheMu.Unlock()
	m.dirtyMu.Lock()
	delete(m.dirtyInodes, ino)
	m.dirtyMu.Unlock()
}

// UpdateInodeAfterWrite refreshes length and times after data landed at
// [.., endOff).
func (m *Meta) UpdateInodeAfterWrite(ino Ino, endOff uint64) error {
	if m.inodeIsDeleting(ino) {
		return nil
	}
	inode, ok := m.cacheGet(ino)
	if !ok {
		loaded, err := m.LoadInode(ino)
		if err != nil {
			return err
		}
		inode = *loaded
	}
	now := uint64(time.Now().Unix())
	inode.Mtime = now
	inode.Ctime = now
	if inode.Length < endOff {
		inode.Length = endOff
	}
	m.cacheMarkDirty(inode)
	return nil
}

// FlushDirtyInodes stages every dirty cached inode into pending.
func (m *Meta) FlushDirtyInodes() error {
	m.dirtyMu.Lock()
	if len(m.dirtyInodes) == 0 {
		m.dirtyMu.Unlock()
		return nil
	}
	dirtySet := m.dirtyInodes
	m.dirtyInodes = make(map[Ino]struct{})
	m.dirtyMu.Unlock()

	type dirtyInode struct {
		ino   Ino
		inode Inode
	}
	var dirty []dirtyInode
	m.cacheMu.RLock()
	for ino := range dirtySet {
		if m.inodeIsDeleting(ino) {
			continue
		}
		if e, ok := m.inodeCache[ino]; ok && e.dirty {
			dirty = append(dirty, dirtyInode{ino: ino, inode: e.inode})
		}
	}
	m.cacheMu.RUnlock()

	for _, d := range dirty {
		m.stagePut(InodeKey(d.ino), d.inode.encode())
	}

	var keep []Ino
	m.cacheMu.Lock()
	for _, d := range dirty {
		if e, ok := m.inodeCache[d.ino]; ok {
			if e.dirty && e.inode == d.inode {
				e.dirty = false
				m.inodeCache[d.ino] = e
			} else if e.dirty {
				keep = append(keep, d.ino)
			}
		}
	}
	m.cacheMu.Unlock()
	if len(keep) > 0 {
		m.dirtyMu.Lock()
		for _, ino := range keep {
			m.dirtyInodes[ino] = struct{}{}
		}
		m.dirtyMu.Unlock()
	}
	return nil
}

// FlushInode stages one inode if it is dirty.
func (m *Meta) FlushInode(ino Ino) error {
	if m.inodeIsDeleting(ino) {
		return nil
	}
	m.cacheMu.RLock()
	e, ok := m.inodeCache[ino]
	m.cacheMu.RUnlock()
	if !ok || !e.dirty {
		return nil
	}
	m.stagePut(InodeKey(e.inode.ID), e.inode.encode())
	m.cacheMu.Lock()
	if cur, ok := m.inodeCache[ino]; ok && cur.inode == e.inode {
		cur.dirty = false
		m.inodeCache[ino] = cur
	}
	m.cacheMu.Unlock()
	return nil
}

// ============================================================================
// Typed operations
// ============================================================================

// LoadInode returns the inode record, consulting cache and pending
// before the store. ErrNotFound when the inode does not exist.
func (m *Meta) LoadInode(ino Ino) (*Inode, error) {
	if i, ok := m.cacheGet(ino); ok {
		return &i, nil
	}
	key := InodeKey(ino)
	switch state, v := m.pendingGet(key); state {
	case pendingPut:
		inode, err := decodeInode(v)
		if err != nil {
			return nil, err
		}
		m.cachePut(*inode, false)
		return inode, nil
	case pendingDeleted:
		return nil, ErrNotFound
	}
	raw, ok, err := m.store.Get(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	if !ok {
		return nil, ErrNotFound
	}
	inode, err := decodeInode(raw)
	if err != nil {
		return nil, err
	}
	m.cachePut(*inode, false)
	return inode, nil
}

// StoreInode records new inode state; the write is deferred to the
// next dirty-inode flush.
func (m *Meta) StoreInode(inode *Inode) {
	if m.inodeIsDeleting(inode.ID) {
		return
	}
	m.cacheMarkDirty(*inode)
}

// Lookup resolves parent/name to an inode. ErrNotFound for misses.
func (m *Meta) Lookup(parent Ino, name string) (*Inode, error) {
	key := DentryKey(parent, name)
	switch state, v := m.pendingGet(key); state {
	case pendingPut:
		de, err := decodeDentry(v)
		if err != nil {
			return nil, err
		}
		return m.LoadInode(de.Ino)
	case pendingDeleted:
		return nil, ErrNotFound
	}
	if v, ok := m.dentryCacheGet(key); ok {
		if !v.present {
			return nil, ErrNotFound
		}
		return m.LoadInode(v.ino)
	}
	if err := m.ensureDirIndexLoaded(parent); err != nil {
		return nil, err
	}
	if ino, found, loaded := m.dirIndexLookup(parent, name); loaded {
		if !found {
			m.dentryCachePut(key, dentryCacheValue{})
			return nil, ErrNotFound
		}
		m.dentryCachePut(key, dentryCacheValue{ino: ino, present: true})
		return m.LoadInode(ino)
	}
	raw, ok, err := m.store.Get(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	if !ok {
		m.dentryCachePut(key, dentryCacheValue{})
		return nil, ErrNotFound
	}
	de, err := decodeDentry(raw)
	if err != nil {
		return nil, err
	}
	m.dentryCachePut(key, dentryCacheValue{ino: de.Ino, present: true})
	return m.LoadInode(de.Ino)
}

// DentryExist reports whether parent/name resolves to anything.
func (m *Meta) DentryExist(parent Ino, name string) bool {
	key := DentryKey(parent, name)
	switch state, _ := m.pendingGet(key); state {
	case pendingPut:
		return true
	case pendingDeleted:
		return false
	}
	if v, ok := m.dentryCacheGet(key); ok {
		return v.present
	}
	if err := m.ensureDirIndexLoaded(parent); err == nil {
		if ino, found, loaded := m.dirIndexLookup(parent, name); loaded {
			if found {
				m.dentryCachePut(key, dentryCacheValue{ino: ino, present: true})
			}
			return found
		}
	}
	ok, err := m.store.Has(key)
	if err != nil {
		logger.Error("dentry existence check failed", "key", key, "error", err)
		return false
	}
	return ok
}

// StoreDentry stages a dentry put.
func (m *Meta) StoreDentry(parent Ino, name string, ino Ino) {
	de := Dentry{Parent: parent, Ino: ino, Name: name}
	m.stagePut(DentryKey(parent, name), de.encode())
}

// inodeLiveness classifies an ino for strict invariant checks.
func (m *Meta) inodeLiveness(ino Ino) string {
	key := InodeKey(ino)
	switch state, _ := m.pendingGet(key); state {
	case pendingPut:
		return "pending-put"
	case pendingDeleted:
		return "pending-del"
	}
	if ok, _ := m.store.Has(key); ok {
		return "committed"
	}
	return "missing"
}

// inodeHasLiveDentry reports whether any dentry, committed or pending,
// still references ino. Slow; only used under StrictInvariant.
func (m *Meta) inodeHasLiveDentry(ino Ino) bool {
	puts, dels := m.pendingForPrefix("d_")
	for _, data := range puts {
		if de, err := decodeDentry(data); err == nil && de.Ino == ino {
			return true
		}
	}
	live := false
	err := m.store.ScanPrefix("d_", func(key string, val []byte) bool {
		if _, ok := dels[key]; ok {
			return true
		}
		if _, ok := puts[key]; ok {
			return true
		}
		if de, err := decodeDentry(val); err == nil && de.Ino == ino {
			live = true
			return false
		}
		return true
	})
	if err != nil {
		logger.Error("dentry scan failed during invariant check", "error", err)
	}
	return live
}

// Mknod allocates an inode, writes it and its dentry into the pending
// batch. For symlinks target holds the destination.
func (m *Meta) Mknod(parent Ino, name string, kind Kind, mode uint16, uid, gid uint32, target string) (*Inode, error) {
	if m.DentryExist(parent, name) {
		return nil, ErrExist
	}

	m.stateMu.Lock()
	plan, err := m.imap.AllocPlan(m.loadImapGroup)
	if err != nil {
		m.stateMu.Unlock()
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	if plan == nil {
		// Deferred frees may be waiting; apply and retry once.
		m.stateMu.Unlock()
		m.applyPendingFrees()
		m.stateMu.Lock()
		plan, err = m.imap.AllocPlan(m.loadImapGroup)
		if err != nil {
			m.stateMu.Unlock()
			return nil, fmt.Errorf("%w: %v", ErrIO, err)
		}
	}
	if plan == nil {
		m.stateMu.Unlock()
		return nil, ErrNoSpace
	}
	ino := plan.Ino

	if m.opts.StrictInvariant {
		if liveness := m.inodeLiveness(ino); liveness != "missing" {
			logger.Error("invariant violated: allocating live inode",
				"ino", ino, "liveness", liveness,
				"live_dentry", m.inodeHasLiveDentry(ino))
			panic("meta: allocated a live inode")
		}
	}
	m.clearInodeDeleting(ino)

	now := uint64(time.Now().Unix())
	inode := Inode{
		ID:     ino,
		Parent: parent,
		Kind:   kind,
		Mode:   mode,
		Uid:    uid,
		Gid:    gid,
		Atime:  now,
		Mtime:  now,
		Ctime:  now,
		Links:  1,
		Target: target,
	}
	if kind == KindSymlink {
		inode.Length = uint64(len(target))
	}

	m.stagePut(SummaryKey(), plan.SummaryVal())
	m.stagePut(GroupKey(plan.Gid), plan.GroupVal())
	m.stagePut(InodeKey(ino), inode.encode())
	de := Dentry{Parent: parent, Ino: ino, Name: name}
	m.stagePut(DentryKey(parent, name), de.encode())

	m.imap.ApplyAlloc(plan)
	m.stateMu.Unlock()

	m.cachePut(inode, false)
	return &inode, nil
}

// DirHasEntries reports whether a directory has any child, merging the
// committed scan with pending mutations.
func (m *Meta) DirHasEntries(ino Ino) bool {
	if has, loaded := m.dirIndexHasEntries(ino); loaded {
		return has
	}
	prefix := DentryPrefix(ino)
	puts, dels := m.pendingForPrefix(prefix)
	if len(puts) > 0 {
		return true
	}
	found := false
	err := m.store.ScanPrefix(prefix, func(key string, _ []byte) bool {
		if _, ok := dels[key]; ok {
			return true
		}
		found = true
		return false
	})
	if err != nil {
		logger.Error("dentry scan failed", "ino", ino, "error", err)
	}
	return found
}

// Unlink removes parent/name and, when the link count reaches zero,
// deletes the inode record and schedules the number for reuse. The
// returned inode reflects the post-unlink state; Links==0 means the
// object is gone (or orphaned, if the caller keeps it open).
func (m *Meta) Unlink(parent Ino, name string) (*Inode, error) {
	inode, err := m.Lookup(parent, name)
	if err != nil {
		return nil, err
	}
	if inode.Kind == KindDir && m.DirHasEntries(inode.ID) {
		return nil, ErrNotEmpty
	}

	dkey := DentryKey(parent, name)
	if inode.Kind != KindDir && inode.Links > 1 {
		inode.Links--
		inode.Ctime = uint64(time.Now().Unix())
		m.stagePut(InodeKey(inode.ID), inode.encode())
		m.stageDel(dkey)
		m.cachePut(*inode, false)
		return inode, nil
	}

	m.markInodeDeleting(inode.ID)
	m.stageDel(InodeKey(inode.ID))
	m.stageDel(dkey)
	if m.opts.EnableInoReuse {
		m.freeMu.Lock()
		m.pendingFree = append(m.pendingFree, inode.ID)
		m.freeMu.Unlock()
	}
	m.cacheRemove(inode.ID)
	if inode.Kind == KindDir {
		m.dropDirIndex(inode.ID)
	}
	inode.Links = 0
	return inode, nil
}

// UnlinkKeepInode removes the dentry and drops the link count but
// keeps the inode record alive. Used when the file is still open; the
// caller finalizes with FinalizeUnlink at last release.
func (m *Meta) UnlinkKeepInode(parent Ino, name string) (*Inode, error) {
	inode, err := m.Lookup(parent, name)
	if err != nil {
		return nil, err
	}
	if inode.Kind == KindDir && m.DirHasEntries(inode.ID) {
		return nil, ErrNotEmpty
	}

	dkey := DentryKey(parent, name)
	now := uint64(time.Now().Unix())
	if inode.Kind != KindDir && inode.Links > 1 {
		inode.Links--
		inode.Ctime = now
		m.stagePut(InodeKey(inode.ID), inode.encode())
		m.stageDel(dkey)
		m.cachePut(*inode, false)
		return inode, nil
	}

	inode.Links = 0
	inode.Ctime = now
	m.stagePut(InodeKey(inode.ID), inode.encode())
	m.stageDel(dkey)
	m.cachePut(*inode, false)
	return inode, nil
}

// FinalizeUnlink deletes an orphaned inode record once its last handle
// is gone. A non-zero link count (relinked via rename races) is a
// no-op.
func (m *Meta) FinalizeUnlink(ino Ino) error {
	inode, err := m.LoadInode(ino)
	if err != nil {
		logger.Error("finalize unlink on missing inode", "ino", ino)
		return err
	}
	if inode.Links != 0 {
		return nil
	}
	m.markInodeDeleting(ino)
	m.stageDel(InodeKey(ino))
	if m.opts.EnableInoReuse {
		m.freeMu.Lock()
		m.pendingFree = append(m.pendingFree, ino)
		m.freeMu.Unlock()
	}
	m.cacheRemove(ino)
	return nil
}

// Rename moves oldParent/oldName to newParent/newName. The displaced
// target, if any, goes through unlink; callers needing the deferred
// path pass their own unlink function.
func (m *Meta) Rename(oldParent Ino, oldName string, newParent Ino, newName string,
	unlink func(parent Ino, name string, displaced *Inode) error) error {
	if oldParent == newParent && oldName == newName {
		return nil
	}

	inode, err := m.Lookup(oldParent, oldName)
	if err != nil {
		return err
	}

	if target, err := m.Lookup(newParent, newName); err == nil {
		if target.Kind == KindDir && m.DirHasEntries(target.ID) {
			return ErrNotEmpty
		}
		if err := unlink(newParent, newName, target); err != nil {
			return err
		}
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}

	newDe := Dentry{Parent: newParent, Ino: inode.ID, Name: newName}
	m.stagePut(DentryKey(newParent, newName), newDe.encode())
	m.stageDel(DentryKey(oldParent, oldName))

	if inode.Kind == KindDir && oldParent != newParent {
		inode.Parent = newParent
		inode.Ctime = uint64(time.Now().Unix())
		m.stagePut(InodeKey(inode.ID), inode.encode())
		m.cachePut(*inode, false)
	}
	return nil
}

// Link adds a hard link to an existing non-directory inode.
func (m *Meta) Link(ino, newParent Ino, newName string) (*Inode, error) {
	inode, err := m.LoadInode(ino)
	if err != nil {
		return nil, err
	}
	if inode.Kind == KindDir {
		return nil, ErrNotPermit
	}
	if m.DentryExist(newParent, newName) {
		return nil, ErrExist
	}

	inode.Links++
	inode.Ctime = uint64(time.Now().Unix())

	de := Dentry{Parent: newParent, Ino: ino, Name: newName}
	m.stagePut(InodeKey(ino), inode.encode())
	m.stagePut(DentryKey(newParent, newName), de.encode())

	m.cachePut(*inode, false)
	return inode, nil
}

// LoadDentries appends ".", ".." and every child of ino to the given
// snapshot callback in no particular order.
func (m *Meta) LoadDentries(ino Ino, add func(NameT)) error {
	self, err := m.LoadInode(ino)
	if err != nil {
		return err
	}

	add(NameT{Name: ".", Kind: KindDir, Ino: ino})
	dotdot := self.Parent
	if ino == RootIno {
		dotdot = RootIno
	}
	add(NameT{Name: "..", Kind: KindDir, Ino: dotdot})

	if err := m.ensureDirIndexLoaded(ino); err != nil {
		return err
	}
	m.indexMu.Lock()
	var entries map[string]Ino
	if idx, ok := m.dirIndex[ino]; ok {
		entries = make(map[string]Ino, len(idx.entries))
		for name, child := range idx.entries {
			entries[name] = child
		}
	}
	m.indexMu.Unlock()

	for name, child := range entries {
		inode, err := m.LoadInode(child)
		if err != nil {
			logger.Error("dangling dentry", "parent", ino, "name", name, "ino", child)
			continue
		}
		m.dentryCachePut(DentryKey(ino, name), dentryCacheValue{ino: child, present: true})
		add(NameT{Name: name, Kind: inode.Kind, Ino: child})
	}
	return nil
}

// ============================================================================
// Deferred frees
// ============================================================================

// applyPendingFrees folds deferred inode frees into the imap once the
// delete of the matching inode key has been committed. Frees whose
// keys are still pending stay queued.
func (m *Meta) applyPendingFrees() {
	if !m.opts.EnableInoReuse {
		m.freeMu.Lock()
		m.pendingFree = nil
		m.freeMu.Unlock()
		return
	}

	m.pendingMu.Lock()
	var pendingKeys map[string]struct{}
	if len(m.puts)+len(m.dels) > 0 {
		pendingKeys = make(map[string]struct{}, len(m.puts)+len(m.dels))
		for k := range m.puts {
			pendingKeys[k] = struct{}{}
		}
		for k := range m.dels {
			pendingKeys[k] = struct{}{}
		}
	}
	m.pendingMu.Unlock()

	m.freeMu.Lock()
	if len(m.pendingFree) == 0 {
		m.freeMu.Unlock()
		return
	}
	var ready, keep []Ino
	for _, ino := range m.pendingFree {
		if pendingKeys != nil {
			if _, busy := pendingKeys[InodeKey(ino)]; busy {
				keep = append(keep, ino)
				continue
			}
		}
		ready = append(ready, ino)
	}
	m.pendingFree = keep
	m.freeMu.Unlock()
	if len(ready) == 0 {
		return
	}

	var retry []Ino
	touched := make(map[uint64]struct{})
	var summaryVal []byte
	var groupVals []KV

	m.stateMu.Lock()
	for _, ino := range ready {
		if m.opts.StrictInvariant && m.inodeHasLiveDentry(ino) {
			logger.Error("invariant violated: freeing inode with live dentry", "ino", ino)
			panic("meta: freed inode with live dentry")
		}
		plan, err := m.imap.FreePlan(ino, m.loadImapGroup)
		if err != nil {
			logger.Error("imap free plan failed", "ino", ino, "error", err)
			retry = append(retry, ino)
			continue
		}
		if plan == nil {
			logger.Error("imap free plan empty", "ino", ino)
			continue
		}
		gid := plan.Gid
		m.imap.ApplyFree(plan)
		touched[gid] = struct{}{}
	}
	if len(touched) > 0 {
		summaryVal = m.imap.SummaryVal()
		gids := make([]uint64, 0, len(touched))
		for gid := range touched {
			gids = append(gids, gid)
		}
		sort.Slice(gids, func(i, j int) bool { return gids[i] < gids[j] })
		for _, gid := range gids {
			groupVals = append(groupVals, KV{Key: GroupKey(gid), Val: m.imap.GroupVal(gid)})
		}
	}
	m.stateMu.Unlock()

	if summaryVal != nil {
		m.stagePut(SummaryKey(), summaryVal)
		for _, kv := range groupVals {
			m.stagePut(kv.Key, kv.Val)
		}
	}
	if len(retry) > 0 {
		m.freeMu.Lock()
		m.pendingFree = append(m.pendingFree, retry...)
		m.freeMu.Unlock()
	}
}
