package meta

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMeta(t *testing.T) *Meta {
	t.Helper()
	dir := t.TempDir()
	metaPath := filepath.Join(dir, "meta")
	storePath := filepath.Join(dir, "store")
	require.NoError(t, Format(metaPath, storePath))
	m, err := LoadFS(metaPath, Options{EnableInoReuse: true})
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func TestFormatAndLoad(t *testing.T) {
	m := newTestMeta(t)

	sb := m.SuperBlock()
	assert.Equal(t, uint32(FormatVersion), sb.Version)
	assert.Equal(t, RootIno, sb.RootIno)

	root, err := m.LoadInode(RootIno)
	require.NoError(t, err)
	assert.Equal(t, KindDir, root.Kind)
	assert.Equal(t, uint32(2), root.Links)
	assert.Equal(t, uint16(0o755), root.Mode)
}

func TestLoadUnformatted(t *testing.T) {
	_, err := LoadFS(t.TempDir(), Options{})
	assert.Error(t, err)
}

func TestMknodLookupUnlink(t *testing.T) {
	m := newTestMeta(t)

	inode, err := m.Mknod(RootIno, "hello.txt", KindFile, 0o644, 1000, 1000, "")
	require.NoError(t, err)
	assert.Equal(t, uint32(1), inode.Links)
	assert.Equal(t, RootIno, inode.Parent)

	t.Run("VisibleBeforeCommit", func(t *testing.T) {
		got, err := m.Lookup(RootIno, "hello.txt")
		require.NoError(t, err)
		assert.Equal(t, inode.ID, got.ID)
	})

	require.NoError(t, m.CommitPending())

	t.Run("VisibleAfterCommit", func(t *testing.T) {
		got, err := m.Lookup(RootIno, "hello.txt")
		require.NoError(t, err)
		assert.Equal(t, inode.ID, got.ID)
	})

	t.Run("DuplicateNameRejected", func(t *testing.T) {
		_, err := m.Mknod(RootIno, "hello.txt", KindFile, 0o644, 0, 0, "")
		assert.ErrorIs(t, err, ErrExist)
	})

	unlinked, err := m.Unlink(RootIno, "hello.txt")
	require.NoError(t, err)
	assert.Equal(t, uint32(0), unlinked.Links)

	_, err = m.Lookup(RootIno, "hello.txt")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = m.Unlink(RootIno, "hello.txt")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUnlinkNonEmptyDir(t *testing.T) {
	m := newTestMeta(t)

	dir, err := m.Mknod(RootIno, "dir", KindDir, 0o755, 0, 0, "")
	require.NoError(t, err)
	_, err = m.Mknod(dir.ID, "child", KindFile, 0o644, 0, 0, "")
	require.NoError(t, err)

	_, err = m.Unlink(RootIno, "dir")
	assert.ErrorIs(t, err, ErrNotEmpty)

	_, err = m.Unlink(dir.ID, "child")
	require.NoError(t, err)
	_, err = m.Unlink(RootIno, "dir")
	assert.NoError(t, err)
}

func TestRename(t *testing.T) {
	m := newTestMeta(t)

	inode, err := m.Mknod(RootIno, "a", KindFile, 0o644, 0, 0, "")
	require.NoError(t, err)

	unlinkFn := func(parent Ino, name string, _ *Inode) error {
		_, err := m.Unlink(parent, name)
		return err
	}

	require.NoError(t, m.Rename(RootIno, "a", RootIno, "b", unlinkFn))

	_, err = m.Lookup(RootIno, "a")
	assert.ErrorIs(t, err, ErrNotFound)
	got, err := m.Lookup(RootIno, "b")
	require.NoError(t, err)
	assert.Equal(t, inode.ID, got.ID)

	t.Run("CrossDirectoryUpdatesParent", func(t *testing.T) {
		sub, err := m.Mknod(RootIno, "sub", KindDir, 0o755, 0, 0, "")
		require.NoError(t, err)
		moved, err := m.Mknod(RootIno, "mv", KindDir, 0o755, 0, 0, "")
		require.NoError(t, err)

		require.NoError(t, m.Rename(RootIno, "mv", sub.ID, "mv", unlinkFn))
		got, err := m.Lookup(sub.ID, "mv")
		require.NoError(t, err)
		assert.Equal(t, moved.ID, got.ID)
		assert.Equal(t, sub.ID, got.Parent)
	})

	t.Run("OverwriteExistingTarget", func(t *testing.T) {
		x, err := m.Mknod(RootIno, "x", KindFile, 0o644, 0, 0, "")
		require.NoError(t, err)
		y, err := m.Mknod(RootIno, "y", KindFile, 0o644, 0, 0, "")
		require.NoError(t, err)

		require.NoError(t, m.Rename(RootIno, "x", RootIno, "y", unlinkFn))
		got, err := m.Lookup(RootIno, "y")
		require.NoError(t, err)
		assert.Equal(t, x.ID, got.ID)

		_, err = m.LoadInode(y.ID)
		assert.ErrorIs(t, err, ErrNotFound, "displaced inode must be gone")
	})
}

func TestLink(t *testing.T) {
	m := newTestMeta(t)

	inode, err := m.Mknod(RootIno, "orig", KindFile, 0o644, 0, 0, "")
	require.NoError(t, err)

	linked, err := m.Link(inode.ID, RootIno, "alias")
	require.NoError(t, err)
	assert.Equal(t, uint32(2), linked.Links)

	t.Run("DirsNotLinkable", func(t *testing.T) {
		dir, err := m.Mknod(RootIno, "d", KindDir, 0o755, 0, 0, "")
		require.NoError(t, err)
		_, err = m.Link(dir.ID, RootIno, "dalias")
		assert.ErrorIs(t, err, ErrNotPermit)
	})

	// Dropping one name keeps the inode with one link.
	left, err := m.Unlink(RootIno, "orig")
	require.NoError(t, err)
	assert.Equal(t, uint32(1), left.Links)

	got, err := m.Lookup(RootIno, "alias")
	require.NoError(t, err)
	assert.Equal(t, inode.ID, got.ID)
}

func TestSymlinkInline(t *testing.T) {
	m := newTestMeta(t)

	inode, err := m.Mknod(RootIno, "ln", KindSymlink, 0o777, 0, 0, "/target/path")
	require.NoError(t, err)
	assert.Equal(t, uint64(len("/target/path")), inode.Length)

	require.NoError(t, m.CommitPending())
	m.cacheRemove(inode.ID) // force a store read

	got, err := m.LoadInode(inode.ID)
	require.NoError(t, err)
	assert.Equal(t, "/target/path", got.Target)
}

func TestLoadDentries(t *testing.T) {
	m := newTestMeta(t)

	_, err := m.Mknod(RootIno, "f1", KindFile, 0o644, 0, 0, "")
	require.NoError(t, err)
	_, err = m.Mknod(RootIno, "d1", KindDir, 0o755, 0, 0, "")
	require.NoError(t, err)

	var names []string
	require.NoError(t, m.LoadDentries(RootIno, func(e NameT) {
		names = append(names, e.Name)
	}))
	assert.ElementsMatch(t, []string{".", "..", "f1", "d1"}, names)
}

func TestDeferredUnlinkFinalize(t *testing.T) {
	m := newTestMeta(t)

	inode, err := m.Mknod(RootIno, "open.txt", KindFile, 0o644, 0, 0, "")
	require.NoError(t, err)
	require.NoError(t, m.CommitPending())

	kept, err := m.UnlinkKeepInode(RootIno, "open.txt")
	require.NoError(t, err)
	assert.Equal(t, uint32(0), kept.Links)

	// The name is gone but the record survives for open handles.
	_, err = m.Lookup(RootIno, "open.txt")
	assert.ErrorIs(t, err, ErrNotFound)
	still, err := m.LoadInode(inode.ID)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), still.Links)

	require.NoError(t, m.FinalizeUnlink(inode.ID))
	_, err = m.LoadInode(inode.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, m.CommitPending())
	require.NoError(t, m.CommitPending()) // second pass folds the imap free

	// The number is reusable again.
	reused, err := m.Mknod(RootIno, "new.txt", KindFile, 0o644, 0, 0, "")
	require.NoError(t, err)
	assert.Equal(t, inode.ID, reused.ID)
}

func TestPendingRawShadowing(t *testing.T) {
	m := newTestMeta(t)

	m.Store("k1", []byte("v1"))
	v, ok := m.Load("k1")
	require.True(t, ok)
	assert.Equal(t, []byte("v1"), v)

	m.Delete("k1")
	_, ok = m.Load("k1")
	assert.False(t, ok, "a pending delete masks the put")

	require.NoError(t, m.CommitPending())
	_, ok = m.Load("k1")
	assert.False(t, ok)
}

func TestPersistenceAcrossReload(t *testing.T) {
	dir := t.TempDir()
	metaPath := filepath.Join(dir, "meta")
	require.NoError(t, Format(metaPath, filepath.Join(dir, "store")))

	m, err := LoadFS(metaPath, Options{EnableInoReuse: true})
	require.NoError(t, err)
	inode, err := m.Mknod(RootIno, "keep.txt", KindFile, 0o644, 0, 0, "")
	require.NoError(t, err)
	require.NoError(t, m.Sync())
	require.NoError(t, m.Close())

	m2, err := LoadFS(metaPath, Options{EnableInoReuse: true})
	require.NoError(t, err)
	defer m2.Close()

	got, err := m2.Lookup(RootIno, "keep.txt")
	require.NoError(t, err)
	assert.Equal(t, inode.ID, got.ID)
}

func TestDirHasEntriesMergesPending(t *testing.T) {
	m := newTestMeta(t)

	dir, err := m.Mknod(RootIno, "dir", KindDir, 0o755, 0, 0, "")
	require.NoError(t, err)
	assert.False(t, m.DirHasEntries(dir.ID))

	_, err = m.Mknod(dir.ID, "child", KindFile, 0o644, 0, 0, "")
	require.NoError(t, err)
	assert.True(t, m.DirHasEntries(dir.ID), "pending puts count")

	require.NoError(t, m.CommitPending())
	_, err = m.Unlink(dir.ID, "child")
	require.NoError(t, err)
	assert.False(t, m.DirHasEntries(dir.ID), "pending deletes mask committed entries")
}
