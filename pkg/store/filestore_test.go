package store

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStoreWriteRead(t *testing.T) {
	s := NewFileStore(filepath.Join(t.TempDir(), "data"))
	defer s.Close()

	data := []byte("hello junkfs")
	require.NoError(t, s.Pwrite(42, 0, data))

	buf := make([]byte, len(data))
	n, err := s.Pread(42, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, len(data), n)
	assert.Equal(t, data, buf)

	t.Run("ShardLayout", func(t *testing.T) {
		// ino 42 -> <root>/2a/00/42
		_, err := os.Stat(filepath.Join(s.root, "2a", "00", "42"))
		assert.NoError(t, err)
	})
}

func TestFileStoreHolesReadZero(t *testing.T) {
	s := NewFileStore(filepath.Join(t.TempDir(), "data"))
	defer s.Close()

	require.NoError(t, s.Pwrite(7, 1<<20, []byte{0xAA}))

	buf := make([]byte, 4096)
	n, err := s.Pread(7, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, 4096, n)
	assert.Equal(t, make([]byte, 4096), buf, "hole bytes read as zero")
}

func TestFileStoreMissingFile(t *testing.T) {
	s := NewFileStore(filepath.Join(t.TempDir(), "data"))
	defer s.Close()

	buf := make([]byte, 16)
	n, err := s.Pread(999, buf, 0)
	require.NoError(t, err)
	assert.Zero(t, n, "missing data file reads as empty")

	require.NoError(t, s.Fsync(999, false), "fsync of a never-written file is a no-op")
	s.Remove(999) // must not panic or log fatal
}

func TestFileStoreTruncate(t *testing.T) {
	s := NewFileStore(filepath.Join(t.TempDir(), "data"))
	defer s.Close()

	require.NoError(t, s.Pwrite(1, 0, []byte("0123456789")))
	require.NoError(t, s.Truncate(1, 4))

	buf := make([]byte, 10)
	n, err := s.Pread(1, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, []byte("0123"), buf[:n])

	t.Run("ExtendReadsZero", func(t *testing.T) {
		require.NoError(t, s.Truncate(1, 8))
		n, err := s.Pread(1, buf, 0)
		require.NoError(t, err)
		assert.Equal(t, 8, n)
		assert.Equal(t, []byte("0123\x00\x00\x00\x00"), buf[:n])
	})
}

func TestFileStoreWriteEntries(t *testing.T) {
	s := NewFileStore(filepath.Join(t.TempDir(), "data"))
	defer s.Close()

	entries := []Entry{
		{Off: 0, Size: 4, Data: []byte("aaaa")},
		{Off: 4, Size: 4, Data: []byte("bbbb")},
		{Off: 100, Size: 2, Data: []byte("cc")},
	}
	require.NoError(t, s.WriteEntries(3, entries, true))

	buf := make([]byte, 102)
	n, err := s.Pread(3, buf, 0)
	require.NoError(t, err)
	require.Equal(t, 102, n)
	assert.Equal(t, []byte("aaaabbbb"), buf[:8])
	assert.True(t, bytes.Equal(buf[8:100], make([]byte, 92)))
	assert.Equal(t, []byte("cc"), buf[100:102])
}

func TestFileStoreRemove(t *testing.T) {
	s := NewFileStore(filepath.Join(t.TempDir(), "data"))
	defer s.Close()

	require.NoError(t, s.Pwrite(5, 0, []byte("x")))
	path := s.buildPath(5)
	_, err := os.Stat(path)
	require.NoError(t, err)

	s.Remove(5)
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	s.Remove(5) // idempotent
}
