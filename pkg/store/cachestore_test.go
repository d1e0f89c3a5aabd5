package store

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abbycin/junkfs/pkg/mempool"
)

func newTestCache(t *testing.T, ino uint64) (*CacheStore, *FileStore) {
	t.Helper()
	files := NewFileStore(filepath.Join(t.TempDir(), "data"))
	t.Cleanup(files.Close)
	pool := mempool.New(64 * mempool.PageSize)
	return NewCacheStore(ino, files, pool, false), files
}

func TestCacheWriteFlushRead(t *testing.T) {
	c, files := newTestCache(t, 1)

	data := []byte("hi")
	n, err := c.Write(0, data)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, c.Flush(false))

	buf := make([]byte, 2)
	read, err := files.Pread(1, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, read)
	assert.Equal(t, data, buf)
}

func TestCacheReadFlushesOverlap(t *testing.T) {
	c, _ := newTestCache(t, 2)

	_, err := c.Write(10, []byte("abcdef"))
	require.NoError(t, err)
	assert.True(t, c.HasOverlap(12, 2))
	assert.False(t, c.HasOverlap(16, 4))

	// Read sees buffered bytes because the overlap forces a flush.
	got, err := c.Read(10, 6)
	require.NoError(t, err)
	assert.Equal(t, []byte("abcdef"), got)
	assert.Zero(t, c.DirtyLen(), "overlapping read drains the cache")
}

func TestCacheHoleSemantics(t *testing.T) {
	c, _ := newTestCache(t, 3)

	_, err := c.Write(0, []byte{1, 2, 3})
	require.NoError(t, err)
	_, err = c.Write(1000, []byte{9})
	require.NoError(t, err)
	require.NoError(t, c.Flush(false))

	got, err := c.Read(0, 1001)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, got[:3])
	assert.True(t, bytes.Equal(got[3:1000], make([]byte, 997)), "unwritten bytes are zero")
	assert.Equal(t, byte(9), got[1000])
}

func TestCacheLaterWriteWins(t *testing.T) {
	c, _ := newTestCache(t, 4)

	_, err := c.Write(0, bytes.Repeat([]byte{'a'}, 8))
	require.NoError(t, err)
	_, err = c.Write(2, bytes.Repeat([]byte{'b'}, 4))
	require.NoError(t, err)
	require.NoError(t, c.Flush(false))

	got, err := c.Read(0, 8)
	require.NoError(t, err)
	assert.Equal(t, []byte("aabbbbaa"), got)
}

func TestCoalesceSegments(t *testing.T) {
	e := func(off uint64, data string) Entry {
		return Entry{Off: off, Size: uint64(len(data)), Data: []byte(data)}
	}

	t.Run("AdjacentStayDistinctButOrdered", func(t *testing.T) {
		segs := coalesce([]Entry{e(4, "bb"), e(0, "aa")})
		require.Len(t, segs, 2)
		assert.Equal(t, uint64(0), segs[0].off)
		assert.Equal(t, uint64(4), segs[1].off)
	})

	t.Run("LaterOverwritesMiddle", func(t *testing.T) {
		segs := coalesce([]Entry{e(0, "aaaaaaaa"), e(2, "bb")})
		require.Len(t, segs, 3)
		assert.Equal(t, "aa", string(segs[0].data))
		assert.Equal(t, "bb", string(segs[1].data))
		assert.Equal(t, "aaaa", string(segs[2].data))
	})

	t.Run("FullCoverDropsOld", func(t *testing.T) {
		segs := coalesce([]Entry{e(2, "xx"), e(0, "yyyyyy")})
		require.Len(t, segs, 1)
		assert.Equal(t, "yyyyyy", string(segs[0].data))
	})
}

func TestCacheFullPageRewriteInPlace(t *testing.T) {
	c, _ := newTestCache(t, 5)

	page := bytes.Repeat([]byte{'x'}, mempool.PageSize)
	_, err := c.Write(0, page)
	require.NoError(t, err)
	before := len(c.entries)

	page2 := bytes.Repeat([]byte{'y'}, mempool.PageSize)
	_, err = c.Write(0, page2)
	require.NoError(t, err)
	assert.Equal(t, before, len(c.entries), "aligned full-page rewrite reuses the entry")

	require.NoError(t, c.Flush(false))
	got, err := c.Read(0, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte("yyyy"), got)
}

func TestCacheDirectWriteBypass(t *testing.T) {
	c, files := newTestCache(t, 6)

	big := bytes.Repeat([]byte{7}, BlockSize)
	handled, err := c.WriteMaybeDirect(0, big)
	require.NoError(t, err)
	assert.True(t, handled)
	assert.Zero(t, c.DirtyLen(), "direct writes do not touch the entry list")

	buf := make([]byte, 4)
	_, err = files.Pread(6, buf, BlockSize-4)
	require.NoError(t, err)
	assert.Equal(t, []byte{7, 7, 7, 7}, buf)

	t.Run("UnalignedNotHandled", func(t *testing.T) {
		handled, err := c.WriteMaybeDirect(1, big)
		require.NoError(t, err)
		assert.False(t, handled)
	})

	t.Run("SmallNotHandled", func(t *testing.T) {
		handled, err := c.WriteMaybeDirect(0, []byte("tiny"))
		require.NoError(t, err)
		assert.False(t, handled)
	})
}

func TestCachePoolExhaustionShortWrite(t *testing.T) {
	files := NewFileStore(filepath.Join(t.TempDir(), "data"))
	defer files.Close()
	pool := mempool.New(2 * mempool.PageSize)
	c := NewCacheStore(7, files, pool, false)

	// Writing three pages through a two-page pool forces an inline
	// flush; everything must still be accepted.
	data := bytes.Repeat([]byte{1}, 3*mempool.PageSize)
	total := 0
	for total < len(data) {
		n, err := c.Write(uint64(total), data[total:min(len(data), total+BlockSize)])
		require.NoError(t, err)
		require.NotZero(t, n)
		total += n
	}
	require.NoError(t, c.Flush(false))

	got, err := c.Read(0, len(data))
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestCacheVerifyFlush(t *testing.T) {
	files := NewFileStore(filepath.Join(t.TempDir(), "data"))
	defer files.Close()
	pool := mempool.New(8 * mempool.PageSize)
	c := NewCacheStore(8, files, pool, true)

	_, err := c.Write(0, []byte("verify me"))
	require.NoError(t, err)
	require.NoError(t, c.Flush(true))
}
