package bitmap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBitmapBasic(t *testing.T) {
	bm := New(130)
	assert.Equal(t, uint64(130), bm.Cap())

	assert.True(t, bm.Set(0))
	assert.True(t, bm.Set(129))
	assert.False(t, bm.Set(129), "setting a set bit reports no change")
	assert.False(t, bm.Set(130), "out of range")

	assert.True(t, bm.Test(0))
	assert.True(t, bm.Test(129))
	assert.False(t, bm.Test(128))

	assert.True(t, bm.Clear(0))
	assert.False(t, bm.Clear(0))
	assert.False(t, bm.Test(0))
	assert.Equal(t, uint64(1), bm.Len())
}

func TestBitmapFind(t *testing.T) {
	bm := New(130)
	bm.Set(0)
	bm.Set(1)
	bm.Set(2)

	pos, ok := bm.FindZeroFrom(0)
	require.True(t, ok)
	assert.Equal(t, uint64(3), pos)

	pos, ok = bm.FindZeroFrom(3)
	require.True(t, ok)
	assert.Equal(t, uint64(3), pos)

	pos, ok = bm.FindOneFrom(0)
	require.True(t, ok)
	assert.Equal(t, uint64(0), pos)

	_, ok = bm.FindOneFrom(3)
	assert.False(t, ok)

	t.Run("WrapsPastCapacity", func(t *testing.T) {
		pos, ok := bm.FindOneFrom(500)
		require.True(t, ok)
		assert.Equal(t, uint64(0), pos)
	})

	t.Run("TailBitsIgnored", func(t *testing.T) {
		small := New(3)
		small.Set(0)
		small.Set(1)
		small.Set(2)
		_, ok := small.FindZeroFrom(0)
		assert.False(t, ok, "bits past capacity must not look free")
	})
}

func TestBitmapFullEmpty(t *testing.T) {
	bm := New(64)
	assert.True(t, bm.Empty())
	for i := uint64(0); i < 64; i++ {
		bm.Set(i)
	}
	assert.True(t, bm.Full())
	_, ok := bm.FindZeroFrom(0)
	assert.False(t, ok)
}

func TestBitmapEncodeDecode(t *testing.T) {
	bm := New(130)
	bm.Set(5)
	bm.Set(64)
	bm.Set(129)

	decoded, err := Decode(bm.Encode())
	require.NoError(t, err)
	assert.True(t, bm.Equal(decoded))
	assert.Equal(t, uint64(3), decoded.Len())

	t.Run("RejectsTruncated", func(t *testing.T) {
		_, err := Decode(bm.Encode()[:10])
		assert.Error(t, err)
	})

	t.Run("RejectsTailGarbage", func(t *testing.T) {
		raw := New(3).Encode()
		raw[8] = 0xFF // bits past capacity
		_, err := Decode(raw)
		assert.Error(t, err)
	})
}

func TestBitmapClone(t *testing.T) {
	bm := New(64)
	bm.Set(7)
	cl := bm.Clone()
	cl.Set(8)
	assert.False(t, bm.Test(8), "clone must not alias the original")
	assert.True(t, cl.Test(7))
}
