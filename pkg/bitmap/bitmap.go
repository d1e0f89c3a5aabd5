// Package bitmap implements a fixed-capacity bitset with word-at-a-time
// scans. It backs both the inode allocation map and the page pool.
package bitmap

import (
	"encoding/binary"
	"fmt"
	"math/bits"
)

// Bitmap is a fixed-capacity set of bits. The zero value is unusable;
// construct with New or Decode. Not safe for concurrent use.
type Bitmap struct {
	words []uint64
	size  uint64
	count uint64
}

// New returns an empty bitmap holding n bits.
func New(n uint64) *Bitmap {
	words := uint64(0)
	if n > 0 {
		words = (n + 63) / 64
	}
	return &Bitmap{
		words: make([]uint64, words),
		size:  n,
	}
}

// Set sets the given bit. It reports whether the bit changed.
func (b *Bitmap) Set(bit uint64) bool {
	if bit >= b.size {
		return false
	}
	idx := bit >> 6
	mask := uint64(1) << (bit & 63)
	if b.words[idx]&mask != 0 {
		return false
	}
	b.words[idx] |= mask
	b.count++
	return true
}

// Clear clears the given bit. It reports whether the bit changed.
func (b *Bitmap) Clear(bit uint64) bool {
	if bit >= b.size {
		return false
	}
	idx := bit >> 6
	mask := uint64(1) << (bit & 63)
	if b.words[idx]&mask == 0 {
		return false
	}
	b.words[idx] &^= mask
	b.count--
	return true
}

// Test reports whether the given bit is set.
func (b *Bitmap) Test(bit uint64) bool {
	if bit >= b.size {
		return false
	}
	return b.words[bit>>6]&(uint64(1)<<(bit&63)) != 0
}

// Len returns the number of set bits.
func (b *Bitmap) Len() uint64 { return b.count }

// Cap returns the bit capacity.
func (b *Bitmap) Cap() uint64 { return b.size }

// Empty reports whether no bit is set.
func (b *Bitmap) Empty() bool { return b.count == 0 }

// Full reports whether every bit is set.
func (b *Bitmap) Full() bool { return b.count == b.size }

// Clone returns a deep copy.
func (b *Bitmap) Clone() *Bitmap {
	words := make([]uint64, len(b.words))
	copy(words, b.words)
	return &Bitmap{words: words, size: b.size, count: b.count}
}

// Equal reports whether both bitmaps hold the same bits.
func (b *Bitmap) Equal(o *Bitmap) bool {
	if b.size != o.size || b.count != o.count {
		return false
	}
	for i, w := range b.words {
		if o.words[i] != w {
			return false
		}
	}
	return true
}

// FindZeroFrom returns the position of the first clear bit at or after
// start, or false when all remaining bits are set. A start past the
// capacity wraps to zero.
func (b *Bitmap) FindZeroFrom(start uint64) (uint64, bool) {
	return b.scan(start, func(w uint64) uint64 { return ^w })
}

// FindOneFrom returns the position of the first set bit at or after
// start, or false when no remaining bit is set. A start past the
// capacity wraps to zero.
func (b *Bitmap) FindOneFrom(start uint64) (uint64, bool) {
	return b.scan(start, func(w uint64) uint64 { return w })
}

func (b *Bitmap) scan(start uint64, view func(uint64) uint64) (uint64, bool) {
	if b.size == 0 {
		return 0, false
	}
	if start >= b.size {
		start = 0
	}
	lastWord := uint64(len(b.words) - 1)
	startWord := start >> 6
	for wi := startWord; wi <= lastWord; wi++ {
		mask := view(b.words[wi])
		if wi == startWord {
			bit := start & 63
			if bit != 0 {
				mask &^= (uint64(1) << bit) - 1
			}
		}
		if wi == lastWord {
			tail := b.size & 63
			if tail != 0 {
				mask &= (uint64(1) << tail) - 1
			}
		}
		if mask != 0 {
			return wi<<6 + uint64(bits.TrailingZeros64(mask)), true
		}
	}
	return 0, false
}

// Encode serializes the bitmap as little-endian words prefixed by the
// bit capacity. The layout is stable and is what the metadata store
// persists for imap keys.
func (b *Bitmap) Encode() []byte {
	buf := make([]byte, 8+8*len(b.words))
	binary.LittleEndian.PutUint64(buf, b.size)
	for i, w := range b.words {
		binary.LittleEndian.PutUint64(buf[8+8*i:], w)
	}
	return buf
}

// Decode reconstructs a bitmap produced by Encode.
func Decode(data []byte) (*Bitmap, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("bitmap: truncated header (%d bytes)", len(data))
	}
	size := binary.LittleEndian.Uint64(data)
	words := uint64(0)
	if size > 0 {
		words = (size + 63) / 64
	}
	if uint64(len(data)) != 8+8*words {
		return nil, fmt.Errorf("bitmap: size %d wants %d payload bytes, have %d",
			size, 8*words, len(data)-8)
	}
	b := &Bitmap{
		words: make([]uint64, words),
		size:  size,
	}
	for i := range b.words {
		w := binary.LittleEndian.Uint64(data[8+8*i:])
		b.words[i] = w
		b.count += uint64(bits.OnesCount64(w))
	}
	// Bits past the capacity in the last word would corrupt the count.
	if tail := size & 63; tail != 0 && words > 0 {
		if extra := b.words[words-1] >> tail; extra != 0 {
			return nil, fmt.Errorf("bitmap: bits set past capacity %d", size)
		}
	}
	return b, nil
}
