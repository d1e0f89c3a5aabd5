package mempool

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolExhaustion(t *testing.T) {
	p := New(3 * PageSize)
	require.Equal(t, uint64(3), p.Cap())

	var pages [][]byte
	for {
		page := p.Get()
		if page == nil {
			break
		}
		pages = append(pages, page)
	}
	assert.Len(t, pages, 3)
	assert.True(t, p.Full())

	for _, page := range pages {
		p.Put(page)
	}
	assert.False(t, p.Full())
	assert.Equal(t, uint64(0), p.InUse())
}

func TestPoolRoundsUp(t *testing.T) {
	p := New(PageSize + 1)
	assert.Equal(t, uint64(2), p.Cap())

	p = New(0)
	assert.Equal(t, uint64(1), p.Cap())
}

func TestPoolPageSized(t *testing.T) {
	p := New(2 * PageSize)
	page := p.Get()
	require.NotNil(t, page)
	assert.Len(t, page, PageSize)

	assert.Panics(t, func() { p.Put(make([]byte, 16)) })
	p.Put(page)
}

func TestPoolConcurrent(t *testing.T) {
	p := New(64 * PageSize)
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 1000 {
				if page := p.Get(); page != nil {
					p.Put(page)
				}
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, uint64(0), p.InUse())
}
