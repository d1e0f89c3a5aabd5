package meta

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abbycin/junkfs/pkg/bitmap"
)

func noLoader(gid uint64) (*bitmap.Bitmap, error) {
	return nil, fmt.Errorf("group %d not loaded", gid)
}

func TestInoMapAllocSequence(t *testing.T) {
	m := NewInoMap(256, 64)
	m.Reserve(0)

	for want := uint64(1); want < 5; want++ {
		plan, err := m.AllocPlan(noLoader)
		require.NoError(t, err)
		require.NotNil(t, plan)
		assert.Equal(t, want, plan.Ino)
		m.ApplyAlloc(plan)
	}
	require.NoError(t, m.Check())
}

func TestInoMapGroupFullClearsSummary(t *testing.T) {
	m := NewInoMap(128, 64)
	for range 64 {
		plan, err := m.AllocPlan(noLoader)
		require.NoError(t, err)
		require.NotNil(t, plan)
		m.ApplyAlloc(plan)
	}
	assert.False(t, m.Summary().Test(0), "full group must clear its summary bit")
	assert.True(t, m.Summary().Test(1))
	require.NoError(t, m.Check())

	// Next allocation lands in group 1.
	plan, err := m.AllocPlan(noLoader)
	require.NoError(t, err)
	require.NotNil(t, plan)
	assert.Equal(t, uint64(1), plan.Gid)
}

func TestInoMapExhaustion(t *testing.T) {
	m := NewInoMap(64, 64)
	for range 64 {
		plan, err := m.AllocPlan(noLoader)
		require.NoError(t, err)
		require.NotNil(t, plan)
		m.ApplyAlloc(plan)
	}
	plan, err := m.AllocPlan(noLoader)
	require.NoError(t, err)
	assert.Nil(t, plan, "exhausted map must return no plan")

	// Freeing one slot revives allocation.
	free, err := m.FreePlan(7, noLoader)
	require.NoError(t, err)
	require.NotNil(t, free)
	m.ApplyFree(free)
	assert.True(t, m.Summary().Test(0))

	plan, err = m.AllocPlan(noLoader)
	require.NoError(t, err)
	require.NotNil(t, plan)
	assert.Equal(t, uint64(7), plan.Ino)
}

func TestInoMapFreeIdempotent(t *testing.T) {
	m := NewInoMap(128, 64)
	plan, err := m.AllocPlan(noLoader)
	require.NoError(t, err)
	m.ApplyAlloc(plan)

	free, err := m.FreePlan(plan.Ino, noLoader)
	require.NoError(t, err)
	require.NotNil(t, free)
	m.ApplyFree(free)

	again, err := m.FreePlan(plan.Ino, noLoader)
	require.NoError(t, err)
	assert.Nil(t, again, "freeing a free slot is a no-op")

	t.Run("OutOfRange", func(t *testing.T) {
		p, err := m.FreePlan(0, noLoader)
		require.NoError(t, err)
		assert.Nil(t, p)
		p, err = m.FreePlan(1<<30, noLoader)
		require.NoError(t, err)
		assert.Nil(t, p)
	})
}

func TestInoMapCursorAvoidsImmediateReuse(t *testing.T) {
	m := NewInoMap(128, 64)
	var last uint64
	for range 3 {
		plan, err := m.AllocPlan(noLoader)
		require.NoError(t, err)
		m.ApplyAlloc(plan)
		last = plan.Ino
	}

	free, err := m.FreePlan(last-1, noLoader)
	require.NoError(t, err)
	m.ApplyFree(free)

	// The scan resumes past the last allocation even though a lower
	// slot is free again.
	plan, err := m.AllocPlan(noLoader)
	require.NoError(t, err)
	assert.Equal(t, last+1, plan.Ino)
}

func TestInoMapLazyLoad(t *testing.T) {
	full := NewInoMap(128, 64)
	plan, err := full.AllocPlan(noLoader)
	require.NoError(t, err)
	full.ApplyAlloc(plan)

	lazy := InoMapFromSummary(128, 64, full.Summary().Clone())
	loads := 0
	loader := func(gid uint64) (*bitmap.Bitmap, error) {
		loads++
		return bitmap.Decode(full.GroupVal(gid))
	}

	p, err := lazy.AllocPlan(loader)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, 1, loads)
	assert.Equal(t, uint64(1), p.Ino, "slot 0 was taken in the persisted group")
}
