package meta

import (
	"fmt"

	"github.com/abbycin/junkfs/pkg/bitmap"
)

// InoMap is the two-level inode allocation bitmap: a summary with one
// bit per group (set while the group has free inodes) and one bitmap
// per group (bit set means allocated). Group bitmaps load on demand.
//
// Allocation and free are split into a plan/apply pair so the caller
// can stage the updated bitmaps into the same pending batch as the
// inode and dentry mutations before mutating in-memory state.
type InoMap struct {
	totalInodes uint64
	groupSize   uint64
	groupCount  uint64
	summary     *bitmap.Bitmap
	groups      []*bitmap.Bitmap // nil until loaded

	// Cursors bias scans past the most recent allocation so freshly
	// freed numbers are not immediately reused.
	summaryCursor uint64
	groupCursor   []uint64
}

// GroupLoader fetches a group bitmap from the store.
type GroupLoader func(gid uint64) (*bitmap.Bitmap, error)

// AllocPlan describes one staged allocation.
type AllocPlan struct {
	Ino Ino
	Gid uint64

	group         *bitmap.Bitmap
	summary       *bitmap.Bitmap
	groupCursor   uint64
	summaryCursor uint64
}

// FreePlan describes one staged free.
type FreePlan struct {
	Gid uint64

	group         *bitmap.Bitmap
	summary       *bitmap.Bitmap
	groupCursor   uint64
	summaryCursor uint64
}

// SummaryKey returns the metadata key of the group-summary bitset.
func SummaryKey() string { return "imap_sum" }

// GroupKey returns the metadata key of one group bitset.
func GroupKey(gid uint64) string {
	return fmt.Sprintf("imap_%d", gid)
}

// SummaryVal returns the encoded summary of a plan.
func (p *AllocPlan) SummaryVal() []byte { return p.summary.Encode() }

// GroupVal returns the encoded group bitmap of a plan.
func (p *AllocPlan) GroupVal() []byte { return p.group.Encode() }

// SummaryVal returns the encoded summary of a plan.
func (p *FreePlan) SummaryVal() []byte { return p.summary.Encode() }

// GroupVal returns the encoded group bitmap of a plan.
func (p *FreePlan) GroupVal() []byte { return p.group.Encode() }

// NewInoMap builds a fully loaded, empty map. Used at format time.
func NewInoMap(totalInodes, groupSize uint64) *InoMap {
	if totalInodes == 0 || groupSize == 0 || groupSize%64 != 0 {
		panic("meta: bad imap geometry")
	}
	groupCount := (totalInodes + groupSize - 1) / groupSize
	summary := bitmap.New(groupCount)
	groups := make([]*bitmap.Bitmap, groupCount)
	for gid := uint64(0); gid < groupCount; gid++ {
		summary.Set(gid)
		groups[gid] = bitmap.New(groupCap(totalInodes, groupSize, gid))
	}
	return &InoMap{
		totalInodes: totalInodes,
		groupSize:   groupSize,
		groupCount:  groupCount,
		summary:     summary,
		groups:      groups,
		groupCursor: make([]uint64, groupCount),
	}
}

// InoMapFromSummary builds a map over a persisted summary; group
// bitmaps are loaded lazily through the loader passed to AllocPlan and
// FreePlan.
func InoMapFromSummary(totalInodes, groupSize uint64, summary *bitmap.Bitmap) *InoMap {
	groupCount := (totalInodes + groupSize - 1) / groupSize
	return &InoMap{
		totalInodes: totalInodes,
		groupSize:   groupSize,
		groupCount:  groupCount,
		summary:     summary,
		groups:      make([]*bitmap.Bitmap, groupCount),
		groupCursor: make([]uint64, groupCount),
	}
}

// GroupCount returns the number of groups.
func (m *InoMap) GroupCount() uint64 { return m.groupCount }

// Summary exposes the current summary bitset.
func (m *InoMap) Summary() *bitmap.Bitmap { return m.summary }

// ReplaceSummary swaps in a repaired summary and rewinds the scan.
func (m *InoMap) ReplaceSummary(summary *bitmap.Bitmap) {
	m.summary = summary
	m.summaryCursor = 0
}

// SummaryVal returns the encoded current summary.
func (m *InoMap) SummaryVal() []byte { return m.summary.Encode() }

// GroupVal returns the encoded bitmap of a loaded group.
func (m *InoMap) GroupVal(gid uint64) []byte {
	g := m.groups[gid]
	if g == nil {
		panic(fmt.Sprintf("meta: imap group %d not loaded", gid))
	}
	return g.Encode()
}

// Used returns the number of allocated inodes across loaded groups
// plus full unloaded ones. It underestimates while partially used
// groups are unloaded; callers treat it as a statfs hint.
func (m *InoMap) Used() uint64 {
	var used uint64
	for gid, g := range m.groups {
		switch {
		case g != nil:
			used += g.Len()
		case !m.summary.Test(uint64(gid)):
			used += groupCap(m.totalInodes, m.groupSize, uint64(gid))
		}
	}
	return used
}

// Reserve marks an inode allocated in a loaded group without planning.
// Used at format time for the reserved slot 0.
func (m *InoMap) Reserve(ino Ino) {
	if ino >= m.totalInodes {
		return
	}
	gid, bit := m.split(ino)
	group := m.groups[gid]
	if group == nil {
		return
	}
	wasFull := group.Full()
	if group.Set(bit) && !wasFull && group.Full() {
		m.summary.Clear(gid)
	}
}

// AllocPlan stages the allocation of the lowest suitable free inode.
// It returns nil when the map is exhausted. The in-memory map is not
// modified until ApplyAlloc.
func (m *InoMap) AllocPlan(load GroupLoader) (*AllocPlan, error) {
	if m.groupCount == 0 || m.summary.Empty() {
		return nil, nil
	}
	summary := m.summary.Clone()
	startGid := m.summaryCursor
	for range m.groupCount {
		gid, ok := summary.FindOneFrom(startGid)
		if !ok {
			gid, ok = summary.FindOneFrom(0)
		}
		if !ok {
			return nil, nil
		}
		if err := m.ensureGroup(gid, load); err != nil {
			return nil, err
		}
		group := m.groups[gid]
		gcap := group.Cap()
		if gcap == 0 {
			summary.Clear(gid)
			startGid = m.nextGid(gid)
			continue
		}
		start := m.groupCursor[gid]
		if start >= gcap {
			start = 0
		}
		bit, ok := group.FindZeroFrom(start)
		if !ok {
			bit, ok = group.FindZeroFrom(0)
		}
		if !ok {
			summary.Clear(gid)
			startGid = m.nextGid(gid)
			continue
		}
		newGroup := group.Clone()
		newGroup.Set(bit)
		if newGroup.Full() {
			summary.Clear(gid)
		}
		groupCursor := bit + 1
		if groupCursor >= gcap {
			groupCursor = 0
		}
		return &AllocPlan{
			Ino:           gid*m.groupSize + bit,
			Gid:           gid,
			group:         newGroup,
			summary:       summary,
			groupCursor:   groupCursor,
			summaryCursor: m.nextGid(gid),
		}, nil
	}
	return nil, nil
}

// ApplyAlloc installs a staged allocation.
func (m *InoMap) ApplyAlloc(p *AllocPlan) {
	m.groups[p.Gid] = p.group
	m.summary = p.summary
	m.groupCursor[p.Gid] = p.groupCursor
	m.summaryCursor = p.summaryCursor
}

// FreePlan stages the free of an inode. It returns nil when the number
// is out of range or already free.
func (m *InoMap) FreePlan(ino Ino, load GroupLoader) (*FreePlan, error) {
	if ino == 0 || ino >= m.totalInodes {
		return nil, nil
	}
	gid, bit := m.split(ino)
	if err := m.ensureGroup(gid, load); err != nil {
		return nil, err
	}
	group := m.groups[gid]
	if !group.Test(bit) {
		return nil, nil
	}
	wasFull := group.Full()
	newGroup := group.Clone()
	newGroup.Clear(bit)
	newSummary := m.summary.Clone()
	if wasFull {
		newSummary.Set(gid)
	}
	return &FreePlan{
		Gid:           gid,
		group:         newGroup,
		summary:       newSummary,
		groupCursor:   bit,
		summaryCursor: gid,
	}, nil
}

// ApplyFree installs a staged free.
func (m *InoMap) ApplyFree(p *FreePlan) {
	m.groups[p.Gid] = p.group
	m.summary = p.summary
	m.groupCursor[p.Gid] = p.groupCursor
	m.summaryCursor = p.summaryCursor
}

// Check asserts the summary matches the loaded groups.
func (m *InoMap) Check() error {
	if m.summary.Cap() != m.groupCount {
		return fmt.Errorf("imap summary capacity %d, want %d groups", m.summary.Cap(), m.groupCount)
	}
	for gid, g := range m.groups {
		if g == nil {
			continue
		}
		gid := uint64(gid)
		if want := groupCap(m.totalInodes, m.groupSize, gid); g.Cap() != want {
			return fmt.Errorf("imap group %d capacity %d, want %d", gid, g.Cap(), want)
		}
		if m.summary.Test(gid) == g.Full() {
			return fmt.Errorf("imap summary bit %d inconsistent with group fill", gid)
		}
	}
	return nil
}

func (m *InoMap) split(ino Ino) (gid, bit uint64) {
	return ino / m.groupSize, ino % m.groupSize
}

func (m *InoMap) nextGid(gid uint64) uint64 {
	if gid+1 >= m.groupCount {
		return 0
	}
	return gid + 1
}

func (m *InoMap) ensureGroup(gid uint64, load GroupLoader) error {
	if m.groups[gid] != nil {
		return nil
	}
	group, err := load(gid)
	if err != nil {
		return err
	}
	m.groups[gid] = group
	return nil
}

func groupCap(totalInodes, groupSize, gid uint64) uint64 {
	start := gid * groupSize
	end := min(totalInodes, start+groupSize)
	return end - start
}
