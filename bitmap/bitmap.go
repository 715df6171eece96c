// Package bitmap implements the dirty bitmap manager: per-region
// dirty/unsent/received bit arrays, bulk-sync against the memory
// subsystem, and post-copy host-page canonicalization.
package bitmap

import (
	"errors"
	"sync"

	"go.uber.org/atomic"

	"github.com/relmigrate/relmigrate/region"
)

const wordBits = 64

// ErrUnknownRegion is returned by operations naming a region the manager
// has not seen via Init.
var ErrUnknownRegion = errors.New("bitmap: unknown region")

// words returns the number of uint64 words needed to hold n bits.
func words(n int64) int64 {
	return (n + wordBits - 1) / wordBits
}

func testBit(bm []uint64, i int64) bool {
	return bm[i/wordBits]&(1<<uint(i%wordBits)) != 0
}

func setBit(bm []uint64, i int64) {
	bm[i/wordBits] |= 1 << uint(i%wordBits)
}

func clearBit(bm []uint64, i int64) {
	bm[i/wordBits] &^= 1 << uint(i%wordBits)
}

func popcountWords(bm []uint64) int64 {
	var n int64
	for _, w := range bm {
		n += int64(popcount64(w))
	}

	return n
}

func popcount64(x uint64) int {
	n := 0
	for x != 0 {
		x &= x - 1
		n++
	}

	return n
}

// regionMaps holds the dirty/unsent/received bit arrays for one region,
// sized in target pages.
type regionMaps struct {
	pageCount int64
	dirty     []uint64
	unsent    []uint64
	received  []uint64
}

// Manager owns the dirty/unsent/received bitmaps for every migratable
// region the engine has provisioned, plus the sync-epoch and the running
// migration_dirty_pages counter (invariant: at every sync point,
// sum(popcount(dirty)) == migration_dirty_pages).
type Manager struct {
	mu      sync.Mutex
	maps    map[string]*regionMaps
	epoch   atomic.Uint64
	dirtyN  atomic.Int64
	syncCnt atomic.Uint64
}

// New constructs an empty Manager.
func New() *Manager {
	return &Manager{maps: make(map[string]*regionMaps)}
}

// InitMaps allocates dirty[] and unsent[] for every migratable region,
// sized to MaxLength/TargetPageSize target pages, with every bit set to 1
// (initial full transfer). received[] starts all-zero (destination side
// only populates it as frames arrive).
func (m *Manager) InitMaps(regions []*region.Region) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var total int64

	m.maps = make(map[string]*regionMaps, len(regions))

	for _, r := range regions {
		if !r.Migratable {
			continue
		}

		n := r.PageCount()
		w := words(n)

		rm := &regionMaps{
			pageCount: n,
			dirty:     make([]uint64, w),
			unsent:    make([]uint64, w),
			received:  make([]uint64, w),
		}

		for i := range rm.dirty {
			rm.dirty[i] = ^uint64(0)
			rm.unsent[i] = ^uint64(0)
		}

		// Clear any tail bits beyond pageCount in the last word so
		// popcount/find-next-dirty never see phantom dirty pages.
		clearTail(rm.dirty, n)
		clearTail(rm.unsent, n)

		m.maps[r.ID] = rm
		total += n
	}

	m.dirtyN.Store(total)
	m.epoch.Store(0)
}

func clearTail(bm []uint64, n int64) {
	if len(bm) == 0 {
		return
	}

	lastWordBits := n % wordBits
	if lastWordBits == 0 {
		return
	}

	mask := (uint64(1) << uint(lastWordBits)) - 1
	bm[len(bm)-1] &= mask
}

// Sync copies newly-dirtied bits from the memory subsystem into dirty[]
// for every migratable region, under the bitmap mutex, and increments the
// sync-epoch.
func (m *Manager) Sync(reg region.Registry) (newlyDirty int64, err error) {
	regions := reg.Snapshot()

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range regions {
		if !r.Migratable {
			continue
		}

		rm, ok := m.maps[r.ID]
		if !ok {
			continue
		}

		n, serr := reg.SyncDirtyBitmap(r.ID, 0, r.UsedLength, rm.dirty)
		if serr != nil {
			return newlyDirty, serr
		}

		newlyDirty += int64(n)
	}

	m.dirtyN.Add(newlyDirty)
	m.epoch.Add(1)
	m.syncCnt.Add(1)

	return newlyDirty, nil
}

// Epoch returns the current sync-epoch.
func (m *Manager) Epoch() uint64 { return m.epoch.Load() }

// SyncCount returns the number of bitmap syncs performed so far.
func (m *Manager) SyncCount() uint64 { return m.syncCnt.Load() }

// DirtyPages returns the running migration_dirty_pages counter.
func (m *Manager) DirtyPages() int64 { return m.dirtyN.Load() }

// FindNextDirty returns the index of the next dirty page in region id at
// or after start, or the region's page count if none remain. In bulk
// stage every page is dirty, so the search short-circuits to start
// itself without touching the bitmap.
func (m *Manager) FindNextDirty(id string, start int64, bulkStage bool) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rm, ok := m.maps[id]
	if !ok {
		return 0, ErrUnknownRegion
	}

	if bulkStage {
		if start < rm.pageCount {
			return start, nil
		}

		return rm.pageCount, nil
	}

	for p := start; p < rm.pageCount; p++ {
		if testBit(rm.dirty, p) {
			return p, nil
		}
	}

	return rm.pageCount, nil
}

// TestAndClear atomically tests and clears bit page of dirty[id],
// decrementing migration_dirty_pages on a 1->0 transition. Returns
// whether the page was dirty before the call.
func (m *Manager) TestAndClear(id string, page int64) (wasDirty bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rm, ok := m.maps[id]
	if !ok {
		return false, ErrUnknownRegion
	}

	if page < 0 || page >= rm.pageCount {
		return false, nil
	}

	if testBit(rm.dirty, page) {
		clearBit(rm.dirty, page)
		m.dirtyN.Add(-1)

		return true, nil
	}

	return false, nil
}

// MarkUnsent sets bit page of unsent[id].
func (m *Manager) MarkUnsent(id string, page int64) error {
	return m.setUnsent(id, page, true)
}

// ClearUnsent clears bit page of unsent[id] (the page has been sent).
func (m *Manager) ClearUnsent(id string, page int64) error {
	return m.setUnsent(id, page, false)
}

func (m *Manager) setUnsent(id string, page int64, v bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rm, ok := m.maps[id]
	if !ok {
		return ErrUnknownRegion
	}

	if page < 0 || page >= rm.pageCount {
		return nil
	}

	if v {
		setBit(rm.unsent, page)
	} else {
		clearBit(rm.unsent, page)
	}

	return nil
}

// MarkDirty sets bit page of dirty[id], incrementing migration_dirty_pages
// on a 0->1 transition.
func (m *Manager) MarkDirty(id string, page int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rm, ok := m.maps[id]
	if !ok {
		return ErrUnknownRegion
	}

	if page < 0 || page >= rm.pageCount {
		return nil
	}

	if !testBit(rm.dirty, page) {
		setBit(rm.dirty, page)
		m.dirtyN.Add(1)
	}

	return nil
}

// MarkReceived sets bit page of received[id] (destination only).
func (m *Manager) MarkReceived(id string, page int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rm, ok := m.maps[id]
	if !ok {
		return ErrUnknownRegion
	}

	if page < 0 || page >= rm.pageCount {
		return nil
	}

	setBit(rm.received, page)

	return nil
}

// OrDirtyIntoUnsent ORs dirty[id] into unsent[id] for every region, used
// when entering post-copy send-discard.
func (m *Manager) OrDirtyIntoUnsent() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, rm := range m.maps {
		for i := range rm.unsent {
			rm.unsent[i] |= rm.dirty[i]
		}
	}
}

// ReplaceDirtyWithInverseReceived sets dirty[id] = !received[id] for
// every region and recomputes migration_dirty_pages, used by
// resume-prepare after the peer's received-map arrives.
func (m *Manager) ReplaceDirtyWithInverseReceived() {
	m.mu.Lock()
	defer m.mu.Unlock()

	var total int64

	for _, rm := range m.maps {
		for i := range rm.dirty {
			rm.dirty[i] = ^rm.received[i]
		}

		clearTail(rm.dirty, rm.pageCount)
		total += popcountWords(rm.dirty)
	}

	m.dirtyN.Store(total)
}

// SetReceivedMap overwrites received[id] with bits, used by resume-prepare
// to install the peer's reply.
func (m *Manager) SetReceivedMap(id string, bits []uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rm, ok := m.maps[id]
	if !ok {
		return ErrUnknownRegion
	}

	n := len(bits)
	if n > len(rm.received) {
		n = len(rm.received)
	}

	copy(rm.received, bits[:n])
	clearTail(rm.received, rm.pageCount)

	return nil
}

// ReceivedWords returns a copy of received[id]'s backing words, used to
// answer a peer's resume-prepare received-map request.
func (m *Manager) ReceivedWords(id string) ([]uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rm, ok := m.maps[id]
	if !ok {
		return nil, ErrUnknownRegion
	}

	out := make([]uint64, len(rm.received))
	copy(out, rm.received)

	return out, nil
}

// UnsentRanges returns the set bit-runs of unsent[id] as
// [startPage, endPage) half-open ranges, used to ship the "unsent range"
// list to the destination during post-copy send-discard.
func (m *Manager) UnsentRanges(id string) ([][2]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rm, ok := m.maps[id]
	if !ok {
		return nil, ErrUnknownRegion
	}

	var ranges [][2]int64

	var runStart int64 = -1

	for p := int64(0); p < rm.pageCount; p++ {
		set := testBit(rm.unsent, p)

		switch {
		case set && runStart < 0:
			runStart = p
		case !set && runStart >= 0:
			ranges = append(ranges, [2]int64{runStart, p})
			runStart = -1
		}
	}

	if runStart >= 0 {
		ranges = append(ranges, [2]int64{runStart, rm.pageCount})
	}

	return ranges, nil
}

// ChunkHostPages canonicalizes unsent[]/dirty[] for regions whose host
// page size exceeds the target page size. Pass 1 scans unsent[] for runs crossing a host-page
// boundary; pass 2 does the same on dirty[]. Any partially-sent host page
// has every target page within it marked both unsent and dirty, and the
// caller is expected to tell the destination to discard that host page.
//
// Returns, per region id, the list of host-page-aligned offsets (in
// target pages) that were forced to discard.
func (m *Manager) ChunkHostPages(regions []*region.Region) map[string][]int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	discarded := make(map[string][]int64)

	for _, r := range regions {
		if !r.Migratable || r.PageSize <= region.TargetPageSize {
			continue
		}

		rm, ok := m.maps[r.ID]
		if !ok {
			continue
		}

		pagesPerHost := r.PageSize / region.TargetPageSize

		var regionDiscards []int64

		// Pass 1: unsent[] homogeneity.
		for base := int64(0); base < rm.pageCount; base += pagesPerHost {
			if !homogeneous(rm.unsent, base, pagesPerHost, rm.pageCount) {
				forceRange(rm.unsent, base, pagesPerHost, rm.pageCount)
				forceRange(rm.dirty, base, pagesPerHost, rm.pageCount)
				regionDiscards = append(regionDiscards, base)
			}
		}

		// Pass 2: dirty[] homogeneity (pass 1 may have introduced new
		// partial-dirty situations this pass must clean up).
		for base := int64(0); base < rm.pageCount; base += pagesPerHost {
			if !homogeneous(rm.dirty, base, pagesPerHost, rm.pageCount) {
				forceRange(rm.unsent, base, pagesPerHost, rm.pageCount)
				forceRange(rm.dirty, base, pagesPerHost, rm.pageCount)

				if len(regionDiscards) == 0 || regionDiscards[len(regionDiscards)-1] != base {
					regionDiscards = append(regionDiscards, base)
				}
			}
		}

		if len(regionDiscards) > 0 {
			discarded[r.ID] = regionDiscards
		}
	}

	return discarded
}

// homogeneous reports whether every bit in [base, base+count) of bm is
// identical (all-0 or all-1), clipping to pageCount.
func homogeneous(bm []uint64, base, count, pageCount int64) bool {
	end := base + count
	if end > pageCount {
		end = pageCount
	}

	if base >= end {
		return true
	}

	first := testBit(bm, base)

	for p := base + 1; p < end; p++ {
		if testBit(bm, p) != first {
			return false
		}
	}

	return true
}

// forceRange sets every bit in [base, base+count) of bm to 1, clipping to
// pageCount.
func forceRange(bm []uint64, base, count, pageCount int64) {
	end := base + count
	if end > pageCount {
		end = pageCount
	}

	for p := base; p < end; p++ {
		setBit(bm, p)
	}
}

// PopcountDirty returns popcount(dirty[id]), used by tests to check the
// per-region bulk-stage invariant.
func (m *Manager) PopcountDirty(id string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rm, ok := m.maps[id]
	if !ok {
		return 0, ErrUnknownRegion
	}

	return popcountWords(rm.dirty), nil
}

// PageCount returns the page count a region's bitmaps were sized to.
func (m *Manager) PageCount(id string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rm, ok := m.maps[id]
	if !ok {
		return 0, ErrUnknownRegion
	}

	return rm.pageCount, nil
}
