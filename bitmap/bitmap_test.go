package bitmap_test

import (
	"testing"

	"github.com/relmigrate/relmigrate/bitmap"
	"github.com/relmigrate/relmigrate/region"
)

func newStore(t *testing.T, id string, pages int64, pageSize int64) *region.Store {
	t.Helper()

	s := region.NewStore()
	length := pages * region.TargetPageSize

	r := &region.Region{
		ID:         id,
		Host:       make([]byte, length),
		UsedLength: length,
		MaxLength:  length,
		PageSize:   pageSize,
		Migratable: true,
	}

	if err := s.Register(r); err != nil {
		t.Fatalf("Register() error: %v", err)
	}

	return s
}

func TestInitMapsAllDirty(t *testing.T) {
	t.Parallel()

	s := newStore(t, "pc.ram", 4, region.TargetPageSize)
	m := bitmap.New()
	m.InitMaps(s.Snapshot())

	n, err := m.PopcountDirty("pc.ram")
	if err != nil {
		t.Fatalf("PopcountDirty() error: %v", err)
	}

	if n != 4 {
		t.Fatalf("PopcountDirty() = %d, want 4 (initial full transfer)", n)
	}

	if got := m.DirtyPages(); got != 4 {
		t.Fatalf("DirtyPages() = %d, want 4", got)
	}
}

// TestSyncInvariant is testable property 2: after sync(), sum(popcount)
// == migration_dirty_pages.
func TestSyncInvariant(t *testing.T) {
	t.Parallel()

	s := newStore(t, "pc.ram", 4, region.TargetPageSize)
	m := bitmap.New()
	m.InitMaps(s.Snapshot())

	// Clear every page first by consuming the bulk stage's initial dirty
	// bits directly.
	for p := int64(0); p < 4; p++ {
		if _, err := m.TestAndClear("pc.ram", p); err != nil {
			t.Fatalf("TestAndClear() error: %v", err)
		}
	}

	if got := m.DirtyPages(); got != 0 {
		t.Fatalf("DirtyPages() after draining = %d, want 0", got)
	}

	if err := s.MarkDirty("pc.ram", 1, 2); err != nil {
		t.Fatalf("MarkDirty() error: %v", err)
	}

	if _, err := m.Sync(s); err != nil {
		t.Fatalf("Sync() error: %v", err)
	}

	n, err := m.PopcountDirty("pc.ram")
	if err != nil {
		t.Fatalf("PopcountDirty() error: %v", err)
	}

	if n != m.DirtyPages() {
		t.Fatalf("popcount(dirty) = %d != migration_dirty_pages = %d", n, m.DirtyPages())
	}

	if n != 2 {
		t.Fatalf("popcount(dirty) = %d, want 2", n)
	}
}

func TestFindNextDirtyBulkStage(t *testing.T) {
	t.Parallel()

	s := newStore(t, "pc.ram", 4, region.TargetPageSize)
	m := bitmap.New()
	m.InitMaps(s.Snapshot())

	next, err := m.FindNextDirty("pc.ram", 0, true)
	if err != nil {
		t.Fatalf("FindNextDirty() error: %v", err)
	}

	if next != 0 {
		t.Fatalf("FindNextDirty(bulk) = %d, want 0 (every page dirty, short-circuit to start itself)", next)
	}

	next, err = m.FindNextDirty("pc.ram", 3, true)
	if err != nil {
		t.Fatalf("FindNextDirty() error: %v", err)
	}

	if next != 3 {
		t.Fatalf("FindNextDirty(bulk) = %d, want 3 (short-circuit to start itself)", next)
	}

	next, err = m.FindNextDirty("pc.ram", 4, true)
	if err != nil {
		t.Fatalf("FindNextDirty() error: %v", err)
	}

	if next != 4 {
		t.Fatalf("FindNextDirty(bulk) past end = %d, want pageCount (4)", next)
	}
}

func TestFindNextDirtyScansBitmap(t *testing.T) {
	t.Parallel()

	s := newStore(t, "pc.ram", 4, region.TargetPageSize)
	m := bitmap.New()
	m.InitMaps(s.Snapshot())

	for p := int64(0); p < 4; p++ {
		if _, err := m.TestAndClear("pc.ram", p); err != nil {
			t.Fatalf("TestAndClear() error: %v", err)
		}
	}

	if err := m.MarkDirty("pc.ram", 2); err != nil {
		t.Fatalf("MarkDirty() error: %v", err)
	}

	next, err := m.FindNextDirty("pc.ram", 0, false)
	if err != nil {
		t.Fatalf("FindNextDirty() error: %v", err)
	}

	if next != 2 {
		t.Fatalf("FindNextDirty() = %d, want 2", next)
	}

	next, err = m.FindNextDirty("pc.ram", 3, false)
	if err != nil {
		t.Fatalf("FindNextDirty() error: %v", err)
	}

	if next != 4 {
		t.Fatalf("FindNextDirty() past end = %d, want pageCount (4)", next)
	}
}

// TestChunkHostPages is testable property 8: after ChunkHostPages, every
// host-page-aligned window of unsent[] is all-0 or all-1 (dirty[] is not
// inspected here).
func TestChunkHostPages(t *testing.T) {
	t.Parallel()

	// 16 KiB host pages over 4 KiB target pages: 4 target pages per host
	// page.
	s := newStore(t, "pc.ram", 8, 4*region.TargetPageSize)
	m := bitmap.New()
	m.InitMaps(s.Snapshot())

	// Partially send the first host page: clear unsent on just one of its
	// four target pages, leaving it inhomogeneous.
	if err := m.ClearUnsent("pc.ram", 0); err != nil {
		t.Fatalf("ClearUnsent() error: %v", err)
	}

	regions := s.Snapshot()
	discards := m.ChunkHostPages(regions)

	if bases, ok := discards["pc.ram"]; !ok || len(bases) == 0 {
		t.Fatalf("ChunkHostPages() discards = %v, want a discard for the partially-sent host page", discards)
	}

	for base := int64(0); base < 8; base += 4 {
		if !hostPageHomogeneous(t, m, "pc.ram", base, 4) {
			t.Errorf("host page at %d is not homogeneous after ChunkHostPages", base)
		}
	}
}

func hostPageHomogeneous(t *testing.T, m *bitmap.Manager, id string, base, count int64) bool {
	t.Helper()

	// We only have PopcountDirty/UnsentRanges as read APIs; use
	// UnsentRanges to check homogeneity indirectly: every range boundary
	// must land on a host-page boundary.
	ranges, err := m.UnsentRanges(id)
	if err != nil {
		t.Fatalf("UnsentRanges() error: %v", err)
	}

	for _, rg := range ranges {
		if rg[0] > base && rg[0] < base+count {
			return false
		}

		if rg[1] > base && rg[1] < base+count {
			return false
		}
	}

	return true
}
