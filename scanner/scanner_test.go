package scanner_test

import (
	"bytes"
	"testing"

	"github.com/relmigrate/relmigrate/bitmap"
	"github.com/relmigrate/relmigrate/pagecache"
	"github.com/relmigrate/relmigrate/region"
	"github.com/relmigrate/relmigrate/scanner"
	"github.com/relmigrate/relmigrate/wire"
)

func newTestRegion(id string, pages int64) *region.Region {
	return &region.Region{
		ID:         id,
		Host:       make([]byte, pages*region.TargetPageSize),
		UsedLength: pages * region.TargetPageSize,
		MaxLength:  pages * region.TargetPageSize,
		PageSize:   region.TargetPageSize,
		Migratable: true,
	}
}

func newSender(t *testing.T, regions ...*region.Region) (*scanner.Sender, *region.Store, *bitmap.Manager, *wire.MemTransport) {
	t.Helper()

	store := region.NewStore()
	for _, r := range regions {
		if err := store.Register(r); err != nil {
			t.Fatalf("Register() error: %v", err)
		}
	}

	bm := bitmap.New()
	bm.InitMaps(store.Snapshot())

	tp := wire.NewMemTransport()
	s := scanner.NewSender(tp, bm, store, scanner.Config{}, nil)

	return s, store, bm, tp
}

// TestZeroPageSent is testable property 6: a zero page produces a ZERO
// frame with no bytes of payload beyond the header + fill byte.
func TestZeroPageSent(t *testing.T) {
	t.Parallel()

	r := newTestRegion("pc.ram", 1)
	s, _, _, tp := newSender(t, r)

	n, err := s.FindAndSaveBlock(false)
	if err != nil {
		t.Fatalf("FindAndSaveBlock() error: %v", err)
	}

	if n != 1 {
		t.Fatalf("pages sent = %d, want 1", n)
	}

	if s.DuplicatePages.Load() != 1 {
		t.Fatalf("DuplicatePages = %d, want 1", s.DuplicatePages.Load())
	}

	rd := wire.NewMemTransportFrom(tp.Bytes())

	word, err := rd.GetBE64()
	if err != nil {
		t.Fatalf("GetBE64() error: %v", err)
	}

	f := wire.DecodeWord(word)
	if !f.Flags.Has(wire.FlagZero) {
		t.Fatalf("flags = %#x, want ZERO set", f.Flags)
	}
}

// TestRawPageSent covers a non-zero page falling through to the raw
// encoding when no other encoder is active.
func TestRawPageSent(t *testing.T) {
	t.Parallel()

	r := newTestRegion("pc.ram", 1)
	for i := range r.Host {
		r.Host[i] = byte(i)
	}

	s, _, _, tp := newSender(t, r)

	n, err := s.FindAndSaveBlock(false)
	if err != nil {
		t.Fatalf("FindAndSaveBlock() error: %v", err)
	}

	if n != 1 {
		t.Fatalf("pages sent = %d, want 1", n)
	}

	if s.NormalPages.Load() != 1 {
		t.Fatalf("NormalPages = %d, want 1", s.NormalPages.Load())
	}

	rd := wire.NewMemTransportFrom(tp.Bytes())

	word, err := rd.GetBE64()
	if err != nil {
		t.Fatalf("GetBE64() error: %v", err)
	}

	f := wire.DecodeWord(word)
	if !f.Flags.Has(wire.FlagPage) {
		t.Fatalf("flags = %#x, want PAGE set", f.Flags)
	}

	data, err := rd.GetBytes(region.TargetPageSize)
	if err != nil {
		t.Fatalf("GetBytes() error: %v", err)
	}

	if !bytes.Equal(data, r.Host) {
		t.Fatal("raw payload mismatch")
	}
}

// TestNoProgressReturnsZero: with nothing dirty and nothing queued, a
// second call (after the bulk round has fully drained) returns 0.
func TestNoProgressReturnsZero(t *testing.T) {
	t.Parallel()

	r := newTestRegion("pc.ram", 1)
	s, _, _, _ := newSender(t, r)

	if _, err := s.FindAndSaveBlock(false); err != nil {
		t.Fatalf("first FindAndSaveBlock() error: %v", err)
	}

	n, err := s.FindAndSaveBlock(false)
	if err != nil {
		t.Fatalf("second FindAndSaveBlock() error: %v", err)
	}

	if n != 0 {
		t.Fatalf("pages sent on second call = %d, want 0 (no progress)", n)
	}
}

// TestXBZRLEStaleSnapshotAfterSync: the first (bulk-stage) send of an
// all-zero page goes out as ZERO without consulting the cache; after a
// bitmap sync re-dirties it with a small change, the zero snapshot cached
// in the previous epoch no longer counts as cached, so the second send is
// a cache miss and goes out raw.
func TestXBZRLEStaleSnapshotAfterSync(t *testing.T) {
	t.Parallel()

	r := newTestRegion("pc.ram", 1)
	store := region.NewStore()

	if err := store.Register(r); err != nil {
		t.Fatalf("Register() error: %v", err)
	}

	bm := bitmap.New()
	bm.InitMaps(store.Snapshot())

	tp := wire.NewMemTransport()
	cfg := scanner.Config{XBZRLEEnabled: true}
	s := scanner.NewSender(tp, bm, store, cfg, nil)

	cache, err := pagecache.New(64*1024, region.TargetPageSize)
	if err != nil {
		t.Fatalf("pagecache.New() error: %v", err)
	}

	s.Cache = cache

	// First round: bulk stage, XBZRLE path is not consulted at all; page
	// is all zero so it goes out as ZERO, and the scanner inserts a zeroed
	// cache snapshot.
	if _, err := s.FindAndSaveBlock(false); err != nil {
		t.Fatalf("first FindAndSaveBlock() error: %v", err)
	}

	if cache.Misses() != 0 {
		t.Fatalf("Misses() after bulk-stage zero page = %d, want 0", cache.Misses())
	}

	// Dirty the page with a small change and sync so bulk stage ends and
	// the cache is consulted.
	r.Host[100] = 0x42

	if err := store.MarkDirty("pc.ram", 0, 1); err != nil {
		t.Fatalf("MarkDirty() error: %v", err)
	}

	if _, err := bm.Sync(store); err != nil {
		t.Fatalf("Sync() error: %v", err)
	}

	// The first round's wraparound ended bulk stage, and MarkDirty plus
	// Sync set the page dirty again for this second pass. Sync also moved
	// the epoch on, so the zero snapshot inserted in the first round is
	// stale: the lookup is a miss and the page goes out raw.
	n, err := s.FindAndSaveBlock(false)
	if err != nil {
		t.Fatalf("second FindAndSaveBlock() error: %v", err)
	}

	if n != 1 {
		t.Fatalf("pages sent on second round = %d, want 1", n)
	}

	if cache.Misses() != 1 {
		t.Fatalf("Misses() after second round = %d, want 1 (stale-epoch snapshot)", cache.Misses())
	}
}

// TestSendsRawWhenCacheEmpty is S4: an empty cache records a miss and
// falls back to a raw PAGE frame.
func TestSendsRawWhenCacheEmpty(t *testing.T) {
	t.Parallel()

	r := newTestRegion("pc.ram", 1)
	for i := range r.Host {
		r.Host[i] = 0x7
	}

	store := region.NewStore()
	if err := store.Register(r); err != nil {
		t.Fatalf("Register() error: %v", err)
	}

	bm := bitmap.New()
	bm.InitMaps(store.Snapshot())

	tp := wire.NewMemTransport()
	s := scanner.NewSender(tp, bm, store, scanner.Config{XBZRLEEnabled: true}, nil)

	cache, err := pagecache.New(64*1024, region.TargetPageSize)
	if err != nil {
		t.Fatalf("pagecache.New() error: %v", err)
	}

	s.Cache = cache

	// Drain bulk stage first so the non-bulk XBZRLE path is exercised on
	// a subsequent dirtied page.
	if _, err := s.FindAndSaveBlock(false); err != nil {
		t.Fatalf("bulk FindAndSaveBlock() error: %v", err)
	}

	if err := store.MarkDirty("pc.ram", 0, 1); err != nil {
		t.Fatalf("MarkDirty() error: %v", err)
	}

	if _, err := bm.Sync(store); err != nil {
		t.Fatalf("Sync() error: %v", err)
	}

	if _, err := s.FindAndSaveBlock(false); err != nil {
		t.Fatalf("second FindAndSaveBlock() error: %v", err)
	}

	if cache.Misses() != 1 {
		t.Fatalf("Misses() = %d, want 1", cache.Misses())
	}

	if cache.Len() != 1 {
		t.Fatalf("cache Len() = %d, want 1 (page inserted after miss)", cache.Len())
	}
}

// TestUrgentRequestPreemptsScan is S6: an enqueued urgent request is
// drained ahead of the background round-robin and clears bulk stage.
func TestUrgentRequestPreemptsScan(t *testing.T) {
	t.Parallel()

	rA := newTestRegion("A", 4)
	rB := newTestRegion("B", 4)

	s, store, _, tp := newSender(t, rA, rB)

	regB, err := store.Lookup("B")
	if err != nil {
		t.Fatalf("Lookup() error: %v", err)
	}

	if err := s.ReqQueue.Enqueue(regB, 0, region.TargetPageSize); err != nil {
		t.Fatalf("Enqueue() error: %v", err)
	}

	n, err := s.FindAndSaveBlock(false)
	if err != nil {
		t.Fatalf("FindAndSaveBlock() error: %v", err)
	}

	if n < 1 {
		t.Fatalf("pages sent = %d, want at least 1", n)
	}

	if s.BulkStage() {
		t.Fatal("BulkStage() = true after urgent request service, want false")
	}

	if s.PostcopyRequests.Load() != 1 {
		t.Fatalf("PostcopyRequests = %d, want 1", s.PostcopyRequests.Load())
	}

	_ = tp
}

// TestRateLimitRespected is testable property 10: when the transport
// reports rate-limit exceeded and no urgent requests are pending, the
// scanner returns within one page.
func TestRateLimitRespected(t *testing.T) {
	t.Parallel()

	r := newTestRegion("pc.ram", 8)
	s, _, _, tp := newSender(t, r)

	tp.SetRateLimitExceeded(true)

	n, err := s.FindAndSaveBlock(false)
	if err != nil {
		t.Fatalf("FindAndSaveBlock() error: %v", err)
	}

	if n != 1 {
		t.Fatalf("pages sent under rate limit = %d, want 1", n)
	}
}

// TestRateLimitIgnoredDuringLastStage: Complete's drain (lastStage=true)
// must not stop early for rate limiting.
func TestRateLimitIgnoredDuringLastStage(t *testing.T) {
	t.Parallel()

	r := newTestRegion("pc.ram", 4)
	s, _, _, tp := newSender(t, r)

	tp.SetRateLimitExceeded(true)

	n, err := s.FindAndSaveBlock(true)
	if err != nil {
		t.Fatalf("FindAndSaveBlock(lastStage) error: %v", err)
	}

	if n != 4 {
		t.Fatalf("pages sent during final drain = %d, want 4 (rate limit ignored)", n)
	}
}
