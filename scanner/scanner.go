// Package scanner implements the round-robin dirty-page scan and
// per-page encoding decision: find_and_save_block,
// save_host_page, save_target_page, and the XBZRLE delta-encode path.
package scanner

import (
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/relmigrate/relmigrate/bitmap"
	"github.com/relmigrate/relmigrate/pagecache"
	"github.com/relmigrate/relmigrate/region"
	"github.com/relmigrate/relmigrate/reqqueue"
	"github.com/relmigrate/relmigrate/wire"
	"github.com/relmigrate/relmigrate/xbzrle"
	"github.com/relmigrate/relmigrate/zlibpool"
)

// PacingCheckStride is the number of pages between wall-clock pacing
// checks.
const PacingCheckStride = 64

// ControlSaveFunc is the external accelerator hook: given a region and offset, it may consume the page
// itself. handled=true means the scanner must not also encode/send it.
type ControlSaveFunc func(r *region.Region, offset int64) (handled bool, err error)

// MultifdEnqueueFunc hands a raw page off to sideband multifd channel
// workers. Returning an error aborts the scan.
type MultifdEnqueueFunc func(r *region.Region, offset int64, data []byte) error

// Config are the read-only (except cache size) feature flags consumed
// from configuration, named here as plain fields since
// configuration parsing itself is out of scope.
type Config struct {
	XBZRLEEnabled      bool
	CompressionEnabled bool
	MultifdEnabled     bool
	PostcopyEnabled    bool
	MaxWaitPerIterate  time.Duration
	PacingBytesPerSec  float64 // 0 disables the rate.Limiter budget
}

// Sender is the persistent SenderState / RAMState: everything
// that survives across iterate calls for the duration of a migration.
type Sender struct {
	Transport      wire.Transport
	Bitmap         *bitmap.Manager
	Cache          *pagecache.Cache // nil disables XBZRLE
	Compress       *zlibpool.Pool   // nil disables compression
	ReqQueue       *reqqueue.Queue
	Registry       region.Registry
	Config         Config
	Log            *zap.SugaredLogger
	ControlSave    ControlSaveFunc
	MultifdEnqueue MultifdEnqueueFunc

	// cursor: last-seen position, written back at the end of each
	// FindAndSaveBlock call.
	lastSeenRegion string
	lastPage       int64

	// lastSentBlock is the region the last transmitted frame named; used
	// for the CONTINUE short-encoding and the compression boundary rule.
	lastSentBlock string

	bulkStage bool

	limiter *rate.Limiter

	// counters
	Iterations       atomic.Uint64
	BytesTransferred atomic.Uint64
	DuplicatePages   atomic.Uint64
	NormalPages      atomic.Uint64
	PostcopyRequests atomic.Uint64
}

// NewSender constructs a Sender in bulk stage with an empty cursor.
func NewSender(t wire.Transport, bm *bitmap.Manager, reg region.Registry, cfg Config, log *zap.SugaredLogger) *Sender {
	s := &Sender{
		Transport: t,
		Bitmap:    bm,
		ReqQueue:  reqqueue.New(),
		Registry:  reg,
		Config:    cfg,
		Log:       log,
		bulkStage: true,
	}

	if cfg.PacingBytesPerSec > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.PacingBytesPerSec), int(cfg.PacingBytesPerSec))
	}

	return s
}

// BulkStage reports whether the scanner is still in its first full pass.
func (s *Sender) BulkStage() bool { return s.bulkStage }

// cursor is PageSearchStatus: created per iterate-call, seeded
// from the sender's persistent cursor, written back at the end.
type cursor struct {
	region      string
	page        int64
	wrappedOnce bool
}

// FindAndSaveBlock is the scanner entry point per iterate-call. It returns the number of pages written; 0 means "no progress,
// try again"; a negative-signalling error means hard failure (the
// transport's error, or a protocol-shaped internal error).
func (s *Sender) FindAndSaveBlock(lastStage bool) (int, error) {
	cur := cursor{region: s.lastSeenRegion, page: s.lastPage}

	// Normalize the cursor onto a region that actually exists before
	// seeding the wraparound-detection below; otherwise a fresh Sender
	// (empty region) or a since-unregistered region can never match the
	// seed on a later full pass and the scan would never terminate.
	if seedRegions := s.Registry.Snapshot(); len(seedRegions) > 0 {
		if _, _, found := findRegion(seedRegions, cur.region); !found {
			cur.region = seedRegions[0].ID
			cur.page = 0
		}
	}

	seedRegion, seedPage := cur.region, cur.page

	pages := 0
	pageCounter := 0
	start := time.Now()
	firstWrapFlushed := false

	for {
		if dr, doff, ok := s.ReqQueue.DequeueOne(region.TargetPageSize); ok {
			cur.region = dr.ID
			cur.page = doff / region.TargetPageSize
			s.bulkStage = false
			s.PostcopyRequests.Add(1)
		} else {
			regions := s.Registry.Snapshot()

			r, rIdx, found := findRegion(regions, cur.region)
			if !found {
				if len(regions) == 0 {
					return 0, nil
				}

				r = regions[0]
				cur.region = r.ID
				cur.page = 0
				rIdx = 0
			}

			next, err := s.Bitmap.FindNextDirty(r.ID, cur.page, s.bulkStage)
			if err != nil {
				return pages, err
			}

			// A full round ends once the scan has wrapped past the end of
			// the region list and reached the seed position again.
			if cur.wrappedOnce && r.ID == seedRegion && next >= seedPage {
				s.lastSeenRegion, s.lastPage = cur.region, cur.page

				return pages, nil
			}

			if next >= r.PageCount() {
				nextIdx := (rIdx + 1) % len(regions)
				cur.region = regions[nextIdx].ID
				cur.page = 0

				if nextIdx == 0 {
					cur.wrappedOnce = true
					// Leaving bulk stage is triggered by completion of one
					// wraparound over the region list, in addition to the first urgent request
					// handled above.
					s.bulkStage = false

					if !firstWrapFlushed && s.Cache != nil && s.Compress != nil {
						if err := s.Compress.FlushAll(); err != nil {
							return pages, err
						}

						firstWrapFlushed = true
					}
				}

				continue
			}

			cur.page = next
		}

		r, err := s.Registry.Lookup(cur.region)
		if err != nil {
			return pages, err
		}

		n, err := s.saveHostPage(r, &cur, lastStage)
		if err != nil {
			return pages, err
		}

		pages += n

		if s.Transport.GetError() != nil {
			return pages, s.Transport.GetError()
		}

		pageCounter++

		urgentPending := s.ReqQueue.Len() > 0
		if !lastStage && !urgentPending {
			if s.Transport.RateLimitExceeded() {
				break
			}

			if s.limiter != nil && !s.limiter.AllowN(time.Now(), region.TargetPageSize) {
				break
			}
		}

		if !lastStage && pageCounter >= PacingCheckStride {
			pageCounter = 0

			if s.Config.MaxWaitPerIterate > 0 && time.Since(start) > s.Config.MaxWaitPerIterate && !urgentPending {
				break
			}
		}
	}

	s.lastSeenRegion, s.lastPage = cur.region, cur.page

	return pages, nil
}

func findRegion(regions []*region.Region, id string) (*region.Region, int, bool) {
	for i, r := range regions {
		if r.ID == id {
			return r, i, true
		}
	}

	return nil, 0, false
}

// saveHostPage sends every dirty target page within the host page
// enclosing cur's current position, then advances cur past it.
func (s *Sender) saveHostPage(r *region.Region, cur *cursor, lastStage bool) (int, error) {
	pagesPerHost := r.PageSize / region.TargetPageSize
	hostBase := (cur.page / pagesPerHost) * pagesPerHost

	sent := 0

	for p := hostBase; p < hostBase+pagesPerHost && p < r.PageCount(); p++ {
		dirty, err := s.Bitmap.TestAndClear(r.ID, p)
		if err != nil {
			return sent, err
		}

		if !s.bulkStage && !dirty {
			continue
		}

		n, err := s.saveTargetPage(r, p*region.TargetPageSize, lastStage)
		if err != nil {
			return sent, err
		}

		sent += n
	}

	cur.page = hostBase + pagesPerHost

	return sent, nil
}

// saveTargetPage is the per-page encoding decision tree.
func (s *Sender) saveTargetPage(r *region.Region, offset int64, lastStage bool) (int, error) {
	if s.ControlSave != nil {
		handled, err := s.ControlSave(r, offset)
		if err != nil {
			return 0, err
		}

		if handled {
			return 1, nil
		}
	}

	newBlock := r.ID != s.lastSentBlock

	if newBlock && s.Config.CompressionEnabled && s.Compress != nil {
		if err := s.Compress.FlushAll(); err != nil {
			return 0, err
		}
	}

	data := r.HostPointer(offset)[:region.TargetPageSize]

	if isZero(data) {
		if err := s.sendZero(r, offset); err != nil {
			return 0, err
		}

		if s.Cache != nil && !s.Config.CompressionEnabled {
			zero := make([]byte, region.TargetPageSize)
			s.Cache.Insert(cacheKey(r, offset), zero, s.Bitmap.Epoch())
		}

		s.lastSentBlock = r.ID

		return 1, nil
	}

	if s.Config.MultifdEnabled && s.MultifdEnqueue != nil {
		if err := s.MultifdEnqueue(r, offset, data); err != nil {
			return 0, err
		}

		s.lastSentBlock = r.ID

		return 1, nil
	}

	if s.Config.CompressionEnabled && s.Compress != nil {
		if err := s.sendCompressed(r, offset, data); err != nil {
			return 0, err
		}

		s.lastSentBlock = r.ID

		return 1, nil
	}

	if s.Config.XBZRLEEnabled && s.Cache != nil && !s.bulkStage && !s.Config.PostcopyEnabled {
		n, err := s.saveXBZRLEPage(r, offset, data, lastStage)
		if err != nil {
			return 0, err
		}

		if n >= 0 {
			if n > 0 {
				s.lastSentBlock = r.ID
			}

			return n, nil
		}
		// n == -1: fall through to raw.
	}

	if err := s.sendRaw(r, offset, data); err != nil {
		return 0, err
	}

	s.lastSentBlock = r.ID

	return 1, nil
}

func cacheKey(r *region.Region, offset int64) uint64 {
	// A simple, collision-free-enough key for the reference store: the
	// region's slice header address is not stable across resize, so we
	// hash the (id, offset) pair with FNV-1a instead of relying on
	// pointer identity.
	h := uint64(1469598103934665603)

	for i := 0; i < len(r.ID); i++ {
		h ^= uint64(r.ID[i])
		h *= 1099511628211
	}

	h ^= uint64(offset)
	h *= 1099511628211

	return h
}

func isZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}

	return true
}

func (s *Sender) sendZero(r *region.Region, offset int64) error {
	if err := wire.WriteFrameHeader(s.Transport, offset, s.continueFlags(r, wire.FlagZero), r.ID); err != nil {
		return err
	}

	if err := s.Transport.PutByte(0); err != nil {
		return err
	}

	s.DuplicatePages.Add(1)
	s.BytesTransferred.Add(9)

	return nil
}

func (s *Sender) sendRaw(r *region.Region, offset int64, data []byte) error {
	if err := wire.WriteFrameHeader(s.Transport, offset, s.continueFlags(r, wire.FlagPage), r.ID); err != nil {
		return err
	}

	if err := s.Transport.PutBytesAsync(data); err != nil {
		return err
	}

	s.NormalPages.Add(1)
	s.BytesTransferred.Add(uint64(8 + len(data)))

	return nil
}

// sendCompressed writes the frame header synchronously (always naming the
// region explicitly; CONTINUE collapsing does not apply to compressed
// frames) then hands the page to the worker pool and returns without
// waiting: CompressPage only blocks when every worker is already busy, so
// consecutive calls across a round keep up to N workers deflating
// concurrently. The accumulated frames are drained by FlushAll at the
// round's block-boundary points (new-block transition, first wraparound,
// and engine.Complete's final drain), not here.
func (s *Sender) sendCompressed(r *region.Region, offset int64, data []byte) error {
	if err := wire.WriteFrameHeader(s.Transport, offset, wire.FlagCompressPage, r.ID); err != nil {
		return err
	}

	return s.Compress.CompressPage(zlibpool.Job{Region: r.ID, Offset: offset, Data: data})
}

// CompressFlushFunc returns the zlibpool.FlushFunc the engine should pass
// to zlibpool.New for this sender's compression pool: it writes the
// compressed payload's length followed by its bytes, matching
// receiver.Load's expectation that a CompressPage frame's header is
// immediately followed by a 32-bit length and that many compressed bytes.
func (s *Sender) CompressFlushFunc() zlibpool.FlushFunc {
	return func(f zlibpool.Frame) error {
		if err := s.Transport.PutBE32(uint32(len(f.Compressed))); err != nil {
			return err
		}

		if err := s.Transport.PutBytes(f.Compressed); err != nil {
			return err
		}

		s.BytesTransferred.Add(uint64(4 + len(f.Compressed)))

		return nil
	}
}

// saveXBZRLEPage is the delta-encode path.
// Returns -1 to signal "fall back to raw", 0 for "nothing to send", or
// the number of pages sent (1) on success.
func (s *Sender) saveXBZRLEPage(r *region.Region, offset int64, data []byte, lastStage bool) (int, error) {
	key := cacheKey(r, offset)
	epoch := s.Bitmap.Epoch()

	if !s.Cache.IsCached(key, epoch) {
		s.Cache.RecordMiss()

		if !lastStage {
			s.Cache.Insert(key, data, epoch)
		}

		return -1, nil
	}

	prev := s.Cache.Get(key)

	out := make([]byte, region.TargetPageSize)
	n := xbzrle.Encode(prev, data, region.TargetPageSize, out)

	switch {
	case n == xbzrle.Identical:
		return 0, nil
	case n == xbzrle.Overflow:
		s.Cache.RecordOverflow()

		if !lastStage {
			s.Cache.Update(key, data)
		}

		return -1, nil
	}

	if err := wire.WriteFrameHeader(s.Transport, offset, s.continueFlags(r, wire.FlagXBZRLE), r.ID); err != nil {
		return 0, err
	}

	if err := s.Transport.PutByte(wire.EncodingXBZRLE); err != nil {
		return 0, err
	}

	if err := s.Transport.PutBE16(uint16(n)); err != nil {
		return 0, err
	}

	if err := s.Transport.PutBytes(out[:n]); err != nil {
		return 0, err
	}

	if !lastStage {
		s.Cache.Update(key, data)
	}

	s.BytesTransferred.Add(uint64(8 + 1 + 2 + n))

	return 1, nil
}

// continueFlags sets FlagContinue when r is the same region as the last
// transmitted frame, else it is a fresh block and
// the frame must be followed by the region id.
func (s *Sender) continueFlags(r *region.Region, f wire.Flag) wire.Flag {
	if r.ID == s.lastSentBlock && s.lastSentBlock != "" {
		return f | wire.FlagContinue
	}

	return f
}
