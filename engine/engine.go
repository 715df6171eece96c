// Package engine implements the migration lifecycle controller: Setup, Iterate, Complete, Pending, PostcopySendDiscard,
// ResumePrepare, and Cleanup, composing the region/bitmap/pagecache/
// zlibpool/scanner/receiver/observer packages into one source-side or
// destination-side session.
package engine

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/relmigrate/relmigrate/bitmap"
	"github.com/relmigrate/relmigrate/observer"
	"github.com/relmigrate/relmigrate/pagecache"
	"github.com/relmigrate/relmigrate/receiver"
	"github.com/relmigrate/relmigrate/region"
	"github.com/relmigrate/relmigrate/scanner"
	"github.com/relmigrate/relmigrate/wire"
	"github.com/relmigrate/relmigrate/zlibpool"
)

// ErrWrongRole is returned when a lifecycle method is called on an Engine
// not configured for that role (source-only methods on a destination
// Engine or vice versa).
var ErrWrongRole = errors.New("engine: method not valid for this engine's role")

// Config bundles the feature flags and tunables Setup needs.
type Config struct {
	XBZRLEEnabled      bool
	XBZRLECacheBytes   int
	CompressionEnabled bool
	CompressionLevel   int
	CompressionThreads int
	MultifdEnabled     bool
	PostcopyEnabled    bool
	MaxWaitPerIterate  time.Duration
	PacingBytesPerSec  float64
	DefaultPageSize    int64
}

// Stats is the point-in-time snapshot exposed to the CLI `stats` command
// and the metrics package.
type Stats struct {
	DirtyPages       int64
	SyncCount        uint64
	Epoch            uint64
	Iterations       uint64
	BytesTransferred uint64
	DuplicatePages   uint64
	NormalPages      uint64
	PostcopyRequests uint64
	XBZRLECacheMiss  uint64
	XBZRLEOverflow   uint64
	PagesReceived    uint64
	BytesReceived    uint64
}

// Engine is the lifecycle controller for one migration session, acting
// as either the source (Sender != nil) or the destination
// (Receiver != nil) — never both.
type Engine struct {
	Registry  region.Registry
	Bitmap    *bitmap.Manager
	Cache     *pagecache.Cache
	Compress  *zlibpool.Pool
	Observers *observer.Registry
	Log       *zap.SugaredLogger

	Sender   *scanner.Sender
	Receiver *receiver.Receiver

	round atomic.Int64
}

// NewSource builds a source-side Engine: it writes the initial handshake,
// initializes the bitmap manager, and constructs a Sender wired to cfg's
// feature set.
func NewSource(t wire.Transport, reg region.Registry, cfg Config, log *zap.SugaredLogger) (*Engine, error) {
	e := &Engine{
		Registry:  reg,
		Bitmap:    bitmap.New(),
		Observers: observer.NewRegistry(),
		Log:       log,
	}

	regions := reg.Snapshot()
	e.Bitmap.InitMaps(regions)

	var totalBytes int64

	records := make([]wire.RegionRecord, 0, len(regions))

	for _, r := range regions {
		if !r.Migratable {
			continue
		}

		totalBytes += r.UsedLength

		rec := wire.RegionRecord{ID: r.ID, UsedLength: r.UsedLength}
		if cfg.PostcopyEnabled {
			rec.PageSize = r.PageSize
			rec.PageSizePresent = true
		}

		records = append(records, rec)
	}

	if err := wire.WriteHandshake(t, totalBytes, records); err != nil {
		return nil, err
	}

	scfg := scanner.Config{
		XBZRLEEnabled:      cfg.XBZRLEEnabled,
		CompressionEnabled: cfg.CompressionEnabled,
		MultifdEnabled:     cfg.MultifdEnabled,
		PostcopyEnabled:    cfg.PostcopyEnabled,
		MaxWaitPerIterate:  cfg.MaxWaitPerIterate,
		PacingBytesPerSec:  cfg.PacingBytesPerSec,
	}

	e.Sender = scanner.NewSender(t, e.Bitmap, reg, scfg, log)

	if cfg.XBZRLEEnabled {
		cache, err := pagecache.New(cfg.XBZRLECacheBytes, region.TargetPageSize)
		if err != nil {
			return nil, err
		}

		e.Cache = cache
		e.Sender.Cache = cache
	}

	if cfg.CompressionEnabled {
		n := cfg.CompressionThreads
		if n < 1 {
			n = 1
		}

		e.Compress = zlibpool.New(n, cfg.CompressionLevel, e.Sender.CompressFlushFunc())
		e.Sender.Compress = e.Compress
	}

	return e, nil
}

// NewDestination builds a destination-side Engine: it reads the initial
// handshake into store, initializes the bitmap manager, and constructs a
// Receiver.
func NewDestination(t wire.Transport, store *region.Store, cfg Config, log *zap.SugaredLogger, hostFor func(id string, length int64) []byte) (*Engine, error) {
	e := &Engine{
		Registry:  store,
		Bitmap:    bitmap.New(),
		Observers: observer.NewRegistry(),
		Log:       log,
	}

	pageSize := cfg.DefaultPageSize
	if pageSize == 0 {
		pageSize = region.TargetPageSize
	}

	e.Receiver = receiver.New(t, store, e.Bitmap, nil, log)

	if _, err := e.Receiver.ReadHandshake(store, pageSize, cfg.PostcopyEnabled, hostFor); err != nil {
		return nil, err
	}

	if cfg.CompressionEnabled {
		n := cfg.CompressionThreads
		if n < 1 {
			n = 1
		}

		e.Compress = receiver.NewDecompressPool(n, store)
		e.Receiver.Decompress = e.Compress
	}

	return e, nil
}

// Load runs the destination-side precopy decode loop until EOS, driven by the lifecycle controller the same way
// Iterate drives the source side.
func (e *Engine) Load() (int, error) {
	if e.Receiver == nil {
		return 0, ErrWrongRole
	}

	return e.Receiver.Load()
}

// LoadPostcopy runs the destination-side post-copy fault-driven decode
// loop, installing whole host pages
// atomically via placePage/placeZero (nil selects the direct-copy
// default).
func (e *Engine) LoadPostcopy(placePage receiver.PlacePageFunc, placeZero receiver.PlacePageZeroFunc) (int, error) {
	if e.Receiver == nil {
		return 0, ErrWrongRole
	}

	return e.Receiver.LoadPostcopy(placePage, placeZero)
}

// Setup is a no-op kept so the lifecycle has a named setup phase:
// NewSource/NewDestination already perform setup's work
// (handshake + bitmap init) since Go constructors, unlike the source's
// two-phase alloc-then-init idiom, can fail and return an error directly.
func (e *Engine) Setup() error { return nil }

// Iterate runs one precopy round: a bitmap sync followed by one
// best-effort scanner pass, notifying PreCopyRoundObservers with the
// round number and remaining dirty-page count.
func (e *Engine) Iterate() (pagesWritten int, err error) {
	if e.Sender == nil {
		return 0, ErrWrongRole
	}

	if _, err := e.Bitmap.Sync(e.Registry); err != nil {
		return 0, err
	}

	wasBulk := e.Sender.BulkStage()

	n, err := e.Sender.FindAndSaveBlock(false)
	if err != nil {
		return n, err
	}

	round := e.round.Add(1)
	e.Observers.NotifyPreCopyRound(int(round), e.Bitmap.DirtyPages())

	if wasBulk && !e.Sender.BulkStage() {
		e.Observers.NotifyBulkStageDone()
	}

	if e.Log != nil {
		e.Log.Debugw("precopy round complete", "round", round, "pages_written", n, "dirty_pages", e.Bitmap.DirtyPages())
	}

	return n, nil
}

// Complete performs a final bitmap sync, then drains every remaining
// dirty page with no rate limiting, then writes the EOS marker.
func (e *Engine) Complete() error {
	if e.Sender == nil {
		return ErrWrongRole
	}

	if _, err := e.Bitmap.Sync(e.Registry); err != nil {
		return err
	}

	for {
		n, err := e.Sender.FindAndSaveBlock(true)
		if err != nil {
			return err
		}

		if n == 0 {
			break
		}
	}

	if e.Sender.Compress != nil {
		if err := e.Sender.Compress.FlushAll(); err != nil {
			return err
		}
	}

	bytes := e.Sender.BytesTransferred.Load()
	e.Observers.NotifyMigrationComplete(bytes)

	return wire.WriteEOS(e.Sender.Transport)
}

// postcopyThresholdPages is the named, non-configurable dirty-page
// threshold below which round-robin scanning alone is expected to
// converge.
const postcopyThresholdPages = 64

// Pending reports the current migration_dirty_pages estimate and whether
// the remaining size is small enough to justify switching to post-copy.
func (e *Engine) Pending() (dirtyPages int64, canPostcopy bool) {
	d := e.Bitmap.DirtyPages()

	return d, d > 0 && d <= postcopyThresholdPages
}

// PostcopySendDiscard canonicalizes unsent/dirty bitmaps at host-page
// granularity, tells the memory subsystem to discard every host page it
// had to force dirty, then notifies PostCopyStartObservers.
func (e *Engine) PostcopySendDiscard() error {
	e.Bitmap.OrDirtyIntoUnsent()

	regions := e.Registry.Snapshot()
	discards := e.Bitmap.ChunkHostPages(regions)

	var errs error

	for id, bases := range discards {
		r, err := e.Registry.Lookup(id)
		if err != nil {
			errs = multierr.Append(errs, err)

			continue
		}

		for _, base := range bases {
			offset := base * region.TargetPageSize
			if err := e.Registry.DiscardRange(id, offset, r.PageSize); err != nil {
				errs = multierr.Append(errs, err)
			}
		}
	}

	if errs != nil {
		return errs
	}

	e.Observers.NotifyPostCopyStart()

	return nil
}

// ResumePrepare reconciles the dirty bitmap against the peer's received
// map after a migration resume: bits
// are installed via SetReceivedMap by the caller (who owns the wire
// exchange of the received-map payload, see RequestReceivedMap), then
// dirty[] is replaced with its inverse.
func (e *Engine) ResumePrepare(id string, receivedBits []uint64) error {
	if err := e.Bitmap.SetReceivedMap(id, receivedBits); err != nil {
		return err
	}

	e.Bitmap.ReplaceDirtyWithInverseReceived()

	return nil
}

// RequestReceivedMap performs the source side of the resume-prepare wire
// exchange: it asks the peer for region id's
// received bitmap and returns the reply's words for ResumePrepare to
// install.
func (e *Engine) RequestReceivedMap(id string) ([]uint64, error) {
	if e.Sender == nil {
		return nil, ErrWrongRole
	}

	if err := wire.WriteReceivedMapRequest(e.Sender.Transport, id); err != nil {
		return nil, &TransportError{Err: err}
	}

	gotID, bits, err := wire.ReadReceivedMapReply(e.Sender.Transport)
	if err != nil {
		return nil, &TransportError{Err: err}
	}

	if gotID != id {
		return nil, &ProtocolError{Err: fmt.Errorf("received-map reply for %q, want %q", gotID, id)}
	}

	return bits, nil
}

// Cleanup releases the compression/decompression worker pool (if any)
// and notifies VMShutdownObservers, aggregating every error encountered
// with multierr rather than stopping at the first.
func (e *Engine) Cleanup() error {
	var errs error

	if e.Compress != nil {
		if err := e.Compress.Close(); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	e.Observers.NotifyVMShutdown()

	if e.Log != nil {
		if err := e.Log.Sync(); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	return errs
}

// Stats builds a point-in-time Stats snapshot.
func (e *Engine) Stats() Stats {
	s := Stats{
		DirtyPages: e.Bitmap.DirtyPages(),
		SyncCount:  e.Bitmap.SyncCount(),
		Epoch:      e.Bitmap.Epoch(),
	}

	if e.Sender != nil {
		s.Iterations = uint64(e.round.Load())
		s.BytesTransferred = e.Sender.BytesTransferred.Load()
		s.DuplicatePages = e.Sender.DuplicatePages.Load()
		s.NormalPages = e.Sender.NormalPages.Load()
		s.PostcopyRequests = e.Sender.PostcopyRequests.Load()

		if e.Cache != nil {
			s.XBZRLECacheMiss = e.Cache.Misses()
			s.XBZRLEOverflow = e.Cache.Overflows()
		}
	}

	if e.Receiver != nil {
		s.PagesReceived = e.Receiver.PagesReceived.Load()
		s.BytesReceived = e.Receiver.BytesReceived.Load()
	}

	return s
}

// ResizeCache implements migrate_set_cache_size: it resizes the
// XBZRLE delta cache, rejecting a request that would exceed the engine's
// total addressable memory. A request for the cache's current size is a
// silently-rejected no-op, per pagecache.Cache.Resize.
func (e *Engine) ResizeCache(newCapacityBytes int) error {
	if e.Cache == nil {
		return &ResourceExhaustedError{Err: errors.New("engine: XBZRLE cache not enabled")}
	}

	var total int64

	for _, r := range e.Registry.Snapshot() {
		total += r.UsedLength
	}

	if int64(newCapacityBytes) > total {
		return &ResourceExhaustedError{
			Err: fmt.Errorf("cache size %d exceeds addressable range %d", newCapacityBytes, total),
		}
	}

	if err := e.Cache.Resize(newCapacityBytes); err != nil {
		return &ResourceExhaustedError{Err: err}
	}

	return nil
}
