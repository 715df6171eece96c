// Package receiver implements the destination-side decode loop: precopy load, post-copy fault-driven load, and the
// decompression worker pool's application of decoded pages onto host
// memory.
package receiver

import (
	"bytes"
	"errors"
	"io"

	"github.com/klauspost/compress/zlib"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/relmigrate/relmigrate/bitmap"
	"github.com/relmigrate/relmigrate/observer"
	"github.com/relmigrate/relmigrate/region"
	"github.com/relmigrate/relmigrate/wire"
	"github.com/relmigrate/relmigrate/xbzrle"
	"github.com/relmigrate/relmigrate/zlibpool"
)

// ErrUnexpectedRequestFrame is returned by Load when it encounters a
// FlagPageRequest frame: the main data stream is sender-to-destination
// only, and requests must travel the reverse direction on the same
// transport via Receiver.RequestPage.
var ErrUnexpectedRequestFrame = errors.New("receiver: unexpected page-request frame in data stream")

// Receiver is the destination-side decode state, mirroring scanner.Sender
// on the source.
type Receiver struct {
	Transport  wire.Transport
	Registry   region.Registry
	Bitmap     *bitmap.Manager
	Decompress *zlibpool.Pool // nil disables compression support
	Observers  *observer.Registry
	Log        *zap.SugaredLogger

	lastBlock string

	PagesReceived   atomic.Uint64
	ZeroPages       atomic.Uint64
	XBZRLEPages     atomic.Uint64
	CompressedPages atomic.Uint64
	BytesReceived   atomic.Uint64
}

// New constructs a Receiver. decompress may be nil if the migration
// disabled page compression.
func New(t wire.Transport, reg region.Registry, bm *bitmap.Manager, decompress *zlibpool.Pool, log *zap.SugaredLogger) *Receiver {
	return &Receiver{
		Transport:  t,
		Registry:   reg,
		Bitmap:     bm,
		Decompress: decompress,
		Log:        log,
	}
}

// NewDecompressPool builds the zlibpool used for decompression, wiring
// its apply callback to write decoded bytes straight onto host memory via
// reg.
func NewDecompressPool(n int, reg region.Registry) *zlibpool.Pool {
	return zlibpool.NewDecompress(n, func(f zlibpool.Frame) error {
		r, err := reg.Lookup(f.Job.Region)
		if err != nil {
			return err
		}

		copy(r.HostPointer(f.Job.Offset)[:region.TargetPageSize], f.Job.Data)

		return nil
	})
}

// ReadHandshake reads the initial MEM_SIZE + region-record handshake and
// registers every region with reg, then
// initializes the bitmap manager's received[] maps. postcopyAdvised must
// match the value the source negotiated (Config.PostcopyEnabled on both
// ends); see wire.ReadHandshake.
func (r *Receiver) ReadHandshake(store *region.Store, pageSizeDefault int64, postcopyAdvised bool, hostFor func(id string, maxLength int64) []byte) (int64, error) {
	totalBytes, records, err := wire.ReadHandshake(r.Transport, postcopyAdvised)
	if err != nil {
		return 0, err
	}

	for _, rec := range records {
		pageSize := pageSizeDefault
		if rec.PageSizePresent {
			pageSize = rec.PageSize
		}

		reg := &region.Region{
			ID:         rec.ID,
			Host:       hostFor(rec.ID, rec.UsedLength),
			UsedLength: rec.UsedLength,
			MaxLength:  rec.UsedLength,
			PageSize:   pageSize,
			Migratable: true,
		}

		if err := store.Register(reg); err != nil {
			return 0, err
		}
	}

	r.Bitmap.InitMaps(store.Snapshot())

	return totalBytes, nil
}

// Load runs the precopy decode loop, consuming frames until it reads an
// EOS marker. It returns the number of data pages
// applied.
func (r *Receiver) Load() (int, error) {
	applied := 0

	for {
		word, err := r.Transport.GetBE64()
		if err != nil {
			return applied, err
		}

		f := wire.DecodeWord(word)

		if f.Flags.Has(wire.FlagEOS) {
			return applied, nil
		}

		if f.Flags.Has(wire.FlagPageRequest) {
			return applied, ErrUnexpectedRequestFrame
		}

		if f.Flags.Has(wire.FlagMemSize) {
			continue
		}

		regionID := r.lastBlock

		if !f.Flags.Has(wire.FlagContinue) {
			regionID, err = wire.ReadRegionID(r.Transport)
			if err != nil {
				return applied, err
			}

			r.lastBlock = regionID
		}

		if err := r.applyFrame(regionID, f); err != nil {
			return applied, err
		}

		applied++
		r.PagesReceived.Add(1)

		if err := r.Bitmap.MarkReceived(regionID, f.Offset/region.TargetPageSize); err != nil {
			return applied, err
		}
	}
}

// applyFrame decodes one data frame's payload according to its flags and
// writes it onto host memory.
func (r *Receiver) applyFrame(regionID string, f wire.Frame) error {
	reg, err := r.Registry.Lookup(regionID)
	if err != nil {
		return err
	}

	dst := reg.HostPointer(f.Offset)[:region.TargetPageSize]

	switch {
	case f.Flags.Has(wire.FlagZero):
		fill, err := r.Transport.GetByte()
		if err != nil {
			return err
		}

		for i := range dst {
			dst[i] = fill
		}

		r.ZeroPages.Add(1)
		r.BytesReceived.Add(9)

		return nil

	case f.Flags.Has(wire.FlagPage):
		data, err := r.Transport.GetBytes(region.TargetPageSize)
		if err != nil {
			return err
		}

		copy(dst, data)
		r.BytesReceived.Add(uint64(8 + len(data)))

		return nil

	case f.Flags.Has(wire.FlagXBZRLE):
		tag, err := r.Transport.GetByte()
		if err != nil {
			return err
		}

		if tag != wire.EncodingXBZRLE {
			return xbzrle.ErrCorrupt
		}

		n, err := r.Transport.GetBE16()
		if err != nil {
			return err
		}

		payload, err := r.Transport.GetBytes(int(n))
		if err != nil {
			return err
		}

		if err := xbzrle.Decode(payload, dst, region.TargetPageSize); err != nil {
			return err
		}

		r.XBZRLEPages.Add(1)
		r.BytesReceived.Add(uint64(8 + 1 + 2 + len(payload)))

		return nil

	case f.Flags.Has(wire.FlagCompressPage):
		if r.Decompress == nil {
			return wire.ErrUnknownFlags
		}

		n, err := r.Transport.GetBE32()
		if err != nil {
			return err
		}

		payload, err := r.Transport.GetBytes(int(n))
		if err != nil {
			return err
		}

		r.CompressedPages.Add(1)
		r.BytesReceived.Add(uint64(4 + len(payload)))

		return r.Decompress.DecompressPage(zlibpool.Job{Region: regionID, Offset: f.Offset, Data: payload})

	default:
		return wire.ErrUnknownFlags
	}
}

// ErrNonSequentialTargetPage is returned by LoadPostcopy when a target
// page within a host page does not immediately follow the previous one:
// non-sequential shipment within a host page is a protocol violation.
var ErrNonSequentialTargetPage = errors.New("receiver: non-sequential target page within host page")

// hostPageAssembly tracks the in-progress accumulation of one host page's
// worth of target pages.
type hostPageAssembly struct {
	region   string
	hostBase int64
	buf      []byte
	allZero  bool
	lastOff  int64
}

// PlacePage installs data (one host-page's worth of bytes) at hostOffset
// of region id atomically. The default, set by LoadPostcopy when the field is nil,
// copies directly into the region's backing slice, which is this module's
// stand-in for a real mmap-level atomic placement syscall.
type PlacePageFunc func(reg *region.Region, hostOffset int64, data []byte) error

// PlacePageZeroFunc is PlacePageFunc's all-zero fast path.
type PlacePageZeroFunc func(reg *region.Region, hostOffset int64, length int64) error

// LoadPostcopy runs the post-copy fault-driven decode loop: frames are accumulated into a temporary host-page
// buffer and only installed once every target page within that host page
// has arrived, in order. placePage/placeZero default to a direct copy
// into the region's backing memory when nil.
func (r *Receiver) LoadPostcopy(placePage PlacePageFunc, placeZero PlacePageZeroFunc) (int, error) {
	if placePage == nil {
		placePage = func(reg *region.Region, hostOffset int64, data []byte) error {
			copy(reg.HostPointer(hostOffset)[:len(data)], data)

			return nil
		}
	}

	if placeZero == nil {
		placeZero = func(reg *region.Region, hostOffset int64, length int64) error {
			dst := reg.HostPointer(hostOffset)[:length]
			for i := range dst {
				dst[i] = 0
			}

			return nil
		}
	}

	applied := 0

	var asm hostPageAssembly

	for {
		word, err := r.Transport.GetBE64()
		if err != nil {
			return applied, err
		}

		f := wire.DecodeWord(word)

		if f.Flags.Has(wire.FlagEOS) {
			return applied, nil
		}

		if f.Flags.Has(wire.FlagPageRequest) {
			return applied, ErrUnexpectedRequestFrame
		}

		if f.Flags.Has(wire.FlagMemSize) {
			continue
		}

		regionID := r.lastBlock
		if !f.Flags.Has(wire.FlagContinue) {
			regionID, err = wire.ReadRegionID(r.Transport)
			if err != nil {
				return applied, err
			}

			r.lastBlock = regionID
		}

		reg, err := r.Registry.Lookup(regionID)
		if err != nil {
			return applied, err
		}

		hostBase := (f.Offset / reg.PageSize) * reg.PageSize
		isFirst := f.Offset == hostBase

		if isFirst {
			asm = hostPageAssembly{
				region:   regionID,
				hostBase: hostBase,
				buf:      make([]byte, reg.PageSize),
				allZero:  true,
			}
		} else if asm.region != regionID || asm.hostBase != hostBase || f.Offset != asm.lastOff+region.TargetPageSize {
			return applied, ErrNonSequentialTargetPage
		}

		asm.lastOff = f.Offset

		rel := f.Offset - hostBase
		dst := asm.buf[rel : rel+region.TargetPageSize]

		zero, err := r.decodePostcopyFrame(f, dst)
		if err != nil {
			return applied, err
		}

		if !zero {
			asm.allZero = false
		}

		applied++
		r.PagesReceived.Add(1)

		if err := r.Bitmap.MarkReceived(regionID, f.Offset/region.TargetPageSize); err != nil {
			return applied, err
		}

		if f.Offset+region.TargetPageSize-hostBase == reg.PageSize {
			if asm.allZero {
				if err := placeZero(reg, hostBase, reg.PageSize); err != nil {
					return applied, err
				}
			} else if err := placePage(reg, hostBase, asm.buf); err != nil {
				return applied, err
			}
		}
	}
}

// decodePostcopyFrame decodes one data frame's payload directly into dst
// (a window of the in-progress host-page buffer), reporting whether the
// payload was a zero fill. Unlike Load's applyFrame, compressed frames are
// decoded synchronously here rather than handed to the async worker pool,
// since the accumulated buffer must be complete before LoadPostcopy can
// place it.
func (r *Receiver) decodePostcopyFrame(f wire.Frame, dst []byte) (zero bool, err error) {
	switch {
	case f.Flags.Has(wire.FlagZero):
		fill, err := r.Transport.GetByte()
		if err != nil {
			return false, err
		}

		for i := range dst {
			dst[i] = fill
		}

		r.ZeroPages.Add(1)
		r.BytesReceived.Add(9)

		return fill == 0, nil

	case f.Flags.Has(wire.FlagPage):
		data, err := r.Transport.GetBytes(region.TargetPageSize)
		if err != nil {
			return false, err
		}

		copy(dst, data)
		r.BytesReceived.Add(uint64(8 + len(data)))

		return false, nil

	case f.Flags.Has(wire.FlagXBZRLE):
		tag, err := r.Transport.GetByte()
		if err != nil {
			return false, err
		}

		if tag != wire.EncodingXBZRLE {
			return false, xbzrle.ErrCorrupt
		}

		n, err := r.Transport.GetBE16()
		if err != nil {
			return false, err
		}

		payload, err := r.Transport.GetBytes(int(n))
		if err != nil {
			return false, err
		}

		if err := xbzrle.Decode(payload, dst, region.TargetPageSize); err != nil {
			return false, err
		}

		r.XBZRLEPages.Add(1)
		r.BytesReceived.Add(uint64(8 + 1 + 2 + len(payload)))

		return false, nil

	case f.Flags.Has(wire.FlagCompressPage):
		n, err := r.Transport.GetBE32()
		if err != nil {
			return false, err
		}

		payload, err := r.Transport.GetBytes(int(n))
		if err != nil {
			return false, err
		}

		if err := decompressInto(payload, dst); err != nil {
			return false, err
		}

		r.CompressedPages.Add(1)
		r.BytesReceived.Add(uint64(4 + len(payload)))

		return false, nil

	default:
		return false, wire.ErrUnknownFlags
	}
}

// decompressInto zlib-inflates payload into dst, which must already be
// sized to the decompressed length.
func decompressInto(payload []byte, dst []byte) error {
	zr, err := zlib.NewReader(bytes.NewReader(payload))
	if err != nil {
		return err
	}
	defer zr.Close()

	n, err := io.ReadFull(zr, dst)
	if err != nil && err != io.ErrUnexpectedEOF {
		return err
	}

	if n != len(dst) {
		return wire.ErrShortRead
	}

	return nil
}

// ServeReceivedMapRequest reads one resume-prepare received-map request
// and answers it with the region's current received bitmap.
func (r *Receiver) ServeReceivedMapRequest() error {
	id, err := wire.ReadReceivedMapRequest(r.Transport)
	if err != nil {
		return err
	}

	bits, err := r.Bitmap.ReceivedWords(id)
	if err != nil {
		return err
	}

	return wire.WriteReceivedMapReply(r.Transport, id, bits)
}

// RequestPage sends an urgent page-range request upstream: used by a post-copy page-fault
// handler to demand a specific page out of round-robin order.
func (r *Receiver) RequestPage(regionID string, offset, length int64) error {
	return wire.WritePageRequest(r.Transport, regionID, offset, length)
}

// WaitForDecompressDone blocks until every in-flight decompression job
// has been applied to host memory.
func (r *Receiver) WaitForDecompressDone() {
	if r.Decompress != nil {
		r.Decompress.WaitForDecompressDone()
	}
}
