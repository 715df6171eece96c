// Package wire implements the on-the-wire binary framing and
// names the Transport contract the engine consumes: a byte
// sink/source that supports rate limits and error flags. Configuration
// parsing, the actual socket, and the memory-region registry are named
// collaborators, not implemented here.
package wire

import (
	"encoding/binary"
	"errors"
	"io"
)

// Flag is one bit (or group of bits) of a frame's flag word.
type Flag uint64

const (
	// FlagZero marks a zero-fill page; followed by one byte fill value
	// (always 0 from the sender).
	FlagZero Flag = 0x02
	// FlagMemSize marks the MEM_SIZE handshake frame: total RAM bytes
	// follow, initiating the region-list handshake.
	FlagMemSize Flag = 0x04
	// FlagPage marks a raw TARGET_PAGE_SIZE payload.
	FlagPage Flag = 0x08
	// FlagEOS marks an end-of-stream / phase marker; no payload.
	FlagEOS Flag = 0x10
	// FlagContinue marks a frame using the same region as the previous
	// frame (no id follows).
	FlagContinue Flag = 0x20
	// FlagXBZRLE marks a delta-encoded payload: 1 tag byte + 2-byte
	// big-endian length + payload.
	FlagXBZRLE Flag = 0x40
	// FlagCompressPage marks a zlib-deflated payload.
	FlagCompressPage Flag = 0x100
	// FlagPageRequest marks a postcopy urgent-request frame sent from the
	// destination back to the source: offset names the request's start
	// and it is followed by an 8-byte big-endian length.
	FlagPageRequest Flag = 0x200
	// FlagReceivedMapRequest marks a resume-prepare request, sent from
	// the source to the destination, for the peer's received-bitmap of
	// one region.
	FlagReceivedMapRequest Flag = 0x01
	// FlagReceivedMapReply marks the destination's reply carrying the
	// requested region's received bitmap, word-encoded the same way as
	// the in-process bitmap.Manager stores it.
	FlagReceivedMapReply Flag = 0x80

	// EncodingXBZRLE is the tag byte that follows FlagXBZRLE's frame
	// word, preceding the 16-bit length.
	EncodingXBZRLE byte = 0xA5

	// flagMask isolates the flag bits from the page-aligned offset in a
	// frame word; the low bits of offset_in_region are always zero
	// because it is target-page aligned.
	flagMask uint64 = 0x3FF

	// Version is the only wire protocol version this module speaks.
	Version = 4
)

var (
	// ErrUnknownFlags is a protocol error: an unrecognized flag
	// combination.
	ErrUnknownFlags = errors.New("wire: unknown flag combination")
	// ErrShortRead is returned by frame parsing on a truncated stream,
	// and by the frame writers when a region id is longer than 255 bytes.
	ErrShortRead = errors.New("wire: short read")
	// ErrBadVersion is returned when a stream declares a version other
	// than Version.
	ErrBadVersion = errors.New("wire: unsupported protocol version")
	// ErrEmptyRegionID is returned by WriteRegionRecord: the handshake's
	// record-list terminator detection relies on a zero id-length byte
	// being unambiguous with the EOS word, which requires every region id
	// to be non-empty.
	ErrEmptyRegionID = errors.New("wire: region id must not be empty")
)

// Frame is a parsed 64-bit frame word split into its flag bits and
// target-page-aligned offset.
type Frame struct {
	Offset int64
	Flags  Flag
}

// EncodeWord packs offset (which must already be target-page aligned)
// and flags into the 64-bit wire word.
func EncodeWord(offset int64, flags Flag) uint64 {
	return uint64(offset) | uint64(flags)
}

// DecodeWord splits a 64-bit wire word into its aligned offset and flag
// bits.
func DecodeWord(word uint64) Frame {
	return Frame{
		Offset: int64(word &^ flagMask),
		Flags:  Flag(word & flagMask),
	}
}

// Has reports whether f has every bit of want set.
func (f Flag) Has(want Flag) bool { return f&want == want }

// DataFlags is the set of flags that carry a data payload
// (ZERO/PAGE/COMPRESS/XBZRLE).
const DataFlags = FlagZero | FlagPage | FlagXBZRLE | FlagCompressPage

// RegionRecord is one entry of the MEM_SIZE handshake's region list.
type RegionRecord struct {
	ID         string
	UsedLength int64
	// PageSize is only present (PageSizePresent) when the session
	// negotiated post-copy. The wire format has no per-record marker for
	// this, so presence is a session-wide decision communicated
	// out-of-band (both ends already know whether post-copy was
	// negotiated) rather than an independent per-region choice based on
	// comparing against the host's default page size.
	PageSize        int64
	PageSizePresent bool
}

// Transport is the byte-oriented sink/source the engine consumes. Implementations may be a TCP connection, a file, or (as here) an
// in-memory buffer; rate limiting and error flags are advisory hints the
// engine checks but does not enforce.
type Transport interface {
	io.Writer
	io.Reader

	PutByte(b byte) error
	PutBE16(v uint16) error
	PutBE32(v uint32) error
	PutBE64(v uint64) error
	PutBytes(b []byte) error
	// PutBytesAsync is a hint that the sink may copy immediately or
	// later; the caller must not reuse b until a subsequent Flush.
	PutBytesAsync(b []byte) error

	GetByte() (byte, error)
	GetBE16() (uint16, error)
	GetBE32() (uint32, error)
	GetBE64() (uint64, error)
	GetBytes(n int) ([]byte, error)
	// GetBytesInPlace returns a slice of the transport's internal
	// buffer rather than a copy, valid until the next Get call.
	GetBytesInPlace(n int) ([]byte, error)

	RateLimitExceeded() bool
	GetError() error
	Flush() error
}

// WriteFrameHeader writes the frame word, and — when flags does not
// include FlagContinue — the one-byte region-id length followed by the
// id bytes.
func WriteFrameHeader(t Transport, offset int64, flags Flag, regionID string) error {
	if err := t.PutBE64(EncodeWord(offset, flags)); err != nil {
		return err
	}

	if flags.Has(FlagContinue) {
		return nil
	}

	if len(regionID) > 255 {
		return ErrShortRead
	}

	if err := t.PutByte(byte(len(regionID))); err != nil {
		return err
	}

	return t.PutBytes([]byte(regionID))
}

// ReadRegionID reads the one-byte length-prefixed region id following a
// non-CONTINUE frame header.
func ReadRegionID(t Transport) (string, error) {
	n, err := t.GetByte()
	if err != nil {
		return "", err
	}

	b, err := t.GetBytes(int(n))
	if err != nil {
		return "", err
	}

	return string(b), nil
}

// WriteMemSize writes the MEM_SIZE handshake frame carrying totalBytes.
func WriteMemSize(t Transport, totalBytes int64) error {
	return t.PutBE64(EncodeWord(totalBytes, FlagMemSize))
}

// WriteHandshake writes the complete initial handshake: the MEM_SIZE
// frame, each region's record in order, then a terminating EOS frame. No
// region count is transmitted; ReadHandshake recognizes the end of the
// record list by recognizing the EOS word where the next record's
// id-length byte would otherwise be.
func WriteHandshake(t Transport, totalBytes int64, records []RegionRecord) error {
	if err := WriteMemSize(t, totalBytes); err != nil {
		return err
	}

	for _, rec := range records {
		if err := WriteRegionRecord(t, rec); err != nil {
			return err
		}
	}

	return WriteEOS(t)
}

// ReadHandshake reads a handshake written by WriteHandshake. postcopyAdvised
// must match the value the writer negotiated (Config.PostcopyEnabled on
// both ends): it decides, uniformly for every record, whether a page_size
// field follows used_length — see RegionRecord's doc comment for why this
// is a session-wide decision rather than a per-record one.
func ReadHandshake(t Transport, postcopyAdvised bool) (totalBytes int64, records []RegionRecord, err error) {
	word, err := t.GetBE64()
	if err != nil {
		return 0, nil, err
	}

	f := DecodeWord(word)
	if !f.Flags.Has(FlagMemSize) {
		return 0, nil, ErrUnknownFlags
	}

	totalBytes = f.Offset

	for {
		idLen, err := t.GetByte()
		if err != nil {
			return 0, nil, err
		}

		if idLen == 0 {
			// A real region id is never empty, so a leading zero byte here
			// can only be the first (always-zero, since FlagEOS fits in the
			// word's low byte and the EOS offset is 0) byte of the
			// terminating EOS word.
			rest, err := t.GetBytes(7)
			if err != nil {
				return 0, nil, err
			}

			eosWord := binary.BigEndian.Uint64(append([]byte{0}, rest...))
			if !DecodeWord(eosWord).Flags.Has(FlagEOS) {
				return 0, nil, ErrUnknownFlags
			}

			return totalBytes, records, nil
		}

		rec, err := ReadRegionRecord(t, idLen, postcopyAdvised)
		if err != nil {
			return 0, nil, err
		}

		records = append(records, rec)
	}
}

// WriteRegionRecord writes one region record of the MEM_SIZE handshake:
// id-length, id, used_length, and (when rec.PageSizePresent) page_size.
// There is no on-wire presence marker; the reader infers presence from
// the postcopyAdvised flag it was given, which both ends negotiate before
// the handshake is written.
func WriteRegionRecord(t Transport, rec RegionRecord) error {
	if len(rec.ID) == 0 {
		return ErrEmptyRegionID
	}

	if len(rec.ID) > 255 {
		return ErrShortRead
	}

	if err := t.PutByte(byte(len(rec.ID))); err != nil {
		return err
	}

	if err := t.PutBytes([]byte(rec.ID)); err != nil {
		return err
	}

	if err := t.PutBE64(uint64(rec.UsedLength)); err != nil {
		return err
	}

	if rec.PageSizePresent {
		return t.PutBE64(uint64(rec.PageSize))
	}

	return nil
}

// ReadRegionRecord reads one region record written by WriteRegionRecord,
// given its already-consumed id-length byte and whether this session
// carries a page_size field on every record.
func ReadRegionRecord(t Transport, idLen byte, pageSizePresent bool) (RegionRecord, error) {
	idBytes, err := t.GetBytes(int(idLen))
	if err != nil {
		return RegionRecord{}, err
	}

	usedLength, err := t.GetBE64()
	if err != nil {
		return RegionRecord{}, err
	}

	rec := RegionRecord{ID: string(idBytes), UsedLength: int64(usedLength), PageSizePresent: pageSizePresent}

	if pageSizePresent {
		pageSize, err := t.GetBE64()
		if err != nil {
			return RegionRecord{}, err
		}

		rec.PageSize = int64(pageSize)
	}

	return rec, nil
}

// WriteEOS writes the end-of-stream / phase marker frame.
func WriteEOS(t Transport) error {
	return t.PutBE64(EncodeWord(0, FlagEOS))
}

// WritePageRequest writes a postcopy urgent-request frame: offset must be
// target-page aligned, followed by an 8-byte length and the requesting
// region's id.
func WritePageRequest(t Transport, regionID string, offset, length int64) error {
	if err := t.PutBE64(EncodeWord(offset, FlagPageRequest)); err != nil {
		return err
	}

	if err := t.PutBE64(uint64(length)); err != nil {
		return err
	}

	if len(regionID) > 255 {
		return ErrShortRead
	}

	if err := t.PutByte(byte(len(regionID))); err != nil {
		return err
	}

	return t.PutBytes([]byte(regionID))
}

// ReadPageRequest reads the length and region id following a
// FlagPageRequest frame word (the caller has already read and decoded the
// word itself to learn the offset).
func ReadPageRequest(t Transport) (length int64, regionID string, err error) {
	l, err := t.GetBE64()
	if err != nil {
		return 0, "", err
	}

	id, err := ReadRegionID(t)
	if err != nil {
		return 0, "", err
	}

	return int64(l), id, nil
}

// WriteReceivedMapRequest asks the peer for region id's received bitmap.
func WriteReceivedMapRequest(t Transport, regionID string) error {
	if err := t.PutBE64(EncodeWord(0, FlagReceivedMapRequest)); err != nil {
		return err
	}

	if len(regionID) > 255 {
		return ErrShortRead
	}

	if err := t.PutByte(byte(len(regionID))); err != nil {
		return err
	}

	return t.PutBytes([]byte(regionID))
}

// ReadReceivedMapRequest reads the region id following a
// FlagReceivedMapRequest frame word.
func ReadReceivedMapRequest(t Transport) (regionID string, err error) {
	return ReadRegionID(t)
}

// WriteReceivedMapReply writes the region id followed by bits's word
// count and the words themselves, answering a ReceivedMapRequest.
func WriteReceivedMapReply(t Transport, regionID string, bits []uint64) error {
	if err := t.PutBE64(EncodeWord(0, FlagReceivedMapReply)); err != nil {
		return err
	}

	if len(regionID) > 255 {
		return ErrShortRead
	}

	if err := t.PutByte(byte(len(regionID))); err != nil {
		return err
	}

	if err := t.PutBytes([]byte(regionID)); err != nil {
		return err
	}

	if err := t.PutBE32(uint32(len(bits))); err != nil {
		return err
	}

	for _, w := range bits {
		if err := t.PutBE64(w); err != nil {
			return err
		}
	}

	return nil
}

// ReadReceivedMapReply reads a reply written by WriteReceivedMapReply.
func ReadReceivedMapReply(t Transport) (regionID string, bits []uint64, err error) {
	regionID, err = ReadRegionID(t)
	if err != nil {
		return "", nil, err
	}

	n, err := t.GetBE32()
	if err != nil {
		return "", nil, err
	}

	bits = make([]uint64, n)

	for i := range bits {
		bits[i], err = t.GetBE64()
		if err != nil {
			return "", nil, err
		}
	}

	return regionID, bits, nil
}

// binaryBigEndian re-exported for callers that need raw framing without a
// Transport (e.g. tests constructing byte streams by hand).
var binaryBigEndian = binary.BigEndian

// PutBE64 is a convenience for tests building raw frames directly on a
// []byte buffer, without a Transport.
func PutBE64(b []byte, v uint64) { binaryBigEndian.PutUint64(b, v) }

// GetBE64 is the reading counterpart of PutBE64.
func GetBE64(b []byte) uint64 { return binaryBigEndian.Uint64(b) }
