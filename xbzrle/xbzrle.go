// Package xbzrle implements the run-length XOR delta encoder/decoder: a
// byte-level diff between a previous page snapshot and the current
// page, used to shrink the wire payload when only a few bytes of a page
// changed.
//
// Wire layout: a sequence of
//
//	uvarint(skipLen) uvarint(copyLen) copyLen-bytes-of-new-data
//
// records, alternating unchanged-run and changed-run lengths, stopping
// once skipLen+copyLen account for the full page. A final bare
// uvarint(skipLen) with no following copyLen is emitted when the page
// ends on an unchanged run.
package xbzrle

import (
	"encoding/binary"
	"errors"
)

// Overflow is returned by Encode (as a sentinel length, not an error) to
// signal the encoded form would exceed the caller's buffer; see Encode's
// doc comment. It is exported so callers can compare by value without a
// magic number.
const Overflow = -1

// Identical is returned by Encode when prev and current are bit-for-bit
// equal (nothing to transmit).
const Identical = 0

var (
	// ErrCorrupt is returned by Decode when src is not a well-formed
	// encoding.
	ErrCorrupt = errors.New("xbzrle: corrupt encoded buffer")

	errSizeMismatch = errors.New("xbzrle: prev/current size mismatch")
)

// Encode computes the run-length XOR of current against prev (both of
// length size) into out, returning:
//
//	0   prev and current are bit-identical — do not transmit
//	-1  (Overflow) the encoded form would exceed len(out) — caller must
//	    fall back to raw or compressed
//	n>0 the encoded length in bytes
func Encode(prev, current []byte, size int, out []byte) int {
	if len(prev) != size || len(current) != size {
		return Overflow
	}

	if bytesEqual(prev, current) {
		return Identical
	}

	d := 0
	i := 0

	for i < size {
		// Unchanged run.
		skipStart := i
		for i < size && prev[i] == current[i] {
			i++
		}

		skipLen := i - skipStart

		n, ok := putUvarintChecked(out, d, uint64(skipLen))
		if !ok {
			return Overflow
		}

		d = n

		if i == size {
			// Page ends on an unchanged run: no trailing copy record.
			return d
		}

		// Changed run.
		copyStart := i
		for i < size && prev[i] != current[i] {
			i++
		}

		copyLen := i - copyStart

		n, ok = putUvarintChecked(out, d, uint64(copyLen))
		if !ok {
			return Overflow
		}

		d = n

		if d+copyLen > len(out) {
			return Overflow
		}

		copy(out[d:], current[copyStart:copyStart+copyLen])
		d += copyLen
	}

	return d
}

// putUvarintChecked appends the uvarint encoding of v to buf at offset d,
// returning the new offset and false if it would overflow buf.
func putUvarintChecked(buf []byte, d int, v uint64) (int, bool) {
	var tmp [binary.MaxVarintLen64]byte

	n := binary.PutUvarint(tmp[:], v)
	if d+n > len(buf) {
		return d, false
	}

	copy(buf[d:], tmp[:n])

	return d + n, true
}

// Decode reconstructs dst (length dstLen) from an Encode-produced src.
// dst must already hold a copy of prev (the cached snapshot); Decode only
// overwrites the changed runs it reads from src, leaving the skipped runs
// untouched, mirroring how Encode only emitted the runs that differed.
func Decode(src []byte, dst []byte, dstLen int) error {
	if len(dst) != dstLen {
		return errSizeMismatch
	}

	i := 0
	si := 0

	for i < dstLen {
		skipLen, n := binary.Uvarint(src[si:])
		if n <= 0 {
			return ErrCorrupt
		}

		si += n
		i += int(skipLen)

		if i > dstLen {
			return ErrCorrupt
		}

		if i == dstLen {
			if si != len(src) {
				return ErrCorrupt
			}

			return nil
		}

		copyLen, n := binary.Uvarint(src[si:])
		if n <= 0 {
			return ErrCorrupt
		}

		si += n

		if int(copyLen) < 0 || i+int(copyLen) > dstLen || si+int(copyLen) > len(src) {
			return ErrCorrupt
		}

		copy(dst[i:i+int(copyLen)], src[si:si+int(copyLen)])
		si += int(copyLen)
		i += int(copyLen)
	}

	if si != len(src) {
		return ErrCorrupt
	}

	return nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}

	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}

	return true
}
