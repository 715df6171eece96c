package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
)

// ErrRateLimited is stored as the transport's sticky error by tests that
// want to simulate a transport-level rate-limit condition distinct from
// RateLimitExceeded's advisory flag.
var ErrRateLimited = errors.New("wire: rate limit exceeded")

// MemTransport is a minimal in-memory Transport over a bytes.Buffer, used
// by tests and the CLI's offline `inspect` path. PutBytesAsync copies
// immediately (acceptable per the "hint" contract: the sink may copy now
// or later).
type MemTransport struct {
	buf        bytes.Buffer
	err        error
	rateLimit  bool
	bytesLimit int64 // optional byte-rate cap per "tick"; 0 = unlimited
	written    int64
}

// NewMemTransport constructs an empty MemTransport.
func NewMemTransport() *MemTransport { return &MemTransport{} }

// NewMemTransportFrom wraps existing bytes as a read source.
func NewMemTransportFrom(b []byte) *MemTransport {
	t := &MemTransport{}
	t.buf.Write(b)

	return t
}

// Bytes returns the transport's current buffered content.
func (t *MemTransport) Bytes() []byte { return t.buf.Bytes() }

// SetRateLimitExceeded forces RateLimitExceeded() to report v, for tests
// exercising the pacing contract.
func (t *MemTransport) SetRateLimitExceeded(v bool) { t.rateLimit = v }

// SetError forces GetError() to report err.
func (t *MemTransport) SetError(err error) { t.err = err }

func (t *MemTransport) Write(p []byte) (int, error) {
	n, err := t.buf.Write(p)
	t.written += int64(n)

	return n, err
}

func (t *MemTransport) Read(p []byte) (int, error) { return t.buf.Read(p) }

func (t *MemTransport) PutByte(b byte) error {
	return t.buf.WriteByte(b)
}

func (t *MemTransport) PutBE16(v uint16) error {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	_, err := t.buf.Write(b[:])

	return err
}

func (t *MemTransport) PutBE32(v uint32) error {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	_, err := t.buf.Write(b[:])

	return err
}

func (t *MemTransport) PutBE64(v uint64) error {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	_, err := t.buf.Write(b[:])

	return err
}

func (t *MemTransport) PutBytes(b []byte) error {
	_, err := t.buf.Write(b)

	return err
}

func (t *MemTransport) PutBytesAsync(b []byte) error {
	return t.PutBytes(b)
}

func (t *MemTransport) GetByte() (byte, error) {
	return t.buf.ReadByte()
}

func (t *MemTransport) GetBE16() (uint16, error) {
	var b [2]byte
	if _, err := io.ReadFull(&t.buf, b[:]); err != nil {
		return 0, err
	}

	return binary.BigEndian.Uint16(b[:]), nil
}

func (t *MemTransport) GetBE32() (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(&t.buf, b[:]); err != nil {
		return 0, err
	}

	return binary.BigEndian.Uint32(b[:]), nil
}

func (t *MemTransport) GetBE64() (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(&t.buf, b[:]); err != nil {
		return 0, err
	}

	return binary.BigEndian.Uint64(b[:]), nil
}

func (t *MemTransport) GetBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(&t.buf, b); err != nil {
		return nil, err
	}

	return b, nil
}

func (t *MemTransport) GetBytesInPlace(n int) ([]byte, error) {
	return t.GetBytes(n)
}

func (t *MemTransport) RateLimitExceeded() bool { return t.rateLimit }

func (t *MemTransport) GetError() error { return t.err }

func (t *MemTransport) Flush() error { return nil }

var _ Transport = (*MemTransport)(nil)
