package zlibpool_test

import (
	"bytes"
	"sync"
	"testing"

	"github.com/klauspost/compress/zlib"

	"github.com/relmigrate/relmigrate/zlibpool"
)

func TestCompressPageFlushAllOrdering(t *testing.T) {
	t.Parallel()

	var (
		mu     sync.Mutex
		frames []zlibpool.Frame
	)

	p := zlibpool.New(2, zlib.DefaultCompression, func(f zlibpool.Frame) error {
		mu.Lock()
		frames = append(frames, f)
		mu.Unlock()

		return nil
	})
	defer p.Close()

	jobs := []zlibpool.Job{
		{Region: "pc.ram", Offset: 0, Data: bytes.Repeat([]byte{0x01}, 4096)},
		{Region: "pc.ram", Offset: 4096, Data: bytes.Repeat([]byte{0x02}, 4096)},
		{Region: "pc.ram", Offset: 8192, Data: bytes.Repeat([]byte{0x03}, 4096)},
	}

	for _, j := range jobs {
		if err := p.CompressPage(j); err != nil {
			t.Fatalf("CompressPage() error: %v", err)
		}
	}

	if err := p.FlushAll(); err != nil {
		t.Fatalf("FlushAll() error: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()

	if len(frames) != len(jobs) {
		t.Fatalf("got %d frames, want %d", len(frames), len(jobs))
	}

	seen := make(map[int64]bool)
	for _, f := range frames {
		seen[f.Job.Offset] = true

		if len(f.Compressed) == 0 {
			t.Errorf("frame for offset %#x has no compressed payload", f.Job.Offset)
		}
	}

	for _, j := range jobs {
		if !seen[j.Offset] {
			t.Errorf("missing frame for offset %#x", j.Offset)
		}
	}
}

func TestDecompressRoundTrip(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	zw := zlib.NewWriter(&buf)
	original := bytes.Repeat([]byte{0xAB}, 4096)
	zw.Write(original)
	zw.Close()

	var (
		mu  sync.Mutex
		got []byte
	)

	p := zlibpool.NewDecompress(1, func(f zlibpool.Frame) error {
		mu.Lock()
		got = f.Job.Data
		mu.Unlock()

		return nil
	})
	defer p.Close()

	if err := p.DecompressPage(zlibpool.Job{Region: "pc.ram", Offset: 0, Data: buf.Bytes()}); err != nil {
		t.Fatalf("DecompressPage() error: %v", err)
	}

	p.WaitForDecompressDone()

	mu.Lock()
	defer mu.Unlock()

	if !bytes.Equal(got, original) {
		t.Fatalf("decompressed mismatch: got %d bytes, want %d", len(got), len(original))
	}
}

func TestClosePreventsFurtherUse(t *testing.T) {
	t.Parallel()

	p := zlibpool.New(1, zlib.DefaultCompression, func(zlibpool.Frame) error { return nil })

	if err := p.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
}
