// Package zlibpool implements the compression worker pool
// and its decompression-side mirror: a single-producer/
// multi-consumer rendezvous where N workers each own a private input
// buffer and output framing sink, synchronized with a per-worker
// condition variable plus one global "any worker done" condition
// variable.
package zlibpool

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"

	"github.com/klauspost/compress/zlib"
	"golang.org/x/sync/errgroup"
)

// ErrClosed is returned by CompressPage/DecompressPage after Close.
var ErrClosed = errors.New("zlibpool: pool closed")

// Job is one unit of compression work: a (region, offset) pair plus the
// page bytes already isolated from the guest.
type Job struct {
	Region string
	Offset int64
	Data   []byte
}

// Frame is one worker's emitted output: the header the caller should
// write ahead of the compressed bytes, plus the compressed payload
// itself.
type Frame struct {
	Job        Job
	Compressed []byte
}

// FlushFunc is invoked, in worker-index order, once per flush with every
// worker's accumulated frame; it is the caller's hook to write the frame
// header + payload into the transport.
type FlushFunc func(Frame) error

type worker struct {
	mu      sync.Mutex
	cond    *sync.Cond
	done    bool
	quit    bool
	job     Job
	pending bool // a job is assigned and not yet picked up by the worker goroutine
	out     bytes.Buffer
	frame   Frame
	level   int
}

// Pool is the compression worker pool. Decompress pools are built with
// the same type (see NewDecompress) but dispatch through
// DecompressPage/WaitForDecompressDone instead.
type Pool struct {
	workers []*worker

	globalMu   sync.Mutex
	globalCond *sync.Cond

	flush FlushFunc

	g      *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc

	decompress bool
	applyFn    func(Frame) error
}

// New starts n compression workers at the given zlib level, each ready
// to receive Job assignments via CompressPage. flush is invoked for every
// worker's output when Flush or FlushAll drains it.
func New(n int, level int, flush FlushFunc) *Pool {
	return newPool(n, level, flush, false, nil)
}

// NewDecompress starts n decompression workers. apply is invoked with
// each worker's decompressed Frame (Frame.Compressed holds the *input*
// compressed bytes up to the point DecompressPage was called; workers
// decompress into Frame via applyFn themselves — see DecompressPage).
func NewDecompress(n int, apply func(Frame) error) *Pool {
	return newPool(n, 0, nil, true, apply)
}

func newPool(n int, level int, flush FlushFunc, decompress bool, apply func(Frame) error) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)

	p := &Pool{
		globalCond: nil,
		flush:      flush,
		g:          g,
		ctx:        gctx,
		cancel:     cancel,
		decompress: decompress,
		applyFn:    apply,
	}
	p.globalCond = sync.NewCond(&p.globalMu)

	for i := 0; i < n; i++ {
		w := &worker{done: true, level: level}
		w.cond = sync.NewCond(&w.mu)
		p.workers = append(p.workers, w)

		p.g.Go(func() error {
			p.runWorker(w)

			return nil
		})
	}

	return p
}

// CompressPage assigns job to the first idle worker, flushing that
// worker's previously-emitted frame into the transport first. It blocks on the global condition
// variable until a worker is done.
func (p *Pool) CompressPage(job Job) error {
	p.globalMu.Lock()
	defer p.globalMu.Unlock()

	for {
		for _, w := range p.workers {
			w.mu.Lock()

			if w.done && !w.pending {
				// Flush this worker's previously-emitted frame (if any)
				// before handing it new work.
				if w.out.Len() > 0 || w.frame.Job.Region != "" {
					if err := p.emit(w); err != nil {
						w.mu.Unlock()

						return err
					}
				}

				w.done = false
				w.pending = true
				w.job = job
				w.cond.Signal()
				w.mu.Unlock()

				return nil
			}

			w.mu.Unlock()
		}

		select {
		case <-p.ctx.Done():
			return ErrClosed
		default:
		}

		p.globalCond.Wait()
	}
}

// emit must be called with w.mu held; it hands w's accumulated frame to
// flush and resets the worker's sink.
func (p *Pool) emit(w *worker) error {
	if w.out.Len() == 0 {
		return nil
	}

	f := Frame{Job: w.frame.Job, Compressed: append([]byte(nil), w.out.Bytes()...)}
	w.out.Reset()
	w.frame = Frame{}

	w.mu.Unlock()
	err := p.flush(f)
	w.mu.Lock()

	return err
}

// runWorker is the per-worker loop: wait for
// assignment, copy the page into the private input buffer, emit a header
// frame then deflate, set done, signal the global condition.
func (p *Pool) runWorker(w *worker) {
	for {
		w.mu.Lock()

		for !w.pending && !w.quit {
			w.cond.Wait()
		}

		if w.quit {
			w.mu.Unlock()

			return
		}

		job := w.job
		w.pending = false
		w.mu.Unlock()

		if p.decompress {
			p.runDecompressJob(w, job)
		} else {
			p.runCompressJob(w, job)
		}

		w.mu.Lock()
		w.done = true
		w.frame.Job = job
		w.cond.Broadcast() // wake FlushAll/WaitForDecompressDone waiting on this worker
		w.mu.Unlock()

		p.globalMu.Lock()
		p.globalCond.Signal()
		p.globalMu.Unlock()
	}
}

func (p *Pool) runCompressJob(w *worker, job Job) {
	input := make([]byte, len(job.Data))
	copy(input, job.Data)

	w.mu.Lock()
	zw, _ := zlib.NewWriterLevel(&w.out, w.level)
	w.mu.Unlock()

	_, _ = zw.Write(input)
	_ = zw.Close()
}

func (p *Pool) runDecompressJob(w *worker, job Job) {
	zr, err := zlib.NewReader(bytes.NewReader(job.Data))
	if err != nil {
		return
	}

	defer zr.Close()

	out, _ := io.ReadAll(zr)

	if p.applyFn != nil {
		_ = p.applyFn(Frame{Job: Job{Region: job.Region, Offset: job.Offset, Data: out}})
	}
}

// DecompressPage assigns a decompression job (destination host pointer
// identified by Region/Offset, compressed bytes in Data) to a free
// worker and returns immediately; the load thread continues without
// waiting.
func (p *Pool) DecompressPage(job Job) error {
	return p.CompressPage(job)
}

// FlushAll waits until every worker is done, then drains every worker's
// sink into the transport in worker-index order.
// At exit, no worker holds unemitted data.
func (p *Pool) FlushAll() error {
	for _, w := range p.workers {
		w.mu.Lock()
		for !w.done {
			w.cond.Wait()
		}
		w.mu.Unlock()
	}

	for _, w := range p.workers {
		w.mu.Lock()
		err := p.emit(w)
		w.mu.Unlock()

		if err != nil {
			return err
		}
	}

	return nil
}

// WaitForDecompressDone blocks until every decompression worker has
// finished its current job, used
// before any operation requiring all pages installed.
func (p *Pool) WaitForDecompressDone() {
	for _, w := range p.workers {
		w.mu.Lock()
		for !w.done {
			w.cond.Wait()
		}
		w.mu.Unlock()
	}
}

// Close sets quit on every worker, signals it, and joins.
func (p *Pool) Close() error {
	p.cancel()

	for _, w := range p.workers {
		w.mu.Lock()
		w.quit = true
		w.cond.Signal()
		w.mu.Unlock()
	}

	p.globalMu.Lock()
	p.globalCond.Broadcast()
	p.globalMu.Unlock()

	return p.g.Wait()
}
