// Package asyncio implements the async I/O engine: a single owning
// goroutine per ring draining a buffered Go channel of submitted
// operations, standing in for an io_uring-style submission ring. Futures
// are the Sender/Receiver completion mechanism; "fibers" from the original
// design map directly onto goroutines, since Go's scheduler already
// multiplexes many blocked goroutines cheaply.
package asyncio

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/monad-mpt/monad-mpt/pkg/device"
)

// Reader is the subset of *device.Pool the read ring depends on.
type Reader interface {
	ReadAt(id device.ChunkID, offset uint32, buf []byte) (int, error)
}

// Writer is the subset of *device.Pool the write ring depends on.
type Writer interface {
	WriteAt(id device.ChunkID, offset uint32, buf []byte) (int, error)
}

// ReadRequest describes one positioned chunk read.
type ReadRequest struct {
	Pool   Reader
	Chunk  device.ChunkID
	Offset uint32
	Size   uint32
}

// WriteRequest describes one positioned chunk write.
type WriteRequest struct {
	Pool   Writer
	Chunk  device.ChunkID
	Offset uint32
	Data   []byte
}

type readJob struct {
	req    ReadRequest
	future *Future[[]byte]
}

type writeJob struct {
	req    WriteRequest
	future *Future[struct{}]
}

// Options configures an Engine.
type Options struct {
	ReadRingDepth  int // channel capacity for the read submission ring
	WriteRingDepth int // channel capacity for the write submission ring
	BufferCount    int // number of reusable read buffers
	BufferSize     int // size of each reusable read buffer
}

// DefaultOptions returns sane defaults for a single-device engine.
func DefaultOptions() Options {
	return Options{
		ReadRingDepth:  64,
		WriteRingDepth: 64,
		BufferCount:    128,
		BufferSize:     4096,
	}
}

// Engine is the async I/O engine: two rings (read, write), each drained by
// exactly one owning goroutine, plus a bounded buffer pool backing read
// results.
type Engine struct {
	reads  chan readJob
	writes chan writeJob
	bufs   *bufferPool

	ownerGen atomic.Int64 // incremented once per started completion loop generation

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New starts an Engine with one goroutine draining the read ring and one
// draining the write ring.
func New(opts Options) *Engine {
	e := &Engine{
		reads:  make(chan readJob, opts.ReadRingDepth),
		writes: make(chan writeJob, opts.WriteRingDepth),
		bufs:   newBufferPool(opts.BufferCount, opts.BufferSize),
		closed: make(chan struct{}),
	}
	e.ownerGen.Add(1)

	e.wg.Add(2)
	go e.runReadRing()
	go e.runWriteRing()

	return e
}

// SubmitRead enqueues a read and returns a Future resolving to a buffer
// (owned by the caller; release it with ReleaseBuffer when done) holding
// exactly req.Size bytes read from the chunk.
func (e *Engine) SubmitRead(ctx context.Context, req ReadRequest) (*Future[[]byte], error) {
	select {
	case <-e.closed:
		return nil, ErrClosed
	default:
	}

	f := NewFuture[[]byte]()
	job := readJob{req: req, future: f}

	select {
	case e.reads <- job:
		return f, nil
	case <-e.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SubmitWrite enqueues a write and returns a Future resolving once the
// write has completed (or failed).
func (e *Engine) SubmitWrite(ctx context.Context, req WriteRequest) (*Future[struct{}], error) {
	select {
	case <-e.closed:
		return nil, ErrClosed
	default:
	}

	f := NewFuture[struct{}]()
	job := writeJob{req: req, future: f}

	select {
	case e.writes <- job:
		return f, nil
	case <-e.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ReleaseBuffer returns a buffer obtained from a read Future back to the
// pool for reuse.
func (e *Engine) ReleaseBuffer(b []byte) { e.bufs.Put(b) }

// runReadRing is the read ring's single owning goroutine: a non-recursive
// completion loop over the channel. It never calls itself or blocks
// waiting on a Future it itself must fulfill, so no deadlock cycle through
// the ring is possible.
func (e *Engine) runReadRing() {
	defer e.wg.Done()

	for job := range e.reads {
		buf, err := e.bufs.Get(context.Background())
		if err != nil {
			job.future.deliver(nil, err)
			continue
		}

		target := buf[:job.req.Size]
		n, err := job.req.Pool.ReadAt(job.req.Chunk, job.req.Offset, target)
		if err != nil {
			e.bufs.Put(buf)
			job.future.deliver(nil, err)
			continue
		}

		job.future.deliver(target[:n], nil)
	}
}

// runWriteRing is the write ring's single owning goroutine.
func (e *Engine) runWriteRing() {
	defer e.wg.Done()

	for job := range e.writes {
		_, err := job.req.Pool.WriteAt(job.req.Chunk, job.req.Offset, job.req.Data)
		job.future.deliver(struct{}{}, err)
	}
}

// Close stops accepting new submissions and waits for in-flight jobs to
// drain. Close is idempotent.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		close(e.closed)
		close(e.reads)
		close(e.writes)
	})
	e.wg.Wait()
	return nil
}

// PendingReads reports the number of queued (not yet started) read jobs,
// for diagnostics and tests.
func (e *Engine) PendingReads() int { return len(e.reads) }

// PendingWrites reports the number of queued (not yet started) write jobs.
func (e *Engine) PendingWrites() int { return len(e.writes) }

// AvailableBuffers reports how many read buffers are currently free.
func (e *Engine) AvailableBuffers() int { return e.bufs.Available() }
