package asyncio

import "context"

// bufferPool is a fixed-size pool of equally-sized byte buffers. Get blocks
// (cooperatively, via channel receive) when every buffer is checked out,
// rather than allocating unboundedly or returning an error: buffer
// exhaustion is backpressure, not a failure.
type bufferPool struct {
	bufSize int
	free    chan []byte
}

func newBufferPool(count, bufSize int) *bufferPool {
	p := &bufferPool{bufSize: bufSize, free: make(chan []byte, count)}
	for i := 0; i < count; i++ {
		p.free <- make([]byte, bufSize)
	}
	return p
}

// Get returns a buffer, blocking until one is available or ctx is done.
func (p *bufferPool) Get(ctx context.Context) ([]byte, error) {
	select {
	case b := <-p.free:
		return b, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Put returns a buffer to the pool. Buffers not obtained from Get must not
// be passed in.
func (p *bufferPool) Put(b []byte) {
	select {
	case p.free <- b[:p.bufSize]:
	default:
		// Pool is somehow over-full (double Put); drop rather than block
		// or panic, since this can only happen from a caller bug and
		// dropping the buffer just costs one GC'd allocation.
	}
}

// Available reports how many buffers are currently free, for diagnostics.
func (p *bufferPool) Available() int { return len(p.free) }
