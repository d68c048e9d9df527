package mpt

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/monad-mpt/monad-mpt/pkg/asyncio"
	"github.com/monad-mpt/monad-mpt/pkg/device"
)

// lengthPrefixSize is the size of the framing prefix node_writer puts
// before every encoded node, so a reader that only knows a ChunkOffset can
// discover how many bytes to fetch before decoding.
const lengthPrefixSize = 4

// ChunkWriter serializes nodes bottom-up and appends their framed bytes
// to its active write chunk (in the pool's fast or slow chunk set,
// depending on how it was created), requesting a fresh chunk from
// Allocator when the active one fills up.
type ChunkWriter struct {
	pool *device.Pool
	eng  *asyncio.Engine
	hf   HashFunc

	// Allocator returns the next chunk to write into once the active one
	// is full. Defaults to drawing from the pool's free list, falling back
	// to the next never-used chunk in sequential order.
	Allocator func(prev device.ChunkID) (device.ChunkID, error)

	// slow selects which of the pool's active chunk sets (seq or slow)
	// chunks handed out by this writer are activated into.
	slow bool

	mu     sync.Mutex
	active device.ChunkID
	offset uint32
}

// NewChunkWriter creates a ChunkWriter starting at chunk start, offset 0,
// appending to the pool's fast/sequential chunk set.
func NewChunkWriter(pool *device.Pool, eng *asyncio.Engine, hf HashFunc, start device.ChunkID) *ChunkWriter {
	return NewChunkWriterAt(pool, eng, hf, start, 0)
}

// NewChunkWriterAt creates a ChunkWriter resuming at a specific chunk and
// byte offset, for picking up where a previous process left off per
// recovered metadata. Appends to the pool's fast/sequential chunk set.
func NewChunkWriterAt(pool *device.Pool, eng *asyncio.Engine, hf HashFunc, start device.ChunkID, offset uint32) *ChunkWriter {
	return newChunkWriterAt(pool, eng, hf, start, offset, false)
}

// NewSlowChunkWriterAt creates a ChunkWriter that appends to the pool's
// slow/compaction chunk set instead of its fast/sequential one.
func NewSlowChunkWriterAt(pool *device.Pool, eng *asyncio.Engine, hf HashFunc, start device.ChunkID, offset uint32) *ChunkWriter {
	return newChunkWriterAt(pool, eng, hf, start, offset, true)
}

func newChunkWriterAt(pool *device.Pool, eng *asyncio.Engine, hf HashFunc, start device.ChunkID, offset uint32, slow bool) *ChunkWriter {
	w := &ChunkWriter{pool: pool, eng: eng, hf: hf, active: start, offset: offset, slow: slow}
	w.Allocator = w.sequentialAllocator
	// An out-of-range start chunk surfaces on the first WriteNode/FlushTree
	// call instead; nothing useful to do with the error this early.
	_ = pool.ActivateChunk(start, slow)
	return w
}

// sequentialAllocator draws the next chunk from the pool's free list if one
// is available, otherwise from the pool's never-used chunks in sequential
// order.
func (w *ChunkWriter) sequentialAllocator(prev device.ChunkID) (device.ChunkID, error) {
	return w.pool.AllocateChunk(prev, w.slow)
}

// ActiveChunk returns the chunk currently being appended to.
func (w *ChunkWriter) ActiveChunk() device.ChunkID {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.active
}

// Position returns the chunk and byte offset the next WriteNode call will
// append at, for persisting into metadata.
func (w *ChunkWriter) Position() (device.ChunkID, uint32) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.active, w.offset
}

// WriteNode encodes n and appends it (length-prefixed) to the active
// chunk, rolling over to a new chunk if it doesn't fit. It returns the
// ChunkOffset the node was written at.
func (w *ChunkWriter) WriteNode(ctx context.Context, n *Node) (ChunkOffset, error) {
	encoded, err := Encode(w.hf, n)
	if err != nil {
		return ChunkOffset{}, fmt.Errorf("mpt: encoding node for write: %w", err)
	}

	framed := make([]byte, lengthPrefixSize+len(encoded))
	binary.LittleEndian.PutUint32(framed, uint32(len(encoded)))
	copy(framed[lengthPrefixSize:], encoded)

	w.mu.Lock()
	defer w.mu.Unlock()

	if uint64(w.offset)+uint64(len(framed)) > w.pool.ChunkCapacity() {
		next, err := w.Allocator(w.active)
		if err != nil {
			return ChunkOffset{}, err
		}
		w.active = next
		w.offset = 0
	}

	off := ChunkOffset{ChunkID: w.active, ByteOffset: w.offset}

	f, err := w.eng.SubmitWrite(ctx, asyncio.WriteRequest{Pool: w.pool, Chunk: w.active, Offset: w.offset, Data: framed})
	if err != nil {
		return ChunkOffset{}, fmt.Errorf("mpt: submitting node write: %w", err)
	}
	if _, err := f.Wait(ctx); err != nil {
		return ChunkOffset{}, fmt.Errorf("mpt: writing node: %w", err)
	}

	n.Offset = off
	n.DiskSize = uint32(len(framed))
	w.offset += uint32(len(framed))

	return off, nil
}

// FlushTree recursively writes every unflushed (Offset.Invalid()) node in
// the subtree rooted at n, bottom-up, populating each Child's FNext,
// MinOffset and ChildHash as children are written. It returns n's own
// ChunkOffset once written.
func (w *ChunkWriter) FlushTree(ctx context.Context, n *Node) (ChunkOffset, error) {
	if n == nil {
		return InvalidChunkOffset, nil
	}
	if !n.Offset.Invalid() {
		return n.Offset, nil
	}

	minOffset := ChunkOffset{ChunkID: n.Offset.ChunkID, ByteOffset: n.Offset.ByteOffset}
	haveMin := false

	for i := range n.Children {
		c := &n.Children[i]
		if c.Node == nil {
			// Already on disk from a prior version; keep its existing
			// FNext/MinOffset/ChildHash untouched.
			if !c.MinOffset.Invalid() && (!haveMin || lessOffset(c.MinOffset, minOffset)) {
				minOffset = c.MinOffset
				haveMin = true
			}
			continue
		}

		childOff, err := w.FlushTree(ctx, c.Node)
		if err != nil {
			return ChunkOffset{}, err
		}

		c.FNext = childOff
		c.ChildHash = c.Node.Hash(w.hf)
		childMin := c.Node.Offset
		if !c.Node.MinOffsetOfSubtree().Invalid() {
			childMin = c.Node.MinOffsetOfSubtree()
		}
		c.MinOffset = childMin

		if !haveMin || lessOffset(childMin, minOffset) {
			minOffset = childMin
			haveMin = true
		}
	}

	off, err := w.WriteNode(ctx, n)
	if err != nil {
		return ChunkOffset{}, err
	}
	if !haveMin || lessOffset(off, minOffset) {
		minOffset = off
	}

	n.minOffset = minOffset
	n.haveMinOffset = true

	return off, nil
}

func lessOffset(a, b ChunkOffset) bool {
	if a.ChunkID != b.ChunkID {
		return a.ChunkID < b.ChunkID
	}
	return a.ByteOffset < b.ByteOffset
}
