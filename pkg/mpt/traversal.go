package mpt

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/monad-mpt/monad-mpt/pkg/asyncio"
)

// inflightLoad tracks one in-progress LoadNode call: concurrent callers
// resolving the same ChunkOffset attach to it as continuations instead of
// each submitting their own pair of reads through the engine. done is
// closed exactly once, after node/err are set, making the assignment
// visible to every waiter.
type inflightLoad struct {
	done chan struct{}
	node *Node
	err  error
}

// AsyncSource is a NodeSource that resolves ChunkOffsets by issuing reads
// through the async I/O engine's read ring. Every call may be made from
// any goroutine ("fiber"); the engine's single owning goroutine per ring
// serializes the actual syscalls regardless of caller. Concurrent callers
// resolving the same offset are coalesced onto a single pair of reads.
type AsyncSource struct {
	pool asyncio.Reader
	eng  *asyncio.Engine
	hf   HashFunc

	mu       sync.Mutex
	inflight map[ChunkOffset]*inflightLoad
}

// NewAsyncSource creates an AsyncSource reading chunk bytes from pool
// through eng, decoding with hf.
func NewAsyncSource(pool asyncio.Reader, eng *asyncio.Engine, hf HashFunc) *AsyncSource {
	return &AsyncSource{
		pool:     pool,
		eng:      eng,
		hf:       hf,
		inflight: make(map[ChunkOffset]*inflightLoad),
	}
}

// LoadNode implements NodeSource: it reads the 4-byte length prefix at off,
// then the framed node body, and decodes it. If another call for the same
// off is already in flight, this call waits on that one's result instead
// of issuing its own reads.
func (s *AsyncSource) LoadNode(ctx context.Context, off ChunkOffset) (*Node, error) {
	if off.Invalid() {
		return nil, fmt.Errorf("%w: attempted to load the invalid chunk offset", ErrCorruptNode)
	}

	s.mu.Lock()
	if load, ok := s.inflight[off]; ok {
		s.mu.Unlock()
		return waitInflightLoad(ctx, load)
	}
	load := &inflightLoad{done: make(chan struct{})}
	s.inflight[off] = load
	s.mu.Unlock()

	node, err := s.loadNodeUncoalesced(ctx, off)

	s.mu.Lock()
	delete(s.inflight, off)
	s.mu.Unlock()

	load.node, load.err = node, err
	close(load.done)

	return node, err
}

// waitInflightLoad attaches to an already-issued load as a continuation,
// returning its result once delivered or ctx's own deadline first.
func waitInflightLoad(ctx context.Context, load *inflightLoad) (*Node, error) {
	select {
	case <-load.done:
		return load.node, load.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// loadNodeUncoalesced performs the actual length-prefix + body reads for
// off; LoadNode is the coalescing wrapper around this.
func (s *AsyncSource) loadNodeUncoalesced(ctx context.Context, off ChunkOffset) (*Node, error) {
	lenFuture, err := s.eng.SubmitRead(ctx, asyncio.ReadRequest{Pool: s.pool, Chunk: off.ChunkID, Offset: off.ByteOffset, Size: lengthPrefixSize})
	if err != nil {
		return nil, fmt.Errorf("%w: submitting length read: %w", ErrIO, err)
	}
	lenBuf, err := lenFuture.Wait(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: reading node length: %w", ErrIO, err)
	}
	bodyLen := binary.LittleEndian.Uint32(lenBuf)
	s.eng.ReleaseBuffer(lenBuf)

	bodyFuture, err := s.eng.SubmitRead(ctx, asyncio.ReadRequest{Pool: s.pool, Chunk: off.ChunkID, Offset: off.ByteOffset + lengthPrefixSize, Size: bodyLen})
	if err != nil {
		return nil, fmt.Errorf("%w: submitting node body read: %w", ErrIO, err)
	}
	body, err := bodyFuture.Wait(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: reading node body: %w", ErrIO, err)
	}
	defer s.eng.ReleaseBuffer(body)

	n, err := Decode(s.hf, body)
	if err != nil {
		return nil, err
	}
	n.Offset = off
	n.DiskSize = lengthPrefixSize + bodyLen

	return n, nil
}

// VisitFunc is called once per key/value pair during Traverse. Returning
// false stops the traversal early.
type VisitFunc func(key []byte, value []byte) bool

// Traverse walks every key under prefixNibbles (one nibble value per byte;
// pass nil/empty for the whole trie) reachable from root, resolving
// unloaded children via src, calling visit for every node that carries a
// value. maxDepth, if > 0, bounds the key length in nibbles counted from
// root, prefix included: a node whose path is longer is skipped together
// with its subtree.
func Traverse(ctx context.Context, src NodeSource, root *Node, prefixNibbles []byte, maxDepth int, visit VisitFunc) error {
	if root == nil {
		return nil
	}

	var path []byte
	_, err := traverseNode(ctx, src, root, prefixNibbles, path, maxDepth, visit)
	return err
}

func traverseNode(ctx context.Context, src NodeSource, n *Node, remainingPrefix []byte, pathSoFar []byte, maxDepth int, visit VisitFunc) (bool, error) {
	nodePath := make([]byte, n.Path.Len())
	for i := range nodePath {
		nodePath[i] = n.Path.At(i)
	}

	consumed := 0
	for consumed < len(remainingPrefix) && consumed < len(nodePath) {
		if remainingPrefix[consumed] != nodePath[consumed] {
			return true, nil // prefix not present under this subtree; keep searching siblings
		}
		consumed++
	}
	if consumed < len(remainingPrefix) {
		return true, nil
	}

	fullPath := append(append([]byte(nil), pathSoFar...), nodePath...)
	remainingPrefix = remainingPrefix[consumed:]

	if maxDepth > 0 && len(fullPath) > maxDepth {
		return true, nil
	}

	if n.IsLeaf && len(remainingPrefix) == 0 {
		if !visit(packNibblePath(fullPath), n.Value) {
			return false, nil
		}
	}

	for i := range n.Children {
		c := &n.Children[i]

		childRemaining := remainingPrefix
		if len(childRemaining) > 0 {
			if childRemaining[0] != c.Nibble {
				continue
			}
			childRemaining = childRemaining[1:]
		}

		child, err := resolveChild(ctx, src, c)
		if err != nil {
			return false, err
		}

		childPath := append(fullPath, c.Nibble)
		cont, err := traverseNode(ctx, src, child, childRemaining, childPath, maxDepth, visit)
		if err != nil {
			return false, err
		}
		if !cont {
			return false, nil
		}
	}

	return true, nil
}

// packNibblePath packs a nibble-path slice back into bytes, padding the
// last byte with a trailing zero nibble if the path has odd length (paths
// seen in practice are always even, since real keys are byte-aligned; this
// is defensive for synthetic test paths).
func packNibblePath(path []byte) []byte {
	out := make([]byte, (len(path)+1)/2)
	for i, nb := range path {
		if i%2 == 0 {
			out[i/2] = nb << 4
		} else {
			out[i/2] |= nb
		}
	}
	return out
}
