package mpt

import "context"

// NodeSource resolves an on-disk ChunkOffset into a materialized Node. It is
// implemented by the async traversal layer (backed by the read ring) and
// by a trivial in-memory stub in tests.
type NodeSource interface {
	LoadNode(ctx context.Context, off ChunkOffset) (*Node, error)
}

// resolveChild materializes c.Node if it is not already loaded, fetching it
// from src via c.FNext. It is a no-op if c.Node is already set.
func resolveChild(ctx context.Context, src NodeSource, c *Child) (*Node, error) {
	if c.Node != nil {
		return c.Node, nil
	}
	if c.FNext.Invalid() {
		return nil, ErrCorruptNode
	}

	n, err := src.LoadNode(ctx, c.FNext)
	if err != nil {
		return nil, err
	}

	c.Node = n
	return n, nil
}

// memorySource is a NodeSource that cannot load anything: LoadNode always
// fails with ErrCorruptNode, so only children already held in memory as
// Child.Node resolve through it.
type memorySource struct{}

func (memorySource) LoadNode(ctx context.Context, off ChunkOffset) (*Node, error) {
	return nil, ErrCorruptNode
}
