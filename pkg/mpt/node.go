package mpt

import (
	"math/bits"

	"github.com/monad-mpt/monad-mpt/pkg/nibbles"
)

// Child is one branch slot of a Node: the nibble it's keyed on, an
// in-memory subtree (if currently materialized) and/or its on-disk
// location once flushed.
type Child struct {
	Nibble byte

	// Node is the in-memory child subtree. Nil means the child has not
	// been loaded from disk (or has already been flushed and evicted);
	// FNext must be valid in that case.
	Node *Node

	// FNext is where the child node is persisted, or InvalidChunkOffset if
	// it has never been flushed.
	FNext ChunkOffset

	// MinOffset is the smallest ChunkOffset reachable anywhere within the
	// child's subtree, used by compaction to decide which chunks are
	// still referenced.
	MinOffset ChunkOffset

	// Spare records how much extra disk space was reserved for this
	// child's node beyond its exact serialized size, so an in-place
	// rewrite that still fits can reuse the slot.
	Spare SparePages

	// ChildHash is the cached Merkle hash of the child subtree, valid
	// whenever Node == nil (loaded lazily) or Node.hashValid is true.
	ChildHash Hash
}

// Node is a mutable in-memory trie node: either a branch (IsLeaf == false,
// any subset of 16 children present per Mask) or a leaf (IsLeaf == true,
// carrying Value, and optionally also branching further via Children for
// the "value at a branch point" case the original data model allows).
type Node struct {
	Mask     uint16 // bit i set iff a child exists for nibble i
	Path     nibbles.View
	IsLeaf   bool
	Value    []byte
	Children []Child // dense, sorted ascending by Nibble

	hash      Hash
	hashValid bool

	// Offset is where this node itself is persisted, or InvalidChunkOffset
	// for a node that only exists in memory (not yet flushed).
	Offset ChunkOffset

	// DiskSize is the exact serialized size last computed for this node,
	// used to decide whether an in-place rewrite fits in its reserved
	// spare pages.
	DiskSize uint32

	// minOffset/haveMinOffset cache the smallest ChunkOffset reachable
	// anywhere within this node's subtree (itself included), populated by
	// ChunkWriter.FlushTree and consulted by compaction.
	minOffset     ChunkOffset
	haveMinOffset bool
}

// MinOffsetOfSubtree returns the smallest ChunkOffset reachable within n's
// subtree, or InvalidChunkOffset if n was not written by
// ChunkWriter.FlushTree (a node decoded from disk does not carry it).
func (n *Node) MinOffsetOfSubtree() ChunkOffset {
	if !n.haveMinOffset {
		return InvalidChunkOffset
	}
	return n.minOffset
}

// NewLeaf creates a leaf node with the given path and value.
func NewLeaf(path nibbles.View, value []byte) *Node {
	return &Node{
		Path:   path,
		IsLeaf: true,
		Value:  value,
		Offset: InvalidChunkOffset,
	}
}

// NewBranch creates an empty branch node with the given path prefix.
func NewBranch(path nibbles.View) *Node {
	return &Node{
		Path:   path,
		Offset: InvalidChunkOffset,
	}
}

// HasChild reports whether a child exists for the given nibble.
func (n *Node) HasChild(nibble byte) bool {
	return n.Mask&(1<<nibble) != 0
}

// childIndex returns the index into n.Children for nibble, or -1.
func (n *Node) childIndex(nibble byte) int {
	if !n.HasChild(nibble) {
		return -1
	}
	// Children are dense and sorted; count set bits below nibble.
	below := n.Mask & ((1 << nibble) - 1)
	return bits.OnesCount16(below)
}

// Child returns a pointer to the child slot for nibble, or nil.
func (n *Node) Child(nibble byte) *Child {
	idx := n.childIndex(nibble)
	if idx < 0 {
		return nil
	}
	return &n.Children[idx]
}

// SetChild inserts or replaces the child at nibble.
func (n *Node) SetChild(nibble byte, c Child) {
	c.Nibble = nibble
	idx := n.childIndex(nibble)
	if idx >= 0 {
		n.Children[idx] = c
		n.invalidate()
		return
	}

	insertAt := bits.OnesCount16(n.Mask & ((1 << nibble) - 1))
	n.Children = append(n.Children, Child{})
	copy(n.Children[insertAt+1:], n.Children[insertAt:])
	n.Children[insertAt] = c
	n.Mask |= 1 << nibble
	n.invalidate()
}

// RemoveChild deletes the child at nibble, if present.
func (n *Node) RemoveChild(nibble byte) {
	idx := n.childIndex(nibble)
	if idx < 0 {
		return
	}
	n.Children = append(n.Children[:idx], n.Children[idx+1:]...)
	n.Mask &^= 1 << nibble
	n.invalidate()
}

// ChildCount returns the number of populated child slots.
func (n *Node) ChildCount() int { return bits.OnesCount16(n.Mask) }

// OnlyChildNibble returns the single populated nibble and true, when
// exactly one child is present; otherwise (0, false).
func (n *Node) OnlyChildNibble() (byte, bool) {
	if n.ChildCount() != 1 {
		return 0, false
	}
	return byte(bits.TrailingZeros16(n.Mask)), true
}

func (n *Node) invalidate() {
	n.hashValid = false
	n.Offset = InvalidChunkOffset
}

// Hash returns the node's Merkle hash, computing and caching it against hf
// if necessary. Children must already have valid hashes (either cached in
// memory or as ChildHash loaded from disk) before calling this.
func (n *Node) Hash(hf HashFunc) Hash {
	if n.hashValid {
		return n.hash
	}
	n.hash = computeNodeHash(hf, n)
	n.hashValid = true
	return n.hash
}

// Clone returns a shallow copy of n suitable for copy-on-write mutation:
// the Children slice is copied (so appending/removing doesn't alias the
// original), but child Node pointers are shared until a specific child is
// itself cloned on write.
func (n *Node) Clone() *Node {
	clone := *n
	clone.Children = append([]Child(nil), n.Children...)
	return &clone
}
