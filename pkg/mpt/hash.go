package mpt

import (
	"golang.org/x/crypto/sha3"
)

// HashSize is the byte length of every node/value hash.
const HashSize = 32

// Hash is a 32-byte digest.
type Hash [HashSize]byte

// HashFunc computes the content hash used both for node hashes and value
// hashes. Swappable so tests can plug in a cheap stub; production code uses
// Keccak256.
type HashFunc func(parts ...[]byte) Hash

// Keccak256 is the default HashFunc, matching the hash algorithm of the
// chain this trie backs.
func Keccak256(parts ...[]byte) Hash {
	h := sha3.NewLegacyKeccak256()
	for _, p := range parts {
		h.Write(p)
	}
	var out Hash
	h.Sum(out[:0])
	return out
}

// computeNodeHash folds the packed path nibbles into the pre-image before
// child hashes and the leaf value.
func computeNodeHash(hf HashFunc, n *Node) Hash {
	parts := make([][]byte, 0, 2+2*len(n.Children))

	pathBytes := n.Path.Pack()
	parts = append(parts, []byte{byte(n.Path.Len())}, pathBytes)

	for i := range n.Children {
		c := &n.Children[i]
		parts = append(parts, c.ChildHash[:])
	}

	if n.IsLeaf {
		parts = append(parts, []byte{1}, n.Value)
	} else {
		parts = append(parts, []byte{0})
	}

	return hf(parts...)
}
