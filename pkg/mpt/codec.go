package mpt

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/monad-mpt/monad-mpt/pkg/device"
	"github.com/monad-mpt/monad-mpt/pkg/nibbles"
)

// On-disk node layout (little-endian):
//
//	[0:2]   mask            uint16
//	[2:3]   flags           uint8   (bit0 = isLeaf)
//	[3:4]   pathNibbleLen   uint8
//	[4:8]   reserved/padding
//	...     packed path bytes, ceil(pathNibbleLen/2) of them
//	...     per child (50 bytes each, in ascending nibble order):
//	          fnext.chunkID     uint32
//	          fnext.byteOffset  uint32
//	          fnext.sparePages  uint16 (bits 0-9 = count, bits 10-14 = shift)
//	          minOffset.chunkID    uint32
//	          minOffset.byteOffset uint32
//	          childHash            [32]byte
//	...     leaf value (iff isLeaf): uint8 length prefix + bytes
//	[-32:]  hash            [32]byte
const (
	headerSize    = 8
	childEntrySize = 4 + 4 + 2 + 4 + 4 + HashSize // = 50
	flagIsLeaf    = 1 << 0
)

// EncodedSize returns the exact number of bytes Encode would produce for n,
// without allocating the output buffer.
func EncodedSize(n *Node) int {
	size := headerSize
	size += (n.Path.Len() + 1) / 2
	size += n.ChildCount() * childEntrySize
	if n.IsLeaf {
		size += 1 + len(n.Value)
	}
	size += HashSize
	return size
}

// Encode serializes n to its on-disk byte representation. All present
// children must have a valid FNext (already flushed) and ChildHash;
// encoding a node with an unflushed child is a caller bug.
func Encode(hf HashFunc, n *Node) ([]byte, error) {
	if n.IsLeaf && len(n.Value) > math.MaxUint8 {
		return nil, fmt.Errorf("mpt: leaf value length %d exceeds %d byte encoding limit", len(n.Value), math.MaxUint8)
	}
	if n.Path.Len() > math.MaxUint8 {
		return nil, fmt.Errorf("mpt: path length %d exceeds %d nibble encoding limit", n.Path.Len(), math.MaxUint8)
	}

	buf := make([]byte, EncodedSize(n))
	off := 0

	binary.LittleEndian.PutUint16(buf[off:], n.Mask)
	off += 2

	var flags uint8
	if n.IsLeaf {
		flags |= flagIsLeaf
	}
	buf[off] = flags
	off++

	buf[off] = byte(n.Path.Len())
	off++
	off += 4 // reserved padding, header is fixed at 8 bytes

	pathBytes := n.Path.Pack()
	copy(buf[off:], pathBytes)
	off += len(pathBytes)

	for i := range n.Children {
		c := &n.Children[i]
		if c.FNext.Invalid() && !(c.Node != nil) {
			return nil, fmt.Errorf("mpt: encode: child nibble %d has no fnext and no in-memory node", c.Nibble)
		}

		binary.LittleEndian.PutUint32(buf[off:], uint32(c.FNext.ChunkID))
		off += 4
		binary.LittleEndian.PutUint32(buf[off:], c.FNext.ByteOffset)
		off += 4
		binary.LittleEndian.PutUint16(buf[off:], packSpare(c.Spare))
		off += 2
		binary.LittleEndian.PutUint32(buf[off:], uint32(c.MinOffset.ChunkID))
		off += 4
		binary.LittleEndian.PutUint32(buf[off:], c.MinOffset.ByteOffset)
		off += 4
		copy(buf[off:], c.ChildHash[:])
		off += HashSize
	}

	if n.IsLeaf {
		buf[off] = byte(len(n.Value))
		off++
		copy(buf[off:], n.Value)
		off += len(n.Value)
	}

	h := n.Hash(hf)
	copy(buf[off:], h[:])
	off += HashSize

	if off != len(buf) {
		return nil, fmt.Errorf("mpt: encode: internal size mismatch, wrote %d want %d", off, len(buf))
	}

	return buf, nil
}

// Decode parses a node from its on-disk byte representation, verifying the
// trailing hash matches the computed content hash. Decode returns the
// node's own stored path; callers splice it onto the parent path
// separately.
func Decode(hf HashFunc, buf []byte) (*Node, error) {
	if len(buf) < headerSize+HashSize {
		return nil, fmt.Errorf("%w: node buffer too short (%d bytes)", ErrCorruptNode, len(buf))
	}

	off := 0
	mask := binary.LittleEndian.Uint16(buf[off:])
	off += 2
	flags := buf[off]
	off++
	pathNibbleLen := int(buf[off])
	off++
	off += 4

	pathByteLen := (pathNibbleLen + 1) / 2
	if off+pathByteLen > len(buf) {
		return nil, fmt.Errorf("%w: path overruns buffer", ErrCorruptNode)
	}
	pathView := nibbles.FromBytes(append([]byte(nil), buf[off:off+pathByteLen]...)).Prefix(pathNibbleLen)
	off += pathByteLen

	n := &Node{
		Mask:   mask,
		Path:   pathView,
		IsLeaf: flags&flagIsLeaf != 0,
		Offset: InvalidChunkOffset,
	}

	childCount := popcount16(mask)
	n.Children = make([]Child, 0, childCount)

	nibble := byte(0)
	for i := 0; i < childCount; i++ {
		for mask&(1<<nibble) == 0 {
			nibble++
		}

		if off+childEntrySize > len(buf) {
			return nil, fmt.Errorf("%w: child entry overruns buffer", ErrCorruptNode)
		}

		var c Child
		c.Nibble = nibble
		c.FNext.ChunkID = device.ChunkID(binary.LittleEndian.Uint32(buf[off:]))
		off += 4
		c.FNext.ByteOffset = binary.LittleEndian.Uint32(buf[off:])
		off += 4
		c.Spare = unpackSpare(binary.LittleEndian.Uint16(buf[off:]))
		off += 2
		c.MinOffset.ChunkID = device.ChunkID(binary.LittleEndian.Uint32(buf[off:]))
		off += 4
		c.MinOffset.ByteOffset = binary.LittleEndian.Uint32(buf[off:])
		off += 4
		copy(c.ChildHash[:], buf[off:off+HashSize])
		off += HashSize

		n.Children = append(n.Children, c)
		nibble++
	}

	if n.IsLeaf {
		if off+1 > len(buf) {
			return nil, fmt.Errorf("%w: leaf value length overruns buffer", ErrCorruptNode)
		}
		valLen := int(buf[off])
		off++
		if off+valLen > len(buf) {
			return nil, fmt.Errorf("%w: leaf value overruns buffer", ErrCorruptNode)
		}
		n.Value = append([]byte(nil), buf[off:off+valLen]...)
		off += valLen
	}

	if off+HashSize > len(buf) {
		return nil, fmt.Errorf("%w: missing trailing hash", ErrCorruptNode)
	}

	var storedHash Hash
	copy(storedHash[:], buf[off:off+HashSize])
	off += HashSize

	if off != len(buf) {
		return nil, fmt.Errorf("%w: trailing garbage after node (%d extra bytes)", ErrCorruptNode, len(buf)-off)
	}

	computed := n.Hash(hf)
	if computed != storedHash {
		return nil, fmt.Errorf("%w: hash mismatch", ErrCorruptNode)
	}

	return n, nil
}

func popcount16(v uint16) int {
	count := 0
	for v != 0 {
		count += int(v & 1)
		v >>= 1
	}
	return count
}

// packSpare/unpackSpare fold SparePages{Count, Shift} into a uint16: the
// low 10 bits hold Count (0-1023) and the next 5 bits hold Shift (0-31),
// matching the node_disk_pages_spare_15 field's (u10, u5) layout.
func packSpare(s SparePages) uint16 {
	return (uint16(s.Shift&0x1f) << 10) | (s.Count & 0x3ff)
}

func unpackSpare(v uint16) SparePages {
	return SparePages{
		Count: v & 0x3ff,
		Shift: uint8((v >> 10) & 0x1f),
	}
}
