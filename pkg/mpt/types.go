package mpt

import (
	"math"

	"github.com/monad-mpt/monad-mpt/pkg/device"
)

// Version identifies one committed trie root. Versions increase
// monotonically; version 0 is the empty trie.
type Version uint64

// HistoryRingCapacity is the default number of recent root offsets kept in
// memory and on disk: a power of two comfortably above the observed
// default workload of 1000 live versions.
const HistoryRingCapacity = 1024

// ChunkOffset locates a byte position within a chunk of the storage pool.
type ChunkOffset struct {
	ChunkID    device.ChunkID
	ByteOffset uint32
}

// InvalidChunkOffset is the "no node" sentinel, used for absent children
// and the root of the empty trie.
var InvalidChunkOffset = ChunkOffset{ChunkID: device.InvalidChunkID, ByteOffset: math.MaxUint32}

// Invalid reports whether o is the sentinel "no offset" value.
func (o ChunkOffset) Invalid() bool { return o == InvalidChunkOffset }

// SparePages packs a hint about how much disk space beyond a child's exact
// serialized size was reserved for it, as (count, shift): the reservation
// in pages is count << shift. This lets a later in-place rewrite of a
// child's subtree reuse the same slot when it still fits, avoiding a
// relocation, without needing a wide field for large reservations.
type SparePages struct {
	Count uint16
	Shift uint8
}

// Pages returns the number of pages this hint reserves.
func (s SparePages) Pages() uint32 { return uint32(s.Count) << s.Shift }

// maxSpareCount and maxSpareShift bound the (count, shift) pair to the 10
// bits + 5 bits the on-disk encoding packs them into (see packSpare).
const (
	maxSpareCount = 0x3ff
	maxSpareShift = 0x1f
)

// EncodeSparePages derives a (count, shift) pair whose Pages() is >= want
// and representable in the packed 10-bit count / 5-bit shift on-disk
// encoding, rounding up to the nearest value expressible with the chosen
// shift. This mirrors the disk-pages-spare encoding table: small page
// counts are exact, large ones get progressively coarser granularity.
func EncodeSparePages(wantPages uint32) SparePages {
	if wantPages == 0 {
		return SparePages{}
	}

	var shift uint8
	for wantPages>>shift > maxSpareCount {
		shift++
		if shift > maxSpareShift {
			shift = maxSpareShift
			break
		}
	}

	count := wantPages >> shift
	if wantPages%(1<<shift) != 0 {
		count++
	}
	if count > maxSpareCount {
		count = maxSpareCount
	}

	return SparePages{Count: uint16(count), Shift: shift}
}

// RootOffset is one entry in the root-offset history ring: the disk
// location of the root node for a given committed version.
type RootOffset struct {
	Version Version
	Offset  ChunkOffset
}

// Update is a single key/value mutation to apply in one Upsert call.
// A nil Value means "erase this key", unless Next is also set, in which
// case Key's existing value (if any) is left untouched and only the
// nested subtree is updated.
type Update struct {
	Key   []byte
	Value []byte

	// Next, when non-nil and non-empty, is applied to the subtree rooted
	// at Key after Value (if non-nil) is written there: descend into the
	// subtree at Key, then apply these updates within it. This models a
	// nested table hanging off a parent key, e.g. an account's storage
	// trie hanging off the account key.
	Next *UpdateList
}

// UpdateList is an ordered batch of mutations applied atomically by Upsert.
// Updates must be sorted by Key ascending with no duplicate keys, matching
// the trie's insertion-order invariant.
type UpdateList struct {
	Updates []Update
}

// Len returns the number of updates in the list.
func (u *UpdateList) Len() int {
	if u == nil {
		return 0
	}
	return len(u.Updates)
}
