package mpt

import (
	"fmt"
	"sync"

	"github.com/monad-mpt/monad-mpt/pkg/device"
)

// versionRing is the in-memory root-offset history: a fixed-capacity
// window of the most recently committed versions' root locations. Reads
// for a version older than the window fail with ErrVersionExpired; reads
// for a version newer than the latest fail with ErrNotFound.
type versionRing struct {
	mu       sync.RWMutex
	capacity int

	entries map[Version]ChunkOffset
	oldest  Version
	newest  Version
	hasAny  bool

	finalized Version

	// release is called with an evicted version's root chunk once no
	// remaining entry in the window still points into it, returning the
	// chunk to the storage pool's free list. A nil release (the zero value
	// path via newVersionRing) means eviction never reclaims chunks.
	release func(device.ChunkID)
}

func newVersionRing(capacity int, release func(device.ChunkID)) *versionRing {
	if release == nil {
		release = func(device.ChunkID) {}
	}
	return &versionRing{capacity: capacity, entries: make(map[Version]ChunkOffset, capacity), release: release}
}

// Put records the root offset for a newly committed version, evicting the
// oldest entry if the ring is at capacity. Versions must be put in
// strictly increasing order.
func (r *versionRing) Put(v Version, off ChunkOffset) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.hasAny && v <= r.newest {
		return fmt.Errorf("mpt: version %d is not newer than current latest %d", v, r.newest)
	}

	r.entries[v] = off
	if !r.hasAny {
		r.oldest = v
		r.hasAny = true
	}
	r.newest = v

	for len(r.entries) > r.capacity {
		evicted := r.entries[r.oldest]
		delete(r.entries, r.oldest)
		r.maybeRelease(evicted.ChunkID)
		r.oldest++
		for _, ok := r.entries[r.oldest]; !ok && r.oldest < r.newest; _, ok = r.entries[r.oldest] {
			r.oldest++
		}
	}

	return nil
}

// maybeRelease reclaims id once no entry still retained in the window
// points into it. Only the root's own chunk is released, not its whole
// subtree: full subtree reclamation would need either chunk refcounting
// across every node write or a mark-sweep pass over the retained window,
// neither of which this ring tracks; this is the chunk-granularity
// approximation of "once the window advances past it, give it back."
func (r *versionRing) maybeRelease(id device.ChunkID) {
	if id == device.InvalidChunkID {
		return
	}
	for _, off := range r.entries {
		if off.ChunkID == id {
			return
		}
	}
	r.release(id)
}

// Get resolves the root offset for version v.
func (r *versionRing) Get(v Version) (ChunkOffset, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.hasAny || v > r.newest {
		return ChunkOffset{}, ErrNotFound
	}
	if v < r.oldest {
		return ChunkOffset{}, ErrVersionExpired
	}

	off, ok := r.entries[v]
	if !ok {
		return ChunkOffset{}, ErrVersionExpired
	}
	return off, nil
}

// Latest returns the newest committed version and its root offset.
func (r *versionRing) Latest() (Version, ChunkOffset, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.hasAny {
		return 0, ChunkOffset{}, false
	}
	return r.newest, r.entries[r.newest], true
}

// Oldest returns the oldest version still retained in the window.
func (r *versionRing) Oldest() (Version, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.oldest, r.hasAny
}

// SetFinalized records the highest version considered finalized
// (irreversible) so far. It is purely bookkeeping metadata; it does not by
// itself expire or protect any version from eviction.
func (r *versionRing) SetFinalized(v Version) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.hasAny && v > r.newest {
		return fmt.Errorf("mpt: cannot finalize version %d beyond latest %d", v, r.newest)
	}
	if v < r.finalized {
		return fmt.Errorf("mpt: finalized version must be monotonic, have %d want >= %d", v, r.finalized)
	}
	r.finalized = v
	return nil
}

// Finalized returns the highest version marked finalized.
func (r *versionRing) Finalized() Version {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.finalized
}

// snapshot returns the ring's contents as a slice suitable for persisting
// in metadata, ordered oldest to newest.
func (r *versionRing) snapshot() []RootOffset {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]RootOffset, 0, len(r.entries))
	for v, off := range r.entries {
		out = append(out, RootOffset{Version: v, Offset: off})
	}
	// Simple insertion sort by version; history windows are small
	// (HistoryRingCapacity), so O(n^2) is irrelevant here.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1].Version > out[j].Version; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

// restore rebuilds the ring from a persisted snapshot.
func restoreVersionRing(capacity int, snapshot []RootOffset, finalized Version, release func(device.ChunkID)) *versionRing {
	r := newVersionRing(capacity, release)
	for _, ro := range snapshot {
		r.entries[ro.Version] = ro.Offset
		if !r.hasAny || ro.Version < r.oldest {
			r.oldest = ro.Version
		}
		if !r.hasAny || ro.Version > r.newest {
			r.newest = ro.Version
		}
		r.hasAny = true
	}
	r.finalized = finalized
	return r
}
