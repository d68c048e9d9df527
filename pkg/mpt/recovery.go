package mpt

import (
	"context"
	"fmt"

	"github.com/monad-mpt/monad-mpt/pkg/device"
)

// recoveryResult is what Open derives from the on-disk metadata store
// before the Db is usable: the reconstructed version history plus where
// the chunk writer should resume appending.
type recoveryResult struct {
	ring             *versionRing
	activeChunk      uint32
	activeOffset     uint32
	activeChunkSlow  uint32
	activeOffsetSlow uint32
	generation       uint64
}

// recover loads the metadata store, rebuilds the in-memory version ring
// from it, and (if src is non-nil and the ring is non-empty) verifies the
// latest root node is actually decodable - catching the case where the
// metadata commit succeeded but the node bytes it points to were never
// durably written (the one crash window this engine's atomic-metadata-is-
// the-commit-point design doesn't close for free: a write that reordered
// past the metadata fsync at the storage layer). If that verification
// fails, recovery drops that version and repeats the check on the
// next-newest one, until a root decodes or the ring is empty.
func recover_(ctx context.Context, store *metadataStore, src NodeSource, ringCapacity int, pool *device.Pool) (*recoveryResult, error) {
	m, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("mpt: recovering metadata: %w", err)
	}

	if pool != nil {
		if err := pool.RestoreFreeList(m.FreeList); err != nil {
			return nil, fmt.Errorf("mpt: restoring chunk free list: %w", err)
		}
	}

	if ringCapacity <= 0 {
		ringCapacity = HistoryRingCapacity
	}
	release := func(device.ChunkID) {}
	if pool != nil {
		release = func(id device.ChunkID) { _ = pool.ReleaseChunk(id) }
	}
	ring := restoreVersionRing(ringCapacity, m.History, m.FinalizedVersion, release)

	if src != nil {
		for {
			v, off, ok := ring.Latest()
			if !ok {
				break
			}
			if _, err := src.LoadNode(ctx, off); err == nil {
				break
			}
			ring.mu.Lock()
			delete(ring.entries, v)
			if len(ring.entries) == 0 {
				ring.hasAny = false
			} else {
				newNewest := v - 1
				for newNewest > ring.oldest {
					if _, ok := ring.entries[newNewest]; ok {
						break
					}
					newNewest--
				}
				ring.newest = newNewest
			}
			ring.mu.Unlock()
		}
	}

	return &recoveryResult{
		ring:             ring,
		activeChunk:      uint32(m.ActiveChunk),
		activeOffset:     m.ActiveOffset,
		activeChunkSlow:  uint32(m.ActiveChunkSlow),
		activeOffsetSlow: m.ActiveOffsetSlow,
		generation:       m.Generation,
	}, nil
}
