// Package mpt implements the versioned, on-disk Merkle-Patricia Trie
// storage engine: node encoding, the in-memory trie core and update
// application, the chunk writer, async traversal, versioning and
// expiration, recovery, and the public Db facade tying them together
// over a device.Pool and asyncio.Engine.
package mpt

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/monad-mpt/monad-mpt/internal/config"
	"github.com/monad-mpt/monad-mpt/pkg/asyncio"
	"github.com/monad-mpt/monad-mpt/pkg/device"
	"github.com/monad-mpt/monad-mpt/pkg/fs"
	"github.com/monad-mpt/monad-mpt/pkg/nibbles"
	"github.com/monad-mpt/monad-mpt/pkg/xlog"
)

// Db is the public database handle: single-writer, multi-reader, backed by
// a device.Pool and an asyncio.Engine.
//
// Concurrency is layered: the cross-process advisory flock on the metadata
// directory is taken by Open and held until Close; within the process, mu
// (RWMutex) makes writers exclusive and readers shared. Readers hold mu's
// read lock only to check the handle is open and to take the cached latest
// root, then walk the trie without it; a writer holds mu for a whole
// Upsert or CopyNode, so a reader arriving meanwhile waits for it.
// metadataGeneration counts metadata commits and selects the slot each
// commit is written to.
type Db struct {
	mu sync.RWMutex

	metadataGeneration atomic.Uint64

	pool *device.Pool
	eng  *asyncio.Engine
	hf   HashFunc
	src  NodeSource

	fastWriter *ChunkWriter
	slowWriter *ChunkWriter

	ring  *versionRing
	store *metadataStore

	dirLock *fs.Lock

	log *xlog.Logger

	root      *Node // in-memory materialized root for the latest committed version
	rootValid bool

	closed bool
}

// Open opens (or initializes) a database per cfg: it opens the storage
// pool, starts the async I/O engine, acquires the cross-process advisory
// lock on the metadata directory, and recovers the version history.
func Open(ctx context.Context, cfg config.Config) (*Db, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("mpt: invalid config: %w", err)
	}

	log := xlog.New("component", "mpt")
	if lvl, err := xlog.ParseLevel(cfg.LogLevel); err == nil {
		xlog.SetLevel(lvl)
	}

	locker := fs.NewLocker(fs.NewReal())
	lockPath := filepath.Join(cfg.MetadataDir, "LOCK")
	timeout := time.Duration(cfg.LockTimeoutMillis) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	dirLock, err := locker.LockWithTimeout(lockPath, timeout)
	if err != nil {
		return nil, fmt.Errorf("mpt: acquiring database lock: %w", err)
	}

	pool, err := device.Open(cfg.DevicePaths, cfg.ChunkCapacity, cfg.ChunksPerDevice)
	if err != nil {
		_ = dirLock.Close()
		return nil, fmt.Errorf("mpt: opening storage pool: %w", err)
	}

	opts := asyncio.DefaultOptions()
	if cfg.ReadRingDepth > 0 {
		opts.ReadRingDepth = cfg.ReadRingDepth
	}
	if cfg.WriteRingDepth > 0 {
		opts.WriteRingDepth = cfg.WriteRingDepth
	}
	if cfg.BufferCount > 0 {
		opts.BufferCount = cfg.BufferCount
	}
	if cfg.BufferSize > 0 {
		opts.BufferSize = cfg.BufferSize
	}
	eng := asyncio.New(opts)

	hf := Keccak256
	src := NewAsyncSource(pool, eng, hf)
	store := newMetadataStore(cfg.MetadataDir)

	rec, err := recover_(ctx, store, src, cfg.HistoryCapacity, pool)
	if err != nil {
		_ = eng.Close()
		_ = pool.Close()
		_ = dirLock.Close()
		return nil, err
	}

	slowStart := device.ChunkID(pool.TotalChunks() / 2)
	if rec.activeChunkSlow != 0 {
		slowStart = device.ChunkID(rec.activeChunkSlow)
	}

	db := &Db{
		pool:       pool,
		eng:        eng,
		hf:         hf,
		src:        src,
		fastWriter: NewChunkWriterAt(pool, eng, hf, device.ChunkID(rec.activeChunk), rec.activeOffset),
		slowWriter: NewSlowChunkWriterAt(pool, eng, hf, slowStart, rec.activeOffsetSlow),
		ring:       rec.ring,
		store:      store,
		dirLock:    dirLock,
		log:        log,
	}
	db.metadataGeneration.Store(rec.generation)

	if v, off, ok := rec.ring.Latest(); ok {
		root, err := src.LoadNode(ctx, off)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("mpt: loading root for recovered latest version %d: %w", v, err)
		}
		db.root = root
		db.rootValid = true
	}

	latestVersion, _, _ := rec.ring.Latest()
	log.Info("database opened", "latest_version", latestVersion)

	return db, nil
}

// Upsert applies updates atomically, producing a new committed root for
// version. writeToFast selects the hot/sequential write stream versus the
// cold/compaction stream (see the storage pool's dual-stream design);
// compaction marks this write as part of a background compaction pass,
// which always goes to the cold stream, even when writeToFast is set.
func (db *Db) Upsert(ctx context.Context, updates *UpdateList, version Version, writeToFast bool, compaction bool) (RootOffset, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return RootOffset{}, ErrClosed
	}

	newRoot, err := ApplyUpdateList(ctx, db.src, db.root, updates)
	if err != nil {
		return RootOffset{}, err
	}

	writer := db.fastWriter
	if !writeToFast || compaction {
		writer = db.slowWriter
	}

	var off ChunkOffset
	if newRoot == nil {
		off = InvalidChunkOffset
	} else {
		off, err = writer.FlushTree(ctx, newRoot)
		if err != nil {
			return RootOffset{}, fmt.Errorf("mpt: flushing new root: %w", err)
		}
	}

	if err := db.ring.Put(version, off); err != nil {
		return RootOffset{}, err
	}

	if err := db.commitMetadata(); err != nil {
		return RootOffset{}, err
	}

	db.root = newRoot
	db.rootValid = true

	return RootOffset{Version: version, Offset: off}, nil
}

// CopyNode grafts the subtree at srcKey onto destKey in the latest
// committed trie, producing a new committed root for version. This models
// duplicating a nested subtree (e.g. an account's storage trie) onto
// another key without re-applying every leaf update individually.
func (db *Db) CopyNode(ctx context.Context, srcKey, destKey []byte, version Version, writeToFast bool) (RootOffset, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return RootOffset{}, ErrClosed
	}

	newRoot, err := CopyNode(ctx, db.src, db.root, nibbles.FromBytes(srcKey), nibbles.FromBytes(destKey))
	if err != nil {
		return RootOffset{}, err
	}

	writer := db.fastWriter
	if !writeToFast {
		writer = db.slowWriter
	}

	var off ChunkOffset
	if newRoot == nil {
		off = InvalidChunkOffset
	} else {
		off, err = writer.FlushTree(ctx, newRoot)
		if err != nil {
			return RootOffset{}, fmt.Errorf("mpt: flushing copied subtree: %w", err)
		}
	}

	if err := db.ring.Put(version, off); err != nil {
		return RootOffset{}, err
	}

	if err := db.commitMetadata(); err != nil {
		return RootOffset{}, err
	}

	db.root = newRoot
	db.rootValid = true

	return RootOffset{Version: version, Offset: off}, nil
}

// commitMetadata persists the current version ring and writer positions,
// bumping the generation so the double-buffered file store rotates slots.
func (db *Db) commitMetadata() error {
	gen := db.metadataGeneration.Load() + 1

	fastChunk, fastOffset := db.fastWriter.Position()
	slowChunk, slowOffset := db.slowWriter.Position()

	oldest, _ := db.ring.Oldest()

	m := &metadata{
		Generation:       gen,
		LatestVersion:    mustLatest(db.ring),
		FinalizedVersion: db.ring.Finalized(),
		HasAny:           true,
		OldestVersion:    oldest,
		History:          db.ring.snapshot(),
		ActiveChunk:      fastChunk,
		ActiveOffset:     fastOffset,
		ActiveChunkSlow:  slowChunk,
		ActiveOffsetSlow: slowOffset,
		FreeList:         db.pool.FreeListSnapshot(),
	}

	if err := db.store.Save(m); err != nil {
		return fmt.Errorf("mpt: committing metadata: %w", err)
	}

	db.metadataGeneration.Store(gen)
	return nil
}

func mustLatest(r *versionRing) Version {
	v, _, ok := r.Latest()
	if !ok {
		return 0
	}
	return v
}

// Get returns the value stored at key in the given version.
func (db *Db) Get(ctx context.Context, key []byte, version Version) ([]byte, error) {
	return db.GetData(ctx, key, version)
}

// GetData returns the value stored at key in the given version. It holds
// db.mu's read lock only to check the Db is open and to take the cached
// latest root (other versions resolve through the version ring's own
// lock), then reads through the async source without holding db.mu. A
// writer holding db.mu delays that first step.
func (db *Db) GetData(ctx context.Context, key []byte, version Version) ([]byte, error) {
	db.mu.RLock()
	closed := db.closed
	db.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}

	root, err := db.loadRootAtVersion(ctx, version)
	if err != nil {
		return nil, err
	}

	return Find(ctx, db.src, root, nibbles.FromBytes(key))
}

// Traverse visits every key/value pair under prefix in the given version.
func (db *Db) Traverse(ctx context.Context, prefix []byte, version Version, maxDepth int, visit VisitFunc) error {
	db.mu.RLock()
	closed := db.closed
	db.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	root, err := db.loadRootAtVersion(ctx, version)
	if err != nil {
		return err
	}

	prefixView := nibbles.FromBytes(prefix)
	prefixNibbles := make([]byte, prefixView.Len())
	for i := range prefixNibbles {
		prefixNibbles[i] = prefixView.At(i)
	}

	return Traverse(ctx, db.src, root, prefixNibbles, maxDepth, visit)
}

func (db *Db) loadRootAtVersion(ctx context.Context, version Version) (*Node, error) {
	db.mu.RLock()
	latest, _, ok := db.ring.Latest()
	cachedRoot := db.root
	cachedValid := db.rootValid
	db.mu.RUnlock()

	if ok && version == latest && cachedValid {
		return cachedRoot, nil
	}

	off, err := db.ring.Get(version)
	if err != nil {
		return nil, err
	}
	if off.Invalid() {
		return nil, nil
	}

	return db.src.LoadNode(ctx, off)
}

// LatestVersion returns the most recently committed version.
func (db *Db) LatestVersion() Version {
	v, _, _ := db.ring.Latest()
	return v
}

// MoveTrieVersionForward advances the database's notion of "current" from
// an older already-committed version to a newer one, without recomputing
// anything: both versions' root offsets must already be present in the
// ring (this is for replaying a chain of already-persisted versions after
// a restart, not for creating new ones).
func (db *Db) MoveTrieVersionForward(from, to Version) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return ErrClosed
	}
	if to <= from {
		return fmt.Errorf("mpt: MoveTrieVersionForward requires to > from, got from=%d to=%d", from, to)
	}

	off, err := db.ring.Get(to)
	if err != nil {
		return fmt.Errorf("mpt: moving to version %d: %w", to, err)
	}

	if off.Invalid() {
		db.root = nil
		db.rootValid = true
		return nil
	}

	root, err := db.src.LoadNode(context.Background(), off)
	if err != nil {
		return fmt.Errorf("mpt: loading root for version %d: %w", to, err)
	}

	db.root = root
	db.rootValid = true
	return nil
}

// UpdateFinalizedVersion records the highest version considered
// irreversible (e.g. past the chain's finality depth).
func (db *Db) UpdateFinalizedVersion(v Version) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return ErrClosed
	}
	if err := db.ring.SetFinalized(v); err != nil {
		return err
	}
	return db.commitMetadata()
}

// RootCursor is a read-only handle onto one version's root, for callers
// that want to issue multiple reads against a fixed version without
// re-resolving it from the ring each time.
type RootCursor struct {
	db      *Db
	version Version
	root    *Node
}

// Get returns the value at key within this cursor's version.
func (rc RootCursor) Get(ctx context.Context, key []byte) ([]byte, error) {
	return Find(ctx, rc.db.src, rc.root, nibbles.FromBytes(key))
}

// Version returns the version this cursor was loaded for.
func (rc RootCursor) Version() Version { return rc.version }

// LoadRootForVersion resolves and materializes the root node for version,
// returning a cursor for repeated reads against it.
func (db *Db) LoadRootForVersion(version Version) (RootCursor, error) {
	ctx := context.Background()

	off, err := db.ring.Get(version)
	if err != nil {
		return RootCursor{}, err
	}

	if off.Invalid() {
		return RootCursor{db: db, version: version, root: nil}, nil
	}

	root, err := db.src.LoadNode(ctx, off)
	if err != nil {
		return RootCursor{}, err
	}

	return RootCursor{db: db, version: version, root: root}, nil
}

// Close releases the database's locks and closes the storage pool and I/O
// engine. Close is idempotent.
func (db *Db) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return nil
	}
	db.closed = true

	var firstErr error
	if err := db.eng.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := db.pool.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if db.dirLock != nil {
		if err := db.dirLock.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}
