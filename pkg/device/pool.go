// Package device implements the storage pool: one or more backing files
// (standing in for raw block devices) partitioned into fixed-capacity
// chunks addressed by (ChunkID, byte offset). All reads and writes are
// positioned (pread/pwrite) so concurrent callers never race a shared file
// cursor via Seek.
package device

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// ChunkID identifies one fixed-capacity chunk within a Pool.
type ChunkID uint32

// InvalidChunkID is the sentinel "no chunk" value, matching mpt.ChunkOffset's
// Invalid() convention.
const InvalidChunkID ChunkID = math.MaxUint32

// chunkState partitions every chunk in the pool into exactly one of these
// sets at any given time: never yet touched, actively appended to by the
// fast (sequential) writer, actively appended to by the slow (compaction)
// writer, or sitting on the free list waiting to be reused.
type chunkState int

const (
	chunkUnused chunkState = iota
	chunkSeq
	chunkSlow
	chunkFree
)

// chunkMeta is the per-chunk bookkeeping record backing the free list:
// insertionCount counts how many times the chunk has been released back
// onto the free list by ReleaseChunk (for diagnosing reuse churn), and
// freeListNext threads free chunks into a singly-linked list through
// freeHead, InvalidChunkID terminating it.
type chunkMeta struct {
	state          chunkState
	insertionCount uint64
	freeListNext   ChunkID
}

// FreeListEntry is one chunk's free-list bookkeeping, in free-list order
// (head, the next chunk AllocateChunk will hand out, first). It is the
// unit metadata persists across restarts so a recovered pool resumes with
// the same reclaimable chunks instead of falling back to never-used ones.
type FreeListEntry struct {
	Chunk          ChunkID
	InsertionCount uint64
}

// Pool owns the open file descriptors for one or more backing devices and
// maps ChunkIDs onto (file, base offset) pairs. Each file hosts one
// contiguous range of ChunkIDs, the ranges following the order the files
// were opened (the first file holds chunks 0..n0-1, the next n0.., etc.).
type Pool struct {
	files         []*os.File
	chunkCapacity uint64
	chunksPerFile []uint32 // number of chunks hosted by each file, parallel to files
	fileBase      []uint32 // cumulative chunk count before each file, for locate()

	closed   atomic.Bool
	readOnly bool

	// mu guards Close/CloneReadOnly bookkeeping only; ReadAt/WriteAt use
	// pread/pwrite and need no lock since the OS serializes positioned I/O
	// on a single fd safely across goroutines.
	mu sync.Mutex

	// freeMu guards meta/freeHead/freeCount, the chunk-set partitioning and
	// free list. Separate from mu since allocation happens on the writer
	// hot path and must not contend with Close/CloneReadOnly bookkeeping.
	freeMu    sync.Mutex
	meta      []chunkMeta
	freeHead  ChunkID
	freeCount uint32
}

// Open opens (creating if necessary) the backing files at paths, sizing
// each to hold chunksPerFile[i] chunks of chunkCapacity bytes via
// fallocate, and returns a writable Pool striping ChunkIDs across them in
// file order.
func Open(paths []string, chunkCapacity uint64, chunksPerFile []uint32) (*Pool, error) {
	if len(paths) == 0 {
		return nil, ErrNoDevices
	}
	if len(paths) != len(chunksPerFile) {
		return nil, fmt.Errorf("device: len(paths)=%d != len(chunksPerFile)=%d", len(paths), len(chunksPerFile))
	}

	files := make([]*os.File, 0, len(paths))
	for _, p := range paths {
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			closeAll(files)
			return nil, fmt.Errorf("device: creating parent dir for %s: %w", p, err)
		}
		f, err := os.OpenFile(p, os.O_RDWR|os.O_CREATE, 0o644)
		if err != nil {
			closeAll(files)
			return nil, fmt.Errorf("device: opening %s: %w", p, err)
		}
		files = append(files, f)
	}

	p := &Pool{files: files, chunkCapacity: chunkCapacity, chunksPerFile: append([]uint32(nil), chunksPerFile...)}
	p.computeFileBase()
	p.initChunkMeta()

	if err := p.preallocate(); err != nil {
		closeAll(files)
		return nil, err
	}

	return p, nil
}

// NewAnonymous creates a single-device Pool backed by a file under dir that
// is unlinked immediately after opening, so its storage is reclaimed as
// soon as the Pool is closed (and on crash) even though the fd stays valid
// meanwhile. Intended for tests and benchmarks.
func NewAnonymous(dir string, numChunks uint32, chunkCapacity uint64) (*Pool, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("device: creating anonymous pool dir: %w", err)
	}

	f, err := os.CreateTemp(dir, "device-anon-*.chunks")
	if err != nil {
		return nil, fmt.Errorf("device: creating anonymous backing file: %w", err)
	}
	name := f.Name()
	if err := os.Remove(name); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("device: unlinking anonymous backing file: %w", err)
	}

	p := &Pool{files: []*os.File{f}, chunkCapacity: chunkCapacity, chunksPerFile: []uint32{numChunks}}
	p.computeFileBase()
	p.initChunkMeta()

	if err := p.preallocate(); err != nil {
		_ = f.Close()
		return nil, err
	}

	return p, nil
}

func (p *Pool) initChunkMeta() {
	p.meta = make([]chunkMeta, p.TotalChunks())
	p.freeHead = InvalidChunkID
}

func (p *Pool) computeFileBase() {
	p.fileBase = make([]uint32, len(p.chunksPerFile))
	var cum uint32
	for i, n := range p.chunksPerFile {
		p.fileBase[i] = cum
		cum += n
	}
}

func (p *Pool) preallocate() error {
	for i, f := range p.files {
		size := int64(uint64(p.chunksPerFile[i]) * p.chunkCapacity)
		if size == 0 {
			continue
		}
		if err := unix.Fallocate(int(f.Fd()), 0, 0, size); err != nil {
			// Fallocate is unsupported on some filesystems (e.g. tmpfs in
			// certain configurations); fall back to Truncate, which still
			// guarantees the file is at least `size` bytes.
			if err := f.Truncate(size); err != nil {
				return fmt.Errorf("device: sizing backing file %s to %d bytes: %w", f.Name(), size, err)
			}
		}
	}
	return nil
}

func closeAll(files []*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}

// TotalChunks returns the number of chunks across all backing files.
func (p *Pool) TotalChunks() uint32 {
	var total uint32
	for _, n := range p.chunksPerFile {
		total += n
	}
	return total
}

// ChunkCapacity returns the fixed byte capacity of every chunk in the pool.
func (p *Pool) ChunkCapacity() uint64 { return p.chunkCapacity }

// AllocateChunk returns the next chunk a writer should roll over into,
// preferring a chunk released back to the free list over one that has
// never been used: reused chunks already have their storage backed, so
// this is what lets a pool keep writing indefinitely instead of running
// out once every chunk has been touched once. slow selects which active
// set (seq or slow) the chunk is activated into.
func (p *Pool) AllocateChunk(prev ChunkID, slow bool) (ChunkID, error) {
	p.freeMu.Lock()
	defer p.freeMu.Unlock()

	if p.freeHead != InvalidChunkID {
		id := p.freeHead
		p.freeHead = p.meta[id].freeListNext
		p.freeCount--
		p.meta[id].freeListNext = InvalidChunkID
		p.activateLocked(id, slow)
		return id, nil
	}

	next := ChunkID(uint32(prev) + 1)
	if uint32(next) >= p.TotalChunks() {
		return 0, fmt.Errorf("device: no free chunks available after %d", prev)
	}
	p.activateLocked(next, slow)
	return next, nil
}

// ActivateChunk transitions id out of the unused/free set into the active
// seq (fast) or slow set. Exposed separately from AllocateChunk so recovery
// can re-activate a writer's resumed chunk directly, without going through
// the free-list/sequential selection AllocateChunk performs for a fresh
// chunk.
func (p *Pool) ActivateChunk(id ChunkID, slow bool) error {
	if uint32(id) >= p.TotalChunks() {
		return fmt.Errorf("%w: id=%d", ErrChunkOutOfRange, id)
	}
	p.freeMu.Lock()
	defer p.freeMu.Unlock()
	p.activateLocked(id, slow)
	return nil
}

func (p *Pool) activateLocked(id ChunkID, slow bool) {
	if slow {
		p.meta[id].state = chunkSlow
	} else {
		p.meta[id].state = chunkSeq
	}
}

// ReleaseChunk returns id to the free list, available for reuse by a
// future AllocateChunk call. Called once nothing still references the
// chunk's contents, e.g. when the version ring window advances past the
// last version whose root lived there.
func (p *Pool) ReleaseChunk(id ChunkID) error {
	if uint32(id) >= p.TotalChunks() {
		return fmt.Errorf("%w: id=%d", ErrChunkOutOfRange, id)
	}

	p.freeMu.Lock()
	defer p.freeMu.Unlock()

	p.meta[id].state = chunkFree
	p.meta[id].insertionCount++
	p.meta[id].freeListNext = p.freeHead
	p.freeHead = id
	p.freeCount++
	return nil
}

// FreeChunkCount returns the number of chunks currently on the free list.
func (p *Pool) FreeChunkCount() uint32 {
	p.freeMu.Lock()
	defer p.freeMu.Unlock()
	return p.freeCount
}

// FreeListSnapshot returns the free list's contents head-first, for
// persisting into metadata.
func (p *Pool) FreeListSnapshot() []FreeListEntry {
	p.freeMu.Lock()
	defer p.freeMu.Unlock()

	out := make([]FreeListEntry, 0, p.freeCount)
	for id := p.freeHead; id != InvalidChunkID; id = p.meta[id].freeListNext {
		out = append(out, FreeListEntry{Chunk: id, InsertionCount: p.meta[id].insertionCount})
	}
	return out
}

// RestoreFreeList rebuilds the free list from a persisted snapshot
// (head-first), replacing whatever free list the pool currently has. Meant
// to be called once during recovery, before any AllocateChunk call.
func (p *Pool) RestoreFreeList(entries []FreeListEntry) error {
	p.freeMu.Lock()
	defer p.freeMu.Unlock()

	p.freeHead = InvalidChunkID
	p.freeCount = 0

	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if uint32(e.Chunk) >= p.TotalChunks() {
			return fmt.Errorf("%w: id=%d", ErrChunkOutOfRange, e.Chunk)
		}
		p.meta[e.Chunk].state = chunkFree
		p.meta[e.Chunk].insertionCount = e.InsertionCount
		p.meta[e.Chunk].freeListNext = p.freeHead
		p.freeHead = e.Chunk
		p.freeCount++
	}
	return nil
}

// CloneReadOnly returns a second Pool that shares this pool's open file
// descriptors but rejects WriteAt, for reader-only processes that must
// never mutate chunk contents (the C9 recovery reader path).
func (p *Pool) CloneReadOnly() (*Pool, error) {
	if p.closed.Load() {
		return nil, ErrClosed
	}
	clone := &Pool{
		files:         p.files,
		chunkCapacity: p.chunkCapacity,
		chunksPerFile: p.chunksPerFile,
		fileBase:      p.fileBase,
		readOnly:      true,
	}
	return clone, nil
}

// Close closes all backing file descriptors. Calling Close on a pool
// obtained via CloneReadOnly only marks the clone closed; the underlying
// fds (owned by the writable pool) are left open.
func (p *Pool) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	if p.readOnly {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	var firstErr error
	for _, f := range p.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// locate maps a ChunkID to its backing file and base byte offset within
// that file.
func (p *Pool) locate(id ChunkID) (*os.File, int64, error) {
	if id == InvalidChunkID {
		return nil, 0, fmt.Errorf("%w: id=%d", ErrChunkOutOfRange, id)
	}

	// fileBase is sorted ascending; find the last file whose base <= id.
	fileIdx := -1
	for i := len(p.fileBase) - 1; i >= 0; i-- {
		if uint32(id) >= p.fileBase[i] {
			fileIdx = i
			break
		}
	}
	if fileIdx < 0 || uint32(id) >= p.fileBase[fileIdx]+p.chunksPerFile[fileIdx] {
		return nil, 0, fmt.Errorf("%w: id=%d total=%d", ErrChunkOutOfRange, id, p.TotalChunks())
	}

	localIdx := uint64(uint32(id) - p.fileBase[fileIdx])
	base := int64(localIdx * p.chunkCapacity)
	return p.files[fileIdx], base, nil
}

// ReadAt reads into buf starting at byte offset within chunk id. It never
// reads past the chunk's fixed capacity.
func (p *Pool) ReadAt(id ChunkID, offset uint32, buf []byte) (int, error) {
	if p.closed.Load() {
		return 0, ErrClosed
	}
	if uint64(offset)+uint64(len(buf)) > p.chunkCapacity {
		return 0, fmt.Errorf("%w: chunk=%d offset=%d len=%d capacity=%d", ErrOffsetOutOfRange, id, offset, len(buf), p.chunkCapacity)
	}

	f, base, err := p.locate(id)
	if err != nil {
		return 0, err
	}

	n, err := unix.Pread(int(f.Fd()), buf, base+int64(offset))
	if err != nil {
		return n, fmt.Errorf("device: pread chunk=%d offset=%d: %w", id, offset, err)
	}
	return n, nil
}

// WriteAt writes buf starting at byte offset within chunk id.
func (p *Pool) WriteAt(id ChunkID, offset uint32, buf []byte) (int, error) {
	if p.closed.Load() {
		return 0, ErrClosed
	}
	if p.readOnly {
		return 0, ErrReadOnly
	}
	if uint64(offset)+uint64(len(buf)) > p.chunkCapacity {
		return 0, fmt.Errorf("%w: chunk=%d offset=%d len=%d capacity=%d", ErrOffsetOutOfRange, id, offset, len(buf), p.chunkCapacity)
	}

	f, base, err := p.locate(id)
	if err != nil {
		return 0, err
	}

	n, err := unix.Pwrite(int(f.Fd()), buf, base+int64(offset))
	if err != nil {
		return n, fmt.Errorf("device: pwrite chunk=%d offset=%d: %w", id, offset, err)
	}
	return n, nil
}

// Sync flushes all backing files to stable storage.
func (p *Pool) Sync() error {
	if p.closed.Load() {
		return ErrClosed
	}
	var firstErr error
	for _, f := range p.files {
		if err := f.Sync(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
