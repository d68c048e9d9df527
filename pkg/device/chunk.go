package device

// Chunk is a thin, re-sliceable handle onto a single chunk of a Pool,
// convenient for passing around a fixed "which chunk" context without
// threading a ChunkID through every call site.
type Chunk struct {
	pool *Pool
	id   ChunkID
}

// NewChunk returns a handle to chunk id within pool. It does not validate
// that id is in range; that happens lazily on first ReadAt/WriteAt.
func NewChunk(pool *Pool, id ChunkID) Chunk {
	return Chunk{pool: pool, id: id}
}

// ID returns the chunk's identifier.
func (c Chunk) ID() ChunkID { return c.id }

// Capacity returns the fixed byte capacity shared by all chunks in the pool.
func (c Chunk) Capacity() uint64 { return c.pool.ChunkCapacity() }

// ReadAt reads into buf starting at byte offset within the chunk.
func (c Chunk) ReadAt(offset uint32, buf []byte) (int, error) {
	return c.pool.ReadAt(c.id, offset, buf)
}

// WriteAt writes buf starting at byte offset within the chunk.
func (c Chunk) WriteAt(offset uint32, buf []byte) (int, error) {
	return c.pool.WriteAt(c.id, offset, buf)
}
