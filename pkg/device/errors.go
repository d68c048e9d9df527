package device

import "errors"

var (
	// ErrChunkOutOfRange is returned when a ChunkID has no backing storage.
	ErrChunkOutOfRange = errors.New("device: chunk id out of range")

	// ErrOffsetOutOfRange is returned when a read/write would cross the
	// fixed capacity boundary of a chunk.
	ErrOffsetOutOfRange = errors.New("device: offset out of chunk range")

	// ErrReadOnly is returned by WriteAt on a pool opened via CloneReadOnly.
	ErrReadOnly = errors.New("device: pool is read-only")

	// ErrClosed is returned by any operation on a closed pool.
	ErrClosed = errors.New("device: pool is closed")

	// ErrNoDevices is returned by Open when given an empty path list.
	ErrNoDevices = errors.New("device: no backing devices given")
)
