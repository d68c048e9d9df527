package asyncio

import "errors"

var (
	// ErrClosed is returned by Submit* calls made after Close.
	ErrClosed = errors.New("asyncio: engine is closed")

	// ErrBufferExhausted is never actually returned: Get blocks instead of
	// failing (see bufferPool.Get). Kept as a documented, structurally
	// unreachable sentinel for callers that want to errors.Is against it.
	ErrBufferExhausted = errors.New("asyncio: buffer pool exhausted")

	// ErrNeedIOThread is unused: every caller may submit from any
	// goroutine, since the channel backing each ring is itself the
	// cross-goroutine handoff, so nothing ever needs to repost work onto a
	// specific OS thread. Kept as a documented, structurally unreachable
	// sentinel.
	ErrNeedIOThread = errors.New("asyncio: operation must continue on the io thread")
)
