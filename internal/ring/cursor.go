package ring

import "sync/atomic"

// cacheLineSize is the assumed CPU cache line width used to separate
// producer-side and consumer-side cursors so that contending writes to one
// never invalidate the other's cache line.
const cacheLineSize = 64

// producerCursor holds the producer's view of the lane: the position it has
// published up to, and a cached snapshot of the consumer's read position so
// the producer rarely needs to touch the consumer's cache line to check for
// free space.
type producerCursor struct {
	writePos      atomic.Uint64
	cachedReadPos atomic.Uint64
	_             [cacheLineSize - 16]byte
}

// consumerCursor holds the consumer's view of the lane: the position it has
// read up to, and a cached snapshot of the producer's write position.
type consumerCursor struct {
	readPos        atomic.Uint64
	cachedWritePos atomic.Uint64
	_              [cacheLineSize - 16]byte
}
