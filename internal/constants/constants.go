// Package constants defines shared defaults for the aio event loop.
package constants

import "time"

// Default loop configuration
const (
	// DefaultRingEntries is the submission queue size for the ring backend.
	// It also bounds the number of concurrently outstanding operations.
	DefaultRingEntries = 256

	// DefaultWaitTimeout bounds a single blocking wait inside Tick so the
	// loop can observe a shutdown request even with no pending I/O.
	DefaultWaitTimeout = 100 * time.Millisecond

	// DefaultEventBatch is the maximum number of kernel events reaped in
	// one wait call.
	DefaultEventBatch = 128
)

// Offset handling
const (
	// NoOffset marks reads and writes on stream-oriented descriptors that
	// carry no file offset.
	NoOffset = ^uint64(0)
)
