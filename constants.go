package aio

import "github.com/behrlich/go-aio/internal/constants"

// Re-export constants for public API
const (
	DefaultRingEntries = constants.DefaultRingEntries
	DefaultWaitTimeout = constants.DefaultWaitTimeout
	DefaultEventBatch  = constants.DefaultEventBatch
	NoOffset           = constants.NoOffset
)
