//go:build linux
// +build linux

package aio

import (
	"github.com/behrlich/go-aio/internal/logging"
	"github.com/behrlich/go-aio/internal/uring"
)

// New constructs a loop with a platform backend chosen per cfg.Backend.
// BackendAuto prefers the ring facility and falls back to the readiness
// poller on kernels without io_uring.
func New(cfg Config) (*Loop, error) {
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics()
	}
	if cfg.RingEntries == 0 {
		cfg.RingEntries = DefaultRingEntries
	}

	kind := cfg.Backend
	if kind == "" {
		kind = BackendAuto
	}
	if kind == BackendAuto {
		if uring.Available() {
			kind = BackendRing
		} else {
			kind = BackendPoll
		}
	}

	var b Backend
	switch kind {
	case BackendRing:
		q, err := uring.New(cfg.RingEntries)
		if err != nil {
			return nil, NewError("INIT", ErrCodeBackendInit, err.Error())
		}
		b = newRingBackend(q, cfg.RingEntries, cfg.Logger)
	case BackendPoll:
		pb, err := newPollBackend(cfg.Logger, cfg.Metrics)
		if err != nil {
			return nil, err
		}
		b = pb
	default:
		return nil, NewError("INIT", ErrCodeBackendInit, "unknown backend kind")
	}

	cfg.Logger.Info("event loop created", "backend", string(kind))
	return NewWithBackend(b, cfg), nil
}
