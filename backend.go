// Package aio implements a completion-based asynchronous I/O event loop
// with two interchangeable kernel backends: an edge-triggered readiness
// poller (epoll) and a submission/completion ring (io_uring). Exactly one
// backend is active per loop, selected at construction.
package aio

import "time"

// BackendKind selects the kernel facility a loop binds to.
type BackendKind string

const (
	// BackendAuto probes for io_uring and falls back to the poller.
	BackendAuto BackendKind = "auto"
	// BackendRing uses the submission/completion ring facility.
	BackendRing BackendKind = "ring"
	// BackendPoll uses the edge-triggered readiness facility.
	BackendPoll BackendKind = "poll"
)

// Backend is the uniform capability interface both kernel adapters satisfy.
// The loop is its only driver; implementations assume single-threaded use.
//
// Lifecycle per completion: Submit reserves bookkeeping and performs no
// kernel work; Flush pushes a batch toward the kernel at the start of a
// tick; Wait blocks up to the timeout and returns finished completions in
// kernel-reported order, with all internal tracking for them already
// removed; Recycle is called once per completion after its callback has
// returned, releasing any identifier held for it.
type Backend interface {
	Kind() BackendKind

	// Submit validates and reserves. Returns ErrInvalidState when the
	// (descriptor, direction) pair is already pending (poll backend) or
	// ErrExhausted when no submission slot remains (ring backend).
	Submit(c *Completion) error

	// Flush moves queued completions to the kernel-facing side. A non-nil
	// error is fatal to the loop.
	Flush(batch []*Completion) error

	// Wait blocks up to timeout for kernel notifications and returns the
	// batch of finished completions. A non-nil error is fatal to the loop.
	Wait(timeout time.Duration) ([]*Completion, error)

	// Cancel requests cancellation of an outstanding completion. The
	// completion's callback receives a Canceled result on a later tick;
	// cancellation is never synchronous.
	Cancel(c *Completion) error

	// Recycle releases per-completion bookkeeping after dispatch.
	Recycle(c *Completion)

	// Pending counts completions owned by the backend, reserved or in
	// flight.
	Pending() int

	Close() error
}
