// Package uring binds the submission/completion ring facility for the ring
// backend. The Queue interface is the seam: the Linux implementation drives
// io_uring through giouring, and Fake provides a deterministic in-memory
// queue for tests.
package uring

import (
	"errors"
	"time"

	"golang.org/x/sys/unix"
)

// OpCode identifies the prepared kernel action.
type OpCode uint8

const (
	Nop OpCode = iota
	Accept
	Connect
	Read
	Write
	Close
	Timeout
	Cancel
)

// SQERequest carries the parameters for one submission queue entry. ID is
// the caller-chosen identifier echoed back in the matching CQE; it must be
// unique among currently outstanding submissions.
type SQERequest struct {
	Code   OpCode
	ID     uint64
	FD     int
	Buf    []byte
	Offset uint64        // NoOffset for stream descriptors
	Addr   unix.Sockaddr // connect target
	Dur    time.Duration // timeout duration
	Target uint64        // cancel: ID of the submission to cancel
}

// NoOffset mirrors the loop-level stream marker.
const NoOffset = ^uint64(0)

// CQE is one reaped completion queue entry. Res follows kernel convention:
// negative values are errnos, non-negative values are the operation payload
// (byte count or new descriptor).
type CQE struct {
	ID    uint64
	Res   int32
	Flags uint32
}

// ErrSQFull is returned by Prepare when no submission queue entry is free
// before the next Flush.
var ErrSQFull = errors.New("uring: submission queue full")

// Queue is the ring facility the ring backend drives. Implementations are
// single-threaded like the loop itself.
type Queue interface {
	// Prepare stages one entry for the next Flush.
	Prepare(req SQERequest) error

	// Flush submits all prepared entries in one kernel call and returns
	// the number submitted.
	Flush() (uint, error)

	// Wait blocks up to timeout for at least one completion, then drains
	// available entries into out and returns the count. A zero or negative
	// timeout only reaps what is already available.
	Wait(timeout time.Duration, out []CQE) (int, error)

	Close() error
}
