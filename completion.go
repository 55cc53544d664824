package aio

import (
	"time"

	"golang.org/x/sys/unix"
)

// OpKind tags the kernel action an operation descriptor requests.
type OpKind uint8

const (
	OpNop OpKind = iota
	OpAccept
	OpConnect
	OpRead
	OpWrite
	OpClose
	OpTimeout
)

func (k OpKind) String() string {
	switch k {
	case OpNop:
		return "nop"
	case OpAccept:
		return "accept"
	case OpConnect:
		return "connect"
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	case OpClose:
		return "close"
	case OpTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Op describes one kernel action and its parameters. An Op is immutable once
// its Completion has been submitted; resubmission after dispatch requires a
// fresh Completion (or the same one, which is fully released before its
// callback runs).
type Op struct {
	Kind   OpKind
	FD     int           // target descriptor (accept, connect, read, write, close)
	Buf    []byte        // read destination / write source
	Offset uint64        // file offset; NoOffset for stream descriptors
	Addr   unix.Sockaddr // connect target
	Dur    time.Duration // timeout duration
}

// Result carries the outcome of a finished operation. Exactly one of the
// success payloads is meaningful, selected by Kind; Err is a Recoverable
// *Error when the operation failed. A would-block condition never appears
// here.
type Result struct {
	Kind OpKind
	N    int   // bytes transferred (read, write); short counts included
	FD   int   // accepted descriptor (accept)
	Err  error // nil on success
}

// Callback is invoked exactly once per dispatched Completion, on the loop
// thread. Callbacks may submit new Completions; those are observed no
// earlier than the next tick.
type Callback func(loop *Loop, c *Completion, res Result)

type completionState uint8

const (
	stateDead    completionState = iota // not owned by any loop
	stateQueued                         // accepted by Submit, awaiting flush
	statePending                        // owned by the backend, in flight
	stateReady                          // finished, staged for dispatch
)

// Completion is the unit of one pending or finished asynchronous operation.
// The application owns the Completion before Submit and again from the
// moment its callback is invoked; in between it belongs to the loop and
// must not be touched.
type Completion struct {
	op       Op
	context  any
	callback Callback

	result Result
	state  completionState

	// backend bookkeeping
	id          uint64 // ring submission identifier while outstanding
	canceled    bool
	connStarted bool  // connect() already issued (readiness backend)
	submittedNs int64 // dispatch latency accounting
}

// NewCompletion builds a Completion from an operation descriptor, an opaque
// caller-owned context, and a callback.
func NewCompletion(op Op, context any, cb Callback) *Completion {
	return &Completion{
		op:       op,
		context:  context,
		callback: cb,
	}
}

// Op returns the operation descriptor.
func (c *Completion) Op() Op { return c.op }

// Context returns the opaque context handle supplied at construction.
func (c *Completion) Context() any { return c.context }

// Result returns the final result. Valid only inside or after the callback.
func (c *Completion) Result() Result { return c.result }

// Outstanding reports whether the loop currently owns the Completion.
func (c *Completion) Outstanding() bool { return c.state != stateDead }

// Descriptor constructors. These cover the supported operation set; callers
// can also fill an Op literal directly.

// Accept describes accepting one connection from a listening descriptor.
func Accept(fd int) Op {
	return Op{Kind: OpAccept, FD: fd}
}

// Connect describes connecting fd to the given socket address.
func Connect(fd int, addr unix.Sockaddr) Op {
	return Op{Kind: OpConnect, FD: fd, Addr: addr}
}

// Read describes reading into buf from a stream descriptor.
func Read(fd int, buf []byte) Op {
	return Op{Kind: OpRead, FD: fd, Buf: buf, Offset: NoOffset}
}

// ReadAt describes reading into buf at a file offset.
func ReadAt(fd int, buf []byte, offset uint64) Op {
	return Op{Kind: OpRead, FD: fd, Buf: buf, Offset: offset}
}

// Write describes writing buf to a stream descriptor.
func Write(fd int, buf []byte) Op {
	return Op{Kind: OpWrite, FD: fd, Buf: buf, Offset: NoOffset}
}

// WriteAt describes writing buf at a file offset.
func WriteAt(fd int, buf []byte, offset uint64) Op {
	return Op{Kind: OpWrite, FD: fd, Buf: buf, Offset: offset}
}

// Close describes closing a descriptor.
func Close(fd int) Op {
	return Op{Kind: OpClose, FD: fd}
}

// Timeout describes a timer that completes after d.
func Timeout(d time.Duration) Op {
	return Op{Kind: OpTimeout, FD: -1, Dur: d}
}
