package aio

import (
	"fmt"
	"syscall"
	"time"

	"github.com/behrlich/go-aio/internal/logging"
	"github.com/behrlich/go-aio/internal/uring"
)

// Identifier encoding: bit 63 marks the CQE of a cancel submission, whose
// low bits carry the identifier of the operation it targeted.
const (
	cancelIDBit = uint64(1) << 63
	invalidID   = ^uint64(0)
)

// ringBackend adapts the loop to the submission/completion ring facility.
// Operations are never attempted directly: every one goes through a
// submission slot, is submitted in a batch on tick, and comes back as a
// completion entry carrying its identifier.
type ringBackend struct {
	q       uring.Queue
	slots   []*Completion // identifier → outstanding completion
	free    []uint32      // recycled identifiers
	ready   []*Completion // finished without kernel involvement (cancels)
	retired map[*Completion]uint32
	cqes    []uring.CQE
	count   int // reserved + in flight
	logger  *logging.Logger
}

func newRingBackend(q uring.Queue, entries uint32, logger *logging.Logger) *ringBackend {
	free := make([]uint32, entries)
	for i := range free {
		// Pop order is LIFO; seed so the first identifiers start at 0.
		free[i] = uint32(entries) - 1 - uint32(i)
	}
	return &ringBackend{
		q:       q,
		slots:   make([]*Completion, entries),
		free:    free,
		retired: make(map[*Completion]uint32),
		cqes:    make([]uring.CQE, entries*2),
		logger:  logger,
	}
}

func (b *ringBackend) Kind() BackendKind { return BackendRing }

func (b *ringBackend) Submit(c *Completion) error {
	if len(b.free) == 0 {
		return NewError("SUBMIT", ErrCodeExhausted, "no submission slot free")
	}
	id := b.free[len(b.free)-1]
	b.free = b.free[:len(b.free)-1]
	b.slots[id] = c
	c.id = uint64(id)
	b.count++
	return nil
}

func (b *ringBackend) Flush(batch []*Completion) error {
	for _, c := range batch {
		if c.canceled {
			// Never reached the kernel; finish locally on this tick.
			b.finish(c, Result{
				Kind: c.op.Kind,
				FD:   -1,
				Err:  NewFDError(c.op.Kind.String(), c.op.FD, ErrCodeCanceled, "canceled before submission"),
			})
			continue
		}
		if err := b.q.Prepare(b.request(c)); err != nil {
			// The slot table is sized to the submission queue, so a full
			// queue here is a bookkeeping violation, not backpressure.
			return NewError("FLUSH", ErrCodeBackendInit, err.Error())
		}
		c.state = statePending
	}

	// One kernel call submits everything prepared this tick, including any
	// cancel entries staged during the previous dispatch pass.
	if _, err := b.q.Flush(); err != nil {
		return WrapError("FLUSH", err)
	}
	return nil
}

func (b *ringBackend) Wait(timeout time.Duration) ([]*Completion, error) {
	if len(b.ready) > 0 {
		// Something is already deliverable; reap without blocking.
		timeout = 0
	}

	n, err := b.q.Wait(timeout, b.cqes)
	if err != nil {
		return nil, WrapError("WAIT", err)
	}

	for i := 0; i < n; i++ {
		cqe := b.cqes[i]

		if cqe.ID&cancelIDBit != 0 {
			// Outcome of a cancel submission itself. ENOENT or EALREADY
			// just means the target won the race.
			continue
		}

		if cqe.ID >= uint64(len(b.slots)) || b.slots[cqe.ID] == nil {
			return nil, NewError("WAIT", ErrCodeUnknownCompletion,
				fmt.Sprintf("completion for unknown identifier %d", cqe.ID))
		}
		c := b.slots[cqe.ID]
		if c.state != statePending {
			return nil, NewError("WAIT", ErrCodeUnknownCompletion,
				fmt.Sprintf("duplicate completion for identifier %d", cqe.ID))
		}

		b.finish(c, b.translate(c, cqe))
	}

	out := b.ready
	b.ready = nil
	return out, nil
}

// finish removes the completion from slot tracking and stages it for
// dispatch. The identifier is captured here and recycled later, after the
// callback has run, so a callback re-submitting the same object gets a
// fresh identifier without clobbering the one still owed to the free list.
func (b *ringBackend) finish(c *Completion, res Result) {
	b.slots[c.id] = nil
	b.retired[c] = uint32(c.id)
	c.id = invalidID
	c.result = res
	c.state = stateReady
	b.count--
	b.ready = append(b.ready, c)
	if res.Err != nil {
		b.logger.WithFD(c.op.FD).WithOp(c.op.Kind.String()).Debug("operation failed", "err", res.Err)
	}
}

// translate turns a raw completion entry into a typed Result.
func (b *ringBackend) translate(c *Completion, cqe uring.CQE) Result {
	res := Result{Kind: c.op.Kind, FD: -1}

	if cqe.Res < 0 {
		errno := syscall.Errno(-cqe.Res)
		if c.op.Kind == OpTimeout && errno == syscall.ETIME {
			// A timer expiring is its success case.
			return res
		}
		res.Err = WrapErrno(c.op.Kind.String(), c.op.FD, errno)
		return res
	}

	switch c.op.Kind {
	case OpRead, OpWrite:
		res.N = int(cqe.Res)
	case OpAccept:
		res.FD = int(cqe.Res)
	}
	return res
}

func (b *ringBackend) Cancel(c *Completion) error {
	if c.state != statePending {
		// Not yet flushed; the flag set by the loop makes Flush finish it
		// locally.
		return nil
	}
	err := b.q.Prepare(uring.SQERequest{
		Code:   uring.Cancel,
		ID:     cancelIDBit | c.id,
		Target: c.id,
	})
	if err != nil {
		return NewError("CANCEL", ErrCodeExhausted, err.Error())
	}
	return nil
}

// Recycle returns the completion's retired identifier to the free list.
// Runs after dispatch so a reused identifier can never be confused with one
// whose callback has not yet observed its result. The identifier was
// captured at finish time: c.id may already belong to a reentrant
// resubmission of the same object.
func (b *ringBackend) Recycle(c *Completion) {
	id, ok := b.retired[c]
	if !ok {
		return
	}
	delete(b.retired, c)
	b.free = append(b.free, id)
}

func (b *ringBackend) Pending() int { return b.count }

func (b *ringBackend) Close() error { return b.q.Close() }

// request maps an operation descriptor onto a submission entry.
func (b *ringBackend) request(c *Completion) uring.SQERequest {
	req := uring.SQERequest{ID: c.id, FD: c.op.FD}
	switch c.op.Kind {
	case OpAccept:
		req.Code = uring.Accept
	case OpConnect:
		req.Code = uring.Connect
		req.Addr = c.op.Addr
	case OpRead:
		req.Code = uring.Read
		req.Buf = c.op.Buf
		req.Offset = c.op.Offset
	case OpWrite:
		req.Code = uring.Write
		req.Buf = c.op.Buf
		req.Offset = c.op.Offset
	case OpClose:
		req.Code = uring.Close
	case OpTimeout:
		req.Code = uring.Timeout
		req.Dur = c.op.Dur
	default:
		req.Code = uring.Nop
	}
	return req
}
