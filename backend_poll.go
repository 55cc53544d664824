//go:build linux
// +build linux

package aio

import (
	"container/heap"
	"time"

	"golang.org/x/sys/unix"

	"github.com/behrlich/go-aio/internal/logging"
	"github.com/behrlich/go-aio/internal/poller"
)

// pendingKey identifies the one operation allowed per descriptor and
// direction under the readiness model.
type pendingKey struct {
	fd  int
	dir poller.Interest
}

// pollBackend adapts the loop to the edge-triggered readiness facility.
// Each operation is attempted optimistically; on would-block it is parked
// behind a one-shot registration and re-attempted when the kernel reports
// the descriptor ready. Readiness is a promise the operation won't block,
// not that it will succeed in full: short counts are results, and a retry
// that blocks again is a spurious wake that re-arms silently.
type pollBackend struct {
	p       *poller.Poller
	pending map[pendingKey]*Completion
	timers  timerHeap
	ready   []*Completion
	events  []poller.Event
	count   int // reserved + in flight
	logger  *logging.Logger
	metrics *Metrics
}

func newPollBackend(logger *logging.Logger, metrics *Metrics) (*pollBackend, error) {
	p, err := poller.New(DefaultEventBatch)
	if err != nil {
		return nil, NewError("INIT", ErrCodeBackendInit, err.Error())
	}
	return &pollBackend{
		p:       p,
		pending: make(map[pendingKey]*Completion),
		events:  make([]poller.Event, DefaultEventBatch),
		logger:  logger,
		metrics: metrics,
	}, nil
}

func (b *pollBackend) Kind() BackendKind { return BackendPoll }

// direction maps an operation onto the readiness direction it waits for.
// Zero means the operation never registers interest.
func direction(kind OpKind) poller.Interest {
	switch kind {
	case OpAccept, OpRead:
		return poller.In
	case OpConnect, OpWrite:
		return poller.Out
	default:
		return 0
	}
}

func (b *pollBackend) Submit(c *Completion) error {
	if dir := direction(c.op.Kind); dir != 0 {
		key := pendingKey{fd: c.op.FD, dir: dir}
		if _, busy := b.pending[key]; busy {
			return NewFDError("SUBMIT", c.op.FD, ErrCodeInvalidState,
				"operation already pending for this descriptor and direction")
		}
		b.pending[key] = c
	}
	b.count++
	return nil
}

func (b *pollBackend) Flush(batch []*Completion) error {
	for _, c := range batch {
		if c.canceled {
			b.finish(c, Result{
				Kind: c.op.Kind,
				FD:   -1,
				Err:  NewFDError(c.op.Kind.String(), c.op.FD, ErrCodeCanceled, "canceled before submission"),
			})
			continue
		}

		switch c.op.Kind {
		case OpTimeout:
			heap.Push(&b.timers, &timerEntry{c: c, when: time.Now().Add(c.op.Dur)})
			c.state = statePending
		case OpClose:
			res := Result{Kind: OpClose, FD: -1}
			if err := closeRetry(c.op.FD); err != nil {
				res.Err = WrapErrno("CLOSE", c.op.FD, err.(unix.Errno))
			}
			b.finish(c, res)
		case OpNop:
			b.finish(c, Result{Kind: OpNop, FD: -1})
		default:
			b.attempt(c)
		}
	}
	return nil
}

// attempt performs the operation optimistically and parks it behind a
// readiness registration when it would block.
func (b *pollBackend) attempt(c *Completion) {
	res, again := b.perform(c)
	if !again {
		b.finish(c, res)
		// Dropping a finished op may shrink this descriptor's interest.
		if dir := direction(c.op.Kind); dir != 0 {
			if err := b.rearm(c.op.FD); err != nil {
				b.logger.WithFD(c.op.FD).WithError(err).Warn("interest update failed")
			}
		}
		return
	}

	b.metrics.RecordWouldBlock()
	c.state = statePending
	if err := b.rearm(c.op.FD); err != nil {
		// Registration failure (descriptor limits and the like) is the
		// operation's problem, not the loop's.
		b.finish(c, Result{
			Kind: c.op.Kind,
			FD:   -1,
			Err:  NewFDError(c.op.Kind.String(), c.op.FD, ErrCodeRegisterFailed, err.Error()),
		})
	}
}

// rearm recomputes the union of directions still pending for fd and
// replaces its one-shot interest, removing the descriptor when none remain.
func (b *pollBackend) rearm(fd int) error {
	var interest poller.Interest
	if c, ok := b.pending[pendingKey{fd: fd, dir: poller.In}]; ok && c.state == statePending {
		interest |= poller.In
	}
	if c, ok := b.pending[pendingKey{fd: fd, dir: poller.Out}]; ok && c.state == statePending {
		interest |= poller.Out
	}
	return b.p.Set(fd, interest)
}

func (b *pollBackend) Wait(timeout time.Duration) ([]*Completion, error) {
	if len(b.ready) > 0 {
		// Optimistic successes from this tick's flush are deliverable now.
		timeout = 0
	}
	timeout = b.timers.bound(timeout)

	n, err := b.p.Wait(timeout, b.events)
	if err != nil {
		return nil, WrapError("WAIT", err)
	}

	for i := 0; i < n; i++ {
		ev := b.events[i]
		// A closed or errored descriptor wakes both directions so the
		// retry surfaces the concrete errno.
		if ev.Readable || ev.Closed {
			b.retry(ev.FD, poller.In)
		}
		if ev.Writable || ev.Closed {
			b.retry(ev.FD, poller.Out)
		}
		if err := b.rearm(ev.FD); err != nil {
			b.logger.WithFD(ev.FD).WithError(err).Warn("re-arm failed")
		}
	}

	b.expireTimers(time.Now())

	out := b.ready
	b.ready = nil
	return out, nil
}

// retry re-attempts a parked operation after a readiness wake. The wake only
// promises the operation won't block; blocking again is a legal spurious
// wake and the registration is re-armed by the caller.
func (b *pollBackend) retry(fd int, dir poller.Interest) {
	c, ok := b.pending[pendingKey{fd: fd, dir: dir}]
	if !ok || c.state != statePending {
		return
	}
	res, again := b.perform(c)
	if again {
		b.metrics.RecordSpuriousWake()
		return
	}
	b.finish(c, res)
}

// finish removes the completion from all tracking and stages it for
// dispatch.
func (b *pollBackend) finish(c *Completion, res Result) {
	if dir := direction(c.op.Kind); dir != 0 {
		delete(b.pending, pendingKey{fd: c.op.FD, dir: dir})
	}
	c.result = res
	c.state = stateReady
	b.count--
	b.ready = append(b.ready, c)
}

// perform executes one non-blocking attempt. The second return value
// reports a would-block condition, which never reaches a Result.
func (b *pollBackend) perform(c *Completion) (Result, bool) {
	res := Result{Kind: c.op.Kind, FD: -1}

	switch c.op.Kind {
	case OpAccept:
		for {
			nfd, _, err := unix.Accept4(c.op.FD, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
			if err == unix.EINTR {
				continue
			}
			if err == unix.EAGAIN {
				return res, true
			}
			if err != nil {
				res.Err = WrapErrno("ACCEPT", c.op.FD, err.(unix.Errno))
				return res, false
			}
			res.FD = nfd
			return res, false
		}

	case OpRead:
		for {
			var n int
			var err error
			if c.op.Offset == NoOffset {
				n, err = unix.Read(c.op.FD, c.op.Buf)
			} else {
				n, err = unix.Pread(c.op.FD, c.op.Buf, int64(c.op.Offset))
			}
			if err == unix.EINTR {
				continue
			}
			if err == unix.EAGAIN {
				return res, true
			}
			if err != nil {
				res.Err = WrapErrno("READ", c.op.FD, err.(unix.Errno))
				return res, false
			}
			res.N = n
			return res, false
		}

	case OpWrite:
		for {
			var n int
			var err error
			if c.op.Offset == NoOffset {
				n, err = unix.Write(c.op.FD, c.op.Buf)
			} else {
				n, err = unix.Pwrite(c.op.FD, c.op.Buf, int64(c.op.Offset))
			}
			if err == unix.EINTR {
				continue
			}
			if err == unix.EAGAIN {
				return res, true
			}
			if err != nil {
				res.Err = WrapErrno("WRITE", c.op.FD, err.(unix.Errno))
				return res, false
			}
			res.N = n
			return res, false
		}

	case OpConnect:
		if !c.connStarted {
			c.connStarted = true
			err := unix.Connect(c.op.FD, c.op.Addr)
			switch err {
			case nil, unix.EISCONN:
				return res, false
			case unix.EINPROGRESS, unix.EAGAIN:
				return res, true
			default:
				res.Err = WrapErrno("CONNECT", c.op.FD, err.(unix.Errno))
				return res, false
			}
		}
		// Writable after EINPROGRESS: the verdict is in SO_ERROR.
		soerr, err := unix.GetsockoptInt(c.op.FD, unix.SOL_SOCKET, unix.SO_ERROR)
		if err != nil {
			res.Err = WrapErrno("CONNECT", c.op.FD, err.(unix.Errno))
			return res, false
		}
		switch unix.Errno(soerr) {
		case 0:
			return res, false
		case unix.EINPROGRESS, unix.EAGAIN:
			return res, true
		default:
			res.Err = WrapErrno("CONNECT", c.op.FD, unix.Errno(soerr))
			return res, false
		}
	}

	return res, false
}

func (b *pollBackend) Cancel(c *Completion) error {
	if c.state != statePending {
		// Still queued; Flush finishes it locally.
		return nil
	}

	canceled := Result{
		Kind: c.op.Kind,
		FD:   -1,
		Err:  NewFDError(c.op.Kind.String(), c.op.FD, ErrCodeCanceled, "canceled while pending"),
	}

	if c.op.Kind == OpTimeout {
		b.timers.remove(c)
		b.finish(c, canceled)
		return nil
	}

	b.finish(c, canceled)
	if dir := direction(c.op.Kind); dir != 0 {
		if err := b.rearm(c.op.FD); err != nil {
			b.logger.WithFD(c.op.FD).WithError(err).Warn("interest update failed")
		}
	}
	return nil
}

func (b *pollBackend) Recycle(c *Completion) {}

func (b *pollBackend) Pending() int { return b.count }

func (b *pollBackend) Close() error { return b.p.Close() }

// expireTimers stages every timer whose deadline has passed.
func (b *pollBackend) expireTimers(now time.Time) {
	for len(b.timers) > 0 && !b.timers[0].when.After(now) {
		entry := heap.Pop(&b.timers).(*timerEntry)
		b.finish(entry.c, Result{Kind: OpTimeout, FD: -1})
	}
}

func closeRetry(fd int) error {
	// EINTR on close is not retried; the descriptor state is undefined and
	// retrying risks closing a reused fd.
	err := unix.Close(fd)
	if err == unix.EINTR {
		return nil
	}
	return err
}

// timerEntry parks a timeout operation until its deadline.
type timerEntry struct {
	c    *Completion
	when time.Time
}

// timerHeap is a min-heap of deadlines bounding the poll wait.
type timerHeap []*timerEntry

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].when.Before(h[j].when) }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *timerHeap) Push(x any)         { *h = append(*h, x.(*timerEntry)) }
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	entry := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return entry
}

// bound clamps a wait timeout to the nearest timer deadline.
func (h timerHeap) bound(timeout time.Duration) time.Duration {
	if len(h) == 0 {
		return timeout
	}
	d := time.Until(h[0].when)
	if d < 0 {
		d = 0
	}
	if timeout < 0 || d < timeout {
		return d
	}
	return timeout
}

// remove drops the entry owning c, if present.
func (h *timerHeap) remove(c *Completion) {
	for i, entry := range *h {
		if entry.c == c {
			heap.Remove(h, i)
			return
		}
	}
}
