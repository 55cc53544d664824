package aio

import (
	"context"
	"time"

	"github.com/eapache/queue"

	"github.com/behrlich/go-aio/internal/logging"
)

// LoopState tracks the loop lifecycle: Initialized until the first Tick,
// Running while serving, Draining after RequestShutdown until no pending
// work remains, Stopped terminally.
type LoopState int

const (
	LoopInitialized LoopState = iota
	LoopRunning
	LoopDraining
	LoopStopped
)

func (s LoopState) String() string {
	switch s {
	case LoopInitialized:
		return "initialized"
	case LoopRunning:
		return "running"
	case LoopDraining:
		return "draining"
	case LoopStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Config holds loop construction options.
type Config struct {
	// Backend selects the kernel facility. BackendAuto probes.
	Backend BackendKind

	// RingEntries sizes the ring backend's submission queue and bounds
	// outstanding operations on it.
	RingEntries uint32

	// WaitTimeout bounds the blocking wait of a single Tick driven by Run.
	WaitTimeout time.Duration

	// Logger defaults to the package logger.
	Logger *logging.Logger

	// Metrics defaults to a fresh instance.
	Metrics *Metrics
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() Config {
	return Config{
		Backend:     BackendAuto,
		RingEntries: DefaultRingEntries,
		WaitTimeout: DefaultWaitTimeout,
	}
}

// Loop drives one backend instance. A Loop is strictly single-threaded:
// every method must be called from the one thread that drives Tick. There
// is no internal locking because nothing else may mutate loop state.
type Loop struct {
	backend     Backend
	queued      *queue.Queue // *Completion accepted but not yet flushed
	state       LoopState
	fatal       error
	waitTimeout time.Duration
	logger      *logging.Logger
	metrics     *Metrics
}

// NewWithBackend builds a loop around an explicit backend instance. Most
// callers want New, which selects a platform backend.
func NewWithBackend(b Backend, cfg Config) *Loop {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = NewMetrics()
	}
	waitTimeout := cfg.WaitTimeout
	if waitTimeout <= 0 {
		waitTimeout = DefaultWaitTimeout
	}
	return &Loop{
		backend:     b,
		queued:      queue.New(),
		state:       LoopInitialized,
		waitTimeout: waitTimeout,
		logger:      logger.WithBackend(string(b.Kind())),
		metrics:     metrics,
	}
}

// State returns the current lifecycle state.
func (l *Loop) State() LoopState { return l.state }

// Backend returns the active backend's kind.
func (l *Loop) Backend() BackendKind { return l.backend.Kind() }

// Metrics returns the loop's metrics instance.
func (l *Loop) Metrics() *Metrics { return l.metrics }

// Pending counts completions owned by the loop. Submit reserves in the
// backend before queueing, so the backend's count covers queued and
// in-flight work alike.
func (l *Loop) Pending() int {
	return l.backend.Pending()
}

// Submit hands a Completion to the loop. It never blocks, never invokes the
// callback inline, and performs no kernel work: the result always arrives
// on a future tick. Submission is permitted while Draining so callbacks can
// finish multi-step teardown.
func (l *Loop) Submit(c *Completion) error {
	if l.state == LoopStopped || l.fatal != nil {
		return NewError("SUBMIT", ErrCodeLoopClosed, "loop is stopped")
	}
	if c == nil || c.state != stateDead {
		return NewError("SUBMIT", ErrCodeInvalidState, "completion already owned by a loop")
	}
	if err := validateOp(&c.op); err != nil {
		return err
	}

	if err := l.backend.Submit(c); err != nil {
		return err
	}
	c.state = stateQueued
	c.canceled = false
	c.connStarted = false
	c.result = Result{Kind: c.op.Kind, FD: -1}
	c.submittedNs = time.Now().UnixNano()
	l.queued.Add(c)
	l.metrics.RecordSubmit()
	return nil
}

// Cancel requests cancellation of an outstanding completion. The callback
// observes a Canceled result on a later tick; an operation that completes
// first wins the race and the cancel becomes a no-op.
func (l *Loop) Cancel(c *Completion) error {
	if c == nil || c.state == stateDead {
		return NewError("CANCEL", ErrCodeInvalidState, "completion is not outstanding")
	}
	if c.canceled {
		return nil
	}
	c.canceled = true
	l.metrics.Canceled.Add(1)
	return l.backend.Cancel(c)
}

// RequestShutdown flips the loop into Draining. The caller must keep
// calling Tick until Pending reaches zero, at which point the loop stops.
// In-flight kernel operations are drained, not abandoned.
func (l *Loop) RequestShutdown() {
	switch l.state {
	case LoopStopped:
		return
	default:
		l.logger.Info("shutdown requested", "pending", l.Pending())
		l.state = LoopDraining
	}
}

// Tick drives one iteration: flush queued completions to the backend, block
// in the backend's wait bounded by timeout, then dispatch every finished
// completion exactly once. Dispatch order within the batch is the kernel's.
// A returned error is fatal and the loop is stopped.
func (l *Loop) Tick(timeout time.Duration) error {
	switch l.state {
	case LoopStopped:
		if l.fatal != nil {
			return l.fatal
		}
		return NewError("TICK", ErrCodeLoopClosed, "loop is stopped")
	case LoopInitialized:
		l.state = LoopRunning
	}
	l.metrics.Ticks.Add(1)

	// (a) flush everything queued before this tick. Submissions made from
	// callbacks below land in the queue and wait for the next tick. The
	// flush runs even with an empty batch so work the backend staged out of
	// band (cancel entries) reaches the kernel.
	var batch []*Completion
	if n := l.queued.Length(); n > 0 {
		batch = make([]*Completion, n)
		for i := 0; i < n; i++ {
			batch[i] = l.queued.Remove().(*Completion)
		}
	}
	if err := l.backend.Flush(batch); err != nil {
		return l.fail(err)
	}

	// (b) bounded wait for kernel notifications.
	finished, err := l.backend.Wait(timeout)
	if err != nil {
		return l.fail(err)
	}

	// (c) dispatch. The backend has already dropped its tracking for every
	// completion in the batch, so a callback reusing the same Completion
	// cannot collide with stale bookkeeping.
	now := time.Now().UnixNano()
	for _, c := range finished {
		c.state = stateDead
		l.metrics.RecordDispatch(c.op.Kind, c.result, now-c.submittedNs)
		if c.callback != nil {
			c.callback(l, c, c.result)
		}
		l.backend.Recycle(c)
	}

	if l.state == LoopDraining && l.Pending() == 0 {
		l.logger.Info("drain complete, stopping loop")
		l.state = LoopStopped
		if cerr := l.backend.Close(); cerr != nil {
			l.logger.WithError(cerr).Warn("backend close failed")
		}
	}
	return nil
}

// Run drives Tick until the context is canceled and the drain completes, or
// a fatal error stops the loop. It is a convenience wrapper; callers that
// need finer control drive Tick themselves.
func (l *Loop) Run(ctx context.Context) error {
	timeout := l.waitTimeout
	for l.state != LoopStopped {
		select {
		case <-ctx.Done():
			l.RequestShutdown()
		default:
		}
		if err := l.Tick(timeout); err != nil {
			return err
		}
	}
	return nil
}

// Close force-stops the loop without draining. Outstanding completions are
// dropped without dispatch; prefer RequestShutdown plus Tick.
func (l *Loop) Close() error {
	if l.state == LoopStopped {
		return nil
	}
	l.state = LoopStopped
	return l.backend.Close()
}

func (l *Loop) fail(err error) error {
	werr := WrapError("TICK", err)
	l.logger.WithError(werr).Error("fatal loop error")
	l.fatal = werr
	l.state = LoopStopped
	if cerr := l.backend.Close(); cerr != nil {
		l.logger.WithError(cerr).Warn("backend close failed")
	}
	return werr
}

func validateOp(op *Op) error {
	switch op.Kind {
	case OpAccept, OpClose:
		if op.FD < 0 {
			return NewFDError("SUBMIT", op.FD, ErrCodeInvalidState, "negative descriptor")
		}
	case OpConnect:
		if op.FD < 0 {
			return NewFDError("SUBMIT", op.FD, ErrCodeInvalidState, "negative descriptor")
		}
		if op.Addr == nil {
			return NewFDError("SUBMIT", op.FD, ErrCodeInvalidState, "connect without address")
		}
	case OpRead, OpWrite:
		if op.FD < 0 {
			return NewFDError("SUBMIT", op.FD, ErrCodeInvalidState, "negative descriptor")
		}
		if len(op.Buf) == 0 {
			return NewFDError("SUBMIT", op.FD, ErrCodeInvalidState, "empty buffer")
		}
	case OpTimeout:
		if op.Dur <= 0 {
			return NewError("SUBMIT", ErrCodeInvalidState, "non-positive timeout")
		}
	case OpNop:
		// always valid
	default:
		return NewError("SUBMIT", ErrCodeInvalidState, "unknown operation kind")
	}
	return nil
}
