package aio

import (
	"sync/atomic"
	"time"
)

// LatencyBuckets defines the submit-to-dispatch latency histogram buckets in
// nanoseconds, from 1us to 10s with logarithmic spacing.
var LatencyBuckets = []uint64{
	1_000,          // 1us
	10_000,         // 10us
	100_000,        // 100us
	1_000_000,      // 1ms
	10_000_000,     // 10ms
	100_000_000,    // 100ms
	1_000_000_000,  // 1s
	10_000_000_000, // 10s
}

const numLatencyBuckets = 8

// Metrics tracks operational statistics for one event loop. Counters are
// atomic only so snapshots can be read from a monitoring goroutine; the
// loop itself writes from a single thread.
type Metrics struct {
	// Submission and dispatch counters
	Submitted  atomic.Uint64 // Completions accepted by Submit
	Dispatched atomic.Uint64 // Callbacks invoked

	// Per-operation dispatch counters
	AcceptOps  atomic.Uint64
	ConnectOps atomic.Uint64
	ReadOps    atomic.Uint64
	WriteOps   atomic.Uint64
	CloseOps   atomic.Uint64
	TimeoutOps atomic.Uint64

	// Byte counters
	ReadBytes  atomic.Uint64
	WriteBytes atomic.Uint64

	// Outcome counters
	OpErrors atomic.Uint64 // Recoverable errors delivered to callbacks
	Canceled atomic.Uint64 // Cancel requests accepted

	// Backend behavior
	WouldBlock    atomic.Uint64 // optimistic attempts deferred to registration
	SpuriousWakes atomic.Uint64 // readiness wakes that re-armed instead of completing
	Ticks         atomic.Uint64

	// Submit-to-dispatch latency
	TotalLatencyNs atomic.Uint64
	LatencyCounts  [numLatencyBuckets]atomic.Uint64

	// Loop lifecycle
	StartTime atomic.Int64 // Loop creation timestamp (UnixNano)
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordSubmit records an accepted submission. Per-kind accounting happens
// at dispatch, where the outcome is known.
func (m *Metrics) RecordSubmit() {
	m.Submitted.Add(1)
}

// RecordDispatch records one callback invocation with its result
func (m *Metrics) RecordDispatch(kind OpKind, res Result, latencyNs int64) {
	m.Dispatched.Add(1)

	switch kind {
	case OpAccept:
		m.AcceptOps.Add(1)
	case OpConnect:
		m.ConnectOps.Add(1)
	case OpRead:
		m.ReadOps.Add(1)
		if res.Err == nil {
			m.ReadBytes.Add(uint64(res.N))
		}
	case OpWrite:
		m.WriteOps.Add(1)
		if res.Err == nil {
			m.WriteBytes.Add(uint64(res.N))
		}
	case OpClose:
		m.CloseOps.Add(1)
	case OpTimeout:
		m.TimeoutOps.Add(1)
	}

	if res.Err != nil {
		m.OpErrors.Add(1)
	}

	if latencyNs > 0 {
		m.recordLatency(uint64(latencyNs))
	}
}

// RecordWouldBlock records an optimistic attempt that hit EAGAIN
func (m *Metrics) RecordWouldBlock() {
	m.WouldBlock.Add(1)
}

// RecordSpuriousWake records a readiness wake that did not complete the op
func (m *Metrics) RecordSpuriousWake() {
	m.SpuriousWakes.Add(1)
}

// recordLatency updates the cumulative histogram
func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyCounts[i].Add(1)
		}
	}
}

// MetricsSnapshot is a point-in-time copy of loop metrics.
type MetricsSnapshot struct {
	Submitted  uint64
	Dispatched uint64

	AcceptOps  uint64
	ConnectOps uint64
	ReadOps    uint64
	WriteOps   uint64
	CloseOps   uint64
	TimeoutOps uint64

	ReadBytes  uint64
	WriteBytes uint64

	OpErrors uint64
	Canceled uint64

	WouldBlock    uint64
	SpuriousWakes uint64
	Ticks         uint64

	AvgLatencyNs uint64
	LatencyP50Ns uint64
	LatencyP99Ns uint64

	LatencyHistogram [numLatencyBuckets]uint64

	UptimeNs uint64
}

// Snapshot returns a point-in-time snapshot of metrics
func (m *Metrics) Snapshot() MetricsSnapshot {
	s := MetricsSnapshot{
		Submitted:  m.Submitted.Load(),
		Dispatched: m.Dispatched.Load(),

		AcceptOps:  m.AcceptOps.Load(),
		ConnectOps: m.ConnectOps.Load(),
		ReadOps:    m.ReadOps.Load(),
		WriteOps:   m.WriteOps.Load(),
		CloseOps:   m.CloseOps.Load(),
		TimeoutOps: m.TimeoutOps.Load(),

		ReadBytes:  m.ReadBytes.Load(),
		WriteBytes: m.WriteBytes.Load(),

		OpErrors: m.OpErrors.Load(),
		Canceled: m.Canceled.Load(),

		WouldBlock:    m.WouldBlock.Load(),
		SpuriousWakes: m.SpuriousWakes.Load(),
		Ticks:         m.Ticks.Load(),
	}

	for i := range s.LatencyHistogram {
		s.LatencyHistogram[i] = m.LatencyCounts[i].Load()
	}

	if s.Dispatched > 0 {
		s.AvgLatencyNs = m.TotalLatencyNs.Load() / s.Dispatched
		s.LatencyP50Ns = percentileFromBuckets(s.LatencyHistogram, s.Dispatched, 0.50)
		s.LatencyP99Ns = percentileFromBuckets(s.LatencyHistogram, s.Dispatched, 0.99)
	}

	s.UptimeNs = uint64(time.Now().UnixNano() - m.StartTime.Load())
	return s
}

// percentileFromBuckets estimates a percentile from the cumulative
// histogram: the upper bound of the first bucket covering the target rank.
func percentileFromBuckets(hist [numLatencyBuckets]uint64, total uint64, p float64) uint64 {
	if total == 0 {
		return 0
	}
	rank := uint64(float64(total) * p)
	if rank == 0 {
		rank = 1
	}
	for i, count := range hist {
		if count >= rank {
			return LatencyBuckets[i]
		}
	}
	return LatencyBuckets[numLatencyBuckets-1]
}
