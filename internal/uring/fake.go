package uring

import "time"

// Fake is a deterministic in-memory Queue for tests. Tests script the
// completion side with Complete and friends; Wait drains whatever has been
// scripted, ignoring the timeout.
type Fake struct {
	// Prepared holds entries staged since the last Flush.
	Prepared []SQERequest

	// Inflight holds flushed entries by identifier.
	Inflight map[uint64]SQERequest

	// Capacity bounds Prepared+Inflight; 0 means unbounded.
	Capacity int

	// FailPrepare and FailFlush, when set, are returned by the matching
	// method once and then cleared.
	FailPrepare error
	FailFlush   error

	results []CQE
	closed  bool
}

// NewFake creates a fake queue with the given capacity (0 = unbounded).
func NewFake(capacity int) *Fake {
	return &Fake{
		Capacity: capacity,
		Inflight: make(map[uint64]SQERequest),
	}
}

func (f *Fake) Prepare(req SQERequest) error {
	if f.FailPrepare != nil {
		err := f.FailPrepare
		f.FailPrepare = nil
		return err
	}
	if f.Capacity > 0 && len(f.Prepared)+len(f.Inflight) >= f.Capacity {
		return ErrSQFull
	}
	f.Prepared = append(f.Prepared, req)
	return nil
}

func (f *Fake) Flush() (uint, error) {
	if f.FailFlush != nil {
		err := f.FailFlush
		f.FailFlush = nil
		return 0, err
	}
	n := uint(len(f.Prepared))
	for _, req := range f.Prepared {
		f.Inflight[req.ID] = req
	}
	f.Prepared = f.Prepared[:0]
	return n, nil
}

func (f *Fake) Wait(timeout time.Duration, out []CQE) (int, error) {
	n := copy(out, f.results)
	f.results = f.results[n:]
	return n, nil
}

func (f *Fake) Close() error {
	f.closed = true
	return nil
}

// Closed reports whether Close has been called.
func (f *Fake) Closed() bool { return f.closed }

// Complete scripts a completion for an inflight identifier with the given
// kernel-style result value.
func (f *Fake) Complete(id uint64, res int32) {
	delete(f.Inflight, id)
	f.results = append(f.results, CQE{ID: id, Res: res})
}

// CompleteAll scripts success for every inflight entry, synthesizing a
// plausible payload per opcode (full buffer length for reads and writes,
// an arbitrary descriptor for accepts).
func (f *Fake) CompleteAll() {
	for id, req := range f.Inflight {
		var res int32
		switch req.Code {
		case Read, Write:
			res = int32(len(req.Buf))
		case Accept:
			res = int32(1000 + id)
		}
		f.Complete(id, res)
	}
}

// Push scripts a raw CQE without consulting the inflight table. Tests use
// it to inject unknown or duplicate identifiers.
func (f *Fake) Push(cqe CQE) {
	f.results = append(f.results, cqe)
}
