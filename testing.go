package aio

import "time"

// MockBackend provides a scriptable implementation of Backend for testing.
// It tracks method calls for verification and lets tests decide when a
// submitted Completion finishes and with what Result. This is useful for
// unit testing loop consumers without touching the kernel.
type MockBackend struct {
	// Call tracking
	SubmitCalls  []*Completion
	FlushCalls   [][]*Completion
	CancelCalls  []*Completion
	RecycleCalls []*Completion
	WaitCalls    int
	Closed       bool

	// Scripted failures, returned by the matching method until cleared.
	SubmitErr error
	FlushErr  error
	WaitErr   error

	finished []*Completion
	pending  int
}

// NewMockBackend creates a new mock backend.
func NewMockBackend() *MockBackend {
	return &MockBackend{}
}

// Kind implements the Backend interface
func (m *MockBackend) Kind() BackendKind { return BackendKind("mock") }

// Submit implements the Backend interface
func (m *MockBackend) Submit(c *Completion) error {
	if m.SubmitErr != nil {
		return m.SubmitErr
	}
	m.SubmitCalls = append(m.SubmitCalls, c)
	m.pending++
	return nil
}

// Flush implements the Backend interface
func (m *MockBackend) Flush(batch []*Completion) error {
	if m.FlushErr != nil {
		return m.FlushErr
	}
	m.FlushCalls = append(m.FlushCalls, batch)
	for _, c := range batch {
		c.state = statePending
	}
	return nil
}

// Wait implements the Backend interface, returning whatever completions
// have been scripted via Complete since the last call.
func (m *MockBackend) Wait(timeout time.Duration) ([]*Completion, error) {
	m.WaitCalls++
	if m.WaitErr != nil {
		return nil, m.WaitErr
	}
	out := m.finished
	m.finished = nil
	return out, nil
}

// Cancel implements the Backend interface
func (m *MockBackend) Cancel(c *Completion) error {
	m.CancelCalls = append(m.CancelCalls, c)
	return nil
}

// Recycle implements the Backend interface
func (m *MockBackend) Recycle(c *Completion) {
	m.RecycleCalls = append(m.RecycleCalls, c)
}

// Pending implements the Backend interface
func (m *MockBackend) Pending() int { return m.pending }

// Close implements the Backend interface
func (m *MockBackend) Close() error {
	m.Closed = true
	return nil
}

// Complete scripts c to finish with res on the next Wait. The mock honors
// the real backends' invariant: bookkeeping for c is dropped before the
// loop dispatches it.
func (m *MockBackend) Complete(c *Completion, res Result) {
	c.result = res
	c.state = stateReady
	m.pending--
	m.finished = append(m.finished, c)
}
