package landmarker

import (
	"sync"

	"github.com/e7canasta/orion-care-sensor/modules/poselandmarker/internal/frame"
)

// liveTask is one frame accepted by DetectAsync. The pipeline owns img.
type liveTask struct {
	img         *frame.Image
	timestampMs int64
}

// mailbox is the LIVE_STREAM intake: a depth-1 pending slot in front of a
// single worker.
//
// Semantics:
//   - DropOldest: a new frame replaces the pending one (returned to the caller
//     for release). Submission never blocks.
//   - Reject: submission fails with ErrBackpressure while a frame is pending
//     or in flight.
//   - take blocks until a frame is pending or the mailbox is closed.
//
// Timestamps are checked and recorded under the same lock as the slot, so a
// rejected frame never advances the last accepted timestamp.
//
// Thread-safety: all fields protected by mu. submit is safe for concurrent
// callers; take/done MUST be called from the single worker goroutine.
type mailbox struct {
	mu       sync.Mutex
	cond     *sync.Cond
	pending  *liveTask
	inFlight bool
	closed   bool

	policy BackpressurePolicy
	gate   timestampGate
}

func newMailbox(policy BackpressurePolicy) *mailbox {
	m := &mailbox{policy: policy}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// submit queues t. On success it returns the frame it displaced, if any.
func (m *mailbox) submit(t *liveTask) (*liveTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}
	if err := m.gate.check(t.timestampMs); err != nil {
		return nil, err
	}
	if m.policy == Reject && (m.inFlight || m.pending != nil) {
		return nil, ErrBackpressure
	}

	dropped := m.pending
	m.pending = t
	m.gate.accept(t.timestampMs)
	m.cond.Signal()
	return dropped, nil
}

// take blocks until a frame is pending and marks it in flight. Returns nil
// once the mailbox is closed.
func (m *mailbox) take() *liveTask {
	m.mu.Lock()
	defer m.mu.Unlock()

	for m.pending == nil && !m.closed {
		m.cond.Wait()
	}
	if m.closed {
		return nil
	}

	t := m.pending
	m.pending = nil
	m.inFlight = true
	return t
}

// done clears the in-flight mark after the worker dispatched a frame.
func (m *mailbox) done() {
	m.mu.Lock()
	m.inFlight = false
	m.mu.Unlock()
}

// close stops intake and wakes the worker. Returns the pending frame (never
// processed) so the caller can release it. Idempotent.
func (m *mailbox) close() *liveTask {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	t := m.pending
	m.pending = nil
	m.cond.Broadcast()
	return t
}
