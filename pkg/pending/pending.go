// Package pending implements the outbound pending-request tracker: an
// id allocator, a waiter per in-flight request, and the
// cancellation/close bookkeeping that completes those waiters exactly
// once.
package pending

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gopherlsp/lsprpc/pkg/cancel"
	"github.com/gopherlsp/lsprpc/pkg/telemetry"
	"github.com/gopherlsp/lsprpc/pkg/wire"
)

// ErrConnectionClosed is the error every outstanding waiter resolves with
// when the owning transport closes.
var ErrConnectionClosed = fmt.Errorf("pending: connection closed")

// ErrCancelled is the error a waiter resolves with when its request is
// cancelled locally before a response arrives.
var ErrCancelled = wire.NewError(wire.RequestCancelled, "request cancelled", nil)

// Outcome is what a waiter resolves to: either Result is set (success) or
// Err is set (failure, including cancellation).
type Outcome struct {
	Result []byte
	Err    error
}

// entry is one in-flight outbound request.
type entry struct {
	waiter chan Outcome
	token  *cancel.Token
	source *cancel.Source
	once   sync.Once
}

// Tracker correlates outbound request ids with their eventual response.
type Tracker struct {
	mu      sync.Mutex
	entries map[string]*entry
	nextID  int64

	// sendCancel is invoked to emit a $/cancelRequest notification to the
	// peer when a tracked request is cancelled locally.
	sendCancel func(id string)

	metrics *telemetry.Metrics
}

// SetMetrics attaches Prometheus collectors; the pending-requests gauge
// tracks t's entry count from this point on. A nil Tracker metrics field
// (the default) leaves Track/complete/CloseAll unchanged.
func (t *Tracker) SetMetrics(m *telemetry.Metrics) {
	t.metrics = m
}

// New returns a Tracker. sendCancel is called with the string form of an
// id whenever that request's cancellation token fires, so the tracker can
// notify the peer; it may be nil if the caller wires cancellation
// notification elsewhere.
func New(sendCancel func(id string)) *Tracker {
	return &Tracker{
		entries:    make(map[string]*entry),
		sendCancel: sendCancel,
	}
}

// NextID allocates a monotonically increasing id, unique and never reused
// within this Tracker's lifetime.
func (t *Tracker) NextID() int64 {
	return atomic.AddInt64(&t.nextID, 1)
}

// Track registers a new outbound request awaiting a response for id. If
// source is non-nil, cancelling it completes the waiter with ErrCancelled
// and emits a cancel notification to the peer. Track returns a channel
// that receives exactly one Outcome.
func (t *Tracker) Track(id string, source *cancel.Source) <-chan Outcome {
	e := &entry{waiter: make(chan Outcome, 1), source: source}
	if source != nil {
		e.token = source.Token()
	}

	t.mu.Lock()
	t.entries[id] = e
	t.mu.Unlock()
	if t.metrics != nil {
		t.metrics.PendingRequests.Inc()
	}

	if e.token != nil {
		e.token.OnCancel(func() {
			t.complete(id, Outcome{Err: ErrCancelled})
			if t.sendCancel != nil {
				t.sendCancel(id)
			}
		})
	}

	return e.waiter
}

// Resolve delivers result to the waiter for id, removing the entry. It
// reports whether a waiter for id existed; callers should drop unmatched
// responses (id absent) rather than error.
func (t *Tracker) Resolve(id string, result []byte) bool {
	return t.complete(id, Outcome{Result: result})
}

// Reject delivers err to the waiter for id, removing the entry.
func (t *Tracker) Reject(id string, err error) bool {
	return t.complete(id, Outcome{Err: err})
}

func (t *Tracker) complete(id string, outcome Outcome) bool {
	t.mu.Lock()
	e, ok := t.entries[id]
	if ok {
		delete(t.entries, id)
	}
	t.mu.Unlock()

	if !ok {
		return false
	}
	if t.metrics != nil {
		t.metrics.PendingRequests.Dec()
	}

	e.once.Do(func() {
		e.waiter <- outcome
		close(e.waiter)
	})
	return true
}

// CloseAll completes every outstanding waiter with ErrConnectionClosed and
// clears the table, called when the owning transport closes.
func (t *Tracker) CloseAll() {
	t.mu.Lock()
	entries := t.entries
	t.entries = make(map[string]*entry)
	t.mu.Unlock()
	if t.metrics != nil {
		t.metrics.PendingRequests.Sub(float64(len(entries)))
	}

	for _, e := range entries {
		e.once.Do(func() {
			e.waiter <- Outcome{Err: ErrConnectionClosed}
			close(e.waiter)
		})
	}
}

// Len reports the number of outstanding requests, exposed for telemetry.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
