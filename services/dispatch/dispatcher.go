package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ErrTimeout is returned when a dispatched command is not answered within the
// wait window.
var ErrTimeout = errors.New("ad-hoc command timed out")

// DefaultWait bounds how long a dispatch call blocks for an agent response.
const DefaultWait = 30 * time.Second

var metricTimeouts = promauto.NewCounter(prometheus.CounterOpts{
	Name: "warden_adhoc_timeouts_total",
	Help: "Ad-hoc commands that expired before the agent answered.",
})

// CheckSpec describes one ad-hoc check for an agent to execute. It mirrors a
// catalog automated check minus any persisted identity.
type CheckSpec struct {
	Title          string `json:"title"`
	Command        string `json:"command,omitempty"`
	Script         string `json:"script,omitempty"`
	ExpectedResult string `json:"expected_result,omitempty"`
	CheckType      string `json:"check_type,omitempty"`
	Comparison     string `json:"comparison,omitempty"`
	Parser         string `json:"parser,omitempty"`
	Normalize      string `json:"normalize,omitempty"`
	OnFailMessage  string `json:"on_fail_message,omitempty"`
	PlatformScope  string `json:"platform_scope,omitempty"`
}

// Entry is a queued ad-hoc check awaiting the server's next poll.
type Entry struct {
	CorrelationID string    `json:"correlation_id"`
	Spec          CheckSpec `json:"spec"`
}

// Result is an agent-posted outcome for one correlation ID.
type Result struct {
	CorrelationID string `json:"correlation_id"`
	Status        string `json:"status"`
	Output        string `json:"output"`
	ErrorMessage  string `json:"error_message"`
}

// Dispatcher emulates synchronous command execution over the pull-only agent
// transport. One coordinator owns the per-server queues and the one-shot
// correlation listeners behind a single mutex; nothing else touches them.
type Dispatcher struct {
	wait time.Duration

	mu      sync.Mutex
	queues  map[uuid.UUID][]Entry
	waiters map[string]chan Result
}

// NewDispatcher creates a dispatcher; a non-positive wait falls back to
// DefaultWait.
func NewDispatcher(wait time.Duration) *Dispatcher {
	if wait <= 0 {
		wait = DefaultWait
	}
	return &Dispatcher{
		wait:    wait,
		queues:  make(map[uuid.UUID][]Entry),
		waiters: make(map[string]chan Result),
	}
}

// Dispatch queues spec for the server's next poll and blocks until the agent
// posts a result for the generated correlation ID, the wait window elapses,
// or ctx is cancelled. The listener registration is released on every exit
// path so abandoned waits cannot accumulate.
func (d *Dispatcher) Dispatch(ctx context.Context, serverID uuid.UUID, spec CheckSpec) (Result, error) {
	correlationID := uuid.NewString()
	ch := make(chan Result, 1)

	d.mu.Lock()
	d.waiters[correlationID] = ch
	d.queues[serverID] = append(d.queues[serverID], Entry{CorrelationID: correlationID, Spec: spec})
	d.mu.Unlock()

	timer := time.NewTimer(d.wait)
	defer timer.Stop()

	select {
	case res := <-ch:
		return res, nil
	case <-timer.C:
		d.abandon(serverID, correlationID)
		metricTimeouts.Inc()
		return Result{}, ErrTimeout
	case <-ctx.Done():
		d.abandon(serverID, correlationID)
		return Result{}, ctx.Err()
	}
}

// Drain atomically consumes and clears the server's pending entries. An entry
// handed out here will never appear in another poll response.
func (d *Dispatcher) Drain(serverID uuid.UUID) []Entry {
	d.mu.Lock()
	defer d.mu.Unlock()

	entries := d.queues[serverID]
	if len(entries) == 0 {
		return nil
	}
	delete(d.queues, serverID)
	return entries
}

// Deliver resolves the one-shot listener for a correlation ID. It reports
// false when no listener remains, which happens when the caller already timed
// out or the same result is posted twice.
func (d *Dispatcher) Deliver(res Result) bool {
	d.mu.Lock()
	ch, ok := d.waiters[res.CorrelationID]
	if ok {
		delete(d.waiters, res.CorrelationID)
	}
	d.mu.Unlock()

	if !ok {
		return false
	}
	ch <- res
	return true
}

// PendingWaiters reports how many dispatch calls are still blocked; useful
// for tests asserting listener cleanup.
func (d *Dispatcher) PendingWaiters() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.waiters)
}

// abandon removes the listener and, if the entry was never drained, the
// queued work itself so a later poll does not execute an orphaned command.
func (d *Dispatcher) abandon(serverID uuid.UUID, correlationID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.waiters, correlationID)

	queue := d.queues[serverID]
	for i, entry := range queue {
		if entry.CorrelationID != correlationID {
			continue
		}
		queue = append(queue[:i], queue[i+1:]...)
		if len(queue) == 0 {
			delete(d.queues, serverID)
		} else {
			d.queues[serverID] = queue
		}
		return
	}
}
