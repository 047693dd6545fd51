// Package trace records per-request event logs for the proxy pipeline.
//
// A Trace is created when a request enters the pipeline and is owned by that
// request's handler goroutine, so it needs no locking while live. Handlers
// append categorized events as the request moves through chaos injection,
// payment settlement, and upstream forwarding, then call Finish exactly once
// with the final status. Finished traces are committed to a Ring, a bounded
// FIFO of the most recent completed requests, and are never mutated again.
package trace

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Category classifies a trace event. The set is closed; values serialize
// as their string form.
type Category string

const (
	CategoryInfo     Category = "Info"
	CategoryChaos    Category = "Chaos"
	CategoryPayment  Category = "Payment"
	CategoryUpstream Category = "Upstream"
	CategoryError    Category = "Error"
)

// Event is a single timestamped entry in a trace.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	Category  Category  `json:"category"`
	Message   string    `json:"message"`
}

// Trace is the event log of one proxied request.
type Trace struct {
	ID         string     `json:"id"`
	AgentID    string     `json:"agent_id"`
	Method     string     `json:"method"`
	URL        string     `json:"url"`
	StartTime  time.Time  `json:"start_time"`
	EndTime    *time.Time `json:"end_time"`
	DurationMs *int64     `json:"duration_ms"`
	StatusCode *int       `json:"status_code"`
	Events     []Event    `json:"events"`
}

// New creates a live trace for the given request line. The agent is usually
// "unknown" at creation and filled in once identity is established.
func New(agentID, method, url string) *Trace {
	return &Trace{
		ID:        uuid.New().String(),
		AgentID:   agentID,
		Method:    method,
		URL:       url,
		StartTime: time.Now().UTC(),
		Events:    []Event{},
	}
}

// Log appends an event with the current timestamp.
func (t *Trace) Log(category Category, message string) {
	t.Events = append(t.Events, Event{
		Timestamp: time.Now().UTC(),
		Category:  category,
		Message:   message,
	})
}

// Finish records the end time, duration, and final status. Only the first
// call takes effect.
func (t *Trace) Finish(status int) {
	if t.EndTime != nil {
		return
	}
	now := time.Now().UTC()
	t.EndTime = &now
	duration := now.Sub(t.StartTime).Milliseconds()
	t.DurationMs = &duration
	t.StatusCode = &status
}

// Finished reports whether Finish has been called.
func (t *Trace) Finished() bool {
	return t.EndTime != nil
}

// DefaultCapacity is the retention window of the trace ring.
const DefaultCapacity = 1000

// Ring retains the most recent completed traces. When full, committing a new
// trace evicts the oldest. The mutex is held only for append, evict, and
// snapshot copy.
type Ring struct {
	mu      sync.Mutex
	entries []Trace
	start   int
	count   int
}

// NewRing creates a ring with the given capacity; zero or negative means
// DefaultCapacity.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ring{entries: make([]Trace, capacity)}
}

// Commit stores a finished trace, evicting the oldest entry at capacity.
func (r *Ring) Commit(t *Trace) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count < len(r.entries) {
		r.entries[(r.start+r.count)%len(r.entries)] = *t
		r.count++
		return
	}
	r.entries[r.start] = *t
	r.start = (r.start + 1) % len(r.entries)
}

// Snapshot returns a copy of the buffered traces, oldest first. The copy is
// independent of the ring; callers may retain it freely.
func (r *Ring) Snapshot() []Trace {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Trace, r.count)
	for i := 0; i < r.count; i++ {
		out[i] = r.entries[(r.start+i)%len(r.entries)]
	}
	return out
}

// Len returns the number of buffered traces.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Capacity returns the retention window size.
func (r *Ring) Capacity() int {
	return len(r.entries)
}
