package harness

import (
	"sync"

	"github.com/roach88/trustagent/internal/clock"
)

// Trace event types.
const (
	EventStep           = "step"
	EventStepFailed     = "step_failed"
	EventState          = "state"
	EventSyncError      = "sync_error"
	EventManifestUpdate = "manifest_update"
)

// TraceEvent is one entry of a scenario trace. Steps and listener
// callbacks share one sequence.
type TraceEvent struct {
	Seq    int64  `json:"seq"`
	Type   string `json:"type"`
	Device string `json:"device,omitempty"`

	// Do names the step of step and step_failed events.
	Do string `json:"do,omitempty"`

	// From and To are "APPLICATION_STATE/SYNC_STATE" pairs of a state
	// event. From is empty the first time a device is seen.
	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`

	// Kind is the SyncError kind.
	Kind string `json:"kind,omitempty"`

	// Added and Removed count the rules of a manifest update.
	Added   int `json:"added,omitempty"`
	Removed int `json:"removed,omitempty"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every step, expectation and assertion held.
	Pass bool `json:"pass"`

	// Trace contains steps and listener events in order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains validation error messages. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// traceLog collects events from listener callbacks, which may run on
// sync worker goroutines.
type traceLog struct {
	mu     sync.Mutex
	seq    *clock.Sequence
	events []TraceEvent
}

func (l *traceLog) add(e TraceEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.Seq = l.seq.Next()
	l.events = append(l.events, e)
}

func (l *traceLog) snapshot() []TraceEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]TraceEvent(nil), l.events...)
}
