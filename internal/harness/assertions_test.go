package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleTrace() []TraceEvent {
	return []TraceEvent{
		{Seq: 1, Type: EventStep, Do: StepAnnounce, Device: "lamp"},
		{Seq: 2, Type: EventState, Device: "lamp", To: "CLAIMABLE/UNMANAGED"},
		{Seq: 3, Type: EventStep, Do: StepClaim, Device: "lamp"},
		{Seq: 4, Type: EventState, Device: "lamp", From: "CLAIMABLE/UNMANAGED", To: "CLAIMED/UNMANAGED"},
		{Seq: 5, Type: EventState, Device: "lamp", From: "CLAIMED/UNMANAGED", To: "CLAIMED/OK"},
		{Seq: 6, Type: EventStep, Do: StepSync},
		{Seq: 7, Type: EventSyncError, Device: "lamp", Kind: "POLICY"},
		{Seq: 8, Type: EventManifestUpdate, Device: "lamp", Added: 1},
	}
}

func TestEventMatch_Matches(t *testing.T) {
	e := TraceEvent{Type: EventSyncError, Device: "lamp", Kind: "POLICY"}

	assert.True(t, EventMatch{}.Matches(e))
	assert.True(t, EventMatch{Type: EventSyncError}.Matches(e))
	assert.True(t, EventMatch{Type: EventSyncError, Device: "lamp", Kind: "POLICY"}.Matches(e))
	assert.False(t, EventMatch{Device: "kettle"}.Matches(e))
	assert.False(t, EventMatch{Kind: "RESET"}.Matches(e))
	assert.False(t, EventMatch{To: "CLAIMED/OK"}.Matches(e))
}

func TestEventMatch_String(t *testing.T) {
	assert.Equal(t, "{}", EventMatch{}.String())
	assert.Equal(t, "{type=state device=lamp to=CLAIMED/OK}",
		EventMatch{Type: EventState, Device: "lamp", To: "CLAIMED/OK"}.String())
}

func TestEvaluateAssertions_TraceContains(t *testing.T) {
	trace := sampleTrace()

	msgs := EvaluateAssertions(trace, []Assertion{
		{Type: AssertTraceContains, Event: EventMatch{Type: EventSyncError, Kind: "POLICY"}},
		{Type: AssertTraceContains, Event: EventMatch{Type: EventState, To: "CLAIMED/OK"}},
	})
	assert.Empty(t, msgs)

	msgs = EvaluateAssertions(trace, []Assertion{
		{Type: AssertTraceContains, Event: EventMatch{Type: EventSyncError, Kind: "RESET"}},
	})
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0], "assertions[0]")
	assert.Contains(t, msgs[0], "Assertion failed: trace_contains")
	assert.Contains(t, msgs[0], "{type=sync_error kind=RESET}")
}

func TestEvaluateAssertions_TraceOrder(t *testing.T) {
	trace := sampleTrace()

	tests := []struct {
		name   string
		events []EventMatch
		pass   bool
	}{
		{
			name: "in order with gaps",
			events: []EventMatch{
				{Type: EventStep},
				{To: "CLAIMED/OK"},
				{Type: EventSyncError},
			},
			pass: true,
		},
		{
			name: "reversed",
			events: []EventMatch{
				{Type: EventSyncError},
				{To: "CLAIMED/OK"},
			},
			pass: false,
		},
		{
			name: "missing event",
			events: []EventMatch{
				{To: "CLAIMED/OK"},
				{Type: EventState, To: "NEED_UPDATE/OK"},
			},
			pass: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msgs := EvaluateAssertions(trace, []Assertion{{Type: AssertTraceOrder, Events: tt.events}})
			if tt.pass {
				assert.Empty(t, msgs)
			} else {
				require.Len(t, msgs, 1)
				assert.Contains(t, msgs[0], "Assertion failed: trace_order")
			}
		})
	}
}

func TestEvaluateAssertions_TraceCount(t *testing.T) {
	trace := sampleTrace()

	assert.Empty(t, EvaluateAssertions(trace, []Assertion{
		{Type: AssertTraceCount, Event: EventMatch{Type: EventState}, Count: 3},
		{Type: AssertTraceCount, Event: EventMatch{Type: EventStepFailed}, Count: 0},
	}))

	msgs := EvaluateAssertions(trace, []Assertion{
		{Type: AssertTraceCount, Event: EventMatch{Type: EventStep}, Count: 2},
	})
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0], "2 occurrences of {type=step}")
	assert.Contains(t, msgs[0], "3 occurrences")
}

func TestEvaluateAssertions_UnknownType(t *testing.T) {
	msgs := EvaluateAssertions(nil, []Assertion{{Type: "trace_absent"}})
	require.Len(t, msgs, 1)
	assert.Equal(t, `assertions[0]: unknown assertion type "trace_absent"`, msgs[0])
}

func TestAssertionError_IncludesTrace(t *testing.T) {
	err := &AssertionError{
		Type:     AssertTraceContains,
		Expected: "event {type=sync_error}",
		Actual:   "not found in trace",
		Trace:    sampleTrace(),
	}

	msg := err.Error()
	assert.Contains(t, msg, "Full trace:")
	assert.Contains(t, msg, "[1] step announce lamp")
	assert.Contains(t, msg, "[2] state lamp ->CLAIMABLE/UNMANAGED")
	assert.Contains(t, msg, "[4] state lamp CLAIMABLE/UNMANAGED>CLAIMED/UNMANAGED")
	assert.Contains(t, msg, "[6] step sync")
	assert.Contains(t, msg, "[7] sync_error lamp POLICY")
	assert.Contains(t, msg, "[8] manifest_update lamp +1 -0")
}
