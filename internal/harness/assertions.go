package harness

import (
	"fmt"
	"strings"
)

// AssertionError is returned when an assertion fails.
// It includes the full trace to help debug the failure.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
	Trace    []TraceEvent
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)
	fmt.Fprintf(&buf, "\nFull trace:\n")
	for _, event := range e.Trace {
		fmt.Fprintf(&buf, "  [%d] %s\n", event.Seq, describeEvent(event))
	}
	return buf.String()
}

func describeEvent(e TraceEvent) string {
	switch e.Type {
	case EventStep, EventStepFailed:
		return strings.TrimSpace(fmt.Sprintf("%s %s %s", e.Type, e.Do, e.Device))
	case EventState:
		from := "-"
		if e.From != "" {
			from = e.From
		}
		return fmt.Sprintf("state %s %s>%s", e.Device, from, e.To)
	case EventSyncError:
		return fmt.Sprintf("sync_error %s %s", e.Device, e.Kind)
	case EventManifestUpdate:
		return fmt.Sprintf("manifest_update %s +%d -%d", e.Device, e.Added, e.Removed)
	}
	return e.Type
}

// String renders m for error messages.
func (m EventMatch) String() string {
	var parts []string
	for _, kv := range [][2]string{{"type", m.Type}, {"device", m.Device}, {"kind", m.Kind}, {"to", m.To}} {
		if kv[1] != "" {
			parts = append(parts, kv[0]+"="+kv[1])
		}
	}
	return "{" + strings.Join(parts, " ") + "}"
}

// Matches reports whether e satisfies every field set in m.
func (m EventMatch) Matches(e TraceEvent) bool {
	return (m.Type == "" || m.Type == e.Type) &&
		(m.Device == "" || m.Device == e.Device) &&
		(m.Kind == "" || m.Kind == e.Kind) &&
		(m.To == "" || m.To == e.To)
}

// EvaluateAssertions runs every assertion against trace and returns the
// failure messages.
func EvaluateAssertions(trace []TraceEvent, assertions []Assertion) []string {
	var msgs []string
	for i, a := range assertions {
		var err error
		switch a.Type {
		case AssertTraceContains:
			err = assertTraceContains(trace, a)
		case AssertTraceOrder:
			err = assertTraceOrder(trace, a)
		case AssertTraceCount:
			err = assertTraceCount(trace, a)
		default:
			err = fmt.Errorf("unknown assertion type %q", a.Type)
		}
		if err != nil {
			msgs = append(msgs, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return msgs
}

func assertTraceContains(trace []TraceEvent, a Assertion) error {
	for _, e := range trace {
		if a.Event.Matches(e) {
			return nil
		}
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: "event " + a.Event.String(),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceOrder checks that the events appear in order. Other events
// may appear in between.
func assertTraceOrder(trace []TraceEvent, a Assertion) error {
	next := 0
	for _, e := range trace {
		if next < len(a.Events) && a.Events[next].Matches(e) {
			next++
		}
	}
	if next == len(a.Events) {
		return nil
	}
	return &AssertionError{
		Type:     AssertTraceOrder,
		Expected: fmt.Sprintf("events in order: %v", a.Events),
		Actual:   fmt.Sprintf("no event %s after the first %d", a.Events[next], next),
		Trace:    trace,
	}
}

func assertTraceCount(trace []TraceEvent, a Assertion) error {
	count := 0
	for _, e := range trace {
		if a.Event.Matches(e) {
			count++
		}
	}
	if count != a.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d occurrences of %s", a.Count, a.Event),
			Actual:   fmt.Sprintf("%d occurrences", count),
			Trace:    trace,
		}
	}
	return nil
}
