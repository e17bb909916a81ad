// Package clock provides the wall clock used for certificate validity
// windows and the logical sequence used to order listener notifications.
package clock

import (
	"sync/atomic"
	"time"
)

// Clock is the source of wall time. Tests substitute a fixed clock so
// certificate windows are reproducible.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Real returns the system clock.
func Real() Clock {
	return realClock{}
}

// Func adapts a function to Clock.
type Func func() time.Time

// Now calls f.
func (f Func) Now() time.Time { return f() }

// Sequence is a monotonic logical clock. Every call to Next returns a
// strictly larger value, so values taken from one Sequence order events
// without relying on wall time.
//
// Safe for concurrent use.
type Sequence struct {
	seq atomic.Int64
}

// NewSequence creates a sequence whose first Next returns 1.
func NewSequence() *Sequence {
	return &Sequence{}
}

// NewSequenceAt creates a sequence resuming after start.
func NewSequenceAt(start int64) *Sequence {
	s := &Sequence{}
	s.seq.Store(start)
	return s
}

// Next returns the next value.
func (s *Sequence) Next() int64 {
	return s.seq.Add(1)
}

// Current returns the last value handed out.
func (s *Sequence) Current() int64 {
	return s.seq.Load()
}
