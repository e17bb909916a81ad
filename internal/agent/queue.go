package agent

import (
	"sync"

	"github.com/roach88/trustagent/internal/model"
)

// syncQueue is a thread-safe FIFO of applications waiting for a sync
// pass. A key already queued is not queued twice.
//
// The queue uses a channel for signaling to enable context-aware waiting
// in the Run loop.
type syncQueue struct {
	mu     sync.Mutex
	keys   []model.KeyInfo
	queued map[model.KeyInfo]struct{}
	closed bool
	signal chan struct{} // Signals availability (buffered, size 1)
}

func newSyncQueue() *syncQueue {
	return &syncQueue{
		queued: make(map[model.KeyInfo]struct{}),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds key to the back of the queue.
// Returns false if the queue is closed.
func (q *syncQueue) Enqueue(key model.KeyInfo) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	if _, ok := q.queued[key]; !ok {
		q.queued[key] = struct{}{}
		q.keys = append(q.keys, key)
	}

	// Non-blocking: the buffer of 1 coalesces multiple signals.
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// Drain removes and returns every queued key in FIFO order.
func (q *syncQueue) Drain() []model.KeyInfo {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.keys) == 0 {
		return nil
	}
	keys := q.keys
	q.keys = nil
	clear(q.queued)
	return keys
}

// Wait returns a channel that signals when keys may be available. It is
// closed once the queue is closed.
func (q *syncQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the current queue length.
func (q *syncQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.keys)
}

// Close signals that no more keys will be enqueued.
func (q *syncQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}
