package agent

import (
	"log/slog"
	"sync"

	"github.com/roach88/trustagent/internal/clock"
	"github.com/roach88/trustagent/internal/listener"
	"github.com/roach88/trustagent/internal/model"
)

// eventKind distinguishes listener events.
type eventKind int

const (
	eventStateChange eventKind = iota + 1
	eventSyncError
	eventManifestUpdate
)

// event is one pending ApplicationListener callback. Seq orders events
// in logs.
type event struct {
	Seq      int64
	Kind     eventKind
	Old, New *model.OnlineApplication
	Err      *SyncError
	Update   *ManifestUpdate
}

// notifier delivers events to ApplicationListeners in FIFO order.
//
// Whoever posts into an idle notifier becomes the deliverer and drains
// the queue, including events posted meanwhile by other goroutines or by
// listener callbacks. Post therefore never blocks on another deliverer
// and callbacks may post without deadlocking.
type notifier struct {
	mu         sync.Mutex
	pending    []event
	delivering bool

	seq       *clock.Sequence
	listeners listener.Registry[ApplicationListener]
	logger    *slog.Logger
}

func newNotifier(logger *slog.Logger) *notifier {
	return &notifier{seq: clock.NewSequence(), logger: logger}
}

func (n *notifier) stateChanged(old, new *model.OnlineApplication) {
	n.post(event{Kind: eventStateChange, Old: old, New: new})
}

func (n *notifier) syncError(err *SyncError) {
	n.logger.Warn("sync error",
		"app", err.App.KeyInfo.String(),
		"kind", err.Kind().String(),
		"error", err.Status)
	n.post(event{Kind: eventSyncError, Err: err})
}

func (n *notifier) manifestUpdate(u *ManifestUpdate) {
	n.post(event{Kind: eventManifestUpdate, Update: u})
}

func (n *notifier) post(ev event) {
	n.mu.Lock()
	ev.Seq = n.seq.Next()
	n.pending = append(n.pending, ev)
	if n.delivering {
		n.mu.Unlock()
		return
	}
	n.delivering = true

	for len(n.pending) > 0 {
		next := n.pending[0]
		n.pending[0] = event{}
		n.pending = n.pending[1:]
		n.mu.Unlock()

		n.deliver(next)

		n.mu.Lock()
	}
	n.pending = n.pending[:0]
	n.delivering = false
	n.mu.Unlock()
}

func (n *notifier) deliver(ev event) {
	n.logger.Debug("delivering event", "seq", ev.Seq, "kind", int(ev.Kind))
	n.listeners.Notify(func(l ApplicationListener) {
		switch ev.Kind {
		case eventStateChange:
			l.OnApplicationStateChange(ev.Old, ev.New)
		case eventSyncError:
			l.OnSyncError(ev.Err)
		case eventManifestUpdate:
			l.OnManifestUpdate(ev.Update)
		}
	})
}
