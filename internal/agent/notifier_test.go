package agent

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/roach88/trustagent/internal/model"
	"github.com/roach88/trustagent/internal/testutil"
)

func onlineApp(name string, state model.SyncState) *model.OnlineApplication {
	return &model.OnlineApplication{
		Application: model.Application{KeyInfo: testutil.MustKey(name), SyncState: state},
		BusName:     ":" + name,
	}
}

func TestNotifier_FIFO(t *testing.T) {
	n := newNotifier(discardLogger())
	rec := &eventRecorder{}
	n.listeners.Register(rec)

	n.stateChanged(nil, onlineApp("a", model.SyncOK))
	n.syncError(NewRemoteError(*onlineApp("a", model.SyncOK), assert.AnError))
	n.stateChanged(onlineApp("a", model.SyncOK), onlineApp("a", model.SyncPending))

	assert.Equal(t, []string{
		"state :a ->NOT_CLAIMABLE/OK",
		"error :a REMOTE",
		"state :a NOT_CLAIMABLE/OK>NOT_CLAIMABLE/PENDING",
	}, rec.Order())
}

// reentrantListener posts another event from inside a callback.
type reentrantListener struct {
	eventRecorder
	n    *notifier
	once sync.Once
}

func (r *reentrantListener) OnApplicationStateChange(old, new *model.OnlineApplication) {
	r.eventRecorder.OnApplicationStateChange(old, new)
	r.once.Do(func() {
		r.n.syncError(NewStorageError(*new, assert.AnError))
	})
}

func TestNotifier_PostFromCallbackIsQueued(t *testing.T) {
	n := newNotifier(discardLogger())
	first := &reentrantListener{n: n}
	second := &eventRecorder{}
	n.listeners.Register(first)
	n.listeners.Register(second)

	n.stateChanged(nil, onlineApp("a", model.SyncOK))

	want := []string{"state :a ->NOT_CLAIMABLE/OK", "error :a STORAGE"}
	assert.Equal(t, want, first.Order())
	assert.Equal(t, want, second.Order(), "every listener sees the state change before the nested error")
}

func TestNotifier_UnregisteredListenerIsSkipped(t *testing.T) {
	n := newNotifier(discardLogger())
	rec := &eventRecorder{}
	h := n.listeners.Register(rec)

	n.stateChanged(nil, onlineApp("a", model.SyncOK))
	n.listeners.Unregister(h)
	n.stateChanged(nil, onlineApp("b", model.SyncOK))

	assert.Len(t, rec.Order(), 1)
}

func TestNotifier_ConcurrentPosts(t *testing.T) {
	n := newNotifier(discardLogger())
	rec := &eventRecorder{}
	n.listeners.Register(rec)

	var wg sync.WaitGroup
	for i := range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n.stateChanged(nil, onlineApp(string(rune('a'+i)), model.SyncOK))
		}()
	}
	wg.Wait()

	assert.Len(t, rec.States(), 16)
}

// blockingListener parks the first state change until release is closed.
type blockingListener struct {
	eventRecorder
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *blockingListener) OnApplicationStateChange(old, new *model.OnlineApplication) {
	b.once.Do(func() {
		close(b.entered)
		<-b.release
	})
	b.eventRecorder.OnApplicationStateChange(old, new)
}

func TestNotifier_BusyDelivererTakesOverLaterPosts(t *testing.T) {
	n := newNotifier(discardLogger())
	l := &blockingListener{entered: make(chan struct{}), release: make(chan struct{})}
	n.listeners.Register(l)

	done := make(chan struct{})
	go func() {
		defer close(done)
		n.stateChanged(nil, onlineApp("a", model.SyncOK))
	}()
	<-l.entered

	// Returns at once; the goroutine above delivers it.
	n.syncError(NewRemoteError(*onlineApp("b", model.SyncOK), assert.AnError))
	assert.Empty(t, l.Errors())

	close(l.release)
	<-done
	assert.Equal(t, []string{"state :a ->NOT_CLAIMABLE/OK", "error :b REMOTE"}, l.Order())
}
