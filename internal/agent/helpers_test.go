package agent

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/trustagent/internal/manifest"
	"github.com/roach88/trustagent/internal/model"
	"github.com/roach88/trustagent/internal/store"
	"github.com/roach88/trustagent/internal/testutil"
	"github.com/roach88/trustagent/internal/transport"
)

var testNow = time.Date(2031, 3, 14, 9, 26, 53, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testEnv wires an agent to a temporary store and a fake bus.
type testEnv struct {
	t     *testing.T
	ctx   context.Context
	store *store.Store
	bus   *testutil.FakeBus
	agent *SecurityAgent
	rec   *eventRecorder
	id    model.IdentityInfo
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	ctx := context.Background()

	s, err := store.Open(filepath.Join(t.TempDir(), "agent.db"),
		store.WithClock(testutil.NewFakeClock(testNow)),
		store.WithLogger(discardLogger()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	bus := testutil.NewFakeBus()
	opts = append([]Option{WithLogger(discardLogger())}, opts...)
	a, err := New(ctx, s, bus, bus, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })

	rec := &eventRecorder{}
	a.RegisterApplicationListener(rec)

	id, err := s.StoreIdentity(ctx, model.IdentityInfo{Name: "lamps"})
	require.NoError(t, err)

	return &testEnv{t: t, ctx: ctx, store: s, bus: bus, agent: a, rec: rec, id: id}
}

func ruleA() manifest.Rule {
	return manifest.Rule{
		InterfaceName: "org.example.Lamp",
		Members: []manifest.Member{
			{Name: "On", Type: manifest.MemberProperty, Actions: manifest.ActionProvide | manifest.ActionObserve},
		},
	}
}

func ruleB() manifest.Rule {
	return manifest.Rule{
		InterfaceName: "org.example.Dimmer",
		Members: []manifest.Member{
			{Name: "SetLevel", Type: manifest.MemberMethodCall, Actions: manifest.ActionProvide},
		},
	}
}

// announce brings a claimable device named name online.
func (e *testEnv) announce(name string, caps transport.ClaimCapabilities) model.OnlineApplication {
	e.t.Helper()
	key := testutil.MustKey(name)
	e.bus.Announce(testutil.Device{
		Key:          key,
		BusName:      ":" + name,
		State:        model.Claimable,
		Capabilities: caps,
		Template:     manifest.MustNew(ruleA()),
	})
	app, err := e.agent.GetApplication(key)
	require.NoError(e.t, err)
	return app
}

// claimed announces a device and claims it over ECDHE_NULL.
func (e *testEnv) claimed(name string) model.OnlineApplication {
	e.t.Helper()
	app := e.announce(name, transport.CapableECDHENull)
	e.agent.SetManifestListener(approveAll{})
	require.NoError(e.t, e.agent.Claim(e.ctx, app, e.id))
	app, err := e.agent.GetApplication(app.KeyInfo)
	require.NoError(e.t, err)
	return app
}

type approveAll struct{}

func (approveAll) ApproveManifest(model.OnlineApplication, manifest.Manifest) bool { return true }

type rejectAll struct{}

func (rejectAll) ApproveManifest(model.OnlineApplication, manifest.Manifest) bool { return false }

// eventRecorder records ApplicationListener callbacks.
type eventRecorder struct {
	mu      sync.Mutex
	states  []string
	errors  []*SyncError
	updates []*ManifestUpdate
	order   []string
}

func (r *eventRecorder) OnApplicationStateChange(old, new *model.OnlineApplication) {
	r.mu.Lock()
	defer r.mu.Unlock()
	from := "-"
	if old != nil {
		from = fmt.Sprintf("%s/%s", old.ApplicationState, old.SyncState)
	}
	line := fmt.Sprintf("%s %s>%s/%s", new.BusName, from, new.ApplicationState, new.SyncState)
	r.states = append(r.states, line)
	r.order = append(r.order, "state "+line)
}

func (r *eventRecorder) OnSyncError(err *SyncError) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = append(r.errors, err)
	r.order = append(r.order, "error "+err.App.BusName+" "+err.Kind().String())
}

func (r *eventRecorder) OnManifestUpdate(u *ManifestUpdate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, u)
	r.order = append(r.order, "manifest "+u.App.BusName)
}

func (r *eventRecorder) Errors() []*SyncError {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*SyncError(nil), r.errors...)
}

func (r *eventRecorder) Updates() []*ManifestUpdate {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*ManifestUpdate(nil), r.updates...)
}

func (r *eventRecorder) States() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.states...)
}

func (r *eventRecorder) Order() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

func (r *eventRecorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states, r.errors, r.updates, r.order = nil, nil, nil, nil
}
