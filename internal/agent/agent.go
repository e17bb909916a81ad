package agent

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/trustagent/internal/codec"
	"github.com/roach88/trustagent/internal/listener"
	"github.com/roach88/trustagent/internal/manifest"
	"github.com/roach88/trustagent/internal/model"
	"github.com/roach88/trustagent/internal/storage"
	"github.com/roach88/trustagent/internal/transport"
)

// Defaults used when no option overrides them.
const (
	DefaultWorkers         = 4
	DefaultSyncInterval    = time.Minute
	DefaultMaxUpdateRounds = 8
)

// AllCapabilities is every claim capability the agent can use.
const AllCapabilities = transport.CapableECDHENull | transport.CapableECDHEPSK |
	transport.CapableECDHEECDSA | transport.CapableECDHESPEKE

type options struct {
	logger          *slog.Logger
	workers         int
	interval        time.Duration
	maxUpdateRounds int
	agentKey        model.KeyInfo
	capabilities    transport.ClaimCapabilities
}

// Option configures New.
type Option func(*options)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithWorkers bounds how many applications are synchronised in parallel.
func WithWorkers(n int) Option {
	return func(o *options) { o.workers = n }
}

// WithSyncInterval sets how often Run synchronises every application.
func WithSyncInterval(d time.Duration) Option {
	return func(o *options) { o.interval = d }
}

// WithMaxUpdateRounds bounds how many times one sync pass restarts
// because storage changed underneath it.
func WithMaxUpdateRounds(n int) Option {
	return func(o *options) { o.maxUpdateRounds = n }
}

// WithAgentKey registers the agent's own key with storage so it holds an
// identity and admin membership.
func WithAgentKey(k model.KeyInfo) Option {
	return func(o *options) { o.agentKey = k }
}

// WithCapabilities restricts the session types the agent claims with.
func WithCapabilities(c transport.ClaimCapabilities) Option {
	return func(o *options) { o.capabilities = c }
}

// SecurityAgent claims and synchronises applications.
type SecurityAgent struct {
	store     storage.AgentCAStorage
	transport transport.Transport
	monitor   transport.Monitor
	opts      options
	logger    *slog.Logger
	caKey     model.KeyInfo

	appsMu sync.Mutex
	apps   map[model.KeyInfo]model.OnlineApplication

	// requested holds the digest of the last manifest reported per
	// application while it stays in NeedUpdate.
	requested map[model.KeyInfo]codec.Digest

	claimMu       sync.Mutex
	claimListener ClaimListener
	claiming      map[model.KeyInfo]struct{}

	locks    *keyedMutex
	notifier *notifier
	queue    *syncQueue
	running  atomic.Bool

	storageHandle storage.ListenerHandle
	monitorHandle listener.Handle
	closeOnce     sync.Once
}

// New creates an agent, registers it with storage and the monitor and
// picks up the applications already online.
func New(ctx context.Context, store storage.AgentCAStorage, tr transport.Transport, mon transport.Monitor, opts ...Option) (*SecurityAgent, error) {
	o := options{
		logger:          slog.Default(),
		workers:         DefaultWorkers,
		interval:        DefaultSyncInterval,
		maxUpdateRounds: DefaultMaxUpdateRounds,
		capabilities:    AllCapabilities,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.workers < 1 || o.maxUpdateRounds < 1 || o.interval <= 0 {
		return nil, fmt.Errorf("%w: workers=%d rounds=%d interval=%s", ErrInvalidArgument, o.workers, o.maxUpdateRounds, o.interval)
	}

	caKey, err := store.GetCaPublicKeyInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("read ca key: %w", err)
	}

	logger := o.logger.With("component", "agent")
	a := &SecurityAgent{
		store:     store,
		transport: tr,
		monitor:   mon,
		opts:      o,
		logger:    logger,
		caKey:     caKey,
		apps:      make(map[model.KeyInfo]model.OnlineApplication),
		requested: make(map[model.KeyInfo]codec.Digest),
		claiming:  make(map[model.KeyInfo]struct{}),
		locks:     newKeyedMutex(),
		notifier:  newNotifier(logger),
		queue:     newSyncQueue(),
	}

	if !o.agentKey.IsEmpty() {
		if _, _, _, err := store.RegisterAgent(ctx, o.agentKey, agentManifest()); err != nil {
			return nil, fmt.Errorf("register agent: %w", err)
		}
		logger.Info("agent registered", "agent", o.agentKey.String())
	}

	a.storageHandle = store.RegisterStorageListener(storageListener{a})
	a.monitorHandle = mon.RegisterSecurityInfoListener(a)
	for _, info := range mon.Applications() {
		a.OnSecurityStateChange(nil, &info)
	}
	return a, nil
}

// agentManifest grants the agent every action on every interface.
func agentManifest() manifest.Manifest {
	return manifest.MustNew(manifest.Rule{
		InterfaceName: "*",
		Members:       []manifest.Member{{Name: "*", Actions: manifest.ActionAll}},
	})
}

// Close unregisters the agent from storage and the monitor. Listener
// callbacks already running may still complete.
func (a *SecurityAgent) Close() error {
	a.closeOnce.Do(func() {
		a.store.UnregisterStorageListener(a.storageHandle)
		a.monitor.UnregisterSecurityInfoListener(a.monitorHandle)
		a.queue.Close()
	})
	return nil
}

// GetPublicKeyInfo returns the key of the certificate authority.
func (a *SecurityAgent) GetPublicKeyInfo() model.KeyInfo {
	return a.caKey
}

// SetClaimListener sets the listener consulted by Claim. nil clears it.
func (a *SecurityAgent) SetClaimListener(l ClaimListener) {
	a.claimMu.Lock()
	defer a.claimMu.Unlock()
	a.claimListener = l
}

// SetManifestListener sets a ManifestListener as claim listener using
// the default session preference. nil clears it.
func (a *SecurityAgent) SetManifestListener(ml ManifestListener) {
	if ml == nil {
		a.SetClaimListener(nil)
		return
	}
	a.SetClaimListener(ClaimListenerFromManifestListener(ml))
}

// RegisterApplicationListener adds l and returns its handle.
func (a *SecurityAgent) RegisterApplicationListener(l ApplicationListener) listener.Handle {
	return a.notifier.listeners.Register(l)
}

// UnregisterApplicationListener removes a listener. No callback starts
// for it after this returns.
func (a *SecurityAgent) UnregisterApplicationListener(h listener.Handle) {
	a.notifier.listeners.Unregister(h)
}

// GetApplication returns the application with the given key.
func (a *SecurityAgent) GetApplication(key model.KeyInfo) (model.OnlineApplication, error) {
	a.appsMu.Lock()
	defer a.appsMu.Unlock()
	app, ok := a.apps[key]
	if !ok {
		return model.OnlineApplication{}, fmt.Errorf("%w: %s", ErrUnknownApplication, key)
	}
	return app, nil
}

// GetApplications returns the known applications in one of the given
// states, or all of them when no state is given, ordered by key.
func (a *SecurityAgent) GetApplications(states ...model.ApplicationState) []model.OnlineApplication {
	a.appsMu.Lock()
	out := make([]model.OnlineApplication, 0, len(a.apps))
	for _, app := range a.apps {
		if len(states) == 0 || slices.Contains(states, app.ApplicationState) {
			out = append(out, app)
		}
	}
	a.appsMu.Unlock()

	slices.SortFunc(out, func(x, y model.OnlineApplication) int { return x.KeyInfo.Compare(y.KeyInfo) })
	return out
}

// OnSecurityStateChange tracks applications announced by the monitor.
func (a *SecurityAgent) OnSecurityStateChange(old, new *transport.SecurityInfo) {
	if old == nil && new == nil {
		a.logger.Error("security state change without application")
		return
	}
	key := keyOf(old, new)

	a.appsMu.Lock()
	known, exists := a.apps[key]
	a.appsMu.Unlock()

	if !exists {
		if new == nil {
			return
		}
		app := new.Online(a.lookupSyncState(key))
		a.appsMu.Lock()
		if _, raced := a.apps[key]; raced {
			a.appsMu.Unlock()
			a.OnSecurityStateChange(old, new)
			return
		}
		a.apps[key] = app
		a.appsMu.Unlock()

		a.notifier.stateChanged(nil, &app)
		if app.ApplicationState == model.NeedUpdate {
			a.detectManifestUpdate(key)
		}
		a.scheduleSync(app)
		return
	}

	a.appsMu.Lock()
	current := a.apps[key]
	updated := current
	if new != nil {
		updated.BusName = new.BusName
		updated.ApplicationState = new.ApplicationState
	} else if current.BusName == old.BusName {
		updated.BusName = ""
	}
	a.apps[key] = updated
	a.appsMu.Unlock()

	if !updated.Equal(current) {
		a.notifier.stateChanged(&current, &updated)
	}
	if new == nil || known.ApplicationState == updated.ApplicationState {
		return
	}
	if updated.ApplicationState == model.NeedUpdate {
		a.detectManifestUpdate(key)
	} else {
		a.appsMu.Lock()
		delete(a.requested, key)
		a.appsMu.Unlock()
	}
	a.scheduleSync(updated)
}

// detectManifestUpdate checks the manifest a managed application asks
// for on entering NeedUpdate.
func (a *SecurityAgent) detectManifestUpdate(key model.KeyInfo) {
	ctx := context.Background()
	if err := a.locks.Lock(ctx, key); err != nil {
		return
	}
	defer a.locks.Unlock(key)

	app, err := a.GetApplication(key)
	if err != nil || app.BusName == "" || app.ApplicationState != model.NeedUpdate {
		return
	}
	switch app.SyncState {
	case model.SyncUnmanaged, model.SyncUnknown, model.SyncWillReset:
		return
	}
	a.checkManifestUpdate(ctx, app)
}

func keyOf(old, new *transport.SecurityInfo) model.KeyInfo {
	if new != nil {
		return new.KeyInfo
	}
	return old.KeyInfo
}

// lookupSyncState reads the persisted state of a newly seen application.
func (a *SecurityAgent) lookupSyncState(key model.KeyInfo) model.SyncState {
	stored, err := a.store.GetManagedApplication(context.Background(), model.NewApplication(key))
	switch {
	case err == nil:
		return stored.SyncState
	case storage.IsNotFound(err):
		return model.SyncUnmanaged
	default:
		a.logger.Error("failed to read application from storage; continuing",
			"app", key.String(), "error", err)
		return model.SyncUnknown
	}
}

// setSyncState records the sync state of a known application and
// notifies listeners when it changed.
func (a *SecurityAgent) setSyncState(key model.KeyInfo, state model.SyncState) (model.OnlineApplication, bool) {
	a.appsMu.Lock()
	current, ok := a.apps[key]
	if !ok || current.SyncState == state {
		a.appsMu.Unlock()
		return current, ok
	}
	updated := current
	updated.SyncState = state
	a.apps[key] = updated
	a.appsMu.Unlock()

	a.notifier.stateChanged(&current, &updated)
	return updated, true
}

// setApplicationState records a device state learned by querying the
// device instead of from a notification.
func (a *SecurityAgent) setApplicationState(key model.KeyInfo, state model.ApplicationState) (model.OnlineApplication, bool) {
	a.appsMu.Lock()
	current, ok := a.apps[key]
	if !ok || current.ApplicationState == state {
		a.appsMu.Unlock()
		return current, ok
	}
	updated := current
	updated.ApplicationState = state
	a.apps[key] = updated
	a.appsMu.Unlock()

	a.notifier.stateChanged(&current, &updated)
	return updated, true
}

// scheduleSync queues app for the Run loop if it is managed and online.
func (a *SecurityAgent) scheduleSync(app model.OnlineApplication) {
	if !a.running.Load() || app.BusName == "" || !app.ApplicationState.IsManagedOnDevice() {
		return
	}
	switch app.SyncState {
	case model.SyncUnmanaged, model.SyncUnknown:
		return
	}
	a.queue.Enqueue(app.KeyInfo)
}

// storageListener adapts the agent to storage.Listener without exposing
// the callbacks on SecurityAgent.
type storageListener struct {
	a *SecurityAgent
}

func (l storageListener) OnPendingChanges(apps []model.Application) {
	for _, app := range apps {
		if updated, ok := l.a.setSyncState(app.KeyInfo, app.SyncState); ok {
			l.a.scheduleSync(updated)
		}
	}
}

func (l storageListener) OnPendingChangesCompleted(apps []model.Application) {
	for _, app := range apps {
		l.a.setSyncState(app.KeyInfo, app.SyncState)
	}
}

func (l storageListener) OnApplicationsAdded(apps []model.Application) {
	for _, app := range apps {
		if added, ok := l.a.setSyncState(app.KeyInfo, app.SyncState); ok {
			l.a.scheduleSync(added)
		}
	}
}

func (l storageListener) OnApplicationsRemoved(apps []model.Application) {
	for _, app := range apps {
		l.a.setSyncState(app.KeyInfo, model.SyncUnmanaged)
	}
}

func (l storageListener) OnStorageReset() {
	for _, app := range l.a.GetApplications() {
		l.a.setSyncState(app.KeyInfo, model.SyncUnmanaged)
	}
}
