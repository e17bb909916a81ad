package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/roach88/trustagent/internal/agent"
	"github.com/roach88/trustagent/internal/clock"
	"github.com/roach88/trustagent/internal/manifest"
	"github.com/roach88/trustagent/internal/model"
	"github.com/roach88/trustagent/internal/storage"
	"github.com/roach88/trustagent/internal/store"
	"github.com/roach88/trustagent/internal/testutil"
	"github.com/roach88/trustagent/internal/transport"
)

// Epoch is the fixed wall time of every scenario run.
var Epoch = time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)

// DefaultIdentity names the identity of claimed devices when the
// scenario does not.
const DefaultIdentity = "default"

// errInjected is returned by bus operations a fail step targets.
var errInjected = errors.New("injected failure")

type runOptions struct {
	logger    *slog.Logger
	dir       string
	storeOpts []store.Option
	agentOpts []agent.Option
}

// Option configures Run.
type Option func(*runOptions)

// WithLogger sets the logger of the store and agent. Logs are discarded
// by default.
func WithLogger(l *slog.Logger) Option {
	return func(o *runOptions) { o.logger = l }
}

// WithDir places the scenario database in dir instead of a temporary
// directory removed after the run.
func WithDir(dir string) Option {
	return func(o *runOptions) { o.dir = dir }
}

// WithStoreOptions adds options to the scenario store. The clock is
// always the fixed scenario clock.
func WithStoreOptions(opts ...store.Option) Option {
	return func(o *runOptions) { o.storeOpts = append(o.storeOpts, opts...) }
}

// WithAgentOptions adds options to the agent. The agent always runs with
// a single sync worker.
func WithAgentOptions(opts ...agent.Option) Option {
	return func(o *runOptions) { o.agentOpts = append(o.agentOpts, opts...) }
}

// Harness executes one scenario against a fresh store and a fake bus.
type Harness struct {
	scenario *Scenario
	store    *store.Store
	bus      *testutil.FakeBus
	agent    *agent.SecurityAgent
	trace    *traceLog
	logger   *slog.Logger

	devices  map[string]DeviceDef
	keys     map[string]model.KeyInfo
	names    map[model.KeyInfo]string
	groups   map[string]model.GroupInfo
	identity model.IdentityInfo

	updatesMu sync.Mutex
	updates   []*agent.ManifestUpdate
}

// Run executes scenario and returns the result. Step failures,
// unmet expectations and failed assertions are reported in the result;
// the error covers problems setting up the run.
//
// The agent runs with a single sync worker and no Run loop, so every
// event is produced by a step and the trace is reproducible.
func Run(ctx context.Context, scenario *Scenario, opts ...Option) (*Result, error) {
	o := runOptions{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	for _, opt := range opts {
		opt(&o)
	}

	dir := o.dir
	if dir == "" {
		tmp, err := os.MkdirTemp("", "trustagent-scenario-")
		if err != nil {
			return nil, fmt.Errorf("failed to create scenario directory: %w", err)
		}
		defer os.RemoveAll(tmp)
		dir = tmp
	}

	storeOpts := append([]store.Option{store.WithLogger(o.logger)}, o.storeOpts...)
	storeOpts = append(storeOpts, store.WithClock(testutil.NewFakeClock(Epoch)))
	st, err := store.Open(filepath.Join(dir, scenario.Name+".db"), storeOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to open scenario store: %w", err)
	}
	defer st.Close()

	h := &Harness{
		scenario: scenario,
		store:    st,
		bus:      testutil.NewFakeBus(),
		trace:    newTraceLog(),
		logger:   o.logger.With("scenario", scenario.Name),
		devices:  make(map[string]DeviceDef, len(scenario.Devices)),
		keys:     make(map[string]model.KeyInfo, len(scenario.Devices)),
		names:    make(map[model.KeyInfo]string, len(scenario.Devices)),
		groups:   make(map[string]model.GroupInfo, len(scenario.Groups)),
	}
	for _, d := range scenario.Devices {
		key := testutil.MustKey(scenario.Name + "/" + d.Name)
		h.devices[d.Name] = d
		h.keys[d.Name] = key
		h.names[key] = d.Name
	}

	agentOpts := append([]agent.Option{agent.WithLogger(o.logger)}, o.agentOpts...)
	agentOpts = append(agentOpts, agent.WithWorkers(1))
	h.agent, err = agent.New(ctx, st, h.bus, h.bus, agentOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to start agent: %w", err)
	}
	defer h.agent.Close()
	h.agent.RegisterApplicationListener(recorder{h})

	if err := h.seed(ctx); err != nil {
		return nil, err
	}

	result := NewResult()
	for i, step := range scenario.Steps {
		h.trace.add(TraceEvent{Type: EventStep, Do: step.Do, Device: step.Device})
		err := h.execute(ctx, step)
		if err != nil {
			h.trace.add(TraceEvent{Type: EventStepFailed, Do: step.Do, Device: step.Device})
		}
		if msg := checkStepError(step, err); msg != "" {
			result.AddError(fmt.Sprintf("steps[%d] %s: %s", i, step.Do, msg))
		}
	}

	for _, e := range scenario.Expect {
		for _, msg := range h.checkDevice(ctx, e) {
			result.AddError(msg)
		}
	}

	result.Trace = h.trace.snapshot()
	for _, msg := range EvaluateAssertions(result.Trace, scenario.Assertions) {
		result.AddError(msg)
	}
	return result, nil
}

// seed stores the identity and groups of the scenario.
func (h *Harness) seed(ctx context.Context) error {
	name := h.scenario.Identity
	if name == "" {
		name = DefaultIdentity
	}
	id, err := h.store.StoreIdentity(ctx, model.IdentityInfo{Name: name})
	if err != nil {
		return fmt.Errorf("failed to store identity: %w", err)
	}
	h.identity = id

	for _, g := range h.scenario.Groups {
		stored, err := h.store.StoreGroup(ctx, model.GroupInfo{Name: g.Name, Desc: g.Description})
		if err != nil {
			return fmt.Errorf("failed to store group %q: %w", g.Name, err)
		}
		h.groups[g.Name] = stored
	}
	return nil
}

func checkStepError(step Step, err error) string {
	switch {
	case step.ExpectError == "" && err != nil:
		return fmt.Sprintf("unexpected error: %v", err)
	case step.ExpectError != "" && err == nil:
		return fmt.Sprintf("expected error containing %q, got none", step.ExpectError)
	case step.ExpectError != "" && !strings.Contains(err.Error(), step.ExpectError):
		return fmt.Sprintf("expected error containing %q, got: %v", step.ExpectError, err)
	}
	return ""
}

func (h *Harness) execute(ctx context.Context, step Step) error {
	key := h.keys[step.Device]
	app := model.NewApplication(key)

	switch step.Do {
	case StepAnnounce:
		return h.announce(step.Device)

	case StepLeave:
		h.bus.Leave(key)
		return nil

	case StepSetState:
		state, err := model.ParseApplicationState(step.State)
		if err != nil {
			return err
		}
		h.bus.SetState(key, state)
		return nil

	case StepClaim:
		return h.claim(ctx, step)

	case StepSync:
		if step.Device == "" {
			h.agent.UpdateApplications(ctx)
			return nil
		}
		online, err := h.agent.GetApplication(key)
		if err != nil {
			return err
		}
		h.agent.UpdateApplications(ctx, online)
		return nil

	case StepFail:
		err := fmt.Errorf("%s %s: %w", step.Op, step.Device, errInjected)
		if step.Once {
			h.bus.FailOnce(testutil.Op(step.Op), key, err)
		} else {
			h.bus.Fail(testutil.Op(step.Op), key, err)
		}
		return nil

	case StepClearFailures:
		h.bus.Clear()
		return nil

	case StepBumpPolicy:
		p, err := h.store.GetPolicy(ctx, app)
		if err != nil {
			return err
		}
		_, err = h.store.UpdatePolicy(ctx, app, p)
		return err

	case StepInstallMember:
		return h.store.InstallMembership(ctx, app, h.groups[step.Group])

	case StepRemoveMember:
		return h.store.RemoveMembership(ctx, app, h.groups[step.Group])

	case StepRequestManifest:
		m, err := manifest.FromSpecs(step.Manifest)
		if err != nil {
			return err
		}
		h.bus.RequestManifest(key, m)
		return nil

	case StepApproveManifests:
		return h.approveManifestUpdates(ctx)

	case StepReset:
		return h.store.ResetApplication(ctx, app)
	}
	return fmt.Errorf("unknown step %q", step.Do)
}

func (h *Harness) announce(name string) error {
	d := h.devices[name]
	state := model.Claimable
	if d.State != "" {
		var err error
		if state, err = model.ParseApplicationState(d.State); err != nil {
			return err
		}
	}
	caps := transport.CapableECDHENull
	if d.Capabilities != "" {
		var err error
		if caps, err = transport.ParseClaimCapabilities(d.Capabilities); err != nil {
			return err
		}
	}
	tmpl, err := manifest.FromSpecs(d.Manifest)
	if err != nil {
		return err
	}
	h.bus.Announce(testutil.Device{
		Key:          h.keys[name],
		BusName:      ":" + name,
		State:        state,
		Capabilities: caps,
		Template:     tmpl,
	})
	return nil
}

func (h *Harness) claim(ctx context.Context, step Step) error {
	app, err := h.agent.GetApplication(h.keys[step.Device])
	if err != nil {
		return err
	}

	preference := agent.DefaultSessionPreference
	if step.Session != "" {
		c, err := transport.ParseClaimCapabilities(step.Session)
		if err != nil {
			return err
		}
		preference = []transport.ClaimCapabilities{c}
	}

	h.agent.SetClaimListener(agent.ClaimListenerFunc(func(cc *agent.ClaimContext) error {
		for _, c := range preference {
			if !cc.Capabilities().Has(c) {
				continue
			}
			if err := cc.SetClaimType(c); err != nil {
				return err
			}
			if step.Secret != "" {
				var err error
				switch c {
				case transport.CapableECDHEPSK:
					err = cc.SetPreSharedKey([]byte(step.Secret))
				case transport.CapableECDHESPEKE:
					err = cc.SetSharedPassword([]byte(step.Secret))
				}
				if err != nil {
					return err
				}
			}
			cc.ApproveManifest(!step.Reject)
			return nil
		}
		return fmt.Errorf("%w: no usable session type in %s", agent.ErrInvalidClaimType, cc.Capabilities())
	}))
	defer h.agent.SetClaimListener(nil)

	return h.agent.Claim(ctx, app, h.identity)
}

func (h *Harness) approveManifestUpdates(ctx context.Context) error {
	h.updatesMu.Lock()
	pending := h.updates
	h.updates = nil
	h.updatesMu.Unlock()

	var errs []error
	for _, u := range pending {
		if err := h.agent.ApproveManifestUpdate(ctx, u); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// checkDevice compares the final state of one device with e.
func (h *Harness) checkDevice(ctx context.Context, e DeviceExpectation) []string {
	var msgs []string
	fail := func(field string, want, got any) {
		msgs = append(msgs, fmt.Sprintf("expect %s: %s: want %v, got %v", e.Device, field, want, got))
	}

	key := h.keys[e.Device]
	app, err := h.agent.GetApplication(key)
	if err != nil && (e.ApplicationState != "" || e.SyncState != "") {
		return append(msgs, fmt.Sprintf("expect %s: %v", e.Device, err))
	}
	if e.ApplicationState != "" && app.ApplicationState.String() != e.ApplicationState {
		fail("application_state", e.ApplicationState, app.ApplicationState)
	}
	if e.SyncState != "" && app.SyncState.String() != e.SyncState {
		fail("sync_state", e.SyncState, app.SyncState)
	}

	if e.Managed != nil {
		_, err := h.store.GetManagedApplication(ctx, model.NewApplication(key))
		switch {
		case err == nil:
			if !*e.Managed {
				fail("managed", false, true)
			}
		case storage.IsNotFound(err):
			if *e.Managed {
				fail("managed", true, false)
			}
		default:
			msgs = append(msgs, fmt.Sprintf("expect %s: managed: %v", e.Device, err))
		}
	}

	installed, _ := h.bus.Installed(key)
	if e.PolicyVersion != nil && installed.Policy.Version != *e.PolicyVersion {
		fail("policy_version", *e.PolicyVersion, installed.Policy.Version)
	}
	if e.Memberships != nil && len(installed.Memberships) != *e.Memberships {
		fail("memberships", *e.Memberships, len(installed.Memberships))
	}
	if e.Resets != nil && installed.Resets != *e.Resets {
		fail("resets", *e.Resets, installed.Resets)
	}
	return msgs
}

func (h *Harness) nameOf(key model.KeyInfo) string {
	if name, ok := h.names[key]; ok {
		return name
	}
	return key.String()
}

func stateLabel(app model.OnlineApplication) string {
	return app.ApplicationState.String() + "/" + app.SyncState.String()
}

// recorder turns agent notifications into trace events.
type recorder struct {
	h *Harness
}

func (r recorder) OnApplicationStateChange(old, new *model.OnlineApplication) {
	e := TraceEvent{Type: EventState, Device: r.h.nameOf(new.KeyInfo), To: stateLabel(*new)}
	if old != nil {
		e.From = stateLabel(*old)
	}
	r.h.trace.add(e)
}

func (r recorder) OnSyncError(err *agent.SyncError) {
	r.h.logger.Debug("sync error", "device", r.h.nameOf(err.App.KeyInfo), "error", err)
	r.h.trace.add(TraceEvent{
		Type:   EventSyncError,
		Device: r.h.nameOf(err.App.KeyInfo),
		Kind:   err.Kind().String(),
	})
}

func (r recorder) OnManifestUpdate(u *agent.ManifestUpdate) {
	r.h.updatesMu.Lock()
	r.h.updates = append(r.h.updates, u)
	r.h.updatesMu.Unlock()

	r.h.trace.add(TraceEvent{
		Type:    EventManifestUpdate,
		Device:  r.h.nameOf(u.App.KeyInfo),
		Added:   u.AdditionalRules().Len(),
		Removed: u.RemovedRules().Len(),
	})
}

func newTraceLog() *traceLog {
	return &traceLog{seq: clock.NewSequence()}
}
