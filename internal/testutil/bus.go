package testutil

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/roach88/trustagent/internal/cert"
	"github.com/roach88/trustagent/internal/listener"
	"github.com/roach88/trustagent/internal/manifest"
	"github.com/roach88/trustagent/internal/model"
	"github.com/roach88/trustagent/internal/policy"
	"github.com/roach88/trustagent/internal/transport"
)

// Op names a FakeBus operation for failure injection and call recording.
type Op string

const (
	OpGetManifestTemplate  Op = "GetManifestTemplate"
	OpGetClaimCapabilities Op = "GetClaimCapabilities"
	OpClaim                Op = "Claim"
	OpGetApplicationState  Op = "GetApplicationState"
	OpGetConfiguration     Op = "GetConfiguration"
	OpUpdateIdentity       Op = "UpdateIdentity"
	OpInstallMembership    Op = "InstallMembership"
	OpRemoveMembership     Op = "RemoveMembership"
	OpUpdatePolicy         Op = "UpdatePolicy"
	OpReset                Op = "Reset"
)

// Device describes an application announced on a FakeBus.
type Device struct {
	Key            model.KeyInfo
	BusName        string
	State          model.ApplicationState
	Capabilities   transport.ClaimCapabilities
	CapabilityInfo transport.CapabilityInfo
	Template       manifest.Manifest
}

// Installed is the security configuration a fake device holds.
type Installed struct {
	CAKey         model.KeyInfo
	AdminGroup    model.GroupInfo
	SessionType   transport.SessionType
	Secret        []byte
	IdentityChain cert.IdentityCertificateChain
	Manifest      manifest.Manifest
	Memberships   []uint64
	Policy        policy.Policy
	Resets        int
}

type fakeDevice struct {
	Device
	online    bool
	installed Installed
}

type failure struct {
	err  error
	once bool
}

// FakeBus is an in-memory Transport and Monitor. Devices follow the
// claim and reset state machine of real applications.
type FakeBus struct {
	mu        sync.Mutex
	devices   map[model.KeyInfo]*fakeDevice
	failures  map[Op]map[model.KeyInfo]failure
	calls     []string
	listeners listener.Registry[transport.SecurityInfoListener]
}

var (
	_ transport.Transport = (*FakeBus)(nil)
	_ transport.Monitor   = (*FakeBus)(nil)
)

// NewFakeBus returns an empty bus.
func NewFakeBus() *FakeBus {
	return &FakeBus{
		devices:  make(map[model.KeyInfo]*fakeDevice),
		failures: make(map[Op]map[model.KeyInfo]failure),
	}
}

// Announce brings d online and notifies monitor listeners.
func (b *FakeBus) Announce(d Device) {
	b.mu.Lock()
	dev, ok := b.devices[d.Key]
	var old *transport.SecurityInfo
	if ok && dev.online {
		info := dev.info()
		old = &info
	}
	if !ok {
		dev = &fakeDevice{}
		b.devices[d.Key] = dev
	}
	dev.Device = d
	dev.online = true
	info := dev.info()
	b.mu.Unlock()

	b.notify(old, &info)
}

// Leave takes the device offline.
func (b *FakeBus) Leave(key model.KeyInfo) {
	b.mu.Lock()
	dev, ok := b.devices[key]
	if !ok || !dev.online {
		b.mu.Unlock()
		return
	}
	dev.online = false
	info := dev.info()
	b.mu.Unlock()

	b.notify(&info, nil)
}

// SetState changes the application state the device reports.
func (b *FakeBus) SetState(key model.KeyInfo, state model.ApplicationState) {
	b.setState(key, state, true)
}

// SetStateQuietly changes the reported state without notifying listeners,
// like a state notification lost in transit.
func (b *FakeBus) SetStateQuietly(key model.KeyInfo, state model.ApplicationState) {
	b.setState(key, state, false)
}

func (b *FakeBus) setState(key model.KeyInfo, state model.ApplicationState, notify bool) {
	b.mu.Lock()
	dev, ok := b.devices[key]
	if !ok {
		b.mu.Unlock()
		return
	}
	old := dev.info()
	dev.State = state
	info := dev.info()
	b.mu.Unlock()

	if notify && dev.online {
		b.notify(&old, &info)
	}
}

// RequestManifest replaces the manifest template of a claimed device and
// moves it to NeedUpdate.
func (b *FakeBus) RequestManifest(key model.KeyInfo, m manifest.Manifest) {
	b.mu.Lock()
	if dev, ok := b.devices[key]; ok {
		dev.Template = m
	}
	b.mu.Unlock()
	b.SetState(key, model.NeedUpdate)
}

// Fail makes op fail with err for key until Clear is called.
func (b *FakeBus) Fail(op Op, key model.KeyInfo, err error) {
	b.setFailure(op, key, failure{err: err})
}

// FailOnce makes the next call of op for key fail with err.
func (b *FakeBus) FailOnce(op Op, key model.KeyInfo, err error) {
	b.setFailure(op, key, failure{err: err, once: true})
}

func (b *FakeBus) setFailure(op Op, key model.KeyInfo, f failure) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failures[op] == nil {
		b.failures[op] = make(map[model.KeyInfo]failure)
	}
	b.failures[op][key] = f
}

// Clear removes every injected failure.
func (b *FakeBus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = make(map[Op]map[model.KeyInfo]failure)
}

// Calls returns the recorded calls as "Op busName" strings.
func (b *FakeBus) Calls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.calls)
}

// CallCount returns how many times op was called for key.
func (b *FakeBus) CallCount(op Op, key model.KeyInfo) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	dev, ok := b.devices[key]
	if !ok {
		return 0
	}
	want := string(op) + " " + dev.BusName
	n := 0
	for _, c := range b.calls {
		if c == want {
			n++
		}
	}
	return n
}

// Installed returns a copy of the configuration held by the device.
func (b *FakeBus) Installed(key model.KeyInfo) (Installed, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	dev, ok := b.devices[key]
	if !ok {
		return Installed{}, false
	}
	out := dev.installed
	out.Memberships = slices.Clone(out.Memberships)
	out.IdentityChain = slices.Clone(out.IdentityChain)
	return out, true
}

// State returns the application state the device reports.
func (b *FakeBus) State(key model.KeyInfo) model.ApplicationState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if dev, ok := b.devices[key]; ok {
		return dev.State
	}
	return model.NotClaimable
}

// RegisterSecurityInfoListener implements transport.Monitor.
func (b *FakeBus) RegisterSecurityInfoListener(l transport.SecurityInfoListener) listener.Handle {
	return b.listeners.Register(l)
}

// UnregisterSecurityInfoListener implements transport.Monitor.
func (b *FakeBus) UnregisterSecurityInfoListener(h listener.Handle) {
	b.listeners.Unregister(h)
}

// Applications implements transport.Monitor.
func (b *FakeBus) Applications() []transport.SecurityInfo {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []transport.SecurityInfo
	for _, dev := range b.devices {
		if dev.online {
			out = append(out, dev.info())
		}
	}
	slices.SortFunc(out, func(a, c transport.SecurityInfo) int { return a.KeyInfo.Compare(c.KeyInfo) })
	return out
}

func (b *FakeBus) notify(old, new *transport.SecurityInfo) {
	b.listeners.Notify(func(l transport.SecurityInfoListener) { l.OnSecurityStateChange(old, new) })
}

func (d *fakeDevice) info() transport.SecurityInfo {
	return transport.SecurityInfo{KeyInfo: d.Key, BusName: d.BusName, ApplicationState: d.State}
}

// enter records the call and returns the online device or the injected
// failure. The caller must hold b.mu.
func (b *FakeBus) enter(op Op, app model.OnlineApplication) (*fakeDevice, error) {
	b.calls = append(b.calls, fmt.Sprintf("%s %s", op, app.BusName))
	if f, ok := b.failures[op][app.KeyInfo]; ok {
		if f.once {
			delete(b.failures[op], app.KeyInfo)
		}
		return nil, f.err
	}
	dev, ok := b.devices[app.KeyInfo]
	if !ok || !dev.online {
		return nil, fmt.Errorf("%s: %w", op, transport.ErrUnreachable)
	}
	return dev, nil
}

func (b *FakeBus) managed(op Op, app model.OnlineApplication) (*fakeDevice, error) {
	dev, err := b.enter(op, app)
	if err != nil {
		return nil, err
	}
	if !dev.State.IsManagedOnDevice() {
		return nil, fmt.Errorf("%s in state %s: %w", op, dev.State, transport.ErrRefused)
	}
	return dev, nil
}

func (b *FakeBus) GetManifestTemplate(ctx context.Context, app model.OnlineApplication) (manifest.Manifest, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	dev, err := b.enter(OpGetManifestTemplate, app)
	if err != nil {
		return manifest.Manifest{}, err
	}
	return dev.Template, nil
}

func (b *FakeBus) GetClaimCapabilities(ctx context.Context, app model.OnlineApplication) (transport.ClaimCapabilities, transport.CapabilityInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	dev, err := b.enter(OpGetClaimCapabilities, app)
	if err != nil {
		return 0, 0, err
	}
	return dev.Capabilities, dev.CapabilityInfo, nil
}

func (b *FakeBus) Claim(ctx context.Context, app model.OnlineApplication, req transport.ClaimRequest) error {
	b.mu.Lock()
	dev, err := b.enter(OpClaim, app)
	if err != nil {
		b.mu.Unlock()
		return err
	}
	if dev.State != model.Claimable {
		b.mu.Unlock()
		return fmt.Errorf("claim in state %s: %w", dev.State, transport.ErrRefused)
	}
	supported := false
	for _, bit := range []transport.ClaimCapabilities{transport.CapableECDHENull, transport.CapableECDHEPSK, transport.CapableECDHEECDSA, transport.CapableECDHESPEKE} {
		if st, _ := transport.SessionTypeFor(bit); st == req.SessionType && dev.Capabilities.Has(bit) {
			supported = true
		}
	}
	if !supported {
		b.mu.Unlock()
		return fmt.Errorf("session type %s not supported: %w", req.SessionType, transport.ErrRefused)
	}

	old := dev.info()
	resets := dev.installed.Resets
	dev.installed = Installed{
		CAKey:         req.CAKey,
		AdminGroup:    req.AdminGroup,
		SessionType:   req.SessionType,
		Secret:        slices.Clone(req.Secret),
		IdentityChain: slices.Clone(req.IdentityChain),
		Manifest:      req.Manifest,
		Resets:        resets,
	}
	dev.State = model.Claimed
	info := dev.info()
	b.mu.Unlock()

	b.notify(&old, &info)
	return nil
}

func (b *FakeBus) GetApplicationState(ctx context.Context, app model.OnlineApplication) (model.ApplicationState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	dev, err := b.enter(OpGetApplicationState, app)
	if err != nil {
		return model.NotClaimable, err
	}
	return dev.State, nil
}

func (b *FakeBus) GetConfiguration(ctx context.Context, app model.OnlineApplication) (transport.RemoteConfig, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	dev, err := b.managed(OpGetConfiguration, app)
	if err != nil {
		return transport.RemoteConfig{}, err
	}
	cfg := transport.RemoteConfig{
		PolicyVersion:     dev.installed.Policy.Version,
		MembershipSerials: slices.Clone(dev.installed.Memberships),
	}
	if leaf, ok := dev.installed.IdentityChain.Leaf(); ok {
		cfg.IdentitySerial = leaf.Serial
	}
	return cfg, nil
}

func (b *FakeBus) UpdateIdentity(ctx context.Context, app model.OnlineApplication, chain cert.IdentityCertificateChain, m manifest.Manifest) error {
	b.mu.Lock()
	dev, err := b.managed(OpUpdateIdentity, app)
	if err != nil {
		b.mu.Unlock()
		return err
	}
	dev.installed.IdentityChain = slices.Clone(chain)
	dev.installed.Manifest = m
	var old, info transport.SecurityInfo
	changed := false
	if dev.State == model.NeedUpdate && m.Equal(dev.Template) {
		old = dev.info()
		dev.State = model.Claimed
		info = dev.info()
		changed = true
	}
	b.mu.Unlock()

	if changed {
		b.notify(&old, &info)
	}
	return nil
}

func (b *FakeBus) InstallMembership(ctx context.Context, app model.OnlineApplication, chain cert.MembershipCertificateChain) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	dev, err := b.managed(OpInstallMembership, app)
	if err != nil {
		return err
	}
	leaf, ok := chain.Leaf()
	if !ok {
		return fmt.Errorf("empty membership chain: %w", transport.ErrRefused)
	}
	if !slices.Contains(dev.installed.Memberships, leaf.Serial) {
		dev.installed.Memberships = append(dev.installed.Memberships, leaf.Serial)
		slices.Sort(dev.installed.Memberships)
	}
	return nil
}

func (b *FakeBus) RemoveMembership(ctx context.Context, app model.OnlineApplication, serial uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	dev, err := b.managed(OpRemoveMembership, app)
	if err != nil {
		return err
	}
	i := slices.Index(dev.installed.Memberships, serial)
	if i < 0 {
		return fmt.Errorf("membership %d not installed: %w", serial, transport.ErrRefused)
	}
	dev.installed.Memberships = slices.Delete(dev.installed.Memberships, i, i+1)
	return nil
}

func (b *FakeBus) UpdatePolicy(ctx context.Context, app model.OnlineApplication, p policy.Policy) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	dev, err := b.managed(OpUpdatePolicy, app)
	if err != nil {
		return err
	}
	if p.Version <= dev.installed.Policy.Version {
		return fmt.Errorf("policy version %d not newer than %d: %w", p.Version, dev.installed.Policy.Version, transport.ErrRefused)
	}
	dev.installed.Policy = p.Clone()
	return nil
}

func (b *FakeBus) Reset(ctx context.Context, app model.OnlineApplication) error {
	b.mu.Lock()
	dev, err := b.enter(OpReset, app)
	if err != nil {
		b.mu.Unlock()
		return err
	}
	old := dev.info()
	dev.installed = Installed{Resets: dev.installed.Resets + 1}
	dev.State = model.Claimable
	info := dev.info()
	b.mu.Unlock()

	if old != info {
		b.notify(&old, &info)
	}
	return nil
}
