package testutil

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/trustagent/internal/model"
	"github.com/roach88/trustagent/internal/policy"
	"github.com/roach88/trustagent/internal/transport"
)

type stateRecorder struct {
	changes []string
}

func (r *stateRecorder) OnSecurityStateChange(old, new *transport.SecurityInfo) {
	from, to := "-", "-"
	if old != nil {
		from = old.ApplicationState.String()
	}
	if new != nil {
		to = new.ApplicationState.String()
	}
	r.changes = append(r.changes, from+">"+to)
}

func lampDevice() Device {
	return Device{
		Key:          MustKey("lamp"),
		BusName:      ":1.1",
		State:        model.Claimable,
		Capabilities: transport.CapableECDHENull | transport.CapableECDHEPSK,
	}
}

func TestFakeBus_ClaimLifecycle(t *testing.T) {
	ctx := context.Background()
	bus := NewFakeBus()
	rec := &stateRecorder{}
	h := bus.RegisterSecurityInfoListener(rec)

	d := lampDevice()
	bus.Announce(d)
	require.Len(t, bus.Applications(), 1)
	app := bus.Applications()[0].Online(model.SyncUnmanaged)

	err := bus.Claim(ctx, app, transport.ClaimRequest{SessionType: transport.SessionECDHEECDSA})
	assert.ErrorIs(t, err, transport.ErrRefused, "unsupported session type")

	require.NoError(t, bus.Claim(ctx, app, transport.ClaimRequest{SessionType: transport.SessionECDHEPSK, Secret: []byte("s")}))
	assert.Equal(t, model.Claimed, bus.State(d.Key))

	require.NoError(t, bus.UpdatePolicy(ctx, app, policy.Policy{Version: 2}))
	assert.ErrorIs(t, bus.UpdatePolicy(ctx, app, policy.Policy{Version: 2}), transport.ErrRefused)

	cfg, err := bus.GetConfiguration(ctx, app)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), cfg.PolicyVersion)

	require.NoError(t, bus.Reset(ctx, app))
	installed, ok := bus.Installed(d.Key)
	require.True(t, ok)
	assert.Equal(t, 1, installed.Resets)
	assert.Equal(t, model.Claimable, bus.State(d.Key))

	bus.Leave(d.Key)
	assert.Empty(t, bus.Applications())
	_, err = bus.GetApplicationState(ctx, app)
	assert.ErrorIs(t, err, transport.ErrUnreachable)

	assert.Equal(t, []string{
		"Claim :1.1",
		"Claim :1.1",
		"UpdatePolicy :1.1",
		"UpdatePolicy :1.1",
		"GetConfiguration :1.1",
		"Reset :1.1",
		"GetApplicationState :1.1",
	}, bus.Calls())

	assert.Equal(t, []string{"->CLAIMABLE", "CLAIMABLE>CLAIMED", "CLAIMED>CLAIMABLE", "CLAIMABLE>-"}, rec.changes)

	bus.UnregisterSecurityInfoListener(h)
	bus.Announce(d)
	assert.Len(t, rec.changes, 4)
}

func TestFakeBus_FailureInjection(t *testing.T) {
	ctx := context.Background()
	bus := NewFakeBus()
	d := lampDevice()
	bus.Announce(d)
	app := bus.Applications()[0].Online(model.SyncUnmanaged)
	boom := errors.New("boom")

	bus.FailOnce(OpGetManifestTemplate, d.Key, boom)
	_, err := bus.GetManifestTemplate(ctx, app)
	assert.ErrorIs(t, err, boom)
	_, err = bus.GetManifestTemplate(ctx, app)
	assert.NoError(t, err)

	bus.Fail(OpGetClaimCapabilities, d.Key, boom)
	for i := 0; i < 2; i++ {
		_, _, err = bus.GetClaimCapabilities(ctx, app)
		assert.ErrorIs(t, err, boom)
	}
	bus.Clear()
	caps, _, err := bus.GetClaimCapabilities(ctx, app)
	require.NoError(t, err)
	assert.Equal(t, d.Capabilities, caps)

	assert.Equal(t, 3, bus.CallCount(OpGetClaimCapabilities, d.Key))
}

func TestFakeBus_ManagedOperationsRequireClaim(t *testing.T) {
	ctx := context.Background()
	bus := NewFakeBus()
	bus.Announce(lampDevice())
	app := bus.Applications()[0].Online(model.SyncUnmanaged)

	_, err := bus.GetConfiguration(ctx, app)
	assert.ErrorIs(t, err, transport.ErrRefused)
	assert.ErrorIs(t, bus.RemoveMembership(ctx, app, 1), transport.ErrRefused)
}
