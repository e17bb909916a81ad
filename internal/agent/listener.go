package agent

import (
	"fmt"
	"slices"

	"github.com/roach88/trustagent/internal/manifest"
	"github.com/roach88/trustagent/internal/model"
	"github.com/roach88/trustagent/internal/transport"
)

// ClaimContext is handed to the ClaimListener during Claim. The listener
// selects a session type and approves or rejects the manifest.
type ClaimContext struct {
	app       model.OnlineApplication
	manifest  manifest.Manifest
	caps      transport.ClaimCapabilities
	capInfo   transport.CapabilityInfo
	claimType transport.ClaimCapabilities
	approved  bool
	secret    []byte
}

func newClaimContext(app model.OnlineApplication, m manifest.Manifest, caps transport.ClaimCapabilities, info transport.CapabilityInfo) *ClaimContext {
	return &ClaimContext{app: app, manifest: m, caps: caps, capInfo: info}
}

// Application returns the application being claimed.
func (c *ClaimContext) Application() model.OnlineApplication { return c.app }

// Manifest returns the manifest the application requests.
func (c *ClaimContext) Manifest() manifest.Manifest { return c.manifest }

// Capabilities returns the session types both the agent and the
// application support.
func (c *ClaimContext) Capabilities() transport.ClaimCapabilities { return c.caps }

// CapabilityInfo returns the qualifiers the application reported.
func (c *ClaimContext) CapabilityInfo() transport.CapabilityInfo { return c.capInfo }

// SetClaimType selects the session type. t must be a single capability
// bit present in Capabilities.
func (c *ClaimContext) SetClaimType(t transport.ClaimCapabilities) error {
	if !t.IsSingle() || !c.caps.Has(t) {
		return fmt.Errorf("%w: %s not one of %s", ErrInvalidClaimType, t, c.caps)
	}
	c.claimType = t
	return nil
}

// ClaimType returns the selected session type, or zero.
func (c *ClaimContext) ClaimType() transport.ClaimCapabilities { return c.claimType }

// ApproveManifest records the listener's decision.
func (c *ClaimContext) ApproveManifest(approved bool) { c.approved = approved }

// IsManifestApproved reports the listener's decision.
func (c *ClaimContext) IsManifestApproved() bool { return c.approved }

// SetPreSharedKey sets the secret of an ECDHE_PSK claim.
func (c *ClaimContext) SetPreSharedKey(psk []byte) error {
	return c.setSecret(transport.CapableECDHEPSK, psk)
}

// SetSharedPassword sets the password of an ECDHE_SPEKE claim.
func (c *ClaimContext) SetSharedPassword(pw []byte) error {
	return c.setSecret(transport.CapableECDHESPEKE, pw)
}

func (c *ClaimContext) setSecret(want transport.ClaimCapabilities, secret []byte) error {
	if c.claimType != want {
		return fmt.Errorf("%w: secret requires claim type %s, have %s", ErrInvalidArgument, want, c.claimType)
	}
	if len(secret) == 0 {
		return fmt.Errorf("%w: empty secret", ErrInvalidArgument)
	}
	c.secret = slices.Clone(secret)
	return nil
}

// ClaimListener decides claims. It runs synchronously inside Claim.
type ClaimListener interface {
	ApproveManifestAndSelectSessionType(ctx *ClaimContext) error
}

// ClaimListenerFunc adapts a function to ClaimListener.
type ClaimListenerFunc func(ctx *ClaimContext) error

// ApproveManifestAndSelectSessionType calls f.
func (f ClaimListenerFunc) ApproveManifestAndSelectSessionType(ctx *ClaimContext) error {
	return f(ctx)
}

// ManifestListener only approves manifests.
type ManifestListener interface {
	ApproveManifest(app model.OnlineApplication, m manifest.Manifest) bool
}

// DefaultSessionPreference lists the session types a ManifestListener
// adapter may pick. Types needing a shared secret are excluded since a
// ManifestListener cannot supply one.
var DefaultSessionPreference = []transport.ClaimCapabilities{
	transport.CapableECDHENull,
	transport.CapableECDHEECDSA,
}

// ClaimListenerFromManifestListener wraps ml as a ClaimListener that
// selects the first supported session type of preference, or of
// DefaultSessionPreference when none is given.
func ClaimListenerFromManifestListener(ml ManifestListener, preference ...transport.ClaimCapabilities) ClaimListener {
	if len(preference) == 0 {
		preference = DefaultSessionPreference
	}
	return ClaimListenerFunc(func(ctx *ClaimContext) error {
		for _, t := range preference {
			if ctx.Capabilities().Has(t) {
				if err := ctx.SetClaimType(t); err != nil {
					return err
				}
				ctx.ApproveManifest(ml.ApproveManifest(ctx.Application(), ctx.Manifest()))
				return nil
			}
		}
		return fmt.Errorf("%w: no preferred session type in %s", ErrInvalidClaimType, ctx.Capabilities())
	})
}

// ApplicationListener receives fleet notifications. Callbacks run on the
// goroutine that produced the event and must return promptly.
type ApplicationListener interface {
	// OnApplicationStateChange reports a change of an application. old is
	// nil for a newly seen application.
	OnApplicationStateChange(old, new *model.OnlineApplication)
	OnSyncError(err *SyncError)
	OnManifestUpdate(update *ManifestUpdate)
}

// ManifestUpdate describes a manifest an application requests in place
// of the one approved for it.
type ManifestUpdate struct {
	App model.OnlineApplication

	oldManifest manifest.Manifest
	newManifest manifest.Manifest
	additional  manifest.Manifest
	removed     manifest.Manifest
}

// NewManifestUpdate derives the added and removed rules of an update.
func NewManifestUpdate(app model.OnlineApplication, old, new manifest.Manifest) *ManifestUpdate {
	return &ManifestUpdate{
		App:         app,
		oldManifest: old,
		newManifest: new,
		additional:  new.Difference(old),
		removed:     old.Difference(new),
	}
}

// OldManifest returns the approved manifest.
func (u *ManifestUpdate) OldManifest() manifest.Manifest { return u.oldManifest }

// NewManifest returns the requested manifest.
func (u *ManifestUpdate) NewManifest() manifest.Manifest { return u.newManifest }

// AdditionalRules returns the rules requested but not yet approved.
func (u *ManifestUpdate) AdditionalRules() manifest.Manifest { return u.additional }

// RemovedRules returns the approved rules no longer requested.
func (u *ManifestUpdate) RemovedRules() manifest.Manifest { return u.removed }
