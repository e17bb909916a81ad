// Package transport defines what the security agent needs from the
// message bus: remote invocation of the security interfaces of an
// application, and a monitor announcing applications as their security
// state changes.
//
// The wire protocol is not part of this module. Implementations address
// applications by public key and bus name and report failures as errors
// only.
package transport

import (
	"context"
	"errors"

	"github.com/roach88/trustagent/internal/cert"
	"github.com/roach88/trustagent/internal/listener"
	"github.com/roach88/trustagent/internal/manifest"
	"github.com/roach88/trustagent/internal/model"
	"github.com/roach88/trustagent/internal/policy"
)

var (
	// ErrUnreachable is returned when no session to the application
	// could be established.
	ErrUnreachable = errors.New("transport: application unreachable")

	// ErrRefused is returned when the application rejected the call.
	ErrRefused = errors.New("transport: refused by application")
)

// ClaimRequest carries everything installed on an application while
// claiming it.
type ClaimRequest struct {
	CAKey         model.KeyInfo
	AdminGroup    model.GroupInfo
	IdentityChain cert.IdentityCertificateChain
	Manifest      manifest.Manifest
	SessionType   SessionType
	// Secret is the pre-shared key or password for PSK and SPEKE sessions.
	Secret []byte
}

// RemoteConfig summarises the security configuration installed on an
// application.
type RemoteConfig struct {
	IdentitySerial    uint64
	PolicyVersion     uint32
	MembershipSerials []uint64
}

// Transport invokes the security interfaces of remote applications.
type Transport interface {
	GetManifestTemplate(ctx context.Context, app model.OnlineApplication) (manifest.Manifest, error)
	GetClaimCapabilities(ctx context.Context, app model.OnlineApplication) (ClaimCapabilities, CapabilityInfo, error)
	Claim(ctx context.Context, app model.OnlineApplication, req ClaimRequest) error
	GetApplicationState(ctx context.Context, app model.OnlineApplication) (model.ApplicationState, error)
	GetConfiguration(ctx context.Context, app model.OnlineApplication) (RemoteConfig, error)

	UpdateIdentity(ctx context.Context, app model.OnlineApplication, chain cert.IdentityCertificateChain, m manifest.Manifest) error
	InstallMembership(ctx context.Context, app model.OnlineApplication, chain cert.MembershipCertificateChain) error
	RemoveMembership(ctx context.Context, app model.OnlineApplication, serial uint64) error
	UpdatePolicy(ctx context.Context, app model.OnlineApplication, p policy.Policy) error
	Reset(ctx context.Context, app model.OnlineApplication) error
}

// SecurityInfo is what the bus announces about an application.
type SecurityInfo struct {
	KeyInfo          model.KeyInfo
	BusName          string
	ApplicationState model.ApplicationState
}

// Online returns the OnlineApplication view of info with the given sync state.
func (info SecurityInfo) Online(state model.SyncState) model.OnlineApplication {
	return model.OnlineApplication{
		Application:      model.Application{KeyInfo: info.KeyInfo, SyncState: state},
		ApplicationState: info.ApplicationState,
		BusName:          info.BusName,
	}
}

// SecurityInfoListener is notified when an application appears, changes
// state or leaves the bus. old is nil for a new application, new is nil
// for one that left.
type SecurityInfoListener interface {
	OnSecurityStateChange(old, new *SecurityInfo)
}

// Monitor tracks the applications visible on the bus.
type Monitor interface {
	RegisterSecurityInfoListener(l SecurityInfoListener) listener.Handle
	UnregisterSecurityInfoListener(h listener.Handle)
	// Applications returns the applications currently online.
	Applications() []SecurityInfo
}
