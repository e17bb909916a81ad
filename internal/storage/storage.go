package storage

import (
	"context"
	"strconv"

	"github.com/roach88/trustagent/internal/cert"
	"github.com/roach88/trustagent/internal/listener"
	"github.com/roach88/trustagent/internal/manifest"
	"github.com/roach88/trustagent/internal/model"
	"github.com/roach88/trustagent/internal/policy"
)

// UpdateID is the token of an update transaction. Values are strictly
// increasing across the whole store; zero is never issued.
type UpdateID uint64

func (id UpdateID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// ListenerHandle identifies a registered Listener.
type ListenerHandle = listener.Handle

// Listener receives notifications about committed storage mutations.
// Handlers must be idempotent: the same change may be reported more
// than once.
type Listener interface {
	// OnPendingChanges reports applications whose desired state changed
	// and must be pushed. Each Application carries its new SyncState.
	OnPendingChanges(apps []model.Application)
	// OnPendingChangesCompleted reports applications whose pending
	// changes reached the device.
	OnPendingChangesCompleted(apps []model.Application)
	// OnApplicationsAdded reports newly claimed applications.
	OnApplicationsAdded(apps []model.Application)
	// OnApplicationsRemoved reports applications that are no longer managed.
	OnApplicationsRemoved(apps []model.Application)
	// OnStorageReset reports that all managed data was dropped.
	OnStorageReset()
}

// AgentCAStorage is the storage contract used by the security agent.
//
// Error contract: lookups of unmanaged applications fail with
// ErrNotFound; everything else is an implementation failure.
type AgentCAStorage interface {
	// RegisterAgent issues an identity and admin-group membership for the
	// agent's own key so it can authenticate to managed applications.
	RegisterAgent(ctx context.Context, agentKey model.KeyInfo, m manifest.Manifest) (model.GroupInfo, cert.IdentityCertificateChain, []cert.MembershipCertificateChain, error)

	// StartApplicationClaiming reserves an identity certificate and an
	// admin-group membership for app. Nothing becomes visible to
	// GetManagedApplication until FinishApplicationClaiming(app, nil).
	StartApplicationClaiming(ctx context.Context, app model.Application, id model.IdentityInfo, m manifest.Manifest) (model.GroupInfo, cert.IdentityCertificateChain, error)

	// FinishApplicationClaiming commits the reservation when status is
	// nil and discards it (certificates included) otherwise.
	FinishApplicationClaiming(ctx context.Context, app model.Application, status error) error

	// GetManagedApplication returns app with its persisted SyncState.
	GetManagedApplication(ctx context.Context, app model.Application) (model.Application, error)

	// StartUpdates opens an update transaction for app. Any earlier
	// UpdateID of app becomes stale.
	StartUpdates(ctx context.Context, app model.Application) (UpdateID, error)

	// UpdatesCompleted closes the transaction identified by id. When no
	// change arrived since the token was issued it returns done=true.
	// Otherwise it returns a new token covering the newer changes and the
	// caller must push again.
	UpdatesCompleted(ctx context.Context, app model.Application, id UpdateID) (next UpdateID, done bool, err error)

	GetCaPublicKeyInfo(ctx context.Context) (model.KeyInfo, error)
	GetAdminGroup(ctx context.Context) (model.GroupInfo, error)
	GetMembershipCertificates(ctx context.Context, app model.Application) ([]cert.MembershipCertificateChain, error)
	GetIdentityCertificatesAndManifest(ctx context.Context, app model.Application) (cert.IdentityCertificateChain, manifest.Manifest, error)
	GetPolicy(ctx context.Context, app model.Application) (policy.Policy, error)

	RegisterStorageListener(l Listener) ListenerHandle
	UnregisterStorageListener(h ListenerHandle)
}

// ManagedApplications lists every managed application. Storage
// implementations used with UpdateApplications-for-all provide it.
type ManagedApplications interface {
	GetManagedApplications(ctx context.Context) ([]model.Application, error)
}

// Management is the administrative surface used by the CLI and by
// manifest-update approval. Mutations of an application's desired state
// mark it pending.
type Management interface {
	AgentCAStorage
	ManagedApplications

	StoreGroup(ctx context.Context, g model.GroupInfo) (model.GroupInfo, error)
	GetGroup(ctx context.Context, key model.InfoKey) (model.GroupInfo, error)
	GetGroups(ctx context.Context) ([]model.GroupInfo, error)
	RemoveGroup(ctx context.Context, key model.InfoKey) error

	StoreIdentity(ctx context.Context, id model.IdentityInfo) (model.IdentityInfo, error)
	GetIdentity(ctx context.Context, key model.InfoKey) (model.IdentityInfo, error)
	GetIdentities(ctx context.Context) ([]model.IdentityInfo, error)
	RemoveIdentity(ctx context.Context, key model.InfoKey) error

	InstallMembership(ctx context.Context, app model.Application, group model.GroupInfo) error
	RemoveMembership(ctx context.Context, app model.Application, group model.GroupInfo) error
	UpdateIdentity(ctx context.Context, app model.Application, id model.IdentityInfo, m manifest.Manifest) error
	UpdatePolicy(ctx context.Context, app model.Application, p policy.Policy) (policy.Policy, error)
	ResetApplication(ctx context.Context, app model.Application) error
	RemoveApplication(ctx context.Context, app model.Application) error
	Reset(ctx context.Context) error
}
