package agent

import (
	"errors"
	"fmt"

	"github.com/roach88/trustagent/internal/cert"
	"github.com/roach88/trustagent/internal/model"
	"github.com/roach88/trustagent/internal/policy"
)

var (
	// ErrNoListener is returned by Claim when no claim listener is set.
	ErrNoListener = errors.New("agent: no claim listener")

	// ErrManifestRejected is returned by Claim when the listener did not
	// approve the manifest.
	ErrManifestRejected = errors.New("agent: manifest rejected")

	// ErrInvalidClaimType is returned by ClaimContext.SetClaimType for a
	// value that is not exactly one supported capability.
	ErrInvalidClaimType = errors.New("agent: invalid claim type")

	// ErrClaimTypeNotSet is returned by Claim when the listener approved
	// the manifest without selecting a session type.
	ErrClaimTypeNotSet = errors.New("agent: claim type not set")

	// ErrUnknownApplication is returned for an application never seen on the bus.
	ErrUnknownApplication = errors.New("agent: unknown application")

	// ErrClaimInProgress is returned when the application is already being claimed.
	ErrClaimInProgress = errors.New("agent: claim already in progress")

	// ErrInvalidArgument is returned for malformed input, such as a
	// missing secret for a PSK session.
	ErrInvalidArgument = errors.New("agent: invalid argument")

	// ErrUnsupported is returned when storage lacks an optional capability.
	ErrUnsupported = errors.New("agent: not supported by storage")

	// ErrAlreadyRunning is returned by Run when another Run is active.
	ErrAlreadyRunning = errors.New("agent: already running")
)

// SyncErrorKind classifies a synchronisation failure.
type SyncErrorKind int

const (
	SyncErrorUnknown SyncErrorKind = iota
	SyncErrorStorage
	SyncErrorRemote
	SyncErrorReset
	SyncErrorIdentity
	SyncErrorMembership
	SyncErrorPolicy
	SyncErrorUnexpectedState
)

var syncErrorKindNames = []string{
	"UNKNOWN", "STORAGE", "REMOTE", "RESET", "IDENTITY", "MEMBERSHIP", "POLICY", "UNEXPECTED_STATE",
}

func (k SyncErrorKind) String() string {
	if k >= 0 && int(k) < len(syncErrorKindNames) {
		return syncErrorKindNames[k]
	}
	return fmt.Sprintf("SyncErrorKind(%d)", int(k))
}

// syncPayload is the kind-specific part of a SyncError. Only the types
// in this file implement it.
type syncPayload interface {
	kind() SyncErrorKind
}

type plainPayload SyncErrorKind

func (p plainPayload) kind() SyncErrorKind { return SyncErrorKind(p) }

type identityPayload struct{ cert cert.Certificate }

func (identityPayload) kind() SyncErrorKind { return SyncErrorIdentity }

type membershipPayload struct{ cert cert.Certificate }

func (membershipPayload) kind() SyncErrorKind { return SyncErrorMembership }

type policyPayload struct{ policy policy.Policy }

func (policyPayload) kind() SyncErrorKind { return SyncErrorPolicy }

// SyncError reports a failure to synchronise one application. The kind
// and the payload always agree: a certificate is only present on
// identity and membership errors, a policy only on policy errors.
type SyncError struct {
	App    model.OnlineApplication
	Status error

	payload syncPayload
}

// NewSyncError returns an error of a kind that carries no payload. Kinds
// with a payload must use their dedicated constructor; passing one here
// yields an UNKNOWN error.
func NewSyncError(kind SyncErrorKind, app model.OnlineApplication, status error) *SyncError {
	switch kind {
	case SyncErrorIdentity, SyncErrorMembership, SyncErrorPolicy:
		kind = SyncErrorUnknown
	}
	return &SyncError{App: app, Status: status, payload: plainPayload(kind)}
}

// NewStorageError reports a failed storage call.
func NewStorageError(app model.OnlineApplication, status error) *SyncError {
	return NewSyncError(SyncErrorStorage, app, status)
}

// NewRemoteError reports a failed remote call not tied to a resource.
func NewRemoteError(app model.OnlineApplication, status error) *SyncError {
	return NewSyncError(SyncErrorRemote, app, status)
}

// NewResetError reports a failed remote reset.
func NewResetError(app model.OnlineApplication, status error) *SyncError {
	return NewSyncError(SyncErrorReset, app, status)
}

// NewUnexpectedStateError reports a device state that contradicts storage.
func NewUnexpectedStateError(app model.OnlineApplication, status error) *SyncError {
	return NewSyncError(SyncErrorUnexpectedState, app, status)
}

// NewIdentityError reports a failed identity update of c.
func NewIdentityError(app model.OnlineApplication, status error, c cert.Certificate) *SyncError {
	return &SyncError{App: app, Status: status, payload: identityPayload{cert: c}}
}

// NewMembershipError reports a failed install or removal of c.
func NewMembershipError(app model.OnlineApplication, status error, c cert.Certificate) *SyncError {
	return &SyncError{App: app, Status: status, payload: membershipPayload{cert: c}}
}

// NewPolicyError reports a failed policy update of p.
func NewPolicyError(app model.OnlineApplication, status error, p policy.Policy) *SyncError {
	return &SyncError{App: app, Status: status, payload: policyPayload{policy: p.Clone()}}
}

// Kind returns the error classification.
func (e *SyncError) Kind() SyncErrorKind {
	if e.payload == nil {
		return SyncErrorUnknown
	}
	return e.payload.kind()
}

// IdentityCertificate returns the certificate of an identity error.
func (e *SyncError) IdentityCertificate() (cert.Certificate, bool) {
	p, ok := e.payload.(identityPayload)
	return p.cert, ok
}

// MembershipCertificate returns the certificate of a membership error.
func (e *SyncError) MembershipCertificate() (cert.Certificate, bool) {
	p, ok := e.payload.(membershipPayload)
	return p.cert, ok
}

// Policy returns the policy of a policy error.
func (e *SyncError) Policy() (policy.Policy, bool) {
	p, ok := e.payload.(policyPayload)
	return p.policy, ok
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("%s sync error for %s: %v", e.Kind(), e.App.KeyInfo, e.Status)
}

// Unwrap returns the underlying status.
func (e *SyncError) Unwrap() error {
	return e.Status
}
