package agent

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/trustagent/internal/cert"
	"github.com/roach88/trustagent/internal/manifest"
	"github.com/roach88/trustagent/internal/model"
	"github.com/roach88/trustagent/internal/policy"
)

func TestSyncError_PayloadMatchesKind(t *testing.T) {
	app := *onlineApp("lamp", model.SyncPending)
	c := cert.Certificate{Type: cert.TypeIdentity, Serial: 7}
	p := policy.Policy{Version: 3}

	tests := []struct {
		name         string
		err          *SyncError
		kind         SyncErrorKind
		identity     bool
		membership   bool
		policyLoaded bool
	}{
		{"storage", NewStorageError(app, assert.AnError), SyncErrorStorage, false, false, false},
		{"remote", NewRemoteError(app, assert.AnError), SyncErrorRemote, false, false, false},
		{"reset", NewResetError(app, assert.AnError), SyncErrorReset, false, false, false},
		{"unexpected state", NewUnexpectedStateError(app, assert.AnError), SyncErrorUnexpectedState, false, false, false},
		{"identity", NewIdentityError(app, assert.AnError, c), SyncErrorIdentity, true, false, false},
		{"membership", NewMembershipError(app, assert.AnError, c), SyncErrorMembership, false, true, false},
		{"policy", NewPolicyError(app, assert.AnError, p), SyncErrorPolicy, false, false, true},
		{"payload kind without payload", NewSyncError(SyncErrorPolicy, app, assert.AnError), SyncErrorUnknown, false, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.kind, tt.err.Kind())
			_, ok := tt.err.IdentityCertificate()
			assert.Equal(t, tt.identity, ok)
			_, ok = tt.err.MembershipCertificate()
			assert.Equal(t, tt.membership, ok)
			_, ok = tt.err.Policy()
			assert.Equal(t, tt.policyLoaded, ok)
			assert.ErrorIs(t, tt.err, assert.AnError)
		})
	}
}

func TestSyncError_PolicyIsCopied(t *testing.T) {
	p := policy.Policy{Version: 1, ACLs: []policy.ACL{{Rules: []manifest.Rule{ruleA()}}}}
	err := NewPolicyError(*onlineApp("lamp", model.SyncPending), assert.AnError, p)
	p.ACLs[0].Rules[0].InterfaceName = "changed"

	got, ok := err.Policy()
	assert.True(t, ok)
	assert.Equal(t, "org.example.Lamp", got.ACLs[0].Rules[0].InterfaceName)
}

func TestSyncError_Unwrap(t *testing.T) {
	err := fmt.Errorf("pass: %w", NewResetError(*onlineApp("lamp", model.SyncWillReset), assert.AnError))

	var se *SyncError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, SyncErrorReset, se.Kind())
	assert.ErrorIs(t, err, assert.AnError)
	assert.Contains(t, err.Error(), "RESET sync error")
}

func TestSyncErrorKind_String(t *testing.T) {
	assert.Equal(t, "UNEXPECTED_STATE", SyncErrorUnexpectedState.String())
	assert.Equal(t, "SyncErrorKind(42)", SyncErrorKind(42).String())
}
