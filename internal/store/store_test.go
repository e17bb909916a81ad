package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/trustagent/internal/cert"
	"github.com/roach88/trustagent/internal/manifest"
	"github.com/roach88/trustagent/internal/model"
	"github.com/roach88/trustagent/internal/policy"
	"github.com/roach88/trustagent/internal/storage"
)

func TestOpen_CreatesNewDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(path)
	assert.NoError(t, err, "database file was not created")
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	ctx := context.Background()

	var ca model.KeyInfo
	var admin model.GroupInfo
	for i := 0; i < 3; i++ {
		s, err := Open(path)
		require.NoError(t, err, "Open() iteration %d", i)

		k, err := s.GetCaPublicKeyInfo(ctx)
		require.NoError(t, err)
		g, err := s.GetAdminGroup(ctx)
		require.NoError(t, err)
		if i == 0 {
			ca, admin = k, g
		}
		assert.Equal(t, ca, k, "CA key must survive reopen")
		assert.Equal(t, admin, g, "admin group must survive reopen")
		s.Close()
	}
}

func TestOpen_Pragmas(t *testing.T) {
	s := createTestStore(t)
	assert.NoError(t, verifyPragma(s.db, "journal_mode", "wal"))
	assert.NoError(t, verifyPragma(s.db, "foreign_keys", "1"))
	assert.NoError(t, verifyPragma(s.db, "busy_timeout", "5000"))
	assert.NoError(t, verifyPragma(s.db, "user_version", "1"))
}

func TestDSN_AppliesToEveryConnection(t *testing.T) {
	ctx := context.Background()
	db, err := sql.Open("sqlite3", dsn(filepath.Join(t.TempDir(), "pool.db"), 1500*time.Millisecond))
	require.NoError(t, err)
	defer db.Close()

	// Hold both so the pool has to open a second connection.
	first, err := db.Conn(ctx)
	require.NoError(t, err)
	defer first.Close()
	second, err := db.Conn(ctx)
	require.NoError(t, err)
	defer second.Close()

	for i, conn := range []*sql.Conn{first, second} {
		var fk, timeout, synchronous int
		require.NoError(t, conn.QueryRowContext(ctx, "PRAGMA foreign_keys").Scan(&fk))
		require.NoError(t, conn.QueryRowContext(ctx, "PRAGMA busy_timeout").Scan(&timeout))
		require.NoError(t, conn.QueryRowContext(ctx, "PRAGMA synchronous").Scan(&synchronous))
		assert.Equal(t, 1, fk, "connection %d", i)
		assert.Equal(t, 1500, timeout, "connection %d", i)
		assert.Equal(t, 1, synchronous, "connection %d: synchronous should be NORMAL", i)
	}
}

func TestAdminGroup(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	admin, err := s.GetAdminGroup(ctx)
	require.NoError(t, err)
	ca, err := s.GetCaPublicKeyInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, ca, admin.Authority)
	assert.Equal(t, DefaultAdminGroupName, admin.Name)

	err = s.RemoveGroup(ctx, admin.Key())
	assert.ErrorIs(t, err, storage.ErrInUse)
}

func TestClaim_Commit(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	rec := &recordingListener{}
	s.RegisterStorageListener(rec)

	id, err := s.StoreIdentity(ctx, model.IdentityInfo{Name: "lamp"})
	require.NoError(t, err)
	app := newTestApp(t)
	m := testManifest()

	admin, chain, err := s.StartApplicationClaiming(ctx, app, id, m)
	require.NoError(t, err)
	require.NoError(t, chain.Validate())
	leaf, _ := chain.Leaf()
	assert.Equal(t, app.KeyInfo, leaf.Subject)
	assert.Equal(t, id.GUID, leaf.Alias)
	assert.Equal(t, m.Digest(), leaf.ManifestDigest)
	assert.True(t, leaf.IsIssued())

	_, err = s.GetManagedApplication(ctx, app)
	assert.ErrorIs(t, err, storage.ErrNotFound, "reservation must stay invisible")
	assert.Empty(t, rec.Events())

	require.NoError(t, s.FinishApplicationClaiming(ctx, app, nil))

	got, err := s.GetManagedApplication(ctx, app)
	require.NoError(t, err)
	assert.Equal(t, model.SyncOK, got.SyncState)
	assert.Equal(t, []string{"added:OK"}, rec.Events())

	memberships, err := s.GetMembershipCertificates(ctx, app)
	require.NoError(t, err)
	require.Len(t, memberships, 1)
	assert.Equal(t, admin.GUID, memberships[0].Group())

	idChain, stored, err := s.GetIdentityCertificatesAndManifest(ctx, app)
	require.NoError(t, err)
	assert.True(t, stored.Equal(m))
	assert.Equal(t, leaf.Serial, idChain[0].Serial)

	p, err := s.GetPolicy(ctx, app)
	require.NoError(t, err)
	assert.True(t, p.Equal(policy.ForClaimedApplication(admin)))

	apps, err := s.GetManagedApplications(ctx)
	require.NoError(t, err)
	assert.Equal(t, []model.Application{got}, apps)
}

func TestClaim_Rollback(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	id, err := s.StoreIdentity(ctx, model.IdentityInfo{Name: "lamp"})
	require.NoError(t, err)
	app := newTestApp(t)

	_, _, err = s.StartApplicationClaiming(ctx, app, id, testManifest())
	require.NoError(t, err)
	require.NoError(t, s.FinishApplicationClaiming(ctx, app, errors.New("peer refused")))

	_, err = s.GetManagedApplication(ctx, app)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	var n int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM certificates WHERE public_key = ?`, app.KeyInfo.Hex()).Scan(&n))
	assert.Zero(t, n, "certificates must be discarded with the claim")

	err = s.FinishApplicationClaiming(ctx, app, nil)
	assert.ErrorIs(t, err, storage.ErrNoPendingClaim)

	// The application can be claimed again.
	_, _, err = s.StartApplicationClaiming(ctx, app, id, testManifest())
	require.NoError(t, err)
	require.NoError(t, s.FinishApplicationClaiming(ctx, app, nil))
}

func TestClaim_Errors(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	app, id := claimTestApp(t, s)

	_, _, err := s.StartApplicationClaiming(ctx, app, id, testManifest())
	assert.ErrorIs(t, err, storage.ErrAlreadyManaged)

	unknown := model.IdentityInfo{GUID: model.NewGUID()}
	_, _, err = s.StartApplicationClaiming(ctx, newTestApp(t), unknown, testManifest())
	assert.ErrorIs(t, err, storage.ErrNotFound)

	foreign := model.IdentityInfo{Authority: newTestApp(t).KeyInfo, GUID: id.GUID}
	_, _, err = s.StartApplicationClaiming(ctx, newTestApp(t), foreign, testManifest())
	assert.ErrorIs(t, err, storage.ErrInvalidArgument)

	err = s.FinishApplicationClaiming(ctx, app, nil)
	assert.ErrorIs(t, err, storage.ErrNoPendingClaim, "managed application has no pending claim")
}

func TestUpdates_Converge(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	app, _ := claimTestApp(t, s)
	rec := &recordingListener{}
	s.RegisterStorageListener(rec)

	group, err := s.StoreGroup(ctx, model.GroupInfo{Name: "kitchen"})
	require.NoError(t, err)
	require.NoError(t, s.InstallMembership(ctx, app, group))

	got, err := s.GetManagedApplication(ctx, app)
	require.NoError(t, err)
	assert.Equal(t, model.SyncPending, got.SyncState)

	id, err := s.StartUpdates(ctx, app)
	require.NoError(t, err)
	next, done, err := s.UpdatesCompleted(ctx, app, id)
	require.NoError(t, err)
	assert.True(t, done)
	assert.Zero(t, next)

	got, err = s.GetManagedApplication(ctx, app)
	require.NoError(t, err)
	assert.Equal(t, model.SyncOK, got.SyncState)
	assert.Equal(t, []string{"pending:PENDING", "completed:OK"}, rec.Events())

	// Installing the same membership again changes nothing.
	require.NoError(t, s.InstallMembership(ctx, app, group))
	assert.Len(t, rec.Events(), 2)
}

func TestUpdates_ConcurrentChange(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	app, _ := claimTestApp(t, s)
	admin, err := s.GetAdminGroup(ctx)
	require.NoError(t, err)

	first, err := s.StartUpdates(ctx, app)
	require.NoError(t, err)

	_, err = s.UpdatePolicy(ctx, app, policy.ForClaimedApplication(admin))
	require.NoError(t, err)

	second, done, err := s.UpdatesCompleted(ctx, app, first)
	require.NoError(t, err)
	assert.False(t, done, "a change after StartUpdates must not be lost")
	assert.Greater(t, second, first)

	got, err := s.GetManagedApplication(ctx, app)
	require.NoError(t, err)
	assert.Equal(t, model.SyncPending, got.SyncState)

	_, _, err = s.UpdatesCompleted(ctx, app, first)
	assert.ErrorIs(t, err, storage.ErrStaleUpdate)

	_, done, err = s.UpdatesCompleted(ctx, app, second)
	require.NoError(t, err)
	assert.True(t, done)
}

func TestUpdates_StartSupersedes(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	app, _ := claimTestApp(t, s)

	a, err := s.StartUpdates(ctx, app)
	require.NoError(t, err)
	b, err := s.StartUpdates(ctx, app)
	require.NoError(t, err)
	assert.Greater(t, b, a)

	_, _, err = s.UpdatesCompleted(ctx, app, a)
	assert.ErrorIs(t, err, storage.ErrStaleUpdate)
	_, done, err := s.UpdatesCompleted(ctx, app, b)
	require.NoError(t, err)
	assert.True(t, done)

	_, err = s.StartUpdates(ctx, newTestApp(t))
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestResetApplication(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	app, id := claimTestApp(t, s)
	rec := &recordingListener{}
	s.RegisterStorageListener(rec)

	require.NoError(t, s.ResetApplication(ctx, app))
	got, err := s.GetManagedApplication(ctx, app)
	require.NoError(t, err)
	assert.Equal(t, model.SyncWillReset, got.SyncState)

	// Later changes do not cancel the reset.
	group, err := s.StoreGroup(ctx, model.GroupInfo{Name: "hall"})
	require.NoError(t, err)
	require.NoError(t, s.InstallMembership(ctx, app, group))
	got, err = s.GetManagedApplication(ctx, app)
	require.NoError(t, err)
	assert.Equal(t, model.SyncWillReset, got.SyncState)

	uid, err := s.StartUpdates(ctx, app)
	require.NoError(t, err)
	_, done, err := s.UpdatesCompleted(ctx, app, uid)
	require.NoError(t, err)
	assert.True(t, done)

	_, err = s.GetManagedApplication(ctx, app)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Equal(t, []string{"pending:WILL_RESET", "pending:WILL_RESET", "removed:RESET"}, rec.Events())

	// The identity is free again.
	assert.NoError(t, s.RemoveIdentity(ctx, id.Key()))
}

func TestUpdatePolicy_Version(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	app, _ := claimTestApp(t, s)

	group, err := s.StoreGroup(ctx, model.GroupInfo{Name: "guests"})
	require.NoError(t, err)
	current, err := s.GetPolicy(ctx, app)
	require.NoError(t, err)

	wanted := current.WithMembership(group, testManifest().Rules()...)
	wanted.Version = 99
	stored, err := s.UpdatePolicy(ctx, app, wanted)
	require.NoError(t, err)
	assert.Equal(t, current.Version+1, stored.Version)
	assert.Len(t, stored.ACLs, 2)

	got, err := s.GetPolicy(ctx, app)
	require.NoError(t, err)
	assert.True(t, got.Equal(stored))
}

func TestUpdateIdentity(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	app, id := claimTestApp(t, s)

	before, _, err := s.GetIdentityCertificatesAndManifest(ctx, app)
	require.NoError(t, err)

	m := testManifest().Union(testManifest())
	renamed, err := s.StoreIdentity(ctx, model.IdentityInfo{GUID: id.GUID, Name: "desk lamp"})
	require.NoError(t, err)
	require.NoError(t, s.UpdateIdentity(ctx, app, renamed, m))

	after, stored, err := s.GetIdentityCertificatesAndManifest(ctx, app)
	require.NoError(t, err)
	assert.Greater(t, after[0].Serial, before[0].Serial)
	assert.Equal(t, "desk lamp", after[0].IdentityName)
	assert.True(t, stored.Equal(m))

	got, err := s.GetManagedApplication(ctx, app)
	require.NoError(t, err)
	assert.Equal(t, model.SyncPending, got.SyncState)
}

func TestGetIdentityCertificatesAndManifest_ConsistentDuringUpdates(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	app, id := claimTestApp(t, s)

	manifests := []manifest.Manifest{
		testManifest(),
		testManifest().Union(manifest.MustNew(manifest.Rule{
			InterfaceName: "org.example.Dimmer",
			Members: []manifest.Member{
				{Name: "SetLevel", Type: manifest.MemberMethodCall, Actions: manifest.ActionProvide},
			},
		})),
	}

	stop := make(chan struct{})
	writerDone := make(chan error, 1)
	go func() {
		for i := 0; ; i++ {
			select {
			case <-stop:
				writerDone <- nil
				return
			default:
			}
			if err := s.UpdateIdentity(ctx, app, id, manifests[i%2]); err != nil {
				writerDone <- err
				return
			}
		}
	}()

	for i := 0; i < 300; i++ {
		chain, m, err := s.GetIdentityCertificatesAndManifest(ctx, app)
		require.NoError(t, err)
		leaf, ok := chain.Leaf()
		require.True(t, ok)
		require.Equal(t, m.Digest(), leaf.ManifestDigest, "read %d mixes two commits", i)

		memberships, err := s.GetMembershipCertificates(ctx, app)
		require.NoError(t, err)
		require.Len(t, memberships, 1)
	}
	close(stop)
	require.NoError(t, <-writerDone)
}

func TestRemoveGroup_MarksMembersPending(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	member, _ := claimTestApp(t, s)
	other, _ := claimTestApp(t, s)

	group, err := s.StoreGroup(ctx, model.GroupInfo{Name: "lights"})
	require.NoError(t, err)
	require.NoError(t, s.InstallMembership(ctx, member, group))
	settle(t, s, member)

	require.NoError(t, s.RemoveGroup(ctx, group.Key()))

	got, err := s.GetManagedApplication(ctx, member)
	require.NoError(t, err)
	assert.Equal(t, model.SyncPending, got.SyncState)
	got, err = s.GetManagedApplication(ctx, other)
	require.NoError(t, err)
	assert.Equal(t, model.SyncOK, got.SyncState)

	chains, err := s.GetMembershipCertificates(ctx, member)
	require.NoError(t, err)
	assert.Len(t, chains, 1, "only the admin membership remains")

	_, err = s.GetGroup(ctx, group.Key())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRemoveMembership(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	app, _ := claimTestApp(t, s)
	group, err := s.StoreGroup(ctx, model.GroupInfo{Name: "lights"})
	require.NoError(t, err)

	assert.ErrorIs(t, s.RemoveMembership(ctx, app, group), storage.ErrNotFound)
	require.NoError(t, s.InstallMembership(ctx, app, group))
	require.NoError(t, s.RemoveMembership(ctx, app, group))

	chains, err := s.GetMembershipCertificates(ctx, app)
	require.NoError(t, err)
	assert.Len(t, chains, 1)
}

func TestRemoveIdentity_InUse(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	_, id := claimTestApp(t, s)

	assert.ErrorIs(t, s.RemoveIdentity(ctx, id.Key()), storage.ErrInUse)
	assert.ErrorIs(t, s.RemoveIdentity(ctx, model.InfoKey{GUID: model.NewGUID()}), storage.ErrNotFound)
}

func TestGroupsAndIdentities(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	g, err := s.StoreGroup(ctx, model.GroupInfo{Name: "a", Desc: "first"})
	require.NoError(t, err)
	assert.NotEqual(t, model.GUID{}, g.GUID)

	g.Name = "renamed"
	_, err = s.StoreGroup(ctx, g)
	require.NoError(t, err)
	got, err := s.GetGroup(ctx, model.InfoKey{GUID: g.GUID})
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Name)

	groups, err := s.GetGroups(ctx)
	require.NoError(t, err)
	assert.Len(t, groups, 2, "admin group plus one")

	_, err = s.StoreGroup(ctx, model.GroupInfo{Authority: newTestApp(t).KeyInfo, Name: "foreign"})
	assert.ErrorIs(t, err, storage.ErrInvalidArgument)

	id, err := s.StoreIdentity(ctx, model.IdentityInfo{Name: "tv"})
	require.NoError(t, err)
	ids, err := s.GetIdentities(ctx)
	require.NoError(t, err)
	assert.Equal(t, []model.IdentityInfo{id}, ids)
	require.NoError(t, s.RemoveIdentity(ctx, id.Key()))
	_, err = s.GetIdentity(ctx, id.Key())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRegisterAgent(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	agent := newTestApp(t)

	admin, idChain, memberships, err := s.RegisterAgent(ctx, agent.KeyInfo, testManifest())
	require.NoError(t, err)
	require.NoError(t, idChain.Validate())
	require.Len(t, memberships, 1)
	assert.Equal(t, admin.GUID, memberships[0].Group())

	_, idChain2, _, err := s.RegisterAgent(ctx, agent.KeyInfo, testManifest())
	require.NoError(t, err)
	assert.Greater(t, idChain2[0].Serial, idChain[0].Serial)
	assert.Equal(t, idChain[0].Alias, idChain2[0].Alias, "agent identity is stable")

	apps, err := s.GetManagedApplications(ctx)
	require.NoError(t, err)
	assert.Empty(t, apps, "the agent is not a managed application")
	_, err = s.GetManagedApplication(ctx, agent)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, _, err = s.StartApplicationClaiming(ctx, agent, model.IdentityInfo{GUID: idChain[0].Alias}, testManifest())
	assert.ErrorIs(t, err, storage.ErrAlreadyManaged)
}

func TestReset(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	_, _, _, err := s.RegisterAgent(ctx, newTestApp(t).KeyInfo, testManifest())
	require.NoError(t, err)
	claimTestApp(t, s)
	_, err = s.StoreGroup(ctx, model.GroupInfo{Name: "extra"})
	require.NoError(t, err)

	rec := &recordingListener{}
	s.RegisterStorageListener(rec)
	require.NoError(t, s.Reset(ctx))

	apps, err := s.GetManagedApplications(ctx)
	require.NoError(t, err)
	assert.Empty(t, apps)
	groups, err := s.GetGroups(ctx)
	require.NoError(t, err)
	assert.Len(t, groups, 1)
	ids, err := s.GetIdentities(ctx)
	require.NoError(t, err)
	assert.Len(t, ids, 1, "the agent identity survives")
	assert.Equal(t, []string{"reset"}, rec.Events())
}

func TestRemoveApplication(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	app, _ := claimTestApp(t, s)
	rec := &recordingListener{}
	s.RegisterStorageListener(rec)

	require.NoError(t, s.RemoveApplication(ctx, app))
	assert.Equal(t, []string{"removed:UNMANAGED"}, rec.Events())
	assert.ErrorIs(t, s.RemoveApplication(ctx, app), storage.ErrNotFound)
}

func TestUnregisterStorageListener(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	rec := &recordingListener{}
	h := s.RegisterStorageListener(rec)
	s.UnregisterStorageListener(h)

	claimTestApp(t, s)
	require.NoError(t, s.Reset(ctx))
	assert.Empty(t, rec.Events())
}

func TestCertificatesVerifyAgainstCA(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	app, _ := claimTestApp(t, s)
	ca, err := s.GetCaPublicKeyInfo(ctx)
	require.NoError(t, err)

	chains, err := s.GetMembershipCertificates(ctx, app)
	require.NoError(t, err)
	leaf, _ := chains[0].Leaf()
	parsed, err := cert.Parse(leaf.DER, ca)
	require.NoError(t, err)
	assert.Equal(t, app.KeyInfo, parsed.Subject)
	assert.True(t, parsed.ValidAt(testNow))
}

// settle runs one update round so app is back to OK.
func settle(t *testing.T, s *Store, app model.Application) {
	t.Helper()
	ctx := context.Background()
	id, err := s.StartUpdates(ctx, app)
	require.NoError(t, err)
	_, done, err := s.UpdatesCompleted(ctx, app, id)
	require.NoError(t, err)
	require.True(t, done)
}
