package store

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/trustagent/internal/clock"
	"github.com/roach88/trustagent/internal/manifest"
	"github.com/roach88/trustagent/internal/model"
)

var testNow = time.Date(2031, 3, 14, 9, 26, 53, 0, time.UTC)

// createTestStore opens a store in a temporary directory.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent.db")
	s, err := Open(path,
		WithClock(clock.Func(func() time.Time { return testNow })),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestApp(t *testing.T) model.Application {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	k, err := model.NewKeyInfo(&priv.PublicKey)
	require.NoError(t, err)
	return model.NewApplication(k)
}

func testManifest() manifest.Manifest {
	return manifest.MustNew(manifest.Rule{
		InterfaceName: "org.example.Lamp",
		Members: []manifest.Member{
			{Name: "On", Type: manifest.MemberProperty, Actions: manifest.ActionProvide | manifest.ActionObserve},
		},
	})
}

// claimTestApp stores an identity and claims a fresh application with it.
func claimTestApp(t *testing.T, s *Store) (model.Application, model.IdentityInfo) {
	t.Helper()
	ctx := context.Background()
	id, err := s.StoreIdentity(ctx, model.IdentityInfo{Name: "lamp"})
	require.NoError(t, err)
	app := newTestApp(t)
	_, _, err = s.StartApplicationClaiming(ctx, app, id, testManifest())
	require.NoError(t, err)
	require.NoError(t, s.FinishApplicationClaiming(ctx, app, nil))
	return app, id
}

// recordingListener records every notification as a short event string.
type recordingListener struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingListener) add(kind string, apps []model.Application) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range apps {
		r.events = append(r.events, kind+":"+a.SyncState.String())
	}
}

func (r *recordingListener) OnPendingChanges(apps []model.Application) { r.add("pending", apps) }
func (r *recordingListener) OnPendingChangesCompleted(apps []model.Application) {
	r.add("completed", apps)
}
func (r *recordingListener) OnApplicationsAdded(apps []model.Application)   { r.add("added", apps) }
func (r *recordingListener) OnApplicationsRemoved(apps []model.Application) { r.add("removed", apps) }
func (r *recordingListener) OnStorageReset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, "reset")
}

func (r *recordingListener) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}
