package agent

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/trustagent/internal/cert"
	"github.com/roach88/trustagent/internal/manifest"
	"github.com/roach88/trustagent/internal/model"
	"github.com/roach88/trustagent/internal/storage"
)

// UpdateApplications brings the given applications, or every online
// application the agent considers managed when none is given, in line
// with storage. It returns once every application has been processed.
//
// Failures are reported to ApplicationListeners as SyncError values and
// never stop the processing of other applications.
func (a *SecurityAgent) UpdateApplications(ctx context.Context, apps ...model.OnlineApplication) {
	if len(apps) == 0 {
		apps = a.syncCandidates()
	}

	var g errgroup.Group
	g.SetLimit(a.opts.workers)
	for _, app := range apps {
		g.Go(func() error {
			a.updateApplication(ctx, app.KeyInfo)
			return nil
		})
	}
	_ = g.Wait()
}

// syncCandidates returns the online applications that are managed on
// the device or in storage.
func (a *SecurityAgent) syncCandidates() []model.OnlineApplication {
	var out []model.OnlineApplication
	for _, app := range a.GetApplications() {
		if app.BusName == "" {
			continue
		}
		switch {
		case app.ApplicationState.IsManagedOnDevice():
			out = append(out, app)
		case app.SyncState != model.SyncUnmanaged && app.SyncState != model.SyncUnknown:
			out = append(out, app)
		}
	}
	return out
}

func (a *SecurityAgent) updateApplication(ctx context.Context, key model.KeyInfo) {
	if err := a.locks.Lock(ctx, key); err != nil {
		return
	}
	defer a.locks.Unlock(key)

	app, err := a.GetApplication(key)
	if err != nil {
		a.logger.Debug("skipping update of unknown application", "app", key.String())
		return
	}
	if app.BusName == "" {
		return
	}

	stored, err := a.store.GetManagedApplication(ctx, app.Application)
	switch {
	case storage.IsNotFound(err):
		a.setSyncState(key, model.SyncUnmanaged)
		return
	case err != nil:
		a.notifier.syncError(NewStorageError(app, err))
		return
	}
	if updated, ok := a.setSyncState(key, stored.SyncState); ok {
		app = updated
	}

	log := a.logger.With("app", key.String(), "bus_name", app.BusName)

	if stored.SyncState == model.SyncWillReset {
		a.resetApplication(ctx, app, log)
		return
	}
	if !app.ApplicationState.IsManagedOnDevice() {
		// The cached state may predate a lost notification; ask the device.
		live, err := a.transport.GetApplicationState(ctx, app)
		if err != nil {
			a.notifier.syncError(NewUnexpectedStateError(app,
				fmt.Errorf("managed application reports %s: %w", app.ApplicationState, err)))
			return
		}
		if !live.IsManagedOnDevice() {
			a.notifier.syncError(NewUnexpectedStateError(app,
				fmt.Errorf("managed application reports %s", live)))
			return
		}
		log.Info("refreshed stale application state", "cached", app.ApplicationState, "live", live)
		if updated, ok := a.setApplicationState(key, live); ok {
			app = updated
		}
	}
	if app.ApplicationState == model.NeedUpdate {
		a.checkManifestUpdate(ctx, app)
	}
	a.pushUpdates(ctx, app, log)
}

// resetApplication resets a device whose record awaits reset and lets
// storage forget it.
func (a *SecurityAgent) resetApplication(ctx context.Context, app model.OnlineApplication, log *slog.Logger) {
	id, err := a.store.StartUpdates(ctx, app.Application)
	if err != nil {
		a.notifier.syncError(NewStorageError(app, err))
		return
	}
	if err := a.transport.Reset(ctx, app); err != nil {
		a.notifier.syncError(NewResetError(app, err))
		return
	}
	a.setSyncState(app.KeyInfo, model.SyncReset)

	for range a.opts.maxUpdateRounds {
		next, done, err := a.store.UpdatesCompleted(ctx, app.Application, id)
		if err != nil {
			a.notifier.syncError(NewStorageError(app, err))
			return
		}
		if done {
			log.Info("application reset")
			return
		}
		id = next
	}
	log.Warn("reset not completed; storage kept changing", "rounds", a.opts.maxUpdateRounds)
}

// pushUpdates runs the update transaction loop: push everything that
// differs, then close the transaction, repeating while storage reports
// newer changes.
func (a *SecurityAgent) pushUpdates(ctx context.Context, app model.OnlineApplication, log *slog.Logger) {
	id, err := a.store.StartUpdates(ctx, app.Application)
	if err != nil {
		a.notifier.syncError(NewStorageError(app, err))
		return
	}

	for round := range a.opts.maxUpdateRounds {
		if !a.pushConfiguration(ctx, app) {
			log.Debug("update pass incomplete", "update", id.String(), "round", round)
			return
		}
		next, done, err := a.store.UpdatesCompleted(ctx, app.Application, id)
		if err != nil {
			a.notifier.syncError(NewStorageError(app, err))
			return
		}
		if done {
			return
		}
		id = next
	}
	log.Warn("update not completed; storage kept changing", "rounds", a.opts.maxUpdateRounds)
}

// pushConfiguration pushes the identity, memberships and policy that
// differ from what the device reports. Each resource is attempted even
// when an earlier one failed. It reports whether everything succeeded.
func (a *SecurityAgent) pushConfiguration(ctx context.Context, app model.OnlineApplication) bool {
	remote, err := a.transport.GetConfiguration(ctx, app)
	if err != nil {
		a.notifier.syncError(NewRemoteError(app, err))
		return false
	}

	ok := a.pushIdentity(ctx, app, remote.IdentitySerial)
	ok = a.pushMemberships(ctx, app, remote.MembershipSerials) && ok
	ok = a.pushPolicy(ctx, app, remote.PolicyVersion) && ok
	return ok
}

func (a *SecurityAgent) pushIdentity(ctx context.Context, app model.OnlineApplication, remoteSerial uint64) bool {
	chain, m, err := a.store.GetIdentityCertificatesAndManifest(ctx, app.Application)
	if err != nil {
		a.notifier.syncError(NewStorageError(app, err))
		return false
	}
	leaf, _ := chain.Leaf()
	if leaf.ManifestDigest != m.Digest() {
		a.notifier.syncError(NewStorageError(app,
			fmt.Errorf("identity certificate %d was not issued for the stored manifest", leaf.Serial)))
		return false
	}
	if leaf.Serial == remoteSerial {
		return true
	}
	if err := a.transport.UpdateIdentity(ctx, app, chain, m); err != nil {
		a.notifier.syncError(NewIdentityError(app, err, leaf))
		return false
	}
	return true
}

func (a *SecurityAgent) pushMemberships(ctx context.Context, app model.OnlineApplication, remoteSerials []uint64) bool {
	chains, err := a.store.GetMembershipCertificates(ctx, app.Application)
	if err != nil {
		a.notifier.syncError(NewStorageError(app, err))
		return false
	}

	installed := make(map[uint64]bool, len(remoteSerials))
	for _, s := range remoteSerials {
		installed[s] = false
	}

	ok := true
	for _, chain := range chains {
		leaf, _ := chain.Leaf()
		if _, present := installed[leaf.Serial]; present {
			installed[leaf.Serial] = true
			continue
		}
		if err := a.transport.InstallMembership(ctx, app, chain); err != nil {
			a.notifier.syncError(NewMembershipError(app, err, leaf))
			ok = false
		}
	}

	for _, s := range remoteSerials {
		if installed[s] {
			continue
		}
		if err := a.transport.RemoveMembership(ctx, app, s); err != nil {
			stale := cert.Certificate{Type: cert.TypeMembership, Serial: s, Subject: app.KeyInfo}
			a.notifier.syncError(NewMembershipError(app, err, stale))
			ok = false
		}
	}
	return ok
}

func (a *SecurityAgent) pushPolicy(ctx context.Context, app model.OnlineApplication, remoteVersion uint32) bool {
	p, err := a.store.GetPolicy(ctx, app.Application)
	if err != nil {
		a.notifier.syncError(NewStorageError(app, err))
		return false
	}
	if p.Version == remoteVersion {
		return true
	}
	if err := a.transport.UpdatePolicy(ctx, app, p); err != nil {
		a.notifier.syncError(NewPolicyError(app, err, p))
		return false
	}
	return true
}

// checkManifestUpdate reports the manifest a device in NeedUpdate asks
// for when it differs from the approved one. A request is reported once
// for as long as the device stays in NeedUpdate.
func (a *SecurityAgent) checkManifestUpdate(ctx context.Context, app model.OnlineApplication) {
	requested, err := a.transport.GetManifestTemplate(ctx, app)
	if err != nil {
		a.notifier.syncError(NewRemoteError(app, err))
		return
	}
	_, approved, err := a.store.GetIdentityCertificatesAndManifest(ctx, app.Application)
	if err != nil {
		a.notifier.syncError(NewStorageError(app, err))
		return
	}
	if requested.Equal(approved) {
		return
	}

	digest := requested.Digest()
	a.appsMu.Lock()
	seen, ok := a.requested[app.KeyInfo]
	a.requested[app.KeyInfo] = digest
	a.appsMu.Unlock()
	if ok && seen == digest {
		return
	}
	a.notifier.manifestUpdate(NewManifestUpdate(app, approved, requested))
}

// identityUpdater is implemented by storage that can reissue identities.
type identityUpdater interface {
	UpdateIdentity(ctx context.Context, app model.Application, id model.IdentityInfo, m manifest.Manifest) error
}

// ApproveManifestUpdate stores the manifest requested by u under the
// application's current identity. The application becomes pending and
// the next sync pass installs the reissued identity certificate.
func (a *SecurityAgent) ApproveManifestUpdate(ctx context.Context, u *ManifestUpdate) error {
	up, ok := a.store.(identityUpdater)
	if !ok {
		return fmt.Errorf("%w: identity update", ErrUnsupported)
	}
	chain, _, err := a.store.GetIdentityCertificatesAndManifest(ctx, u.App.Application)
	if err != nil {
		return fmt.Errorf("read identity: %w", err)
	}
	leaf, ok := chain.Leaf()
	if !ok {
		return fmt.Errorf("%w: %s has no identity certificate", ErrInvalidArgument, u.App.KeyInfo)
	}
	id := model.IdentityInfo{Authority: leaf.Issuer, GUID: leaf.Alias, Name: leaf.IdentityName}
	if err := up.UpdateIdentity(ctx, u.App.Application, id, u.NewManifest()); err != nil {
		return fmt.Errorf("approve manifest update: %w", err)
	}
	a.logger.Info("manifest update approved",
		"app", u.App.KeyInfo.String(),
		"added", u.AdditionalRules().Len(),
		"removed", u.RemovedRules().Len())
	return nil
}
