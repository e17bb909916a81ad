package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/trustagent/internal/cert"
	"github.com/roach88/trustagent/internal/manifest"
	"github.com/roach88/trustagent/internal/model"
	"github.com/roach88/trustagent/internal/policy"
	"github.com/roach88/trustagent/internal/storage"
)

// StartApplicationClaiming reserves an identity certificate and admin
// membership for app. A leftover reservation of app is replaced.
func (s *Store) StartApplicationClaiming(ctx context.Context, app model.Application, id model.IdentityInfo, m manifest.Manifest) (model.GroupInfo, cert.IdentityCertificateChain, error) {
	var (
		admin model.GroupInfo
		chain cert.IdentityCertificateChain
	)
	err := s.withTx(ctx, "start claiming", func(sc *txScope) error {
		if app.KeyInfo.IsEmpty() {
			return fmt.Errorf("empty application key: %w", storage.ErrInvalidArgument)
		}
		stored, err := s.resolveIdentity(sc, id)
		if err != nil {
			return err
		}

		existing, err := loadApp(ctx, sc.tx, app.KeyInfo)
		switch {
		case err == nil && existing.status == statusClaiming:
			if _, err := sc.tx.ExecContext(ctx, `DELETE FROM applications WHERE public_key = ?`, app.KeyInfo.Hex()); err != nil {
				return fmt.Errorf("drop stale claim: %w", err)
			}
			s.logger.Debug("replaced stale claim", "app", app.KeyInfo.String())
		case err == nil:
			return fmt.Errorf("application %s: %w", app.KeyInfo, storage.ErrAlreadyManaged)
		case !storage.IsNotFound(err):
			return err
		}

		admin, err = loadAdminGroup(ctx, sc.tx)
		if err != nil {
			return err
		}
		pol, err := policy.ForClaimedApplication(admin).Bytes()
		if err != nil {
			return err
		}
		_, err = sc.tx.ExecContext(ctx, `
			INSERT INTO applications (public_key, status, sync_state, identity_authority, identity_guid, manifest, policy)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, app.KeyInfo.Hex(), statusClaiming, model.SyncOK.String(),
			stored.Authority.Hex(), stored.GUID.String(), m.Bytes(), pol)
		if err != nil {
			return fmt.Errorf("insert application: %w", err)
		}

		chain, err = s.issueIdentity(sc, app, stored, m)
		if err != nil {
			return err
		}
		_, err = s.issue(sc, app.KeyInfo, s.util.ToMembershipCertificate(app, admin, s.opts.membershipValidity))
		return err
	})
	if err != nil {
		return model.GroupInfo{}, nil, err
	}
	return admin, chain, nil
}

// FinishApplicationClaiming commits or discards the reservation of app.
func (s *Store) FinishApplicationClaiming(ctx context.Context, app model.Application, status error) error {
	return s.withTx(ctx, "finish claiming", func(sc *txScope) error {
		r, err := loadApp(ctx, sc.tx, app.KeyInfo)
		if storage.IsNotFound(err) || (err == nil && r.status != statusClaiming) {
			return fmt.Errorf("application %s: %w", app.KeyInfo, storage.ErrNoPendingClaim)
		}
		if err != nil {
			return err
		}

		if status != nil {
			if _, err := sc.tx.ExecContext(ctx, `DELETE FROM applications WHERE public_key = ?`, app.KeyInfo.Hex()); err != nil {
				return fmt.Errorf("discard claim: %w", err)
			}
			s.logger.Info("claim discarded", "app", app.KeyInfo.String(), "reason", status.Error())
			return nil
		}

		_, err = sc.tx.ExecContext(ctx, `
			UPDATE applications SET status = ?, sync_state = ? WHERE public_key = ?
		`, statusManaged, model.SyncOK.String(), app.KeyInfo.Hex())
		if err != nil {
			return fmt.Errorf("commit claim: %w", err)
		}
		added := model.Application{KeyInfo: app.KeyInfo, SyncState: model.SyncOK}
		sc.notify(func(l storage.Listener) { l.OnApplicationsAdded([]model.Application{added}) })
		s.logger.Info("application claimed", "app", app.KeyInfo.String())
		return nil
	})
}

// RegisterAgent issues an identity and admin membership for the agent's
// own key. Certificates are reissued on every call.
func (s *Store) RegisterAgent(ctx context.Context, agentKey model.KeyInfo, m manifest.Manifest) (model.GroupInfo, cert.IdentityCertificateChain, []cert.MembershipCertificateChain, error) {
	var (
		admin       model.GroupInfo
		idChain     cert.IdentityCertificateChain
		memberships []cert.MembershipCertificateChain
	)
	err := s.withTx(ctx, "register agent", func(sc *txScope) error {
		if agentKey.IsEmpty() {
			return fmt.Errorf("empty agent key: %w", storage.ErrInvalidArgument)
		}
		app := model.NewApplication(agentKey)

		var err error
		admin, err = loadAdminGroup(ctx, sc.tx)
		if err != nil {
			return err
		}

		id := model.IdentityInfo{Authority: s.issuer.KeyInfo(), Name: "Security agent"}
		r, err := loadApp(ctx, sc.tx, agentKey)
		switch {
		case err == nil && r.status == statusAgent:
			id.GUID, err = model.ParseGUID(r.idGUID)
			if err != nil {
				return err
			}
			if _, err := sc.tx.ExecContext(ctx, `DELETE FROM certificates WHERE public_key = ?`, agentKey.Hex()); err != nil {
				return fmt.Errorf("drop agent certificates: %w", err)
			}
			if _, err := sc.tx.ExecContext(ctx, `UPDATE applications SET manifest = ? WHERE public_key = ?`, m.Bytes(), agentKey.Hex()); err != nil {
				return fmt.Errorf("update agent: %w", err)
			}
		case err == nil:
			return fmt.Errorf("agent key is a managed application: %w", storage.ErrAlreadyManaged)
		case storage.IsNotFound(err):
			id.GUID = model.NewGUID()
			if _, err := sc.tx.ExecContext(ctx, `INSERT INTO identities (authority, guid, name) VALUES (?, ?, ?)`,
				id.Authority.Hex(), id.GUID.String(), id.Name); err != nil {
				return fmt.Errorf("insert agent identity: %w", err)
			}
			_, err = sc.tx.ExecContext(ctx, `
				INSERT INTO applications (public_key, status, sync_state, identity_authority, identity_guid, manifest, policy)
				VALUES (?, ?, ?, ?, ?, ?, x'')
			`, agentKey.Hex(), statusAgent, model.SyncOK.String(), id.Authority.Hex(), id.GUID.String(), m.Bytes())
			if err != nil {
				return fmt.Errorf("insert agent: %w", err)
			}
		default:
			return err
		}

		idChain, err = s.issueIdentity(sc, app, id, m)
		if err != nil {
			return err
		}
		mc, err := s.issue(sc, agentKey, s.util.ToMembershipCertificate(app, admin, s.opts.membershipValidity))
		if err != nil {
			return err
		}
		memberships = []cert.MembershipCertificateChain{{mc}}
		return nil
	})
	if err != nil {
		return model.GroupInfo{}, nil, nil, err
	}
	return admin, idChain, memberships, nil
}

func (s *Store) issueIdentity(sc *txScope, app model.Application, id model.IdentityInfo, m manifest.Manifest) (cert.IdentityCertificateChain, error) {
	tmpl := s.util.ToIdentityCertificate(app, id, s.opts.identityValidity)
	tmpl.ManifestDigest = m.Digest()
	c, err := s.issue(sc, app.KeyInfo, tmpl)
	if err != nil {
		return nil, err
	}
	return cert.IdentityCertificateChain{c}, nil
}

// resolveIdentity returns the stored identity matching id. An empty
// authority means the store's certificate authority.
func (s *Store) resolveIdentity(sc *txScope, id model.IdentityInfo) (model.IdentityInfo, error) {
	ca := s.issuer.KeyInfo()
	if id.Authority.IsEmpty() {
		id.Authority = ca
	}
	if !id.Authority.Equal(ca) {
		return model.IdentityInfo{}, fmt.Errorf("identity %s issued by foreign authority: %w", id.GUID, storage.ErrInvalidArgument)
	}
	return loadIdentity(sc.ctx, sc.tx, id.Key())
}

func loadAdminGroup(ctx context.Context, q querier) (model.GroupInfo, error) {
	g, err := scanGroup(q.QueryRowContext(ctx, `
		SELECT authority, guid, name, description FROM groups WHERE is_admin = 1
	`))
	if errors.Is(err, sql.ErrNoRows) {
		return model.GroupInfo{}, fmt.Errorf("admin group: %w", storage.ErrNotFound)
	}
	return g, err
}
