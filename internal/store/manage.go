package store

import (
	"context"
	"fmt"

	"github.com/roach88/trustagent/internal/manifest"
	"github.com/roach88/trustagent/internal/model"
	"github.com/roach88/trustagent/internal/policy"
	"github.com/roach88/trustagent/internal/storage"
)

// StoreGroup creates or renames a group. An empty authority or GUID is
// filled in; the stored group is returned.
func (s *Store) StoreGroup(ctx context.Context, g model.GroupInfo) (model.GroupInfo, error) {
	err := s.withTx(ctx, "store group", func(sc *txScope) error {
		var err error
		if g.Authority, err = s.ownAuthority(g.Authority); err != nil {
			return err
		}
		if g.GUID == (model.GUID{}) {
			g.GUID = model.NewGUID()
		}
		_, err = sc.tx.ExecContext(ctx, `
			INSERT INTO groups (authority, guid, name, description) VALUES (?, ?, ?, ?)
			ON CONFLICT(authority, guid) DO UPDATE SET name = excluded.name, description = excluded.description
		`, g.Authority.Hex(), g.GUID.String(), g.Name, g.Desc)
		if err != nil {
			return fmt.Errorf("upsert group: %w", err)
		}
		return nil
	})
	if err != nil {
		return model.GroupInfo{}, err
	}
	return g, nil
}

// RemoveGroup deletes a group and the memberships of it. Applications
// that lose a membership become pending. The admin group cannot be removed.
func (s *Store) RemoveGroup(ctx context.Context, key model.InfoKey) error {
	key = s.withAuthority(key)
	return s.withTx(ctx, "remove group", func(sc *txScope) error {
		g, err := loadGroup(ctx, sc.tx, key)
		if err != nil {
			return err
		}
		admin, err := loadAdminGroup(ctx, sc.tx)
		if err != nil {
			return err
		}
		if admin.Equal(g) {
			return fmt.Errorf("admin group: %w", storage.ErrInUse)
		}

		members, err := s.groupMembers(sc, g)
		if err != nil {
			return err
		}
		if _, err := sc.tx.ExecContext(ctx, `
			DELETE FROM certificates WHERE type = 'MEMBERSHIP' AND issuer = ? AND group_guid = ?
		`, g.Authority.Hex(), g.GUID.String()); err != nil {
			return fmt.Errorf("delete memberships: %w", err)
		}
		for _, r := range members {
			if err := sc.markPending(r); err != nil {
				return err
			}
		}
		if _, err := sc.tx.ExecContext(ctx, `DELETE FROM groups WHERE authority = ? AND guid = ?`,
			g.Authority.Hex(), g.GUID.String()); err != nil {
			return fmt.Errorf("delete group: %w", err)
		}
		return nil
	})
}

func (s *Store) groupMembers(sc *txScope, g model.GroupInfo) ([]appRow, error) {
	rows, err := sc.tx.QueryContext(sc.ctx, `
		SELECT DISTINCT c.public_key FROM certificates c
		JOIN applications a ON a.public_key = c.public_key
		WHERE c.type = 'MEMBERSHIP' AND c.issuer = ? AND c.group_guid = ? AND a.status = ?
		ORDER BY c.public_key ASC
	`, g.Authority.Hex(), g.GUID.String(), statusManaged)
	if err != nil {
		return nil, fmt.Errorf("query group members: %w", err)
	}
	var keys []model.KeyInfo
	for rows.Next() {
		var hex string
		if err := rows.Scan(&hex); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan group member: %w", err)
		}
		k, err := model.ParseKeyInfo(hex)
		if err != nil {
			rows.Close()
			return nil, err
		}
		keys = append(keys, k)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate group members: %w", err)
	}

	members := make([]appRow, 0, len(keys))
	for _, k := range keys {
		r, err := loadApp(sc.ctx, sc.tx, k)
		if err != nil {
			return nil, err
		}
		members = append(members, r)
	}
	return members, nil
}

// StoreIdentity creates or renames an identity.
func (s *Store) StoreIdentity(ctx context.Context, id model.IdentityInfo) (model.IdentityInfo, error) {
	err := s.withTx(ctx, "store identity", func(sc *txScope) error {
		var err error
		if id.Authority, err = s.ownAuthority(id.Authority); err != nil {
			return err
		}
		if id.GUID == (model.GUID{}) {
			id.GUID = model.NewGUID()
		}
		_, err = sc.tx.ExecContext(ctx, `
			INSERT INTO identities (authority, guid, name) VALUES (?, ?, ?)
			ON CONFLICT(authority, guid) DO UPDATE SET name = excluded.name
		`, id.Authority.Hex(), id.GUID.String(), id.Name)
		if err != nil {
			return fmt.Errorf("upsert identity: %w", err)
		}
		return nil
	})
	if err != nil {
		return model.IdentityInfo{}, err
	}
	return id, nil
}

// RemoveIdentity deletes an identity no application uses.
func (s *Store) RemoveIdentity(ctx context.Context, key model.InfoKey) error {
	key = s.withAuthority(key)
	return s.withTx(ctx, "remove identity", func(sc *txScope) error {
		if _, err := loadIdentity(ctx, sc.tx, key); err != nil {
			return err
		}
		var n int
		if err := sc.tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM applications WHERE identity_authority = ? AND identity_guid = ?
		`, key.Authority.Hex(), key.GUID.String()).Scan(&n); err != nil {
			return fmt.Errorf("count identity users: %w", err)
		}
		if n > 0 {
			return fmt.Errorf("identity %s used by %d applications: %w", key, n, storage.ErrInUse)
		}
		if _, err := sc.tx.ExecContext(ctx, `DELETE FROM identities WHERE authority = ? AND guid = ?`,
			key.Authority.Hex(), key.GUID.String()); err != nil {
			return fmt.Errorf("delete identity: %w", err)
		}
		return nil
	})
}

// InstallMembership makes app a member of group. Installing an existing
// membership changes nothing.
func (s *Store) InstallMembership(ctx context.Context, app model.Application, group model.GroupInfo) error {
	return s.withTx(ctx, "install membership", func(sc *txScope) error {
		r, err := loadManaged(ctx, sc.tx, app.KeyInfo)
		if err != nil {
			return err
		}
		g, err := loadGroup(ctx, sc.tx, s.withAuthority(group.Key()))
		if err != nil {
			return err
		}
		var n int
		if err := sc.tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM certificates
			WHERE public_key = ? AND type = 'MEMBERSHIP' AND group_guid = ?
		`, app.KeyInfo.Hex(), g.GUID.String()).Scan(&n); err != nil {
			return fmt.Errorf("count memberships: %w", err)
		}
		if n > 0 {
			return nil
		}
		if _, err := s.issue(sc, app.KeyInfo, s.util.ToMembershipCertificate(r.application(), g, s.opts.membershipValidity)); err != nil {
			return err
		}
		return sc.markPending(r)
	})
}

// RemoveMembership revokes the membership of app in group.
func (s *Store) RemoveMembership(ctx context.Context, app model.Application, group model.GroupInfo) error {
	return s.withTx(ctx, "remove membership", func(sc *txScope) error {
		r, err := loadManaged(ctx, sc.tx, app.KeyInfo)
		if err != nil {
			return err
		}
		key := s.withAuthority(group.Key())
		res, err := sc.tx.ExecContext(ctx, `
			DELETE FROM certificates
			WHERE public_key = ? AND type = 'MEMBERSHIP' AND issuer = ? AND group_guid = ?
		`, app.KeyInfo.Hex(), key.Authority.Hex(), key.GUID.String())
		if err != nil {
			return fmt.Errorf("delete membership: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return fmt.Errorf("membership of %s in %s: %w", app.KeyInfo, key, storage.ErrNotFound)
		}
		return sc.markPending(r)
	})
}

// UpdateIdentity reissues the identity certificate of app for id and m.
// Approving a manifest update goes through here.
func (s *Store) UpdateIdentity(ctx context.Context, app model.Application, id model.IdentityInfo, m manifest.Manifest) error {
	return s.withTx(ctx, "update identity", func(sc *txScope) error {
		r, err := loadManaged(ctx, sc.tx, app.KeyInfo)
		if err != nil {
			return err
		}
		stored, err := s.resolveIdentity(sc, id)
		if err != nil {
			return err
		}
		if _, err := sc.tx.ExecContext(ctx, `
			DELETE FROM certificates WHERE public_key = ? AND type = 'IDENTITY'
		`, app.KeyInfo.Hex()); err != nil {
			return fmt.Errorf("drop identity certificate: %w", err)
		}
		if _, err := s.issueIdentity(sc, r.application(), stored, m); err != nil {
			return err
		}
		if _, err := sc.tx.ExecContext(ctx, `
			UPDATE applications SET identity_authority = ?, identity_guid = ?, manifest = ? WHERE public_key = ?
		`, stored.Authority.Hex(), stored.GUID.String(), m.Bytes(), app.KeyInfo.Hex()); err != nil {
			return fmt.Errorf("update identity: %w", err)
		}
		return sc.markPending(r)
	})
}

// UpdatePolicy replaces the policy of app. The stored version is one
// above the previous one regardless of p.Version.
func (s *Store) UpdatePolicy(ctx context.Context, app model.Application, p policy.Policy) (policy.Policy, error) {
	var stored policy.Policy
	err := s.withTx(ctx, "update policy", func(sc *txScope) error {
		r, err := loadManaged(ctx, sc.tx, app.KeyInfo)
		if err != nil {
			return err
		}
		old, err := policy.FromBytes(r.policy)
		if err != nil {
			return err
		}
		stored = p.Clone()
		stored.Version = old.Version + 1
		b, err := stored.Bytes()
		if err != nil {
			return err
		}
		if _, err := sc.tx.ExecContext(ctx, `UPDATE applications SET policy = ? WHERE public_key = ?`,
			b, app.KeyInfo.Hex()); err != nil {
			return fmt.Errorf("store policy: %w", err)
		}
		return sc.markPending(r)
	})
	if err != nil {
		return policy.Policy{}, err
	}
	return stored, nil
}

// ResetApplication schedules app for a factory reset. The record is kept
// until the reset reaches the device.
func (s *Store) ResetApplication(ctx context.Context, app model.Application) error {
	return s.withTx(ctx, "reset application", func(sc *txScope) error {
		r, err := loadManaged(ctx, sc.tx, app.KeyInfo)
		if err != nil {
			return err
		}
		return sc.setPending(r, model.SyncWillReset)
	})
}

// RemoveApplication forgets app without touching the device.
func (s *Store) RemoveApplication(ctx context.Context, app model.Application) error {
	return s.withTx(ctx, "remove application", func(sc *txScope) error {
		if _, err := loadManaged(ctx, sc.tx, app.KeyInfo); err != nil {
			return err
		}
		if _, err := sc.tx.ExecContext(ctx, `DELETE FROM applications WHERE public_key = ?`, app.KeyInfo.Hex()); err != nil {
			return fmt.Errorf("delete application: %w", err)
		}
		removed := model.Application{KeyInfo: app.KeyInfo, SyncState: model.SyncUnmanaged}
		sc.notify(func(l storage.Listener) { l.OnApplicationsRemoved([]model.Application{removed}) })
		return nil
	})
}

// Reset drops every application, identity and group except the admin
// group. The certificate authority and the agent registration survive.
func (s *Store) Reset(ctx context.Context) error {
	return s.withTx(ctx, "reset", func(sc *txScope) error {
		stmts := []string{
			`DELETE FROM applications WHERE status <> 'agent'`,
			`DELETE FROM identities WHERE NOT EXISTS (
				SELECT 1 FROM applications a
				WHERE a.identity_authority = identities.authority AND a.identity_guid = identities.guid)`,
			`DELETE FROM groups WHERE is_admin = 0`,
		}
		for _, stmt := range stmts {
			if _, err := sc.tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("reset: %w", err)
			}
		}
		sc.notify(func(l storage.Listener) { l.OnStorageReset() })
		s.logger.Warn("storage reset")
		return nil
	})
}

// ownAuthority returns the CA key for an empty authority and rejects
// any other authority.
func (s *Store) ownAuthority(k model.KeyInfo) (model.KeyInfo, error) {
	ca := s.issuer.KeyInfo()
	if k.IsEmpty() {
		return ca, nil
	}
	if !k.Equal(ca) {
		return model.KeyInfo{}, fmt.Errorf("authority %s: %w", k, errForeignAuthority)
	}
	return k, nil
}

var errForeignAuthority = fmt.Errorf("foreign authority: %w", storage.ErrInvalidArgument)

// RegisterStorageListener adds l to the set of notified listeners.
func (s *Store) RegisterStorageListener(l storage.Listener) storage.ListenerHandle {
	return s.listeners.Register(l)
}

// UnregisterStorageListener removes a listener. No notification starts
// for it after this returns.
func (s *Store) UnregisterStorageListener(h storage.ListenerHandle) {
	s.listeners.Unregister(h)
}
