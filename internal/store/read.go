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

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanGroup(row rowScanner) (model.GroupInfo, error) {
	var (
		g               model.GroupInfo
		authority, guid string
	)
	if err := row.Scan(&authority, &guid, &g.Name, &g.Desc); err != nil {
		return model.GroupInfo{}, err
	}
	var err error
	if g.Authority, err = model.ParseKeyInfo(authority); err != nil {
		return model.GroupInfo{}, fmt.Errorf("scan group: %w", err)
	}
	if g.GUID, err = model.ParseGUID(guid); err != nil {
		return model.GroupInfo{}, fmt.Errorf("scan group: %w", err)
	}
	return g, nil
}

func scanIdentity(row rowScanner) (model.IdentityInfo, error) {
	var (
		id              model.IdentityInfo
		authority, guid string
	)
	if err := row.Scan(&authority, &guid, &id.Name); err != nil {
		return model.IdentityInfo{}, err
	}
	var err error
	if id.Authority, err = model.ParseKeyInfo(authority); err != nil {
		return model.IdentityInfo{}, fmt.Errorf("scan identity: %w", err)
	}
	if id.GUID, err = model.ParseGUID(guid); err != nil {
		return model.IdentityInfo{}, fmt.Errorf("scan identity: %w", err)
	}
	return id, nil
}

func loadGroup(ctx context.Context, q querier, key model.InfoKey) (model.GroupInfo, error) {
	g, err := scanGroup(q.QueryRowContext(ctx, `
		SELECT authority, guid, name, description FROM groups WHERE authority = ? AND guid = ?
	`, key.Authority.Hex(), key.GUID.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return model.GroupInfo{}, fmt.Errorf("group %s: %w", key, storage.ErrNotFound)
	}
	if err != nil {
		return model.GroupInfo{}, fmt.Errorf("load group %s: %w", key, err)
	}
	return g, nil
}

func loadIdentity(ctx context.Context, q querier, key model.InfoKey) (model.IdentityInfo, error) {
	id, err := scanIdentity(q.QueryRowContext(ctx, `
		SELECT authority, guid, name FROM identities WHERE authority = ? AND guid = ?
	`, key.Authority.Hex(), key.GUID.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return model.IdentityInfo{}, fmt.Errorf("identity %s: %w", key, storage.ErrNotFound)
	}
	if err != nil {
		return model.IdentityInfo{}, fmt.Errorf("load identity %s: %w", key, err)
	}
	return id, nil
}

// GetManagedApplication returns app with its persisted sync state.
func (s *Store) GetManagedApplication(ctx context.Context, app model.Application) (model.Application, error) {
	r, err := loadManaged(ctx, s.db, app.KeyInfo)
	if err != nil {
		return model.Application{}, err
	}
	return r.application(), nil
}

// GetManagedApplications returns every managed application ordered by key.
func (s *Store) GetManagedApplications(ctx context.Context) ([]model.Application, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT public_key, sync_state FROM applications WHERE status = ? ORDER BY public_key ASC
	`, statusManaged)
	if err != nil {
		return nil, fmt.Errorf("query applications: %w", err)
	}
	defer rows.Close()

	apps := []model.Application{}
	for rows.Next() {
		var key, state string
		if err := rows.Scan(&key, &state); err != nil {
			return nil, fmt.Errorf("scan application: %w", err)
		}
		k, err := model.ParseKeyInfo(key)
		if err != nil {
			return nil, fmt.Errorf("scan application: %w", err)
		}
		st, err := model.ParseSyncState(state)
		if err != nil {
			return nil, fmt.Errorf("scan application: %w", err)
		}
		apps = append(apps, model.Application{KeyInfo: k, SyncState: st})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate applications: %w", err)
	}
	model.SortApplications(apps)
	return apps, nil
}

// GetCaPublicKeyInfo returns the public key of the certificate authority.
func (s *Store) GetCaPublicKeyInfo(ctx context.Context) (model.KeyInfo, error) {
	return s.issuer.KeyInfo(), nil
}

// GetAdminGroup returns the admin group.
func (s *Store) GetAdminGroup(ctx context.Context) (model.GroupInfo, error) {
	return loadAdminGroup(ctx, s.db)
}

// GetMembershipCertificates returns one chain per group app belongs to.
func (s *Store) GetMembershipCertificates(ctx context.Context, app model.Application) ([]cert.MembershipCertificateChain, error) {
	var certs []cert.Certificate
	err := s.withReadTx(ctx, "read memberships", func(tx *sql.Tx) error {
		if _, err := loadManaged(ctx, tx, app.KeyInfo); err != nil {
			return err
		}
		var err error
		certs, err = loadCertificates(ctx, tx, app.KeyInfo, cert.TypeMembership)
		return err
	})
	if err != nil {
		return nil, err
	}
	chains := make([]cert.MembershipCertificateChain, 0, len(certs))
	for _, c := range certs {
		chains = append(chains, cert.MembershipCertificateChain{c})
	}
	return chains, nil
}

// GetIdentityCertificatesAndManifest returns the identity chain of app
// and the manifest it was issued for, both from the same commit.
func (s *Store) GetIdentityCertificatesAndManifest(ctx context.Context, app model.Application) (cert.IdentityCertificateChain, manifest.Manifest, error) {
	var (
		r     appRow
		certs []cert.Certificate
	)
	err := s.withReadTx(ctx, "read identity", func(tx *sql.Tx) error {
		var err error
		if r, err = loadManaged(ctx, tx, app.KeyInfo); err != nil {
			return err
		}
		certs, err = loadCertificates(ctx, tx, app.KeyInfo, cert.TypeIdentity)
		return err
	})
	if err != nil {
		return nil, manifest.Manifest{}, err
	}
	if len(certs) == 0 {
		return nil, manifest.Manifest{}, fmt.Errorf("identity certificate of %s: %w", app.KeyInfo, storage.ErrNotFound)
	}
	m, err := manifest.FromBytes(r.manifest)
	if err != nil {
		return nil, manifest.Manifest{}, fmt.Errorf("manifest of %s: %w", app.KeyInfo, err)
	}
	return cert.IdentityCertificateChain{certs[len(certs)-1]}, m, nil
}

// GetPolicy returns the desired policy of app.
func (s *Store) GetPolicy(ctx context.Context, app model.Application) (policy.Policy, error) {
	r, err := loadManaged(ctx, s.db, app.KeyInfo)
	if err != nil {
		return policy.Policy{}, err
	}
	p, err := policy.FromBytes(r.policy)
	if err != nil {
		return policy.Policy{}, fmt.Errorf("policy of %s: %w", app.KeyInfo, err)
	}
	return p, nil
}

// GetGroup returns the group with the given key.
func (s *Store) GetGroup(ctx context.Context, key model.InfoKey) (model.GroupInfo, error) {
	return loadGroup(ctx, s.db, s.withAuthority(key))
}

// GetGroups returns all groups ordered by authority and GUID.
func (s *Store) GetGroups(ctx context.Context) ([]model.GroupInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT authority, guid, name, description FROM groups ORDER BY authority ASC, guid ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query groups: %w", err)
	}
	defer rows.Close()

	groups := []model.GroupInfo{}
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, fmt.Errorf("scan group: %w", err)
		}
		groups = append(groups, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate groups: %w", err)
	}
	return groups, nil
}

// GetIdentity returns the identity with the given key.
func (s *Store) GetIdentity(ctx context.Context, key model.InfoKey) (model.IdentityInfo, error) {
	return loadIdentity(ctx, s.db, s.withAuthority(key))
}

// GetIdentities returns all identities ordered by authority and GUID.
func (s *Store) GetIdentities(ctx context.Context) ([]model.IdentityInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT authority, guid, name FROM identities ORDER BY authority ASC, guid ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query identities: %w", err)
	}
	defer rows.Close()

	ids := []model.IdentityInfo{}
	for rows.Next() {
		id, err := scanIdentity(rows)
		if err != nil {
			return nil, fmt.Errorf("scan identity: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate identities: %w", err)
	}
	return ids, nil
}

// withAuthority fills an empty authority with the CA key.
func (s *Store) withAuthority(key model.InfoKey) model.InfoKey {
	if key.Authority.IsEmpty() {
		key.Authority = s.issuer.KeyInfo()
	}
	return key
}
