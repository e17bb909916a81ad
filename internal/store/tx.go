package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/trustagent/internal/cert"
	"github.com/roach88/trustagent/internal/model"
	"github.com/roach88/trustagent/internal/storage"
)

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// txScope is a running transaction plus the notifications to deliver
// once it commits.
type txScope struct {
	ctx   context.Context
	tx    *sql.Tx
	notes []func(storage.Listener)
}

func (sc *txScope) notify(fn func(storage.Listener)) {
	sc.notes = append(sc.notes, fn)
}

// withTx runs fn in a transaction. Errors are prefixed with op.
// Notifications queued by fn are delivered after a successful commit.
func (s *Store) withTx(ctx context.Context, op string, fn func(*txScope) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%s: begin: %w", op, err)
	}
	defer tx.Rollback()

	sc := &txScope{ctx: ctx, tx: tx}
	if err := fn(sc); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%s: commit: %w", op, err)
	}

	for _, note := range sc.notes {
		s.listeners.Notify(note)
	}
	return nil
}

// withReadTx runs fn in a read-only transaction so that every query it
// makes sees the same commit.
func (s *Store) withReadTx(ctx context.Context, op string, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return fmt.Errorf("%s: begin: %w", op, err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%s: commit: %w", op, err)
	}
	return nil
}

// nextCounter increments and returns the named counter. The first value is 1.
func nextCounter(ctx context.Context, q querier, name string) (uint64, error) {
	var v int64
	err := q.QueryRowContext(ctx, `
		INSERT INTO counters (name, value) VALUES (?, 1)
		ON CONFLICT(name) DO UPDATE SET value = value + 1
		RETURNING value
	`, name).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("next %s: %w", name, err)
	}
	return uint64(v), nil
}

const (
	statusClaiming = "claiming"
	statusManaged  = "managed"
	statusAgent    = "agent"
)

// appRow mirrors one row of the applications table.
type appRow struct {
	key         model.KeyInfo
	status      string
	syncState   model.SyncState
	idAuthority string
	idGUID      string
	manifest    []byte
	policy      []byte
	changeSeq   int64
	updateID    int64
	updateSeq   int64
}

func (r appRow) application() model.Application {
	return model.Application{KeyInfo: r.key, SyncState: r.syncState}
}

func loadApp(ctx context.Context, q querier, key model.KeyInfo) (appRow, error) {
	var (
		r     appRow
		state string
	)
	err := q.QueryRowContext(ctx, `
		SELECT status, sync_state, identity_authority, identity_guid, manifest, policy,
		       change_seq, update_id, update_seq
		FROM applications WHERE public_key = ?
	`, key.Hex()).Scan(&r.status, &state, &r.idAuthority, &r.idGUID, &r.manifest, &r.policy,
		&r.changeSeq, &r.updateID, &r.updateSeq)
	if errors.Is(err, sql.ErrNoRows) {
		return appRow{}, fmt.Errorf("application %s: %w", key, storage.ErrNotFound)
	}
	if err != nil {
		return appRow{}, fmt.Errorf("load application %s: %w", key, err)
	}
	r.key = key
	r.syncState, err = model.ParseSyncState(state)
	if err != nil {
		return appRow{}, fmt.Errorf("load application %s: %w", key, err)
	}
	return r, nil
}

// loadManaged returns the row of a claimed application. Pending claims
// and the agent's own record are not managed.
func loadManaged(ctx context.Context, q querier, key model.KeyInfo) (appRow, error) {
	r, err := loadApp(ctx, q, key)
	if err != nil {
		return appRow{}, err
	}
	if r.status != statusManaged {
		return appRow{}, fmt.Errorf("application %s: %w", key, storage.ErrNotFound)
	}
	return r, nil
}

// markPending records a change to the desired state of r and queues
// OnPendingChanges. An application awaiting reset stays WILL_RESET.
func (sc *txScope) markPending(r appRow) error {
	state := model.SyncPending
	if r.syncState == model.SyncWillReset {
		state = model.SyncWillReset
	}
	return sc.setPending(r, state)
}

func (sc *txScope) setPending(r appRow, state model.SyncState) error {
	_, err := sc.tx.ExecContext(sc.ctx, `
		UPDATE applications SET change_seq = change_seq + 1, sync_state = ?
		WHERE public_key = ?
	`, state.String(), r.key.Hex())
	if err != nil {
		return fmt.Errorf("mark pending: %w", err)
	}
	app := model.Application{KeyInfo: r.key, SyncState: state}
	sc.notify(func(l storage.Listener) { l.OnPendingChanges([]model.Application{app}) })
	return nil
}

// issue signs tmpl with the next serial and stores it for owner.
func (s *Store) issue(sc *txScope, owner model.KeyInfo, tmpl cert.Certificate) (cert.Certificate, error) {
	serial, err := nextCounter(sc.ctx, sc.tx, "serial")
	if err != nil {
		return cert.Certificate{}, err
	}
	c, err := s.issuer.Sign(tmpl, serial)
	if err != nil {
		return cert.Certificate{}, err
	}
	groupGUID := ""
	if c.Type == cert.TypeMembership {
		groupGUID = c.GroupGUID.String()
	}
	_, err = sc.tx.ExecContext(sc.ctx, `
		INSERT INTO certificates (serial, public_key, type, issuer, group_guid, der)
		VALUES (?, ?, ?, ?, ?, ?)
	`, int64(c.Serial), owner.Hex(), c.Type.String(), c.Issuer.Hex(), groupGUID, c.DER)
	if err != nil {
		return cert.Certificate{}, fmt.Errorf("store certificate: %w", err)
	}
	return c, nil
}

// loadCertificates returns the certificates of one type owned by key,
// ordered by group then serial.
func loadCertificates(ctx context.Context, q querier, key model.KeyInfo, typ cert.Type) ([]cert.Certificate, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT issuer, der FROM certificates
		WHERE public_key = ? AND type = ?
		ORDER BY group_guid ASC, serial ASC
	`, key.Hex(), typ.String())
	if err != nil {
		return nil, fmt.Errorf("query certificates: %w", err)
	}
	defer rows.Close()

	certs := []cert.Certificate{}
	for rows.Next() {
		var (
			issuerHex string
			der       []byte
		)
		if err := rows.Scan(&issuerHex, &der); err != nil {
			return nil, fmt.Errorf("scan certificate: %w", err)
		}
		issuer, err := model.ParseKeyInfo(issuerHex)
		if err != nil {
			return nil, fmt.Errorf("scan certificate: %w", err)
		}
		c, err := cert.Parse(der, issuer)
		if err != nil {
			return nil, err
		}
		certs = append(certs, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate certificates: %w", err)
	}
	return certs, nil
}
