package store

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/trustagent/internal/cert"
	"github.com/roach88/trustagent/internal/clock"
	"github.com/roach88/trustagent/internal/listener"
	"github.com/roach88/trustagent/internal/model"
	"github.com/roach88/trustagent/internal/storage"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema (pre-migration)
// 1 - Added UNIQUE index on membership certificates per (application, group)
const currentSchemaVersion = 1

// Defaults used when no option overrides them.
const (
	DefaultIdentityValidity   = 10 * 365 * 24 * time.Hour
	DefaultMembershipValidity = 10 * 365 * 24 * time.Hour
	DefaultAdminGroupName     = "Admin group"
	DefaultBusyTimeout        = 5 * time.Second
)

type options struct {
	clock              clock.Clock
	identityValidity   time.Duration
	membershipValidity time.Duration
	adminGroupName     string
	adminGroupDesc     string
	busyTimeout        time.Duration
	logger             *slog.Logger
}

// Option configures Open.
type Option func(*options)

// WithClock sets the clock used for certificate validity windows.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithIdentityValidity sets the validity period of identity certificates.
func WithIdentityValidity(d time.Duration) Option {
	return func(o *options) { o.identityValidity = d }
}

// WithMembershipValidity sets the validity period of membership certificates.
func WithMembershipValidity(d time.Duration) Option {
	return func(o *options) { o.membershipValidity = d }
}

// WithAdminGroup names the admin group created on first open.
func WithAdminGroup(name, desc string) Option {
	return func(o *options) {
		o.adminGroupName = name
		o.adminGroupDesc = desc
	}
}

// WithBusyTimeout sets the SQLite busy timeout.
func WithBusyTimeout(d time.Duration) Option {
	return func(o *options) { o.busyTimeout = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// Store is the SQLite implementation of storage.Management.
type Store struct {
	db        *sql.DB
	opts      options
	issuer    *cert.Issuer
	util      cert.Util
	logger    *slog.Logger
	listeners listener.Registry[storage.Listener]
}

var _ storage.Management = (*Store)(nil)

// Open creates or opens a SQLite database at the given path.
// Applies required pragmas and migrations automatically and creates the
// certificate authority and admin group on first use.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode (balance durability/performance)
//   - a busy timeout for lock contention
//   - Foreign key enforcement
//
// This function is idempotent - safe to call multiple times.
func Open(path string, opts ...Option) (*Store, error) {
	o := options{
		clock:              clock.Real(),
		identityValidity:   DefaultIdentityValidity,
		membershipValidity: DefaultMembershipValidity,
		adminGroupName:     DefaultAdminGroupName,
		busyTimeout:        DefaultBusyTimeout,
		logger:             slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	db, err := sql.Open("sqlite3", dsn(path, o.busyTimeout))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := verifyPragma(db, "foreign_keys", "1"); err != nil {
		db.Close()
		return nil, fmt.Errorf("connection pragmas not applied: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	s := &Store{
		db:     db,
		opts:   o,
		util:   cert.NewUtil(o.clock),
		logger: o.logger.With("component", "store"),
	}
	if err := s.bootstrap(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to bootstrap: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// dsn builds the go-sqlite3 connection string. The driver applies these
// pragmas to every connection the pool opens.
func dsn(path string, busyTimeout time.Duration) string {
	params := url.Values{}
	params.Set("_journal_mode", "WAL")
	params.Set("_synchronous", "NORMAL")
	params.Set("_busy_timeout", strconv.FormatInt(busyTimeout.Milliseconds(), 10))
	params.Set("_foreign_keys", "on")
	return path + "?" + params.Encode()
}

// applySchema creates tables if they don't exist and runs migrations.
// This function is idempotent.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	if err := runMigrations(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// runMigrations applies incremental schema migrations based on user_version.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 1 {
		if err := migrateToV1(db); err != nil {
			return err
		}
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}

	return nil
}

// migrateToV1 forbids two membership certificates of one application for
// the same group.
func migrateToV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE UNIQUE INDEX IF NOT EXISTS idx_memberships_unique
		ON certificates(public_key, group_guid) WHERE type = 'MEMBERSHIP'
	`)
	if err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	return nil
}

// bootstrap loads the CA key and admin group, creating them on first open.
func (s *Store) bootstrap(ctx context.Context) error {
	return s.withTx(ctx, "bootstrap", func(sc *txScope) error {
		var der []byte
		err := sc.tx.QueryRowContext(ctx, `SELECT private_key FROM ca WHERE id = 1`).Scan(&der)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
			if err != nil {
				return fmt.Errorf("generate ca key: %w", err)
			}
			der, err = x509.MarshalECPrivateKey(key)
			if err != nil {
				return fmt.Errorf("marshal ca key: %w", err)
			}
			pub, err := model.NewKeyInfo(&key.PublicKey)
			if err != nil {
				return err
			}
			if _, err := sc.tx.ExecContext(ctx,
				`INSERT INTO ca (id, private_key, public_key) VALUES (1, ?, ?)`, der, pub.Hex()); err != nil {
				return fmt.Errorf("insert ca: %w", err)
			}
			s.logger.Info("created certificate authority", "ca", pub.String())
		case err != nil:
			return fmt.Errorf("load ca: %w", err)
		}

		key, err := x509.ParseECPrivateKey(der)
		if err != nil {
			return fmt.Errorf("parse ca key: %w", err)
		}
		s.issuer, err = cert.NewIssuer(key)
		if err != nil {
			return err
		}

		var n int
		if err := sc.tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM groups WHERE is_admin = 1`).Scan(&n); err != nil {
			return fmt.Errorf("count admin groups: %w", err)
		}
		if n == 0 {
			_, err := sc.tx.ExecContext(ctx, `
				INSERT INTO groups (authority, guid, name, description, is_admin)
				VALUES (?, ?, ?, ?, 1)
			`, s.issuer.KeyInfo().Hex(), model.NewGUID().String(), s.opts.adminGroupName, s.opts.adminGroupDesc)
			if err != nil {
				return fmt.Errorf("insert admin group: %w", err)
			}
		}
		return nil
	})
}

// verifyPragma checks that a pragma is set to the expected value.
func verifyPragma(db *sql.DB, name, expected string) error {
	var value string
	query := fmt.Sprintf("PRAGMA %s", name)
	if err := db.QueryRow(query).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
