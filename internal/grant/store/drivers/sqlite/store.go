package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/aussiebroadwan/grantstore/internal/grant/store"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// dbtx is what the repositories query through: *sql.DB outside a
// transaction, *sql.Tx inside one.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Store struct {
	db    *sql.DB
	path  string
	retry RetryConfig
}

const memoryPath = ":memory:"

// NewStore opens the database at path (or ":memory:"). Pragmas are passed
// through the DSN so every pooled connection gets them, not just the first.
func NewStore(path string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, err
	}

	// Each connection to ":memory:" is its own database.
	if path == memoryPath {
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Store{
		db:    db,
		path:  path,
		retry: DefaultRetryConfig(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Option tweaks a Store at construction.
type Option func(*Store)

// WithRetry replaces the busy/locked retry policy used by WithTx.
func WithRetry(cfg RetryConfig) Option {
	return func(s *Store) { s.retry = cfg }
}

func dsn(path string) string {
	q := url.Values{}
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "foreign_keys(1)")
	if path != memoryPath {
		q.Add("_pragma", "journal_mode(WAL)")
		q.Add("_pragma", "synchronous(NORMAL)")
	}
	// Writers take the lock at BEGIN, so a transaction never has to upgrade
	// from a read lock halfway through and fail with SQLITE_BUSY.
	q.Set("_txlock", "immediate")
	return path + "?" + q.Encode()
}

func (s *Store) Close() error { return s.db.Close() }

// Ping verifies the database connection is still alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Tx starts a read/write transaction and returns a Tx-scoped Store.
func (s *Store) Tx(ctx context.Context) (store.Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return newTx(tx), nil
}

// WithTx executes fn within a transaction, automatically handling
// commit/rollback, and re-runs it from scratch on lock contention.
func (s *Store) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	return s.withRetry(ctx, func() error {
		tx, err := s.Tx(ctx)
		if err != nil {
			return err
		}

		// safe to call even after commit
		defer func() {
			_ = tx.Rollback()
		}()

		if err := fn(tx); err != nil {
			return err
		}

		return tx.Commit()
	})
}

func (s *Store) Clients() store.Clients { return &clientsRepo{db: s.db} }
func (s *Store) AuthorizationContexts() store.AuthorizationContexts {
	return &contextsRepo{db: s.db}
}
func (s *Store) AccessTokens() store.AccessTokens   { return &accessTokensRepo{db: s.db} }
func (s *Store) RefreshTokens() store.RefreshTokens { return &refreshTokensRepo{db: s.db} }
func (s *Store) AuthorizationCodes() store.AuthorizationCodes {
	return &authorizationCodesRepo{db: s.db}
}
func (s *Store) PermissionTickets() store.PermissionTickets {
	return &permissionTicketsRepo{db: s.db}
}

func mapNotFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	return err
}

// mapConstraint turns driver constraint failures into store sentinels.
func mapConstraint(err error) error {
	var serr *sqlite.Error
	if !errors.As(err, &serr) {
		return err
	}
	switch serr.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return errors.Join(store.ErrAlreadyExists, err)
	case sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY, sqlite3.SQLITE_CONSTRAINT_CHECK,
		sqlite3.SQLITE_CONSTRAINT_NOTNULL, sqlite3.SQLITE_CONSTRAINT_TRIGGER:
		return errors.Join(store.ErrConstraint, err)
	}
	return err
}

// requireAffected reports ErrNotFound when a targeted write touched nothing.
func requireAffected(res sql.Result, err error) error {
	if err != nil {
		return mapConstraint(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// Timestamps are stored as INTEGER unix nanoseconds so range predicates
// compare numerically regardless of zone or fractional-second formatting.

func unixNano(t time.Time) int64 { return t.UnixNano() }

func fromUnixNano(n int64) time.Time { return time.Unix(0, n).UTC() }

func mapOptionalTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func mapNullTimePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromUnixNano(n.Int64)
	return &t
}

func mapOptionalString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func mapNullStringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func joinSet(s []string) string { return strings.Join(s, " ") }

// splitSet drops duplicates and empty entries.
func splitSet(s string) []string {
	parts := strings.Fields(s)
	if len(parts) == 0 {
		return nil
	}
	out := make([]string, 0, len(parts))
	seen := make(map[string]struct{}, len(parts))
	for _, part := range parts {
		if _, ok := seen[part]; ok {
			continue
		}
		seen[part] = struct{}{}
		out = append(out, part)
	}
	return out
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// collect drains rows through scan.
func collect[T any](rows *sql.Rows, scan func(scanner) (T, error)) ([]T, error) {
	defer rows.Close()

	var out []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func collectStrings(rows *sql.Rows, err error) ([]string, error) {
	if err != nil {
		return nil, err
	}
	return collect(rows, func(sc scanner) (string, error) {
		var s string
		err := sc.Scan(&s)
		return s, err
	})
}
