// Package pg is the Postgres persistence layer. One Store owns the pool and
// serves principal resolution and project lookups directly; sessions, rate
// limit counters and the chained event log hang off it as sub-stores because
// their interfaces overlap in method names.
package pg

import (
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"workdesk.org/internal/access"
	"workdesk.org/internal/ratelimit"
	"workdesk.org/internal/seclog"
	"workdesk.org/internal/session"
)

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
)

type Store struct {
	db *sql.DB
}

var (
	_ access.Store        = (*Store)(nil)
	_ access.ProjectStore = (*Store)(nil)
	_ session.Store       = (*sessionStore)(nil)
	_ ratelimit.Store     = (*counterStore)(nil)
	_ seclog.Store        = (*eventStore)(nil)
)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewStore wraps an existing handle; used by tests with sqlmock.
func NewStore(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// Sessions exposes the session table.
func (s *Store) Sessions() session.Store { return &sessionStore{db: s.db} }

// Counters exposes the rate limit counter table.
func (s *Store) Counters() ratelimit.Store { return &counterStore{db: s.db} }

// Events exposes the chained security event table.
func (s *Store) Events() seclog.Store { return &eventStore{db: s.db} }

type sessionStore struct{ db *sql.DB }

type counterStore struct{ db *sql.DB }

type eventStore struct{ db *sql.DB }

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

func nullIfEmpty(s string) sql.NullString {
	s = strings.TrimSpace(s)
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}
