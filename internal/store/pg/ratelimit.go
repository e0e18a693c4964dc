package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"workdesk.org/internal/ratelimit"
)

// Counter reads and writes are last-writer-wins on the (action, key_hash)
// row; the limiter is advisory defense, not a ledger, so no row locking.

func (s *counterStore) Get(ctx context.Context, action, keyHash string) (*ratelimit.Counter, error) {
	var (
		c    ratelimit.Counter
		lock sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		select action, key_hash, attempt_count, first_attempt_at, last_attempt_at, lock_until
		from rate_limit_counters
		where action = $1 and key_hash = $2
	`, action, keyHash).Scan(&c.Action, &c.KeyHash, &c.Attempts, &c.FirstAttempt, &c.LastAttempt, &lock)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if lock.Valid {
		c.LockUntil = lock.Time
	}
	return &c, nil
}

func (s *counterStore) Upsert(ctx context.Context, c *ratelimit.Counter) error {
	_, err := s.db.ExecContext(ctx, `
		insert into rate_limit_counters (action, key_hash, attempt_count, first_attempt_at, last_attempt_at, lock_until)
		values ($1, $2, $3, $4, $5, $6)
		on conflict (action, key_hash) do update set
			attempt_count = excluded.attempt_count,
			first_attempt_at = excluded.first_attempt_at,
			last_attempt_at = excluded.last_attempt_at,
			lock_until = excluded.lock_until
	`, c.Action, c.KeyHash, c.Attempts, c.FirstAttempt, c.LastAttempt, nullTime(c.LockUntil))
	return err
}

func (s *counterStore) Delete(ctx context.Context, action, keyHash string) error {
	_, err := s.db.ExecContext(ctx, `
		delete from rate_limit_counters where action = $1 and key_hash = $2
	`, action, keyHash)
	return err
}

func (s *counterStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		delete from rate_limit_counters where last_attempt_at < $1
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
