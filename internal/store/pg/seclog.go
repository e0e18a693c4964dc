package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"workdesk.org/internal/netutil"
	"workdesk.org/internal/seclog"
)

// chainLockKey serializes appends on the chain tip across every connection.
const chainLockKey = 874002

// Append inserts one chained event. The advisory transaction lock makes the
// read-tip / hash / insert sequence atomic with respect to concurrent
// appends; without it two inserts could chain to the same predecessor. The
// ip_prefix column is derived for the new-prefix detector and is not part of
// the hashed payload.
func (s *eventStore) Append(ctx context.Context, ev *seclog.Event, chain func(prevHash string) (string, error)) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `select pg_advisory_xact_lock($1)`, chainLockKey); err != nil {
		return err
	}

	prev := seclog.GenesisHash
	err = tx.QueryRowContext(ctx, `
		select event_hash from security_events order by id desc limit 1
	`).Scan(&prev)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}

	hash, err := chain(prev)
	if err != nil {
		return err
	}
	ev.PrevHash = prev
	ev.EventHash = hash

	err = tx.QueryRowContext(ctx, `
		insert into security_events (created_at, event_type, action, subject, key_label,
			ip, ip_prefix, details, level, source, actor_user_id, tenant_id,
			prev_hash, event_hash, context)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		returning id
	`, ev.CreatedAt, ev.EventType, ev.Action, nullIfEmpty(ev.Subject), nullIfEmpty(ev.KeyLabel),
		nullIfEmpty(ev.IP), nullIfEmpty(netutil.Prefix(ev.IP)), nullIfEmpty(ev.Details),
		ev.Level, ev.Source, ev.ActorUserID, ev.TenantID,
		ev.PrevHash, ev.EventHash, nullIfEmpty(ev.Context)).Scan(&ev.ID)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (s *eventStore) Events(ctx context.Context, afterID int64, limit int) ([]seclog.Event, error) {
	if limit <= 0 || limit > 1000 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, `
		select id, created_at, event_type, action, coalesce(subject, ''), coalesce(key_label, ''),
		       coalesce(ip, ''), coalesce(details, ''), level, source,
		       actor_user_id, tenant_id, prev_hash, event_hash, coalesce(context, '')
		from security_events
		where id > $1
		order by id asc
		limit $2
	`, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []seclog.Event
	for rows.Next() {
		var ev seclog.Event
		if err := rows.Scan(&ev.ID, &ev.CreatedAt, &ev.EventType, &ev.Action, &ev.Subject,
			&ev.KeyLabel, &ev.IP, &ev.Details, &ev.Level, &ev.Source,
			&ev.ActorUserID, &ev.TenantID, &ev.PrevHash, &ev.EventHash, &ev.Context); err != nil {
			return nil, err
		}
		// Timestamps come back in the connection's zone; the hash was
		// computed over UTC.
		ev.CreatedAt = ev.CreatedAt.UTC()
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (s *eventStore) CountSince(ctx context.Context, eventType, subject string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		select count(*) from security_events
		where event_type = $1 and subject = $2 and created_at >= $3
	`, eventType, subject, since).Scan(&n)
	return n, err
}

func (s *eventStore) SubjectSeenFromPrefix(ctx context.Context, subject, ipPrefix string, since time.Time) (bool, error) {
	var seen bool
	err := s.db.QueryRowContext(ctx, `
		select exists (
			select 1 from security_events
			where subject = $1 and ip_prefix = $2 and created_at >= $3
		)
	`, subject, ipPrefix, since).Scan(&seen)
	return seen, err
}

func (s *eventStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `delete from security_events where created_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
