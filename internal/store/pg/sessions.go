package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"workdesk.org/internal/session"
)

func (s *sessionStore) Get(ctx context.Context, id string) (*session.Session, error) {
	var (
		sess    session.Session
		staged  sql.NullString
		capthsh sql.NullString
		captq   sql.NullString
		captexp sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		select id, user_id, pending_2fa_user_id, pending_2fa_started_at,
		       created_at, login_at, last_activity_at, last_regenerated_at,
		       auth_role, csrf_token, ua_hash, ip_prefix,
		       captcha_question, captcha_answer_hash, captcha_expires_at, captcha_misses,
		       staged_totp_secret
		from sessions
		where id = $1
	`, id).Scan(&sess.ID, &sess.UserID, &sess.PendingTwoFAUserID, &sess.PendingTwoFAStarted,
		&sess.CreatedAt, &sess.LoginAt, &sess.LastActivityAt, &sess.LastRegeneratedAt,
		&sess.AuthRole, &sess.CSRFToken, &sess.UAHash, &sess.IPPrefix,
		&captq, &capthsh, &captexp, &sess.CaptchaMisses,
		&staged)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, session.ErrNoSession
	}
	if err != nil {
		return nil, err
	}
	if captq.Valid {
		sess.CaptchaQuestion = captq.String
	}
	if capthsh.Valid {
		sess.CaptchaAnswerHash = capthsh.String
	}
	if captexp.Valid {
		sess.CaptchaExpiresAt = captexp.Time
	}
	if staged.Valid {
		sess.StagedTOTPSecret = staged.String
	}
	return &sess, nil
}

func (s *sessionStore) Save(ctx context.Context, sess *session.Session) error {
	_, err := s.db.ExecContext(ctx, `
		insert into sessions (id, user_id, pending_2fa_user_id, pending_2fa_started_at,
			created_at, login_at, last_activity_at, last_regenerated_at,
			auth_role, csrf_token, ua_hash, ip_prefix,
			captcha_question, captcha_answer_hash, captcha_expires_at, captcha_misses,
			staged_totp_secret)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
		on conflict (id) do update set
			user_id = excluded.user_id,
			pending_2fa_user_id = excluded.pending_2fa_user_id,
			pending_2fa_started_at = excluded.pending_2fa_started_at,
			login_at = excluded.login_at,
			last_activity_at = excluded.last_activity_at,
			last_regenerated_at = excluded.last_regenerated_at,
			auth_role = excluded.auth_role,
			csrf_token = excluded.csrf_token,
			ua_hash = excluded.ua_hash,
			ip_prefix = excluded.ip_prefix,
			captcha_question = excluded.captcha_question,
			captcha_answer_hash = excluded.captcha_answer_hash,
			captcha_expires_at = excluded.captcha_expires_at,
			captcha_misses = excluded.captcha_misses,
			staged_totp_secret = excluded.staged_totp_secret
	`, sess.ID, sess.UserID, sess.PendingTwoFAUserID, sess.PendingTwoFAStarted,
		sess.CreatedAt, sess.LoginAt, sess.LastActivityAt, sess.LastRegeneratedAt,
		sess.AuthRole, sess.CSRFToken, sess.UAHash, sess.IPPrefix,
		nullIfEmpty(sess.CaptchaQuestion), nullIfEmpty(sess.CaptchaAnswerHash),
		nullTime(sess.CaptchaExpiresAt), sess.CaptchaMisses,
		nullIfEmpty(sess.StagedTOTPSecret))
	return err
}

func (s *sessionStore) Rekey(ctx context.Context, oldID, newID string) error {
	res, err := s.db.ExecContext(ctx, `update sessions set id = $2 where id = $1`, oldID, newID)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return session.ErrNoSession
	}
	return nil
}

func (s *sessionStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `delete from sessions where id = $1`, id)
	return err
}

func (s *sessionStore) DeleteIdleSince(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `delete from sessions where last_activity_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
