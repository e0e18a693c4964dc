// Package session implements server-side sessions keyed by an opaque cookie
// id, with client binding, lazy timeout enforcement and periodic id
// rotation. A session is always in exactly one of three states: anonymous,
// pending second factor, or authenticated.
package session

import (
	"context"
	"errors"
	"time"
)

// State of a session at a point in time.
type State int

const (
	StateAnonymous State = iota
	StatePendingTwoFactor
	StateAuthenticated
)

func (s State) String() string {
	switch s {
	case StatePendingTwoFactor:
		return "pending_2fa"
	case StateAuthenticated:
		return "authenticated"
	default:
		return "anonymous"
	}
}

// Session is one server-side session row. The id is the only thing the
// client ever holds.
type Session struct {
	ID string

	UserID              int64 // 0 unless authenticated
	PendingTwoFAUserID  int64 // 0 unless awaiting a second factor
	PendingTwoFAStarted time.Time

	CreatedAt         time.Time
	LoginAt           time.Time
	LastActivityAt    time.Time
	LastRegeneratedAt time.Time

	// AuthRole snapshots the legacy role at login; a later mismatch forces
	// id regeneration.
	AuthRole string

	CSRFToken string

	// Client binding fingerprints.
	UAHash   string
	IPPrefix string

	// Captcha challenge state, managed by the ratelimit package's
	// Challenge type.
	CaptchaQuestion   string
	CaptchaAnswerHash string
	CaptchaExpiresAt  time.Time
	CaptchaMisses     int

	// StagedTOTPSecret holds an enrollment secret that has not yet been
	// proven by a successful code. Never persisted to the user row until
	// confirmed.
	StagedTOTPSecret string
}

// StateAt classifies the session, treating an elapsed pending window as
// anonymous.
func (s *Session) StateAt(now time.Time, pendingWindow time.Duration) State {
	switch {
	case s.UserID != 0:
		return StateAuthenticated
	case s.PendingTwoFAUserID != 0:
		if now.Sub(s.PendingTwoFAStarted) > pendingWindow {
			return StateAnonymous
		}
		return StatePendingTwoFactor
	default:
		return StateAnonymous
	}
}

// ErrNoSession is returned by Store.Get for an unknown or deleted id.
var ErrNoSession = errors.New("session: not found")

// Store persists sessions. Rekey atomically moves a row to a fresh id so a
// concurrent request holding the old id loses, never duplicates.
type Store interface {
	Get(ctx context.Context, id string) (*Session, error)
	Save(ctx context.Context, s *Session) error
	Rekey(ctx context.Context, oldID, newID string) error
	Delete(ctx context.Context, id string) error
	// DeleteIdleSince purges rows whose last activity predates cutoff.
	DeleteIdleSince(ctx context.Context, cutoff time.Time) (int64, error)
}
