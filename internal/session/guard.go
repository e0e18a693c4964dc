package session

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"time"

	"workdesk.org/internal/config"
	"workdesk.org/internal/netutil"
	"workdesk.org/internal/obs"
	"workdesk.org/internal/ratelimit"
	"workdesk.org/internal/seclog"
)

// Validation failures. All of them mean the caller must treat the request as
// anonymous; the guard has already destroyed or demoted the session.
var (
	ErrSessionExpired  = errors.New("session: expired")
	ErrBindingMismatch = errors.New("session: client binding mismatch")
	ErrCSRF            = errors.New("session: csrf token mismatch")
)

// Guard owns the session lifecycle. Its only side effects are session-store
// writes and cookie issuance/clearing.
type Guard struct {
	store  Store
	events *seclog.Log
	cfg    *config.Config

	now   func() time.Time
	newID func() string
}

// NewGuard builds a Guard. events may be nil.
func NewGuard(store Store, events *seclog.Log, cfg *config.Config) *Guard {
	return &Guard{store: store, events: events, cfg: cfg, now: time.Now, newID: randomID}
}

// Establish loads the request's session or creates a fresh anonymous one.
// Fresh sessions are persisted immediately so the CSRF token survives into
// the next request.
func (g *Guard) Establish(ctx context.Context, w http.ResponseWriter, r *http.Request) (*Session, error) {
	if c, err := r.Cookie(g.cfg.CookieName); err == nil && c.Value != "" {
		s, err := g.store.Get(ctx, c.Value)
		if err == nil {
			return s, nil
		}
		if !errors.Is(err, ErrNoSession) {
			return nil, fmt.Errorf("session: load: %w", err)
		}
	}

	now := g.now()
	s := &Session{
		ID:                g.newID(),
		CreatedAt:         now,
		LastActivityAt:    now,
		LastRegeneratedAt: now,
		CSRFToken:         randomID(),
	}
	g.bindClient(s, r)
	if err := g.store.Save(ctx, s); err != nil {
		return nil, fmt.Errorf("session: create: %w", err)
	}
	g.setCookie(w, s.ID)
	return s, nil
}

// Begin transitions to authenticated: fresh id, wiped state, new CSRF token,
// client binding. The only path into the authenticated state.
func (g *Guard) Begin(ctx context.Context, w http.ResponseWriter, r *http.Request, s *Session, userID int64, role string) error {
	now := g.now()
	oldID := s.ID
	*s = Session{
		ID:                g.newID(),
		UserID:            userID,
		AuthRole:          role,
		CreatedAt:         now,
		LoginAt:           now,
		LastActivityAt:    now,
		LastRegeneratedAt: now,
		CSRFToken:         randomID(),
	}
	g.bindClient(s, r)
	if err := g.replace(ctx, oldID, s); err != nil {
		return err
	}
	g.setCookie(w, s.ID)
	g.logSession(ctx, userID, "login", s)
	return nil
}

// BeginPending parks valid credentials behind a second factor. The window is
// fixed; an elapsed pending session reads as anonymous.
func (g *Guard) BeginPending(ctx context.Context, w http.ResponseWriter, r *http.Request, s *Session, userID int64) error {
	now := g.now()
	oldID := s.ID
	*s = Session{
		ID:                  g.newID(),
		PendingTwoFAUserID:  userID,
		PendingTwoFAStarted: now,
		CreatedAt:           now,
		LastActivityAt:      now,
		LastRegeneratedAt:   now,
		CSRFToken:           randomID(),
	}
	g.bindClient(s, r)
	if err := g.replace(ctx, oldID, s); err != nil {
		return err
	}
	g.setCookie(w, s.ID)
	return nil
}

// Promote completes the second factor. Fails if the pending window elapsed.
func (g *Guard) Promote(ctx context.Context, w http.ResponseWriter, r *http.Request, s *Session, role string) error {
	now := g.now()
	if s.StateAt(now, g.cfg.PendingTwoFactorWindow) != StatePendingTwoFactor {
		return ErrSessionExpired
	}
	userID := s.PendingTwoFAUserID
	return g.Begin(ctx, w, r, s, userID, role)
}

// Validate runs the per-request checks on an authenticated session: client
// binding, absolute and idle timeouts, activity refresh and periodic id
// rotation. On failure the session is destroyed and the caller must treat
// the request as anonymous.
func (g *Guard) Validate(ctx context.Context, w http.ResponseWriter, r *http.Request, s *Session) error {
	now := g.now()
	if s.StateAt(now, g.cfg.PendingTwoFactorWindow) != StateAuthenticated {
		return nil
	}

	if !g.bindingMatches(s, r) {
		g.destroy(ctx, w, s, "fingerprint")
		return ErrBindingMismatch
	}
	if now.Sub(s.LoginAt) > g.cfg.SessionAbsoluteTimeout {
		g.destroy(ctx, w, s, "absolute")
		return ErrSessionExpired
	}
	if now.Sub(s.LastActivityAt) > g.cfg.SessionIdleTimeout {
		g.destroy(ctx, w, s, "idle")
		return ErrSessionExpired
	}

	s.LastActivityAt = now
	if now.Sub(s.LastRegeneratedAt) > g.cfg.SessionRegenerateEvery {
		return g.regenerate(ctx, w, s)
	}
	return g.store.Save(ctx, s)
}

// RefreshRole compares the freshly resolved role against the login-time
// snapshot. A mismatch rotates the session id immediately but keeps the
// login alive.
func (g *Guard) RefreshRole(ctx context.Context, w http.ResponseWriter, s *Session, role string) error {
	if s.UserID == 0 || s.AuthRole == role {
		return nil
	}
	g.logSession(ctx, s.UserID, "role_changed_rotation", s)
	s.AuthRole = role
	return g.regenerate(ctx, w, s)
}

// Logout destroys the session and clears the cookie.
func (g *Guard) Logout(ctx context.Context, w http.ResponseWriter, s *Session) {
	g.destroy(ctx, w, s, "logout")
}

// VerifyCSRF checks a submitted token against the session's in constant time.
func (g *Guard) VerifyCSRF(s *Session, token string) error {
	if token == "" || s.CSRFToken == "" ||
		subtle.ConstantTimeCompare([]byte(token), []byte(s.CSRFToken)) != 1 {
		return ErrCSRF
	}
	return nil
}

// AttachChallenge stores a captcha challenge on the session.
func AttachChallenge(s *Session, c ratelimit.Challenge) {
	s.CaptchaQuestion = c.Question
	s.CaptchaAnswerHash = c.AnswerHash
	s.CaptchaExpiresAt = c.ExpiresAt
	s.CaptchaMisses = 0
}

// ChallengeFrom rebuilds the session's captcha challenge. The second return
// is false when none is attached.
func ChallengeFrom(s *Session) (ratelimit.Challenge, bool) {
	if s.CaptchaAnswerHash == "" {
		return ratelimit.Challenge{}, false
	}
	return ratelimit.Challenge{
		Question:   s.CaptchaQuestion,
		AnswerHash: s.CaptchaAnswerHash,
		ExpiresAt:  s.CaptchaExpiresAt,
		Misses:     s.CaptchaMisses,
	}, true
}

// ClearChallenge removes captcha state after a solve or regeneration.
func ClearChallenge(s *Session) {
	s.CaptchaQuestion = ""
	s.CaptchaAnswerHash = ""
	s.CaptchaExpiresAt = time.Time{}
	s.CaptchaMisses = 0
}

// Persist writes session mutations made outside the guard's own transitions,
// such as captcha state staged by a handler.
func (g *Guard) Persist(ctx context.Context, s *Session) error {
	return g.store.Save(ctx, s)
}

// Sweep purges sessions idle past the idle timeout. Opportunistic, not
// scheduled.
func (g *Guard) Sweep(ctx context.Context) (int64, error) {
	return g.store.DeleteIdleSince(ctx, g.now().Add(-g.cfg.SessionIdleTimeout))
}

func (g *Guard) regenerate(ctx context.Context, w http.ResponseWriter, s *Session) error {
	oldID := s.ID
	s.ID = g.newID()
	s.LastRegeneratedAt = g.now()
	if err := g.replace(ctx, oldID, s); err != nil {
		return err
	}
	g.setCookie(w, s.ID)
	return nil
}

// replace persists the session under its new id and retires the old one.
func (g *Guard) replace(ctx context.Context, oldID string, s *Session) error {
	if err := g.store.Rekey(ctx, oldID, s.ID); err != nil && !errors.Is(err, ErrNoSession) {
		return fmt.Errorf("session: rekey: %w", err)
	}
	if err := g.store.Save(ctx, s); err != nil {
		return fmt.Errorf("session: save: %w", err)
	}
	return nil
}

func (g *Guard) destroy(ctx context.Context, w http.ResponseWriter, s *Session, reason string) {
	obs.SessionsDestroyedTotal.WithLabelValues(reason).Inc()
	g.logSession(ctx, s.UserID, "destroyed_"+reason, s)
	// Best effort: a failed delete still leaves the client without the id.
	_ = g.store.Delete(ctx, s.ID)
	*s = Session{}
	g.clearCookie(w)
}

func (g *Guard) bindClient(s *Session, r *http.Request) {
	s.UAHash = hashUA(r.UserAgent())
	if g.cfg.BindIPPrefix {
		s.IPPrefix = netutil.Prefix(netutil.ClientIP(r, g.cfg.TrustedProxies))
	}
}

func (g *Guard) bindingMatches(s *Session, r *http.Request) bool {
	if s.UAHash != hashUA(r.UserAgent()) {
		return false
	}
	if g.cfg.BindIPPrefix && s.IPPrefix != "" {
		if s.IPPrefix != netutil.Prefix(netutil.ClientIP(r, g.cfg.TrustedProxies)) {
			return false
		}
	}
	return true
}

func (g *Guard) setCookie(w http.ResponseWriter, id string) {
	http.SetCookie(w, &http.Cookie{
		Name:     g.cfg.CookieName,
		Value:    id,
		Path:     "/",
		Domain:   g.cfg.CookieDomain,
		Secure:   g.cfg.CookieSecure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

func (g *Guard) clearCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     g.cfg.CookieName,
		Value:    "",
		Path:     "/",
		Domain:   g.cfg.CookieDomain,
		Secure:   g.cfg.CookieSecure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
}

func (g *Guard) logSession(ctx context.Context, userID int64, action string, s *Session) {
	if g.events == nil {
		return
	}
	_ = g.events.LogEvent(ctx, seclog.Event{
		EventType:   seclog.TypeSession,
		Action:      action,
		ActorUserID: userID,
		IP:          s.IPPrefix,
	})
}

func hashUA(ua string) string {
	sum := sha256.Sum256([]byte(ua))
	return hex.EncodeToString(sum[:])
}

// randomID returns 32 bytes of entropy, hex-encoded. Used for both session
// ids and CSRF tokens.
func randomID() string {
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(fmt.Sprintf("session: entropy unavailable: %v", err))
	}
	return hex.EncodeToString(b[:])
}
