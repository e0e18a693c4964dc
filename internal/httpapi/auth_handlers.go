package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"workdesk.org/internal/access"
	"workdesk.org/internal/netutil"
	"workdesk.org/internal/obs"
	"workdesk.org/internal/ratelimit"
	"workdesk.org/internal/seclog"
	"workdesk.org/internal/session"
	"workdesk.org/internal/totp"
)

type loginRequest struct {
	Email         string `json:"email"`
	Password      string `json:"password"`
	CaptchaAnswer string `json:"captcha_answer"`
}

type twoFactorRequest struct {
	Code string `json:"code"`
}

// handleLogin is the credential gate: precheck the limiter, demand a captcha
// once the attempt count warrants one, verify credentials, then either open
// an authenticated session or park the login behind the second factor.
func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	sess, ok := a.requireSession(w, r)
	if !ok {
		return
	}
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if req.Email == "" || req.Password == "" {
		writeError(w, r, http.StatusBadRequest, "email and password are required")
		return
	}

	ctx := r.Context()
	ip := netutil.ClientIP(r, a.Cfg.TrustedProxies)
	keys := loginKeys(req.Email, ip)

	dec, err := a.Limiter.Precheck(ctx, ratelimit.ActionLogin, keys...)
	if err != nil {
		a.Log.Error("login precheck failed", zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	if dec.Blocked {
		writeBlocked(w, r, dec.RetryAfter)
		return
	}
	if dec.CaptchaRequired && !a.solveCaptcha(ctx, w, r, sess, req.CaptchaAnswer, keys, req.Email) {
		return
	}
	if err := a.Limiter.Throttle(ctx, dec.Delay); err != nil {
		return
	}

	user, err := a.Users.FindUserByEmail(ctx, req.Email)
	if err != nil && !errors.Is(err, access.ErrNotFound) {
		a.Log.Error("login lookup failed", zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	if user == nil || user.Status != access.UserStatusActive ||
		access.VerifyPassword(user.PasswordHash, req.Password) != nil {
		a.failLogin(ctx, keys, req.Email, ip)
		writeError(w, r, http.StatusUnauthorized, "invalid credentials")
		return
	}

	if err := a.Limiter.ClearAttempts(ctx, ratelimit.ActionLogin, keys...); err != nil {
		a.Log.Warn("clear attempts failed", zap.Error(err))
	}
	session.ClearChallenge(sess)

	if user.TOTPEnabled {
		if err := a.Guard.BeginPending(ctx, w, r, sess, user.ID); err != nil {
			a.Log.Error("pending session failed", zap.Error(err))
			writeError(w, r, http.StatusInternalServerError, "internal error")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "2fa_required"})
		return
	}

	a.completeLogin(ctx, w, r, sess, user, ip)
}

// handleTwoFactor finishes a pending login with a TOTP code. Codes are rate
// limited per user so the 6-digit space cannot be walked within the window.
func (a *API) handleTwoFactor(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	sess, ok := a.requireSession(w, r)
	if !ok {
		return
	}
	if sess.StateAt(time.Now(), a.Cfg.PendingTwoFactorWindow) != session.StatePendingTwoFactor {
		writeError(w, r, http.StatusUnauthorized, "no pending login")
		return
	}
	var req twoFactorRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	ctx := r.Context()
	ip := netutil.ClientIP(r, a.Cfg.TrustedProxies)
	keys := twoFactorKeys(sess.PendingTwoFAUserID, ip)

	dec, err := a.Limiter.Precheck(ctx, ratelimit.ActionLogin, keys...)
	if err != nil {
		a.Log.Error("2fa precheck failed", zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	if dec.Blocked {
		writeBlocked(w, r, dec.RetryAfter)
		return
	}
	if err := a.Limiter.Throttle(ctx, dec.Delay); err != nil {
		return
	}

	user, err := a.Users.FindUser(ctx, sess.PendingTwoFAUserID)
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, "invalid code")
		return
	}
	secret, err := a.Cipher.Read(user.TOTPSecret, ctxUserTOTPSecret)
	if err != nil {
		a.Log.Error("totp secret unreadable", zap.Int64("user_id", user.ID), zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	okCode, err := totp.Verify(secret, strings.TrimSpace(req.Code), time.Now(), totp.DefaultSkew)
	if err != nil || !okCode {
		subject := user.Email
		if _, rerr := a.Limiter.RegisterAttempt(ctx, ratelimit.ActionLogin, keys, subject, "bad 2fa code", true); rerr != nil {
			a.Log.Warn("register attempt failed", zap.Error(rerr))
		}
		obs.LoginsTotal.WithLabelValues("2fa_failed").Inc()
		writeError(w, r, http.StatusUnauthorized, "invalid code")
		return
	}

	if err := a.Limiter.ClearAttempts(ctx, ratelimit.ActionLogin, keys...); err != nil {
		a.Log.Warn("clear attempts failed", zap.Error(err))
	}
	if err := a.Guard.Promote(ctx, w, r, sess, user.LegacyRole); err != nil {
		if errors.Is(err, session.ErrSessionExpired) {
			writeError(w, r, http.StatusUnauthorized, "no pending login")
			return
		}
		a.Log.Error("session promote failed", zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	a.recordLogin(ctx, user, ip, "login_2fa_success")
	writeJSON(w, http.StatusOK, map[string]any{"status": "authenticated"})
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	sess, ok := a.requireSession(w, r)
	if !ok {
		return
	}
	a.Guard.Logout(r.Context(), w, sess)
	writeJSON(w, http.StatusOK, map[string]any{"status": "logged_out"})
}

// handleCSRF hands the session's token to the frontend; mutating requests
// echo it back in a header.
func (a *API) handleCSRF(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	sess, ok := a.requireSession(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"csrf_token": sess.CSRFToken})
}

// handleCaptcha returns the session's current challenge, issuing one if none
// is live.
func (a *API) handleCaptcha(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	sess, ok := a.requireSession(w, r)
	if !ok {
		return
	}
	ch, live := session.ChallengeFrom(sess)
	if !live || time.Now().After(ch.ExpiresAt) {
		ch = ratelimit.NewChallenge(time.Now(), a.Cfg.CaptchaTTL)
		session.AttachChallenge(sess, ch)
		if err := a.saveSession(r.Context(), sess); err != nil {
			writeError(w, r, http.StatusInternalServerError, "internal error")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"captcha": ch.Question})
}

// handleToken exchanges credentials for a service API token. Machine flow:
// no session, no second factor, same limiter policy as interactive login.
func (a *API) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if a.Tokens == nil {
		writeError(w, r, http.StatusServiceUnavailable, "token service unavailable")
		return
	}
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))

	ctx := r.Context()
	ip := netutil.ClientIP(r, a.Cfg.TrustedProxies)
	keys := loginKeys(req.Email, ip)

	dec, err := a.Limiter.Precheck(ctx, ratelimit.ActionLogin, keys...)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	if dec.Blocked {
		writeBlocked(w, r, dec.RetryAfter)
		return
	}
	if err := a.Limiter.Throttle(ctx, dec.Delay); err != nil {
		return
	}

	user, err := a.Users.FindUserByEmail(ctx, req.Email)
	if err != nil && !errors.Is(err, access.ErrNotFound) {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	if user == nil || user.Status != access.UserStatusActive ||
		access.VerifyPassword(user.PasswordHash, req.Password) != nil {
		a.failLogin(ctx, keys, req.Email, ip)
		writeError(w, r, http.StatusUnauthorized, "invalid credentials")
		return
	}
	if err := a.Limiter.ClearAttempts(ctx, ratelimit.ActionLogin, keys...); err != nil {
		a.Log.Warn("clear attempts failed", zap.Error(err))
	}

	token, err := a.Tokens.Generate(user.ID, user.TenantID, time.Hour)
	if err != nil {
		a.Log.Error("token generate failed", zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	a.recordLogin(ctx, user, ip, "token_issued")
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": token,
		"token_type":   "Bearer",
		"expires_in":   3600,
	})
}

// handleMe reports the resolved principal.
func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	principal, ok := access.PrincipalFromContext(r.Context())
	if !ok {
		handleAccessError(w, r, access.ErrAuthenticationRequired)
		return
	}
	roles := make([]string, 0, len(principal.Roles))
	for k := range principal.Roles {
		roles = append(roles, k)
	}
	perms := make([]string, 0, len(principal.Permissions))
	for k := range principal.Permissions {
		perms = append(perms, k)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":     principal.UserID,
		"tenant_id":   principal.TenantID,
		"legacy_role": principal.LegacyRole,
		"roles":       roles,
		"permissions": perms,
	})
}

// solveCaptcha enforces the challenge gate. Returns true when the caller may
// proceed; otherwise the response has been written. A captcha miss is itself
// a registered failure, so guessing answers burns the same budget.
func (a *API) solveCaptcha(ctx context.Context, w http.ResponseWriter, r *http.Request, sess *session.Session, answer string, keys []string, subject string) bool {
	ch, live := session.ChallengeFrom(sess)
	now := time.Now()
	if !live || now.After(ch.ExpiresAt) {
		ch = ratelimit.NewChallenge(now, a.Cfg.CaptchaTTL)
		session.AttachChallenge(sess, ch)
		_ = a.saveSession(ctx, sess)
		writeCaptchaRequired(w, ch.Question)
		return false
	}
	if answer == "" {
		writeCaptchaRequired(w, ch.Question)
		return false
	}
	if ch.Verify(answer, now) {
		session.ClearChallenge(sess)
		_ = a.saveSession(ctx, sess)
		return true
	}

	if _, err := a.Limiter.RegisterAttempt(ctx, ratelimit.ActionLogin, keys, subject, "captcha failed", true); err != nil {
		a.Log.Warn("register attempt failed", zap.Error(err))
	}
	if ch.Exhausted(a.Cfg.CaptchaMaxMisses) {
		ch = ratelimit.NewChallenge(now, a.Cfg.CaptchaTTL)
	}
	session.AttachChallenge(sess, ch)
	sess.CaptchaMisses = ch.Misses
	_ = a.saveSession(ctx, sess)
	writeCaptchaRequired(w, ch.Question)
	return false
}

func (a *API) completeLogin(ctx context.Context, w http.ResponseWriter, r *http.Request, sess *session.Session, user *access.User, ip string) {
	if err := a.Guard.Begin(ctx, w, r, sess, user.ID, user.LegacyRole); err != nil {
		a.Log.Error("session begin failed", zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	a.recordLogin(ctx, user, ip, "login_success")
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "authenticated",
		"user_id": user.ID,
	})
}

func (a *API) failLogin(ctx context.Context, keys []string, email, ip string) {
	if _, err := a.Limiter.RegisterAttempt(ctx, ratelimit.ActionLogin, keys, email, "bad credentials", true); err != nil {
		a.Log.Warn("register attempt failed", zap.Error(err))
	}
	obs.LoginsTotal.WithLabelValues("failure").Inc()
	_ = a.Events.LogEvent(ctx, seclog.Event{
		EventType: seclog.TypeAuth,
		Action:    "login_failed",
		Subject:   email,
		IP:        ip,
	})
}

func (a *API) recordLogin(ctx context.Context, user *access.User, ip, action string) {
	obs.LoginsTotal.WithLabelValues("success").Inc()
	_ = a.Events.LogEvent(ctx, seclog.Event{
		EventType:   seclog.TypeAuth,
		Action:      action,
		Subject:     user.Email,
		IP:          ip,
		ActorUserID: user.ID,
		TenantID:    user.TenantID,
	})
}

func (a *API) saveSession(ctx context.Context, sess *session.Session) error {
	return a.Guard.Persist(ctx, sess)
}

func loginKeys(email, ip string) []string {
	keys := []string{"login:email:" + email}
	if prefix := netutil.Prefix(ip); prefix != "" {
		keys = append(keys, "login:ip:"+prefix)
	}
	return keys
}

func twoFactorKeys(userID int64, ip string) []string {
	keys := []string{"2fa:user:" + strconv.FormatInt(userID, 10)}
	if prefix := netutil.Prefix(ip); prefix != "" {
		keys = append(keys, "2fa:ip:"+prefix)
	}
	return keys
}
