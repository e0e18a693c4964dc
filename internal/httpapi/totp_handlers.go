package httpapi

import (
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"workdesk.org/internal/access"
	"workdesk.org/internal/netutil"
	"workdesk.org/internal/seclog"
	"workdesk.org/internal/session"
	"workdesk.org/internal/totp"
)

type totpCodeRequest struct {
	Code string `json:"code"`
}

// handleTOTPEnroll stages a fresh secret on the session. Nothing touches the
// user row until the owner proves the authenticator produces valid codes,
// otherwise a mistyped secret would lock the account out of its own 2FA.
func (a *API) handleTOTPEnroll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	user, sess, ok := a.requireSelf(w, r)
	if !ok {
		return
	}
	secret, err := totp.GenerateSecret()
	if err != nil {
		a.Log.Error("totp secret generation failed", zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	envelope, err := a.Cipher.Store(secret, ctxStagedTOTP)
	if err != nil {
		a.Log.Error("totp secret staging failed", zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	sess.StagedTOTPSecret = envelope
	if err := a.Guard.Persist(r.Context(), sess); err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"secret": secret,
		"uri":    totp.BuildURI(a.Cfg.TokenIssuer, user.Email, secret),
	})
}

// handleTOTPConfirm commits the staged secret once one real code verifies.
func (a *API) handleTOTPConfirm(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	user, sess, ok := a.requireSelf(w, r)
	if !ok {
		return
	}
	if sess.StagedTOTPSecret == "" {
		writeError(w, r, http.StatusConflict, "no enrollment in progress")
		return
	}
	var req totpCodeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	secret, err := a.Cipher.Read(sess.StagedTOTPSecret, ctxStagedTOTP)
	if err != nil {
		a.Log.Error("staged totp secret unreadable", zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	okCode, err := totp.Verify(secret, strings.TrimSpace(req.Code), time.Now(), totp.DefaultSkew)
	if err != nil || !okCode {
		writeError(w, r, http.StatusUnauthorized, "invalid code")
		return
	}

	envelope, err := a.Cipher.Store(secret, ctxUserTOTPSecret)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	if err := a.Users.CommitTOTPSecret(r.Context(), user.ID, envelope); err != nil {
		handleAccessError(w, r, err)
		return
	}
	sess.StagedTOTPSecret = ""
	if err := a.Guard.Persist(r.Context(), sess); err != nil {
		a.Log.Warn("staged secret cleanup failed", zap.Error(err))
	}
	_ = a.Events.LogEvent(r.Context(), seclog.Event{
		EventType:   seclog.TypeCrypto,
		Action:      "totp_enrolled",
		Subject:     user.Email,
		ActorUserID: user.ID,
		TenantID:    user.TenantID,
		IP:          netutil.ClientIP(r, a.Cfg.TrustedProxies),
	})
	writeJSON(w, http.StatusOK, map[string]any{"status": "enrolled"})
}

// handleTOTPDisable turns the second factor off after a final valid code.
func (a *API) handleTOTPDisable(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	user, _, ok := a.requireSelf(w, r)
	if !ok {
		return
	}
	if !user.TOTPEnabled {
		writeError(w, r, http.StatusConflict, "2fa is not enabled")
		return
	}
	var req totpCodeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
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
		writeError(w, r, http.StatusUnauthorized, "invalid code")
		return
	}
	if err := a.Users.DisableTOTP(r.Context(), user.ID); err != nil {
		handleAccessError(w, r, err)
		return
	}
	_ = a.Events.LogEvent(r.Context(), seclog.Event{
		EventType:   seclog.TypeCrypto,
		Action:      "totp_disabled",
		Subject:     user.Email,
		ActorUserID: user.ID,
		TenantID:    user.TenantID,
		IP:          netutil.ClientIP(r, a.Cfg.TrustedProxies),
	})
	writeJSON(w, http.StatusOK, map[string]any{"status": "disabled"})
}

// requireSelf resolves the authenticated principal and loads its user row
// and session. The enrollment endpoints only ever act on the caller's own
// account.
func (a *API) requireSelf(w http.ResponseWriter, r *http.Request) (*access.User, *session.Session, bool) {
	principal, ok := access.PrincipalFromContext(r.Context())
	if !ok {
		handleAccessError(w, r, access.ErrAuthenticationRequired)
		return nil, nil, false
	}
	sess, ok := a.requireSession(w, r)
	if !ok {
		return nil, nil, false
	}
	user, err := a.Users.FindUser(r.Context(), principal.UserID)
	if err != nil {
		handleAccessError(w, r, err)
		return nil, nil, false
	}
	return user, sess, true
}
