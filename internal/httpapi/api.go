// Package httpapi is the HTTP surface over the defense core: authentication
// flows, session-backed authorization, the sample project resource and the
// admin audit endpoints.
package httpapi

import (
	"context"
	"database/sql"
	"math/rand"
	"net/http"
	"time"

	"go.uber.org/zap"

	"workdesk.org/internal/access"
	"workdesk.org/internal/config"
	"workdesk.org/internal/fieldcrypt"
	"workdesk.org/internal/obs"
	"workdesk.org/internal/ratelimit"
	"workdesk.org/internal/seclog"
	"workdesk.org/internal/session"
)

// Encryption contexts for the fields this layer touches.
const (
	ctxUserTOTPSecret = "users.totp_secret"
	ctxUserPhone      = "users.phone"
	ctxProjectNotes   = "projects.notes"
	ctxStagedTOTP     = "sessions.staged_totp"
)

// UserStore extends principal resolution with the account operations the
// handlers need.
type UserStore interface {
	access.Store
	FindUserByEmail(ctx context.Context, email string) (*access.User, error)
	FindUserInTenant(ctx context.Context, tenantID, userID int64) (*access.User, error)
	SetLegacyRole(ctx context.Context, tenantID, userID int64, role string) error
	SetUserStatus(ctx context.Context, tenantID, userID int64, status string) error
	CommitTOTPSecret(ctx context.Context, userID int64, envelope string) error
	DisableTOTP(ctx context.Context, userID int64) error
}

// ProjectStore extends the guard's lookup with the mutation handlers use.
type ProjectStore interface {
	access.ProjectStore
	UpdateProjectNotes(ctx context.Context, tenantID, projectID int64, envelope string) error
}

// ReadyProbe reports whether the process can serve traffic.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// Deps wires the API; every field except Tokens is required.
type Deps struct {
	Cfg      *config.Config
	Log      *zap.Logger
	Users    UserStore
	Projects ProjectStore
	Resolver *access.Resolver
	Guard    *session.Guard
	Limiter  *ratelimit.Limiter
	Events   *seclog.Log
	Cipher   *fieldcrypt.Cipher
	Tokens   *access.TokenIssuer
	Probe    ReadyProbe
	Version  string
}

// API is the HTTP layer.
type API struct {
	mux *http.ServeMux
	Deps

	randF func() float64
}

func New(d Deps) *API {
	a := &API{
		mux:   http.NewServeMux(),
		Deps:  d,
		randF: rand.Float64,
	}

	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/v1/auth/login", a.handleLogin)
	a.mux.HandleFunc("/v1/auth/2fa", a.handleTwoFactor)
	a.mux.HandleFunc("/v1/auth/logout", a.handleLogout)
	a.mux.HandleFunc("/v1/auth/csrf", a.handleCSRF)
	a.mux.HandleFunc("/v1/auth/captcha", a.handleCaptcha)
	a.mux.HandleFunc("/v1/auth/token", a.handleToken)

	a.mux.HandleFunc("/v1/me", a.handleMe)

	a.mux.HandleFunc("/v1/totp/enroll", a.handleTOTPEnroll)
	a.mux.HandleFunc("/v1/totp/confirm", a.handleTOTPConfirm)
	a.mux.HandleFunc("/v1/totp/disable", a.handleTOTPDisable)

	a.mux.HandleFunc("/v1/projects/", a.handleProjectScoped)

	a.mux.HandleFunc("/v1/admin/users/", a.handleAdminUserScoped)
	a.mux.HandleFunc("/v1/admin/audit/verify", a.handleAuditVerify)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler assembles the middleware chain around the mux.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withSession(h)
	h = RateLimit(h, 20, 10)
	h = MaxBodyBytes(h, 1<<20)
	h = SecurityHeaders(h, a.Cfg.EnforceHTTPS)
	h = LoggingJSON(h, a.Log)
	h = RequestID(h)
	return obs.Instrument(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "workdesk-api",
		"version": a.Version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.Probe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "workdesk-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.Version,
	})
}

// maybeSweep opportunistically purges expired sessions and aged security
// events from a normal request path; there is no scheduler.
func (a *API) maybeSweep(ctx context.Context) {
	if a.Cfg.SweepProbability <= 0 || a.randF() >= a.Cfg.SweepProbability {
		return
	}
	if _, err := a.Guard.Sweep(ctx); err != nil {
		a.Log.Warn("session sweep failed", zap.Error(err))
	}
	if _, err := a.Events.Sweep(ctx, 180*24*time.Hour); err != nil {
		a.Log.Warn("event sweep failed", zap.Error(err))
	}
}
