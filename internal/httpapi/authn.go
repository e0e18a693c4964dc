package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"workdesk.org/internal/access"
	"workdesk.org/internal/session"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
	csrfHeader = "X-CSRF-Token"
)

var publicPaths = []string{
	"/metrics",
	"/healthz",
	"/readyz",
}

type ctxKeySession struct{}

func contextWithSession(ctx context.Context, s *session.Session) context.Context {
	return context.WithValue(ctx, ctxKeySession{}, s)
}

func sessionFromContext(ctx context.Context) (*session.Session, bool) {
	s, ok := ctx.Value(ctxKeySession{}).(*session.Session)
	return s, ok
}

// withSession authenticates every non-public request. Bearer-token requests
// bypass the cookie machinery entirely; everything else gets a session
// established, validated and, when authenticated, a freshly resolved
// principal plus CSRF enforcement on mutating methods.
func (a *API) withSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		a.maybeSweep(r.Context())

		if header := r.Header.Get(authHeader); header != "" {
			a.serveWithToken(next, w, r, header)
			return
		}

		// Token exchange is a machine endpoint: credentials in the body are
		// the proof of intent, no cookie session is involved.
		if r.URL.Path == "/v1/auth/token" {
			next.ServeHTTP(w, r)
			return
		}

		sess, err := a.Guard.Establish(r.Context(), w, r)
		if err != nil {
			a.Log.Error("session establish failed", zap.Error(err))
			writeError(w, r, http.StatusInternalServerError, "internal error")
			return
		}

		if err := a.Guard.Validate(r.Context(), w, r, sess); err != nil {
			// Session destroyed; proceed anonymously. The handler decides
			// whether anonymity is acceptable.
			if errors.Is(err, session.ErrBindingMismatch) || errors.Is(err, session.ErrSessionExpired) {
				next.ServeHTTP(w, r.WithContext(contextWithSession(r.Context(), sess)))
				return
			}
			a.Log.Error("session validate failed", zap.Error(err))
			writeError(w, r, http.StatusInternalServerError, "internal error")
			return
		}

		ctx := contextWithSession(r.Context(), sess)
		if sess.UserID != 0 {
			principal, err := a.Resolver.Resolve(ctx, sess.UserID)
			if err != nil {
				// Fail closed: destroy nothing, grant nothing.
				handleAccessError(w, r, errClosedResolution(err))
				return
			}
			if err := a.Guard.RefreshRole(ctx, w, sess, principal.LegacyRole); err != nil {
				a.Log.Error("session role refresh failed", zap.Error(err))
				writeError(w, r, http.StatusInternalServerError, "internal error")
				return
			}
			ctx = access.ContextWithPrincipal(ctx, principal)
		}

		if isMutating(r.Method) {
			if err := a.Guard.VerifyCSRF(sess, r.Header.Get(csrfHeader)); err != nil {
				handleAccessError(w, r, err)
				return
			}
		}

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// serveWithToken authenticates a service API token and resolves its
// principal. No session, no CSRF: the token is the proof of intent.
func (a *API) serveWithToken(next http.Handler, w http.ResponseWriter, r *http.Request, header string) {
	if a.Tokens == nil {
		handleAccessError(w, r, access.ErrInvalidToken)
		return
	}
	raw, err := extractBearerToken(header)
	if err != nil {
		handleAccessError(w, r, access.ErrInvalidToken)
		return
	}
	claims, err := a.Tokens.Parse(raw)
	if err != nil {
		handleAccessError(w, r, access.ErrInvalidToken)
		return
	}
	userID, err := claims.UserID()
	if err != nil {
		handleAccessError(w, r, access.ErrInvalidToken)
		return
	}
	principal, err := a.Resolver.Resolve(r.Context(), userID)
	if err != nil {
		handleAccessError(w, r, errClosedResolution(err))
		return
	}
	next.ServeHTTP(w, r.WithContext(access.ContextWithPrincipal(r.Context(), principal)))
}

// errClosedResolution collapses resolution failures into deny-shaped errors.
func errClosedResolution(err error) error {
	if errors.Is(err, access.ErrNotFound) || errors.Is(err, access.ErrForbidden) {
		return access.ErrForbidden
	}
	return err
}

// requireSession pulls the request session; absence is a programming error
// on a route that should have gone through withSession.
func (a *API) requireSession(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	sess, ok := sessionFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return nil, false
	}
	return sess, true
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}

func isMutating(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return false
	}
	return true
}
