package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"workdesk.org/internal/access"
	"workdesk.org/internal/obs"
	"workdesk.org/internal/session"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

// handleAccessError maps the access error taxonomy onto status codes. The
// body never distinguishes a cross-tenant record from a missing one, and a
// 403 never names the missing permission.
func handleAccessError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, access.ErrAuthenticationRequired):
		obs.AuthDenialsTotal.WithLabelValues("unauthenticated").Inc()
		writeError(w, r, http.StatusUnauthorized, "authentication required")
	case errors.Is(err, access.ErrInvalidToken):
		obs.AuthDenialsTotal.WithLabelValues("unauthenticated").Inc()
		writeError(w, r, http.StatusUnauthorized, "invalid token")
	case errors.Is(err, access.ErrForbidden), errors.Is(err, session.ErrCSRF):
		obs.AuthDenialsTotal.WithLabelValues("forbidden").Inc()
		writeError(w, r, http.StatusForbidden, "forbidden")
	case errors.Is(err, access.ErrNotFound):
		obs.AuthDenialsTotal.WithLabelValues("not_found").Inc()
		writeError(w, r, http.StatusNotFound, "resource not found")
	case errors.Is(err, access.ErrConflict):
		writeError(w, r, http.StatusConflict, "conflict")
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

// writeBlocked renders an active rate limit lock. Retry-After carries the
// exact remaining seconds; clients must surface it verbatim.
func writeBlocked(w http.ResponseWriter, r *http.Request, retryAfter int) {
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	payload := map[string]any{
		"error":       "too many attempts",
		"retry_after": retryAfter,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, http.StatusTooManyRequests, payload)
}

// writeCaptchaRequired demands a solved challenge before the action runs.
func writeCaptchaRequired(w http.ResponseWriter, question string) {
	writeJSON(w, http.StatusPreconditionRequired, map[string]any{
		"error":   "captcha required",
		"captcha": question,
	})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// pathID parses the trailing numeric id from a prefix-routed path like
// /v1/projects/42 or /v1/admin/users/42/role.
func pathParts(path, prefix string) []string {
	rest := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	if rest == "" {
		return nil
	}
	return strings.Split(rest, "/")
}

func parseID(raw string) (int64, bool) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}
