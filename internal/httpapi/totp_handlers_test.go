package httpapi

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"workdesk.org/internal/access"
	"workdesk.org/internal/totp"
)

func TestTOTPEnrollmentStagesThenCommits(t *testing.T) {
	env, c := newTestEnv(t)
	user := env.addUser(t, 1, 1, "alice@example.com", "s3cret-pass", access.RoleClient)

	resp := c.login("alice@example.com", "s3cret-pass")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login: status %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = c.post("/v1/totp/enroll", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("enroll: status %d", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	secret, _ := body["secret"].(string)
	if secret == "" {
		t.Fatal("enroll returned no secret")
	}
	uri, _ := body["uri"].(string)
	if !strings.HasPrefix(uri, "otpauth://totp/") {
		t.Fatalf("uri = %q", uri)
	}

	// Staging must not touch the user row.
	env.users.mu.Lock()
	enabled := env.users.users[user.ID].TOTPEnabled
	env.users.mu.Unlock()
	if enabled {
		t.Fatal("2fa enabled before confirmation")
	}

	code, err := totp.CodeAt(secret, time.Now())
	if err != nil {
		t.Fatalf("code: %v", err)
	}
	resp = c.post("/v1/totp/confirm", map[string]string{"code": code}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("confirm: status %d", resp.StatusCode)
	}
	resp.Body.Close()

	env.users.mu.Lock()
	stored := env.users.users[user.ID]
	enabled = stored.TOTPEnabled
	envelope := stored.TOTPSecret
	env.users.mu.Unlock()
	if !enabled {
		t.Fatal("2fa not enabled after confirmation")
	}
	if envelope == secret || !strings.HasPrefix(envelope, "encv2:") {
		t.Fatalf("committed secret not enveloped: %q", envelope)
	}
	if plain, err := env.cipher.Read(envelope, ctxUserTOTPSecret); err != nil || plain != secret {
		t.Fatalf("committed secret round-trip: %q, %v", plain, err)
	}
	if !containsAction(env.events.actions(), "totp_enrolled") {
		t.Fatalf("no totp_enrolled event, got %v", env.events.actions())
	}
}

func TestTOTPConfirmRejectsBadCodeAndKeepsStage(t *testing.T) {
	env, c := newTestEnv(t)
	user := env.addUser(t, 1, 1, "alice@example.com", "s3cret-pass", access.RoleClient)

	resp := c.login("alice@example.com", "s3cret-pass")
	resp.Body.Close()

	resp = c.post("/v1/totp/enroll", nil, nil)
	decodeBody(t, resp)

	resp = c.post("/v1/totp/confirm", map[string]string{"code": "000000"}, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad code: status %d", resp.StatusCode)
	}
	resp.Body.Close()

	env.users.mu.Lock()
	enabled := env.users.users[user.ID].TOTPEnabled
	env.users.mu.Unlock()
	if enabled {
		t.Fatal("2fa enabled despite failed confirmation")
	}
}

func TestTOTPConfirmWithoutEnrollmentConflicts(t *testing.T) {
	env, c := newTestEnv(t)
	env.addUser(t, 1, 1, "alice@example.com", "s3cret-pass", access.RoleClient)

	resp := c.login("alice@example.com", "s3cret-pass")
	resp.Body.Close()

	resp = c.post("/v1/totp/confirm", map[string]string{"code": "123456"}, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("confirm without stage: status %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestTOTPDisableRequiresValidCode(t *testing.T) {
	env, c := newTestEnv(t)
	user := env.addUser(t, 1, 1, "alice@example.com", "s3cret-pass", access.RoleClient)

	secret, err := totp.GenerateSecret()
	if err != nil {
		t.Fatalf("secret: %v", err)
	}
	envelope, err := env.cipher.Store(secret, ctxUserTOTPSecret)
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	env.users.mu.Lock()
	env.users.users[user.ID].TOTPSecret = envelope
	env.users.users[user.ID].TOTPEnabled = true
	env.users.mu.Unlock()

	resp := c.login("alice@example.com", "s3cret-pass")
	decodeBody(t, resp)
	code, err := totp.CodeAt(secret, time.Now())
	if err != nil {
		t.Fatalf("code: %v", err)
	}
	resp = c.post("/v1/auth/2fa", map[string]string{"code": code}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("2fa: status %d", resp.StatusCode)
	}
	resp.Body.Close()
	c.fetchCSRF()

	resp = c.post("/v1/totp/disable", map[string]string{"code": "000000"}, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("disable with bad code: status %d", resp.StatusCode)
	}
	resp.Body.Close()

	code, err = totp.CodeAt(secret, time.Now())
	if err != nil {
		t.Fatalf("code: %v", err)
	}
	resp = c.post("/v1/totp/disable", map[string]string{"code": code}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("disable: status %d", resp.StatusCode)
	}
	resp.Body.Close()

	env.users.mu.Lock()
	enabled := env.users.users[user.ID].TOTPEnabled
	env.users.mu.Unlock()
	if enabled {
		t.Fatal("2fa still enabled after disable")
	}
}

func containsAction(actions []string, want string) bool {
	for _, a := range actions {
		if a == want {
			return true
		}
	}
	return false
}
