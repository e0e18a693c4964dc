package httpapi

import (
	"net/http"
	"testing"

	"workdesk.org/internal/access"
)

func TestAdminChangesUserRole(t *testing.T) {
	env, c := newTestEnv(t)
	env.addUser(t, 1, 1, "admin@example.com", "s3cret-pass", access.RoleAdmin)
	env.addUser(t, 2, 1, "bob@example.com", "s3cret-pass", access.RoleClient)

	resp := c.login("admin@example.com", "s3cret-pass")
	decodeBody(t, resp)

	resp = c.post("/v1/admin/users/2/role", map[string]string{"role": access.RoleManager}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if body["role"] != access.RoleManager {
		t.Fatalf("role = %v", body["role"])
	}

	env.users.mu.Lock()
	got := env.users.users[2].LegacyRole
	env.users.mu.Unlock()
	if got != access.RoleManager {
		t.Fatalf("stored role = %q", got)
	}

	// The change leaves a role_change trail plus the admin action.
	actions := env.events.actions()
	var havePriv, haveAdmin bool
	for _, a := range actions {
		if a == "role_change" {
			havePriv = true
		}
		if a == "user_role_changed" {
			haveAdmin = true
		}
	}
	if !havePriv || !haveAdmin {
		t.Fatalf("missing audit trail, actions = %v", actions)
	}
}

func TestRoleChangeRequiresManagePermission(t *testing.T) {
	env, c := newTestEnv(t)
	env.addUser(t, 1, 1, "alice@example.com", "s3cret-pass", access.RoleClient)
	env.addUser(t, 2, 1, "bob@example.com", "s3cret-pass", access.RoleClient)

	resp := c.login("alice@example.com", "s3cret-pass")
	decodeBody(t, resp)

	resp = c.post("/v1/admin/users/2/role", map[string]string{"role": access.RoleAdmin}, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
	decodeBody(t, resp)
}

func TestAdminCannotReachUserInOtherTenant(t *testing.T) {
	env, c := newTestEnv(t)
	env.addUser(t, 1, 1, "admin@example.com", "s3cret-pass", access.RoleAdmin)
	env.addUser(t, 2, 2, "other@example.com", "s3cret-pass", access.RoleClient)

	resp := c.login("admin@example.com", "s3cret-pass")
	decodeBody(t, resp)

	resp = c.post("/v1/admin/users/2/status", map[string]string{"status": access.UserStatusDisabled}, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	decodeBody(t, resp)
}

func TestAdminCannotDisableOwnAccount(t *testing.T) {
	env, c := newTestEnv(t)
	env.addUser(t, 1, 1, "admin@example.com", "s3cret-pass", access.RoleAdmin)

	resp := c.login("admin@example.com", "s3cret-pass")
	decodeBody(t, resp)

	resp = c.post("/v1/admin/users/1/status", map[string]string{"status": access.UserStatusDisabled}, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
	decodeBody(t, resp)
}

func TestRoleChangeRejectsUnknownRole(t *testing.T) {
	env, c := newTestEnv(t)
	env.addUser(t, 1, 1, "admin@example.com", "s3cret-pass", access.RoleAdmin)
	env.addUser(t, 2, 1, "bob@example.com", "s3cret-pass", access.RoleClient)

	resp := c.login("admin@example.com", "s3cret-pass")
	decodeBody(t, resp)

	resp = c.post("/v1/admin/users/2/role", map[string]string{"role": "superuser"}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	decodeBody(t, resp)
}

func TestAuditVerifyReportsHealthyChain(t *testing.T) {
	env, c := newTestEnv(t)
	env.addUser(t, 1, 1, "admin@example.com", "s3cret-pass", access.RoleAdmin)

	resp := c.login("admin@example.com", "s3cret-pass")
	decodeBody(t, resp)

	resp = c.get("/v1/admin/audit/verify", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if body["ok"] != true {
		t.Fatalf("ok = %v (reason %v)", body["ok"], body["reason"])
	}
	if body["checked"].(float64) < 1 {
		t.Fatalf("checked = %v, want at least the login event", body["checked"])
	}
}

func TestAuditVerifyDetectsTampering(t *testing.T) {
	env, c := newTestEnv(t)
	env.addUser(t, 1, 1, "admin@example.com", "s3cret-pass", access.RoleAdmin)

	resp := c.login("admin@example.com", "s3cret-pass")
	decodeBody(t, resp)

	env.events.mu.Lock()
	env.events.rows[0].Details = "edited after the fact"
	env.events.mu.Unlock()

	resp = c.get("/v1/admin/audit/verify", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if body["ok"] != false {
		t.Fatal("tampered chain verified clean")
	}
	if body["bad_id"].(float64) != 1 {
		t.Fatalf("bad_id = %v", body["bad_id"])
	}
}

func TestAdminUserPathWithMalformedIDIsNotFound(t *testing.T) {
	env, c := newTestEnv(t)
	env.addUser(t, 1, 1, "admin@example.com", "s3cret-pass", access.RoleAdmin)

	resp := c.login("admin@example.com", "s3cret-pass")
	decodeBody(t, resp)

	resp = c.post("/v1/admin/users/nope/role", map[string]string{"role": "client"}, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	decodeBody(t, resp)
}
