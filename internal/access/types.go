// Package access implements the tenant-scoped role and permission model and
// the per-request principal resolution every authorization decision runs
// through. All lookups are scoped by tenant: a record in another tenant is
// indistinguishable from a missing one.
package access

import "time"

// Tenant is the isolation boundary. The default tenant (id 1) is created at
// bootstrap and never deleted.
type Tenant struct {
	ID        int64
	Name      string
	CreatedAt time.Time
}

// Role is a named permission bundle. The role set is seeded at bootstrap and
// immutable at runtime.
type Role struct {
	ID   int64
	Key  string
	Name string
}

// Permission is a fine-grained capability key, e.g. "projects.edit.any".
type Permission struct {
	ID          int64
	Key         string
	Description string
}

// User is an account inside a tenant. LegacyRole is the pre-RBAC single role
// column kept for fallback resolution; Phone and TOTPSecret hold fieldcrypt
// envelopes, not plaintext.
type User struct {
	ID           int64
	TenantID     int64
	Email        string
	PasswordHash string
	LegacyRole   string
	Status       string
	Phone        string
	TOTPSecret   string
	TOTPEnabled  bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
	DeletedAt    *time.Time
}

// Project is the sample tenant-scoped resource used to exercise the
// "any"/"own" scoped guard. Full project management lives outside this core.
type Project struct {
	ID        int64
	TenantID  int64
	OwnerID   int64
	Name      string
	Notes     string
	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt *time.Time
}

// Principal is the resolved identity for the current request. It is computed
// per request from the RBAC tables and never cached across requests.
type Principal struct {
	UserID      int64
	TenantID    int64
	LegacyRole  string
	Roles       map[string]struct{}
	Permissions map[string]bool
}

// HasPermission reports whether the principal holds key. The wildcard entry
// grants everything; there is no partial or hierarchical matching.
func (p Principal) HasPermission(key string) bool {
	if p.Permissions[PermAll] {
		return true
	}
	return p.Permissions[key]
}

// HasRole reports whether the principal holds the role key.
func (p Principal) HasRole(key string) bool {
	_, ok := p.Roles[key]
	return ok
}

// IsAdmin reports whether the principal holds the admin role or wildcard.
func (p Principal) IsAdmin() bool {
	return p.HasRole(RoleAdmin) || p.Permissions[PermAll]
}

const (
	UserStatusActive   = "active"
	UserStatusDisabled = "disabled"
)
