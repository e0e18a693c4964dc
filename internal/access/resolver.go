package access

import (
	"context"
	"errors"
	"fmt"
)

// Store describes the persistence operations the resolver needs. The pg
// implementation scopes every query by tenant and excludes soft-deleted rows.
type Store interface {
	FindUser(ctx context.Context, userID int64) (*User, error)
	// RoleKeys returns the user's RBAC role keys, possibly empty.
	RoleKeys(ctx context.Context, userID int64) ([]string, error)
	// PermissionKeys returns the distinct permission keys reachable through
	// the user's roles.
	PermissionKeys(ctx context.Context, userID int64) ([]string, error)
	// EnsureRoleBinding inserts a user-role binding if absent; it never
	// overwrites or removes existing explicit bindings.
	EnsureRoleBinding(ctx context.Context, userID int64, roleKey string) error
}

// Resolver computes the effective principal for an authenticated user.
type Resolver struct {
	store Store
}

func NewResolver(store Store) *Resolver {
	return &Resolver{store: store}
}

// Resolve loads the user, guarantees an RBAC role binding exists, and builds
// the permission set. When the RBAC tables are unusable it falls back to a
// pure function of the legacy role column. Any error that prevents a
// trustworthy answer is returned unwrapped in meaning: callers deny.
func (r *Resolver) Resolve(ctx context.Context, userID int64) (Principal, error) {
	user, err := r.store.FindUser(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Principal{}, ErrNotFound
		}
		return Principal{}, fmt.Errorf("resolve user %d: %w", userID, err)
	}
	if user.Status != UserStatusActive {
		return Principal{}, ErrForbidden
	}

	principal, err := r.resolveRBAC(ctx, user)
	if err != nil {
		// RBAC tables unusable: provisioning not finished, migration half
		// applied. Fall back to the legacy single-role mapping instead of
		// failing every request.
		return r.resolveLegacy(user), nil
	}
	return principal, nil
}

// resolveRBAC is the primary branch: join user -> roles -> permissions.
func (r *Resolver) resolveRBAC(ctx context.Context, user *User) (Principal, error) {
	roleKeys, err := r.store.RoleKeys(ctx, user.ID)
	if err != nil {
		return Principal{}, err
	}
	if len(roleKeys) == 0 {
		if err := r.store.EnsureRoleBinding(ctx, user.ID, defaultRoleFor(user.LegacyRole)); err != nil {
			return Principal{}, err
		}
		roleKeys, err = r.store.RoleKeys(ctx, user.ID)
		if err != nil {
			return Principal{}, err
		}
	}

	permKeys, err := r.store.PermissionKeys(ctx, user.ID)
	if err != nil {
		return Principal{}, err
	}

	roles := make(map[string]struct{}, len(roleKeys))
	for _, k := range roleKeys {
		roles[k] = struct{}{}
	}
	perms := make(map[string]bool, len(permKeys))
	for _, k := range permKeys {
		perms[k] = true
	}
	return Principal{
		UserID:      user.ID,
		TenantID:    user.TenantID,
		LegacyRole:  user.LegacyRole,
		Roles:       roles,
		Permissions: perms,
	}, nil
}

// resolveLegacy is the fallback branch: a pure function of the legacy role.
func (r *Resolver) resolveLegacy(user *User) Principal {
	roles := map[string]struct{}{}
	if user.LegacyRole != "" {
		roles[user.LegacyRole] = struct{}{}
	}
	return Principal{
		UserID:      user.ID,
		TenantID:    user.TenantID,
		LegacyRole:  user.LegacyRole,
		Roles:       roles,
		Permissions: legacyPermissions(user.LegacyRole),
	}
}
