package access

import (
	"context"
	"errors"
	"fmt"
)

// RequirePermission ensures an authenticated principal holding key is present
// on the context. Fail-closed: no principal, missing permission and any
// resolution problem all deny; the caller never proceeds on ambiguity.
func RequirePermission(ctx context.Context, key string) (Principal, error) {
	principal, ok := PrincipalFromContext(ctx)
	if !ok {
		return Principal{}, ErrAuthenticationRequired
	}
	if !principal.HasPermission(key) {
		return Principal{}, ErrForbidden
	}
	return principal, nil
}

// RequireAnyPermission passes when the principal holds at least one of keys.
func RequireAnyPermission(ctx context.Context, keys ...string) (Principal, error) {
	principal, ok := PrincipalFromContext(ctx)
	if !ok {
		return Principal{}, ErrAuthenticationRequired
	}
	for _, key := range keys {
		if principal.HasPermission(key) {
			return principal, nil
		}
	}
	return Principal{}, ErrForbidden
}

// ProjectStore loads projects scoped by tenant; the implementation filters
// tenant_id and soft deletion itself, so a wrong-tenant id yields ErrNotFound.
type ProjectStore interface {
	FindProject(ctx context.Context, tenantID, projectID int64) (*Project, error)
}

// RequireProjectAccess authorizes an action on one project. Wrong tenant or
// missing project returns ErrNotFound (existence stays unconfirmed across the
// boundary); a present project the principal cannot touch returns
// ErrForbidden. Owner-scoped permissions only apply to projects the principal
// owns.
func RequireProjectAccess(ctx context.Context, store ProjectStore, projectID int64, action string) (*Project, Principal, error) {
	principal, ok := PrincipalFromContext(ctx)
	if !ok {
		return nil, Principal{}, ErrAuthenticationRequired
	}
	perms, ok := ProjectActions[action]
	if !ok {
		return nil, Principal{}, fmt.Errorf("%w: unknown project action %q", ErrForbidden, action)
	}

	project, err := store.FindProject(ctx, principal.TenantID, projectID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, Principal{}, ErrNotFound
		}
		return nil, Principal{}, fmt.Errorf("load project %d: %w", projectID, err)
	}

	if principal.HasPermission(perms.Any) {
		return project, principal, nil
	}
	if perms.Own != "" && principal.HasPermission(perms.Own) && project.OwnerID == principal.UserID {
		return project, principal, nil
	}
	return nil, Principal{}, ErrForbidden
}
