package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"workdesk.org/internal/access"
)

const userColumns = `id, tenant_id, email, password_hash, legacy_role, status,
	coalesce(phone, ''), coalesce(totp_secret, ''), totp_enabled,
	created_at, updated_at, deleted_at`

func (s *Store) FindUser(ctx context.Context, userID int64) (*access.User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx, `
		select `+userColumns+`
		from users
		where id = $1 and deleted_at is null
	`, userID))
}

// FindUserInTenant is the tenant-scoped lookup used by admin handlers. A user
// in another tenant reads as not found.
func (s *Store) FindUserInTenant(ctx context.Context, tenantID, userID int64) (*access.User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx, `
		select `+userColumns+`
		from users
		where id = $1 and tenant_id = $2 and deleted_at is null
	`, userID, tenantID))
}

// FindUserByEmail resolves login credentials. Email matching is
// case-insensitive.
func (s *Store) FindUserByEmail(ctx context.Context, email string) (*access.User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx, `
		select `+userColumns+`
		from users
		where lower(email) = lower($1) and deleted_at is null
	`, strings.TrimSpace(email)))
}

func (s *Store) CreateUser(ctx context.Context, u *access.User) error {
	err := s.db.QueryRowContext(ctx, `
		insert into users (tenant_id, email, password_hash, legacy_role, status, phone)
		values ($1, $2, $3, $4, $5, $6)
		returning id, created_at, updated_at
	`, u.TenantID, strings.TrimSpace(u.Email), u.PasswordHash, u.LegacyRole, u.Status,
		nullIfEmpty(u.Phone)).Scan(&u.ID, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok {
			switch pgErr.Code {
			case pgErrUniqueViolation:
				return access.ErrConflict
			case pgErrForeignKeyViolation:
				return access.ErrNotFound
			}
		}
		return err
	}
	return nil
}

func (s *Store) RoleKeys(ctx context.Context, userID int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		select r.key
		from user_roles ur
		join roles r on r.id = ur.role_id
		where ur.user_id = $1
		order by r.key
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *Store) PermissionKeys(ctx context.Context, userID int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		select distinct p.key
		from user_roles ur
		join role_permissions rp on rp.role_id = ur.role_id
		join permissions p on p.id = rp.permission_id
		where ur.user_id = $1
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// EnsureRoleBinding inserts a binding if absent. The conflict clause keeps it
// idempotent under concurrent resolution of the same user.
func (s *Store) EnsureRoleBinding(ctx context.Context, userID int64, roleKey string) error {
	res, err := s.db.ExecContext(ctx, `
		insert into user_roles (user_id, role_id)
		select $1, r.id from roles r where r.key = $2
		on conflict (user_id, role_id) do nothing
	`, userID, roleKey)
	if err != nil {
		return err
	}
	if _, err := res.RowsAffected(); err != nil {
		return err
	}
	return nil
}

// SetLegacyRole updates the pre-RBAC role column; the caller records the
// privilege change in the event trail.
func (s *Store) SetLegacyRole(ctx context.Context, tenantID, userID int64, role string) error {
	return s.updateUserColumn(ctx, tenantID, userID, "legacy_role", role)
}

func (s *Store) SetUserStatus(ctx context.Context, tenantID, userID int64, status string) error {
	return s.updateUserColumn(ctx, tenantID, userID, "status", status)
}

// SetUserPhone stores a fieldcrypt envelope, never plaintext when encryption
// is configured.
func (s *Store) SetUserPhone(ctx context.Context, tenantID, userID int64, envelope string) error {
	return s.updateUserColumn(ctx, tenantID, userID, "phone", envelope)
}

// CommitTOTPSecret persists the encrypted secret and arms the second factor
// in one statement; enrollment is only ever committed after a verified code.
func (s *Store) CommitTOTPSecret(ctx context.Context, userID int64, envelope string) error {
	res, err := s.db.ExecContext(ctx, `
		update users
		set totp_secret = $2, totp_enabled = true, updated_at = now()
		where id = $1 and deleted_at is null
	`, userID, envelope)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *Store) DisableTOTP(ctx context.Context, userID int64) error {
	res, err := s.db.ExecContext(ctx, `
		update users
		set totp_secret = null, totp_enabled = false, updated_at = now()
		where id = $1 and deleted_at is null
	`, userID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *Store) FindProject(ctx context.Context, tenantID, projectID int64) (*access.Project, error) {
	var (
		p     access.Project
		notes sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		select id, tenant_id, owner_id, name, coalesce(notes, ''), created_at, updated_at
		from projects
		where id = $1 and tenant_id = $2 and deleted_at is null
	`, projectID, tenantID).Scan(&p.ID, &p.TenantID, &p.OwnerID, &p.Name, &notes, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, access.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if notes.Valid {
		p.Notes = notes.String
	}
	return &p, nil
}

func (s *Store) CreateProject(ctx context.Context, p *access.Project) error {
	err := s.db.QueryRowContext(ctx, `
		insert into projects (tenant_id, owner_id, name, notes)
		values ($1, $2, $3, $4)
		returning id, created_at, updated_at
	`, p.TenantID, p.OwnerID, p.Name, nullIfEmpty(p.Notes)).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
			return access.ErrNotFound
		}
		return err
	}
	return nil
}

// UpdateProjectNotes stores a fieldcrypt envelope, tenant-scoped.
func (s *Store) UpdateProjectNotes(ctx context.Context, tenantID, projectID int64, envelope string) error {
	res, err := s.db.ExecContext(ctx, `
		update projects
		set notes = $3, updated_at = now()
		where id = $1 and tenant_id = $2 and deleted_at is null
	`, projectID, tenantID, nullIfEmpty(envelope))
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *Store) updateUserColumn(ctx context.Context, tenantID, userID int64, column, value string) error {
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		update users
		set %s = $3, updated_at = now()
		where id = $1 and tenant_id = $2 and deleted_at is null
	`, column), userID, tenantID, value)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *Store) scanUser(row *sql.Row) (*access.User, error) {
	var u access.User
	err := row.Scan(&u.ID, &u.TenantID, &u.Email, &u.PasswordHash, &u.LegacyRole,
		&u.Status, &u.Phone, &u.TOTPSecret, &u.TOTPEnabled,
		&u.CreatedAt, &u.UpdatedAt, &u.DeletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, access.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func requireRow(res sql.Result) error {
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return access.ErrNotFound
	}
	return nil
}
