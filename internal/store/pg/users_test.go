package pg

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"workdesk.org/internal/access"
)

func userRows(id, tenantID int64, email, role, status string) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{
		"id", "tenant_id", "email", "password_hash", "legacy_role", "status",
		"phone", "totp_secret", "totp_enabled", "created_at", "updated_at", "deleted_at",
	}).AddRow(id, tenantID, email, "$2a$hash", role, status, "", "", false, now, now, nil)
}

func TestFindUser(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery("select (.+) from users").
		WithArgs(int64(42)).
		WillReturnRows(userRows(42, 1, "a@example.com", "manager", "active"))

	u, err := NewStore(db).FindUser(context.Background(), 42)
	if err != nil {
		t.Fatalf("FindUser: %v", err)
	}
	if u.ID != 42 || u.TenantID != 1 || u.LegacyRole != "manager" {
		t.Fatalf("unexpected user: %+v", u)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestFindUserInTenantMissesOtherTenant(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery("select (.+) from users").
		WithArgs(int64(42), int64(2)).
		WillReturnError(sql.ErrNoRows)

	_, err = NewStore(db).FindUserInTenant(context.Background(), 2, 42)
	if !errors.Is(err, access.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestEnsureRoleBindingIdempotent(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("insert into user_roles").
		WithArgs(int64(42), "client").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into user_roles").
		WithArgs(int64(42), "client").
		WillReturnResult(sqlmock.NewResult(0, 0)) // conflict, no-op

	store := NewStore(db)
	ctx := context.Background()
	if err := store.EnsureRoleBinding(ctx, 42, "client"); err != nil {
		t.Fatalf("first EnsureRoleBinding: %v", err)
	}
	if err := store.EnsureRoleBinding(ctx, 42, "client"); err != nil {
		t.Fatalf("second EnsureRoleBinding: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPermissionKeys(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery("select distinct p.key").
		WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows([]string{"key"}).
			AddRow("projects.view.own").
			AddRow("tasks.view.own"))

	keys, err := NewStore(db).PermissionKeys(context.Background(), 42)
	if err != nil {
		t.Fatalf("PermissionKeys: %v", err)
	}
	if len(keys) != 2 || keys[0] != "projects.view.own" {
		t.Fatalf("unexpected keys: %v", keys)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCreateUserDuplicateEmail(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery("insert into users").
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})

	u := &access.User{TenantID: 1, Email: "dup@example.com", Status: access.UserStatusActive}
	err = NewStore(db).CreateUser(context.Background(), u)
	if !errors.Is(err, access.ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
}

func TestFindProjectScopedByTenant(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	now := time.Now()
	mock.ExpectQuery("select (.+) from projects").
		WithArgs(int64(7), int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "tenant_id", "owner_id", "name", "notes", "created_at", "updated_at",
		}).AddRow(7, 1, 42, "Website relaunch", "encv2:k1:abc", now, now))

	p, err := NewStore(db).FindProject(context.Background(), 1, 7)
	if err != nil {
		t.Fatalf("FindProject: %v", err)
	}
	if p.OwnerID != 42 || p.Notes != "encv2:k1:abc" {
		t.Fatalf("unexpected project: %+v", p)
	}

	mock.ExpectQuery("select (.+) from projects").
		WithArgs(int64(7), int64(2)).
		WillReturnError(sql.ErrNoRows)
	if _, err := NewStore(db).FindProject(context.Background(), 2, 7); !errors.Is(err, access.ErrNotFound) {
		t.Fatalf("cross-tenant err = %v, want ErrNotFound", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
