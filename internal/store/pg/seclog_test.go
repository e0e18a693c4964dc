package pg

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"workdesk.org/internal/seclog"
)

func TestAppendChainsToStoredTip(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	const tip = "aaaa000000000000000000000000000000000000000000000000000000000000"

	mock.ExpectBegin()
	mock.ExpectExec("select pg_advisory_xact_lock").
		WithArgs(int64(chainLockKey)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select event_hash from security_events").
		WillReturnRows(sqlmock.NewRows([]string{"event_hash"}).AddRow(tip))
	mock.ExpectQuery("insert into security_events").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(9))
	mock.ExpectCommit()

	ev := seclog.Event{
		CreatedAt: time.Now().UTC(),
		EventType: seclog.TypeAuth,
		Action:    "login_failed",
		Subject:   "a@example.com",
		IP:        "203.0.113.7",
		Level:     seclog.LevelInfo,
		Source:    "app",
	}
	var chainedPrev string
	err = NewStore(db).Events().Append(context.Background(), &ev, func(prev string) (string, error) {
		chainedPrev = prev
		return "bbbb", nil
	})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if chainedPrev != tip {
		t.Fatalf("chain callback got prev %q, want stored tip", chainedPrev)
	}
	if ev.PrevHash != tip || ev.EventHash != "bbbb" || ev.ID != 9 {
		t.Fatalf("event not stamped: %+v", ev)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAppendEmptyTableStartsAtGenesis(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("select pg_advisory_xact_lock").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select event_hash from security_events").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("insert into security_events").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
	mock.ExpectCommit()

	ev := seclog.Event{CreatedAt: time.Now().UTC(), EventType: seclog.TypeAuth, Action: "login_success", Level: "info", Source: "app"}
	err = NewStore(db).Events().Append(context.Background(), &ev, func(prev string) (string, error) {
		if prev != seclog.GenesisHash {
			t.Fatalf("prev = %q, want genesis", prev)
		}
		return "cccc", nil
	})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAppendRollsBackOnChainError(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("select pg_advisory_xact_lock").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select event_hash from security_events").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	ev := seclog.Event{EventType: seclog.TypeAuth, Action: "x"}
	err = NewStore(db).Events().Append(context.Background(), &ev, func(string) (string, error) {
		return "", context.Canceled
	})
	if err == nil {
		t.Fatal("chain error swallowed")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
