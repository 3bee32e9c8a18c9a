package audit

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type fakeAuditDB struct {
	execArgs []any
	execErr  error
}

func (f *fakeAuditDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.execArgs = append([]any(nil), args...)
	return pgconn.NewCommandTag("INSERT 0 1"), f.execErr
}

func (f *fakeAuditDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, pgx.ErrNoRows
}

func TestAppendRedactsCallerID(t *testing.T) {
	db := &fakeAuditDB{}
	w := &Writer{DB: db, HashSalt: []byte("salt"), Redact: true}
	rec := Record{
		EventID: "e1", DeploymentID: "d1", CredentialID: "c1",
		CallerID: "caller-42", Kind: "validate", Outcome: "OK", CreatedAt: time.Now(),
	}
	if err := w.Append(context.Background(), rec); err != nil {
		t.Fatalf("append: %v", err)
	}
	caller, _ := db.execArgs[3].(string)
	if caller == "caller-42" || caller == "" {
		t.Fatalf("caller id not redacted: %q", caller)
	}
	if len(caller) != 64 || !isHex(caller) {
		t.Fatalf("expected hex digest, got %q", caller)
	}
}

func TestAppendKeepsCallerWithoutRedact(t *testing.T) {
	db := &fakeAuditDB{}
	w := &Writer{DB: db}
	rec := Record{EventID: "e1", CallerID: "caller-42", CreatedAt: time.Now()}
	if err := w.Append(context.Background(), rec); err != nil {
		t.Fatalf("append: %v", err)
	}
	if db.execArgs[3] != "caller-42" {
		t.Fatalf("caller id altered without redact: %v", db.execArgs[3])
	}
}

func isHex(s string) bool {
	for _, c := range s {
		if !strings.ContainsRune("0123456789abcdef", c) {
			return false
		}
	}
	return true
}
