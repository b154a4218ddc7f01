package postgres

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/agentvault/internal/audit"
	"github.com/xela07ax/agentvault/internal/domain"
	"github.com/xela07ax/agentvault/internal/store"
	"github.com/xela07ax/agentvault/internal/store/storetest"
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("AGENTVAULT_TEST_PG")
	if dsn == "" {
		t.Skip("AGENTVAULT_TEST_PG is not set")
	}
	db, err := Open(context.Background(), dsn)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestPostgresRecordContract(t *testing.T) {
	db := testDB(t)
	storetest.Run(t, func(t *testing.T) store.Store {
		repo, err := NewRecordRepo(context.Background(), db, zap.NewNop())
		if err != nil {
			t.Fatal(err)
		}
		if _, err := db.Exec(`TRUNCATE records`); err != nil {
			t.Fatal(err)
		}
		return repo
	})
}

func TestAuditRepoRoundTrip(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	repo := NewAuditRepo(db)
	if err := repo.Migrate(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Exec(`TRUNCATE audit_logs`); err != nil {
		t.Fatal(err)
	}

	now := time.Now().UTC().Truncate(time.Millisecond)
	batch := []audit.Record{
		audit.New("local", "task.complete", audit.StatusSuccess).WithTask("T1"),
		audit.New("local", "task.fail", audit.StatusFailure).WithTask("T2").WithDetail("attempt", 2),
	}
	batch[0].Timestamp, batch[1].Timestamp = now, now.Add(time.Second)
	if err := repo.WriteBatch(ctx, batch); err != nil {
		t.Fatalf("WriteBatch: %v", err)
	}

	recent, err := repo.Recent(ctx, 1)
	if err != nil || len(recent) != 1 || recent[0].Action != "task.fail" {
		t.Fatalf("Recent: %+v %v", recent, err)
	}
	since, err := repo.Since(ctx, now)
	if err != nil || len(since) != 2 || since[0].TaskID != "T1" {
		t.Fatalf("Since: %+v %v", since, err)
	}
}

func TestOperatorRepo(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	repo := NewOperatorRepo(db)
	if err := repo.Migrate(ctx); err != nil {
		t.Fatal(err)
	}
	op := &domain.Operator{ID: "op-1", Username: "alice", PasswordHash: "$2a$hash", Scopes: map[string]bool{domain.ScopeApprove: true}}
	if err := repo.Upsert(ctx, op); err != nil {
		t.Fatal(err)
	}
	got, err := repo.GetOperator(ctx, "alice")
	if err != nil || got == nil || !got.Scopes[domain.ScopeApprove] {
		t.Fatalf("GetOperator: %+v %v", got, err)
	}
	missing, err := repo.GetOperator(ctx, "nobody")
	if err != nil || missing != nil {
		t.Fatalf("missing operator: %+v %v", missing, err)
	}
}
