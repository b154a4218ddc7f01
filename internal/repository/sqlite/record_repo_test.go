package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/agentvault/internal/store"
	"github.com/xela07ax/agentvault/internal/store/storetest"
)

func openTemp(t *testing.T) store.Replica {
	t.Helper()
	repo, err := Open(context.Background(), filepath.Join(t.TempDir(), "records.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = repo.DB().Close() })
	return repo
}

func TestSQLiteContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store { return openTemp(t) })
}

func TestSQLiteApplyIsAtomic(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t)
	_ = s.Put(ctx, store.Backlog, &store.Record{ID: "A", Meta: store.Meta{Type: "email", Created: time.Now()}})

	bad := []*store.Record{
		{ID: "B", Collection: store.Done, Meta: store.Meta{Type: "email"}},
		{ID: "../C", Collection: store.Done, Meta: store.Meta{Type: "email"}},
	}
	if err := s.Apply(ctx, bad); err == nil {
		t.Fatal("expected invalid id error")
	}
	if _, err := s.Read(ctx, "B"); err == nil {
		t.Fatal("record B must not be written")
	}

	rec, _ := s.Read(ctx, "A")
	rec.Collection = store.Done
	if err := s.Apply(ctx, []*store.Record{rec}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	snap, err := s.Snapshot(ctx)
	if err != nil || len(snap) != 1 || snap[0].Collection != store.Done {
		t.Fatalf("snapshot: %+v %v", snap, err)
	}
}
