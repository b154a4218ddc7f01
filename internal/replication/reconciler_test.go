package replication

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/agentvault/internal/infra"
	"github.com/xela07ax/agentvault/internal/store"
)

var created = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func put(t *testing.T, st store.Store, c store.Collection, id, body string) {
	t.Helper()
	rec := &store.Record{ID: id, Meta: store.Meta{Type: "task", Created: created}, Body: []byte(body)}
	if err := st.Put(context.Background(), c, rec); err != nil {
		t.Fatal(err)
	}
}

func body(t *testing.T, st store.Store, id string) (store.Collection, string) {
	t.Helper()
	rec, err := st.Read(context.Background(), id)
	if err != nil {
		t.Fatalf("read %s: %v", id, err)
	}
	return rec.Collection, string(rec.Body)
}

// flakyReplica отказывает в чтении выбранной записи.
type flakyReplica struct {
	*store.MemoryStore
	failID string
}

func (f *flakyReplica) Read(ctx context.Context, id string) (*store.Record, error) {
	if id == f.failID {
		return nil, errors.New("connection reset")
	}
	return f.MemoryStore.Read(ctx, id)
}

func TestSync_Bidirectional(t *testing.T) {
	ctx := context.Background()
	local, remote := store.NewMemoryStore(), store.NewMemoryStore()
	put(t, local, store.Backlog, "EMAIL_1", "from local")
	put(t, remote, store.Done, "EMAIL_2", "from remote")

	r := NewReconciler(local, remote, nil, Config{AgentID: "local"}, nil, zap.NewNop())
	stats, err := r.Sync(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Pulled != 1 || stats.Pushed != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	if c, _ := body(t, local, "EMAIL_2"); c != store.Done {
		t.Errorf("pulled into %s", c)
	}
	if c, _ := body(t, remote, "EMAIL_1"); c != store.Backlog {
		t.Errorf("pushed into %s", c)
	}

	// Повторный цикл ничего не меняет
	stats, err = r.Sync(ctx)
	if err != nil || stats != (Stats{}) {
		t.Fatalf("second cycle = %+v, %v", stats, err)
	}

	// Перемещение на удаленной стороне приходит локально
	if ok, _ := remote.TryMove(ctx, "EMAIL_1", store.Backlog, store.Done); !ok {
		t.Fatal("move failed")
	}
	stats, err = r.Sync(ctx)
	if err != nil || stats.Pulled != 1 {
		t.Fatalf("stats = %+v, %v", stats, err)
	}
	if c, _ := body(t, local, "EMAIL_1"); c != store.Done {
		t.Errorf("local EMAIL_1 in %s", c)
	}
	if ids, _ := local.List(ctx, store.Backlog); len(ids) != 0 {
		t.Errorf("stale copy left in backlog: %v", ids)
	}
}

func TestSync_ConflictPolicy(t *testing.T) {
	ctx := context.Background()
	local, remote := store.NewMemoryStore(), store.NewMemoryStore()
	put(t, local, store.Updates, "dashboard", "v0")
	put(t, local, store.Backlog, "TASK_1", "v0")

	r := NewReconciler(local, remote, nil, Config{AgentID: "local"}, nil, zap.NewNop())
	if _, err := r.Sync(ctx); err != nil {
		t.Fatal(err)
	}

	put(t, local, store.Updates, "dashboard", "local v1")
	put(t, remote, store.Updates, "dashboard", "remote v1")
	put(t, local, store.Backlog, "TASK_1", "local v1")
	put(t, remote, store.Backlog, "TASK_1", "remote v1")

	stats, err := r.Sync(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Conflicts != 2 {
		t.Fatalf("conflicts = %d", stats.Conflicts)
	}
	if _, b := body(t, local, "dashboard"); b != "local v1" {
		t.Errorf("local dashboard = %q", b)
	}
	if _, b := body(t, remote, "dashboard"); b != "local v1" {
		t.Errorf("remote dashboard = %q", b)
	}
	if _, b := body(t, local, "TASK_1"); b != "remote v1" {
		t.Errorf("local task = %q", b)
	}
}

func TestSync_StagingFailureLeavesLocalUntouched(t *testing.T) {
	ctx := context.Background()
	local := store.NewMemoryStore()
	remote := &flakyReplica{MemoryStore: store.NewMemoryStore(), failID: "B"}
	put(t, remote, store.Backlog, "A", "a")
	put(t, remote, store.Backlog, "B", "b")

	r := NewReconciler(local, remote, nil, Config{AgentID: "local"}, nil, zap.NewNop())
	if _, err := r.Sync(ctx); err == nil {
		t.Fatal("expected staging error")
	}
	if snap, _ := local.Snapshot(ctx); len(snap) != 0 {
		t.Fatalf("local modified: %v", snap)
	}

	remote.failID = ""
	stats, err := r.Sync(ctx)
	if err != nil || stats.Pulled != 2 {
		t.Fatalf("retry = %+v, %v", stats, err)
	}
}

func TestSync_Lock(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	ctx := context.Background()

	local, remote := store.NewMemoryStore(), store.NewMemoryStore()
	r := NewReconciler(local, remote, rdb, Config{AgentID: "local"}, nil, zap.NewNop())

	key := infra.GetSyncLockKey("replication")
	mr.Set(key, "cloud")
	if _, err := r.Sync(ctx); !errors.Is(err, ErrLocked) {
		t.Fatalf("err = %v, want ErrLocked", err)
	}
	// Чужую блокировку не снимаем
	if v, _ := mr.Get(key); v != "cloud" {
		t.Fatalf("lock = %q", v)
	}

	mr.Del(key)
	if _, err := r.Sync(ctx); err != nil {
		t.Fatal(err)
	}
	if mr.Exists(key) {
		t.Error("lock not released after cycle")
	}
}
