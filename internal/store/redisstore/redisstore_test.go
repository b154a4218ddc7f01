package redisstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/agentvault/internal/store"
	"github.com/xela07ax/agentvault/internal/store/storetest"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb, zap.NewNop())
}

func TestRedisStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store { return newTestStore(t) })
}

func TestRedisApplyAndSnapshot(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	_ = s.Put(ctx, store.Backlog, &store.Record{ID: "A", Meta: store.Meta{Type: "email", Created: time.Now()}})

	rec, err := s.Read(ctx, "A")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	rec.Collection = store.Done
	if err := s.Apply(ctx, []*store.Record{rec}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if ids, _ := s.List(ctx, store.Backlog); len(ids) != 0 {
		t.Fatalf("backlog not cleared: %v", ids)
	}
	snap, err := s.Snapshot(ctx)
	if err != nil || len(snap) != 1 || snap[0].Collection != store.Done || snap[0].Digest == "" {
		t.Fatalf("snapshot: %+v %v", snap, err)
	}
}
