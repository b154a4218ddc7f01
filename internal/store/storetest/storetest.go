// Package storetest — общий набор проверок для реализаций store.Store.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xela07ax/agentvault/internal/store"
)

// Factory создает пустое хранилище для одного подтеста.
type Factory func(t *testing.T) store.Store

func task(id string, created time.Time) *store.Record {
	return &store.Record{
		ID:   id,
		Meta: store.Meta{Type: "email", Created: created},
		Body: []byte("body of " + id),
	}
}

// Run прогоняет все проверки контракта.
func Run(t *testing.T, newStore Factory) {
	t.Run("PutReadList", func(t *testing.T) { testPutReadList(t, newStore(t)) })
	t.Run("FIFOOrder", func(t *testing.T) { testFIFO(t, newStore(t)) })
	t.Run("TryMoveWrongSource", func(t *testing.T) { testWrongSource(t, newStore(t)) })
	t.Run("TryMoveRace", func(t *testing.T) { testRace(t, newStore(t)) })
	t.Run("TryMoveAsNoOverwrite", func(t *testing.T) { testMoveAs(t, newStore(t)) })
	t.Run("UpdateInPlace", func(t *testing.T) { testUpdate(t, newStore(t)) })
	t.Run("UpdateAfterMoveAway", func(t *testing.T) { testUpdateMovedAway(t, newStore(t)) })
	t.Run("ReadIn", func(t *testing.T) { testReadIn(t, newStore(t)) })
	t.Run("Collections", func(t *testing.T) { testCollections(t, newStore(t)) })
	t.Run("InvalidID", func(t *testing.T) { testInvalidID(t, newStore(t)) })
}

func testPutReadList(t *testing.T, s store.Store) {
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	if err := s.Put(ctx, store.Backlog, task("T1", base)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	rec, err := s.Read(ctx, "T1")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if rec.Collection != store.Backlog || rec.Meta.Type != "email" || string(rec.Body) != "body of T1" {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if _, err := s.Read(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("Read missing: want ErrNotFound, got %v", err)
	}
	ids, err := s.List(ctx, store.Done)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("Done should be empty, got %v", ids)
	}
}

func testFIFO(t *testing.T, s store.Store) {
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	// Порядок вставки намеренно не совпадает с порядком created.
	_ = s.Put(ctx, store.Backlog, task("C", base.Add(2*time.Second)))
	_ = s.Put(ctx, store.Backlog, task("B", base))
	_ = s.Put(ctx, store.Backlog, task("A", base))
	_ = s.Put(ctx, store.Backlog, task("D", base.Add(time.Second)))

	ids, err := s.List(ctx, store.Backlog)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	want := []string{"A", "B", "D", "C"}
	if fmt.Sprint(ids) != fmt.Sprint(want) {
		t.Fatalf("order = %v, want %v", ids, want)
	}
}

func testWrongSource(t *testing.T, s store.Store) {
	ctx := context.Background()
	_ = s.Put(ctx, store.Backlog, task("T1", time.Now()))

	ok, err := s.TryMove(ctx, "T1", store.Done, store.Failed)
	if err != nil || ok {
		t.Fatalf("move from wrong collection: ok=%v err=%v", ok, err)
	}
	ok, err = s.TryMove(ctx, "nope", store.Backlog, store.Done)
	if err != nil || ok {
		t.Fatalf("move of missing record: ok=%v err=%v", ok, err)
	}
	rec, _ := s.Read(ctx, "T1")
	if rec.Collection != store.Backlog {
		t.Fatalf("record moved unexpectedly to %s", rec.Collection)
	}
}

func testRace(t *testing.T, s store.Store) {
	ctx := context.Background()
	_ = s.Put(ctx, store.Backlog, task("T1", time.Now()))

	const racers = 16
	var (
		wg      sync.WaitGroup
		winners atomic.Int32
		start   = make(chan struct{})
	)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			ok, err := s.TryMove(ctx, "T1", store.Backlog, store.Claimed(fmt.Sprintf("agent-%d", i)))
			if err != nil {
				t.Errorf("racer %d: %v", i, err)
				return
			}
			if ok {
				winners.Add(1)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	if got := winners.Load(); got != 1 {
		t.Fatalf("winners = %d, want exactly 1", got)
	}
	rec, err := s.Read(ctx, "T1")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if _, ok := rec.Collection.Owner(); !ok {
		t.Fatalf("record should be claimed, is in %s", rec.Collection)
	}
}

func testMoveAs(t *testing.T, s store.Store) {
	ctx := context.Background()
	now := time.Now()
	_ = s.Put(ctx, store.Backlog, task("X", now))
	_ = s.Put(ctx, store.Quarantine, task("X_old", now))

	ok, err := s.TryMoveAs(ctx, "X", store.Backlog, store.Quarantine, "X_old")
	if !errors.Is(err, store.ErrExists) || ok {
		t.Fatalf("collision: ok=%v err=%v", ok, err)
	}
	ok, err = s.TryMoveAs(ctx, "X", store.Backlog, store.Quarantine, "X_new")
	if err != nil || !ok {
		t.Fatalf("rename: ok=%v err=%v", ok, err)
	}
	if _, err := s.Read(ctx, "X"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("old id still readable: %v", err)
	}
	rec, err := s.Read(ctx, "X_new")
	if err != nil || rec.Collection != store.Quarantine {
		t.Fatalf("renamed record: %+v %v", rec, err)
	}
	old, _ := s.Read(ctx, "X_old")
	if string(old.Body) != "body of X_old" {
		t.Fatalf("existing record was overwritten: %q", old.Body)
	}
}

func testUpdate(t *testing.T, s store.Store) {
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	_ = s.Put(ctx, store.Backlog, task("A", base))
	_ = s.Put(ctx, store.Backlog, task("B", base.Add(time.Second)))
	if ok, _ := s.TryMove(ctx, "A", store.Backlog, store.Claimed("local")); !ok {
		t.Fatal("claim failed")
	}

	rec, _ := s.Read(ctx, "A")
	rec.Meta.Owner = "local"
	rec.Meta.RetryCount = 2
	ok, err := s.Update(ctx, "A", store.Claimed("local"), rec)
	if err != nil || !ok {
		t.Fatalf("Update: ok=%v err=%v", ok, err)
	}
	got, err := s.Read(ctx, "A")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got.Collection != store.Claimed("local") || got.Meta.Owner != "local" || got.Meta.RetryCount != 2 {
		t.Fatalf("updated record: %+v", got)
	}

	// Порядок в коллекции не меняется от обновления
	if ok, _ := s.TryMove(ctx, "A", store.Claimed("local"), store.Backlog); !ok {
		t.Fatal("release failed")
	}
	ids, _ := s.List(ctx, store.Backlog)
	if fmt.Sprint(ids) != "[A B]" {
		t.Fatalf("order after update = %v", ids)
	}
}

func testUpdateMovedAway(t *testing.T, s store.Store) {
	ctx := context.Background()
	_ = s.Put(ctx, store.Backlog, task("T1", time.Now()))
	if ok, _ := s.TryMove(ctx, "T1", store.Backlog, store.Claimed("slow")); !ok {
		t.Fatal("claim failed")
	}
	// Задачу вернули в бэклог и ее забрал другой агент
	_, _ = s.TryMove(ctx, "T1", store.Claimed("slow"), store.Backlog)
	_, _ = s.TryMove(ctx, "T1", store.Backlog, store.Claimed("fast"))

	stale := task("T1", time.Now())
	stale.Meta.Owner = "slow"
	stale.Body = []byte("stale")
	ok, err := s.Update(ctx, "T1", store.Claimed("slow"), stale)
	if err != nil || ok {
		t.Fatalf("update in old collection: ok=%v err=%v", ok, err)
	}
	rec, err := s.Read(ctx, "T1")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if rec.Collection != store.Claimed("fast") || string(rec.Body) != "body of T1" {
		t.Fatalf("record changed by losing update: %s %q", rec.Collection, rec.Body)
	}
	ids, _ := s.List(ctx, store.Claimed("slow"))
	if len(ids) != 0 {
		t.Fatalf("losing update re-created the claim: %v", ids)
	}

	ok, err = s.Update(ctx, "missing", store.Backlog, task("missing", time.Now()))
	if err != nil || ok {
		t.Fatalf("update of missing record: ok=%v err=%v", ok, err)
	}
	if _, err := s.Read(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("update created a record: %v", err)
	}
}

func testReadIn(t *testing.T, s store.Store) {
	ctx := context.Background()
	_ = s.Put(ctx, store.Backlog, task("T1", time.Now()))

	rec, err := store.ReadIn(ctx, s, store.Backlog, "T1")
	if err != nil || rec.Collection != store.Backlog || rec.Meta.Type != "email" {
		t.Fatalf("ReadIn: %+v %v", rec, err)
	}
	if _, err := store.ReadIn(ctx, s, store.Done, "T1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("ReadIn from other collection: %v", err)
	}
}

func testCollections(t *testing.T, s store.Store) {
	ctx := context.Background()
	now := time.Now()
	_ = s.Put(ctx, store.Claimed("local"), task("A", now))
	_ = s.Put(ctx, store.Claimed("cloud"), task("B", now))
	_ = s.Put(ctx, store.Backlog, task("C", now))

	cols, err := s.Collections(ctx, store.InProgress)
	if err != nil {
		t.Fatalf("Collections: %v", err)
	}
	want := []store.Collection{store.Claimed("cloud"), store.Claimed("local")}
	if fmt.Sprint(cols) != fmt.Sprint(want) {
		t.Fatalf("collections = %v, want %v", cols, want)
	}
}

func testInvalidID(t *testing.T, s store.Store) {
	ctx := context.Background()
	for _, id := range []string{"", "../etc", "a/b", ".."} {
		if err := s.Put(ctx, store.Backlog, task(id, time.Now())); !errors.Is(err, store.ErrInvalidID) {
			t.Errorf("Put(%q): want ErrInvalidID, got %v", id, err)
		}
	}
}
