package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func TestEveryTicksOnFakeClock(t *testing.T) {
	clock := clockwork.NewFakeClock()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- Every(ctx, clock, time.Minute, func(ctx context.Context) error {
			calls.Add(1)
			return nil
		})
	}()

	for i := 1; i <= 3; i++ {
		if err := clock.BlockUntilContext(ctx, 1); err != nil {
			t.Fatal(err)
		}
		waitFor(t, func() bool { return calls.Load() == int32(i) })
		clock.Advance(time.Minute)
	}
	waitFor(t, func() bool { return calls.Load() == 4 })

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Every: %v", err)
	}
}

func TestEveryReturnsError(t *testing.T) {
	boom := errors.New("boom")
	err := Every(context.Background(), clockwork.NewFakeClock(), time.Second, func(ctx context.Context) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
}

func TestLoopDrainsThenWaitsForWake(t *testing.T) {
	clock := clockwork.NewFakeClock()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var backlog atomic.Int32
	backlog.Store(3)
	var polls atomic.Int32
	wake := make(chan struct{}, 1)

	done := make(chan error, 1)
	go func() {
		done <- Loop(ctx, clock, time.Hour, wake, func(ctx context.Context) (bool, error) {
			polls.Add(1)
			if backlog.Load() > 0 {
				backlog.Add(-1)
				return true, nil
			}
			return false, nil
		})
	}()

	// 3 задачи подряд + один пустой опрос, затем сон
	waitFor(t, func() bool { return polls.Load() == 4 })
	backlog.Store(1)
	wake <- struct{}{}
	waitFor(t, func() bool { return polls.Load() == 6 })

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Loop: %v", err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(time.Millisecond)
	}
}
