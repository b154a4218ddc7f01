package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/xela07ax/agentvault/internal/audit"
	"github.com/xela07ax/agentvault/internal/store"
)

// Sweeper возвращает в бэклог задачи, застрявшие в In_Progress/* дольше таймаута
// (агент упал или завис). Опоздавшее завершение старого владельца проиграет TryMove.
type Sweeper struct {
	st      store.Store
	clock   clockwork.Clock
	timeout time.Duration
	actor   string
	auditor audit.Auditor
	metrics *Metrics
	logger  *zap.Logger

	mu        sync.Mutex
	firstSeen map[string]time.Time
}

func NewSweeper(st store.Store, clock clockwork.Clock, claimTimeout time.Duration, actor string, auditor audit.Auditor, metrics *Metrics, logger *zap.Logger) *Sweeper {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Sweeper{
		st:        st,
		clock:     clock,
		timeout:   claimTimeout,
		actor:     actor,
		auditor:   auditor,
		metrics:   metrics,
		logger:    logger.Named("sweeper"),
		firstSeen: make(map[string]time.Time),
	}
}

// Sweep проходит по всем заявкам и возвращает число возвращенных задач.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	cols, err := s.st.Collections(ctx, store.InProgress)
	if err != nil {
		return 0, fmt.Errorf("sweep: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	seen := make(map[string]struct{})
	reclaimed := 0

	for _, col := range cols {
		owner, ok := col.Owner()
		if !ok {
			continue
		}
		ids, err := s.st.List(ctx, col)
		if err != nil {
			return reclaimed, fmt.Errorf("sweep %s: %w", col, err)
		}
		for _, id := range ids {
			seen[id] = struct{}{}
			claimedAt := s.claimedAt(ctx, col, id, owner, now)
			age := now.Sub(claimedAt)
			if age < s.timeout {
				continue
			}

			moved, err := s.st.TryMove(ctx, id, col, store.Backlog)
			if err != nil {
				s.logger.Error("reclaim", zap.String("task_id", id), zap.Error(err))
				continue
			}
			if !moved {
				// Владелец успел завершить
				continue
			}
			reclaimed++
			delete(s.firstSeen, id)
			s.metrics.ClaimsReclaimed.Inc()
			s.logger.Warn("stale claim reclaimed", zap.String("task_id", id), zap.String("owner", owner), zap.Duration("age", age))
			if s.auditor != nil {
				s.auditor.Log(audit.New(s.actor, "task.reclaim", audit.StatusSuccess).
					WithTask(id).
					WithDetail("owner", owner).
					WithDetail("age_seconds", int64(age.Seconds())))
			}
		}
	}

	for id := range s.firstSeen {
		if _, ok := seen[id]; !ok {
			delete(s.firstSeen, id)
		}
	}
	return reclaimed, nil
}

// claimedAt берет отметку владельца; если ее нет или она от прежнего владельца —
// время, когда sweeper впервые увидел заявку.
func (s *Sweeper) claimedAt(ctx context.Context, col store.Collection, id, owner string, now time.Time) time.Time {
	rec, err := store.ReadIn(ctx, s.st, col, id)
	if err == nil && rec.Meta.ClaimedAt != nil && rec.Meta.Owner == owner {
		return *rec.Meta.ClaimedAt
	}
	first, ok := s.firstSeen[id]
	if !ok {
		s.firstSeen[id] = now
		return now
	}
	return first
}
