// Package replication сводит две реплики хранилища (например, облачный агент и локальный).
//
// Цикл: снимки обеих сторон, сравнение с базой прошлой синхронизации, чтение
// всех нужных удаленных записей, применение к локальной реплике одной пачкой,
// затем отправка локальных изменений. Сбой до применения оставляет локальную
// реплику нетронутой.
package replication

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/agentvault/internal/infra"
	"github.com/xela07ax/agentvault/internal/scheduler"
	"github.com/xela07ax/agentvault/internal/store"
)

// DefaultWriter — ресурс с единственным писателем: при конфликте побеждает локальная версия.
const DefaultWriter = "dashboard"

var ErrLocked = errors.New("sync lock held by another agent")

// Снятие блокировки только владельцем
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type Config struct {
	AgentID  string
	Writer   string
	Interval time.Duration
	LockTTL  time.Duration
}

// Stats — итог одного цикла.
type Stats struct {
	Pulled    int
	Pushed    int
	Conflicts int
}

type Reconciler struct {
	local  store.Replica
	remote store.Replica
	rdb    *redis.Client // nil — без распределенной блокировки
	cfg    Config
	clock  clockwork.Clock
	logger *zap.Logger

	mu       sync.Mutex
	baseline map[string]string // id -> digest на момент последней синхронизации

	// OnCycle — хук для метрик: ok, locked, error
	OnCycle func(result string)
}

func NewReconciler(local, remote store.Replica, rdb *redis.Client, cfg Config, clock clockwork.Clock, logger *zap.Logger) *Reconciler {
	if cfg.Writer == "" {
		cfg.Writer = DefaultWriter
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Second
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Reconciler{
		local:    local,
		remote:   remote,
		rdb:      rdb,
		cfg:      cfg,
		clock:    clock,
		logger:   logger.Named("sync"),
		baseline: make(map[string]string),
	}
}

// Run повторяет Sync каждые Interval. Ошибки цикла логируются и не останавливают цикл.
func (r *Reconciler) Run(ctx context.Context) error {
	return scheduler.Every(ctx, r.clock, r.cfg.Interval, func(ctx context.Context) error {
		_, err := r.Sync(ctx)
		switch {
		case err == nil:
			r.cycle("ok")
		case errors.Is(err, ErrLocked):
			r.cycle("locked")
		case ctx.Err() != nil:
			return nil
		default:
			r.cycle("error")
			r.logger.Error("sync cycle failed", zap.Error(err))
		}
		return nil
	})
}

// Sync выполняет один цикл сведения.
func (r *Reconciler) Sync(ctx context.Context) (Stats, error) {
	release, err := r.lock(ctx)
	if err != nil {
		return Stats{}, err
	}
	defer release()

	r.mu.Lock()
	defer r.mu.Unlock()

	localSnap, err := r.local.Snapshot(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("local snapshot: %w", err)
	}
	remoteSnap, err := r.remote.Snapshot(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("remote snapshot: %w", err)
	}

	plan := r.diff(index(localSnap), index(remoteSnap))
	stats := Stats{Conflicts: plan.conflicts}

	// 1. Читаем все нужные удаленные записи до того, как трогать локальную реплику
	pulled := make([]*store.Record, 0, len(plan.pull))
	for _, id := range plan.pull {
		rec, err := r.remote.Read(ctx, id)
		if err != nil {
			return stats, fmt.Errorf("stage %s: %w", id, err)
		}
		pulled = append(pulled, rec)
	}

	// 2. Применяем пачкой: все или ничего
	if len(pulled) > 0 {
		if err := r.local.Apply(ctx, pulled); err != nil {
			return stats, fmt.Errorf("apply to local: %w", err)
		}
		for _, rec := range pulled {
			r.baseline[rec.ID] = store.Digest(rec)
		}
		stats.Pulled = len(pulled)
	}
	for id, d := range plan.same {
		r.baseline[id] = d
	}

	// 3. Отправляем локальные изменения
	pushed := make([]*store.Record, 0, len(plan.push))
	for _, id := range plan.push {
		rec, err := r.local.Read(ctx, id)
		if err != nil {
			return stats, fmt.Errorf("read local %s: %w", id, err)
		}
		pushed = append(pushed, rec)
	}
	if len(pushed) > 0 {
		if err := r.remote.Apply(ctx, pushed); err != nil {
			// Локальная реплика уже сведена; отправка повторится в следующем цикле
			return stats, fmt.Errorf("push to remote: %w", err)
		}
		for _, rec := range pushed {
			r.baseline[rec.ID] = store.Digest(rec)
		}
		stats.Pushed = len(pushed)
	}

	if stats.Pulled+stats.Pushed > 0 {
		r.logger.Info("sync cycle",
			zap.Int("pulled", stats.Pulled),
			zap.Int("pushed", stats.Pushed),
			zap.Int("conflicts", stats.Conflicts),
		)
	}
	return stats, nil
}

type plan struct {
	pull      []string
	push      []string
	same      map[string]string
	conflicts int
}

// diff сравнивает стороны с базой. Изменилась одна сторона — ее версия и
// побеждает. Изменились обе — конфликт: писатель оставляет локальную версию,
// остальные берут удаленную. Удаления не реплицируются: записи только перемещаются.
func (r *Reconciler) diff(local, remote map[string]string) plan {
	p := plan{same: make(map[string]string)}

	ids := make(map[string]struct{}, len(local)+len(remote))
	for id := range local {
		ids[id] = struct{}{}
	}
	for id := range remote {
		ids[id] = struct{}{}
	}
	sorted := make([]string, 0, len(ids))
	for id := range ids {
		sorted = append(sorted, id)
	}
	sort.Strings(sorted)

	for _, id := range sorted {
		l, inLocal := local[id]
		rm, inRemote := remote[id]
		switch {
		case inLocal && inRemote && l == rm:
			p.same[id] = l
		case !inRemote:
			p.push = append(p.push, id)
		case !inLocal:
			p.pull = append(p.pull, id)
		default:
			base := r.baseline[id]
			localChanged, remoteChanged := l != base, rm != base
			switch {
			case localChanged && !remoteChanged:
				p.push = append(p.push, id)
			case remoteChanged && !localChanged:
				p.pull = append(p.pull, id)
			default:
				p.conflicts++
				if id == r.cfg.Writer {
					p.push = append(p.push, id)
				} else {
					p.pull = append(p.pull, id)
				}
			}
		}
	}
	return p
}

func index(entries []store.Entry) map[string]string {
	out := make(map[string]string, len(entries))
	for _, e := range entries {
		out[e.ID] = e.Digest
	}
	return out
}

func (r *Reconciler) lock(ctx context.Context) (func(), error) {
	if r.rdb == nil {
		return func() {}, nil
	}
	key := infra.GetSyncLockKey("replication")
	ok, err := r.rdb.SetNX(ctx, key, r.cfg.AgentID, r.cfg.LockTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire sync lock: %w", err)
	}
	if !ok {
		return nil, ErrLocked
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if err := unlockScript.Run(ctx, r.rdb, []string{key}, r.cfg.AgentID).Err(); err != nil {
			r.logger.Warn("release sync lock", zap.Error(err))
		}
	}, nil
}

func (r *Reconciler) cycle(result string) {
	if r.OnCycle != nil {
		r.OnCycle(result)
	}
}
