package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/agentvault/internal/audit"
	"github.com/xela07ax/agentvault/internal/infra"
	"github.com/xela07ax/agentvault/internal/journal"
	"github.com/xela07ax/agentvault/internal/recovery"
	"github.com/xela07ax/agentvault/internal/repository/postgres"
	"github.com/xela07ax/agentvault/internal/repository/sqlite"
	"github.com/xela07ax/agentvault/internal/store"
	"github.com/xela07ax/agentvault/internal/store/fsstore"
	"github.com/xela07ax/agentvault/internal/store/redisstore"
)

// Env — общие ресурсы агента и консоли, открытые по конфигу.
type Env struct {
	Cfg    *infra.Config
	Logger *zap.Logger
	Clock  clockwork.Clock
	Reg    *prometheus.Registry

	RDB          *redis.Client // nil, если Redis не настроен или недоступен
	DB           *sql.DB       // nil без Postgres
	Store        store.Replica
	Errs         *recovery.ErrorLog
	AuditStorage audit.Storage
	Pauses       *recovery.Pauses

	closers []func() error
}

// Load читает конфиг и открывает ресурсы. Close освобождает их в обратном порядке.
func Load(ctx context.Context, configPath string) (*Env, error) {
	cfg, err := infra.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		return nil, err
	}
	logger = logger.With(zap.String("agent", cfg.Agent.ID))

	a := &Env{Cfg: cfg, Logger: logger, Clock: clockwork.NewRealClock(), Reg: prometheus.NewRegistry()}
	if err := a.init(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *Env) init(ctx context.Context) error {
	// 1. Журнал ошибок нужен раньше всего: в него пишут повторы подключения
	errJournal, err := a.Journal("errors.jsonl")
	if err != nil {
		return err
	}
	a.Errs = recovery.NewErrorLog(errJournal, a.Logger)

	// 2. Redis (паузы, блокировка синхронизации, бэкенд)
	if err := a.connectRedis(ctx); err != nil {
		return err
	}

	// 3. Postgres: бэкенд, аудит, реплика, операторы консоли
	if a.Cfg.Database.URL != "" {
		db, err := recovery.WithRecovery(ctx, a.Errs, func(ctx context.Context) (*sql.DB, error) {
			return postgres.Open(ctx, a.Cfg.Database.URL)
		}, nil, a.RetryOpts("postgres"))
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		a.DB = db
		a.closers = append(a.closers, db.Close)
	}

	// 4. Хранилище записей
	st, err := a.OpenStore(ctx, a.Cfg.Store.Backend)
	if err != nil {
		return err
	}
	a.Store = st

	// 5. Аудит
	switch a.Cfg.Audit.Backend {
	case "postgres":
		if a.DB == nil {
			return fmt.Errorf("audit.backend postgres requires database.url")
		}
		repo := postgres.NewAuditRepo(a.DB)
		if err := repo.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate audit: %w", err)
		}
		a.AuditStorage = repo
	default:
		j, err := a.Journal("audit.jsonl")
		if err != nil {
			return err
		}
		a.AuditStorage = audit.NewFileStorage(j, a.Logger)
	}

	// 6. Паузы
	a.Pauses = recovery.NewPauses(a.RDB, a.Logger)
	if err := a.Pauses.Init(ctx); err != nil {
		a.Logger.Warn("pause registry init failed, starting with local state", zap.Error(err))
	}
	return nil
}

func (a *Env) RetryOpts(component string) recovery.Options {
	return recovery.Options{
		Retries:   a.Cfg.Recovery.Retries,
		Backoff:   a.Cfg.Recovery.Backoff,
		Unit:      a.Cfg.Recovery.Unit,
		Component: component,
		OnRetry: func(attempt int, delay time.Duration, err error) {
			a.Logger.Warn("retrying", zap.String("component", component), zap.Int("attempt", attempt), zap.Duration("delay", delay), zap.Error(err))
		},
	}
}

func (a *Env) connectRedis(ctx context.Context) error {
	needed := a.Cfg.Store.Backend == "redis" || (a.Cfg.Sync.Enabled && a.Cfg.Sync.Remote == "redis")
	if a.Cfg.Redis.Addr == "" {
		if needed {
			return fmt.Errorf("redis.addr is required")
		}
		return nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     a.Cfg.Redis.Addr,
		Password: a.Cfg.Redis.Password,
		DB:       a.Cfg.Redis.DB,
	})
	_, err := recovery.WithRecovery(ctx, a.Errs, func(ctx context.Context) (string, error) {
		return rdb.Ping(ctx).Result()
	}, nil, a.RetryOpts("redis"))
	if err != nil {
		_ = rdb.Close()
		if needed {
			return fmt.Errorf("connect redis: %w", err)
		}
		// Без Redis паузы остаются локальными
		a.Logger.Warn("redis unavailable, pauses stay local", zap.Error(err))
		return nil
	}
	a.RDB = rdb
	a.closers = append(a.closers, rdb.Close)
	return nil
}

// OpenStore открывает хранилище записей выбранного бэкенда.
func (a *Env) OpenStore(ctx context.Context, backend string) (store.Replica, error) {
	switch backend {
	case "fs":
		return fsstore.New(a.Cfg.Store.Path, a.Logger)
	case "redis":
		if a.RDB == nil {
			return nil, fmt.Errorf("redis backend without redis connection")
		}
		return redisstore.New(a.RDB, a.Logger), nil
	case "sqlite":
		repo, err := sqlite.Open(ctx, a.Cfg.Store.Path, a.Logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, repo.DB().Close)
		return repo, nil
	case "postgres":
		if a.DB == nil {
			return nil, fmt.Errorf("postgres backend requires database.url")
		}
		return postgres.NewRecordRepo(ctx, a.DB, a.Logger)
	case "memory":
		return store.NewMemoryStore(), nil
	}
	return nil, fmt.Errorf("unknown store backend %q", backend)
}

// Journal открывает файл журнала в data_dir.
func (a *Env) Journal(name string) (*journal.File, error) {
	j, err := journal.Open(filepath.Join(a.Cfg.Agent.DataDir, name))
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, j.Close)
	return j, nil
}

// DirectAuditor пишет синхронно, для коротких команд.
func (a *Env) DirectAuditor() audit.Auditor {
	return audit.NewDirect(a.AuditStorage, a.Logger)
}

// Close закрывает ресурсы в обратном порядке.
func (a *Env) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i]()
	}
	_ = a.Logger.Sync()
}
