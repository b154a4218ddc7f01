package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sony/gobreaker"
	"github.com/sourcegraph/conc"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/grpc/health"

	"github.com/xela07ax/agentvault/internal/approval"
	"github.com/xela07ax/agentvault/internal/audit"
	"github.com/xela07ax/agentvault/internal/connectors"
	"github.com/xela07ax/agentvault/internal/engine"
	"github.com/xela07ax/agentvault/internal/handlers"
	healthmon "github.com/xela07ax/agentvault/internal/health"
	"github.com/xela07ax/agentvault/internal/recovery"
	"github.com/xela07ax/agentvault/internal/replication"
	"github.com/xela07ax/agentvault/internal/scheduler"
	"github.com/xela07ax/agentvault/internal/store"
	"github.com/xela07ax/agentvault/internal/store/fsstore"
)

// genericAction — тип задачи, в которой действие задано полем action.
const genericAction = "action"

func newRunCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the worker loops until SIGINT/SIGTERM",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := loadApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.run(ctx)
		},
	}
}

func (a *app) run(ctx context.Context) error {
	cfg := a.Cfg
	metrics := engine.NewMetrics(a.Reg)

	// 1. Аудит пишется асинхронно пачками
	auditor := audit.NewAgentFS(a.AuditStorage, audit.Options{
		Buffer:        cfg.Audit.BufferSize,
		BatchSize:     cfg.Audit.BatchSize,
		FlushInterval: cfg.Audit.FlushInterval,
	}, a.Logger)
	auditor.OnFlush(func(n int, err error) {
		metrics.AuditBufferFill.Set(float64(auditor.Pending()))
	})
	auditor.Start()
	defer auditor.Stop()

	// 2. Recovery: карантин, ручной разбор, супервизор
	quarantine := recovery.NewQuarantine(a.Store, a.Errs, a.Logger)
	review := recovery.NewReviewQueue(a.Store, a.Errs, a.Logger)
	sup := recovery.NewSupervisor(a.Clock, a.Errs, cfg.Recovery.RestartDelay, a.Logger)
	sup.OnRestart = func(name string) { metrics.LoopRestarts.WithLabelValues(name).Inc() }

	// 3. Исполнители и шлюз одобрений
	execs, err := a.buildExecutors(metrics)
	if err != nil {
		return err
	}
	policy := approval.NewThresholdPolicy(cfg.Approval.Irreversible, cfg.Approval.AmountThreshold, a.Logger)
	gate := approval.NewGate(a.Store, policy, execs, auditor, a.Clock, approval.Config{
		AgentID:     cfg.Agent.ID,
		TTL:         cfg.Approval.TTL,
		ExecTimeout: cfg.Approval.ExecTimeout,
	}, a.Logger)
	gate.OnResolved = func(outcome string) { metrics.ApprovalsResolved.WithLabelValues(outcome).Inc() }

	// 4. Обработчики задач
	registry := engine.NewRegistry()
	action := handlers.NewAction(gate, a.Logger)
	if err := registry.Register(genericAction, "executor", action); err != nil {
		return err
	}
	for _, t := range execs.Types() {
		if err := registry.Register(t, t, action); err != nil {
			return err
		}
	}
	registry.Freeze()

	coordinator, err := engine.NewCoordinator(engine.CoordinatorConfig{
		AgentID:        cfg.Agent.ID,
		HandlerTimeout: cfg.Engine.HandlerTimeout,
		MaxAttempts:    cfg.Engine.MaxAttempts,
		PollInterval:   cfg.Engine.PollInterval,
	}, engine.Deps{
		Store:      a.Store,
		Registry:   registry,
		Pauses:     a.Pauses,
		Quarantine: quarantine,
		Review:     review,
		Errors:     a.Errs,
		Auditor:    auditor,
		Metrics:    metrics,
		Clock:      a.Clock,
	}, a.Logger)
	if err != nil {
		return err
	}
	sweeper := engine.NewSweeper(a.Store, a.Clock, cfg.Engine.ClaimTimeout, cfg.Agent.ID, auditor, metrics, a.Logger)

	// 5. Мониторинг
	hs := health.NewServer()
	monitor := healthmon.NewMonitor(cfg.Agent.ID, a.Store, a.Pauses, a.Errs, auditor, hs, a.Clock, a.Logger)
	monitor.AddProbe("store", healthmon.StoreProbe(a.Store))
	if a.RDB != nil {
		monitor.AddProbe("redis", healthmon.RedisProbe(a.RDB))
	}
	probeClient := &http.Client{Timeout: 5 * time.Second}
	for name, url := range cfg.Health.Endpoints {
		monitor.AddProbe(name, healthmon.HTTPProbe(url, probeClient))
	}

	// 6. Запуск циклов под супервизором
	var wg conc.WaitGroup
	supervise := func(name string, loop func(ctx context.Context) error) {
		wg.Go(func() { sup.Supervise(ctx, name, loop) })
	}

	wake := a.wakeChannel(ctx)
	supervise("coordinator", func(ctx context.Context) error { return coordinator.Run(ctx, wake) })
	supervise("sweeper", func(ctx context.Context) error {
		return scheduler.Every(ctx, a.Clock, cfg.Engine.SweepInterval, func(ctx context.Context) error {
			_, err := sweeper.Sweep(ctx)
			return err
		})
	})
	supervise("approval-poll", func(ctx context.Context) error {
		return scheduler.Every(ctx, a.Clock, cfg.Approval.PollInterval, func(ctx context.Context) error {
			_, err := gate.Poll(ctx)
			return err
		})
	})
	supervise("approval-expiry", func(ctx context.Context) error {
		return scheduler.Every(ctx, a.Clock, cfg.Approval.ExpiryInterval, func(ctx context.Context) error {
			_, err := gate.ExpireStale(ctx)
			return err
		})
	})
	supervise("health", func(ctx context.Context) error { return monitor.Run(ctx, cfg.Health.Interval) })

	if a.RDB != nil {
		wg.Go(func() { a.Pauses.Listen(ctx) })
	}

	if cfg.Sync.Enabled {
		rec, err := a.buildReconciler(ctx, metrics)
		if err != nil {
			return err
		}
		supervise("sync", rec.Run)
	}

	// 7. Внешние поверхности: метрики и gRPC health
	var servers []func()
	if cfg.Metrics.Addr != "" {
		srv := &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           promhttp.HandlerFor(a.Reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		wg.Go(func() {
			a.Logger.Info("metrics server started", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.Logger.Error("metrics server failed", zap.Error(err))
			}
		})
		servers = append(servers, func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		})
	}
	if cfg.Health.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.Health.GRPCAddr)
		if err != nil {
			return err
		}
		grpcSrv := healthmon.NewGRPCServer(hs, cfg.Health.GRPCToken)
		wg.Go(func() {
			a.Logger.Info("grpc health server started", zap.String("addr", cfg.Health.GRPCAddr))
			if err := grpcSrv.Serve(lis); err != nil {
				a.Logger.Error("grpc health server failed", zap.Error(err))
			}
		})
		servers = append(servers, grpcSrv.GracefulStop)
	}

	a.Logger.Info("agent started",
		zap.String("store", cfg.Store.Backend),
		zap.Strings("task_types", registry.Types()),
		zap.Bool("dry_run", cfg.Executors.DryRun),
	)

	<-ctx.Done()
	a.Logger.Info("shutting down")
	hs.Shutdown()
	for _, stopSrv := range servers {
		stopSrv()
	}
	wg.Wait()
	a.Logger.Info("agent stopped")
	return nil
}

// wakeChannel будит координатор при появлении файлов в бэклоге.
func (a *app) wakeChannel(ctx context.Context) <-chan struct{} {
	fs, ok := a.Store.(*fsstore.Store)
	if !ok || !a.Cfg.Engine.Watch {
		return nil
	}
	wake, err := fs.Notify(ctx, store.Backlog)
	if err != nil {
		a.Logger.Warn("backlog watch unavailable, polling only", zap.Error(err))
		return nil
	}
	return wake
}

// buildExecutors: dry-run для всего, либо webhook по типу и журнал платежей.
// Каждый исполнитель оборачивается лимитером, брейкером и повторами.
func (a *app) buildExecutors(metrics *engine.Metrics) (*approval.ExecutorRegistry, error) {
	cfg := a.Cfg.Executors
	execs := approval.NewExecutorRegistry()

	types := map[string]struct{}{"payment": {}}
	for _, t := range a.Cfg.Approval.Irreversible {
		types[t] = struct{}{}
	}
	for t := range cfg.Webhooks {
		types[t] = struct{}{}
	}
	names := make([]string, 0, len(types))
	for t := range types {
		names = append(names, t)
	}
	sort.Strings(names)

	var (
		dry    *connectors.DryRun
		ledger *connectors.Ledger
		client = &http.Client{Timeout: a.Cfg.Approval.ExecTimeout}
	)
	onState := func(name string, state gobreaker.State) {
		v := 0.0
		if state == gobreaker.StateOpen {
			v = 1
		}
		metrics.CircuitBreakerState.WithLabelValues(name).Set(v)
	}

	for _, t := range names {
		var next approval.Executor
		switch url, hasHook := cfg.Webhooks[t]; {
		case cfg.DryRun:
			if dry == nil {
				dry = connectors.NewDryRun(a.Clock, 0, a.Logger)
			}
			next = dry
		case hasHook:
			next = connectors.NewWebhook(url, cfg.Token, client, a.Logger)
		case t == "payment":
			if ledger == nil {
				j, err := a.Journal("ledger.jsonl")
				if err != nil {
					return nil, err
				}
				ledger = connectors.NewLedger(j, a.Clock, a.Logger)
			}
			next = ledger
		default:
			a.Logger.Warn("no executor configured for action type", zap.String("type", t))
			continue
		}
		execs.Register(t, connectors.NewReliabilityWrapper(next, connectors.ReliabilityConfig{
			Name:           t,
			RPS:            cfg.RPS,
			Burst:          cfg.Burst,
			Attempts:       cfg.Attempts,
			CallTimeout:    a.Cfg.Approval.ExecTimeout,
			BreakerTimeout: cfg.CBTimeout,
			MaxFailures:    cfg.CBMaxFailures,
		}, onState, a.Logger))
	}
	return execs, nil
}

func (a *app) buildReconciler(ctx context.Context, metrics *engine.Metrics) (*replication.Reconciler, error) {
	remote, err := a.OpenStore(ctx, a.Cfg.Sync.Remote)
	if err != nil {
		return nil, err
	}
	rec := replication.NewReconciler(a.Store, remote, a.RDB, replication.Config{
		AgentID:  a.Cfg.Agent.ID,
		Writer:   a.Cfg.Sync.Writer,
		Interval: a.Cfg.Sync.Interval,
		LockTTL:  a.Cfg.Sync.LockTTL,
	}, a.Clock, a.Logger)
	rec.OnCycle = func(result string) { metrics.SyncCycles.WithLabelValues(result).Inc() }
	return rec, nil
}
