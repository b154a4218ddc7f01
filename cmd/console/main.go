package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/agentvault/internal/approval"
	"github.com/xela07ax/agentvault/internal/audit"
	"github.com/xela07ax/agentvault/internal/bootstrap"
	"github.com/xela07ax/agentvault/internal/console/handler"
	"github.com/xela07ax/agentvault/internal/console/server"
	"github.com/xela07ax/agentvault/internal/console/service"
	"github.com/xela07ax/agentvault/internal/infra/auth"
	"github.com/xela07ax/agentvault/internal/repository/postgres"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Инициализация ресурсов
	env, err := bootstrap.Load(ctx, configPath)
	if err != nil {
		return err
	}
	defer env.Close()
	cfg, logger := env.Cfg, env.Logger

	if env.RDB != nil {
		go env.Pauses.Listen(ctx)
	}

	privateKey, err := auth.ParseRSAPrivateKey(cfg.Auth.PrivateKey)
	if err != nil {
		return fmt.Errorf("console needs auth.private_key_path: %w", err)
	}

	// Операторы: из Postgres, если он есть (операторы из конфига заносятся туда), иначе из конфига
	static := service.NewStaticOperators(cfg.Console.Operators)
	var operators service.OperatorProvider = static
	if env.DB != nil {
		repo := postgres.NewOperatorRepo(env.DB)
		if err := repo.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate operators: %w", err)
		}
		for _, op := range static {
			if err := repo.Upsert(ctx, op); err != nil {
				return fmt.Errorf("seed operator %s: %w", op.Username, err)
			}
		}
		operators = repo
	}

	// 2. Инициализация слоев (Dependency Injection)
	auditor := audit.NewAgentFS(env.AuditStorage, audit.Options{
		Buffer:        cfg.Audit.BufferSize,
		BatchSize:     cfg.Audit.BatchSize,
		FlushInterval: cfg.Audit.FlushInterval,
	}, logger)
	auditor.Start()
	defer auditor.Stop()

	gate := approval.NewGate(env.Store, nil, nil, auditor, env.Clock, approval.Config{
		AgentID: cfg.Agent.ID,
		TTL:     cfg.Approval.TTL,
	}, logger)

	authService := service.NewAuthService(operators, privateKey, cfg.Auth.TokenTTL, env.Clock)
	srv := server.NewConsoleServer(
		logger,
		authService,
		handler.NewAuthHandler(authService),
		handler.NewApprovalHandler(service.NewApprovalService(gate)),
		handler.NewAuditHandler(service.NewAuditService(audit.NewTrail(env.AuditStorage))),
		handler.NewOpsHandler(service.NewOpsService(env.Store, env.Pauses, auditor, logger)),
	)

	// 3. Запуск сервера
	httpSrv := &http.Server{
		Addr:         cfg.Console.Addr,
		Handler:      srv,
		ReadTimeout:  cfg.Console.ReadTimeout,
		WriteTimeout: cfg.Console.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("console api started", zap.String("addr", httpSrv.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// 4. Graceful Shutdown
	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}
	logger.Info("shutting down console api")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}
