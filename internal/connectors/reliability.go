// Package connectors — исполнители одобренных действий и обертка надежности над ними.
package connectors

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xela07ax/agentvault/internal/approval"
	"github.com/xela07ax/agentvault/internal/recovery"
)

type ReliabilityConfig struct {
	Name           string
	RPS            float64
	Burst          int
	Attempts       uint
	CallTimeout    time.Duration
	BreakerTimeout time.Duration // Через сколько открытый CB попробует закрыться
	MaxFailures    uint32        // Подряд, до открытия CB
}

func (c *ReliabilityConfig) defaults() {
	if c.Name == "" {
		c.Name = "executor"
	}
	if c.RPS <= 0 {
		c.RPS = 10
	}
	if c.Burst <= 0 {
		c.Burst = 5
	}
	if c.Attempts == 0 {
		c.Attempts = 3
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 10 * time.Second
	}
	if c.BreakerTimeout <= 0 {
		c.BreakerTimeout = 30 * time.Second
	}
	if c.MaxFailures == 0 {
		c.MaxFailures = 5
	}
}

// ReliabilityWrapper: rate limit -> circuit breaker -> retry с таймаутом на попытку.
type ReliabilityWrapper struct {
	next    approval.Executor
	cb      *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	cfg     ReliabilityConfig
	logger  *zap.Logger
}

// NewReliabilityWrapper. onState вызывается при смене состояния CB (для метрик), может быть nil.
func NewReliabilityWrapper(next approval.Executor, cfg ReliabilityConfig, onState func(name string, state gobreaker.State), logger *zap.Logger) *ReliabilityWrapper {
	cfg.defaults()
	logger = logger.Named("reliability").With(zap.String("executor", cfg.Name))

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 3,
		Interval:    5 * time.Second,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
		// Отказ по вине запроса (4xx, невалидные данные) не говорит о здоровье сервиса
		IsSuccessful: func(err error) bool {
			return err == nil || recovery.Classify(err) != recovery.Transient
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed", zap.String("from", from.String()), zap.String("to", to.String()))
			if onState != nil {
				onState(name, to)
			}
		},
	})

	return &ReliabilityWrapper{
		next:    next,
		cb:      cb,
		limiter: rate.NewLimiter(rate.Limit(cfg.RPS), cfg.Burst),
		cfg:     cfg,
		logger:  logger,
	}
}

func (w *ReliabilityWrapper) State() gobreaker.State { return w.cb.State() }

func (w *ReliabilityWrapper) Execute(ctx context.Context, actionType string, params map[string]any) (string, error) {
	// 1. Rate Limiter
	if err := w.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limit wait: %w", err)
	}

	// 2. Circuit Breaker
	res, err := w.cb.Execute(func() (interface{}, error) {
		var (
			out   string
			fatal error
		)
		r := retry.New(
			retry.Context(ctx),
			retry.Attempts(w.cfg.Attempts),
			retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
				// Сервис сам сказал, сколько ждать
				var tErr *ThrottleError
				if errors.As(err, &tErr) && tErr.RetryAfter > 0 {
					return tErr.RetryAfter
				}
				return retry.BackOffDelay(n, err, config)
			}),
		)

		retryErr := r.Do(func() error {
			tCtx, cancel := context.WithTimeout(ctx, w.cfg.CallTimeout)
			defer cancel()

			var callErr error
			out, callErr = w.next.Execute(tCtx, actionType, params)
			if callErr != nil && recovery.Classify(callErr) != recovery.Transient {
				// Повтор не поможет: выходим из retry, ошибку вернем ниже
				fatal = callErr
				return nil
			}
			return callErr
		})
		if fatal != nil {
			return nil, fatal
		}
		if retryErr != nil {
			return nil, retryErr
		}
		return out, nil
	})
	if err != nil {
		return "", err
	}
	return res.(string), nil
}
