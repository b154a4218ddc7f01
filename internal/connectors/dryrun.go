package connectors

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// DryRun ничего не отправляет наружу: пишет действие в лог и запоминает его.
// Используется в dev-режиме и в тестах вместо реальных интеграций.
type DryRun struct {
	mu      sync.Mutex
	calls   []DryRunCall
	latency time.Duration
	clock   clockwork.Clock
	logger  *zap.Logger
}

type DryRunCall struct {
	Action string
	Params map[string]any
	At     time.Time
}

func NewDryRun(clock clockwork.Clock, latency time.Duration, logger *zap.Logger) *DryRun {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &DryRun{clock: clock, latency: latency, logger: logger.Named("dry-run")}
}

func (d *DryRun) Execute(ctx context.Context, actionType string, params map[string]any) (string, error) {
	if d.latency > 0 {
		select {
		case <-d.clock.After(d.latency):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	payload, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("encode params: %w", err)
	}

	d.mu.Lock()
	d.calls = append(d.calls, DryRunCall{Action: actionType, Params: params, At: d.clock.Now()})
	n := len(d.calls)
	d.mu.Unlock()

	d.logger.Info("dry-run action", zap.String("action", actionType), zap.ByteString("params", payload))
	return fmt.Sprintf("dry-run #%d: %s", n, actionType), nil
}

func (d *DryRun) Calls() []DryRunCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]DryRunCall(nil), d.calls...)
}
