// Package handlers — обработчики задач, которые сводятся к действию через шлюз одобрения.
package handlers

import (
	"context"
	"errors"
	"strconv"

	"go.uber.org/zap"

	"github.com/xela07ax/agentvault/internal/approval"
	"github.com/xela07ax/agentvault/internal/domain"
	"github.com/xela07ax/agentvault/internal/recovery"
)

// Ключи метаданных задачи, которые не уходят в параметры действия
var reserved = map[string]struct{}{
	"source": {}, "received": {}, "subject": {},
}

// Guarder — шлюз одобрения с точки зрения обработчика.
type Guarder interface {
	Guard(ctx context.Context, taskID string, action domain.Action) (approval.Result, error)
}

// Action превращает задачу в действие: тип из поля action или из типа задачи,
// параметры из метаданных, тело — в params["body"].
type Action struct {
	gate   Guarder
	logger *zap.Logger
}

func NewAction(gate Guarder, logger *zap.Logger) *Action {
	return &Action{gate: gate, logger: logger.Named("action-handler")}
}

func (h *Action) Handle(ctx context.Context, task *domain.Task) error {
	action := ActionFromTask(task)
	if action.Type == "" {
		return recovery.AsData(errors.New("task names no action"))
	}

	res, err := h.gate.Guard(ctx, task.ID, action)
	if err != nil {
		if errors.Is(err, approval.ErrNoExecutor) {
			return recovery.AsLogic(err)
		}
		return err
	}
	if res.Proposed {
		h.logger.Info("action awaits approval",
			zap.String("task", task.ID),
			zap.String("action", action.Type),
			zap.String("approval", res.Request.ID))
		return nil
	}
	h.logger.Info("action executed", zap.String("task", task.ID), zap.String("action", action.Type), zap.String("result", res.Output))
	return nil
}

func ActionFromTask(task *domain.Task) domain.Action {
	action := domain.Action{Type: task.Action, Amount: task.Amount}
	if action.Type == "" {
		action.Type = task.Type
	}

	params := make(map[string]any, len(task.Meta)+1)
	for k, v := range task.Meta {
		if _, skip := reserved[k]; skip {
			continue
		}
		params[k] = v
	}
	// Сумма в метаданных приходит строкой
	if s, ok := params["amount"].(string); ok {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			params["amount"] = f
		}
	}
	if len(task.Body) > 0 {
		params["body"] = string(task.Body)
	}
	action.Params = params
	return action
}
