package approval

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var ErrNoExecutor = errors.New("no executor for action type")

// Executor исполняет одобренное действие и возвращает краткий результат.
type Executor interface {
	Execute(ctx context.Context, actionType string, params map[string]any) (string, error)
}

type ExecutorFunc func(ctx context.Context, actionType string, params map[string]any) (string, error)

func (f ExecutorFunc) Execute(ctx context.Context, actionType string, params map[string]any) (string, error) {
	return f(ctx, actionType, params)
}

type ExecutorRegistry struct {
	mu    sync.RWMutex
	execs map[string]Executor
}

func NewExecutorRegistry() *ExecutorRegistry {
	return &ExecutorRegistry{execs: make(map[string]Executor)}
}

func (r *ExecutorRegistry) Register(actionType string, e Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.execs[actionType] = e
}

func (r *ExecutorRegistry) Get(actionType string) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.execs[actionType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoExecutor, actionType)
	}
	return e, nil
}

func (r *ExecutorRegistry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.execs))
	for t := range r.execs {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
