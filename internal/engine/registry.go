package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/xela07ax/agentvault/internal/domain"
)

var ErrRegistryFrozen = errors.New("handler registry is frozen")

// Handler обрабатывает задачу одного типа. Ошибка классифицируется пакетом recovery.
type Handler interface {
	Handle(ctx context.Context, task *domain.Task) error
}

type HandlerFunc func(ctx context.Context, task *domain.Task) error

func (f HandlerFunc) Handle(ctx context.Context, task *domain.Task) error { return f(ctx, task) }

type registration struct {
	component string // Имя для реестра пауз (gmail, whatsapp, ...)
	handler   Handler
}

// Registry собирается при старте и замораживается до запуска координатора.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]registration
	fallback *registration
	frozen   bool
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]registration)}
}

func (r *Registry) Register(taskType, component string, h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return ErrRegistryFrozen
	}
	if taskType == "" || h == nil {
		return fmt.Errorf("register %q: empty type or nil handler", taskType)
	}
	if _, dup := r.handlers[taskType]; dup {
		return fmt.Errorf("register %q: handler already registered", taskType)
	}
	r.handlers[taskType] = registration{component: component, handler: h}
	return nil
}

// SetDefault — обработчик для типов без своего.
func (r *Registry) SetDefault(component string, h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return ErrRegistryFrozen
	}
	r.fallback = &registration{component: component, handler: h}
	return nil
}

func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

func (r *Registry) Lookup(taskType string) (component string, h Handler, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if reg, found := r.handlers[taskType]; found {
		return reg.component, reg.handler, true
	}
	if r.fallback != nil {
		return r.fallback.component, r.fallback.handler, true
	}
	return "", nil, false
}

func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
