package recovery

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/agentvault/internal/infra"
)

// Paused — компонент на паузе после сбоя авторизации.
type Paused struct {
	Component string    `json:"component"`
	Reason    string    `json:"reason,omitempty"`
	Since     time.Time `json:"since"`
}

// Pauses — реестр пауз. Локальная мапа — источник истины для процесса;
// с Redis состояние делится между агентами через set + pub/sub.
type Pauses struct {
	mu     sync.RWMutex
	paused map[string]Paused
	rdb    *redis.Client
	logger *zap.Logger
	now    func() time.Time
}

func NewPauses(rdb *redis.Client, logger *zap.Logger) *Pauses {
	return &Pauses{
		paused: make(map[string]Paused),
		rdb:    rdb,
		logger: logger.Named("pauses"),
		now:    time.Now,
	}
}

// Init загружает текущее состояние пауз при старте
func (p *Pauses) Init(ctx context.Context) error {
	if p.rdb == nil {
		return nil
	}
	comps, err := p.rdb.SMembers(ctx, infra.RedisKeyPausedComponents).Result()
	if err != nil {
		return err
	}
	// Redis — общий источник истины: пропущенные за время обрыва resume тоже применяются
	next := make(map[string]Paused, len(comps))
	p.mu.Lock()
	for _, c := range comps {
		if old, ok := p.paused[c]; ok {
			next[c] = old
		} else {
			next[c] = Paused{Component: c, Since: p.now().UTC()}
		}
	}
	p.paused = next
	p.mu.Unlock()
	return nil
}

func (p *Pauses) Pause(ctx context.Context, component, reason string) error {
	p.mark(component, reason, true)
	p.logger.Warn("component paused", zap.String("component", component), zap.String("reason", reason))
	return p.broadcast(ctx, component, true)
}

func (p *Pauses) Resume(ctx context.Context, component string) error {
	p.mark(component, "", false)
	p.logger.Info("component resumed", zap.String("component", component))
	return p.broadcast(ctx, component, false)
}

func (p *Pauses) IsPaused(component string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.paused[component]
	return ok
}

func (p *Pauses) List() []Paused {
	p.mu.RLock()
	out := make([]Paused, 0, len(p.paused))
	for _, v := range p.paused {
		out = append(out, v)
	}
	p.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Component < out[j].Component })
	return out
}

func (p *Pauses) mark(component, reason string, paused bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !paused {
		delete(p.paused, component)
		return
	}
	if _, ok := p.paused[component]; !ok {
		p.paused[component] = Paused{Component: component, Reason: reason, Since: p.now().UTC()}
	}
}

func (p *Pauses) broadcast(ctx context.Context, component string, paused bool) error {
	if p.rdb == nil {
		return nil
	}
	pipe := p.rdb.TxPipeline()
	if paused {
		pipe.SAdd(ctx, infra.RedisKeyPausedComponents, component)
	} else {
		pipe.SRem(ctx, infra.RedisKeyPausedComponents, component)
	}
	state := "off"
	if paused {
		state = "on"
	}
	pipe.Publish(ctx, infra.RedisChanPause, component+":"+state)
	_, err := pipe.Exec(ctx)
	return err
}

// Listen держит подписку на канал пауз до отмены ctx, переподключаясь при обрывах.
func (p *Pauses) Listen(ctx context.Context) {
	if p.rdb == nil {
		return
	}
	listenResilient(ctx, p.rdb, p.logger, infra.RedisChanPause,
		func() error { return p.Init(ctx) },
		func(component string, paused bool) { p.mark(component, "remote", paused) },
	)
}

// listenResilient — цикл «живучей» подписки на сигналы Redis вида "<id>:on|off".
func listenResilient(
	ctx context.Context,
	rdb *redis.Client,
	logger *zap.Logger,
	channel string,
	onReconnect func() error,
	onMessage func(id string, status bool),
) {
	for {
		pubsub := rdb.Subscribe(ctx, channel)

		if _, err := pubsub.Receive(ctx); err != nil {
			_ = pubsub.Close()
			if ctx.Err() != nil {
				return
			}
			logger.Error("failed to subscribe", zap.String("chan", channel), zap.Error(err))
			if !sleepCtx(ctx, 5*time.Second) {
				return
			}
			continue
		}

		// Синхронизация при каждом успешном подключении
		if err := onReconnect(); err != nil {
			logger.Error("sync failed on reconnect", zap.Error(err))
		}

		ch := pubsub.Channel()
	loop:
		for {
			select {
			case <-ctx.Done():
				_ = pubsub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break loop
				}
				i := strings.LastIndexByte(msg.Payload, ':')
				if i <= 0 {
					logger.Error("invalid signal format", zap.String("payload", msg.Payload))
					continue
				}
				state := msg.Payload[i+1:]
				onMessage(msg.Payload[:i], state == "on" || state == "true")
			}
		}

		_ = pubsub.Close()
		if !sleepCtx(ctx, time.Second) {
			return
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
