package audit

/*
AgentFS — асинхронный писатель аудита.

- Log не блокирует вызывающего: событие уходит в буферизированный канал.
- Воркер копит события и пишет пачкой в Storage по таймеру или по размеру пачки.
- Stop закрывает вход и дожидается, пока воркер вычитает остатки (drain).
*/

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

type Auditor interface {
	Log(rec Record)
}

const (
	defaultBuffer    = 10000
	defaultBatchSize = 100
	defaultFlush     = 500 * time.Millisecond
)

type Options struct {
	Buffer        int
	BatchSize     int
	FlushInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.Buffer <= 0 {
		o.Buffer = defaultBuffer
	}
	if o.BatchSize <= 0 {
		o.BatchSize = defaultBatchSize
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = defaultFlush
	}
	return o
}

type AgentFS struct {
	ch     chan Record // Буфер для асинхронности
	repo   Storage
	opts   Options
	logger *zap.Logger
	wg     sync.WaitGroup

	// Log держит RLock на время отправки, Stop берет Lock перед close(ch)
	mu     sync.RWMutex
	closed bool

	onFlush func(n int, err error)
}

func NewAgentFS(repo Storage, opts Options, logger *zap.Logger) *AgentFS {
	opts = opts.withDefaults()
	return &AgentFS{
		ch:     make(chan Record, opts.Buffer),
		repo:   repo,
		opts:   opts,
		logger: logger.With(zap.String("mod", "agentfs")),
	}
}

// OnFlush — хук для метрик.
func (fs *AgentFS) OnFlush(fn func(n int, err error)) { fs.onFlush = fn }

func (fs *AgentFS) Start() {
	fs.wg.Add(1)
	go fs.worker()
}

// Stop «запирает» вход в канал и ждет, пока воркер всё допишет.
func (fs *AgentFS) Stop() {
	fs.mu.Lock()
	if fs.closed {
		fs.mu.Unlock()
		return
	}
	fs.closed = true
	fs.logger.Info("stopping auditor: closing channel and flushing buffer")
	close(fs.ch)
	fs.mu.Unlock()

	fs.wg.Wait()
	fs.logger.Info("auditor stopped gracefully")
}

// Pending — сколько событий ждет записи.
func (fs *AgentFS) Pending() int { return len(fs.ch) }

func (fs *AgentFS) Log(rec Record) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	fs.mu.RLock()
	defer fs.mu.RUnlock()
	if fs.closed {
		fs.logger.Warn("audit record dropped: auditor is stopping", zap.String("id", rec.ID))
		return
	}

	// Load shedding: при переполнении не блокируем горячий путь
	select {
	case fs.ch <- rec:
	default:
		fs.logger.Error("audit_buffer_overflow",
			zap.String("actor", rec.Actor),
			zap.String("action", rec.Action),
			zap.String("task_id", rec.TaskID),
		)
	}
}

func (fs *AgentFS) worker() {
	defer fs.wg.Done()

	batch := make([]Record, 0, fs.opts.BatchSize)
	ticker := time.NewTicker(fs.opts.FlushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		// Background: основной контекст к этому моменту может быть отменен
		err := fs.repo.WriteBatch(context.Background(), batch)
		if err != nil {
			fs.logger.Error("audit flush failed", zap.Int("records", len(batch)), zap.Error(err))
		}
		if fs.onFlush != nil {
			fs.onFlush(len(batch), err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case rec, ok := <-fs.ch:
			if !ok {
				// Канал закрыт в Stop(): остатки уже вычитаны
				flush()
				fs.logger.Info("audit worker finished")
				return
			}
			batch = append(batch, rec)
			if len(batch) >= fs.opts.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// Direct пишет каждую запись сразу. Для CLI и тестов.
type Direct struct {
	repo   Storage
	logger *zap.Logger
}

func NewDirect(repo Storage, logger *zap.Logger) *Direct {
	return &Direct{repo: repo, logger: logger.With(zap.String("mod", "audit"))}
}

func (d *Direct) Log(rec Record) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	if err := d.repo.WriteBatch(context.Background(), []Record{rec}); err != nil {
		d.logger.Error("audit write failed", zap.String("action", rec.Action), zap.Error(err))
	}
}
