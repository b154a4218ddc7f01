package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sourcegraph/conc/panics"
	"go.uber.org/zap"

	"github.com/xela07ax/agentvault/internal/audit"
	"github.com/xela07ax/agentvault/internal/domain"
	"github.com/xela07ax/agentvault/internal/recovery"
	"github.com/xela07ax/agentvault/internal/scheduler"
	"github.com/xela07ax/agentvault/internal/store"
)

type CoordinatorConfig struct {
	AgentID        string
	HandlerTimeout time.Duration
	MaxAttempts    int
	PollInterval   time.Duration
}

// Deps — зависимости координатора. Nil-поля Quarantine/Review/Errors допустимы только в тестах.
type Deps struct {
	Store      store.Store
	Registry   *Registry
	Pauses     *recovery.Pauses
	Quarantine *recovery.Quarantine
	Review     *recovery.ReviewQueue
	Errors     *recovery.ErrorLog
	Auditor    audit.Auditor
	Metrics    *Metrics
	Clock      clockwork.Clock
}

// Coordinator забирает задачи из бэклога через TryMove и доводит их до терминального состояния.
type Coordinator struct {
	cfg    CoordinatorConfig
	deps   Deps
	mine   store.Collection
	logger *zap.Logger
}

func NewCoordinator(cfg CoordinatorConfig, deps Deps, logger *zap.Logger) (*Coordinator, error) {
	if err := store.ValidateID(cfg.AgentID); err != nil {
		return nil, fmt.Errorf("coordinator: agent id: %w", err)
	}
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = 5 * time.Minute
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Metrics == nil {
		deps.Metrics = NewMetrics(nil)
	}
	if deps.Pauses == nil {
		deps.Pauses = recovery.NewPauses(nil, logger)
	}
	deps.Registry.Freeze()

	return &Coordinator{
		cfg:    cfg,
		deps:   deps,
		mine:   store.Claimed(cfg.AgentID),
		logger: logger.Named("coordinator").With(zap.String("agent", cfg.AgentID)),
	}, nil
}

// Run обрабатывает бэклог, пока есть работа; иначе спит PollInterval или до сигнала wake.
func (c *Coordinator) Run(ctx context.Context, wake <-chan struct{}) error {
	c.logger.Info("coordinator started", zap.Strings("types", c.deps.Registry.Types()))
	return scheduler.Loop(ctx, c.deps.Clock, c.cfg.PollInterval, wake, c.ProcessOne)
}

// ProcessOne забирает и обрабатывает не больше одной задачи. true — работа была.
func (c *Coordinator) ProcessOne(ctx context.Context) (bool, error) {
	ids, err := c.deps.Store.List(ctx, store.Backlog)
	if err != nil {
		return false, fmt.Errorf("list backlog: %w", err)
	}

	for _, id := range ids {
		if ctx.Err() != nil {
			return false, nil
		}
		if c.componentPaused(ctx, id) {
			continue
		}

		ok, err := c.deps.Store.TryMove(ctx, id, store.Backlog, c.mine)
		if err != nil {
			return false, fmt.Errorf("claim %s: %w", id, err)
		}
		if !ok {
			// Забрал другой агент
			continue
		}
		c.process(ctx, id)
		return true, nil
	}
	return false, nil
}

// componentPaused смотрит тип задачи до захвата, чтобы не брать работу у приостановленного компонента.
func (c *Coordinator) componentPaused(ctx context.Context, id string) bool {
	rec, err := store.ReadIn(ctx, c.deps.Store, store.Backlog, id)
	if err != nil {
		// Битые записи берем, чтобы отправить в карантин
		return false
	}
	component, _, ok := c.deps.Registry.Lookup(rec.Meta.Type)
	return ok && component != "" && c.deps.Pauses.IsPaused(component)
}

func (c *Coordinator) process(ctx context.Context, id string) {
	log := c.logger.With(zap.String("task_id", id))

	rec, err := store.ReadIn(ctx, c.deps.Store, c.mine, id)
	if err != nil {
		if errors.Is(err, store.ErrMalformed) {
			c.quarantine(ctx, id, "", "", err)
			return
		}
		// Останется в In_Progress, вернет sweeper
		log.Error("read claimed task", zap.Error(err))
		return
	}

	task := TaskFromRecord(rec)
	now := c.deps.Clock.Now().UTC()
	if err := task.Claim(c.cfg.AgentID, now); err != nil {
		log.Warn("claim stamp", zap.Error(err))
	}
	rec.Meta.Owner = c.cfg.AgentID
	rec.Meta.ClaimedAt = &now
	rec.Meta.Status = string(domain.TaskClaimed)
	stamped, err := c.deps.Store.Update(ctx, id, c.mine, rec)
	if err != nil {
		log.Warn("stamp claim", zap.Error(err))
	} else if !stamped {
		c.lostClaim(id, c.mine)
		return
	}

	component, h, ok := c.deps.Registry.Lookup(task.Type)
	if !ok {
		err := recovery.AsData(fmt.Errorf("no handler for type %q", task.Type))
		c.terminal(ctx, rec, store.Failed, domain.ErrorRecord{
			Category:  domain.CategoryData,
			Component: "coordinator",
			TaskID:    id,
			Message:   err.Error(),
		}, err)
		c.deps.Metrics.TasksProcessed.WithLabelValues(task.Type, "no_handler").Inc()
		return
	}

	start := c.deps.Clock.Now()
	err = c.invoke(ctx, h, task)
	elapsed := c.deps.Clock.Since(start)
	c.deps.Metrics.HandlerDuration.WithLabelValues(task.Type).Observe(elapsed.Seconds())

	// Исход обработчика фиксируется и при остановке агента
	octx := context.WithoutCancel(ctx)
	if err == nil {
		c.complete(octx, rec, elapsed)
		return
	}
	if ctx.Err() != nil && errors.Is(err, context.Canceled) {
		// Обработчик сам сдался на остановке: задача возвращается без попытки в счетчике
		c.abandon(octx, rec)
		return
	}
	c.fail(octx, rec, task, component, err)
}

func (c *Coordinator) abandon(ctx context.Context, rec *store.Record) {
	rec.Meta.Owner = ""
	rec.Meta.ClaimedAt = nil
	rec.Meta.Status = string(domain.TaskPending)
	if c.moveOut(ctx, rec, store.Backlog) {
		c.logger.Info("task returned on shutdown", zap.String("task_id", rec.ID))
	}
}

// invoke вызывает обработчик с таймаутом; паника превращается в системную ошибку.
// Остановка агента обработчик не прерывает: он ограничен только своим таймаутом.
func (c *Coordinator) invoke(ctx context.Context, h Handler, task *domain.Task) error {
	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.HandlerTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		var pc panics.Catcher
		var err error
		pc.Try(func() { err = h.Handle(hctx, task) })
		if r := pc.Recovered(); r != nil {
			c.logger.Error("handler panic", zap.String("task_id", task.ID), zap.Any("panic", r.Value), zap.ByteString("stack", r.Stack))
			err = recovery.Wrap(recovery.System, fmt.Errorf("%w: %v", recovery.ErrPanic, r.Value))
		}
		done <- err
	}()

	select {
	case err := <-done:
		return err
	case <-hctx.Done():
		return fmt.Errorf("handler for %s: %w", task.Type, hctx.Err())
	}
}

func (c *Coordinator) complete(ctx context.Context, rec *store.Record, elapsed time.Duration) {
	rec.Meta.Status = string(domain.TaskDone)
	if !c.moveOut(ctx, rec, store.Done) {
		return
	}
	c.deps.Metrics.TasksProcessed.WithLabelValues(rec.Meta.Type, "done").Inc()
	c.audit(audit.New(c.cfg.AgentID, "task.complete", audit.StatusSuccess).
		WithTask(rec.ID).
		WithDetail("type", rec.Meta.Type).
		WithDuration(elapsed))
	c.logger.Info("task done", zap.String("task_id", rec.ID), zap.Duration("took", elapsed))
}

func (c *Coordinator) fail(ctx context.Context, rec *store.Record, task *domain.Task, component string, err error) {
	cat := recovery.Classify(err)
	log := c.logger.With(zap.String("task_id", rec.ID), zap.String("category", string(cat)), zap.Error(err))

	switch cat {
	case recovery.Data:
		c.quarantine(ctx, rec.ID, rec.Meta.Type, component, err)

	case recovery.Logic:
		var output string
		var re *recovery.ReviewError
		if errors.As(err, &re) {
			output = re.Output
		}
		if c.deps.Review == nil {
			c.terminal(ctx, rec, store.Review, domain.ErrorRecord{Category: cat, Component: component, TaskID: rec.ID, Message: err.Error()}, err)
			return
		}
		if qerr := c.deps.Review.Enqueue(ctx, rec.ID, c.mine, component, err.Error(), output); qerr != nil {
			log.Error("enqueue for review", zap.NamedError("cause", qerr))
			return
		}
		c.deps.Metrics.TasksProcessed.WithLabelValues(rec.Meta.Type, "review").Inc()
		c.audit(audit.New(c.cfg.AgentID, "task.review", audit.StatusPending).WithTask(rec.ID).WithError(err))

	case recovery.Auth:
		if perr := c.deps.Pauses.Pause(ctx, component, err.Error()); perr != nil {
			log.Error("pause broadcast", zap.NamedError("cause", perr))
		}
		c.audit(audit.New(c.cfg.AgentID, "component.pause", audit.StatusFailure).
			WithTask(rec.ID).WithDetail("component", component).WithError(err))
		c.release(ctx, rec, task, domain.ErrorRecord{Category: cat, Component: component, TaskID: rec.ID, Message: err.Error()}, "paused")

	default:
		attempt := task.RetryCount + 1
		er := domain.ErrorRecord{Category: cat, Component: component, TaskID: rec.ID, Message: err.Error(), Attempt: attempt}
		if attempt >= c.cfg.MaxAttempts {
			er.RetriesExhausted = true
			c.terminal(ctx, rec, store.Failed, er, err)
			c.deps.Metrics.TasksProcessed.WithLabelValues(rec.Meta.Type, "failed").Inc()
			return
		}
		c.deps.Metrics.RecoveryRetries.WithLabelValues(component).Inc()
		c.release(ctx, rec, task, er, "retry")
	}
}

// release возвращает задачу в бэклог; RetryCount растет только здесь.
func (c *Coordinator) release(ctx context.Context, rec *store.Record, task *domain.Task, er domain.ErrorRecord, outcome string) {
	if err := task.Release(); err != nil {
		c.logger.Warn("release", zap.String("task_id", rec.ID), zap.Error(err))
	}
	rec.Meta.RetryCount = task.RetryCount
	rec.Meta.Owner = ""
	rec.Meta.ClaimedAt = nil
	rec.Meta.Status = string(domain.TaskPending)

	c.recordError(ctx, er)
	if !c.moveOut(ctx, rec, store.Backlog) {
		return
	}
	c.deps.Metrics.TasksProcessed.WithLabelValues(rec.Meta.Type, outcome).Inc()
	c.audit(audit.New(c.cfg.AgentID, "task.retry", audit.StatusFailure).
		WithTask(rec.ID).
		WithDetail("retry_count", rec.Meta.RetryCount).
		WithDetail("category", string(er.Category)).
		WithError(errors.New(er.Message)))
}

// terminal переводит задачу в Failed/Human_Review с причиной.
func (c *Coordinator) terminal(ctx context.Context, rec *store.Record, to store.Collection, er domain.ErrorRecord, cause error) {
	rec.Meta.Status = string(domain.TaskFailed)
	rec.Meta.Reason = er.Message
	c.recordError(ctx, er)
	if !c.moveOut(ctx, rec, to) {
		return
	}
	c.audit(audit.New(c.cfg.AgentID, "task.fail", audit.StatusFailure).
		WithTask(rec.ID).
		WithDetail("category", string(er.Category)).
		WithDetail("retries_exhausted", er.RetriesExhausted).
		WithError(cause))
	c.logger.Warn("task failed", zap.String("task_id", rec.ID), zap.String("to", string(to)), zap.String("reason", er.Message))
}

func (c *Coordinator) quarantine(ctx context.Context, id, taskType, component string, cause error) {
	if c.deps.Quarantine == nil {
		c.logger.Error("no quarantine configured", zap.String("task_id", id), zap.Error(cause))
		return
	}
	qid, err := c.deps.Quarantine.Isolate(ctx, id, c.mine, component, cause.Error())
	if err != nil {
		c.logger.Error("quarantine", zap.String("task_id", id), zap.Error(err))
		return
	}
	c.deps.Metrics.TasksProcessed.WithLabelValues(taskType, "quarantined").Inc()
	c.audit(audit.New(c.cfg.AgentID, "task.quarantine", audit.StatusFailure).
		WithTask(id).
		WithDetail("quarantine_id", qid).
		WithError(cause))
}

// moveOut обновляет содержимое, пока запись лежит в In_Progress/<agent>, и уводит ее оттуда.
// false — заявку уже вернул sweeper; чужую запись не трогаем.
func (c *Coordinator) moveOut(ctx context.Context, rec *store.Record, to store.Collection) bool {
	updated, err := c.deps.Store.Update(ctx, rec.ID, c.mine, rec)
	if err != nil {
		c.logger.Error("update task", zap.String("task_id", rec.ID), zap.Error(err))
	} else if !updated {
		c.lostClaim(rec.ID, to)
		return false
	}
	ok, err := c.deps.Store.TryMove(ctx, rec.ID, c.mine, to)
	if err != nil {
		c.logger.Error("move task", zap.String("task_id", rec.ID), zap.String("to", string(to)), zap.Error(err))
		return false
	}
	if !ok {
		c.lostClaim(rec.ID, to)
		return false
	}
	return true
}

func (c *Coordinator) lostClaim(id string, to store.Collection) {
	c.logger.Warn("lost claim", zap.String("task_id", id), zap.String("to", string(to)))
	c.audit(audit.New(c.cfg.AgentID, "task.lost_claim", audit.StatusSkipped).WithTask(id))
}

func (c *Coordinator) recordError(ctx context.Context, er domain.ErrorRecord) {
	if c.deps.Errors == nil {
		return
	}
	if err := c.deps.Errors.Record(ctx, er); err != nil {
		c.logger.Error("write error record", zap.Error(err))
	}
}

func (c *Coordinator) audit(rec audit.Record) {
	if c.deps.Auditor != nil {
		c.deps.Auditor.Log(rec)
	}
}
