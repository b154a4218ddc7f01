// Package approval — шлюз одобрения: необратимые действия исполняются только
// после решения человека, и не больше одного раза.
package approval

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/xela07ax/agentvault/internal/audit"
	"github.com/xela07ax/agentvault/internal/domain"
	"github.com/xela07ax/agentvault/internal/store"
)

var (
	ErrAlreadyDecided = errors.New("approval request already decided")
	ErrExpired        = errors.New("approval request expired")
)

type Config struct {
	AgentID     string
	TTL         time.Duration // Срок жизни запроса до авто-отклонения
	ExecTimeout time.Duration
}

type Gate struct {
	st      store.Store
	policy  Policy
	execs   *ExecutorRegistry
	auditor audit.Auditor
	clock   clockwork.Clock
	cfg     Config
	logger  *zap.Logger

	// OnResolved — хук для метрик: executed, failed, rejected, expired
	OnResolved func(outcome string)
}

func NewGate(st store.Store, policy Policy, execs *ExecutorRegistry, auditor audit.Auditor, clock clockwork.Clock, cfg Config, logger *zap.Logger) *Gate {
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	if cfg.ExecTimeout <= 0 {
		cfg.ExecTimeout = 30 * time.Second
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Gate{
		st:      st,
		policy:  policy,
		execs:   execs,
		auditor: auditor,
		clock:   clock,
		cfg:     cfg,
		logger:  logger.Named("approval"),
	}
}

// Result — итог Guard: либо создан запрос на одобрение, либо действие исполнено сразу.
type Result struct {
	Proposed bool
	Request  *domain.ApprovalRequest
	Output   string
}

// Propose создает запрос в Pending_Approval.
func (g *Gate) Propose(ctx context.Context, action domain.Action, reason string) (*domain.ApprovalRequest, error) {
	return g.propose(ctx, "", action, reason)
}

func (g *Gate) propose(ctx context.Context, taskID string, action domain.Action, reason string) (*domain.ApprovalRequest, error) {
	now := g.clock.Now().UTC()
	req := &domain.ApprovalRequest{
		ID:        fmt.Sprintf("APPROVAL_%s_%s", now.Format("20060102T150405"), uuid.NewString()[:8]),
		TaskID:    taskID,
		AgentID:   g.cfg.AgentID,
		Action:    action,
		Status:    domain.StatusPending,
		Reason:    reason,
		CreatedAt: now,
		ExpiresAt: now.Add(g.cfg.TTL),
	}
	rec, err := toRecord(req)
	if err != nil {
		return nil, err
	}
	if err := g.st.Put(ctx, store.PendingApproval, rec); err != nil {
		return nil, fmt.Errorf("propose %s: %w", action.Type, err)
	}

	g.audit(audit.New(g.cfg.AgentID, "approval.propose", audit.StatusPending).
		WithTask(taskID).
		WithDetail("approval_id", req.ID).
		WithDetail("action", action.Type).
		WithDetail("reason", reason))
	g.logger.Info("approval requested", zap.String("id", req.ID), zap.String("action", action.Type), zap.String("reason", reason))
	return req, nil
}

// Guard — для обработчиков: если политика требует одобрения, создается запрос;
// иначе действие исполняется сразу.
func (g *Gate) Guard(ctx context.Context, taskID string, action domain.Action) (Result, error) {
	if need, reason := g.policy.RequiresApproval(action); need {
		req, err := g.propose(ctx, taskID, action, reason)
		if err != nil {
			return Result{}, err
		}
		return Result{Proposed: true, Request: req}, nil
	}

	out, err := g.execute(ctx, action)
	status := audit.StatusSuccess
	if err != nil {
		status = audit.StatusFailure
	}
	g.audit(audit.New(g.cfg.AgentID, "action.execute", status).
		WithTask(taskID).
		WithDetail("action", action.Type).
		WithError(err))
	return Result{Output: out}, err
}

func (g *Gate) execute(ctx context.Context, action domain.Action) (string, error) {
	exec, err := g.execs.Get(action.Type)
	if err != nil {
		return "", err
	}
	ectx, cancel := context.WithTimeout(ctx, g.cfg.ExecTimeout)
	defer cancel()

	params := action.Params
	if action.Amount != nil {
		params = withAmount(params, *action.Amount)
	}
	return exec.Execute(ectx, action.Type, params)
}

func withAmount(params map[string]any, amount float64) map[string]any {
	out := make(map[string]any, len(params)+1)
	for k, v := range params {
		out[k] = v
	}
	if _, ok := out["amount"]; !ok {
		out["amount"] = amount
	}
	return out
}

// Decide — решение человека. Ровно одно решение побеждает; остальные получают ErrAlreadyDecided.
func (g *Gate) Decide(ctx context.Context, id string, approved bool, reviewer, comment string) error {
	rec, err := g.st.Read(ctx, id)
	if err != nil {
		return err
	}
	if rec.Collection != store.PendingApproval {
		if rec.Collection == store.Done && rec.Meta.Status == string(domain.StatusExpired) {
			return ErrExpired
		}
		return ErrAlreadyDecided
	}
	req, err := fromRecord(rec)
	if err != nil {
		return err
	}
	if req.IsExpired(g.clock.Now()) {
		ok, err := g.expire(ctx, rec)
		if err != nil {
			return err
		}
		if !ok {
			return ErrAlreadyDecided
		}
		return ErrExpired
	}

	to, status := store.Rejected, domain.StatusRejected
	if approved {
		to, status = store.Approved, domain.StatusApproved
	}
	if err := req.Resolve(status); err != nil {
		return err
	}
	ok, err := g.st.TryMove(ctx, id, store.PendingApproval, to)
	if err != nil {
		return fmt.Errorf("decide %s: %w", id, err)
	}
	if !ok {
		return ErrAlreadyDecided
	}

	g.audit(audit.New(reviewer, "approval.decide", audit.StatusSuccess).
		WithTask(req.TaskID).
		WithDetail("approval_id", id).
		WithDetail("decision", string(status)).
		WithDetail("comment", comment))
	g.logger.Info("approval decided", zap.String("id", id), zap.String("decision", string(status)), zap.String("reviewer", reviewer))
	return nil
}

// Get — запрос по ID в любой стадии.
func (g *Gate) Get(ctx context.Context, id string) (*domain.ApprovalRequest, error) {
	rec, err := g.st.Read(ctx, id)
	if err != nil {
		return nil, err
	}
	return fromRecord(rec)
}

// Pending — запросы, ждущие решения, в порядке поступления.
func (g *Gate) Pending(ctx context.Context) ([]*domain.ApprovalRequest, error) {
	return g.List(ctx, store.PendingApproval)
}

// List — запросы одной коллекции; чужие записи (задачи в Done) пропускаются.
func (g *Gate) List(ctx context.Context, c store.Collection) ([]*domain.ApprovalRequest, error) {
	ids, err := g.st.List(ctx, c)
	if err != nil {
		return nil, err
	}
	out := make([]*domain.ApprovalRequest, 0, len(ids))
	for _, id := range ids {
		rec, err := g.st.Read(ctx, id)
		if err != nil {
			g.logger.Warn("skip unreadable approval", zap.String("id", id), zap.Error(err))
			continue
		}
		req, err := fromRecord(rec)
		if err != nil {
			continue
		}
		out = append(out, req)
	}
	return out, nil
}

// Poll исполняет одобренные и архивирует отклоненные запросы. Возвращает число обработанных.
func (g *Gate) Poll(ctx context.Context) (int, error) {
	handled := 0

	approved, err := g.st.List(ctx, store.Approved)
	if err != nil {
		return 0, fmt.Errorf("list approved: %w", err)
	}
	for _, id := range approved {
		if ctx.Err() != nil {
			return handled, nil
		}
		// Наблюдение не больше одного раза: кто перенес в Executing, тот и исполняет
		ok, err := g.st.TryMove(ctx, id, store.Approved, store.Executing)
		if err != nil {
			return handled, fmt.Errorf("claim approval %s: %w", id, err)
		}
		if !ok {
			continue
		}
		g.runApproved(ctx, id)
		handled++
	}

	rejected, err := g.st.List(ctx, store.Rejected)
	if err != nil {
		return handled, fmt.Errorf("list rejected: %w", err)
	}
	for _, id := range rejected {
		ok, err := g.st.TryMove(ctx, id, store.Rejected, store.Done)
		if err != nil {
			return handled, fmt.Errorf("archive rejection %s: %w", id, err)
		}
		if !ok {
			continue
		}
		handled++
		g.finalize(ctx, id, store.Done, string(domain.StatusRejected), "rejected by reviewer")
		g.resolved("rejected")
		g.audit(audit.New(g.cfg.AgentID, "approval.reject", audit.StatusSkipped).WithDetail("approval_id", id))
	}
	return handled, nil
}

func (g *Gate) runApproved(ctx context.Context, id string) {
	log := g.logger.With(zap.String("id", id))

	rec, err := store.ReadIn(ctx, g.st, store.Executing, id)
	if err != nil {
		log.Error("read approved request", zap.Error(err))
		g.archiveFailure(ctx, id, nil, err)
		return
	}
	req, err := fromRecord(rec)
	if err != nil {
		log.Error("decode approved request", zap.Error(err))
		g.archiveFailure(ctx, id, rec, err)
		return
	}
	if now := g.clock.Now(); req.IsExpired(now) {
		// Одобрение пришло, но исполнять уже поздно
		archive(rec, string(domain.StatusExpired), "expired before execution", now.UTC())
		g.moveToDone(ctx, rec)
		g.resolved("expired")
		g.audit(audit.New(g.cfg.AgentID, "approval.expire", audit.StatusSkipped).
			WithTask(req.TaskID).
			WithDetail("approval_id", id).
			WithDetail("action", req.Action.Type))
		log.Warn("approved request expired before execution", zap.Time("expires_at", req.ExpiresAt))
		return
	}

	start := g.clock.Now()
	out, err := g.execute(ctx, req.Action)
	elapsed := g.clock.Since(start)
	if err != nil {
		log.Error("execution failed", zap.String("action", req.Action.Type), zap.Error(err))
		g.audit(audit.New(g.cfg.AgentID, "approval.execute", audit.StatusFailure).
			WithTask(req.TaskID).
			WithDetail("approval_id", id).
			WithDetail("action", req.Action.Type).
			WithDuration(elapsed).
			WithError(err))
		g.archiveFailure(ctx, id, rec, err)
		return
	}

	archive(rec, "executed", out, g.clock.Now().UTC())
	g.moveToDone(ctx, rec)
	g.resolved("executed")
	g.audit(audit.New(g.cfg.AgentID, "approval.execute", audit.StatusSuccess).
		WithTask(req.TaskID).
		WithDetail("approval_id", id).
		WithDetail("action", req.Action.Type).
		WithDetail("result", out).
		WithDuration(elapsed))
	log.Info("approved action executed", zap.String("action", req.Action.Type))
}

// archiveFailure — исход failed, повторного исполнения не будет.
func (g *Gate) archiveFailure(ctx context.Context, id string, rec *store.Record, cause error) {
	g.resolved("failed")
	if rec == nil {
		// Запись нечитаема: переносим как есть
		if _, err := g.st.TryMove(ctx, id, store.Executing, store.Done); err != nil {
			g.logger.Error("archive unreadable request", zap.String("id", id), zap.Error(err))
		}
		return
	}
	archive(rec, "failed", cause.Error(), g.clock.Now().UTC())
	g.moveToDone(ctx, rec)
}

// moveToDone пишет исход, пока запись в Executing (она наша), и архивирует.
func (g *Gate) moveToDone(ctx context.Context, rec *store.Record) {
	if _, err := g.st.Update(ctx, rec.ID, store.Executing, rec); err != nil {
		g.logger.Error("record outcome", zap.String("id", rec.ID), zap.Error(err))
	}
	if _, err := g.st.TryMove(ctx, rec.ID, store.Executing, store.Done); err != nil {
		g.logger.Error("archive request", zap.String("id", rec.ID), zap.Error(err))
	}
}

// finalize обновляет запись, которая уже в терминальной коллекции.
func (g *Gate) finalize(ctx context.Context, id string, c store.Collection, status, outcome string) {
	rec, err := g.st.Read(ctx, id)
	if err != nil {
		g.logger.Warn("finalize", zap.String("id", id), zap.Error(err))
		return
	}
	archive(rec, status, outcome, g.clock.Now().UTC())
	if err := g.st.Put(ctx, c, rec); err != nil {
		g.logger.Warn("finalize", zap.String("id", id), zap.Error(err))
	}
}

// ExpireStale авто-отклоняет просроченные запросы. Гонка с решением человека
// разрешается TryMove: побеждает ровно один исход.
func (g *Gate) ExpireStale(ctx context.Context) (int, error) {
	ids, err := g.st.List(ctx, store.PendingApproval)
	if err != nil {
		return 0, fmt.Errorf("list pending: %w", err)
	}
	now := g.clock.Now()
	expired := 0
	for _, id := range ids {
		rec, err := g.st.Read(ctx, id)
		if err != nil {
			continue
		}
		req, err := fromRecord(rec)
		if err != nil || !req.IsExpired(now) {
			continue
		}
		ok, err := g.expire(ctx, rec)
		if err != nil {
			return expired, err
		}
		if ok {
			expired++
		}
	}
	return expired, nil
}

func (g *Gate) expire(ctx context.Context, rec *store.Record) (bool, error) {
	ok, err := g.st.TryMove(ctx, rec.ID, store.PendingApproval, store.Done)
	if err != nil {
		return false, fmt.Errorf("expire %s: %w", rec.ID, err)
	}
	if !ok {
		return false, nil
	}
	archive(rec, string(domain.StatusExpired), "expired without decision", g.clock.Now().UTC())
	if err := g.st.Put(ctx, store.Done, rec); err != nil {
		g.logger.Warn("expire", zap.String("id", rec.ID), zap.Error(err))
	}
	g.resolved("expired")
	g.audit(audit.New(g.cfg.AgentID, "approval.expire", audit.StatusSkipped).
		WithTask(rec.Meta.Extra[keyTaskID]).
		WithDetail("approval_id", rec.ID).
		WithDetail("action", rec.Meta.Action))
	g.logger.Info("approval expired", zap.String("id", rec.ID))
	return true, nil
}

func (g *Gate) resolved(outcome string) {
	if g.OnResolved != nil {
		g.OnResolved(outcome)
	}
}

func (g *Gate) audit(rec audit.Record) {
	if g.auditor != nil {
		g.auditor.Log(rec)
	}
}
