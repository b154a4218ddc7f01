package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xela07ax/agentvault/internal/audit"
	"github.com/xela07ax/agentvault/internal/recovery"
	"github.com/xela07ax/agentvault/internal/store"
)

// RecordView — запись для выдачи оператору.
type RecordView struct {
	ID         string            `json:"id"`
	Collection string            `json:"collection"`
	Type       string            `json:"type"`
	Status     string            `json:"status,omitempty"`
	Reason     string            `json:"reason,omitempty"`
	Component  string            `json:"component,omitempty"`
	Extra      map[string]string `json:"extra,omitempty"`
	Body       string            `json:"body"`
}

func viewOf(rec *store.Record) RecordView {
	return RecordView{
		ID:         rec.ID,
		Collection: string(rec.Collection),
		Type:       rec.Meta.Type,
		Status:     rec.Meta.Status,
		Reason:     rec.Meta.Reason,
		Component:  rec.Meta.Component,
		Extra:      rec.Meta.Extra,
		Body:       string(rec.Body),
	}
}

// OpsService — паузы компонентов, карантин, ручной разбор, dashboard.
type OpsService struct {
	st      store.Store
	pauses  *recovery.Pauses
	auditor audit.Auditor
	logger  *zap.Logger
}

func NewOpsService(st store.Store, pauses *recovery.Pauses, auditor audit.Auditor, logger *zap.Logger) *OpsService {
	return &OpsService{st: st, pauses: pauses, auditor: auditor, logger: logger.Named("ops-service")}
}

func (s *OpsService) Paused() []recovery.Paused {
	return s.pauses.List()
}

// Resume снимает паузу у всех агентов (через Redis) и пишет аудит от имени оператора.
func (s *OpsService) Resume(ctx context.Context, component, operator string) error {
	if err := s.pauses.Resume(ctx, component); err != nil {
		s.logger.Error("resume signal delivery failed", zap.String("component", component), zap.Error(err))
		return fmt.Errorf("resume %s: %w", component, err)
	}
	s.auditor.Log(audit.New(operator, "component.resume", audit.StatusSuccess).WithDetail("component", component))
	return nil
}

func (s *OpsService) Collection(ctx context.Context, c store.Collection) ([]RecordView, error) {
	ids, err := s.st.List(ctx, c)
	if err != nil {
		return nil, err
	}
	out := make([]RecordView, 0, len(ids))
	for _, id := range ids {
		rec, err := s.st.Read(ctx, id)
		if err != nil {
			s.logger.Warn("skip unreadable record", zap.String("id", id), zap.Error(err))
			continue
		}
		out = append(out, viewOf(rec))
	}
	return out, nil
}

// Dashboard — запись, которую пишет монитор здоровья.
func (s *OpsService) Dashboard(ctx context.Context, id string) (RecordView, error) {
	rec, err := s.st.Read(ctx, id)
	if err != nil {
		return RecordView{}, err
	}
	return viewOf(rec), nil
}
