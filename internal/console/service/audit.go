package service

import (
	"context"
	"fmt"
	"time"

	"github.com/xela07ax/agentvault/internal/audit"
)

type AuditService struct {
	trail *audit.Trail
}

func NewAuditService(trail *audit.Trail) *AuditService {
	return &AuditService{trail: trail}
}

// Recent — последние n записей, новые в конце.
func (s *AuditService) Recent(ctx context.Context, n int) ([]audit.Record, error) {
	recs, err := s.trail.Recent(ctx, n)
	if err != nil {
		return nil, fmt.Errorf("audit_service: failed to fetch logs: %w", err)
	}
	return recs, nil
}

func (s *AuditService) Since(ctx context.Context, cutoff time.Time) ([]audit.Record, error) {
	recs, err := s.trail.Since(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("audit_service: failed to fetch logs: %w", err)
	}
	return recs, nil
}

func (s *AuditService) WeeklySummary(ctx context.Context) (audit.Summary, error) {
	return s.trail.WeeklySummary(ctx)
}
