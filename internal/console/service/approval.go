package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/xela07ax/agentvault/internal/approval"
	"github.com/xela07ax/agentvault/internal/domain"
	"github.com/xela07ax/agentvault/internal/store"
)

type ApprovalService struct {
	gate *approval.Gate
}

func NewApprovalService(gate *approval.Gate) *ApprovalService {
	return &ApprovalService{gate: gate}
}

// стадия в query -> коллекция
var stages = map[string]store.Collection{
	"pending":   store.PendingApproval,
	"approved":  store.Approved,
	"rejected":  store.Rejected,
	"executing": store.Executing,
	"done":      store.Done,
}

func (s *ApprovalService) GetApprovals(ctx context.Context, stage string) ([]*domain.ApprovalRequest, error) {
	c, ok := stages[strings.ToLower(stage)]
	if !ok {
		return nil, fmt.Errorf("unknown stage %q", stage)
	}
	return s.gate.List(ctx, c)
}

func (s *ApprovalService) GetApproval(ctx context.Context, id string) (*domain.ApprovalRequest, error) {
	return s.gate.Get(ctx, id)
}

func (s *ApprovalService) DecideApproval(ctx context.Context, id string, approved bool, reviewer, comment string) error {
	return s.gate.Decide(ctx, id, approved, reviewer, comment)
}
