package handlers

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/xela07ax/agentvault/internal/approval"
	"github.com/xela07ax/agentvault/internal/domain"
	"github.com/xela07ax/agentvault/internal/recovery"
)

type fakeGate struct {
	got    domain.Action
	taskID string
	res    approval.Result
	err    error
}

func (f *fakeGate) Guard(_ context.Context, taskID string, a domain.Action) (approval.Result, error) {
	f.got, f.taskID = a, taskID
	return f.res, f.err
}

func TestActionFromTask(t *testing.T) {
	amount := 900.0
	task := &domain.Task{
		ID:     "EMAIL_1",
		Type:   "email",
		Action: "payment",
		Amount: &amount,
		Meta:   map[string]string{"payee": "ACME", "source": "gmail", "amount": "900"},
		Body:   []byte("invoice #42"),
	}
	a := ActionFromTask(task)
	if a.Type != "payment" || *a.Amount != 900 {
		t.Fatalf("action = %+v", a)
	}
	if _, ok := a.Params["source"]; ok {
		t.Error("reserved key leaked into params")
	}
	if a.Params["payee"] != "ACME" || a.Params["amount"] != 900.0 || a.Params["body"] != "invoice #42" {
		t.Errorf("params = %v", a.Params)
	}

	// Без action берется тип задачи
	if a := ActionFromTask(&domain.Task{Type: "send_email"}); a.Type != "send_email" {
		t.Errorf("type = %q", a.Type)
	}
}

func TestAction_Handle(t *testing.T) {
	ctx := context.Background()

	g := &fakeGate{res: approval.Result{Proposed: true, Request: &domain.ApprovalRequest{ID: "APPROVAL_1"}}}
	h := NewAction(g, zap.NewNop())
	if err := h.Handle(ctx, &domain.Task{ID: "T1", Type: "send_email"}); err != nil {
		t.Fatal(err)
	}
	if g.taskID != "T1" || g.got.Type != "send_email" {
		t.Errorf("guard got %s %+v", g.taskID, g.got)
	}

	g.err = approval.ErrNoExecutor
	err := h.Handle(ctx, &domain.Task{ID: "T2", Type: "fax"})
	if recovery.Classify(err) != recovery.Logic {
		t.Errorf("missing executor category = %s", recovery.Classify(err))
	}

	g.err = errors.New("timeout")
	if err := h.Handle(ctx, &domain.Task{ID: "T3", Type: "send_email"}); recovery.Classify(err) != recovery.Transient {
		t.Errorf("plain error category = %s", recovery.Classify(err))
	}
}
