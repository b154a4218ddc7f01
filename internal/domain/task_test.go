package domain

import (
	"errors"
	"testing"
	"time"
)

func TestTaskLifecycle(t *testing.T) {
	task := &Task{ID: "t1", Type: "email", Status: TaskPending}
	now := time.Now()

	if err := task.Claim("cloud", now); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := task.Claim("local", now); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("second owner must be rejected, got %v", err)
	}
	if err := task.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	if task.RetryCount != 1 || task.Owner != "" || task.Status != TaskPending {
		t.Fatalf("unexpected state after release: %+v", task)
	}
	if err := task.Release(); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("release of pending task must fail, got %v", err)
	}
	if err := task.Complete(); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("complete of pending task must fail, got %v", err)
	}
}

func TestApprovalResolveOnce(t *testing.T) {
	req := &ApprovalRequest{Status: StatusPending}
	if err := req.Resolve(StatusApproved); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if err := req.Resolve(StatusRejected); !errors.Is(err, ErrAlreadyProcessed) {
		t.Fatalf("second resolve must fail, got %v", err)
	}
	if req.Status != StatusApproved {
		t.Fatalf("status = %s, want approved", req.Status)
	}

	fresh := &ApprovalRequest{Status: StatusPending}
	if err := fresh.Resolve(StatusPending); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("pending->pending must fail, got %v", err)
	}
}

func TestApprovalExpiry(t *testing.T) {
	now := time.Now()
	req := &ApprovalRequest{ExpiresAt: now.Add(time.Hour)}
	if req.IsExpired(now) {
		t.Fatal("not expired yet")
	}
	if !req.IsExpired(now.Add(2 * time.Hour)) {
		t.Fatal("must be expired")
	}
	if (&ApprovalRequest{}).IsExpired(now) {
		t.Fatal("zero deadline never expires")
	}
}
