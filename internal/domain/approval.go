package domain

import (
	"errors"
	"time"
)

// Статусы State Machine
type ApprovalStatus string

const (
	StatusPending  ApprovalStatus = "pending"
	StatusApproved ApprovalStatus = "approved"
	StatusRejected ApprovalStatus = "rejected"
	StatusExpired  ApprovalStatus = "expired"
)

var (
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrAlreadyProcessed  = errors.New("approval request already processed")
)

// Action — описание чувствительного действия, которое хочет выполнить обработчик.
type Action struct {
	Type   string         `json:"type"` // send_email, payment, post_social ...
	Params map[string]any `json:"params,omitempty"`
	Amount *float64       `json:"amount,omitempty"`
}

// AmountValue — сумма действия: явное поле или числовой params["amount"].
func (a Action) AmountValue() (float64, bool) {
	if a.Amount != nil {
		return *a.Amount, true
	}
	switch v := a.Params["amount"].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

type ApprovalRequest struct {
	ID      string         `json:"id"`
	TaskID  string         `json:"task_id,omitempty"` // Задача, из которой родился запрос
	AgentID string         `json:"agent_id"`
	Action  Action         `json:"action"`
	Status  ApprovalStatus `json:"status"`
	Reason  string         `json:"reason"`

	ReviewerID *string `json:"reviewer_id,omitempty"`
	Comment    *string `json:"comment,omitempty"`
	Outcome    string  `json:"outcome,omitempty"` // Результат исполнения после одобрения

	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// CanTransitionTo проверяет правила конечного автомата
func (a *ApprovalRequest) CanTransitionTo(next ApprovalStatus) error {
	if a.Status != StatusPending {
		return ErrAlreadyProcessed
	}
	if next == StatusPending {
		return ErrInvalidTransition
	}
	return nil
}

// Resolve переводит запрос в терминальный статус ровно один раз.
func (a *ApprovalRequest) Resolve(next ApprovalStatus) error {
	if err := a.CanTransitionTo(next); err != nil {
		return err
	}
	a.Status = next
	return nil
}

// IsExpired: дедлайн задан и уже прошел.
func (a *ApprovalRequest) IsExpired(now time.Time) bool {
	return !a.ExpiresAt.IsZero() && now.After(a.ExpiresAt)
}
