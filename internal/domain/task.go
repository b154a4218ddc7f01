package domain

import (
	"errors"
	"time"
)

// TaskStatus производный статус задачи: истина — коллекция, в которой лежит запись.
type TaskStatus string

const (
	TaskPending TaskStatus = "pending"
	TaskClaimed TaskStatus = "claimed"
	TaskDone    TaskStatus = "done"
	TaskFailed  TaskStatus = "failed"
)

var ErrNoOwner = errors.New("task has no owner")

// Task — единица работы из общего бэклога.
type Task struct {
	ID         string            `json:"id"`
	Type       string            `json:"type"` // По нему ищется обработчик в реестре
	Status     TaskStatus        `json:"status"`
	Owner      string            `json:"owner,omitempty"` // ID агента или пусто
	Priority   string            `json:"priority,omitempty"`
	Action     string            `json:"action,omitempty"` // Действие, которое задача просит исполнить
	Amount     *float64          `json:"amount,omitempty"`
	Meta       map[string]string `json:"meta,omitempty"`
	Body       []byte            `json:"body,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	ClaimedAt  *time.Time        `json:"claimed_at,omitempty"`
	RetryCount int               `json:"retry_count"`
}

// Claim фиксирует владельца. Второй владелец невозможен, пока первый не отпустил задачу.
func (t *Task) Claim(agentID string, at time.Time) error {
	if t.Owner != "" && t.Owner != agentID {
		return ErrInvalidTransition
	}
	t.Owner = agentID
	t.Status = TaskClaimed
	t.ClaimedAt = &at
	return nil
}

// Release возвращает задачу в бэклог после сбоя. Только здесь растет RetryCount.
func (t *Task) Release() error {
	if t.Status != TaskClaimed {
		return ErrInvalidTransition
	}
	t.Owner = ""
	t.ClaimedAt = nil
	t.Status = TaskPending
	t.RetryCount++
	return nil
}

func (t *Task) Complete() error {
	if t.Status != TaskClaimed {
		return ErrInvalidTransition
	}
	t.Status = TaskDone
	return nil
}

func (t *Task) Fail() {
	t.Status = TaskFailed
}
