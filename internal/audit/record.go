package audit

import (
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
	StatusPending Status = "pending"
	StatusSkipped Status = "skipped"
)

// Record — строка аудита. Пишется один раз и больше не меняется.
type Record struct {
	ID        string    `json:"id"`        // UUID события
	Timestamp time.Time `json:"timestamp"` // Время записи
	Actor     string    `json:"actor"`     // Агент или компонент
	Action    string    `json:"action"`    // Что делали (task.complete, approval.execute, ...)
	Status    Status    `json:"status"`

	TaskID     string         `json:"task_id,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	Error      string         `json:"error,omitempty"`
	DurationMs int64          `json:"duration_ms,omitempty"` // Время обработки
}

// New заполняет ID и время.
func New(actor, action string, status Status) Record {
	return Record{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Actor:     actor,
		Action:    action,
		Status:    status,
	}
}

func (r Record) WithTask(id string) Record {
	r.TaskID = id
	return r
}

func (r Record) WithError(err error) Record {
	if err != nil {
		r.Error = err.Error()
	}
	return r
}

func (r Record) WithDetail(key string, v any) Record {
	d := make(map[string]any, len(r.Details)+1)
	for k, old := range r.Details {
		d[k] = old
	}
	d[key] = v
	r.Details = d
	return r
}

func (r Record) WithDuration(d time.Duration) Record {
	r.DurationMs = d.Milliseconds()
	return r
}
