package engine

import (
	"github.com/xela07ax/agentvault/internal/domain"
	"github.com/xela07ax/agentvault/internal/store"
)

// TaskFromRecord — статус задачи выводится из коллекции, в которой лежит запись.
func TaskFromRecord(rec *store.Record) *domain.Task {
	t := &domain.Task{
		ID:         rec.ID,
		Type:       rec.Meta.Type,
		Owner:      rec.Meta.Owner,
		Priority:   rec.Meta.Priority,
		Action:     rec.Meta.Action,
		Amount:     rec.Meta.Amount,
		Body:       rec.Body,
		CreatedAt:  rec.Meta.Created,
		ClaimedAt:  rec.Meta.ClaimedAt,
		RetryCount: rec.Meta.RetryCount,
	}
	if len(rec.Meta.Extra) > 0 {
		t.Meta = make(map[string]string, len(rec.Meta.Extra))
		for k, v := range rec.Meta.Extra {
			t.Meta[k] = v
		}
	}

	switch c := rec.Collection; {
	case c == store.Backlog:
		t.Status = domain.TaskPending
	case c == store.Done:
		t.Status = domain.TaskDone
	case c == store.Failed, c == store.Quarantine, c == store.Review:
		t.Status = domain.TaskFailed
	default:
		if owner, ok := c.Owner(); ok {
			t.Status = domain.TaskClaimed
			t.Owner = owner
		}
	}
	return t
}
