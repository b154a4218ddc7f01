package recovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/xela07ax/agentvault/internal/domain"
	"github.com/xela07ax/agentvault/internal/store"
)

// QuarantineReasons — коллекция для пояснений, если хранилище не умеет sidecar-файлы.
const QuarantineReasons = store.Quarantine + "/reasons"

const maxRenameAttempts = 3

// SidecarWriter — хранилища, которые кладут пояснение рядом с записью (<id>.reason).
type SidecarWriter interface {
	PutSidecar(c store.Collection, id, suffix string, data []byte) error
}

type quarantineNote struct {
	ID         string    `yaml:"id"`
	OriginalID string    `yaml:"original_id"`
	From       string    `yaml:"from"`
	Reason     string    `yaml:"reason"`
	Component  string    `yaml:"component,omitempty"`
	Timestamp  time.Time `yaml:"timestamp"`
}

type Quarantine struct {
	st     store.Store
	errs   *ErrorLog
	logger *zap.Logger
	now    func() time.Time
}

func NewQuarantine(st store.Store, errs *ErrorLog, logger *zap.Logger) *Quarantine {
	return &Quarantine{st: st, errs: errs, logger: logger.Named("quarantine"), now: time.Now}
}

// Isolate переносит запись в карантин и оставляет пояснение. При совпадении
// имени в карантине добавляется уникальный суффикс; существующее не затирается.
// Возвращает ID записи в карантине.
func (q *Quarantine) Isolate(ctx context.Context, id string, from store.Collection, component, reason string) (string, error) {
	newID := id
	for attempt := 0; ; attempt++ {
		ok, err := q.st.TryMoveAs(ctx, id, from, store.Quarantine, newID)
		if errors.Is(err, store.ErrExists) && attempt < maxRenameAttempts {
			newID = fmt.Sprintf("%s_%s", id, uuid.NewString()[:8])
			continue
		}
		if err != nil {
			return "", fmt.Errorf("quarantine %s: %w", id, err)
		}
		if !ok {
			return "", fmt.Errorf("quarantine %s: %w", id, store.ErrNotFound)
		}
		break
	}

	note := quarantineNote{
		ID:         newID,
		OriginalID: id,
		From:       string(from),
		Reason:     reason,
		Component:  component,
		Timestamp:  q.now().UTC(),
	}
	if err := q.writeNote(ctx, note); err != nil {
		// Запись уже в карантине, пояснение вторично
		q.logger.Warn("quarantine note not written", zap.String("id", newID), zap.Error(err))
	}

	if q.errs != nil {
		_ = q.errs.Record(ctx, domain.ErrorRecord{
			Category:  domain.CategoryData,
			Component: component,
			TaskID:    id,
			Message:   "quarantined: " + reason,
		})
	}
	q.logger.Warn("record quarantined", zap.String("id", id), zap.String("quarantine_id", newID), zap.String("reason", reason))
	return newID, nil
}

func (q *Quarantine) writeNote(ctx context.Context, note quarantineNote) error {
	data, err := yaml.Marshal(note)
	if err != nil {
		return err
	}
	if sw, ok := q.st.(SidecarWriter); ok {
		return sw.PutSidecar(store.Quarantine, note.ID, "reason", data)
	}
	return q.st.Put(ctx, QuarantineReasons, &store.Record{
		ID: note.ID + ".reason",
		Meta: store.Meta{
			Type:      "quarantine_reason",
			Reason:    note.Reason,
			Component: note.Component,
			Created:   note.Timestamp,
		},
		Body: data,
	})
}
