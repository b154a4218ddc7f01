package recovery

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/agentvault/internal/domain"
	"github.com/xela07ax/agentvault/internal/store"
)

// ReviewQueue — задачи, чей результат требует ручного разбора. Автоматически не исполняются.
type ReviewQueue struct {
	st     store.Store
	errs   *ErrorLog
	logger *zap.Logger
	now    func() time.Time
}

func NewReviewQueue(st store.Store, errs *ErrorLog, logger *zap.Logger) *ReviewQueue {
	return &ReviewQueue{st: st, errs: errs, logger: logger.Named("review"), now: time.Now}
}

// Enqueue переносит запись в Human_Review и дописывает в тело причину и вывод обработчика.
func (q *ReviewQueue) Enqueue(ctx context.Context, id string, from store.Collection, component, reason, output string) error {
	ok, err := q.st.TryMove(ctx, id, from, store.Review)
	if err != nil {
		return fmt.Errorf("review %s: %w", id, err)
	}
	if !ok {
		return fmt.Errorf("review %s: %w", id, store.ErrNotFound)
	}

	// После переноса запись наша, перезапись безопасна
	rec, err := q.st.Read(ctx, id)
	if err != nil {
		return fmt.Errorf("review %s: %w", id, err)
	}
	rec.Meta.Reason = reason
	rec.Meta.Component = component

	var body bytes.Buffer
	body.Write(rec.Body)
	fmt.Fprintf(&body, "\n\n## Human review\n\n- reason: %s\n- queued: %s\n", reason, q.now().UTC().Format(time.RFC3339))
	if output != "" {
		fmt.Fprintf(&body, "\n```\n%s\n```\n", output)
	}
	rec.Body = body.Bytes()
	if err := q.st.Put(ctx, store.Review, rec); err != nil {
		return fmt.Errorf("review %s: %w", id, err)
	}

	if q.errs != nil {
		_ = q.errs.Record(ctx, domain.ErrorRecord{
			Category:  domain.CategoryLogic,
			Component: component,
			TaskID:    id,
			Message:   reason,
		})
	}
	q.logger.Info("queued for human review", zap.String("id", id), zap.String("reason", reason))
	return nil
}

func (q *ReviewQueue) List(ctx context.Context) ([]string, error) {
	return q.st.List(ctx, store.Review)
}
