package recovery

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/agentvault/internal/domain"
	"github.com/xela07ax/agentvault/internal/journal"
)

// ErrorLog — журнал ErrorRecord (JSONL) с зеркалом в zap.
type ErrorLog struct {
	j      *journal.File
	logger *zap.Logger
	now    func() time.Time
}

func NewErrorLog(j *journal.File, logger *zap.Logger) *ErrorLog {
	return &ErrorLog{j: j, logger: logger.Named("errors"), now: time.Now}
}

func (l *ErrorLog) Record(ctx context.Context, rec domain.ErrorRecord) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = l.now().UTC()
	}

	fields := []zap.Field{
		zap.String("category", string(rec.Category)),
		zap.String("component", rec.Component),
		zap.String("task_id", rec.TaskID),
		zap.Int("attempt", rec.Attempt),
		zap.Bool("retries_exhausted", rec.RetriesExhausted),
	}
	if rec.Stack != "" {
		fields = append(fields, zap.String("stack", rec.Stack))
	}
	l.logger.Error(rec.Message, fields...)

	if l.j == nil {
		return nil
	}
	return l.j.Append(rec)
}

func (l *ErrorLog) Recent(ctx context.Context, n int) ([]domain.ErrorRecord, error) {
	if l.j == nil {
		return nil, nil
	}
	lines, err := l.j.Tail(n)
	if err != nil {
		return nil, err
	}
	return decodeErrors(lines), nil
}

func (l *ErrorLog) Since(ctx context.Context, cutoff time.Time) ([]domain.ErrorRecord, error) {
	if l.j == nil {
		return nil, nil
	}
	lines, err := l.j.Since(cutoff)
	if err != nil {
		return nil, err
	}
	return decodeErrors(lines), nil
}

func decodeErrors(lines [][]byte) []domain.ErrorRecord {
	out := make([]domain.ErrorRecord, 0, len(lines))
	for _, l := range lines {
		var r domain.ErrorRecord
		if json.Unmarshal(l, &r) == nil {
			out = append(out, r)
		}
	}
	return out
}
