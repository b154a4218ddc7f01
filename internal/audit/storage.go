package audit

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/agentvault/internal/journal"
)

// Storage определяет, куда физически сохраняется аудит
type Storage interface {
	// WriteBatch сохраняет пачку событий за один раз
	WriteBatch(ctx context.Context, records []Record) error
	// Recent — последние n записей в порядке записи
	Recent(ctx context.Context, n int) ([]Record, error)
	// Since — записи не старше cutoff в порядке записи
	Since(ctx context.Context, cutoff time.Time) ([]Record, error)
}

// FileStorage хранит аудит в JSONL-журнале.
type FileStorage struct {
	j      *journal.File
	logger *zap.Logger
}

func NewFileStorage(j *journal.File, logger *zap.Logger) *FileStorage {
	return &FileStorage{j: j, logger: logger.With(zap.String("mod", "audit-file"))}
}

func (s *FileStorage) WriteBatch(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	vals := make([]any, len(records))
	for i := range records {
		vals[i] = records[i]
	}
	return s.j.Append(vals...)
}

func (s *FileStorage) Recent(ctx context.Context, n int) ([]Record, error) {
	lines, err := s.j.Tail(n)
	if err != nil {
		return nil, err
	}
	return s.decode(lines), nil
}

func (s *FileStorage) Since(ctx context.Context, cutoff time.Time) ([]Record, error) {
	lines, err := s.j.Since(cutoff)
	if err != nil {
		return nil, err
	}
	return s.decode(lines), nil
}

func (s *FileStorage) decode(lines [][]byte) []Record {
	out := make([]Record, 0, len(lines))
	for _, l := range lines {
		var r Record
		if err := json.Unmarshal(l, &r); err != nil {
			s.logger.Warn("skip corrupt audit line", zap.Error(err))
			continue
		}
		out = append(out, r)
	}
	return out
}
