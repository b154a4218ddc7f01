package postgres

import (
	"context"
	"database/sql"

	"go.uber.org/zap"

	"github.com/xela07ax/agentvault/internal/repository"
)

var Dialect = repository.Dialect{
	Name:     "postgres",
	Numbered: true,
	Schema: []string{
		`CREATE TABLE IF NOT EXISTS records (
			id TEXT PRIMARY KEY,
			collection TEXT NOT NULL,
			data BYTEA NOT NULL,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_records_collection ON records (collection, created_at, id)`,
	},
}

// NewRecordRepo — хранилище записей в таблице records. Схема создается при вызове.
func NewRecordRepo(ctx context.Context, db *sql.DB, logger *zap.Logger) (*repository.RecordRepo, error) {
	repo := repository.NewRecordRepo(db, Dialect, logger)
	if err := repo.Migrate(ctx); err != nil {
		return nil, err
	}
	return repo, nil
}
