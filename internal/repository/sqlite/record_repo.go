// Package sqlite — хранилище записей в одном файле SQLite (modernc, без cgo).
package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"
	_ "modernc.org/sqlite" // Драйвер SQLite

	"github.com/xela07ax/agentvault/internal/repository"
)

var Dialect = repository.Dialect{
	Name: "sqlite",
	Schema: []string{
		`CREATE TABLE IF NOT EXISTS records (
			id TEXT PRIMARY KEY,
			collection TEXT NOT NULL,
			data BLOB NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_records_collection ON records (collection, created_at, id)`,
	},
}

// Open открывает (и при необходимости создает) базу и таблицу records.
func Open(ctx context.Context, path string, logger *zap.Logger) (*repository.RecordRepo, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)")
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	// Один писатель за раз
	db.SetMaxOpenConns(1)

	repo := repository.NewRecordRepo(db, Dialect, logger)
	if err := repo.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return repo, nil
}
