package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/xela07ax/agentvault/internal/domain"
)

// OperatorRepo — операторы консоли в Postgres.
type OperatorRepo struct {
	db *sql.DB
}

func NewOperatorRepo(db *sql.DB) *OperatorRepo {
	return &OperatorRepo{db: db}
}

func (r *OperatorRepo) Migrate(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS operators (
			id            TEXT PRIMARY KEY,
			username      TEXT UNIQUE NOT NULL,
			password_hash TEXT NOT NULL,
			scopes        JSONB NOT NULL DEFAULT '{}',
			created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
		)`)
	return err
}

func (r *OperatorRepo) Upsert(ctx context.Context, op *domain.Operator) error {
	scopes, err := json.Marshal(op.Scopes)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO operators (id, username, password_hash, scopes)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (username) DO UPDATE SET password_hash = EXCLUDED.password_hash, scopes = EXCLUDED.scopes`,
		op.ID, op.Username, op.PasswordHash, scopes)
	return err
}

// GetOperator возвращает (nil, nil), если оператора нет.
func (r *OperatorRepo) GetOperator(ctx context.Context, username string) (*domain.Operator, error) {
	query := `SELECT id, username, password_hash, scopes, created_at FROM operators WHERE username = $1`

	op := &domain.Operator{}
	var scopes []byte
	err := r.db.QueryRowContext(ctx, query, username).Scan(&op.ID, &op.Username, &op.PasswordHash, &scopes, &op.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get operator: %w", err)
	}
	if err := json.Unmarshal(scopes, &op.Scopes); err != nil {
		return nil, fmt.Errorf("operator %s scopes: %w", username, err)
	}
	return op, nil
}
