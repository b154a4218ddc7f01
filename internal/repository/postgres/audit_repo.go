package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/xela07ax/agentvault/internal/audit"
)

const auditSchema = `CREATE TABLE IF NOT EXISTS audit_logs (
	seq BIGSERIAL PRIMARY KEY,
	id TEXT NOT NULL,
	timestamp TIMESTAMPTZ NOT NULL,
	actor TEXT NOT NULL,
	action TEXT NOT NULL,
	status TEXT NOT NULL,
	task_id TEXT,
	details JSONB,
	error TEXT,
	duration_ms BIGINT
)`

// AuditRepo — аудит в Postgres. Порядок записи задает seq.
type AuditRepo struct {
	db *sql.DB
}

var _ audit.Storage = (*AuditRepo)(nil)

func NewAuditRepo(db *sql.DB) *AuditRepo {
	return &AuditRepo{db: db}
}

func (r *AuditRepo) Migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, auditSchema); err != nil {
		return fmt.Errorf("postgres: migrate audit_logs: %w", err)
	}
	return nil
}

func (r *AuditRepo) WriteBatch(ctx context.Context, records []audit.Record) error {
	if len(records) == 0 {
		return nil
	}

	// Количество колонок во вставке
	numFields := 9
	placeholders := make([]string, 0, len(records))
	vals := make([]interface{}, 0, len(records)*numFields)

	// Динамически строим запрос для пакетной вставки
	for i, e := range records {
		p := i * numFields
		placeholders = append(placeholders, fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			p+1, p+2, p+3, p+4, p+5, p+6, p+7, p+8, p+9))

		var details []byte
		if len(e.Details) > 0 {
			details, _ = json.Marshal(e.Details)
		}
		vals = append(vals,
			e.ID, e.Timestamp, e.Actor, e.Action, string(e.Status),
			nullable(e.TaskID), details, nullable(e.Error), e.DurationMs,
		)
	}

	query := fmt.Sprintf(
		"INSERT INTO audit_logs (id, timestamp, actor, action, status, task_id, details, error, duration_ms) VALUES %s",
		strings.Join(placeholders, ","),
	)
	if _, err := r.db.ExecContext(ctx, query, vals...); err != nil {
		return fmt.Errorf("postgres: write audit batch: %w", err)
	}
	return nil
}

func (r *AuditRepo) Recent(ctx context.Context, n int) ([]audit.Record, error) {
	recs, err := r.query(ctx, `
		SELECT id, timestamp, actor, action, status, task_id, details, error, duration_ms
		FROM audit_logs ORDER BY seq DESC LIMIT $1`, n)
	if err != nil {
		return nil, err
	}
	for i, k := 0, len(recs)-1; i < k; i, k = i+1, k-1 {
		recs[i], recs[k] = recs[k], recs[i]
	}
	return recs, nil
}

func (r *AuditRepo) Since(ctx context.Context, cutoff time.Time) ([]audit.Record, error) {
	return r.query(ctx, `
		SELECT id, timestamp, actor, action, status, task_id, details, error, duration_ms
		FROM audit_logs WHERE timestamp >= $1 ORDER BY seq`, cutoff)
}

func (r *AuditRepo) query(ctx context.Context, query string, args ...any) ([]audit.Record, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: query audit: %w", err)
	}
	defer rows.Close()

	out := make([]audit.Record, 0)
	for rows.Next() {
		var (
			rec            audit.Record
			status         string
			taskID, errStr sql.NullString
			details        []byte
			duration       sql.NullInt64
		)
		if err := rows.Scan(&rec.ID, &rec.Timestamp, &rec.Actor, &rec.Action, &status,
			&taskID, &details, &errStr, &duration); err != nil {
			return nil, err
		}
		rec.Status = audit.Status(status)
		rec.TaskID = taskID.String
		rec.Error = errStr.String
		rec.DurationMs = duration.Int64
		if len(details) > 0 {
			_ = json.Unmarshal(details, &rec.Details)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
