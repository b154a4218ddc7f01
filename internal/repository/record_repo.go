// Package repository — общая SQL-реализация хранилища записей.
// Драйверы и схема конкретной СУБД живут в подпакетах postgres и sqlite.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/agentvault/internal/store"
)

// Dialect — различия между СУБД.
type Dialect struct {
	Name   string
	Schema []string
	// Numbered: плейсхолдеры $1..$N вместо ?
	Numbered bool
}

// RecordRepo хранит записи в таблице records. Переход между коллекциями —
// UPDATE с условием на исходную коллекцию; успех = одна затронутая строка.
type RecordRepo struct {
	db      *sql.DB
	dialect Dialect
	logger  *zap.Logger
	now     func() time.Time
}

var _ store.Replica = (*RecordRepo)(nil)

func NewRecordRepo(db *sql.DB, d Dialect, logger *zap.Logger) *RecordRepo {
	return &RecordRepo{
		db:      db,
		dialect: d,
		logger:  logger.Named("records").With(zap.String("db", d.Name)),
		now:     time.Now,
	}
}

// Migrate создает таблицу, если ее нет.
func (r *RecordRepo) Migrate(ctx context.Context) error {
	for _, stmt := range r.dialect.Schema {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%s: migrate: %w", r.dialect.Name, err)
		}
	}
	return nil
}

func (r *RecordRepo) DB() *sql.DB { return r.db }

// q переписывает ? в $N для СУБД с нумерованными параметрами.
func (r *RecordRepo) q(query string) string {
	if !r.dialect.Numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, ch := range query {
		if ch == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(ch)
	}
	return b.String()
}

func (r *RecordRepo) List(ctx context.Context, c store.Collection) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		r.q(`SELECT id FROM records WHERE collection = ? ORDER BY created_at, id`), string(c))
	if err != nil {
		return nil, fmt.Errorf("%s: list %s: %w", r.dialect.Name, c, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *RecordRepo) Read(ctx context.Context, id string) (*store.Record, error) {
	if err := store.ValidateID(id); err != nil {
		return nil, err
	}
	var (
		col  string
		data []byte
	)
	err := r.db.QueryRowContext(ctx, r.q(`SELECT collection, data FROM records WHERE id = ?`), id).Scan(&col, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%s: read %s: %w", r.dialect.Name, id, err)
	}
	rec, err := store.Decode(id, data)
	if err != nil {
		return nil, err
	}
	rec.Collection = store.Collection(col)
	return rec, nil
}

func (r *RecordRepo) TryMove(ctx context.Context, id string, from, to store.Collection) (bool, error) {
	return r.TryMoveAs(ctx, id, from, to, id)
}

func (r *RecordRepo) TryMoveAs(ctx context.Context, id string, from, to store.Collection, newID string) (bool, error) {
	if err := store.ValidateID(id); err != nil {
		return false, err
	}
	if err := store.ValidateID(newID); err != nil {
		return false, err
	}
	if newID != id {
		exists, err := r.exists(ctx, newID)
		if err != nil {
			return false, err
		}
		if exists {
			return false, store.ErrExists
		}
	}

	res, err := r.db.ExecContext(ctx,
		r.q(`UPDATE records SET collection = ?, id = ?, updated_at = ? WHERE id = ? AND collection = ?`),
		string(to), newID, r.now().UnixMilli(), id, string(from))
	if err != nil {
		// Гонка за новый ID: уникальный ключ отбил вставку
		if newID != id {
			if exists, _ := r.exists(ctx, newID); exists {
				return false, store.ErrExists
			}
		}
		return false, fmt.Errorf("%s: move %s %s->%s: %w", r.dialect.Name, id, from, to, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *RecordRepo) exists(ctx context.Context, id string) (bool, error) {
	var one int
	err := r.db.QueryRowContext(ctx, r.q(`SELECT 1 FROM records WHERE id = ?`), id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (r *RecordRepo) upsert(ctx context.Context, ex execer, c store.Collection, rec *store.Record) error {
	cp := rec.Clone()
	if cp.Meta.Created.IsZero() {
		cp.Meta.Created = r.now().UTC()
	}
	data, err := store.Encode(cp)
	if err != nil {
		return err
	}
	_, err = ex.ExecContext(ctx, r.q(`
		INSERT INTO records (id, collection, data, created_at, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET collection = excluded.collection, data = excluded.data,
			created_at = excluded.created_at, updated_at = excluded.updated_at`),
		cp.ID, string(c), data, cp.Meta.Created.UnixMilli(), r.now().UnixMilli())
	return err
}

func (r *RecordRepo) Put(ctx context.Context, c store.Collection, rec *store.Record) error {
	if err := store.ValidateID(rec.ID); err != nil {
		return err
	}
	if err := r.upsert(ctx, r.db, c, rec); err != nil {
		return fmt.Errorf("%s: put %s: %w", r.dialect.Name, rec.ID, err)
	}
	return nil
}

// Update не трогает created_at: порядок в коллекции задан при создании.
func (r *RecordRepo) Update(ctx context.Context, id string, in store.Collection, rec *store.Record) (bool, error) {
	if err := store.ValidateID(id); err != nil {
		return false, err
	}
	cp := rec.Clone()
	cp.ID = id
	if cp.Meta.Created.IsZero() {
		cp.Meta.Created = r.now().UTC()
	}
	data, err := store.Encode(cp)
	if err != nil {
		return false, err
	}
	res, err := r.db.ExecContext(ctx,
		r.q(`UPDATE records SET data = ?, updated_at = ? WHERE id = ? AND collection = ?`),
		data, r.now().UnixMilli(), id, string(in))
	if err != nil {
		return false, fmt.Errorf("%s: update %s in %s: %w", r.dialect.Name, id, in, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *RecordRepo) Collections(ctx context.Context, prefix store.Collection) ([]store.Collection, error) {
	rows, err := r.db.QueryContext(ctx,
		r.q(`SELECT DISTINCT collection FROM records WHERE collection LIKE ?`), string(prefix)+"%")
	if err != nil {
		return nil, fmt.Errorf("%s: collections: %w", r.dialect.Name, err)
	}
	defer rows.Close()

	var out []store.Collection
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		out = append(out, store.Collection(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, rows.Err()
}

func (r *RecordRepo) Snapshot(ctx context.Context) ([]store.Entry, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, collection, data, updated_at FROM records ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("%s: snapshot: %w", r.dialect.Name, err)
	}
	defer rows.Close()

	var out []store.Entry
	for rows.Next() {
		var (
			e       store.Entry
			col     string
			data    []byte
			updated int64
		)
		if err := rows.Scan(&e.ID, &col, &data, &updated); err != nil {
			return nil, err
		}
		e.Collection = store.Collection(col)
		e.UpdatedAt = time.UnixMilli(updated)
		if rec, err := store.Decode(e.ID, data); err == nil {
			rec.Collection = e.Collection
			e.Digest = store.Digest(rec)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *RecordRepo) Apply(ctx context.Context, recs []*store.Record) error {
	for _, rec := range recs {
		if err := store.ValidateID(rec.ID); err != nil {
			return err
		}
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%s: begin: %w", r.dialect.Name, err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, rec := range recs {
		if err := r.upsert(ctx, tx, rec.Collection, rec); err != nil {
			return fmt.Errorf("%s: apply %s: %w", r.dialect.Name, rec.ID, err)
		}
	}
	return tx.Commit()
}
