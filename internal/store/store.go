// Package store описывает общее хранилище записей (задачи, запросы на одобрение, карантин),
// разложенных по именованным коллекциям. Единственный примитив конкуренции — TryMove.
package store

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Collection — именованная группа записей ("состояние").
type Collection string

const (
	Backlog         Collection = "Needs_Action"
	InProgress      Collection = "In_Progress"
	PendingApproval Collection = "Pending_Approval"
	Approved        Collection = "Approved"
	Rejected        Collection = "Rejected"
	Executing       Collection = "Executing"
	Done            Collection = "Done"
	Failed          Collection = "Failed"
	Quarantine      Collection = "Quarantine"
	Review          Collection = "Human_Review"
	Updates         Collection = "Updates"
)

// Claimed возвращает персональную коллекцию агента: In_Progress/<agent>.
func Claimed(agentID string) Collection {
	return InProgress + "/" + Collection(agentID)
}

// Owner извлекает ID агента из In_Progress/<agent>; ok=false для остальных коллекций.
func (c Collection) Owner() (string, bool) {
	prefix := string(InProgress) + "/"
	if !strings.HasPrefix(string(c), prefix) {
		return "", false
	}
	return strings.TrimPrefix(string(c), prefix), true
}

var (
	ErrNotFound  = errors.New("record not found")
	ErrExists    = errors.New("record already exists in destination")
	ErrMalformed = errors.New("malformed record")
	ErrInvalidID = errors.New("invalid record id")
)

// Store — контракт хранилища. Реализации: память, файловая система, Redis, SQLite, Postgres.
type Store interface {
	// List возвращает ID в порядке поступления (created), при равенстве — по ID.
	List(ctx context.Context, c Collection) ([]string, error)
	// Read ищет запись по ID во всех коллекциях.
	Read(ctx context.Context, id string) (*Record, error)
	// TryMove атомарен относительно субстрата: из N гонщиков ровно один получит true.
	TryMove(ctx context.Context, id string, from, to Collection) (bool, error)
	// TryMoveAs — то же с переименованием; существующую запись в назначении не перезаписывает (ErrExists).
	TryMoveAs(ctx context.Context, id string, from, to Collection, newID string) (bool, error)
	// Put создает запись или перезаписывает содержимое в коллекции c.
	// Перезапись безопасна только для владельца записи (после TryMove).
	Put(ctx context.Context, c Collection, rec *Record) error
	// Update перезаписывает содержимое, только если запись сейчас лежит в коллекции in.
	// false — запись ушла (например, ее вернул sweeper); содержимое не тронуто.
	Update(ctx context.Context, id string, in Collection, rec *Record) (bool, error)
	// Collections перечисляет непустые коллекции с заданным префиксом (например, In_Progress).
	Collections(ctx context.Context, prefix Collection) ([]Collection, error)
}

// ScopedReader — хранилище, которое читает запись из известной коллекции без поиска по всем.
type ScopedReader interface {
	ReadIn(ctx context.Context, c Collection, id string) (*Record, error)
}

// ReadIn читает запись из коллекции c. Если запись лежит в другой коллекции — ErrNotFound.
func ReadIn(ctx context.Context, st Store, c Collection, id string) (*Record, error) {
	if sr, ok := st.(ScopedReader); ok {
		return sr.ReadIn(ctx, c, id)
	}
	rec, err := st.Read(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Collection != c {
		return nil, ErrNotFound
	}
	return rec, nil
}

// Entry — версия записи для репликации.
type Entry struct {
	ID         string
	Collection Collection
	Digest     string
	UpdatedAt  time.Time
}

// Replica — хранилище, которое умеет отдавать снимок и применять изменения пачкой.
type Replica interface {
	Store
	Snapshot(ctx context.Context) ([]Entry, error)
	// Apply применяет все записи или ни одной.
	Apply(ctx context.Context, recs []*Record) error
}

func validID(id string) error {
	if id == "" || strings.ContainsAny(id, "/\\") || id == "." || id == ".." {
		return ErrInvalidID
	}
	return nil
}

// ValidateID проверяет, что ID пригоден как имя файла/ключа.
func ValidateID(id string) error { return validID(id) }
