package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore — потокобезопасная in-memory реализация. Годится для тестов и одиночного процесса.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*memItem
	now     func() time.Time
}

type memItem struct {
	rec       *Record
	updatedAt time.Time
}

var _ Replica = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*memItem),
		now:     time.Now,
	}
}

func (m *MemoryStore) List(ctx context.Context, c Collection) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	items := make([]*Record, 0)
	for _, it := range m.records {
		if it.rec.Collection == c {
			items = append(items, it.rec)
		}
	}
	SortFIFO(items)

	ids := make([]string, len(items))
	for i, r := range items {
		ids[i] = r.ID
	}
	return ids, nil
}

func (m *MemoryStore) Read(ctx context.Context, id string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	it, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return it.rec.Clone(), nil
}

func (m *MemoryStore) ReadIn(ctx context.Context, c Collection, id string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	it, ok := m.records[id]
	if !ok || it.rec.Collection != c {
		return nil, ErrNotFound
	}
	return it.rec.Clone(), nil
}

func (m *MemoryStore) TryMove(ctx context.Context, id string, from, to Collection) (bool, error) {
	return m.TryMoveAs(ctx, id, from, to, id)
}

func (m *MemoryStore) TryMoveAs(ctx context.Context, id string, from, to Collection, newID string) (bool, error) {
	if err := validID(newID); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	it, ok := m.records[id]
	if !ok || it.rec.Collection != from {
		return false, nil
	}
	if newID != id {
		if _, taken := m.records[newID]; taken {
			return false, ErrExists
		}
		delete(m.records, id)
		it.rec.ID = newID
		m.records[newID] = it
	}
	it.rec.Collection = to
	it.updatedAt = m.now()
	return true, nil
}

func (m *MemoryStore) Put(ctx context.Context, c Collection, rec *Record) error {
	if err := validID(rec.ID); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := rec.Clone()
	cp.Collection = c
	if cp.Meta.Created.IsZero() {
		cp.Meta.Created = m.now()
	}
	m.records[cp.ID] = &memItem{rec: cp, updatedAt: m.now()}
	return nil
}

func (m *MemoryStore) Update(ctx context.Context, id string, in Collection, rec *Record) (bool, error) {
	if err := validID(id); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	it, ok := m.records[id]
	if !ok || it.rec.Collection != in {
		return false, nil
	}
	cp := rec.Clone()
	cp.ID = id
	cp.Collection = in
	if cp.Meta.Created.IsZero() {
		cp.Meta.Created = it.rec.Meta.Created
	}
	m.records[id] = &memItem{rec: cp, updatedAt: m.now()}
	return true, nil
}

func (m *MemoryStore) Collections(ctx context.Context, prefix Collection) ([]Collection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[Collection]struct{})
	for _, it := range m.records {
		if strings.HasPrefix(string(it.rec.Collection), string(prefix)) {
			seen[it.rec.Collection] = struct{}{}
		}
	}
	out := make([]Collection, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (m *MemoryStore) Snapshot(ctx context.Context) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Entry, 0, len(m.records))
	for _, it := range m.records {
		out = append(out, Entry{
			ID:         it.rec.ID,
			Collection: it.rec.Collection,
			Digest:     Digest(it.rec),
			UpdatedAt:  it.updatedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) Apply(ctx context.Context, recs []*Record) error {
	for _, r := range recs {
		if err := validID(r.ID); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for _, r := range recs {
		m.records[r.ID] = &memItem{rec: r.Clone(), updatedAt: now}
	}
	return nil
}

// SortFIFO упорядочивает записи по времени создания, при равенстве — по ID.
func SortFIFO(recs []*Record) {
	sort.SliceStable(recs, func(i, j int) bool {
		a, b := recs[i].Meta.Created, recs[j].Meta.Created
		if !a.Equal(b) {
			return a.Before(b)
		}
		return recs[i].ID < recs[j].ID
	})
}
