// Package fsstore хранит записи как markdown-файлы с YAML front-matter:
// <root>/<collection>/<id>.md. Переход между коллекциями — атомарный rename.
package fsstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xela07ax/agentvault/internal/store"
)

const ext = ".md"

// Каталог для временных файлов; в коллекции не попадает.
const tmpDir = ".tmp"

type Store struct {
	root   string
	logger *zap.Logger
}

var _ store.Replica = (*Store)(nil)

func New(root string, logger *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(root, tmpDir), 0o755); err != nil {
		return nil, fmt.Errorf("init store root: %w", err)
	}
	return &Store{root: root, logger: logger.Named("fsstore")}, nil
}

func (s *Store) Root() string { return s.root }

func (s *Store) dir(c store.Collection) string {
	return filepath.Join(s.root, filepath.FromSlash(string(c)))
}

func (s *Store) path(c store.Collection, id string) string {
	return filepath.Join(s.dir(c), id+ext)
}

type fileInfo struct {
	id      string
	created time.Time
}

func (s *Store) List(ctx context.Context, c store.Collection) ([]string, error) {
	entries, err := os.ReadDir(s.dir(c))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", c, err)
	}

	files := make([]fileInfo, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ext) {
			continue
		}
		id := strings.TrimSuffix(e.Name(), ext)
		fi := fileInfo{id: id}
		// Битая запись все равно попадает в выдачу, иначе ее не отправить в карантин.
		if rec, err := s.readAt(c, id); err == nil && !rec.Meta.Created.IsZero() {
			fi.created = rec.Meta.Created
		} else if info, err := e.Info(); err == nil {
			fi.created = info.ModTime()
		}
		files = append(files, fi)
	}
	sort.SliceStable(files, func(i, j int) bool {
		if !files[i].created.Equal(files[j].created) {
			return files[i].created.Before(files[j].created)
		}
		return files[i].id < files[j].id
	})

	ids := make([]string, len(files))
	for i, f := range files {
		ids[i] = f.id
	}
	return ids, nil
}

func (s *Store) readAt(c store.Collection, id string) (*store.Record, error) {
	data, err := os.ReadFile(s.path(c, id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	rec, err := store.Decode(id, data)
	if err != nil {
		return nil, err
	}
	rec.Collection = c
	return rec, nil
}

// locate ищет коллекцию, в которой лежит id.
func (s *Store) locate(id string) (store.Collection, error) {
	var found store.Collection
	target := id + ext
	err := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == tmpDir {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Name() != target {
			return nil
		}
		rel, err := filepath.Rel(s.root, filepath.Dir(p))
		if err != nil {
			return err
		}
		found = store.Collection(filepath.ToSlash(rel))
		return fs.SkipAll
	})
	if err != nil {
		return "", err
	}
	if found == "" {
		return "", store.ErrNotFound
	}
	return found, nil
}

func (s *Store) Read(ctx context.Context, id string) (*store.Record, error) {
	if err := store.ValidateID(id); err != nil {
		return nil, err
	}
	c, err := s.locate(id)
	if err != nil {
		return nil, err
	}
	return s.readAt(c, id)
}

func (s *Store) TryMove(ctx context.Context, id string, from, to store.Collection) (bool, error) {
	return s.TryMoveAs(ctx, id, from, to, id)
}

func (s *Store) TryMoveAs(ctx context.Context, id string, from, to store.Collection, newID string) (bool, error) {
	if err := store.ValidateID(id); err != nil {
		return false, err
	}
	if err := store.ValidateID(newID); err != nil {
		return false, err
	}
	if err := os.MkdirAll(s.dir(to), 0o755); err != nil {
		return false, fmt.Errorf("prepare %s: %w", to, err)
	}

	err := renameNoReplace(s.path(from, id), s.path(to, newID))
	switch {
	case err == nil:
		s.logger.Debug("moved", zap.String("id", id), zap.String("from", string(from)), zap.String("to", string(to)))
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		// Запись уже забрал другой агент
		return false, nil
	case errors.Is(err, fs.ErrExist):
		return false, store.ErrExists
	default:
		return false, fmt.Errorf("move %s %s->%s: %w", id, from, to, err)
	}
}

// writeTemp пишет содержимое во временный файл и возвращает его путь.
func (s *Store) writeTemp(rec *store.Record) (string, error) {
	data, err := store.Encode(rec)
	if err != nil {
		return "", err
	}
	tmp := filepath.Join(s.root, tmpDir, rec.ID+"."+uuid.NewString())
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("write temp: %w", err)
	}
	return tmp, nil
}

func (s *Store) Put(ctx context.Context, c store.Collection, rec *store.Record) error {
	if err := store.ValidateID(rec.ID); err != nil {
		return err
	}
	cp := rec.Clone()
	if cp.Meta.Created.IsZero() {
		cp.Meta.Created = time.Now().UTC()
	}
	if err := os.MkdirAll(s.dir(c), 0o755); err != nil {
		return fmt.Errorf("prepare %s: %w", c, err)
	}
	tmp, err := s.writeTemp(cp)
	if err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path(c, cp.ID)); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("put %s: %w", cp.ID, err)
	}
	return nil
}

// Update подменяет файл записи новым содержимым, только если файл на месте.
// Подмена — атомарный обмен с временным файлом.
func (s *Store) Update(ctx context.Context, id string, in store.Collection, rec *store.Record) (bool, error) {
	if err := store.ValidateID(id); err != nil {
		return false, err
	}
	cp := rec.Clone()
	cp.ID = id
	if cp.Meta.Created.IsZero() {
		cp.Meta.Created = time.Now().UTC()
	}
	tmp, err := s.writeTemp(cp)
	if err != nil {
		return false, err
	}
	// После обмена во временном файле остается старое содержимое
	defer os.Remove(tmp)

	err = exchange(tmp, s.path(in, id))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("update %s in %s: %w", id, in, err)
	}
}

// ReadIn читает запись из известной коллекции, не обходя все хранилище.
func (s *Store) ReadIn(ctx context.Context, c store.Collection, id string) (*store.Record, error) {
	if err := store.ValidateID(id); err != nil {
		return nil, err
	}
	return s.readAt(c, id)
}

// PutSidecar кладет рядом с записью служебный файл (<id>.<suffix>), например причину карантина.
func (s *Store) PutSidecar(c store.Collection, id, suffix string, data []byte) error {
	if err := store.ValidateID(id); err != nil {
		return err
	}
	if err := os.MkdirAll(s.dir(c), 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(s.dir(c), id+"."+suffix), data, 0o644)
}

func (s *Store) Collections(ctx context.Context, prefix store.Collection) ([]store.Collection, error) {
	seen := make(map[store.Collection]struct{})
	err := filepath.WalkDir(s.dir(prefix), func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return fs.SkipAll
			}
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ext) {
			return nil
		}
		rel, err := filepath.Rel(s.root, filepath.Dir(p))
		if err != nil {
			return err
		}
		seen[store.Collection(filepath.ToSlash(rel))] = struct{}{}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("collections %s: %w", prefix, err)
	}

	out := make([]store.Collection, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (s *Store) Snapshot(ctx context.Context) ([]store.Entry, error) {
	var out []store.Entry
	err := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == tmpDir {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(d.Name(), ext) {
			return nil
		}
		rel, err := filepath.Rel(s.root, filepath.Dir(p))
		if err != nil {
			return err
		}
		c := store.Collection(filepath.ToSlash(rel))
		id := strings.TrimSuffix(d.Name(), ext)
		info, err := d.Info()
		if err != nil {
			return err
		}
		digest, err := s.digest(c, id, p)
		if err != nil {
			return err
		}
		out = append(out, store.Entry{ID: id, Collection: c, Digest: digest, UpdatedAt: info.ModTime()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) digest(c store.Collection, id, p string) (string, error) {
	data, err := os.ReadFile(p)
	if err != nil {
		return "", err
	}
	if rec, err := store.Decode(id, data); err == nil {
		rec.Collection = c
		return store.Digest(rec), nil
	}
	sum := sha256.Sum256(append([]byte(string(c)+"\x00"), data...))
	return hex.EncodeToString(sum[:]), nil
}

// Apply сначала пишет все записи во временные файлы и только потом переносит их на место.
// Ошибка на этапе подготовки оставляет хранилище нетронутым.
func (s *Store) Apply(ctx context.Context, recs []*store.Record) error {
	type staged struct {
		tmp string
		rec *store.Record
		old store.Collection
	}

	plan := make([]staged, 0, len(recs))
	cleanup := func() {
		for _, st := range plan {
			_ = os.Remove(st.tmp)
		}
	}
	for _, r := range recs {
		if err := store.ValidateID(r.ID); err != nil {
			cleanup()
			return err
		}
		old, err := s.locate(r.ID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			cleanup()
			return err
		}
		tmp, err := s.writeTemp(r)
		if err != nil {
			cleanup()
			return err
		}
		plan = append(plan, staged{tmp: tmp, rec: r, old: old})
		if err := os.MkdirAll(s.dir(r.Collection), 0o755); err != nil {
			cleanup()
			return err
		}
	}

	for i, st := range plan {
		if err := os.Rename(st.tmp, s.path(st.rec.Collection, st.rec.ID)); err != nil {
			for _, rest := range plan[i:] {
				_ = os.Remove(rest.tmp)
			}
			return fmt.Errorf("apply %s: %w", st.rec.ID, err)
		}
		if st.old != "" && st.old != st.rec.Collection {
			_ = os.Remove(s.path(st.old, st.rec.ID))
		}
	}
	return nil
}
