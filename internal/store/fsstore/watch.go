package fsstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/xela07ax/agentvault/internal/store"
)

// Notify сигнализирует о появлении новых файлов в коллекции.
// Канал закрывается при отмене ctx.
func (s *Store) Notify(ctx context.Context, c store.Collection) (<-chan struct{}, error) {
	dir := s.dir(c)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watcher: %w", err)
	}
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	out := make(chan struct{}, 1)
	go func() {
		defer close(out)
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if !strings.HasSuffix(filepath.Base(ev.Name), ext) {
					continue
				}
				if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) && !ev.Has(fsnotify.Write) {
					continue
				}
				select {
				case out <- struct{}{}:
				default:
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				s.logger.Warn("watch error", zap.String("collection", string(c)), zap.Error(err))
			}
		}
	}()
	return out, nil
}
