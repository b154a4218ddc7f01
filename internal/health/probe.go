package health

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/xela07ax/agentvault/internal/store"
)

// Probe проверяет одну внешнюю зависимость. nil — здорова.
type Probe func(ctx context.Context) error

// HTTPProbe: GET на /health исполнителя; 2xx и 3xx считаются здоровьем.
func HTTPProbe(url string, client *http.Client) Probe {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		if resp.StatusCode >= 400 {
			return fmt.Errorf("status %d", resp.StatusCode)
		}
		return nil
	}
}

// RedisProbe — PING.
func RedisProbe(rdb *redis.Client) Probe {
	return func(ctx context.Context) error {
		return rdb.Ping(ctx).Err()
	}
}

// StoreProbe — хранилище отвечает на листинг бэклога.
func StoreProbe(st store.Store) Probe {
	return func(ctx context.Context) error {
		_, err := st.List(ctx, store.Backlog)
		return err
	}
}
