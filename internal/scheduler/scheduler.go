// Package scheduler — отменяемые периодические циклы на подменяемых часах.
package scheduler

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
)

// Every вызывает fn сразу и затем каждые interval, пока ctx не отменен.
// Ошибка fn прерывает цикл и возвращается: перезапуском занимается супервизор.
func Every(ctx context.Context, clock clockwork.Clock, interval time.Duration, fn func(ctx context.Context) error) error {
	ticker := clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := fn(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
		}
	}
}

// Loop крутит fn без пауз, пока она сообщает о сделанной работе; иначе ждет
// interval или сигнала wake.
func Loop(ctx context.Context, clock clockwork.Clock, interval time.Duration, wake <-chan struct{}, fn func(ctx context.Context) (bool, error)) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		worked, err := fn(ctx)
		if err != nil {
			return err
		}
		if worked {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-clock.After(interval):
		case <-wake:
		}
	}
}
