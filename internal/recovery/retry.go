package recovery

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/avast/retry-go/v5"

	"github.com/xela07ax/agentvault/internal/domain"
)

var ErrRetriesExhausted = errors.New("retries exhausted")

type Options struct {
	Retries   int           // Всего вызовов fn (>=1)
	Backoff   float64       // Основание: задержка после k-й неудачи = Backoff^k * Unit
	Unit      time.Duration // По умолчанию секунда
	Component string
	TaskID    string
	// Category — категория операции: ее получают ошибки без явной категории.
	// Пусто — Transient, то есть нераспознанное повторяется.
	Category Category

	// OnRetry вызывается перед каждой паузой.
	OnRetry func(attempt int, delay time.Duration, err error)
}

func (o Options) withDefaults() Options {
	if o.Retries < 1 {
		o.Retries = 1
	}
	if o.Backoff < 1 {
		o.Backoff = 2
	}
	if o.Unit <= 0 {
		o.Unit = time.Second
	}
	if o.Category == "" {
		o.Category = Transient
	}
	return o
}

// Delay — пауза после k-й неудачи.
func (o Options) Delay(k int) time.Duration {
	o = o.withDefaults()
	return time.Duration(math.Pow(o.Backoff, float64(k)) * float64(o.Unit))
}

// WithRecovery повторяет fn, пока ошибки transient и попытки не кончились.
// Ошибка другой категории прерывает повторы сразу. После исчерпания пишется
// ErrorRecord с retries_exhausted и, если задан fallback, возвращается его результат.
func WithRecovery[T any](
	ctx context.Context,
	log *ErrorLog,
	fn func(ctx context.Context) (T, error),
	fallback func(ctx context.Context, lastErr error) (T, error),
	opts Options,
) (T, error) {
	opts = opts.withDefaults()

	var (
		result   T
		lastErr  error
		failures int
		fatal    bool
	)

	r := retry.New(
		retry.Context(ctx),
		retry.Attempts(uint(opts.Retries)),
		retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
			d := opts.Delay(failures)
			if opts.OnRetry != nil {
				opts.OnRetry(failures, d, lastErr)
			}
			return d
		}),
	)

	doErr := r.Do(func() error {
		v, err := fn(ctx)
		if err == nil {
			result, lastErr = v, nil
			return nil
		}
		failures++
		lastErr = err
		if ClassifyAs(err, opts.Category) != Transient {
			// Выходим из цикла повторов, ошибку вернем ниже
			fatal = true
			return nil
		}
		return err
	})

	if lastErr == nil && doErr == nil {
		return result, nil
	}
	if fatal {
		var zero T
		if cat := ClassifyAs(lastErr, opts.Category); cat != Classify(lastErr) {
			// Категория пришла из опций: помечаем, чтобы вызывающий ее увидел
			return zero, Wrap(cat, lastErr)
		}
		return zero, lastErr
	}
	if lastErr == nil {
		// Отмена контекста до первого вызова
		lastErr = doErr
	}
	if ctxErr := ctx.Err(); ctxErr != nil && failures < opts.Retries {
		var zero T
		return zero, errors.Join(ctxErr, lastErr)
	}

	if log != nil {
		_ = log.Record(ctx, domain.ErrorRecord{
			Category:         ClassifyAs(lastErr, opts.Category),
			Component:        opts.Component,
			TaskID:           opts.TaskID,
			Message:          lastErr.Error(),
			Attempt:          failures,
			RetriesExhausted: true,
		})
	}
	if fallback != nil {
		return fallback(ctx, lastErr)
	}
	var zero T
	return zero, errors.Join(ErrRetriesExhausted, lastErr)
}
