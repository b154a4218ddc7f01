package recovery

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sourcegraph/conc/panics"
	"go.uber.org/zap"

	"github.com/xela07ax/agentvault/internal/domain"
)

// Supervisor перезапускает циклы после паники или ошибки с фиксированной задержкой.
type Supervisor struct {
	clock  clockwork.Clock
	errs   *ErrorLog
	logger *zap.Logger
	delay  time.Duration

	// OnRestart — хук для метрик
	OnRestart func(name string)
}

func NewSupervisor(clock clockwork.Clock, errs *ErrorLog, restartDelay time.Duration, logger *zap.Logger) *Supervisor {
	return &Supervisor{clock: clock, errs: errs, delay: restartDelay, logger: logger.Named("supervisor")}
}

// Supervise крутит loop до отмены ctx. Нормальный выход loop без ошибки завершает надзор.
func (s *Supervisor) Supervise(ctx context.Context, name string, loop func(ctx context.Context) error) {
	log := s.logger.With(zap.String("loop", name))
	for {
		var (
			pc  panics.Catcher
			err error
		)
		pc.Try(func() { err = loop(ctx) })

		if ctx.Err() != nil {
			log.Info("loop stopped")
			return
		}

		rec := domain.ErrorRecord{Category: domain.CategorySystem, Component: name}
		switch r := pc.Recovered(); {
		case r != nil:
			rec.Message = fmt.Sprintf("%v: %v", ErrPanic, r.Value)
			rec.Stack = string(r.Stack)
		case err != nil:
			rec.Category = Classify(err)
			rec.Message = err.Error()
		default:
			log.Info("loop finished")
			return
		}

		if s.errs != nil {
			_ = s.errs.Record(ctx, rec)
		} else {
			log.Error("loop crashed", zap.String("error", rec.Message), zap.String("stack", rec.Stack))
		}
		if s.OnRestart != nil {
			s.OnRestart(name)
		}

		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(s.delay):
			log.Warn("restarting loop", zap.Duration("delay", s.delay))
		}
	}
}
