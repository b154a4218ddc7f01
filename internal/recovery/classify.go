// Package recovery классифицирует сбои и применяет стратегию по категории:
// повтор с backoff, пауза компонента, ручной разбор, карантин, рестарт цикла.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"

	"github.com/xela07ax/agentvault/internal/domain"
	"github.com/xela07ax/agentvault/internal/store"
)

type Category = domain.ErrorCategory

const (
	Transient = domain.CategoryTransient
	Auth      = domain.CategoryAuth
	Logic     = domain.CategoryLogic
	Data      = domain.CategoryData
	System    = domain.CategorySystem
)

var ErrPanic = errors.New("panic")

// Error — ошибка с явной категорией. Побеждает любые эвристики Classify.
type Error struct {
	Category  Category
	Component string
	Err       error
}

func (e *Error) Error() string {
	if e.Component != "" {
		return fmt.Sprintf("%s error in %s: %v", e.Category, e.Component, e.Err)
	}
	return fmt.Sprintf("%s error: %v", e.Category, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap помечает ошибку категорией.
func Wrap(cat Category, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Category: cat, Err: err}
}

func AsTransient(err error) error { return Wrap(Transient, err) }
func AsAuth(err error) error      { return Wrap(Auth, err) }
func AsLogic(err error) error     { return Wrap(Logic, err) }
func AsData(err error) error      { return Wrap(Data, err) }

// ReviewError — результат обработчика, который нельзя исполнять без человека.
type ReviewError struct {
	Reason string
	Output string
}

func (e *ReviewError) Error() string { return e.Reason }

// httpStatuser — ошибки HTTP-клиентов, которые знают код ответа.
type httpStatuser interface {
	HTTPStatus() int
}

// Classify определяет категорию ошибки. Явная *Error важнее эвристик.
func Classify(err error) Category {
	return ClassifyAs(err, Transient)
}

// ClassifyAs — Classify, где нераспознанная ошибка получает категорию def.
func ClassifyAs(err error, def Category) Category {
	if err == nil {
		return ""
	}

	var ce *Error
	if errors.As(err, &ce) {
		return ce.Category
	}

	var re *ReviewError
	if errors.As(err, &re) {
		return Logic
	}

	switch {
	case errors.Is(err, ErrPanic):
		return System
	case errors.Is(err, fs.ErrPermission):
		return Auth
	case errors.Is(err, store.ErrMalformed):
		return Data
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, io.ErrUnexpectedEOF):
		return Transient
	}

	var hs httpStatuser
	if errors.As(err, &hs) {
		switch code := hs.HTTPStatus(); {
		case code == 401 || code == 403:
			return Auth
		case code == 429 || code >= 500:
			return Transient
		case code >= 400:
			return Logic
		}
	}

	var ne net.Error
	if errors.As(err, &ne) {
		return Transient
	}

	// Троттлинг коннекторов и прочее неизвестное
	return def
}
