package connectors

import (
	"fmt"
	"net/http"
	"time"
)

// ThrottleError — внешний сервис попросил подождать (429 + Retry-After).
type ThrottleError struct {
	RetryAfter time.Duration
	Cause      error
}

func (e *ThrottleError) Error() string {
	return fmt.Sprintf("throttled: retry after %v (cause: %v)", e.RetryAfter, e.Cause)
}

func (e *ThrottleError) Unwrap() error { return e.Cause }

func (e *ThrottleError) HTTPStatus() int { return http.StatusTooManyRequests }

// StatusError — неуспешный ответ внешнего сервиса.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("remote returned %d", e.Code)
	}
	return fmt.Sprintf("remote returned %d: %s", e.Code, e.Body)
}

func (e *StatusError) HTTPStatus() int { return e.Code }
