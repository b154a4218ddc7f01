package domain

import "time"

// ErrorCategory — пять категорий сбоев, каждой соответствует своя стратегия восстановления.
type ErrorCategory string

const (
	CategoryTransient ErrorCategory = "transient" // Сеть, таймаут, IO → retry с backoff
	CategoryAuth      ErrorCategory = "auth"      // Креды/права → пауза компонента
	CategoryLogic     ErrorCategory = "logic"     // Невалидный вывод обработчика → ручной разбор
	CategoryData      ErrorCategory = "data"      // Битый payload → карантин
	CategorySystem    ErrorCategory = "system"    // Паника, нехватка ресурсов → рестарт цикла
)

// ErrorRecord неизменяем после записи.
type ErrorRecord struct {
	Timestamp        time.Time     `json:"timestamp"`
	Category         ErrorCategory `json:"category"`
	Component        string        `json:"component"`
	Message          string        `json:"message"`
	TaskID           string        `json:"task_id,omitempty"`
	Attempt          int           `json:"attempt,omitempty"`
	RetriesExhausted bool          `json:"retries_exhausted,omitempty"`
	Stack            string        `json:"stack,omitempty"`
}
