package domain

import (
	"time"

	"github.com/google/uuid"
)

// AttemptStatus статус попытки взыскания
type AttemptStatus string

const (
	AttemptStatusPending   AttemptStatus = "pending"
	AttemptStatusRetrying  AttemptStatus = "retrying"
	AttemptStatusSucceeded AttemptStatus = "succeeded"
	AttemptStatusFailed    AttemptStatus = "failed"
	AttemptStatusAbandoned AttemptStatus = "abandoned"
)

// DunningAttempt запись об одной попытке взыскания по счету.
// Номера попыток для счета строго возрастают начиная с 1 без пропусков -
// упорядоченная последовательность попыток является аудиторским следом,
// по которому оркестратор принимает следующее решение.
type DunningAttempt struct {
	ID              uuid.UUID     `json:"id"`
	TenantID        string        `json:"tenant_id"`
	InvoiceID       uuid.UUID     `json:"invoice_id"`
	AttemptNumber   int           `json:"attempt_number"`
	Status          AttemptStatus `json:"status"`
	FailureReason   string        `json:"failure_reason,omitempty"`
	AttemptDate     time.Time     `json:"attempt_date"`
	NextAttemptDate time.Time     `json:"next_attempt_date"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// IsTerminal проверяет, что попытка в терминальном статусе
func (a *DunningAttempt) IsTerminal() bool {
	return a.Status == AttemptStatusSucceeded || a.Status == AttemptStatusAbandoned
}

// RetryReport итоги одного прохода планировщика по просроченным попыткам
type RetryReport struct {
	Processed int `json:"processed"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}
