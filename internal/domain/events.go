package domain

import (
	"time"

	"github.com/google/uuid"
)

// DunningEventType тип исходящего уведомления
type DunningEventType string

const (
	EventPaymentFailed           DunningEventType = "payment_failed"
	EventSubscriptionSuspended   DunningEventType = "subscription_suspended"
	EventSubscriptionReactivated DunningEventType = "subscription_reactivated"
	EventSubscriptionCancelled   DunningEventType = "subscription_cancelled"
)

// DunningEvent исходящее событие для сервиса уведомлений.
// Доставка best-effort: ошибка публикации логируется и никогда
// не откатывает основную транзакцию dunning.
type DunningEvent struct {
	Type            DunningEventType `json:"type"`
	TenantID        string           `json:"tenant_id"`
	InvoiceID       uuid.UUID        `json:"invoice_id,omitempty"`
	AttemptNumber   int              `json:"attempt_number,omitempty"`
	FailureReason   string           `json:"failure_reason,omitempty"`
	NextAttemptDate *time.Time       `json:"next_attempt_date,omitempty"`
	OccurredAt      time.Time        `json:"occurred_at"`
}
