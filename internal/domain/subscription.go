package domain

import (
	"time"
)

// SubscriptionStatus статус подписки. Переходы по пути dunning
// монотонны (active -> past_due -> cancelled); единственное обратное
// ребро - восстановление past_due -> active после успешной оплаты.
// cancelled терминален. Легальность перехода обеспечивают условные
// CAS-обновления в хранилище подписок.
type SubscriptionStatus string

const (
	SubscriptionStatusTrial     SubscriptionStatus = "trial"
	SubscriptionStatusActive    SubscriptionStatus = "active"
	SubscriptionStatusPastDue   SubscriptionStatus = "past_due"
	SubscriptionStatusCancelled SubscriptionStatus = "cancelled"
)

// Subscription представляет подписку тенанта. На одного тенанта
// приходится ровно одна запись; отмена меняет статус, строка не удаляется.
type Subscription struct {
	TenantID             string             `json:"tenant_id"`
	PlanTier             string             `json:"plan_tier"`
	Status               SubscriptionStatus `json:"status"`
	CurrentPeriodStart   time.Time          `json:"current_period_start"`
	CurrentPeriodEnd     time.Time          `json:"current_period_end"`
	StripeCustomerID     string             `json:"stripe_customer_id"`
	StripeSubscriptionID string             `json:"stripe_subscription_id"`
	CanceledAt           *time.Time         `json:"canceled_at,omitempty"`
	CreatedAt            time.Time          `json:"created_at"`
	UpdatedAt            time.Time          `json:"updated_at"`
}

// IsBillable проверяет, что подписка участвует в биллинге (не отменена)
func (s *Subscription) IsBillable() bool {
	return s.Status != SubscriptionStatusCancelled
}

// IsDelinquent проверяет, что подписка приостановлена за неуплату
func (s *Subscription) IsDelinquent() bool {
	return s.Status == SubscriptionStatusPastDue
}
