package domain

import (
	"time"

	"github.com/google/uuid"
)

// InvoiceStatus статус счета, зеркалируемый из платежного процессора
type InvoiceStatus string

const (
	InvoiceStatusDraft         InvoiceStatus = "draft"
	InvoiceStatusOpen          InvoiceStatus = "open"
	InvoiceStatusPaid          InvoiceStatus = "paid"
	InvoiceStatusUncollectible InvoiceStatus = "uncollectible"
	InvoiceStatusVoid          InvoiceStatus = "void"
)

// Invoice локальное зеркало счета из платежного процессора.
// Суммы хранятся в наименьших единицах валюты (копейки/центы).
type Invoice struct {
	ID              uuid.UUID     `json:"id"`
	TenantID        string        `json:"tenant_id"`
	StripeInvoiceID string        `json:"stripe_invoice_id"`
	AmountDue       int64         `json:"amount_due"`
	AmountPaid      int64         `json:"amount_paid"`
	AmountRemaining int64         `json:"amount_remaining"`
	Currency        string        `json:"currency"`
	Status          InvoiceStatus `json:"status"`
	DueDate         time.Time     `json:"due_date"`
	PaidAt          *time.Time    `json:"paid_at,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// ApplyPayment фиксирует оплату и поддерживает инвариант
// amount_remaining = amount_due - amount_paid.
func (i *Invoice) ApplyPayment(amountPaid int64, paidAt time.Time) {
	i.AmountPaid = amountPaid
	i.AmountRemaining = i.AmountDue - i.AmountPaid
	if i.AmountRemaining <= 0 {
		i.AmountRemaining = 0
		i.Status = InvoiceStatusPaid
		i.PaidAt = &paidAt
	}
	i.UpdatedAt = paidAt
}

// IsPaid проверяет, что счет полностью оплачен
func (i *Invoice) IsPaid() bool {
	return i.Status == InvoiceStatusPaid
}
