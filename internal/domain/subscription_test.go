package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSubscriptionBillability(t *testing.T) {
	sub := Subscription{Status: SubscriptionStatusActive}
	assert.True(t, sub.IsBillable())
	assert.False(t, sub.IsDelinquent())

	sub.Status = SubscriptionStatusPastDue
	assert.True(t, sub.IsBillable())
	assert.True(t, sub.IsDelinquent())

	sub.Status = SubscriptionStatusCancelled
	assert.False(t, sub.IsBillable())
}

func TestInvoiceApplyPayment(t *testing.T) {
	paidAt := time.Date(2026, time.April, 2, 9, 30, 0, 0, time.UTC)

	t.Run("full payment closes invoice", func(t *testing.T) {
		inv := Invoice{AmountDue: 4900, AmountRemaining: 4900, Status: InvoiceStatusOpen}
		inv.ApplyPayment(4900, paidAt)

		assert.Equal(t, InvoiceStatusPaid, inv.Status)
		assert.Equal(t, int64(0), inv.AmountRemaining)
		assert.True(t, inv.IsPaid())
		if assert.NotNil(t, inv.PaidAt) {
			assert.Equal(t, paidAt, *inv.PaidAt)
		}
	})

	t.Run("partial payment keeps invoice open", func(t *testing.T) {
		inv := Invoice{AmountDue: 4900, AmountRemaining: 4900, Status: InvoiceStatusOpen}
		inv.ApplyPayment(1900, paidAt)

		assert.Equal(t, InvoiceStatusOpen, inv.Status)
		assert.Equal(t, int64(3000), inv.AmountRemaining)
		assert.False(t, inv.IsPaid())
		assert.Nil(t, inv.PaidAt)
	})
}
