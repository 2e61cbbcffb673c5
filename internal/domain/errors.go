package domain

import (
	"errors"
	"fmt"
)

// Application errors
var (
	// ErrInvalidInput неверные входные данные
	ErrInvalidInput = errors.New("invalid input data")

	// ErrInvoiceNotFound счет не найден
	ErrInvoiceNotFound = errors.New("invoice not found")
)

// PaymentDeclinedError деловой отказ процессора (карта отклонена и т.п.).
// Ожидаемое состояние, а не сбой: фиксируется новой попыткой взыскания
// и никогда не всплывает как инфраструктурная ошибка.
type PaymentDeclinedError struct {
	StripeInvoiceID string
	Code            string
	Message         string
}

// Error реализует интерфейс error
func (e *PaymentDeclinedError) Error() string {
	return fmt.Sprintf("payment declined [%s]: %s (invoice: %s)", e.Code, e.Message, e.StripeInvoiceID)
}
