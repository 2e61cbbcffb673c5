package stripe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"

	"github.com/Dhoini/Dunning-microservice/internal/domain"
	"github.com/Dhoini/Dunning-microservice/pkg/logger"
)

const (
	// Максимальное время повторных попыток для временных сбоев Stripe API
	maxRetryElapsedTime = 30 * time.Second
)

// PaymentResult содержит итог оплаты счета в Stripe.
type PaymentResult struct {
	StripeInvoiceID string
	AmountPaid      int64
	PaidAt          time.Time
	Status          string
}

// Paid сообщает, что процессор подтвердил полную оплату счета.
// Любой другой статус (open, uncollectible и т.д.) - неуспех взыскания.
func (r *PaymentResult) Paid() bool {
	return r.Status == string(stripe.InvoiceStatusPaid)
}

// Client определяет методы для взаимодействия со Stripe API.
type Client interface {
	// PayInvoice инициирует списание по открытому счету.
	// Отказ платежного метода возвращается как *domain.PaymentDeclinedError,
	// временные сбои API - как обычная ошибка после исчерпания ретраев.
	PayInvoice(ctx context.Context, stripeInvoiceID string) (*PaymentResult, error)

	// CancelSubscription отменяет подписку в Stripe.
	CancelSubscription(ctx context.Context, stripeSubscriptionID string) error
}

// stripeClient реализует интерфейс Client.
type stripeClient struct {
	client *client.API
	log    *logger.Logger
}

// NewStripeClient создает новый экземпляр клиента Stripe.
func NewStripeClient(apiKey string, log *logger.Logger) Client {
	sc := &client.API{}
	sc.Init(apiKey, nil) // Инициализируем клиент Stripe с API ключом
	return &stripeClient{
		client: sc,
		log:    log,
	}
}

// PayInvoice инициирует списание по открытому счету Stripe.
func (sc *stripeClient) PayInvoice(ctx context.Context, stripeInvoiceID string) (*PaymentResult, error) {
	sc.log.Debugw("Paying Stripe invoice", "stripeInvoiceID", stripeInvoiceID)

	params := &stripe.InvoicePayParams{
		Params: stripe.Params{
			Context: ctx,
		},
	}

	var invoice *stripe.Invoice

	// Повторяем только временные сбои API. Отказ платежного метода
	// и прочие ошибки запроса ретраить бессмысленно.
	operation := func() error {
		var err error
		invoice, err = sc.client.Invoices.Pay(stripeInvoiceID, params)
		if err != nil {
			if isRetryableStripeError(err) {
				sc.log.Warnw("Transient Stripe error, will retry", "stripeInvoiceID", stripeInvoiceID, "error", err)
				return err
			}
			return backoff.Permanent(err)
		}
		return nil
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.MaxElapsedTime = maxRetryElapsedTime

	if err := backoff.Retry(operation, backoff.WithContext(expBackoff, ctx)); err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) {
			// Отказ платежного метода - бизнес-исход, а не сбой инфраструктуры
			if isPaymentDeclined(stripeErr) {
				sc.log.Infow("Stripe invoice payment declined",
					"stripeInvoiceID", stripeInvoiceID,
					"code", string(stripeErr.Code),
					"declineCode", stripeErr.DeclineCode,
				)
				return nil, &domain.PaymentDeclinedError{
					StripeInvoiceID: stripeInvoiceID,
					Code:            declineCode(stripeErr),
					Message:         stripeErr.Msg,
				}
			}
			if stripeErr.Code == stripe.ErrorCodeResourceMissing {
				sc.log.Warnw("Stripe invoice not found", "stripeInvoiceID", stripeInvoiceID)
				return nil, fmt.Errorf("stripe: invoice %s: %w", stripeInvoiceID, domain.ErrInvoiceNotFound)
			}
		}
		logStripeError(sc.log, "PayInvoice", err)
		return nil, fmt.Errorf("stripe: failed to pay invoice: %w", err)
	}

	result := &PaymentResult{
		StripeInvoiceID: invoice.ID,
		AmountPaid:      invoice.AmountPaid,
		PaidAt:          time.Now(),
		Status:          string(invoice.Status),
	}
	if invoice.StatusTransitions != nil && invoice.StatusTransitions.PaidAt > 0 {
		result.PaidAt = time.Unix(invoice.StatusTransitions.PaidAt, 0)
	}

	sc.log.Infow("Stripe invoice paid", "stripeInvoiceID", invoice.ID, "amountPaid", invoice.AmountPaid, "status", string(invoice.Status))
	return result, nil
}

// CancelSubscription отменяет подписку в Stripe немедленно.
func (sc *stripeClient) CancelSubscription(ctx context.Context, stripeSubscriptionID string) error {
	params := &stripe.SubscriptionCancelParams{
		Params: stripe.Params{
			Context: ctx,
		},
	}

	_, err := sc.client.Subscriptions.Cancel(stripeSubscriptionID, params)
	if err != nil {
		// Обрабатываем случай, если подписка уже удалена
		stripeErr, ok := err.(*stripe.Error)
		if ok && stripeErr.Code == stripe.ErrorCodeResourceMissing {
			sc.log.Warnw("Attempted to cancel already canceled/missing Stripe subscription", "stripeSubscriptionID", stripeSubscriptionID)
			return nil
		}
		logStripeError(sc.log, "CancelSubscription", err)
		return fmt.Errorf("stripe: failed to cancel subscription: %w", err)
	}

	sc.log.Infow("Stripe subscription canceled", "stripeSubscriptionID", stripeSubscriptionID)
	return nil
}

// isPaymentDeclined различает отказ платежного метода и сбой API.
func isPaymentDeclined(stripeErr *stripe.Error) bool {
	if stripeErr.Type == stripe.ErrorTypeCard {
		return true
	}
	switch stripeErr.Code {
	case stripe.ErrorCodeCardDeclined,
		stripe.ErrorCodeExpiredCard,
		stripe.ErrorCodeIncorrectCVC,
		stripe.ErrorCodeInsufficientFunds,
		stripe.ErrorCodeInvoicePaymentIntentRequiresAction:
		return true
	}
	return false
}

// declineCode возвращает наиболее специфичный код отказа.
func declineCode(stripeErr *stripe.Error) string {
	if stripeErr.DeclineCode != "" {
		return string(stripeErr.DeclineCode)
	}
	return string(stripeErr.Code)
}

// isRetryableStripeError определяет, стоит ли повторять запрос.
// Повторяем сетевые сбои, rate limiting и ошибки на стороне Stripe.
func isRetryableStripeError(err error) bool {
	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		// Сетевая ошибка без ответа от API
		return true
	}
	if stripeErr.Type == stripe.ErrorTypeAPI {
		return true
	}
	if stripeErr.HTTPStatusCode == 429 || stripeErr.HTTPStatusCode >= 500 {
		return true
	}
	return false
}

// logStripeError - вспомогательная функция для логирования деталей ошибки Stripe.
func logStripeError(log *logger.Logger, operation string, err error) {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		log.Errorw("Stripe API error",
			"operation", operation,
			"type", string(stripeErr.Type),
			"code", string(stripeErr.Code),
			"param", stripeErr.Param,
			"message", stripeErr.Msg,
			"request_id", stripeErr.RequestID,
			"status_code", stripeErr.HTTPStatusCode,
		)
	} else {
		log.Errorw("Non-Stripe error during Stripe operation",
			"operation", operation,
			"error", err,
		)
	}
}
