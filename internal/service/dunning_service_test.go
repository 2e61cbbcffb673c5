package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dhoini/Dunning-microservice/internal/domain"
	"github.com/Dhoini/Dunning-microservice/internal/metrics"
	"github.com/Dhoini/Dunning-microservice/internal/repository"
	"github.com/Dhoini/Dunning-microservice/internal/stripe"
	"github.com/Dhoini/Dunning-microservice/pkg/logger"
)

// fakeStripeClient управляемая замена Stripe-клиента для тестов
type fakeStripeClient struct {
	mu            sync.Mutex
	payErrs       map[string]error
	payResults    map[string]*stripe.PaymentResult
	amountPaid    int64
	payCalls      []string
	cancelledSubs []string
	cancelErr     error
}

func (f *fakeStripeClient) PayInvoice(ctx context.Context, stripeInvoiceID string) (*stripe.PaymentResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.payCalls = append(f.payCalls, stripeInvoiceID)
	if err, ok := f.payErrs[stripeInvoiceID]; ok {
		return nil, err
	}
	if result, ok := f.payResults[stripeInvoiceID]; ok {
		return result, nil
	}
	return &stripe.PaymentResult{
		StripeInvoiceID: stripeInvoiceID,
		AmountPaid:      f.amountPaid,
		PaidAt:          time.Now(),
		Status:          "paid",
	}, nil
}

func (f *fakeStripeClient) CancelSubscription(ctx context.Context, stripeSubscriptionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.cancelledSubs = append(f.cancelledSubs, stripeSubscriptionID)
	return f.cancelErr
}

type serviceFixture struct {
	service  DunningService
	subs     *repository.InMemorySubscriptionRepository
	invoices *repository.InMemoryInvoiceRepository
	attempts *repository.InMemoryAttemptRepository
	policies *repository.InMemoryPolicyRepository
	stripe   *fakeStripeClient
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()

	log := logger.New(logger.ERROR)
	f := &serviceFixture{
		subs:     repository.NewInMemorySubscriptionRepository(log),
		invoices: repository.NewInMemoryInvoiceRepository(log),
		attempts: repository.NewInMemoryAttemptRepository(log),
		policies: repository.NewInMemoryPolicyRepository(log),
		stripe: &fakeStripeClient{
			payErrs:    make(map[string]error),
			payResults: make(map[string]*stripe.PaymentResult),
			amountPaid: 4900,
		},
	}

	f.service = NewDunningService(
		f.subs,
		f.invoices,
		f.attempts,
		f.policies,
		f.stripe,
		nil, // без продюсера уведомления не отправляются
		metrics.NewDunningMetrics(prometheus.NewRegistry(), log),
		domain.DefaultDunningPolicy(),
		50,
		log,
	)

	return f
}

func (f *serviceFixture) seedSubscription(t *testing.T, tenantID string, status domain.SubscriptionStatus) domain.Subscription {
	t.Helper()

	sub, err := f.subs.Create(context.Background(), domain.Subscription{
		TenantID:             tenantID,
		PlanTier:             "pro",
		Status:               status,
		StripeCustomerID:     "cus_" + tenantID,
		StripeSubscriptionID: "sub_" + tenantID,
	})
	require.NoError(t, err)
	return sub
}

func (f *serviceFixture) seedInvoice(t *testing.T, tenantID, stripeInvoiceID string) domain.Invoice {
	t.Helper()

	inv, err := f.invoices.Create(context.Background(), domain.Invoice{
		TenantID:        tenantID,
		StripeInvoiceID: stripeInvoiceID,
		AmountDue:       4900,
		Currency:        "usd",
		Status:          domain.InvoiceStatusOpen,
		DueDate:         time.Now().AddDate(0, 0, -1),
	})
	require.NoError(t, err)
	return inv
}

func (f *serviceFixture) seedAttempt(t *testing.T, tenantID string, invoiceID uuid.UUID, number int, attemptDate, nextDate time.Time) domain.DunningAttempt {
	t.Helper()

	attempt, err := f.attempts.Create(context.Background(), domain.DunningAttempt{
		TenantID:        tenantID,
		InvoiceID:       invoiceID,
		AttemptNumber:   number,
		Status:          domain.AttemptStatusFailed,
		FailureReason:   "card_declined",
		AttemptDate:     attemptDate,
		NextAttemptDate: nextDate,
	})
	require.NoError(t, err)
	return attempt
}

func TestHandleFailedPaymentFirstFailure(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	f.seedSubscription(t, "tenant-1", domain.SubscriptionStatusActive)
	inv := f.seedInvoice(t, "tenant-1", "in_001")

	err := f.service.HandleFailedPayment(ctx, "tenant-1", inv.ID, "card_declined")
	require.NoError(t, err)

	attempts, err := f.attempts.ListByInvoice(ctx, "tenant-1", inv.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 1)

	attempt := attempts[0]
	assert.Equal(t, 1, attempt.AttemptNumber)
	assert.Equal(t, domain.AttemptStatusFailed, attempt.Status)
	assert.Equal(t, "card_declined", attempt.FailureReason)

	// Первый интервал 3 дня, время нормализовано к 10:00
	wantDay := attempt.AttemptDate.AddDate(0, 0, 3)
	assert.Equal(t, wantDay.Year(), attempt.NextAttemptDate.Year())
	assert.Equal(t, wantDay.YearDay(), attempt.NextAttemptDate.YearDay())
	assert.Equal(t, 10, attempt.NextAttemptDate.Hour())
	assert.Equal(t, 0, attempt.NextAttemptDate.Minute())

	// Порог приостановки 2 еще не достигнут
	sub, err := f.subs.GetByTenant(ctx, "tenant-1")
	require.NoError(t, err)
	assert.Equal(t, domain.SubscriptionStatusActive, sub.Status)
}

func TestHandleFailedPaymentSecondFailureSuspends(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	f.seedSubscription(t, "tenant-1", domain.SubscriptionStatusActive)
	inv := f.seedInvoice(t, "tenant-1", "in_001")

	require.NoError(t, f.service.HandleFailedPayment(ctx, "tenant-1", inv.ID, "card_declined"))
	require.NoError(t, f.service.HandleFailedPayment(ctx, "tenant-1", inv.ID, "insufficient_funds"))

	attempts, err := f.attempts.ListByInvoice(ctx, "tenant-1", inv.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	assert.Equal(t, 1, attempts[0].AttemptNumber)
	assert.Equal(t, 2, attempts[1].AttemptNumber)
	assert.Equal(t, "insufficient_funds", attempts[1].FailureReason)

	// Второй интервал 5 дней
	assert.Equal(t, attempts[1].AttemptDate.AddDate(0, 0, 5).YearDay(), attempts[1].NextAttemptDate.YearDay())

	sub, err := f.subs.GetByTenant(ctx, "tenant-1")
	require.NoError(t, err)
	assert.Equal(t, domain.SubscriptionStatusPastDue, sub.Status)
}

func TestHandleFailedPaymentNoSubscription(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	// Поздний webhook для неизвестного тенанта - безопасный no-op
	err := f.service.HandleFailedPayment(ctx, "ghost", uuid.New(), "card_declined")
	require.NoError(t, err)

	attempts, err := f.attempts.ListByInvoice(ctx, "ghost", uuid.New())
	require.NoError(t, err)
	assert.Empty(t, attempts)
}

func TestHandleFailedPaymentCancelledSubscription(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	f.seedSubscription(t, "tenant-1", domain.SubscriptionStatusCancelled)
	inv := f.seedInvoice(t, "tenant-1", "in_001")

	require.NoError(t, f.service.HandleFailedPayment(ctx, "tenant-1", inv.ID, "card_declined"))

	attempts, err := f.attempts.ListByInvoice(ctx, "tenant-1", inv.ID)
	require.NoError(t, err)
	assert.Empty(t, attempts)
}

func TestHandleFailedPaymentInvoiceNotFound(t *testing.T) {
	f := newServiceFixture(t)

	f.seedSubscription(t, "tenant-1", domain.SubscriptionStatusActive)

	err := f.service.HandleFailedPayment(context.Background(), "tenant-1", uuid.New(), "card_declined")
	assert.ErrorIs(t, err, domain.ErrInvoiceNotFound)
}

func TestHandleFailedPaymentPaidInvoice(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	f.seedSubscription(t, "tenant-1", domain.SubscriptionStatusActive)
	inv := f.seedInvoice(t, "tenant-1", "in_001")
	inv.ApplyPayment(4900, time.Now())
	require.NoError(t, f.invoices.Update(ctx, inv))

	require.NoError(t, f.service.HandleFailedPayment(ctx, "tenant-1", inv.ID, "card_declined"))

	attempts, err := f.attempts.ListByInvoice(ctx, "tenant-1", inv.ID)
	require.NoError(t, err)
	assert.Empty(t, attempts)
}

func TestHandleFailedPaymentExhaustedWithoutCancellation(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	f.seedSubscription(t, "tenant-1", domain.SubscriptionStatusPastDue)
	inv := f.seedInvoice(t, "tenant-1", "in_001")

	// Четыре неуспеха уже в журнале, первый был 10 дней назад
	for n := 1; n <= 4; n++ {
		f.seedAttempt(t, "tenant-1", inv.ID, n,
			time.Now().AddDate(0, 0, -10+n),
			time.Now().AddDate(0, 0, -1))
	}

	require.NoError(t, f.service.HandleFailedPayment(ctx, "tenant-1", inv.ID, "card_declined"))

	// Пятая запись не создается, все существующие переведены в abandoned
	attempts, err := f.attempts.ListByInvoice(ctx, "tenant-1", inv.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 4)
	for _, attempt := range attempts {
		assert.Equal(t, domain.AttemptStatusAbandoned, attempt.Status)
	}

	// Порог в 30 дней не достигнут, подписка не отменяется
	sub, err := f.subs.GetByTenant(ctx, "tenant-1")
	require.NoError(t, err)
	assert.Equal(t, domain.SubscriptionStatusPastDue, sub.Status)
	assert.Empty(t, f.stripe.cancelledSubs)
}

func TestHandleFailedPaymentExhaustedWithCancellation(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	f.seedSubscription(t, "tenant-1", domain.SubscriptionStatusPastDue)
	inv := f.seedInvoice(t, "tenant-1", "in_001")

	// Первый неуспех 31 день назад, порог отмены 30 дней пройден
	for n := 1; n <= 4; n++ {
		f.seedAttempt(t, "tenant-1", inv.ID, n,
			time.Now().AddDate(0, 0, -31+(n-1)*7),
			time.Now().AddDate(0, 0, -1))
	}

	require.NoError(t, f.service.HandleFailedPayment(ctx, "tenant-1", inv.ID, "card_declined"))

	sub, err := f.subs.GetByTenant(ctx, "tenant-1")
	require.NoError(t, err)
	assert.Equal(t, domain.SubscriptionStatusCancelled, sub.Status)
	require.NotNil(t, sub.CanceledAt)

	// Отмена продублирована в Stripe
	assert.Equal(t, []string{"sub_tenant-1"}, f.stripe.cancelledSubs)

	attempts, err := f.attempts.ListByInvoice(ctx, "tenant-1", inv.ID)
	require.NoError(t, err)
	for _, attempt := range attempts {
		assert.Equal(t, domain.AttemptStatusAbandoned, attempt.Status)
	}
}

func TestHandleFailedPaymentTenantPolicyOverride(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	_, err := f.policies.Upsert(ctx, domain.DunningPolicy{
		TenantID:             "tenant-1",
		MaxRetries:           1,
		SuspendAfterFailures: 1,
		NotificationsEnabled: true,
	})
	require.NoError(t, err)

	f.seedSubscription(t, "tenant-1", domain.SubscriptionStatusActive)
	inv := f.seedInvoice(t, "tenant-1", "in_001")

	// Порог приостановки 1: первый же неуспех переводит в past_due
	require.NoError(t, f.service.HandleFailedPayment(ctx, "tenant-1", inv.ID, "card_declined"))

	sub, err := f.subs.GetByTenant(ctx, "tenant-1")
	require.NoError(t, err)
	assert.Equal(t, domain.SubscriptionStatusPastDue, sub.Status)

	// Лимит ретраев 1: второй неуспех исчерпывает взыскание
	require.NoError(t, f.service.HandleFailedPayment(ctx, "tenant-1", inv.ID, "card_declined"))

	attempts, err := f.attempts.ListByInvoice(ctx, "tenant-1", inv.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, domain.AttemptStatusAbandoned, attempts[0].Status)
}

func TestRetryPaymentSuccessReactivates(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	f.seedSubscription(t, "tenant-1", domain.SubscriptionStatusPastDue)
	inv := f.seedInvoice(t, "tenant-1", "in_001")
	f.seedAttempt(t, "tenant-1", inv.ID, 1, time.Now().AddDate(0, 0, -5), time.Now().AddDate(0, 0, -2))
	f.seedAttempt(t, "tenant-1", inv.ID, 2, time.Now().AddDate(0, 0, -2), time.Now().AddDate(0, 0, -1))

	ok, err := f.service.RetryPayment(ctx, "tenant-1", inv.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	updated, err := f.invoices.GetByID(ctx, "tenant-1", inv.ID)
	require.NoError(t, err)
	assert.True(t, updated.IsPaid())
	assert.Equal(t, int64(0), updated.AmountRemaining)

	attempts, err := f.attempts.ListByInvoice(ctx, "tenant-1", inv.ID)
	require.NoError(t, err)
	for _, attempt := range attempts {
		assert.Equal(t, domain.AttemptStatusSucceeded, attempt.Status)
	}

	sub, err := f.subs.GetByTenant(ctx, "tenant-1")
	require.NoError(t, err)
	assert.Equal(t, domain.SubscriptionStatusActive, sub.Status)
}

func TestRetryPaymentDeclinedRecordsNewAttempt(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	f.seedSubscription(t, "tenant-1", domain.SubscriptionStatusPastDue)
	inv := f.seedInvoice(t, "tenant-1", "in_001")
	f.seedAttempt(t, "tenant-1", inv.ID, 1, time.Now().AddDate(0, 0, -3), time.Now().AddDate(0, 0, -1))

	f.stripe.payErrs["in_001"] = &domain.PaymentDeclinedError{
		StripeInvoiceID: "in_001",
		Code:            "card_declined",
		Message:         "Your card was declined.",
	}

	ok, err := f.service.RetryPayment(ctx, "tenant-1", inv.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	attempts, err := f.attempts.ListByInvoice(ctx, "tenant-1", inv.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	assert.Equal(t, 2, attempts[1].AttemptNumber)
	assert.Equal(t, domain.AttemptStatusFailed, attempts[1].Status)
	assert.Equal(t, "retry_payment_failed", attempts[1].FailureReason)
	assert.True(t, attempts[1].NextAttemptDate.After(time.Now()))
}

func TestRetryPaymentUnpaidResultRecordsFailure(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	f.seedSubscription(t, "tenant-1", domain.SubscriptionStatusPastDue)
	inv := f.seedInvoice(t, "tenant-1", "in_001")
	f.seedAttempt(t, "tenant-1", inv.ID, 1, time.Now().AddDate(0, 0, -3), time.Now().AddDate(0, 0, -1))

	// Процессор отвечает без ошибки, но счет не оплачен
	f.stripe.payResults["in_001"] = &stripe.PaymentResult{
		StripeInvoiceID: "in_001",
		AmountPaid:      0,
		PaidAt:          time.Now(),
		Status:          "open",
	}

	ok, err := f.service.RetryPayment(ctx, "tenant-1", inv.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	updated, err := f.invoices.GetByID(ctx, "tenant-1", inv.ID)
	require.NoError(t, err)
	assert.False(t, updated.IsPaid())

	// Неоплаченный результат фиксируется новой попыткой,
	// существующая не закрывается
	attempts, err := f.attempts.ListByInvoice(ctx, "tenant-1", inv.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	assert.Equal(t, domain.AttemptStatusFailed, attempts[0].Status)
	assert.Equal(t, domain.AttemptStatusFailed, attempts[1].Status)
	assert.Equal(t, "retry_payment_incomplete", attempts[1].FailureReason)

	sub, err := f.subs.GetByTenant(ctx, "tenant-1")
	require.NoError(t, err)
	assert.Equal(t, domain.SubscriptionStatusPastDue, sub.Status)
}

func TestRetryPaymentPartialPaymentKeepsDunningOpen(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	f.seedSubscription(t, "tenant-1", domain.SubscriptionStatusPastDue)
	inv := f.seedInvoice(t, "tenant-1", "in_001")
	f.seedAttempt(t, "tenant-1", inv.ID, 1, time.Now().AddDate(0, 0, -3), time.Now().AddDate(0, 0, -1))

	f.stripe.payResults["in_001"] = &stripe.PaymentResult{
		StripeInvoiceID: "in_001",
		AmountPaid:      1900,
		PaidAt:          time.Now(),
		Status:          "open",
	}

	ok, err := f.service.RetryPayment(ctx, "tenant-1", inv.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	// Частичная оплата отражена в зеркале счета, но счет открыт
	updated, err := f.invoices.GetByID(ctx, "tenant-1", inv.ID)
	require.NoError(t, err)
	assert.False(t, updated.IsPaid())
	assert.Equal(t, int64(3000), updated.AmountRemaining)

	sub, err := f.subs.GetByTenant(ctx, "tenant-1")
	require.NoError(t, err)
	assert.Equal(t, domain.SubscriptionStatusPastDue, sub.Status)
}

func TestRetryPaymentInfrastructureError(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	f.seedSubscription(t, "tenant-1", domain.SubscriptionStatusPastDue)
	inv := f.seedInvoice(t, "tenant-1", "in_001")

	f.stripe.payErrs["in_001"] = errors.New("stripe api unavailable")

	ok, err := f.service.RetryPayment(ctx, "tenant-1", inv.ID)
	require.Error(t, err)
	assert.False(t, ok)

	// Инфраструктурный сбой не фиксируется в журнале попыток
	attempts, err := f.attempts.ListByInvoice(ctx, "tenant-1", inv.ID)
	require.NoError(t, err)
	assert.Empty(t, attempts)
}

func TestRetryPaymentAlreadyPaidClosesOut(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	f.seedSubscription(t, "tenant-1", domain.SubscriptionStatusPastDue)
	inv := f.seedInvoice(t, "tenant-1", "in_001")
	f.seedAttempt(t, "tenant-1", inv.ID, 1, time.Now().AddDate(0, 0, -3), time.Now().AddDate(0, 0, -1))

	inv.ApplyPayment(4900, time.Now())
	require.NoError(t, f.invoices.Update(ctx, inv))

	ok, err := f.service.RetryPayment(ctx, "tenant-1", inv.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	// Списание в Stripe не инициировалось
	assert.Empty(t, f.stripe.payCalls)

	attempts, err := f.attempts.ListByInvoice(ctx, "tenant-1", inv.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.AttemptStatusSucceeded, attempts[0].Status)

	sub, err := f.subs.GetByTenant(ctx, "tenant-1")
	require.NoError(t, err)
	assert.Equal(t, domain.SubscriptionStatusActive, sub.Status)
}

func TestRetryPaymentSkipsCancelledSubscription(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	f.seedSubscription(t, "tenant-1", domain.SubscriptionStatusCancelled)
	inv := f.seedInvoice(t, "tenant-1", "in_001")

	ok, err := f.service.RetryPayment(ctx, "tenant-1", inv.ID)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, f.stripe.payCalls)
}

func TestProcessScheduledRetriesMixedOutcomes(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	// Три тенанта с просроченными попытками: успех, отказ карты, сбой API
	f.seedSubscription(t, "tenant-ok", domain.SubscriptionStatusPastDue)
	invOK := f.seedInvoice(t, "tenant-ok", "in_ok")
	f.seedAttempt(t, "tenant-ok", invOK.ID, 1, time.Now().AddDate(0, 0, -4), time.Now().AddDate(0, 0, -1))

	f.seedSubscription(t, "tenant-decline", domain.SubscriptionStatusPastDue)
	invDecline := f.seedInvoice(t, "tenant-decline", "in_decline")
	declineAttempt := f.seedAttempt(t, "tenant-decline", invDecline.ID, 1, time.Now().AddDate(0, 0, -4), time.Now().AddDate(0, 0, -2))
	f.stripe.payErrs["in_decline"] = &domain.PaymentDeclinedError{StripeInvoiceID: "in_decline", Code: "card_declined"}

	f.seedSubscription(t, "tenant-err", domain.SubscriptionStatusPastDue)
	invErr := f.seedInvoice(t, "tenant-err", "in_err")
	f.seedAttempt(t, "tenant-err", invErr.ID, 1, time.Now().AddDate(0, 0, -4), time.Now().AddDate(0, 0, -3))
	f.stripe.payErrs["in_err"] = errors.New("stripe api unavailable")

	report, err := f.service.ProcessScheduledRetries(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Processed)
	assert.Equal(t, 1, report.Succeeded)
	assert.Equal(t, 2, report.Failed)

	// Успех: попытки закрыты, подписка восстановлена
	okAttempts, err := f.attempts.ListByInvoice(ctx, "tenant-ok", invOK.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.AttemptStatusSucceeded, okAttempts[0].Status)
	okSub, err := f.subs.GetByTenant(ctx, "tenant-ok")
	require.NoError(t, err)
	assert.Equal(t, domain.SubscriptionStatusActive, okSub.Status)

	// Отказ карты: захваченная попытка остается retrying,
	// записан новый неуспех с будущей датой
	declineAttempts, err := f.attempts.ListByInvoice(ctx, "tenant-decline", invDecline.ID)
	require.NoError(t, err)
	require.Len(t, declineAttempts, 2)
	assert.Equal(t, domain.AttemptStatusRetrying, declineAttempts[0].Status)
	assert.Equal(t, declineAttempt.ID, declineAttempts[0].ID)
	assert.Equal(t, domain.AttemptStatusFailed, declineAttempts[1].Status)
	assert.True(t, declineAttempts[1].NextAttemptDate.After(time.Now()))

	// Сбой API: попытка возвращена в failed для следующего тика
	errAttempts, err := f.attempts.ListByInvoice(ctx, "tenant-err", invErr.ID)
	require.NoError(t, err)
	require.Len(t, errAttempts, 1)
	assert.Equal(t, domain.AttemptStatusFailed, errAttempts[0].Status)
}

func TestProcessScheduledRetriesClaimedNotRescanned(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	f.seedSubscription(t, "tenant-decline", domain.SubscriptionStatusPastDue)
	inv := f.seedInvoice(t, "tenant-decline", "in_decline")
	f.seedAttempt(t, "tenant-decline", inv.ID, 1, time.Now().AddDate(0, 0, -4), time.Now().AddDate(0, 0, -1))
	f.stripe.payErrs["in_decline"] = &domain.PaymentDeclinedError{StripeInvoiceID: "in_decline", Code: "card_declined"}

	first, err := f.service.ProcessScheduledRetries(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Processed)

	// Новая попытка назначена в будущем, суперседированная строка
	// в retrying: повторный проход не видит просроченных попыток
	second, err := f.service.ProcessScheduledRetries(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, second.Processed)
}

func TestProcessScheduledRetriesEmpty(t *testing.T) {
	f := newServiceFixture(t)

	report, err := f.service.ProcessScheduledRetries(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.RetryReport{}, report)
}

func TestHandlePaymentSucceeded(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	f.seedSubscription(t, "tenant-1", domain.SubscriptionStatusPastDue)
	inv := f.seedInvoice(t, "tenant-1", "in_001")
	f.seedAttempt(t, "tenant-1", inv.ID, 1, time.Now().AddDate(0, 0, -3), time.Now().AddDate(0, 0, -1))

	paidAt := time.Now()
	require.NoError(t, f.service.HandlePaymentSucceeded(ctx, "in_001", 4900, paidAt))

	updated, err := f.invoices.GetByID(ctx, "tenant-1", inv.ID)
	require.NoError(t, err)
	assert.True(t, updated.IsPaid())

	attempts, err := f.attempts.ListByInvoice(ctx, "tenant-1", inv.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.AttemptStatusSucceeded, attempts[0].Status)

	sub, err := f.subs.GetByTenant(ctx, "tenant-1")
	require.NoError(t, err)
	assert.Equal(t, domain.SubscriptionStatusActive, sub.Status)
}

func TestHandlePaymentSucceededPartialAmount(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	f.seedSubscription(t, "tenant-1", domain.SubscriptionStatusPastDue)
	inv := f.seedInvoice(t, "tenant-1", "in_001")
	f.seedAttempt(t, "tenant-1", inv.ID, 1, time.Now().AddDate(0, 0, -3), time.Now().AddDate(0, 0, -1))

	require.NoError(t, f.service.HandlePaymentSucceeded(ctx, "in_001", 1000, time.Now()))

	// Частичная оплата не закрывает взыскание
	updated, err := f.invoices.GetByID(ctx, "tenant-1", inv.ID)
	require.NoError(t, err)
	assert.False(t, updated.IsPaid())

	attempts, err := f.attempts.ListByInvoice(ctx, "tenant-1", inv.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.AttemptStatusFailed, attempts[0].Status)

	sub, err := f.subs.GetByTenant(ctx, "tenant-1")
	require.NoError(t, err)
	assert.Equal(t, domain.SubscriptionStatusPastDue, sub.Status)
}

func TestHandlePaymentSucceededUnknownInvoice(t *testing.T) {
	f := newServiceFixture(t)

	err := f.service.HandlePaymentSucceeded(context.Background(), "in_unknown", 4900, time.Now())
	assert.ErrorIs(t, err, domain.ErrInvoiceNotFound)
}
