package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Dhoini/Dunning-microservice/internal/domain"
	"github.com/Dhoini/Dunning-microservice/internal/kafka"
	"github.com/Dhoini/Dunning-microservice/internal/metrics"
	"github.com/Dhoini/Dunning-microservice/internal/repository"
	"github.com/Dhoini/Dunning-microservice/internal/stripe"
	"github.com/Dhoini/Dunning-microservice/pkg/logger"
)

// Причины, с которыми фиксируется неуспех планового или ручного ретрая
const (
	retryFailureReason = "retry_payment_failed"
	retryUnpaidReason  = "retry_payment_incomplete"
)

// DunningService интерфейс оркестратора взыскания просроченных платежей
type DunningService interface {
	// HandleFailedPayment фиксирует неуспешный платеж по счету: новая
	// попытка, дата следующего ретрая, приостановка подписки по порогу.
	HandleFailedPayment(ctx context.Context, tenantID string, invoiceID uuid.UUID, failureReason string) error

	// RetryPayment инициирует списание по счету через процессор.
	// Возвращает false без ошибки при обычном отказе карты; ошибка
	// означает сбой инфраструктуры или отсутствие счета.
	RetryPayment(ctx context.Context, tenantID string, invoiceID uuid.UUID) (bool, error)

	// ProcessScheduledRetries выполняет один проход по просроченным
	// попыткам. Неуспех одного элемента не прерывает пакет.
	ProcessScheduledRetries(ctx context.Context) (domain.RetryReport, error)

	// HandlePaymentSucceeded закрывает взыскание по счету после
	// подтверждения оплаты процессором (webhook invoice.payment_succeeded).
	HandlePaymentSucceeded(ctx context.Context, stripeInvoiceID string, amountPaid int64, paidAt time.Time) error

	// ListAttempts возвращает историю попыток по счету
	ListAttempts(ctx context.Context, tenantID string, invoiceID uuid.UUID) ([]domain.DunningAttempt, error)

	// UpsertInvoiceFromProcessor зеркалирует счет процессора в локальное хранилище
	UpsertInvoiceFromProcessor(ctx context.Context, invoice domain.Invoice) (domain.Invoice, error)

	// GetInvoiceByStripeID возвращает локальное зеркало счета по внешней ссылке
	GetInvoiceByStripeID(ctx context.Context, stripeInvoiceID string) (domain.Invoice, error)
}

type dunningService struct {
	subscriptionRepo repository.SubscriptionRepository
	invoiceRepo      repository.InvoiceRepository
	attemptRepo      repository.AttemptRepository
	policyRepo       repository.PolicyRepository
	stripeClient     stripe.Client
	producer         kafka.Producer
	metrics          metrics.DunningMetrics
	defaultPolicy    domain.DunningPolicy
	batchSize        int
	log              *logger.Logger
}

// NewDunningService создает новый оркестратор взыскания.
// producer может быть nil: уведомления тогда не отправляются.
func NewDunningService(
	subscriptionRepo repository.SubscriptionRepository,
	invoiceRepo repository.InvoiceRepository,
	attemptRepo repository.AttemptRepository,
	policyRepo repository.PolicyRepository,
	stripeClient stripe.Client,
	producer kafka.Producer,
	m metrics.DunningMetrics,
	defaultPolicy domain.DunningPolicy,
	batchSize int,
	log *logger.Logger,
) DunningService {
	if batchSize <= 0 {
		batchSize = 50
	}
	return &dunningService{
		subscriptionRepo: subscriptionRepo,
		invoiceRepo:      invoiceRepo,
		attemptRepo:      attemptRepo,
		policyRepo:       policyRepo,
		stripeClient:     stripeClient,
		producer:         producer,
		metrics:          m,
		defaultPolicy:    defaultPolicy,
		batchSize:        batchSize,
		log:              log,
	}
}

// HandleFailedPayment фиксирует неуспешный платеж по счету тенанта
func (s *dunningService) HandleFailedPayment(ctx context.Context, tenantID string, invoiceID uuid.UUID, failureReason string) error {
	s.log.Debugw("Handling failed payment", "tenantID", tenantID, "invoiceID", invoiceID, "reason", failureReason)

	subscription, err := s.subscriptionRepo.GetByTenant(ctx, tenantID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			// Поздний или дублирующий webhook для несуществующего тенанта.
			// Безопасный no-op: осиротевшее состояние создавать нельзя.
			s.log.Warnw("No subscription for tenant, ignoring failed payment", "tenantID", tenantID, "invoiceID", invoiceID)
			return nil
		}
		s.log.Errorw("Failed to load subscription", "error", err, "tenantID", tenantID)
		return fmt.Errorf("failed to load subscription: %w", err)
	}

	if !subscription.IsBillable() {
		s.log.Warnw("Subscription already cancelled, ignoring failed payment", "tenantID", tenantID, "invoiceID", invoiceID)
		return nil
	}

	invoice, err := s.invoiceRepo.GetByID(ctx, tenantID, invoiceID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			s.log.Warnw("Invoice not found", "tenantID", tenantID, "invoiceID", invoiceID)
			return domain.ErrInvoiceNotFound
		}
		s.log.Errorw("Failed to load invoice", "error", err, "tenantID", tenantID, "invoiceID", invoiceID)
		return fmt.Errorf("failed to load invoice: %w", err)
	}

	if invoice.IsPaid() {
		s.log.Infow("Invoice already paid, ignoring failed payment", "tenantID", tenantID, "invoiceID", invoiceID)
		return nil
	}

	policy := s.effectivePolicy(ctx, tenantID)

	attempts, err := s.attemptRepo.ListByInvoice(ctx, tenantID, invoiceID)
	if err != nil {
		s.log.Errorw("Failed to load dunning attempts", "error", err, "tenantID", tenantID, "invoiceID", invoiceID)
		return fmt.Errorf("failed to load dunning attempts: %w", err)
	}

	attemptNumber := len(attempts) + 1

	// За пределом maxRetries новые попытки не создаются
	if attemptNumber > policy.MaxRetries {
		return s.handleRetriesExhausted(ctx, subscription, invoice, policy, attempts)
	}

	now := time.Now()
	attempt := domain.DunningAttempt{
		TenantID:        tenantID,
		InvoiceID:       invoiceID,
		AttemptNumber:   attemptNumber,
		Status:          domain.AttemptStatusFailed,
		FailureReason:   failureReason,
		AttemptDate:     now,
		NextAttemptDate: policy.NextAttemptAt(now, attemptNumber),
	}

	attempt, err = s.attemptRepo.Create(ctx, attempt)
	if err != nil {
		s.log.Errorw("Failed to record dunning attempt", "error", err, "tenantID", tenantID, "invoiceID", invoiceID, "attemptNumber", attemptNumber)
		return fmt.Errorf("failed to record dunning attempt: %w", err)
	}
	s.metrics.IncAttemptRecorded(failureReason)

	s.log.Infow("Dunning attempt recorded",
		"tenantID", tenantID,
		"invoiceID", invoiceID,
		"attemptNumber", attemptNumber,
		"nextAttemptDate", attempt.NextAttemptDate,
	)

	// Каждая запись в журнале - неуспех, поэтому порог приостановки
	// сравнивается с номером попытки
	if attemptNumber >= policy.SuspendAfterFailures {
		suspended, err := s.suspendSubscription(ctx, tenantID)
		if err != nil {
			return err
		}
		if suspended {
			s.publishEvent(ctx, policy, &domain.DunningEvent{
				Type:          domain.EventSubscriptionSuspended,
				TenantID:      tenantID,
				InvoiceID:     invoiceID,
				AttemptNumber: attemptNumber,
				OccurredAt:    time.Now(),
			})
		}
	}

	s.publishEvent(ctx, policy, &domain.DunningEvent{
		Type:            domain.EventPaymentFailed,
		TenantID:        tenantID,
		InvoiceID:       invoiceID,
		AttemptNumber:   attemptNumber,
		FailureReason:   failureReason,
		NextAttemptDate: &attempt.NextAttemptDate,
		OccurredAt:      time.Now(),
	})

	return nil
}

// RetryPayment инициирует списание по счету через Stripe
func (s *dunningService) RetryPayment(ctx context.Context, tenantID string, invoiceID uuid.UUID) (bool, error) {
	s.log.Debugw("Retrying payment", "tenantID", tenantID, "invoiceID", invoiceID)

	subscription, err := s.subscriptionRepo.GetByTenant(ctx, tenantID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			s.log.Warnw("No subscription for tenant, skipping retry", "tenantID", tenantID, "invoiceID", invoiceID)
			return false, nil
		}
		return false, fmt.Errorf("failed to load subscription: %w", err)
	}
	if !subscription.IsBillable() {
		s.log.Warnw("Subscription cancelled, skipping retry", "tenantID", tenantID, "invoiceID", invoiceID)
		return false, nil
	}

	invoice, err := s.invoiceRepo.GetByID(ctx, tenantID, invoiceID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return false, domain.ErrInvoiceNotFound
		}
		return false, fmt.Errorf("failed to load invoice: %w", err)
	}

	if invoice.IsPaid() {
		s.log.Infow("Invoice already paid, closing out dunning", "tenantID", tenantID, "invoiceID", invoiceID)
		if err := s.closeOutDunning(ctx, tenantID, invoice); err != nil {
			return false, err
		}
		return true, nil
	}

	result, err := s.stripeClient.PayInvoice(ctx, invoice.StripeInvoiceID)
	if err != nil {
		var declined *domain.PaymentDeclinedError
		if errors.As(err, &declined) {
			// Обычный отказ карты: бизнес-исход, фиксируется новой попыткой
			s.log.Infow("Payment retry declined", "tenantID", tenantID, "invoiceID", invoiceID, "code", declined.Code)
			s.metrics.IncRetryResult("declined")
			if recErr := s.HandleFailedPayment(ctx, tenantID, invoiceID, retryFailureReason); recErr != nil {
				return false, recErr
			}
			return false, nil
		}
		s.metrics.IncRetryResult("error")
		s.log.Errorw("Payment retry failed with infrastructure error", "error", err, "tenantID", tenantID, "invoiceID", invoiceID)
		return false, err
	}

	if result.AmountPaid > 0 {
		invoice.ApplyPayment(result.AmountPaid, result.PaidAt)
		if err := s.invoiceRepo.Update(ctx, invoice); err != nil {
			return false, fmt.Errorf("failed to update invoice after payment: %w", err)
		}
	}

	// Успехом считается только полностью оплаченный счет. Частичная
	// оплата или результат со статусом отличным от paid - неуспех,
	// который фиксируется новой попыткой как обычный отказ.
	if !result.Paid() || !invoice.IsPaid() {
		s.log.Warnw("Payment retry finished without full payment",
			"tenantID", tenantID,
			"invoiceID", invoiceID,
			"status", result.Status,
			"amountPaid", result.AmountPaid,
			"amountRemaining", invoice.AmountRemaining,
		)
		s.metrics.IncRetryResult("not_paid")
		if recErr := s.HandleFailedPayment(ctx, tenantID, invoiceID, retryUnpaidReason); recErr != nil {
			return false, recErr
		}
		return false, nil
	}

	if err := s.closeOutDunning(ctx, tenantID, invoice); err != nil {
		return false, err
	}

	s.metrics.IncRetryResult("succeeded")
	s.log.Infow("Payment retry succeeded", "tenantID", tenantID, "invoiceID", invoiceID, "amountPaid", result.AmountPaid)
	return true, nil
}

// ProcessScheduledRetries выполняет один проход по просроченным попыткам
func (s *dunningService) ProcessScheduledRetries(ctx context.Context) (domain.RetryReport, error) {
	start := time.Now()
	defer func() {
		s.metrics.ObserveScanDuration(time.Since(start))
	}()

	// Захват атомарно переводит failed -> retrying: конкурентный проход
	// не увидит эти строки как просроченные
	claimed, err := s.attemptRepo.ClaimDue(ctx, time.Now(), s.batchSize)
	if err != nil {
		s.log.Errorw("Failed to claim due attempts", "error", err)
		return domain.RetryReport{}, fmt.Errorf("failed to claim due attempts: %w", err)
	}

	report := domain.RetryReport{}
	for _, attempt := range claimed {
		report.Processed++

		policy := s.effectivePolicy(ctx, attempt.TenantID)
		if attempt.AttemptNumber > policy.MaxRetries {
			// Политика ужесточилась после создания попытки
			if err := s.abandonClaimed(ctx, attempt, policy); err != nil {
				s.log.Errorw("Failed to abandon out-of-policy attempt", "error", err, "tenantID", attempt.TenantID, "invoiceID", attempt.InvoiceID)
			}
			report.Failed++
			continue
		}

		ok, err := s.RetryPayment(ctx, attempt.TenantID, attempt.InvoiceID)
		if err != nil {
			// Сбой инфраструктуры: возвращаем попытку в failed, следующий
			// тик планировщика повторит ее. Неуспех элемента не прерывает пакет.
			s.log.Errorw("Scheduled retry failed", "error", err, "tenantID", attempt.TenantID, "invoiceID", attempt.InvoiceID, "attemptNumber", attempt.AttemptNumber)
			if relErr := s.attemptRepo.Release(ctx, attempt.ID); relErr != nil {
				s.log.Errorw("Failed to release claimed attempt", "error", relErr, "attemptID", attempt.ID)
			}
			report.Failed++
			continue
		}

		if ok {
			report.Succeeded++
		} else {
			// Отказ карты или незакрытый счет: новая попытка уже записана,
			// захваченная строка остается в retrying и больше не сканируется
			report.Failed++
		}
	}

	if report.Processed > 0 {
		s.log.Infow("Scheduled retry scan finished",
			"processed", report.Processed,
			"succeeded", report.Succeeded,
			"failed", report.Failed,
			"duration", time.Since(start),
		)
	}

	return report, nil
}

// HandlePaymentSucceeded закрывает взыскание после подтверждения оплаты процессором
func (s *dunningService) HandlePaymentSucceeded(ctx context.Context, stripeInvoiceID string, amountPaid int64, paidAt time.Time) error {
	invoice, err := s.invoiceRepo.GetByStripeID(ctx, stripeInvoiceID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			// Счет чужого сервиса или событие пришло раньше зеркалирования
			s.log.Warnw("Unknown invoice in payment succeeded event, dropping", "stripeInvoiceID", stripeInvoiceID)
			return domain.ErrInvoiceNotFound
		}
		return fmt.Errorf("failed to load invoice: %w", err)
	}

	invoice.ApplyPayment(amountPaid, paidAt)
	if err := s.invoiceRepo.Update(ctx, invoice); err != nil {
		return fmt.Errorf("failed to update invoice after payment: %w", err)
	}

	// Частичная оплата не закрывает взыскание и не восстанавливает подписку
	if !invoice.IsPaid() {
		s.log.Warnw("Payment succeeded event without full payment, dunning stays open",
			"stripeInvoiceID", stripeInvoiceID,
			"amountPaid", amountPaid,
			"amountRemaining", invoice.AmountRemaining,
		)
		return nil
	}

	return s.closeOutDunning(ctx, invoice.TenantID, invoice)
}

// ListAttempts возвращает историю попыток по счету
func (s *dunningService) ListAttempts(ctx context.Context, tenantID string, invoiceID uuid.UUID) ([]domain.DunningAttempt, error) {
	attempts, err := s.attemptRepo.ListByInvoice(ctx, tenantID, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list dunning attempts: %w", err)
	}
	return attempts, nil
}

// UpsertInvoiceFromProcessor зеркалирует счет процессора в локальное хранилище
func (s *dunningService) UpsertInvoiceFromProcessor(ctx context.Context, invoice domain.Invoice) (domain.Invoice, error) {
	saved, err := s.invoiceRepo.Upsert(ctx, invoice)
	if err != nil {
		s.log.Errorw("Failed to upsert invoice", "error", err, "tenantID", invoice.TenantID, "stripeInvoiceID", invoice.StripeInvoiceID)
		return domain.Invoice{}, fmt.Errorf("failed to upsert invoice: %w", err)
	}
	return saved, nil
}

// GetInvoiceByStripeID возвращает локальное зеркало счета по внешней ссылке
func (s *dunningService) GetInvoiceByStripeID(ctx context.Context, stripeInvoiceID string) (domain.Invoice, error) {
	invoice, err := s.invoiceRepo.GetByStripeID(ctx, stripeInvoiceID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return domain.Invoice{}, domain.ErrInvoiceNotFound
		}
		return domain.Invoice{}, fmt.Errorf("failed to load invoice: %w", err)
	}
	return invoice, nil
}

// handleRetriesExhausted обрабатывает исчерпание лимита ретраев: все
// попытки помечаются abandoned, подписка отменяется по достижении
// порога прошедших дней, иначе остается приостановленной. Новых
// автоматических ретраев для этого счета больше не будет.
func (s *dunningService) handleRetriesExhausted(
	ctx context.Context,
	subscription domain.Subscription,
	invoice domain.Invoice,
	policy domain.DunningPolicy,
	attempts []domain.DunningAttempt,
) error {
	s.log.Infow("Max dunning retries exceeded", "tenantID", subscription.TenantID, "invoiceID", invoice.ID, "attempts", len(attempts))

	if err := s.attemptRepo.MarkAllForInvoice(ctx, subscription.TenantID, invoice.ID, domain.AttemptStatusAbandoned); err != nil {
		return fmt.Errorf("failed to abandon dunning attempts: %w", err)
	}

	// Часы отмены идут от самой первой попытки и не сбрасываются
	// между циклами abandon
	elapsedDays := 0
	if len(attempts) > 0 {
		elapsedDays = int(time.Since(attempts[0].AttemptDate).Hours() / 24)
	}

	if elapsedDays >= policy.CancelAfterDays {
		return s.cancelSubscription(ctx, subscription, invoice, policy)
	}

	// Порог отмены не достигнут: подписка остается приостановленной,
	// восстановление теперь только через ручную оплату
	suspended, err := s.suspendSubscription(ctx, subscription.TenantID)
	if err != nil {
		return err
	}
	if suspended {
		s.publishEvent(ctx, policy, &domain.DunningEvent{
			Type:       domain.EventSubscriptionSuspended,
			TenantID:   subscription.TenantID,
			InvoiceID:  invoice.ID,
			OccurredAt: time.Now(),
		})
	}

	return nil
}

// cancelSubscription отменяет подписку локально и в Stripe
func (s *dunningService) cancelSubscription(
	ctx context.Context,
	subscription domain.Subscription,
	invoice domain.Invoice,
	policy domain.DunningPolicy,
) error {
	cancelled, err := s.subscriptionRepo.UpdateStatus(
		ctx,
		subscription.TenantID,
		[]domain.SubscriptionStatus{domain.SubscriptionStatusTrial, domain.SubscriptionStatusActive, domain.SubscriptionStatusPastDue},
		domain.SubscriptionStatusCancelled,
	)
	if err != nil {
		return fmt.Errorf("failed to cancel subscription: %w", err)
	}
	if !cancelled {
		// Конкурентная операция уже отменила подписку
		s.log.Warnw("Subscription not in cancellable status", "tenantID", subscription.TenantID)
		return nil
	}

	s.metrics.IncSubscriptionCancelled()
	s.log.Infow("Subscription cancelled after exhausted dunning", "tenantID", subscription.TenantID, "invoiceID", invoice.ID)

	// Отмена на стороне процессора best-effort: локальный статус уже
	// терминальный, расхождение чинится вручную
	if subscription.StripeSubscriptionID != "" {
		if err := s.stripeClient.CancelSubscription(ctx, subscription.StripeSubscriptionID); err != nil {
			s.log.Errorw("Failed to cancel Stripe subscription", "error", err, "tenantID", subscription.TenantID, "stripeSubscriptionID", subscription.StripeSubscriptionID)
		}
	}

	s.publishEvent(ctx, policy, &domain.DunningEvent{
		Type:       domain.EventSubscriptionCancelled,
		TenantID:   subscription.TenantID,
		InvoiceID:  invoice.ID,
		OccurredAt: time.Now(),
	})

	return nil
}

// closeOutDunning помечает все попытки счета succeeded и восстанавливает
// приостановленную подписку
func (s *dunningService) closeOutDunning(ctx context.Context, tenantID string, invoice domain.Invoice) error {
	if err := s.attemptRepo.MarkAllForInvoice(ctx, tenantID, invoice.ID, domain.AttemptStatusSucceeded); err != nil {
		return fmt.Errorf("failed to close out dunning attempts: %w", err)
	}

	reactivated, err := s.subscriptionRepo.UpdateStatus(
		ctx,
		tenantID,
		[]domain.SubscriptionStatus{domain.SubscriptionStatusPastDue},
		domain.SubscriptionStatusActive,
	)
	if err != nil {
		return fmt.Errorf("failed to reactivate subscription: %w", err)
	}

	if reactivated {
		s.metrics.IncSubscriptionReactivated()
		s.log.Infow("Subscription reactivated after successful payment", "tenantID", tenantID, "invoiceID", invoice.ID)
		s.publishEvent(ctx, s.effectivePolicy(ctx, tenantID), &domain.DunningEvent{
			Type:       domain.EventSubscriptionReactivated,
			TenantID:   tenantID,
			InvoiceID:  invoice.ID,
			OccurredAt: time.Now(),
		})
	}

	return nil
}

// abandonClaimed закрывает захваченную попытку, вышедшую за предел политики
func (s *dunningService) abandonClaimed(ctx context.Context, attempt domain.DunningAttempt, policy domain.DunningPolicy) error {
	subscription, err := s.subscriptionRepo.GetByTenant(ctx, attempt.TenantID)
	if err != nil {
		return fmt.Errorf("failed to load subscription: %w", err)
	}

	invoice, err := s.invoiceRepo.GetByID(ctx, attempt.TenantID, attempt.InvoiceID)
	if err != nil {
		return fmt.Errorf("failed to load invoice: %w", err)
	}

	attempts, err := s.attemptRepo.ListByInvoice(ctx, attempt.TenantID, attempt.InvoiceID)
	if err != nil {
		return fmt.Errorf("failed to load dunning attempts: %w", err)
	}

	return s.handleRetriesExhausted(ctx, subscription, invoice, policy, attempts)
}

// suspendSubscription условно переводит подписку в past_due.
// Возвращает true только при фактической смене статуса.
func (s *dunningService) suspendSubscription(ctx context.Context, tenantID string) (bool, error) {
	suspended, err := s.subscriptionRepo.UpdateStatus(
		ctx,
		tenantID,
		[]domain.SubscriptionStatus{domain.SubscriptionStatusTrial, domain.SubscriptionStatusActive},
		domain.SubscriptionStatusPastDue,
	)
	if err != nil {
		return false, fmt.Errorf("failed to suspend subscription: %w", err)
	}

	if suspended {
		s.metrics.IncSubscriptionSuspended()
		s.log.Infow("Subscription suspended for non-payment", "tenantID", tenantID)
	}

	return suspended, nil
}

// effectivePolicy возвращает политику тенанта, наложенную на системную.
// Ошибка чтения политики не фатальна: действует политика по умолчанию.
func (s *dunningService) effectivePolicy(ctx context.Context, tenantID string) domain.DunningPolicy {
	policy, err := s.policyRepo.GetByTenant(ctx, tenantID)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			s.log.Warnw("Failed to load tenant dunning policy, using default", "error", err, "tenantID", tenantID)
		}
		return s.defaultPolicy
	}
	return policy.Merge(s.defaultPolicy)
}

// publishEvent отправляет уведомление best-effort. Ошибка доставки
// логируется и никогда не влияет на основную операцию.
func (s *dunningService) publishEvent(ctx context.Context, policy domain.DunningPolicy, event *domain.DunningEvent) {
	if s.producer == nil || !policy.NotificationsEnabled {
		return
	}

	// Публикация не должна умирать вместе с контекстом запроса
	publishCtx := context.WithoutCancel(ctx)
	go func() {
		topic := kafka.TopicForEvent(event.Type)
		if err := s.producer.PublishDunningEvent(publishCtx, topic, event); err != nil {
			s.log.Errorw("Failed to publish dunning event", "error", err, "topic", topic, "tenantID", event.TenantID)
		}
	}()
}
