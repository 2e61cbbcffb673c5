package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Dhoini/Dunning-microservice/internal/domain"
	"github.com/Dhoini/Dunning-microservice/pkg/logger"
)

// SubscriptionRepository интерфейс репозитория подписок.
// Все операции ограничены тенантом: кросс-тенантных запросов нет.
type SubscriptionRepository interface {
	GetByTenant(ctx context.Context, tenantID string) (domain.Subscription, error)
	GetByStripeCustomerID(ctx context.Context, stripeCustomerID string) (domain.Subscription, error)
	Create(ctx context.Context, subscription domain.Subscription) (domain.Subscription, error)
	Update(ctx context.Context, subscription domain.Subscription) error

	// UpdateStatus условно переводит подписку тенанта из одного из статусов
	// from в статус to. Возвращает false, если текущий статус не совпал -
	// условное обновление защищает от затирания конкурентной смены плана.
	UpdateStatus(ctx context.Context, tenantID string, from []domain.SubscriptionStatus, to domain.SubscriptionStatus) (bool, error)
}

// InMemorySubscriptionRepository реализация репозитория подписок в памяти
type InMemorySubscriptionRepository struct {
	subscriptions map[string]domain.Subscription // ключ - tenantID
	mutex         sync.RWMutex
	log           *logger.Logger
}

// NewInMemorySubscriptionRepository создает новый репозиторий подписок в памяти
func NewInMemorySubscriptionRepository(log *logger.Logger) *InMemorySubscriptionRepository {
	return &InMemorySubscriptionRepository{
		subscriptions: make(map[string]domain.Subscription),
		log:           log,
	}
}

// GetByTenant возвращает подписку тенанта
func (r *InMemorySubscriptionRepository) GetByTenant(ctx context.Context, tenantID string) (domain.Subscription, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	subscription, exists := r.subscriptions[tenantID]
	if !exists {
		return domain.Subscription{}, ErrNotFound
	}

	return subscription, nil
}

// GetByStripeCustomerID возвращает подписку по ID клиента в Stripe
func (r *InMemorySubscriptionRepository) GetByStripeCustomerID(ctx context.Context, stripeCustomerID string) (domain.Subscription, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	for _, subscription := range r.subscriptions {
		if subscription.StripeCustomerID == stripeCustomerID {
			return subscription, nil
		}
	}

	return domain.Subscription{}, ErrNotFound
}

// Create создает новую подписку
func (r *InMemorySubscriptionRepository) Create(ctx context.Context, subscription domain.Subscription) (domain.Subscription, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	// Инвариант уникальности: одна подписка на тенанта
	if _, exists := r.subscriptions[subscription.TenantID]; exists {
		return domain.Subscription{}, ErrDuplicate
	}

	subscription.CreatedAt = time.Now()
	subscription.UpdatedAt = time.Now()

	r.subscriptions[subscription.TenantID] = subscription

	return subscription, nil
}

// Update обновляет существующую подписку
func (r *InMemorySubscriptionRepository) Update(ctx context.Context, subscription domain.Subscription) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if _, exists := r.subscriptions[subscription.TenantID]; !exists {
		return ErrNotFound
	}

	subscription.UpdatedAt = time.Now()
	r.subscriptions[subscription.TenantID] = subscription

	return nil
}

// UpdateStatus условно переводит подписку в новый статус
func (r *InMemorySubscriptionRepository) UpdateStatus(ctx context.Context, tenantID string, from []domain.SubscriptionStatus, to domain.SubscriptionStatus) (bool, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	subscription, exists := r.subscriptions[tenantID]
	if !exists {
		return false, ErrNotFound
	}

	matched := false
	for _, status := range from {
		if subscription.Status == status {
			matched = true
			break
		}
	}
	if !matched {
		return false, nil
	}

	now := time.Now()
	subscription.Status = to
	subscription.UpdatedAt = now
	if to == domain.SubscriptionStatusCancelled {
		subscription.CanceledAt = &now
	}
	r.subscriptions[tenantID] = subscription

	return true, nil
}

// PostgresSubscriptionRepository реализация репозитория подписок через PostgreSQL
type PostgresSubscriptionRepository struct {
	db  *pgxpool.Pool
	log *logger.Logger
}

// NewPostgresSubscriptionRepository создает новый репозиторий подписок через PostgreSQL
func NewPostgresSubscriptionRepository(db *pgxpool.Pool, log *logger.Logger) *PostgresSubscriptionRepository {
	return &PostgresSubscriptionRepository{
		db:  db,
		log: log,
	}
}

const subscriptionColumns = `
	tenant_id, plan_tier, status,
	current_period_start, current_period_end,
	stripe_customer_id, stripe_subscription_id,
	canceled_at, created_at, updated_at
`

// scanSubscription маппит строку таблицы в доменную структуру.
// Нетипизированные map через бизнес-логику не проходят.
func scanSubscription(row pgx.Row) (domain.Subscription, error) {
	var subscription domain.Subscription
	var canceledAt *time.Time

	err := row.Scan(
		&subscription.TenantID,
		&subscription.PlanTier,
		&subscription.Status,
		&subscription.CurrentPeriodStart,
		&subscription.CurrentPeriodEnd,
		&subscription.StripeCustomerID,
		&subscription.StripeSubscriptionID,
		&canceledAt,
		&subscription.CreatedAt,
		&subscription.UpdatedAt,
	)
	if err != nil {
		return domain.Subscription{}, err
	}

	subscription.CanceledAt = canceledAt
	return subscription, nil
}

// GetByTenant возвращает подписку тенанта из базы данных
func (r *PostgresSubscriptionRepository) GetByTenant(ctx context.Context, tenantID string) (domain.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE tenant_id = $1`

	subscription, err := scanSubscription(r.db.QueryRow(ctx, query, tenantID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Subscription{}, ErrNotFound
		}
		return domain.Subscription{}, fmt.Errorf("failed to get subscription: %w", err)
	}

	return subscription, nil
}

// GetByStripeCustomerID возвращает подписку по ID клиента в Stripe
func (r *PostgresSubscriptionRepository) GetByStripeCustomerID(ctx context.Context, stripeCustomerID string) (domain.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE stripe_customer_id = $1`

	subscription, err := scanSubscription(r.db.QueryRow(ctx, query, stripeCustomerID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Subscription{}, ErrNotFound
		}
		return domain.Subscription{}, fmt.Errorf("failed to get subscription by stripe customer: %w", err)
	}

	return subscription, nil
}

// Create создает новую подписку в базе данных
func (r *PostgresSubscriptionRepository) Create(ctx context.Context, subscription domain.Subscription) (domain.Subscription, error) {
	query := `
		INSERT INTO subscriptions (
			tenant_id, plan_tier, status,
			current_period_start, current_period_end,
			stripe_customer_id, stripe_subscription_id,
			canceled_at, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10
		)
		RETURNING created_at, updated_at
	`

	err := r.db.QueryRow(
		ctx,
		query,
		subscription.TenantID,
		subscription.PlanTier,
		subscription.Status,
		subscription.CurrentPeriodStart,
		subscription.CurrentPeriodEnd,
		subscription.StripeCustomerID,
		subscription.StripeSubscriptionID,
		subscription.CanceledAt,
		time.Now(),
		time.Now(),
	).Scan(
		&subscription.CreatedAt,
		&subscription.UpdatedAt,
	)

	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			// Нарушение уникальности: подписка тенанта уже существует
			if pgErr.Code == "23505" {
				return domain.Subscription{}, ErrDuplicate
			}
		}
		return domain.Subscription{}, fmt.Errorf("failed to create subscription: %w", err)
	}

	return subscription, nil
}

// Update обновляет существующую подписку в базе данных
func (r *PostgresSubscriptionRepository) Update(ctx context.Context, subscription domain.Subscription) error {
	query := `
		UPDATE subscriptions
		SET
			plan_tier = $1,
			status = $2,
			current_period_start = $3,
			current_period_end = $4,
			stripe_customer_id = $5,
			stripe_subscription_id = $6,
			canceled_at = $7,
			updated_at = $8
		WHERE tenant_id = $9
	`

	result, err := r.db.Exec(
		ctx,
		query,
		subscription.PlanTier,
		subscription.Status,
		subscription.CurrentPeriodStart,
		subscription.CurrentPeriodEnd,
		subscription.StripeCustomerID,
		subscription.StripeSubscriptionID,
		subscription.CanceledAt,
		time.Now(),
		subscription.TenantID,
	)

	if err != nil {
		return fmt.Errorf("failed to update subscription: %w", err)
	}

	if result.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

// UpdateStatus условно переводит подписку в новый статус одним атомарным
// UPDATE с проверкой текущего статуса в WHERE, чтобы два конкурентных
// прохода не затирали друг друга.
func (r *PostgresSubscriptionRepository) UpdateStatus(ctx context.Context, tenantID string, from []domain.SubscriptionStatus, to domain.SubscriptionStatus) (bool, error) {
	query := `
		UPDATE subscriptions
		SET
			status = $1,
			canceled_at = CASE WHEN $1 = 'cancelled' THEN $2 ELSE canceled_at END,
			updated_at = $2
		WHERE tenant_id = $3 AND status = ANY($4)
	`

	fromStatuses := make([]string, len(from))
	for i, status := range from {
		fromStatuses[i] = string(status)
	}

	result, err := r.db.Exec(ctx, query, to, time.Now(), tenantID, fromStatuses)
	if err != nil {
		return false, fmt.Errorf("failed to update subscription status: %w", err)
	}

	if result.RowsAffected() == 0 {
		// Либо подписки нет, либо статус уже сменился конкурентно
		exists, err := r.exists(ctx, tenantID)
		if err != nil {
			return false, err
		}
		if !exists {
			return false, ErrNotFound
		}
		return false, nil
	}

	return true, nil
}

// exists проверяет существование подписки тенанта
func (r *PostgresSubscriptionRepository) exists(ctx context.Context, tenantID string) (bool, error) {
	var count int
	err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM subscriptions WHERE tenant_id = $1`, tenantID).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check subscription existence: %w", err)
	}
	return count > 0, nil
}
