package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Dhoini/Dunning-microservice/internal/domain"
	"github.com/Dhoini/Dunning-microservice/pkg/logger"
)

// PolicyRepository интерфейс доступа к переопределениям политики взыскания.
// Возвращает ErrNotFound, если у тенанта нет собственной политики.
type PolicyRepository interface {
	GetByTenant(ctx context.Context, tenantID string) (domain.DunningPolicy, error)
	Upsert(ctx context.Context, policy domain.DunningPolicy) (domain.DunningPolicy, error)
}

// InMemoryPolicyRepository реализация хранилища политик в памяти
type InMemoryPolicyRepository struct {
	policies map[string]domain.DunningPolicy
	mutex    sync.RWMutex
	log      *logger.Logger
}

// NewInMemoryPolicyRepository создает новое хранилище политик в памяти
func NewInMemoryPolicyRepository(log *logger.Logger) *InMemoryPolicyRepository {
	return &InMemoryPolicyRepository{
		policies: make(map[string]domain.DunningPolicy),
		log:      log,
	}
}

// GetByTenant возвращает политику тенанта
func (r *InMemoryPolicyRepository) GetByTenant(ctx context.Context, tenantID string) (domain.DunningPolicy, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	policy, exists := r.policies[tenantID]
	if !exists {
		return domain.DunningPolicy{}, ErrNotFound
	}

	return policy, nil
}

// Upsert сохраняет политику тенанта
func (r *InMemoryPolicyRepository) Upsert(ctx context.Context, policy domain.DunningPolicy) (domain.DunningPolicy, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.policies[policy.TenantID] = policy

	return policy, nil
}

// PostgresPolicyRepository реализация хранилища политик через PostgreSQL
type PostgresPolicyRepository struct {
	db  *pgxpool.Pool
	log *logger.Logger
}

// NewPostgresPolicyRepository создает новое хранилище политик через PostgreSQL
func NewPostgresPolicyRepository(db *pgxpool.Pool, log *logger.Logger) *PostgresPolicyRepository {
	return &PostgresPolicyRepository{
		db:  db,
		log: log,
	}
}

// GetByTenant возвращает политику тенанта
func (r *PostgresPolicyRepository) GetByTenant(ctx context.Context, tenantID string) (domain.DunningPolicy, error) {
	query := `
		SELECT tenant_id, max_retries, retry_interval_days,
		       suspend_after_failures, cancel_after_days, notifications_enabled
		FROM dunning_policies
		WHERE tenant_id = $1
	`

	var policy domain.DunningPolicy
	err := r.db.QueryRow(ctx, query, tenantID).Scan(
		&policy.TenantID,
		&policy.MaxRetries,
		&policy.RetryIntervalDays,
		&policy.SuspendAfterFailures,
		&policy.CancelAfterDays,
		&policy.NotificationsEnabled,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.DunningPolicy{}, ErrNotFound
		}
		return domain.DunningPolicy{}, fmt.Errorf("failed to get dunning policy: %w", err)
	}

	return policy, nil
}

// Upsert сохраняет политику тенанта
func (r *PostgresPolicyRepository) Upsert(ctx context.Context, policy domain.DunningPolicy) (domain.DunningPolicy, error) {
	query := `
		INSERT INTO dunning_policies (
			tenant_id, max_retries, retry_interval_days,
			suspend_after_failures, cancel_after_days, notifications_enabled
		) VALUES (
			$1, $2, $3, $4, $5, $6
		)
		ON CONFLICT (tenant_id) DO UPDATE SET
			max_retries = EXCLUDED.max_retries,
			retry_interval_days = EXCLUDED.retry_interval_days,
			suspend_after_failures = EXCLUDED.suspend_after_failures,
			cancel_after_days = EXCLUDED.cancel_after_days,
			notifications_enabled = EXCLUDED.notifications_enabled
	`

	_, err := r.db.Exec(
		ctx,
		query,
		policy.TenantID,
		policy.MaxRetries,
		policy.RetryIntervalDays,
		policy.SuspendAfterFailures,
		policy.CancelAfterDays,
		policy.NotificationsEnabled,
	)
	if err != nil {
		return domain.DunningPolicy{}, fmt.Errorf("failed to upsert dunning policy: %w", err)
	}

	return policy, nil
}
