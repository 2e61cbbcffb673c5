package repository

import (
	"context"

	"github.com/Dhoini/Dunning-microservice/internal/domain"
	"github.com/Dhoini/Dunning-microservice/pkg/logger"
)

// CachedPolicyRepository реализует PolicyRepository с кешированием
type CachedPolicyRepository struct {
	repo  PolicyRepository
	cache *RedisCacheRepository
	log   *logger.Logger
}

// NewCachedPolicyRepository создает новый репозиторий политик с кешированием
func NewCachedPolicyRepository(
	repo PolicyRepository,
	cache *RedisCacheRepository,
	log *logger.Logger,
) PolicyRepository {
	return &CachedPolicyRepository{
		repo:  repo,
		cache: cache,
		log:   log,
	}
}

// GetByTenant возвращает политику тенанта (сначала из кеша, потом из БД)
func (r *CachedPolicyRepository) GetByTenant(ctx context.Context, tenantID string) (domain.DunningPolicy, error) {
	// Пытаемся получить из кеша
	cachedPolicy, err := r.cache.GetCachedPolicy(ctx, tenantID)
	if err != nil {
		r.log.Warnw("Error getting dunning policy from cache", "error", err, "tenantID", tenantID)
		// Продолжаем выполнение при ошибке кеша
	}

	// Если нашли в кеше, возвращаем
	if cachedPolicy != nil {
		r.log.Debugw("Dunning policy found in cache", "tenantID", tenantID)
		return *cachedPolicy, nil
	}

	// Если не нашли в кеше, ищем в БД
	policy, err := r.repo.GetByTenant(ctx, tenantID)
	if err != nil {
		return domain.DunningPolicy{}, err
	}

	// Кешируем найденную политику
	if err := r.cache.CachePolicy(ctx, policy); err != nil {
		r.log.Warnw("Failed to cache dunning policy after fetching", "error", err, "tenantID", tenantID)
	}

	return policy, nil
}

// Upsert сохраняет политику тенанта в БД и обновляет кеш
func (r *CachedPolicyRepository) Upsert(ctx context.Context, policy domain.DunningPolicy) (domain.DunningPolicy, error) {
	// Сначала сохраняем в основное хранилище
	saved, err := r.repo.Upsert(ctx, policy)
	if err != nil {
		return domain.DunningPolicy{}, err
	}

	// Затем обновляем кеш политики
	if err := r.cache.CachePolicy(ctx, saved); err != nil {
		r.log.Warnw("Failed to cache dunning policy after upsert", "error", err, "tenantID", saved.TenantID)
		// Продолжаем выполнение, несмотря на ошибку кеширования
	}

	return saved, nil
}
