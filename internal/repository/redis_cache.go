package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Dhoini/Dunning-microservice/internal/domain"
	"github.com/Dhoini/Dunning-microservice/pkg/logger"
)

const (
	// Префиксы ключей для различных типов данных
	policyKeyPrefix = "dunning_policy:"

	// TTL для кэша
	defaultCacheTTL = 15 * time.Minute
)

// RedisCacheRepository реализует кеширование для репозиториев с использованием Redis
type RedisCacheRepository struct {
	client *redis.Client
	log    *logger.Logger
}

// NewRedisCacheRepository создает новый экземпляр Redis репозитория
func NewRedisCacheRepository(redisAddr, redisPassword string, redisDB int, log *logger.Logger) (*RedisCacheRepository, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     redisAddr,
		Password: redisPassword,
		DB:       redisDB,
	})

	// Проверяем соединение с Redis
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		log.Errorw("Failed to connect to Redis", "error", err)
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Infow("Connected to Redis successfully", "addr", redisAddr)
	return &RedisCacheRepository{
		client: client,
		log:    log,
	}, nil
}

// Close закрывает соединение с Redis
func (r *RedisCacheRepository) Close() error {
	return r.client.Close()
}

// CachePolicy кеширует политику взыскания тенанта в Redis
func (r *RedisCacheRepository) CachePolicy(ctx context.Context, policy domain.DunningPolicy) error {
	key := fmt.Sprintf("%s%s", policyKeyPrefix, policy.TenantID)

	data, err := json.Marshal(policy)
	if err != nil {
		r.log.Errorw("Failed to marshal dunning policy for caching", "error", err, "tenantID", policy.TenantID)
		return fmt.Errorf("failed to marshal dunning policy: %w", err)
	}

	if err := r.client.Set(ctx, key, data, defaultCacheTTL).Err(); err != nil {
		r.log.Errorw("Failed to cache dunning policy in Redis", "error", err, "tenantID", policy.TenantID)
		return fmt.Errorf("failed to cache dunning policy: %w", err)
	}

	r.log.Debugw("Dunning policy cached successfully", "tenantID", policy.TenantID)
	return nil
}

// GetCachedPolicy получает политику тенанта из кеша
func (r *RedisCacheRepository) GetCachedPolicy(ctx context.Context, tenantID string) (*domain.DunningPolicy, error) {
	key := fmt.Sprintf("%s%s", policyKeyPrefix, tenantID)

	data, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			// Ключ не найден в кеше
			r.log.Debugw("Dunning policy not found in cache", "tenantID", tenantID)
			return nil, nil // Возвращаем nil вместо ошибки
		}
		r.log.Errorw("Error getting dunning policy from Redis", "error", err, "tenantID", tenantID)
		return nil, fmt.Errorf("failed to get dunning policy from cache: %w", err)
	}

	var policy domain.DunningPolicy
	if err := json.Unmarshal(data, &policy); err != nil {
		r.log.Errorw("Failed to unmarshal cached dunning policy", "error", err, "tenantID", tenantID)
		return nil, fmt.Errorf("failed to unmarshal cached dunning policy: %w", err)
	}

	r.log.Debugw("Dunning policy retrieved from cache", "tenantID", tenantID)
	return &policy, nil
}

// InvalidatePolicyCache удаляет политику тенанта из кеша
func (r *RedisCacheRepository) InvalidatePolicyCache(ctx context.Context, tenantID string) error {
	key := fmt.Sprintf("%s%s", policyKeyPrefix, tenantID)

	if err := r.client.Del(ctx, key).Err(); err != nil {
		r.log.Errorw("Failed to invalidate dunning policy cache", "error", err, "tenantID", tenantID)
		return fmt.Errorf("failed to invalidate dunning policy cache: %w", err)
	}

	r.log.Debugw("Dunning policy cache invalidated", "tenantID", tenantID)
	return nil
}
