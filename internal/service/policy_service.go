package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/Dhoini/Dunning-microservice/internal/domain"
	"github.com/Dhoini/Dunning-microservice/internal/repository"
	"github.com/Dhoini/Dunning-microservice/pkg/logger"
)

// PolicyService интерфейс управления политиками взыскания тенантов
type PolicyService interface {
	// GetEffective возвращает действующую политику тенанта:
	// переопределения, наложенные на системную политику по умолчанию
	GetEffective(ctx context.Context, tenantID string) (domain.DunningPolicy, error)

	// Upsert сохраняет переопределение политики тенанта
	Upsert(ctx context.Context, policy domain.DunningPolicy) (domain.DunningPolicy, error)
}

type policyService struct {
	policyRepo    repository.PolicyRepository
	defaultPolicy domain.DunningPolicy
	log           *logger.Logger
}

// NewPolicyService создает новый сервис политик взыскания
func NewPolicyService(policyRepo repository.PolicyRepository, defaultPolicy domain.DunningPolicy, log *logger.Logger) PolicyService {
	return &policyService{
		policyRepo:    policyRepo,
		defaultPolicy: defaultPolicy,
		log:           log,
	}
}

// GetEffective возвращает действующую политику тенанта
func (s *policyService) GetEffective(ctx context.Context, tenantID string) (domain.DunningPolicy, error) {
	policy, err := s.policyRepo.GetByTenant(ctx, tenantID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			effective := s.defaultPolicy
			effective.TenantID = tenantID
			return effective, nil
		}
		return domain.DunningPolicy{}, fmt.Errorf("failed to load dunning policy: %w", err)
	}
	return policy.Merge(s.defaultPolicy), nil
}

// Upsert сохраняет переопределение политики тенанта
func (s *policyService) Upsert(ctx context.Context, policy domain.DunningPolicy) (domain.DunningPolicy, error) {
	if policy.TenantID == "" {
		return domain.DunningPolicy{}, domain.ErrInvalidInput
	}
	for _, days := range policy.RetryIntervalDays {
		if days <= 0 {
			s.log.Warnw("Rejected dunning policy with non-positive retry interval", "tenantID", policy.TenantID, "days", days)
			return domain.DunningPolicy{}, domain.ErrInvalidInput
		}
	}
	if policy.MaxRetries < 0 || policy.SuspendAfterFailures < 0 || policy.CancelAfterDays < 0 {
		return domain.DunningPolicy{}, domain.ErrInvalidInput
	}

	saved, err := s.policyRepo.Upsert(ctx, policy)
	if err != nil {
		return domain.DunningPolicy{}, fmt.Errorf("failed to save dunning policy: %w", err)
	}

	s.log.Infow("Dunning policy updated", "tenantID", saved.TenantID)
	return saved, nil
}
