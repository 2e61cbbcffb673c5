package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Dhoini/Dunning-microservice/internal/domain"
	"github.com/Dhoini/Dunning-microservice/internal/service"
	"github.com/Dhoini/Dunning-microservice/pkg/logger"
	"github.com/Dhoini/Dunning-microservice/pkg/req"
)

// UpsertPolicyRequest тело запроса на изменение политики взыскания тенанта
type UpsertPolicyRequest struct {
	MaxRetries           int   `json:"max_retries" validate:"gte=0,lte=20"`
	RetryIntervalDays    []int `json:"retry_interval_days" validate:"dive,gt=0"`
	SuspendAfterFailures int   `json:"suspend_after_failures" validate:"gte=0"`
	CancelAfterDays      int   `json:"cancel_after_days" validate:"gte=0"`
	NotificationsEnabled bool  `json:"notifications_enabled"`
}

// PolicyHandler обработчик политик взыскания
type PolicyHandler struct {
	service service.PolicyService
	log     *logger.Logger
}

// NewPolicyHandler создает новый обработчик политик взыскания
func NewPolicyHandler(svc service.PolicyService, log *logger.Logger) *PolicyHandler {
	return &PolicyHandler{
		service: svc,
		log:     log,
	}
}

// GetPolicy возвращает действующую политику тенанта
func (h *PolicyHandler) GetPolicy(c *gin.Context) {
	tenantID := c.Param("tenant_id")

	policy, err := h.service.GetEffective(c.Request.Context(), tenantID)
	if err != nil {
		h.log.Error("Failed to get dunning policy: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get dunning policy"})
		return
	}

	c.JSON(http.StatusOK, policy)
}

// UpsertPolicy сохраняет переопределение политики тенанта
func (h *PolicyHandler) UpsertPolicy(c *gin.Context) {
	tenantID := c.Param("tenant_id")

	body, err := req.HandleBody[UpsertPolicyRequest](c.Writer, c.Request, h.log)
	if err != nil {
		c.Abort()
		return
	}

	policy := domain.DunningPolicy{
		TenantID:             tenantID,
		MaxRetries:           body.MaxRetries,
		RetryIntervalDays:    body.RetryIntervalDays,
		SuspendAfterFailures: body.SuspendAfterFailures,
		CancelAfterDays:      body.CancelAfterDays,
		NotificationsEnabled: body.NotificationsEnabled,
	}

	saved, err := h.service.Upsert(c.Request.Context(), policy)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidInput) {
			h.log.Warn("Invalid dunning policy for tenant %s", tenantID)
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid dunning policy"})
			return
		}
		h.log.Error("Failed to save dunning policy: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to save dunning policy"})
		return
	}

	h.log.Info("Updated dunning policy for tenant %s", tenantID)
	c.JSON(http.StatusOK, saved)
}
