package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/Dhoini/Dunning-microservice/internal/domain"
	"github.com/Dhoini/Dunning-microservice/internal/service"
	"github.com/Dhoini/Dunning-microservice/pkg/logger"
	"github.com/Dhoini/Dunning-microservice/pkg/req"
)

// RecordFailureRequest тело запроса на фиксацию неуспешного платежа
type RecordFailureRequest struct {
	TenantID      string `json:"tenant_id" validate:"required"`
	InvoiceID     string `json:"invoice_id" validate:"required,uuid"`
	FailureReason string `json:"failure_reason" validate:"required"`
}

// DunningHandler обработчик операций взыскания
type DunningHandler struct {
	service service.DunningService
	log     *logger.Logger
}

// NewDunningHandler создает новый обработчик операций взыскания
func NewDunningHandler(svc service.DunningService, log *logger.Logger) *DunningHandler {
	return &DunningHandler{
		service: svc,
		log:     log,
	}
}

// RunScheduledRetries запускает один проход сканера просроченных попыток
func (h *DunningHandler) RunScheduledRetries(c *gin.Context) {
	report, err := h.service.ProcessScheduledRetries(c.Request.Context())
	if err != nil {
		h.log.Error("Scheduled retry run failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to process scheduled retries"})
		return
	}

	h.log.Info("Manual dunning run processed %d attempts", report.Processed)
	c.JSON(http.StatusOK, report)
}

// RecordFailure фиксирует неуспешный платеж, о котором сообщил внешний вызов
func (h *DunningHandler) RecordFailure(c *gin.Context) {
	body, err := req.HandleBody[RecordFailureRequest](c.Writer, c.Request, h.log)
	if err != nil {
		c.Abort()
		return
	}

	invoiceID, err := uuid.Parse(body.InvoiceID)
	if err != nil {
		h.log.Warn("Invalid invoice ID format: %s", body.InvoiceID)
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid invoice ID format"})
		return
	}

	if err := h.service.HandleFailedPayment(c.Request.Context(), body.TenantID, invoiceID, body.FailureReason); err != nil {
		if errors.Is(err, domain.ErrInvoiceNotFound) {
			h.log.Warn("Invoice not found: %s", body.InvoiceID)
			c.JSON(http.StatusNotFound, gin.H{"error": "Invoice not found"})
			return
		}
		h.log.Error("Failed to record payment failure: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to record payment failure"})
		return
	}

	c.Status(http.StatusAccepted)
}

// RetryInvoice инициирует немедленный ретрай платежа по счету
func (h *DunningHandler) RetryInvoice(c *gin.Context) {
	tenantID := c.Param("tenant_id")

	invoiceID, err := uuid.Parse(c.Param("invoice_id"))
	if err != nil {
		h.log.Warn("Invalid invoice ID format: %s", c.Param("invoice_id"))
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid invoice ID format"})
		return
	}

	ok, err := h.service.RetryPayment(c.Request.Context(), tenantID, invoiceID)
	if err != nil {
		if errors.Is(err, domain.ErrInvoiceNotFound) {
			h.log.Warn("Invoice not found: %s", invoiceID)
			c.JSON(http.StatusNotFound, gin.H{"error": "Invoice not found"})
			return
		}
		h.log.Error("Failed to retry payment: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retry payment"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": ok})
}

// ListAttempts возвращает историю попыток взыскания по счету
func (h *DunningHandler) ListAttempts(c *gin.Context) {
	tenantID := c.Param("tenant_id")

	invoiceID, err := uuid.Parse(c.Param("invoice_id"))
	if err != nil {
		h.log.Warn("Invalid invoice ID format: %s", c.Param("invoice_id"))
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid invoice ID format"})
		return
	}

	attempts, err := h.service.ListAttempts(c.Request.Context(), tenantID, invoiceID)
	if err != nil {
		h.log.Error("Failed to list dunning attempts: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list dunning attempts"})
		return
	}

	h.log.Info("Returned %d dunning attempts for invoice %s", len(attempts), invoiceID)
	c.JSON(http.StatusOK, attempts)
}
