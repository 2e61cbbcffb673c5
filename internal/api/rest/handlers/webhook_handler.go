package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	stripesdk "github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/webhook"

	"github.com/Dhoini/Dunning-microservice/internal/config"
	"github.com/Dhoini/Dunning-microservice/internal/domain"
	"github.com/Dhoini/Dunning-microservice/internal/service"
	"github.com/Dhoini/Dunning-microservice/pkg/logger"
	"github.com/Dhoini/Dunning-microservice/pkg/res"
)

const (
	// Ограничение на размер тела запроса вебхука (Stripe рекомендует ~65kb)
	maxRequestBodySize = int64(65536)

	// Ключ метаданных счета Stripe со ссылкой на тенанта
	metadataTenantIDKey = "tenant_id"
)

// WebhookHandler обрабатывает входящие вебхуки от Stripe.
type WebhookHandler struct {
	service       service.DunningService
	log           *logger.Logger
	webhookSecret string
}

// NewWebhookHandler создает новый экземпляр WebhookHandler.
func NewWebhookHandler(cfg *config.Config, svc service.DunningService, log *logger.Logger) (*WebhookHandler, error) {
	if cfg.Stripe.WebhookSecret == "" {
		log.Errorw("Stripe webhook secret is not configured in config.Stripe.WebhookSecret")
		return nil, errors.New("stripe webhook secret is not configured")
	}
	return &WebhookHandler{
		service:       svc,
		log:           log,
		webhookSecret: cfg.Stripe.WebhookSecret,
	}, nil
}

// HandleStripeWebhook - обработчик для Gin, принимающий вебхуки Stripe.
func (h *WebhookHandler) HandleStripeWebhook(c *gin.Context) {
	// Тело читается один раз, чтение его потребляет
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxRequestBodySize)
	payload, err := io.ReadAll(c.Request.Body)
	defer c.Request.Body.Close()

	if err != nil {
		h.log.Errorw("Failed to read webhook request body", "error", err)
		res.JsonResponse(c.Writer, res.ErrorResponse{Error: "Cannot read request body"}, http.StatusBadRequest)
		c.Abort()
		return
	}

	sigHeader := c.GetHeader("Stripe-Signature")
	if sigHeader == "" {
		h.log.Warnw("Missing Stripe-Signature header")
		res.JsonResponse(c.Writer, res.ErrorResponse{Error: "Missing Stripe-Signature header"}, http.StatusBadRequest)
		c.Abort()
		return
	}

	event, err := webhook.ConstructEvent(payload, sigHeader, h.webhookSecret)
	if err != nil {
		h.log.Errorw("Webhook signature verification failed", "error", err)
		res.JsonResponse(c.Writer, res.ErrorResponse{Error: "Webhook signature verification failed"}, http.StatusBadRequest)
		c.Abort()
		return
	}

	h.log.Infow("Received verified Stripe event", "eventID", event.ID, "eventType", event.Type)

	switch event.Type {
	case "invoice.payment_failed":
		err = h.handleInvoicePaymentFailed(c, event)
	case "invoice.payment_succeeded", "invoice.paid":
		err = h.handleInvoicePaymentSucceeded(c, event)
	default:
		// Неинтересные события подтверждаем, чтобы Stripe их не повторял
		h.log.Debugw("Ignoring Stripe event type", "eventID", event.ID, "eventType", event.Type)
	}

	if err != nil {
		h.log.Errorw("Error processing webhook event", "error", err, "eventID", event.ID, "eventType", event.Type)
		// Stripe повторит доставку после ответа 5xx
		res.JsonResponse(c.Writer, res.ErrorResponse{Error: "Internal server error processing webhook"}, http.StatusInternalServerError)
		c.Abort()
		return
	}

	h.log.Infow("Successfully processed webhook event", "eventID", event.ID, "eventType", event.Type)
	c.Status(http.StatusOK)
}

// handleInvoicePaymentFailed транслирует событие неуспешного платежа в оркестратор
func (h *WebhookHandler) handleInvoicePaymentFailed(c *gin.Context, event stripesdk.Event) error {
	ctx := c.Request.Context()

	stripeInvoice, err := parseInvoiceEvent(event)
	if err != nil {
		h.log.Errorw("Failed to unmarshal invoice from event", "error", err, "eventID", event.ID)
		return err
	}

	invoice, err := h.service.GetInvoiceByStripeID(ctx, stripeInvoice.ID)
	if err != nil {
		if !errors.Is(err, domain.ErrInvoiceNotFound) {
			return err
		}
		// Событие пришло раньше зеркалирования счета: пытаемся создать
		// зеркало из payload, иначе логируем и отбрасываем
		tenantID := stripeInvoice.Metadata[metadataTenantIDKey]
		if tenantID == "" {
			h.log.Warnw("Unknown invoice without tenant metadata in payment failed event, dropping",
				"eventID", event.ID, "stripeInvoiceID", stripeInvoice.ID)
			return nil
		}
		invoice, err = h.service.UpsertInvoiceFromProcessor(ctx, mirrorInvoice(tenantID, stripeInvoice))
		if err != nil {
			return err
		}
	}

	reason := failureReason(stripeInvoice)
	if err := h.service.HandleFailedPayment(ctx, invoice.TenantID, invoice.ID, reason); err != nil {
		// Счет исчез между lookup и обработкой: логируем и отбрасываем
		if errors.Is(err, domain.ErrInvoiceNotFound) {
			h.log.Warnw("Invoice disappeared during webhook processing, dropping", "eventID", event.ID, "stripeInvoiceID", stripeInvoice.ID)
			return nil
		}
		return err
	}

	return nil
}

// handleInvoicePaymentSucceeded закрывает взыскание после оплаты счета
func (h *WebhookHandler) handleInvoicePaymentSucceeded(c *gin.Context, event stripesdk.Event) error {
	ctx := c.Request.Context()

	stripeInvoice, err := parseInvoiceEvent(event)
	if err != nil {
		h.log.Errorw("Failed to unmarshal invoice from event", "error", err, "eventID", event.ID)
		return err
	}

	paidAt := time.Now()
	if stripeInvoice.StatusTransitions != nil && stripeInvoice.StatusTransitions.PaidAt > 0 {
		paidAt = time.Unix(stripeInvoice.StatusTransitions.PaidAt, 0)
	}

	err = h.service.HandlePaymentSucceeded(ctx, stripeInvoice.ID, stripeInvoice.AmountPaid, paidAt)
	if err != nil {
		// Чужой счет: подтверждаем событие, повтор не поможет
		if errors.Is(err, domain.ErrInvoiceNotFound) {
			h.log.Warnw("Unknown invoice in payment succeeded event, dropping", "eventID", event.ID, "stripeInvoiceID", stripeInvoice.ID)
			return nil
		}
		return err
	}

	return nil
}

// parseInvoiceEvent разбирает объект счета из события Stripe
func parseInvoiceEvent(event stripesdk.Event) (*stripesdk.Invoice, error) {
	var invoice stripesdk.Invoice
	if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
		return nil, err
	}
	return &invoice, nil
}

// mirrorInvoice строит локальное зеркало счета из объекта Stripe
func mirrorInvoice(tenantID string, stripeInvoice *stripesdk.Invoice) domain.Invoice {
	invoice := domain.Invoice{
		TenantID:        tenantID,
		StripeInvoiceID: stripeInvoice.ID,
		AmountDue:       stripeInvoice.AmountDue,
		AmountPaid:      stripeInvoice.AmountPaid,
		AmountRemaining: stripeInvoice.AmountDue - stripeInvoice.AmountPaid,
		Currency:        string(stripeInvoice.Currency),
		Status:          mapInvoiceStatus(stripeInvoice.Status),
	}
	if stripeInvoice.DueDate > 0 {
		invoice.DueDate = time.Unix(stripeInvoice.DueDate, 0)
	}
	return invoice
}

// mapInvoiceStatus преобразует статус счета Stripe в статус системы
func mapInvoiceStatus(status stripesdk.InvoiceStatus) domain.InvoiceStatus {
	switch status {
	case stripesdk.InvoiceStatusDraft:
		return domain.InvoiceStatusDraft
	case stripesdk.InvoiceStatusPaid:
		return domain.InvoiceStatusPaid
	case stripesdk.InvoiceStatusUncollectible:
		return domain.InvoiceStatusUncollectible
	case stripesdk.InvoiceStatusVoid:
		return domain.InvoiceStatusVoid
	default:
		return domain.InvoiceStatusOpen
	}
}

// failureReason извлекает причину неуспеха из объекта счета
func failureReason(stripeInvoice *stripesdk.Invoice) string {
	if stripeInvoice.LastFinalizationError != nil && stripeInvoice.LastFinalizationError.Code != "" {
		return string(stripeInvoice.LastFinalizationError.Code)
	}
	return "payment_failed"
}
