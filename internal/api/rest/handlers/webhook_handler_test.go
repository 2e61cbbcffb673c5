package handlers

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	stripesdk "github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/webhook"

	"github.com/Dhoini/Dunning-microservice/internal/config"
	"github.com/Dhoini/Dunning-microservice/internal/domain"
	"github.com/Dhoini/Dunning-microservice/pkg/logger"
)

const testWebhookSecret = "whsec_test_secret"

type recordedFailure struct {
	TenantID  string
	InvoiceID uuid.UUID
	Reason    string
}

type recordedPayment struct {
	StripeInvoiceID string
	AmountPaid      int64
}

// stubDunningService подменяет оркестратор в тестах вебхука
type stubDunningService struct {
	invoices  map[string]domain.Invoice
	failed    []recordedFailure
	succeeded []recordedPayment
	upserted  []domain.Invoice
}

func newStubDunningService() *stubDunningService {
	return &stubDunningService{invoices: make(map[string]domain.Invoice)}
}

func (s *stubDunningService) HandleFailedPayment(ctx context.Context, tenantID string, invoiceID uuid.UUID, failureReason string) error {
	s.failed = append(s.failed, recordedFailure{TenantID: tenantID, InvoiceID: invoiceID, Reason: failureReason})
	return nil
}

func (s *stubDunningService) RetryPayment(ctx context.Context, tenantID string, invoiceID uuid.UUID) (bool, error) {
	return false, nil
}

func (s *stubDunningService) ProcessScheduledRetries(ctx context.Context) (domain.RetryReport, error) {
	return domain.RetryReport{}, nil
}

func (s *stubDunningService) HandlePaymentSucceeded(ctx context.Context, stripeInvoiceID string, amountPaid int64, paidAt time.Time) error {
	if _, ok := s.invoices[stripeInvoiceID]; !ok {
		return domain.ErrInvoiceNotFound
	}
	s.succeeded = append(s.succeeded, recordedPayment{StripeInvoiceID: stripeInvoiceID, AmountPaid: amountPaid})
	return nil
}

func (s *stubDunningService) ListAttempts(ctx context.Context, tenantID string, invoiceID uuid.UUID) ([]domain.DunningAttempt, error) {
	return nil, nil
}

func (s *stubDunningService) UpsertInvoiceFromProcessor(ctx context.Context, invoice domain.Invoice) (domain.Invoice, error) {
	if invoice.ID == uuid.Nil {
		invoice.ID = uuid.New()
	}
	s.invoices[invoice.StripeInvoiceID] = invoice
	s.upserted = append(s.upserted, invoice)
	return invoice, nil
}

func (s *stubDunningService) GetInvoiceByStripeID(ctx context.Context, stripeInvoiceID string) (domain.Invoice, error) {
	invoice, ok := s.invoices[stripeInvoiceID]
	if !ok {
		return domain.Invoice{}, domain.ErrInvoiceNotFound
	}
	return invoice, nil
}

func newWebhookRouter(t *testing.T, svc *stubDunningService) *gin.Engine {
	t.Helper()

	gin.SetMode(gin.TestMode)

	cfg := &config.Config{}
	cfg.Stripe.WebhookSecret = testWebhookSecret

	handler, err := NewWebhookHandler(cfg, svc, logger.New(logger.ERROR))
	require.NoError(t, err)

	r := gin.New()
	r.POST("/webhooks/stripe", handler.HandleStripeWebhook)
	return r
}

// stripeEvent собирает подписанное событие Stripe
func stripeEvent(eventType, objectJSON string) []byte {
	return []byte(fmt.Sprintf(
		`{"id":"evt_test_1","api_version":%q,"type":%q,"data":{"object":%s}}`,
		stripesdk.APIVersion, eventType, objectJSON,
	))
}

func signedWebhookRequest(t *testing.T, payload []byte) *http.Request {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader(payload))
	now := time.Now()
	signature := webhook.ComputeSignature(now, payload, testWebhookSecret)
	req.Header.Set("Stripe-Signature", fmt.Sprintf("t=%d,v1=%s", now.Unix(), hex.EncodeToString(signature)))
	return req
}

func TestWebhookRejectsInvalidSignature(t *testing.T) {
	svc := newStubDunningService()
	router := newWebhookRouter(t, svc)

	payload := stripeEvent("invoice.payment_failed", `{"id":"in_001"}`)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", "t=1,v1=deadbeef")

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, svc.failed)
}

func TestWebhookPaymentFailedKnownInvoice(t *testing.T) {
	svc := newStubDunningService()
	invoiceID := uuid.New()
	svc.invoices["in_001"] = domain.Invoice{
		ID:              invoiceID,
		TenantID:        "tenant-1",
		StripeInvoiceID: "in_001",
		Status:          domain.InvoiceStatusOpen,
	}
	router := newWebhookRouter(t, svc)

	payload := stripeEvent("invoice.payment_failed",
		`{"id":"in_001","amount_due":4900,"currency":"usd","status":"open"}`)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, signedWebhookRequest(t, payload))

	assert.Equal(t, http.StatusOK, w.Code)
	require.Len(t, svc.failed, 1)
	assert.Equal(t, "tenant-1", svc.failed[0].TenantID)
	assert.Equal(t, invoiceID, svc.failed[0].InvoiceID)
	assert.Equal(t, "payment_failed", svc.failed[0].Reason)
	assert.Empty(t, svc.upserted)
}

func TestWebhookPaymentFailedUnknownInvoiceWithTenantMetadata(t *testing.T) {
	svc := newStubDunningService()
	router := newWebhookRouter(t, svc)

	// Событие пришло раньше зеркалирования: счет восстанавливается
	// из metadata.tenant_id
	payload := stripeEvent("invoice.payment_failed",
		`{"id":"in_002","amount_due":4900,"amount_paid":0,"currency":"usd","status":"open","metadata":{"tenant_id":"tenant-2"}}`)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, signedWebhookRequest(t, payload))

	assert.Equal(t, http.StatusOK, w.Code)

	require.Len(t, svc.upserted, 1)
	assert.Equal(t, "tenant-2", svc.upserted[0].TenantID)
	assert.Equal(t, "in_002", svc.upserted[0].StripeInvoiceID)
	assert.Equal(t, int64(4900), svc.upserted[0].AmountDue)
	assert.Equal(t, domain.InvoiceStatusOpen, svc.upserted[0].Status)

	require.Len(t, svc.failed, 1)
	assert.Equal(t, "tenant-2", svc.failed[0].TenantID)
	assert.Equal(t, svc.upserted[0].ID, svc.failed[0].InvoiceID)
}

func TestWebhookPaymentFailedUnknownInvoiceWithoutMetadata(t *testing.T) {
	svc := newStubDunningService()
	router := newWebhookRouter(t, svc)

	// Без tenant_id счет невосстановим: событие подтверждается и отбрасывается
	payload := stripeEvent("invoice.payment_failed",
		`{"id":"in_003","amount_due":4900,"currency":"usd","status":"open"}`)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, signedWebhookRequest(t, payload))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, svc.upserted)
	assert.Empty(t, svc.failed)
}

func TestWebhookPaymentSucceeded(t *testing.T) {
	svc := newStubDunningService()
	svc.invoices["in_001"] = domain.Invoice{
		ID:              uuid.New(),
		TenantID:        "tenant-1",
		StripeInvoiceID: "in_001",
		Status:          domain.InvoiceStatusOpen,
	}
	router := newWebhookRouter(t, svc)

	payload := stripeEvent("invoice.payment_succeeded",
		`{"id":"in_001","amount_due":4900,"amount_paid":4900,"currency":"usd","status":"paid"}`)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, signedWebhookRequest(t, payload))

	assert.Equal(t, http.StatusOK, w.Code)
	require.Len(t, svc.succeeded, 1)
	assert.Equal(t, "in_001", svc.succeeded[0].StripeInvoiceID)
	assert.Equal(t, int64(4900), svc.succeeded[0].AmountPaid)
}

func TestWebhookPaymentSucceededUnknownInvoiceDropped(t *testing.T) {
	svc := newStubDunningService()
	router := newWebhookRouter(t, svc)

	payload := stripeEvent("invoice.payment_succeeded",
		`{"id":"in_unknown","amount_paid":4900,"status":"paid"}`)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, signedWebhookRequest(t, payload))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, svc.succeeded)
}

func TestWebhookIgnoresUnhandledEventType(t *testing.T) {
	svc := newStubDunningService()
	router := newWebhookRouter(t, svc)

	payload := stripeEvent("customer.created", `{"id":"cus_001"}`)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, signedWebhookRequest(t, payload))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, svc.failed)
	assert.Empty(t, svc.succeeded)
}
