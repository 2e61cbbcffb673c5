package rest

import (
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Dhoini/Dunning-microservice/internal/api/rest/handlers"
	"github.com/Dhoini/Dunning-microservice/internal/config"
	"github.com/Dhoini/Dunning-microservice/internal/middleware"
	"github.com/Dhoini/Dunning-microservice/internal/service"
	"github.com/Dhoini/Dunning-microservice/pkg/logger"
)

// Scope токена, дающий право на операции взыскания
const dunningScope = "dunning:manage"

// SetupRouter настраивает маршрутизатор Gin с маршрутами и middleware
func SetupRouter(
	log *logger.Logger,
	registry *prometheus.Registry,
	cfg *config.Config,
	dunningService service.DunningService,
	policyService service.PolicyService,
) (*gin.Engine, error) {
	r := gin.New()

	// Подключение middleware
	r.Use(middleware.RequestLogger(log))
	r.Use(gin.Recovery())

	// Endpoint для проверки работоспособности сервиса
	r.GET("/health", handlers.NewHealthHandler().Check)

	// Prometheus метрики
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	// Инициализация обработчиков
	dunningHandler := handlers.NewDunningHandler(dunningService, log)
	policyHandler := handlers.NewPolicyHandler(policyService, log)
	webhookHandler, err := handlers.NewWebhookHandler(cfg, dunningService, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create webhook handler: %w", err)
	}

	validator := &middleware.DefaultTokenValidator{Secret: []byte(cfg.Auth.JWTSecret)}
	auth := middleware.NewJWTMiddleware(cfg, log, validator)

	// API операций взыскания
	v1 := r.Group("/api/v1")
	{
		dunning := v1.Group("/dunning")
		{
			// Вызов планировщика: общий секрет либо JWT с нужным scope
			dunning.POST("/run", auth.RequireCron(dunningScope), dunningHandler.RunScheduledRetries)
			dunning.POST("/failures", auth.RequireAuth(dunningScope), dunningHandler.RecordFailure)
		}

		tenants := v1.Group("/tenants", auth.RequireAuth(dunningScope))
		{
			tenants.POST("/:tenant_id/invoices/:invoice_id/retry", dunningHandler.RetryInvoice)
			tenants.GET("/:tenant_id/invoices/:invoice_id/attempts", dunningHandler.ListAttempts)
			tenants.GET("/:tenant_id/policy", policyHandler.GetPolicy)
			tenants.PUT("/:tenant_id/policy", policyHandler.UpsertPolicy)
		}
	}

	// Вебхуки на корневом уровне роутера
	webhooks := r.Group("/webhooks")
	{
		webhooks.POST("/stripe", webhookHandler.HandleStripeWebhook)
	}

	return r, nil
}
