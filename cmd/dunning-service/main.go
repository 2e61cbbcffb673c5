package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Dhoini/Dunning-microservice/internal/api/rest"
	"github.com/Dhoini/Dunning-microservice/internal/config"
	"github.com/Dhoini/Dunning-microservice/internal/db"
	"github.com/Dhoini/Dunning-microservice/internal/domain"
	"github.com/Dhoini/Dunning-microservice/internal/kafka"
	"github.com/Dhoini/Dunning-microservice/internal/metrics"
	"github.com/Dhoini/Dunning-microservice/internal/repository"
	"github.com/Dhoini/Dunning-microservice/internal/scheduler"
	"github.com/Dhoini/Dunning-microservice/internal/service"
	"github.com/Dhoini/Dunning-microservice/internal/stripe"
	"github.com/Dhoini/Dunning-microservice/pkg/logger"
)

func main() {
	// Инициализируем логгер
	log := initLogger()

	log.Infow("Dunning microservice starting up...")

	// Загружаем конфигурацию
	cfg, err := config.LoadConfig(".env")
	if err != nil {
		log.Fatalw("Failed to load configuration", "error", err)
	}
	if cfg.Auth.JWTSecret == "" {
		log.Warnw("JWT Secret is not set!")
	}
	if cfg.Stripe.APIKey == "" {
		log.Warnw("Stripe API Key is not set!")
	}

	// Устанавливаем режим Gin в зависимости от окружения
	if cfg.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	// Подключаемся к базе данных
	dbClient, err := db.NewDBClient(cfg.Database.DSN, log)
	if err != nil {
		log.Fatalw("Failed to connect to database", "error", err)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			log.Errorw("Error closing database connection", "error", err)
		}
	}()
	log.Infow("Database connection established")

	// Инициализируем Redis кеш
	redisCache, err := repository.NewRedisCacheRepository(
		cfg.Redis.Addr,
		cfg.Redis.Password,
		cfg.Redis.DB,
		log,
	)
	if err != nil {
		// Не фатально, но предупреждаем
		log.Warnw("Failed to initialize Redis cache, continuing without caching", "error", err)
		redisCache = nil
	} else {
		log.Infow("Redis cache initialized successfully")
		defer func() {
			if err := redisCache.Close(); err != nil {
				log.Errorw("Error closing Redis connection", "error", err)
			}
		}()
	}

	// Инициализируем репозитории
	subscriptionRepo := repository.NewPostgresSubscriptionRepository(dbClient.DB(), log)
	invoiceRepo := repository.NewPostgresInvoiceRepository(dbClient.DB(), log)
	attemptRepo := repository.NewPostgresAttemptRepository(dbClient.DB(), log)

	var policyRepo repository.PolicyRepository = repository.NewPostgresPolicyRepository(dbClient.DB(), log)
	if redisCache != nil {
		policyRepo = repository.NewCachedPolicyRepository(policyRepo, redisCache, log)
		log.Infow("Using cached dunning policy repository")
	}

	// Инициализируем клиент Stripe
	stripeClient := stripe.NewStripeClient(cfg.Stripe.APIKey, log)

	// Инициализируем Kafka Producer
	kafkaProducer, err := kafka.NewKafkaProducer(cfg.Kafka.Brokers, log)
	if err != nil {
		log.Errorw("Failed to initialize Kafka producer, continuing without event publishing", "error", err)
		kafkaProducer = nil
	} else {
		log.Infow("Kafka producer initialized")
		defer func() {
			if err := kafkaProducer.Close(); err != nil {
				log.Errorw("Error closing Kafka producer", "error", err)
			}
		}()
	}

	// Инициализируем метрики
	registry := prometheus.NewRegistry()
	dunningMetrics := metrics.NewDunningMetrics(registry, log)
	systemMetrics := metrics.NewSystemMetrics(registry, log)
	systemMetrics.StartRecording(30 * time.Second)
	defer systemMetrics.Stop()

	// Системная политика по умолчанию из конфигурации
	defaultPolicy := defaultPolicyFromConfig(cfg)

	// Инициализируем service layer
	dunningService := service.NewDunningService(
		subscriptionRepo,
		invoiceRepo,
		attemptRepo,
		policyRepo,
		stripeClient,
		kafkaProducer,
		dunningMetrics,
		defaultPolicy,
		cfg.Dunning.BatchSize,
		log,
	)
	policyService := service.NewPolicyService(policyRepo, defaultPolicy, log)

	// Запускаем фоновый планировщик взыскания
	dunningScheduler := scheduler.NewScheduler(dunningService, cfg.ScanInterval(), systemMetrics, log)
	dunningScheduler.Start()
	defer dunningScheduler.Stop()

	// Настраиваем маршруты и HTTP сервер
	router, err := rest.SetupRouter(log, registry, cfg, dunningService, policyService)
	if err != nil {
		log.Fatalw("Failed to setup router", "error", err)
	}

	server := rest.NewServer(router, cfg, log)
	go func() {
		if err := server.Start(); err != nil {
			log.Fatalw("Failed to start HTTP server", "error", err)
		}
	}()

	// --- Graceful Shutdown ---
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Infow("Shutdown signal received")

	// Даем 10 секунд на завершение текущих запросов
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Errorw("HTTP server shutdown error", "error", err)
	} else {
		log.Infow("HTTP server gracefully stopped")
	}

	log.Infow("Cleanup finished. Goodbye!")
}

// defaultPolicyFromConfig строит системную политику из конфигурации,
// заполняя пропуски зашитыми значениями по умолчанию
func defaultPolicyFromConfig(cfg *config.Config) domain.DunningPolicy {
	configured := domain.DunningPolicy{
		MaxRetries:           cfg.Dunning.MaxRetries,
		RetryIntervalDays:    cfg.Dunning.RetryIntervalDays,
		SuspendAfterFailures: cfg.Dunning.SuspendAfterFailures,
		CancelAfterDays:      cfg.Dunning.CancelAfterDays,
		NotificationsEnabled: cfg.Dunning.NotificationsEnabled,
	}
	return configured.Merge(domain.DefaultDunningPolicy())
}

// initLogger инициализирует новый логгер
func initLogger() *logger.Logger {
	logLevel := logger.INFO
	if os.Getenv("LOG_LEVEL") == "debug" {
		logLevel = logger.DEBUG
	}
	return logger.New(logLevel)
}
