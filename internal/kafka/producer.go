package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/Dhoini/Dunning-microservice/internal/domain"
	"github.com/Dhoini/Dunning-microservice/pkg/logger"
)

// Топики исходящих уведомлений о ходе взыскания
const (
	TopicPaymentFailed           = "dunning_payment_failed"
	TopicSubscriptionSuspended   = "dunning_subscription_suspended"
	TopicSubscriptionReactivated = "dunning_subscription_reactivated"
	TopicSubscriptionCancelled   = "dunning_subscription_cancelled"
)

// Producer определяет интерфейс для публикации сообщений в Kafka.
type Producer interface {
	// PublishDunningEvent отправляет событие взыскания в указанный топик.
	// Ключ сообщения (Key) используется Kafka для партиционирования:
	// все события одного тенанта попадают в одну партицию и сохраняют порядок.
	PublishDunningEvent(ctx context.Context, topic string, event *domain.DunningEvent) error
	// Close закрывает соединение продюсера Kafka.
	Close() error
}

// kafkaProducer реализует интерфейс Producer, используя segmentio/kafka-go.
type kafkaProducer struct {
	writer *kafka.Writer
	log    *logger.Logger
}

// NewKafkaProducer создает и настраивает новый продюсер Kafka.
func NewKafkaProducer(brokers []string, log *logger.Logger) (Producer, error) {
	if len(brokers) == 0 {
		log.Errorw("Kafka brokers list is empty in config, cannot create producer")
		return nil, errors.New("kafka brokers are not configured")
	}

	// RequiredAcks: kafka.RequireOne - ждать подтверждения только от лидера
	// партиции (баланс между скоростью и надежностью).
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireOne,
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		ReadTimeout:  10 * time.Second,
	}

	log.Infow("Kafka producer initialized", "brokers", brokers)

	return &kafkaProducer{
		writer: writer,
		log:    log,
	}, nil
}

// PublishDunningEvent преобразует событие в JSON и отправляет в указанный топик Kafka.
func (k *kafkaProducer) PublishDunningEvent(ctx context.Context, topic string, event *domain.DunningEvent) error {
	// Ключ - TenantID: события одного тенанта сохраняют порядок в партиции
	messageKey := []byte(event.TenantID)

	messageValue, err := json.Marshal(event)
	if err != nil {
		k.log.Errorw("Failed to marshal dunning event to JSON for Kafka", "error", err, "tenantID", event.TenantID, "topic", topic)
		return fmt.Errorf("kafka: failed to marshal message data: %w", err)
	}

	message := kafka.Message{
		Topic: topic,
		Key:   messageKey,
		Value: messageValue,
		Time:  time.Now(),
	}

	// Используем контекст с таймаутом, чтобы избежать зависания.
	writeCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	err = k.writer.WriteMessages(writeCtx, message)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			k.log.Errorw("Kafka write timeout exceeded", "error", err, "topic", topic, "tenantID", event.TenantID)
			return fmt.Errorf("kafka: write timeout: %w", err)
		}
		k.log.Errorw("Failed to write message to Kafka", "error", err, "topic", topic, "tenantID", event.TenantID)
		return fmt.Errorf("kafka: failed to write message: %w", err)
	}

	k.log.Debugw("Successfully published message to Kafka", "topic", topic, "tenantID", event.TenantID, "eventType", string(event.Type))
	return nil
}

// Close закрывает соединение Kafka Writer.
// Вызывается при завершении работы приложения (graceful shutdown).
func (k *kafkaProducer) Close() error {
	k.log.Infow("Closing Kafka producer writer...")
	err := k.writer.Close()
	if err != nil {
		k.log.Errorw("Failed to close Kafka writer", "error", err)
		return fmt.Errorf("kafka: failed to close writer: %w", err)
	}
	k.log.Infow("Kafka producer writer closed successfully")
	return nil
}

// TopicForEvent возвращает топик для типа события взыскания.
func TopicForEvent(eventType domain.DunningEventType) string {
	switch eventType {
	case domain.EventPaymentFailed:
		return TopicPaymentFailed
	case domain.EventSubscriptionSuspended:
		return TopicSubscriptionSuspended
	case domain.EventSubscriptionReactivated:
		return TopicSubscriptionReactivated
	case domain.EventSubscriptionCancelled:
		return TopicSubscriptionCancelled
	default:
		return TopicPaymentFailed
	}
}
