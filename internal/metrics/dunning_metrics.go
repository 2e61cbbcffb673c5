package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/Dhoini/Dunning-microservice/pkg/logger"
)

// DunningMetrics интерфейс для метрик процесса взыскания
type DunningMetrics interface {
	IncAttemptRecorded(reason string)
	IncRetryResult(result string)
	IncSubscriptionSuspended()
	IncSubscriptionCancelled()
	IncSubscriptionReactivated()
	ObserveScanDuration(d time.Duration)
}

type dunningMetrics struct {
	log              *logger.Logger
	attemptsRecorded *prometheus.CounterVec
	retryResults     *prometheus.CounterVec
	statusChanges    *prometheus.CounterVec
	scanDuration     prometheus.Histogram
}

// NewDunningMetrics создает новые метрики процесса взыскания
func NewDunningMetrics(registry *prometheus.Registry, log *logger.Logger) DunningMetrics {
	attemptsRecorded := promauto.With(registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "dunning_attempts_recorded_total",
			Help: "The total number of recorded dunning attempts",
		},
		[]string{"reason"},
	)

	retryResults := promauto.With(registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "dunning_retry_results_total",
			Help: "The total number of payment retries by result",
		},
		[]string{"result"},
	)

	statusChanges := promauto.With(registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "dunning_subscription_status_changes_total",
			Help: "The total number of subscription status changes driven by dunning",
		},
		[]string{"change"},
	)

	scanDuration := promauto.With(registry).NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dunning_scan_duration_seconds",
			Help:    "Duration of scheduled retry scans",
			Buckets: prometheus.DefBuckets,
		},
	)

	return &dunningMetrics{
		log:              log,
		attemptsRecorded: attemptsRecorded,
		retryResults:     retryResults,
		statusChanges:    statusChanges,
		scanDuration:     scanDuration,
	}
}

// IncAttemptRecorded увеличивает счетчик зафиксированных попыток
func (m *dunningMetrics) IncAttemptRecorded(reason string) {
	m.attemptsRecorded.WithLabelValues(reason).Inc()
}

// IncRetryResult увеличивает счетчик ретраев по результату
func (m *dunningMetrics) IncRetryResult(result string) {
	m.retryResults.WithLabelValues(result).Inc()
}

// IncSubscriptionSuspended увеличивает счетчик приостановок
func (m *dunningMetrics) IncSubscriptionSuspended() {
	m.statusChanges.WithLabelValues("suspended").Inc()
}

// IncSubscriptionCancelled увеличивает счетчик отмен
func (m *dunningMetrics) IncSubscriptionCancelled() {
	m.statusChanges.WithLabelValues("cancelled").Inc()
}

// IncSubscriptionReactivated увеличивает счетчик восстановлений
func (m *dunningMetrics) IncSubscriptionReactivated() {
	m.statusChanges.WithLabelValues("reactivated").Inc()
}

// ObserveScanDuration записывает длительность прохода сканера
func (m *dunningMetrics) ObserveScanDuration(d time.Duration) {
	m.scanDuration.Observe(d.Seconds())
}
