package scheduler

import (
	"context"
	"time"

	"github.com/Dhoini/Dunning-microservice/internal/metrics"
	"github.com/Dhoini/Dunning-microservice/internal/service"
	"github.com/Dhoini/Dunning-microservice/pkg/logger"
)

// Таймаут одного прохода сканера
const scanTimeout = 5 * time.Minute

// Scheduler периодически запускает обработку просроченных попыток взыскания
type Scheduler struct {
	dunningService service.DunningService
	systemMetrics  metrics.SystemMetrics
	interval       time.Duration
	log            *logger.Logger
	stopCh         chan struct{}
	doneCh         chan struct{}
}

// NewScheduler создает новый планировщик взыскания.
// systemMetrics может быть nil, отметка живости тогда не публикуется.
func NewScheduler(dunningService service.DunningService, interval time.Duration, systemMetrics metrics.SystemMetrics, log *logger.Logger) *Scheduler {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return &Scheduler{
		dunningService: dunningService,
		systemMetrics:  systemMetrics,
		interval:       interval,
		log:            log,
		stopCh:         make(chan struct{}),
		doneCh:         make(chan struct{}),
	}
}

// Start запускает цикл планировщика в отдельной горутине
func (s *Scheduler) Start() {
	go s.run()
	s.log.Infow("Dunning scheduler started", "interval", s.interval)
}

// Stop останавливает планировщик и дожидается завершения текущего прохода
func (s *Scheduler) Stop() {
	close(s.stopCh)
	<-s.doneCh
	s.log.Infow("Dunning scheduler stopped")
}

func (s *Scheduler) run() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runOnce()
		case <-s.stopCh:
			return
		}
	}
}

// runOnce выполняет один проход сканера с ограничением по времени
func (s *Scheduler) runOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), scanTimeout)
	defer cancel()

	report, err := s.dunningService.ProcessScheduledRetries(ctx)
	if err != nil {
		s.log.Errorw("Scheduled dunning scan failed", "error", err)
		return
	}

	if s.systemMetrics != nil {
		s.systemMetrics.RecordSchedulerRun()
	}

	if report.Processed > 0 {
		s.log.Infow("Scheduled dunning scan completed",
			"processed", report.Processed,
			"succeeded", report.Succeeded,
			"failed", report.Failed,
		)
	}
}
