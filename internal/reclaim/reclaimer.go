package reclaim

import (
	"context"
	"time"

	"github.com/photoflow/metering/pkg/metering"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Reclaimer periodically force-settles abandoned reservations. It is safe
// to run on every replica: the lock-skip selection in the sweep keeps
// concurrent runs from double-processing a reservation.
type Reclaimer struct {
	service *metering.Service
	logger  *zap.Logger
	cron    *cron.Cron
}

// New wires a Reclaimer around the metering service.
func New(service *metering.Service, logger *zap.Logger) *Reclaimer {
	return &Reclaimer{
		service: service,
		logger:  logger,
		cron:    cron.New(cron.WithLocation(time.UTC)),
	}
}

// Register schedules the sweep with a cron spec (e.g. "*/5 * * * *").
func (reclaimer *Reclaimer) Register(schedule string) error {
	_, err := reclaimer.cron.AddFunc(schedule, reclaimer.RunOnce)
	return err
}

// Start begins the schedule.
func (reclaimer *Reclaimer) Start() {
	reclaimer.cron.Start()
	reclaimer.logger.Info("reclamation sweeper started")
}

// Stop waits for a running sweep to finish before returning.
func (reclaimer *Reclaimer) Stop() {
	<-reclaimer.cron.Stop().Done()
	reclaimer.logger.Info("reclamation sweeper stopped")
}

// RunOnce executes a single sweep, recovering from panics so a bad sweep
// never kills the schedule.
func (reclaimer *Reclaimer) RunOnce() {
	defer func() {
		if recovered := recover(); recovered != nil {
			reclaimer.logger.Error("sweep panicked", zap.Any("panic", recovered))
		}
	}()
	settlements, err := reclaimer.service.Sweep(context.Background())
	if err != nil {
		reclaimer.logger.Error("sweep failed", zap.Error(err))
		return
	}
	if len(settlements) == 0 {
		return
	}
	for _, settlement := range settlements {
		reclaimer.logger.Info("recovered abandoned reservation",
			zap.String("reservation_id", settlement.ReservationID.String()),
			zap.String("user_id", settlement.UserID.String()),
			zap.String("batch_id", settlement.BatchID.String()),
			zap.Float64("recovered_units", settlement.RecoveredCount.Float64()),
			zap.Float64("consumed", settlement.Consumed.Float64()),
			zap.Float64("refunded", settlement.Refunded.Float64()),
		)
	}
	reclaimer.logger.Info("sweep settled reservations", zap.Int("count", len(settlements)))
}
