package zaplog

import (
	"context"

	"github.com/photoflow/metering/pkg/metering"
	"go.uber.org/zap"
)

// OperationLogger adapts a zap logger to the metering.OperationLogger
// contract, emitting one structured record per state-changing operation.
type OperationLogger struct {
	logger *zap.Logger
}

// New wraps a zap logger.
func New(logger *zap.Logger) *OperationLogger {
	return &OperationLogger{logger: logger}
}

// LogOperation writes the operation record. Integrity clamps are surfaced
// here as a warning since they indicate a misbehaving caller upstream.
func (operationLogger *OperationLogger) LogOperation(_ context.Context, entry metering.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("status", entry.Status),
		zap.String("user_id", entry.UserID.String()),
		zap.String("batch_id", entry.BatchID.String()),
		zap.String("reservation_id", entry.ReservationID.String()),
		zap.Float64("units", entry.Units.Float64()),
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
		operationLogger.logger.Warn("metering operation failed", fields...)
		return
	}
	if entry.Clamped {
		fields = append(fields, zap.Bool("clamped", true))
		operationLogger.logger.Warn("metering operation clamped over-reported usage", fields...)
		return
	}
	operationLogger.logger.Info("metering operation", fields...)
}
