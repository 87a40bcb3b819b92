package metering

import "context"

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing metering operation.
type OperationLog struct {
	Operation     string
	UserID        UserID
	BatchID       BatchID
	ReservationID ReservationID
	Units         Units
	Status        string
	Clamped       bool
	Error         error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithTTLPolicy overrides the reservation expiry policy.
func WithTTLPolicy(policy TTLPolicy) ServiceOption {
	return func(service *Service) {
		service.ttlPolicy = policy
	}
}

// WithSettlementPolicy overrides the billable-unit policy.
func WithSettlementPolicy(policy SettlementPolicy) ServiceOption {
	return func(service *Service) {
		service.settlementPolicy = policy
	}
}

// WithSweepBatchLimit caps how many expired reservations one sweep settles.
func WithSweepBatchLimit(limit int) ServiceOption {
	return func(service *Service) {
		if limit > 0 {
			service.sweepBatchLimit = limit
		}
	}
}
