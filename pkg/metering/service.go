package metering

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Service contains the domain logic over a Store.
type Service struct {
	store            Store
	nowFn            func() int64
	logger           OperationLogger
	ttlPolicy        TTLPolicy
	settlementPolicy SettlementPolicy
	sweepBatchLimit  int
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{
		store:           store,
		nowFn:           now,
		ttlPolicy:       DefaultTTLPolicy,
		sweepBatchLimit: defaultSweepBatchLimit,
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	if service.ttlPolicy.SecondsPerUnit <= 0 || service.ttlPolicy.MinMinutes <= 0 || service.ttlPolicy.MaxMinutes < service.ttlPolicy.MinMinutes {
		return nil, fmt.Errorf("%w: ttl policy out of range", ErrInvalidServiceConfig)
	}
	return service, nil
}

// Balance returns the user's quota view. Display floors at zero; the raw
// available value is what authorization decisions use.
func (service *Service) Balance(ctx context.Context, userID UserID) (Balance, error) {
	record, err := service.store.GetBalanceRecord(ctx, userID)
	if err != nil {
		return Balance{}, err
	}
	approved, err := service.store.SumApprovedGrantRequests(ctx, userID)
	if err != nil {
		return Balance{}, err
	}
	available := AvailableUnits(record, approved)
	return Balance{
		Total:     record.Purchased + record.Earned + record.AdminGranted + approved,
		Used:      record.Used,
		Available: available,
		Display:   available.FloorZero(),
	}, nil
}

// PreAuthorize places a hold for a batch before work starts. The user's
// balance row lock is held across the formula read and the debit so two
// concurrent calls never both observe the same available value.
func (service *Service) PreAuthorize(ctx context.Context, userID UserID, unitsNeeded Units, batchID BatchID, workloadSize int64) (Authorization, error) {
	var authorization Authorization
	operationError := func() error {
		if unitsNeeded <= 0 {
			return fmt.Errorf("%w: units needed must be positive", ErrInvalidUnits)
		}
		if workloadSize < 0 {
			return fmt.Errorf("%w: workload size must be non-negative", ErrInvalidUnits)
		}
		return service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
			record, err := txStore.GetBalanceRecordForUpdate(ctx, userID)
			if err != nil {
				return err
			}
			approved, err := txStore.SumApprovedGrantRequests(ctx, userID)
			if err != nil {
				return err
			}
			available := AvailableUnits(record, approved)
			if available < unitsNeeded {
				return QuotaError{Available: available, Needed: unitsNeeded}
			}
			duplicate, err := txStore.HasPendingReservationForBatch(ctx, userID, batchID)
			if err != nil {
				return err
			}
			if duplicate {
				return ErrBatchAlreadyReserved
			}
			nowUnixUTC := service.nowFn()
			reservationID, err := NewReservationID(uuid.NewString())
			if err != nil {
				return err
			}
			reservation := Reservation{
				ReservationID:  reservationID,
				UserID:         userID,
				BatchID:        batchID,
				UnitsReserved:  unitsNeeded,
				Status:         ReservationStatusPending,
				CreatedUnixUTC: nowUnixUTC,
				ExpiresUnixUTC: nowUnixUTC + ReservationTTLSeconds(workloadSize, service.ttlPolicy),
			}
			if err := txStore.CreateReservation(ctx, reservation); err != nil {
				return err
			}
			if err := txStore.AdjustUsed(ctx, userID, unitsNeeded); err != nil {
				return err
			}
			authorization = Authorization{
				ReservationID:  reservationID,
				BatchID:        batchID,
				UnitsReserved:  unitsNeeded,
				ExpiresUnixUTC: reservation.ExpiresUnixUTC,
			}
			return nil
		})
	}()
	service.logOperation(ctx, OperationLog{
		Operation:     operationPreAuthorize,
		UserID:        userID,
		BatchID:       batchID,
		ReservationID: authorization.ReservationID,
		Units:         unitsNeeded,
		Error:         operationError,
	})
	if operationError != nil {
		return Authorization{}, operationError
	}
	return authorization, nil
}

// Finalize settles a reservation from the caller's self-reported usage
// summary, exactly once. A second call — or a race lost against the
// reclamation sweep — observes the terminal status under the row lock and
// returns the stored settlement together with ErrReservationSettled, which
// callers treat as a benign replay.
func (service *Service) Finalize(ctx context.Context, reservationID ReservationID, report UsageReport) (Settlement, error) {
	var settlement Settlement
	var clamped bool
	operationError := func() error {
		if report.Completed < 0 || report.Failed < 0 || report.ZeroResult < 0 {
			return fmt.Errorf("%w: counts must be non-negative", ErrInvalidUsageReport)
		}
		return service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
			reservation, err := txStore.GetReservationForUpdate(ctx, reservationID)
			if err != nil {
				return err
			}
			if reservation.Status != ReservationStatusPending {
				settlement = settledView(reservation)
				return ErrReservationSettled
			}
			consumed, refunded, wasClamped := SettleReported(reservation.UnitsReserved, report, service.settlementPolicy)
			clamped = wasClamped
			nowUnixUTC := service.nowFn()
			if err := txStore.SettleReservation(ctx, SettlementUpdate{
				ReservationID:  reservationID,
				ToStatus:       ReservationStatusFinalized,
				UnitsConsumed:  consumed,
				UnitsRefunded:  refunded,
				SettledUnixUTC: nowUnixUTC,
			}); err != nil {
				return err
			}
			newAvailable, err := service.applySettlementBalance(ctx, txStore, reservation, consumed, refunded, ledgerReasonSettlement, nowUnixUTC)
			if err != nil {
				return err
			}
			settlement = Settlement{
				ReservationID: reservationID,
				BatchID:       reservation.BatchID,
				UserID:        reservation.UserID,
				Consumed:      consumed,
				Refunded:      refunded,
				NewAvailable:  newAvailable,
			}
			return nil
		})
	}()
	service.logOperation(ctx, OperationLog{
		Operation:     operationFinalize,
		UserID:        settlement.UserID,
		BatchID:       settlement.BatchID,
		ReservationID: reservationID,
		Units:         settlement.Consumed,
		Clamped:       clamped,
		Error:         operationError,
	})
	return settlement, operationError
}

// applySettlementBalance credits the refund back to the balance and appends
// the audit entry. The original debit already covered the reserved amount,
// so the net charge after the refund is exactly consumed.
func (service *Service) applySettlementBalance(ctx context.Context, txStore Store, reservation Reservation, consumed, refunded Units, reason string, nowUnixUTC int64) (Units, error) {
	if refunded != 0 {
		if err := txStore.AdjustUsed(ctx, reservation.UserID, refunded.Negated()); err != nil {
			return 0, err
		}
	}
	entry := LedgerEntry{
		EntryID:        uuid.NewString(),
		UserID:         reservation.UserID,
		ReservationID:  reservation.ReservationID,
		Amount:         consumed.Negated(),
		Reason:         reason,
		Description:    fmt.Sprintf("batch %s: consumed %.3f of %.3f reserved", reservation.BatchID.String(), consumed.Float64(), reservation.UnitsReserved.Float64()),
		CreatedUnixUTC: nowUnixUTC,
	}
	if err := txStore.AppendLedgerEntry(ctx, entry); err != nil {
		return 0, err
	}
	record, err := txStore.GetBalanceRecordForUpdate(ctx, reservation.UserID)
	if err != nil {
		return 0, err
	}
	approved, err := txStore.SumApprovedGrantRequests(ctx, reservation.UserID)
	if err != nil {
		return 0, err
	}
	return AvailableUnits(record, approved), nil
}

func settledView(reservation Reservation) Settlement {
	return Settlement{
		ReservationID: reservation.ReservationID,
		BatchID:       reservation.BatchID,
		UserID:        reservation.UserID,
		Consumed:      reservation.UnitsConsumed,
		Refunded:      reservation.UnitsRefunded,
		Recovered:     reservation.Status == ReservationStatusAutoFinalized,
	}
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}
