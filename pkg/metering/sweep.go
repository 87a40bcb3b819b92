package metering

import (
	"context"
	"encoding/json"
)

// Sweep force-settles reservations whose holder never reported back. Each
// expired-and-still-pending reservation is settled from the ground-truth
// completion records for its batch — never from anything the absent caller
// might have claimed. Expired rows are selected with a lock-skip read so
// concurrent sweep workers never double-process a reservation and a row
// held by an in-flight Finalize is simply left for the next run.
func (service *Service) Sweep(ctx context.Context) ([]Settlement, error) {
	var settlements []Settlement
	operationError := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		nowUnixUTC := service.nowFn()
		expired, err := txStore.ListExpiredPendingReservations(ctx, nowUnixUTC, service.sweepBatchLimit)
		if err != nil {
			return err
		}
		for _, reservation := range expired {
			recovered, err := txStore.SumCompletedUnits(ctx, reservation.UserID, reservation.BatchID)
			if err != nil {
				return err
			}
			consumed, refunded := SettleRecovered(reservation.UnitsReserved, recovered)
			metadata, err := annotateRecovery(reservation.Metadata, recovered, nowUnixUTC)
			if err != nil {
				return err
			}
			if err := txStore.SettleReservation(ctx, SettlementUpdate{
				ReservationID:  reservation.ReservationID,
				ToStatus:       ReservationStatusAutoFinalized,
				UnitsConsumed:  consumed,
				UnitsRefunded:  refunded,
				SettledUnixUTC: nowUnixUTC,
				Metadata:       metadata,
			}); err != nil {
				return err
			}
			newAvailable, err := service.applySettlementBalance(ctx, txStore, reservation, consumed, refunded, ledgerReasonReclamation, nowUnixUTC)
			if err != nil {
				return err
			}
			settlements = append(settlements, Settlement{
				ReservationID:  reservation.ReservationID,
				BatchID:        reservation.BatchID,
				UserID:         reservation.UserID,
				Consumed:       consumed,
				Refunded:       refunded,
				NewAvailable:   newAvailable,
				Recovered:      true,
				RecoveredCount: recovered,
			})
		}
		return nil
	})
	for _, settlement := range settlements {
		service.logOperation(ctx, OperationLog{
			Operation:     operationSweep,
			UserID:        settlement.UserID,
			BatchID:       settlement.BatchID,
			ReservationID: settlement.ReservationID,
			Units:         settlement.Consumed,
			Error:         operationError,
		})
	}
	if operationError != nil {
		return nil, operationError
	}
	return settlements, nil
}

// annotateRecovery marks the reservation metadata so audits can tell
// "client told us" apart from "we recovered it".
func annotateRecovery(existing MetadataJSON, recovered Units, nowUnixUTC int64) (MetadataJSON, error) {
	fields := map[string]any{}
	if existing.String() != "" {
		if err := json.Unmarshal([]byte(existing.String()), &fields); err != nil {
			return MetadataJSON{}, WrapError(operationSweep, "reservation", "metadata_decode", err)
		}
	}
	fields["recovery_reason"] = "expired without settlement; recounted from completion records"
	fields["recovered_units"] = recovered.Float64()
	fields["recovered_at_unix_utc"] = nowUnixUTC
	encoded, err := json.Marshal(fields)
	if err != nil {
		return MetadataJSON{}, WrapError(operationSweep, "reservation", "metadata_encode", err)
	}
	return NewMetadataJSON(string(encoded))
}
