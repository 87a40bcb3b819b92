package metering

import (
	"context"
	"errors"
	"fmt"
)

// RecordCompletion appends one ground-truth row for a finished unit of
// work. The batch driver emits these as it goes, independent of the
// reservation; a retried emission for the same work item is a no-op.
func (service *Service) RecordCompletion(ctx context.Context, userID UserID, batchID BatchID, workItemID WorkItemID, units Units) error {
	operationError := func() error {
		if units <= 0 {
			return fmt.Errorf("%w: completion units must be positive", ErrInvalidUnits)
		}
		err := service.store.InsertCompletionRecord(ctx, CompletionRecord{
			UserID:         userID,
			BatchID:        batchID,
			WorkItemID:     workItemID,
			Units:          units,
			CreatedUnixUTC: service.nowFn(),
		})
		if errors.Is(err, ErrDuplicateCompletion) {
			return nil
		}
		return err
	}()
	service.logOperation(ctx, OperationLog{
		Operation: operationCompletion,
		UserID:    userID,
		BatchID:   batchID,
		Units:     units,
		Error:     operationError,
	})
	return operationError
}

// ApproveGrantRequest flips a discrete grant request to approved. The
// transition is an explicit compare-and-swap invoked by the approval
// workflow, not a database trigger; once approved the request's amount
// feeds the balance formula through the approved-grant sum.
func (service *Service) ApproveGrantRequest(ctx context.Context, requestID GrantRequestID) error {
	operationError := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		return txStore.UpdateGrantRequestStatus(ctx, requestID, GrantRequestStatusPending, GrantRequestStatusApproved)
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationApproveGrant,
		Error:     operationError,
	})
	return operationError
}

// ListLedger lists settlement audit entries for a user before a cutoff time.
func (service *Service) ListLedger(ctx context.Context, userID UserID, beforeUnixUTC int64, limit int) ([]LedgerEntry, error) {
	if beforeUnixUTC == 0 {
		beforeUnixUTC = service.nowFn() + 1
	}
	return service.store.ListLedgerEntries(ctx, userID, beforeUnixUTC, limit)
}
