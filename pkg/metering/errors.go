package metering

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the metering service.
var (
	ErrInsufficientQuota        = errors.New("insufficient quota")
	ErrUserNotFound             = errors.New("user not found")
	ErrUnknownReservation       = errors.New("unknown reservation")
	ErrReservationSettled       = errors.New("reservation already settled")
	ErrBatchAlreadyReserved     = errors.New("batch already has a pending reservation")
	ErrDuplicateCompletion      = errors.New("duplicate completion record")
	ErrGrantRequestNotPending   = errors.New("grant request not pending")
	ErrInvalidUserID            = errors.New("invalid user id")
	ErrInvalidBatchID           = errors.New("invalid batch id")
	ErrInvalidReservationID     = errors.New("invalid reservation id")
	ErrInvalidWorkItemID        = errors.New("invalid work item id")
	ErrInvalidGrantRequestID    = errors.New("invalid grant request id")
	ErrInvalidUnits             = errors.New("invalid units")
	ErrInvalidUsageReport       = errors.New("invalid usage report")
	ErrInvalidMetadataJSON      = errors.New("invalid metadata json")
	ErrInvalidReservationStatus = errors.New("invalid reservation status")
	ErrInvalidServiceConfig     = errors.New("invalid service config")
)

// QuotaError carries the observed available/needed values alongside
// ErrInsufficientQuota so callers can build a precise message.
type QuotaError struct {
	Available Units
	Needed    Units
}

// Error returns the formatted error message.
func (quotaError QuotaError) Error() string {
	return fmt.Sprintf("%v: available %.3f, needed %.3f", ErrInsufficientQuota, quotaError.Available.Float64(), quotaError.Needed.Float64())
}

// Unwrap returns the sentinel so errors.Is(err, ErrInsufficientQuota) holds.
func (quotaError QuotaError) Unwrap() error {
	return ErrInsufficientQuota
}

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}
