package metering

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

// Units is a fixed-point quantity of billable work, stored as milliunits
// (one unit = 1000 milli). Fractional operation classes such as half-unit
// recognitions stay exact under integer arithmetic.
type Units int64

const milliPerUnit = 1000

// UnitsFromFloat converts a unit count expressed as a float into milliunits,
// rounding to the nearest milli.
func UnitsFromFloat(value float64) Units {
	return Units(math.Round(value * milliPerUnit))
}

// WholeUnits converts an integer unit count into milliunits.
func WholeUnits(value int64) Units {
	return Units(value * milliPerUnit)
}

// Float64 returns the unit count as a float for display and JSON payloads.
func (units Units) Float64() float64 {
	return float64(units) / milliPerUnit
}

// Negated returns the additive inverse.
func (units Units) Negated() Units {
	return -units
}

// FloorZero clamps negative values to zero; used only for display.
func (units Units) FloorZero() Units {
	if units < 0 {
		return 0
	}
	return units
}

// UserID identifies a balance owner.
type UserID struct {
	value string
}

// BatchID correlates a reservation to the caller's unit of work.
type BatchID struct {
	value string
}

// ReservationID identifies a reservation.
type ReservationID struct {
	value string
}

// WorkItemID identifies one unit of work inside a batch.
type WorkItemID struct {
	value string
}

// GrantRequestID identifies a discrete grant request.
type GrantRequestID struct {
	value string
}

// MetadataJSON stores arbitrary request metadata.
type MetadataJSON struct {
	value string
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// NewBatchID validates and normalizes a batch id.
func NewBatchID(raw string) (BatchID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return BatchID{}, fmt.Errorf("%w: empty value", ErrInvalidBatchID)
	}
	return BatchID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id BatchID) String() string {
	return id.value
}

// NewReservationID validates and normalizes a reservation id.
func NewReservationID(raw string) (ReservationID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ReservationID{}, fmt.Errorf("%w: empty value", ErrInvalidReservationID)
	}
	return ReservationID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id ReservationID) String() string {
	return id.value
}

// NewWorkItemID validates and normalizes a work item id.
func NewWorkItemID(raw string) (WorkItemID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return WorkItemID{}, fmt.Errorf("%w: empty value", ErrInvalidWorkItemID)
	}
	return WorkItemID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id WorkItemID) String() string {
	return id.value
}

// NewGrantRequestID validates and normalizes a grant request id.
func NewGrantRequestID(raw string) (GrantRequestID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return GrantRequestID{}, fmt.Errorf("%w: empty value", ErrInvalidGrantRequestID)
	}
	return GrantRequestID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id GrantRequestID) String() string {
	return id.value
}

// NewMetadataJSON validates metadata (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	return metadata.value
}

// ReservationStatus defines the reservation lifecycle. Transitions are
// monotone: pending moves to exactly one terminal state and never reverts.
type ReservationStatus string

const (
	ReservationStatusPending       ReservationStatus = "pending"
	ReservationStatusFinalized     ReservationStatus = "finalized"
	ReservationStatusAutoFinalized ReservationStatus = "auto_finalized"
	ReservationStatusExpired       ReservationStatus = "expired"
)

// String returns the status value.
func (status ReservationStatus) String() string {
	return string(status)
}

// ParseReservationStatus validates a stored status value.
func ParseReservationStatus(raw string) (ReservationStatus, error) {
	switch ReservationStatus(raw) {
	case ReservationStatusPending, ReservationStatusFinalized, ReservationStatusAutoFinalized, ReservationStatusExpired:
		return ReservationStatus(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidReservationStatus, raw)
}

// GrantRequestStatus defines the discrete grant request lifecycle.
type GrantRequestStatus string

const (
	GrantRequestStatusPending  GrantRequestStatus = "pending"
	GrantRequestStatusApproved GrantRequestStatus = "approved"
	GrantRequestStatusRejected GrantRequestStatus = "rejected"
)

// String returns the status value.
func (status GrantRequestStatus) String() string {
	return string(status)
}

// BalanceRecord is the per-user mutable shared resource. The scalar grant
// sources are written only by their issuing workflows; the engine mutates
// Used alone, always under the record's row lock.
type BalanceRecord struct {
	UserID       UserID
	Purchased    Units
	Earned       Units
	AdminGranted Units
	Used         Units
}

// Balance is the caller-facing view of a user's quota.
type Balance struct {
	Total     Units
	Used      Units
	Available Units
	Display   Units
}

// Reservation is a temporary hold against a user's balance. Rows are never
// deleted; settlement flips Status and fills the consumed/refunded split.
type Reservation struct {
	ReservationID  ReservationID
	UserID         UserID
	BatchID        BatchID
	UnitsReserved  Units
	UnitsConsumed  Units
	UnitsRefunded  Units
	Status         ReservationStatus
	Metadata       MetadataJSON
	CreatedUnixUTC int64
	ExpiresUnixUTC int64
	SettledUnixUTC int64
}

// Authorization is the result of a successful pre-authorization.
type Authorization struct {
	ReservationID  ReservationID
	BatchID        BatchID
	UnitsReserved  Units
	ExpiresUnixUTC int64
}

// UsageReport is the caller's self-reported summary handed to Finalize.
// Completed includes failed attempts; failed units are never billed.
type UsageReport struct {
	Completed  Units
	Failed     Units
	ZeroResult Units
}

// Settlement is the outcome of finalizing a reservation through either path.
type Settlement struct {
	ReservationID  ReservationID
	BatchID        BatchID
	UserID         UserID
	Consumed       Units
	Refunded       Units
	NewAvailable   Units
	Recovered      bool
	RecoveredCount Units
}

// LedgerEntry is one immutable audit row appended per settlement.
type LedgerEntry struct {
	EntryID        string
	UserID         UserID
	ReservationID  ReservationID
	Amount         Units
	Reason         string
	Description    string
	CreatedUnixUTC int64
}

// CompletionRecord is one ground-truth row per finished unit of work,
// written by the batch driver independently of the reservation.
type CompletionRecord struct {
	UserID         UserID
	BatchID        BatchID
	WorkItemID     WorkItemID
	Units          Units
	CreatedUnixUTC int64
}

// SettlementUpdate carries the terminal state written to a pending
// reservation. MetadataJSON replaces the stored metadata when non-empty.
type SettlementUpdate struct {
	ReservationID  ReservationID
	ToStatus       ReservationStatus
	UnitsConsumed  Units
	UnitsRefunded  Units
	SettledUnixUTC int64
	Metadata       MetadataJSON
}

// Store is the persistence contract used by Service. Both the GORM store
// and the pgx store implement it.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	GetBalanceRecord(ctx context.Context, userID UserID) (BalanceRecord, error)
	GetBalanceRecordForUpdate(ctx context.Context, userID UserID) (BalanceRecord, error)
	SumApprovedGrantRequests(ctx context.Context, userID UserID) (Units, error)
	AdjustUsed(ctx context.Context, userID UserID, delta Units) error
	HasPendingReservationForBatch(ctx context.Context, userID UserID, batchID BatchID) (bool, error)
	CreateReservation(ctx context.Context, reservation Reservation) error
	GetReservationForUpdate(ctx context.Context, reservationID ReservationID) (Reservation, error)
	SettleReservation(ctx context.Context, update SettlementUpdate) error
	ListExpiredPendingReservations(ctx context.Context, nowUnixUTC int64, limit int) ([]Reservation, error)
	InsertCompletionRecord(ctx context.Context, record CompletionRecord) error
	SumCompletedUnits(ctx context.Context, userID UserID, batchID BatchID) (Units, error)
	AppendLedgerEntry(ctx context.Context, entry LedgerEntry) error
	ListLedgerEntries(ctx context.Context, userID UserID, beforeUnixUTC int64, limit int) ([]LedgerEntry, error)
	UpdateGrantRequestStatus(ctx context.Context, requestID GrantRequestID, from, to GrantRequestStatus) error
}
