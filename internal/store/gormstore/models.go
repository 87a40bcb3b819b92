package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// BalanceAccount represents the balance_accounts table: the per-user grant
// sources plus the lifetime consumption accumulator. Amounts are stored as
// milliunits (one billable unit = 1000 milli).
type BalanceAccount struct {
	UserID            string    `gorm:"primaryKey"`
	PurchasedMilli    int64     `gorm:"not null;default:0"`
	EarnedMilli       int64     `gorm:"not null;default:0"`
	AdminGrantedMilli int64     `gorm:"not null;default:0"`
	UsedMilli         int64     `gorm:"not null;default:0"`
	CreatedAt         time.Time `gorm:"not null"`
	UpdatedAt         time.Time `gorm:"not null"`
}

func (BalanceAccount) TableName() string { return "balance_accounts" }

// GrantRequest mirrors the grant_requests table. Approved rows contribute
// to the balance formula through their summed amount.
type GrantRequest struct {
	RequestID   string    `gorm:"type:uuid;primaryKey"`
	UserID      string    `gorm:"not null;index:idx_grant_requests_user_status,priority:1"`
	AmountMilli int64     `gorm:"not null"`
	Status      string    `gorm:"not null;index:idx_grant_requests_user_status,priority:2"`
	CreatedAt   time.Time `gorm:"not null"`
	UpdatedAt   time.Time `gorm:"not null"`
}

func (GrantRequest) TableName() string { return "grant_requests" }

func (request *GrantRequest) BeforeCreate(tx *gorm.DB) error {
	if request.RequestID == "" {
		request.RequestID = uuid.NewString()
	}
	return nil
}

// Reservation mirrors the reservations table. Rows are never deleted;
// settlement flips status in place and fills the consumed/refunded split.
type Reservation struct {
	ReservationID      string         `gorm:"type:uuid;primaryKey"`
	UserID             string         `gorm:"not null;index:idx_reservations_user_batch,priority:1"`
	BatchID            string         `gorm:"not null;index:idx_reservations_user_batch,priority:2"`
	UnitsReservedMilli int64          `gorm:"not null"`
	UnitsConsumedMilli int64          `gorm:"not null;default:0"`
	UnitsRefundedMilli int64          `gorm:"not null;default:0"`
	Status             string         `gorm:"not null;index:idx_reservations_status_expires,priority:1"`
	Metadata           datatypes.JSON `gorm:"not null"`
	CreatedAt          time.Time      `gorm:"not null"`
	ExpiresAt          time.Time      `gorm:"not null;index:idx_reservations_status_expires,priority:2"`
	SettledAt          *time.Time
}

func (Reservation) TableName() string { return "reservations" }

// LedgerEntry mirrors the append-only ledger_entries table.
type LedgerEntry struct {
	EntryID       string    `gorm:"type:uuid;primaryKey"`
	UserID        string    `gorm:"not null;index:idx_ledger_user_created,priority:1"`
	ReservationID string    `gorm:"not null"`
	AmountMilli   int64     `gorm:"not null"`
	Reason        string    `gorm:"not null"`
	Description   string    `gorm:"not null"`
	CreatedAt     time.Time `gorm:"not null;index:idx_ledger_user_created,priority:2"`
}

func (LedgerEntry) TableName() string { return "ledger_entries" }

// CompletionRecord mirrors the completion_records table: one ground-truth
// row per finished unit of work, unique per work item so re-emission after
// a driver retry never double-counts.
type CompletionRecord struct {
	RecordID   string    `gorm:"type:uuid;primaryKey"`
	UserID     string    `gorm:"not null;index:uniq_completion_item,unique,priority:1"`
	BatchID    string    `gorm:"not null;index:uniq_completion_item,unique,priority:2"`
	WorkItemID string    `gorm:"not null;index:uniq_completion_item,unique,priority:3"`
	UnitsMilli int64     `gorm:"not null"`
	CreatedAt  time.Time `gorm:"not null"`
}

func (CompletionRecord) TableName() string { return "completion_records" }

func (record *CompletionRecord) BeforeCreate(tx *gorm.DB) error {
	if record.RecordID == "" {
		record.RecordID = uuid.NewString()
	}
	return nil
}

// Models lists every table for migration.
func Models() []any {
	return []any{
		&BalanceAccount{},
		&GrantRequest{},
		&Reservation{},
		&LedgerEntry{},
		&CompletionRecord{},
	}
}
