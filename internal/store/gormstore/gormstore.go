package gormstore

import (
	"context"
	"errors"
	"time"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/photoflow/metering/pkg/metering"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	constraintCompletionItem = "uniq_completion_item"
	defaultMetadataJSON      = "{}"
	pgUniqueViolationCode    = "23505"
	sqliteConstraintCode     = 19
	dialectSQLite            = "sqlite"
	errorOperationStore      = "store"
	errorSubjectBalance      = "balance"
	errorSubjectCompletion   = "completion"
	errorSubjectGrantRequest = "grant_request"
	errorSubjectLedger       = "ledger"
	errorSubjectReservation  = "reservation"
	errorCodeAdjust          = "adjust"
	errorCodeCreate          = "create"
	errorCodeDuplicate       = "duplicate"
	errorCodeGet             = "get"
	errorCodeInsert          = "insert"
	errorCodeInvalid         = "invalid"
	errorCodeList            = "list"
	errorCodeLookup          = "lookup"
	errorCodeSettle          = "settle"
	errorCodeSum             = "sum"
	errorCodeUpdateStatus    = "update_status"
)

// Store implements metering.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore metering.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) GetBalanceRecord(ctx context.Context, userID metering.UserID) (metering.BalanceRecord, error) {
	return store.getBalanceRecord(ctx, userID, false)
}

// GetBalanceRecordForUpdate takes the per-user row lock that linearizes
// every mutation of the consumption accumulator.
func (store *Store) GetBalanceRecordForUpdate(ctx context.Context, userID metering.UserID) (metering.BalanceRecord, error) {
	return store.getBalanceRecord(ctx, userID, true)
}

func (store *Store) getBalanceRecord(ctx context.Context, userID metering.UserID, forUpdate bool) (metering.BalanceRecord, error) {
	query := store.db.WithContext(ctx)
	if forUpdate && store.db.Dialector.Name() != dialectSQLite {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var account BalanceAccount
	err := query.Where("user_id = ?", userID.String()).Take(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return metering.BalanceRecord{}, wrapStoreError(errorSubjectBalance, errorCodeLookup, metering.ErrUserNotFound)
		}
		return metering.BalanceRecord{}, wrapStoreError(errorSubjectBalance, errorCodeGet, err)
	}
	return metering.BalanceRecord{
		UserID:       userID,
		Purchased:    metering.Units(account.PurchasedMilli),
		Earned:       metering.Units(account.EarnedMilli),
		AdminGranted: metering.Units(account.AdminGrantedMilli),
		Used:         metering.Units(account.UsedMilli),
	}, nil
}

func (store *Store) SumApprovedGrantRequests(ctx context.Context, userID metering.UserID) (metering.Units, error) {
	var sum sqlSum
	err := store.db.WithContext(ctx).
		Model(&GrantRequest{}).
		Select("coalesce(sum(amount_milli),0) as total").
		Where("user_id = ? AND status = ?", userID.String(), metering.GrantRequestStatusApproved.String()).
		Scan(&sum).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectGrantRequest, errorCodeSum, err)
	}
	return metering.Units(sum.Total), nil
}

func (store *Store) AdjustUsed(ctx context.Context, userID metering.UserID, delta metering.Units) error {
	result := store.db.WithContext(ctx).
		Model(&BalanceAccount{}).
		Where("user_id = ?", userID.String()).
		Update("used_milli", gorm.Expr("used_milli + ?", int64(delta)))
	if result.Error != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeAdjust, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectBalance, errorCodeAdjust, metering.ErrUserNotFound)
	}
	return nil
}

func (store *Store) HasPendingReservationForBatch(ctx context.Context, userID metering.UserID, batchID metering.BatchID) (bool, error) {
	var count int64
	err := store.db.WithContext(ctx).
		Model(&Reservation{}).
		Where("user_id = ? AND batch_id = ? AND status = ?", userID.String(), batchID.String(), metering.ReservationStatusPending.String()).
		Count(&count).Error
	if err != nil {
		return false, wrapStoreError(errorSubjectReservation, errorCodeLookup, err)
	}
	return count > 0, nil
}

func (store *Store) CreateReservation(ctx context.Context, reservation metering.Reservation) error {
	model := Reservation{
		ReservationID:      reservation.ReservationID.String(),
		UserID:             reservation.UserID.String(),
		BatchID:            reservation.BatchID.String(),
		UnitsReservedMilli: int64(reservation.UnitsReserved),
		UnitsConsumedMilli: int64(reservation.UnitsConsumed),
		UnitsRefundedMilli: int64(reservation.UnitsRefunded),
		Status:             reservation.Status.String(),
		Metadata:           datatypesJSON(reservation.Metadata.String()),
		CreatedAt:          time.Unix(reservation.CreatedUnixUTC, 0).UTC(),
		ExpiresAt:          time.Unix(reservation.ExpiresUnixUTC, 0).UTC(),
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return wrapStoreError(errorSubjectReservation, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetReservationForUpdate(ctx context.Context, reservationID metering.ReservationID) (metering.Reservation, error) {
	query := store.db.WithContext(ctx)
	if store.db.Dialector.Name() != dialectSQLite {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var model Reservation
	err := query.Where("reservation_id = ?", reservationID.String()).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return metering.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeGet, metering.ErrUnknownReservation)
		}
		return metering.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeGet, err)
	}
	return mapReservation(model)
}

// SettleReservation is the compare-and-swap that enforces exactly-once
// settlement: the update matches only a pending row, so whichever of the
// settlement engine or the reclamation sweep commits first wins and the
// loser observes zero affected rows.
func (store *Store) SettleReservation(ctx context.Context, update metering.SettlementUpdate) error {
	settledAt := time.Unix(update.SettledUnixUTC, 0).UTC()
	assignments := map[string]any{
		"status":               update.ToStatus.String(),
		"units_consumed_milli": int64(update.UnitsConsumed),
		"units_refunded_milli": int64(update.UnitsRefunded),
		"settled_at":           &settledAt,
	}
	if update.Metadata.String() != "" {
		assignments["metadata"] = datatypesJSON(update.Metadata.String())
	}
	result := store.db.WithContext(ctx).
		Model(&Reservation{}).
		Where("reservation_id = ? AND status = ?", update.ReservationID.String(), metering.ReservationStatusPending.String()).
		Updates(assignments)
	if result.Error != nil {
		return wrapStoreError(errorSubjectReservation, errorCodeSettle, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectReservation, errorCodeSettle, metering.ErrReservationSettled)
	}
	return nil
}

func (store *Store) ListExpiredPendingReservations(ctx context.Context, nowUnixUTC int64, limit int) ([]metering.Reservation, error) {
	query := store.db.WithContext(ctx)
	if store.db.Dialector.Name() != dialectSQLite {
		query = query.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
	}
	var rows []Reservation
	err := query.
		Where("status = ? AND expires_at <= ?", metering.ReservationStatusPending.String(), time.Unix(nowUnixUTC, 0).UTC()).
		Order("expires_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectReservation, errorCodeList, err)
	}
	reservations := make([]metering.Reservation, 0, len(rows))
	for _, row := range rows {
		reservation, err := mapReservation(row)
		if err != nil {
			return nil, err
		}
		reservations = append(reservations, reservation)
	}
	return reservations, nil
}

func (store *Store) InsertCompletionRecord(ctx context.Context, record metering.CompletionRecord) error {
	model := CompletionRecord{
		UserID:     record.UserID.String(),
		BatchID:    record.BatchID.String(),
		WorkItemID: record.WorkItemID.String(),
		UnitsMilli: int64(record.Units),
		CreatedAt:  time.Unix(record.CreatedUnixUTC, 0).UTC(),
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectCompletion, errorCodeDuplicate, metering.ErrDuplicateCompletion)
	}
	if err != nil {
		return wrapStoreError(errorSubjectCompletion, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) SumCompletedUnits(ctx context.Context, userID metering.UserID, batchID metering.BatchID) (metering.Units, error) {
	var sum sqlSum
	err := store.db.WithContext(ctx).
		Model(&CompletionRecord{}).
		Select("coalesce(sum(units_milli),0) as total").
		Where("user_id = ? AND batch_id = ?", userID.String(), batchID.String()).
		Scan(&sum).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectCompletion, errorCodeSum, err)
	}
	return metering.Units(sum.Total), nil
}

func (store *Store) AppendLedgerEntry(ctx context.Context, entry metering.LedgerEntry) error {
	model := LedgerEntry{
		EntryID:       entry.EntryID,
		UserID:        entry.UserID.String(),
		ReservationID: entry.ReservationID.String(),
		AmountMilli:   int64(entry.Amount),
		Reason:        entry.Reason,
		Description:   entry.Description,
		CreatedAt:     time.Unix(entry.CreatedUnixUTC, 0).UTC(),
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return wrapStoreError(errorSubjectLedger, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) ListLedgerEntries(ctx context.Context, userID metering.UserID, beforeUnixUTC int64, limit int) ([]metering.LedgerEntry, error) {
	before := time.Unix(beforeUnixUTC, 0).UTC()
	var rows []LedgerEntry
	err := store.db.WithContext(ctx).
		Where("user_id = ? AND created_at < ?", userID.String(), before).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectLedger, errorCodeList, err)
	}
	entries := make([]metering.LedgerEntry, 0, len(rows))
	for _, row := range rows {
		entry, err := mapLedgerEntry(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectLedger, errorCodeInvalid, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (store *Store) UpdateGrantRequestStatus(ctx context.Context, requestID metering.GrantRequestID, from, to metering.GrantRequestStatus) error {
	result := store.db.WithContext(ctx).
		Model(&GrantRequest{}).
		Where("request_id = ? AND status = ?", requestID.String(), from.String()).
		Update("status", to.String())
	if result.Error != nil {
		return wrapStoreError(errorSubjectGrantRequest, errorCodeUpdateStatus, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectGrantRequest, errorCodeUpdateStatus, metering.ErrGrantRequestNotPending)
	}
	return nil
}

func wrapStoreError(subject string, code string, err error) error {
	return metering.WrapError(errorOperationStore, subject, code, err)
}

type sqlSum struct {
	Total int64
}

func mapReservation(model Reservation) (metering.Reservation, error) {
	reservationID, err := metering.NewReservationID(model.ReservationID)
	if err != nil {
		return metering.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeInvalid, err)
	}
	userID, err := metering.NewUserID(model.UserID)
	if err != nil {
		return metering.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeInvalid, err)
	}
	batchID, err := metering.NewBatchID(model.BatchID)
	if err != nil {
		return metering.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeInvalid, err)
	}
	status, err := metering.ParseReservationStatus(model.Status)
	if err != nil {
		return metering.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeInvalid, err)
	}
	metadata, err := metering.NewMetadataJSON(string(model.Metadata))
	if err != nil {
		return metering.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeInvalid, err)
	}
	return metering.Reservation{
		ReservationID:  reservationID,
		UserID:         userID,
		BatchID:        batchID,
		UnitsReserved:  metering.Units(model.UnitsReservedMilli),
		UnitsConsumed:  metering.Units(model.UnitsConsumedMilli),
		UnitsRefunded:  metering.Units(model.UnitsRefundedMilli),
		Status:         status,
		Metadata:       metadata,
		CreatedUnixUTC: model.CreatedAt.Unix(),
		ExpiresUnixUTC: model.ExpiresAt.Unix(),
		SettledUnixUTC: timeOrZero(model.SettledAt),
	}, nil
}

func mapLedgerEntry(row LedgerEntry) (metering.LedgerEntry, error) {
	userID, err := metering.NewUserID(row.UserID)
	if err != nil {
		return metering.LedgerEntry{}, err
	}
	reservationID, err := metering.NewReservationID(row.ReservationID)
	if err != nil {
		return metering.LedgerEntry{}, err
	}
	return metering.LedgerEntry{
		EntryID:        row.EntryID,
		UserID:         userID,
		ReservationID:  reservationID,
		Amount:         metering.Units(row.AmountMilli),
		Reason:         row.Reason,
		Description:    row.Description,
		CreatedUnixUTC: row.CreatedAt.Unix(),
	}, nil
}

func timeOrZero(value *time.Time) int64 {
	if value == nil {
		return 0
	}
	return value.Unix()
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintCompletionItem
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
