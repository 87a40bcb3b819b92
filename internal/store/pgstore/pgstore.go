package pgstore

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/photoflow/metering/pkg/metering"
)

const (
	constraintCompletionItem = "uniq_completion_item"
	pgUniqueViolationCode    = "23505"
	errorOperationStore      = "store"
	errorSubjectBalance      = "balance"
	errorSubjectCompletion   = "completion"
	errorSubjectGrantRequest = "grant_request"
	errorSubjectLedger       = "ledger"
	errorSubjectReservation  = "reservation"
	errorSubjectTransaction  = "transaction"
	errorCodeAdjust          = "adjust"
	errorCodeBegin           = "begin"
	errorCodeCommit          = "commit"
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

	sqlSelectBalance = `
		select user_id, purchased_milli, earned_milli, admin_granted_milli, used_milli
		from balance_accounts
		where user_id = $1
	`

	sqlSelectBalanceForUpdate = sqlSelectBalance + ` for update`

	sqlSumApprovedGrantRequests = `
		select coalesce(sum(amount_milli),0) from grant_requests
		where user_id = $1 and status = 'approved'
	`

	sqlAdjustUsed = `
		update balance_accounts
		set used_milli = used_milli + $2, updated_at = now()
		where user_id = $1
	`

	sqlHasPendingReservationForBatch = `
		select exists(
			select 1 from reservations
			where user_id = $1 and batch_id = $2 and status = 'pending'
		)
	`

	sqlInsertReservation = `
		insert into reservations(
			reservation_id, user_id, batch_id, units_reserved_milli,
			units_consumed_milli, units_refunded_milli, status, metadata,
			created_at, expires_at
		)
		values(
			$1, $2, $3, $4, 0, 0, $5,
			coalesce(nullif($6,''),'{}')::jsonb,
			to_timestamp($7), to_timestamp($8)
		)
	`

	sqlSelectReservationForUpdate = `
		select reservation_id::text, user_id, batch_id, units_reserved_milli,
			units_consumed_milli, units_refunded_milli, status,
			coalesce(metadata::text,'{}'),
			extract(epoch from created_at)::bigint,
			extract(epoch from expires_at)::bigint,
			coalesce(extract(epoch from settled_at)::bigint,0)
		from reservations
		where reservation_id = $1
		for update
	`

	sqlSettleReservation = `
		update reservations
		set status = $2,
			units_consumed_milli = $3,
			units_refunded_milli = $4,
			settled_at = to_timestamp($5),
			metadata = coalesce(nullif($6,'')::jsonb, metadata)
		where reservation_id = $1 and status = 'pending'
	`

	sqlListExpiredPendingReservations = `
		select reservation_id::text, user_id, batch_id, units_reserved_milli,
			units_consumed_milli, units_refunded_milli, status,
			coalesce(metadata::text,'{}'),
			extract(epoch from created_at)::bigint,
			extract(epoch from expires_at)::bigint,
			coalesce(extract(epoch from settled_at)::bigint,0)
		from reservations
		where status = 'pending' and expires_at <= to_timestamp($1)
		order by expires_at asc
		limit $2
		for update skip locked
	`

	sqlInsertCompletionRecord = `
		insert into completion_records(record_id, user_id, batch_id, work_item_id, units_milli, created_at)
		values(gen_random_uuid(), $1, $2, $3, $4, to_timestamp($5))
	`

	sqlSumCompletedUnits = `
		select coalesce(sum(units_milli),0) from completion_records
		where user_id = $1 and batch_id = $2
	`

	sqlAppendLedgerEntry = `
		insert into ledger_entries(entry_id, user_id, reservation_id, amount_milli, reason, description, created_at)
		values($1, $2, $3, $4, $5, $6, to_timestamp($7))
	`

	sqlListLedgerEntries = `
		select entry_id::text, user_id, reservation_id::text, amount_milli, reason, description,
			extract(epoch from created_at)::bigint
		from ledger_entries
		where user_id = $1 and created_at < to_timestamp($2)
		order by created_at desc
		limit $3
	`

	sqlUpdateGrantRequestStatus = `
		update grant_requests
		set status = $3, updated_at = now()
		where request_id = $1 and status = $2
	`
)

// querier is the subset of pgx shared by pools and transactions.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements metering.Store using a pgx connection pool (autocommit
// outside WithTx).
type Store struct {
	pool *pgxpool.Pool
	q    querier
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, q: pool}
}

// WithTx executes fn inside a single transaction; any failure rolls the
// whole operation back so partial debit/credit states are never visible.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore metering.Store) error) error {
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	transactionStore := &Store{pool: store.pool, q: tx}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

func (store *Store) GetBalanceRecord(ctx context.Context, userID metering.UserID) (metering.BalanceRecord, error) {
	return store.scanBalance(store.q.QueryRow(ctx, sqlSelectBalance, userID.String()))
}

func (store *Store) GetBalanceRecordForUpdate(ctx context.Context, userID metering.UserID) (metering.BalanceRecord, error) {
	return store.scanBalance(store.q.QueryRow(ctx, sqlSelectBalanceForUpdate, userID.String()))
}

func (store *Store) scanBalance(row pgx.Row) (metering.BalanceRecord, error) {
	var (
		userValue                             string
		purchased, earned, adminGranted, used int64
	)
	if err := row.Scan(&userValue, &purchased, &earned, &adminGranted, &used); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return metering.BalanceRecord{}, wrapStoreError(errorSubjectBalance, errorCodeLookup, metering.ErrUserNotFound)
		}
		return metering.BalanceRecord{}, wrapStoreError(errorSubjectBalance, errorCodeGet, err)
	}
	userID, err := metering.NewUserID(userValue)
	if err != nil {
		return metering.BalanceRecord{}, wrapStoreError(errorSubjectBalance, errorCodeInvalid, err)
	}
	return metering.BalanceRecord{
		UserID:       userID,
		Purchased:    metering.Units(purchased),
		Earned:       metering.Units(earned),
		AdminGranted: metering.Units(adminGranted),
		Used:         metering.Units(used),
	}, nil
}

func (store *Store) SumApprovedGrantRequests(ctx context.Context, userID metering.UserID) (metering.Units, error) {
	var sum int64
	if err := store.q.QueryRow(ctx, sqlSumApprovedGrantRequests, userID.String()).Scan(&sum); err != nil {
		return 0, wrapStoreError(errorSubjectGrantRequest, errorCodeSum, err)
	}
	return metering.Units(sum), nil
}

func (store *Store) AdjustUsed(ctx context.Context, userID metering.UserID, delta metering.Units) error {
	tag, err := store.q.Exec(ctx, sqlAdjustUsed, userID.String(), int64(delta))
	if err != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeAdjust, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectBalance, errorCodeAdjust, metering.ErrUserNotFound)
	}
	return nil
}

func (store *Store) HasPendingReservationForBatch(ctx context.Context, userID metering.UserID, batchID metering.BatchID) (bool, error) {
	var exists bool
	if err := store.q.QueryRow(ctx, sqlHasPendingReservationForBatch, userID.String(), batchID.String()).Scan(&exists); err != nil {
		return false, wrapStoreError(errorSubjectReservation, errorCodeLookup, err)
	}
	return exists, nil
}

func (store *Store) CreateReservation(ctx context.Context, reservation metering.Reservation) error {
	_, err := store.q.Exec(ctx, sqlInsertReservation,
		reservation.ReservationID.String(),
		reservation.UserID.String(),
		reservation.BatchID.String(),
		int64(reservation.UnitsReserved),
		reservation.Status.String(),
		reservation.Metadata.String(),
		reservation.CreatedUnixUTC,
		reservation.ExpiresUnixUTC,
	)
	if err != nil {
		return wrapStoreError(errorSubjectReservation, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetReservationForUpdate(ctx context.Context, reservationID metering.ReservationID) (metering.Reservation, error) {
	reservation, err := scanReservation(store.q.QueryRow(ctx, sqlSelectReservationForUpdate, reservationID.String()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return metering.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeGet, metering.ErrUnknownReservation)
		}
		return metering.Reservation{}, err
	}
	return reservation, nil
}

func (store *Store) SettleReservation(ctx context.Context, update metering.SettlementUpdate) error {
	tag, err := store.q.Exec(ctx, sqlSettleReservation,
		update.ReservationID.String(),
		update.ToStatus.String(),
		int64(update.UnitsConsumed),
		int64(update.UnitsRefunded),
		update.SettledUnixUTC,
		update.Metadata.String(),
	)
	if err != nil {
		return wrapStoreError(errorSubjectReservation, errorCodeSettle, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectReservation, errorCodeSettle, metering.ErrReservationSettled)
	}
	return nil
}

func (store *Store) ListExpiredPendingReservations(ctx context.Context, nowUnixUTC int64, limit int) ([]metering.Reservation, error) {
	rows, err := store.q.Query(ctx, sqlListExpiredPendingReservations, nowUnixUTC, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectReservation, errorCodeList, err)
	}
	defer rows.Close()
	var reservations []metering.Reservation
	for rows.Next() {
		reservation, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		reservations = append(reservations, reservation)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectReservation, errorCodeList, err)
	}
	return reservations, nil
}

func (store *Store) InsertCompletionRecord(ctx context.Context, record metering.CompletionRecord) error {
	_, err := store.q.Exec(ctx, sqlInsertCompletionRecord,
		record.UserID.String(),
		record.BatchID.String(),
		record.WorkItemID.String(),
		int64(record.Units),
		record.CreatedUnixUTC,
	)
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectCompletion, errorCodeDuplicate, metering.ErrDuplicateCompletion)
	}
	if err != nil {
		return wrapStoreError(errorSubjectCompletion, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) SumCompletedUnits(ctx context.Context, userID metering.UserID, batchID metering.BatchID) (metering.Units, error) {
	var sum int64
	if err := store.q.QueryRow(ctx, sqlSumCompletedUnits, userID.String(), batchID.String()).Scan(&sum); err != nil {
		return 0, wrapStoreError(errorSubjectCompletion, errorCodeSum, err)
	}
	return metering.Units(sum), nil
}

func (store *Store) AppendLedgerEntry(ctx context.Context, entry metering.LedgerEntry) error {
	_, err := store.q.Exec(ctx, sqlAppendLedgerEntry,
		entry.EntryID,
		entry.UserID.String(),
		entry.ReservationID.String(),
		int64(entry.Amount),
		entry.Reason,
		entry.Description,
		entry.CreatedUnixUTC,
	)
	if err != nil {
		return wrapStoreError(errorSubjectLedger, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) ListLedgerEntries(ctx context.Context, userID metering.UserID, beforeUnixUTC int64, limit int) ([]metering.LedgerEntry, error) {
	rows, err := store.q.Query(ctx, sqlListLedgerEntries, userID.String(), beforeUnixUTC, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectLedger, errorCodeList, err)
	}
	defer rows.Close()
	var entries []metering.LedgerEntry
	for rows.Next() {
		var (
			entryID, userValue, reservationValue, reason, description string
			amount, createdAt                                         int64
		)
		if err := rows.Scan(&entryID, &userValue, &reservationValue, &amount, &reason, &description, &createdAt); err != nil {
			return nil, wrapStoreError(errorSubjectLedger, errorCodeList, err)
		}
		entryUserID, err := metering.NewUserID(userValue)
		if err != nil {
			return nil, wrapStoreError(errorSubjectLedger, errorCodeInvalid, err)
		}
		reservationID, err := metering.NewReservationID(reservationValue)
		if err != nil {
			return nil, wrapStoreError(errorSubjectLedger, errorCodeInvalid, err)
		}
		entries = append(entries, metering.LedgerEntry{
			EntryID:        entryID,
			UserID:         entryUserID,
			ReservationID:  reservationID,
			Amount:         metering.Units(amount),
			Reason:         reason,
			Description:    description,
			CreatedUnixUTC: createdAt,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectLedger, errorCodeList, err)
	}
	return entries, nil
}

func (store *Store) UpdateGrantRequestStatus(ctx context.Context, requestID metering.GrantRequestID, from, to metering.GrantRequestStatus) error {
	tag, err := store.q.Exec(ctx, sqlUpdateGrantRequestStatus, requestID.String(), from.String(), to.String())
	if err != nil {
		return wrapStoreError(errorSubjectGrantRequest, errorCodeUpdateStatus, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectGrantRequest, errorCodeUpdateStatus, metering.ErrGrantRequestNotPending)
	}
	return nil
}

func scanReservation(row pgx.Row) (metering.Reservation, error) {
	var (
		reservationValue, userValue, batchValue, statusValue, metadataValue string
		reserved, consumed, refunded, createdAt, expiresAt, settledAt       int64
	)
	if err := row.Scan(
		&reservationValue, &userValue, &batchValue,
		&reserved, &consumed, &refunded,
		&statusValue, &metadataValue,
		&createdAt, &expiresAt, &settledAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return metering.Reservation{}, err
		}
		return metering.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeGet, err)
	}
	reservationID, err := metering.NewReservationID(reservationValue)
	if err != nil {
		return metering.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeInvalid, err)
	}
	userID, err := metering.NewUserID(userValue)
	if err != nil {
		return metering.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeInvalid, err)
	}
	batchID, err := metering.NewBatchID(batchValue)
	if err != nil {
		return metering.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeInvalid, err)
	}
	status, err := metering.ParseReservationStatus(statusValue)
	if err != nil {
		return metering.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeInvalid, err)
	}
	metadata, err := metering.NewMetadataJSON(metadataValue)
	if err != nil {
		return metering.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeInvalid, err)
	}
	return metering.Reservation{
		ReservationID:  reservationID,
		UserID:         userID,
		BatchID:        batchID,
		UnitsReserved:  metering.Units(reserved),
		UnitsConsumed:  metering.Units(consumed),
		UnitsRefunded:  metering.Units(refunded),
		Status:         status,
		Metadata:       metadata,
		CreatedUnixUTC: createdAt,
		ExpiresUnixUTC: expiresAt,
		SettledUnixUTC: settledAt,
	}, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return metering.WrapError(errorOperationStore, subject, code, err)
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintCompletionItem
	}
	return false
}
