package metering

import (
	"context"
	"sort"
	"sync"
	"testing"
)

// stubStore is an in-memory Store whose WithTx serializes through a mutex
// and rolls state back on error, mirroring the transactional store.
type stubStore struct {
	mu    sync.Mutex
	state stubState
}

type stubState struct {
	balances      map[string]BalanceRecord
	grantRequests map[string]stubGrantRequest
	reservations  map[string]Reservation
	completions   map[string]CompletionRecord
	ledger        []LedgerEntry
}

type stubGrantRequest struct {
	userID string
	amount Units
	status GrantRequestStatus
}

func newStubStore() *stubStore {
	return &stubStore{state: stubState{
		balances:      map[string]BalanceRecord{},
		grantRequests: map[string]stubGrantRequest{},
		reservations:  map[string]Reservation{},
		completions:   map[string]CompletionRecord{},
	}}
}

func (store *stubStore) seedBalance(record BalanceRecord) {
	store.state.balances[record.UserID.String()] = record
}

func (store *stubStore) seedGrantRequest(id string, userID UserID, amount Units, status GrantRequestStatus) {
	store.state.grantRequests[id] = stubGrantRequest{userID: userID.String(), amount: amount, status: status}
}

func (state stubState) clone() stubState {
	cloned := stubState{
		balances:      make(map[string]BalanceRecord, len(state.balances)),
		grantRequests: make(map[string]stubGrantRequest, len(state.grantRequests)),
		reservations:  make(map[string]Reservation, len(state.reservations)),
		completions:   make(map[string]CompletionRecord, len(state.completions)),
		ledger:        append([]LedgerEntry(nil), state.ledger...),
	}
	for key, value := range state.balances {
		cloned.balances[key] = value
	}
	for key, value := range state.grantRequests {
		cloned.grantRequests[key] = value
	}
	for key, value := range state.reservations {
		cloned.reservations[key] = value
	}
	for key, value := range state.completions {
		cloned.completions[key] = value
	}
	return cloned
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	snapshot := store.state.clone()
	if err := fn(ctx, (*lockedStubStore)(store)); err != nil {
		store.state = snapshot
		return err
	}
	return nil
}

func (store *stubStore) GetBalanceRecord(ctx context.Context, userID UserID) (BalanceRecord, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return (*lockedStubStore)(store).GetBalanceRecord(ctx, userID)
}

func (store *stubStore) GetBalanceRecordForUpdate(ctx context.Context, userID UserID) (BalanceRecord, error) {
	return store.GetBalanceRecord(ctx, userID)
}

func (store *stubStore) SumApprovedGrantRequests(ctx context.Context, userID UserID) (Units, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return (*lockedStubStore)(store).SumApprovedGrantRequests(ctx, userID)
}

func (store *stubStore) AdjustUsed(ctx context.Context, userID UserID, delta Units) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	return (*lockedStubStore)(store).AdjustUsed(ctx, userID, delta)
}

func (store *stubStore) HasPendingReservationForBatch(ctx context.Context, userID UserID, batchID BatchID) (bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return (*lockedStubStore)(store).HasPendingReservationForBatch(ctx, userID, batchID)
}

func (store *stubStore) CreateReservation(ctx context.Context, reservation Reservation) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	return (*lockedStubStore)(store).CreateReservation(ctx, reservation)
}

func (store *stubStore) GetReservationForUpdate(ctx context.Context, reservationID ReservationID) (Reservation, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return (*lockedStubStore)(store).GetReservationForUpdate(ctx, reservationID)
}

func (store *stubStore) SettleReservation(ctx context.Context, update SettlementUpdate) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	return (*lockedStubStore)(store).SettleReservation(ctx, update)
}

func (store *stubStore) ListExpiredPendingReservations(ctx context.Context, nowUnixUTC int64, limit int) ([]Reservation, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return (*lockedStubStore)(store).ListExpiredPendingReservations(ctx, nowUnixUTC, limit)
}

func (store *stubStore) InsertCompletionRecord(ctx context.Context, record CompletionRecord) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	return (*lockedStubStore)(store).InsertCompletionRecord(ctx, record)
}

func (store *stubStore) SumCompletedUnits(ctx context.Context, userID UserID, batchID BatchID) (Units, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return (*lockedStubStore)(store).SumCompletedUnits(ctx, userID, batchID)
}

func (store *stubStore) AppendLedgerEntry(ctx context.Context, entry LedgerEntry) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	return (*lockedStubStore)(store).AppendLedgerEntry(ctx, entry)
}

func (store *stubStore) ListLedgerEntries(ctx context.Context, userID UserID, beforeUnixUTC int64, limit int) ([]LedgerEntry, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return (*lockedStubStore)(store).ListLedgerEntries(ctx, userID, beforeUnixUTC, limit)
}

func (store *stubStore) UpdateGrantRequestStatus(ctx context.Context, requestID GrantRequestID, from, to GrantRequestStatus) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	return (*lockedStubStore)(store).UpdateGrantRequestStatus(ctx, requestID, from, to)
}

// lockedStubStore serves calls made inside WithTx, where the mutex is
// already held.
type lockedStubStore stubStore

func (store *lockedStubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	return fn(ctx, store)
}

func (store *lockedStubStore) GetBalanceRecord(_ context.Context, userID UserID) (BalanceRecord, error) {
	record, ok := store.state.balances[userID.String()]
	if !ok {
		return BalanceRecord{}, ErrUserNotFound
	}
	return record, nil
}

func (store *lockedStubStore) GetBalanceRecordForUpdate(ctx context.Context, userID UserID) (BalanceRecord, error) {
	return store.GetBalanceRecord(ctx, userID)
}

func (store *lockedStubStore) SumApprovedGrantRequests(_ context.Context, userID UserID) (Units, error) {
	var sum Units
	for _, request := range store.state.grantRequests {
		if request.userID == userID.String() && request.status == GrantRequestStatusApproved {
			sum += request.amount
		}
	}
	return sum, nil
}

func (store *lockedStubStore) AdjustUsed(_ context.Context, userID UserID, delta Units) error {
	record, ok := store.state.balances[userID.String()]
	if !ok {
		return ErrUserNotFound
	}
	record.Used += delta
	store.state.balances[userID.String()] = record
	return nil
}

func (store *lockedStubStore) HasPendingReservationForBatch(_ context.Context, userID UserID, batchID BatchID) (bool, error) {
	for _, reservation := range store.state.reservations {
		if reservation.UserID.String() == userID.String() &&
			reservation.BatchID.String() == batchID.String() &&
			reservation.Status == ReservationStatusPending {
			return true, nil
		}
	}
	return false, nil
}

func (store *lockedStubStore) CreateReservation(_ context.Context, reservation Reservation) error {
	store.state.reservations[reservation.ReservationID.String()] = reservation
	return nil
}

func (store *lockedStubStore) GetReservationForUpdate(_ context.Context, reservationID ReservationID) (Reservation, error) {
	reservation, ok := store.state.reservations[reservationID.String()]
	if !ok {
		return Reservation{}, ErrUnknownReservation
	}
	return reservation, nil
}

func (store *lockedStubStore) SettleReservation(_ context.Context, update SettlementUpdate) error {
	reservation, ok := store.state.reservations[update.ReservationID.String()]
	if !ok || reservation.Status != ReservationStatusPending {
		return ErrReservationSettled
	}
	reservation.Status = update.ToStatus
	reservation.UnitsConsumed = update.UnitsConsumed
	reservation.UnitsRefunded = update.UnitsRefunded
	reservation.SettledUnixUTC = update.SettledUnixUTC
	if update.Metadata.String() != "" {
		reservation.Metadata = update.Metadata
	}
	store.state.reservations[update.ReservationID.String()] = reservation
	return nil
}

func (store *lockedStubStore) ListExpiredPendingReservations(_ context.Context, nowUnixUTC int64, limit int) ([]Reservation, error) {
	var expired []Reservation
	for _, reservation := range store.state.reservations {
		if reservation.Status == ReservationStatusPending && reservation.ExpiresUnixUTC <= nowUnixUTC {
			expired = append(expired, reservation)
		}
	}
	sort.Slice(expired, func(left, right int) bool {
		return expired[left].ExpiresUnixUTC < expired[right].ExpiresUnixUTC
	})
	if len(expired) > limit {
		expired = expired[:limit]
	}
	return expired, nil
}

func (store *lockedStubStore) InsertCompletionRecord(_ context.Context, record CompletionRecord) error {
	key := record.UserID.String() + "|" + record.BatchID.String() + "|" + record.WorkItemID.String()
	if _, ok := store.state.completions[key]; ok {
		return ErrDuplicateCompletion
	}
	store.state.completions[key] = record
	return nil
}

func (store *lockedStubStore) SumCompletedUnits(_ context.Context, userID UserID, batchID BatchID) (Units, error) {
	var sum Units
	for _, record := range store.state.completions {
		if record.UserID.String() == userID.String() && record.BatchID.String() == batchID.String() {
			sum += record.Units
		}
	}
	return sum, nil
}

func (store *lockedStubStore) AppendLedgerEntry(_ context.Context, entry LedgerEntry) error {
	store.state.ledger = append(store.state.ledger, entry)
	return nil
}

func (store *lockedStubStore) ListLedgerEntries(_ context.Context, userID UserID, beforeUnixUTC int64, limit int) ([]LedgerEntry, error) {
	var entries []LedgerEntry
	for _, entry := range store.state.ledger {
		if entry.UserID.String() == userID.String() && entry.CreatedUnixUTC < beforeUnixUTC {
			entries = append(entries, entry)
		}
	}
	sort.Slice(entries, func(left, right int) bool {
		return entries[left].CreatedUnixUTC > entries[right].CreatedUnixUTC
	})
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

func (store *lockedStubStore) UpdateGrantRequestStatus(_ context.Context, requestID GrantRequestID, from, to GrantRequestStatus) error {
	request, ok := store.state.grantRequests[requestID.String()]
	if !ok || request.status != from {
		return ErrGrantRequestNotPending
	}
	request.status = to
	store.state.grantRequests[requestID.String()] = request
	return nil
}

func (store *stubStore) mustReservation(test *testing.T, reservationID ReservationID) Reservation {
	test.Helper()
	store.mu.Lock()
	defer store.mu.Unlock()
	reservation, ok := store.state.reservations[reservationID.String()]
	if !ok {
		test.Fatalf("reservation %s not found", reservationID.String())
	}
	return reservation
}

func mustUserID(test *testing.T, raw string) UserID {
	test.Helper()
	userID, err := NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return userID
}

func mustBatchID(test *testing.T, raw string) BatchID {
	test.Helper()
	batchID, err := NewBatchID(raw)
	if err != nil {
		test.Fatalf("batch id: %v", err)
	}
	return batchID
}

func mustWorkItemID(test *testing.T, raw string) WorkItemID {
	test.Helper()
	workItemID, err := NewWorkItemID(raw)
	if err != nil {
		test.Fatalf("work item id: %v", err)
	}
	return workItemID
}

func mustGrantRequestID(test *testing.T, raw string) GrantRequestID {
	test.Helper()
	requestID, err := NewGrantRequestID(raw)
	if err != nil {
		test.Fatalf("grant request id: %v", err)
	}
	return requestID
}

func mustNewService(test *testing.T, store Store, now func() int64, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(store, now, options...)
	if err != nil {
		test.Fatalf("service init: %v", err)
	}
	return service
}
