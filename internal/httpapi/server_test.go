package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/photoflow/metering/internal/store/gormstore"
	"github.com/photoflow/metering/pkg/metering"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type testHarness struct {
	server *httptest.Server
	db     *gorm.DB
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(t.TempDir()+"/metering.db"), &gorm.Config{})
	if err != nil {
		t.Fatalf("sqlite open failed: %v", err)
	}
	if err := db.AutoMigrate(gormstore.Models()...); err != nil {
		t.Fatalf("automigrate failed: %v", err)
	}
	store := gormstore.New(db)
	clock := func() int64 { return time.Now().UTC().Unix() }
	service, err := metering.NewService(store, clock)
	if err != nil {
		t.Fatalf("service init failed: %v", err)
	}
	server := httptest.NewServer(NewServer(service, zap.NewNop()))
	t.Cleanup(server.Close)
	return &testHarness{server: server, db: db}
}

func (harness *testHarness) seedAccount(t *testing.T, userID string, purchasedUnits int64) {
	t.Helper()
	account := gormstore.BalanceAccount{
		UserID:         userID,
		PurchasedMilli: int64(metering.WholeUnits(purchasedUnits)),
	}
	if err := harness.db.Create(&account).Error; err != nil {
		t.Fatalf("seed account failed: %v", err)
	}
}

func (harness *testHarness) request(t *testing.T, method, path string, payload any) (int, []byte) {
	t.Helper()
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("encode payload failed: %v", err)
		}
		body = bytes.NewReader(encoded)
	}
	request, err := http.NewRequest(method, harness.server.URL+path, body)
	if err != nil {
		t.Fatalf("build request failed: %v", err)
	}
	response, err := harness.server.Client().Do(request)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer func() { _ = response.Body.Close() }()
	raw, err := io.ReadAll(response.Body)
	if err != nil {
		t.Fatalf("read response failed: %v", err)
	}
	return response.StatusCode, raw
}

func decodeInto(t *testing.T, raw []byte, target any) {
	t.Helper()
	if err := json.Unmarshal(raw, target); err != nil {
		t.Fatalf("decode response failed: %v (body %s)", err, raw)
	}
}

func TestBalanceEndpoint(t *testing.T) {
	harness := newTestHarness(t)
	harness.seedAccount(t, "user-balance", 120)

	status, raw := harness.request(t, http.MethodGet, "/v1/users/user-balance/balance", nil)
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", status, raw)
	}
	var balance balanceResponse
	decodeInto(t, raw, &balance)
	if balance.Total != 120 || balance.Available != 120 || balance.Display != 120 {
		t.Fatalf("unexpected balance: %+v", balance)
	}

	status, raw = harness.request(t, http.MethodGet, "/v1/users/user-none/balance", nil)
	if status != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown user, got %d (%s)", status, raw)
	}
	var body errorBody
	decodeInto(t, raw, &body)
	if body.Error != errorUserNotFound {
		t.Fatalf("expected %s, got %s", errorUserNotFound, body.Error)
	}
}

func TestReservationLifecycleOverHTTP(t *testing.T) {
	harness := newTestHarness(t)
	harness.seedAccount(t, "user-flow", 1000)

	status, raw := harness.request(t, http.MethodPost, "/v1/reservations", preAuthorizeRequest{
		UserID:       "user-flow",
		BatchID:      "batch-flow",
		UnitsNeeded:  300,
		WorkloadSize: 6000,
	})
	if status != http.StatusCreated {
		t.Fatalf("expected 201, got %d (%s)", status, raw)
	}
	var authorization preAuthorizeResponse
	decodeInto(t, raw, &authorization)
	if authorization.UnitsReserved != 300 {
		t.Fatalf("expected 300 reserved, got %.3f", authorization.UnitsReserved)
	}
	if authorization.ExpiresUnixUTC <= time.Now().UTC().Unix() {
		t.Fatalf("reservation must expire in the future")
	}

	// A second reservation for the same in-flight batch must be refused.
	status, raw = harness.request(t, http.MethodPost, "/v1/reservations", preAuthorizeRequest{
		UserID:      "user-flow",
		BatchID:     "batch-flow",
		UnitsNeeded: 10,
	})
	if status != http.StatusConflict {
		t.Fatalf("expected 409 for duplicate batch, got %d (%s)", status, raw)
	}
	var conflict errorBody
	decodeInto(t, raw, &conflict)
	if conflict.Error != errorBatchAlreadyReserved {
		t.Fatalf("expected %s, got %s", errorBatchAlreadyReserved, conflict.Error)
	}

	status, raw = harness.request(t, http.MethodPost,
		fmt.Sprintf("/v1/reservations/%s/finalize", authorization.ReservationID),
		finalizeRequest{Completed: 280, Failed: 10})
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", status, raw)
	}
	var settlement settlementResponse
	decodeInto(t, raw, &settlement)
	if settlement.Consumed != 270 || settlement.Refunded != 30 {
		t.Fatalf("expected 270/30, got %.3f/%.3f", settlement.Consumed, settlement.Refunded)
	}
	if settlement.NewAvailable != 730 {
		t.Fatalf("expected 730 available after settlement, got %.3f", settlement.NewAvailable)
	}

	// Replayed finalize responds with the stored settlement amounts.
	status, raw = harness.request(t, http.MethodPost,
		fmt.Sprintf("/v1/reservations/%s/finalize", authorization.ReservationID),
		finalizeRequest{Completed: 999})
	if status != http.StatusConflict {
		t.Fatalf("expected 409 on replay, got %d (%s)", status, raw)
	}
	var replay errorBody
	decodeInto(t, raw, &replay)
	if replay.Error != errorReservationSettled {
		t.Fatalf("expected %s, got %s", errorReservationSettled, replay.Error)
	}
	if replay.Consumed == nil || *replay.Consumed != 270 || replay.Refunded == nil || *replay.Refunded != 30 {
		t.Fatalf("replay must carry the stored settlement: %+v", replay)
	}

	status, raw = harness.request(t, http.MethodGet, "/v1/users/user-flow/ledger", nil)
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", status, raw)
	}
	var entries []ledgerEntryResponse
	decodeInto(t, raw, &entries)
	if len(entries) != 1 {
		t.Fatalf("expected one ledger entry, got %d", len(entries))
	}
	if entries[0].Amount != -270 || entries[0].Reason != "settlement" {
		t.Fatalf("unexpected ledger entry: %+v", entries[0])
	}
}

func TestPreAuthorizeQuotaConflictCarriesDiagnostics(t *testing.T) {
	harness := newTestHarness(t)
	harness.seedAccount(t, "user-poor", 20)

	status, raw := harness.request(t, http.MethodPost, "/v1/reservations", preAuthorizeRequest{
		UserID:      "user-poor",
		BatchID:     "batch-big",
		UnitsNeeded: 50,
	})
	if status != http.StatusConflict {
		t.Fatalf("expected 409, got %d (%s)", status, raw)
	}
	var body errorBody
	decodeInto(t, raw, &body)
	if body.Error != errorInsufficientQuota {
		t.Fatalf("expected %s, got %s", errorInsufficientQuota, body.Error)
	}
	if body.Available == nil || *body.Available != 20 || body.Needed == nil || *body.Needed != 50 {
		t.Fatalf("quota conflict must report observed values: %+v", body)
	}
}

func TestCompletionEndpointIsIdempotent(t *testing.T) {
	harness := newTestHarness(t)
	harness.seedAccount(t, "user-completion", 10)

	payload := completionRequest{
		UserID:     "user-completion",
		BatchID:    "batch-completion",
		WorkItemID: "item-1",
	}
	for attempt := 0; attempt < 2; attempt++ {
		status, raw := harness.request(t, http.MethodPost, "/v1/completions", payload)
		if status != http.StatusNoContent {
			t.Fatalf("attempt %d: expected 204, got %d (%s)", attempt, status, raw)
		}
	}
}

func TestApproveGrantEndpoint(t *testing.T) {
	harness := newTestHarness(t)
	harness.seedAccount(t, "user-grant", 0)
	request := gormstore.GrantRequest{
		UserID:      "user-grant",
		AmountMilli: int64(metering.WholeUnits(40)),
		Status:      metering.GrantRequestStatusPending.String(),
	}
	if err := harness.db.Create(&request).Error; err != nil {
		t.Fatalf("seed grant request failed: %v", err)
	}

	status, raw := harness.request(t, http.MethodPost, "/v1/grant-requests/"+request.RequestID+"/approve", nil)
	if status != http.StatusNoContent {
		t.Fatalf("expected 204, got %d (%s)", status, raw)
	}

	status, raw = harness.request(t, http.MethodPost, "/v1/grant-requests/"+request.RequestID+"/approve", nil)
	if status != http.StatusConflict {
		t.Fatalf("expected 409 on replay, got %d (%s)", status, raw)
	}
	var body errorBody
	decodeInto(t, raw, &body)
	if body.Error != errorGrantRequestClosed {
		t.Fatalf("expected %s, got %s", errorGrantRequestClosed, body.Error)
	}

	status, raw = harness.request(t, http.MethodGet, "/v1/users/user-grant/balance", nil)
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", status, raw)
	}
	var balance balanceResponse
	decodeInto(t, raw, &balance)
	if balance.Available != 40 {
		t.Fatalf("approved grant must raise available, got %.3f", balance.Available)
	}
}

func TestRequestValidation(t *testing.T) {
	harness := newTestHarness(t)
	harness.seedAccount(t, "user-valid", 10)

	status, raw := harness.request(t, http.MethodGet, "/v1/users/user-valid/ledger?limit=9999", nil)
	if status != http.StatusBadRequest {
		t.Fatalf("oversized limit must 400, got %d (%s)", status, raw)
	}
	status, raw = harness.request(t, http.MethodGet, "/v1/users/user-valid/ledger?before=yesterday", nil)
	if status != http.StatusBadRequest {
		t.Fatalf("non-numeric cursor must 400, got %d (%s)", status, raw)
	}

	request, err := http.NewRequest(http.MethodPost, harness.server.URL+"/v1/reservations", bytes.NewReader([]byte("{not json")))
	if err != nil {
		t.Fatalf("build request failed: %v", err)
	}
	response, err := harness.server.Client().Do(request)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer func() { _ = response.Body.Close() }()
	if response.StatusCode != http.StatusBadRequest {
		t.Fatalf("malformed json must 400, got %d", response.StatusCode)
	}
}
