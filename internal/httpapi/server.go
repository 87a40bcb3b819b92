package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/photoflow/metering/pkg/metering"
	"go.uber.org/zap"
)

const (
	errorInsufficientQuota    = "insufficient_quota"
	errorUserNotFound         = "user_not_found"
	errorUnknownReservation   = "unknown_reservation"
	errorReservationSettled   = "reservation_settled"
	errorBatchAlreadyReserved = "batch_already_reserved"
	errorGrantRequestClosed   = "grant_request_not_pending"
	errorInvalidRequest       = "invalid_request"
	errorInternal             = "internal"

	defaultLedgerLimit = 50
	maxLedgerLimit     = 200
)

// Server exposes the metering engine over an HTTP JSON API.
type Server struct {
	service *metering.Service
	logger  *zap.Logger
	router  *mux.Router
}

// NewServer builds the router around the metering service.
func NewServer(service *metering.Service, logger *zap.Logger) *Server {
	server := &Server{service: service, logger: logger, router: mux.NewRouter()}
	server.routes()
	return server
}

// ServeHTTP implements http.Handler.
func (server *Server) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	server.router.ServeHTTP(writer, request)
}

func (server *Server) routes() {
	server.router.HandleFunc("/v1/users/{userID}/balance", server.handleBalance).Methods(http.MethodGet)
	server.router.HandleFunc("/v1/users/{userID}/ledger", server.handleLedger).Methods(http.MethodGet)
	server.router.HandleFunc("/v1/reservations", server.handlePreAuthorize).Methods(http.MethodPost)
	server.router.HandleFunc("/v1/reservations/{reservationID}/finalize", server.handleFinalize).Methods(http.MethodPost)
	server.router.HandleFunc("/v1/completions", server.handleCompletion).Methods(http.MethodPost)
	server.router.HandleFunc("/v1/grant-requests/{requestID}/approve", server.handleApproveGrant).Methods(http.MethodPost)
}

type errorBody struct {
	Error     string   `json:"error"`
	Message   string   `json:"message,omitempty"`
	Available *float64 `json:"available,omitempty"`
	Needed    *float64 `json:"needed,omitempty"`
	Consumed  *float64 `json:"consumed,omitempty"`
	Refunded  *float64 `json:"refunded,omitempty"`
}

type balanceResponse struct {
	UserID    string  `json:"user_id"`
	Total     float64 `json:"total"`
	Used      float64 `json:"used"`
	Available float64 `json:"available"`
	Display   float64 `json:"display_available"`
}

type preAuthorizeRequest struct {
	UserID       string  `json:"user_id"`
	BatchID      string  `json:"batch_id"`
	UnitsNeeded  float64 `json:"units_needed"`
	WorkloadSize int64   `json:"workload_size"`
}

type preAuthorizeResponse struct {
	ReservationID  string  `json:"reservation_id"`
	BatchID        string  `json:"batch_id"`
	UnitsReserved  float64 `json:"units_reserved"`
	ExpiresUnixUTC int64   `json:"expires_at_unix_utc"`
}

type finalizeRequest struct {
	Completed  float64 `json:"completed"`
	Failed     float64 `json:"failed"`
	ZeroResult float64 `json:"zero_result"`
}

type settlementResponse struct {
	ReservationID string  `json:"reservation_id"`
	BatchID       string  `json:"batch_id"`
	Consumed      float64 `json:"consumed"`
	Refunded      float64 `json:"refunded"`
	NewAvailable  float64 `json:"new_available"`
}

type completionRequest struct {
	UserID     string  `json:"user_id"`
	BatchID    string  `json:"batch_id"`
	WorkItemID string  `json:"work_item_id"`
	Units      float64 `json:"units"`
}

type ledgerEntryResponse struct {
	EntryID        string  `json:"entry_id"`
	ReservationID  string  `json:"reservation_id"`
	Amount         float64 `json:"amount"`
	Reason         string  `json:"reason"`
	Description    string  `json:"description"`
	CreatedUnixUTC int64   `json:"created_unix_utc"`
}

func (server *Server) handleBalance(writer http.ResponseWriter, request *http.Request) {
	userID, err := metering.NewUserID(mux.Vars(request)["userID"])
	if err != nil {
		server.writeError(writer, err)
		return
	}
	balance, err := server.service.Balance(request.Context(), userID)
	if err != nil {
		server.writeError(writer, err)
		return
	}
	server.writeJSON(writer, http.StatusOK, balanceResponse{
		UserID:    userID.String(),
		Total:     balance.Total.Float64(),
		Used:      balance.Used.Float64(),
		Available: balance.Available.Float64(),
		Display:   balance.Display.Float64(),
	})
}

func (server *Server) handlePreAuthorize(writer http.ResponseWriter, request *http.Request) {
	var payload preAuthorizeRequest
	if err := json.NewDecoder(request.Body).Decode(&payload); err != nil {
		server.writeBadRequest(writer, "malformed json body")
		return
	}
	userID, err := metering.NewUserID(payload.UserID)
	if err != nil {
		server.writeError(writer, err)
		return
	}
	batchID, err := metering.NewBatchID(payload.BatchID)
	if err != nil {
		server.writeError(writer, err)
		return
	}
	authorization, err := server.service.PreAuthorize(
		request.Context(),
		userID,
		metering.UnitsFromFloat(payload.UnitsNeeded),
		batchID,
		payload.WorkloadSize,
	)
	if err != nil {
		server.writeError(writer, err)
		return
	}
	server.writeJSON(writer, http.StatusCreated, preAuthorizeResponse{
		ReservationID:  authorization.ReservationID.String(),
		BatchID:        authorization.BatchID.String(),
		UnitsReserved:  authorization.UnitsReserved.Float64(),
		ExpiresUnixUTC: authorization.ExpiresUnixUTC,
	})
}

func (server *Server) handleFinalize(writer http.ResponseWriter, request *http.Request) {
	reservationID, err := metering.NewReservationID(mux.Vars(request)["reservationID"])
	if err != nil {
		server.writeError(writer, err)
		return
	}
	var payload finalizeRequest
	if err := json.NewDecoder(request.Body).Decode(&payload); err != nil {
		server.writeBadRequest(writer, "malformed json body")
		return
	}
	settlement, err := server.service.Finalize(request.Context(), reservationID, metering.UsageReport{
		Completed:  metering.UnitsFromFloat(payload.Completed),
		Failed:     metering.UnitsFromFloat(payload.Failed),
		ZeroResult: metering.UnitsFromFloat(payload.ZeroResult),
	})
	if errors.Is(err, metering.ErrReservationSettled) {
		consumed := settlement.Consumed.Float64()
		refunded := settlement.Refunded.Float64()
		server.writeJSON(writer, http.StatusConflict, errorBody{
			Error:    errorReservationSettled,
			Message:  "reservation already settled; amounts reflect the stored settlement",
			Consumed: &consumed,
			Refunded: &refunded,
		})
		return
	}
	if err != nil {
		server.writeError(writer, err)
		return
	}
	server.writeJSON(writer, http.StatusOK, settlementResponse{
		ReservationID: settlement.ReservationID.String(),
		BatchID:       settlement.BatchID.String(),
		Consumed:      settlement.Consumed.Float64(),
		Refunded:      settlement.Refunded.Float64(),
		NewAvailable:  settlement.NewAvailable.Float64(),
	})
}

func (server *Server) handleCompletion(writer http.ResponseWriter, request *http.Request) {
	var payload completionRequest
	if err := json.NewDecoder(request.Body).Decode(&payload); err != nil {
		server.writeBadRequest(writer, "malformed json body")
		return
	}
	userID, err := metering.NewUserID(payload.UserID)
	if err != nil {
		server.writeError(writer, err)
		return
	}
	batchID, err := metering.NewBatchID(payload.BatchID)
	if err != nil {
		server.writeError(writer, err)
		return
	}
	workItemID, err := metering.NewWorkItemID(payload.WorkItemID)
	if err != nil {
		server.writeError(writer, err)
		return
	}
	units := metering.UnitsFromFloat(payload.Units)
	if payload.Units == 0 {
		units = metering.WholeUnits(1)
	}
	if err := server.service.RecordCompletion(request.Context(), userID, batchID, workItemID, units); err != nil {
		server.writeError(writer, err)
		return
	}
	writer.WriteHeader(http.StatusNoContent)
}

func (server *Server) handleApproveGrant(writer http.ResponseWriter, request *http.Request) {
	requestID, err := metering.NewGrantRequestID(mux.Vars(request)["requestID"])
	if err != nil {
		server.writeError(writer, err)
		return
	}
	if err := server.service.ApproveGrantRequest(request.Context(), requestID); err != nil {
		server.writeError(writer, err)
		return
	}
	writer.WriteHeader(http.StatusNoContent)
}

func (server *Server) handleLedger(writer http.ResponseWriter, request *http.Request) {
	userID, err := metering.NewUserID(mux.Vars(request)["userID"])
	if err != nil {
		server.writeError(writer, err)
		return
	}
	before := int64(0)
	if raw := request.URL.Query().Get("before"); raw != "" {
		before, err = strconv.ParseInt(raw, 10, 64)
		if err != nil {
			server.writeBadRequest(writer, "before must be a unix timestamp")
			return
		}
	}
	limit := defaultLedgerLimit
	if raw := request.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit <= 0 || limit > maxLedgerLimit {
			server.writeBadRequest(writer, "limit out of range")
			return
		}
	}
	entries, err := server.service.ListLedger(request.Context(), userID, before, limit)
	if err != nil {
		server.writeError(writer, err)
		return
	}
	response := make([]ledgerEntryResponse, 0, len(entries))
	for _, entry := range entries {
		response = append(response, ledgerEntryResponse{
			EntryID:        entry.EntryID,
			ReservationID:  entry.ReservationID.String(),
			Amount:         entry.Amount.Float64(),
			Reason:         entry.Reason,
			Description:    entry.Description,
			CreatedUnixUTC: entry.CreatedUnixUTC,
		})
	}
	server.writeJSON(writer, http.StatusOK, response)
}

func (server *Server) writeError(writer http.ResponseWriter, err error) {
	var quotaError metering.QuotaError
	if errors.As(err, &quotaError) {
		available := quotaError.Available.Float64()
		needed := quotaError.Needed.Float64()
		server.writeJSON(writer, http.StatusConflict, errorBody{
			Error:     errorInsufficientQuota,
			Message:   "not enough quota to authorize the batch",
			Available: &available,
			Needed:    &needed,
		})
		return
	}
	switch {
	case errors.Is(err, metering.ErrUserNotFound):
		server.writeJSON(writer, http.StatusNotFound, errorBody{Error: errorUserNotFound})
	case errors.Is(err, metering.ErrUnknownReservation):
		server.writeJSON(writer, http.StatusNotFound, errorBody{Error: errorUnknownReservation})
	case errors.Is(err, metering.ErrBatchAlreadyReserved):
		server.writeJSON(writer, http.StatusConflict, errorBody{Error: errorBatchAlreadyReserved})
	case errors.Is(err, metering.ErrReservationSettled):
		server.writeJSON(writer, http.StatusConflict, errorBody{Error: errorReservationSettled})
	case errors.Is(err, metering.ErrGrantRequestNotPending):
		server.writeJSON(writer, http.StatusConflict, errorBody{Error: errorGrantRequestClosed})
	case errors.Is(err, metering.ErrInvalidUserID),
		errors.Is(err, metering.ErrInvalidBatchID),
		errors.Is(err, metering.ErrInvalidReservationID),
		errors.Is(err, metering.ErrInvalidWorkItemID),
		errors.Is(err, metering.ErrInvalidGrantRequestID),
		errors.Is(err, metering.ErrInvalidUnits),
		errors.Is(err, metering.ErrInvalidUsageReport),
		errors.Is(err, metering.ErrInvalidMetadataJSON):
		server.writeJSON(writer, http.StatusBadRequest, errorBody{Error: errorInvalidRequest, Message: err.Error()})
	default:
		server.logger.Error("request failed", zap.Error(err))
		server.writeJSON(writer, http.StatusInternalServerError, errorBody{Error: errorInternal})
	}
}

func (server *Server) writeBadRequest(writer http.ResponseWriter, message string) {
	server.writeJSON(writer, http.StatusBadRequest, errorBody{Error: errorInvalidRequest, Message: message})
}

func (server *Server) writeJSON(writer http.ResponseWriter, status int, payload any) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	if err := json.NewEncoder(writer).Encode(payload); err != nil {
		server.logger.Error("response encode failed", zap.Error(err))
	}
}
