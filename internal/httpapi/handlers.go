package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/quizforge/billing/internal/ledger"
	"github.com/quizforge/billing/internal/reconcile"
)

const (
	errorInsufficientCredits        = "insufficient_credits"
	errorReservationNotFound        = "reservation_not_found"
	errorReservationExpired         = "reservation_expired"
	errorReservationAlreadyResolved = "reservation_already_resolved"
	errorReservationInsufficient    = "reservation_insufficient"
	errorAccountNotFound            = "account_not_found"
	errorInvalidRequest             = "invalid_request"
	errorInternalAPI                = "internal_error"

	defaultEntriesLimit = 50
	maxEntriesLimit     = 200
)

type reserveRequest struct {
	AccountID     string          `json:"account_id"`
	AmountCredits int64           `json:"amount_credits"`
	TTLSeconds    int64           `json:"ttl_seconds"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
}

type commitRequest struct {
	AmountCredits int64           `json:"amount_credits"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
}

type reservationPayload struct {
	ReservationID    string `json:"reservation_id"`
	AccountID        string `json:"account_id"`
	AmountCredits    int64  `json:"amount_credits"`
	Status           string `json:"status"`
	ExpiresAtUnixUTC int64  `json:"expires_at_unix_utc"`
}

type entryPayload struct {
	EntryID        string          `json:"entry_id"`
	AccountID      string          `json:"account_id"`
	Kind           string          `json:"kind"`
	AmountCredits  int64           `json:"amount_credits"`
	ExternalRef    string          `json:"external_ref,omitempty"`
	CycleKey       string          `json:"cycle_key,omitempty"`
	ReservationID  string          `json:"reservation_id,omitempty"`
	Metadata       json.RawMessage `json:"metadata"`
	CreatedUnixUTC int64           `json:"created_unix_utc"`
}

func (server *Server) handleReserve(ginContext *gin.Context) {
	var request reserveRequest
	if err := ginContext.ShouldBindJSON(&request); err != nil {
		ginContext.JSON(http.StatusBadRequest, gin.H{"error": errorInvalidRequest})
		return
	}
	reservation, err := server.service.Reserve(
		ginContext.Request.Context(),
		request.AccountID,
		ledger.CreditAmount(request.AmountCredits),
		time.Duration(request.TTLSeconds)*time.Second,
		string(request.Metadata),
	)
	if err != nil {
		server.respondError(ginContext, err)
		return
	}
	ginContext.JSON(http.StatusCreated, gin.H{"reservation": mapReservation(reservation)})
}

func (server *Server) handleCommit(ginContext *gin.Context) {
	var request commitRequest
	if err := ginContext.ShouldBindJSON(&request); err != nil {
		ginContext.JSON(http.StatusBadRequest, gin.H{"error": errorInvalidRequest})
		return
	}
	entry, err := server.service.Commit(
		ginContext.Request.Context(),
		ginContext.Param("reservationID"),
		ledger.CreditAmount(request.AmountCredits),
		string(request.Metadata),
	)
	if err != nil {
		server.respondError(ginContext, err)
		return
	}
	ginContext.JSON(http.StatusOK, gin.H{"entry": mapEntry(entry)})
}

func (server *Server) handleRelease(ginContext *gin.Context) {
	err := server.service.Release(ginContext.Request.Context(), ginContext.Param("reservationID"))
	if err != nil {
		server.respondError(ginContext, err)
		return
	}
	ginContext.JSON(http.StatusOK, gin.H{"status": "released"})
}

func (server *Server) handleBalance(ginContext *gin.Context) {
	balance, err := server.service.Balance(ginContext.Request.Context(), ginContext.Param("accountID"))
	if err != nil {
		server.respondError(ginContext, err)
		return
	}
	ginContext.JSON(http.StatusOK, gin.H{
		"total_credits":     balance.TotalCredits.Int64(),
		"available_credits": balance.AvailableCredits.Int64(),
	})
}

func (server *Server) handleListEntries(ginContext *gin.Context) {
	before := queryInt64(ginContext, "before", 0)
	limit := int(queryInt64(ginContext, "limit", defaultEntriesLimit))
	if limit <= 0 {
		limit = defaultEntriesLimit
	}
	if limit > maxEntriesLimit {
		limit = maxEntriesLimit
	}
	entries, err := server.service.ListEntries(ginContext.Request.Context(), ginContext.Param("accountID"), before, limit)
	if err != nil {
		server.respondError(ginContext, err)
		return
	}
	payload := make([]entryPayload, 0, len(entries))
	for _, entry := range entries {
		payload = append(payload, mapEntry(entry))
	}
	ginContext.JSON(http.StatusOK, gin.H{"entries": payload})
}

func (server *Server) handleUsageRollups(ginContext *gin.Context) {
	now := server.nowFn()
	window := reconcile.Window{
		FromUnixUTC: queryInt64(ginContext, "from", now-30*86400),
		// The upper bound is exclusive; now+1 keeps the current second in range.
		ToUnixUTC: queryInt64(ginContext, "to", now+1),
	}
	rollups, err := server.aggregator.UsageRollups(ginContext.Request.Context(), window)
	if err != nil {
		server.respondError(ginContext, err)
		return
	}
	ginContext.JSON(http.StatusOK, gin.H{"window": window, "rollups": rollups})
}

func (server *Server) handleReconcileRun(ginContext *gin.Context) {
	now := server.nowFn()
	window := reconcile.Window{
		FromUnixUTC: queryInt64(ginContext, "from", now-86400),
		ToUnixUTC:   queryInt64(ginContext, "to", now+1),
	}
	report, err := server.reconciler.Reconcile(ginContext.Request.Context(), window)
	if err != nil {
		server.respondError(ginContext, err)
		return
	}
	ginContext.JSON(http.StatusOK, gin.H{"report": report})
}

func (server *Server) handleReconcileLatest(ginContext *gin.Context) {
	report, ok := server.reconciler.LatestReport()
	if !ok {
		ginContext.JSON(http.StatusNotFound, gin.H{"error": "no_report_yet"})
		return
	}
	ginContext.JSON(http.StatusOK, gin.H{"report": report})
}

func (server *Server) respondError(ginContext *gin.Context, err error) {
	status, code := mapToHTTPError(err)
	if status == http.StatusInternalServerError {
		server.logger.Error("internal api failure", zap.Error(err))
	}
	ginContext.JSON(status, gin.H{"error": code})
}

func mapToHTTPError(source error) (int, string) {
	switch {
	case errors.Is(source, ledger.ErrInvalidAccountID),
		errors.Is(source, ledger.ErrInvalidAmount),
		errors.Is(source, ledger.ErrInvalidReservationID),
		errors.Is(source, ledger.ErrInvalidMetadataJSON),
		errors.Is(source, ledger.ErrInvalidEntryKind):
		return http.StatusBadRequest, errorInvalidRequest
	case errors.Is(source, ledger.ErrInsufficientCredits):
		return http.StatusConflict, errorInsufficientCredits
	case errors.Is(source, ledger.ErrReservationNotFound):
		return http.StatusNotFound, errorReservationNotFound
	case errors.Is(source, ledger.ErrReservationExpired):
		return http.StatusGone, errorReservationExpired
	case errors.Is(source, ledger.ErrReservationAlreadyResolved):
		return http.StatusConflict, errorReservationAlreadyResolved
	case errors.Is(source, ledger.ErrReservationInsufficient):
		return http.StatusConflict, errorReservationInsufficient
	case errors.Is(source, ledger.ErrAccountNotFound):
		return http.StatusNotFound, errorAccountNotFound
	}
	return http.StatusInternalServerError, errorInternalAPI
}

func mapReservation(reservation ledger.Reservation) reservationPayload {
	return reservationPayload{
		ReservationID:    reservation.ReservationID,
		AccountID:        reservation.AccountID,
		AmountCredits:    reservation.AmountCredits.Int64(),
		Status:           reservation.Status.String(),
		ExpiresAtUnixUTC: reservation.ExpiresAtUnixUTC,
	}
}

func mapEntry(entry ledger.Entry) entryPayload {
	return entryPayload{
		EntryID:        entry.EntryID,
		AccountID:      entry.AccountID,
		Kind:           entry.Kind.String(),
		AmountCredits:  entry.AmountCredits.Int64(),
		ExternalRef:    entry.ExternalRef,
		CycleKey:       entry.CycleKey,
		ReservationID:  entry.ReservationID,
		Metadata:       json.RawMessage(entry.MetadataJSON),
		CreatedUnixUTC: entry.CreatedUnixUTC,
	}
}

func queryInt64(ginContext *gin.Context, key string, fallback int64) int64 {
	raw := ginContext.Query(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fallback
	}
	return value
}
