package webhook

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/quizforge/billing/internal/catalog"
	"github.com/quizforge/billing/internal/ledger"
)

const (
	statusProcessed = "processed"
	statusDuplicate = "duplicate"
	statusIgnored   = "ignored"

	errorInvalidSignature = "invalid_signature"
	errorMalformedPayload = "malformed_payload"
	errorUnknownAccount   = "unknown_account"
	errorUnknownProduct   = "unknown_product"
	errorRefundExceeds    = "refund_exceeds_balance"
	errorInternal         = "internal_error"
)

// Handler returns the gin handler for the provider webhook endpoint.
//
// Response contract: 2xx acknowledges, including duplicates, so the provider
// stops retrying; 4xx rejects signature or payload problems the provider
// cannot fix by retrying; 5xx reports transient store failures the provider
// will retry.
func Handler(verifier *Verifier, processor *Processor, logger *zap.Logger) gin.HandlerFunc {
	return func(ginContext *gin.Context) {
		body, err := io.ReadAll(ginContext.Request.Body)
		if err != nil {
			ginContext.JSON(http.StatusBadRequest, gin.H{"error": errorMalformedPayload})
			return
		}
		if err := verifier.Verify(body, ginContext.GetHeader(SignatureHeader)); err != nil {
			logger.Warn("webhook signature rejected", zap.Error(err))
			ginContext.JSON(http.StatusUnauthorized, gin.H{"error": errorInvalidSignature})
			return
		}
		event, err := ParseEvent(body)
		if err != nil {
			logger.Warn("webhook payload rejected", zap.Error(err))
			ginContext.JSON(http.StatusBadRequest, gin.H{"error": errorMalformedPayload})
			return
		}
		entry, err := processor.Process(ginContext.Request.Context(), event)
		switch {
		case err == nil:
			ginContext.JSON(http.StatusOK, gin.H{"status": statusProcessed, "entry_id": entry.EntryID})
		case errors.Is(err, ErrIgnoredEventType):
			ginContext.JSON(http.StatusOK, gin.H{"status": statusIgnored})
		case errors.Is(err, ledger.ErrDuplicateEvent), errors.Is(err, ledger.ErrDuplicateEntry):
			ginContext.JSON(http.StatusOK, gin.H{"status": statusDuplicate})
		case errors.Is(err, ledger.ErrAccountNotFound):
			ginContext.JSON(http.StatusUnprocessableEntity, gin.H{"error": errorUnknownAccount})
		case errors.Is(err, catalog.ErrUnknownProduct):
			ginContext.JSON(http.StatusUnprocessableEntity, gin.H{"error": errorUnknownProduct})
		case errors.Is(err, ledger.ErrInsufficientCredits):
			logger.Warn("refund rejected, would drive balance negative", zap.String("event_id", event.Data.ID))
			ginContext.JSON(http.StatusUnprocessableEntity, gin.H{"error": errorRefundExceeds})
		default:
			logger.Error("webhook processing failed", zap.String("event_id", event.Data.ID), zap.Error(err))
			ginContext.JSON(http.StatusInternalServerError, gin.H{"error": errorInternal})
		}
	}
}
