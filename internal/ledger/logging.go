package ledger

import (
	"context"

	"go.uber.org/zap"
)

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing ledger operation.
type OperationLog struct {
	Operation     string
	AccountID     string
	ReservationID string
	Kind          EntryKind
	Amount        CreditAmount
	ExternalRef   string
	CycleKey      string
	Status        string
	Error         error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// ZapOperationLogger emits operation records through a zap logger.
type ZapOperationLogger struct {
	logger *zap.Logger
}

// NewZapOperationLogger wraps a zap logger as an OperationLogger.
func NewZapOperationLogger(logger *zap.Logger) *ZapOperationLogger {
	return &ZapOperationLogger{logger: logger}
}

// LogOperation writes a structured record for the operation.
func (zl *ZapOperationLogger) LogOperation(_ context.Context, entry OperationLog) {
	if zl.logger == nil {
		return
	}
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("account_id", entry.AccountID),
		zap.String("status", entry.Status),
		zap.Int64("amount_credits", entry.Amount.Int64()),
	}
	if entry.ReservationID != "" {
		fields = append(fields, zap.String("reservation_id", entry.ReservationID))
	}
	if entry.Kind != "" {
		fields = append(fields, zap.String("kind", entry.Kind.String()))
	}
	if entry.ExternalRef != "" {
		fields = append(fields, zap.String("external_ref", entry.ExternalRef))
	}
	if entry.CycleKey != "" {
		fields = append(fields, zap.String("cycle_key", entry.CycleKey))
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
		zl.logger.Warn("ledger operation failed", fields...)
		return
	}
	zl.logger.Info("ledger operation", fields...)
}
