// Package oplog writes ledger operation events to zap and the operation counter.
package oplog

import (
	"context"

	"github.com/MarkoPoloResearchLab/starshop/internal/metrics"
	"github.com/MarkoPoloResearchLab/starshop/pkg/ledger"
	"go.uber.org/zap"
)

const statusError = "error"

// Logger implements ledger.OperationLogger.
type Logger struct {
	logger *zap.Logger
}

// New returns a Logger writing to the given zap logger.
func New(logger *zap.Logger) *Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Logger{logger: logger.Named("ledger")}
}

// LogOperation emits one structured entry per ledger operation.
func (operationLogger *Logger) LogOperation(_ context.Context, entry ledger.OperationLog) {
	metrics.ObserveLedgerOperation(entry.Operation, entry.Status)
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("status", entry.Status),
	}
	if !entry.UserID.IsZero() {
		fields = append(fields, zap.String("user_id", entry.UserID.String()))
	}
	if intentID := entry.IntentID.String(); intentID != "" {
		fields = append(fields, zap.String("intent_id", intentID))
	}
	if promoCode := entry.PromoCode.String(); promoCode != "" {
		fields = append(fields, zap.String("promo_code", promoCode))
	}
	if entry.Amount != 0 {
		fields = append(fields, zap.String("amount", entry.Amount.String()))
	}
	if entry.Status == statusError {
		operationLogger.logger.Warn("ledger operation failed", append(fields, zap.Error(entry.Error))...)
		return
	}
	operationLogger.logger.Info("ledger operation", fields...)
}
