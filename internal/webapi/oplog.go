package webapi

import (
	"context"

	"github.com/MarkoPoloResearchLab/chatledger/pkg/ledger"
	"go.uber.org/zap"
)

// OperationLogger writes ledger operations to zap.
type OperationLogger struct {
	logger *zap.Logger
}

// NewOperationLogger names the logger "ledger".
func NewOperationLogger(logger *zap.Logger) *OperationLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OperationLogger{logger: logger.Named("ledger")}
}

func (operationLogger *OperationLogger) LogOperation(_ context.Context, entry ledger.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("status", entry.Status),
	}
	if userID := entry.UserID.String(); userID != "" {
		fields = append(fields, zap.String("user_id", userID))
	}
	if transactionID := entry.TransactionID.String(); transactionID != "" {
		fields = append(fields, zap.String("transaction_id", transactionID))
	}
	if threadID := entry.ThreadID.String(); threadID != "" {
		fields = append(fields, zap.String("thread_id", threadID))
	}
	fields = append(fields, zap.Int64("amount_micros", entry.Amount.Int64()), zap.Int64("balance_micros", entry.Balance.Int64()))
	if entry.Error != nil {
		operationLogger.logger.Warn("ledger operation failed", append(fields, zap.Error(entry.Error))...)
		return
	}
	operationLogger.logger.Info("ledger operation", fields...)
}
