// Package observability carries the zap and Prometheus wiring shared by the daemon.
package observability

import (
	"context"

	"github.com/MarkoPoloResearchLab/skechum/pkg/ledger"
	"go.uber.org/zap"
)

// NewLogger builds the process logger for environment.
func NewLogger(environment string) (*zap.Logger, error) {
	if environment == "development" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// OperationLogger implements ledger.OperationLogger on zap and counts operations.
type OperationLogger struct {
	logger  *zap.Logger
	metrics *Metrics
}

// NewOperationLogger returns an OperationLogger. Either argument may be nil.
func NewOperationLogger(logger *zap.Logger, metrics *Metrics) *OperationLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OperationLogger{logger: logger, metrics: metrics}
}

func (operationLogger *OperationLogger) LogOperation(_ context.Context, entry ledger.OperationLog) {
	operationLogger.metrics.ObserveOperation(entry.Operation, entry.Status)
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("user_id", entry.UserID.String()),
		zap.Int64("amount", entry.Amount.Int64()),
		zap.Int64("balance", entry.Balance.Int64()),
		zap.String("status", entry.Status),
	}
	if entry.Reference != "" {
		fields = append(fields, zap.String("reference", entry.Reference))
	}
	if entry.Error == nil {
		operationLogger.logger.Info("ledger operation", fields...)
		return
	}
	fields = append(fields, zap.Error(entry.Error))
	if ledger.IsStoreError(entry.Error) {
		operationLogger.logger.Error("ledger operation", fields...)
		return
	}
	operationLogger.logger.Warn("ledger operation", fields...)
}
