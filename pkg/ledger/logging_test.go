package ledger

import (
	"context"
	"errors"
	"testing"
)

type recorderLogger struct {
	entries []OperationLog
}

func (logger *recorderLogger) LogOperation(_ context.Context, entry OperationLog) {
	logger.entries = append(logger.entries, entry)
}

func TestServiceLogsDeductOperation(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	user := mustUserID(test, "user-1")
	store.setBalance(user, 10)
	logger := &recorderLogger{}
	service, err := NewService(store, func() int64 { return 42 }, WithOperationLogger(logger), WithIDGenerator(func() string { return "charge-1" }))
	if err != nil {
		test.Fatalf("service init failed: %v", err)
	}
	if _, err := service.Deduct(context.Background(), user, mustStyle(test, styleSketch), mustCredits(test, 4)); err != nil {
		test.Fatalf("deduct failed: %v", err)
	}
	if len(logger.entries) != 1 {
		test.Fatalf("expected one log entry, got %d", len(logger.entries))
	}
	entry := logger.entries[0]
	if entry.Operation != operationDeduct || entry.UserID != user || entry.Amount != 4 || entry.Balance != 6 || entry.Reference != "charge-1" {
		test.Fatalf("unexpected log entry: %+v", entry)
	}
	if entry.Error != nil || entry.Status != operationStatusOK {
		test.Fatalf("expected successful log entry, got %+v", entry)
	}
}

func TestServiceLogsErrorStatus(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.incrementError = errors.New("boom")
	logger := &recorderLogger{}
	service, err := NewService(store, func() int64 { return 1 }, WithOperationLogger(logger))
	if err != nil {
		test.Fatalf("service init failed: %v", err)
	}
	_, err = service.CreditPurchase(context.Background(), mustUserID(test, "user-1"), mustCredits(test, 10), "pay-1", MetadataJSON{})
	if err == nil {
		test.Fatalf("expected error")
	}
	if len(logger.entries) != 1 {
		test.Fatalf("expected one log entry, got %d", len(logger.entries))
	}
	if logger.entries[0].Status != operationStatusError || logger.entries[0].Error == nil {
		test.Fatalf("expected error log entry, got %+v", logger.entries[0])
	}
}

func TestServicePublishesCommittedChanges(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	user := mustUserID(test, "observer-user")
	store.setBalance(user, 3)
	observer := &recorderObserver{}
	service, err := NewService(store, func() int64 { return 99 }, WithBalanceObserver(observer))
	if err != nil {
		test.Fatalf("service init failed: %v", err)
	}
	style := mustStyle(test, styleSketch)
	if _, err := service.Deduct(context.Background(), user, style, mustCredits(test, 2)); err != nil {
		test.Fatalf("deduct failed: %v", err)
	}
	if _, err := service.Deduct(context.Background(), user, style, mustCredits(test, 2)); !errors.Is(err, ErrInsufficientCredits) {
		test.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}
	if _, err := service.Refund(context.Background(), user, RefundRequest{Style: style, Reason: RefundReasonTimeout}); err != nil {
		test.Fatalf("refund failed: %v", err)
	}
	if len(observer.changes) != 2 {
		test.Fatalf("expected two published changes, got %d", len(observer.changes))
	}
	spent, refunded := observer.changes[0], observer.changes[1]
	if spent.Type != EntrySpent || spent.Delta != -2 || spent.Credits != 1 || spent.AtUnixUTC != 99 {
		test.Fatalf("unexpected spent change: %+v", spent)
	}
	if refunded.Type != EntryReceived || refunded.Delta != 2 || refunded.Credits != 3 {
		test.Fatalf("unexpected refund change: %+v", refunded)
	}
}
