package credits

import (
	"context"
	"testing"
)

type recorderLogger struct {
	entries []OperationLog
}

func (logger *recorderLogger) LogOperation(_ context.Context, entry OperationLog) {
	logger.entries = append(logger.entries, entry)
}

func TestServiceLogsAddOperation(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	logger := &recorderLogger{}
	service := mustNewService(test, store, WithOperationLogger(logger))
	userID := mustUserID(test, "user-1")
	if _, err := service.Add(context.Background(), userID, mustAmount(test, 100), "bonus", ""); err != nil {
		test.Fatalf("add: %v", err)
	}
	if len(logger.entries) != 1 {
		test.Fatalf("expected one log entry, got %d", len(logger.entries))
	}
	entry := logger.entries[0]
	if entry.Operation != operationAdd || entry.UserID != userID || entry.Amount != 100 {
		test.Fatalf("unexpected log entry: %+v", entry)
	}
	if entry.Error != nil || entry.Status != operationStatusOK {
		test.Fatalf("expected successful log entry, got %+v", entry)
	}
}

func TestServiceLogsErrorStatus(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.withTxError = errStoreFailure
	logger := &recorderLogger{}
	service := mustNewService(test, store, WithOperationLogger(logger))
	if _, err := service.Add(context.Background(), mustUserID(test, "user-1"), mustAmount(test, 100), "", ""); err == nil {
		test.Fatalf("expected error")
	}
	if len(logger.entries) != 1 {
		test.Fatalf("expected one log entry, got %d", len(logger.entries))
	}
	if logger.entries[0].Status != operationStatusError || logger.entries[0].Error == nil {
		test.Fatalf("expected error log entry, got %+v", logger.entries[0])
	}
}

func TestCorrelationIDRoundTrip(test *testing.T) {
	test.Parallel()
	ctx := WithCorrelationID(context.Background(), "req-42")
	if got := CorrelationIDFrom(ctx); got != "req-42" {
		test.Fatalf("expected req-42, got %q", got)
	}
	if got := CorrelationIDFrom(context.Background()); got != "" {
		test.Fatalf("expected empty correlation id, got %q", got)
	}
}
