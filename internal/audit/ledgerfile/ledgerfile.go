// Package ledgerfile writes the append-only audit trail of credit
// events to a line-delimited JSON file and, when configured, to the
// database. Both writes are best-effort: an audit failure never affects
// the credit operation that produced the event.
package ledgerfile

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	eventTypeTransaction = "transaction"
	eventTypeError       = "error"

	filePermissions      = 0o644
	directoryPermissions = 0o755
)

// AuditStore persists audit entries in the database. The gormstore
// implementation satisfies this.
type AuditStore interface {
	AppendAuditEntry(ctx context.Context, eventType string, userID string, message string, details map[string]any, correlationID string) error
}

// entry is the JSONL wire shape, one object per line.
type entry struct {
	EventType     string         `json:"event_type"`
	UserID        string         `json:"user_id,omitempty"`
	Message       string         `json:"message"`
	Details       map[string]any `json:"details"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	CreatedAtUTC  string         `json:"created_at"`
}

// Sink appends audit events to a JSONL file and an optional store.
type Sink struct {
	filePath string
	store    AuditStore
	logger   *zap.Logger
	nowFn    func() time.Time

	writeMu sync.Mutex
}

// Option configures a Sink.
type Option func(*Sink)

// WithStore adds the database half of the audit trail.
func WithStore(store AuditStore) Option {
	return func(sink *Sink) { sink.store = store }
}

// WithClock overrides the timestamp source.
func WithClock(nowFn func() time.Time) Option {
	return func(sink *Sink) { sink.nowFn = nowFn }
}

// New creates a Sink writing to filePath, creating parent directories
// as needed.
func New(filePath string, logger *zap.Logger, options ...Option) (*Sink, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(filePath), directoryPermissions); err != nil {
		return nil, err
	}
	sink := &Sink{
		filePath: filePath,
		logger:   logger,
		nowFn:    func() time.Time { return time.Now().UTC() },
	}
	for _, option := range options {
		option(sink)
	}
	return sink, nil
}

// LogTransaction records a balance-affecting event.
func (sink *Sink) LogTransaction(ctx context.Context, userID string, message string, details map[string]any, correlationID string) {
	sink.log(ctx, eventTypeTransaction, userID, message, details, correlationID)
}

// LogError records a failed or rejected operation.
func (sink *Sink) LogError(ctx context.Context, userID string, message string, details map[string]any, correlationID string) {
	sink.log(ctx, eventTypeError, userID, message, details, correlationID)
}

func (sink *Sink) log(ctx context.Context, eventType string, userID string, message string, details map[string]any, correlationID string) {
	if details == nil {
		details = map[string]any{}
	}
	if sink.store != nil {
		if err := sink.store.AppendAuditEntry(ctx, eventType, userID, message, details, correlationID); err != nil {
			sink.logger.Warn("audit database write failed",
				zap.String("event_type", eventType),
				zap.String("user_id", userID),
				zap.Error(err))
		}
	}
	record := entry{
		EventType:     eventType,
		UserID:        userID,
		Message:       message,
		Details:       details,
		CorrelationID: correlationID,
		CreatedAtUTC:  sink.nowFn().Format(time.RFC3339),
	}
	if err := sink.appendLine(record); err != nil {
		sink.logger.Warn("audit file write failed",
			zap.String("event_type", eventType),
			zap.String("user_id", userID),
			zap.Error(err))
	}
}

func (sink *Sink) appendLine(record entry) error {
	line, err := json.Marshal(record)
	if err != nil {
		return err
	}
	sink.writeMu.Lock()
	defer sink.writeMu.Unlock()
	file, err := os.OpenFile(sink.filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, filePermissions)
	if err != nil {
		return err
	}
	defer file.Close()
	_, err = file.Write(append(line, '\n'))
	return err
}
