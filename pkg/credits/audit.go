package credits

import "context"

// AuditSink receives an append-only record of every balance-affecting
// event. Calls are best-effort: a sink must swallow its own failures and
// must never affect the outcome of the credit operation that emitted the
// event.
type AuditSink interface {
	LogTransaction(ctx context.Context, userID string, message string, details map[string]any, correlationID string)
	LogError(ctx context.Context, userID string, message string, details map[string]any, correlationID string)
}

type nopAuditSink struct{}

func (nopAuditSink) LogTransaction(context.Context, string, string, map[string]any, string) {}

func (nopAuditSink) LogError(context.Context, string, string, map[string]any, string) {}

type correlationIDKey struct{}

// WithCorrelationID attaches a request correlation id that audit entries
// emitted under this context will carry.
func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	if correlationID == "" {
		return ctx
	}
	return context.WithValue(ctx, correlationIDKey{}, correlationID)
}

// CorrelationIDFrom returns the correlation id attached to the context, if any.
func CorrelationIDFrom(ctx context.Context) string {
	value, _ := ctx.Value(correlationIDKey{}).(string)
	return value
}
