package credits

import (
	"context"
	"time"
)

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing credit operation.
type OperationLog struct {
	Operation     string
	UserID        UserID
	ReservationID string
	Amount        int64
	Description   string
	Status        string
	Error         error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithCache wires the read-through aggregate cache.
func WithCache(cache Cache) ServiceOption {
	return func(service *Service) {
		service.cache = cache
	}
}

// WithAuditSink wires the append-only audit sink.
func WithAuditSink(sink AuditSink) ServiceOption {
	return func(service *Service) {
		if sink != nil {
			service.audit = sink
		}
	}
}

// WithInfoTTL overrides the cached aggregate's self-heal TTL.
func WithInfoTTL(ttl time.Duration) ServiceOption {
	return func(service *Service) {
		if ttl > 0 {
			service.infoTTL = ttl
		}
	}
}
