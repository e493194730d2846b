package idempotency

import (
	"context"
	"time"

	"reqledger/pkg/models"
)

// RequestContext carries one request's identity from PreHandle to
// PostHandle. It belongs to a single call chain and must not be shared.
type RequestContext struct {
	RequestID    string
	TraceID      string
	BodyCaptured bool
	StartedAt    time.Time

	entity models.RequestEntity
}

// NewRequestContext builds a carrier for callers that lost the one returned
// by PreHandle and only know the request id.
func NewRequestContext(requestID, traceID string) *RequestContext {
	return &RequestContext{RequestID: requestID, TraceID: traceID}
}

// Entity returns the copy of the ledger entity created by PreHandle.
func (rc *RequestContext) Entity() models.RequestEntity {
	return rc.entity
}

type contextKey string

const requestContextKey contextKey = "idempotency_request_context"

func WithContext(ctx context.Context, rc *RequestContext) context.Context {
	return context.WithValue(ctx, requestContextKey, rc)
}

func FromContext(ctx context.Context) (*RequestContext, bool) {
	rc, ok := ctx.Value(requestContextKey).(*RequestContext)
	return rc, ok && rc != nil
}
