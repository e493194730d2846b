package idempotency

import (
	"context"
	"time"

	"reqledger/pkg/models"
)

type EventType string

const (
	EventCreated      EventType = "created"
	EventReplayed     EventType = "replayed"
	EventRejected     EventType = "rejected"
	EventRecorded     EventType = "recorded"
	EventRecordFailed EventType = "record_failed"
)

type Event struct {
	Type           EventType            `json:"type"`
	RequestID      string               `json:"request_id"`
	TraceID        string               `json:"trace_id,omitempty"`
	Status         models.RequestStatus `json:"status,omitempty"`
	ResponseStatus int                  `json:"response_status,omitempty"`
	DuplicateCount int                  `json:"duplicate_count,omitempty"`
	Code           string               `json:"code,omitempty"`
	At             time.Time            `json:"at"`
}

// Observer is notified synchronously after each engine decision.
// Implementations must not block for long.
type Observer interface {
	Observe(ctx context.Context, evt Event)
}

type ObserverFunc func(ctx context.Context, evt Event)

func (f ObserverFunc) Observe(ctx context.Context, evt Event) { f(ctx, evt) }

// Observers fans an event out to every member in order.
type Observers []Observer

func (o Observers) Observe(ctx context.Context, evt Event) {
	for _, obs := range o {
		if obs != nil {
			obs.Observe(ctx, evt)
		}
	}
}
