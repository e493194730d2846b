// Package idempotency decides, per request id, whether a request runs,
// replays a recorded response or is rejected, and records the outcome.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"reqledger/pkg/logx"
	"reqledger/pkg/models"
	"reqledger/pkg/store"
)

// Store is the subset of the ledger the engine relies on.
// PutCreateOnly must be atomic: at most one caller wins per id.
type Store interface {
	Get(ctx context.Context, requestID string) (models.RequestEntity, bool, error)
	PutCreateOnly(ctx context.Context, entity *models.RequestEntity) error
	PutReplace(ctx context.Context, entity *models.RequestEntity) error
}

type Action string

const (
	ActionExecute Action = "EXECUTE"
	ActionReplay  Action = "REPLAY"
)

type Request struct {
	RequestID   string
	TraceID     string
	Body        string
	CaptureBody bool
}

type Response struct {
	Status  int
	Headers map[string]string
	Body    string
}

// Decision is the PreHandle outcome. Context is set for ActionExecute,
// Replay for ActionReplay.
type Decision struct {
	Action  Action
	Context *RequestContext
	Replay  *Response
}

var tracer = otel.Tracer("reqledger/pkg/idempotency")

type Engine struct {
	store     Store
	now       func() time.Time
	log       *logx.Logger
	observers Observers
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

func WithLogger(l *logx.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

func WithObserver(o Observer) Option {
	return func(e *Engine) {
		if o != nil {
			e.observers = append(e.observers, o)
		}
	}
}

func New(s Store, opts ...Option) *Engine {
	e := &Engine{store: s, now: time.Now, log: logx.Discard()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// PreHandle looks the request id up in the ledger and decides what the
// caller should do. Concurrent calls for one id yield at most one
// ActionExecute.
func (e *Engine) PreHandle(ctx context.Context, req Request) (d Decision, err error) {
	ctx, span := tracer.Start(ctx, "ledger.pre_handle", trace.WithAttributes(attribute.String("ledger.request_id", req.RequestID)))
	defer func() { endSpan(span, string(d.Action), err) }()
	return e.preHandle(ctx, req)
}

func (e *Engine) preHandle(ctx context.Context, req Request) (Decision, error) {
	id := req.RequestID
	if strings.TrimSpace(id) == "" {
		return Decision{}, fmt.Errorf("%w: request id required", ErrMessageUnprocessed)
	}

	existing, found, err := e.store.Get(ctx, id)
	if err != nil {
		e.emit(ctx, Event{Type: EventRejected, RequestID: id, TraceID: req.TraceID, Code: Code(err)})
		return Decision{}, fmt.Errorf("lookup %s: %w", id, err)
	}
	if !found {
		return e.create(ctx, id, req)
	}

	switch existing.Status {
	case models.Processed:
		return e.replay(ctx, existing), nil
	case models.Failed:
		return Decision{}, e.reject(ctx, existing, fmt.Errorf("%w: %s previously failed", ErrDuplicateMessage, id))
	case models.Processing:
		return Decision{}, e.reject(ctx, existing, fmt.Errorf("%w: %s is still in flight", ErrMessageUnprocessed, id))
	default:
		return Decision{}, e.reject(ctx, existing, fmt.Errorf("%w: %s has status %q", store.ErrCorruptValue, id, existing.Status))
	}
}

func (e *Engine) create(ctx context.Context, id string, req Request) (Decision, error) {
	started := e.now()
	entity := models.NewRequestEntity(id, req.TraceID, req.Body, req.CaptureBody, started)
	if err := e.store.PutCreateOnly(ctx, &entity); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			err = fmt.Errorf("%w: lost creation race for %s", ErrDuplicateMessage, id)
		} else {
			err = fmt.Errorf("create %s: %w", id, err)
		}
		e.emit(ctx, Event{Type: EventRejected, RequestID: id, TraceID: req.TraceID, Code: Code(err)})
		return Decision{}, err
	}
	rc := &RequestContext{
		RequestID:    id,
		TraceID:      req.TraceID,
		BodyCaptured: req.CaptureBody,
		StartedAt:    started,
		entity:       entity,
	}
	e.emit(ctx, Event{Type: EventCreated, RequestID: id, TraceID: req.TraceID, Status: entity.Status})
	return Decision{Action: ActionExecute, Context: rc}, nil
}

func (e *Engine) replay(ctx context.Context, entity models.RequestEntity) Decision {
	entity.MarkDuplicate()
	if err := e.store.PutReplace(ctx, &entity); err != nil {
		e.log.Warnf("duplicate count not persisted for %s: %v", entity.RequestID, err)
	}
	headers, err := models.DecodeHeaders(entity.ResponseHeaders)
	if err != nil {
		e.log.Warnf("stored headers for %s unreadable, replaying without them: %v", entity.RequestID, err)
	}
	e.emit(ctx, Event{
		Type:           EventReplayed,
		RequestID:      entity.RequestID,
		TraceID:        entity.TraceID,
		Status:         entity.Status,
		ResponseStatus: entity.ResponseStatus,
		DuplicateCount: entity.DuplicateRequestCount,
	})
	return Decision{
		Action: ActionReplay,
		Replay: &Response{Status: entity.ResponseStatus, Headers: headers, Body: entity.ResponseBody},
	}
}

func (e *Engine) reject(ctx context.Context, entity models.RequestEntity, err error) error {
	e.emit(ctx, Event{
		Type:           EventRejected,
		RequestID:      entity.RequestID,
		TraceID:        entity.TraceID,
		Status:         entity.Status,
		DuplicateCount: entity.DuplicateRequestCount,
		Code:           Code(err),
	})
	return err
}

// PostHandle records the produced response against the ledger entry that
// PreHandle created. A failed final write is logged and not returned.
func (e *Engine) PostHandle(ctx context.Context, rc *RequestContext, resp Response) (err error) {
	ctx, span := tracer.Start(ctx, "ledger.post_handle", trace.WithAttributes(attribute.Int("http.response.status_code", resp.Status)))
	defer func() { endSpan(span, "", err) }()
	return e.postHandle(ctx, rc, resp)
}

func (e *Engine) postHandle(ctx context.Context, rc *RequestContext, resp Response) error {
	if rc == nil || strings.TrimSpace(rc.RequestID) == "" {
		return fmt.Errorf("%w: no request context", ErrMessageUnprocessed)
	}
	id := rc.RequestID

	entity, found, err := e.store.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("reload %s: %w", id, err)
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrEntityNotFound, id)
	}

	if models.IsTerminal(entity.Status) {
		return fmt.Errorf("%w: %s is %s", ErrMessageAlreadyProcessed, id, entity.Status)
	}

	headers, err := models.EncodeHeaders(resp.Headers)
	if err != nil {
		e.log.Warnf("response headers for %s not encodable, recording without them: %v", id, err)
		headers = ""
	}
	if err := entity.Complete(resp.Status, headers, resp.Body, e.now()); err != nil {
		if errors.Is(err, models.ErrInvalidTransition) {
			return fmt.Errorf("%w: %s is %s", ErrMessageAlreadyProcessed, id, entity.Status)
		}
		return err
	}

	evt := Event{
		RequestID:      id,
		TraceID:        entity.TraceID,
		Status:         entity.Status,
		ResponseStatus: entity.ResponseStatus,
		DuplicateCount: entity.DuplicateRequestCount,
	}
	if err := e.store.PutReplace(ctx, &entity); err != nil {
		e.log.Errorf("outcome for %s not recorded: %v", id, err)
		evt.Type = EventRecordFailed
		evt.Code = Code(err)
		e.emit(ctx, evt)
		return nil
	}
	evt.Type = EventRecorded
	e.emit(ctx, evt)
	return nil
}

func endSpan(span trace.Span, action string, err error) {
	if action != "" {
		span.SetAttributes(attribute.String("ledger.decision", action))
	}
	if err != nil {
		span.SetAttributes(attribute.String("ledger.error_code", Code(err)))
		if HTTPStatus(err) >= 500 {
			span.SetStatus(codes.Error, err.Error())
		}
	}
	span.End()
}

func (e *Engine) emit(ctx context.Context, evt Event) {
	if len(e.observers) == 0 {
		return
	}
	if evt.At.IsZero() {
		evt.At = e.now().UTC()
	}
	e.observers.Observe(ctx, evt)
}
