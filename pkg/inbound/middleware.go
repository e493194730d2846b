// Package inbound wires the idempotency engine around HTTP handlers.
package inbound

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"reqledger/pkg/httpx"
	"reqledger/pkg/idempotency"
	"reqledger/pkg/logx"
)

const (
	DefaultRequestIDHeader  = "X-Request-Id"
	DefaultTraceIDHeader    = "X-Trace-Id"
	DefaultEnableHeader     = "X-Idempotency-Enabled"
	DefaultMaxBodyBytes     = 1 << 20
	DefaultMaxResponseBytes = 1 << 20

	ReplayHeader = "X-Idempotent-Replay"
)

// Config is the per-route setting. Zero values take the defaults above.
type Config struct {
	RequestIDHeader  string
	TraceIDHeader    string
	RequireRequestID bool
	SaveRequestBody  bool
	// RejectReplays answers a recorded request with MESSAGE_ALREADY_PROCESSED
	// instead of the stored response.
	RejectReplays bool
	EnableHeader  string
	MaxBodyBytes  int64
	// MaxResponseBytes caps the recorded response body. A larger response
	// still reaches the client but is recorded as a 500 failure, so a retry
	// never replays a truncated body.
	MaxResponseBytes int64
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.RequestIDHeader) == "" {
		c.RequestIDHeader = DefaultRequestIDHeader
	}
	if strings.TrimSpace(c.TraceIDHeader) == "" {
		c.TraceIDHeader = DefaultTraceIDHeader
	}
	if strings.TrimSpace(c.EnableHeader) == "" {
		c.EnableHeader = DefaultEnableHeader
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if c.MaxResponseBytes <= 0 {
		c.MaxResponseBytes = DefaultMaxResponseBytes
	}
	return c
}

// Engine is the before/after pair the middleware drives.
type Engine interface {
	PreHandle(ctx context.Context, req idempotency.Request) (idempotency.Decision, error)
	PostHandle(ctx context.Context, rc *idempotency.RequestContext, resp idempotency.Response) error
}

type Middleware struct {
	engine Engine
	cfg    Config
	log    *logx.Logger
}

func New(engine Engine, cfg Config, log *logx.Logger) *Middleware {
	if log == nil {
		log = logx.Discard()
	}
	return &Middleware{engine: engine, cfg: cfg.withDefaults(), log: log}
}

// Handler returns chi-compatible middleware for one route group.
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cfg := m.cfg
		if v, ok := r.Header[http.CanonicalHeaderKey(cfg.EnableHeader)]; ok && !strings.EqualFold(strings.TrimSpace(strings.Join(v, "")), "true") {
			next.ServeHTTP(w, r)
			return
		}

		requestID := strings.TrimSpace(r.Header.Get(cfg.RequestIDHeader))
		if requestID == "" {
			if cfg.RequireRequestID {
				m.writeError(w, fmt.Errorf("%w: %s header required", idempotency.ErrMessageUnprocessed, cfg.RequestIDHeader))
				return
			}
			next.ServeHTTP(w, r)
			return
		}
		traceID := strings.TrimSpace(r.Header.Get(cfg.TraceIDHeader))
		if traceID == "" {
			traceID = "TXN-" + uuid.NewString()
		}

		span := trace.SpanFromContext(r.Context())
		span.SetAttributes(
			attribute.String("ledger.request_id", requestID),
			attribute.String("ledger.trace_id", traceID),
		)

		var body string
		if cfg.SaveRequestBody && r.Body != nil {
			raw, err := io.ReadAll(io.LimitReader(r.Body, cfg.MaxBodyBytes+1))
			_ = r.Body.Close()
			if err != nil {
				m.writeError(w, fmt.Errorf("%w: read body: %v", idempotency.ErrBadRequest, err))
				return
			}
			if int64(len(raw)) > cfg.MaxBodyBytes {
				m.writeError(w, fmt.Errorf("%w: body exceeds %d bytes", idempotency.ErrBadRequest, cfg.MaxBodyBytes))
				return
			}
			body = string(raw)
			r.Body = io.NopCloser(bytes.NewReader(raw))
		}

		decision, err := m.engine.PreHandle(r.Context(), idempotency.Request{
			RequestID:   requestID,
			TraceID:     traceID,
			Body:        body,
			CaptureBody: cfg.SaveRequestBody,
		})
		if err != nil {
			span.SetAttributes(attribute.String("ledger.error_code", idempotency.Code(err)))
			if idempotency.HTTPStatus(err) >= http.StatusInternalServerError {
				span.SetStatus(codes.Error, err.Error())
				m.log.Errorf("pre-handle %s: %v", requestID, err)
			}
			m.writeError(w, err)
			return
		}
		span.SetAttributes(attribute.String("ledger.decision", string(decision.Action)))

		if decision.Action == idempotency.ActionReplay {
			if cfg.RejectReplays {
				m.writeError(w, fmt.Errorf("%w: %s", idempotency.ErrMessageAlreadyProcessed, requestID))
				return
			}
			writeReplay(w, decision.Replay)
			return
		}

		rc := decision.Context
		w.Header().Set(cfg.TraceIDHeader, traceID)
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		captured := &cappedBuffer{limit: cfg.MaxResponseBytes}
		ww.Tee(captured)

		defer func() {
			if p := recover(); p != nil {
				m.log.Errorf("handler for %s panicked, recording failure: %v", requestID, p)
				m.record(r.Context(), rc, idempotency.Response{Status: http.StatusInternalServerError})
				panic(p)
			}
		}()
		next.ServeHTTP(ww, r.WithContext(idempotency.WithContext(r.Context(), rc)))

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		resp := idempotency.Response{
			Status:  status,
			Headers: captureHeaders(ww.Header(), cfg.TraceIDHeader),
			Body:    captured.String(),
		}
		if captured.overflow {
			m.log.Warnf("response for %s exceeds %d bytes, recording as failed", requestID, cfg.MaxResponseBytes)
			resp = idempotency.Response{Status: http.StatusInternalServerError}
		}
		m.record(r.Context(), rc, resp)
	})
}

func (m *Middleware) record(ctx context.Context, rc *idempotency.RequestContext, resp idempotency.Response) {
	if err := m.engine.PostHandle(context.WithoutCancel(ctx), rc, resp); err != nil {
		m.log.Warnf("post-handle %s failed, possible duplicate request can creep in: %v", rc.RequestID, err)
	}
}

// cappedBuffer keeps at most limit bytes and remembers whether more arrived.
// Writes never fail so the client response is unaffected.
type cappedBuffer struct {
	buf      bytes.Buffer
	limit    int64
	overflow bool
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	if c.overflow {
		return len(p), nil
	}
	if int64(c.buf.Len()+len(p)) > c.limit {
		c.overflow = true
		c.buf.Reset()
		return len(p), nil
	}
	return c.buf.Write(p)
}

func (c *cappedBuffer) String() string { return c.buf.String() }

func (m *Middleware) writeError(w http.ResponseWriter, err error) {
	msg := err.Error()
	if errors.Is(err, idempotency.ErrDuplicateMessage) {
		msg = "duplicate request"
	}
	httpx.CodedError(w, idempotency.HTTPStatus(err), idempotency.Code(err), msg)
}

func writeReplay(w http.ResponseWriter, replay *idempotency.Response) {
	if replay == nil {
		replay = &idempotency.Response{}
	}
	h := w.Header()
	for k, v := range replay.Headers {
		h.Set(k, v)
	}
	h.Set(ReplayHeader, "true")
	status := replay.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = io.WriteString(w, replay.Body)
}

var skippedHeaders = map[string]struct{}{
	"Content-Length": {},
	"Date":           {},
	ReplayHeader:     {},
}

// captureHeaders flattens response headers, joining repeated values with ",".
// Per-request rate limit headers are not part of the recorded response.
func captureHeaders(h http.Header, traceHeader string) map[string]string {
	out := make(map[string]string, len(h))
	skipTrace := http.CanonicalHeaderKey(traceHeader)
	for k, v := range h {
		if _, skip := skippedHeaders[k]; skip || k == skipTrace || len(v) == 0 {
			continue
		}
		if strings.HasPrefix(k, "X-Ratelimit-") {
			continue
		}
		out[k] = strings.Join(v, ",")
	}
	return out
}
