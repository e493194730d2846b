package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"reqledger/pkg/httpx"
	"reqledger/pkg/idempotency"
	"reqledger/pkg/models"
	"reqledger/pkg/store"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

func (s *server) healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.ledger.Ping(ctx); err != nil {
		s.log.Warnf("health check: ledger %s unreachable: %v", s.backend, err)
		httpx.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "service": serviceName, "backend": s.backend})
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": serviceName, "backend": s.backend})
}

type orderRequest struct {
	SKU      string `json:"sku" validate:"required,max=64"`
	Quantity int    `json:"quantity" validate:"gt=0,lte=1000"`
}

type orderResponse struct {
	OrderID   string    `json:"order_id"`
	SKU       string    `json:"sku"`
	Quantity  int       `json:"quantity"`
	RequestID string    `json:"request_id,omitempty"`
	TraceID   string    `json:"trace_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// createOrder is the demo business handler. Each executed call mints a new
// order id, so a replayed response is recognisable by its unchanged id.
func (s *server) createOrder(w http.ResponseWriter, r *http.Request) {
	var req orderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.CodedError(w, http.StatusBadRequest, idempotency.CodeBadRequest, "invalid json")
		return
	}
	if err := validate.Struct(req); err != nil {
		httpx.CodedError(w, http.StatusUnprocessableEntity, idempotency.CodeBadRequest, err.Error())
		return
	}
	resp := orderResponse{
		OrderID:   uuid.NewString(),
		SKU:       req.SKU,
		Quantity:  req.Quantity,
		CreatedAt: time.Now().UTC(),
	}
	if rc, ok := idempotency.FromContext(r.Context()); ok {
		resp.RequestID = rc.RequestID
		resp.TraceID = rc.TraceID
	}
	w.Header().Set("Location", "/v1/orders/"+resp.OrderID)
	httpx.WriteJSON(w, http.StatusCreated, resp)
}

// echo returns the request body. The status query parameter picks the
// response status so failed outcomes can be produced on demand.
func (s *server) echo(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 200 || n > 599 {
			httpx.CodedError(w, http.StatusBadRequest, idempotency.CodeBadRequest, "status must be 200-599")
			return
		}
		status = n
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		httpx.CodedError(w, http.StatusBadRequest, idempotency.CodeBadRequest, "unreadable body")
		return
	}
	ct := r.Header.Get("Content-Type")
	if ct == "" {
		ct = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ct)
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

type entryView struct {
	Key string `json:"key"`
	models.RequestEntity
}

func (s *server) getEntry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "request_id")
	entity, found, err := s.ledger.Get(r.Context(), id)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	if !found {
		httpx.CodedError(w, http.StatusNotFound, idempotency.CodeEntityNotFound, "no ledger entry for "+id)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, entryView{Key: s.ledger.Key(id).String(), RequestEntity: entity})
}

func (s *server) deleteEntry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "request_id")
	_, found, err := s.ledger.Get(r.Context(), id)
	if err != nil && !errors.Is(err, store.ErrCorruptValue) {
		s.writeLedgerError(w, err)
		return
	}
	if err == nil && !found {
		httpx.CodedError(w, http.StatusNotFound, idempotency.CodeEntityNotFound, "no ledger entry for "+id)
		return
	}
	if err := s.ledger.Delete(r.Context(), id); err != nil {
		s.writeLedgerError(w, err)
		return
	}
	s.log.Infof("ledger entry %s deleted", id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) writeLedgerError(w http.ResponseWriter, err error) {
	code := idempotency.Code(err)
	s.log.Errorf("ledger access failed (%s): %v", code, err)
	httpx.CodedError(w, idempotency.HTTPStatus(err), code, "ledger unavailable")
}

// streamEvents sends the retained backlog, then live ledger events, until
// the client goes away.
func (s *server) streamEvents(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{}
	if len(s.cfg.WSAllowedOrigins) > 0 {
		opts.OriginPatterns = s.cfg.WSAllowedOrigins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub := s.events.Subscribe(64)
	defer s.events.Unsubscribe(sub)

	for _, evt := range s.events.Recent(0) {
		if err := writeEvent(ctx, conn, evt); err != nil {
			_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
			return
		}
	}
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case evt, ok := <-sub:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
			if err := writeEvent(ctx, conn, evt); err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, evt idempotency.Event) error {
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return wsjson.Write(writeCtx, conn, evt)
}
