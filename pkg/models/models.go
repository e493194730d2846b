package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrInvalidEntity = errors.New("invalid request entity")

// RequestEntity is the ledger record for one request id.
type RequestEntity struct {
	RequestID             string        `json:"requestId"`
	TraceID               string        `json:"traceId"`
	RequestBody           string        `json:"requestBody,omitempty"`
	CreatedAt             time.Time     `json:"createdAt"`
	UpdatedAt             time.Time     `json:"updatedAt"`
	ProcessedAt           *time.Time    `json:"processedAt,omitempty"`
	Status                RequestStatus `json:"status"`
	RetryCount            int           `json:"retryCount"`
	ResponseStatus        int           `json:"responseStatus"`
	ResponseHeaders       string        `json:"responseHeaders,omitempty"`
	ResponseBody          string        `json:"responseBody,omitempty"`
	DuplicateRequestCount int           `json:"duplicateRequestCount"`
}

// NewRequestEntity builds the PROCESSING record written on first arrival.
// The body is kept only when captureBody is set.
func NewRequestEntity(requestID, traceID, body string, captureBody bool, now time.Time) RequestEntity {
	now = now.UTC()
	e := RequestEntity{
		RequestID: requestID,
		TraceID:   traceID,
		CreatedAt: now,
		UpdatedAt: now,
		Status:    Processing,
	}
	if captureBody {
		e.RequestBody = body
	}
	return e
}

// Complete records the response and moves the entity to its terminal state.
func (e *RequestEntity) Complete(status int, headers, body string, now time.Time) error {
	next := Failed
	if IsSuccessStatus(status) {
		next = Processed
	}
	to, err := Transition(e.Status, next)
	if err != nil {
		return fmt.Errorf("%w: %s -> %s", err, e.Status, next)
	}
	e.ResponseStatus = status
	e.ResponseHeaders = headers
	e.ResponseBody = body
	e.Status = to
	if to == Processed {
		at := now.UTC()
		e.ProcessedAt = &at
	} else {
		e.ProcessedAt = nil
	}
	return nil
}

func (e *RequestEntity) MarkDuplicate() {
	e.DuplicateRequestCount++
}

func (e RequestEntity) Validate() error {
	if strings.TrimSpace(e.RequestID) == "" {
		return fmt.Errorf("%w: request id required", ErrInvalidEntity)
	}
	if !e.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidEntity, e.Status)
	}
	if (e.Status == Processed) != (e.ProcessedAt != nil) {
		return fmt.Errorf("%w: processedAt must be set only when %s", ErrInvalidEntity, Processed)
	}
	return nil
}

// EncodeHeaders serializes a response header mapping for storage.
func EncodeHeaders(h map[string]string) (string, error) {
	if len(h) == 0 {
		return "", nil
	}
	b, err := json.Marshal(h)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// DecodeHeaders parses a stored header mapping. A malformed value yields an
// empty map together with the parse error.
func DecodeHeaders(raw string) (map[string]string, error) {
	out := map[string]string{}
	if strings.TrimSpace(raw) == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return map[string]string{}, err
	}
	return out, nil
}
