package idempotency

import (
	"errors"
	"net/http"

	"reqledger/pkg/store"
)

var (
	ErrDuplicateMessage        = errors.New("duplicate message")
	ErrMessageUnprocessed      = errors.New("message unprocessed")
	ErrMessageAlreadyProcessed = errors.New("message already processed")
	ErrEntityNotFound          = errors.New("ledger entity not found")
	ErrBadRequest              = errors.New("bad request")
)

const (
	CodeDuplicateMessage        = "DUPLICATE_MESSAGE"
	CodeMessageUnprocessed      = "MESSAGE_UNPROCESSED"
	CodeMessageAlreadyProcessed = "MESSAGE_ALREADY_PROCESSED"
	CodeEntityNotFound          = "ENTITY_NOT_FOUND"
	CodeBadRequest              = "BAD_REQUEST"
	CodeCorruptValue            = "CORRUPT_VALUE"
	CodeInternal                = "INTERNAL"
)

// Code maps an engine error to its stable error code.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrDuplicateMessage):
		return CodeDuplicateMessage
	case errors.Is(err, ErrMessageUnprocessed):
		return CodeMessageUnprocessed
	case errors.Is(err, ErrMessageAlreadyProcessed):
		return CodeMessageAlreadyProcessed
	case errors.Is(err, ErrEntityNotFound):
		return CodeEntityNotFound
	case errors.Is(err, ErrBadRequest):
		return CodeBadRequest
	case errors.Is(err, store.ErrCorruptValue):
		return CodeCorruptValue
	default:
		return CodeInternal
	}
}

// HTTPStatus maps an engine error to a transport status code.
func HTTPStatus(err error) int {
	switch Code(err) {
	case "":
		return http.StatusOK
	case CodeDuplicateMessage:
		return http.StatusExpectationFailed
	case CodeMessageUnprocessed, CodeMessageAlreadyProcessed, CodeEntityNotFound, CodeBadRequest:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
