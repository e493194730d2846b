package models

import "errors"

type RequestStatus string

const (
	Processing RequestStatus = "PROCESSING"
	Processed  RequestStatus = "PROCESSED"
	Failed     RequestStatus = "FAILED"
)

var ErrInvalidTransition = errors.New("invalid request status transition")

func (s RequestStatus) Valid() bool {
	switch s {
	case Processing, Processed, Failed:
		return true
	default:
		return false
	}
}

func CanTransition(from, to RequestStatus) bool {
	switch from {
	case Processing:
		return to == Processed || to == Failed
	default:
		return false
	}
}

func Transition(from, to RequestStatus) (RequestStatus, error) {
	if !CanTransition(from, to) {
		return from, ErrInvalidTransition
	}
	return to, nil
}

// IsTerminal reports whether no automatic transition leaves s.
func IsTerminal(s RequestStatus) bool {
	return s == Processed || s == Failed
}

// IsSuccessStatus reports whether a transport status code counts as success.
func IsSuccessStatus(code int) bool {
	return code >= 200 && code <= 299
}
