package server

import (
	"errors"
	"fmt"
	"net/http"
)

type ErrorKind string

const (
	KindAuthentication ErrorKind = "authentication"
	KindAuthorization  ErrorKind = "authorization"
	KindValidation     ErrorKind = "validation"
	KindStateConflict  ErrorKind = "state_conflict"
	KindNotFound       ErrorKind = "not_found"
	KindInternal       ErrorKind = "internal"
)

var errorKinds = []ErrorKind{
	KindAuthentication,
	KindAuthorization,
	KindValidation,
	KindStateConflict,
	KindNotFound,
	KindInternal,
}

func (k ErrorKind) StatusCode() int {
	switch k {
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindAuthorization:
		return http.StatusForbidden
	case KindValidation:
		return http.StatusBadRequest
	case KindStateConflict:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// EventError is the outcome of an inbound event that failed. Reason is safe
// to show to the client; Err holds the internal cause and is only logged.
type EventError struct {
	Kind   ErrorKind
	Reason string
	Err    error
}

func (e *EventError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *EventError) Unwrap() error {
	return e.Err
}

func errAuthorization(reason string) *EventError {
	return &EventError{Kind: KindAuthorization, Reason: reason}
}

func errValidation(reason string) *EventError {
	return &EventError{Kind: KindValidation, Reason: reason}
}

func errStateConflict(reason string) *EventError {
	return &EventError{Kind: KindStateConflict, Reason: reason}
}

func errNotFound(reason string) *EventError {
	return &EventError{Kind: KindNotFound, Reason: reason}
}

func errInternal(err error) *EventError {
	return &EventError{Kind: KindInternal, Reason: "internal server error", Err: err}
}

func asEventError(err error) *EventError {
	var ee *EventError
	if errors.As(err, &ee) {
		return ee
	}
	return errInternal(err)
}
