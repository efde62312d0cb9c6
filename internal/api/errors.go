package api

import (
	"fmt"
	"net/http"
	"strings"
)

type ApiError struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
	Err        error  `json:"-"`
}

func (e *ApiError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s", e.Message, e.Err.Error())
	}

	return e.Message
}

func (e *ApiError) Unwrap() error {
	return e.Err
}

func newApiError(code int, err error) *ApiError {
	return &ApiError{
		StatusCode: code,
		Message:    strings.ToLower(http.StatusText(code)),
		Err:        err,
	}
}

// NewBadRequestError reports a malformed request body. An empty msg falls
// back to the status text.
func NewBadRequestError(msg string) *ApiError {
	e := newApiError(http.StatusBadRequest, nil)
	if msg != "" {
		e.Message = msg
	}
	return e
}

func NewNotFoundError() *ApiError {
	return newApiError(http.StatusNotFound, nil)
}

func NewInternalServerError(err error) *ApiError {
	return newApiError(http.StatusInternalServerError, err)
}

// NewAuthenticationError is the single answer to every credential failure;
// the cause is only logged.
func NewAuthenticationError(err error) *ApiError {
	return &ApiError{
		StatusCode: http.StatusUnauthorized,
		Message:    "authentication error",
		Err:        err,
	}
}

func NewServiceUnavailableError(err error) *ApiError {
	return newApiError(http.StatusServiceUnavailable, err)
}
