package core

import (
	"errors"
	"fmt"
	"net/http"
)

// HTTPError is a failure that maps directly onto a response status,
// such as a missing credential or a model the key cannot reach.
type HTTPError struct {
	Status  int
	Message string
	Code    string
}

func (e *HTTPError) Error() string {
	return e.Message
}

// NewHTTPError builds an HTTPError with a formatted message.
func NewHTTPError(status int, code, format string, args ...any) *HTTPError {
	return &HTTPError{Status: status, Message: fmt.Sprintf(format, args...), Code: code}
}

// MissingKeyError is returned when no credential exists for a provider.
func MissingKeyError(envVar string) *HTTPError {
	return &HTTPError{
		Status:  http.StatusUnauthorized,
		Message: fmt.Sprintf("missing API key: set %s or provide it in the request", envVar),
		Code:    "E_MISSING_KEY",
	}
}

// AsHTTPError unwraps err into an HTTPError if it carries one.
func AsHTTPError(err error) (*HTTPError, bool) {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr, true
	}
	return nil, false
}
