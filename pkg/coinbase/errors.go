package coinbase

import (
	"errors"
	"fmt"
	"net/http"
)

type ErrorKind string

const (
	ErrorKindInvalidURL      ErrorKind = "invalid_url"
	ErrorKindInvalidResponse ErrorKind = "invalid_response"
	ErrorKindHTTPStatus      ErrorKind = "http_status"
	ErrorKindAPI             ErrorKind = "api_error"
	ErrorKindInvalidData     ErrorKind = "invalid_data"
)

var ErrNoCredential = errors.New("no credential available")

// APIError is the typed failure returned for every brokerage call.
type APIError struct {
	Kind       ErrorKind
	StatusCode int
	Message    string
	Err        error
}

func (e *APIError) Error() string {
	switch {
	case e.Kind == ErrorKindHTTPStatus && e.Message != "":
		return fmt.Sprintf("coinbase: HTTP %d: %s", e.StatusCode, e.Message)
	case e.Kind == ErrorKindHTTPStatus:
		return fmt.Sprintf("coinbase: HTTP %d", e.StatusCode)
	case e.Err != nil && e.Message != "":
		return fmt.Sprintf("coinbase: %s: %s: %v", e.Kind, e.Message, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("coinbase: %s: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("coinbase: %s: %s", e.Kind, e.Message)
	}
}

func (e *APIError) Unwrap() error {
	return e.Err
}

func statusOf(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Kind == ErrorKindHTTPStatus {
		return apiErr.StatusCode
	}
	return 0
}

// IsAuthError reports a 401 or 403 response.
func IsAuthError(err error) bool {
	code := statusOf(err)
	return code == http.StatusUnauthorized || code == http.StatusForbidden
}

func IsUnauthorized(err error) bool {
	return statusOf(err) == http.StatusUnauthorized
}

// IsPermissionError reports a 403 response.
func IsPermissionError(err error) bool {
	return statusOf(err) == http.StatusForbidden
}
