package client

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/tyemirov/clinicdesk/internal/records"
)

var (
	// ErrConfiguration reports a missing base URL or API key.
	ErrConfiguration = errors.New("client.configuration")
	// ErrUnauthorized reports a missing, expired, or rejected session.
	ErrUnauthorized = errors.New("client.unauthorized")
	// ErrRateLimited reports a 429 from the identity endpoints.
	ErrRateLimited = errors.New("client.rate_limited")
	// ErrUnavailable reports a server-side failure.
	ErrUnavailable = errors.New("client.unavailable")
)

// APIError is a non-2xx response. It unwraps to the records sentinel that
// matches its status so callers can use errors.Is across the wire.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (apiError *APIError) Error() string {
	if apiError.Message != "" {
		return fmt.Sprintf("client.api: status %d: %s: %s", apiError.Status, apiError.Code, apiError.Message)
	}
	return fmt.Sprintf("client.api: status %d: %s", apiError.Status, apiError.Code)
}

func (apiError *APIError) Unwrap() error {
	switch apiError.Status {
	case http.StatusNotFound:
		return records.ErrNotFound
	case http.StatusConflict:
		return records.ErrConflict
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return records.ErrInvalid
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrUnauthorized
	case http.StatusTooManyRequests:
		return ErrRateLimited
	default:
		if apiError.Status >= http.StatusInternalServerError {
			return ErrUnavailable
		}
		return nil
	}
}
