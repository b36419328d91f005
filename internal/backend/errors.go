package backend

import (
	"fmt"
	"io"
	"net/http"

	gateway "github.com/fulcrumhq/inferencegate/internal"
)

// APIError represents a non-2xx HTTP response from a provider.
type APIError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: HTTP %d: %s", e.Provider, e.StatusCode, e.Body)
}

// HTTPStatus returns the upstream HTTP status code.
func (e *APIError) HTTPStatus() int { return e.StatusCode }

// Unwrap classifies the error onto the gateway's sentinel taxonomy so
// callers can branch with errors.Is without depending on this package.
func (e *APIError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusTooManyRequests:
		return gateway.ErrBackendUnavailable
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return gateway.ErrBackendTimeout
	default:
		return gateway.ErrBackendInvalid
	}
}

// parseAPIError reads up to 4KB of resp's body and wraps it as an APIError.
func parseAPIError(provider string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &APIError{Provider: provider, StatusCode: resp.StatusCode, Body: string(body)}
}
