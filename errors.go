package oauth

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/giantswarm/oauth-provider/server"
)

// OAuth error codes as constants
const (
	ErrorCodeInvalidRequest       = "invalid_request"
	ErrorCodeInvalidGrant         = "invalid_grant"
	ErrorCodeInvalidClient        = "invalid_client"
	ErrorCodeInvalidToken         = "invalid_token"
	ErrorCodeUnsupportedGrantType = "unsupported_grant_type"
	ErrorCodeServerError          = "server_error"
	ErrorCodeAccessDenied         = "access_denied"
	ErrorCodeRateLimitExceeded    = "rate_limit_exceeded"
	ErrorCodeUnauthorized         = "unauthorized"
	ErrorCodeForbidden            = "forbidden"
	ErrorCodeNotFound             = "not_found"
)

// OAuthError is an error response as it goes on the wire
type OAuthError struct {
	Code        string // OAuth error code (e.g., "invalid_request", "invalid_grant")
	Description string // Human-readable error description
	Status      int    // HTTP status code
}

// Error implements the error interface
func (e *OAuthError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// NewOAuthError creates a new OAuth error
func NewOAuthError(code, description string, status int) *OAuthError {
	return &OAuthError{
		Code:        code,
		Description: description,
		Status:      status,
	}
}

// Common OAuth errors
var (
	// ErrInvalidRequest indicates the request is malformed or missing required parameters
	ErrInvalidRequest = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidRequest, desc, http.StatusBadRequest)
	}

	// ErrInvalidToken indicates the bearer token is missing, unknown or expired
	ErrInvalidToken = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidToken, desc, http.StatusUnauthorized)
	}

	// ErrRateLimitExceeded indicates the caller sent too many requests
	ErrRateLimitExceeded = func() *OAuthError {
		return NewOAuthError(ErrorCodeRateLimitExceeded, "Rate limit exceeded. Please try again later.", http.StatusTooManyRequests)
	}

	// ErrServerError hides an internal failure behind a generic description
	ErrServerError = func() *OAuthError {
		return NewOAuthError(ErrorCodeServerError, "An internal error occurred", http.StatusInternalServerError)
	}
)

// errorFromServer maps a domain error to its wire form. Only the kind and
// the caller-safe description cross the boundary; wrapped causes stay in
// the logs.
func errorFromServer(err error) *OAuthError {
	var se *server.Error
	if !errors.As(err, &se) {
		return ErrServerError()
	}

	switch se.Kind {
	case server.KindInvalidRequest:
		return NewOAuthError(ErrorCodeInvalidRequest, se.Description, http.StatusBadRequest)
	case server.KindInvalidClient:
		return NewOAuthError(ErrorCodeInvalidClient, se.Description, http.StatusBadRequest)
	case server.KindInvalidGrant:
		return NewOAuthError(ErrorCodeInvalidGrant, se.Description, http.StatusBadRequest)
	case server.KindUnsupportedGrantType:
		return NewOAuthError(ErrorCodeUnsupportedGrantType, se.Description, http.StatusBadRequest)
	case server.KindUnauthorized:
		return NewOAuthError(ErrorCodeUnauthorized, se.Description, http.StatusUnauthorized)
	case server.KindPermissionDenied:
		return NewOAuthError(ErrorCodeForbidden, se.Description, http.StatusForbidden)
	case server.KindNotFound:
		return NewOAuthError(ErrorCodeNotFound, se.Description, http.StatusNotFound)
	default:
		return ErrServerError()
	}
}
