package server

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failure. The OAuth kinds use the RFC 6749 error
// codes so the HTTP layer can put them on the wire unchanged.
type ErrorKind string

const (
	KindInvalidRequest       ErrorKind = "invalid_request"
	KindInvalidClient        ErrorKind = "invalid_client"
	KindInvalidGrant         ErrorKind = "invalid_grant"
	KindUnsupportedGrantType ErrorKind = "unsupported_grant_type"
	KindPermissionDenied     ErrorKind = "permission_denied"
	KindNotFound             ErrorKind = "not_found"
	KindUnauthorized         ErrorKind = "unauthorized"
)

// Error is a classified failure. Description is safe to show to callers;
// Err carries internal detail for logs only.
type Error struct {
	Kind        ErrorKind
	Description string
	Err         error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Description, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Description)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind ErrorKind, description string, err error) *Error {
	return &Error{Kind: kind, Description: description, Err: err}
}

// ValidationError reports malformed or missing input
func ValidationError(description string) *Error {
	return newError(KindInvalidRequest, description, nil)
}

// KindOf returns the kind of the first *Error in err's chain, or "" if there is none.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Generic descriptions keep grant failures indistinguishable to the caller.
const (
	descInvalidGrant  = "The provided authorization grant is invalid, expired, or revoked"
	descInvalidClient = "Client authentication failed"
)

func errInvalidGrant(err error) *Error {
	return newError(KindInvalidGrant, descInvalidGrant, err)
}

func errInvalidClient(err error) *Error {
	return newError(KindInvalidClient, descInvalidClient, err)
}
