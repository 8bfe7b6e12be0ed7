package storage

import "errors"

// Sentinel errors returned by every backend. Backends wrap them with
// additional context, so callers must compare with errors.Is.
var (
	ErrClientNotFound    = errors.New("client not found")
	ErrDuplicateClientID = errors.New("client id already registered")
	ErrCodeNotFound      = errors.New("authorization code not found")
	ErrTokenNotFound     = errors.New("token not found")
	ErrTokenExpired      = errors.New("token expired")
	ErrConsentNotFound   = errors.New("consent not found")
	ErrUserNotFound      = errors.New("user not found")
)
