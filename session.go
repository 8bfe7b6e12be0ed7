package oauth

import (
	"errors"
	"net/http"
	"strings"
)

// ErrNoSession is returned by a SessionResolver when the request carries
// no authenticated user.
var ErrNoSession = errors.New("no authenticated session")

// SessionResolver identifies the end user behind a request. The user
// directory and login flow live outside this module.
type SessionResolver interface {
	ResolveUser(r *http.Request) (string, error)
}

// SessionResolverFunc adapts a function to SessionResolver
type SessionResolverFunc func(r *http.Request) (string, error)

func (f SessionResolverFunc) ResolveUser(r *http.Request) (string, error) {
	return f(r)
}

// HeaderSessionResolver trusts a header set by an authenticating gateway.
// The gateway must strip the header from client requests.
type HeaderSessionResolver struct {
	Header string
}

func (h HeaderSessionResolver) ResolveUser(r *http.Request) (string, error) {
	header := h.Header
	if header == "" {
		header = DefaultSessionHeader
	}
	userID := strings.TrimSpace(r.Header.Get(header))
	if userID == "" {
		return "", ErrNoSession
	}
	return userID, nil
}
