package server

import (
	"context"
	"errors"

	"github.com/giantswarm/oauth-provider/storage"
)

// UserInfo is the profile returned for a bearer token. FTP and Weight are
// set only when the token's scopes unlock them and the user recorded them.
type UserInfo struct {
	Sub     string
	Name    string
	Email   string
	Picture string
	FTP     *int
	Weight  *float64

	// Scopes granted to the token the profile was resolved from
	Scopes ScopeSet
}

// UserInfo resolves an access token to the user's scope-filtered profile
// and records the token's last use in the background.
func (s *Server) UserInfo(ctx context.Context, accessToken, clientIP string) (_ *UserInfo, err error) {
	ctx, span := s.startSpan(ctx, "userinfo")
	defer func() { endSpan(span, err) }()

	if accessToken == "" {
		return nil, newError(KindUnauthorized, "Missing access token", nil)
	}

	token, err := s.store.GetTokenByAccessToken(ctx, accessToken)
	if err != nil {
		if errors.Is(err, storage.ErrTokenNotFound) {
			return nil, newError(KindUnauthorized, "Invalid access token", err)
		}
		return nil, storageError("get token", err)
	}
	if s.expired(token.AccessTokenExpiresAt) {
		return nil, newError(KindUnauthorized, "Access token expired", nil)
	}

	profile, err := s.store.GetUserProfile(ctx, token.UserID)
	if err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			return nil, newError(KindUnauthorized, "Invalid access token", err)
		}
		return nil, storageError("get user profile", err)
	}

	s.touchToken(ctx, token.ID, clientIP)

	scopes := ScopeSet(token.Scopes)
	info := &UserInfo{
		Sub:     profile.ID,
		Name:    profile.Name,
		Email:   profile.Email,
		Picture: profile.Image,
		Scopes:  scopes,
	}
	if scopes.AllowsClaim("ftp") {
		info.FTP = profile.FTP
	}
	if scopes.AllowsClaim("weight") {
		info.Weight = profile.Weight
	}

	return info, nil
}

// touchToken updates last-used fields without delaying the response.
// Failures are logged and otherwise ignored.
func (s *Server) touchToken(ctx context.Context, tokenID, clientIP string) {
	at := s.now()
	ctx = context.WithoutCancel(ctx)

	s.background.Add(1)
	go func() {
		defer s.background.Done()

		ctx, cancel := context.WithTimeout(ctx, touchTimeout)
		defer cancel()

		if err := s.store.TouchToken(ctx, tokenID, at, clientIP); err != nil && !errors.Is(err, storage.ErrTokenNotFound) {
			s.Logger.Warn("Failed to record token use", "error", err)
		}
	}()
}
