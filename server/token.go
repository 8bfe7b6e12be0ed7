package server

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/giantswarm/oauth-provider/instrumentation"
	"github.com/giantswarm/oauth-provider/security"
	"github.com/giantswarm/oauth-provider/storage"
)

// Grant types
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeRefreshToken      = "refresh_token"
)

// TokenTypeBearer is the only token type issued
const TokenTypeBearer = "Bearer"

// TokenRequest carries the parameters of a token endpoint call
type TokenRequest struct {
	GrantType    string
	Code         string
	RedirectURI  string
	CodeVerifier string
	RefreshToken string
	ClientID     string
	ClientSecret string
	ClientIP     string
}

// TokenResponse is a newly issued token pair
type TokenResponse struct {
	AccessToken  string
	TokenType    string
	ExpiresIn    int64
	RefreshToken string
	Scope        string
}

// Exchange dispatches a token request by grant type
func (s *Server) Exchange(ctx context.Context, req TokenRequest) (*TokenResponse, error) {
	switch req.GrantType {
	case GrantTypeAuthorizationCode:
		return s.ExchangeAuthorizationCode(ctx, req)
	case GrantTypeRefreshToken:
		return s.RefreshAccessToken(ctx, req)
	case "":
		return nil, ValidationError("grant_type is required")
	default:
		return nil, newError(KindUnsupportedGrantType, "Unsupported grant type", nil)
	}
}

// ExchangeAuthorizationCode redeems an authorization code for a token pair.
// The code is consumed before any other check so a failed attempt can
// never be retried with the same code.
func (s *Server) ExchangeAuthorizationCode(ctx context.Context, req TokenRequest) (_ *TokenResponse, err error) {
	ctx, span := s.startSpan(ctx, "exchange_authorization_code")
	defer func() { endSpan(span, err) }()
	instrumentation.SetSpanAttributes(span, attrGrantType(GrantTypeAuthorizationCode))

	if req.Code == "" || req.ClientID == "" {
		return nil, ValidationError("code and client_id are required")
	}

	// SECURITY: atomic get-and-delete; of two concurrent redemptions only one
	// sees the code.
	code, err := s.store.ConsumeAuthorizationCode(ctx, req.Code)
	if err != nil {
		if errors.Is(err, storage.ErrCodeNotFound) {
			s.Logger.Debug("Authorization code validation failed",
				"reason", "not_found",
				"client_id", req.ClientID,
				"code_prefix", safeTruncate(req.Code, 8))
			s.Auditor.LogAuthFailure("", req.ClientID, req.ClientIP, "invalid_authorization_code")
			return nil, errInvalidGrant(err)
		}
		return nil, storageError("consume authorization code", err)
	}

	if s.expired(code.ExpiresAt) {
		s.Logger.Debug("Authorization code validation failed",
			"reason", "expired",
			"client_id", req.ClientID,
			"code_prefix", safeTruncate(req.Code, 8))
		s.Auditor.LogEvent(security.Event{
			Type:      security.EventExpiredCodeRedeemed,
			UserID:    code.UserID,
			ClientID:  req.ClientID,
			IPAddress: req.ClientIP,
		})
		return nil, errInvalidGrant(nil)
	}

	app, err := s.store.GetClient(ctx, code.AppID)
	if err != nil && !errors.Is(err, storage.ErrClientNotFound) {
		return nil, storageError("get client", err)
	}
	if app == nil || app.ClientID != req.ClientID {
		s.Logger.Warn("Authorization code redeemed by a different client",
			"client_id", req.ClientID,
			"client_ip", req.ClientIP,
			"code_prefix", safeTruncate(req.Code, 8))
		s.metrics.RecordClientAuthFailed(ctx, "client_mismatch")
		s.Auditor.LogEvent(security.Event{
			Type:      security.EventCodeClientMismatch,
			UserID:    code.UserID,
			ClientID:  req.ClientID,
			IPAddress: req.ClientIP,
		})
		return nil, errInvalidClient(nil)
	}
	instrumentation.AddOAuthFlowAttributes(span, app.ClientID, code.UserID, "")

	if req.RedirectURI != "" && req.RedirectURI != code.RedirectURI {
		s.Logger.Debug("Authorization code validation failed",
			"reason", "redirect_uri_mismatch",
			"client_id", req.ClientID,
			"code_prefix", safeTruncate(req.Code, 8))
		s.Auditor.LogAuthFailure(code.UserID, req.ClientID, req.ClientIP, "redirect_uri_mismatch")
		return nil, errInvalidGrant(nil)
	}

	// Client authentication: a secret, or else a PKCE-bound code.
	if req.ClientSecret != "" {
		if !s.verifyAppSecret(ctx, app, req.ClientSecret, req.ClientIP) {
			return nil, errInvalidClient(nil)
		}
	} else if code.CodeChallenge == "" {
		s.Logger.Warn("Code redeemed without client secret or PKCE",
			"client_id", req.ClientID,
			"client_ip", req.ClientIP)
		s.metrics.RecordClientAuthFailed(ctx, "missing_credentials")
		s.Auditor.LogAuthFailure(code.UserID, req.ClientID, req.ClientIP, "missing_client_authentication")
		return nil, errInvalidClient(nil)
	}

	if code.CodeChallenge != "" {
		instrumentation.AddPKCEAttributes(span, code.CodeChallengeMethod)
		if req.CodeVerifier == "" {
			return nil, ValidationError("code_verifier is required")
		}
		if err := verifyPKCE(code.CodeChallenge, code.CodeChallengeMethod, req.CodeVerifier); err != nil {
			s.metrics.RecordPKCEValidationFailed(ctx, code.CodeChallengeMethod)
			s.Auditor.LogEvent(security.Event{
				Type:      security.EventPKCEValidationFailed,
				UserID:    code.UserID,
				ClientID:  req.ClientID,
				IPAddress: req.ClientIP,
				Details:   map[string]any{"reason": err.Error()},
			})
			return nil, errInvalidGrant(err)
		}
	}

	now := s.now()
	token := &storage.Token{
		ID:                    uuid.NewString(),
		AccessToken:           generateRandomToken(),
		RefreshToken:          generateRandomToken(),
		AppID:                 app.ID,
		UserID:                code.UserID,
		Scopes:                code.Scopes,
		AccessTokenExpiresAt:  now.Add(s.Config.accessTTL()),
		RefreshTokenExpiresAt: now.Add(s.Config.refreshTTL()),
		CreatedAt:             now,
	}
	if err := s.store.SaveToken(ctx, token); err != nil {
		return nil, storageError("save token", err)
	}

	scope := ScopeSet(token.Scopes).String()
	s.metrics.RecordCodeExchange(ctx, app.ClientID, code.CodeChallengeMethod)
	s.Auditor.LogTokenIssued(code.UserID, app.ClientID, req.ClientIP, scope)

	return s.tokenResponse(token), nil
}

// RefreshAccessToken rotates a refresh token. The old pair is gone after
// this call whether or not it succeeds, so a replayed refresh token always
// fails.
func (s *Server) RefreshAccessToken(ctx context.Context, req TokenRequest) (_ *TokenResponse, err error) {
	ctx, span := s.startSpan(ctx, "refresh_access_token")
	defer func() { endSpan(span, err) }()
	instrumentation.SetSpanAttributes(span, attrGrantType(GrantTypeRefreshToken))

	if req.RefreshToken == "" || req.ClientID == "" {
		return nil, ValidationError("refresh_token and client_id are required")
	}

	app, err := s.store.GetClientByClientID(ctx, req.ClientID)
	if err != nil {
		if errors.Is(err, storage.ErrClientNotFound) {
			verifySecret("", req.ClientSecret)
			s.Logger.Warn("Refresh for unknown client", "client_id", req.ClientID, "client_ip", req.ClientIP)
			s.metrics.RecordClientAuthFailed(ctx, "unknown_client")
			return nil, errInvalidClient(err)
		}
		return nil, storageError("get client by client id", err)
	}

	if req.ClientSecret != "" && !s.verifyAppSecret(ctx, app, req.ClientSecret, req.ClientIP) {
		return nil, errInvalidClient(nil)
	}

	now := s.now()
	rotated, err := s.store.RotateRefreshToken(ctx, req.RefreshToken, &storage.TokenRotation{
		ID:                    uuid.NewString(),
		AccessToken:           generateRandomToken(),
		RefreshToken:          generateRandomToken(),
		AccessTokenExpiresAt:  now.Add(s.Config.accessTTL()),
		RefreshTokenExpiresAt: now.Add(s.Config.refreshTTL()),
		IssuedAt:              now,
	})
	switch {
	case errors.Is(err, storage.ErrTokenNotFound), errors.Is(err, storage.ErrTokenExpired):
		s.Logger.Debug("Refresh token validation failed",
			"reason", err.Error(),
			"client_id", req.ClientID,
			"token_prefix", safeTruncate(req.RefreshToken, 8))
		s.Auditor.LogAuthFailure("", req.ClientID, req.ClientIP, "invalid_refresh_token")
		return nil, errInvalidGrant(err)
	case err != nil:
		return nil, storageError("rotate refresh token", err)
	}

	if rotated.AppID != app.ID {
		// The token belongs to another app. Its pair is already rotated, so
		// drop the new one as well: the presented value may be stolen.
		if _, delErr := s.store.DeleteToken(ctx, rotated.AccessToken); delErr != nil {
			s.Logger.Error("Failed to delete token after client mismatch", "error", delErr)
		}
		s.Logger.Warn("Refresh token presented by a different client",
			"client_id", req.ClientID,
			"client_ip", req.ClientIP)
		s.Auditor.LogEvent(security.Event{
			Type:      security.EventTokenClientMismatch,
			UserID:    rotated.UserID,
			ClientID:  req.ClientID,
			IPAddress: req.ClientIP,
		})
		return nil, errInvalidGrant(nil)
	}

	instrumentation.AddOAuthFlowAttributes(span, app.ClientID, rotated.UserID, "")
	s.metrics.RecordTokenRefresh(ctx, app.ClientID)
	s.Auditor.LogTokenRefreshed(rotated.UserID, app.ClientID, req.ClientIP)

	return s.tokenResponse(rotated), nil
}

func (s *Server) tokenResponse(token *storage.Token) *TokenResponse {
	return &TokenResponse{
		AccessToken:  token.AccessToken,
		TokenType:    TokenTypeBearer,
		ExpiresIn:    s.Config.AccessTokenTTL,
		RefreshToken: token.RefreshToken,
		Scope:        ScopeSet(token.Scopes).String(),
	}
}
