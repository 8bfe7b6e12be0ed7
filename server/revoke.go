package server

import (
	"context"
	"errors"

	"github.com/giantswarm/oauth-provider/instrumentation"
	"github.com/giantswarm/oauth-provider/storage"
	"go.opentelemetry.io/otel/attribute"
)

// RevokeToken deletes the pair holding token, matching either its access
// or refresh value (RFC 7009). Only a missing token is reported; client
// authentication failures and unknown tokens are logged and otherwise
// indistinguishable from success.
func (s *Server) RevokeToken(ctx context.Context, token, clientID, clientSecret, clientIP string) (err error) {
	ctx, span := s.startSpan(ctx, "revoke_token")
	defer func() { endSpan(span, err) }()

	if token == "" {
		return ValidationError("token is required")
	}

	if clientID != "" && clientSecret != "" && !s.VerifyClient(ctx, clientID, clientSecret) {
		s.Logger.Warn("Revocation with invalid client credentials",
			"client_id", clientID,
			"client_ip", clientIP)
	}

	found, delErr := s.store.DeleteToken(ctx, token)
	if delErr != nil && !errors.Is(delErr, storage.ErrTokenNotFound) {
		s.Logger.Error("Failed to revoke token",
			"client_id", clientID,
			"token_prefix", safeTruncate(token, 8),
			"error", delErr)
	}

	instrumentation.SetSpanAttributes(span, attribute.Bool(instrumentation.AttrTokenFound, found))
	s.metrics.RecordTokenRevocation(ctx, found)
	s.Auditor.LogTokenRevoked(clientID, clientIP, found)

	return nil
}
