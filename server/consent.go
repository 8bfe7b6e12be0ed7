package server

import (
	"context"
	"errors"

	"github.com/giantswarm/oauth-provider/security"
	"github.com/giantswarm/oauth-provider/storage"
)

// ListConsents returns the apps userID has authorized, newest first
func (s *Server) ListConsents(ctx context.Context, userID string) ([]*storage.ConsentWithApp, error) {
	if userID == "" {
		return nil, newError(KindUnauthorized, "Authentication required", nil)
	}

	consents, err := s.store.ListConsentsByUser(ctx, userID)
	if err != nil {
		return nil, storageError("list consents", err)
	}
	return consents, nil
}

// RevokeConsent withdraws userID's consent for appID. Every token and
// pending authorization code of the pair is deleted with it.
func (s *Server) RevokeConsent(ctx context.Context, userID, appID string) (err error) {
	ctx, span := s.startSpan(ctx, "revoke_consent")
	defer func() { endSpan(span, err) }()

	if userID == "" {
		return newError(KindUnauthorized, "Authentication required", nil)
	}

	if err := s.store.DeleteConsent(ctx, userID, appID); err != nil {
		if errors.Is(err, storage.ErrConsentNotFound) {
			return newError(KindNotFound, "Consent not found", err)
		}
		return storageError("delete consent", err)
	}

	s.metrics.RecordConsentRevoked(ctx, appID)
	s.Auditor.LogAction(userID, security.ActionAccessRevoked, security.ResourceOAuthApp, appID, nil)
	s.Logger.Info("Revoked consent", "app_id", appID)

	return nil
}
