package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/giantswarm/oauth-provider/instrumentation"
	"github.com/giantswarm/oauth-provider/security"
	"github.com/giantswarm/oauth-provider/storage"
)

// App registration limits
const (
	MinAppNameLength      = 3
	MaxAppNameLength      = 50
	MaxDescriptionLength  = 500
	MaxRedirectURIs       = 10
	clientIDPrefix        = "app_"
	clientIDRandomLength  = 24
	maxClientIDCollisions = 3
)

// Schemes that can execute content in the browser are never valid redirects.
var blockedRedirectSchemes = map[string]bool{
	"javascript": true,
	"data":       true,
	"vbscript":   true,
	"file":       true,
}

// CreateAppRequest describes a new client application
type CreateAppRequest struct {
	Name         string
	Description  string
	HomepageURL  string
	LogoURL      string
	RedirectURIs []string

	// IsPublic registers a client without a secret that must use PKCE
	IsPublic bool
}

// CreatedApp is the result of registering an app. Secret is zero for
// public apps and is never retrievable again.
type CreatedApp struct {
	App    *storage.Client
	Secret ClientSecret
}

// CreateApp registers an app owned by ownerID
func (s *Server) CreateApp(ctx context.Context, ownerID string, req CreateAppRequest) (*CreatedApp, error) {
	return s.createApp(ctx, ownerID, req, false)
}

// CreateSystemApp registers a trusted first-party app. Trusted apps skip
// the consent record on approval.
func (s *Server) CreateSystemApp(ctx context.Context, ownerID, name, redirectURI string) (*CreatedApp, error) {
	return s.createApp(ctx, ownerID, CreateAppRequest{
		Name:         name,
		Description:  "System application",
		RedirectURIs: []string{redirectURI},
	}, true)
}

func (s *Server) createApp(ctx context.Context, ownerID string, req CreateAppRequest, trusted bool) (_ *CreatedApp, err error) {
	ctx, span := s.startSpan(ctx, "create_app")
	defer func() { endSpan(span, err) }()

	if ownerID == "" {
		return nil, newError(KindUnauthorized, "Authentication required", nil)
	}

	redirectURIs, err := s.validateCreateAppRequest(&req)
	if err != nil {
		return nil, err
	}

	var secret ClientSecret
	if !req.IsPublic {
		secret, err = newClientSecret(s.Config.SecretHashCost)
		if err != nil {
			return nil, err
		}
	}

	now := s.now()
	app := &storage.Client{
		ID:               uuid.NewString(),
		ClientSecretHash: secret.hash,
		Name:             strings.TrimSpace(req.Name),
		Description:      strings.TrimSpace(req.Description),
		HomepageURL:      req.HomepageURL,
		LogoURL:          req.LogoURL,
		RedirectURIs:     redirectURIs,
		IsTrusted:        trusted,
		IsPublic:         req.IsPublic,
		OwnerID:          ownerID,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	for attempt := 1; ; attempt++ {
		app.ClientID = clientIDPrefix + safeTruncate(generateRandomToken(), clientIDRandomLength)
		err = s.store.SaveClient(ctx, app)
		if err == nil {
			break
		}
		if !errors.Is(err, storage.ErrDuplicateClientID) || attempt == maxClientIDCollisions {
			return nil, storageError("save client", err)
		}
	}

	instrumentation.AddOAuthFlowAttributes(span, app.ClientID, ownerID, "")
	s.metrics.RecordAppCreated(ctx, trusted, req.IsPublic)
	s.Auditor.LogAction(ownerID, security.ActionAppCreated, security.ResourceOAuthApp, app.ID, map[string]any{
		"name":      app.Name,
		"client_id": app.ClientID,
		"trusted":   trusted,
		"public":    req.IsPublic,
	})

	s.Logger.Info("Registered OAuth app",
		"app_id", app.ID,
		"client_id", app.ClientID,
		"trusted", trusted,
		"public", req.IsPublic)

	return &CreatedApp{App: app, Secret: secret}, nil
}

// validateCreateAppRequest checks the request and returns the deduplicated
// redirect URIs in registration order.
func (s *Server) validateCreateAppRequest(req *CreateAppRequest) ([]string, error) {
	name := strings.TrimSpace(req.Name)
	if n := utf8.RuneCountInString(name); n < MinAppNameLength || n > MaxAppNameLength {
		return nil, ValidationError(fmt.Sprintf("name must be between %d and %d characters", MinAppNameLength, MaxAppNameLength))
	}
	if utf8.RuneCountInString(req.Description) > MaxDescriptionLength {
		return nil, ValidationError(fmt.Sprintf("description must be at most %d characters", MaxDescriptionLength))
	}
	if req.HomepageURL != "" && !isWebURL(req.HomepageURL) {
		return nil, ValidationError("homepageUrl must be an absolute http or https URL")
	}
	if req.LogoURL != "" && !isWebURL(req.LogoURL) {
		return nil, ValidationError("logoUrl must be an absolute http or https URL")
	}

	if len(req.RedirectURIs) == 0 {
		return nil, ValidationError("at least one redirect URI is required")
	}
	if len(req.RedirectURIs) > MaxRedirectURIs {
		return nil, ValidationError(fmt.Sprintf("at most %d redirect URIs are allowed", MaxRedirectURIs))
	}

	uris := make([]string, 0, len(req.RedirectURIs))
	seen := make(map[string]bool, len(req.RedirectURIs))
	for _, raw := range req.RedirectURIs {
		if err := s.validateRedirectURI(raw); err != nil {
			return nil, err
		}
		if !seen[raw] {
			seen[raw] = true
			uris = append(uris, raw)
		}
	}
	return uris, nil
}

// validateRedirectURI enforces the registration rules for one redirect URI:
// absolute, no fragment (RFC 6749 section 3.1.2), no script-capable scheme,
// and https unless the host is loopback.
func (s *Server) validateRedirectURI(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Scheme == "" {
		return ValidationError(fmt.Sprintf("invalid redirect URI: %q", raw))
	}
	if parsed.Fragment != "" || strings.Contains(raw, "#") {
		return ValidationError("redirect URIs must not contain a fragment")
	}

	scheme := strings.ToLower(parsed.Scheme)
	if blockedRedirectSchemes[scheme] {
		return ValidationError(fmt.Sprintf("redirect URI scheme %q is not allowed", scheme))
	}

	switch scheme {
	case "https":
		if parsed.Host == "" {
			return ValidationError(fmt.Sprintf("invalid redirect URI: %q", raw))
		}
	case "http":
		if parsed.Host == "" {
			return ValidationError(fmt.Sprintf("invalid redirect URI: %q", raw))
		}
		if !isLoopbackHost(parsed.Hostname()) && !s.Config.AllowInsecureHTTPRedirects {
			return ValidationError("http redirect URIs are only allowed for loopback hosts")
		}
	}
	// Custom schemes (myapp://callback) are accepted for native apps.
	return nil
}

func isWebURL(raw string) bool {
	parsed, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (parsed.Scheme == "https" || parsed.Scheme == "http") && parsed.Host != ""
}

func isLoopbackHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// GetApp returns an app by internal id
func (s *Server) GetApp(ctx context.Context, id string) (*storage.Client, error) {
	app, err := s.store.GetClient(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrClientNotFound) {
			return nil, newError(KindNotFound, "App not found", err)
		}
		return nil, storageError("get client", err)
	}
	return app, nil
}

// GetAppForOwner returns an app only if requesterID owns it
func (s *Server) GetAppForOwner(ctx context.Context, id, requesterID string) (*storage.Client, error) {
	app, err := s.GetApp(ctx, id)
	if err != nil {
		return nil, err
	}
	if app.OwnerID != requesterID {
		return nil, newError(KindPermissionDenied, "You do not own this app", nil)
	}
	return app, nil
}

// GetAppByClientID returns an app by its public client id
func (s *Server) GetAppByClientID(ctx context.Context, clientID string) (*storage.Client, error) {
	app, err := s.store.GetClientByClientID(ctx, clientID)
	if err != nil {
		if errors.Is(err, storage.ErrClientNotFound) {
			return nil, newError(KindNotFound, "App not found", err)
		}
		return nil, storageError("get client by client id", err)
	}
	return app, nil
}

// ListAppsForUser lists the apps ownerID owns, newest first, with token
// and consent counts.
func (s *Server) ListAppsForUser(ctx context.Context, ownerID string) ([]*storage.ClientSummary, error) {
	apps, err := s.store.ListClientsByOwner(ctx, ownerID)
	if err != nil {
		return nil, storageError("list clients", err)
	}
	return apps, nil
}

// RegenerateSecret replaces an app's secret. The previous secret stops
// verifying immediately.
func (s *Server) RegenerateSecret(ctx context.Context, appID, requesterID string) (_ ClientSecret, err error) {
	ctx, span := s.startSpan(ctx, "regenerate_secret")
	defer func() { endSpan(span, err) }()

	app, err := s.GetAppForOwner(ctx, appID, requesterID)
	if err != nil {
		return ClientSecret{}, err
	}
	if app.IsPublic {
		return ClientSecret{}, ValidationError("Public apps do not have a client secret")
	}

	secret, err := newClientSecret(s.Config.SecretHashCost)
	if err != nil {
		return ClientSecret{}, err
	}

	if err := s.store.UpdateClientSecret(ctx, app.ID, secret.hash); err != nil {
		if errors.Is(err, storage.ErrClientNotFound) {
			return ClientSecret{}, newError(KindNotFound, "App not found", err)
		}
		return ClientSecret{}, storageError("update client secret", err)
	}

	s.Auditor.LogAction(requesterID, security.ActionAppSecretRegenerated, security.ResourceOAuthApp, app.ID, map[string]any{
		"client_id": app.ClientID,
	})
	s.Logger.Info("Regenerated client secret", "app_id", app.ID, "client_id", app.ClientID)

	return secret, nil
}

// DeleteApp deletes an app with its tokens, codes and consents
func (s *Server) DeleteApp(ctx context.Context, appID, requesterID string) (err error) {
	ctx, span := s.startSpan(ctx, "delete_app")
	defer func() { endSpan(span, err) }()

	app, err := s.GetAppForOwner(ctx, appID, requesterID)
	if err != nil {
		return err
	}

	if err := s.store.DeleteClient(ctx, app.ID); err != nil {
		if errors.Is(err, storage.ErrClientNotFound) {
			return newError(KindNotFound, "App not found", err)
		}
		return storageError("delete client", err)
	}

	s.metrics.RecordAppDeleted(ctx)
	s.Auditor.LogAction(requesterID, security.ActionAppDeleted, security.ResourceOAuthApp, app.ID, map[string]any{
		"name":      app.Name,
		"client_id": app.ClientID,
	})
	s.Logger.Info("Deleted OAuth app", "app_id", app.ID, "client_id", app.ClientID)

	return nil
}

// VerifyClient reports whether secret is the current secret of clientID.
// Unknown clients and public clients never verify.
func (s *Server) VerifyClient(ctx context.Context, clientID, secret string) bool {
	app, err := s.store.GetClientByClientID(ctx, clientID)
	if err != nil {
		verifySecret("", secret)
		s.Logger.Warn("Client verification for unknown client", "client_id", clientID)
		return false
	}
	return s.verifyAppSecret(ctx, app, secret, "")
}

// verifyAppSecret checks secret against app and records failures for abuse
// monitoring.
func (s *Server) verifyAppSecret(ctx context.Context, app *storage.Client, secret, clientIP string) bool {
	if verifySecret(app.ClientSecretHash, secret) {
		return true
	}

	s.Logger.Warn("Client secret verification failed",
		"client_id", app.ClientID,
		"client_ip", clientIP)
	s.metrics.RecordClientAuthFailed(ctx, "invalid_secret")
	s.Auditor.LogAuthFailure("", app.ClientID, clientIP, "invalid_client_secret")
	return false
}
