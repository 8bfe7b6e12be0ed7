package server

import (
	"context"
	"errors"
	"net/url"

	"github.com/google/uuid"

	"github.com/giantswarm/oauth-provider/instrumentation"
	"github.com/giantswarm/oauth-provider/storage"
)

// Decision actions
const (
	ActionApprove = "approve"
	ActionDeny    = "deny"
)

// DecisionRequest is the user's answer to a pending authorization request
type DecisionRequest struct {
	ClientID            string
	RedirectURI         string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
	Action              string
}

// Decision is the outcome of Decide. Redirect is where the user agent goes
// next; Code is set only when the request was approved.
type Decision struct {
	Redirect string
	Approved bool
	Code     string
	Scopes   ScopeSet
}

// GetAuthorizationDetails returns the display-safe fields of an app for a
// consent screen.
func (s *Server) GetAuthorizationDetails(ctx context.Context, clientID string) (*storage.AppDisplay, error) {
	if clientID == "" {
		return nil, ValidationError("client_id is required")
	}

	app, err := s.store.GetClientByClientID(ctx, clientID)
	if err != nil {
		if errors.Is(err, storage.ErrClientNotFound) {
			s.Logger.Warn("Authorization details requested for unknown client", "client_id", clientID)
			return nil, newError(KindNotFound, "App not found", err)
		}
		return nil, storageError("get client by client id", err)
	}

	display := storage.DisplayOf(app)
	return &display, nil
}

// Decide records the user's approve or deny decision. Approval issues an
// authorization code bound to the app, user, redirect URI, scopes and PKCE
// challenge, and upserts the consent unless the app is trusted. Denial
// persists nothing. Both require a registered redirect URI so the endpoint
// cannot be used as an open redirector.
func (s *Server) Decide(ctx context.Context, userID string, req DecisionRequest) (_ *Decision, err error) {
	ctx, span := s.startSpan(ctx, "decide")
	defer func() { endSpan(span, err) }()

	if userID == "" {
		return nil, newError(KindUnauthorized, "Authentication required", nil)
	}
	if req.ClientID == "" || req.RedirectURI == "" {
		return nil, ValidationError("client_id and redirect_uri are required")
	}

	app, err := s.store.GetClientByClientID(ctx, req.ClientID)
	if err != nil {
		if errors.Is(err, storage.ErrClientNotFound) {
			s.Logger.Warn("Authorization decision for unknown client", "client_id", req.ClientID)
			return nil, newError(KindInvalidClient, "Unknown client", err)
		}
		return nil, storageError("get client by client id", err)
	}
	instrumentation.AddOAuthFlowAttributes(span, app.ClientID, userID, "")

	redirect, err := url.Parse(req.RedirectURI)
	if err != nil || !app.HasRedirectURI(req.RedirectURI) {
		s.Logger.Warn("Redirect URI not registered for client",
			"client_id", app.ClientID,
			"redirect_uri", req.RedirectURI)
		s.Auditor.LogAuthFailure(userID, app.ClientID, "", "redirect_uri_not_registered")
		return nil, ValidationError("redirect_uri is not registered for this client")
	}

	if req.Action != ActionApprove {
		s.Auditor.LogAuthorizationDenied(userID, app.ClientID)
		return &Decision{
			Redirect: withQuery(redirect, map[string]string{
				"error":             "access_denied",
				"error_description": "The user denied the request",
				"state":             req.State,
			}),
		}, nil
	}

	scopes, err := s.scopes.ParseScopes(req.Scope)
	if err != nil {
		return nil, err
	}
	instrumentation.AddOAuthFlowAttributes(span, "", "", scopes.String())

	var method string
	if req.CodeChallenge != "" {
		method, err = s.validateChallenge(req.CodeChallenge, req.CodeChallengeMethod)
		if err != nil {
			return nil, err
		}
		instrumentation.AddPKCEAttributes(span, method)
	} else if app.IsPublic {
		s.Auditor.LogAuthFailure(userID, app.ClientID, "", "pkce_required_for_public_client")
		return nil, ValidationError("code_challenge is required for public clients")
	}

	now := s.now()

	if !app.IsTrusted {
		consent := &storage.Consent{
			ID:        uuid.NewString(),
			UserID:    userID,
			AppID:     app.ID,
			Scopes:    scopes,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := s.store.UpsertConsent(ctx, consent); err != nil {
			return nil, storageError("upsert consent", err)
		}
	}

	code := &storage.AuthorizationCode{
		Code:                generateRandomToken(),
		AppID:               app.ID,
		UserID:              userID,
		RedirectURI:         req.RedirectURI,
		Scopes:              scopes,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: method,
		CreatedAt:           now,
		ExpiresAt:           now.Add(s.Config.codeTTL()),
	}
	if err := s.store.SaveAuthorizationCode(ctx, code); err != nil {
		return nil, storageError("save authorization code", err)
	}

	s.metrics.RecordCodeIssued(ctx, app.ClientID, method != "")
	s.Auditor.LogCodeIssued(userID, app.ClientID, scopes.String(), method != "")
	s.Logger.Debug("Issued authorization code",
		"client_id", app.ClientID,
		"code_prefix", safeTruncate(code.Code, 8),
		"scope", scopes.String())

	return &Decision{
		Redirect: withQuery(redirect, map[string]string{
			"code":  code.Code,
			"state": req.State,
		}),
		Approved: true,
		Code:     code.Code,
		Scopes:   scopes,
	}, nil
}

// withQuery returns u with params added to its query, skipping empty values
func withQuery(u *url.URL, params map[string]string) string {
	out := *u
	q := out.Query()
	for k, v := range params {
		if v != "" {
			q.Set(k, v)
		}
	}
	out.RawQuery = q.Encode()
	return out.String()
}
