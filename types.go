package oauth

import (
	"time"

	"github.com/giantswarm/oauth-provider/server"
	"github.com/giantswarm/oauth-provider/storage"
)

// ErrorResponse represents an OAuth error response
type ErrorResponse struct {
	// Error is the error code
	Error string `json:"error"`

	// ErrorDescription provides additional information
	ErrorDescription string `json:"error_description,omitempty"`
}

// AuthorizationServerMetadata represents OAuth 2.0 Authorization Server Metadata (RFC 8414)
type AuthorizationServerMetadata struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	RevocationEndpoint                string   `json:"revocation_endpoint,omitempty"`
	UserinfoEndpoint                  string   `json:"userinfo_endpoint,omitempty"`
	ScopesSupported                   []string `json:"scopes_supported,omitempty"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported,omitempty"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported,omitempty"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported,omitempty"`
}

// AuthorizeDetailsResponse holds what a consent screen shows about an app
type AuthorizeDetailsResponse struct {
	Name        string `json:"name"`
	LogoURL     string `json:"logoUrl,omitempty"`
	Description string `json:"description,omitempty"`
	HomepageURL string `json:"homepageUrl,omitempty"`
}

// AuthorizeRequest is the user's decision on a pending authorization
type AuthorizeRequest struct {
	ClientID            string `json:"client_id"`
	RedirectURI         string `json:"redirect_uri"`
	Scope               string `json:"scope,omitempty"`
	State               string `json:"state,omitempty"`
	CodeChallenge       string `json:"code_challenge,omitempty"`
	CodeChallengeMethod string `json:"code_challenge_method,omitempty"`
	Action              string `json:"action"`
}

// AuthorizeResponse tells the user agent where to go next
type AuthorizeResponse struct {
	Redirect string `json:"redirect"`
}

// TokenRequest carries token endpoint parameters when sent as JSON.
// Form-encoded requests use the same field names.
type TokenRequest struct {
	GrantType    string `json:"grant_type"`
	Code         string `json:"code,omitempty"`
	RedirectURI  string `json:"redirect_uri,omitempty"`
	CodeVerifier string `json:"code_verifier,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ClientID     string `json:"client_id,omitempty"`
	ClientSecret string `json:"client_secret,omitempty"`
}

// TokenResponse represents an OAuth 2.0 token response
type TokenResponse struct {
	// AccessToken is the access token
	AccessToken string `json:"access_token"`

	// TokenType is the type of token (always "Bearer")
	TokenType string `json:"token_type"`

	// ExpiresIn is the lifetime in seconds of the access token
	ExpiresIn int64 `json:"expires_in"`

	// RefreshToken is the rotated refresh token
	RefreshToken string `json:"refresh_token"`

	// Scope is the scope of the access token
	Scope string `json:"scope"`
}

func tokenResponseFrom(resp *server.TokenResponse) TokenResponse {
	return TokenResponse{
		AccessToken:  resp.AccessToken,
		TokenType:    resp.TokenType,
		ExpiresIn:    resp.ExpiresIn,
		RefreshToken: resp.RefreshToken,
		Scope:        resp.Scope,
	}
}

// RevokeRequest carries revocation parameters when sent as JSON (RFC 7009)
type RevokeRequest struct {
	Token         string `json:"token"`
	TokenTypeHint string `json:"token_type_hint,omitempty"`
	ClientID      string `json:"client_id,omitempty"`
	ClientSecret  string `json:"client_secret,omitempty"`
}

// SuccessResponse is returned by endpoints with nothing else to report
type SuccessResponse struct {
	Success bool `json:"success"`
}

// UserInfoResponse is the scope-filtered profile behind a bearer token.
// Picture is null for users without an image.
type UserInfoResponse struct {
	Sub     string   `json:"sub"`
	Name    string   `json:"name"`
	Email   string   `json:"email"`
	Picture *string  `json:"picture"`
	FTP     *int     `json:"ftp,omitempty"`
	Weight  *float64 `json:"weight,omitempty"`
}

func userInfoResponseFrom(info *server.UserInfo) UserInfoResponse {
	resp := UserInfoResponse{
		Sub:    info.Sub,
		Name:   info.Name,
		Email:  info.Email,
		FTP:    info.FTP,
		Weight: info.Weight,
	}
	if info.Picture != "" {
		resp.Picture = &info.Picture
	}
	return resp
}

// ConsentResponse describes one app the user has authorized
type ConsentResponse struct {
	AppID     string                   `json:"appId"`
	App       AuthorizeDetailsResponse `json:"app"`
	Scopes    []string                 `json:"scopes"`
	GrantedAt time.Time                `json:"grantedAt"`
	UpdatedAt time.Time                `json:"updatedAt"`
}

func consentResponseFrom(c *storage.ConsentWithApp) ConsentResponse {
	return ConsentResponse{
		AppID:     c.AppID,
		App:       detailsFrom(&c.App),
		Scopes:    c.Scopes,
		GrantedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
	}
}

func detailsFrom(d *storage.AppDisplay) AuthorizeDetailsResponse {
	return AuthorizeDetailsResponse{
		Name:        d.Name,
		LogoURL:     d.LogoURL,
		Description: d.Description,
		HomepageURL: d.HomepageURL,
	}
}

// CreateAppRequest registers a client application
type CreateAppRequest struct {
	Name         string   `json:"name"`
	Description  string   `json:"description,omitempty"`
	HomepageURL  string   `json:"homepageUrl,omitempty"`
	LogoURL      string   `json:"logoUrl,omitempty"`
	RedirectURIs []string `json:"redirectUris"`
	IsPublic     bool     `json:"isPublic,omitempty"`
}

// AppResponse is an app as its owner sees it. The secret hash never leaves
// the server.
type AppResponse struct {
	ID           string    `json:"id"`
	ClientID     string    `json:"clientId"`
	Name         string    `json:"name"`
	Description  string    `json:"description,omitempty"`
	HomepageURL  string    `json:"homepageUrl,omitempty"`
	LogoURL      string    `json:"logoUrl,omitempty"`
	RedirectURIs []string  `json:"redirectUris"`
	IsTrusted    bool      `json:"isTrusted"`
	IsPublic     bool      `json:"isPublic"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`

	// Counts are only set in listings
	TokenCount   *int `json:"tokenCount,omitempty"`
	ConsentCount *int `json:"consentCount,omitempty"`
}

func appResponseFrom(c *storage.Client) AppResponse {
	return AppResponse{
		ID:           c.ID,
		ClientID:     c.ClientID,
		Name:         c.Name,
		Description:  c.Description,
		HomepageURL:  c.HomepageURL,
		LogoURL:      c.LogoURL,
		RedirectURIs: c.RedirectURIs,
		IsTrusted:    c.IsTrusted,
		IsPublic:     c.IsPublic,
		CreatedAt:    c.CreatedAt,
		UpdatedAt:    c.UpdatedAt,
	}
}

func appSummaryFrom(s *storage.ClientSummary) AppResponse {
	resp := appResponseFrom(&s.Client)
	tokens, consents := s.TokenCount, s.ConsentCount
	resp.TokenCount = &tokens
	resp.ConsentCount = &consents
	return resp
}

// CreateAppResponse is returned once, at creation. ClientSecret is empty
// for public apps and cannot be retrieved again.
type CreateAppResponse struct {
	AppResponse
	ClientSecret string `json:"clientSecret,omitempty"`
}

// SecretResponse carries a rotated client secret, shown once
type SecretResponse struct {
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
}
