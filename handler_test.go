package oauth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/oauth2"

	"github.com/giantswarm/oauth-provider/internal/testutil"
	"github.com/giantswarm/oauth-provider/security"
	"github.com/giantswarm/oauth-provider/server"
	"github.com/giantswarm/oauth-provider/storage"
	"github.com/giantswarm/oauth-provider/storage/memory"
)

const (
	testOwnerID     = "developer-1"
	testRedirectURI = "https://client.example/cb"
)

type handlerEnv struct {
	ts      *httptest.Server
	srv     *server.Server
	store   *memory.Store
	handler *Handler
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newHandlerEnv(t *testing.T, config *Config) *handlerEnv {
	t.Helper()

	store := memory.New()
	t.Cleanup(store.Stop)

	cfg := server.DefaultConfig()
	cfg.SecretHashCost = bcrypt.MinCost
	srv, err := server.New(store, cfg, testLogger())
	require.NoError(t, err)

	handler := NewHandler(srv, config, nil, testLogger())
	t.Cleanup(handler.Close)

	ts := httptest.NewServer(handler.Routes())
	t.Cleanup(ts.Close)

	return &handlerEnv{ts: ts, srv: srv, store: store, handler: handler}
}

// do sends a request with an optional JSON body as userID
func (e *handlerEnv) do(t *testing.T, method, path, userID string, body any) *http.Response {
	t.Helper()

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequest(method, e.ts.URL+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if userID != "" {
		req.Header.Set(DefaultSessionHeader, userID)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (e *handlerEnv) postForm(t *testing.T, path string, form url.Values) *http.Response {
	t.Helper()
	resp, err := http.PostForm(e.ts.URL+path, form)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func (e *handlerEnv) createApp(t *testing.T, isPublic bool) CreateAppResponse {
	t.Helper()
	resp := e.do(t, http.MethodPost, "/developer/apps", testOwnerID, CreateAppRequest{
		Name:         "Ride Tracker",
		Description:  "Syncs rides",
		RedirectURIs: []string{testRedirectURI},
		IsPublic:     isPublic,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return decode[CreateAppResponse](t, resp)
}

func (e *handlerEnv) saveUser(t *testing.T) *storage.UserProfile {
	t.Helper()
	user := testutil.NewUser()
	require.NoError(t, e.store.SaveUser(context.Background(), user))
	return user
}

// approve runs the consent decision and returns the code and PKCE verifier
func (e *handlerEnv) approve(t *testing.T, clientID, userID, scope string) (code, verifier string) {
	t.Helper()
	challenge, verifier := testutil.GeneratePKCEPair()

	resp := e.do(t, http.MethodPost, "/oauth/authorize", userID, AuthorizeRequest{
		ClientID:            clientID,
		RedirectURI:         testRedirectURI,
		Scope:               scope,
		State:               "xyz",
		CodeChallenge:       challenge,
		CodeChallengeMethod: server.PKCEMethodS256,
		Action:              server.ActionApprove,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	redirect, err := url.Parse(decode[AuthorizeResponse](t, resp).Redirect)
	require.NoError(t, err)
	assert.Equal(t, "xyz", redirect.Query().Get("state"))
	code = redirect.Query().Get("code")
	require.NotEmpty(t, code)
	return code, verifier
}

func (e *handlerEnv) oauth2Config(app CreateAppResponse) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     app.ClientID,
		ClientSecret: app.ClientSecret,
		RedirectURL:  testRedirectURI,
		Endpoint: oauth2.Endpoint{
			AuthURL:   e.ts.URL + "/oauth/authorize",
			TokenURL:  e.ts.URL + "/oauth/token",
			AuthStyle: oauth2.AuthStyleInHeader,
		},
	}
}

func TestHandler_FullFlow(t *testing.T) {
	env := newHandlerEnv(t, nil)
	user := env.saveUser(t)
	app := env.createApp(t, false)
	require.NotEmpty(t, app.ClientSecret)

	code, verifier := env.approve(t, app.ClientID, user.ID, "profile:read activity:read")

	ctx := context.Background()
	conf := env.oauth2Config(app)
	tok, err := conf.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	require.NoError(t, err)
	assert.Equal(t, server.TokenTypeBearer, tok.TokenType)
	assert.NotEmpty(t, tok.RefreshToken)
	assert.Equal(t, "profile:read activity:read", tok.Extra("scope"))

	// userinfo
	resp, err := conf.Client(ctx, tok).Get(env.ts.URL + "/oauth/userinfo")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	info := decode[UserInfoResponse](t, resp)
	assert.Equal(t, user.ID, info.Sub)
	assert.Equal(t, user.Email, info.Email)
	require.NotNil(t, info.Picture)
	assert.Equal(t, user.Image, *info.Picture)
	require.NotNil(t, info.FTP)
	assert.Equal(t, *user.FTP, *info.FTP)

	// the user lists and revokes the consent
	consentsResp := env.do(t, http.MethodGet, "/oauth/consents", user.ID, nil)
	require.Equal(t, http.StatusOK, consentsResp.StatusCode)
	consents := decode[[]ConsentResponse](t, consentsResp)
	require.Len(t, consents, 1)
	assert.Equal(t, app.ID, consents[0].AppID)
	assert.Equal(t, "Ride Tracker", consents[0].App.Name)

	revokeResp := env.do(t, http.MethodDelete, "/oauth/consents/"+app.ID, user.ID, nil)
	require.Equal(t, http.StatusOK, revokeResp.StatusCode)

	// the access token died with the consent
	req, err := http.NewRequest(http.MethodGet, env.ts.URL+"/oauth/userinfo", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	denied, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer denied.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, denied.StatusCode)
	assert.Contains(t, denied.Header.Get("WWW-Authenticate"), `error="invalid_token"`)
	assert.Equal(t, ErrorCodeInvalidToken, decode[ErrorResponse](t, denied).Error)
}

func TestHandler_RefreshRotation(t *testing.T) {
	env := newHandlerEnv(t, nil)
	user := env.saveUser(t)
	app := env.createApp(t, false)
	code, verifier := env.approve(t, app.ClientID, user.ID, "")

	ctx := context.Background()
	conf := env.oauth2Config(app)
	first, err := conf.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	require.NoError(t, err)

	rotated, err := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: first.RefreshToken}).Token()
	require.NoError(t, err)
	assert.NotEqual(t, first.AccessToken, rotated.AccessToken)
	assert.NotEqual(t, first.RefreshToken, rotated.RefreshToken)
	assert.Equal(t, server.ScopeProfileRead, rotated.Extra("scope"))

	// the old refresh token is gone
	_, err = conf.TokenSource(ctx, &oauth2.Token{RefreshToken: first.RefreshToken}).Token()
	var rErr *oauth2.RetrieveError
	require.True(t, errors.As(err, &rErr))
	assert.Equal(t, http.StatusBadRequest, rErr.Response.StatusCode)
	assert.Equal(t, ErrorCodeInvalidGrant, rErr.ErrorCode)
}

func TestHandler_TokenErrors(t *testing.T) {
	env := newHandlerEnv(t, nil)
	user := env.saveUser(t)
	app := env.createApp(t, false)

	tests := []struct {
		name     string
		form     func() url.Values
		wantCode string
	}{
		{
			name: "unknown code",
			form: func() url.Values {
				return url.Values{
					"grant_type":    {server.GrantTypeAuthorizationCode},
					"code":          {"not-a-code"},
					"redirect_uri":  {testRedirectURI},
					"client_id":     {app.ClientID},
					"client_secret": {app.ClientSecret},
				}
			},
			wantCode: ErrorCodeInvalidGrant,
		},
		{
			name: "wrong verifier",
			form: func() url.Values {
				code, _ := env.approve(t, app.ClientID, user.ID, "")
				_, otherVerifier := testutil.GeneratePKCEPair()
				return url.Values{
					"grant_type":    {server.GrantTypeAuthorizationCode},
					"code":          {code},
					"redirect_uri":  {testRedirectURI},
					"code_verifier": {otherVerifier},
					"client_id":     {app.ClientID},
					"client_secret": {app.ClientSecret},
				}
			},
			wantCode: ErrorCodeInvalidGrant,
		},
		{
			name: "wrong secret",
			form: func() url.Values {
				code, verifier := env.approve(t, app.ClientID, user.ID, "")
				return url.Values{
					"grant_type":    {server.GrantTypeAuthorizationCode},
					"code":          {code},
					"redirect_uri":  {testRedirectURI},
					"code_verifier": {verifier},
					"client_id":     {app.ClientID},
					"client_secret": {"wrong"},
				}
			},
			wantCode: ErrorCodeInvalidClient,
		},
		{
			name: "missing grant type",
			form: func() url.Values {
				return url.Values{"code": {"abc"}}
			},
			wantCode: ErrorCodeInvalidRequest,
		},
		{
			name: "unsupported grant type",
			form: func() url.Values {
				return url.Values{"grant_type": {"password"}}
			},
			wantCode: ErrorCodeUnsupportedGrantType,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.postForm(t, "/oauth/token", tt.form())
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))
			assert.Equal(t, tt.wantCode, decode[ErrorResponse](t, resp).Error)
		})
	}
}

func TestHandler_TokenJSONBody(t *testing.T) {
	env := newHandlerEnv(t, nil)
	user := env.saveUser(t)
	app := env.createApp(t, false)
	code, verifier := env.approve(t, app.ClientID, user.ID, "")

	resp := env.do(t, http.MethodPost, "/oauth/token", "", TokenRequest{
		GrantType:    server.GrantTypeAuthorizationCode,
		Code:         code,
		RedirectURI:  testRedirectURI,
		CodeVerifier: verifier,
		ClientID:     app.ClientID,
		ClientSecret: app.ClientSecret,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	tok := decode[TokenResponse](t, resp)
	assert.NotEmpty(t, tok.AccessToken)
	assert.Equal(t, int64(3600), tok.ExpiresIn)
}

func TestHandler_PublicClient(t *testing.T) {
	env := newHandlerEnv(t, nil)
	user := env.saveUser(t)
	app := env.createApp(t, true)
	assert.Empty(t, app.ClientSecret)
	assert.True(t, app.IsPublic)

	code, verifier := env.approve(t, app.ClientID, user.ID, "")
	resp := env.postForm(t, "/oauth/token", url.Values{
		"grant_type":    {server.GrantTypeAuthorizationCode},
		"code":          {code},
		"redirect_uri":  {testRedirectURI},
		"code_verifier": {verifier},
		"client_id":     {app.ClientID},
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHandler_Revoke(t *testing.T) {
	env := newHandlerEnv(t, nil)
	user := env.saveUser(t)
	app := env.createApp(t, false)
	code, verifier := env.approve(t, app.ClientID, user.ID, "")

	tok, err := env.oauth2Config(app).Exchange(context.Background(), code, oauth2.VerifierOption(verifier))
	require.NoError(t, err)

	tests := []struct {
		name string
		form url.Values
	}{
		{name: "garbage token", form: url.Values{"token": {"garbage"}}},
		{name: "missing token", form: url.Values{}},
		{name: "valid access token", form: url.Values{"token": {tok.AccessToken}, "token_type_hint": {"access_token"}}},
		{name: "already revoked", form: url.Values{"token": {tok.AccessToken}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.postForm(t, "/oauth/revoke", tt.form)
			assert.Equal(t, http.StatusOK, resp.StatusCode)
			assert.True(t, decode[SuccessResponse](t, resp).Success)
		})
	}

	_, err = env.srv.UserInfo(context.Background(), tok.AccessToken, "")
	assert.Equal(t, server.KindUnauthorized, server.KindOf(err))
}

func TestHandler_UserInfoBaseFieldsAlwaysPresent(t *testing.T) {
	env := newHandlerEnv(t, nil)
	user := testutil.NewUser()
	user.Image = ""
	require.NoError(t, env.store.SaveUser(context.Background(), user))
	app := env.createApp(t, false)

	code, verifier := env.approve(t, app.ClientID, user.ID, "activity:read")

	ctx := context.Background()
	conf := env.oauth2Config(app)
	tok, err := conf.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	require.NoError(t, err)

	resp, err := conf.Client(ctx, tok).Get(env.ts.URL + "/oauth/userinfo")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decode[map[string]any](t, resp)
	for _, key := range []string{"sub", "name", "email", "picture"} {
		assert.Contains(t, body, key)
	}
	assert.Nil(t, body["picture"])
	assert.Equal(t, user.ID, body["sub"])
	assert.NotContains(t, body, "ftp")
	assert.NotContains(t, body, "weight")
}

func TestHandler_UserInfoRequiresBearer(t *testing.T) {
	env := newHandlerEnv(t, nil)

	tests := []struct {
		name   string
		header string
	}{
		{name: "missing", header: ""},
		{name: "wrong scheme", header: "Basic Zm9vOmJhcg=="},
		{name: "empty token", header: "Bearer "},
		{name: "unknown token", header: "Bearer nope"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(http.MethodGet, env.ts.URL+"/oauth/userinfo", nil)
			require.NoError(t, err)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			defer resp.Body.Close()

			assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
			assert.True(t, strings.HasPrefix(resp.Header.Get("WWW-Authenticate"), "Bearer"))
		})
	}
}

func TestHandler_AuthorizeDetails(t *testing.T) {
	env := newHandlerEnv(t, nil)
	app := env.createApp(t, false)

	resp := env.do(t, http.MethodGet, "/oauth/authorize-details?client_id="+url.QueryEscape(app.ClientID), "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	details := decode[AuthorizeDetailsResponse](t, resp)
	assert.Equal(t, "Ride Tracker", details.Name)
	assert.Equal(t, "Syncs rides", details.Description)

	missing := env.do(t, http.MethodGet, "/oauth/authorize-details?client_id=app_unknown", "", nil)
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
	assert.Equal(t, ErrorCodeNotFound, decode[ErrorResponse](t, missing).Error)
}

func TestHandler_AuthorizeDecisions(t *testing.T) {
	env := newHandlerEnv(t, nil)
	app := env.createApp(t, false)

	t.Run("requires session", func(t *testing.T) {
		resp := env.do(t, http.MethodPost, "/oauth/authorize", "", AuthorizeRequest{
			ClientID:    app.ClientID,
			RedirectURI: testRedirectURI,
			Action:      server.ActionApprove,
		})
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Equal(t, ErrorCodeUnauthorized, decode[ErrorResponse](t, resp).Error)
	})

	t.Run("deny redirects with access_denied", func(t *testing.T) {
		resp := env.do(t, http.MethodPost, "/oauth/authorize", "user-1", AuthorizeRequest{
			ClientID:    app.ClientID,
			RedirectURI: testRedirectURI,
			State:       "s1",
			Action:      server.ActionDeny,
		})
		require.Equal(t, http.StatusOK, resp.StatusCode)

		redirect, err := url.Parse(decode[AuthorizeResponse](t, resp).Redirect)
		require.NoError(t, err)
		assert.Equal(t, "access_denied", redirect.Query().Get("error"))
		assert.Equal(t, "s1", redirect.Query().Get("state"))
	})

	t.Run("unregistered redirect", func(t *testing.T) {
		resp := env.do(t, http.MethodPost, "/oauth/authorize", "user-1", AuthorizeRequest{
			ClientID:    app.ClientID,
			RedirectURI: "https://evil.example/cb",
			Action:      server.ActionApprove,
		})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("unknown scope", func(t *testing.T) {
		resp := env.do(t, http.MethodPost, "/oauth/authorize", "user-1", AuthorizeRequest{
			ClientID:    app.ClientID,
			RedirectURI: testRedirectURI,
			Scope:       "profile:read admin",
			Action:      server.ActionApprove,
		})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, ErrorCodeInvalidRequest, decode[ErrorResponse](t, resp).Error)
	})
}

func TestHandler_DeveloperApps(t *testing.T) {
	env := newHandlerEnv(t, nil)
	app := env.createApp(t, false)

	t.Run("list", func(t *testing.T) {
		resp := env.do(t, http.MethodGet, "/developer/apps", testOwnerID, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		apps := decode[[]AppResponse](t, resp)
		require.Len(t, apps, 1)
		assert.Equal(t, app.ClientID, apps[0].ClientID)
		require.NotNil(t, apps[0].TokenCount)
		assert.Equal(t, 0, *apps[0].TokenCount)
	})

	t.Run("other users see nothing", func(t *testing.T) {
		resp := env.do(t, http.MethodGet, "/developer/apps", "someone-else", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Empty(t, decode[[]AppResponse](t, resp))
	})

	t.Run("get requires ownership", func(t *testing.T) {
		resp := env.do(t, http.MethodGet, "/developer/apps/"+app.ID, "someone-else", nil)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
		assert.Equal(t, ErrorCodeForbidden, decode[ErrorResponse](t, resp).Error)
	})

	t.Run("get never exposes the secret", func(t *testing.T) {
		resp := env.do(t, http.MethodGet, "/developer/apps/"+app.ID, testOwnerID, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.NotContains(t, string(body), app.ClientSecret)
		assert.NotContains(t, string(body), "secret")
	})

	t.Run("regenerate secret", func(t *testing.T) {
		resp := env.do(t, http.MethodPost, "/developer/apps/"+app.ID+"/secret", testOwnerID, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		rotated := decode[SecretResponse](t, resp)
		assert.Equal(t, app.ClientID, rotated.ClientID)
		assert.NotEqual(t, app.ClientSecret, rotated.ClientSecret)

		assert.True(t, env.srv.VerifyClient(context.Background(), app.ClientID, rotated.ClientSecret))
		assert.False(t, env.srv.VerifyClient(context.Background(), app.ClientID, app.ClientSecret))
	})

	t.Run("regenerate requires ownership", func(t *testing.T) {
		resp := env.do(t, http.MethodPost, "/developer/apps/"+app.ID+"/secret", "someone-else", nil)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("invalid redirect uri", func(t *testing.T) {
		resp := env.do(t, http.MethodPost, "/developer/apps", testOwnerID, CreateAppRequest{
			Name:         "Bad",
			RedirectURIs: []string{"javascript:alert(1)"},
		})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("delete", func(t *testing.T) {
		denied := env.do(t, http.MethodDelete, "/developer/apps/"+app.ID, "someone-else", nil)
		assert.Equal(t, http.StatusForbidden, denied.StatusCode)

		resp := env.do(t, http.MethodDelete, "/developer/apps/"+app.ID, testOwnerID, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		gone := env.do(t, http.MethodGet, "/developer/apps/"+app.ID, testOwnerID, nil)
		assert.Equal(t, http.StatusNotFound, gone.StatusCode)
	})

	t.Run("requires session", func(t *testing.T) {
		resp := env.do(t, http.MethodGet, "/developer/apps", "", nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})
}

func TestHandler_RateLimit(t *testing.T) {
	env := newHandlerEnv(t, &Config{
		RateLimit: security.RateLimitConfig{RequestsPerSecond: 0.01, Burst: 2},
	})

	for i := 0; i < 2; i++ {
		resp := env.postForm(t, "/oauth/revoke", url.Values{"token": {"x"}})
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	resp := env.postForm(t, "/oauth/token", url.Values{"grant_type": {"authorization_code"}})
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
	assert.Equal(t, ErrorCodeRateLimitExceeded, decode[ErrorResponse](t, resp).Error)

	// revocation still answers success once the client is over the limit
	resp = env.postForm(t, "/oauth/revoke", url.Values{"token": {"x"}})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
	assert.True(t, decode[SuccessResponse](t, resp).Success)

	// endpoints outside the limiter are unaffected
	details := env.do(t, http.MethodGet, "/oauth/authorize-details?client_id=x", "", nil)
	assert.Equal(t, http.StatusNotFound, details.StatusCode)
}

func TestHandler_RevokeOverLimitLeavesTokenAlive(t *testing.T) {
	env := newHandlerEnv(t, &Config{
		RateLimit: security.RateLimitConfig{RequestsPerSecond: 0.01, Burst: 1},
	})
	user := env.saveUser(t)
	app := env.createApp(t, false)
	code, verifier := env.approve(t, app.ClientID, user.ID, "")

	ctx := context.Background()
	conf := env.oauth2Config(app)
	tok, err := conf.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	require.NoError(t, err)

	// the exchange used the only token in the bucket
	resp := env.postForm(t, "/oauth/revoke", url.Values{"token": {tok.AccessToken}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, decode[SuccessResponse](t, resp).Success)

	_, err = env.srv.UserInfo(ctx, tok.AccessToken, "")
	assert.NoError(t, err)
}

func TestHandler_CORS(t *testing.T) {
	const origin = "https://spa.example"
	env := newHandlerEnv(t, &Config{CORSAllowedOrigins: []string{origin}})

	preflight := func(t *testing.T, path, from string) *http.Response {
		t.Helper()
		req, err := http.NewRequest(http.MethodOptions, env.ts.URL+path, nil)
		require.NoError(t, err)
		req.Header.Set("Origin", from)
		req.Header.Set("Access-Control-Request-Method", http.MethodPost)
		req.Header.Set("Access-Control-Request-Headers", "Content-Type")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		t.Cleanup(func() { _ = resp.Body.Close() })
		return resp
	}

	t.Run("allowed origin", func(t *testing.T) {
		resp := preflight(t, "/oauth/token", origin)
		assert.Equal(t, http.StatusNoContent, resp.StatusCode)
		assert.Equal(t, origin, resp.Header.Get("Access-Control-Allow-Origin"))
	})

	t.Run("other origin", func(t *testing.T) {
		resp := preflight(t, "/oauth/token", "https://evil.example")
		assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
	})

	t.Run("simple request", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodGet, env.ts.URL+"/oauth/authorize-details?client_id=x", nil)
		require.NoError(t, err)
		req.Header.Set("Origin", origin)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, origin, resp.Header.Get("Access-Control-Allow-Origin"))
	})
}

func TestHandler_Metadata(t *testing.T) {
	t.Run("served when issuer is set", func(t *testing.T) {
		env := newHandlerEnv(t, &Config{Issuer: "https://auth.example/"})

		resp := env.do(t, http.MethodGet, "/.well-known/oauth-authorization-server", "", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Contains(t, resp.Header.Get("Strict-Transport-Security"), "max-age=")

		meta := decode[AuthorizationServerMetadata](t, resp)
		assert.Equal(t, "https://auth.example", meta.Issuer)
		assert.Equal(t, "https://auth.example/oauth/token", meta.TokenEndpoint)
		assert.Equal(t, server.DefaultScopes(), meta.ScopesSupported)
		assert.Contains(t, meta.CodeChallengeMethodsSupported, server.PKCEMethodS256)
	})

	t.Run("absent without issuer", func(t *testing.T) {
		env := newHandlerEnv(t, nil)
		resp := env.do(t, http.MethodGet, "/.well-known/oauth-authorization-server", "", nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		assert.Empty(t, resp.Header.Get("Strict-Transport-Security"))
	})
}

func TestHandler_RequestID(t *testing.T) {
	env := newHandlerEnv(t, nil)

	resp := env.do(t, http.MethodGet, "/oauth/authorize-details?client_id=x", "", nil)
	assert.NotEmpty(t, resp.Header.Get(security.RequestIDHeader))

	req, err := http.NewRequest(http.MethodGet, env.ts.URL+"/oauth/authorize-details?client_id=x", nil)
	require.NoError(t, err)
	req.Header.Set(security.RequestIDHeader, "upstream-123")
	echoed, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer echoed.Body.Close()
	assert.Equal(t, "upstream-123", echoed.Header.Get(security.RequestIDHeader))
}

func TestSessionResolvers(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	_, err := HeaderSessionResolver{}.ResolveUser(req)
	assert.ErrorIs(t, err, ErrNoSession)

	req.Header.Set("X-Gateway-User", " user-7 ")
	userID, err := HeaderSessionResolver{Header: "X-Gateway-User"}.ResolveUser(req)
	require.NoError(t, err)
	assert.Equal(t, "user-7", userID)

	fn := SessionResolverFunc(func(*http.Request) (string, error) { return "fixed", nil })
	userID, err = fn.ResolveUser(req)
	require.NoError(t, err)
	assert.Equal(t, "fixed", userID)
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
		ok     bool
	}{
		{"Bearer abc", "abc", true},
		{"bearer abc", "abc", true},
		{"BEARER  abc ", "abc", true},
		{"Basic abc", "", false},
		{"Bearer", "", false},
		{"", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.header, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Header.Set("Authorization", tt.header)
			got, ok := bearerToken(req)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}
