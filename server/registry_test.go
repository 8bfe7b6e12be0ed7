package server

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/oauth-provider/storage"
	"github.com/giantswarm/oauth-provider/storage/memory"
)

func TestCreateApp(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	created, err := env.srv.CreateApp(ctx, testOwnerID, CreateAppRequest{
		Name:         "  Ride Tracker  ",
		Description:  "Tracks rides",
		HomepageURL:  "https://rides.example",
		RedirectURIs: []string{testRedirectURI, "https://client.example/alt", testRedirectURI},
	})
	require.NoError(t, err)

	app := created.App
	assert.NotEmpty(t, app.ID)
	assert.True(t, strings.HasPrefix(app.ClientID, clientIDPrefix))
	assert.Len(t, app.ClientID, len(clientIDPrefix)+clientIDRandomLength)
	assert.Equal(t, "Ride Tracker", app.Name)
	assert.Equal(t, []string{testRedirectURI, "https://client.example/alt"}, app.RedirectURIs)
	assert.False(t, app.IsTrusted)
	assert.False(t, app.IsPublic)
	assert.Equal(t, testOwnerID, app.OwnerID)

	require.False(t, created.Secret.IsZero())
	assert.NotEqual(t, created.Secret.Plaintext(), app.ClientSecretHash)

	stored, err := env.store.GetClientByClientID(ctx, app.ClientID)
	require.NoError(t, err)
	assert.Equal(t, app.ID, stored.ID)
	assert.True(t, verifySecret(stored.ClientSecretHash, created.Secret.Plaintext()))
	assert.True(t, env.srv.VerifyClient(ctx, app.ClientID, created.Secret.Plaintext()))
}

func TestCreateApp_Public(t *testing.T) {
	env := newTestEnv(t, nil)

	created := env.createPublicApp(t)

	assert.True(t, created.App.IsPublic)
	assert.True(t, created.Secret.IsZero())
	assert.Empty(t, created.App.ClientSecretHash)
	assert.False(t, env.srv.VerifyClient(context.Background(), created.App.ClientID, ""))
}

func TestCreateApp_RequiresOwner(t *testing.T) {
	env := newTestEnv(t, nil)

	_, err := env.srv.CreateApp(context.Background(), "", CreateAppRequest{
		Name:         "Test App",
		RedirectURIs: []string{testRedirectURI},
	})
	assert.Equal(t, KindUnauthorized, KindOf(err))
}

func TestCreateApp_Validation(t *testing.T) {
	tests := []struct {
		name    string
		req     CreateAppRequest
		wantErr string
	}{
		{
			name:    "name too short",
			req:     CreateAppRequest{Name: "ab", RedirectURIs: []string{testRedirectURI}},
			wantErr: "name must be between",
		},
		{
			name:    "name only spaces",
			req:     CreateAppRequest{Name: "     ", RedirectURIs: []string{testRedirectURI}},
			wantErr: "name must be between",
		},
		{
			name:    "name too long",
			req:     CreateAppRequest{Name: strings.Repeat("n", MaxAppNameLength+1), RedirectURIs: []string{testRedirectURI}},
			wantErr: "name must be between",
		},
		{
			name:    "description too long",
			req:     CreateAppRequest{Name: "Test App", Description: strings.Repeat("d", MaxDescriptionLength+1), RedirectURIs: []string{testRedirectURI}},
			wantErr: "description must be at most",
		},
		{
			name:    "bad homepage",
			req:     CreateAppRequest{Name: "Test App", HomepageURL: "ftp://x", RedirectURIs: []string{testRedirectURI}},
			wantErr: "homepageUrl",
		},
		{
			name:    "bad logo",
			req:     CreateAppRequest{Name: "Test App", LogoURL: "not a url", RedirectURIs: []string{testRedirectURI}},
			wantErr: "logoUrl",
		},
		{
			name:    "no redirect uris",
			req:     CreateAppRequest{Name: "Test App"},
			wantErr: "at least one redirect URI",
		},
		{
			name:    "too many redirect uris",
			req:     CreateAppRequest{Name: "Test App", RedirectURIs: make([]string, MaxRedirectURIs+1)},
			wantErr: "at most",
		},
		{
			name:    "relative redirect",
			req:     CreateAppRequest{Name: "Test App", RedirectURIs: []string{"/cb"}},
			wantErr: "invalid redirect URI",
		},
		{
			name:    "fragment",
			req:     CreateAppRequest{Name: "Test App", RedirectURIs: []string{"https://client.example/cb#frag"}},
			wantErr: "fragment",
		},
		{
			name:    "javascript scheme",
			req:     CreateAppRequest{Name: "Test App", RedirectURIs: []string{"javascript:alert(1)"}},
			wantErr: "not allowed",
		},
		{
			name:    "data scheme",
			req:     CreateAppRequest{Name: "Test App", RedirectURIs: []string{"data:text/html,hi"}},
			wantErr: "not allowed",
		},
		{
			name:    "http on public host",
			req:     CreateAppRequest{Name: "Test App", RedirectURIs: []string{"http://client.example/cb"}},
			wantErr: "loopback",
		},
		{
			name:    "https without host",
			req:     CreateAppRequest{Name: "Test App", RedirectURIs: []string{"https:///cb"}},
			wantErr: "invalid redirect URI",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, nil)

			_, err := env.srv.CreateApp(context.Background(), testOwnerID, tt.req)
			require.Error(t, err)
			assert.Equal(t, KindInvalidRequest, KindOf(err))
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateRedirectURI_Accepted(t *testing.T) {
	env := newTestEnv(t, nil)

	for _, uri := range []string{
		"https://client.example/cb",
		"https://client.example:8443/cb?x=1",
		"http://localhost:3000/callback",
		"http://127.0.0.1/cb",
		"http://[::1]:8080/cb",
		"myapp://callback",
		"com.example.app:/oauth2redirect",
	} {
		assert.NoError(t, env.srv.validateRedirectURI(uri), uri)
	}
}

func TestValidateRedirectURI_InsecureHTTPAllowed(t *testing.T) {
	cfg := testConfig()
	cfg.AllowInsecureHTTPRedirects = true
	env := newTestEnv(t, cfg)

	assert.NoError(t, env.srv.validateRedirectURI("http://client.example/cb"))
}

func TestCreateSystemApp(t *testing.T) {
	env := newTestEnv(t, nil)

	created, err := env.srv.CreateSystemApp(context.Background(), testOwnerID, "Web Dashboard", testRedirectURI)
	require.NoError(t, err)

	assert.True(t, created.App.IsTrusted)
	assert.False(t, created.App.IsPublic)
	assert.Equal(t, "System application", created.App.Description)
	assert.False(t, created.Secret.IsZero())
}

func TestGetAppForOwner(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	created := env.createApp(t)

	app, err := env.srv.GetAppForOwner(ctx, created.App.ID, testOwnerID)
	require.NoError(t, err)
	assert.Equal(t, created.App.ClientID, app.ClientID)

	_, err = env.srv.GetAppForOwner(ctx, created.App.ID, "someone-else")
	assert.Equal(t, KindPermissionDenied, KindOf(err))

	_, err = env.srv.GetAppForOwner(ctx, "missing", testOwnerID)
	assert.Equal(t, KindNotFound, KindOf(err))

	_, err = env.srv.GetAppByClientID(ctx, "missing")
	assert.Equal(t, KindNotFound, KindOf(err))
}

func TestListAppsForUser(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	first := env.createApp(t)
	env.clock.Advance(1)
	second := env.createApp(t)

	_, err := env.srv.CreateApp(ctx, "other-owner", CreateAppRequest{
		Name:         "Other App",
		RedirectURIs: []string{testRedirectURI},
	})
	require.NoError(t, err)

	apps, err := env.srv.ListAppsForUser(ctx, testOwnerID)
	require.NoError(t, err)
	require.Len(t, apps, 2)

	ids := []string{apps[0].ID, apps[1].ID}
	assert.ElementsMatch(t, []string{first.App.ID, second.App.ID}, ids)
	for _, app := range apps {
		assert.Zero(t, app.TokenCount)
		assert.Zero(t, app.ConsentCount)
	}
}

func TestRegenerateSecret(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	created := env.createApp(t)
	oldSecret := created.Secret.Plaintext()

	secret, err := env.srv.RegenerateSecret(ctx, created.App.ID, testOwnerID)
	require.NoError(t, err)

	assert.NotEqual(t, oldSecret, secret.Plaintext())
	assert.True(t, env.srv.VerifyClient(ctx, created.App.ClientID, secret.Plaintext()))
	assert.False(t, env.srv.VerifyClient(ctx, created.App.ClientID, oldSecret))
}

func TestRegenerateSecret_Errors(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	created := env.createApp(t)
	public := env.createPublicApp(t)

	_, err := env.srv.RegenerateSecret(ctx, created.App.ID, "someone-else")
	assert.Equal(t, KindPermissionDenied, KindOf(err))

	_, err = env.srv.RegenerateSecret(ctx, "missing", testOwnerID)
	assert.Equal(t, KindNotFound, KindOf(err))

	_, err = env.srv.RegenerateSecret(ctx, public.App.ID, testOwnerID)
	assert.Equal(t, KindInvalidRequest, KindOf(err))

	// Old secret still works after a refused rotation
	assert.True(t, env.srv.VerifyClient(ctx, created.App.ClientID, created.Secret.Plaintext()))
}

func TestDeleteApp_Cascades(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	created := env.createApp(t)
	user := env.saveUser(t)

	tokens := env.issueTokens(t, created, user.ID, "profile:read")
	pendingCode, _ := env.approve(t, created.App, user.ID, "profile:read")

	require.NoError(t, env.srv.DeleteApp(ctx, created.App.ID, testOwnerID))

	_, err := env.store.GetClient(ctx, created.App.ID)
	assert.ErrorIs(t, err, storage.ErrClientNotFound)

	_, err = env.store.GetTokenByAccessToken(ctx, tokens.AccessToken)
	assert.ErrorIs(t, err, storage.ErrTokenNotFound)

	_, err = env.store.ConsumeAuthorizationCode(ctx, pendingCode)
	assert.ErrorIs(t, err, storage.ErrCodeNotFound)

	consents, err := env.srv.ListConsents(ctx, user.ID)
	require.NoError(t, err)
	assert.Empty(t, consents)

	assert.False(t, env.srv.VerifyClient(ctx, created.App.ClientID, created.Secret.Plaintext()))
}

func TestDeleteApp_Errors(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	created := env.createApp(t)

	err := env.srv.DeleteApp(ctx, created.App.ID, "someone-else")
	assert.Equal(t, KindPermissionDenied, KindOf(err))

	err = env.srv.DeleteApp(ctx, "missing", testOwnerID)
	assert.Equal(t, KindNotFound, KindOf(err))

	_, err = env.srv.GetApp(ctx, created.App.ID)
	assert.NoError(t, err)
}

func TestVerifyClient(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	created := env.createApp(t)

	tests := []struct {
		name     string
		clientID string
		secret   string
		want     bool
	}{
		{"valid", created.App.ClientID, created.Secret.Plaintext(), true},
		{"wrong secret", created.App.ClientID, "wrong", false},
		{"empty secret", created.App.ClientID, "", false},
		{"unknown client", "app_missing", created.Secret.Plaintext(), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, env.srv.VerifyClient(ctx, tt.clientID, tt.secret))
		})
	}
}

// collidingStore reports a duplicate client id for the first collisions saves
type collidingStore struct {
	*memory.Store
	collisions int
	attempts   int
}

func (c *collidingStore) SaveClient(ctx context.Context, client *storage.Client) error {
	c.attempts++
	if c.attempts <= c.collisions {
		return storage.ErrDuplicateClientID
	}
	return c.Store.SaveClient(ctx, client)
}

func TestCreateApp_DuplicateClientIDRetry(t *testing.T) {
	tests := []struct {
		name         string
		collisions   int
		wantErr      bool
		wantAttempts int
	}{
		{"no collision", 0, false, 1},
		{"one collision", 1, false, 2},
		{"gives up", maxClientIDCollisions, true, maxClientIDCollisions},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &collidingStore{Store: memory.New(), collisions: tt.collisions}
			t.Cleanup(store.Stop)

			srv, err := New(store, testConfig(), testLogger())
			require.NoError(t, err)

			_, err = srv.CreateApp(context.Background(), testOwnerID, CreateAppRequest{
				Name:         "Test App",
				RedirectURIs: []string{testRedirectURI},
			})
			if tt.wantErr {
				assert.ErrorIs(t, err, storage.ErrDuplicateClientID)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.wantAttempts, store.attempts)
		})
	}
}
