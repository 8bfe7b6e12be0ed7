package server

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/oauth-provider/storage"
)

func TestListConsents(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	first := env.createApp(t)
	second := env.createApp(t)

	env.approve(t, first.App, "user-1", "profile:read")
	env.clock.Advance(time.Minute)
	env.approve(t, second.App, "user-1", "activity:read")
	env.approve(t, first.App, "user-2", "")

	consents, err := env.srv.ListConsents(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, consents, 2)

	assert.Equal(t, second.App.ID, consents[0].AppID)
	assert.Equal(t, first.App.ID, consents[1].AppID)
	assert.Equal(t, "Test App", consents[0].App.Name)

	_, err = env.srv.ListConsents(ctx, "")
	assert.Equal(t, KindUnauthorized, KindOf(err))
}

func TestRevokeConsent(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	created := env.createApp(t)
	other := env.createApp(t)

	tokens := env.issueTokens(t, created, "user-1", "profile:read")
	pendingCode, pendingVerifier := env.approve(t, created.App, "user-1", "profile:read")
	otherTokens := env.issueTokens(t, other, "user-1", "profile:read")
	otherUserTokens := env.issueTokens(t, created, "user-2", "profile:read")

	require.NoError(t, env.srv.RevokeConsent(ctx, "user-1", created.App.ID))

	// Tokens of the pair are gone
	_, err := env.store.GetTokenByAccessToken(ctx, tokens.AccessToken)
	assert.ErrorIs(t, err, storage.ErrTokenNotFound)
	_, err = env.srv.Exchange(ctx, refreshRequest(created, tokens.RefreshToken))
	assert.Equal(t, KindInvalidGrant, KindOf(err))

	// Pending codes of the pair are gone
	_, err = env.srv.Exchange(ctx, TokenRequest{
		GrantType:    GrantTypeAuthorizationCode,
		Code:         pendingCode,
		CodeVerifier: pendingVerifier,
		ClientID:     created.App.ClientID,
		ClientSecret: created.Secret.Plaintext(),
	})
	assert.Equal(t, KindInvalidGrant, KindOf(err))

	// Other pairs are untouched
	_, err = env.store.GetTokenByAccessToken(ctx, otherTokens.AccessToken)
	assert.NoError(t, err)
	_, err = env.store.GetTokenByAccessToken(ctx, otherUserTokens.AccessToken)
	assert.NoError(t, err)

	consents, err := env.srv.ListConsents(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, consents, 1)
	assert.Equal(t, other.App.ID, consents[0].AppID)
}

func TestRevokeConsent_Errors(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	created := env.createApp(t)

	err := env.srv.RevokeConsent(ctx, "user-1", created.App.ID)
	assert.Equal(t, KindNotFound, KindOf(err))

	err = env.srv.RevokeConsent(ctx, "", created.App.ID)
	assert.Equal(t, KindUnauthorized, KindOf(err))
}

func TestRevokeConsent_ThenReauthorize(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	created := env.createApp(t)

	env.issueTokens(t, created, "user-1", "")
	require.NoError(t, env.srv.RevokeConsent(ctx, "user-1", created.App.ID))

	tokens := env.issueTokens(t, created, "user-1", "")
	assert.NotEmpty(t, tokens.AccessToken)

	consents, err := env.srv.ListConsents(ctx, "user-1")
	require.NoError(t, err)
	assert.Len(t, consents, 1)
}

func TestSweepExpired(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	created := env.createApp(t)

	live := env.issueTokens(t, created, "user-1", "")
	env.approve(t, created.App, "user-1", "")

	removed, err := env.srv.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, removed)

	// Past the code lifetime but not the refresh lifetime
	env.clock.Advance(time.Hour)
	removed, err = env.srv.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = env.store.GetTokenByAccessToken(ctx, live.AccessToken)
	assert.NoError(t, err)

	env.clock.Advance(91 * 24 * time.Hour)
	removed, err = env.srv.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = env.store.GetTokenByAccessToken(ctx, live.AccessToken)
	assert.ErrorIs(t, err, storage.ErrTokenNotFound)
}

func TestRunExpirySweep_StopsOnCancel(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		env.srv.RunExpirySweep(ctx, time.Millisecond)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunExpirySweep did not return after cancel")
	}
}
