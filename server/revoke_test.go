package server

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/oauth-provider/storage"
)

func TestRevokeToken(t *testing.T) {
	tests := []struct {
		name      string
		useAccess bool
	}{
		{"by access token", true},
		{"by refresh token", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, nil)
			ctx := context.Background()
			created := env.createApp(t)
			tokens := env.issueTokens(t, created, "user-1", "")

			value := tokens.RefreshToken
			if tt.useAccess {
				value = tokens.AccessToken
			}

			err := env.srv.RevokeToken(ctx, value, created.App.ClientID, created.Secret.Plaintext(), "203.0.113.7")
			require.NoError(t, err)

			// The whole pair is gone
			_, err = env.store.GetTokenByAccessToken(ctx, tokens.AccessToken)
			assert.ErrorIs(t, err, storage.ErrTokenNotFound)

			_, err = env.srv.Exchange(ctx, refreshRequest(created, tokens.RefreshToken))
			assert.Equal(t, KindInvalidGrant, KindOf(err))
		})
	}
}

func TestRevokeToken_UnknownTokenSucceeds(t *testing.T) {
	env := newTestEnv(t, nil)

	err := env.srv.RevokeToken(context.Background(), "not-a-token", "", "", "")
	assert.NoError(t, err)
}

func TestRevokeToken_Idempotent(t *testing.T) {
	env := newTestEnv(t, nil)
	created := env.createApp(t)
	tokens := env.issueTokens(t, created, "user-1", "")

	require.NoError(t, env.srv.RevokeToken(context.Background(), tokens.AccessToken, "", "", ""))
	assert.NoError(t, env.srv.RevokeToken(context.Background(), tokens.AccessToken, "", "", ""))
}

func TestRevokeToken_InvalidClientCredentialsStillRevokes(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	created := env.createApp(t)
	tokens := env.issueTokens(t, created, "user-1", "")

	err := env.srv.RevokeToken(ctx, tokens.AccessToken, created.App.ClientID, "wrong", "")
	require.NoError(t, err)

	_, err = env.store.GetTokenByAccessToken(ctx, tokens.AccessToken)
	assert.ErrorIs(t, err, storage.ErrTokenNotFound)
}

func TestRevokeToken_MissingToken(t *testing.T) {
	env := newTestEnv(t, nil)

	err := env.srv.RevokeToken(context.Background(), "", "", "", "")
	assert.Equal(t, KindInvalidRequest, KindOf(err))
}

func TestRevokeToken_LeavesOtherPairs(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	created := env.createApp(t)
	first := env.issueTokens(t, created, "user-1", "")
	second := env.issueTokens(t, created, "user-1", "")

	require.NoError(t, env.srv.RevokeToken(ctx, first.AccessToken, "", "", ""))

	_, err := env.store.GetTokenByAccessToken(ctx, second.AccessToken)
	assert.NoError(t, err)
}
