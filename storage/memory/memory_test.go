package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/oauth-provider/instrumentation"
	"github.com/giantswarm/oauth-provider/internal/testutil"
	"github.com/giantswarm/oauth-provider/storage"
	"github.com/giantswarm/oauth-provider/storage/storagetest"
)

func TestStore_Conformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storagetest.Backend {
		store := New()
		t.Cleanup(store.Stop)
		return store
	})
}

func TestStore_ConformanceWithInstrumentation(t *testing.T) {
	inst, err := instrumentation.New(instrumentation.Config{Enabled: true})
	require.NoError(t, err)

	storagetest.Run(t, func(t *testing.T) storagetest.Backend {
		store := New()
		store.SetInstrumentation(inst)
		t.Cleanup(store.Stop)
		return store
	})
}

func TestStore_CleanupLoop(t *testing.T) {
	store := NewWithInterval(10 * time.Millisecond)
	defer store.Stop()

	ctx := context.Background()
	user := testutil.NewUser()
	require.NoError(t, store.SaveUser(ctx, user))
	client := testutil.NewClient(user.ID)
	require.NoError(t, store.SaveClient(ctx, client))

	token := testutil.NewToken(client.ID, user.ID, "profile:read")
	token.AccessTokenExpiresAt = time.Now().Add(-2 * time.Hour)
	token.RefreshTokenExpiresAt = time.Now().Add(-time.Hour)
	require.NoError(t, store.SaveToken(ctx, token))

	assert.Eventually(t, func() bool {
		_, err := store.GetTokenByAccessToken(ctx, token.AccessToken)
		return err != nil
	}, time.Second, 10*time.Millisecond)
}

func TestStore_StopIsIdempotent(t *testing.T) {
	store := New()
	store.Stop()
	assert.NotPanics(t, store.Stop)
	assert.NoError(t, store.Close())
}

func TestStore_ReturnsCopies(t *testing.T) {
	store := New()
	defer store.Stop()
	ctx := context.Background()

	client := testutil.NewClient("owner")
	require.NoError(t, store.SaveClient(ctx, client))

	got, err := store.GetClient(ctx, client.ID)
	require.NoError(t, err)
	got.RedirectURIs[0] = "https://evil.example/cb"
	got.ClientSecretHash = ""

	again, err := store.GetClient(ctx, client.ID)
	require.NoError(t, err)
	assert.Equal(t, "https://client.example/cb", again.RedirectURIs[0])
	assert.NotEmpty(t, again.ClientSecretHash)
}

func TestStore_SaveClientValidation(t *testing.T) {
	store := New()
	defer store.Stop()

	err := store.SaveClient(context.Background(), &storage.Client{Name: "no ids"})
	assert.Error(t, err)
}
