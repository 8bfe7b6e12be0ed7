// Package storagetest provides a conformance suite that every storage.Store
// implementation must pass.
package storagetest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/oauth-provider/internal/testutil"
	"github.com/giantswarm/oauth-provider/storage"
)

// Backend is a store under test. SaveUser is needed to seed the user
// directory and the foreign keys some backends enforce.
type Backend interface {
	storage.Store
	storage.UserWriter
}

// Factory returns an empty backend. It is called once per subtest and is
// responsible for cleaning up via t.Cleanup.
type Factory func(t *testing.T) Backend

// Run runs the full conformance suite against the backends produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("Clients", func(t *testing.T) { testClients(t, newStore(t)) })
	t.Run("DuplicateClientID", func(t *testing.T) { testDuplicateClientID(t, newStore(t)) })
	t.Run("ListClientsByOwner", func(t *testing.T) { testListClientsByOwner(t, newStore(t)) })
	t.Run("DeleteClientCascade", func(t *testing.T) { testDeleteClientCascade(t, newStore(t)) })
	t.Run("ConsumeAuthorizationCode", func(t *testing.T) { testConsumeCode(t, newStore(t)) })
	t.Run("ConsumeAuthorizationCodeConcurrent", func(t *testing.T) { testConsumeCodeConcurrent(t, newStore(t)) })
	t.Run("Tokens", func(t *testing.T) { testTokens(t, newStore(t)) })
	t.Run("RotateRefreshToken", func(t *testing.T) { testRotateRefreshToken(t, newStore(t)) })
	t.Run("RotateRefreshTokenExpired", func(t *testing.T) { testRotateRefreshTokenExpired(t, newStore(t)) })
	t.Run("RotateRefreshTokenConcurrent", func(t *testing.T) { testRotateRefreshTokenConcurrent(t, newStore(t)) })
	t.Run("DeleteToken", func(t *testing.T) { testDeleteToken(t, newStore(t)) })
	t.Run("Consents", func(t *testing.T) { testConsents(t, newStore(t)) })
	t.Run("DeleteConsentCascade", func(t *testing.T) { testDeleteConsentCascade(t, newStore(t)) })
	t.Run("Users", func(t *testing.T) { testUsers(t, newStore(t)) })
	t.Run("DeleteExpired", func(t *testing.T) { testDeleteExpired(t, newStore(t)) })
}

type fixture struct {
	user   *storage.UserProfile
	client *storage.Client
}

func seed(t *testing.T, s Backend) fixture {
	t.Helper()
	ctx := context.Background()

	user := testutil.NewUser()
	require.NoError(t, s.SaveUser(ctx, user))

	client := testutil.NewClient(user.ID)
	require.NoError(t, s.SaveClient(ctx, client))

	return fixture{user: user, client: client}
}

func newUser(t *testing.T, s Backend) *storage.UserProfile {
	t.Helper()
	user := testutil.NewUser()
	require.NoError(t, s.SaveUser(context.Background(), user))
	return user
}

func testClients(t *testing.T, s Backend) {
	ctx := context.Background()
	f := seed(t, s)

	got, err := s.GetClient(ctx, f.client.ID)
	require.NoError(t, err)
	assert.Equal(t, f.client.ClientID, got.ClientID)
	assert.Equal(t, f.client.Name, got.Name)
	assert.Equal(t, f.client.RedirectURIs, got.RedirectURIs)
	assert.Equal(t, f.client.ClientSecretHash, got.ClientSecretHash)
	assert.Equal(t, f.user.ID, got.OwnerID)
	assert.True(t, f.client.CreatedAt.Equal(got.CreatedAt))

	byClientID, err := s.GetClientByClientID(ctx, f.client.ClientID)
	require.NoError(t, err)
	assert.Equal(t, f.client.ID, byClientID.ID)

	_, err = s.GetClient(ctx, uuid.NewString())
	assert.ErrorIs(t, err, storage.ErrClientNotFound)

	_, err = s.GetClientByClientID(ctx, "unknown-client")
	assert.ErrorIs(t, err, storage.ErrClientNotFound)

	require.NoError(t, s.UpdateClientSecret(ctx, f.client.ID, "new-hash"))
	got, err = s.GetClient(ctx, f.client.ID)
	require.NoError(t, err)
	assert.Equal(t, "new-hash", got.ClientSecretHash)

	err = s.UpdateClientSecret(ctx, uuid.NewString(), "x")
	assert.ErrorIs(t, err, storage.ErrClientNotFound)
}

func testDuplicateClientID(t *testing.T, s Backend) {
	f := seed(t, s)

	dup := testutil.NewClient(f.user.ID)
	dup.ClientID = f.client.ClientID

	err := s.SaveClient(context.Background(), dup)
	assert.ErrorIs(t, err, storage.ErrDuplicateClientID)
}

func testListClientsByOwner(t *testing.T, s Backend) {
	ctx := context.Background()
	f := seed(t, s)

	newer := testutil.NewClient(f.user.ID)
	newer.CreatedAt = f.client.CreatedAt.Add(time.Minute)
	require.NoError(t, s.SaveClient(ctx, newer))

	other := newUser(t, s)
	require.NoError(t, s.SaveClient(ctx, testutil.NewClient(other.ID)))

	require.NoError(t, s.SaveToken(ctx, testutil.NewToken(f.client.ID, f.user.ID, "profile:read")))
	require.NoError(t, s.SaveToken(ctx, testutil.NewToken(f.client.ID, other.ID, "profile:read")))
	require.NoError(t, s.UpsertConsent(ctx, newConsent(f.user.ID, f.client.ID)))

	summaries, err := s.ListClientsByOwner(ctx, f.user.ID)
	require.NoError(t, err)
	require.Len(t, summaries, 2)

	assert.Equal(t, newer.ID, summaries[0].ID, "newest first")
	assert.Equal(t, 0, summaries[0].TokenCount)
	assert.Equal(t, f.client.ID, summaries[1].ID)
	assert.Equal(t, 2, summaries[1].TokenCount)
	assert.Equal(t, 1, summaries[1].ConsentCount)

	none, err := s.ListClientsByOwner(ctx, uuid.NewString())
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testDeleteClientCascade(t *testing.T, s Backend) {
	ctx := context.Background()
	f := seed(t, s)

	other := testutil.NewClient(f.user.ID)
	require.NoError(t, s.SaveClient(ctx, other))

	token := testutil.NewToken(f.client.ID, f.user.ID, "profile:read")
	require.NoError(t, s.SaveToken(ctx, token))
	code := testutil.NewAuthorizationCode(f.client.ID, f.user.ID, f.client.RedirectURIs[0])
	require.NoError(t, s.SaveAuthorizationCode(ctx, code))
	require.NoError(t, s.UpsertConsent(ctx, newConsent(f.user.ID, f.client.ID)))

	survivor := testutil.NewToken(other.ID, f.user.ID, "profile:read")
	require.NoError(t, s.SaveToken(ctx, survivor))

	require.NoError(t, s.DeleteClient(ctx, f.client.ID))

	_, err := s.GetClient(ctx, f.client.ID)
	assert.ErrorIs(t, err, storage.ErrClientNotFound)
	_, err = s.GetClientByClientID(ctx, f.client.ClientID)
	assert.ErrorIs(t, err, storage.ErrClientNotFound)

	_, err = s.GetTokenByAccessToken(ctx, token.AccessToken)
	assert.ErrorIs(t, err, storage.ErrTokenNotFound)
	_, err = s.RotateRefreshToken(ctx, token.RefreshToken, newRotation(time.Now()))
	assert.ErrorIs(t, err, storage.ErrTokenNotFound)
	_, err = s.ConsumeAuthorizationCode(ctx, code.Code)
	assert.ErrorIs(t, err, storage.ErrCodeNotFound)

	consents, err := s.ListConsentsByUser(ctx, f.user.ID)
	require.NoError(t, err)
	assert.Empty(t, consents)

	_, err = s.GetTokenByAccessToken(ctx, survivor.AccessToken)
	assert.NoError(t, err, "tokens of other apps survive")

	assert.ErrorIs(t, s.DeleteClient(ctx, f.client.ID), storage.ErrClientNotFound)
}

func testConsumeCode(t *testing.T, s Backend) {
	ctx := context.Background()
	f := seed(t, s)

	code := testutil.NewAuthorizationCode(f.client.ID, f.user.ID, f.client.RedirectURIs[0])
	code.CodeChallenge = "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"
	code.CodeChallengeMethod = "S256"
	code.Scopes = []string{"profile:read", "activity:read"}
	require.NoError(t, s.SaveAuthorizationCode(ctx, code))

	got, err := s.ConsumeAuthorizationCode(ctx, code.Code)
	require.NoError(t, err)
	assert.Equal(t, f.client.ID, got.AppID)
	assert.Equal(t, f.user.ID, got.UserID)
	assert.Equal(t, code.RedirectURI, got.RedirectURI)
	assert.Equal(t, code.Scopes, got.Scopes)
	assert.Equal(t, code.CodeChallenge, got.CodeChallenge)
	assert.Equal(t, "S256", got.CodeChallengeMethod)
	assert.True(t, code.ExpiresAt.Equal(got.ExpiresAt))

	_, err = s.ConsumeAuthorizationCode(ctx, code.Code)
	assert.ErrorIs(t, err, storage.ErrCodeNotFound, "codes are single use")

	expired := testutil.NewAuthorizationCode(f.client.ID, f.user.ID, f.client.RedirectURIs[0])
	expired.CreatedAt = expired.CreatedAt.Add(-20 * time.Minute)
	expired.ExpiresAt = expired.CreatedAt.Add(10 * time.Minute)
	require.NoError(t, s.SaveAuthorizationCode(ctx, expired))

	got, err = s.ConsumeAuthorizationCode(ctx, expired.Code)
	require.NoError(t, err, "expired codes are still returned so the caller can reject them")
	assert.True(t, got.ExpiresAt.Before(time.Now()))

	_, err = s.ConsumeAuthorizationCode(ctx, expired.Code)
	assert.ErrorIs(t, err, storage.ErrCodeNotFound)
}

func testConsumeCodeConcurrent(t *testing.T, s Backend) {
	ctx := context.Background()
	f := seed(t, s)

	code := testutil.NewAuthorizationCode(f.client.ID, f.user.ID, f.client.RedirectURIs[0])
	require.NoError(t, s.SaveAuthorizationCode(ctx, code))

	var successes atomic.Int32
	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.ConsumeAuthorizationCode(ctx, code.Code); err == nil {
				successes.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), successes.Load())
}

func testTokens(t *testing.T, s Backend) {
	ctx := context.Background()
	f := seed(t, s)

	token := testutil.NewToken(f.client.ID, f.user.ID, "profile:read", "activity:read")
	require.NoError(t, s.SaveToken(ctx, token))

	got, err := s.GetTokenByAccessToken(ctx, token.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, token.ID, got.ID)
	assert.Equal(t, token.RefreshToken, got.RefreshToken)
	assert.Equal(t, token.Scopes, got.Scopes)
	assert.True(t, token.AccessTokenExpiresAt.Equal(got.AccessTokenExpiresAt))
	assert.True(t, got.LastUsedAt.IsZero())

	_, err = s.GetTokenByAccessToken(ctx, token.RefreshToken)
	assert.ErrorIs(t, err, storage.ErrTokenNotFound, "refresh token is not an access token")

	usedAt := testutil.Now()
	require.NoError(t, s.TouchToken(ctx, token.ID, usedAt, "203.0.113.7"))

	got, err = s.GetTokenByAccessToken(ctx, token.AccessToken)
	require.NoError(t, err)
	assert.True(t, usedAt.Equal(got.LastUsedAt))
	assert.Equal(t, "203.0.113.7", got.LastUsedIP)

	assert.ErrorIs(t, s.TouchToken(ctx, uuid.NewString(), usedAt, ""), storage.ErrTokenNotFound)
}

func testRotateRefreshToken(t *testing.T, s Backend) {
	ctx := context.Background()
	f := seed(t, s)

	token := testutil.NewToken(f.client.ID, f.user.ID, "profile:read")
	require.NoError(t, s.SaveToken(ctx, token))

	rotation := newRotation(testutil.Now())
	rotated, err := s.RotateRefreshToken(ctx, token.RefreshToken, rotation)
	require.NoError(t, err)
	assert.Equal(t, rotation.ID, rotated.ID)
	assert.Equal(t, rotation.AccessToken, rotated.AccessToken)
	assert.Equal(t, rotation.RefreshToken, rotated.RefreshToken)
	assert.Equal(t, f.client.ID, rotated.AppID)
	assert.Equal(t, f.user.ID, rotated.UserID)
	assert.Equal(t, []string{"profile:read"}, rotated.Scopes)

	_, err = s.RotateRefreshToken(ctx, token.RefreshToken, newRotation(testutil.Now()))
	assert.ErrorIs(t, err, storage.ErrTokenNotFound, "old refresh token can never be redeemed again")

	_, err = s.GetTokenByAccessToken(ctx, token.AccessToken)
	assert.ErrorIs(t, err, storage.ErrTokenNotFound, "old access token is gone")

	got, err := s.GetTokenByAccessToken(ctx, rotation.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, rotation.ID, got.ID)

	_, err = s.RotateRefreshToken(ctx, rotation.RefreshToken, newRotation(testutil.Now()))
	assert.NoError(t, err, "new refresh token redeems once more")
}

func testRotateRefreshTokenExpired(t *testing.T, s Backend) {
	ctx := context.Background()
	f := seed(t, s)

	token := testutil.NewToken(f.client.ID, f.user.ID, "profile:read")
	token.RefreshTokenExpiresAt = testutil.Now().Add(time.Hour)
	require.NoError(t, s.SaveToken(ctx, token))

	_, err := s.RotateRefreshToken(ctx, token.RefreshToken, newRotation(token.RefreshTokenExpiresAt.Add(time.Second)))
	assert.ErrorIs(t, err, storage.ErrTokenExpired)

	_, err = s.RotateRefreshToken(ctx, token.RefreshToken, newRotation(testutil.Now()))
	assert.ErrorIs(t, err, storage.ErrTokenNotFound, "expired pair is removed")
}

func testRotateRefreshTokenConcurrent(t *testing.T, s Backend) {
	ctx := context.Background()
	f := seed(t, s)

	token := testutil.NewToken(f.client.ID, f.user.ID, "profile:read")
	require.NoError(t, s.SaveToken(ctx, token))

	var successes atomic.Int32
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.RotateRefreshToken(ctx, token.RefreshToken, newRotation(testutil.Now()))
			if err == nil {
				successes.Add(1)
			} else if !errors.Is(err, storage.ErrTokenNotFound) {
				t.Errorf("unexpected rotation error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), successes.Load())
}

func testDeleteToken(t *testing.T, s Backend) {
	ctx := context.Background()
	f := seed(t, s)

	byAccess := testutil.NewToken(f.client.ID, f.user.ID, "profile:read")
	byRefresh := testutil.NewToken(f.client.ID, f.user.ID, "profile:read")
	require.NoError(t, s.SaveToken(ctx, byAccess))
	require.NoError(t, s.SaveToken(ctx, byRefresh))

	deleted, err := s.DeleteToken(ctx, byAccess.AccessToken)
	require.NoError(t, err)
	assert.True(t, deleted)
	_, err = s.RotateRefreshToken(ctx, byAccess.RefreshToken, newRotation(testutil.Now()))
	assert.ErrorIs(t, err, storage.ErrTokenNotFound, "deleting by access value removes the pair")

	deleted, err = s.DeleteToken(ctx, byRefresh.RefreshToken)
	require.NoError(t, err)
	assert.True(t, deleted)
	_, err = s.GetTokenByAccessToken(ctx, byRefresh.AccessToken)
	assert.ErrorIs(t, err, storage.ErrTokenNotFound, "deleting by refresh value removes the pair")

	deleted, err = s.DeleteToken(ctx, byAccess.AccessToken)
	require.NoError(t, err)
	assert.False(t, deleted, "second delete is a no-op")

	deleted, err = s.DeleteToken(ctx, "garbage")
	require.NoError(t, err)
	assert.False(t, deleted)
}

func testConsents(t *testing.T, s Backend) {
	ctx := context.Background()
	f := seed(t, s)

	second := testutil.NewClient(f.user.ID)
	require.NoError(t, s.SaveClient(ctx, second))

	first := newConsent(f.user.ID, f.client.ID)
	require.NoError(t, s.UpsertConsent(ctx, first))

	later := newConsent(f.user.ID, second.ID)
	later.CreatedAt = first.CreatedAt.Add(time.Minute)
	later.UpdatedAt = later.CreatedAt
	require.NoError(t, s.UpsertConsent(ctx, later))

	// Upsert on an existing pair replaces scopes and keeps one record.
	replacement := newConsent(f.user.ID, f.client.ID)
	replacement.Scopes = []string{"profile:read", "activity:read"}
	replacement.UpdatedAt = first.CreatedAt.Add(30 * time.Second)
	require.NoError(t, s.UpsertConsent(ctx, replacement))

	consents, err := s.ListConsentsByUser(ctx, f.user.ID)
	require.NoError(t, err)
	require.Len(t, consents, 2)

	assert.Equal(t, second.ID, consents[0].AppID, "newest first")
	assert.Equal(t, second.Name, consents[0].App.Name)

	assert.Equal(t, f.client.ID, consents[1].AppID)
	assert.Equal(t, []string{"profile:read", "activity:read"}, consents[1].Scopes)
	assert.Equal(t, f.client.Name, consents[1].App.Name)
	assert.Equal(t, f.client.HomepageURL, consents[1].App.HomepageURL)
	assert.Equal(t, f.client.ID, consents[1].App.ID)

	other, err := s.ListConsentsByUser(ctx, uuid.NewString())
	require.NoError(t, err)
	assert.Empty(t, other)
}

func testDeleteConsentCascade(t *testing.T, s Backend) {
	ctx := context.Background()
	f := seed(t, s)
	otherUser := newUser(t, s)

	require.NoError(t, s.UpsertConsent(ctx, newConsent(f.user.ID, f.client.ID)))
	require.NoError(t, s.UpsertConsent(ctx, newConsent(otherUser.ID, f.client.ID)))

	revoked := testutil.NewToken(f.client.ID, f.user.ID, "profile:read")
	kept := testutil.NewToken(f.client.ID, otherUser.ID, "profile:read")
	require.NoError(t, s.SaveToken(ctx, revoked))
	require.NoError(t, s.SaveToken(ctx, kept))

	pending := testutil.NewAuthorizationCode(f.client.ID, f.user.ID, f.client.RedirectURIs[0])
	require.NoError(t, s.SaveAuthorizationCode(ctx, pending))

	require.NoError(t, s.DeleteConsent(ctx, f.user.ID, f.client.ID))

	_, err := s.GetTokenByAccessToken(ctx, revoked.AccessToken)
	assert.ErrorIs(t, err, storage.ErrTokenNotFound)
	_, err = s.ConsumeAuthorizationCode(ctx, pending.Code)
	assert.ErrorIs(t, err, storage.ErrCodeNotFound)

	_, err = s.GetTokenByAccessToken(ctx, kept.AccessToken)
	assert.NoError(t, err, "other users' tokens survive")

	consents, err := s.ListConsentsByUser(ctx, f.user.ID)
	require.NoError(t, err)
	assert.Empty(t, consents)

	assert.ErrorIs(t, s.DeleteConsent(ctx, f.user.ID, f.client.ID), storage.ErrConsentNotFound)
}

func testUsers(t *testing.T, s Backend) {
	ctx := context.Background()
	user := newUser(t, s)

	got, err := s.GetUserProfile(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, user.Name, got.Name)
	assert.Equal(t, user.Email, got.Email)
	assert.Equal(t, user.Image, got.Image)
	require.NotNil(t, got.FTP)
	assert.Equal(t, *user.FTP, *got.FTP)
	require.NotNil(t, got.Weight)
	assert.InDelta(t, *user.Weight, *got.Weight, 0.001)

	byEmail, err := s.GetUserByEmail(ctx, user.Email)
	require.NoError(t, err)
	assert.Equal(t, user.ID, byEmail.ID)

	bare := testutil.NewUser()
	bare.FTP = nil
	bare.Weight = nil
	require.NoError(t, s.SaveUser(ctx, bare))
	got, err = s.GetUserProfile(ctx, bare.ID)
	require.NoError(t, err)
	assert.Nil(t, got.FTP)
	assert.Nil(t, got.Weight)

	_, err = s.GetUserProfile(ctx, uuid.NewString())
	assert.ErrorIs(t, err, storage.ErrUserNotFound)
	_, err = s.GetUserByEmail(ctx, "nobody@example.invalid")
	assert.ErrorIs(t, err, storage.ErrUserNotFound)
}

func testDeleteExpired(t *testing.T, s Backend) {
	ctx := context.Background()
	f := seed(t, s)
	now := testutil.Now()

	liveCode := testutil.NewAuthorizationCode(f.client.ID, f.user.ID, f.client.RedirectURIs[0])
	deadCode := testutil.NewAuthorizationCode(f.client.ID, f.user.ID, f.client.RedirectURIs[0])
	deadCode.ExpiresAt = now.Add(-time.Minute)
	require.NoError(t, s.SaveAuthorizationCode(ctx, liveCode))
	require.NoError(t, s.SaveAuthorizationCode(ctx, deadCode))

	liveToken := testutil.NewToken(f.client.ID, f.user.ID, "profile:read")
	// Access expired but refresh still valid: the pair stays.
	refreshable := testutil.NewToken(f.client.ID, f.user.ID, "profile:read")
	refreshable.AccessTokenExpiresAt = now.Add(-time.Hour)
	deadToken := testutil.NewToken(f.client.ID, f.user.ID, "profile:read")
	deadToken.AccessTokenExpiresAt = now.Add(-2 * time.Hour)
	deadToken.RefreshTokenExpiresAt = now.Add(-time.Hour)
	for _, tok := range []*storage.Token{liveToken, refreshable, deadToken} {
		require.NoError(t, s.SaveToken(ctx, tok))
	}

	removed, err := s.DeleteExpired(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	_, err = s.ConsumeAuthorizationCode(ctx, deadCode.Code)
	assert.ErrorIs(t, err, storage.ErrCodeNotFound)
	_, err = s.GetTokenByAccessToken(ctx, deadToken.AccessToken)
	assert.ErrorIs(t, err, storage.ErrTokenNotFound)

	_, err = s.GetTokenByAccessToken(ctx, liveToken.AccessToken)
	assert.NoError(t, err)
	_, err = s.GetTokenByAccessToken(ctx, refreshable.AccessToken)
	assert.NoError(t, err)
	_, err = s.ConsumeAuthorizationCode(ctx, liveCode.Code)
	assert.NoError(t, err)
}

func newConsent(userID, appID string) *storage.Consent {
	now := testutil.Now()
	return &storage.Consent{
		ID:        uuid.NewString(),
		UserID:    userID,
		AppID:     appID,
		Scopes:    []string{"profile:read"},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func newRotation(issuedAt time.Time) *storage.TokenRotation {
	return &storage.TokenRotation{
		ID:                    uuid.NewString(),
		AccessToken:           testutil.GenerateRandomString(43),
		RefreshToken:          testutil.GenerateRandomString(43),
		AccessTokenExpiresAt:  issuedAt.Add(time.Hour),
		RefreshTokenExpiresAt: issuedAt.Add(24 * time.Hour),
		IssuedAt:              issuedAt,
	}
}
