package testutil

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/giantswarm/oauth-provider/storage"
)

// MockTime provides a controllable time source for deterministic testing.
// It is safe for concurrent use.
type MockTime struct {
	mu  sync.Mutex
	now time.Time
}

// NewMockTime creates a new mock time provider
func NewMockTime(t time.Time) *MockTime {
	return &MockTime{now: t}
}

// Now returns the current mock time
func (m *MockTime) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the mock time forward by the given duration
func (m *MockTime) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// Set sets the mock time to a specific value
func (m *MockTime) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t
}

// Now returns the current time truncated to microseconds in UTC, which
// round-trips through every storage backend unchanged.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// GenerateRandomString generates a random URL-safe string of the given length
func GenerateRandomString(length int) string {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("failed to generate random string: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)[:length]
}

// GeneratePKCEPair generates an S256 PKCE challenge and its verifier
func GeneratePKCEPair() (challenge, verifier string) {
	verifier = oauth2.GenerateVerifier()
	return oauth2.S256ChallengeFromVerifier(verifier), verifier
}

// NewUser returns a user profile with fake name and email
func NewUser() *storage.UserProfile {
	ftp := gofakeit.IntRange(120, 400)
	weight := float64(gofakeit.IntRange(50, 100))
	return &storage.UserProfile{
		ID:     uuid.NewString(),
		Name:   gofakeit.Name(),
		Email:  gofakeit.Email(),
		Image:  gofakeit.URL(),
		FTP:    &ftp,
		Weight: &weight,
	}
}

// NewClient returns a confidential client owned by ownerID. The secret
// hash is a bcrypt hash of "secret".
func NewClient(ownerID string) *storage.Client {
	now := Now()
	return &storage.Client{
		ID:               uuid.NewString(),
		ClientID:         GenerateRandomString(24),
		ClientSecretHash: "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy",
		Name:             gofakeit.AppName(),
		Description:      gofakeit.Sentence(8),
		HomepageURL:      "https://client.example",
		RedirectURIs:     []string{"https://client.example/cb", "https://client.example/alt"},
		OwnerID:          ownerID,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// NewToken returns a token pair for (appID, userID) valid for an hour
func NewToken(appID, userID string, scopes ...string) *storage.Token {
	now := Now()
	return &storage.Token{
		ID:                    uuid.NewString(),
		AccessToken:           GenerateRandomString(43),
		RefreshToken:          GenerateRandomString(43),
		AppID:                 appID,
		UserID:                userID,
		Scopes:                scopes,
		AccessTokenExpiresAt:  now.Add(time.Hour),
		RefreshTokenExpiresAt: now.Add(24 * time.Hour),
		CreatedAt:             now,
	}
}

// NewAuthorizationCode returns a code for (appID, userID) valid for ten minutes
func NewAuthorizationCode(appID, userID, redirectURI string) *storage.AuthorizationCode {
	now := Now()
	return &storage.AuthorizationCode{
		Code:        GenerateRandomString(43),
		AppID:       appID,
		UserID:      userID,
		RedirectURI: redirectURI,
		Scopes:      []string{"profile:read"},
		CreatedAt:   now,
		ExpiresAt:   now.Add(10 * time.Minute),
	}
}
