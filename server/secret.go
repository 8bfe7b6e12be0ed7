package server

import (
	"fmt"
	"log/slog"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/oauth2"
)

const redacted = "[REDACTED]"

// dummySecretHash is compared against when no client exists so unknown
// client ids cost the same as a wrong secret.
const dummySecretHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

// ClientSecret is a freshly generated client secret. The plaintext is
// available only through Plaintext on the value returned at creation or
// rotation; the store keeps the bcrypt hash. Formatting and logging the
// value never reveals the plaintext.
type ClientSecret struct {
	plaintext string
	hash      string
}

func newClientSecret(cost int) (ClientSecret, error) {
	plaintext := generateRandomToken()
	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), cost)
	if err != nil {
		return ClientSecret{}, fmt.Errorf("failed to hash client secret: %w", err)
	}
	return ClientSecret{plaintext: plaintext, hash: string(hash)}, nil
}

// Plaintext returns the secret to hand to the app owner exactly once
func (c ClientSecret) Plaintext() string {
	return c.plaintext
}

// IsZero reports whether no secret was generated (public apps)
func (c ClientSecret) IsZero() bool {
	return c.plaintext == ""
}

func (c ClientSecret) String() string {
	return redacted
}

func (c ClientSecret) GoString() string {
	return redacted
}

// LogValue implements slog.LogValuer
func (c ClientSecret) LogValue() slog.Value {
	return slog.StringValue(redacted)
}

// verifySecret compares secret with hash in constant time. An empty hash
// still pays for a comparison.
func verifySecret(hash, secret string) bool {
	if hash == "" || secret == "" {
		_ = bcrypt.CompareHashAndPassword([]byte(dummySecretHash), []byte(secret))
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) == nil
}

// generateRandomToken returns 32 random bytes, base64url encoded.
func generateRandomToken() string {
	return oauth2.GenerateVerifier()
}
