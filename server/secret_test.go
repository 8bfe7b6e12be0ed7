package server

import (
	"bytes"
	"fmt"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestClientSecret_Redacted(t *testing.T) {
	secret, err := newClientSecret(bcrypt.MinCost)
	require.NoError(t, err)
	require.False(t, secret.IsZero())

	plaintext := secret.Plaintext()
	assert.Len(t, plaintext, 43)

	assert.NotContains(t, fmt.Sprintf("%v", secret), plaintext)
	assert.NotContains(t, fmt.Sprintf("%+v", secret), plaintext)
	assert.NotContains(t, fmt.Sprintf("%#v", secret), plaintext)
	assert.NotContains(t, fmt.Sprintf("%s", secret), plaintext)

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	logger.Info("created", "secret", secret)
	assert.NotContains(t, buf.String(), plaintext)
	assert.Contains(t, buf.String(), redacted)
}

func TestClientSecret_HashVerifies(t *testing.T) {
	secret, err := newClientSecret(bcrypt.MinCost)
	require.NoError(t, err)

	assert.NotEqual(t, secret.Plaintext(), secret.hash)
	assert.True(t, verifySecret(secret.hash, secret.Plaintext()))
	assert.False(t, verifySecret(secret.hash, "wrong"))
}

func TestClientSecret_Unique(t *testing.T) {
	a, err := newClientSecret(bcrypt.MinCost)
	require.NoError(t, err)
	b, err := newClientSecret(bcrypt.MinCost)
	require.NoError(t, err)

	assert.NotEqual(t, a.Plaintext(), b.Plaintext())
}

func TestVerifySecret_Empty(t *testing.T) {
	assert.False(t, verifySecret("", "anything"))
	assert.False(t, verifySecret(dummySecretHash, ""))
	assert.False(t, verifySecret("", ""))
}

func TestClientSecret_ZeroValue(t *testing.T) {
	var secret ClientSecret
	assert.True(t, secret.IsZero())
	assert.Empty(t, secret.Plaintext())
}
