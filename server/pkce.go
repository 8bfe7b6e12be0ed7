package server

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
)

// PKCE challenge methods (RFC 7636)
const (
	PKCEMethodS256  = "S256"
	PKCEMethodPlain = "plain"
)

// Verifier length bounds from RFC 7636 section 4.1
const (
	MinVerifierLength = 43
	MaxVerifierLength = 128
)

// s256ChallengeLength is the base64url length of a SHA-256 digest without padding
const s256ChallengeLength = 43

// isUnreservedChar reports whether c is allowed in a code verifier:
// [A-Z] / [a-z] / [0-9] / "-" / "." / "_" / "~"
func isUnreservedChar(c byte) bool {
	return (c >= 'A' && c <= 'Z') ||
		(c >= 'a' && c <= 'z') ||
		(c >= '0' && c <= '9') ||
		c == '-' || c == '.' || c == '_' || c == '~'
}

func validateVerifierFormat(verifier string) error {
	if len(verifier) < MinVerifierLength || len(verifier) > MaxVerifierLength {
		return fmt.Errorf("code_verifier must be %d-%d characters, got %d", MinVerifierLength, MaxVerifierLength, len(verifier))
	}
	for i := 0; i < len(verifier); i++ {
		if !isUnreservedChar(verifier[i]) {
			return fmt.Errorf("code_verifier contains invalid character at position %d", i)
		}
	}
	return nil
}

// validateChallenge checks a challenge presented at authorization time and
// returns the effective method. An empty method means plain (RFC 7636
// section 4.3).
func (s *Server) validateChallenge(challenge, method string) (string, error) {
	if method == "" {
		method = PKCEMethodPlain
	}

	switch method {
	case PKCEMethodS256:
		if len(challenge) != s256ChallengeLength {
			return "", ValidationError("code_challenge must be a base64url-encoded SHA-256 digest")
		}
		if _, err := base64.RawURLEncoding.DecodeString(challenge); err != nil {
			return "", ValidationError("code_challenge must be a base64url-encoded SHA-256 digest")
		}
	case PKCEMethodPlain:
		if !s.Config.AllowPKCEPlain {
			return "", ValidationError("code_challenge_method 'plain' is not allowed, use S256")
		}
		if err := validateVerifierFormat(challenge); err != nil {
			return "", ValidationError("code_challenge is not a valid plain challenge")
		}
	default:
		return "", ValidationError(fmt.Sprintf("Unsupported code_challenge_method: %s", method))
	}

	return method, nil
}

// verifyPKCE checks verifier against the stored challenge in constant time
func verifyPKCE(challenge, method, verifier string) error {
	if err := validateVerifierFormat(verifier); err != nil {
		return err
	}

	var computed string
	switch method {
	case PKCEMethodS256:
		sum := sha256.Sum256([]byte(verifier))
		computed = base64.RawURLEncoding.EncodeToString(sum[:])
	case PKCEMethodPlain:
		computed = verifier
	default:
		return fmt.Errorf("unsupported code_challenge_method %q", method)
	}

	if subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) != 1 {
		return fmt.Errorf("code_verifier does not match code_challenge")
	}
	return nil
}
