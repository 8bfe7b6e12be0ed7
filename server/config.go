package server

import (
	"log/slog"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// MaxAuthorizationCodeTTL caps the authorization code lifetime in seconds
// (RFC 6749 section 4.1.2 recommends at most ten minutes).
const MaxAuthorizationCodeTTL = 600

// Config holds OAuth server configuration
type Config struct {
	// AuthorizationCodeTTL is how long authorization codes are valid
	AuthorizationCodeTTL int64 // seconds, default: 600, max: 600

	// AccessTokenTTL is how long access tokens are valid
	AccessTokenTTL int64 // seconds, default: 3600 (1 hour)

	// RefreshTokenTTL is how long refresh tokens are valid
	RefreshTokenTTL int64 // seconds, default: 7776000 (90 days)

	// ClockSkewGracePeriod is tolerated on code and access token expiry checks.
	// Zero means a code or token fails the moment its expiry passes.
	ClockSkewGracePeriod int64 // seconds, default: 0

	// SupportedScopes is the scope registry. Default: DefaultScopes.
	SupportedScopes []string

	// DefaultScope is granted when a request names no scope.
	// Default: profile:read
	DefaultScope string

	// AllowPKCEPlain accepts the 'plain' code_challenge_method.
	// DefaultConfig enables it; a zero Config accepts only S256.
	AllowPKCEPlain bool

	// AllowInsecureHTTPRedirects lets apps register http redirect URIs on
	// non-loopback hosts. Loopback http URIs are always allowed.
	AllowInsecureHTTPRedirects bool

	// SecretHashCost is the bcrypt cost for client secrets.
	// Default: bcrypt.DefaultCost
	SecretHashCost int
}

// DefaultConfig returns the configuration used when New receives nil
func DefaultConfig() *Config {
	return &Config{
		AuthorizationCodeTTL: MaxAuthorizationCodeTTL,
		AccessTokenTTL:       3600,
		RefreshTokenTTL:      7776000,
		SupportedScopes:      DefaultScopes(),
		DefaultScope:         ScopeProfileRead,
		AllowPKCEPlain:       true,
		SecretHashCost:       bcrypt.DefaultCost,
	}
}

// applySecureDefaults fills zero values and logs warnings for risky settings
func applySecureDefaults(config *Config, logger *slog.Logger) *Config {
	applyTimeDefaults(config, logger)

	if len(config.SupportedScopes) == 0 {
		config.SupportedScopes = DefaultScopes()
	}
	if config.DefaultScope == "" {
		config.DefaultScope = ScopeProfileRead
	}
	if config.SecretHashCost == 0 {
		config.SecretHashCost = bcrypt.DefaultCost
	}

	logSecurityWarnings(config, logger)

	return config
}

func applyTimeDefaults(config *Config, logger *slog.Logger) {
	if config.AuthorizationCodeTTL <= 0 {
		config.AuthorizationCodeTTL = MaxAuthorizationCodeTTL
	}
	if config.AuthorizationCodeTTL > MaxAuthorizationCodeTTL {
		logger.Warn("Authorization code TTL exceeds maximum, clamping",
			"configured_seconds", config.AuthorizationCodeTTL,
			"max_seconds", MaxAuthorizationCodeTTL)
		config.AuthorizationCodeTTL = MaxAuthorizationCodeTTL
	}
	if config.AccessTokenTTL <= 0 {
		config.AccessTokenTTL = 3600
	}
	if config.RefreshTokenTTL <= 0 {
		config.RefreshTokenTTL = 7776000
	}
	if config.ClockSkewGracePeriod < 0 {
		logger.Warn("Negative clock skew grace period, using zero",
			"configured_seconds", config.ClockSkewGracePeriod)
		config.ClockSkewGracePeriod = 0
	}
}

func logSecurityWarnings(config *Config, logger *slog.Logger) {
	if config.AccessTokenTTL > 86400 {
		logger.Warn("SECURITY WARNING: long-lived access tokens",
			"access_token_ttl_seconds", config.AccessTokenTTL,
			"recommendation", "Keep access tokens under 24 hours and rely on refresh rotation")
	}
	if config.RefreshTokenTTL < config.AccessTokenTTL {
		logger.Warn("Refresh token TTL is shorter than access token TTL",
			"access_token_ttl_seconds", config.AccessTokenTTL,
			"refresh_token_ttl_seconds", config.RefreshTokenTTL)
	}
	if config.ClockSkewGracePeriod > 60 {
		logger.Warn("SECURITY WARNING: large clock skew grace period",
			"grace_seconds", config.ClockSkewGracePeriod)
	}
	if config.SecretHashCost < bcrypt.DefaultCost {
		logger.Warn("SECURITY WARNING: client secret bcrypt cost below default",
			"cost", config.SecretHashCost,
			"default", bcrypt.DefaultCost)
	}
	if config.AllowInsecureHTTPRedirects {
		logger.Warn("SECURITY WARNING: http redirect URIs allowed on non-loopback hosts",
			"risk", "Authorization codes sent over cleartext")
	}
}

func (c *Config) codeTTL() time.Duration {
	return time.Duration(c.AuthorizationCodeTTL) * time.Second
}

func (c *Config) accessTTL() time.Duration {
	return time.Duration(c.AccessTokenTTL) * time.Second
}

func (c *Config) refreshTTL() time.Duration {
	return time.Duration(c.RefreshTokenTTL) * time.Second
}

func (c *Config) grace() time.Duration {
	return time.Duration(c.ClockSkewGracePeriod) * time.Second
}
