package oauth

import (
	"strings"

	"github.com/giantswarm/oauth-provider/security"
)

// DefaultSessionHeader carries the authenticated user id when the handler
// runs behind a session-terminating gateway.
const DefaultSessionHeader = "X-User-ID"

// Config holds the HTTP handler configuration
type Config struct {
	// Issuer is the public base URL of the server, used in discovery
	// metadata. Empty disables the metadata endpoint.
	Issuer string

	// RateLimit applies per client IP to the token and revocation
	// endpoints. A zero RequestsPerSecond disables limiting.
	RateLimit security.RateLimitConfig

	// ProxyTrust controls whether X-Forwarded-For and X-Real-IP are honored.
	// Only enable behind a trusted reverse proxy.
	ProxyTrust security.ProxyTrust

	// CORSAllowedOrigins enables CORS on the browser-callable OAuth
	// endpoints for the listed origins. Empty disables CORS.
	CORSAllowedOrigins []string

	// SessionHeader names the header HeaderSessionResolver reads.
	// Default: X-User-ID
	SessionHeader string
}

func (c *Config) https() bool {
	return strings.HasPrefix(c.Issuer, "https://")
}

func applyDefaults(config *Config) *Config {
	if config == nil {
		config = &Config{}
	}
	if config.SessionHeader == "" {
		config.SessionHeader = DefaultSessionHeader
	}
	return config
}
