// Package security holds the cross-cutting protections used by the OAuth
// endpoints: the audit trail, per-key rate limiting, response security
// headers, request ids, client IP extraction and expiry checks with clock
// skew tolerance.
//
// # Audit trail
//
// Auditor writes two kinds of records through slog. Security events
// (LogEvent and its helpers) describe protocol activity such as issued or
// revoked tokens and failed client authentication. Audit actions
// (LogAction) record state changes made by a user, for example
// OAUTH_APP_CREATED. User ids are always hashed before they are logged.
//
// # Rate limiting
//
// RateLimiter keeps one token bucket per key, typically the client IP.
// Memory stays bounded: at most MaxEntries keys are tracked and the least
// recently used key is evicted beyond that, while a background sweep drops
// keys idle for IdleTimeout.
//
//	limiter := security.NewRateLimiter(security.RateLimitConfig{
//	    RequestsPerSecond: 5,
//	    Burst:             10,
//	}, logger)
//	defer limiter.Stop()
//
//	if !limiter.Allow(ip) {
//	    // reply 429 with Retry-After: limiter.RetryAfter()
//	}
package security
