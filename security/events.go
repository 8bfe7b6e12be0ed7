package security

// Security event types passed to Auditor.LogEvent.
const (
	// Authorization flow events

	// EventAuthorizationCodeIssued is logged when a user approves a request and a code is issued
	EventAuthorizationCodeIssued = "authorization_code_issued"

	// EventAuthorizationDenied is logged when a user denies a request
	EventAuthorizationDenied = "authorization_denied"

	// EventInvalidRedirect is logged when a redirect URI is not registered for the app
	EventInvalidRedirect = "invalid_redirect"

	// Token lifecycle events

	// EventTokenIssued is logged when a code is exchanged for a token pair
	EventTokenIssued = "token_issued"

	// EventTokenRefreshed is logged when a refresh token is rotated
	EventTokenRefreshed = "token_refreshed"

	// EventTokenRevoked is logged on every revocation request
	EventTokenRevoked = "token_revoked"

	// EventExpiredCodeRedeemed is logged when an expired code is presented
	EventExpiredCodeRedeemed = "expired_code_redeemed"

	// Security violation events

	// EventAuthFailure is logged when client authentication fails
	EventAuthFailure = "auth_failure"

	// EventRateLimitExceeded is logged when a rate limit is exceeded
	EventRateLimitExceeded = "rate_limit_exceeded"

	// EventPKCEValidationFailed is logged when a code_verifier does not match its challenge
	EventPKCEValidationFailed = "pkce_validation_failed"

	// EventPKCERequiredForPublicClient is logged when a public client attempts a flow without PKCE
	EventPKCERequiredForPublicClient = "pkce_required_for_public_client"

	// EventCodeClientMismatch is logged when a code is redeemed by a different client than it was issued to
	EventCodeClientMismatch = "code_client_mismatch"

	// EventTokenClientMismatch is logged when a refresh token is presented by a different client
	EventTokenClientMismatch = "token_client_mismatch" //nolint:gosec // G101: event type name, not a credential
)

// Audit trail actions passed to Auditor.LogAction.
const (
	ActionAppCreated           = "OAUTH_APP_CREATED"
	ActionAppDeleted           = "OAUTH_APP_DELETED"
	ActionAppSecretRegenerated = "OAUTH_APP_SECRET_REGENERATED" //nolint:gosec // G101: action name, not a credential
	ActionAccessRevoked        = "OAUTH_ACCESS_REVOKED"
)

// ResourceOAuthApp is the resource type recorded for app audit actions
const ResourceOAuthApp = "oauth_app"
