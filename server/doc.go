// Package server implements the authorization server's domain logic,
// independent of HTTP.
//
// A Server combines the client registry (CreateApp, RegenerateSecret,
// DeleteApp, VerifyClient), the interactive authorization step
// (GetAuthorizationDetails, Decide), the token endpoint (Exchange with the
// authorization_code and refresh_token grants), userinfo, revocation and
// the user-facing consent ledger. All state lives in a storage.Store.
//
// Failures are returned as *Error values carrying an ErrorKind; the HTTP
// layer maps kinds to status codes and OAuth error codes. Any other error
// is an internal failure.
//
// Security properties:
//   - Authorization codes are consumed atomically before validation, so a
//     code is redeemable at most once even under concurrent requests.
//   - Refresh tokens rotate on every use; a rotated value never redeems again.
//   - Client secrets are bcrypt hashed and the plaintext is returned once.
//   - PKCE supports S256 and, if enabled, plain; public apps must use it.
package server
