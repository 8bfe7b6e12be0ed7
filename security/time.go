package security

import "time"

// IsExpiredAt reports whether expiresAt has passed at now, allowing for
// gracePeriod of clock skew. A zero expiresAt never expires, and with a zero
// gracePeriod a credential is expired as soon as now is after expiresAt.
func IsExpiredAt(expiresAt, now time.Time, gracePeriod time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return now.After(expiresAt.Add(gracePeriod))
}
