package security

import "time"

// IsExpired reports whether a record created at createdAt with lifetime
// expiresIn has expired at instant now. A record is still valid at the exact
// expiry instant; only strictly later instants count as expired.
func IsExpired(createdAt time.Time, expiresIn time.Duration, now time.Time) bool {
	if createdAt.IsZero() {
		return false // no expiration
	}
	return now.After(createdAt.Add(expiresIn))
}

// ExpiresAt returns the instant at which a record created at createdAt with
// lifetime expiresIn stops being valid.
func ExpiresAt(createdAt time.Time, expiresIn time.Duration) time.Time {
	return createdAt.Add(expiresIn)
}

// IsExpiringSoon reports whether the record will expire within threshold of now.
func IsExpiringSoon(createdAt time.Time, expiresIn time.Duration, threshold time.Duration, now time.Time) bool {
	if createdAt.IsZero() {
		return false
	}
	return now.Add(threshold).After(createdAt.Add(expiresIn))
}
