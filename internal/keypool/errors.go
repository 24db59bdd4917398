package keypool

import "errors"

// Error taxonomy for pool operations. Quota and health failures are
// handled internally by the dispatcher; callers only ever see
// ErrAllKeysExhausted or ErrProviderTransient.
var (
	// ErrQuotaExceeded means a reservation would push the key past its
	// daily hard quota. Recoverable by rotating to another key.
	ErrQuotaExceeded = errors.New("keypool: daily quota exceeded")

	// ErrAllKeysExhausted means every enabled key, including the primary
	// fallback, is over quota or unhealthy. Terminal for the request.
	ErrAllKeysExhausted = errors.New("keypool: all keys exhausted or unhealthy")

	// ErrProviderTransient marks upstream failures that are not
	// attributable to the key. Retried against the same key, never rotated.
	ErrProviderTransient = errors.New("keypool: transient provider error")

	ErrKeyNotFound    = errors.New("keypool: key not found")
	ErrKeyDisabled    = errors.New("keypool: key is disabled")
	ErrKeyCoolingDown = errors.New("keypool: key is cooling down after an error")

	// ErrPrimaryKeyProtected guards the non-deletable fallback key.
	ErrPrimaryKeyProtected = errors.New("keypool: primary key cannot be deleted")
)
