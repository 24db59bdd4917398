package keypool

import "net/http"

// Kind is the failure class of an upstream response.
type Kind int

const (
	KindNone Kind = iota
	// KindKey: the key itself is the problem (revoked, unauthorized, or
	// rate limited). Triggers rotation.
	KindKey
	// KindProvider: upstream outage unrelated to the key. Retried against
	// the same key, never rotated.
	KindProvider
	// KindClient: the caller's request is malformed. Never retried.
	KindClient
)

// ClassifyStatus maps an upstream HTTP status to a failure class.
func ClassifyStatus(code int) Kind {
	switch {
	case code == http.StatusTooManyRequests:
		return KindKey
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return KindKey
	case code >= 500:
		return KindProvider
	case code >= 400:
		return KindClient
	default:
		return KindNone
	}
}
