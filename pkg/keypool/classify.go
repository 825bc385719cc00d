package keypool

import "strings"

// ErrorClass buckets a provider call failure for the rotation policy.
type ErrorClass int

const (
	// ClassOther — not retriable by rotation; no cooldown is applied.
	ClassOther ErrorClass = iota
	// ClassRateLimit — 429/quota pressure; long escalating cooldown.
	ClassRateLimit
	// ClassTransient — network/timeout/5xx; short escalating cooldown.
	ClassTransient
	// ClassAuth — the key itself is rejected; permanent invalidation.
	ClassAuth
)

func (c ErrorClass) String() string {
	switch c {
	case ClassRateLimit:
		return "rate_limit"
	case ClassTransient:
		return "transient_network"
	case ClassAuth:
		return "auth"
	default:
		return "other"
	}
}

// Retriable reports whether rotating to another key can help.
func (c ErrorClass) Retriable() bool {
	return c == ClassRateLimit || c == ClassTransient
}

var rateLimitMarkers = []string{
	"rate limit", "rate_limit", "ratelimit", "quota", "exceeded", "too many requests", "429",
}

var transientMarkers = []string{
	"connection", "timeout", "timed out", "deadline exceeded", "network",
	"service unavailable", "bad gateway", "502", "503", "504", "temporarily",
}

var authMarkers = []string{
	"invalid_api_key", "invalid api key", "incorrect api key", "unauthorized",
	"forbidden", "organization_restricted", "account_disabled", "401", "403",
}

// Classify buckets an error by message content. Provider SDKs surface
// status information inconsistently across vendors, so substring
// matching on the lowered message is the common denominator.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassOther
	}
	msg := strings.ToLower(err.Error())
	for _, m := range authMarkers {
		if strings.Contains(msg, m) {
			return ClassAuth
		}
	}
	// Transient is checked before rate-limit so "context deadline
	// exceeded" does not trip the generic "exceeded" quota marker.
	for _, m := range transientMarkers {
		if strings.Contains(msg, m) {
			return ClassTransient
		}
	}
	for _, m := range rateLimitMarkers {
		if strings.Contains(msg, m) {
			return ClassRateLimit
		}
	}
	return ClassOther
}
