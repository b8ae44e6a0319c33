package agent

import "strings"

// failReason is the loop-side classification of a provider error. It is
// deliberately coarse: just enough to drive the failover decision.
type failReason string

const (
	reasonTimeout        failReason = "timeout"
	reasonRateLimit      failReason = "rate_limit"
	reasonAuth           failReason = "auth"
	reasonBilling        failReason = "billing"
	reasonServerError    failReason = "server_error"
	reasonNetwork        failReason = "network"
	reasonInvalidRequest failReason = "invalid_request"
	reasonModelMissing   failReason = "model_unavailable"
	reasonUnknown        failReason = "unknown"
)

// advancesFailover reports whether the next provider should be tried.
// Auth failures never advance here; the primary-provider case is
// special-cased by the loop.
func (r failReason) advancesFailover() bool {
	switch r {
	case reasonTimeout, reasonRateLimit, reasonServerError, reasonNetwork,
		reasonBilling, reasonModelMissing, reasonUnknown:
		return true
	default:
		return false
	}
}

// classifyProviderError buckets an error by its message text. Provider
// SDK errors do not share types, so pattern matching on the rendered
// message is the common denominator.
func classifyProviderError(err error) failReason {
	if err == nil {
		return reasonUnknown
	}
	s := strings.ToLower(err.Error())

	switch {
	case strings.Contains(s, "timeout"),
		strings.Contains(s, "deadline exceeded"),
		strings.Contains(s, "context deadline"):
		return reasonTimeout
	case strings.Contains(s, "rate limit"),
		strings.Contains(s, "rate_limit"),
		strings.Contains(s, "too many requests"),
		strings.Contains(s, "429"):
		return reasonRateLimit
	case strings.Contains(s, "unauthorized"),
		strings.Contains(s, "invalid api key"),
		strings.Contains(s, "invalid_api_key"),
		strings.Contains(s, "no api key"),
		strings.Contains(s, "authentication"),
		strings.Contains(s, "401"),
		strings.Contains(s, "403"):
		return reasonAuth
	case strings.Contains(s, "billing"),
		strings.Contains(s, "quota"),
		strings.Contains(s, "payment"),
		strings.Contains(s, "402"):
		return reasonBilling
	case strings.Contains(s, "model not found"),
		strings.Contains(s, "model_not_found"),
		strings.Contains(s, "does not exist"):
		return reasonModelMissing
	case strings.Contains(s, "invalid_request"),
		strings.Contains(s, "invalid request"),
		strings.Contains(s, "400"):
		return reasonInvalidRequest
	case strings.Contains(s, "internal server"),
		strings.Contains(s, "server error"),
		strings.Contains(s, "server_error"),
		strings.Contains(s, "500"),
		strings.Contains(s, "502"),
		strings.Contains(s, "503"),
		strings.Contains(s, "529"),
		strings.Contains(s, "overloaded"):
		return reasonServerError
	case strings.Contains(s, "connection refused"),
		strings.Contains(s, "connection reset"),
		strings.Contains(s, "no such host"),
		strings.Contains(s, "eof"):
		return reasonNetwork
	default:
		return reasonUnknown
	}
}
