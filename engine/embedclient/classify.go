package embedclient

import "strings"

// retryIndicators and nonRetryIndicators mirror the original service's
// _should_retry string-matching classifier: non-retryable phrases win ties,
// so an ambiguous message like "unauthorized: too many requests" is treated
// as non-retryable.
var retryIndicators = []string{
	"rate limit", "timeout", "503", "502", "500", "connection reset",
	"connection refused", "network", "temporary", "service unavailable",
	"too many requests", "throttled", "quota exceeded",
}

var nonRetryIndicators = []string{
	"unauthorized", "forbidden", "invalid key", "invalid api key",
	"permission denied", "401", "403", "malformed request",
}

// classify reports whether err should be retried per spec §4.4's taxonomy.
func classify(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, s := range nonRetryIndicators {
		if strings.Contains(msg, s) {
			return false
		}
	}
	for _, s := range retryIndicators {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
