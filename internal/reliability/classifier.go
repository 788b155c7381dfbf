package reliability

import (
	"context"
	"errors"
	"strings"
	"time"
)

// StatusError carries an upstream HTTP status alongside the error message so
// callers can classify failures without string-matching alone.
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	if strings.TrimSpace(e.Message) == "" {
		return "upstream status error"
	}
	return e.Message
}

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

var distressKeywords = []string{
	"timeout",
	"timed out",
	"quota",
	"rate limit",
	"rate_limit",
	"resource exhausted",
	"overloaded",
}

// IsBackendDistress reports whether an error looks like upstream outage or
// throttling (429/5xx status, deadline expiry, or quota/rate-limit wording)
// rather than a caller mistake. Distress failures fast-open the circuit.
func IsBackendDistress(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var se *StatusError
	if errors.As(err, &se) {
		if se.Status == 429 || (se.Status >= 500 && se.Status <= 599) {
			return true
		}
	}
	msg := strings.ToLower(err.Error())
	for _, kw := range distressKeywords {
		if strings.Contains(msg, kw) {
			return true
		}
	}
	return false
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}

// RetrySchedule returns the fixed per-attempt backoff delays used before
// giving up on an upstream generation call.
func RetrySchedule() []time.Duration {
	return []time.Duration{
		250 * time.Millisecond,
		500 * time.Millisecond,
		1000 * time.Millisecond,
		2000 * time.Millisecond,
	}
}
