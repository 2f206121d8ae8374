package evalgate

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// Sentinel errors.
var (
	ErrNotConfigured       = errors.New("evalgate: provider not configured")
	ErrProviderUnavailable = errors.New("evalgate: provider unavailable")
	ErrRateLimited         = errors.New("evalgate: rate limited by backend")
	ErrAuthFailed          = errors.New("evalgate: authentication failed")
	ErrInvalidRequest      = errors.New("evalgate: invalid request")
	ErrEmptyResponse       = errors.New("evalgate: empty response from backend")
	ErrNoUsableKey         = errors.New("evalgate: no usable key in pool")
)

// RateLimitError is a rate-limit signal with an optional backend-suggested
// retry delay. RetryAfter == 0 means the backend gave no usable hint.
type RateLimitError struct {
	RetryAfter time.Duration
	Message    string
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("evalgate: rate limited, retry after %s: %s", e.RetryAfter, e.Message)
	}
	return "evalgate: rate limited: " + e.Message
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// IsFatal returns true if the error should stop the retry loop immediately.
// Rotating to another key is assumed to bring no benefit.
func IsFatal(err error) bool {
	return errors.Is(err, ErrAuthFailed) ||
		errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrNotConfigured)
}

// IsRetryable returns true if the error can be retried after a delay and a
// forced key rotation.
func IsRetryable(err error) bool {
	return err != nil && !IsFatal(err)
}

var retryAfterPatterns = []*regexp.Regexp{
	// OpenAI-style prose: "Please try again in 20s".
	regexp.MustCompile(`(?i)try again in (\d+)(?:\.\d+)?s`),
	// Google RetryInfo embedded in error payloads: "retryDelay": "40s".
	regexp.MustCompile(`(?i)retrydelay"?\s*[:=]\s*"?(\d+)s`),
	// Plain Retry-After echoes: "retry-after: 30".
	regexp.MustCompile(`(?i)retry-after:?\s*(\d+)`),
}

// ParseRetryAfter extracts a backend-suggested retry delay from an error
// payload. Each backend words this differently; the patterns cover the
// formats seen in practice. Returns false when nothing usable is found.
func ParseRetryAfter(msg string) (time.Duration, bool) {
	for _, re := range retryAfterPatterns {
		if m := re.FindStringSubmatch(msg); m != nil {
			secs, err := strconv.Atoi(m[1])
			if err == nil && secs > 0 {
				return time.Duration(secs) * time.Second, true
			}
		}
	}
	return 0, false
}
