package webhook

import (
	"math/rand"
	"net/http"
	"strconv"
	"time"
)

// retryable reports whether a delivery attempt with this status code should
// be retried: 5xx and 429 are, other 4xx are not.
func retryable(statusCode int) bool {
	if statusCode == http.StatusTooManyRequests {
		return true
	}
	return statusCode >= 500 && statusCode < 600
}

// parseRetryAfter parses a Retry-After header in either delta-seconds or
// HTTP-date form. Negative values yield 0; HTTP-date is capped at maxDelay
// to bound reconnect latency against far-future dates.
func parseRetryAfter(header string, maxDelay time.Duration) time.Duration {
	if header == "" {
		return 0
	}

	if secs, err := strconv.Atoi(header); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}

	if t, err := http.ParseTime(header); err == nil {
		delta := time.Until(t)
		if delta <= 0 {
			return 0
		}
		if delta > maxDelay {
			delta = maxDelay
		}
		return delta
	}

	return 0
}

// nextDelay computes the backoff for the given attempt (1-based): doubling
// from min, capped at max, with up to 25% additive jitter. Delays are
// monotonic non-decreasing across attempts before jitter.
func nextDelay(attempt int, min, max time.Duration) time.Duration {
	d := min
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			d = max
			break
		}
	}
	jitter := time.Duration(rand.Int63n(int64(d)/4 + 1))
	if d+jitter > max {
		return max
	}
	return d + jitter
}
