// internal/pkg/ratelimit/result.go
package ratelimit

import (
	"strconv"
	"time"
)

// Headers renders the result as X-RateLimit-* response headers, plus
// Retry-After when the request was refused.
func (r Result) Headers() map[string]string {
	h := map[string]string{
		"X-RateLimit-Limit":     strconv.Itoa(r.Limit),
		"X-RateLimit-Remaining": strconv.Itoa(r.Remaining),
		"X-RateLimit-Reset":     strconv.FormatInt(r.ResetAt.Unix(), 10),
	}
	if !r.Allowed {
		h["Retry-After"] = strconv.FormatInt(r.RetryAfterSeconds(), 10)
	}
	return h
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds.
func (r Result) RetryAfterSeconds() int64 {
	if r.RetryAfter <= 0 {
		return 0
	}
	return int64((r.RetryAfter + time.Second - 1) / time.Second)
}
