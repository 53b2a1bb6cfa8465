package ratelimit

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"apigate/internal/models"
)

// IPMiddleware returns HTTP middleware enforcing the anonymous per-IP limit
// in front of the gate. It runs before credential validation, so abusive
// clients are shed without touching the credential store.
func IPMiddleware(limiter *BucketLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := ClientIP(r)
			allowed, info := limiter.Allow(ip)
			if !allowed {
				retryAfterSecs := int(info.RetryAfter.Seconds()) + 1
				w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)

				resp := models.NewErrorResponse("Too many requests from this address", models.ReasonRateLimited)
				resp.RetryAfter = int64(retryAfterSecs)
				json.NewEncoder(w).Encode(resp)

				slog.Warn("IP rate limit exceeded",
					"ip", ip,
					"limit", info.Limit,
					"retry_after", retryAfterSecs,
				)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ClientIP extracts the client IP from the request, checking proxy headers.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if i := strings.IndexByte(xff, ','); i >= 0 {
			return strings.TrimSpace(xff[:i])
		}
		return strings.TrimSpace(xff)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	return r.RemoteAddr
}
