package ratelimit

import (
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/studentenathome/sahguard/internal/defense"
	"github.com/studentenathome/sahguard/internal/httpx"
)

// KeyFunc derives the rate-limit identifier of a request.
type KeyFunc func(r *http.Request) string

// IdentifierFunc returns a KeyFunc yielding "user:<id>" for authenticated
// requests and "ip:<addr>" otherwise. userID may be nil.
func IdentifierFunc(userID func(r *http.Request) string) KeyFunc {
	return func(r *http.Request) string {
		if userID != nil {
			if id := userID(r); id != "" {
				return "user:" + id
			}
		}
		return "ip:" + httpx.ClientIP(r)
	}
}

// ViolationRecorder receives rate-limit exceedances.
type ViolationRecorder interface {
	RecordViolation(ip string, vt defense.ViolationType, details string) defense.Decision
}

// Middleware enforces l on every request. The X-RateLimit-* headers are set
// on every response; requests over the limit get 429 and are recorded as a
// rateLimit violation against the client IP. recorder may be nil.
// Backend failures let the request through.
func (l *Limiter) Middleware(key KeyFunc, recorder ViolationRecorder, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identifier := key(r)
			res, err := l.Check(r.Context(), identifier)

			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))

			if err != nil {
				logger.Warn("Rate limit backend unavailable, allowing request",
					"policy", l.policy.Name,
					"error", err,
				)
				next.ServeHTTP(w, r)
				return
			}
			if res.Allowed {
				next.ServeHTTP(w, r)
				return
			}

			ip := httpx.ClientIP(r)
			retryAfter := retryAfterSeconds(res.RetryAfter)
			logger.Warn("rate_limit_exceeded",
				"ip", ip,
				"identifier", identifier,
				"policy", l.policy.Name,
				"path", r.URL.Path,
				"retry_after", retryAfter,
			)
			if recorder != nil {
				recorder.RecordViolation(ip, defense.ViolationRateLimit, l.policy.Name+" "+identifier)
			}

			h.Set("Retry-After", strconv.Itoa(retryAfter))
			httpx.WriteError(w, http.StatusTooManyRequests, httpx.CodeRateLimitExceeded, l.policy.Message, map[string]any{
				"limit":      res.Limit,
				"resetTime":  res.ResetAt.UTC().Format(time.RFC3339),
				"retryAfter": retryAfter,
			})
		})
	}
}

// retryAfterSeconds rounds up and never returns less than one second.
func retryAfterSeconds(d time.Duration) int {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}
