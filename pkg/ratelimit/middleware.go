package ratelimit

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"marketplace/pkg/httpx"
)

// KeyFunc names the bucket a request is counted in.
type KeyFunc func(r *http.Request) string

// ActorOrIP buckets authenticated callers by actor and anonymous ones by
// remote address.
func ActorOrIP(actor func(r *http.Request) string) KeyFunc {
	return func(r *http.Request) string {
		if actor != nil {
			if a := strings.TrimSpace(actor(r)); a != "" {
				return "actor:" + a
			}
		}
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		return "ip:" + host
	}
}

// Middleware answers 429 once a bucket exceeds limit requests per window.
// Only methods for which counts returns true are counted.
func Middleware(l Limiter, limit int, key KeyFunc, counts func(method string) bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if counts != nil && !counts(r.Method) {
				next.ServeHTTP(w, r)
				return
			}
			d := l.Allow(r.Context(), key(r), limit)
			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			if !d.Allowed {
				wait := time.Until(d.ResetAt).Seconds()
				h.Set("Retry-After", strconv.Itoa(int(math.Max(1, math.Ceil(wait)))))
				httpx.Error(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
