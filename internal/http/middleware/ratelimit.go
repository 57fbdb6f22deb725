package middleware

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"

	"github.com/rs/zerolog/hlog"

	"github.com/kimchispread/kimchiproxy/internal/ratelimit"
)

// RateLimit denies requests once a client identity exhausts its window.
// Identity is the client IP: chi's RealIP middleware has already rewritten
// RemoteAddr from X-Forwarded-For / X-Real-IP when one is present.
func RateLimit(limiter *ratelimit.Limiter, maxRequests int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity := clientIP(r)
			if !limiter.Allow(identity) {
				hlog.FromRequest(r).Warn().
					Str("identity", identity).
					Str("path", r.URL.Path).
					Msg("rate limit exceeded")

				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(map[string]string{
					"error":   "Too many requests",
					"message": fmt.Sprintf("Rate limit exceeded. Max %d requests per minute.", maxRequests),
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
