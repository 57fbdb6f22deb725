package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/hlog"
)

// Recoverer converts a handler panic into the same JSON error shape every
// other failure uses. chi's stock recoverer writes a plain-text 500, which
// the browser frontend cannot parse.
func Recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				hlog.FromRequest(r).Error().
					Interface("panic", rec).
					Str("path", r.URL.Path).
					Msg("handler panicked")

				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)
				_ = json.NewEncoder(w).Encode(map[string]string{
					"error":   "Internal Server Error",
					"message": "unexpected server error",
				})
			}
		}()
		next.ServeHTTP(w, r)
	})
}
