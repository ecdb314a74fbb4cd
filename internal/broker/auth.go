package broker

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// bearerAuth enforces the single shared-secret token named in spec.md §1's
// Non-goals ("authentication of agents beyond a single shared bearer
// token"). An empty token disables the check entirely, matching local/dev
// usage where TOOLBROKER_BEARER_TOKEN is unset.
func bearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			presented := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if subtle.ConstantTimeCompare([]byte(presented), []byte(token)) == 1 {
				next.ServeHTTP(w, r)
				return
			}
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
		})
	}
}
