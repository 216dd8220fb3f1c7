package router

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

const jobSecretHeader = "X-Job-Secret"

// requireJobSecret gates scheduler-triggered job endpoints behind a shared
// secret header. When expected is empty the endpoints are disabled outright
// rather than left open.
func requireJobSecret(expected string) func(http.Handler) http.Handler {
	expected = strings.TrimSpace(expected)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if expected == "" {
				http.Error(w, "job endpoints disabled", http.StatusUnauthorized)
				return
			}
			got := strings.TrimSpace(r.Header.Get(jobSecretHeader))
			if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(expected)) != 1 {
				http.Error(w, "invalid job secret", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
