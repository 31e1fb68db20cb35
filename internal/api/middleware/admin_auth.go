package middleware

import (
	"crypto/subtle"
	"net/http"
)

// AdminAuth gates operator routes behind a shared secret header. The
// surface is disabled entirely unless both the enable flag and a password
// are configured.
func AdminAuth(enabled bool, password string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !enabled || password == "" {
				http.Error(w, "admin interface disabled", http.StatusServiceUnavailable)
				return
			}
			provided := r.Header.Get("X-Admin-Password")
			if subtle.ConstantTimeCompare([]byte(provided), []byte(password)) != 1 {
				http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
