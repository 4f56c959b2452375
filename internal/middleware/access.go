// Package middleware holds HTTP middleware shared across the API surface.
package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/yangjarod117/webssh/internal/access"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// RequireAccess rejects requests whose token cookie does not verify. With
// no access password configured the gate is open and everything passes.
func RequireAccess(gate *access.Gate) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !gate.Required() {
				next.ServeHTTP(w, r)
				return
			}
			if !gate.ValidateToken(access.TokenFromRequest(r)) {
				writeJSON(w, http.StatusUnauthorized, map[string]string{
					"code":    "ACCESS_DENIED",
					"message": "access denied",
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
