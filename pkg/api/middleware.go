package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/psantana5/pipewatch/pkg/auth"
)

// clientHeader names the header that selects a session token's client.
const clientHeader = "X-Pipewatch-Client"

// AuthMiddleware guards the API with the static operator token or a minted
// session token. Health and metrics stay open so probes and scrapers work
// without credentials.
func (h *Handler) AuthMiddleware(staticToken string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "Missing Authorization header", http.StatusUnauthorized)
				return
			}
			token := strings.TrimPrefix(authHeader, "Bearer ")
			if token == authHeader {
				http.Error(w, "Authorization header must be a bearer token", http.StatusUnauthorized)
				return
			}

			if staticToken != "" && auth.SecureCompare(token, staticToken) {
				next.ServeHTTP(w, r)
				return
			}

			if client := r.Header.Get(clientHeader); client != "" {
				err := h.tokens.ValidateToken(client, token)
				if err == nil {
					next.ServeHTTP(w, r)
					return
				}
				if errors.Is(err, auth.ErrTokenExpired) {
					http.Error(w, "Session token expired", http.StatusUnauthorized)
					return
				}
			}

			http.Error(w, "Invalid API token", http.StatusUnauthorized)
		})
	}
}
