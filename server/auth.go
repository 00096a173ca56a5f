package server

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/wolfeidau/strm-proxy/resolver"
)

// authMiddleware returns middleware that validates Bearer token authentication
// against service.api_token. The token is read per request so a config edit
// takes effect immediately. When it is empty every request is allowed.
// /health, /metrics and the relay endpoint are exempt.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := s.settings.Current(r.Context()).Service.APIToken
		if token == "" {
			next.ServeHTTP(w, r)
			return
		}

		// Relay links are handed to media players, which cannot send a token.
		switch r.URL.Path {
		case "/health", "/metrics", resolver.RelayPath:
			next.ServeHTTP(w, r)
			return
		}

		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			unauthorizedResponse(w)
			return
		}

		provided := []byte(strings.TrimPrefix(auth, "Bearer "))
		if subtle.ConstantTimeCompare(provided, []byte(token)) != 1 {
			unauthorizedResponse(w)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func unauthorizedResponse(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
}
