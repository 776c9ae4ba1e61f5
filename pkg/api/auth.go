package api

import (
	"crypto/subtle"
	"encoding/base64"
	"net/http"
	"strings"
)

// AuthConfig holds the credentials the control API accepts. A request
// passes with a known Basic user, a Bearer token, or an X-API-Key header.
type AuthConfig struct {
	Users   map[string]string // username -> password
	APIKeys map[string]bool   // valid API key tokens
}

// allows reports whether the request carries valid credentials. A present
// but malformed Authorization header fails outright; header fallbacks are
// not tried.
func (c AuthConfig) allows(r *http.Request) bool {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return c.APIKeys[token]
		}
		if cred, ok := strings.CutPrefix(auth, "Basic "); ok {
			raw, err := base64.StdEncoding.DecodeString(cred)
			if err != nil {
				return false
			}
			user, pass, ok := strings.Cut(string(raw), ":")
			if !ok {
				return false
			}
			want, known := c.Users[user]
			return known && subtle.ConstantTimeCompare([]byte(pass), []byte(want)) == 1
		}
		return false
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return c.APIKeys[key]
	}
	return false
}

// authMiddleware guards every route except the liveness and scrape
// endpoints, which stay open for probes.
func authMiddleware(cfg AuthConfig, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		if cfg.allows(r) {
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Set("WWW-Authenticate", `Basic realm="dprt API"`)
		writeJSON(w, http.StatusUnauthorized, Response{
			Success: false,
			Error:   "authentication required",
		})
	})
}
