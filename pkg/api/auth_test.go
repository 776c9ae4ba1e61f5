package api

import (
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newAuthHandler(cfg AuthConfig) http.Handler {
	inner := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return authMiddleware(cfg, inner)
}

func TestAuthRequired(t *testing.T) {
	h := newAuthHandler(AuthConfig{Users: map[string]string{"admin": "secret"}})

	req := httptest.NewRequest("GET", "/api/v1/status", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no credentials: code %d, want 401", rec.Code)
	}
	if rec.Header().Get("WWW-Authenticate") == "" {
		t.Fatal("missing WWW-Authenticate header")
	}
}

func TestAuthBypassForHealthAndMetrics(t *testing.T) {
	h := newAuthHandler(AuthConfig{Users: map[string]string{"admin": "secret"}})
	for _, path := range []string{"/health", "/metrics"} {
		req := httptest.NewRequest("GET", path, nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("%s: code %d, want 200", path, rec.Code)
		}
	}
}

func TestBasicAuth(t *testing.T) {
	h := newAuthHandler(AuthConfig{Users: map[string]string{"admin": "secret"}})

	tests := []struct {
		user, pass string
		want       int
	}{
		{"admin", "secret", http.StatusOK},
		{"admin", "wrong", http.StatusUnauthorized},
		{"nobody", "secret", http.StatusUnauthorized},
	}
	for _, tc := range tests {
		req := httptest.NewRequest("GET", "/api/v1/status", nil)
		cred := base64.StdEncoding.EncodeToString([]byte(tc.user + ":" + tc.pass))
		req.Header.Set("Authorization", "Basic "+cred)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != tc.want {
			t.Errorf("%s:%s: code %d, want %d", tc.user, tc.pass, rec.Code, tc.want)
		}
	}
}

func TestAPIKeyAuth(t *testing.T) {
	h := newAuthHandler(AuthConfig{APIKeys: map[string]bool{"tok123": true}})

	req := httptest.NewRequest("GET", "/api/v1/status", nil)
	req.Header.Set("X-API-Key", "tok123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("X-API-Key: code %d, want 200", rec.Code)
	}

	req = httptest.NewRequest("GET", "/api/v1/status", nil)
	req.Header.Set("Authorization", "Bearer tok123")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("Bearer: code %d, want 200", rec.Code)
	}

	req = httptest.NewRequest("GET", "/api/v1/status", nil)
	req.Header.Set("Authorization", "Bearer nope")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad bearer: code %d, want 401", rec.Code)
	}

	// A malformed Authorization header fails outright; the key header is
	// not consulted as a fallback.
	req = httptest.NewRequest("GET", "/api/v1/status", nil)
	req.Header.Set("Authorization", "Token tok123")
	req.Header.Set("X-API-Key", "tok123")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("malformed Authorization: code %d, want 401", rec.Code)
	}
}
