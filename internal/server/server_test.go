package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHealthz(t *testing.T) {
	s := NewServer(":0")

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
	var response map[string]string
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if response["status"] != "ok" {
		t.Errorf("Expected status 'ok', got '%s'", response["status"])
	}
}

func TestReadyzChecks(t *testing.T) {
	dbErr := error(nil)
	s := NewServer(":0", WithReadinessCheck("database", func(context.Context) error { return dbErr }))

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200 when ready, got %d", w.Code)
	}

	dbErr = errors.New("connection refused")
	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503 with failing check, got %d", w.Code)
	}
	var response struct {
		Failed []string `json:"failed"`
	}
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(response.Failed) != 1 || response.Failed[0] != "database" {
		t.Errorf("Expected failed [database], got %v", response.Failed)
	}

	dbErr = nil
	s.Health().SetReady(false)
	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503 when not ready, got %d", w.Code)
	}
}

func TestFallbacksUseErrorModel(t *testing.T) {
	s := NewServer(":0")
	s.Router().Get("/only-get", func(w http.ResponseWriter, r *http.Request) {})

	tests := []struct {
		method, path string
		want         int
	}{
		{http.MethodGet, "/missing", http.StatusNotFound},
		{http.MethodPost, "/only-get", http.StatusMethodNotAllowed},
		{http.MethodGet, "/error?status=403", http.StatusForbidden},
		{http.MethodPost, "/error", http.StatusInternalServerError},
	}
	for _, tt := range tests {
		w := httptest.NewRecorder()
		s.Handler().ServeHTTP(w, httptest.NewRequest(tt.method, tt.path, nil))
		if w.Code != tt.want {
			t.Errorf("%s %s: expected %d, got %d", tt.method, tt.path, tt.want, w.Code)
		}
		var body map[string]any
		if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
			t.Fatalf("%s %s: expected JSON body: %v", tt.method, tt.path, err)
		}
		if int(body["status"].(float64)) != tt.want {
			t.Errorf("%s %s: body status %v", tt.method, tt.path, body["status"])
		}
	}
}

func TestCORSMiddleware(t *testing.T) {
	handler := CORSMiddleware(FrontendCORSConfig("https://app.example.com/"))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name         string
		origin       string
		expectOrigin string
	}{
		{"allowed origin", "https://app.example.com", "https://app.example.com"},
		{"other origin", "https://evil.com", ""},
		{"lookalike origin", "https://app.example.com.evil.com", ""},
		{"no origin header", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/me", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if got := w.Header().Get("Access-Control-Allow-Origin"); got != tt.expectOrigin {
				t.Errorf("Expected Access-Control-Allow-Origin %q, got %q", tt.expectOrigin, got)
			}
			if tt.expectOrigin != "" && w.Header().Get("Access-Control-Allow-Credentials") != "true" {
				t.Error("Expected Access-Control-Allow-Credentials: true")
			}
		})
	}
}

func TestCORSMiddleware_Preflight(t *testing.T) {
	handlerCalled := false
	handler := CORSMiddleware(&CORSConfig{
		AllowedOrigins: []string{"https://example.com"},
		AllowedMethods: []string{"GET", "POST", "PUT"},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:         3600,
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlerCalled = true
	}))

	req := httptest.NewRequest(http.MethodOptions, "/test", nil)
	req.Header.Set("Origin", "https://example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("Expected status 204, got %d", w.Code)
	}
	if handlerCalled {
		t.Error("Handler should not be called for preflight requests")
	}
	if got := w.Header().Get("Access-Control-Allow-Methods"); got != "GET, POST, PUT" {
		t.Errorf("Unexpected Access-Control-Allow-Methods %q", got)
	}
	if maxAge := w.Header().Get("Access-Control-Max-Age"); maxAge != "3600" {
		t.Errorf("Expected Access-Control-Max-Age '3600', got %q", maxAge)
	}
}

func TestSecurityHeadersMiddleware(t *testing.T) {
	handler := SecurityHeadersMiddleware(LoginPageSecurityHeaders())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := httptest.NewRequest(http.MethodGet, "/login", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Header().Get("X-Frame-Options") != "DENY" {
		t.Error("Expected X-Frame-Options DENY")
	}
	if w.Header().Get("Content-Security-Policy") == "" {
		t.Error("Expected CSP")
	}
	if hsts := w.Header().Get("Strict-Transport-Security"); hsts != "" {
		t.Errorf("HSTS should not be set for non-TLS requests, got %q", hsts)
	}

	req.TLS = &tls.ConnectionState{}
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Header().Get("Strict-Transport-Security") == "" {
		t.Error("Expected HSTS over TLS")
	}
}

func TestSecurityHeadersMiddleware_EmptyConfig(t *testing.T) {
	handler := SecurityHeadersMiddleware(&SecurityHeadersConfig{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/test", nil))

	for _, header := range []string{"Content-Security-Policy", "X-Frame-Options", "Referrer-Policy"} {
		if value := w.Header().Get(header); value != "" {
			t.Errorf("Header %s should be empty with empty config, got %q", header, value)
		}
	}
}
