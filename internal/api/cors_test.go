package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newCORSServer(t *testing.T, origins []string) *Server {
	t.Helper()
	srv, err := NewServer(Config{StoreID: "store:a", CORSAllowedOrigins: origins}, newTestStore(t), nil, nil, nil)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	t.Cleanup(func() { srv.Shutdown(context.Background()) })
	return srv
}

func TestCORSPreflightAllowedOrigin(t *testing.T) {
	srv := newCORSServer(t, []string{"https://console.example.com"})
	r := httptest.NewRequest(http.MethodOptions, "/v1/jobs", nil)
	r.Header.Set("Origin", "https://console.example.com")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, r)

	if w.Code != http.StatusNoContent {
		t.Fatalf("status: got %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://console.example.com" {
		t.Fatalf("allow origin: got %q", got)
	}
	if w.Header().Get("Vary") != "Origin" {
		t.Fatal("missing Vary header")
	}
}

func TestCORSIgnoresOtherOriginsAndRoutes(t *testing.T) {
	srv := newCORSServer(t, []string{"https://console.example.com"})

	r := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	r.Header.Set("Origin", "https://evil.example.com")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, r)
	if w.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatal("unexpected CORS header for unlisted origin")
	}

	r = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	r.Header.Set("Origin", "https://console.example.com")
	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, r)
	if w.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatal("unexpected CORS header outside /v1/")
	}
}

func TestCORSDisabledByDefault(t *testing.T) {
	srv := newCORSServer(t, nil)
	r := httptest.NewRequest(http.MethodOptions, "/v1/jobs", nil)
	r.Header.Set("Origin", "https://console.example.com")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, r)
	if w.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatal("CORS header set with no allowed origins")
	}
}
