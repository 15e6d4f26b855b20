package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRateLimiterWindow(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rl := NewRateLimiter(ctx)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		if !rl.Allow("k", 3) {
			t.Fatalf("request %d denied", i+1)
		}
	}
	if rl.Allow("k", 3) {
		t.Fatal("fourth request allowed")
	}
	if !rl.Allow("other", 3) {
		t.Fatal("separate key denied")
	}

	now = now.Add(time.Minute)
	if !rl.Allow("k", 3) {
		t.Fatal("request denied after window reset")
	}

	now = now.Add(3 * time.Minute)
	rl.cleanup()
	if len(rl.buckets) != 0 {
		t.Fatalf("buckets after cleanup: %d", len(rl.buckets))
	}
}

func TestChangesRateLimitedPerPeer(t *testing.T) {
	st := newTestStore(t)
	srv, err := NewServer(Config{StoreID: "store:a", RateLimitChanges: 2}, st, nil, nil, nil)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	t.Cleanup(func() { srv.Shutdown(context.Background()) })

	get := func(peer string) int {
		w := httptest.NewRecorder()
		srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/sync/product/changes?exclude_origin="+peer, nil))
		return w.Code
	}
	for i := 0; i < 2; i++ {
		if code := get("store:b"); code != http.StatusOK {
			t.Fatalf("request %d: got %d", i+1, code)
		}
	}
	if code := get("store:b"); code != http.StatusTooManyRequests {
		t.Fatalf("over limit: got %d", code)
	}
	if code := get("store:c"); code != http.StatusOK {
		t.Fatalf("other peer: got %d", code)
	}
	if n := srv.metrics.Snapshot().RateLimited; n != 1 {
		t.Fatalf("rate limited count: got %d", n)
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name   string
		xff    string
		remote string
		want   string
	}{
		{"remote addr", "", "10.0.0.1:5555", "10.0.0.1"},
		{"forwarded", "203.0.113.9", "10.0.0.1:5555", "203.0.113.9"},
		{"forwarded chain", "203.0.113.9, 10.0.0.2", "10.0.0.1:5555", "203.0.113.9"},
		{"no port", "", "10.0.0.1", "10.0.0.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remote
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}
			if got := clientIP(r); got != tt.want {
				t.Fatalf("got %q, want %q", got, tt.want)
			}
		})
	}
}
