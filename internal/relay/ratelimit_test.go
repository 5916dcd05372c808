package relay

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestShouldRateLimit(t *testing.T) {
	cases := []struct {
		method, path string
		want         bool
	}{
		{http.MethodPost, "/auth/login/verify", true},
		{http.MethodGet, "/auth/status", true},
		{http.MethodPost, "/api/tokens", true},
		{http.MethodGet, "/api/tokens", false},
		{http.MethodGet, "/ws", true},
		{http.MethodGet, "/app/app.css", false},
	}
	for _, c := range cases {
		if got := shouldRateLimit(c.method, c.path); got != c.want {
			t.Fatalf("shouldRateLimit(%s, %s) = %v, want %v", c.method, c.path, got, c.want)
		}
	}
}

func TestRateLimiterBurstThenBlocks(t *testing.T) {
	rl := NewRateLimiter(1, 3)
	for i := 0; i < 3; i++ {
		if !rl.Allow("1.2.3.4") {
			t.Fatalf("expected request %d within burst to be allowed", i)
		}
	}
	if rl.Allow("1.2.3.4") {
		t.Fatalf("expected request beyond burst to be denied")
	}
}

func TestRateLimiterPerIPIsolation(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	if !rl.Allow("10.0.0.1") {
		t.Fatalf("first request from 10.0.0.1 should be allowed")
	}
	if !rl.Allow("10.0.0.2") {
		t.Fatalf("first request from a different IP should not be throttled by the first IP's budget")
	}
}

func TestClientIPPrefersForwardedFor(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.1:1234"
	r.Header.Set("X-Forwarded-For", "203.0.113.5, 10.0.0.1")
	if ip := clientIP(r); ip != "203.0.113.5" {
		t.Fatalf("expected first entry of X-Forwarded-For, got %q", ip)
	}
}

func TestClientIPFallsBackToRemoteAddr(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.1:1234"
	if ip := clientIP(r); ip != "10.0.0.1" {
		t.Fatalf("expected remote addr host, got %q", ip)
	}
}
