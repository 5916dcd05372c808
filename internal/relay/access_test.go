package relay

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func newReq(remoteAddr, host, origin string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "http://"+host+"/", nil)
	r.RemoteAddr = remoteAddr
	r.Host = host
	if origin != "" {
		r.Header.Set("Origin", origin)
	}
	return r
}

func TestClassifyAccessLocalhost(t *testing.T) {
	r := newReq("127.0.0.1:54321", "localhost:8080", "")
	if tier := classifyAccess(r); tier != tierLocalhost {
		t.Fatalf("expected localhost, got %q", tier)
	}
}

func TestClassifyAccessLocalhostWithAgreeingOrigin(t *testing.T) {
	r := newReq("127.0.0.1:54321", "localhost:8080", "http://localhost:8080")
	if tier := classifyAccess(r); tier != tierLocalhost {
		t.Fatalf("expected localhost, got %q", tier)
	}
}

func TestClassifyAccessTunneledLoopbackIsNotLocal(t *testing.T) {
	// A tunnel (e.g. ngrok) that forwards to loopback but rewrites Host to a
	// public name must not be treated as local, even though RemoteAddr is
	// loopback from the tunnel daemon's perspective.
	r := newReq("127.0.0.1:54321", "example.ngrok.io", "")
	if tier := classifyAccess(r); tier == tierLocalhost {
		t.Fatalf("tunneled loopback must not classify as localhost")
	}
}

func TestClassifyAccessLoopbackWithForeignOriginIsNotLocal(t *testing.T) {
	r := newReq("127.0.0.1:54321", "localhost:8080", "https://evil.example.com")
	if tier := classifyAccess(r); tier == tierLocalhost {
		t.Fatalf("disagreeing origin must not classify as localhost")
	}
}

func TestClassifyAccessLAN(t *testing.T) {
	cases := []string{"192.168.1.42:8080", "10.0.0.5:8080", "mybox.local:8080"}
	for _, host := range cases {
		r := newReq("192.168.1.99:1234", host, "")
		if tier := classifyAccess(r); tier != tierLAN {
			t.Fatalf("host %q: expected lan, got %q", host, tier)
		}
	}
}

func TestClassifyAccessInternet(t *testing.T) {
	r := newReq("203.0.113.9:1234", "example.com", "")
	if tier := classifyAccess(r); tier != tierInternet {
		t.Fatalf("expected internet, got %q", tier)
	}
}

func TestRequiresAuth(t *testing.T) {
	if tierLocalhost.requiresAuth() {
		t.Fatalf("localhost should not require auth")
	}
	if !tierLAN.requiresAuth() {
		t.Fatalf("lan should require auth")
	}
	if !tierInternet.requiresAuth() {
		t.Fatalf("internet should require auth")
	}
}
