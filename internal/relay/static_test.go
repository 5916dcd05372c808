package relay

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestServerForStatic(t *testing.T) *Server {
	t.Helper()
	s := &Server{mux: http.NewServeMux()}
	s.registerStaticRoutes()
	return s
}

func TestStaticAppAssetIsMustRevalidate(t *testing.T) {
	s := newTestServerForStatic(t)
	req := httptest.NewRequest(http.MethodGet, "/app/app.css", nil)
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := rec.Header().Get("Cache-Control"); got != "must-revalidate, max-age=0" {
		t.Fatalf("unexpected cache-control for /app/: %q", got)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/css; charset=utf-8" {
		t.Fatalf("unexpected content-type: %q", ct)
	}
}

func TestStaticVendorAssetIsImmutable(t *testing.T) {
	s := newTestServerForStatic(t)
	req := httptest.NewRequest(http.MethodGet, "/vendor/README", nil)
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := rec.Header().Get("Cache-Control"); got != "public, max-age=31536000, immutable" {
		t.Fatalf("unexpected cache-control for /vendor/: %q", got)
	}
}

func TestStaticRejectsPathTraversal(t *testing.T) {
	s := newTestServerForStatic(t)
	req := httptest.NewRequest(http.MethodGet, "/app/..%2f..%2fDESIGN.md", nil)
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)

	if rec.Code == http.StatusOK {
		t.Fatalf("expected traversal attempt to be rejected, got 200")
	}
}

func TestStaticUnknownAssetNotFound(t *testing.T) {
	s := newTestServerForStatic(t)
	req := httptest.NewRequest(http.MethodGet, "/app/does-not-exist.js", nil)
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHandleShellServesHTML(t *testing.T) {
	s := &Server{mux: http.NewServeMux()}
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	s.handleShell(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/html; charset=utf-8" {
		t.Fatalf("unexpected content-type: %q", ct)
	}
}
