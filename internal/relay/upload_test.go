package relay

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// pngHeader is enough of a PNG magic number for http.DetectContentType to
// sniff image/png without a full well-formed file.
var pngHeader = []byte{0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a}

func TestHandleUploadAcceptsOctetStreamBody(t *testing.T) {
	s := newTestServer(t)

	body := append([]byte{}, pngHeader...)
	body = append(body, []byte("rest-of-file")...)

	req := httptest.NewRequest(http.MethodPost, "/upload", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("X-Filename", "screenshot.png")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !strings.HasSuffix(resp["path"], ".png") {
		t.Fatalf("expected a .png path, got %q", resp["path"])
	}
	if resp["originalName"] != "screenshot.png" {
		t.Fatalf("expected X-Filename to be echoed back, got %q", resp["originalName"])
	}
}

func TestHandleUploadRejectsUnsupportedType(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/upload", strings.NewReader("plain text, not an image"))
	req.Header.Set("Content-Type", "application/octet-stream")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unsupported type, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleUploadRejectsEmptyBody(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/upload", strings.NewReader(""))
	req.Header.Set("Content-Type", "application/octet-stream")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty body, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestSanitizeStaticPathRejectsTraversal(t *testing.T) {
	cases := []string{"../secret", "a/../../b", "app/../../../etc/passwd", "..", "foo/../.."}
	for _, p := range cases {
		if _, ok := sanitizeStaticPath(p); ok {
			t.Fatalf("expected %q to be rejected", p)
		}
	}
}

func TestSanitizeStaticPathRejectsDotfiles(t *testing.T) {
	cases := []string{".env", "app/.secret", ".git/config"}
	for _, p := range cases {
		if _, ok := sanitizeStaticPath(p); ok {
			t.Fatalf("expected %q to be rejected", p)
		}
	}
}

func TestSanitizeStaticPathAllowsOrdinaryPaths(t *testing.T) {
	cases := map[string]string{
		"app.css":        "app.css",
		"/app.css":       "app.css",
		"sub/app.js":     "sub/app.js",
		"":               "",
	}
	for in, want := range cases {
		got, ok := sanitizeStaticPath(in)
		if !ok {
			t.Fatalf("expected %q to be accepted", in)
		}
		if got != want {
			t.Fatalf("sanitizeStaticPath(%q) = %q, want %q", in, got, want)
		}
	}
}
