package relay

import (
	"bytes"
	"embed"
	"io/fs"
	"mime"
	"net/http"
	"os"
	"path"
	"strconv"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/katulong/katulong/internal/logger"
)

func overrideStaticDir() string {
	return os.Getenv("KATULONG_STATIC_DIR")
}

//go:embed static
var staticFS embed.FS

const shellHTML = `<!doctype html>
<html>
<head>
<meta charset="utf-8">
<title>Katulong</title>
<link rel="stylesheet" href="/app/app.css">
</head>
<body>
<div id="terminal"></div>
<script src="/app/app.js"></script>
</body>
</html>
`

func (s *Server) handleShell(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "must-revalidate, max-age=0")
	_, _ = w.Write([]byte(shellHTML))
}

// staticCache memoizes the bytes of embedded static files, keyed by path.
// Entries are dropped only by watchStaticOverrides; files are always read
// from the embedded copy, never from KATULONG_STATIC_DIR.
type staticCache struct {
	mu      sync.RWMutex
	entries map[string][]byte
}

var staticAssetCache = &staticCache{entries: make(map[string][]byte)}

func (c *staticCache) get(p string) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	b, ok := c.entries[p]
	return b, ok
}

func (c *staticCache) put(p string, b []byte) {
	c.mu.Lock()
	c.entries[p] = b
	c.mu.Unlock()
}

func (c *staticCache) invalidate(p string) {
	c.mu.Lock()
	delete(c.entries, p)
	c.mu.Unlock()
}

// registerStaticRoutes serves the embedded static/ tree under /app/ and
// /vendor/, enforcing the path safety rules and cache policy spec.md names.
func (s *Server) registerStaticRoutes() {
	s.mux.HandleFunc("GET /app/", s.staticHandler("app", false))
	s.mux.HandleFunc("GET /vendor/", s.staticHandler("vendor", true))
	s.watchStaticOverrides()
}

func (s *Server) staticHandler(prefix string, immutable bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rest := strings.TrimPrefix(r.URL.Path, "/"+prefix+"/")
		cleaned, ok := sanitizeStaticPath(rest)
		if !ok {
			http.Error(w, "bad path", http.StatusBadRequest)
			return
		}
		if cleaned == "" {
			http.NotFound(w, r)
			return
		}
		fullPath := path.Join("static", prefix, cleaned)

		if cached, ok := staticAssetCache.get(fullPath); ok {
			s.writeStaticAsset(w, cleaned, immutable, cached)
			return
		}

		data, err := fs.ReadFile(staticFS, fullPath)
		if err != nil {
			http.NotFound(w, r)
			return
		}
		if info, err := fs.Stat(staticFS, fullPath); err == nil && info.IsDir() {
			http.NotFound(w, r)
			return
		}
		staticAssetCache.put(fullPath, data)
		s.writeStaticAsset(w, cleaned, immutable, data)
	}
}

func (s *Server) writeStaticAsset(w http.ResponseWriter, name string, immutable bool, data []byte) {
	ctype := mime.TypeByExtension(path.Ext(name))
	if ctype == "" {
		ctype = http.DetectContentType(data)
	}
	if isTextyContentType(ctype) && !strings.Contains(ctype, "charset") {
		ctype += "; charset=utf-8"
	}
	w.Header().Set("Content-Type", ctype)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	if immutable {
		w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	} else {
		w.Header().Set("Cache-Control", "must-revalidate, max-age=0")
	}
	_, _ = bytes.NewReader(data).WriteTo(w)
}

func isTextyContentType(ctype string) bool {
	for _, p := range []string{"text/", "application/javascript", "application/json", "image/svg+xml"} {
		if strings.HasPrefix(ctype, p) {
			return true
		}
	}
	return false
}

// watchStaticOverrides watches KATULONG_STATIC_DIR (if set, not recursively)
// and, for each event, drops the cache entries under app/ and vendor/ with
// the event file's base name, so the next request re-reads the embedded
// copy. Files in that directory are not served.
func (s *Server) watchStaticOverrides() {
	override := overrideStaticDir()
	if override == "" {
		return
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("relay: static override watch disabled", "error", err)
		return
	}
	if err := watcher.Add(override); err != nil {
		logger.Warn("relay: static override watch disabled", "error", err)
		_ = watcher.Close()
		return
	}
	go func() {
		defer watcher.Close()
		for event := range watcher.Events {
			staticAssetCache.invalidate(path.Join("static", "app", path.Base(event.Name)))
			staticAssetCache.invalidate(path.Join("static", "vendor", path.Base(event.Name)))
		}
	}()
}
