package relay

import (
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/katulong/katulong/internal/katerr"
)

const maxUploadSize = 10 << 20 // 10 MiB

var uploadExtByMIME = map[string]string{
	"image/png":  ".png",
	"image/jpeg": ".jpg",
	"image/gif":  ".gif",
	"image/webp": ".webp",
}

// handleUpload accepts a raw application/octet-stream body (an optional
// X-Filename header names the original file), sniffs its content type from
// the first bytes rather than trusting the client or the header, and stores
// it under a random filename to avoid path or name collisions.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	ra, err := s.requireSession(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.requireCSRF(r, ra); err != nil {
		writeError(w, err)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)

	head := make([]byte, 512)
	n, err := io.ReadFull(r.Body, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, katerr.New(katerr.KindBadRequest, "file exceeds the "+humanize.Bytes(uint64(maxUploadSize))+" upload limit"))
			return
		}
		writeError(w, katerr.Wrap(katerr.KindBadRequest, "read upload body", err))
		return
	}
	head = head[:n]
	if n == 0 {
		writeError(w, katerr.New(katerr.KindBadRequest, "empty upload body"))
		return
	}
	mimeType := http.DetectContentType(head)

	ext, ok := uploadExtByMIME[mimeType]
	if !ok {
		writeError(w, katerr.New(katerr.KindBadRequest, "unsupported file type: "+mimeType))
		return
	}

	if err := os.MkdirAll(s.Config.UploadsDir, 0o755); err != nil {
		writeError(w, katerr.Wrap(katerr.KindInternal, "create uploads dir", err))
		return
	}

	name := uuid.NewString() + ext
	destPath := filepath.Join(s.Config.UploadsDir, name)
	dest, err := os.OpenFile(destPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		writeError(w, katerr.Wrap(katerr.KindInternal, "create upload file", err))
		return
	}
	defer dest.Close()

	if _, err := dest.Write(head); err != nil {
		writeError(w, katerr.Wrap(katerr.KindInternal, "write upload", err))
		return
	}
	if _, err := io.Copy(dest, r.Body); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, katerr.New(katerr.KindBadRequest, "file exceeds the "+humanize.Bytes(uint64(maxUploadSize))+" upload limit"))
			return
		}
		writeError(w, katerr.Wrap(katerr.KindInternal, "write upload", err))
		return
	}

	resp := map[string]string{"path": "/uploads/" + name}
	if origName := r.Header.Get("X-Filename"); origName != "" {
		resp["originalName"] = filepath.Base(origName)
	}
	if !ra.tier.requiresAuth() {
		resp["absolutePath"] = destPath
	}
	writeJSON(w, http.StatusOK, resp)
}

func sanitizeStaticPath(p string) (string, bool) {
	p = strings.TrimPrefix(p, "/")
	if p == "" {
		return "", true
	}
	cleaned := filepath.Clean(p)
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") || strings.Contains(cleaned, "/../") {
		return "", false
	}
	for _, seg := range strings.Split(cleaned, "/") {
		if strings.HasPrefix(seg, ".") {
			return "", false
		}
	}
	return cleaned, true
}
