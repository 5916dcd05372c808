package relay

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/katulong/katulong/internal/daemon"
	"github.com/katulong/katulong/internal/katerr"
)

// wrapDaemonErr preserves a daemon error's own Kind (set by the daemon
// client from the wire error code) rather than flattening every failure to
// Upstream; only errors the daemon client didn't already classify — real
// transport/timeout failures — fall back to Upstream.
func wrapDaemonErr(err error, op string) error {
	var ke *katerr.Error
	if errors.As(err, &ke) {
		return err
	}
	return katerr.Wrap(katerr.KindUpstream, op, err)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	if _, err := s.requireSession(r); err != nil {
		writeError(w, err)
		return
	}
	ctx, cancel := rpcContext()
	defer cancel()
	sessions, err := s.Daemon.ListSessions(ctx)
	if err != nil {
		writeError(w, wrapDaemonErr(err, "list sessions"))
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	ra, err := s.requireSession(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.requireCSRF(r, ra); err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		Name string `json:"name"`
	}
	_ = json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<10)).Decode(&req)

	ctx, cancel := rpcContext()
	defer cancel()
	name, err := s.Daemon.CreateSession(ctx, req.Name)
	if err != nil {
		writeError(w, wrapDaemonErr(err, "create session"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"name": name})
}

func (s *Server) handleRenameSession(w http.ResponseWriter, r *http.Request) {
	ra, err := s.requireSession(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.requireCSRF(r, ra); err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		NewName string `json:"newName"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<10)).Decode(&req); err != nil {
		writeError(w, katerr.New(katerr.KindBadRequest, "invalid json body"))
		return
	}

	ctx, cancel := rpcContext()
	defer cancel()
	newName, err := s.Daemon.RenameSession(ctx, r.PathValue("name"), req.NewName)
	if err != nil {
		writeError(w, wrapDaemonErr(err, "rename session"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"name": newName})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	ra, err := s.requireSession(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.requireCSRF(r, ra); err != nil {
		writeError(w, err)
		return
	}
	ctx, cancel := rpcContext()
	defer cancel()
	if err := s.Daemon.DeleteSession(ctx, r.PathValue("name")); err != nil {
		writeError(w, wrapDaemonErr(err, "delete session"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleVTermSnapshot(w http.ResponseWriter, r *http.Request) {
	if _, err := s.requireSession(r); err != nil {
		writeError(w, err)
		return
	}
	ctx, cancel := rpcContext()
	defer cancel()
	screen, cursorRow, cursorCol, err := s.Daemon.VTermSnapshot(ctx, r.PathValue("name"))
	if err != nil {
		writeError(w, wrapDaemonErr(err, "vterm snapshot"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"screen":    screen,
		"cursorRow": cursorRow,
		"cursorCol": cursorCol,
	})
}

func (s *Server) handleGetShortcuts(w http.ResponseWriter, r *http.Request) {
	if _, err := s.requireSession(r); err != nil {
		writeError(w, err)
		return
	}
	ctx, cancel := rpcContext()
	defer cancel()
	shortcuts, err := s.Daemon.GetShortcuts(ctx)
	if err != nil {
		writeError(w, wrapDaemonErr(err, "get shortcuts"))
		return
	}
	writeJSON(w, http.StatusOK, shortcuts)
}

func (s *Server) handleSetShortcuts(w http.ResponseWriter, r *http.Request) {
	ra, err := s.requireSession(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.requireCSRF(r, ra); err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		Shortcuts []daemon.Shortcut `json:"shortcuts"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		writeError(w, katerr.New(katerr.KindBadRequest, "invalid json body"))
		return
	}

	ctx, cancel := rpcContext()
	defer cancel()
	shortcuts, err := s.Daemon.SetShortcuts(ctx, req.Shortcuts)
	if err != nil {
		writeError(w, wrapDaemonErr(err, "set shortcuts"))
		return
	}
	writeJSON(w, http.StatusOK, shortcuts)
}
