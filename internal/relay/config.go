package relay

import (
	"encoding/json"
	"net/http"

	"github.com/katulong/katulong/internal/authstore"
	"github.com/katulong/katulong/internal/katerr"
)

// handleGetConfig returns the instance's display config. Reachable at any
// tier — the instance name/icon/color are cosmetic, not secret.
func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.Auth.GetConfig()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) putConfig(w http.ResponseWriter, r *http.Request, mutate func(*authstore.InstanceConfig)) {
	ra, err := s.requireSession(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.requireCSRF(r, ra); err != nil {
		writeError(w, err)
		return
	}
	cfg, err := s.Auth.UpdateConfig(mutate)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handlePutInstanceName(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"instanceName"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<10)).Decode(&req); err != nil {
		writeError(w, katerr.New(katerr.KindBadRequest, "invalid json body"))
		return
	}
	s.putConfig(w, r, func(c *authstore.InstanceConfig) { c.InstanceName = req.Name })
}

func (s *Server) handlePutInstanceIcon(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Icon string `json:"instanceIcon"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<10)).Decode(&req); err != nil {
		writeError(w, katerr.New(katerr.KindBadRequest, "invalid json body"))
		return
	}
	s.putConfig(w, r, func(c *authstore.InstanceConfig) { c.InstanceIcon = req.Icon })
}

func (s *Server) handlePutToolbarColor(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Color string `json:"toolbarColor"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<10)).Decode(&req); err != nil {
		writeError(w, katerr.New(katerr.KindBadRequest, "invalid json body"))
		return
	}
	s.putConfig(w, r, func(c *authstore.InstanceConfig) { c.ToolbarColor = req.Color })
}
