package relay

import (
	"encoding/json"
	"net/http"

	"github.com/katulong/katulong/internal/katerr"
)

// handlePairStart begins a 30s LAN pairing handshake. Requires an existing
// authenticated session (you pair a new device from one you already trust).
func (s *Server) handlePairStart(w http.ResponseWriter, r *http.Request) {
	ra, err := s.authenticate(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if ra.tier.requiresAuth() && ra.credentialID == "" {
		writeError(w, katerr.New(katerr.KindUnauthenticated, "session required"))
		return
	}

	pc, err := s.Auth.StartPairing()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"code":      pc.Code,
		"pin":       pc.PIN,
		"url":       "/pair?code=" + pc.Code,
		"expiresAt": pc.ExpiresAt,
	})
}

// handlePairVerify is reachable without a session: the whole point of
// pairing is bootstrapping trust for an unauthenticated second device.
func (s *Server) handlePairVerify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code       string `json:"code"`
		PIN        string `json:"pin"`
		DeviceID   string `json:"deviceId"`
		DeviceName string `json:"deviceName"`
		UserAgent  string `json:"userAgent"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, katerr.New(katerr.KindBadRequest, "invalid json body"))
		return
	}

	deviceName := req.DeviceName
	if deviceName == "" {
		deviceName = req.DeviceID
	}
	setupToken, err := s.Auth.VerifyPairing(req.Code, req.PIN, deviceName)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"setupToken": setupToken})
}

// handlePairStatus polls whether a pairing code has been consumed, so the
// originating device can close its pairing UI once the second device
// finishes registration.
func (s *Server) handlePairStatus(w http.ResponseWriter, r *http.Request) {
	code := r.PathValue("code")
	consumed, err := s.Auth.PairingStatus(code)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"consumed": consumed})
}
