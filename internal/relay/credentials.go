package relay

import (
	"encoding/json"
	"net/http"

	"github.com/katulong/katulong/internal/katerr"
)

func (s *Server) requireSession(r *http.Request) (requestAuth, error) {
	ra, err := s.authenticate(r)
	if err != nil {
		return ra, err
	}
	if ra.tier.requiresAuth() && ra.credentialID == "" {
		return ra, katerr.New(katerr.KindUnauthenticated, "session required")
	}
	return ra, nil
}

// handleListCredentials lists registered WebAuthn credentials (metadata
// only — no public key material in the response).
func (s *Server) handleListCredentials(w http.ResponseWriter, r *http.Request) {
	if _, err := s.requireSession(r); err != nil {
		writeError(w, err)
		return
	}
	type item struct {
		ID         string `json:"id"`
		Name       string `json:"name"`
		CreatedAt  string `json:"createdAt"`
		LastUsedAt string `json:"lastUsedAt"`
		UserAgent  string `json:"userAgent,omitempty"`
	}
	creds := s.Auth.ListCredentials()
	out := make([]item, 0, len(creds))
	for _, c := range creds {
		out = append(out, item{
			ID:         c.ID,
			Name:       c.Name,
			CreatedAt:  c.CreatedAt.Format("2006-01-02T15:04:05Z"),
			LastUsedAt: c.LastUsedAt.Format("2006-01-02T15:04:05Z"),
			UserAgent:  c.UserAgent,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleDeleteCredential revokes a credential. Local callers may delete the
// last remaining credential (falls back to setup mode); remote callers may
// not, per spec.md §4.2/§7.
func (s *Server) handleDeleteCredential(w http.ResponseWriter, r *http.Request) {
	ra, err := s.requireSession(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.requireCSRF(r, ra); err != nil {
		writeError(w, err)
		return
	}
	id := r.PathValue("id")
	if err := s.Auth.DeleteCredential(id, !ra.tier.requiresAuth()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleListTokens lists outstanding setup tokens (never including the raw
// token value once issued).
func (s *Server) handleListTokens(w http.ResponseWriter, r *http.Request) {
	if _, err := s.requireSession(r); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.Auth.ListSetupTokens())
}

// handleCreateToken issues a fresh one-use setup token, returning the raw
// token exactly once.
func (s *Server) handleCreateToken(w http.ResponseWriter, r *http.Request) {
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
	_ = json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req)

	id, token, err := s.Auth.AddSetupToken(req.Name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "token": token})
}

// handleRevokeToken revokes an unused setup token by id.
func (s *Server) handleRevokeToken(w http.ResponseWriter, r *http.Request) {
	ra, err := s.requireSession(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.requireCSRF(r, ra); err != nil {
		writeError(w, err)
		return
	}
	if err := s.Auth.RevokeSetupToken(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
