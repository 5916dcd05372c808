package authstore

import (
	"path/filepath"
	"time"

	"github.com/katulong/katulong/internal/katerr"
)

// RegisterCredential stores a new credential. If setupToken is non-empty,
// the matching setup token is consumed in the same critical section (or
// the whole operation fails), per spec.md §4.2's registerCredential
// invariant.
func (s *Store) RegisterCredential(cred *Credential, setupToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if setupToken != "" {
		st, ok := s.setupTokens[setupToken]
		if !ok {
			return katerr.New(katerr.KindNotFound, "setup token not found")
		}
		if err := s.removeEntityLocked(filepath.Join(s.dir, "setup-tokens", st.ID+".json")); err != nil {
			return err
		}
		delete(s.setupTokens, setupToken)
	}

	if cred.CreatedAt.IsZero() {
		cred.CreatedAt = time.Now()
	}
	if err := s.writeEntityLocked(filepath.Join(s.dir, "credentials", cred.ID+".json"), cred); err != nil {
		return err
	}
	s.credentials[cred.ID] = cred
	return nil
}

// DeleteCredential removes a credential and every session referencing it.
// If this would leave zero credentials and the caller is non-local,
// the deletion is refused — the caller passes localCaller=true only for
// requests that have already been classified as the localhost tier.
func (s *Store) DeleteCredential(id string, localCaller bool) error {
	s.mu.Lock()

	if _, ok := s.credentials[id]; !ok {
		s.mu.Unlock()
		return katerr.New(katerr.KindNotFound, "credential not found")
	}
	if len(s.credentials) == 1 && !localCaller {
		s.mu.Unlock()
		return katerr.New(katerr.KindForbidden, "cannot delete the last credential from a non-local request")
	}

	if err := s.removeEntityLocked(filepath.Join(s.dir, "credentials", id+".json")); err != nil {
		s.mu.Unlock()
		return err
	}
	delete(s.credentials, id)

	for token, rec := range s.sessions {
		if rec.CredentialID == id {
			_ = s.removeEntityLocked(filepath.Join(s.dir, "sessions", token+".json"))
			delete(s.sessions, token)
		}
	}
	s.lockout.clear(id)
	s.mu.Unlock()

	if s.OnCredentialDeleted != nil {
		s.OnCredentialDeleted(id)
	}
	return nil
}

// ListCredentials returns a read-only snapshot.
func (s *Store) ListCredentials() []Credential {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Credential, 0, len(s.credentials))
	for _, c := range s.credentials {
		out = append(out, *c)
	}
	return out
}

// GetCredential returns the credential by id, or false if absent.
func (s *Store) GetCredential(id string) (Credential, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.credentials[id]
	if !ok {
		return Credential{}, false
	}
	return *c, true
}

// CredentialExists reports whether id still refers to a live credential.
func (s *Store) CredentialExists(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.credentials[id]
	return ok
}

// TouchCredential updates counter and lastUsedAt after a successful
// WebAuthn assertion.
func (s *Store) TouchCredential(id string, counter uint32, userAgent string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.credentials[id]
	if !ok {
		return katerr.New(katerr.KindNotFound, "credential not found")
	}
	c.Counter = counter
	c.LastUsedAt = time.Now()
	if userAgent != "" {
		c.UserAgent = userAgent
	}
	return s.writeEntityLocked(filepath.Join(s.dir, "credentials", id+".json"), c)
}
