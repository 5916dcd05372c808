package authstore

import (
	"path/filepath"
	"time"

	"github.com/katulong/katulong/internal/katerr"
)

// CreateSession mints a new session token + CSRF token for credentialID.
func (s *Store) CreateSession(credentialID string) (token, csrfToken string, err error) {
	token, err = randomHex(32)
	if err != nil {
		return "", "", katerr.Wrap(katerr.KindInternal, "generate session token", err)
	}
	csrfToken, err = randomHex(32)
	if err != nil {
		return "", "", katerr.Wrap(katerr.KindInternal, "generate csrf token", err)
	}

	now := time.Now()
	rec := &SessionRecord{
		Token:          token,
		CredentialID:   credentialID,
		Expiry:         now.Add(sessionLifetime),
		CreatedAt:      now,
		LastActivityAt: now,
		CSRFToken:      csrfToken,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.credentials[credentialID]; !ok {
		return "", "", katerr.New(katerr.KindNotFound, "credential not found")
	}
	if err := s.writeEntityLocked(filepath.Join(s.dir, "sessions", token+".json"), rec); err != nil {
		return "", "", err
	}
	s.sessions[token] = rec
	return token, csrfToken, nil
}

// ValidateSession checks the token and returns the credential ID it
// authorizes, updating lastActivityAt. Expired records are removed
// opportunistically, per spec.md §4.2.
func (s *Store) ValidateSession(token string) (credentialID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.sessions[token]
	if !ok {
		return "", katerr.New(katerr.KindUnauthenticated, "no such session")
	}
	if time.Now().After(rec.Expiry) {
		_ = s.removeEntityLocked(filepath.Join(s.dir, "sessions", token+".json"))
		delete(s.sessions, token)
		return "", katerr.New(katerr.KindUnauthenticated, "session expired")
	}
	if _, ok := s.credentials[rec.CredentialID]; !ok {
		_ = s.removeEntityLocked(filepath.Join(s.dir, "sessions", token+".json"))
		delete(s.sessions, token)
		return "", katerr.New(katerr.KindUnauthenticated, "credential revoked")
	}

	rec.LastActivityAt = time.Now()
	_ = s.writeEntityLocked(filepath.Join(s.dir, "sessions", token+".json"), rec)
	return rec.CredentialID, nil
}

// GetSessionCSRFToken returns the CSRF token bound to a (still valid)
// session, for comparing against the X-CSRF-Token header.
func (s *Store) GetSessionCSRFToken(token string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[token]
	if !ok {
		return "", false
	}
	return rec.CSRFToken, true
}

// InvalidateSession removes a session (used by logout: the credential
// stays intact, only this one session is revoked).
func (s *Store) InvalidateSession(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[token]; !ok {
		return nil
	}
	delete(s.sessions, token)
	return s.removeEntityLocked(filepath.Join(s.dir, "sessions", token+".json"))
}

// ListSessions returns a read-only snapshot.
func (s *Store) ListSessions() []SessionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SessionRecord, 0, len(s.sessions))
	for _, r := range s.sessions {
		out = append(out, *r)
	}
	return out
}
