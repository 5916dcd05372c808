package authstore

import (
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/katulong/katulong/internal/katerr"
)

// AddSetupToken creates and persists a one-use registration token bound to
// name, returning its id and the token string exactly once.
func (s *Store) AddSetupToken(name string) (id, token string, err error) {
	token, err = randomHex(16)
	if err != nil {
		return "", "", katerr.Wrap(katerr.KindInternal, "generate setup token", err)
	}
	id = uuid.NewString()

	rec := &SetupToken{ID: id, Token: token, Name: name, CreatedAt: time.Now()}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writeEntityLocked(filepath.Join(s.dir, "setup-tokens", id+".json"), rec); err != nil {
		return "", "", err
	}
	s.setupTokens[token] = rec
	return id, token, nil
}

// ConsumeSetupToken atomically checks-and-deletes a setup token, returning
// the record it represented or failing if it's missing/already consumed.
func (s *Store) ConsumeSetupToken(token string) (*SetupToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.setupTokens[token]
	if !ok {
		return nil, katerr.New(katerr.KindNotFound, "setup token not found")
	}
	if err := s.removeEntityLocked(filepath.Join(s.dir, "setup-tokens", rec.ID+".json")); err != nil {
		return nil, err
	}
	delete(s.setupTokens, token)
	cp := *rec
	return &cp, nil
}

// RevokeSetupToken deletes an unused setup token by id without consuming
// it for registration.
func (s *Store) RevokeSetupToken(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var foundToken string
	for tok, rec := range s.setupTokens {
		if rec.ID == id {
			foundToken = tok
			break
		}
	}
	if foundToken == "" {
		return katerr.New(katerr.KindNotFound, "setup token not found")
	}
	if err := s.removeEntityLocked(filepath.Join(s.dir, "setup-tokens", id+".json")); err != nil {
		return err
	}
	delete(s.setupTokens, foundToken)
	return nil
}

// ListSetupTokens returns a read-only snapshot (never including the raw
// token string, only its metadata, so callers building a listing UI don't
// accidentally leak a still-valid token).
func (s *Store) ListSetupTokens() []SetupToken {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SetupToken, 0, len(s.setupTokens))
	for _, rec := range s.setupTokens {
		cp := *rec
		cp.Token = ""
		out = append(out, cp)
	}
	return out
}
