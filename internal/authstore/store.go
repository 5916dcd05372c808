package authstore

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/katulong/katulong/internal/katerr"
)

// Store is the Auth Store. One mutex guards every mutation because several
// invariants span entities (deleting a credential purges its sessions).
type Store struct {
	dir string
	mu  sync.Mutex

	user           *User
	credentials    map[string]*Credential   // id -> record
	sessions       map[string]*SessionRecord // token -> record
	setupTokens    map[string]*SetupToken    // token string -> record
	pairingCodes   map[string]*PairingCode   // code -> record
	config         *InstanceConfig
	lockout        *lockoutTracker

	// OnCredentialDeleted is invoked (outside the lock) after a credential
	// and its sessions are removed, so the relay can close bound sockets
	// with WS close code 1008 per spec.md §4.3/§8.
	OnCredentialDeleted func(credentialID string)
}

// Open loads (or initializes) the store rooted at dir.
func Open(dir string) (*Store, error) {
	s := &Store{
		dir:          dir,
		credentials:  make(map[string]*Credential),
		sessions:     make(map[string]*SessionRecord),
		setupTokens:  make(map[string]*SetupToken),
		pairingCodes: make(map[string]*PairingCode),
		lockout:      newLockoutTracker(),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	if data, err := os.ReadFile(filepath.Join(s.dir, "user.json")); err == nil {
		var u User
		if err := json.Unmarshal(data, &u); err != nil {
			return fmt.Errorf("parse user.json: %w", err)
		}
		s.user = &u
	} else if !os.IsNotExist(err) {
		return err
	}

	if data, err := os.ReadFile(filepath.Join(s.dir, "config.json")); err == nil {
		var c InstanceConfig
		if err := json.Unmarshal(data, &c); err != nil {
			return fmt.Errorf("parse config.json: %w", err)
		}
		s.config = &c
	} else if !os.IsNotExist(err) {
		return err
	}

	if err := loadEntities(filepath.Join(s.dir, "credentials"), &s.credentials); err != nil {
		return err
	}
	if err := loadEntities(filepath.Join(s.dir, "sessions"), &s.sessions); err != nil {
		return err
	}
	setupByID := make(map[string]*SetupToken)
	if err := loadEntities(filepath.Join(s.dir, "setup-tokens"), &setupByID); err != nil {
		return err
	}
	for _, st := range setupByID {
		s.setupTokens[st.Token] = st
	}
	return nil
}

// loadEntities reads every *.json file in dir into dst, keyed by the
// entity's own key field via a second unmarshal pass isn't needed here:
// callers pass a map keyed however they like and we key by filename stem.
func loadEntities[T any](dir string, dst *map[string]*T) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return err
		}
		var v T
		if err := json.Unmarshal(data, &v); err != nil {
			return fmt.Errorf("parse %s: %w", e.Name(), err)
		}
		key := e.Name()[:len(e.Name())-len(".json")]
		(*dst)[key] = &v
	}
	return nil
}

// IsSetup reports whether at least one credential exists.
func (s *Store) IsSetup() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.credentials) > 0
}

// GetUser returns the current user record, or nil if not yet set up.
func (s *Store) GetUser() *User {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.user == nil {
		return nil
	}
	u := *s.user
	return &u
}

// EnsureUser creates the user record on first registration if absent.
func (s *Store) EnsureUser(name string) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.user != nil {
		u := *s.user
		return &u, nil
	}
	u := &User{ID: uuid.NewString(), Name: name}
	if err := s.writeEntityLocked(filepath.Join(s.dir, "user.json"), u); err != nil {
		return nil, err
	}
	s.user = u
	cp := *u
	return &cp, nil
}

// GetConfig returns the instance config, initializing it with defaults if
// absent.
func (s *Store) GetConfig() (*InstanceConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.config != nil {
		c := *s.config
		return &c, nil
	}
	now := time.Now()
	c := &InstanceConfig{
		InstanceName: "Katulong",
		InstanceIcon: "",
		ToolbarColor: "#1a1a1a",
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.writeEntityLocked(filepath.Join(s.dir, "config.json"), c); err != nil {
		return nil, err
	}
	s.config = c
	cp := *c
	return &cp, nil
}

// UpdateConfig applies a mutation function to the current config and
// persists the result. CSRF enforcement for non-local callers happens in
// the relay layer, not here.
func (s *Store) UpdateConfig(mutate func(*InstanceConfig)) (*InstanceConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.config == nil {
		now := time.Now()
		s.config = &InstanceConfig{InstanceName: "Katulong", ToolbarColor: "#1a1a1a", CreatedAt: now}
	}
	mutate(s.config)
	s.config.UpdatedAt = time.Now()
	if err := s.writeEntityLocked(filepath.Join(s.dir, "config.json"), s.config); err != nil {
		return nil, err
	}
	c := *s.config
	return &c, nil
}

// writeEntityLocked marshals v and writes it atomically. Callers must
// already hold s.mu.
func (s *Store) writeEntityLocked(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return katerr.Wrap(katerr.KindInternal, "marshal entity", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return katerr.Wrap(katerr.KindInternal, "mkdir entity dir", err)
	}
	if err := atomicWriteFile(path, data, 0600); err != nil {
		return katerr.Wrap(katerr.KindInternal, "write entity", err)
	}
	return nil
}

func (s *Store) removeEntityLocked(path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return katerr.Wrap(katerr.KindInternal, "remove entity", err)
	}
	return nil
}

// atomicWriteFile writes data via a temp file in the target directory
// followed by a rename, the standard crash-safe write idiom.
func atomicWriteFile(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

// randomHex returns n random bytes hex-encoded (2n hex characters).
func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
