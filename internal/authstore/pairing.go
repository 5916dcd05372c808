package authstore

import (
	"crypto/rand"
	"crypto/subtle"
	"time"

	"github.com/google/uuid"

	"github.com/katulong/katulong/internal/katerr"
)

// StartPairing creates a new 30-second pairing code + PIN. Never persisted
// to disk — its lifetime is short enough that durability across a restart
// would be meaningless, the same reasoning that keeps credential lockout
// state in memory only.
func (s *Store) StartPairing() (*PairingCode, error) {
	pin, err := randomDigits(8)
	if err != nil {
		return nil, katerr.Wrap(katerr.KindInternal, "generate pin", err)
	}

	pc := &PairingCode{
		Code:      uuid.NewString(),
		PIN:       pin,
		ExpiresAt: time.Now().Add(pairingTTL),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.pairingCodes[pc.Code] = pc
	cp := *pc
	return &cp, nil
}

// VerifyPairing checks code+pin (constant-time PIN comparison), consumes
// the code on success, and returns a fresh one-shot setup token bound to
// this pairing. PIN failures are fed into the lockout tracker keyed on the
// code, per spec.md §4.3.
func (s *Store) VerifyPairing(code, pin, deviceName string) (setupToken string, err error) {
	s.mu.Lock()

	pc, ok := s.pairingCodes[code]
	if !ok {
		s.mu.Unlock()
		return "", katerr.New(katerr.KindBadRequest, "unknown pairing code")
	}
	if pc.Consumed || time.Now().After(pc.ExpiresAt) {
		s.mu.Unlock()
		return "", katerr.New(katerr.KindBadRequest, "pairing code expired or already used")
	}
	if locked, retryAfter := s.lockout.isLocked(code); locked {
		s.mu.Unlock()
		return "", katerr.LockedOut(retryAfter)
	}

	match := subtle.ConstantTimeCompare([]byte(pin), []byte(pc.PIN)) == 1
	if !match {
		s.lockout.recordFailure(code)
		s.mu.Unlock()
		return "", katerr.New(katerr.KindUnauthenticated, "pin mismatch")
	}
	s.lockout.recordSuccess(code)
	pc.Consumed = true
	s.mu.Unlock()

	_, token, err := s.AddSetupToken(deviceName)
	if err != nil {
		return "", err
	}
	return token, nil
}

// PairingStatus reports whether a pairing code has been consumed.
func (s *Store) PairingStatus(code string) (consumed bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pc, ok := s.pairingCodes[code]
	if !ok {
		return false, katerr.New(katerr.KindNotFound, "unknown pairing code")
	}
	return pc.Consumed, nil
}

// SweepPairingCodes removes expired pairing codes. Intended to be called
// periodically alongside the lockout sweep.
func (s *Store) SweepPairingCodes() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepPairingCodesLocked()
}

// sweepPairingCodesLocked is the lock-free core; callers must already hold
// s.mu (used by StartLockoutSweep, which sweeps both trackers in one
// critical section).
func (s *Store) sweepPairingCodesLocked() {
	now := time.Now()
	for code, pc := range s.pairingCodes {
		if now.After(pc.ExpiresAt) {
			delete(s.pairingCodes, code)
		}
	}
}

func randomDigits(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	out := make([]byte, n)
	for i, v := range b {
		out[i] = '0' + v%10
	}
	return string(out), nil
}
