package authstore

import (
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return s
}

func TestIsSetupAndRegisterCredential(t *testing.T) {
	s := newTestStore(t)
	if s.IsSetup() {
		t.Fatalf("expected not set up initially")
	}
	cred := &Credential{ID: "cred-1", Name: "laptop"}
	if err := s.RegisterCredential(cred, ""); err != nil {
		t.Fatalf("register: %v", err)
	}
	if !s.IsSetup() {
		t.Fatalf("expected set up after registering a credential")
	}
}

func TestRegisterCredentialConsumesSetupToken(t *testing.T) {
	s := newTestStore(t)
	_, token, err := s.AddSetupToken("phone")
	if err != nil {
		t.Fatalf("add setup token: %v", err)
	}
	cred := &Credential{ID: "cred-1", Name: "phone"}
	if err := s.RegisterCredential(cred, token); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := s.ConsumeSetupToken(token); err == nil {
		t.Fatalf("expected setup token to already be consumed")
	}
}

func TestDeleteLastCredentialForbiddenRemotely(t *testing.T) {
	s := newTestStore(t)
	cred := &Credential{ID: "only", Name: "laptop"}
	_ = s.RegisterCredential(cred, "")

	if err := s.DeleteCredential("only", false); err == nil {
		t.Fatalf("expected remote deletion of last credential to fail")
	}
	if !s.CredentialExists("only") {
		t.Fatalf("credential should still exist after forbidden delete")
	}
	if err := s.DeleteCredential("only", true); err != nil {
		t.Fatalf("expected local deletion of last credential to succeed: %v", err)
	}
}

func TestDeleteCredentialInvalidatesSessions(t *testing.T) {
	s := newTestStore(t)
	cred := &Credential{ID: "c1", Name: "laptop"}
	_ = s.RegisterCredential(cred, "")
	cred2 := &Credential{ID: "c2", Name: "phone"}
	_ = s.RegisterCredential(cred2, "")

	token, _, err := s.CreateSession("c1")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	if err := s.DeleteCredential("c1", true); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.ValidateSession(token); err == nil {
		t.Fatalf("expected session to be invalidated after credential deletion")
	}
}

func TestCredentialLockout(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < lockoutThreshold; i++ {
		s.RecordCredentialFailure("victim")
	}
	locked, retryAfter := s.IsCredentialLocked("victim")
	if !locked {
		t.Fatalf("expected lockout after %d failures", lockoutThreshold)
	}
	if retryAfter <= 0 {
		t.Fatalf("expected positive retry-after, got %d", retryAfter)
	}
	s.RecordCredentialSuccess("victim")
	locked, _ = s.IsCredentialLocked("victim")
	if locked {
		t.Fatalf("expected success to clear lockout")
	}
}

func TestPairingRoundTrip(t *testing.T) {
	s := newTestStore(t)
	pc, err := s.StartPairing()
	if err != nil {
		t.Fatalf("start pairing: %v", err)
	}
	setupToken, err := s.VerifyPairing(pc.Code, pc.PIN, "new-device")
	if err != nil {
		t.Fatalf("verify pairing: %v", err)
	}
	if setupToken == "" {
		t.Fatalf("expected a setup token")
	}
	if _, err := s.VerifyPairing(pc.Code, pc.PIN, "new-device"); err == nil {
		t.Fatalf("expected repeat verify to fail (one-shot)")
	}
}

func TestPairingWrongPINLocksOut(t *testing.T) {
	s := newTestStore(t)
	pc, err := s.StartPairing()
	if err != nil {
		t.Fatalf("start pairing: %v", err)
	}
	for i := 0; i < lockoutThreshold; i++ {
		_, _ = s.VerifyPairing(pc.Code, "00000000", "attacker")
	}
	if _, err := s.VerifyPairing(pc.Code, pc.PIN, "attacker"); err == nil {
		t.Fatalf("expected lockout to block even the correct pin")
	}
}

func TestUpdateConfigRoundTrip(t *testing.T) {
	s := newTestStore(t)
	updated, err := s.UpdateConfig(func(c *InstanceConfig) {
		c.InstanceName = "my-box"
	})
	if err != nil {
		t.Fatalf("update config: %v", err)
	}
	if updated.InstanceName != "my-box" {
		t.Fatalf("expected instance name to persist, got %q", updated.InstanceName)
	}
	got, err := s.GetConfig()
	if err != nil {
		t.Fatalf("get config: %v", err)
	}
	if got.InstanceName != "my-box" {
		t.Fatalf("expected get to reflect update, got %q", got.InstanceName)
	}
}

func TestAtomicWritesSurviveReload(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	cred := &Credential{ID: "durable", Name: "laptop", CreatedAt: time.Now()}
	if err := s.RegisterCredential(cred, ""); err != nil {
		t.Fatalf("register: %v", err)
	}

	reopened, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if !reopened.CredentialExists("durable") {
		t.Fatalf("expected credential to survive reload from disk")
	}
}
