package sshd

import (
	"encoding/binary"
	"testing"
)

func newTestSSHServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	dir := t.TempDir()
	if cfg.DataDir == "" {
		cfg.DataDir = dir
	}
	client := startTestDaemonClient(t)
	s, err := NewServer(cfg, client)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return s
}

func TestCheckPasswordAgainstSSHPassword(t *testing.T) {
	s := newTestSSHServer(t, Config{Password: "correct-horse"})

	if !s.checkPassword("correct-horse") {
		t.Fatalf("expected matching password to be accepted")
	}
	if s.checkPassword("wrong") {
		t.Fatalf("expected mismatched password to be rejected")
	}
}

func TestCheckPasswordFallsBackToSetupToken(t *testing.T) {
	s := newTestSSHServer(t, Config{SetupToken: "bootstrap-token"})

	if !s.checkPassword("bootstrap-token") {
		t.Fatalf("expected setup token fallback to be accepted when no password is set")
	}
	if s.checkPassword("anything-else") {
		t.Fatalf("expected non-matching candidate to be rejected")
	}
}

func TestCheckPasswordRejectsEverythingWhenUnconfigured(t *testing.T) {
	s := newTestSSHServer(t, Config{})
	if s.checkPassword("") || s.checkPassword("anything") {
		t.Fatalf("expected all passwords to be rejected with no password or setup token configured")
	}
}

func TestParsePTYReqDecodesColsRows(t *testing.T) {
	term := "xterm-256color"
	payload := make([]byte, 0, 4+len(term)+16)
	payload = appendUint32(payload, uint32(len(term)))
	payload = append(payload, term...)
	payload = appendUint32(payload, 120) // cols
	payload = appendUint32(payload, 40)  // rows
	payload = appendUint32(payload, 0)   // width px
	payload = appendUint32(payload, 0)   // height px
	payload = append(payload, 0)         // empty encoded modes string length prefix (partial, unused)

	cols, rows := parsePTYReq(payload)
	if cols != 120 || rows != 40 {
		t.Fatalf("expected cols=120 rows=40, got cols=%d rows=%d", cols, rows)
	}
}

func TestParsePTYReqDefaultsOnShortPayload(t *testing.T) {
	cols, rows := parsePTYReq([]byte{0, 0})
	if cols != 80 || rows != 24 {
		t.Fatalf("expected default 80x24 on malformed payload, got cols=%d rows=%d", cols, rows)
	}
}

func TestParsePTYReqDefaultsOnZeroDimensions(t *testing.T) {
	term := "xterm"
	payload := make([]byte, 0, 4+len(term)+16)
	payload = appendUint32(payload, uint32(len(term)))
	payload = append(payload, term...)
	payload = appendUint32(payload, 0) // cols: 0 should fall back to 80
	payload = appendUint32(payload, 0) // rows: 0 should fall back to 24
	payload = appendUint32(payload, 0)
	payload = appendUint32(payload, 0)

	cols, rows := parsePTYReq(payload)
	if cols != 80 || rows != 24 {
		t.Fatalf("expected defaults for zero dimensions, got cols=%d rows=%d", cols, rows)
	}
}

func appendUint32(b []byte, v uint32) []byte {
	tmp := make([]byte, 4)
	binary.BigEndian.PutUint32(tmp, v)
	return append(b, tmp...)
}
