package ptyring

import (
	"bytes"
	"strings"
	"testing"
)

func TestRingCapsAtByteCount(t *testing.T) {
	r := New(16)
	r.Write([]byte("0123456789"))
	r.Write([]byte("abcdefghij"))
	if r.Len() > 16 {
		t.Fatalf("ring exceeded cap: len=%d", r.Len())
	}
}

func TestRingKeepsTail(t *testing.T) {
	r := New(8)
	for i := 0; i < 10; i++ {
		r.Write([]byte("x\n"))
	}
	if r.Len() > 8 {
		t.Fatalf("ring exceeded cap: len=%d", r.Len())
	}
	if !bytes.HasSuffix(r.Bytes(), []byte("x\n")) {
		t.Fatalf("expected tail to contain most recent output, got %q", r.Bytes())
	}
}

func TestRingLargeWriteBound(t *testing.T) {
	r := New(DefaultCap)
	chunk := bytes.Repeat([]byte("a"), 1024*1024)
	for i := 0; i < 6; i++ {
		r.Write(chunk)
	}
	if r.Len() > DefaultCap {
		t.Fatalf("scrollback exceeded 5MiB cap: %d", r.Len())
	}
}

func TestFindSafeCutPrefersNewline(t *testing.T) {
	buf := []byte("hello\nworld\nrest")
	cut := findSafeCut(buf, 3)
	if !strings.HasPrefix(string(buf[cut:]), "world") && !strings.HasPrefix(string(buf[cut:]), "\nworld") {
		t.Fatalf("expected cut to land on a line boundary, got %q", buf[cut:])
	}
}
