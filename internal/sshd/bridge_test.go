package sshd

import (
	"bytes"
	"encoding/json"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/katulong/katulong/internal/daemon"
)

// fakeChannel is a minimal ssh.Channel double: reads drain a preloaded input
// buffer once, writes accumulate for assertions, and Close is observable.
type fakeChannel struct {
	mu     sync.Mutex
	input  *bytes.Reader
	output bytes.Buffer
	stderr bytes.Buffer
	closed chan struct{}
}

func newFakeChannel(input string) *fakeChannel {
	return &fakeChannel{
		input:  bytes.NewReader([]byte(input)),
		closed: make(chan struct{}),
	}
}

func (f *fakeChannel) Read(p []byte) (int, error) {
	return f.input.Read(p)
}

func (f *fakeChannel) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.output.Write(p)
}

func (f *fakeChannel) Close() error {
	select {
	case <-f.closed:
	default:
		close(f.closed)
	}
	return nil
}

func (f *fakeChannel) CloseWrite() error { return nil }

func (f *fakeChannel) SendRequest(name string, wantReply bool, payload []byte) (bool, error) {
	return true, nil
}

func (f *fakeChannel) Stderr() io.ReadWriter { return &stderrRW{&f.stderr} }

type stderrRW struct{ buf *bytes.Buffer }

func (s *stderrRW) Read(p []byte) (int, error)  { return s.buf.Read(p) }
func (s *stderrRW) Write(p []byte) (int, error) { return s.buf.Write(p) }

func (f *fakeChannel) writtenString() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.output.String()
}

var _ ssh.Channel = (*fakeChannel)(nil)

func startTestDaemonClient(t *testing.T) *daemon.Client {
	t.Helper()
	dir := t.TempDir()
	sock := filepath.Join(dir, "katulong.sock")
	d := daemon.New(dir, sock)
	stop := make(chan struct{})
	errCh := make(chan error, 1)
	go func() { errCh <- d.Run(stop) }()
	t.Cleanup(func() {
		close(stop)
		select {
		case <-errCh:
		case <-time.After(2 * time.Second):
		}
	})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c, err := daemon.Dial(sock); err == nil {
			t.Cleanup(func() { c.Close() })
			return c
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("daemon never came up")
	return nil
}

func TestBridgeRunEchoesInputAsOutput(t *testing.T) {
	client := startTestDaemonClient(t)

	seen := make(chan string, 1)
	client.OnBroadcast = func(typ string, raw json.RawMessage) {
		if typ != "output" {
			return
		}
		var msg struct {
			Session string `json:"session"`
			Data    string `json:"data"`
		}
		if json.Unmarshal(raw, &msg) == nil && strings.Contains(msg.Data, "bridge-echo-test") {
			select {
			case seen <- msg.Data:
			default:
			}
		}
	}

	br := newBridge(client, "default")
	ch := newFakeChannel("echo bridge-echo-test\n")

	done := make(chan struct{})
	go func() {
		br.run(ch, 80, 24)
		close(done)
	}()

	select {
	case <-seen:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for echoed output broadcast")
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("bridge.run never returned after channel EOF")
	}
}

func TestBridgeHandleBroadcastWritesOutputToChannel(t *testing.T) {
	client := startTestDaemonClient(t)
	br := newBridge(client, "default")
	ch := newFakeChannel("")
	br.mu.Lock()
	br.ch = ch
	br.mu.Unlock()

	raw, _ := json.Marshal(map[string]string{"session": "default", "data": "hello there"})
	br.handleBroadcast("output", raw)

	if got := ch.writtenString(); got != "hello there" {
		t.Fatalf("expected broadcast data written to channel, got %q", got)
	}
}

func TestBridgeHandleBroadcastClosesChannelOnExit(t *testing.T) {
	client := startTestDaemonClient(t)
	br := newBridge(client, "default")
	ch := newFakeChannel("")
	br.mu.Lock()
	br.ch = ch
	br.mu.Unlock()

	br.handleBroadcast("exit", json.RawMessage(`{"session":"default"}`))

	select {
	case <-ch.closed:
	default:
		t.Fatalf("expected channel to be closed on exit broadcast")
	}
}
