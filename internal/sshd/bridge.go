package sshd

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"

	"github.com/katulong/katulong/internal/daemon"
)

// bridge pipes one SSH channel to one daemon session, the same attach /
// input / resize / output relationship the relay's WS protocol has with the
// daemon, just carried over an SSH channel instead of a WebSocket.
type bridge struct {
	daemonClient *daemon.Client
	clientID     string
	session      string

	mu   sync.Mutex
	ch   ssh.Channel
	done chan struct{}
	cols int
	rows int
}

func newBridge(d *daemon.Client, session string) *bridge {
	return &bridge{
		daemonClient: d,
		clientID:     uuid.NewString(),
		session:      session,
		done:         make(chan struct{}),
	}
}

// run attaches to the daemon session, replays its scrollback onto ch, then
// blocks copying ch's input into the daemon until the channel closes.
func (b *bridge) run(ch ssh.Channel, cols, rows int) {
	b.mu.Lock()
	b.ch = ch
	b.cols = cols
	b.rows = rows
	b.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	buffer, _, err := b.daemonClient.Attach(ctx, b.clientID, b.session, cols, rows)
	cancel()
	if err != nil {
		ch.Stderr().Write([]byte("katulong: attach failed: " + err.Error() + "\r\n"))
		return
	}
	if buffer != "" {
		ch.Write([]byte(buffer))
	}

	defer func() {
		close(b.done)
		_ = b.daemonClient.Detach(b.clientID)
	}()

	buf := make([]byte, 4096)
	for {
		n, err := ch.Read(buf)
		if n > 0 {
			_ = b.daemonClient.Input(b.clientID, string(buf[:n]))
		}
		if err != nil {
			if err != io.EOF {
				return
			}
			return
		}
	}
}

func (b *bridge) resize(cols, rows int) {
	b.mu.Lock()
	b.cols = cols
	b.rows = rows
	b.mu.Unlock()
	_ = b.daemonClient.Resize(b.clientID, cols, rows)
}

// reattach re-issues the attach after the daemon client reconnects, since
// the daemon keys attachments against the connection that registered them.
func (b *bridge) reattach() {
	b.mu.Lock()
	ch, cols, rows := b.ch, b.cols, b.rows
	b.mu.Unlock()
	if ch == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	_, _, err := b.daemonClient.Attach(ctx, b.clientID, b.session, cols, rows)
	cancel()
	if err != nil {
		ch.Stderr().Write([]byte("katulong: re-attach after daemon reconnect failed: " + err.Error() + "\r\n"))
	}
}

// handleBroadcast is invoked from the daemon client's read loop for every
// broadcast naming this bridge's session; it writes output straight to the
// SSH channel and closes the channel on exit/removal.
func (b *bridge) handleBroadcast(typ string, raw json.RawMessage) {
	b.mu.Lock()
	ch := b.ch
	b.mu.Unlock()
	if ch == nil {
		return
	}

	switch typ {
	case "output":
		var msg struct {
			Data string `json:"data"`
		}
		if json.Unmarshal(raw, &msg) == nil {
			ch.Write([]byte(msg.Data))
		}
	case "exit", "session-removed":
		ch.Close()
	}
}
