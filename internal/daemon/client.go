package daemon

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/katulong/katulong/internal/katerr"
	"github.com/katulong/katulong/internal/logger"
)

// reconnect backoff per spec.md §5: starts at 1s, doubles, caps at 30s.
const (
	reconnectInitialDelay = time.Second
	reconnectMaxDelay     = 30 * time.Second
)

// Client is a connection to a running Daemon, used by the relay and the
// SSH front-door. It multiplexes request/response RPCs (matched by id) and
// delivers broadcasts (output/exit/session-removed/session-renamed) to a
// caller-supplied handler. If the socket drops, Client reconnects in the
// background with exponential backoff and invokes OnReconnect so callers can
// re-issue attachments that were live at disconnect time.
type Client struct {
	sockPath string

	connMu  sync.RWMutex
	conn    net.Conn
	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan json.RawMessage

	closeOnce sync.Once
	closeCh   chan struct{}

	OnBroadcast func(typ string, raw json.RawMessage)
	// OnReconnect fires after a dropped connection is re-established. It
	// does not fire for the initial Dial.
	OnReconnect func()
}

// Dial connects to the daemon's Unix socket and starts its read loop.
func Dial(sockPath string) (*Client, error) {
	conn, err := net.Dial("unix", sockPath)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	c := &Client{
		sockPath: sockPath,
		conn:     conn,
		pending:  make(map[string]chan json.RawMessage),
		closeCh:  make(chan struct{}),
	}
	go c.readLoop(conn)
	return c, nil
}

func (c *Client) getConn() net.Conn {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.conn
}

func (c *Client) setConn(conn net.Conn) {
	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
}

func (c *Client) readLoop(conn net.Conn) {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		var env Envelope
		if err := json.Unmarshal(line, &env); err != nil {
			continue
		}
		if env.ID != "" {
			c.pendingMu.Lock()
			ch, ok := c.pending[env.ID]
			if ok {
				delete(c.pending, env.ID)
			}
			c.pendingMu.Unlock()
			if ok {
				ch <- append(json.RawMessage(nil), line...)
				continue
			}
		}
		if c.OnBroadcast != nil {
			c.OnBroadcast(env.Type, append(json.RawMessage(nil), line...))
		}
	}
	c.pendingMu.Lock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()

	select {
	case <-c.closeCh:
		return
	default:
	}
	logger.Warn("daemon client: connection lost, reconnecting", "sock", c.sockPath)
	c.reconnectLoop()
}

// reconnectLoop redials the daemon's socket with exponential backoff until
// it succeeds or the client is closed, then resumes the read loop and
// notifies OnReconnect so attached WS/SSH sessions can be re-issued.
func (c *Client) reconnectLoop() {
	delay := reconnectInitialDelay
	for {
		select {
		case <-c.closeCh:
			return
		case <-time.After(delay):
		}
		conn, err := net.Dial("unix", c.sockPath)
		if err != nil {
			logger.Warn("daemon client: reconnect failed", "sock", c.sockPath, "error", err, "retry_in", delay)
			delay *= 2
			if delay > reconnectMaxDelay {
				delay = reconnectMaxDelay
			}
			continue
		}
		c.setConn(conn)
		logger.Info("daemon client: reconnected", "sock", c.sockPath)
		go c.readLoop(conn)
		if c.OnReconnect != nil {
			c.OnReconnect()
		}
		return
	}
}

// call sends a request carrying a fresh id and waits for the matching
// response, bounded by spec.md §5's 5s daemon RPC timeout.
func (c *Client) call(ctx context.Context, req map[string]any) (json.RawMessage, error) {
	id := uuid.NewString()
	req["id"] = id

	ch := make(chan json.RawMessage, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()

	if err := c.write(req); err != nil {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return nil, katerr.Wrap(katerr.KindUpstream, "write to daemon", err)
	}

	timeout, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()
	select {
	case raw, ok := <-ch:
		if !ok {
			return nil, katerr.New(katerr.KindUpstream, "daemon connection closed")
		}
		return raw, nil
	case <-timeout.Done():
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return nil, katerr.New(katerr.KindUpstream, "daemon rpc timeout")
	}
}

func (c *Client) write(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = c.getConn().Write(data)
	return err
}

// send is the fire-and-forget path for input/resize/detach-without-id.
func (c *Client) send(v any) error {
	return c.write(v)
}

// ListSessions calls list-sessions.
func (c *Client) ListSessions(ctx context.Context) ([]sessionSummary, error) {
	raw, err := c.call(ctx, map[string]any{"type": "list-sessions"})
	if err != nil {
		return nil, err
	}
	var resp listSessionsResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, err
	}
	return resp.Sessions, nil
}

// CreateSession calls create-session.
func (c *Client) CreateSession(ctx context.Context, name string) (string, error) {
	raw, err := c.call(ctx, map[string]any{"type": "create-session", "name": name})
	if err != nil {
		return "", err
	}
	return decodeNameOrError(raw)
}

// DeleteSession calls delete-session.
func (c *Client) DeleteSession(ctx context.Context, name string) error {
	raw, err := c.call(ctx, map[string]any{"type": "delete-session", "name": name})
	if err != nil {
		return err
	}
	return checkErrorResponse(raw)
}

// RenameSession calls rename-session.
func (c *Client) RenameSession(ctx context.Context, oldName, newName string) (string, error) {
	raw, err := c.call(ctx, map[string]any{"type": "rename-session", "oldName": oldName, "newName": newName})
	if err != nil {
		return "", err
	}
	return decodeNameOrError(raw)
}

// Attach calls attach and returns the scrollback buffer and alive flag.
func (c *Client) Attach(ctx context.Context, clientID, sessionName string, cols, rows int) (buffer string, alive bool, err error) {
	raw, err := c.call(ctx, map[string]any{
		"type": "attach", "clientId": clientID, "session": sessionName, "cols": cols, "rows": rows,
	})
	if err != nil {
		return "", false, err
	}
	var resp attachResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", false, err
	}
	if resp.Type == "error" {
		return "", false, checkErrorResponse(raw)
	}
	return resp.Buffer, resp.Alive, nil
}

// Detach sends a fire-and-forget detach.
func (c *Client) Detach(clientID string) error {
	return c.send(map[string]any{"type": "detach", "clientId": clientID})
}

// Input sends fire-and-forget input for the given client's attached session.
func (c *Client) Input(clientID, data string) error {
	return c.send(map[string]any{"type": "input", "clientId": clientID, "data": data})
}

// Resize sends a fire-and-forget resize.
func (c *Client) Resize(clientID string, cols, rows int) error {
	return c.send(map[string]any{"type": "resize", "clientId": clientID, "cols": cols, "rows": rows})
}

// GetShortcuts calls get-shortcuts.
func (c *Client) GetShortcuts(ctx context.Context) ([]Shortcut, error) {
	raw, err := c.call(ctx, map[string]any{"type": "get-shortcuts"})
	if err != nil {
		return nil, err
	}
	if err := checkErrorResponse(raw); err != nil {
		return nil, err
	}
	var resp shortcutsResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, err
	}
	return resp.Shortcuts, nil
}

// SetShortcuts calls set-shortcuts and returns the persisted list.
func (c *Client) SetShortcuts(ctx context.Context, shortcuts []Shortcut) ([]Shortcut, error) {
	raw, err := c.call(ctx, map[string]any{"type": "set-shortcuts", "shortcuts": shortcuts})
	if err != nil {
		return nil, err
	}
	if err := checkErrorResponse(raw); err != nil {
		return nil, err
	}
	var resp shortcutsResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, err
	}
	return resp.Shortcuts, nil
}

// VTermSnapshot calls vterm-snapshot for session.
func (c *Client) VTermSnapshot(ctx context.Context, session string) (screen []string, cursorRow, cursorCol int, err error) {
	raw, err := c.call(ctx, map[string]any{"type": "vterm-snapshot", "session": session})
	if err != nil {
		return nil, 0, 0, err
	}
	if err := checkErrorResponse(raw); err != nil {
		return nil, 0, 0, err
	}
	var resp vtermSnapshotResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, 0, 0, err
	}
	return resp.Screen, resp.CursorRow, resp.CursorCol, nil
}

// Close closes the underlying connection and stops reconnecting.
func (c *Client) Close() error {
	c.closeOnce.Do(func() { close(c.closeCh) })
	return c.getConn().Close()
}

func decodeNameOrError(raw json.RawMessage) (string, error) {
	if err := checkErrorResponse(raw); err != nil {
		return "", err
	}
	var resp nameResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	return resp.Name, nil
}

// daemonErrKind maps the daemon's wire-level error codes (protocol.go's
// errorResponse.Error) onto the shared taxonomy, so callers across the
// socket boundary can distinguish application errors (a session name
// collision, an unknown session) from actual transport/timeout failures.
func daemonErrKind(code string) katerr.Kind {
	switch code {
	case "exists":
		return katerr.KindConflict
	case "not_found":
		return katerr.KindNotFound
	case "bad_request":
		return katerr.KindBadRequest
	default:
		return katerr.KindInternal
	}
}

func checkErrorResponse(raw json.RawMessage) error {
	var probe struct {
		Type    string `json:"type"`
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return err
	}
	if probe.Type == "error" {
		msg := probe.Error
		if probe.Message != "" {
			msg = probe.Message
		}
		return katerr.New(daemonErrKind(probe.Error), msg)
	}
	return nil
}
