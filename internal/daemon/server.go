// Package daemon implements the PTY multiplexing daemon: a single
// long-lived process owning every PTY session, serving NDJSON RPCs over a
// local stream socket and broadcasting session output to every connected
// client.
package daemon

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/katulong/katulong/internal/logger"
)

const (
	rpcTimeout    = 5 * time.Second
	clientQueueLen = 256
)

// Daemon owns all PTY sessions and the set of connected client sockets. A
// single mutex serializes every state mutation (session map, attachment
// table, shortcuts) so the broadcast-ordering guarantee in spec.md §5 holds:
// an attach's returned buffer is exactly the ring contents at the instant
// the attach RPC completes, and later output broadcasts are strictly after.
type Daemon struct {
	dataDir  string
	sockPath string

	mu          sync.Mutex
	sessions    map[string]*session
	attachments map[string]*attachment // clientID -> attachment
	conns       map[*clientConn]bool
	shortcuts   []Shortcut

	listener net.Listener
	draining bool
}

type attachment struct {
	conn    *clientConn
	session string
}

// New constructs a Daemon rooted at dataDir, listening on sockPath.
func New(dataDir, sockPath string) *Daemon {
	return &Daemon{
		dataDir:     dataDir,
		sockPath:    sockPath,
		sessions:    make(map[string]*session),
		attachments: make(map[string]*attachment),
		conns:       make(map[*clientConn]bool),
	}
}

// Run binds the socket (removing a stale one if present), serves until stop
// is closed, then kills all alive PTYs, removes the socket, and returns.
func (d *Daemon) Run(stop <-chan struct{}) error {
	if err := d.loadShortcuts(); err != nil {
		logger.Warn("daemon: loading shortcuts", "error", err)
	}

	if err := d.bindSocket(); err != nil {
		return err
	}
	defer os.Remove(d.sockPath)

	errCh := make(chan error, 1)
	go func() {
		errCh <- d.acceptLoop()
	}()

	select {
	case <-stop:
		d.shutdown()
		return nil
	case err := <-errCh:
		return err
	}
}

// bindSocket probes for a live daemon already listening at sockPath; if one
// answers, this process exits with an error instead of stealing the socket.
// If the file exists but nothing answers, it's removed as stale.
func (d *Daemon) bindSocket() error {
	if _, err := os.Stat(d.sockPath); err == nil {
		if probeConn, dialErr := net.DialTimeout("unix", d.sockPath, 500*time.Millisecond); dialErr == nil {
			probeConn.Close()
			return fmt.Errorf("daemon already running at %s", d.sockPath)
		}
		if err := os.Remove(d.sockPath); err != nil {
			return fmt.Errorf("remove stale socket: %w", err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(d.sockPath), 0700); err != nil {
		return err
	}
	ln, err := net.Listen("unix", d.sockPath)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	if err := os.Chmod(d.sockPath, 0600); err != nil {
		logger.Warn("daemon: chmod socket", "error", err)
	}
	d.listener = ln
	return nil
}

func (d *Daemon) acceptLoop() error {
	for {
		nc, err := d.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		cc := newClientConn(nc)
		d.mu.Lock()
		d.conns[cc] = true
		d.mu.Unlock()
		go d.serveConn(cc)
	}
}

func (d *Daemon) serveConn(cc *clientConn) {
	defer d.dropConn(cc)
	scanner := bufio.NewScanner(cc.nc)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		d.dispatch(cc, append([]byte(nil), line...))
	}
}

func (d *Daemon) dropConn(cc *clientConn) {
	d.mu.Lock()
	delete(d.conns, cc)
	for id, att := range d.attachments {
		if att.conn == cc {
			delete(d.attachments, id)
		}
	}
	d.mu.Unlock()
	cc.close()
}

func (d *Daemon) dispatch(cc *clientConn, line []byte) {
	var env Envelope
	if err := json.Unmarshal(line, &env); err != nil {
		cc.send(errorResponse{Type: "error", Error: "bad_request", Message: "invalid json"})
		return
	}

	switch env.Type {
	case "list-sessions":
		d.handleListSessions(cc, env.ID)
	case "create-session":
		d.handleCreateSession(cc, line, env.ID)
	case "delete-session":
		d.handleDeleteSession(cc, line, env.ID)
	case "rename-session":
		d.handleRenameSession(cc, line, env.ID)
	case "attach":
		d.handleAttach(cc, line, env.ID)
	case "detach":
		d.handleDetach(cc, line, env.ID)
	case "input":
		d.handleInput(line)
	case "resize":
		d.handleResize(line)
	case "get-shortcuts":
		d.handleGetShortcuts(cc, env.ID)
	case "set-shortcuts":
		d.handleSetShortcuts(cc, line, env.ID)
	case "vterm-snapshot":
		d.handleVTermSnapshot(cc, line, env.ID)
	default:
		cc.send(errorResponse{Type: "error", ID: env.ID, Error: "bad_request", Message: "unknown type " + env.Type})
	}
}

func (d *Daemon) handleListSessions(cc *clientConn, id string) {
	d.mu.Lock()
	out := make([]sessionSummary, 0, len(d.sessions))
	for _, s := range d.sessions {
		out = append(out, sessionSummary{Name: s.name, Pid: s.pid, Alive: s.alive})
	}
	d.mu.Unlock()
	cc.send(listSessionsResponse{Type: "list-sessions", ID: id, Sessions: out})
}

func (d *Daemon) handleCreateSession(cc *clientConn, line []byte, id string) {
	var req createSessionRequest
	if err := json.Unmarshal(line, &req); err != nil {
		cc.send(errorResponse{Type: "error", ID: id, Error: "bad_request"})
		return
	}
	name, ok := sanitizeName(req.Name)
	if !ok {
		cc.send(errorResponse{Type: "error", ID: id, Error: "bad_request", Message: "invalid session name"})
		return
	}

	d.mu.Lock()
	if _, exists := d.sessions[name]; exists {
		d.mu.Unlock()
		cc.send(errorResponse{Type: "error", ID: id, Error: "exists"})
		return
	}
	// Reserve the name before releasing the lock so a concurrent create for
	// the same name sees it already present (spec.md §4.1's concurrent
	// duplicate-create guarantee).
	d.sessions[name] = &session{name: name}
	d.mu.Unlock()

	s, err := spawnSession(name, d.onSessionData, d.onSessionExit)
	if err != nil {
		d.mu.Lock()
		delete(d.sessions, name)
		d.mu.Unlock()
		cc.send(errorResponse{Type: "error", ID: id, Error: "internal", Message: err.Error()})
		return
	}

	d.mu.Lock()
	d.sessions[name] = s
	d.mu.Unlock()

	cc.send(nameResponse{Type: "create-session", ID: id, Name: name})
}

func (d *Daemon) handleDeleteSession(cc *clientConn, line []byte, id string) {
	var req deleteSessionRequest
	if err := json.Unmarshal(line, &req); err != nil {
		cc.send(errorResponse{Type: "error", ID: id, Error: "bad_request"})
		return
	}

	d.mu.Lock()
	s, ok := d.sessions[req.Name]
	if !ok {
		d.mu.Unlock()
		cc.send(errorResponse{Type: "error", ID: id, Error: "not_found"})
		return
	}
	delete(d.sessions, req.Name)
	for cid, att := range d.attachments {
		if att.session == req.Name {
			delete(d.attachments, cid)
		}
	}
	conns := d.snapshotConnsLocked()
	d.mu.Unlock()

	if s.alive {
		s.kill()
	}
	s.vterm.Close()

	broadcastAll(conns, sessionRemovedBroadcast{Type: "session-removed", Session: req.Name})
	cc.send(okResponse{Type: "delete-session", ID: id, OK: true})
}

func (d *Daemon) handleRenameSession(cc *clientConn, line []byte, id string) {
	var req renameSessionRequest
	if err := json.Unmarshal(line, &req); err != nil {
		cc.send(errorResponse{Type: "error", ID: id, Error: "bad_request"})
		return
	}
	newName, ok := sanitizeName(req.NewName)
	if !ok {
		cc.send(errorResponse{Type: "error", ID: id, Error: "bad_request"})
		return
	}

	d.mu.Lock()
	s, ok := d.sessions[req.OldName]
	if !ok {
		d.mu.Unlock()
		cc.send(errorResponse{Type: "error", ID: id, Error: "not_found"})
		return
	}
	if _, taken := d.sessions[newName]; taken {
		d.mu.Unlock()
		cc.send(errorResponse{Type: "error", ID: id, Error: "exists"})
		return
	}
	delete(d.sessions, req.OldName)
	s.name = newName
	d.sessions[newName] = s
	for _, att := range d.attachments {
		if att.session == req.OldName {
			att.session = newName
		}
	}
	conns := d.snapshotConnsLocked()
	d.mu.Unlock()

	broadcastAll(conns, sessionRenamedBroadcast{Type: "session-renamed", Session: req.OldName, NewName: newName})
	cc.send(nameResponse{Type: "rename-session", ID: id, Name: newName})
}

func (d *Daemon) handleAttach(cc *clientConn, line []byte, id string) {
	var req attachRequest
	if err := json.Unmarshal(line, &req); err != nil {
		cc.send(errorResponse{Type: "error", ID: id, Error: "bad_request"})
		return
	}
	name, ok := sanitizeName(req.Session)
	if !ok {
		cc.send(errorResponse{Type: "error", ID: id, Error: "bad_request"})
		return
	}

	d.mu.Lock()
	s, exists := d.sessions[name]
	if !exists {
		var err error
		s, err = spawnSession(name, d.onSessionData, d.onSessionExit)
		if err != nil {
			d.mu.Unlock()
			cc.send(errorResponse{Type: "error", ID: id, Error: "internal", Message: err.Error()})
			return
		}
		d.sessions[name] = s
	}
	if req.Cols > 0 && req.Rows > 0 {
		_ = s.resize(req.Cols, req.Rows)
	}
	d.attachments[req.ClientID] = &attachment{conn: cc, session: name}
	buffer := string(s.ring.Bytes())
	alive := s.alive
	d.mu.Unlock()

	cc.send(attachResponse{Type: "attach", ID: id, Buffer: buffer, Alive: alive})
}

func (d *Daemon) handleDetach(cc *clientConn, line []byte, id string) {
	var req detachRequest
	_ = json.Unmarshal(line, &req)
	if req.ClientID == "" {
		return
	}
	d.mu.Lock()
	delete(d.attachments, req.ClientID)
	d.mu.Unlock()
	if id != "" {
		cc.send(okResponse{Type: "detach", ID: id, OK: true})
	}
}

func (d *Daemon) handleInput(line []byte) {
	var req inputRequest
	if err := json.Unmarshal(line, &req); err != nil {
		return
	}
	d.mu.Lock()
	att, ok := d.attachments[req.ClientID]
	var s *session
	if ok {
		s, ok = d.sessions[att.session]
	}
	d.mu.Unlock()
	if !ok || !s.alive {
		return // dead session silently drops input, per spec.md §4.1
	}
	_, _ = s.ptmx.Write([]byte(req.Data))
}

func (d *Daemon) handleResize(line []byte) {
	var req resizeRequest
	if err := json.Unmarshal(line, &req); err != nil {
		return
	}
	d.mu.Lock()
	att, ok := d.attachments[req.ClientID]
	var s *session
	if ok {
		s, ok = d.sessions[att.session]
	}
	d.mu.Unlock()
	if !ok || !s.alive {
		return
	}
	_ = s.resize(req.Cols, req.Rows)
}

func (d *Daemon) handleGetShortcuts(cc *clientConn, id string) {
	d.mu.Lock()
	out := append([]Shortcut(nil), d.shortcuts...)
	d.mu.Unlock()
	cc.send(shortcutsResponse{Type: "get-shortcuts", ID: id, Shortcuts: out})
}

func (d *Daemon) handleSetShortcuts(cc *clientConn, line []byte, id string) {
	var req setShortcutsRequest
	if err := json.Unmarshal(line, &req); err != nil {
		cc.send(errorResponse{Type: "error", ID: id, Error: "bad_request"})
		return
	}
	d.mu.Lock()
	d.shortcuts = req.Shortcuts
	d.mu.Unlock()
	if err := d.saveShortcuts(req.Shortcuts); err != nil {
		cc.send(errorResponse{Type: "error", ID: id, Error: "internal", Message: err.Error()})
		return
	}
	cc.send(shortcutsResponse{Type: "set-shortcuts", ID: id, Shortcuts: req.Shortcuts})
}

func (d *Daemon) handleVTermSnapshot(cc *clientConn, line []byte, id string) {
	var req vtermSnapshotRequest
	if err := json.Unmarshal(line, &req); err != nil {
		cc.send(errorResponse{Type: "error", ID: id, Error: "bad_request"})
		return
	}
	d.mu.Lock()
	s, ok := d.sessions[req.Session]
	d.mu.Unlock()
	if !ok {
		cc.send(errorResponse{Type: "error", ID: id, Error: "not_found"})
		return
	}
	screen, row, col := s.vterm.Snapshot()
	cc.send(vtermSnapshotResponse{Type: "vterm-snapshot", ID: id, Screen: screen, CursorRow: row, CursorCol: col})
}

// onSessionData is called from a session's read-loop goroutine with each
// chunk of PTY output; it broadcasts to every connected socket. Per
// spec.md §9, broadcast never blocks PTY reads: each client has a bounded
// queue and a slow client is disconnected rather than backpressuring here.
func (d *Daemon) onSessionData(name string, data []byte) {
	d.mu.Lock()
	conns := d.snapshotConnsLocked()
	d.mu.Unlock()
	broadcastAll(conns, outputBroadcast{Type: "output", Session: name, Data: string(data)})
}

func (d *Daemon) onSessionExit(name string, code int) {
	d.mu.Lock()
	if s, ok := d.sessions[name]; ok {
		s.alive = false
		s.exitCode = code
	}
	conns := d.snapshotConnsLocked()
	d.mu.Unlock()
	broadcastAll(conns, exitBroadcast{Type: "exit", Session: name, Code: code})
}

func (d *Daemon) snapshotConnsLocked() []*clientConn {
	out := make([]*clientConn, 0, len(d.conns))
	for c := range d.conns {
		out = append(out, c)
	}
	return out
}

func (d *Daemon) shutdown() {
	d.mu.Lock()
	d.draining = true
	for _, s := range d.sessions {
		if s.alive {
			s.kill()
		}
	}
	d.mu.Unlock()
	if d.listener != nil {
		d.listener.Close()
	}
}

func (d *Daemon) shortcutsPath() string {
	return filepath.Join(d.dataDir, "shortcuts.json")
}

func (d *Daemon) loadShortcuts() error {
	data, err := os.ReadFile(d.shortcutsPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var shortcuts []Shortcut
	if err := json.Unmarshal(data, &shortcuts); err != nil {
		return err
	}
	d.mu.Lock()
	d.shortcuts = shortcuts
	d.mu.Unlock()
	return nil
}

func (d *Daemon) saveShortcuts(shortcuts []Shortcut) error {
	data, err := json.MarshalIndent(shortcuts, "", "  ")
	if err != nil {
		return err
	}
	return atomicWriteFile(d.shortcutsPath(), data, 0600)
}

// atomicWriteFile writes data via a temp file in the same directory
// followed by a rename, so a crash mid-write never leaves a half-written
// file at the target path.
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

// clientConn wraps one accepted socket connection with a bounded output
// queue so a slow reader can't stall a broadcast.
type clientConn struct {
	nc        net.Conn
	queue     chan []byte
	closeOnce sync.Once
	closed    chan struct{}
}

func newClientConn(nc net.Conn) *clientConn {
	cc := &clientConn{
		nc:     nc,
		queue:  make(chan []byte, clientQueueLen),
		closed: make(chan struct{}),
	}
	go cc.writeLoop()
	return cc
}

func (cc *clientConn) writeLoop() {
	for {
		select {
		case msg, ok := <-cc.queue:
			if !ok {
				return
			}
			if _, err := cc.nc.Write(msg); err != nil {
				cc.close()
				return
			}
		case <-cc.closed:
			return
		}
	}
}

func (cc *clientConn) send(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	data = append(data, '\n')
	select {
	case cc.queue <- data:
	default:
		// Overflow: this client is too slow; disconnect it rather than
		// block the daemon's single-threaded dispatch loop.
		cc.close()
	}
}

func (cc *clientConn) close() {
	cc.closeOnce.Do(func() {
		close(cc.closed)
		cc.nc.Close()
	})
}

func broadcastAll(conns []*clientConn, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	data = append(data, '\n')
	for _, cc := range conns {
		select {
		case cc.queue <- data:
		default:
			cc.close()
		}
	}
}
