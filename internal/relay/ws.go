package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/katulong/katulong/internal/katerr"
	"github.com/katulong/katulong/internal/logger"
)

const wsHeartbeatInterval = 30 * time.Second

// wsConn is one attached browser WebSocket connection, bridging it to a
// daemon session (and, once negotiated, a WebRTC data channel for output).
type wsConn struct {
	conn         *websocket.Conn
	clientID     string
	credentialID string
	sessionToken string
	tier         accessTier

	mu      sync.Mutex
	session string // currently attached daemon session name, "" if none
	cols    int    // last attach/resize dimensions, used to re-attach on daemon reconnect
	rows    int
	peer    *peerConn
}

type wsEnvelope struct {
	Type string `json:"type"`
}

type wsAttachMsg struct {
	Type    string `json:"type"`
	Session string `json:"session"`
	Cols    int    `json:"cols"`
	Rows    int    `json:"rows"`
}

type wsInputMsg struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

type wsResizeMsg struct {
	Type string `json:"type"`
	Cols int    `json:"cols"`
	Rows int    `json:"rows"`
}

// handleWS upgrades to a WebSocket. Non-localhost tiers must present an
// Origin header agreeing with Host (the CSWSH guard) and a valid session
// cookie — there is no per-message auth header for WS, so the cookie sent
// during the HTTP upgrade is the only credential available.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	tier := classifyAccess(r)
	if s.Config.NoAuth {
		tier = tierLocalhost
	}

	if tier.requiresAuth() {
		origin := r.Header.Get("Origin")
		if origin == "" {
			http.Error(w, "origin required", http.StatusForbidden)
			return
		}
		originHost := stripPort(stripScheme(origin))
		if originHost != stripPort(r.Host) {
			http.Error(w, "origin mismatch", http.StatusForbidden)
			return
		}
	}

	ra, err := s.authenticate(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if tier.requiresAuth() && ra.credentialID == "" {
		writeError(w, katerr.New(katerr.KindUnauthenticated, "session required"))
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"}, // CSWSH already enforced above
	})
	if err != nil {
		return
	}

	wc := &wsConn{
		conn:         conn,
		clientID:     uuid.NewString(),
		credentialID: ra.credentialID,
		sessionToken: ra.sessionToken,
		tier:         tier,
	}

	s.wsMu.Lock()
	s.wsConns[wc] = struct{}{}
	s.wsMu.Unlock()

	defer func() {
		s.wsMu.Lock()
		delete(s.wsConns, wc)
		s.wsMu.Unlock()
		wc.detach(s)
		if wc.peer != nil {
			wc.peer.close()
		}
		conn.CloseNow()
	}()

	go s.wsHeartbeat(wc)
	s.wsReadLoop(wc)
}

func stripScheme(u string) string {
	for _, p := range []string{"https://", "http://"} {
		if len(u) >= len(p) && u[:len(p)] == p {
			return u[len(p):]
		}
	}
	return u
}

func (s *Server) wsHeartbeat(wc *wsConn) {
	ticker := time.NewTicker(wsHeartbeatInterval)
	defer ticker.Stop()
	for range ticker.C {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := wc.conn.Ping(ctx)
		cancel()
		if err != nil {
			return
		}
	}
}

// wsReadLoop dispatches incoming messages. Every message re-validates the
// session token and credential existence per spec.md §4.3 — a credential
// revoked mid-session must close the socket with code 1008, not be honored
// for one more message.
func (s *Server) wsReadLoop(wc *wsConn) {
	ctx := context.Background()
	for {
		_, data, err := wc.conn.Read(ctx)
		if err != nil {
			return
		}

		if wc.tier.requiresAuth() {
			if _, err := s.Auth.ValidateSession(wc.sessionToken); err != nil {
				wc.conn.Close(websocket.StatusPolicyViolation, "session revoked")
				return
			}
			if !s.Auth.CredentialExists(wc.credentialID) {
				wc.conn.Close(websocket.StatusPolicyViolation, "credential revoked")
				return
			}
		}

		var env wsEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}

		switch env.Type {
		case "attach":
			s.wsHandleAttach(wc, data)
		case "input":
			s.wsHandleInput(wc, data)
		case "resize":
			s.wsHandleResize(wc, data)
		case "p2p-signal":
			s.wsHandleSignal(wc, data)
		}
	}
}

func (s *Server) wsHandleAttach(wc *wsConn, data []byte) {
	var msg wsAttachMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	ctx, cancel := rpcContext()
	defer cancel()
	buffer, alive, err := s.Daemon.Attach(ctx, wc.clientID, msg.Session, msg.Cols, msg.Rows)
	if err != nil {
		wc.writeJSON(map[string]any{"type": "error", "message": err.Error()})
		return
	}
	wc.mu.Lock()
	wc.session = msg.Session
	wc.cols = msg.Cols
	wc.rows = msg.Rows
	wc.mu.Unlock()
	wc.writeJSON(map[string]any{"type": "attached", "session": msg.Session, "buffer": buffer, "alive": alive})
}

func (s *Server) wsHandleInput(wc *wsConn, data []byte) {
	var msg wsInputMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	_ = s.Daemon.Input(wc.clientID, msg.Data)
}

func (s *Server) wsHandleResize(wc *wsConn, data []byte) {
	var msg wsResizeMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	wc.mu.Lock()
	wc.cols = msg.Cols
	wc.rows = msg.Rows
	wc.mu.Unlock()
	_ = s.Daemon.Resize(wc.clientID, msg.Cols, msg.Rows)
	if wc.peer != nil {
		// data channel output doesn't carry resize; nothing to bridge here,
		// resize stays on the signaling WS per SPEC_FULL's P2P transport note.
		_ = wc.peer
	}
}

func (wc *wsConn) detach(s *Server) {
	wc.mu.Lock()
	session := wc.session
	wc.session = ""
	wc.mu.Unlock()
	if session != "" {
		_ = s.Daemon.Detach(wc.clientID)
	}
}

func (wc *wsConn) writeJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = wc.conn.Write(ctx, websocket.MessageText, data)
}

// closeGoingAway closes the socket with code 1001 — reserved for graceful
// server shutdown, never for a policy decision (that's 1008).
func (wc *wsConn) closeGoingAway() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = wc.conn.Close(websocket.StatusGoingAway, "server shutting down")
	_ = ctx
}

// onDaemonReconnect re-issues every live WS attachment after the daemon
// client has redialed following a dropped connection. The daemon keys
// attachments by clientID against the connection that registered them, so an
// attachment created before the drop points at a dead socket until it is
// attached again.
func (s *Server) onDaemonReconnect() {
	s.wsMu.Lock()
	targets := make([]*wsConn, 0, len(s.wsConns))
	for wc := range s.wsConns {
		wc.mu.Lock()
		if wc.session != "" {
			targets = append(targets, wc)
		}
		wc.mu.Unlock()
	}
	s.wsMu.Unlock()

	for _, wc := range targets {
		wc.mu.Lock()
		session, cols, rows := wc.session, wc.cols, wc.rows
		wc.mu.Unlock()

		ctx, cancel := rpcContext()
		buffer, alive, err := s.Daemon.Attach(ctx, wc.clientID, session, cols, rows)
		cancel()
		if err != nil {
			logger.Warn("relay: re-attach after daemon reconnect failed", "session", session, "error", err)
			continue
		}
		wc.writeJSON(map[string]any{"type": "attached", "session": session, "buffer": buffer, "alive": alive})
	}
}

// onDaemonBroadcast fans daemon output/exit/session broadcasts out to every
// WS client attached to the named session. Output bound for a client with
// an open WebRTC data channel is written there instead, bypassing the WS
// per SPEC_FULL.md's P2P transport note; all other broadcasts stay on WS.
func (s *Server) onDaemonBroadcast(typ string, raw json.RawMessage) {
	var env struct {
		Session string `json:"session"`
	}
	_ = json.Unmarshal(raw, &env)

	s.wsMu.Lock()
	targets := make([]*wsConn, 0, len(s.wsConns))
	for wc := range s.wsConns {
		wc.mu.Lock()
		matches := wc.session == env.Session
		wc.mu.Unlock()
		if matches {
			targets = append(targets, wc)
		}
	}
	s.wsMu.Unlock()

	for _, wc := range targets {
		if typ == "output" && wc.peer != nil && wc.peer.dataChannelOpen() {
			var out struct {
				Data string `json:"data"`
			}
			if json.Unmarshal(raw, &out) == nil {
				wc.peer.sendData([]byte(out.Data))
				continue
			}
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := wc.conn.Write(ctx, websocket.MessageText, raw)
		cancel()
		if err != nil {
			logger.Warn("relay: ws write failed", "session", env.Session, "error", err)
		}
	}
}
