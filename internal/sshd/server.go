// Package sshd implements the SSH Front-door: a password-authenticated SSH
// listener that bridges each accepted session to a PTY Daemon session, the
// same way the relay's WS protocol does, over golang.org/x/crypto/ssh
// instead of a WebSocket.
package sshd

import (
	"context"
	"crypto/subtle"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net"
	"sync"

	"golang.org/x/crypto/ssh"

	"github.com/katulong/katulong/internal/daemon"
	"github.com/katulong/katulong/internal/logger"
)

// Config carries the SSH front-door's runtime configuration.
type Config struct {
	DataDir    string
	Port       string // TCP port to listen on, e.g. "2222"
	Password   string // SSH_PASSWORD
	SetupToken string // SETUP_TOKEN fallback when Password is unset
}

// Server is the SSH front-door.
type Server struct {
	cfg    Config
	daemon *daemon.Client
	signer ssh.Signer

	mu       sync.Mutex
	sessions map[string]*bridge // daemon session name -> active bridge
}

// NewServer loads (or generates) the host key and wires the daemon client's
// broadcast handler to fan output out to whichever bridge owns a session.
func NewServer(cfg Config, daemonClient *daemon.Client) (*Server, error) {
	signer, err := loadOrCreateHostKey(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	s := &Server{
		cfg:      cfg,
		daemon:   daemonClient,
		signer:   signer,
		sessions: make(map[string]*bridge),
	}
	daemonClient.OnBroadcast = s.onDaemonBroadcast
	daemonClient.OnReconnect = s.onDaemonReconnect
	return s, nil
}

func (s *Server) serverConfig() *ssh.ServerConfig {
	cfg := &ssh.ServerConfig{
		PasswordCallback: func(conn ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			if s.checkPassword(string(password)) {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("password rejected for %q", conn.User())
		},
	}
	cfg.AddHostKey(s.signer)
	return cfg
}

// checkPassword compares against SSH_PASSWORD, falling back to SETUP_TOKEN,
// both in constant time to avoid a timing oracle on the stored secret.
func (s *Server) checkPassword(candidate string) bool {
	if s.cfg.Password != "" {
		return subtle.ConstantTimeCompare([]byte(candidate), []byte(s.cfg.Password)) == 1
	}
	if s.cfg.SetupToken != "" {
		return subtle.ConstantTimeCompare([]byte(candidate), []byte(s.cfg.SetupToken)) == 1
	}
	return false
}

// ListenAndServe accepts connections on cfg.Port until ctx is canceled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", ":"+s.cfg.Port)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	serverCfg := s.serverConfig()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		go s.handleConn(conn, serverCfg)
	}
}

func (s *Server) handleConn(netConn net.Conn, cfg *ssh.ServerConfig) {
	defer netConn.Close()
	sconn, chans, reqs, err := ssh.NewServerConn(netConn, cfg)
	if err != nil {
		logger.Warn("sshd: handshake failed", "error", err)
		return
	}
	defer sconn.Close()
	go ssh.DiscardRequests(reqs)

	sessionName := sconn.User()

	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			newChan.Reject(ssh.UnknownChannelType, "unsupported channel type")
			continue
		}
		ch, requests, err := newChan.Accept()
		if err != nil {
			continue
		}
		go s.handleSession(ch, requests, sessionName)
	}
}

// handleSession bridges the channel once a shell request arrives, using the
// dimensions of an earlier pty-req if one was sent and 80x24 otherwise.
func (s *Server) handleSession(ch ssh.Channel, reqs <-chan *ssh.Request, sessionName string) {
	defer ch.Close()

	var cols, rows uint32 = 80, 24
	br := newBridge(s.daemon, sessionName)

	for req := range reqs {
		switch req.Type {
		case "pty-req":
			cols, rows = parsePTYReq(req.Payload)
			if req.WantReply {
				req.Reply(true, nil)
			}

		case "shell":
			if req.WantReply {
				req.Reply(true, nil)
			}
			s.mu.Lock()
			s.sessions[sessionName] = br
			s.mu.Unlock()

			go s.drainWindowChanges(reqs, br)
			br.run(ch, int(cols), int(rows))

			s.mu.Lock()
			delete(s.sessions, sessionName)
			s.mu.Unlock()
			return

		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

func (s *Server) drainWindowChanges(reqs <-chan *ssh.Request, br *bridge) {
	for req := range reqs {
		switch req.Type {
		case "window-change":
			if len(req.Payload) >= 8 {
				cols := binary.BigEndian.Uint32(req.Payload[0:4])
				rows := binary.BigEndian.Uint32(req.Payload[4:8])
				br.resize(int(cols), int(rows))
			}
			if req.WantReply {
				req.Reply(true, nil)
			}
		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

// onDaemonBroadcast fans daemon output out to the bridge owning that
// session, mirroring the relay's onDaemonBroadcast but over an SSH channel.
func (s *Server) onDaemonBroadcast(typ string, raw json.RawMessage) {
	var env struct {
		Session string `json:"session"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return
	}
	s.mu.Lock()
	br, ok := s.sessions[env.Session]
	s.mu.Unlock()
	if !ok {
		return
	}
	br.handleBroadcast(typ, raw)
}

// onDaemonReconnect re-issues every active bridge's attach once the daemon
// client has redialed following a dropped connection.
func (s *Server) onDaemonReconnect() {
	s.mu.Lock()
	bridges := make([]*bridge, 0, len(s.sessions))
	for _, br := range s.sessions {
		bridges = append(bridges, br)
	}
	s.mu.Unlock()

	for _, br := range bridges {
		br.reattach()
	}
}

// parsePTYReq decodes the subset of RFC 4254's pty-req payload this server
// needs: terminal name, then cols/rows (the pixel dimensions and encoded
// modes that follow are not used by the daemon's PTY).
func parsePTYReq(payload []byte) (cols, rows uint32) {
	if len(payload) < 4 {
		return 80, 24
	}
	termLen := binary.BigEndian.Uint32(payload[0:4])
	payload = payload[4:]
	if uint32(len(payload)) < termLen+16 {
		return 80, 24
	}
	payload = payload[termLen:]
	cols = binary.BigEndian.Uint32(payload[0:4])
	rows = binary.BigEndian.Uint32(payload[4:8])
	if cols == 0 {
		cols = 80
	}
	if rows == 0 {
		rows = 24
	}
	return cols, rows
}
