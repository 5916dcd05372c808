// Package relay implements the Relay Server: an HTTP+WebSocket gateway in
// front of the PTY Daemon and the embedded Auth Store, serving terminal
// proxying, WebAuthn-based auth, LAN pairing, and WebRTC signaling.
package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/dustin/go-humanize"

	"github.com/katulong/katulong/internal/authstore"
	"github.com/katulong/katulong/internal/daemon"
	"github.com/katulong/katulong/internal/katerr"
	"github.com/katulong/katulong/internal/logger"
)

// ServerConfig carries the relay's runtime configuration, resolved once at
// startup by internal/config.
type ServerConfig struct {
	DataDir     string
	UploadsDir  string
	HTTPPort    int
	HTTPSPort   int
	SSHPort     string
	SSHPassword string
	NoAuth      bool // KATULONG_NO_AUTH: test bypass, never set in production
	PIDFile     string
}

// Server is the Relay Server.
type Server struct {
	Auth   *authstore.Store
	Daemon *daemon.Client
	Config ServerConfig

	RateLimit *RateLimiter
	webrtc    *signalRelay
	TLS       *tlsManager

	mux       *http.ServeMux
	startedAt time.Time
	draining  atomic.Bool

	wsMu    sync.Mutex
	wsConns map[*wsConn]struct{}
}

// NewServer wires routes and returns a ready-to-serve Server. The daemon
// client's OnBroadcast is set here so output/exit broadcasts fan out to
// every attached WS connection.
func NewServer(auth *authstore.Store, daemonClient *daemon.Client, cfg ServerConfig) *Server {
	s := &Server{
		Auth:      auth,
		Daemon:    daemonClient,
		Config:    cfg,
		RateLimit: NewRateLimiter(5, 20),
		webrtc:    newSignalRelay(),
		TLS:       newTLSManager(cfg.DataDir),
		mux:       http.NewServeMux(),
		startedAt: time.Now(),
		wsConns:   make(map[*wsConn]struct{}),
	}

	if daemonClient != nil {
		daemonClient.OnBroadcast = s.onDaemonBroadcast
		daemonClient.OnReconnect = s.onDaemonReconnect
	}
	auth.OnCredentialDeleted = s.onCredentialDeleted

	s.registerRoutes()
	return s
}

// onCredentialDeleted closes every WS connection bound to a revoked
// credential with code 1008 — policy violation, never the 1001 reserved
// for graceful shutdown.
func (s *Server) onCredentialDeleted(credentialID string) {
	s.wsMu.Lock()
	targets := make([]*wsConn, 0)
	for wc := range s.wsConns {
		if wc.credentialID == credentialID {
			targets = append(targets, wc)
		}
	}
	s.wsMu.Unlock()

	for _, wc := range targets {
		_ = wc.conn.Close(websocket.StatusPolicyViolation, "credential revoked")
	}
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /auth/status", s.handleAuthStatus)
	s.mux.HandleFunc("POST /auth/register/options", s.handleRegisterOptions)
	s.mux.HandleFunc("POST /auth/register/verify", s.handleRegisterVerify)
	s.mux.HandleFunc("POST /auth/login/options", s.handleLoginOptions)
	s.mux.HandleFunc("POST /auth/login/verify", s.handleLoginVerify)
	s.mux.HandleFunc("POST /auth/logout", s.handleLogout)
	s.mux.HandleFunc("POST /auth/pair/start", s.handlePairStart)
	s.mux.HandleFunc("POST /auth/pair/verify", s.handlePairVerify)
	s.mux.HandleFunc("GET /auth/pair/status/{code}", s.handlePairStatus)

	s.mux.HandleFunc("GET /api/credentials", s.handleListCredentials)
	s.mux.HandleFunc("DELETE /api/credentials/{id}", s.handleDeleteCredential)
	s.mux.HandleFunc("GET /api/tokens", s.handleListTokens)
	s.mux.HandleFunc("POST /api/tokens", s.handleCreateToken)
	s.mux.HandleFunc("DELETE /api/tokens/{id}", s.handleRevokeToken)

	s.mux.HandleFunc("GET /api/config", s.handleGetConfig)
	s.mux.HandleFunc("PUT /api/config/instance-name", s.handlePutInstanceName)
	s.mux.HandleFunc("PUT /api/config/instance-icon", s.handlePutInstanceIcon)
	s.mux.HandleFunc("PUT /api/config/toolbar-color", s.handlePutToolbarColor)

	s.mux.HandleFunc("GET /sessions", s.handleListSessions)
	s.mux.HandleFunc("POST /sessions", s.handleCreateSession)
	s.mux.HandleFunc("PUT /sessions/{name}", s.handleRenameSession)
	s.mux.HandleFunc("DELETE /sessions/{name}", s.handleDeleteSession)
	s.mux.HandleFunc("GET /api/sessions/{name}/vterm", s.handleVTermSnapshot)
	s.mux.HandleFunc("GET /shortcuts", s.handleGetShortcuts)
	s.mux.HandleFunc("PUT /shortcuts", s.handleSetShortcuts)

	s.mux.HandleFunc("POST /upload", s.handleUpload)
	s.mux.Handle("GET /uploads/", http.StripPrefix("/uploads/", http.FileServer(http.Dir(s.Config.UploadsDir))))

	s.mux.HandleFunc("GET /connect/info", s.handleConnectInfo)
	s.mux.HandleFunc("GET /connect/trust", s.handleConnectTrust)
	s.mux.HandleFunc("GET /ssh/password", s.handleSSHPassword)

	s.mux.HandleFunc("GET /ws", s.handleWS)

	s.mux.HandleFunc("GET /{$}", s.handleShell)
	s.registerStaticRoutes()
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.draining.Load() && r.URL.Path != "/health" {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "draining"})
		return
	}
	if s.RateLimit != nil && shouldRateLimit(r.Method, r.URL.Path) {
		if !s.RateLimit.Allow(clientIP(r)) {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
	}
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.draining.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "draining",
			"pid":    os.Getpid(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"pid":             os.Getpid(),
		"uptime":          int(time.Since(s.startedAt).Seconds()),
		"uptimeHuman":     humanize.RelTime(s.startedAt, time.Now(), "ago", ""),
		"daemonConnected": s.Daemon != nil,
	})
}

// GracefulShutdown sets the draining flag, closes every live WS with code
// 1001 (never 1008 — that code is reserved for credential revocation), waits
// for httpSrv to drain in-flight requests, then removes the PID file if it
// still names this process.
func (s *Server) GracefulShutdown(ctx context.Context, httpSrv *http.Server) error {
	s.draining.Store(true)

	s.wsMu.Lock()
	conns := make([]*wsConn, 0, len(s.wsConns))
	for c := range s.wsConns {
		conns = append(conns, c)
	}
	s.wsMu.Unlock()
	for _, c := range conns {
		c.closeGoingAway()
	}

	if s.webrtc != nil {
		s.webrtc.closeAll()
	}

	if err := httpSrv.Shutdown(ctx); err != nil {
		return err
	}
	s.removeOwnPIDFile()
	return nil
}

func (s *Server) removeOwnPIDFile() {
	if s.Config.PIDFile == "" {
		return
	}
	data, err := os.ReadFile(s.Config.PIDFile)
	if err != nil {
		return
	}
	if strings.TrimSpace(string(data)) == strconv.Itoa(os.Getpid()) {
		_ = os.Remove(s.Config.PIDFile)
	}
}

// requestAuth resolves the access tier and, for non-local tiers, validates
// the session cookie. A nil error with an empty credentialID means the
// localhost tier bypassed auth entirely.
type requestAuth struct {
	tier         accessTier
	sessionToken string
	credentialID string
}

func (s *Server) authenticate(r *http.Request) (requestAuth, error) {
	tier := classifyAccess(r)
	if s.Config.NoAuth {
		tier = tierLocalhost
	}
	if !tier.requiresAuth() {
		return requestAuth{tier: tier}, nil
	}
	c, err := r.Cookie("katulong_session")
	if err != nil {
		return requestAuth{tier: tier}, katerr.New(katerr.KindUnauthenticated, "missing session cookie")
	}
	credentialID, err := s.Auth.ValidateSession(c.Value)
	if err != nil {
		return requestAuth{tier: tier}, err
	}
	return requestAuth{tier: tier, sessionToken: c.Value, credentialID: credentialID}, nil
}

// requireCSRF enforces spec.md §4.3's header check for state-changing
// requests on non-local tiers; a no-op on localhost.
func (s *Server) requireCSRF(r *http.Request, ra requestAuth) error {
	if !ra.tier.requiresAuth() {
		return nil
	}
	want, ok := s.Auth.GetSessionCSRFToken(ra.sessionToken)
	if !ok {
		return katerr.New(katerr.KindUnauthenticated, "no such session")
	}
	got := r.Header.Get("X-CSRF-Token")
	if !constantTimeEqual(got, want) {
		return katerr.New(katerr.KindForbidden, "csrf token mismatch")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	kind := katerr.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case katerr.KindBadRequest:
		status = http.StatusBadRequest
	case katerr.KindUnauthenticated:
		status = http.StatusUnauthorized
	case katerr.KindForbidden:
		status = http.StatusForbidden
	case katerr.KindNotFound:
		status = http.StatusNotFound
	case katerr.KindConflict:
		status = http.StatusConflict
	case katerr.KindLockedOut:
		var ke *katerr.Error
		if e, ok := err.(*katerr.Error); ok {
			ke = e
		}
		if ke != nil && ke.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(ke.RetryAfter))
		}
		status = http.StatusTooManyRequests
	case katerr.KindUpstream:
		status = http.StatusServiceUnavailable
	default:
		logger.Error("relay: internal error", "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func rpcContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}
