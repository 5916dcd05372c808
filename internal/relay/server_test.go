package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/katulong/katulong/internal/authstore"
	"github.com/katulong/katulong/internal/daemon"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	dir := t.TempDir()
	auth, err := authstore.Open(dir)
	if err != nil {
		t.Fatalf("open auth store: %v", err)
	}

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
	var daemonClient *daemon.Client
	for time.Now().Before(deadline) {
		if c, err := daemon.Dial(sock); err == nil {
			daemonClient = c
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if daemonClient == nil {
		t.Fatalf("daemon never came up")
	}
	t.Cleanup(func() { daemonClient.Close() })

	return NewServer(auth, daemonClient, ServerConfig{
		DataDir:    dir,
		UploadsDir: filepath.Join(dir, "uploads"),
		NoAuth:     true,
	})
}

// loginAsOwner performs a credential-less bootstrap by registering a session
// directly against the Auth Store, the way a real WebAuthn ceremony would
// leave things afterward, without driving a fake authenticator.
func loginAsOwner(t *testing.T, s *Server) (token, csrf string) {
	t.Helper()
	cred := &authstore.Credential{ID: "test-cred", Name: "test"}
	if err := s.Auth.RegisterCredential(cred, ""); err != nil {
		t.Fatalf("register credential: %v", err)
	}
	token, csrf, err := s.Auth.CreateSession(cred.ID)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return token, csrf
}

func TestHandleHealthOK(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("expected status ok, got %v", body["status"])
	}
}

func TestHandleHealthReportsDraining(t *testing.T) {
	s := newTestServer(t)
	s.draining.Store(true)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 while draining, got %d", rec.Code)
	}
}

func TestDrainingBlocksOtherRoutesButNotHealth(t *testing.T) {
	s := newTestServer(t)
	s.draining.Store(true)

	req := httptest.NewRequest(http.MethodGet, "/auth/status", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected non-health route to 503 while draining, got %d", rec.Code)
	}
}

func TestRequireCSRFRejectsMissingToken(t *testing.T) {
	s := newTestServer(t)
	s.Config.NoAuth = false
	token, _ := loginAsOwner(t, s)

	req := httptest.NewRequest(http.MethodDelete, "/api/credentials/test-cred", nil)
	req.AddCookie(&http.Cookie{Name: sessionCookieName, Value: token})
	req.RemoteAddr = "203.0.113.9:1234" // internet tier: auth and CSRF required
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for missing csrf token, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestRequireCSRFAcceptsMatchingToken(t *testing.T) {
	s := newTestServer(t)
	s.Config.NoAuth = false
	token, csrf := loginAsOwner(t, s)

	// Register a second credential so deleting the first isn't a forbidden
	// last-credential removal.
	cred2 := &authstore.Credential{ID: "second", Name: "second"}
	if err := s.Auth.RegisterCredential(cred2, ""); err != nil {
		t.Fatalf("register second credential: %v", err)
	}

	req := httptest.NewRequest(http.MethodDelete, "/api/credentials/second", nil)
	req.AddCookie(&http.Cookie{Name: sessionCookieName, Value: token})
	req.Header.Set("X-CSRF-Token", csrf)
	req.RemoteAddr = "203.0.113.9:1234"
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with matching csrf token, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestNoAuthBypassesSessionRequirement(t *testing.T) {
	s := newTestServer(t) // NoAuth: true
	req := httptest.NewRequest(http.MethodGet, "/api/credentials", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected NoAuth to bypass session requirement, got %d", rec.Code)
	}
}

func TestWSUpgradeRejectsMissingOriginOnNonLocalTier(t *testing.T) {
	s := newTestServer(t)
	s.Config.NoAuth = false

	// handleWS classifies tier from the request itself; force the internet
	// tier check path without a real non-loopback socket by calling the
	// handler directly with a crafted request.
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.RemoteAddr = "203.0.113.9:1234"
	rec := httptest.NewRecorder()
	s.handleWS(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for missing origin on non-local tier, got %d", rec.Code)
	}
}

// TestOnCredentialDeletedClosesBoundWSConnections registers a real
// websocket server connection under a credential ID and verifies
// onCredentialDeleted closes it with the policy-violation code, never the
// 1001 reserved for graceful shutdown.
func TestOnCredentialDeletedClosesBoundWSConnections(t *testing.T) {
	s := newTestServer(t)

	var serverConn *websocket.Conn
	accepted := make(chan struct{})
	mux := http.NewServeMux()
	mux.HandleFunc("/raw-ws", func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		serverConn = c
		s.wsMu.Lock()
		s.wsConns[&wsConn{conn: c, credentialID: "cred-x"}] = struct{}{}
		s.wsMu.Unlock()
		close(accepted)
		<-r.Context().Done()
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	clientConn, _, err := websocket.Dial(ctx, "ws"+srv.URL[len("http"):]+"/raw-ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer clientConn.CloseNow()

	select {
	case <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatalf("server never accepted the connection")
	}

	s.onCredentialDeleted("cred-x")

	_, _, err = clientConn.Read(ctx)
	if websocket.CloseStatus(err) != websocket.StatusPolicyViolation {
		t.Fatalf("expected policy violation close status, got %v (err=%v)", websocket.CloseStatus(err), err)
	}
	_ = serverConn
}
