package relay

import (
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/google/uuid"

	"github.com/katulong/katulong/internal/authstore"
	"github.com/katulong/katulong/internal/katerr"
)

const sessionCookieName = "katulong_session"

func constantTimeEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// webauthnUser adapts the single Katulong owner account to the webauthn
// library's User interface.
type webauthnUser struct {
	id          string
	name        string
	credentials []webauthn.Credential
}

func (u *webauthnUser) WebAuthnID() []byte                         { return []byte(u.id) }
func (u *webauthnUser) WebAuthnName() string                       { return u.name }
func (u *webauthnUser) WebAuthnDisplayName() string                { return u.name }
func (u *webauthnUser) WebAuthnCredentials() []webauthn.Credential { return u.credentials }

// ceremonySessions holds in-flight WebAuthn registration/login challenges,
// keyed by a random ceremony id handed to the client alongside the options.
var ceremonySessions = struct {
	mu   sync.Mutex
	data map[string]*webauthn.SessionData
}{data: make(map[string]*webauthn.SessionData)}

func putCeremonySession(sd *webauthn.SessionData) string {
	id := uuid.NewString()
	ceremonySessions.mu.Lock()
	ceremonySessions.data[id] = sd
	ceremonySessions.mu.Unlock()
	return id
}

func takeCeremonySession(id string) (*webauthn.SessionData, bool) {
	ceremonySessions.mu.Lock()
	defer ceremonySessions.mu.Unlock()
	sd, ok := ceremonySessions.data[id]
	if ok {
		delete(ceremonySessions.data, id)
	}
	return sd, ok
}

// newWebAuthn builds a per-request WebAuthn instance. Self-hosted instances
// are reached through whatever host the caller used (localhost, a LAN IP,
// an mDNS name, or a custom domain behind a tunnel), so RPID/origins are
// derived from the request rather than fixed at startup.
func newWebAuthn(r *http.Request) (*webauthn.WebAuthn, error) {
	host := r.Host
	if i := strings.LastIndex(host, ":"); i != -1 {
		host = host[:i]
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return webauthn.New(&webauthn.Config{
		RPDisplayName: "Katulong",
		RPID:          host,
		RPOrigins:     []string{scheme + "://" + r.Host},
	})
}

func toWebAuthnUser(name string, creds []authstore.Credential) *webauthnUser {
	wu := &webauthnUser{id: "owner", name: name}
	for _, c := range creds {
		rawID, _ := base64.RawURLEncoding.DecodeString(c.ID)
		wu.credentials = append(wu.credentials, webauthn.Credential{
			ID:        rawID,
			PublicKey: c.PublicKey,
		})
	}
	return wu
}

// handleAuthStatus reports whether a credential is already registered and
// the caller's access tier.
func (s *Server) handleAuthStatus(w http.ResponseWriter, r *http.Request) {
	tier := classifyAccess(r)
	if s.Config.NoAuth {
		tier = tierLocalhost
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"setup":        s.Auth.IsSetup(),
		"accessMethod": string(tier),
	})
}

// handleRegisterOptions begins WebAuthn registration. Reachable without a
// session only for the very first credential (first-run bootstrap) or when
// a one-shot setup token / pairing-issued token is supplied; subsequent
// credentials require an existing authenticated session.
func (s *Server) handleRegisterOptions(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SetupToken string `json:"setupToken"`
		DeviceName string `json:"deviceName"`
	}
	_ = json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req)

	if s.Auth.IsSetup() && req.SetupToken == "" {
		ra, err := s.authenticate(r)
		if err != nil || (ra.tier.requiresAuth() && ra.credentialID == "") {
			writeError(w, katerr.New(katerr.KindUnauthenticated, "setup token or session required"))
			return
		}
	}

	wa, err := newWebAuthn(r)
	if err != nil {
		writeError(w, katerr.Wrap(katerr.KindInternal, "webauthn init", err))
		return
	}

	creds := s.Auth.ListCredentials()
	name := req.DeviceName
	if name == "" {
		name = "device"
	}
	wUser := toWebAuthnUser(name, creds)

	options, session, err := wa.BeginRegistration(wUser,
		webauthn.WithResidentKeyRequirement(protocol.ResidentKeyRequirementDiscouraged),
	)
	if err != nil {
		writeError(w, katerr.Wrap(katerr.KindInternal, "begin registration", err))
		return
	}
	ceremonyID := putCeremonySession(session)

	writeJSON(w, http.StatusOK, map[string]any{
		"ceremonyId": ceremonyID,
		"options":    options,
		"setupToken": req.SetupToken,
		"deviceName": name,
	})
}

// handleRegisterVerify finishes WebAuthn registration, consuming the setup
// token (if any) in the same Auth Store call per spec.md §4.2.
func (s *Server) handleRegisterVerify(w http.ResponseWriter, r *http.Request) {
	ceremonyID := r.URL.Query().Get("ceremonyId")
	setupToken := r.URL.Query().Get("setupToken")
	deviceName := r.URL.Query().Get("deviceName")

	session, ok := takeCeremonySession(ceremonyID)
	if !ok {
		writeError(w, katerr.New(katerr.KindBadRequest, "unknown or expired ceremony"))
		return
	}

	wa, err := newWebAuthn(r)
	if err != nil {
		writeError(w, katerr.Wrap(katerr.KindInternal, "webauthn init", err))
		return
	}

	wUser := toWebAuthnUser(deviceName, s.Auth.ListCredentials())
	cred, err := wa.FinishRegistration(wUser, *session, r)
	if err != nil {
		writeError(w, katerr.Wrap(katerr.KindBadRequest, "finish registration", err))
		return
	}

	record := &authstore.Credential{
		ID:        base64.RawURLEncoding.EncodeToString(cred.ID),
		PublicKey: cred.PublicKey,
		Name:      deviceName,
		CreatedAt: time.Now(),
	}
	if err := s.Auth.RegisterCredential(record, setupToken); err != nil {
		writeError(w, err)
		return
	}
	if _, err := s.Auth.EnsureUser(deviceName); err != nil {
		writeError(w, err)
		return
	}

	token, csrf, err := s.Auth.CreateSession(record.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	s.setSessionCookie(w, r, token)
	writeJSON(w, http.StatusOK, map[string]any{"credentialId": record.ID, "csrfToken": csrf})
}

// handleLoginOptions begins a WebAuthn authentication ceremony.
func (s *Server) handleLoginOptions(w http.ResponseWriter, r *http.Request) {
	creds := s.Auth.ListCredentials()
	if len(creds) == 0 {
		writeError(w, katerr.New(katerr.KindNotFound, "no credentials registered"))
		return
	}
	wa, err := newWebAuthn(r)
	if err != nil {
		writeError(w, katerr.Wrap(katerr.KindInternal, "webauthn init", err))
		return
	}
	wUser := toWebAuthnUser("owner", creds)
	options, session, err := wa.BeginLogin(wUser)
	if err != nil {
		writeError(w, katerr.Wrap(katerr.KindInternal, "begin login", err))
		return
	}
	ceremonyID := putCeremonySession(session)
	writeJSON(w, http.StatusOK, map[string]any{"ceremonyId": ceremonyID, "options": options})
}

// handleLoginVerify finishes the WebAuthn authentication ceremony, enforcing
// the credential-keyed lockout tracker before touching the library.
func (s *Server) handleLoginVerify(w http.ResponseWriter, r *http.Request) {
	ceremonyID := r.URL.Query().Get("ceremonyId")
	session, ok := takeCeremonySession(ceremonyID)
	if !ok {
		writeError(w, katerr.New(katerr.KindBadRequest, "unknown or expired ceremony"))
		return
	}

	parsedResponse, err := protocol.ParseCredentialRequestResponse(r)
	if err != nil {
		writeError(w, katerr.Wrap(katerr.KindBadRequest, "parse assertion", err))
		return
	}
	credentialID := parsedResponse.ID
	if locked, retryAfter := s.Auth.IsCredentialLocked(credentialID); locked {
		writeError(w, katerr.LockedOut(retryAfter))
		return
	}

	wa, err := newWebAuthn(r)
	if err != nil {
		writeError(w, katerr.Wrap(katerr.KindInternal, "webauthn init", err))
		return
	}
	wUser := toWebAuthnUser("owner", s.Auth.ListCredentials())
	cred, err := wa.ValidateLogin(wUser, *session, parsedResponse)
	if err != nil {
		s.Auth.RecordCredentialFailure(credentialID)
		writeError(w, katerr.Wrap(katerr.KindUnauthenticated, "login failed", err))
		return
	}
	s.Auth.RecordCredentialSuccess(credentialID)
	_ = s.Auth.TouchCredential(credentialID, cred.Authenticator.SignCount, r.UserAgent())

	token, csrf, err := s.Auth.CreateSession(credentialID)
	if err != nil {
		writeError(w, err)
		return
	}
	s.setSessionCookie(w, r, token)
	writeJSON(w, http.StatusOK, map[string]any{"credentialId": credentialID, "csrfToken": csrf})
}

// handleLogout invalidates the session but leaves the credential intact.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if c, err := r.Cookie(sessionCookieName); err == nil {
		_ = s.Auth.InvalidateSession(c.Value)
	}
	http.SetCookie(w, &http.Cookie{Name: sessionCookieName, Path: "/", MaxAge: -1})
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) setSessionCookie(w http.ResponseWriter, r *http.Request, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int((30 * 24 * time.Hour).Seconds()),
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	})
}
