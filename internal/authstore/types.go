// Package authstore implements the Auth Store: the process-wide owner of
// the user record, WebAuthn credentials, session tokens, setup tokens,
// pairing codes, and instance config, all guarded by a single mutex and
// persisted as per-entity files with temp-file-then-rename atomicity.
package authstore

import "time"

// User is the single logical owner account. Katulong has no multi-user
// identity; credentials are devices belonging to this one user.
type User struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Credential is one registered WebAuthn authenticator.
type Credential struct {
	ID         string    `json:"id"`
	PublicKey  []byte    `json:"publicKey"`
	Counter    uint32    `json:"counter"`
	DeviceID   string    `json:"deviceId,omitempty"`
	Name       string    `json:"name"`
	CreatedAt  time.Time `json:"createdAt"`
	LastUsedAt time.Time `json:"lastUsedAt"`
	UserAgent  string    `json:"userAgent"`
	Transports []string  `json:"transports"`
}

// SessionRecord is a server-side session token record.
type SessionRecord struct {
	Token          string    `json:"token"`
	CredentialID   string    `json:"credentialId"`
	Expiry         time.Time `json:"expiry"`
	CreatedAt      time.Time `json:"createdAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
	CSRFToken      string    `json:"csrfToken"`
}

// SetupToken is a one-use registration authorization.
type SetupToken struct {
	ID        string    `json:"id"`
	Token     string    `json:"token"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

// PairingCode is an in-memory-only (never persisted — 30s TTL makes
// durability pointless) LAN pairing handshake record.
type PairingCode struct {
	Code      string
	PIN       string
	ExpiresAt time.Time
	Consumed  bool
}

// InstanceConfig is the persisted instance branding/config.
type InstanceConfig struct {
	InstanceName string    `json:"instanceName"`
	InstanceIcon string    `json:"instanceIcon"`
	ToolbarColor string    `json:"toolbarColor"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

const sessionLifetime = 30 * 24 * time.Hour // spec.md §3: "Lifetime: 30 days rolling from creation."

const pairingTTL = 30 * time.Second
