// Package models defines the core data structures for the Aegis Auth service.
//
// Database tags use the snake_case convention; JSON tags use camelCase.
package models

import "time"

// User represents an authenticated identity holder.
//
// A user is created by the identity linker on first successful
// authentication through any broker connection and is never created
// directly by a client request. Email is unique among non-soft-deleted
// users; a soft-deleted row may be reactivated by a later login with the
// same email (see identity.Linker).
type User struct {
	ID             string     `json:"id" db:"id"`
	Email          string     `json:"email" db:"email"`
	FirstName      string     `json:"firstName" db:"first_name"`
	LastName       string     `json:"lastName" db:"last_name"`
	IsAdmin        bool       `json:"isAdmin" db:"is_admin"`
	OrgTag         string     `json:"orgTag,omitempty" db:"org_tag"`
	LastLoginWeb   *time.Time `json:"lastLoginWeb,omitempty" db:"last_login_web"`
	LastLoginApp   *time.Time `json:"lastLoginApp,omitempty" db:"last_login_app"`
	CreatedAt      time.Time  `json:"createdAt" db:"created_at"`
	UpdatedAt      time.Time  `json:"updatedAt" db:"updated_at"`
	DeletedAt      *time.Time `json:"-" db:"deleted_at"`
}

// Identity binds a user to a single broker-provided (protocol, subject)
// pair. The pair is globally unique; identities are never reassigned
// between users once created.
type Identity struct {
	ID             string    `json:"id" db:"id"`
	UserID         string    `json:"userId" db:"user_id"`
	Protocol       string    `json:"protocol" db:"protocol"`
	ProviderSubject string   `json:"providerSubject" db:"provider_subject"`
	LastSeenEmail  string    `json:"lastSeenEmail" db:"last_seen_email"`
	Attributes     JSONMap   `json:"attributes,omitempty" db:"attributes"`
	CreatedAt      time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt      time.Time `json:"updatedAt" db:"updated_at"`
}

// Device identifies a client-supplied device. The id is chosen by the
// client; it may be reused across logins but never observed bound to two
// different users at once (enforced by session creation, not a DB
// constraint — a device may legitimately change owners over its lifetime
// if a prior user logs out).
type Device struct {
	ID         string     `json:"id" db:"id"`
	UserID     string     `json:"userId" db:"user_id"`
	Type       string     `json:"type" db:"type"` // desktop|xr|mobile|web
	Platform   string     `json:"platform,omitempty" db:"platform"`
	AppVersion string     `json:"appVersion,omitempty" db:"app_version"`
	LastActive time.Time  `json:"lastActive" db:"last_active"`
	Active     bool       `json:"active" db:"active"`
	RevokedAt  *time.Time `json:"revokedAt,omitempty" db:"revoked_at"`
	CreatedAt  time.Time  `json:"createdAt" db:"created_at"`
}

// Session is the sole revocable unit of authentication state. At most one
// non-revoked session may exist per (user_id, device_id) pair; the family
// id never changes across rotations within one session's lifetime.
type Session struct {
	ID                   string     `json:"id" db:"id"`
	UserID               string     `json:"userId" db:"user_id"`
	DeviceID             *string    `json:"deviceId,omitempty" db:"device_id"`
	RefreshTokenHash     string     `json:"-" db:"refresh_token_hash"`
	RefreshTokenFamilyID string     `json:"-" db:"refresh_token_family_id"`
	AuthMethod           string     `json:"authMethod" db:"auth_method"`
	ExpiresAt            time.Time  `json:"expiresAt" db:"expires_at"`
	LastUsedAt           time.Time  `json:"lastUsedAt" db:"last_used_at"`
	RevokedAt            *time.Time `json:"revokedAt,omitempty" db:"revoked_at"`
	RevokeReason         string     `json:"revokeReason,omitempty" db:"revoke_reason"`
	RemoteIP             string     `json:"-" db:"remote_ip"`
	UserAgent            string     `json:"-" db:"user_agent"`
	CreatedAt            time.Time  `json:"createdAt" db:"created_at"`
}

// Revocation reasons recorded on Session.RevokeReason. First-writer-wins:
// a second Revoke call against an already-revoked row is a no-op and must
// not overwrite the reason.
const (
	RevokeReasonNewSession    = "new_session"
	RevokeReasonExpired       = "expired"
	RevokeReasonRotationReuse = "rotation_reuse"
	RevokeReasonLogout        = "logout"
	RevokeReasonLogoutAll     = "logout_all"
	RevokeReasonAdmin         = "admin"
)

// AuthorizationCode is a single-use, PKCE-protected credential exchanged
// at /oauth/token. Distinct from the broker's own authorization code,
// which is exchanged inside /oauth/callback.
type AuthorizationCode struct {
	Code                string     `json:"-" db:"code"`
	UserID              string     `json:"-" db:"user_id"`
	ClientID            string     `json:"-" db:"client_id"`
	RedirectURI         string     `json:"-" db:"redirect_uri"`
	CodeChallenge       string     `json:"-" db:"code_challenge"`
	CodeChallengeMethod string     `json:"-" db:"code_challenge_method"`
	Scopes              string     `json:"-" db:"scopes"`
	AuthMethod          string     `json:"-" db:"auth_method"`
	DeviceID            *string    `json:"-" db:"device_id"`
	Platform            string     `json:"-" db:"platform"`
	ExpiresAt           time.Time  `json:"-" db:"expires_at"`
	UsedAt              *time.Time `json:"-" db:"used_at"`
	CreatedAt           time.Time  `json:"-" db:"created_at"`
}

// HandoffCode is the short-lived code the browser hands to a headset or
// desktop app during the browser-to-device handoff sequence.
type HandoffCode struct {
	Code              string     `json:"-" db:"code"`
	PollToken         string     `json:"-" db:"poll_token"`
	UserID            string     `json:"-" db:"user_id"`
	DeviceID          string     `json:"-" db:"device_id"`
	ExternalSessionID string     `json:"-" db:"external_session_id"`
	ExpiresAt         time.Time  `json:"-" db:"expires_at"`
	Used              bool       `json:"-" db:"used"`
	UsedAt            *time.Time `json:"-" db:"used_at"`
	CreatedAt         time.Time  `json:"-" db:"created_at"`
}

// AuthConnection holds a broker connection id and the protocol tag it
// implements.
type AuthConnection struct {
	ID             string    `json:"id" db:"id"`
	BrokerConnID   string    `json:"brokerConnectionId" db:"broker_connection_id"`
	Protocol       string    `json:"protocol" db:"protocol"`
	Enabled        bool      `json:"enabled" db:"enabled"`
	DisplayName    string    `json:"displayName,omitempty" db:"display_name"`
	CreatedAt      time.Time `json:"createdAt" db:"created_at"`
}

// SsoDomain maps a lower-cased domain to one AuthConnection, with an
// optional full-email regex filter.
type SsoDomain struct {
	Domain       string    `json:"domain" db:"domain"`
	ConnectionID string    `json:"connectionId" db:"connection_id"`
	EmailPattern string    `json:"emailPattern,omitempty" db:"email_pattern"`
	Enabled      bool      `json:"enabled" db:"enabled"`
	CreatedAt    time.Time `json:"createdAt" db:"created_at"`
}

// Client is a registered OAuth client (web dashboard, native desktop app,
// XR headset app, mobile app). RequiresPKCE is data-driven per the
// deployment's client allowlist rather than a single hardcoded desktop
// client id comparison.
type Client struct {
	ClientID     string   `json:"clientId" db:"client_id"`
	DisplayName  string   `json:"displayName" db:"display_name"`
	RedirectURIs []string `json:"redirectUris" db:"-"`
	IsNative     bool     `json:"isNative" db:"is_native"`
	RequiresPKCE bool     `json:"requiresPkce" db:"requires_pkce"`
}

// Protocol tags, exhaustive.
const (
	ProtocolSSO           = "sso"
	ProtocolOIDCGoogle    = "oidc_google"
	ProtocolOIDCMicrosoft = "oidc_microsoft"
	ProtocolOIDCApple     = "oidc_apple"
	ProtocolMagicLink     = "magic_link"
	ProtocolHandoff       = "handoff"
)

// Device types.
const (
	DeviceTypeDesktop = "desktop"
	DeviceTypeXR      = "xr"
	DeviceTypeMobile  = "mobile"
	DeviceTypeWeb     = "web"
)

// JSONMap is a small helper type for opaque JSONB columns.
type JSONMap map[string]interface{}
