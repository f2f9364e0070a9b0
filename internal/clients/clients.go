// Package clients implements the OAuth client allowlist: which client ids
// may call /oauth/authorize, what redirect URIs they may use, and whether
// they are data-driven as requiring PKCE (resolving the spec's Open
// Question about desktop/native client ids, §9).
package clients

import (
	"context"
	"database/sql"
	"net"
	"net/url"
	"strings"

	"github.com/aegis-auth/aegis/internal/config"
	apperrors "github.com/aegis-auth/aegis/internal/errors"
	"github.com/aegis-auth/aegis/internal/models"
)

type Store struct {
	db            *sql.DB
	loopbackPaths map[string]bool
	customSchemes map[string]bool
	webRedirects  map[string]bool
}

func New(db *sql.DB, oauth config.OAuthConfig) *Store {
	s := &Store{
		db:            db,
		loopbackPaths: toSet(oauth.LoopbackPaths),
		customSchemes: toSet(oauth.CustomSchemes),
		webRedirects:  toSet(oauth.WebRedirects),
	}
	if len(s.loopbackPaths) == 0 {
		s.loopbackPaths = map[string]bool{"/callback": true}
	}
	return s
}

func toSet(vals []string) map[string]bool {
	m := make(map[string]bool, len(vals))
	for _, v := range vals {
		m[v] = true
	}
	return m
}

// Seed upserts the configured client allowlist into the database at
// startup, so the rest of the service can treat `clients` purely as
// runtime state rather than re-reading configuration on every request.
func Seed(ctx context.Context, db *sql.DB, entries []config.ClientEntry) error {
	for _, e := range entries {
		if _, err := db.ExecContext(ctx, `
			INSERT INTO clients (client_id, display_name, redirect_uris, is_native, requires_pkce)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (client_id) DO UPDATE SET
				display_name = EXCLUDED.display_name,
				redirect_uris = EXCLUDED.redirect_uris,
				is_native = EXCLUDED.is_native,
				requires_pkce = EXCLUDED.requires_pkce
		`, e.ClientID, e.DisplayName, strings.Join(e.RedirectURIs, ","), e.IsNative, e.RequiresPKCE); err != nil {
			return apperrors.DatabaseError(err)
		}
	}
	return nil
}

// Lookup returns the client row for clientID, or nil if unknown.
func (s *Store) Lookup(ctx context.Context, clientID string) (*models.Client, error) {
	var c models.Client
	var redirects string
	err := s.db.QueryRowContext(ctx, `
		SELECT client_id, display_name, redirect_uris, is_native, requires_pkce
		FROM clients WHERE client_id = $1
	`, clientID).Scan(&c.ClientID, &c.DisplayName, &redirects, &c.IsNative, &c.RequiresPKCE)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}
	if redirects != "" {
		c.RedirectURIs = strings.Split(redirects, ",")
	}
	return &c, nil
}

// AcceptRedirect reports whether redirectURI is one of the fixed
// acceptance classes (§6): loopback http with any port and an allowed
// path, a configured custom scheme, or an entry the client itself
// registered / the configured web-redirect list carries.
func (s *Store) AcceptRedirect(client *models.Client, redirectURI string) bool {
	for _, r := range client.RedirectURIs {
		if r == redirectURI {
			return true
		}
	}
	if s.webRedirects[redirectURI] {
		return true
	}

	u, err := url.Parse(redirectURI)
	if err != nil {
		return false
	}

	if u.Scheme == "http" && isLoopbackHost(u.Hostname()) {
		return s.loopbackPaths[u.Path]
	}

	if s.customSchemes[u.Scheme] {
		return true
	}

	return false
}

func isLoopbackHost(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
