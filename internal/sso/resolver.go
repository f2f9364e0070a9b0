// Package sso implements the SSO Resolver (C7): given an email, decide
// which broker connection (if any) should authenticate it, walking the
// domain up to its TLD before concluding no enterprise connection
// applies.
package sso

import (
	"context"
	"database/sql"
	"regexp"
	"strings"

	apperrors "github.com/aegis-auth/aegis/internal/errors"
	"github.com/aegis-auth/aegis/internal/models"
)

type Resolver struct {
	db *sql.DB
}

func New(db *sql.DB) *Resolver {
	return &Resolver{db: db}
}

// Resolve returns the enabled AuthConnection that should authenticate
// email, or nil if none applies (the caller falls back to the social
// provider order or magic code). Domain lookup walks from the full
// registered domain up through each parent label to the bare TLD, e.g.
// "stern.nyu.edu" -> "nyu.edu" -> "edu" (§4.7), taking the first enabled
// match. If a matched row carries an EmailPattern, the full email must
// also match it (case-insensitively) or resolution continues to the next
// candidate domain; a pattern that fails to compile is treated as absent
// so a single bad regex cannot silently lock every user in that domain
// out of SSO (fail-open, §9).
func (r *Resolver) Resolve(ctx context.Context, email string) (*models.AuthConnection, error) {
	domain := domainOf(email)
	if domain == "" {
		return nil, nil
	}

	for _, candidate := range candidateDomains(domain) {
		sd, err := r.lookupDomain(ctx, candidate)
		if err != nil {
			return nil, err
		}
		if sd == nil {
			continue
		}
		if sd.EmailPattern != "" {
			re, err := regexp.Compile("(?i)" + sd.EmailPattern)
			if err != nil {
				continue // fail-open: malformed pattern never blocks resolution
			}
			if !re.MatchString(email) {
				continue
			}
		}
		conn, err := r.loadConnection(ctx, sd.ConnectionID)
		if err != nil {
			return nil, err
		}
		if conn == nil || !conn.Enabled {
			continue
		}
		return conn, nil
	}
	return nil, nil
}

func (r *Resolver) lookupDomain(ctx context.Context, domain string) (*models.SsoDomain, error) {
	var sd models.SsoDomain
	var pattern sql.NullString
	err := r.db.QueryRowContext(ctx, `
		SELECT domain, connection_id, email_pattern, enabled, created_at
		FROM sso_domains WHERE domain = $1 AND enabled = true
	`, domain).Scan(&sd.Domain, &sd.ConnectionID, &pattern, &sd.Enabled, &sd.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}
	sd.EmailPattern = pattern.String
	return &sd, nil
}

func (r *Resolver) loadConnection(ctx context.Context, id string) (*models.AuthConnection, error) {
	var c models.AuthConnection
	var displayName sql.NullString
	err := r.db.QueryRowContext(ctx, `
		SELECT id, broker_connection_id, protocol, enabled, display_name, created_at
		FROM auth_connections WHERE id = $1
	`, id).Scan(&c.ID, &c.BrokerConnID, &c.Protocol, &c.Enabled, &displayName, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}
	c.DisplayName = displayName.String
	return &c, nil
}

func domainOf(email string) string {
	i := strings.LastIndexByte(email, '@')
	if i < 0 || i == len(email)-1 {
		return ""
	}
	return strings.ToLower(email[i+1:])
}

// candidateDomains returns domain, its parent, ... down to the bare TLD,
// e.g. "stern.nyu.edu" -> ["stern.nyu.edu", "nyu.edu", "edu"].
func candidateDomains(domain string) []string {
	labels := strings.Split(domain, ".")
	out := make([]string, 0, len(labels))
	for i := range labels {
		out = append(out, strings.Join(labels[i:], "."))
	}
	return out
}
