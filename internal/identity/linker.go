// Package identity implements the User & Identity Linker (C11): turning a
// broker Profile into a local User row and a local Identity row bound to
// it, reusing an existing user by email where one exists.
package identity

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/aegis-auth/aegis/internal/errors"
	"github.com/aegis-auth/aegis/internal/models"
)

type Linker struct {
	db *sql.DB
}

func New(db *sql.DB) *Linker {
	return &Linker{db: db}
}

// LinkParams carries the normalized fields out of a broker.Profile; kept
// separate from that type so this package has no import dependency on
// broker.
type LinkParams struct {
	Email          string
	FirstName      string
	LastName       string
	Protocol       string
	ProviderSubject string
	Attributes     map[string]interface{}
}

// Link finds or creates the User for email, then upserts the Identity row
// for (Protocol, ProviderSubject). Both writes happen in one transaction
// so a crash between them can never leave a user without its identity.
//
// Find-or-create semantics (§4.11):
//   - An existing non-deleted user with this email is reused as-is.
//   - A soft-deleted user with this email is reactivated (deleted_at
//     cleared) rather than shadowed by a second row with the same email.
//   - Otherwise a new user is created.
//
// The identity upsert is keyed on (protocol, provider_subject), which is
// globally unique — the same broker identity is never attached to a
// second user even if its last_seen_email later changes (e.g. the user
// renames their email at the IdP); only last_seen_email and attributes
// are refreshed on repeat logins.
func (l *Linker) Link(ctx context.Context, p LinkParams) (*models.User, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}
	defer tx.Rollback()

	user, err := l.findOrCreateUser(ctx, tx, p.Email, p.FirstName, p.LastName)
	if err != nil {
		return nil, err
	}

	attrs, err := json.Marshal(p.Attributes)
	if err != nil {
		attrs = []byte("{}")
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO identities (id, user_id, protocol, provider_subject, last_seen_email, attributes, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now(), now())
		ON CONFLICT (protocol, provider_subject) DO UPDATE SET
			last_seen_email = EXCLUDED.last_seen_email,
			attributes = EXCLUDED.attributes,
			updated_at = now()
	`, uuid.New().String(), user.ID, p.Protocol, p.ProviderSubject, p.Email, attrs); err != nil {
		return nil, apperrors.DatabaseError(err)
	}

	if err := tx.Commit(); err != nil {
		return nil, apperrors.DatabaseError(err)
	}
	return user, nil
}

func (l *Linker) findOrCreateUser(ctx context.Context, tx *sql.Tx, email, firstName, lastName string) (*models.User, error) {
	var u models.User
	var deletedAt sql.NullTime
	err := tx.QueryRowContext(ctx, `
		SELECT id, email, first_name, last_name, is_admin, org_tag, created_at, updated_at, deleted_at
		FROM users WHERE email = $1
		ORDER BY deleted_at IS NULL DESC LIMIT 1
	`, email).Scan(&u.ID, &u.Email, &u.FirstName, &u.LastName, &u.IsAdmin, &u.OrgTag, &u.CreatedAt, &u.UpdatedAt, &deletedAt)

	switch {
	case err == sql.ErrNoRows:
		u.ID = uuid.New().String()
		u.Email = email
		u.FirstName = firstName
		u.LastName = lastName
		now := time.Now().UTC()
		u.CreatedAt, u.UpdatedAt = now, now
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO users (id, email, first_name, last_name, is_admin, created_at, updated_at)
			VALUES ($1, $2, $3, $4, false, now(), now())
		`, u.ID, u.Email, u.FirstName, u.LastName); err != nil {
			return nil, apperrors.DatabaseError(err)
		}
		return &u, nil

	case err != nil:
		return nil, apperrors.DatabaseError(err)
	}

	if deletedAt.Valid {
		if _, err := tx.ExecContext(ctx, `
			UPDATE users SET deleted_at = NULL, updated_at = now() WHERE id = $1
		`, u.ID); err != nil {
			return nil, apperrors.DatabaseError(err)
		}
		u.DeletedAt = nil
	}

	return &u, nil
}

// GetByID loads a user by id, for endpoints that return a user summary
// alongside freshly minted tokens.
func (l *Linker) GetByID(ctx context.Context, userID string) (*models.User, error) {
	var u models.User
	var deletedAt sql.NullTime
	err := l.db.QueryRowContext(ctx, `
		SELECT id, email, first_name, last_name, is_admin, org_tag, created_at, updated_at, deleted_at
		FROM users WHERE id = $1
	`, userID).Scan(&u.ID, &u.Email, &u.FirstName, &u.LastName, &u.IsAdmin, &u.OrgTag, &u.CreatedAt, &u.UpdatedAt, &deletedAt)
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("user")
	}
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}
	if deletedAt.Valid {
		u.DeletedAt = &deletedAt.Time
	}
	return &u, nil
}

// RevokeByProviderSubject is used by the identity-deletion webhook handler
// to resolve a broker-issued user-deletion event to a local user id
// (§9's resolution of the Open Question: deletion events key off
// ProviderSubject via the identities table, not email, since email can
// change independently at the broker).
func (l *Linker) RevokeByProviderSubject(ctx context.Context, protocol, providerSubject string) (string, error) {
	var userID string
	err := l.db.QueryRowContext(ctx, `
		SELECT user_id FROM identities WHERE protocol = $1 AND provider_subject = $2
	`, protocol, providerSubject).Scan(&userID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", apperrors.DatabaseError(err)
	}
	return userID, nil
}
