// Package authcode implements the Authorization Code Store (C4): the
// single-use, time-bounded code exchanged at /oauth/token, distinct from
// the broker's own authorization code exchanged inside /oauth/callback.
//
// Consume relies on SELECT ... FOR UPDATE so that two simultaneous
// consumers of the same code race on the same row lock: exactly one
// observes used_at = NULL and wins, the other observes it already set
// and is rejected with code_already_used.
package authcode

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"time"

	apperrors "github.com/aegis-auth/aegis/internal/errors"
	"github.com/aegis-auth/aegis/internal/models"
)

// Store persists AuthorizationCode rows.
type Store struct {
	db  *sql.DB
	ttl time.Duration
}

// New constructs a Store. ttl bounds every minted code's lifetime; the
// spec fixes this at 10 minutes and it is never extended.
func New(db *sql.DB, ttl time.Duration) *Store {
	return &Store{db: db, ttl: ttl}
}

// IssueParams carries the fields a fresh authorization code binds, per
// §4.4/§4.8: the PKCE challenge, the client and redirect it was requested
// for, and the device context (if any) it carries through to session
// creation.
type IssueParams struct {
	UserID              string
	ClientID            string
	RedirectURI         string
	CodeChallenge       string
	CodeChallengeMethod string
	Scopes              string
	AuthMethod          string
	DeviceID            *string
	Platform            string
}

// Issue mints a fresh random code (32 bytes, base64url) and persists it.
func (s *Store) Issue(ctx context.Context, p IssueParams) (*models.AuthorizationCode, error) {
	code, err := randomCode()
	if err != nil {
		return nil, apperrors.InternalServer("failed to generate authorization code")
	}
	expiresAt := time.Now().UTC().Add(s.ttl)

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO authorization_codes (
			code, user_id, client_id, redirect_uri, code_challenge,
			code_challenge_method, scopes, auth_method, device_id, platform,
			expires_at, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, now())
	`, code, p.UserID, p.ClientID, p.RedirectURI, p.CodeChallenge,
		p.CodeChallengeMethod, p.Scopes, p.AuthMethod, p.DeviceID, p.Platform, expiresAt); err != nil {
		return nil, apperrors.DatabaseError(err)
	}

	return &models.AuthorizationCode{
		Code:                code,
		UserID:              p.UserID,
		ClientID:            p.ClientID,
		RedirectURI:         p.RedirectURI,
		CodeChallenge:       p.CodeChallenge,
		CodeChallengeMethod: p.CodeChallengeMethod,
		Scopes:              p.Scopes,
		AuthMethod:          p.AuthMethod,
		DeviceID:            p.DeviceID,
		Platform:            p.Platform,
		ExpiresAt:           expiresAt,
	}, nil
}

// Peek loads a code's row without marking it used, so the orchestrator
// can verify PKCE before deciding whether to burn the code — per §4.2, a
// code_verifier mismatch is a hard failure that does NOT consume the
// code, leaving a legitimate retry possible after a transport glitch.
// Consume is only called once PKCE has already passed.
func (s *Store) Peek(ctx context.Context, code string) (*models.AuthorizationCode, error) {
	return s.load(ctx, s.db, code)
}

// Consume locks the row, validates it is unused and unexpired and that
// redirectURI matches the one it was issued for, then transitions
// used_at null -> now exactly once.
func (s *Store) Consume(ctx context.Context, code, redirectURI string) (*models.AuthorizationCode, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}
	defer tx.Rollback()

	ac, err := s.loadForUpdate(ctx, tx, code)
	if err != nil {
		return nil, err
	}

	if ac.UsedAt != nil {
		return nil, apperrors.ConflictInvalidGrant("code_already_used")
	}
	if !ac.ExpiresAt.After(time.Now().UTC()) {
		return nil, apperrors.InvalidGrant(apperrors.KindAuthentication, "code_expired")
	}
	if ac.RedirectURI != redirectURI {
		return nil, apperrors.InvalidGrant(apperrors.KindValidation, "redirect_mismatch")
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE authorization_codes SET used_at = now() WHERE code = $1 AND used_at IS NULL
	`, code); err != nil {
		return nil, apperrors.DatabaseError(err)
	}
	if err := tx.Commit(); err != nil {
		return nil, apperrors.DatabaseError(err)
	}
	return ac, nil
}

// PurgeExpired deletes authorization codes past their expiry, used or
// not. Intended to run alongside sessions.Store.PurgeExpired on the same
// cron schedule (see cmd/main.go).
func (s *Store) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM authorization_codes WHERE expires_at <= now()`)
	if err != nil {
		return 0, apperrors.DatabaseError(err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func (s *Store) load(ctx context.Context, q querier, code string) (*models.AuthorizationCode, error) {
	return scanRow(q.QueryRowContext(ctx, `
		SELECT user_id, client_id, redirect_uri, code_challenge, code_challenge_method,
		       scopes, auth_method, device_id, platform, expires_at, used_at
		FROM authorization_codes WHERE code = $1
	`, code), code)
}

func (s *Store) loadForUpdate(ctx context.Context, tx *sql.Tx, code string) (*models.AuthorizationCode, error) {
	return scanRow(tx.QueryRowContext(ctx, `
		SELECT user_id, client_id, redirect_uri, code_challenge, code_challenge_method,
		       scopes, auth_method, device_id, platform, expires_at, used_at
		FROM authorization_codes WHERE code = $1 FOR UPDATE
	`, code), code)
}

func scanRow(row *sql.Row, code string) (*models.AuthorizationCode, error) {
	var ac models.AuthorizationCode
	var deviceID sql.NullString
	var usedAt sql.NullTime
	err := row.Scan(&ac.UserID, &ac.ClientID, &ac.RedirectURI, &ac.CodeChallenge, &ac.CodeChallengeMethod,
		&ac.Scopes, &ac.AuthMethod, &deviceID, &ac.Platform, &ac.ExpiresAt, &usedAt)
	if err == sql.ErrNoRows {
		return nil, apperrors.InvalidGrant(apperrors.KindAuthentication, "invalid_request")
	}
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}
	ac.Code = code
	if deviceID.Valid {
		ac.DeviceID = &deviceID.String
	}
	if usedAt.Valid {
		ac.UsedAt = &usedAt.Time
	}
	return &ac, nil
}

func randomCode() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
