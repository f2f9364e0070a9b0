// Package handoff implements the Handoff Code Store (C5) and the Handoff
// Orchestrator (C10): the browser-to-device authentication sequence that
// lets a headset or desktop app sign in through the system browser
// without ever seeing the user's credentials.
//
// Four artifacts move through one (device_id, poll_token, code) triple:
// the device mints a poll_token and asks for an authUrl; the browser,
// after the user authenticates with the identity broker, creates the
// handoff code keyed to that same poll_token; the device polls by
// (device_id, poll_token) until the code is ready; the device finally
// redeems the code for tokens. The poll_token is never present in the
// deep link or the returned code — it exists only so that polling by
// device_id alone cannot be used to guess a pending code (see Poll).
package handoff

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"time"

	apperrors "github.com/aegis-auth/aegis/internal/errors"
	"github.com/aegis-auth/aegis/internal/models"
)

// Store persists HandoffCode rows.
type Store struct {
	db  *sql.DB
	ttl time.Duration
}

// NewStore constructs a Store. ttl is the spec's fixed 5-minute handoff window.
func NewStore(db *sql.DB, ttl time.Duration) *Store {
	return &Store{db: db, ttl: ttl}
}

// NewPollToken mints a fresh poll token (24 random bytes, >= 192 bits of
// entropy per §3) for a device about to begin a handoff. It does not
// persist anything by itself — the device learns its poll_token at
// /handoff/initiate, well before any handoff code exists.
func NewPollToken() (string, error) {
	return randomToken(24)
}

// CleanupDevice deletes any existing unused handoff codes for deviceID.
// Both /handoff/initiate and /callback call this before creating a new
// code, so that a stale pending code can never satisfy a later poll for
// the same device (§4.5).
func (s *Store) CleanupDevice(ctx context.Context, deviceID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM handoff_codes WHERE device_id = $1 AND used = false
	`, deviceID)
	if err != nil {
		return apperrors.DatabaseError(err)
	}
	return nil
}

// CreateParams carries the fields bound into a fresh handoff code at
// /callback, after the browser completes authentication with the broker.
type CreateParams struct {
	UserID            string
	DeviceID          string
	PollToken         string
	ExternalSessionID string
}

// Create inserts a new handoff code bound to the poll_token the device
// minted at /handoff/initiate. Callers must call CleanupDevice first.
func (s *Store) Create(ctx context.Context, p CreateParams) (*models.HandoffCode, error) {
	code, err := randomToken(24)
	if err != nil {
		return nil, apperrors.InternalServer("failed to generate handoff code")
	}
	expiresAt := time.Now().UTC().Add(s.ttl)

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO handoff_codes (
			code, poll_token, user_id, device_id, external_session_id, expires_at, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, now())
	`, code, p.PollToken, p.UserID, p.DeviceID, p.ExternalSessionID, expiresAt); err != nil {
		return nil, apperrors.DatabaseError(err)
	}

	return &models.HandoffCode{
		Code:              code,
		PollToken:         p.PollToken,
		UserID:            p.UserID,
		DeviceID:          p.DeviceID,
		ExternalSessionID: p.ExternalSessionID,
		ExpiresAt:         expiresAt,
	}, nil
}

// PollStatus is the tri-state GET /handoff/poll reports. A device-id/
// poll-token mismatch against a code that does exist is indistinguishable
// from "pending" on the wire — this is the anti-enumeration property of
// §4.5/§4.10.
type PollStatus string

const (
	PollPending PollStatus = "pending"
	PollReady   PollStatus = "ready"
	PollExpired PollStatus = "expired"
)

// Poll reports the status of the pending handoff code for (deviceID,
// pollToken) without consuming it.
func (s *Store) Poll(ctx context.Context, deviceID, pollToken string) (PollStatus, string, error) {
	var code string
	var expiresAt time.Time
	var used bool
	err := s.db.QueryRowContext(ctx, `
		SELECT code, expires_at, used FROM handoff_codes
		WHERE device_id = $1 AND poll_token = $2
		ORDER BY created_at DESC LIMIT 1
	`, deviceID, pollToken).Scan(&code, &expiresAt, &used)
	if err == sql.ErrNoRows {
		return PollPending, "", nil
	}
	if err != nil {
		return "", "", apperrors.DatabaseError(err)
	}
	if used {
		// Already redeemed; a second poll sees no live code. Treat like
		// pending rather than leaking "ready but already used".
		return PollPending, "", nil
	}
	if !expiresAt.After(time.Now().UTC()) {
		return PollExpired, "", nil
	}
	return PollReady, code, nil
}

// Consume validates and redeems a handoff code at /device-token: the
// code must exist, be unused, unexpired, and bound to the consuming
// device id. On success it transitions used: false -> true.
func (s *Store) Consume(ctx context.Context, code, deviceID string) (*models.HandoffCode, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}
	defer tx.Rollback()

	var hc models.HandoffCode
	var externalSessionID sql.NullString
	err = tx.QueryRowContext(ctx, `
		SELECT poll_token, user_id, device_id, external_session_id, expires_at, used
		FROM handoff_codes WHERE code = $1 FOR UPDATE
	`, code).Scan(&hc.PollToken, &hc.UserID, &hc.DeviceID, &externalSessionID, &hc.ExpiresAt, &hc.Used)
	if err == sql.ErrNoRows {
		return nil, apperrors.InvalidGrant(apperrors.KindAuthentication, "invalid_request")
	}
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}
	hc.Code = code
	hc.ExternalSessionID = externalSessionID.String

	if hc.Used {
		return nil, apperrors.ConflictInvalidGrant("code_already_used")
	}
	if !hc.ExpiresAt.After(time.Now().UTC()) {
		return nil, apperrors.InvalidGrant(apperrors.KindAuthentication, "code_expired")
	}
	if hc.DeviceID != deviceID {
		return nil, apperrors.InvalidGrant(apperrors.KindAuthentication, "invalid_grant")
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE handoff_codes SET used = true, used_at = now() WHERE code = $1 AND used = false
	`, code); err != nil {
		return nil, apperrors.DatabaseError(err)
	}
	if err := tx.Commit(); err != nil {
		return nil, apperrors.DatabaseError(err)
	}
	return &hc, nil
}

// PurgeExpired deletes handoff codes past their expiry.
func (s *Store) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM handoff_codes WHERE expires_at <= now()`)
	if err != nil {
		return 0, apperrors.DatabaseError(err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func randomToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
