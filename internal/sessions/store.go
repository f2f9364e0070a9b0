// Package sessions implements the Session Store (C3): the sole component
// that may revoke a session, and the focal point of this service's
// concurrency story — the refresh-token rotation state machine.
//
// Every operation here is one logical transaction. The rotation state
// machine in particular relies on `SELECT ... FOR UPDATE` to serialize
// concurrent rotation attempts against the same session row: the first
// transaction to acquire the row lock mints the next refresh token and
// commits; a second transaction racing it blocks until the first commits,
// then observes a refresh-token hash that no longer matches what it
// presented and is classified as reuse. No application-level mutex is
// needed — the database row lock is the only coordination primitive.
package sessions

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/aegis-auth/aegis/internal/errors"
	"github.com/aegis-auth/aegis/internal/events"
	"github.com/aegis-auth/aegis/internal/logger"
	"github.com/aegis-auth/aegis/internal/models"
	"github.com/aegis-auth/aegis/internal/tokens"
)

// AccessSigner is the subset of tokens.Registry the Store needs; kept as
// an interface so tests can substitute a fake signer without a real RSA
// key.
type AccessSigner interface {
	Sign(userID, sessionID, deviceID string) (string, time.Time, error)
}

type registrySigner struct{ r *tokens.Registry }

func (rs registrySigner) Sign(userID, sessionID, deviceID string) (string, time.Time, error) {
	return rs.r.Current().Sign(userID, sessionID, deviceID)
}

// NewAccessSigner adapts a tokens.Registry to the AccessSigner interface.
func NewAccessSigner(r *tokens.Registry) AccessSigner {
	return registrySigner{r: r}
}

// Store persists sessions, refresh-token hashes, families, and device
// bindings.
type Store struct {
	db         *sql.DB
	refresh    *tokens.RefreshSigner
	access     AccessSigner
	refreshTTL time.Duration
	publisher  *events.Publisher
}

// New constructs a Store. publisher may be nil — a nil publisher is
// equivalent to a disabled one; both make security-event fan-out a
// no-op.
func New(db *sql.DB, refresh *tokens.RefreshSigner, access AccessSigner, refreshTTL time.Duration, publisher *events.Publisher) *Store {
	return &Store{db: db, refresh: refresh, access: access, refreshTTL: refreshTTL, publisher: publisher}
}

// Tokens is the tuple of credentials minted by Create and Rotate.
type Tokens struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
	SessionID        string
	FamilyID         string
}

// Create upserts the device row (if any), atomically revokes any prior
// non-revoked session for (user, device) with reason new_session, inserts
// a fresh session with a new sid/fid, and mints both tokens.
//
// A nil deviceID means a device-less (pure web) session: the "at most one
// non-revoked session per (user, device)" invariant only applies when a
// device id is present, since two browser tabs legitimately hold
// independent sessions with no device to bind them together.
func (s *Store) Create(ctx context.Context, userID string, deviceID *string, deviceType, platform, authMethod, ip, ua string) (*Tokens, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}
	defer tx.Rollback()

	if deviceID != nil {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO devices (id, user_id, type, platform, last_active, active, created_at)
			VALUES ($1, $2, $3, $4, now(), true, now())
			ON CONFLICT (id) DO UPDATE SET
				user_id = EXCLUDED.user_id,
				last_active = now(),
				active = true
		`, *deviceID, userID, deviceType, platform); err != nil {
			return nil, apperrors.DatabaseError(err)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE sessions SET revoked_at = now(), revoke_reason = $1
			WHERE user_id = $2 AND device_id = $3 AND revoked_at IS NULL
		`, models.RevokeReasonNewSession, userID, *deviceID); err != nil {
			return nil, apperrors.DatabaseError(err)
		}
	}

	sid := uuid.New().String()
	fid := uuid.New().String()
	refreshToken := s.refresh.Mint(sid, fid)
	refreshHash := tokens.Hash(refreshToken)
	refreshExpiresAt := time.Now().UTC().Add(s.refreshTTL)

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sessions (
			id, user_id, device_id, refresh_token_hash, refresh_token_family_id,
			auth_method, expires_at, last_used_at, remote_ip, user_agent, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, now(), $8, $9, now())
	`, sid, userID, deviceID, refreshHash, fid, authMethod, refreshExpiresAt, ip, ua); err != nil {
		return nil, apperrors.DatabaseError(err)
	}

	if err := tx.Commit(); err != nil {
		return nil, apperrors.DatabaseError(err)
	}

	deviceIDStr := ""
	if deviceID != nil {
		deviceIDStr = *deviceID
	}
	accessToken, accessExpiresAt, err := s.access.Sign(userID, sid, deviceIDStr)
	if err != nil {
		return nil, apperrors.InternalServer("failed to sign access token")
	}

	return &Tokens{
		AccessToken:      accessToken,
		RefreshToken:     refreshToken,
		AccessExpiresAt:  accessExpiresAt,
		RefreshExpiresAt: refreshExpiresAt,
		SessionID:        sid,
		FamilyID:         fid,
	}, nil
}

// Rotate implements the six-case refresh-token rotation state machine.
// Every rejection surfaces the same generic invalid_grant to the caller;
// the true reason is attached as the AppError's InternalReason for the
// error middleware to log.
func (s *Store) Rotate(ctx context.Context, presentedToken, ip, ua string) (*Tokens, error) {
	sid, presentedFID, err := s.refresh.Parse(presentedToken)
	if err != nil {
		return nil, apperrors.InvalidGrant(apperrors.KindAuthentication, "malformed_refresh_token")
	}
	presentedHash := tokens.Hash(presentedToken)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}
	defer tx.Rollback()

	var row struct {
		UserID    string
		DeviceID  sql.NullString
		FamilyID  string
		Hash      string
		ExpiresAt time.Time
		RevokedAt sql.NullTime
	}
	err = tx.QueryRowContext(ctx, `
		SELECT user_id, device_id, refresh_token_family_id, refresh_token_hash, expires_at, revoked_at
		FROM sessions WHERE id = $1 FOR UPDATE
	`, sid).Scan(&row.UserID, &row.DeviceID, &row.FamilyID, &row.Hash, &row.ExpiresAt, &row.RevokedAt)

	// Case 1: session absent.
	if err == sql.ErrNoRows {
		return nil, apperrors.InvalidGrant(apperrors.KindAuthentication, "invalid_refresh_token")
	}
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}

	// Case 2: already revoked.
	if row.RevokedAt.Valid {
		return nil, apperrors.InvalidGrant(apperrors.KindAuthentication, "session_revoked")
	}

	// Case 3: expired.
	if !row.ExpiresAt.After(time.Now().UTC()) {
		if _, err := tx.ExecContext(ctx, `
			UPDATE sessions SET revoked_at = now(), revoke_reason = $1
			WHERE id = $2 AND revoked_at IS NULL
		`, models.RevokeReasonExpired, sid); err != nil {
			return nil, apperrors.DatabaseError(err)
		}
		if err := tx.Commit(); err != nil {
			return nil, apperrors.DatabaseError(err)
		}
		return nil, apperrors.InvalidGrant(apperrors.KindAuthentication, "expired")
	}

	// Case 4: family mismatch — token theft. Revoke every non-revoked
	// session on the same device (or just this one if device-less).
	if row.FamilyID != presentedFID {
		if row.DeviceID.Valid {
			if _, err := tx.ExecContext(ctx, `
				UPDATE sessions SET revoked_at = now(), revoke_reason = $1
				WHERE device_id = $2 AND revoked_at IS NULL
			`, models.RevokeReasonRotationReuse, row.DeviceID.String); err != nil {
				return nil, apperrors.DatabaseError(err)
			}
		} else {
			if _, err := tx.ExecContext(ctx, `
				UPDATE sessions SET revoked_at = now(), revoke_reason = $1
				WHERE id = $2 AND revoked_at IS NULL
			`, models.RevokeReasonRotationReuse, sid); err != nil {
				return nil, apperrors.DatabaseError(err)
			}
		}
		if err := tx.Commit(); err != nil {
			return nil, apperrors.DatabaseError(err)
		}
		logger.Security().Warn().
			Str("session_id", sid).
			Str("family_id_presented", presentedFID).
			Str("family_id_stored", row.FamilyID).
			Msg("refresh token family mismatch — possible token theft")
		s.publisher.Publish(ctx, events.SecurityEvent{
			EventID: uuid.New().String(),
			Kind: "family_mismatch", Reason: "family_mismatch",
			SessionID: sid, UserID: row.UserID, DeviceID: row.DeviceID.String,
			Timestamp: time.Now().UTC(),
		})
		return nil, apperrors.SecurityEvent("family_mismatch")
	}

	// Case 5: family matches but hash doesn't — reuse of an
	// already-rotated-away token.
	if row.Hash != presentedHash {
		if _, err := tx.ExecContext(ctx, `
			UPDATE sessions SET revoked_at = now(), revoke_reason = $1
			WHERE id = $2 AND revoked_at IS NULL
		`, models.RevokeReasonRotationReuse, sid); err != nil {
			return nil, apperrors.DatabaseError(err)
		}
		if err := tx.Commit(); err != nil {
			return nil, apperrors.DatabaseError(err)
		}
		logger.Security().Warn().Str("session_id", sid).Msg("refresh token reuse detected")
		s.publisher.Publish(ctx, events.SecurityEvent{
			EventID: uuid.New().String(),
			Kind: "rotation_reuse", Reason: "rotation_reuse",
			SessionID: sid, UserID: row.UserID, DeviceID: row.DeviceID.String,
			Timestamp: time.Now().UTC(),
		})
		return nil, apperrors.SecurityEvent("rotation_reuse")
	}

	// Case 6: legitimate rotation.
	newRefreshToken := s.refresh.Mint(sid, row.FamilyID)
	newHash := tokens.Hash(newRefreshToken)
	newExpiresAt := time.Now().UTC().Add(s.refreshTTL)

	if _, err := tx.ExecContext(ctx, `
		UPDATE sessions
		SET refresh_token_hash = $1, expires_at = $2, last_used_at = now(), remote_ip = $3, user_agent = $4
		WHERE id = $5
	`, newHash, newExpiresAt, ip, ua, sid); err != nil {
		return nil, apperrors.DatabaseError(err)
	}
	if err := tx.Commit(); err != nil {
		return nil, apperrors.DatabaseError(err)
	}

	deviceIDStr := ""
	if row.DeviceID.Valid {
		deviceIDStr = row.DeviceID.String
	}
	accessToken, accessExpiresAt, err := s.access.Sign(row.UserID, sid, deviceIDStr)
	if err != nil {
		return nil, apperrors.InternalServer("failed to sign access token")
	}

	return &Tokens{
		AccessToken:      accessToken,
		RefreshToken:     newRefreshToken,
		AccessExpiresAt:  accessExpiresAt,
		RefreshExpiresAt: newExpiresAt,
		SessionID:        sid,
		FamilyID:         row.FamilyID,
	}, nil
}

// Revoke sets revoked_at/revoke_reason on one session. Idempotent:
// first-writer-wins, a second call against an already-revoked row is a
// no-op.
func (s *Store) Revoke(ctx context.Context, sessionID, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET revoked_at = now(), revoke_reason = $1
		WHERE id = $2 AND revoked_at IS NULL
	`, reason, sessionID)
	if err != nil {
		return apperrors.DatabaseError(err)
	}
	return nil
}

// RevokeByUser revokes every non-revoked session belonging to userID.
// Returns the number of sessions revoked.
func (s *Store) RevokeByUser(ctx context.Context, userID, reason string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET revoked_at = now(), revoke_reason = $1
		WHERE user_id = $2 AND revoked_at IS NULL
	`, reason, userID)
	if err != nil {
		return 0, apperrors.DatabaseError(err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// RevokeByDevice revokes every non-revoked session bound to deviceID.
func (s *Store) RevokeByDevice(ctx context.Context, deviceID, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET revoked_at = now(), revoke_reason = $1
		WHERE device_id = $2 AND revoked_at IS NULL
	`, reason, deviceID)
	if err != nil {
		return apperrors.DatabaseError(err)
	}
	return nil
}

// Validate reports whether sessionID names an active, unexpired session,
// bumping last_used_at on success.
func (s *Store) Validate(ctx context.Context, sessionID string) (bool, error) {
	var revokedAt sql.NullTime
	var expiresAt time.Time
	err := s.db.QueryRowContext(ctx, `
		SELECT revoked_at, expires_at FROM sessions WHERE id = $1
	`, sessionID).Scan(&revokedAt, &expiresAt)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, apperrors.DatabaseError(err)
	}
	if revokedAt.Valid || !expiresAt.After(time.Now().UTC()) {
		return false, nil
	}

	if _, err := s.db.ExecContext(ctx, `UPDATE sessions SET last_used_at = now() WHERE id = $1`, sessionID); err != nil {
		return false, apperrors.DatabaseError(err)
	}
	return true, nil
}

// PurgeExpired deletes revoked sessions whose refresh expiry has passed.
// Intended to be called periodically by a cron job (see cmd/main.go).
func (s *Store) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM sessions WHERE revoked_at IS NOT NULL AND expires_at <= now()
	`)
	if err != nil {
		return 0, apperrors.DatabaseError(err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		logger.Database().Info().Int64("purged", n).Msg("purged expired sessions")
	}
	return n, nil
}
