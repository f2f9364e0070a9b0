package sessions

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/aegis-auth/aegis/internal/errors"
	"github.com/aegis-auth/aegis/internal/tokens"
)

// fakeSigner stands in for a real RSA-backed tokens.Registry so these
// tests never touch crypto/rsa key generation.
type fakeSigner struct{}

func (fakeSigner) Sign(userID, sessionID, deviceID string) (string, time.Time, error) {
	return "access." + sessionID, time.Now().UTC().Add(15 * time.Minute), nil
}

func newTestStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	refresh := tokens.NewRefreshSigner([]byte("test-refresh-secret-32-bytes-ok"))
	store := New(db, refresh, fakeSigner{}, time.Hour, nil)
	return store, mock
}

func rotateRows(userID, deviceID, familyID, hash string, expiresAt time.Time, revokedAt *time.Time) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{
		"user_id", "device_id", "refresh_token_family_id", "refresh_token_hash", "expires_at", "revoked_at",
	})
	var dev interface{}
	if deviceID != "" {
		dev = deviceID
	}
	var rev interface{}
	if revokedAt != nil {
		rev = *revokedAt
	}
	rows.AddRow(userID, dev, familyID, hash, expiresAt, rev)
	return rows
}

// Case 1: no session row for the presented token's sid.
func TestRotate_SessionAbsent(t *testing.T) {
	store, mock := newTestStore(t)
	refresh := tokens.NewRefreshSigner([]byte("test-refresh-secret-32-bytes-ok"))
	presented := refresh.Mint("sid-missing", "fid-1")

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT user_id, device_id, refresh_token_family_id, refresh_token_hash, expires_at, revoked_at").
		WithArgs("sid-missing").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	_, err := store.Rotate(context.Background(), presented, "1.2.3.4", "ua")
	require.Error(t, err)
	appErr, ok := err.(*apperrors.AppError)
	require.True(t, ok)
	assert.Equal(t, "invalid_refresh_token", appErr.InternalReason)
	require.NoError(t, mock.ExpectationsWereMet())
}

// Case 2: session exists but already revoked.
func TestRotate_AlreadyRevoked(t *testing.T) {
	store, mock := newTestStore(t)
	refresh := tokens.NewRefreshSigner([]byte("test-refresh-secret-32-bytes-ok"))
	presented := refresh.Mint("sid-1", "fid-1")
	revokedAt := time.Now().UTC().Add(-time.Hour)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT user_id, device_id, refresh_token_family_id, refresh_token_hash, expires_at, revoked_at").
		WithArgs("sid-1").
		WillReturnRows(rotateRows("user-1", "dev-1", "fid-1", tokens.Hash(presented), time.Now().UTC().Add(time.Hour), &revokedAt))
	mock.ExpectRollback()

	_, err := store.Rotate(context.Background(), presented, "1.2.3.4", "ua")
	require.Error(t, err)
	appErr := err.(*apperrors.AppError)
	assert.Equal(t, "session_revoked", appErr.InternalReason)
	require.NoError(t, mock.ExpectationsWereMet())
}

// Case 3: session expired — the expiry also gets written back as a revoke.
func TestRotate_Expired(t *testing.T) {
	store, mock := newTestStore(t)
	refresh := tokens.NewRefreshSigner([]byte("test-refresh-secret-32-bytes-ok"))
	presented := refresh.Mint("sid-1", "fid-1")

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT user_id, device_id, refresh_token_family_id, refresh_token_hash, expires_at, revoked_at").
		WithArgs("sid-1").
		WillReturnRows(rotateRows("user-1", "dev-1", "fid-1", tokens.Hash(presented), time.Now().UTC().Add(-time.Minute), nil))
	mock.ExpectExec("UPDATE sessions SET revoked_at = now\\(\\), revoke_reason = \\$1").
		WithArgs("expired", "sid-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	_, err := store.Rotate(context.Background(), presented, "1.2.3.4", "ua")
	require.Error(t, err)
	appErr := err.(*apperrors.AppError)
	assert.Equal(t, "expired", appErr.InternalReason)
	require.NoError(t, mock.ExpectationsWereMet())
}

// Case 4: presented family id doesn't match the stored one — token theft,
// every session on the device gets revoked.
func TestRotate_FamilyMismatch_RevokesDevice(t *testing.T) {
	store, mock := newTestStore(t)
	refresh := tokens.NewRefreshSigner([]byte("test-refresh-secret-32-bytes-ok"))
	presented := refresh.Mint("sid-1", "fid-wrong")

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT user_id, device_id, refresh_token_family_id, refresh_token_hash, expires_at, revoked_at").
		WithArgs("sid-1").
		WillReturnRows(rotateRows("user-1", "dev-1", "fid-correct", "some-other-hash", time.Now().UTC().Add(time.Hour), nil))
	mock.ExpectExec("UPDATE sessions SET revoked_at = now\\(\\), revoke_reason = \\$1\\s+WHERE device_id = \\$2").
		WithArgs("rotation_reuse", "dev-1").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	_, err := store.Rotate(context.Background(), presented, "1.2.3.4", "ua")
	require.Error(t, err)
	appErr := err.(*apperrors.AppError)
	assert.Equal(t, apperrors.KindSecurityEvent, appErr.Kind)
	assert.Equal(t, "family_mismatch", appErr.InternalReason)
	require.NoError(t, mock.ExpectationsWereMet())
}

// Case 5: family matches but the stored hash has already moved on —
// replay of a prior, already-rotated-away refresh token.
func TestRotate_HashMismatch_ReuseDetected(t *testing.T) {
	store, mock := newTestStore(t)
	refresh := tokens.NewRefreshSigner([]byte("test-refresh-secret-32-bytes-ok"))
	presented := refresh.Mint("sid-1", "fid-1")
	currentToken := refresh.Mint("sid-1", "fid-1") // the token that already rotated past presented

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT user_id, device_id, refresh_token_family_id, refresh_token_hash, expires_at, revoked_at").
		WithArgs("sid-1").
		WillReturnRows(rotateRows("user-1", "dev-1", "fid-1", tokens.Hash(currentToken), time.Now().UTC().Add(time.Hour), nil))
	mock.ExpectExec("UPDATE sessions SET revoked_at = now\\(\\), revoke_reason = \\$1\\s+WHERE id = \\$2").
		WithArgs("rotation_reuse", "sid-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	_, err := store.Rotate(context.Background(), presented, "1.2.3.4", "ua")
	require.Error(t, err)
	appErr := err.(*apperrors.AppError)
	assert.Equal(t, apperrors.KindSecurityEvent, appErr.Kind)
	assert.Equal(t, "rotation_reuse", appErr.InternalReason)
	require.NoError(t, mock.ExpectationsWereMet())
}

// Case 6: legitimate rotation — hash and family both match, a fresh
// refresh token is minted and the row updated in place.
func TestRotate_Success(t *testing.T) {
	store, mock := newTestStore(t)
	refresh := tokens.NewRefreshSigner([]byte("test-refresh-secret-32-bytes-ok"))
	presented := refresh.Mint("sid-1", "fid-1")

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT user_id, device_id, refresh_token_family_id, refresh_token_hash, expires_at, revoked_at").
		WithArgs("sid-1").
		WillReturnRows(rotateRows("user-1", "dev-1", "fid-1", tokens.Hash(presented), time.Now().UTC().Add(time.Hour), nil))
	mock.ExpectExec("UPDATE sessions\\s+SET refresh_token_hash = \\$1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	toks, err := store.Rotate(context.Background(), presented, "1.2.3.4", "ua")
	require.NoError(t, err)
	assert.Equal(t, "sid-1", toks.SessionID)
	assert.Equal(t, "fid-1", toks.FamilyID)
	assert.NotEqual(t, presented, toks.RefreshToken)
	require.NoError(t, mock.ExpectationsWereMet())
}

// Two concurrent Rotate calls presenting the same already-rotated-away
// token must not both win: the loser observes the hash the winner just
// wrote and is classified as reuse, not as a second successful rotation.
func TestRotate_ConcurrentReuse_ExactlyOneWinner(t *testing.T) {
	store, mock := newTestStore(t)
	refresh := tokens.NewRefreshSigner([]byte("test-refresh-secret-32-bytes-ok"))
	original := refresh.Mint("sid-1", "fid-1")

	// Winner: row still carries the original hash.
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT user_id, device_id, refresh_token_family_id, refresh_token_hash, expires_at, revoked_at").
		WithArgs("sid-1").
		WillReturnRows(rotateRows("user-1", "dev-1", "fid-1", tokens.Hash(original), time.Now().UTC().Add(time.Hour), nil))
	mock.ExpectExec("UPDATE sessions\\s+SET refresh_token_hash = \\$1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	toks, err := store.Rotate(context.Background(), original, "1.2.3.4", "ua")
	require.NoError(t, err)

	// Loser: replays the same original token after the row lock released
	// and the winner already moved the stored hash forward.
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT user_id, device_id, refresh_token_family_id, refresh_token_hash, expires_at, revoked_at").
		WithArgs("sid-1").
		WillReturnRows(rotateRows("user-1", "dev-1", "fid-1", tokens.Hash(toks.RefreshToken), time.Now().UTC().Add(time.Hour), nil))
	mock.ExpectExec("UPDATE sessions SET revoked_at = now\\(\\), revoke_reason = \\$1\\s+WHERE id = \\$2").
		WithArgs("rotation_reuse", "sid-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	_, err = store.Rotate(context.Background(), original, "1.2.3.4", "ua")
	require.Error(t, err)
	appErr := err.(*apperrors.AppError)
	assert.Equal(t, apperrors.KindSecurityEvent, appErr.Kind)
	assert.Equal(t, "rotation_reuse", appErr.InternalReason)
	require.NoError(t, mock.ExpectationsWereMet())
}
