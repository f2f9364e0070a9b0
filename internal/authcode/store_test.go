package authcode

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/aegis-auth/aegis/internal/errors"
)

func newTestStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db, 10*time.Minute), mock
}

func codeRow(redirectURI string, expiresAt time.Time, usedAt *time.Time) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{
		"user_id", "client_id", "redirect_uri", "code_challenge", "code_challenge_method",
		"scopes", "auth_method", "device_id", "platform", "expires_at", "used_at",
	})
	var used interface{}
	if usedAt != nil {
		used = *usedAt
	}
	rows.AddRow("user-1", "client-1", redirectURI, "challenge", "S256", "", "magic", nil, "web", expiresAt, used)
	return rows
}

func TestConsume_Success(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT user_id, client_id, redirect_uri, code_challenge, code_challenge_method").
		WithArgs("code-1").
		WillReturnRows(codeRow("https://app.example.com/cb", time.Now().UTC().Add(time.Minute), nil))
	mock.ExpectExec("UPDATE authorization_codes SET used_at = now\\(\\) WHERE code = \\$1 AND used_at IS NULL").
		WithArgs("code-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	ac, err := store.Consume(context.Background(), "code-1", "https://app.example.com/cb")
	require.NoError(t, err)
	assert.Equal(t, "user-1", ac.UserID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestConsume_AlreadyUsed(t *testing.T) {
	store, mock := newTestStore(t)
	usedAt := time.Now().UTC().Add(-time.Minute)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT user_id, client_id, redirect_uri, code_challenge, code_challenge_method").
		WithArgs("code-1").
		WillReturnRows(codeRow("https://app.example.com/cb", time.Now().UTC().Add(time.Minute), &usedAt))
	mock.ExpectRollback()

	_, err := store.Consume(context.Background(), "code-1", "https://app.example.com/cb")
	require.Error(t, err)
	appErr := err.(*apperrors.AppError)
	assert.Equal(t, apperrors.KindConflict, appErr.Kind)
	assert.Equal(t, "code_already_used", appErr.InternalReason)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestConsume_Expired(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT user_id, client_id, redirect_uri, code_challenge, code_challenge_method").
		WithArgs("code-1").
		WillReturnRows(codeRow("https://app.example.com/cb", time.Now().UTC().Add(-time.Minute), nil))
	mock.ExpectRollback()

	_, err := store.Consume(context.Background(), "code-1", "https://app.example.com/cb")
	require.Error(t, err)
	appErr := err.(*apperrors.AppError)
	assert.Equal(t, "code_expired", appErr.InternalReason)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestConsume_RedirectMismatch(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT user_id, client_id, redirect_uri, code_challenge, code_challenge_method").
		WithArgs("code-1").
		WillReturnRows(codeRow("https://app.example.com/cb", time.Now().UTC().Add(time.Minute), nil))
	mock.ExpectRollback()

	_, err := store.Consume(context.Background(), "code-1", "https://attacker.example.com/cb")
	require.Error(t, err)
	appErr := err.(*apperrors.AppError)
	assert.Equal(t, apperrors.KindValidation, appErr.Kind)
	assert.Equal(t, "redirect_mismatch", appErr.InternalReason)
	require.NoError(t, mock.ExpectationsWereMet())
}

// Of two simultaneous Consume calls for the same code, exactly one must
// observe used_at = NULL and win; the row lock serializes them so the
// second always observes the first's write.
func TestConsume_ConcurrentConsumption_ExactlyOneWinner(t *testing.T) {
	store, mock := newTestStore(t)
	expiresAt := time.Now().UTC().Add(time.Minute)

	// First transaction wins: row still unused.
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT user_id, client_id, redirect_uri, code_challenge, code_challenge_method").
		WithArgs("code-1").
		WillReturnRows(codeRow("https://app.example.com/cb", expiresAt, nil))
	mock.ExpectExec("UPDATE authorization_codes SET used_at = now\\(\\) WHERE code = \\$1 AND used_at IS NULL").
		WithArgs("code-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	_, err := store.Consume(context.Background(), "code-1", "https://app.example.com/cb")
	require.NoError(t, err)

	// Second transaction, racing the first, only gets the row lock once
	// the first has committed and marked it used.
	usedAt := time.Now().UTC()
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT user_id, client_id, redirect_uri, code_challenge, code_challenge_method").
		WithArgs("code-1").
		WillReturnRows(codeRow("https://app.example.com/cb", expiresAt, &usedAt))
	mock.ExpectRollback()

	_, err = store.Consume(context.Background(), "code-1", "https://app.example.com/cb")
	require.Error(t, err)
	appErr := err.(*apperrors.AppError)
	assert.Equal(t, "code_already_used", appErr.InternalReason)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIssue_PersistsCode(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectExec("INSERT INTO authorization_codes").
		WillReturnResult(sqlmock.NewResult(1, 1))

	ac, err := store.Issue(context.Background(), IssueParams{
		UserID:              "user-1",
		ClientID:            "client-1",
		RedirectURI:         "https://app.example.com/cb",
		CodeChallenge:       "challenge",
		CodeChallengeMethod: "S256",
		AuthMethod:          "magic",
		Platform:            "web",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, ac.Code)
	assert.Equal(t, "user-1", ac.UserID)
	require.NoError(t, mock.ExpectationsWereMet())
}
