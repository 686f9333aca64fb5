package custodian

import (
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/sentinel/internal/apperr"
	"github.com/aristath/sentinel/internal/database"
	"github.com/aristath/sentinel/internal/vault"
)

func testCustodian(t *testing.T) (*Custodian, int64) {
	t.Helper()
	dir := t.TempDir()
	db, err := database.New(database.Config{Path: filepath.Join(dir, "sentinel.db"), Name: "primary"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate())

	res, err := db.Conn().Exec("INSERT INTO local_users (username, password_hash) VALUES (?, ?)", "alice", "hash")
	require.NoError(t, err)
	userID, err := res.LastInsertId()
	require.NoError(t, err)

	v, err := vault.Open(dir, zerolog.Nop())
	require.NoError(t, err)

	return New(db, v, zerolog.Nop()), userID
}

func TestSaveAndLoadActiveSession_RoundTrip(t *testing.T) {
	c, userID := testCustodian(t)

	require.NoError(t, c.SaveSession(userID, "fyers", "TOKEN_A", "FEED_B"))

	session, err := c.LoadActiveSession()
	require.NoError(t, err)
	require.NotNil(t, session)
	assert.Equal(t, "fyers", session.BrokerID)
	assert.Equal(t, "TOKEN_A", session.AuthToken)
	assert.Equal(t, "FEED_B", session.FeedToken)
}

func TestLoadActiveSession_NoneReturnsNil(t *testing.T) {
	c, _ := testCustodian(t)

	session, err := c.LoadActiveSession()
	require.NoError(t, err)
	assert.Nil(t, session)
}

func TestRevoke_IsIdempotent(t *testing.T) {
	c, userID := testCustodian(t)
	require.NoError(t, c.SaveSession(userID, "fyers", "TOKEN_A", ""))

	require.NoError(t, c.Revoke())
	require.NoError(t, c.Revoke())

	session, err := c.LoadActiveSession()
	require.NoError(t, err)
	assert.Nil(t, session)
}

func TestLoadActiveSession_CorruptedAuthTokenClearsRowAndFails(t *testing.T) {
	c, userID := testCustodian(t)
	require.NoError(t, c.SaveSession(userID, "fyers", "TOKEN_A", ""))

	_, err := c.db.Conn().Exec(`
		UPDATE broker_sessions SET auth_token = auth_token || X'00' WHERE id = 1
	`)
	require.NoError(t, err)

	_, err = c.LoadActiveSession()
	require.Error(t, err)
	assert.Equal(t, apperr.AuthTagMismatch, apperr.KindOf(err))

	session, err := c.LoadActiveSession()
	require.NoError(t, err)
	assert.Nil(t, session, "corrupted row must be cleared")
}

func TestSaveSession_IndependentNoncesPerField(t *testing.T) {
	c, userID := testCustodian(t)
	require.NoError(t, c.SaveSession(userID, "fyers", "TOKEN_A", "FEED_B"))

	var authNonce, feedNonce []byte
	err := c.db.Conn().QueryRow(
		"SELECT auth_token_nonce, feed_token_nonce FROM broker_sessions WHERE id = 1",
	).Scan(&authNonce, &feedNonce)
	require.NoError(t, err)
	assert.NotEqual(t, authNonce, feedNonce)
}
