// Package custodian implements the Broker-Session Custodian: the
// single-active-broker model that stores and retrieves encrypted auth and
// feed tokens with independent nonces, and owns the in-memory "active
// session" slot.
package custodian

import (
	"database/sql"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/sentinel/internal/apperr"
	"github.com/aristath/sentinel/internal/database"
	"github.com/aristath/sentinel/internal/vault"
)

// Session is the decrypted view of the single active BrokerSession row.
type Session struct {
	BrokerID        string
	AuthToken       string
	FeedToken       string // empty if the broker session carries no feed token
	UserID          int64
	AuthenticatedAt time.Time
}

// Custodian serializes reads and writes of the single active broker
// session behind a mutex, matching the exclusive-lock read-modify-write
// cycle the concurrency model requires.
type Custodian struct {
	mu    sync.Mutex
	db    *database.DB
	vault *vault.Vault
	log   zerolog.Logger
}

// New constructs a Custodian over db's primary connection.
func New(db *database.DB, v *vault.Vault, log zerolog.Logger) *Custodian {
	return &Custodian{db: db, vault: v, log: log.With().Str("component", "custodian").Logger()}
}

// SaveSession encrypts authToken (and feedToken, if present) under
// independently drawn nonces and upserts the single session row for
// userID. The two nonces are never shared, per the nonce-reuse invariant.
func (c *Custodian) SaveSession(userID int64, brokerID, authToken, feedToken string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	authCiphertext, authNonce, err := c.vault.Encrypt([]byte(authToken))
	if err != nil {
		return err
	}

	var feedCiphertext, feedNonce []byte
	if feedToken != "" {
		feedCiphertext, feedNonce, err = c.vault.Encrypt([]byte(feedToken))
		if err != nil {
			return err
		}
	}

	_, err = c.db.Conn().Exec(`
		INSERT INTO broker_sessions (id, broker_id, auth_token, auth_token_nonce, feed_token, feed_token_nonce, user_id, authenticated_at)
		VALUES (1, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			broker_id = excluded.broker_id,
			auth_token = excluded.auth_token,
			auth_token_nonce = excluded.auth_token_nonce,
			feed_token = excluded.feed_token,
			feed_token_nonce = excluded.feed_token_nonce,
			user_id = excluded.user_id,
			authenticated_at = excluded.authenticated_at
	`, brokerID, authCiphertext, authNonce, nullableBytes(feedCiphertext), nullableBytes(feedNonce), userID)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "save broker session", err)
	}
	return nil
}

// LoadActiveSession decrypts and returns the single active session row,
// or (nil, nil) if none exists. A tampered ciphertext clears the row and
// returns SessionCorrupted (AuthTagMismatch), never partial plaintext.
func (c *Custodian) LoadActiveSession() (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var brokerID string
	var authCiphertext, authNonce []byte
	var feedTokenBytes, feedNonceBytes []byte
	var userID int64
	var authenticatedAt time.Time

	row := c.db.Conn().QueryRow(`
		SELECT broker_id, auth_token, auth_token_nonce, feed_token, feed_token_nonce, user_id, authenticated_at
		FROM broker_sessions WHERE id = 1
	`)
	err := row.Scan(&brokerID, &authCiphertext, &authNonce, &feedTokenBytes, &feedNonceBytes, &userID, &authenticatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "load broker session", err)
	}

	authToken, err := c.vault.Decrypt(authCiphertext, authNonce)
	if err != nil {
		c.clearLocked()
		return nil, apperr.Wrap(apperr.AuthTagMismatch, "broker session corrupted", err)
	}

	var feedToken string
	if feedTokenBytes != nil {
		feedToken, err = func() (string, error) {
			pt, err := c.vault.Decrypt(feedTokenBytes, feedNonceBytes)
			if err != nil {
				return "", err
			}
			return string(pt), nil
		}()
		if err != nil {
			c.clearLocked()
			return nil, apperr.Wrap(apperr.AuthTagMismatch, "broker session corrupted", err)
		}
	}

	return &Session{
		BrokerID:        brokerID,
		AuthToken:       string(authToken),
		FeedToken:       feedToken,
		UserID:          userID,
		AuthenticatedAt: authenticatedAt,
	}, nil
}

// Revoke deletes the active session row. Idempotent: revoking an already
// empty slot is not an error.
func (c *Custodian) Revoke() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clearLocked()
}

func (c *Custodian) clearLocked() error {
	if _, err := c.db.Conn().Exec("DELETE FROM broker_sessions WHERE id = 1"); err != nil {
		return apperr.Wrap(apperr.Internal, "clear broker session", err)
	}
	return nil
}

func nullableBytes(b []byte) interface{} {
	if b == nil {
		return nil
	}
	return b
}
