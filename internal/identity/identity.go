// Package identity implements the Identity Manager: the local-operator
// setup/login/logout state machine and its rate limiter. There is at most
// one LocalUser; the in-memory session is never persisted across process
// restarts.
package identity

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/sentinel/internal/apperr"
	"github.com/aristath/sentinel/internal/database"
	"github.com/aristath/sentinel/internal/events"
	"github.com/aristath/sentinel/internal/vault"
	"github.com/aristath/sentinel/internal/work"
)

// hashPool bounds concurrent Argon2id hashing across every Manager so a
// burst of login attempts can't starve the rest of the process of CPU.
var hashPool = work.New(0)

// State is one of the three identity lifecycle states.
type State string

const (
	NotInitialized State = "not_initialized"
	Idle           State = "idle"
	Authenticated  State = "authenticated"
)

const (
	loginMaxAttempts = 5
	loginWindow      = 60 * time.Second
)

// Manager owns the in-process session slot and rate limiter. It is safe
// for concurrent use.
type Manager struct {
	mu  sync.Mutex
	db  *database.DB
	v   *vault.Vault
	bus *events.Bus
	log zerolog.Logger

	userID int64
	state  State

	attempts map[string][]time.Time // username -> recent attempt timestamps
}

// New constructs a Manager. State is derived from whether a LocalUser row
// exists: NotInitialized if absent, Idle if present (a restart never
// resumes Authenticated).
func New(db *database.DB, v *vault.Vault, bus *events.Bus, log zerolog.Logger) (*Manager, error) {
	m := &Manager{
		db:       db,
		v:        v,
		bus:      bus,
		log:      log.With().Str("component", "identity").Logger(),
		attempts: make(map[string][]time.Time),
	}

	var count int
	if err := db.Conn().QueryRow("SELECT COUNT(*) FROM local_users").Scan(&count); err != nil {
		return nil, apperr.Wrap(apperr.Internal, "count local users", err)
	}
	if count == 0 {
		m.state = NotInitialized
	} else {
		m.state = Idle
	}
	return m, nil
}

// Setup creates the single LocalUser. Fails with AlreadyInitialized if one
// already exists.
func (m *Manager) Setup(username, password string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != NotInitialized {
		return apperr.New(apperr.Internal, "AlreadyInitialized")
	}

	hash, err := work.Submit(context.Background(), hashPool, func() (string, error) {
		return m.v.HashPassword(password)
	})
	if err != nil {
		return err
	}

	if _, err := m.db.Conn().Exec(
		"INSERT INTO local_users (username, password_hash) VALUES (?, ?)", username, hash,
	); err != nil {
		return apperr.Wrap(apperr.Internal, "persist local user", err)
	}

	m.transition(Idle)
	return nil
}

// Login verifies the password and, on success, transitions to
// Authenticated. Rate-limited to loginMaxAttempts per loginWindow per
// username; once exceeded, returns RateLimited with a retry-after.
func (m *Manager) Login(username, password string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == NotInitialized {
		return apperr.New(apperr.NotAuthenticated, "no local user configured")
	}

	if retryAfter, limited := m.checkRateLimitLocked(username); limited {
		return apperr.New(apperr.RateLimited, "too many login attempts, retry after "+retryAfter.String())
	}

	var userID int64
	var storedUsername, passwordHash string
	err := m.db.Conn().QueryRow(
		"SELECT id, username, password_hash FROM local_users LIMIT 1",
	).Scan(&userID, &storedUsername, &passwordHash)
	if err == sql.ErrNoRows {
		return apperr.New(apperr.NotAuthenticated, "no local user configured")
	}
	if err != nil {
		return apperr.Wrap(apperr.Internal, "load local user", err)
	}

	ok := false
	if storedUsername == username {
		ok, err = work.Submit(context.Background(), hashPool, func() (bool, error) {
			return m.v.VerifyPassword(password, passwordHash)
		})
		if err != nil {
			return err
		}
	}

	if !ok {
		m.recordAttemptLocked(username)
		return apperr.New(apperr.NotAuthenticated, "invalid username or password")
	}

	m.userID = userID
	m.transition(Authenticated)
	delete(m.attempts, username)
	return nil
}

// GenerateAPIKey mints a new random API key for the single LocalUser,
// stores only its peppered hash (the same primitive Setup uses for
// passwords), and returns the plaintext key once. A prior key, if any,
// stops validating immediately.
func (m *Manager) GenerateAPIKey() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == NotInitialized {
		return "", apperr.New(apperr.NotAuthenticated, "no local user configured")
	}

	key := uuid.NewString() + uuid.NewString()
	hash, err := work.Submit(context.Background(), hashPool, func() (string, error) {
		return m.v.HashPassword(key)
	})
	if err != nil {
		return "", err
	}

	if _, err := m.db.Conn().Exec("UPDATE local_users SET api_key_hash = ?", hash); err != nil {
		return "", apperr.Wrap(apperr.Internal, "persist api key hash", err)
	}
	return key, nil
}

// VerifyAPIKey reports whether key matches the stored, peppered-hashed
// API key for the local user. A not-yet-initialized system or a user
// that has never generated a key never verifies.
func (m *Manager) VerifyAPIKey(key string) (bool, error) {
	var hash string
	err := m.db.Conn().QueryRow("SELECT api_key_hash FROM local_users LIMIT 1").Scan(&hash)
	if err == sql.ErrNoRows || hash == "" {
		return false, nil
	}
	if err != nil {
		return false, apperr.Wrap(apperr.Internal, "load api key hash", err)
	}
	return work.Submit(context.Background(), hashPool, func() (bool, error) {
		return m.v.VerifyPassword(key, hash)
	})
}

// Logout transitions back to Idle. Idempotent.
func (m *Manager) Logout() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.userID = 0
	m.transition(Idle)
}

// CheckSession returns the current state without side effects.
func (m *Manager) CheckSession() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// UserID returns the authenticated user's id, or 0 if not authenticated.
func (m *Manager) UserID() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.userID
}

func (m *Manager) transition(next State) {
	old := m.state
	m.state = next
	if old != next && m.bus != nil {
		m.bus.Publish(&events.IdentityStateChangedData{OldState: string(old), NewState: string(next)})
	}
}

func (m *Manager) checkRateLimitLocked(username string) (time.Duration, bool) {
	now := time.Now()
	cutoff := now.Add(-loginWindow)
	recent := m.attempts[username][:0]
	for _, t := range m.attempts[username] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	m.attempts[username] = recent

	if len(recent) >= loginMaxAttempts {
		oldest := recent[0]
		return loginWindow - now.Sub(oldest), true
	}
	return 0, false
}

func (m *Manager) recordAttemptLocked(username string) {
	m.attempts[username] = append(m.attempts[username], time.Now())
}
