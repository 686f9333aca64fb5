// Package settings persists the single Settings row: UI preferences, the
// default broker, and the two compound configurations (AutoLogoutConfig,
// WebhookServerConfig) every other component reads at startup or on
// reconfiguration.
package settings

import (
	"strconv"
	"strings"

	"github.com/aristath/sentinel/internal/apperr"
	"github.com/aristath/sentinel/internal/database"
	"github.com/aristath/sentinel/internal/utils"
	"github.com/aristath/sentinel/internal/vault"
)

// AutoLogoutConfig drives the Auto-Logout Scheduler.
type AutoLogoutConfig struct {
	Enabled  bool
	Hour     int
	Minute   int
	Warnings []int // lead times in minutes, e.g. [30, 15, 5, 1]
}

// WebhookServerConfig drives whether and where the Admission Gateway binds.
type WebhookServerConfig struct {
	Enabled      bool
	Host         string
	Port         int
	PublicURL    string
	HMACSecret   []byte // encrypted at rest; decrypted value only in memory
	HasHMACSecret bool
}

// Settings is the single settings row.
type Settings struct {
	DefaultBroker string
	AutoLogout    AutoLogoutConfig
	Webhook       WebhookServerConfig
}

// Repository reads and writes the single settings row.
type Repository struct {
	db    *database.DB
	vault *vault.Vault
}

// NewRepository wraps db and v for settings access. v decrypts the
// webhook HMAC secret, the only settings field stored at rest
// encrypted.
func NewRepository(db *database.DB, v *vault.Vault) *Repository {
	return &Repository{db: db, vault: v}
}

// Get loads the current settings row. The row always exists after
// migration 0001 seeds it. A tampered HMAC secret ciphertext is
// reported as AuthTagMismatch rather than silently dropped, matching
// how the custodian treats a corrupted broker session.
func (r *Repository) Get() (*Settings, error) {
	var defaultBroker *string
	var autoEnabled, autoHour, autoMinute int
	var warningsCSV string
	var webhookEnabled, webhookPort int
	var webhookHost string
	var webhookPublicURL *string
	var hmacSecret, hmacNonce []byte

	err := r.db.Conn().QueryRow(`
		SELECT default_broker, auto_logout_enabled, auto_logout_hour, auto_logout_minute,
		       auto_logout_warnings_csv, webhook_enabled, webhook_host, webhook_port, webhook_public_url,
		       webhook_hmac_secret, webhook_hmac_secret_nonce
		FROM settings WHERE id = 1
	`).Scan(&defaultBroker, &autoEnabled, &autoHour, &autoMinute, &warningsCSV,
		&webhookEnabled, &webhookHost, &webhookPort, &webhookPublicURL, &hmacSecret, &hmacNonce)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "load settings", err)
	}

	s := &Settings{
		AutoLogout: AutoLogoutConfig{
			Enabled:  autoEnabled != 0,
			Hour:     autoHour,
			Minute:   autoMinute,
			Warnings: parseWarnings(warningsCSV),
		},
		Webhook: WebhookServerConfig{
			Enabled: webhookEnabled != 0,
			Host:    webhookHost,
			Port:    webhookPort,
		},
	}
	if defaultBroker != nil {
		s.DefaultBroker = *defaultBroker
	}
	if webhookPublicURL != nil {
		s.Webhook.PublicURL = *webhookPublicURL
	}
	if hmacSecret != nil {
		plaintext, err := r.vault.Decrypt(hmacSecret, hmacNonce)
		if err != nil {
			return nil, apperr.Wrap(apperr.AuthTagMismatch, "webhook hmac secret corrupted", err)
		}
		s.Webhook.HMACSecret = plaintext
		s.Webhook.HasHMACSecret = true
	}
	return s, nil
}

// UpdateWebhookHMACSecret encrypts secret under a freshly drawn nonce and
// stores it, or clears both columns when secret is empty.
func (r *Repository) UpdateWebhookHMACSecret(secret []byte) error {
	if len(secret) == 0 {
		_, err := r.db.Conn().Exec("UPDATE settings SET webhook_hmac_secret = NULL, webhook_hmac_secret_nonce = NULL WHERE id = 1")
		if err != nil {
			return apperr.Wrap(apperr.Internal, "clear webhook hmac secret", err)
		}
		return nil
	}

	ciphertext, nonce, err := r.vault.Encrypt(secret)
	if err != nil {
		return err
	}
	_, err = r.db.Conn().Exec(
		"UPDATE settings SET webhook_hmac_secret = ?, webhook_hmac_secret_nonce = ? WHERE id = 1",
		ciphertext, nonce,
	)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "update webhook hmac secret", err)
	}
	return nil
}

// UpdateAutoLogout overwrites the AutoLogoutConfig fields.
func (r *Repository) UpdateAutoLogout(cfg AutoLogoutConfig) error {
	_, err := r.db.Conn().Exec(`
		UPDATE settings SET auto_logout_enabled = ?, auto_logout_hour = ?, auto_logout_minute = ?,
		       auto_logout_warnings_csv = ? WHERE id = 1
	`, boolToInt(cfg.Enabled), cfg.Hour, cfg.Minute, formatWarnings(cfg.Warnings))
	if err != nil {
		return apperr.Wrap(apperr.Internal, "update auto-logout config", err)
	}
	return nil
}

// UpdateDefaultBroker sets the default broker id.
func (r *Repository) UpdateDefaultBroker(brokerID string) error {
	_, err := r.db.Conn().Exec("UPDATE settings SET default_broker = ? WHERE id = 1", brokerID)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "update default broker", err)
	}
	return nil
}

func parseWarnings(csv string) []int {
	parts := utils.ParseCSV(csv)
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		if v, err := strconv.Atoi(p); err == nil {
			out = append(out, v)
		}
	}
	return out
}

func formatWarnings(warnings []int) string {
	parts := make([]string, len(warnings))
	for i, w := range warnings {
		parts[i] = strconv.Itoa(w)
	}
	return strings.Join(parts, ",")
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
