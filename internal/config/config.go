// Package config provides configuration management.
//
// This package handles loading configuration from environment variables
// (.env file) and updating configuration from the settings database.
// Settings database values take precedence over environment variables
// for fields that can also be managed via the Settings UI.
//
// Configuration Loading Order:
// 1. Load from .env file (if exists)
// 2. Load from environment variables
// 3. Update from settings database (takes precedence, where applicable)
//
// Data Directory Priority (highest to lowest):
// 1. --data-dir CLI flag (if provided)
// 2. SENTINEL_DATA_DIR environment variable
// 3. "./data" relative to the working directory (default)
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"

	"github.com/aristath/sentinel/internal/settings"
)

// BrokerCredential holds one broker's API key/secret pair, read from the
// environment so headless deployments never need the Settings UI to
// authenticate a broker for the first time.
type BrokerCredential struct {
	BrokerID  string
	APIKey    string
	APISecret string
}

// Config holds application configuration.
type Config struct {
	DataDir  string // Base directory for the SQLite databases and vault blob, always absolute
	LogLevel string // debug, info, warn, error
	Port     int    // Admission Gateway HTTP port (default 8001)
	DevMode  bool

	// BrokerCredentials is keyed by broker id (e.g. "refbroker"), loaded
	// from SENTINEL_BROKER_<ID>_API_KEY / _API_SECRET env vars. cmd/server
	// reads them once at startup to build the broker adapters (the
	// refbroker client signs every request with its pair); broker session
	// tokens are kept separately by the Custodian.
	BrokerCredentials map[string]BrokerCredential
}

// Load reads configuration from environment variables. dataDirOverride,
// if non-empty, takes priority over every other data-directory source
// (it is the --data-dir CLI flag).
func Load(dataDirOverride ...string) (*Config, error) {
	_ = godotenv.Load()

	var dataDir string
	if len(dataDirOverride) > 0 && dataDirOverride[0] != "" {
		dataDir = dataDirOverride[0]
	} else {
		dataDir = getEnv("SENTINEL_DATA_DIR", "")
		if dataDir == "" {
			dataDir = "./data"
		}
	}

	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("resolve data directory path: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:           absDataDir,
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		Port:              getEnvAsInt("SENTINEL_PORT", 8001),
		DevMode:           getEnvAsBool("DEV_MODE", false),
		BrokerCredentials: loadBrokerCredentials(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks required configuration. Broker credentials are
// intentionally optional: a fresh install has none until the user
// completes first-run setup through the Identity Manager, and analyzer
// mode needs no broker at all.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	return nil
}

// ApplyWebhookOverride reads the WebhookServerConfig from the settings
// database so the caller can prefer it over the environment-derived
// port. It returns the stored config as is; deciding when it wins
// (cmd/server uses it only when enabled with a positive port) is left to
// the caller.
func ApplyWebhookOverride(settingsRepo *settings.Repository) (settings.WebhookServerConfig, error) {
	s, err := settingsRepo.Get()
	if err != nil {
		return settings.WebhookServerConfig{}, fmt.Errorf("load webhook settings: %w", err)
	}
	return s.Webhook, nil
}

// loadBrokerCredentials scans the environment for SENTINEL_BROKER_<ID>_API_KEY
// / _API_SECRET pairs. The reference broker ships a convenience alias
// (SENTINEL_REFBROKER_API_KEY) so a single-broker deployment doesn't need
// the generic form.
func loadBrokerCredentials() map[string]BrokerCredential {
	creds := make(map[string]BrokerCredential)

	if key, secret := getEnv("SENTINEL_REFBROKER_API_KEY", ""), getEnv("SENTINEL_REFBROKER_API_SECRET", ""); key != "" || secret != "" {
		creds["refbroker"] = BrokerCredential{BrokerID: "refbroker", APIKey: key, APISecret: secret}
	}

	for _, env := range os.Environ() {
		key, value, ok := splitEnv(env)
		if !ok {
			continue
		}
		brokerID, field, ok := parseBrokerEnvKey(key)
		if !ok || value == "" {
			continue
		}
		cred := creds[brokerID]
		cred.BrokerID = brokerID
		switch field {
		case "API_KEY":
			cred.APIKey = value
		case "API_SECRET":
			cred.APISecret = value
		}
		creds[brokerID] = cred
	}

	return creds
}

const brokerEnvPrefix = "SENTINEL_BROKER_"

// parseBrokerEnvKey extracts (brokerID, field) from SENTINEL_BROKER_<ID>_API_KEY
// or SENTINEL_BROKER_<ID>_API_SECRET.
func parseBrokerEnvKey(key string) (brokerID, field string, ok bool) {
	if len(key) <= len(brokerEnvPrefix) || key[:len(brokerEnvPrefix)] != brokerEnvPrefix {
		return "", "", false
	}
	rest := key[len(brokerEnvPrefix):]
	for _, suffix := range []string{"_API_KEY", "_API_SECRET"} {
		if len(rest) > len(suffix) && rest[len(rest)-len(suffix):] == suffix {
			return rest[:len(rest)-len(suffix)], suffix[1:], true
		}
	}
	return "", "", false
}

func splitEnv(env string) (key, value string, ok bool) {
	for i := 0; i < len(env); i++ {
		if env[i] == '=' {
			return env[:i], env[i+1:], true
		}
	}
	return "", "", false
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
