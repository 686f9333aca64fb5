package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DataDirOverrideTakesPriority(t *testing.T) {
	dir := t.TempDir()
	override := filepath.Join(dir, "override")

	cfg, err := Load(override)
	require.NoError(t, err)
	assert.Equal(t, override, cfg.DataDir)
}

func TestLoad_DataDirFallsBackToEnvVar(t *testing.T) {
	dir := t.TempDir()
	envDir := filepath.Join(dir, "from-env")
	t.Setenv("SENTINEL_DATA_DIR", envDir)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, envDir, cfg.DataDir)
}

func TestLoad_PortDefaultsTo8001(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 8001, cfg.Port)
}

func TestLoad_InvalidPortEnvFailsValidation(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("SENTINEL_PORT", "99999")

	_, err := Load(dir)
	assert.Error(t, err)
}

func TestLoadBrokerCredentials_ReadsGenericBrokerPrefix(t *testing.T) {
	t.Setenv("SENTINEL_BROKER_ACME_API_KEY", "acme-key")
	t.Setenv("SENTINEL_BROKER_ACME_API_SECRET", "acme-secret")

	creds := loadBrokerCredentials()
	require.Contains(t, creds, "ACME")
	assert.Equal(t, "acme-key", creds["ACME"].APIKey)
	assert.Equal(t, "acme-secret", creds["ACME"].APISecret)
}

func TestLoadBrokerCredentials_RefbrokerAlias(t *testing.T) {
	t.Setenv("SENTINEL_REFBROKER_API_KEY", "rb-key")
	t.Setenv("SENTINEL_REFBROKER_API_SECRET", "rb-secret")

	creds := loadBrokerCredentials()
	require.Contains(t, creds, "refbroker")
	assert.Equal(t, "rb-key", creds["refbroker"].APIKey)
}

func TestParseBrokerEnvKey_RoundTrips(t *testing.T) {
	brokerID, field, ok := parseBrokerEnvKey("SENTINEL_BROKER_ZERODHA_API_KEY")
	require.True(t, ok)
	assert.Equal(t, "ZERODHA", brokerID)
	assert.Equal(t, "API_KEY", field)

	_, _, ok = parseBrokerEnvKey("UNRELATED_VAR")
	assert.False(t, ok)
}
