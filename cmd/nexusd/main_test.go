package main

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// validHexKey64 is 64 hex characters (32 bytes), the size vault.ParseMasterKey requires.
const validHexKey64 = "0101010101010101010101010101010101010101010101010101010101010101"

func clearNexusEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"NEXUS_SESSION_SECRET",
		"NEXUS_MASTER_KEY",
		"NEXUS_WEBAUTHN_RP_ID",
		"NEXUS_WEBAUTHN_RP_ORIGIN",
		"NEXUS_ALLOWED_ORIGINS",
	} {
		t.Setenv(k, "")
	}
}

func TestLoadConfigReportsAllMissingVariablesAtOnce(t *testing.T) {
	clearNexusEnv(t)

	_, err := loadConfig()
	require.Error(t, err)
	for _, name := range []string{"NEXUS_SESSION_SECRET", "NEXUS_MASTER_KEY", "NEXUS_WEBAUTHN_RP_ID", "NEXUS_WEBAUTHN_RP_ORIGIN"} {
		assert.Contains(t, err.Error(), name, "a fail-fast config error should name every missing variable, not just the first")
	}
}

func TestLoadConfigReportsOnlyTheVariablesActuallyMissing(t *testing.T) {
	clearNexusEnv(t)
	t.Setenv("NEXUS_SESSION_SECRET", "s3cr3t")
	t.Setenv("NEXUS_WEBAUTHN_RP_ID", "localhost")
	t.Setenv("NEXUS_WEBAUTHN_RP_ORIGIN", "https://localhost")

	_, err := loadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NEXUS_MASTER_KEY")
	assert.NotContains(t, err.Error(), "NEXUS_SESSION_SECRET")
}

func TestLoadConfigSucceedsAndSplitsAllowedOrigins(t *testing.T) {
	clearNexusEnv(t)
	t.Setenv("NEXUS_SESSION_SECRET", "s3cr3t")
	t.Setenv("NEXUS_MASTER_KEY", validHexKey64)
	t.Setenv("NEXUS_WEBAUTHN_RP_ID", "localhost")
	t.Setenv("NEXUS_WEBAUTHN_RP_ORIGIN", "https://localhost")
	t.Setenv("NEXUS_ALLOWED_ORIGINS", "https://a.example,https://b.example")

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.allowedOrigins)
}

func TestLoadConfigAllowedOriginsEmptyWhenUnset(t *testing.T) {
	clearNexusEnv(t)
	t.Setenv("NEXUS_SESSION_SECRET", "s3cr3t")
	t.Setenv("NEXUS_MASTER_KEY", validHexKey64)
	t.Setenv("NEXUS_WEBAUTHN_RP_ID", "localhost")
	t.Setenv("NEXUS_WEBAUTHN_RP_ORIGIN", "https://localhost")

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Empty(t, cfg.allowedOrigins)
}

func TestBuildServerWiresEveryCollaborator(t *testing.T) {
	cfg := &config{
		sessionSecret:    "s3cr3t",
		masterKey:        validHexKey64,
		webauthnRPID:     "localhost",
		webauthnRPOrigin: "https://localhost",
	}

	srv, err := buildServer(cfg)
	require.NoError(t, err)
	assert.NotNil(t, srv.Auth)
	assert.NotNil(t, srv.Passkeys)
	assert.NotNil(t, srv.Vault)
	assert.NotNil(t, srv.Dialer)
	assert.NotNil(t, srv.Batch)
	assert.NotNil(t, srv.Transfer)
	assert.NotNil(t, srv.Bus)
}

func TestBuildServerFailsOnMalformedMasterKey(t *testing.T) {
	cfg := &config{
		sessionSecret:    "s3cr3t",
		masterKey:        "not-a-valid-key",
		webauthnRPID:     "localhost",
		webauthnRPOrigin: "https://localhost",
	}

	_, err := buildServer(cfg)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "master key") || strings.Contains(err.Error(), "decode"))
}

func TestBuildServerFailsOnInvalidWebauthnOrigin(t *testing.T) {
	cfg := &config{
		sessionSecret:    "s3cr3t",
		masterKey:        validHexKey64,
		webauthnRPID:     "localhost",
		webauthnRPOrigin: "not a url at all",
	}

	_, err := buildServer(cfg)
	assert.Error(t, err)
}
