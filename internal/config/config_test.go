package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()

	for _, key := range []string{
		"CPAPDASH_LISTEN_ADDR",
		"CPAPDASH_STATE_PATH",
		"CPAPDASH_IMPORT_DIR",
		"TRACKER_CLIENT_ID",
		"TRACKER_PROVIDER",
		"TRACKER_REDIRECT_URL",
		"TRACKER_SCOPES",
		"CPAPDASH_PROVIDERS_FILE",
		"ENVIRONMENT",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("TRACKER_CLIENT_ID", "client-123")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:8675", cfg.ListenAddr)
	assert.Equal(t, "client-123", cfg.TrackerClientID)
	assert.Equal(t, "fitbit", cfg.TrackerProvider)
	assert.Equal(t, "http://127.0.0.1:8675/oauth/callback", cfg.TrackerRedirectURL)
	assert.Equal(t, "development", cfg.Environment)
	assert.False(t, cfg.IsProduction())

	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".cpapdash", "state.db"), cfg.StatePath)
	assert.Equal(t, filepath.Join(home, ".cpapdash", "imports"), cfg.ImportDir)
}

func TestLoad_RequiresClientID(t *testing.T) {
	clearEnv(t)

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TRACKER_CLIENT_ID")
}

func TestLoad_Overrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("TRACKER_CLIENT_ID", "client-123")
	t.Setenv("CPAPDASH_LISTEN_ADDR", "127.0.0.1:9000")
	t.Setenv("TRACKER_REDIRECT_URL", "http://localhost:9000/cb")
	t.Setenv("CPAPDASH_STATE_PATH", "/tmp/custom/state.db")
	t.Setenv("ENVIRONMENT", "production")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.ListenAddr)
	assert.Equal(t, "http://localhost:9000/cb", cfg.TrackerRedirectURL)
	assert.Equal(t, "/tmp/custom/state.db", cfg.StatePath)
	assert.True(t, cfg.IsProduction())
}

func TestScopes_SplitsOnWhitespace(t *testing.T) {
	cfg := &Config{TrackerScopes: "heartrate sleep  profile"}
	assert.Equal(t, []string{"heartrate", "sleep", "profile"}, cfg.Scopes())
}

func TestScopes_DefaultSet(t *testing.T) {
	clearEnv(t)
	t.Setenv("TRACKER_CLIENT_ID", "client-123")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"heartrate", "sleep", "oxygen_saturation", "profile"}, cfg.Scopes())
}

// --- ResolveProvider tests ---

func TestResolveProvider_BuiltinFitbit(t *testing.T) {
	cfg := &Config{TrackerProvider: "fitbit"}

	p, err := cfg.ResolveProvider()
	require.NoError(t, err)
	assert.Equal(t, "https://www.fitbit.com/oauth2/authorize", p.AuthURL)
	assert.Equal(t, "https://api.fitbit.com/oauth2/token", p.TokenURL)
	assert.NotEmpty(t, p.ProfileURL)
	assert.NotEmpty(t, p.RevokeURL)
}

func TestResolveProvider_Unknown(t *testing.T) {
	cfg := &Config{TrackerProvider: "garmin"}

	_, err := cfg.ResolveProvider()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "garmin")
}

func TestResolveProvider_FileOverlay(t *testing.T) {
	file := filepath.Join(t.TempDir(), "providers.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
oura:
  auth_url: https://cloud.ouraring.com/oauth/authorize
  token_url: https://api.ouraring.com/oauth/token
  profile_url: https://api.ouraring.com/v2/usercollection/personal_info
fitbit:
  auth_url: https://sandbox.fitbit.example/authorize
  token_url: https://sandbox.fitbit.example/token
`), 0o600))

	cfg := &Config{TrackerProvider: "oura", ProvidersFile: file}
	p, err := cfg.ResolveProvider()
	require.NoError(t, err)
	assert.Equal(t, "https://cloud.ouraring.com/oauth/authorize", p.AuthURL)

	// The file also overrides built-in presets.
	cfg.TrackerProvider = "fitbit"
	p, err = cfg.ResolveProvider()
	require.NoError(t, err)
	assert.Equal(t, "https://sandbox.fitbit.example/authorize", p.AuthURL)
}

func TestResolveProvider_IncompletePreset(t *testing.T) {
	file := filepath.Join(t.TempDir(), "providers.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
broken:
  auth_url: https://example.com/authorize
`), 0o600))

	cfg := &Config{TrackerProvider: "broken", ProvidersFile: file}
	_, err := cfg.ResolveProvider()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "token_url")
}

func TestResolveProvider_MissingFile(t *testing.T) {
	cfg := &Config{TrackerProvider: "fitbit", ProvidersFile: "/nonexistent/providers.yaml"}

	_, err := cfg.ResolveProvider()
	assert.Error(t, err)
}
