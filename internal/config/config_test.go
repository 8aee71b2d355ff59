package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T, names ...string) {
	t.Helper()
	for _, n := range names {
		old, had := os.LookupEnv(n)
		require.NoError(t, os.Unsetenv(n))
		t.Cleanup(func() {
			if had {
				os.Setenv(n, old)
			}
		})
	}
}

func TestLoadAppliesDocumentedDefaults(t *testing.T) {
	clearEnv(t, "PORT", "WS_PORT", "STREAMING_MODE", "API_KEYS", "ADMIN_PASSWORD")
	cfg := Load()
	require.Equal(t, DefaultHTTPPort, cfg.HTTPPort)
	require.Equal(t, DefaultWSPort, cfg.WSPort)
	require.Equal(t, DefaultStreamingMode, cfg.StreamingMode)
	require.Equal(t, []string{DefaultAPIKey}, cfg.APIKeys)
	require.Equal(t, DefaultAPIKey, cfg.AdminPassword)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	clearEnv(t, "PORT", "API_KEYS", "ADMIN_PASSWORD", "RESUME_LIMIT")
	require.NoError(t, os.Setenv("PORT", "9000"))
	require.NoError(t, os.Setenv("API_KEYS", "a,b,c"))
	require.NoError(t, os.Setenv("ADMIN_PASSWORD", "topsecret"))
	require.NoError(t, os.Setenv("RESUME_LIMIT", "5"))

	cfg := Load()
	require.Equal(t, 9000, cfg.HTTPPort)
	require.Equal(t, []string{"a", "b", "c"}, cfg.APIKeys)
	require.Equal(t, "topsecret", cfg.AdminPassword)
	require.Equal(t, 5, cfg.ResumeLimit)
	require.True(t, cfg.EnableResume)
}

func TestLoadFileAppliesYAMLThenEnv(t *testing.T) {
	clearEnv(t, "PORT", "API_KEYS")
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("httpPort: 8123\napiKeys:\n  - file-key\n"), 0o600))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	require.Equal(t, 8123, cfg.HTTPPort)
	require.Equal(t, []string{"file-key"}, cfg.APIKeys)

	require.NoError(t, os.Setenv("PORT", "9999"))
	t.Cleanup(func() { os.Unsetenv("PORT") })
	cfg, err = LoadFile(path)
	require.NoError(t, err)
	require.Equal(t, 9999, cfg.HTTPPort, "environment must win over the YAML file")
}

func TestLoadFileMissingPathFallsBackToDefaults(t *testing.T) {
	clearEnv(t, "PORT")
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	require.Equal(t, DefaultHTTPPort, cfg.HTTPPort)
}
