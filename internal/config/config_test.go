package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "https://gitlab.com", cfg.InstanceURL)
	assert.Equal(t, 7171, cfg.CallbackPort)
	assert.Equal(t, "auto", cfg.Format)
	assert.Equal(t, 60, cfg.LoginTimeoutSeconds)
	assert.Contains(t, cfg.DataDir, "glw")
	assert.NotNil(t, cfg.Sources)
}

func writeConfig(t *testing.T, values map[string]any) string {
	t.Helper()
	configPath := filepath.Join(t.TempDir(), "config.json")
	data, err := json.Marshal(values)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(configPath, data, 0o644))
	return configPath
}

func TestLoadFromFile(t *testing.T) {
	configPath := writeConfig(t, map[string]any{
		"instance_url":          "https://gitlab.example.io",
		"client_id":             "custom-client",
		"callback_port":         9999,
		"data_dir":              "/srv/glw",
		"scopes":                []string{"api"},
		"format":                "json",
		"login_timeout_seconds": 120,
	})

	cfg := Default()
	loadFromFile(cfg, configPath, SourceGlobal)

	assert.Equal(t, "https://gitlab.example.io", cfg.InstanceURL)
	assert.Equal(t, "custom-client", cfg.ClientID)
	assert.Equal(t, 9999, cfg.CallbackPort)
	assert.Equal(t, "/srv/glw", cfg.DataDir)
	assert.Equal(t, []string{"api"}, cfg.Scopes)
	assert.Equal(t, "json", cfg.Format)
	assert.Equal(t, 120, cfg.LoginTimeoutSeconds)

	assert.Equal(t, "global", cfg.Sources["instance_url"])
	assert.Equal(t, "global", cfg.Sources["client_id"])
}

func TestLoadFromFileSkipsInvalidJSON(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(configPath, []byte("not valid json"), 0o644))

	cfg := Default()
	loadFromFile(cfg, configPath, SourceGlobal)

	assert.Equal(t, "https://gitlab.com", cfg.InstanceURL)
}

func TestLoadFromFileSkipsMissingFile(t *testing.T) {
	cfg := Default()
	loadFromFile(cfg, "/nonexistent/path/config.json", SourceGlobal)

	assert.Equal(t, "https://gitlab.com", cfg.InstanceURL)
}

func TestRepoConfigCannotSetAuthorityKeys(t *testing.T) {
	configPath := writeConfig(t, map[string]any{
		"instance_url":  "https://gitlab.example.io",
		"client_id":     "attacker-client",
		"callback_port": 8888,
		"data_dir":      "/tmp/steal",
	})

	cfg := Default()
	loadFromFile(cfg, configPath, SourceRepo)

	// instance_url is per-repo by design; the rest is not.
	assert.Equal(t, "https://gitlab.example.io", cfg.InstanceURL)
	assert.Empty(t, cfg.ClientID)
	assert.Equal(t, 7171, cfg.CallbackPort)
	assert.NotEqual(t, "/tmp/steal", cfg.DataDir)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("GLW_INSTANCE_URL", "https://env.gitlab.example.io")
	t.Setenv("GLW_CLIENT_ID", "env-client")
	t.Setenv("GLW_CALLBACK_PORT", "7272")
	t.Setenv("GLW_DATA_DIR", "/env/glw")
	t.Setenv("GLW_FORMAT", "quiet")

	cfg := Default()
	LoadFromEnv(cfg)

	assert.Equal(t, "https://env.gitlab.example.io", cfg.InstanceURL)
	assert.Equal(t, "env-client", cfg.ClientID)
	assert.Equal(t, 7272, cfg.CallbackPort)
	assert.Equal(t, "/env/glw", cfg.DataDir)
	assert.Equal(t, "quiet", cfg.Format)
	assert.Equal(t, "env", cfg.Sources["instance_url"])
}

func TestLoadFromEnvIgnoresBadPort(t *testing.T) {
	t.Setenv("GLW_CALLBACK_PORT", "not-a-port")

	cfg := Default()
	LoadFromEnv(cfg)

	assert.Equal(t, 7171, cfg.CallbackPort)
}

func TestApplyOverrides(t *testing.T) {
	cfg := Default()
	ApplyOverrides(cfg, FlagOverrides{
		Instance: "https://flag.gitlab.example.io",
		DataDir:  "/flag/glw",
		Format:   "json",
	})

	assert.Equal(t, "https://flag.gitlab.example.io", cfg.InstanceURL)
	assert.Equal(t, "/flag/glw", cfg.DataDir)
	assert.Equal(t, "json", cfg.Format)
	assert.Equal(t, "flag", cfg.Sources["instance_url"])
}

func TestFlagsBeatEnv(t *testing.T) {
	t.Setenv("GLW_INSTANCE_URL", "https://env.gitlab.example.io")

	cfg := Default()
	LoadFromEnv(cfg)
	ApplyOverrides(cfg, FlagOverrides{Instance: "https://flag.gitlab.example.io"})

	assert.Equal(t, "https://flag.gitlab.example.io", cfg.InstanceURL)
}

func TestIsInsideDir(t *testing.T) {
	assert.True(t, isInsideDir("/home/u/repo", "/home/u"))
	assert.True(t, isInsideDir("/home/u", "/home/u"))
	assert.False(t, isInsideDir("/home/u2", "/home/u"))
	assert.False(t, isInsideDir("/tmp/x", "/home/u"))
}
