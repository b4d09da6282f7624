package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.toml")
	body := `
[server]
addr = ":9000"

[database]
path = "/tmp/branches.db"

[ratelimit]
per_second = 1.5
burst = 3
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, "/tmp/branches.db", cfg.Database.Path)
	assert.Equal(t, 1.5, cfg.RateLimit.PerSecond)
	assert.Equal(t, 3, cfg.RateLimit.Burst)
	// untouched sections keep their defaults
	assert.Equal(t, "llama3.1:8b", cfg.LLM.Model)
	assert.Equal(t, 5000, cfg.Database.BusyTimeoutMs)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CGA_DB_PATH", "/data/env.db")
	t.Setenv("CGA_LLM_MODEL", "qwen2.5")
	t.Setenv("OPENAI_API_KEY", "sk-test")

	path := filepath.Join(t.TempDir(), "cfg.toml")
	require.NoError(t, os.WriteFile(path, []byte("[database]\npath = \"file.db\"\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/data/env.db", cfg.Database.Path)
	assert.Equal(t, "qwen2.5", cfg.LLM.Model)
	assert.Equal(t, "sk-test", cfg.LLM.Token)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Default()
	cfg.Database.Path = ""
	cfg.RateLimit.Burst = 0

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database.path")
	assert.Contains(t, err.Error(), "ratelimit.burst")
}
