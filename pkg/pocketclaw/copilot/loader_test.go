package copilot

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandEnv(t *testing.T) {
	t.Setenv("PC_TEST_KEY", "secret")
	t.Setenv("PC_TEST_EMPTY", "")

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"plain", "key: ${PC_TEST_KEY}", "key: secret"},
		{"default unused", "key: ${PC_TEST_KEY:-fallback}", "key: secret"},
		{"default used", "key: ${PC_TEST_MISSING:-fallback}", "key: fallback"},
		{"empty uses default", "key: ${PC_TEST_EMPTY:-fallback}", "key: fallback"},
		{"unset stays", "key: ${PC_TEST_MISSING}", "key: ${PC_TEST_MISSING}"},
		{"no refs", "key: value", "key: value"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExpandEnv(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExpandEnvRequired(t *testing.T) {
	_, err := ExpandEnv("key: ${PC_TEST_REQUIRED_MISSING:?set the provider key}")
	require.Error(t, err)
	assert.Equal(t, "config error: PC_TEST_REQUIRED_MISSING - set the provider key", err.Error())
}

func TestParseConfigOverlaysDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := ParseConfig([]byte(`
name: Friday
reasoning:
  model: anthropic/claude-3.5-haiku
  max_iterations: 4
session:
  idle_ttl: 10m
  default_groups: [gmail, notion]
gate:
  require_approval: false
`))
	require.NoError(t, err)

	assert.Equal(t, "Friday", cfg.Name)
	assert.Equal(t, "anthropic/claude-3.5-haiku", cfg.Reasoning.Model)
	assert.Equal(t, 4, cfg.Reasoning.MaxIterations)
	assert.Equal(t, 10*time.Minute, cfg.Session.IdleTTL)
	assert.Equal(t, []string{"gmail", "notion"}, cfg.Session.DefaultGroups)
	assert.False(t, cfg.Gate.RequireApproval)

	def := DefaultConfig()
	assert.Equal(t, def.Provider.BaseURL, cfg.Provider.BaseURL)
	assert.Equal(t, def.Reasoning.MaxTokens, cfg.Reasoning.MaxTokens)
	assert.Equal(t, def.Gateway.Address, cfg.Gateway.Address)
}

func TestParseConfigInvalidYAML(t *testing.T) {
	t.Parallel()

	_, err := ParseConfig([]byte("name: [unclosed"))
	assert.Error(t, err)
}

func TestLoadConfigFromFileResolvesPaths(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	t.Setenv("PC_TEST_PROVIDER_KEY", "ck_123")
	require.NoError(t, os.WriteFile(path, []byte(`
provider:
  api_key: ${PC_TEST_PROVIDER_KEY}
memory:
  path: data/mem.db
skills:
  dir: /opt/skills
`), 0o600))

	cfg, err := LoadConfigFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, "ck_123", cfg.Provider.APIKey)
	assert.Equal(t, filepath.Join(dir, "data/mem.db"), cfg.Memory.Path)
	assert.Equal(t, "/opt/skills", cfg.Skills.Dir)
}

func TestLoadConfigFromFileMissing(t *testing.T) {
	t.Parallel()

	_, err := LoadConfigFromFile(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestIsEnvReference(t *testing.T) {
	t.Parallel()

	assert.True(t, IsEnvReference("${KEY}"))
	assert.False(t, IsEnvReference("sk-abc"))
	assert.False(t, IsEnvReference(""))
}
