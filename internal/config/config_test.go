package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "local_with_cloud_fallback", cfg.LLM.Strategy)
	assert.Equal(t, 0.5, cfg.Retrieval.KeywordWeight)
	assert.Equal(t, 0.5, cfg.Retrieval.SemanticWeight)
	assert.Equal(t, 10, cfg.Retrieval.TopK)
	assert.Equal(t, 5, cfg.Courtesy.FailureThreshold)
	assert.Greater(t, cfg.Courtesy.MaxConcurrentFetches, cfg.Courtesy.MaxPerDomainFetches)
	assert.NotEmpty(t, cfg.Search.Engines)
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "farsight", cfg.Name)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
llm:
  strategy: cloud_only
  cloud:
    provider: openai
    model: gpt-4o-mini
courtesy:
  max_concurrent_fetches: 4
  max_per_domain_fetches: 1
retrieval:
  top_k: 25
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "cloud_only", cfg.LLM.Strategy)
	assert.Equal(t, "openai", cfg.LLM.Cloud.Provider)
	assert.Equal(t, 4, cfg.Courtesy.MaxConcurrentFetches)
	assert.Equal(t, 25, cfg.Retrieval.TopK)
	// Untouched values keep defaults.
	assert.Equal(t, 0.5, cfg.Retrieval.SemanticWeight)
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
llm:
  strategy: psychic
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidatePerDomainBound(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Courtesy.MaxPerDomainFetches = cfg.Courtesy.MaxConcurrentFetches + 1
	assert.Error(t, cfg.Validate())
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-test-123")
	t.Setenv("FARSIGHT_DB", "/tmp/fs-test.db")

	cfg := DefaultConfig()
	cfg.applyEnvOverrides()

	assert.Equal(t, "sk-test-123", cfg.LLM.Cloud.APIKey)
	assert.Equal(t, "/tmp/fs-test.db", cfg.Storage.DatabasePath)
}

func TestDurationHelpers(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, cfg.MinDelay(), cfg.MinDelay())
	assert.Greater(t, cfg.MaxDelay(), cfg.MinDelay())

	cfg.LLM.Timeout = "bogus"
	assert.Equal(t, int64(120), int64(cfg.GetLLMTimeout().Seconds()))
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := DefaultConfig()
	cfg.Search.TargetSources = 17

	require.NoError(t, cfg.Save(path))
	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 17, loaded.Search.TargetSources)
}
