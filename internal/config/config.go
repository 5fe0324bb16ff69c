// Package config loads and validates farsight configuration.
// Configuration lives in .farsight/config.yaml; missing files yield defaults,
// and environment variables override provider credentials.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all farsight configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// LLM routing
	LLM LLMConfig `yaml:"llm"`

	// Outbound fetch courtesy policy
	Courtesy CourtesyConfig `yaml:"courtesy"`

	// Web search harvesting
	Search SearchConfig `yaml:"search"`

	// Hybrid retrieval
	Retrieval RetrievalConfig `yaml:"retrieval"`

	// Embedding engine
	Embedding EmbeddingConfig `yaml:"embedding"`

	// Claim grounding
	Grounding GroundingConfig `yaml:"grounding"`

	// Local corpus ingestion
	Ingest IngestConfig `yaml:"ingest"`

	// Headless browser fallback for script-rendered pages
	Browser BrowserConfig `yaml:"browser"`

	// Persistence
	Storage StorageConfig `yaml:"storage"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// LLMConfig configures provider routing.
type LLMConfig struct {
	// Strategy: local_only, local_with_cloud_fallback, cloud_primary, cloud_only
	Strategy string `yaml:"strategy"`

	Local LocalLLMConfig `yaml:"local"`
	Cloud CloudLLMConfig `yaml:"cloud"`

	Timeout              string `yaml:"timeout"`
	MaxRetries           int    `yaml:"max_retries"`
	FailureThreshold     int    `yaml:"failure_threshold"`
	CooldownSeconds      int    `yaml:"cooldown_seconds"`
	MaxToolCallsPerPhase int    `yaml:"max_tool_calls_per_phase"`
}

// LocalLLMConfig configures the local model endpoint.
type LocalLLMConfig struct {
	Endpoint    string `yaml:"endpoint"`
	Model       string `yaml:"model"`
	ContextSize int    `yaml:"context_size"`
}

// CloudLLMConfig configures the active cloud provider.
type CloudLLMConfig struct {
	Provider        string `yaml:"provider"` // anthropic, openai, openrouter, gemini
	APIKey          string `yaml:"api_key"`
	Model           string `yaml:"model"`
	BaseURL         string `yaml:"base_url"`
	MaxOutputTokens int    `yaml:"max_output_tokens"`
}

// CourtesyConfig configures the outbound fetch scheduler.
type CourtesyConfig struct {
	MaxConcurrentFetches int     `yaml:"max_concurrent_fetches"`
	MaxPerDomainFetches  int     `yaml:"max_per_domain_fetches"`
	MinDelaySeconds      float64 `yaml:"min_delay_seconds"`
	MaxDelaySeconds      float64 `yaml:"max_delay_seconds"`
	FailureThreshold     int     `yaml:"failure_threshold"`
	CooldownSeconds      int     `yaml:"cooldown_seconds"`
	MaxRetries           int     `yaml:"max_retries"`
	BackoffBaseSeconds   float64 `yaml:"backoff_base_seconds"`
	FetchTimeout         string  `yaml:"fetch_timeout"`
	UserAgent            string  `yaml:"user_agent"`
	MaxBodyBytes         int64   `yaml:"max_body_bytes"`
}

// SearchConfig configures the harvester.
type SearchConfig struct {
	Engines             []string `yaml:"engines"` // priority order
	MaxResultsPerEngine int      `yaml:"max_results_per_engine"`
	MaxQueries          int      `yaml:"max_queries"`
	MaxSearchIterations int      `yaml:"max_search_iterations"`
	TargetSources       int      `yaml:"target_sources"`
	BlockedDomains      []string `yaml:"blocked_domains"`
	CacheTTL            string   `yaml:"cache_ttl"`
}

// RetrievalConfig configures hybrid search fusion.
type RetrievalConfig struct {
	KeywordWeight  float64 `yaml:"keyword_weight"`
	SemanticWeight float64 `yaml:"semantic_weight"`
	TopK           int     `yaml:"top_k"`
	MaxPerDomain   int     `yaml:"max_per_domain"`
}

// EmbeddingConfig configures the embedding engine.
type EmbeddingConfig struct {
	Provider   string `yaml:"provider"` // ollama, genai, hash
	Endpoint   string `yaml:"endpoint"`
	Model      string `yaml:"model"`
	APIKey     string `yaml:"api_key"`
	Dimensions int    `yaml:"dimensions"` // hash engine only
}

// GroundingConfig configures claim validation.
type GroundingConfig struct {
	MinScore  float64 `yaml:"min_score"` // corrective rewrite below this
	MaxClaims int     `yaml:"max_claims"`
}

// IngestConfig configures the local corpus watcher.
type IngestConfig struct {
	Directory    string `yaml:"directory"`
	ChunkSize    int    `yaml:"chunk_size"` // words per chunk
	ChunkOverlap int    `yaml:"chunk_overlap"`
}

// BrowserConfig configures the headless browser fetch fallback.
type BrowserConfig struct {
	Enabled           bool   `yaml:"enabled"`
	Bin               string `yaml:"bin"`
	NavigationTimeout string `yaml:"navigation_timeout"`
}

// StorageConfig configures persistence.
type StorageConfig struct {
	DatabasePath string `yaml:"database_path"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "farsight",
		Version: "0.3.0",

		LLM: LLMConfig{
			Strategy: "local_with_cloud_fallback",
			Local: LocalLLMConfig{
				Endpoint:    "http://localhost:11434",
				Model:       "llama3.1",
				ContextSize: 8192,
			},
			Cloud: CloudLLMConfig{
				Provider:        "anthropic",
				Model:           "claude-sonnet-4-20250514",
				MaxOutputTokens: 4096,
			},
			Timeout:              "120s",
			MaxRetries:           3,
			FailureThreshold:     5,
			CooldownSeconds:      60,
			MaxToolCallsPerPhase: 8,
		},

		Courtesy: CourtesyConfig{
			MaxConcurrentFetches: 8,
			MaxPerDomainFetches:  2,
			MinDelaySeconds:      0.5,
			MaxDelaySeconds:      2.0,
			FailureThreshold:     5,
			CooldownSeconds:      120,
			MaxRetries:           2,
			BackoffBaseSeconds:   1.0,
			FetchTimeout:         "20s",
			UserAgent:            "farsight/0.3 (+research agent)",
			MaxBodyBytes:         2 << 20,
		},

		Search: SearchConfig{
			Engines:             []string{"duckduckgo", "bing", "brave", "mojeek"},
			MaxResultsPerEngine: 10,
			MaxQueries:          6,
			MaxSearchIterations: 3,
			TargetSources:       8,
			BlockedDomains: []string{
				"facebook.com", "twitter.com", "x.com", "instagram.com",
				"tiktok.com", "pinterest.com",
			},
			CacheTTL: "15m",
		},

		Retrieval: RetrievalConfig{
			KeywordWeight:  0.5,
			SemanticWeight: 0.5,
			TopK:           10,
			MaxPerDomain:   3,
		},

		Embedding: EmbeddingConfig{
			Provider:   "ollama",
			Endpoint:   "http://localhost:11434",
			Model:      "nomic-embed-text",
			Dimensions: 256,
		},

		Grounding: GroundingConfig{
			MinScore:  0.5,
			MaxClaims: 20,
		},

		Ingest: IngestConfig{
			Directory:    "",
			ChunkSize:    200,
			ChunkOverlap: 40,
		},

		Browser: BrowserConfig{
			Enabled:           false,
			NavigationTimeout: "25s",
		},

		Storage: StorageConfig{
			DatabasePath: filepath.Join(".farsight", "farsight.db"),
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Return defaults if config file doesn't exist
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.Courtesy.MaxConcurrentFetches < 1 {
		return fmt.Errorf("courtesy.max_concurrent_fetches must be >= 1")
	}
	if c.Courtesy.MaxPerDomainFetches < 1 {
		return fmt.Errorf("courtesy.max_per_domain_fetches must be >= 1")
	}
	if c.Courtesy.MaxPerDomainFetches > c.Courtesy.MaxConcurrentFetches {
		return fmt.Errorf("courtesy.max_per_domain_fetches must not exceed max_concurrent_fetches")
	}
	if c.Courtesy.MinDelaySeconds < 0 || c.Courtesy.MaxDelaySeconds < c.Courtesy.MinDelaySeconds {
		return fmt.Errorf("courtesy delay window invalid: min=%.2f max=%.2f",
			c.Courtesy.MinDelaySeconds, c.Courtesy.MaxDelaySeconds)
	}
	if w := c.Retrieval.KeywordWeight + c.Retrieval.SemanticWeight; w <= 0 {
		return fmt.Errorf("retrieval weights must sum to a positive value, got %.2f", w)
	}
	switch c.LLM.Strategy {
	case "local_only", "local_with_cloud_fallback", "cloud_primary", "cloud_only":
	default:
		return fmt.Errorf("unknown llm.strategy %q", c.LLM.Strategy)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" && c.LLM.Cloud.Provider == "anthropic" {
		c.LLM.Cloud.APIKey = key
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" && c.LLM.Cloud.Provider == "openai" {
		c.LLM.Cloud.APIKey = key
	}
	if key := os.Getenv("OPENROUTER_API_KEY"); key != "" && c.LLM.Cloud.Provider == "openrouter" {
		c.LLM.Cloud.APIKey = key
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		if c.LLM.Cloud.Provider == "gemini" {
			c.LLM.Cloud.APIKey = key
		}
		if c.Embedding.Provider == "genai" && c.Embedding.APIKey == "" {
			c.Embedding.APIKey = key
		}
	}
	if host := os.Getenv("OLLAMA_HOST"); host != "" {
		c.LLM.Local.Endpoint = host
		if c.Embedding.Provider == "ollama" {
			c.Embedding.Endpoint = host
		}
	}
	if path := os.Getenv("FARSIGHT_DB"); path != "" {
		c.Storage.DatabasePath = path
	}
	if dir := os.Getenv("FARSIGHT_INGEST_DIR"); dir != "" {
		c.Ingest.Directory = dir
	}
}

// GetLLMTimeout returns the LLM call timeout as a duration.
func (c *Config) GetLLMTimeout() time.Duration {
	d, err := time.ParseDuration(c.LLM.Timeout)
	if err != nil {
		return 120 * time.Second
	}
	return d
}

// GetFetchTimeout returns the per-request fetch timeout as a duration.
func (c *Config) GetFetchTimeout() time.Duration {
	d, err := time.ParseDuration(c.Courtesy.FetchTimeout)
	if err != nil {
		return 20 * time.Second
	}
	return d
}

// GetCacheTTL returns the search cache TTL as a duration.
func (c *Config) GetCacheTTL() time.Duration {
	d, err := time.ParseDuration(c.Search.CacheTTL)
	if err != nil {
		return 15 * time.Minute
	}
	return d
}

// GetNavigationTimeout returns the browser navigation timeout as a duration.
func (c *Config) GetNavigationTimeout() time.Duration {
	d, err := time.ParseDuration(c.Browser.NavigationTimeout)
	if err != nil {
		return 25 * time.Second
	}
	return d
}

// MinDelay returns the lower bound of the per-domain courtesy window.
func (c *Config) MinDelay() time.Duration {
	return time.Duration(c.Courtesy.MinDelaySeconds * float64(time.Second))
}

// MaxDelay returns the upper bound of the per-domain courtesy window.
func (c *Config) MaxDelay() time.Duration {
	return time.Duration(c.Courtesy.MaxDelaySeconds * float64(time.Second))
}

// BackoffBase returns the retry backoff base as a duration.
func (c *Config) BackoffBase() time.Duration {
	return time.Duration(c.Courtesy.BackoffBaseSeconds * float64(time.Second))
}
