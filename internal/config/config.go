// Package config loads pharmarag settings from defaults, a YAML file,
// PHARMARAG_* environment variables and the secrets file, in that order of
// increasing precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kalambet/pharmarag/internal/collector"
	"github.com/kalambet/pharmarag/internal/composer"
	"github.com/kalambet/pharmarag/internal/ingest"
	"github.com/kalambet/pharmarag/internal/llm"
	"github.com/kalambet/pharmarag/internal/pipeline"
	"github.com/kalambet/pharmarag/internal/retrieval"
)

type Config struct {
	Server    ServerConfig
	Log       LogConfig
	Storage   StorageConfig
	Embedding EmbeddingConfig
	Cache     CacheConfig
	LLM       LLMConfig
	Retrieval RetrievalConfig
	// Routing maps a report type to the collections searched for it.
	Routing   map[string][]string
	Collector CollectorConfig
	Retention RetentionConfig
	Report    ReportConfig
	Docs      DocsConfig
}

type ServerConfig struct {
	Host string
	Port int
	// APIToken protects /api/* when set. Secret.
	APIToken string
}

type LogConfig struct {
	Level  string
	Format string
}

type StorageConfig struct {
	DataDir string
}

type EmbeddingConfig struct {
	// Provider is "ollama" or "hash".
	Provider   string
	BaseURL    string
	Model      string
	Timeout    time.Duration
	Dimensions int
}

type CacheConfig struct {
	// RedisAddr enables the embedding cache when non-empty.
	RedisAddr string
	TTL       time.Duration
}

type LLMConfig struct {
	BaseURL        string
	APIKey         string
	Model          string
	FallbackModels []string
	Temperature    float64
	MaxTokens      int
	Timeout        time.Duration
	MaxRetries     int
	InitialBackoff time.Duration
}

type RetrievalConfig struct {
	Budget         int
	Threshold      float64
	PerCollectionK int
	MaxPromptChars int
}

type CollectorConfig struct {
	BaseURL  string
	Timeout  time.Duration
	Interval time.Duration
	Enabled  bool
	Sources  []string
	RLModel  string
}

type RetentionConfig struct {
	Window          time.Duration
	CleanupInterval time.Duration
}

type ReportConfig struct {
	Deadline time.Duration
}

type DocsConfig struct {
	Dir          string
	SeedDefaults bool
	ChunkSize    int
}

func defaults() Config {
	sources := make([]string, len(collector.AllSources))
	for i, s := range collector.AllSources {
		sources[i] = string(s)
	}
	prefs := llm.DefaultPreferences()
	return Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8001,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Embedding: EmbeddingConfig{
			Provider:   "ollama",
			BaseURL:    "http://localhost:11434",
			Model:      "nomic-embed-text",
			Timeout:    30 * time.Second,
			Dimensions: retrieval.DefaultHashDimensions,
		},
		Cache: CacheConfig{
			TTL: retrieval.DefaultCacheTTL,
		},
		LLM: LLMConfig{
			BaseURL:        llm.DefaultBaseURL,
			Model:          prefs.Model,
			FallbackModels: prefs.FallbackModels,
			Temperature:    prefs.Temperature,
			MaxTokens:      prefs.MaxTokens,
			Timeout:        llm.DefaultTimeout,
			MaxRetries:     llm.DefaultMaxRetries,
			InitialBackoff: llm.DefaultInitialBackoff,
		},
		Retrieval: RetrievalConfig{
			Budget:         retrieval.DefaultBudget,
			Threshold:      retrieval.DefaultThreshold,
			PerCollectionK: retrieval.DefaultPerCollectionK,
			MaxPromptChars: composer.DefaultMaxChars,
		},
		Routing: retrieval.DefaultRouting(),
		Collector: CollectorConfig{
			BaseURL:  "http://localhost:8000",
			Timeout:  collector.DefaultTimeout,
			Interval: collector.DefaultInterval,
			Enabled:  true,
			Sources:  sources,
			RLModel:  collector.DefaultRLModel,
		},
		Retention: RetentionConfig{
			Window:          collector.DefaultRetention,
			CleanupInterval: collector.DefaultCleanupInterval,
		},
		Report: ReportConfig{
			Deadline: pipeline.DefaultDeadline,
		},
		Docs: DocsConfig{
			SeedDefaults: true,
			ChunkSize:    ingest.DefaultChunkSize,
		},
	}
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "pharmarag-data"
		}
	}
	return filepath.Join(dir, "pharmarag")
}

// Load reads configuration from the YAML config file, environment variables
// and the secrets file.
//
// The config file lives at $XDG_CONFIG_HOME/pharmarag/config.yaml unless
// PHARMARAG_CONFIG names another path. Environment variables (PHARMARAG_*)
// override file values. Secrets are never read from the config file.
func Load() (Config, error) {
	b, err := newFileBackend(configFilePath())
	if err != nil {
		return Config{}, err
	}
	return loadWith(b, newSecretsFile(secretsFilePath()))
}

// secretReader abstracts the secrets file for testing.
type secretReader interface {
	Get(key string) (string, error)
}

func loadWith(b ConfigBackend, secrets secretReader) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	for _, s := range specs {
		if !s.secret || s.extract(cfg) != "" {
			continue
		}
		if v, err := secrets.Get(s.key); err == nil && v != "" {
			s.apply(&cfg, v)
		}
	}
	cfg.clampLLMTimeout()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports settings that would make the service misbehave.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	switch c.Embedding.Provider {
	case "ollama", "hash":
	default:
		return fmt.Errorf("embedding.provider must be ollama or hash, got %q", c.Embedding.Provider)
	}
	if c.Retrieval.Threshold < 0 || c.Retrieval.Threshold > 1 {
		return fmt.Errorf("retrieval.threshold %v outside [0, 1]", c.Retrieval.Threshold)
	}
	if _, err := collector.ParseSources(c.Collector.Sources); err != nil {
		return fmt.Errorf("collector.sources: %w", err)
	}
	if c.Report.Deadline <= 0 {
		return fmt.Errorf("report.deadline must be positive, got %s", c.Report.Deadline)
	}
	if c.LLM.Timeout <= 0 || c.LLM.Timeout >= c.Report.Deadline {
		return fmt.Errorf("llm.timeout %s must be shorter than report.deadline %s", c.LLM.Timeout, c.Report.Deadline)
	}
	return nil
}

// clampLLMTimeout keeps a single LLM call shorter than the report deadline,
// leaving room for retrieval and a retry.
func (c *Config) clampLLMTimeout() {
	if c.Report.Deadline <= 0 || (c.LLM.Timeout > 0 && c.LLM.Timeout < c.Report.Deadline) {
		return
	}
	clamped := c.Report.Deadline * 2 / 3
	fmt.Fprintf(os.Stderr, "[WARN] llm.timeout %s is not shorter than report.deadline %s. Using %s.\n",
		c.LLM.Timeout, c.Report.Deadline, clamped)
	c.LLM.Timeout = clamped
}

// CollectorSources returns the configured sources as typed values.
func (c Config) CollectorSources() []collector.Source {
	sources, err := collector.ParseSources(c.Collector.Sources)
	if err != nil {
		return append([]collector.Source(nil), collector.AllSources...)
	}
	return sources
}

// Preferences returns the model preferences for report generation.
func (c Config) Preferences() llm.ModelPreferences {
	return llm.ModelPreferences{
		Model:          c.LLM.Model,
		FallbackModels: c.LLM.FallbackModels,
		Temperature:    c.LLM.Temperature,
		MaxTokens:      c.LLM.MaxTokens,
	}
}
