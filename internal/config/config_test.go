package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/pharmarag/internal/retrieval"
)

// mockSecrets is a test double for the secrets file.
type mockSecrets struct {
	values map[string]string
	set    map[string]string
}

func (m *mockSecrets) Get(key string) (string, error) {
	v, ok := m.values[key]
	if !ok {
		return "", ErrSecretNotFound
	}
	return v, nil
}

func (m *mockSecrets) Set(key, value string) error {
	if m.set == nil {
		m.set = make(map[string]string)
	}
	m.set[key] = value
	return nil
}

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func loadFromPath(t *testing.T, path string, secrets secretReader) (Config, error) {
	t.Helper()
	b, err := newFileBackend(path)
	if err != nil {
		return Config{}, err
	}
	return loadWith(b, secrets)
}

// TestDefaults verifies all default values are applied when no config file exists.
func TestDefaults(t *testing.T) {
	cfg, err := loadFromPath(t, filepath.Join(t.TempDir(), "missing.yaml"), &mockSecrets{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 8001 || cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Server = %+v", cfg.Server)
	}
	if cfg.Embedding.Provider != "ollama" || cfg.Embedding.Model != "nomic-embed-text" {
		t.Errorf("Embedding = %+v", cfg.Embedding)
	}
	if cfg.LLM.Model != "llama-3.3-70b-versatile" {
		t.Errorf("LLM.Model = %q", cfg.LLM.Model)
	}
	if cfg.Retrieval.Threshold != 0.25 || cfg.Retrieval.Budget != 6000 || cfg.Retrieval.PerCollectionK != 5 {
		t.Errorf("Retrieval = %+v", cfg.Retrieval)
	}
	if cfg.Report.Deadline != 30*time.Second {
		t.Errorf("Report.Deadline = %v", cfg.Report.Deadline)
	}
	if cfg.Retention.Window != 30*24*time.Hour {
		t.Errorf("Retention.Window = %v", cfg.Retention.Window)
	}
	if len(cfg.Collector.Sources) != 4 || !cfg.Collector.Enabled {
		t.Errorf("Collector = %+v", cfg.Collector)
	}
	if got := cfg.Routing["quality_control"]; strings.Join(got, ",") != "defect,quality,documentation" {
		t.Errorf("Routing[quality_control] = %v", got)
	}
	if cfg.LLM.APIKey != "" {
		t.Error("API key should default to empty")
	}
}

// TestYAMLParsing verifies that fields are read from nested YAML sections.
func TestYAMLParsing(t *testing.T) {
	path := writeTempConfig(t, `
server:
  host: 0.0.0.0
  port: 9100
log:
  level: debug
  format: json
embedding:
  provider: hash
  dimensions: 128
llm:
  model: custom-model
  fallback_models: [a-model, b-model]
  temperature: 0.1
  timeout: 15s
  api_key: must-be-ignored
retrieval:
  threshold: 0.4
collector:
  enabled: false
  sources: defect, quality
routing:
  compliance: [documentation, templates]
`)

	cfg, err := loadFromPath(t, path, &mockSecrets{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Host != "0.0.0.0" || cfg.Server.Port != 9100 {
		t.Errorf("Server = %+v", cfg.Server)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "json" {
		t.Errorf("Log = %+v", cfg.Log)
	}
	if cfg.Embedding.Provider != "hash" || cfg.Embedding.Dimensions != 128 {
		t.Errorf("Embedding = %+v", cfg.Embedding)
	}
	if cfg.LLM.Model != "custom-model" || cfg.LLM.Temperature != 0.1 || cfg.LLM.Timeout != 15*time.Second {
		t.Errorf("LLM = %+v", cfg.LLM)
	}
	if strings.Join(cfg.LLM.FallbackModels, ",") != "a-model,b-model" {
		t.Errorf("FallbackModels = %v", cfg.LLM.FallbackModels)
	}
	if cfg.LLM.APIKey != "" {
		t.Errorf("secrets must not be read from the config file, got %q", cfg.LLM.APIKey)
	}
	if cfg.Retrieval.Threshold != 0.4 {
		t.Errorf("Threshold = %v", cfg.Retrieval.Threshold)
	}
	if cfg.Collector.Enabled || strings.Join(cfg.Collector.Sources, ",") != "defect,quality" {
		t.Errorf("Collector = %+v", cfg.Collector)
	}
	if got := cfg.Routing["compliance"]; strings.Join(got, ",") != "documentation,templates" {
		t.Errorf("Routing[compliance] = %v", got)
	}
	if got := cfg.Routing["oee"]; len(got) == 0 {
		t.Error("unconfigured routes should keep their defaults")
	}
}

// TestEnvOverride verifies that environment variables override config file values.
func TestEnvOverride(t *testing.T) {
	path := writeTempConfig(t, "server:\n  port: 9100\n")

	t.Setenv("PHARMARAG_SERVER_PORT", "9200")
	t.Setenv("PHARMARAG_REPORT_DEADLINE", "5s")
	t.Setenv("PHARMARAG_COLLECTOR_SOURCES", "forecast,rl_action")

	cfg, err := loadFromPath(t, path, &mockSecrets{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 9200 {
		t.Errorf("Server.Port = %d, want 9200", cfg.Server.Port)
	}
	if cfg.Report.Deadline != 5*time.Second {
		t.Errorf("Report.Deadline = %v, want 5s", cfg.Report.Deadline)
	}
	if strings.Join(cfg.Collector.Sources, ",") != "forecast,rl_action" {
		t.Errorf("Collector.Sources = %v", cfg.Collector.Sources)
	}
}

// TestLLMTimeoutClampedToDeadline verifies an LLM timeout that would outlive
// the report deadline is shortened.
func TestLLMTimeoutClampedToDeadline(t *testing.T) {
	path := writeTempConfig(t, "llm:\n  timeout: 45s\n")
	t.Setenv("PHARMARAG_REPORT_DEADLINE", "6s")

	cfg, err := loadFromPath(t, path, &mockSecrets{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.LLM.Timeout != 4*time.Second {
		t.Errorf("LLM.Timeout = %v, want 4s", cfg.LLM.Timeout)
	}

	// A timeout already inside the deadline is kept.
	t.Setenv("PHARMARAG_REPORT_DEADLINE", "60s")
	cfg, err = loadFromPath(t, path, &mockSecrets{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.LLM.Timeout != 45*time.Second {
		t.Errorf("LLM.Timeout = %v, want 45s", cfg.LLM.Timeout)
	}
}

// TestInvalidValueKeepsDefault verifies unparsable values fall back to defaults.
func TestInvalidValueKeepsDefault(t *testing.T) {
	path := writeTempConfig(t, "llm:\n  max_tokens: lots\n")
	t.Setenv("PHARMARAG_LLM_TIMEOUT", "soon")

	cfg, err := loadFromPath(t, path, &mockSecrets{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.LLM.MaxTokens != 2000 || cfg.LLM.Timeout != 20*time.Second {
		t.Errorf("LLM = %+v, want defaults", cfg.LLM)
	}
}

// TestSecretsFallback verifies the secrets file is consulted when the environment has no value.
func TestSecretsFallback(t *testing.T) {
	path := writeTempConfig(t, "# no secrets here\n")
	secrets := &mockSecrets{values: map[string]string{
		"llm.api_key":      "file-secret",
		"server.api_token": "tok",
	}}

	cfg, err := loadFromPath(t, path, secrets)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.LLM.APIKey != "file-secret" || cfg.Server.APIToken != "tok" {
		t.Errorf("secrets = %q/%q", cfg.LLM.APIKey, cfg.Server.APIToken)
	}

	t.Setenv("PHARMARAG_LLM_API_KEY", "env-secret")
	cfg, err = loadFromPath(t, path, secrets)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.LLM.APIKey != "env-secret" {
		t.Errorf("APIKey = %q, want env value", cfg.LLM.APIKey)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		want   string
	}{
		{"port", func(c *Config) { c.Server.Port = 70000 }, "server.port"},
		{"log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
		{"provider", func(c *Config) { c.Embedding.Provider = "openai" }, "embedding.provider"},
		{"threshold", func(c *Config) { c.Retrieval.Threshold = 1.5 }, "retrieval.threshold"},
		{"sources", func(c *Config) { c.Collector.Sources = []string{"pressure"} }, "collector.sources"},
		{"llm timeout", func(c *Config) { c.LLM.Timeout = c.Report.Deadline }, "llm.timeout"},
		{"llm timeout beyond deadline", func(c *Config) { c.Report.Deadline = 10 * time.Second }, "report.deadline"},
		{"deadline", func(c *Config) { c.Report.Deadline = 0 }, "report.deadline"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaults()
			tt.modify(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %v, want error mentioning %q", err, tt.want)
			}
		})
	}
	if err := defaults().Validate(); err != nil {
		t.Errorf("defaults invalid: %v", err)
	}
}

func TestSetKey_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	b, err := newFileBackend(path)
	if err != nil {
		t.Fatalf("newFileBackend: %v", err)
	}
	secrets := &mockSecrets{}

	for key, value := range map[string]string{
		"server.port":         "9300",
		"report.deadline":     "12s",
		"llm.fallback_models": "x-model, y-model",
		"collector.enabled":   "false",
		"routing.deviation":   "defect,forecast",
		"retrieval.threshold": "0.3",
	} {
		if err := setKey(b, secrets, key, value); err != nil {
			t.Fatalf("setKey(%s): %v", key, err)
		}
	}

	cfg, err := loadFromPath(t, path, secrets)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if cfg.Server.Port != 9300 || cfg.Report.Deadline != 12*time.Second || cfg.Collector.Enabled {
		t.Errorf("reloaded = %+v / %v / %v", cfg.Server, cfg.Report, cfg.Collector.Enabled)
	}
	if strings.Join(cfg.LLM.FallbackModels, ",") != "x-model,y-model" {
		t.Errorf("FallbackModels = %v", cfg.LLM.FallbackModels)
	}
	if strings.Join(cfg.Routing["deviation"], ",") != "defect,forecast" {
		t.Errorf("Routing[deviation] = %v", cfg.Routing["deviation"])
	}
	if cfg.Retrieval.Threshold != 0.3 {
		t.Errorf("Threshold = %v", cfg.Retrieval.Threshold)
	}
}

func TestSetKey_Errors(t *testing.T) {
	b, err := newFileBackend(filepath.Join(t.TempDir(), "config.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	secrets := &mockSecrets{}

	if err := setKey(b, secrets, "server.mcp_port", "1"); err == nil || !strings.Contains(err.Error(), "unknown config key") {
		t.Errorf("unknown key: err = %v", err)
	}
	if err := setKey(b, secrets, "server.port", "abc"); err == nil {
		t.Error("invalid integer should fail")
	}
	if err := setKey(b, secrets, "llm.api_key", "sk-123"); err != nil {
		t.Fatalf("secret: %v", err)
	}
	if secrets.set["llm.api_key"] != "sk-123" {
		t.Errorf("secret not written to secrets store: %v", secrets.set)
	}
}

func TestSecretsFile(t *testing.T) {
	f := newSecretsFile(filepath.Join(t.TempDir(), "pharmarag", "secrets.json"))

	if _, err := f.Get("llm.api_key"); !errors.Is(err, ErrSecretNotFound) {
		t.Errorf("missing file: err = %v, want ErrSecretNotFound", err)
	}
	if err := f.Set("llm.api_key", "sk-1"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := f.Set("server.api_token", "tok"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if v, err := f.Get("llm.api_key"); err != nil || v != "sk-1" {
		t.Errorf("Get = %q, %v", v, err)
	}
	info, err := os.Stat(f.path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("permissions = %o, want 600", perm)
	}
}

func TestShowAll_MasksSecrets(t *testing.T) {
	cfg := defaults()
	cfg.LLM.APIKey = "sk-very-secret"

	found := map[string]KeyInfo{}
	for _, k := range ShowAll(cfg) {
		found[k.Key] = k
		if strings.Contains(k.Value, "sk-very-secret") {
			t.Fatalf("%s leaks the secret", k.Key)
		}
	}
	if found["llm.api_key"].Value != "(set)" || found["server.api_token"].Value != "(unset)" {
		t.Errorf("secret display = %q / %q", found["llm.api_key"].Value, found["server.api_token"].Value)
	}
	if found["server.port"].EnvVar != "PHARMARAG_SERVER_PORT" || found["server.port"].Value != "8001" {
		t.Errorf("server.port = %+v", found["server.port"])
	}
	if found["report.deadline"].Value != "30s" {
		t.Errorf("report.deadline = %q", found["report.deadline"].Value)
	}
}

func TestValidKeys(t *testing.T) {
	keys := ValidKeys()
	for i := 1; i < len(keys); i++ {
		if keys[i-1] >= keys[i] {
			t.Fatalf("keys not sorted or duplicated at %q", keys[i])
		}
	}
	for typ := range retrieval.DefaultRouting() {
		if _, ok := lookupSpec("routing." + typ); !ok {
			t.Errorf("missing routing key for %s", typ)
		}
	}
}

func TestConfigFilePath(t *testing.T) {
	t.Setenv("PHARMARAG_CONFIG", "/etc/pharmarag.yaml")
	if got := configFilePath(); got != "/etc/pharmarag.yaml" {
		t.Errorf("configFilePath() = %q", got)
	}
	t.Setenv("PHARMARAG_CONFIG", "")
	t.Setenv("XDG_CONFIG_HOME", "/cfg")
	if got := configFilePath(); got != filepath.Join("/cfg", "pharmarag", "config.yaml") {
		t.Errorf("configFilePath() = %q", got)
	}
}
