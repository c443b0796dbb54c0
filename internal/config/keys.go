package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kalambet/pharmarag/internal/report"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
	kDuration
	kStrings
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

func envName(key string) string {
	return "PHARMARAG_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

func str(key string, field func(*Config) *string) keySpec {
	return keySpec{
		key: key, typ: kString, env: envName(key),
		apply:   func(cfg *Config, v any) { *field(cfg) = v.(string) },
		extract: func(cfg Config) any { return *field(&cfg) },
	}
}

func integer(key string, field func(*Config) *int) keySpec {
	return keySpec{
		key: key, typ: kInt, env: envName(key),
		apply:   func(cfg *Config, v any) { *field(cfg) = v.(int) },
		extract: func(cfg Config) any { return *field(&cfg) },
	}
}

func boolean(key string, field func(*Config) *bool) keySpec {
	return keySpec{
		key: key, typ: kBool, env: envName(key),
		apply:   func(cfg *Config, v any) { *field(cfg) = v.(bool) },
		extract: func(cfg Config) any { return *field(&cfg) },
	}
}

func float(key string, field func(*Config) *float64) keySpec {
	return keySpec{
		key: key, typ: kFloat, env: envName(key),
		apply:   func(cfg *Config, v any) { *field(cfg) = v.(float64) },
		extract: func(cfg Config) any { return *field(&cfg) },
	}
}

func duration(key string, field func(*Config) *time.Duration) keySpec {
	return keySpec{
		key: key, typ: kDuration, env: envName(key),
		apply:   func(cfg *Config, v any) { *field(cfg) = v.(time.Duration) },
		extract: func(cfg Config) any { return *field(&cfg) },
	}
}

func list(key string, field func(*Config) *[]string) keySpec {
	return keySpec{
		key: key, typ: kStrings, env: envName(key),
		apply:   func(cfg *Config, v any) { *field(cfg) = v.([]string) },
		extract: func(cfg Config) any { return strings.Join(*field(&cfg), ",") },
	}
}

func secret(s keySpec) keySpec {
	s.secret = true
	return s
}

func routing(t report.ReportType) keySpec {
	key := "routing." + string(t)
	return keySpec{
		key: key, typ: kStrings, env: envName(key),
		apply: func(cfg *Config, v any) {
			if cfg.Routing == nil {
				cfg.Routing = make(map[string][]string)
			}
			cfg.Routing[string(t)] = v.([]string)
		},
		extract: func(cfg Config) any { return strings.Join(cfg.Routing[string(t)], ",") },
	}
}

var specs = buildSpecs()

func buildSpecs() []keySpec {
	out := []keySpec{
		str("server.host", func(c *Config) *string { return &c.Server.Host }),
		integer("server.port", func(c *Config) *int { return &c.Server.Port }),
		secret(str("server.api_token", func(c *Config) *string { return &c.Server.APIToken })),
		str("log.level", func(c *Config) *string { return &c.Log.Level }),
		str("log.format", func(c *Config) *string { return &c.Log.Format }),
		str("storage.data_dir", func(c *Config) *string { return &c.Storage.DataDir }),
		str("embedding.provider", func(c *Config) *string { return &c.Embedding.Provider }),
		str("embedding.base_url", func(c *Config) *string { return &c.Embedding.BaseURL }),
		str("embedding.model", func(c *Config) *string { return &c.Embedding.Model }),
		duration("embedding.timeout", func(c *Config) *time.Duration { return &c.Embedding.Timeout }),
		integer("embedding.dimensions", func(c *Config) *int { return &c.Embedding.Dimensions }),
		str("cache.redis_addr", func(c *Config) *string { return &c.Cache.RedisAddr }),
		duration("cache.ttl", func(c *Config) *time.Duration { return &c.Cache.TTL }),
		str("llm.base_url", func(c *Config) *string { return &c.LLM.BaseURL }),
		secret(str("llm.api_key", func(c *Config) *string { return &c.LLM.APIKey })),
		str("llm.model", func(c *Config) *string { return &c.LLM.Model }),
		list("llm.fallback_models", func(c *Config) *[]string { return &c.LLM.FallbackModels }),
		float("llm.temperature", func(c *Config) *float64 { return &c.LLM.Temperature }),
		integer("llm.max_tokens", func(c *Config) *int { return &c.LLM.MaxTokens }),
		duration("llm.timeout", func(c *Config) *time.Duration { return &c.LLM.Timeout }),
		integer("llm.max_retries", func(c *Config) *int { return &c.LLM.MaxRetries }),
		duration("llm.initial_backoff", func(c *Config) *time.Duration { return &c.LLM.InitialBackoff }),
		integer("retrieval.budget", func(c *Config) *int { return &c.Retrieval.Budget }),
		float("retrieval.threshold", func(c *Config) *float64 { return &c.Retrieval.Threshold }),
		integer("retrieval.per_collection_k", func(c *Config) *int { return &c.Retrieval.PerCollectionK }),
		integer("retrieval.max_prompt_chars", func(c *Config) *int { return &c.Retrieval.MaxPromptChars }),
		str("collector.base_url", func(c *Config) *string { return &c.Collector.BaseURL }),
		duration("collector.timeout", func(c *Config) *time.Duration { return &c.Collector.Timeout }),
		duration("collector.interval", func(c *Config) *time.Duration { return &c.Collector.Interval }),
		boolean("collector.enabled", func(c *Config) *bool { return &c.Collector.Enabled }),
		list("collector.sources", func(c *Config) *[]string { return &c.Collector.Sources }),
		str("collector.rl_model", func(c *Config) *string { return &c.Collector.RLModel }),
		duration("retention.window", func(c *Config) *time.Duration { return &c.Retention.Window }),
		duration("retention.cleanup_interval", func(c *Config) *time.Duration { return &c.Retention.CleanupInterval }),
		duration("report.deadline", func(c *Config) *time.Duration { return &c.Report.Deadline }),
		str("docs.dir", func(c *Config) *string { return &c.Docs.Dir }),
		boolean("docs.seed_defaults", func(c *Config) *bool { return &c.Docs.SeedDefaults }),
		integer("docs.chunk_size", func(c *Config) *int { return &c.Docs.ChunkSize }),
	}
	for _, t := range report.Types {
		out = append(out, routing(t))
	}
	return out
}

func lookupSpec(key string) (keySpec, bool) {
	for _, s := range specs {
		if s.key == key {
			return s, true
		}
	}
	return keySpec{}, false
}

// parseValue converts raw to the Go type of s.
func parseValue(s keySpec, raw string) (any, error) {
	switch s.typ {
	case kString:
		return raw, nil
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	case kDuration:
		return time.ParseDuration(raw)
	case kStrings:
		return splitList(raw), nil
	}
	return nil, fmt.Errorf("unknown type for %s", s.key)
}

func splitList(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		if s.typ == kStrings {
			v, ok, err := b.GetStringSlice(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		}
		raw, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || raw == "" {
			continue
		}
		v, err := parseValue(s, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse config key %s=%q: %v. Using default value.\n", s.key, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := parseValue(s, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}
