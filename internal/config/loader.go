package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const maxConfigFileSize = 1024 * 1024 // 1MB

// Load loads configuration from an optional YAML file, then overrides
// with environment variables.
//
// Precedence (highest to lowest):
//  1. Environment variables (ADMISSION_BUDGET_CEILING, CACHE_URL, ...)
//  2. YAML config file (if configPath is non-empty and exists)
//  3. Hardcoded defaults
//
// Environment variables map section_field to section.field:
//
//	CACHE_URL                -> cache.url
//	ADMISSION_BUDGET_CEILING -> admission.budget_ceiling
//	PIPELINE_MAX_ITERATIONS  -> pipeline.max_iterations
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath != "" {
		if info, err := os.Stat(configPath); err == nil {
			if info.Size() > maxConfigFileSize {
				return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
			}
			content, err := os.ReadFile(configPath)
			if err != nil {
				return nil, fmt.Errorf("reading config file: %w", err)
			}
			if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("loading config file %s: %w", configPath, err)
			}
		}
	}

	// Environment variables use underscore separator and are uppercased.
	// Split on first underscore only: section.field_name.
	if err := k.Load(env.Provider("", ".", func(s string) string {
		lower := strings.ToLower(s)
		parts := strings.SplitN(lower, "_", 2)
		if len(parts) == 1 {
			return lower
		}
		return parts[0] + "." + parts[1]
	}), nil); err != nil {
		return nil, fmt.Errorf("loading environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "analystd"
	}

	if cfg.Cache.URL == "" {
		cfg.Cache.URL = "redis://localhost:6379"
	}
	if cfg.Cache.ConnectTimeout == 0 {
		cfg.Cache.ConnectTimeout = 5 * time.Second
	}
	if cfg.Cache.ReadTimeout == 0 {
		cfg.Cache.ReadTimeout = 3 * time.Second
	}
	if cfg.Cache.WriteTimeout == 0 {
		cfg.Cache.WriteTimeout = 3 * time.Second
	}

	if cfg.Inference.BaseURL == "" {
		cfg.Inference.BaseURL = "http://localhost:8000/v1"
	}
	if cfg.Embedding.Provider == "" {
		cfg.Embedding.Provider = "local"
	}
	if cfg.Embedding.Dimension == 0 {
		cfg.Embedding.Dimension = 384
	}

	if cfg.Qdrant.Host == "" {
		cfg.Qdrant.Host = "localhost"
	}
	if cfg.Qdrant.Port == 0 {
		cfg.Qdrant.Port = 6334
	}
	if cfg.Chromem.Path == "" {
		cfg.Chromem.Path = "~/.config/analystd/vectorstore"
	}

	if cfg.Warehouse.Subject == "" {
		cfg.Warehouse.Subject = "analystd.outcomes"
	}

	if cfg.Admission.BudgetCeiling == 0 {
		cfg.Admission.BudgetCeiling = 100_000
	}
	if cfg.Admission.DriftThreshold == 0 {
		cfg.Admission.DriftThreshold = 0.1
	}
	if cfg.Admission.LatencyWindow == 0 {
		cfg.Admission.LatencyWindow = 50
	}
	if cfg.Admission.LatencyP95Threshold == 0 {
		cfg.Admission.LatencyP95Threshold = 2000 * time.Millisecond
	}

	if cfg.Memory.TraceTTL == 0 {
		cfg.Memory.TraceTTL = 24 * time.Hour
	}
	if cfg.Memory.EpisodicRecallLimit == 0 {
		cfg.Memory.EpisodicRecallLimit = 3
	}
	if cfg.Memory.SemanticRecallLimit == 0 {
		cfg.Memory.SemanticRecallLimit = 3
	}

	if cfg.Pipeline.ConfidenceThreshold == 0 {
		cfg.Pipeline.ConfidenceThreshold = 0.7
	}
	if cfg.Pipeline.MaxIterations == 0 {
		cfg.Pipeline.MaxIterations = 3
	}
	if cfg.Pipeline.StageTimeout == 0 {
		cfg.Pipeline.StageTimeout = 60 * time.Second
	}
}
