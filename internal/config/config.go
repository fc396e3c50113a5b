// Package config provides configuration loading for analystd.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration for the analystd core.
type Config struct {
	Logging   LoggingConfig   `koanf:"logging"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
	Cache     CacheConfig     `koanf:"cache"`
	Inference InferenceConfig `koanf:"inference"`
	Embedding EmbeddingConfig `koanf:"embedding"`
	Qdrant    QdrantConfig    `koanf:"qdrant"`
	Chromem   ChromemConfig   `koanf:"chromem"`
	Warehouse WarehouseConfig `koanf:"warehouse"`
	Admission AdmissionConfig `koanf:"admission"`
	Memory    MemoryConfig    `koanf:"memory"`
	Pipeline  PipelineConfig  `koanf:"pipeline"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// TelemetryConfig configures OpenTelemetry export.
type TelemetryConfig struct {
	Enabled     bool   `koanf:"enabled"`
	ServiceName string `koanf:"service_name"`
}

// CacheConfig configures the redis-backed L1 tier and shared counters.
type CacheConfig struct {
	// URL is the redis connection string (e.g. "redis://localhost:6379").
	URL string `koanf:"url"`

	ConnectTimeout time.Duration `koanf:"connect_timeout"`
	ReadTimeout    time.Duration `koanf:"read_timeout"`
	WriteTimeout   time.Duration `koanf:"write_timeout"`
}

// InferenceConfig configures the LLM inference boundary. The endpoint is
// any OpenAI-compatible completion API.
type InferenceConfig struct {
	BaseURL string `koanf:"base_url"`
	Model   string `koanf:"model"`
	APIKey  string `koanf:"api_key"`
}

// EmbeddingConfig configures the embedding provider backing L2/L3 writes.
type EmbeddingConfig struct {
	// Provider is "local" (deterministic, offline) or "openai"
	// (OpenAI-compatible endpoint, including TEI).
	Provider string `koanf:"provider"`

	Dimension int    `koanf:"dimension"`
	BaseURL   string `koanf:"base_url"`
	Model     string `koanf:"model"`
	APIKey    string `koanf:"api_key"`
}

// QdrantConfig configures the Qdrant gRPC vector store.
type QdrantConfig struct {
	Host   string `koanf:"host"`
	Port   int    `koanf:"port"`
	UseTLS bool   `koanf:"use_tls"`

	// VectorSize overrides the embedder-reported dimension for collection
	// creation. Zero follows the embedder.
	VectorSize int `koanf:"vector_size"`
}

// ChromemConfig configures the embedded chromem vector store.
type ChromemConfig struct {
	Path     string `koanf:"path"`
	Compress bool   `koanf:"compress"`
}

// WarehouseConfig configures the outbound analytics event stream.
type WarehouseConfig struct {
	// URL is the NATS connection string. Empty disables streaming.
	URL string `koanf:"url"`

	// Subject is the subject outcome events are published on.
	Subject string `koanf:"subject"`
}

// AdmissionConfig configures the budget governor and circuit breaker.
type AdmissionConfig struct {
	// BudgetCeiling is the per-workspace resource ceiling per billing window.
	BudgetCeiling int64 `koanf:"budget_ceiling"`

	// DriftThreshold is the two-sample distribution distance that trips the breaker.
	DriftThreshold float64 `koanf:"drift_threshold"`

	// LatencyWindow is the rolling-window capacity for latency observations.
	LatencyWindow int `koanf:"latency_window"`

	// LatencyP95Threshold trips the breaker when the window P95 exceeds it.
	LatencyP95Threshold time.Duration `koanf:"latency_p95_threshold"`
}

// MemoryConfig configures the tiered memory manager.
type MemoryConfig struct {
	// TraceTTL is the L1 time-to-live for pipeline traces.
	TraceTTL time.Duration `koanf:"trace_ttl"`

	// EpisodicRecallLimit bounds L2 similarity results per retrieval.
	EpisodicRecallLimit int `koanf:"episodic_recall_limit"`

	// SemanticRecallLimit bounds L3 similarity results per retrieval.
	SemanticRecallLimit int `koanf:"semantic_recall_limit"`
}

// PipelineConfig configures the stage graph executor.
type PipelineConfig struct {
	// ConfidenceThreshold gates the critique retry edge.
	ConfidenceThreshold float64 `koanf:"confidence_threshold"`

	// MaxIterations caps the extract retry loop so low-confidence runs terminate.
	MaxIterations int `koanf:"max_iterations"`

	// StageTimeout bounds each inference-bearing stage invocation.
	StageTimeout time.Duration `koanf:"stage_timeout"`
}

// Validate checks the configuration for contract errors.
func (c *Config) Validate() error {
	if err := (&c.Logging).validate(); err != nil {
		return err
	}
	if c.Cache.URL == "" {
		return fmt.Errorf("cache.url is required")
	}
	if c.Inference.BaseURL == "" {
		return fmt.Errorf("inference.base_url is required")
	}
	switch c.Embedding.Provider {
	case "", "local", "openai":
	default:
		return fmt.Errorf("embedding.provider invalid: %q", c.Embedding.Provider)
	}
	if c.Qdrant.Port < 0 || c.Qdrant.Port > 65535 {
		return fmt.Errorf("qdrant.port out of range: %d", c.Qdrant.Port)
	}
	if c.Qdrant.VectorSize < 0 {
		return fmt.Errorf("qdrant.vector_size cannot be negative")
	}
	if c.Admission.BudgetCeiling <= 0 {
		return fmt.Errorf("admission.budget_ceiling must be positive")
	}
	if c.Admission.DriftThreshold <= 0 || c.Admission.DriftThreshold > 1 {
		return fmt.Errorf("admission.drift_threshold must be in (0, 1]")
	}
	if c.Admission.LatencyWindow <= 0 {
		return fmt.Errorf("admission.latency_window must be positive")
	}
	if c.Pipeline.ConfidenceThreshold < 0 || c.Pipeline.ConfidenceThreshold > 1 {
		return fmt.Errorf("pipeline.confidence_threshold must be in [0, 1]")
	}
	if c.Pipeline.MaxIterations <= 0 {
		return fmt.Errorf("pipeline.max_iterations must be positive")
	}
	if c.Memory.EpisodicRecallLimit <= 0 || c.Memory.SemanticRecallLimit <= 0 {
		return fmt.Errorf("memory recall limits must be positive")
	}
	return nil
}

func (l *LoggingConfig) validate() error {
	switch l.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level invalid: %q", l.Level)
	}
	return nil
}
