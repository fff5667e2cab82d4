package config

import (
	"fmt"
	"time"
)

// Config is the full mnemo configuration
type Config struct {
	// Server
	Server ServerConfig `json:"server" mapstructure:"server"`

	// Providers
	Providers ProvidersConfig `json:"providers" mapstructure:"providers"`

	// Engine
	Engine EngineConfig `json:"engine" mapstructure:"engine"`

	// Extraction jobs
	Jobs JobsConfig `json:"jobs" mapstructure:"jobs"`

	// Maintenance
	Maintenance MaintenanceConfig `json:"maintenance" mapstructure:"maintenance"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// ServerConfig holds HTTP API configuration
type ServerConfig struct {
	Host string `json:"host" mapstructure:"host"`
	Port int    `json:"port" mapstructure:"port"`
}

// ProvidersConfig selects the embedding and completion backends
type ProvidersConfig struct {
	Completion CompletionConfig `json:"completion" mapstructure:"completion"`
	Embedding  EmbeddingConfig  `json:"embedding" mapstructure:"embedding"`
}

// CompletionConfig holds the completion provider settings
type CompletionConfig struct {
	Kind      string `json:"kind" mapstructure:"kind"` // anthropic, openai, ollama
	APIKey    string `json:"api_key" mapstructure:"api_key"`
	Model     string `json:"model" mapstructure:"model"`
	BaseURL   string `json:"base_url" mapstructure:"base_url"`
	MaxTokens int    `json:"max_tokens" mapstructure:"max_tokens"`
}

// EmbeddingConfig holds the embedding provider settings
type EmbeddingConfig struct {
	Kind      string `json:"kind" mapstructure:"kind"` // openai, ollama
	APIKey    string `json:"api_key" mapstructure:"api_key"`
	Model     string `json:"model" mapstructure:"model"`
	BaseURL   string `json:"base_url" mapstructure:"base_url"`
	Dimension int    `json:"dimension" mapstructure:"dimension"`
}

// EngineConfig holds index and backup settings
type EngineConfig struct {
	NoveltyThreshold float64       `json:"novelty_threshold" mapstructure:"novelty_threshold"`
	MaxBackups       int           `json:"max_backups" mapstructure:"max_backups"`
	AutoBackupEvery  time.Duration `json:"auto_backup_every" mapstructure:"auto_backup_every"`
}

// JobsConfig holds extraction scheduler settings
type JobsConfig struct {
	Concurrency int           `json:"concurrency" mapstructure:"concurrency"`
	QueueDepth  int           `json:"queue_depth" mapstructure:"queue_depth"`
	TTL         time.Duration `json:"ttl" mapstructure:"ttl"`
	MaxRecords  int           `json:"max_records" mapstructure:"max_records"`
}

// MaintenanceConfig holds consolidation and pruning settings
type MaintenanceConfig struct {
	Schedule            string  `json:"schedule" mapstructure:"schedule"`
	SimilarityThreshold float64 `json:"similarity_threshold" mapstructure:"similarity_threshold"`
	MinClusterSize      int     `json:"min_cluster_size" mapstructure:"min_cluster_size"`
	DetailDays          int     `json:"detail_days" mapstructure:"detail_days"`
	DecisionDays        int     `json:"decision_days" mapstructure:"decision_days"`
}

// LoggingConfig holds logger settings
type LoggingConfig struct {
	Level   string `json:"level" mapstructure:"level"`
	File    string `json:"file" mapstructure:"file"`
	Console bool   `json:"console" mapstructure:"console"`
	Pretty  bool   `json:"pretty" mapstructure:"pretty"`
}

// DefaultConfig returns the configuration used when no file exists
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 7474,
		},
		Providers: ProvidersConfig{
			Completion: CompletionConfig{
				Kind:  "anthropic",
				Model: "claude-sonnet-4-20250514",
			},
			Embedding: EmbeddingConfig{
				Kind:  "openai",
				Model: "text-embedding-3-small",
			},
		},
		Engine: EngineConfig{
			NoveltyThreshold: 0.88,
			MaxBackups:       10,
			AutoBackupEvery:  10 * time.Minute,
		},
		Jobs: JobsConfig{
			Concurrency: 2,
			QueueDepth:  8,
			TTL:         15 * time.Minute,
			MaxRecords:  200,
		},
		Maintenance: MaintenanceConfig{
			Schedule:            "0 3 * * *",
			SimilarityThreshold: 0.80,
			MinClusterSize:      3,
			DetailDays:          60,
			DecisionDays:        180,
		},
		Logging: LoggingConfig{
			Level:   "info",
			Console: true,
		},
	}
}

// Validate checks the configuration for values that cannot work
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port %d is out of range", c.Server.Port)
	}

	switch c.Providers.Completion.Kind {
	case "anthropic", "openai", "ollama":
	default:
		return fmt.Errorf("unknown completion provider %q", c.Providers.Completion.Kind)
	}
	switch c.Providers.Embedding.Kind {
	case "openai", "ollama":
	default:
		return fmt.Errorf("unknown embedding provider %q", c.Providers.Embedding.Kind)
	}

	if c.Engine.NoveltyThreshold <= 0 || c.Engine.NoveltyThreshold > 1 {
		return fmt.Errorf("novelty threshold %f must be in (0, 1]", c.Engine.NoveltyThreshold)
	}
	if c.Jobs.Concurrency < 1 {
		return fmt.Errorf("job concurrency must be at least 1")
	}
	if c.Jobs.QueueDepth < 1 {
		return fmt.Errorf("job queue depth must be at least 1")
	}
	if c.Maintenance.SimilarityThreshold <= 0 || c.Maintenance.SimilarityThreshold > 1 {
		return fmt.Errorf("similarity threshold %f must be in (0, 1]", c.Maintenance.SimilarityThreshold)
	}
	if c.Maintenance.MinClusterSize < 2 {
		return fmt.Errorf("minimum cluster size must be at least 2")
	}
	if c.Maintenance.DetailDays < 1 || c.Maintenance.DecisionDays < 1 {
		return fmt.Errorf("pruning windows must be at least one day")
	}
	return nil
}
