// Package config holds all finsight configuration. Config is loaded once at
// startup from YAML, overlaid with FINSIGHT_* environment variables, and
// validated before any component is constructed.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration document.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Pseudonym  PseudonymConfig  `yaml:"pseudonym"`
	TokenStore TokenStoreConfig `yaml:"token_store"`
	Vector     VectorConfig     `yaml:"vector"`
	Embedding  EmbeddingConfig  `yaml:"embedding"`
	LLM        LLMConfig        `yaml:"llm"`
	Validator  ValidatorConfig  `yaml:"validator"`
	Enrichment EnrichmentConfig `yaml:"enrichment"`
	Learning   LearningConfig   `yaml:"learning"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Debug      bool             `yaml:"debug"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// PseudonymConfig configures PII detection and tokenization.
type PseudonymConfig struct {
	// Secret keys the HMAC that derives tokens. Same secret, same tokens.
	Secret string `yaml:"secret"`
	// DetectionThreshold gates content-regex matches (0..1).
	DetectionThreshold float64 `yaml:"detection_threshold"`
	// MappingTTL bounds how long repersonalization stays possible.
	MappingTTL time.Duration `yaml:"mapping_ttl"`
}

// TokenStoreConfig selects the PseudonymMapping store backend.
type TokenStoreConfig struct {
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	DialTimeout   time.Duration `yaml:"dial_timeout"`
}

// VectorConfig selects the vector index backend.
type VectorConfig struct {
	// Path is the SQLite database file; empty selects in-memory only.
	Path string `yaml:"path"`
}

// EmbeddingConfig configures the embedding engine.
type EmbeddingConfig struct {
	Provider   string        `yaml:"provider"` // ollama | hash
	Endpoint   string        `yaml:"endpoint"`
	Model      string        `yaml:"model"`
	Dimensions int           `yaml:"dimensions"`
	Timeout    time.Duration `yaml:"timeout"`
}

// LLMConfig configures the text-completion backend.
type LLMConfig struct {
	Endpoint string        `yaml:"endpoint"`
	Model    string        `yaml:"model"`
	Timeout  time.Duration `yaml:"timeout"`
}

// ValidatorConfig configures the blocking quality gate.
type ValidatorConfig struct {
	Endpoint        string        `yaml:"endpoint"`
	Model           string        `yaml:"model"`
	Mode            string        `yaml:"mode"` // strict | permissive
	ApprovalGate    float64       `yaml:"approval_gate"`
	CriterionBudget time.Duration `yaml:"criterion_budget"`
	OuterBudget     time.Duration `yaml:"outer_budget"`
	// Weights overrides the default criterion weights; must sum to 1.
	Weights map[string]float64 `yaml:"weights"`
}

// EnrichmentConfig configures the external intelligence client.
type EnrichmentConfig struct {
	Endpoint string        `yaml:"endpoint"`
	Budget   time.Duration `yaml:"budget"`
	HardCap  time.Duration `yaml:"hard_cap"`
}

// LearningConfig configures the substrate and its background maintenance.
type LearningConfig struct {
	DecayInterval  time.Duration `yaml:"decay_interval"`
	MaxAge         time.Duration `yaml:"max_age"`  // 0 disables cleanup
	MinUses        int           `yaml:"min_uses"` // records at or above are never auto-deleted
	QualityGate    float64       `yaml:"quality_gate"`
	SimilarityGate float64       `yaml:"similarity_gate"`
	ReinforceGate  float64       `yaml:"reinforce_gate"`
}

// PipelineConfig bounds orchestrator concurrency and retries.
type PipelineConfig struct {
	MaxConcurrent   int           `yaml:"max_concurrent"`
	QueueBound      int           `yaml:"queue_bound"`
	RequestBudget   time.Duration `yaml:"request_budget"`
	ValidateReserve time.Duration `yaml:"validate_reserve"`
	MaxRetries      int           `yaml:"max_retries"`
}

// Default returns the configuration used when no file is supplied.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    120 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Pseudonym: PseudonymConfig{
			DetectionThreshold: 0.5,
			MappingTTL:         24 * time.Hour,
		},
		TokenStore: TokenStoreConfig{
			RedisAddr:   "localhost:6379",
			DialTimeout: 2 * time.Second,
		},
		Vector: VectorConfig{
			Path: "finsight.db",
		},
		Embedding: EmbeddingConfig{
			Provider:   "ollama",
			Endpoint:   "http://localhost:11434",
			Model:      "embeddinggemma",
			Dimensions: 384,
			Timeout:    15 * time.Second,
		},
		LLM: LLMConfig{
			Endpoint: "http://localhost:11434",
			Model:    "llama3.1",
			Timeout:  90 * time.Second,
		},
		Validator: ValidatorConfig{
			Endpoint:        "http://localhost:11434",
			Model:           "llama3.1",
			Mode:            "strict",
			ApprovalGate:    0.65,
			CriterionBudget: 10 * time.Second,
			OuterBudget:     20 * time.Second,
		},
		Enrichment: EnrichmentConfig{
			Budget:  10 * time.Second,
			HardCap: 30 * time.Second,
		},
		Learning: LearningConfig{
			DecayInterval:  time.Minute,
			MinUses:        5,
			QualityGate:    0.70,
			SimilarityGate: 0.80,
			ReinforceGate:  0.60,
		},
		Pipeline: PipelineConfig{
			MaxConcurrent:   8,
			QueueBound:      64,
			RequestBudget:   120 * time.Second,
			ValidateReserve: 20 * time.Second,
			MaxRetries:      1,
		},
	}
}

// Load reads YAML from path over the defaults, then applies env overrides.
// An empty path returns defaults plus env overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays FINSIGHT_* variables on top of file values.
func (c *Config) applyEnv() {
	if v := os.Getenv("FINSIGHT_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("FINSIGHT_SECRET"); v != "" {
		c.Pseudonym.Secret = v
	}
	if v := os.Getenv("FINSIGHT_REDIS_ADDR"); v != "" {
		c.TokenStore.RedisAddr = v
	}
	if v := os.Getenv("FINSIGHT_VECTOR_PATH"); v != "" {
		c.Vector.Path = v
	}
	if v := os.Getenv("FINSIGHT_LLM_ENDPOINT"); v != "" {
		c.LLM.Endpoint = v
	}
	if v := os.Getenv("FINSIGHT_VALIDATOR_ENDPOINT"); v != "" {
		c.Validator.Endpoint = v
	}
	if v := os.Getenv("FINSIGHT_VALIDATOR_MODE"); v != "" {
		c.Validator.Mode = v
	}
	if v := os.Getenv("FINSIGHT_ENRICH_ENDPOINT"); v != "" {
		c.Enrichment.Endpoint = v
	}
	if v := os.Getenv("FINSIGHT_EMBED_PROVIDER"); v != "" {
		c.Embedding.Provider = v
	}
	if v := os.Getenv("FINSIGHT_MAX_CONCURRENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Pipeline.MaxConcurrent = n
		}
	}
	if v := os.Getenv("FINSIGHT_DEBUG"); v != "" {
		c.Debug = v == "1" || v == "true"
	}
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.Pseudonym.Secret == "" {
		return fmt.Errorf("pseudonym.secret is required (set FINSIGHT_SECRET)")
	}
	if c.Embedding.Dimensions <= 0 {
		return fmt.Errorf("embedding.dimensions must be positive, got %d", c.Embedding.Dimensions)
	}
	switch c.Validator.Mode {
	case "strict", "permissive":
	default:
		return fmt.Errorf("validator.mode must be strict or permissive, got %q", c.Validator.Mode)
	}
	if c.Validator.ApprovalGate < 0 || c.Validator.ApprovalGate > 1 {
		return fmt.Errorf("validator.approval_gate out of range: %v", c.Validator.ApprovalGate)
	}
	if len(c.Validator.Weights) > 0 {
		var sum float64
		for _, w := range c.Validator.Weights {
			sum += w
		}
		if sum < 0.999 || sum > 1.001 {
			return fmt.Errorf("validator.weights must sum to 1, got %v", sum)
		}
	}
	if c.Pipeline.MaxConcurrent <= 0 {
		return fmt.Errorf("pipeline.max_concurrent must be positive")
	}
	if c.Pipeline.QueueBound < 0 {
		return fmt.Errorf("pipeline.queue_bound must be non-negative")
	}
	return nil
}
