// Package config loads fractal memory configuration from YAML with
// environment-variable overrides. Missing files fall back to defaults so
// the binary runs out of the box against local Redis and an embedded
// graph store.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// RetrievalWeights controls the contribution of each retrieval arm to the
// fused score. Weights are normalised at retriever construction.
type RetrievalWeights struct {
	Vector  float64 `yaml:"vector" json:"vector"`
	Keyword float64 `yaml:"keyword" json:"keyword"`
	Graph   float64 `yaml:"graph" json:"graph"`
}

// Config is the full runtime configuration.
type Config struct {
	UserID string `yaml:"user_id" json:"user_id"`

	// Graph tier (L2/L3)
	GraphBackend  string `yaml:"graph_backend" json:"graph_backend"` // "neo4j" or "sqlite"
	GraphURI      string `yaml:"graph_uri" json:"graph_uri"`
	GraphUser     string `yaml:"graph_user" json:"graph_user"`
	GraphPassword string `yaml:"graph_password" json:"graph_password"`
	SQLitePath    string `yaml:"sqlite_path" json:"sqlite_path"`

	// Volatile tier (L0/L1)
	VolatileURL string `yaml:"volatile_url" json:"volatile_url"`

	// Tier capacities and lifecycle
	L0Capacity                   int     `yaml:"l0_capacity" json:"l0_capacity"`
	L1TTLDays                    int     `yaml:"l1_ttl_days" json:"l1_ttl_days"`
	BatchSize                    int     `yaml:"batch_size" json:"batch_size"`
	ImportanceThreshold          float64 `yaml:"importance_threshold" json:"importance_threshold"`
	L2Threshold                  float64 `yaml:"l2_threshold" json:"l2_threshold"`
	ConsolidationIntervalSeconds int     `yaml:"consolidation_interval_seconds" json:"consolidation_interval_seconds"`

	// Retrieval
	RetrievalWeights RetrievalWeights `yaml:"retrieval_weights" json:"retrieval_weights"`
	RetrievalLimit   int              `yaml:"retrieval_limit" json:"retrieval_limit"`

	// Reasoning bank
	ExplorationRate           float64 `yaml:"exploration_rate" json:"exploration_rate"`
	ConfidenceBoost           float64 `yaml:"confidence_boost" json:"confidence_boost"`
	ConfidencePenalty         float64 `yaml:"confidence_penalty" json:"confidence_penalty"`
	ExperienceBufferSize      int     `yaml:"experience_buffer_size" json:"experience_buffer_size"`
	MinExperiencesForStrategy int     `yaml:"min_experiences_for_strategy" json:"min_experiences_for_strategy"`

	// Embeddings and LLM
	EmbeddingProvider   string `yaml:"embedding_provider" json:"embedding_provider"` // "ollama", "genai", "hash"
	EmbeddingDimensions int    `yaml:"embedding_dimensions" json:"embedding_dimensions"`
	OllamaEndpoint      string `yaml:"ollama_endpoint" json:"ollama_endpoint"`
	OllamaModel         string `yaml:"ollama_model" json:"ollama_model"`
	GenAIAPIKey         string `yaml:"genai_api_key" json:"genai_api_key"`
	LLMModel            string `yaml:"llm_model" json:"llm_model"`

	// HTTP surface
	ServerAddr  string   `yaml:"server_addr" json:"server_addr"`
	CORSOrigins []string `yaml:"cors_origins" json:"cors_origins"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() *Config {
	return &Config{
		UserID:                       "default",
		GraphBackend:                 "sqlite",
		GraphURI:                     "bolt://localhost:7687",
		GraphUser:                    "neo4j",
		SQLitePath:                   "fractalmem.db",
		VolatileURL:                  "redis://localhost:6379/0",
		L0Capacity:                   500,
		L1TTLDays:                    30,
		BatchSize:                    15,
		ImportanceThreshold:          0.3,
		L2Threshold:                  0.7,
		ConsolidationIntervalSeconds: 300,
		RetrievalWeights:             RetrievalWeights{Vector: 0.5, Keyword: 0.3, Graph: 0.2},
		RetrievalLimit:               5,
		ExplorationRate:              0.1,
		ConfidenceBoost:              0.05,
		ConfidencePenalty:            0.10,
		ExperienceBufferSize:         100,
		MinExperiencesForStrategy:    3,
		EmbeddingProvider:            "ollama",
		EmbeddingDimensions:          1536,
		OllamaEndpoint:               "http://localhost:11434",
		OllamaModel:                  "embeddinggemma",
		LLMModel:                     "gemini-2.0-flash",
		ServerAddr:                   ":8400",
		CORSOrigins:                  []string{"http://localhost:3000"},
	}
}

// Load reads the YAML file at path, applies environment overrides, and
// validates. A missing file is not an error: defaults plus environment
// apply.
func Load(path string, logger *zap.Logger) (*Config, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			logger.Debug("config file not found, using defaults", zap.String("path", path))
		case err != nil:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	cfg.applyEnvOverrides(logger)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// legacyEnv maps deprecated environment names to their replacements.
var legacyEnv = map[string]string{
	"NEO4J_URI":      "GRAPH_URI",
	"NEO4J_USER":     "GRAPH_USER",
	"NEO4J_PASSWORD": "GRAPH_PASSWORD",
	"REDIS_URL":      "VOLATILE_URL",
}

// applyEnvOverrides applies UPPER_SNAKE environment variables on top of
// file values. Legacy names apply only when the canonical name is unset
// and emit a deprecation warning.
func (c *Config) applyEnvOverrides(logger *zap.Logger) {
	lookup := func(key string) string {
		if v := os.Getenv(key); v != "" {
			return v
		}
		for old, canonical := range legacyEnv {
			if canonical == key {
				if v := os.Getenv(old); v != "" {
					logger.Warn("deprecated environment variable",
						zap.String("deprecated", old), zap.String("replacement", canonical))
					return v
				}
			}
		}
		return ""
	}

	setString := func(key string, dst *string) {
		if v := lookup(key); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v := lookup(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			} else {
				logger.Warn("ignoring non-integer environment value",
					zap.String("var", key), zap.String("value", v))
			}
		}
	}
	setFloat := func(key string, dst *float64) {
		if v := lookup(key); v != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				*dst = f
			} else {
				logger.Warn("ignoring non-numeric environment value",
					zap.String("var", key), zap.String("value", v))
			}
		}
	}

	setString("USER_ID", &c.UserID)
	setString("GRAPH_BACKEND", &c.GraphBackend)
	setString("GRAPH_URI", &c.GraphURI)
	setString("GRAPH_USER", &c.GraphUser)
	setString("GRAPH_PASSWORD", &c.GraphPassword)
	setString("SQLITE_PATH", &c.SQLitePath)
	setString("VOLATILE_URL", &c.VolatileURL)
	setInt("L0_CAPACITY", &c.L0Capacity)
	setInt("L1_TTL_DAYS", &c.L1TTLDays)
	setInt("BATCH_SIZE", &c.BatchSize)
	setFloat("IMPORTANCE_THRESHOLD", &c.ImportanceThreshold)
	setFloat("L2_THRESHOLD", &c.L2Threshold)
	setInt("CONSOLIDATION_INTERVAL_SECONDS", &c.ConsolidationIntervalSeconds)
	setFloat("RETRIEVAL_WEIGHT_VECTOR", &c.RetrievalWeights.Vector)
	setFloat("RETRIEVAL_WEIGHT_KEYWORD", &c.RetrievalWeights.Keyword)
	setFloat("RETRIEVAL_WEIGHT_GRAPH", &c.RetrievalWeights.Graph)
	setInt("RETRIEVAL_LIMIT", &c.RetrievalLimit)
	setFloat("EXPLORATION_RATE", &c.ExplorationRate)
	setFloat("CONFIDENCE_BOOST", &c.ConfidenceBoost)
	setFloat("CONFIDENCE_PENALTY", &c.ConfidencePenalty)
	setInt("EXPERIENCE_BUFFER_SIZE", &c.ExperienceBufferSize)
	setInt("MIN_EXPERIENCES_FOR_STRATEGY", &c.MinExperiencesForStrategy)
	setString("EMBEDDING_PROVIDER", &c.EmbeddingProvider)
	setInt("EMBEDDING_DIMENSIONS", &c.EmbeddingDimensions)
	setString("OLLAMA_ENDPOINT", &c.OllamaEndpoint)
	setString("OLLAMA_MODEL", &c.OllamaModel)
	setString("GENAI_API_KEY", &c.GenAIAPIKey)
	setString("LLM_MODEL", &c.LLMModel)
	setString("SERVER_ADDR", &c.ServerAddr)
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		var origins []string
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				origins = append(origins, p)
			}
		}
		c.CORSOrigins = origins
	}
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.UserID) == "" {
		return fmt.Errorf("config: user_id must not be empty")
	}
	if c.GraphBackend != "neo4j" && c.GraphBackend != "sqlite" {
		return fmt.Errorf("config: graph_backend must be neo4j or sqlite, got %q", c.GraphBackend)
	}
	if c.L0Capacity <= 0 {
		return fmt.Errorf("config: l0_capacity must be positive, got %d", c.L0Capacity)
	}
	if c.L1TTLDays <= 0 {
		return fmt.Errorf("config: l1_ttl_days must be positive, got %d", c.L1TTLDays)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("config: batch_size must be positive, got %d", c.BatchSize)
	}
	w := c.RetrievalWeights
	if w.Vector < 0 || w.Keyword < 0 || w.Graph < 0 {
		return fmt.Errorf("config: retrieval weights must be non-negative")
	}
	if w.Vector+w.Keyword+w.Graph == 0 {
		return fmt.Errorf("config: retrieval weights must not all be zero")
	}
	if c.ImportanceThreshold < 0 || c.ImportanceThreshold > 1 {
		return fmt.Errorf("config: importance_threshold must be in [0,1], got %g", c.ImportanceThreshold)
	}
	if c.L2Threshold < 0 || c.L2Threshold > 1 {
		return fmt.Errorf("config: l2_threshold must be in [0,1], got %g", c.L2Threshold)
	}
	// A zero l2_threshold is a deliberate "promote everything" setting.
	if c.L2Threshold > 0 && c.ImportanceThreshold >= c.L2Threshold {
		return fmt.Errorf("config: importance_threshold %g must be below l2_threshold %g",
			c.ImportanceThreshold, c.L2Threshold)
	}
	if c.ExplorationRate < 0 || c.ExplorationRate > 1 {
		return fmt.Errorf("config: exploration_rate must be in [0,1], got %g", c.ExplorationRate)
	}
	if c.EmbeddingDimensions <= 0 {
		return fmt.Errorf("config: embedding_dimensions must be positive, got %d", c.EmbeddingDimensions)
	}
	if c.RetrievalLimit <= 0 {
		return fmt.Errorf("config: retrieval_limit must be positive, got %d", c.RetrievalLimit)
	}
	return nil
}

// ConsolidationInterval returns the background cycle period.
func (c *Config) ConsolidationInterval() time.Duration {
	return time.Duration(c.ConsolidationIntervalSeconds) * time.Second
}

// L1TTL returns the session summary time-to-live.
func (c *Config) L1TTL() time.Duration {
	return time.Duration(c.L1TTLDays) * 24 * time.Hour
}
