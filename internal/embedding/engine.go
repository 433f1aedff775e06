// Package embedding generates vector embeddings for memory content.
// Backends: Ollama (local), Google GenAI (cloud), and a deterministic
// hash engine for tests and offline operation.
package embedding

import (
	"context"
	"fmt"
)

// Engine generates vector embeddings for text.
type Engine interface {
	// Embed generates an embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the embedding dimensionality.
	Dimensions() int

	// Name returns the engine name for logs and health checks.
	Name() string
}

// HealthChecker is an optional interface for engines that can verify
// backend reachability before batch work starts.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Config selects and configures an engine.
type Config struct {
	Provider string // "ollama", "genai", or "hash"

	OllamaEndpoint string
	OllamaModel    string

	GenAIAPIKey string
	GenAIModel  string

	// Dimensions is the expected embedding width. Engines whose output
	// width differs fail construction so dimensionality mismatches never
	// reach the graph store.
	Dimensions int
}

// NewEngine builds an engine from configuration.
func NewEngine(cfg Config) (Engine, error) {
	switch cfg.Provider {
	case "ollama":
		return NewOllamaEngine(cfg.OllamaEndpoint, cfg.OllamaModel, cfg.Dimensions)
	case "genai":
		return NewGenAIEngine(cfg.GenAIAPIKey, cfg.GenAIModel, cfg.Dimensions)
	case "hash":
		return NewHashEngine(cfg.Dimensions), nil
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s (use ollama, genai, or hash)", cfg.Provider)
	}
}
