// Package embedding provides vector embedding generation for signature
// lookup. Supports an Ollama HTTP backend and a deterministic keyed-hash
// fallback that keeps retrieval meaningful for byte-identical signatures.
package embedding

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"finsight/internal/logging"
)

// Engine generates vector embeddings for text. Implementations must be
// deterministic: identical input text produces identical vectors within
// numerical tolerance.
type Engine interface {
	// Embed generates an embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimensions returns the dimensionality of embeddings.
	Dimensions() int

	// Name returns the engine name, surfaced in /health and provenance.
	Name() string
}

// HealthChecker is an optional interface for engines that can verify their
// backend is reachable before the factory commits to them.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Config holds embedding engine configuration.
type Config struct {
	Provider   string        // "ollama" or "hash"
	Endpoint   string        // Ollama endpoint, default http://localhost:11434
	Model      string        // Ollama model, default embeddinggemma
	Dimensions int           // fixed per deployment, default 384
	Timeout    time.Duration // per-call HTTP timeout
	Secret     string        // keys the hash fallback
}

// NewEngine creates an embedding engine based on configuration. When the
// configured provider fails its health check the keyed-hash fallback is
// selected instead, so the process always starts with a working embedder.
func NewEngine(ctx context.Context, cfg Config) Engine {
	log := logging.Named("embedding")

	fallback := NewHashEngine(cfg.Secret, cfg.Dimensions)

	switch cfg.Provider {
	case "", "hash":
		log.Info("using keyed-hash embedder", zap.Int("dimensions", fallback.Dimensions()))
		return fallback
	case "ollama":
		engine := NewOllamaEngine(cfg.Endpoint, cfg.Model, cfg.Dimensions, cfg.Timeout)
		probe, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := engine.HealthCheck(probe); err != nil {
			log.Warn("ollama embedder unreachable, degrading to keyed-hash fallback",
				zap.String("endpoint", cfg.Endpoint), zap.Error(err))
			return fallback
		}
		log.Info("using ollama embedder",
			zap.String("model", cfg.Model), zap.Int("dimensions", engine.Dimensions()))
		return engine
	default:
		log.Warn("unknown embedding provider, using keyed-hash fallback",
			zap.String("provider", cfg.Provider))
		return fallback
	}
}

// CosineSimilarity calculates the cosine similarity between two vectors.
// Returns a value between -1 and 1, where 1 means identical.
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("vectors must have the same length: %d != %d", len(a), len(b))
	}

	var dot, aMag, bMag float64
	for i := 0; i < len(a); i++ {
		dot += float64(a[i]) * float64(b[i])
		aMag += float64(a[i]) * float64(a[i])
		bMag += float64(b[i]) * float64(b[i])
	}
	if aMag == 0 || bMag == 0 {
		return 0, nil
	}
	return dot / (math.Sqrt(aMag) * math.Sqrt(bMag)), nil
}

// SimilarityResult pairs a corpus index with its similarity to a query.
type SimilarityResult struct {
	Index      int
	Similarity float64
}

// FindTopK returns the top K most similar corpus vectors to the query,
// sorted by descending cosine similarity. Vectors with mismatched dimensions
// are skipped.
func FindTopK(query []float32, corpus [][]float32, k int) []SimilarityResult {
	if k <= 0 {
		k = 10
	}

	results := make([]SimilarityResult, 0, len(corpus))
	for i, vec := range corpus {
		sim, err := CosineSimilarity(query, vec)
		if err != nil {
			continue
		}
		results = append(results, SimilarityResult{Index: i, Similarity: sim})
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].Similarity > results[j].Similarity
	})
	if len(results) > k {
		results = results[:k]
	}
	return results
}
