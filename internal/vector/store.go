// Package vector provides the vector index adapter: idempotent upserts and
// cosine-similarity queries over named collections, with a durable SQLite
// backend and an in-memory linear-scan fallback.
package vector

import (
	"context"

	"finsight/internal/embedding"
)

// Point is one stored vector with its payload.
type Point struct {
	ID      string
	Vector  []float32
	Payload map[string]any
}

// Result is one query hit, scored by cosine similarity.
type Result struct {
	ID      string
	Score   float64
	Payload map[string]any
}

// Store is the vector index contract. Upsert is idempotent on (collection,
// id). Query returns hits sorted by descending score and is read-committed
// relative to completed upserts on the same collection.
type Store interface {
	Upsert(ctx context.Context, collection string, p Point) error
	Query(ctx context.Context, collection string, vec []float32, topK int, minScore float64) ([]Result, error)
	Get(ctx context.Context, collection, id string) (*Point, bool, error)
	Delete(ctx context.Context, collection, id string) error
	Count(ctx context.Context, collection string) (int, error)
	// List returns every point in a collection, in no particular order.
	// Used by background maintenance, not the request path.
	List(ctx context.Context, collection string) ([]Point, error)
	Backend() string
	Close() error
}

// rankResults scores candidates against a query vector and returns hits at or
// above minScore, best first. Shared by both backends.
func rankResults(query []float32, points []Point, topK int, minScore float64) []Result {
	corpus := make([][]float32, len(points))
	for i := range points {
		corpus[i] = points[i].Vector
	}

	top := embedding.FindTopK(query, corpus, topK)
	results := make([]Result, 0, len(top))
	for _, hit := range top {
		if hit.Similarity < minScore {
			continue
		}
		p := points[hit.Index]
		results = append(results, Result{ID: p.ID, Score: hit.Similarity, Payload: p.Payload})
	}
	return results
}
