package vector

import (
	"context"
	"sync"
)

// MemoryStore is the in-process fallback index used when the SQLite backend
// cannot be opened. Contents last for the process lifetime only; callers must
// tolerate the linear-scan latency.
type MemoryStore struct {
	mu          sync.RWMutex
	collections map[string]map[string]Point
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{collections: make(map[string]map[string]Point)}
}

// Upsert stores or replaces the point.
func (s *MemoryStore) Upsert(_ context.Context, collection string, p Point) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	coll, ok := s.collections[collection]
	if !ok {
		coll = make(map[string]Point)
		s.collections[collection] = coll
	}
	coll[p.ID] = p
	return nil
}

// Query returns up to topK hits at or above minScore, best first.
func (s *MemoryStore) Query(_ context.Context, collection string, vec []float32, topK int, minScore float64) ([]Result, error) {
	s.mu.RLock()
	coll := s.collections[collection]
	points := make([]Point, 0, len(coll))
	for _, p := range coll {
		points = append(points, p)
	}
	s.mu.RUnlock()

	return rankResults(vec, points, topK, minScore), nil
}

// Get fetches a single point by id.
func (s *MemoryStore) Get(_ context.Context, collection, id string) (*Point, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.collections[collection][id]
	if !ok {
		return nil, false, nil
	}
	return &p, true, nil
}

// Delete removes a point. Deleting a missing id is not an error.
func (s *MemoryStore) Delete(_ context.Context, collection, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.collections[collection], id)
	return nil
}

// Count returns the number of points in a collection.
func (s *MemoryStore) Count(_ context.Context, collection string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.collections[collection]), nil
}

// List returns every point in a collection.
func (s *MemoryStore) List(_ context.Context, collection string) ([]Point, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	coll := s.collections[collection]
	points := make([]Point, 0, len(coll))
	for _, p := range coll {
		points = append(points, p)
	}
	return points, nil
}

// Backend reports the backend type for /health.
func (s *MemoryStore) Backend() string { return "memory" }

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error { return nil }
