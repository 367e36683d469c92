package vector

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBackends(t *testing.T) map[string]Store {
	t.Helper()
	sqlite, err := OpenSQLite(filepath.Join(t.TempDir(), "vectors.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })

	mem := NewMemoryStore()
	t.Cleanup(func() { mem.Close() })

	return map[string]Store{"sqlite": sqlite, "memory": mem}
}

func TestStoreRoundTrip(t *testing.T) {
	for name, store := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			err := store.Upsert(ctx, "prompt_patterns", Point{
				ID:      "p1",
				Vector:  []float32{1, 0, 0},
				Payload: map[string]any{"payload": "hello"},
			})
			require.NoError(t, err)

			got, found, err := store.Get(ctx, "prompt_patterns", "p1")
			require.NoError(t, err)
			require.True(t, found)
			assert.Equal(t, "hello", got.Payload["payload"])

			n, err := store.Count(ctx, "prompt_patterns")
			require.NoError(t, err)
			assert.Equal(t, 1, n)
		})
	}
}

func TestStoreUpsertIdempotent(t *testing.T) {
	for name, store := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			for i := 0; i < 3; i++ {
				err := store.Upsert(ctx, "analysis_patterns", Point{
					ID:      "same",
					Vector:  []float32{0, 1},
					Payload: map[string]any{"rev": float64(i)},
				})
				require.NoError(t, err)
			}

			n, err := store.Count(ctx, "analysis_patterns")
			require.NoError(t, err)
			assert.Equal(t, 1, n)

			got, found, err := store.Get(ctx, "analysis_patterns", "same")
			require.NoError(t, err)
			require.True(t, found)
			assert.Equal(t, float64(2), got.Payload["rev"])
		})
	}
}

func TestStoreQueryRanksBySimilarity(t *testing.T) {
	for name, store := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			points := []Point{
				{ID: "orthogonal", Vector: []float32{0, 1}, Payload: map[string]any{}},
				{ID: "exact", Vector: []float32{1, 0}, Payload: map[string]any{}},
				{ID: "close", Vector: []float32{0.95, 0.05}, Payload: map[string]any{}},
			}
			for _, p := range points {
				require.NoError(t, store.Upsert(ctx, "prompt_patterns", p))
			}

			hits, err := store.Query(ctx, "prompt_patterns", []float32{1, 0}, 10, 0.5)
			require.NoError(t, err)
			require.Len(t, hits, 2)
			assert.Equal(t, "exact", hits[0].ID)
			assert.Equal(t, "close", hits[1].ID)
		})
	}
}

func TestStoreDelete(t *testing.T) {
	for name, store := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			require.NoError(t, store.Upsert(ctx, "prompt_patterns", Point{
				ID: "gone", Vector: []float32{1}, Payload: map[string]any{},
			}))
			require.NoError(t, store.Delete(ctx, "prompt_patterns", "gone"))

			_, found, err := store.Get(ctx, "prompt_patterns", "gone")
			require.NoError(t, err)
			assert.False(t, found)
		})
	}
}

func TestStoreCollectionsAreIsolated(t *testing.T) {
	for name, store := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			require.NoError(t, store.Upsert(ctx, "prompt_patterns", Point{
				ID: "x", Vector: []float32{1}, Payload: map[string]any{},
			}))

			n, err := store.Count(ctx, "validation_patterns")
			require.NoError(t, err)
			assert.Zero(t, n)

			points, err := store.List(ctx, "prompt_patterns")
			require.NoError(t, err)
			assert.Len(t, points, 1)
		})
	}
}

func TestSQLiteStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "persist.db")
	ctx := context.Background()

	first, err := OpenSQLite(path)
	require.NoError(t, err)
	require.NoError(t, first.Upsert(ctx, "prompt_patterns", Point{
		ID: "keep", Vector: []float32{1, 2}, Payload: map[string]any{"payload": "persisted"},
	}))
	require.NoError(t, first.Close())

	second, err := OpenSQLite(path)
	require.NoError(t, err)
	defer second.Close()

	got, found, err := second.Get(ctx, "prompt_patterns", "keep")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "persisted", got.Payload["payload"])
}

func TestOpenFallsBackToMemory(t *testing.T) {
	store := Open(filepath.Join(t.TempDir(), "missing-dir", "x", "y", "vectors.db"))
	defer store.Close()
	assert.Equal(t, "memory", store.Backend())
}
