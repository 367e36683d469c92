package vector

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists vectors in a single SQLite database. Embeddings are
// JSON-encoded per row; similarity is computed with a linear scan, which is
// adequate for the pattern-store scale this serves.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// OpenSQLite opens (creating if needed) the vector database at path.
// Use ":memory:" for an ephemeral database in tests.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open vector db: %w", err)
	}
	// One writer at a time keeps modernc's file locking happy.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, path: path}
	if err := s.initializeSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initializeSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS vectors (
		collection TEXT NOT NULL,
		id TEXT NOT NULL,
		embedding TEXT NOT NULL,
		payload TEXT NOT NULL DEFAULT '{}',
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (collection, id)
	);
	CREATE INDEX IF NOT EXISTS idx_vectors_collection ON vectors(collection);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize vector schema: %w", err)
	}
	return nil
}

// Upsert stores or replaces the point. Repeating the same point is a no-op
// semantically.
func (s *SQLiteStore) Upsert(ctx context.Context, collection string, p Point) error {
	embeddingJSON, err := json.Marshal(p.Vector)
	if err != nil {
		return fmt.Errorf("failed to serialize embedding: %w", err)
	}
	payloadJSON, err := json.Marshal(p.Payload)
	if err != nil {
		return fmt.Errorf("failed to serialize payload: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO vectors (collection, id, embedding, payload, updated_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(collection, id) DO UPDATE SET
			embedding = excluded.embedding,
			payload = excluded.payload,
			updated_at = CURRENT_TIMESTAMP
	`, collection, p.ID, string(embeddingJSON), string(payloadJSON))
	return err
}

// Query returns up to topK hits at or above minScore, best first.
func (s *SQLiteStore) Query(ctx context.Context, collection string, vec []float32, topK int, minScore float64) ([]Result, error) {
	points, err := s.load(ctx, collection)
	if err != nil {
		return nil, err
	}
	return rankResults(vec, points, topK, minScore), nil
}

// Get fetches a single point by id.
func (s *SQLiteStore) Get(ctx context.Context, collection, id string) (*Point, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT embedding, payload FROM vectors WHERE collection = ? AND id = ?`,
		collection, id)

	var embeddingJSON, payloadJSON string
	if err := row.Scan(&embeddingJSON, &payloadJSON); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, err
	}

	p := Point{ID: id}
	if err := json.Unmarshal([]byte(embeddingJSON), &p.Vector); err != nil {
		return nil, false, fmt.Errorf("corrupt embedding for %s/%s: %w", collection, id, err)
	}
	if err := json.Unmarshal([]byte(payloadJSON), &p.Payload); err != nil {
		return nil, false, fmt.Errorf("corrupt payload for %s/%s: %w", collection, id, err)
	}
	return &p, true, nil
}

// Delete removes a point. Deleting a missing id is not an error.
func (s *SQLiteStore) Delete(ctx context.Context, collection, id string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM vectors WHERE collection = ? AND id = ?`, collection, id)
	return err
}

// Count returns the number of points in a collection.
func (s *SQLiteStore) Count(ctx context.Context, collection string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM vectors WHERE collection = ?`, collection).Scan(&n)
	return n, err
}

// List returns every point in a collection.
func (s *SQLiteStore) List(ctx context.Context, collection string) ([]Point, error) {
	return s.load(ctx, collection)
}

// Backend reports the backend type for /health.
func (s *SQLiteStore) Backend() string { return "sqlite" }

// Close closes the underlying database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) load(ctx context.Context, collection string) ([]Point, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, embedding, payload FROM vectors WHERE collection = ?`, collection)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var points []Point
	for rows.Next() {
		var p Point
		var embeddingJSON, payloadJSON string
		if err := rows.Scan(&p.ID, &embeddingJSON, &payloadJSON); err != nil {
			continue
		}
		if err := json.Unmarshal([]byte(embeddingJSON), &p.Vector); err != nil {
			continue
		}
		if payloadJSON != "" {
			_ = json.Unmarshal([]byte(payloadJSON), &p.Payload)
		}
		points = append(points, p)
	}
	return points, rows.Err()
}
