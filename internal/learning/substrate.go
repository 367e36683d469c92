package learning

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"finsight/internal/embedding"
	"finsight/internal/logging"
	"finsight/internal/types"
	"finsight/internal/vector"
)

// Writer is the narrow substrate interface handed to the quality improvement
// engine: it can append and reinforce patterns but cannot query or decay.
type Writer interface {
	Append(ctx context.Context, kind types.PatternKind, vec []float32, payload string, metadata map[string]string, approved bool, quality float64) (*PatternRecord, error)
	Reinforce(ctx context.Context, kind types.PatternKind, id string, approved bool, quality float64) error
}

// Match pairs a retrieved record with its similarity to the query.
type Match struct {
	Record     PatternRecord
	Similarity float64
}

// Config tunes the substrate's background maintenance.
type Config struct {
	DecayInterval time.Duration
	// MaxAge enables cleanup of records older than this; zero disables it.
	MaxAge time.Duration
	// MinUses protects well-used records from cleanup regardless of age.
	MinUses int64
}

// Substrate wraps the vector store with typed collections and reinforcement
// semantics. It exclusively owns PatternRecords after Append; all other
// components hold ids only.
type Substrate struct {
	store    vector.Store
	embedder embedding.Engine
	adaptive *Adaptive
	cfg      Config
	log      *zap.Logger

	// idLocks serializes stat merges per record id.
	idLocks sync.Map // string -> *sync.Mutex

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewSubstrate creates the substrate and starts its decay loop.
func NewSubstrate(store vector.Store, embedder embedding.Engine, adaptive *Adaptive, cfg Config) *Substrate {
	if cfg.DecayInterval <= 0 {
		cfg.DecayInterval = time.Minute
	}
	s := &Substrate{
		store:    store,
		embedder: embedder,
		adaptive: adaptive,
		cfg:      cfg,
		log:      logging.Named("learning"),
		stop:     make(chan struct{}),
	}
	s.wg.Add(1)
	go s.decayLoop()
	return s
}

// Embed produces the signature vector for a canonical signature string.
func (s *Substrate) Embed(ctx context.Context, signature string) ([]float32, error) {
	return s.embedder.Embed(ctx, signature)
}

// EmbedderName reports the active embedder for provenance metadata.
func (s *Substrate) EmbedderName() string {
	return s.embedder.Name()
}

// Append stores a new pattern record. The record is complete before the
// upsert, so a cancelled request can never leave a half-written record.
func (s *Substrate) Append(ctx context.Context, kind types.PatternKind, vec []float32, payload string, metadata map[string]string, approved bool, quality float64) (*PatternRecord, error) {
	now := time.Now().UTC()
	rec := &PatternRecord{
		ID:       uuid.NewString(),
		Kind:     kind,
		Payload:  payload,
		Metadata: metadata,
		Stats:    initialStats(approved, quality, now),
	}
	rec.Reinforcement = ComputeReinforcement(rec.Stats, now)

	if err := s.put(ctx, rec, vec); err != nil {
		return nil, fmt.Errorf("append %s pattern: %w", kind, err)
	}

	s.log.Debug("pattern appended",
		zap.String("kind", string(kind)),
		zap.String("id", rec.ID),
		zap.Bool("approved", approved),
		zap.Float64("quality", quality))
	return rec, nil
}

// Reinforce folds one observation into an existing record's stats and
// recomputes its cached reinforcement. Updates on the same id are serialized.
func (s *Substrate) Reinforce(ctx context.Context, kind types.PatternKind, id string, approved bool, quality float64) error {
	muAny, _ := s.idLocks.LoadOrStore(id, &sync.Mutex{})
	mu := muAny.(*sync.Mutex)
	mu.Lock()
	defer mu.Unlock()

	point, found, err := s.store.Get(ctx, kind.Collection(), id)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("pattern %s/%s not found", kind, id)
	}

	rec, err := decodeRecord(point.Payload)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	rec.Stats = merge(rec.Stats, approved, quality, now)
	rec.Reinforcement = ComputeReinforcement(rec.Stats, now)

	return s.put(ctx, rec, point.Vector)
}

// BestOf returns the record maximizing similarity × reinforcement among those
// with similarity at or above minSimilarity. Ties break toward the newer
// LastUsedAt, then the lower id, so retrieval is stable.
func (s *Substrate) BestOf(ctx context.Context, kind types.PatternKind, queryVec []float32, minSimilarity float64) (*Match, error) {
	const candidatePool = 16

	hits, err := s.store.Query(ctx, kind.Collection(), queryVec, candidatePool, minSimilarity)
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		return nil, nil
	}

	var best *Match
	var bestScore float64
	for _, hit := range hits {
		rec, err := decodeRecord(hit.Payload)
		if err != nil {
			continue
		}
		score := hit.Score * rec.Reinforcement
		if best == nil || score > bestScore ||
			(score == bestScore && breaksTie(rec, &best.Record)) {
			best = &Match{Record: *rec, Similarity: hit.Score}
			bestScore = score
		}
	}
	return best, nil
}

// breaksTie prefers candidate over incumbent: newer last use wins, then the
// lexically lower id.
func breaksTie(candidate, incumbent *PatternRecord) bool {
	if !candidate.Stats.LastUsedAt.Equal(incumbent.Stats.LastUsedAt) {
		return candidate.Stats.LastUsedAt.After(incumbent.Stats.LastUsedAt)
	}
	return candidate.ID < incumbent.ID
}

// Similar returns the top-k records by raw similarity, unweighted. Used for
// analytics surfaces, not retrieval.
func (s *Substrate) Similar(ctx context.Context, kind types.PatternKind, queryVec []float32, k int, minSimilarity float64) ([]Match, error) {
	hits, err := s.store.Query(ctx, kind.Collection(), queryVec, k, minSimilarity)
	if err != nil {
		return nil, err
	}
	matches := make([]Match, 0, len(hits))
	for _, hit := range hits {
		rec, err := decodeRecord(hit.Payload)
		if err != nil {
			continue
		}
		matches = append(matches, Match{Record: *rec, Similarity: hit.Score})
	}
	return matches, nil
}

// Adaptive exposes the threshold state.
func (s *Substrate) Adaptive() *Adaptive { return s.adaptive }

// Stats reports per-collection record counts for /status.
func (s *Substrate) Stats(ctx context.Context) map[string]int {
	out := make(map[string]int)
	for _, kind := range []types.PatternKind{
		types.PatternPrompt, types.PatternAnalysis, types.PatternValidation,
		types.PatternReasoning, types.PatternCrossLink,
	} {
		n, err := s.store.Count(ctx, kind.Collection())
		if err != nil {
			continue
		}
		out[kind.Collection()] = n
	}
	return out
}

// Close stops background maintenance and the adaptive loop.
func (s *Substrate) Close() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.wg.Wait()
	if s.adaptive != nil {
		s.adaptive.Close()
	}
}

// decayLoop recomputes cached reinforcements once per tick so recency decay
// takes effect without touching the read path, and optionally cleans up old
// low-use records.
func (s *Substrate) decayLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.DecayInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.decayPass(context.Background())
		}
	}
}

func (s *Substrate) decayPass(ctx context.Context) {
	now := time.Now().UTC()
	for _, kind := range []types.PatternKind{
		types.PatternPrompt, types.PatternAnalysis, types.PatternValidation,
		types.PatternReasoning, types.PatternCrossLink,
	} {
		points, err := s.store.List(ctx, kind.Collection())
		if err != nil {
			s.log.Warn("decay pass list failed", zap.String("collection", kind.Collection()), zap.Error(err))
			continue
		}
		removed := 0
		for _, point := range points {
			rec, err := decodeRecord(point.Payload)
			if err != nil {
				continue
			}

			if s.cfg.MaxAge > 0 &&
				now.Sub(rec.Stats.LastUsedAt) > s.cfg.MaxAge &&
				rec.Stats.Uses < s.cfg.MinUses {
				if err := s.store.Delete(ctx, kind.Collection(), rec.ID); err == nil {
					removed++
				}
				continue
			}

			fresh := ComputeReinforcement(rec.Stats, now)
			if fresh == rec.Reinforcement {
				continue
			}
			rec.Reinforcement = fresh
			_ = s.put(ctx, rec, point.Vector)
		}
		if removed > 0 {
			s.log.Info("pruned aged patterns",
				zap.String("collection", kind.Collection()), zap.Int("removed", removed))
		}
	}
}

// put writes a record to its collection.
func (s *Substrate) put(ctx context.Context, rec *PatternRecord, vec []float32) error {
	payload, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	return s.store.Upsert(ctx, rec.Kind.Collection(), vector.Point{
		ID:      rec.ID,
		Vector:  vec,
		Payload: payload,
	})
}

// encodeRecord converts a record into the store's payload map via JSON.
func encodeRecord(rec *PatternRecord) (map[string]any, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode pattern record: %w", err)
	}
	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// decodeRecord converts a stored payload map back into a record.
func decodeRecord(payload map[string]any) (*PatternRecord, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var rec PatternRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode pattern record: %w", err)
	}
	if rec.ID == "" {
		return nil, fmt.Errorf("pattern record missing id")
	}
	return &rec, nil
}

// SortMatchesByReinforcement orders matches by cached reinforcement, best
// first, with the BestOf tie-break. Used by improved-template retrieval.
func SortMatchesByReinforcement(matches []Match) {
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Record.Reinforcement != matches[j].Record.Reinforcement {
			return matches[i].Record.Reinforcement > matches[j].Record.Reinforcement
		}
		return breaksTie(&matches[i].Record, &matches[j].Record)
	})
}
