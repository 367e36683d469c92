package learning

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"finsight/internal/embedding"
	"finsight/internal/types"
	"finsight/internal/vector"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestSubstrate(t *testing.T) *Substrate {
	t.Helper()
	store := vector.NewMemoryStore()
	embedder := embedding.NewHashEngine("test", 64)
	adaptive := NewAdaptive(0.70, 0.80, 0.60)
	s := NewSubstrate(store, embedder, adaptive, Config{DecayInterval: time.Hour})
	t.Cleanup(func() {
		s.Close()
		store.Close()
	})
	return s
}

func TestSubstrateAppendAndBestOf(t *testing.T) {
	s := newTestSubstrate(t)
	ctx := context.Background()

	vec, err := s.Embed(ctx, "ctx=banking;{amount:num:1e3}")
	require.NoError(t, err)

	rec, err := s.Append(ctx, types.PatternPrompt, vec, "prompt text", nil, true, 0.9)
	require.NoError(t, err)
	require.NotEmpty(t, rec.ID)
	assert.Greater(t, rec.Reinforcement, 0.0)

	match, err := s.BestOf(ctx, types.PatternPrompt, vec, 0.99)
	require.NoError(t, err)
	require.NotNil(t, match)
	assert.Equal(t, rec.ID, match.Record.ID)
	assert.InDelta(t, 1.0, match.Similarity, 1e-6)
}

func TestSubstrateBestOfRespectsSimilarityFloor(t *testing.T) {
	s := newTestSubstrate(t)
	ctx := context.Background()

	vec, _ := s.Embed(ctx, "stored signature")
	_, err := s.Append(ctx, types.PatternPrompt, vec, "stored", nil, true, 0.9)
	require.NoError(t, err)

	// A different signature embeds to an unrelated hash vector.
	other, _ := s.Embed(ctx, "completely different signature")
	match, err := s.BestOf(ctx, types.PatternPrompt, other, 0.95)
	require.NoError(t, err)
	assert.Nil(t, match)
}

func TestSubstrateReinforceRaisesScore(t *testing.T) {
	s := newTestSubstrate(t)
	ctx := context.Background()

	vec, _ := s.Embed(ctx, "sig")
	rec, err := s.Append(ctx, types.PatternPrompt, vec, "p", nil, false, 0.2)
	require.NoError(t, err)
	before := rec.Reinforcement

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Reinforce(ctx, types.PatternPrompt, rec.ID, true, 0.95))
	}

	match, err := s.BestOf(ctx, types.PatternPrompt, vec, 0.99)
	require.NoError(t, err)
	require.NotNil(t, match)
	assert.Greater(t, match.Record.Reinforcement, before)
	assert.Equal(t, int64(6), match.Record.Stats.Uses)
	assert.Equal(t, int64(5), match.Record.Stats.Successes)
}

func TestSubstrateReinforceUnknownID(t *testing.T) {
	s := newTestSubstrate(t)
	err := s.Reinforce(context.Background(), types.PatternPrompt, "ghost", true, 1)
	assert.Error(t, err)
}

func TestSubstrateBestOfPrefersReinforced(t *testing.T) {
	s := newTestSubstrate(t)
	ctx := context.Background()

	vec, _ := s.Embed(ctx, "shared signature")

	weak, err := s.Append(ctx, types.PatternPrompt, vec, "weak", nil, false, 0.1)
	require.NoError(t, err)
	strong, err := s.Append(ctx, types.PatternPrompt, vec, "strong", nil, true, 0.95)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, s.Reinforce(ctx, types.PatternPrompt, strong.ID, true, 0.95))
	}

	match, err := s.BestOf(ctx, types.PatternPrompt, vec, 0.99)
	require.NoError(t, err)
	require.NotNil(t, match)
	assert.Equal(t, strong.ID, match.Record.ID)
	assert.NotEqual(t, weak.ID, match.Record.ID)
}

func TestSubstrateDecayPrunesAgedLowUseRecords(t *testing.T) {
	store := vector.NewMemoryStore()
	defer store.Close()
	embedder := embedding.NewHashEngine("test", 32)
	adaptive := NewAdaptive(0.70, 0.80, 0.60)
	s := NewSubstrate(store, embedder, adaptive, Config{
		DecayInterval: time.Hour,
		MaxAge:        time.Minute,
		MinUses:       5,
	})
	defer s.Close()
	ctx := context.Background()

	vec, _ := s.Embed(ctx, "old")
	rec, err := s.Append(ctx, types.PatternPrompt, vec, "old pattern", nil, true, 0.9)
	require.NoError(t, err)

	// Age the record past MaxAge by rewriting its stats directly.
	point, found, err := store.Get(ctx, types.PatternPrompt.Collection(), rec.ID)
	require.NoError(t, err)
	require.True(t, found)
	aged, err := decodeRecord(point.Payload)
	require.NoError(t, err)
	aged.Stats.LastUsedAt = time.Now().UTC().Add(-time.Hour)
	require.NoError(t, s.put(ctx, aged, point.Vector))

	s.decayPass(ctx)

	_, found, err = store.Get(ctx, types.PatternPrompt.Collection(), rec.ID)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestSubstrateStats(t *testing.T) {
	s := newTestSubstrate(t)
	ctx := context.Background()

	vec, _ := s.Embed(ctx, "sig")
	_, err := s.Append(ctx, types.PatternPrompt, vec, "p", nil, true, 0.9)
	require.NoError(t, err)
	_, err = s.Append(ctx, types.PatternAnalysis, vec, "a", nil, true, 0.9)
	require.NoError(t, err)

	stats := s.Stats(ctx)
	assert.Equal(t, 1, stats["prompt_patterns"])
	assert.Equal(t, 1, stats["analysis_patterns"])
	assert.Equal(t, 0, stats["validation_patterns"])
}

func TestSortMatchesByReinforcement(t *testing.T) {
	now := time.Now().UTC()
	matches := []Match{
		{Record: PatternRecord{ID: "b", Reinforcement: 0.5, Stats: Stats{LastUsedAt: now}}},
		{Record: PatternRecord{ID: "a", Reinforcement: 0.5, Stats: Stats{LastUsedAt: now}}},
		{Record: PatternRecord{ID: "c", Reinforcement: 0.9, Stats: Stats{LastUsedAt: now}}},
	}
	SortMatchesByReinforcement(matches)

	assert.Equal(t, "c", matches[0].Record.ID)
	assert.Equal(t, "a", matches[1].Record.ID, "equal reinforcement ties break to the lower id")
	assert.Equal(t, "b", matches[2].Record.ID)
}
