package quality

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"finsight/internal/embedding"
	"finsight/internal/learning"
	"finsight/internal/types"
	"finsight/internal/vector"
)

func newTestEngine(t *testing.T) (*Engine, *learning.Substrate) {
	t.Helper()
	store := vector.NewMemoryStore()
	adaptive := learning.NewAdaptive(0.70, 0.80, 0.60)
	substrate := learning.NewSubstrate(store, embedding.NewHashEngine("test", 64), adaptive, learning.Config{DecayInterval: time.Hour})
	t.Cleanup(func() {
		substrate.Close()
		store.Close()
	})
	return NewEngine(substrate, substrate, adaptive), substrate
}

func verdictWith(overall float64, perCriterion map[types.Criterion]float64) *types.ValidationVerdict {
	scores := make(map[types.Criterion]types.CriterionScore, len(perCriterion))
	for c, s := range perCriterion {
		scores[c] = types.CriterionScore{Score: s}
	}
	return &types.ValidationVerdict{
		OverallScore: overall,
		PerCriterion: scores,
		QualityLevel: types.QualityLevelFor(overall),
		Approved:     overall >= 0.65,
	}
}

func TestObserveAboveGateStoresSuccessPattern(t *testing.T) {
	e, substrate := newTestEngine(t)
	ctx := context.Background()

	vec, err := substrate.Embed(ctx, "sig-a")
	require.NoError(t, err)

	v := verdictWith(0.9, map[types.Criterion]float64{types.CriterionAccuracy: 0.9})
	require.NoError(t, e.Observe(ctx, vec, "the prompt", v))

	match, err := substrate.BestOf(ctx, types.PatternPrompt, vec, 0.99)
	require.NoError(t, err)
	require.NotNil(t, match)
	assert.Equal(t, "the prompt", match.Record.Payload)
	assert.Equal(t, "success", match.Record.Metadata["origin"])
}

func TestObserveReinforcesRepeatedSuccess(t *testing.T) {
	e, substrate := newTestEngine(t)
	ctx := context.Background()

	vec, _ := substrate.Embed(ctx, "sig-b")
	v := verdictWith(0.9, map[types.Criterion]float64{types.CriterionAccuracy: 0.9})

	require.NoError(t, e.Observe(ctx, vec, "the prompt", v))
	require.NoError(t, e.Observe(ctx, vec, "the prompt", v))

	n, err := substrate.Similar(ctx, types.PatternPrompt, vec, 10, 0.99)
	require.NoError(t, err)
	require.Len(t, n, 1, "identical signatures reinforce, not duplicate")
	assert.Equal(t, int64(2), n[0].Record.Stats.Uses)
}

func TestObserveBelowGateDerivesImprovedTemplate(t *testing.T) {
	e, substrate := newTestEngine(t)
	ctx := context.Background()

	vec, _ := substrate.Embed(ctx, "sig-c")
	v := verdictWith(0.5, map[types.Criterion]float64{
		types.CriterionAccuracy:   0.4,
		types.CriterionStructural: 0.3,
		types.CriterionClarity:    0.9,
	})
	require.NoError(t, e.Observe(ctx, vec, "base prompt", v))

	improved, err := e.GetImproved(ctx, vec)
	require.NoError(t, err)
	require.NotNil(t, improved)

	assert.True(t, strings.HasPrefix(improved.Record.Payload, "base prompt"))
	assert.Contains(t, improved.Record.Payload, "ACCURACY REQUIREMENT")
	assert.Contains(t, improved.Record.Payload, "OUTPUT STRUCTURE")
	assert.NotContains(t, improved.Record.Payload, "CLARITY REQUIREMENT")
	assert.Equal(t, "accuracy,structural", improved.Record.Metadata["criteria"])
	assert.Equal(t, "true", improved.Record.Metadata["improved_template"])
}

func TestObserveBelowGateWithoutWeakCriteriaStoresNothing(t *testing.T) {
	e, substrate := newTestEngine(t)
	ctx := context.Background()

	vec, _ := substrate.Embed(ctx, "sig-d")
	// Overall under the gate but every criterion holds its floor.
	v := verdictWith(0.6, map[types.Criterion]float64{
		types.CriterionAccuracy: 0.72,
		types.CriterionClarity:  0.75,
	})
	require.NoError(t, e.Observe(ctx, vec, "prompt", v))

	improved, err := e.GetImproved(ctx, vec)
	require.NoError(t, err)
	assert.Nil(t, improved)
}

func TestGetImprovedIgnoresDissimilarSignatures(t *testing.T) {
	e, substrate := newTestEngine(t)
	ctx := context.Background()

	vec, _ := substrate.Embed(ctx, "sig-e")
	v := verdictWith(0.5, map[types.Criterion]float64{types.CriterionAccuracy: 0.4})
	require.NoError(t, e.Observe(ctx, vec, "prompt", v))

	other, _ := substrate.Embed(ctx, "unrelated signature")
	improved, err := e.GetImproved(ctx, other)
	require.NoError(t, err)
	assert.Nil(t, improved)
}

func TestBuildImprovedAppendsDeterministically(t *testing.T) {
	a := BuildImproved("prompt", []types.Criterion{types.CriterionStructural, types.CriterionAccuracy})
	b := BuildImproved("prompt", []types.Criterion{types.CriterionAccuracy, types.CriterionStructural})
	assert.Equal(t, a, b)
	assert.Less(t, strings.Index(a, "ACCURACY"), strings.Index(a, "OUTPUT STRUCTURE"))
}

func TestAmendmentForCoversEveryCriterion(t *testing.T) {
	for _, c := range []types.Criterion{
		types.CriterionAccuracy, types.CriterionCompleteness, types.CriterionClarity,
		types.CriterionRelevance, types.CriterionStructural,
	} {
		assert.NotEmpty(t, AmendmentFor(c), string(c))
	}
}
