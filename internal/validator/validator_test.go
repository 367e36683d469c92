package validator

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"finsight/internal/llm"
	"finsight/internal/types"
)

const goodAnalysis = `Insights:
- Spending is concentrated with a single counterparty.
- The balance trend is stable month over month.

Recommendations:
- Review the recurring charge flagged above.`

func TestParseScore(t *testing.T) {
	cases := []struct {
		in   string
		want float64
		ok   bool
	}{
		{"0.85", 0.85, true},
		{"0.85\n", 0.85, true},
		{"8", 0.8, true},
		{"10", 1.0, true},
		{"Score: 7", 0.7, true},
		{"I would rate this 0.9 overall.", 0.9, true},
		{"1", 1.0, true},
		{"0", 0, true},
		{"15", 1.0, true},
		{"no number here", 0, false},
		{"", 0, false},
	}
	for _, tc := range cases {
		got, ok := ParseScore(tc.in)
		assert.Equal(t, tc.ok, ok, "input %q", tc.in)
		if tc.ok {
			assert.InDelta(t, tc.want, got, 1e-9, "input %q", tc.in)
		}
	}
}

func TestScoreStructural(t *testing.T) {
	assert.Equal(t, 1.0, scoreStructural(goodAnalysis))
	assert.Equal(t, 0.0, scoreStructural("just some text with no sections"))
	assert.Equal(t, 0.4, scoreStructural("Insights:\n- only findings here"))
	assert.Equal(t, 0.6, scoreStructural("Recommendations:\n- do x\n\nInsights:\n- backwards"))
	assert.Equal(t, 0.8, scoreStructural("Insights:\n\nRecommendations:\n- only recs"))
	assert.Equal(t, 1.0, scoreStructural("## Insights\n- a\n\n## Recommendations\n- b"))
}

func TestValidateApprovesGoodAnalysis(t *testing.T) {
	judge := llm.NewStubClient("0.9")
	v := New(judge, Config{Mode: ModeStrict})

	verdict, err := v.Validate(context.Background(), goodAnalysis, "the prompt")
	require.NoError(t, err)

	assert.True(t, verdict.Approved)
	assert.Equal(t, types.QualityHigh, verdict.QualityLevel)
	assert.Len(t, verdict.PerCriterion, 5)
	// 0.9 on the four judged criteria plus structural 1.0·0.10.
	assert.InDelta(t, 0.91, verdict.OverallScore, 1e-9)
	assert.Len(t, judge.Calls, 4)
}

func TestValidateRejectsLowScores(t *testing.T) {
	judge := llm.NewStubClient("0.2")
	v := New(judge, Config{Mode: ModeStrict})

	verdict, err := v.Validate(context.Background(), goodAnalysis, "the prompt")
	require.NoError(t, err)

	assert.False(t, verdict.Approved)
	assert.Equal(t, types.QualityPoor, verdict.QualityLevel)
	assert.NotEmpty(t, verdict.Rationale)

	weakest, _ := verdict.WeakestCriterion()
	assert.NotEqual(t, types.CriterionStructural, weakest)
	assert.Contains(t, verdict.Rationale, "weakest criterion "+string(weakest))
}

func TestValidateUnparseableScoreFailsClosed(t *testing.T) {
	judge := llm.NewStubClient("I cannot assign a numeric value to this.")
	v := New(judge, Config{Mode: ModeStrict})

	verdict, err := v.Validate(context.Background(), goodAnalysis, "prompt")
	require.NoError(t, err)

	assert.False(t, verdict.Approved)
	assert.Equal(t, 0.0, verdict.PerCriterion[types.CriterionAccuracy].Score)
	// Only the structural criterion contributes.
	assert.InDelta(t, 0.10, verdict.OverallScore, 1e-9)
}

func TestValidateStrictModeFailsWhenBackendDown(t *testing.T) {
	judge := llm.NewStubClient()
	judge.Err = llm.ErrUnavailable
	v := New(judge, Config{Mode: ModeStrict})

	_, err := v.Validate(context.Background(), goodAnalysis, "prompt")
	require.Error(t, err)
	assert.Equal(t, types.ErrDependency, types.KindOf(err))
}

func TestValidatePermissiveModePassesThroughWhenBackendDown(t *testing.T) {
	judge := llm.NewStubClient()
	judge.Err = llm.ErrUnavailable
	v := New(judge, Config{Mode: ModePermissive})

	verdict, err := v.Validate(context.Background(), goodAnalysis, "prompt")
	require.NoError(t, err)

	assert.True(t, verdict.Approved)
	assert.Equal(t, types.QualityPoor, verdict.QualityLevel)
	assert.Contains(t, verdict.Rationale, "unavailable")
}

func TestValidateFastModeSkipsBackend(t *testing.T) {
	judge := llm.NewStubClient("0.9")
	v := New(judge, Config{Mode: ModeStrict, Fast: true})

	verdict, err := v.Validate(context.Background(), goodAnalysis, "prompt")
	require.NoError(t, err)

	assert.Empty(t, judge.Calls)
	assert.Len(t, verdict.PerCriterion, 5)
	assert.Equal(t, "heuristic scoring", verdict.Rationale)
}

func TestValidateWeightOverrides(t *testing.T) {
	judge := llm.NewStubClient("1.0")
	v := New(judge, Config{
		Mode: ModeStrict,
		Weights: map[string]float64{
			"accuracy": 0.90, "completeness": 0.025, "clarity": 0.025,
			"relevance": 0.025, "structural": 0.025,
		},
	})

	verdict, err := v.Validate(context.Background(), goodAnalysis, "prompt")
	require.NoError(t, err)
	assert.InDelta(t, 0.90, verdict.PerCriterion[types.CriterionAccuracy].Weight, 1e-9)
	assert.True(t, verdict.Approved)
}

func TestValidateCriterionPrompt(t *testing.T) {
	judge := llm.NewStubClient("0.8")
	v := New(judge, Config{Mode: ModeStrict})

	_, err := v.Validate(context.Background(), "the analysis body", "the original prompt")
	require.NoError(t, err)

	require.Len(t, judge.Calls, 4)
	for _, call := range judge.Calls {
		assert.Contains(t, call, "the analysis body")
		assert.Contains(t, call, "the original prompt")
		assert.Contains(t, call, "single number")
	}
}

func TestValidateHonorsOuterBudget(t *testing.T) {
	judge := llm.NewStubClient()
	judge.Fn = func(string) (string, error) {
		time.Sleep(200 * time.Millisecond)
		return "0.9", nil
	}
	v := New(judge, Config{Mode: ModeStrict, OuterBudget: 50 * time.Millisecond, CriterionBudget: time.Second})

	start := time.Now()
	verdict, err := v.Validate(context.Background(), goodAnalysis, "prompt")
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)

	// The stub ignores its context, so scores still land; the real client
	// would have timed out and scored zero. Either way the verdict forms and
	// names the lapsed outer budget.
	require.NotNil(t, verdict)
	assert.Equal(t, "outer_timeout", verdict.Rationale)
}

func TestHeuristicScores(t *testing.T) {
	assert.Equal(t, 0.0, scoreHeuristic(types.CriterionCompleteness, "   "))
	assert.Equal(t, 0.3, scoreHeuristic(types.CriterionCompleteness, "too short"))
	long := strings.Repeat("word ", 150)
	assert.Equal(t, 0.8, scoreHeuristic(types.CriterionCompleteness, long))
	assert.Equal(t, 0.8, scoreHeuristic(types.CriterionClarity, "Insights:\n- bulleted"))
}
