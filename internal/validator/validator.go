// Package validator scores analysis responses against weighted quality
// criteria and produces the blocking verdict the pipeline gates on. Four
// criteria are scored by the judging backend in parallel; the structural
// criterion is checked literally against the required response sections.
package validator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"finsight/internal/llm"
	"finsight/internal/logging"
	"finsight/internal/types"
)

// Modes for backend unavailability. Strict refuses to emit an analysis that
// was never judged; permissive lets it through flagged.
const (
	ModeStrict     = "strict"
	ModePermissive = "permissive"
)

// defaultWeights is the criterion weighting used unless overridden. The
// values sum to 1.
var defaultWeights = map[types.Criterion]float64{
	types.CriterionAccuracy:     0.30,
	types.CriterionCompleteness: 0.25,
	types.CriterionClarity:      0.20,
	types.CriterionRelevance:    0.15,
	types.CriterionStructural:   0.10,
}

// criterionPrompts frame each judged criterion. %s slots are the analysis
// and the source prompt, in that order.
var criterionPrompts = map[types.Criterion]string{
	types.CriterionAccuracy: "Judge the ACCURACY of the analysis below: are its claims supported by the data in the request? " +
		"Penalize invented figures and unsupported assertions.",
	types.CriterionCompleteness: "Judge the COMPLETENESS of the analysis below: does it address every entity, amount, and question present in the request?",
	types.CriterionClarity: "Judge the CLARITY of the analysis below: is it well organized, unambiguous, and readable by a non-specialist?",
	types.CriterionRelevance: "Judge the RELEVANCE of the analysis below: does it stay within the financial context of the request, without generic filler?",
}

// Config tunes the validator.
type Config struct {
	Mode            string
	ApprovalGate    float64
	CriterionBudget time.Duration
	OuterBudget     time.Duration
	// Weights overrides defaultWeights when non-empty; keys are criterion
	// names, values must sum to 1.
	Weights map[string]float64
	// Fast skips the judging backend entirely and scores every criterion
	// heuristically. Used by the standalone scoring endpoint.
	Fast bool
}

// Validator runs the quality gate.
type Validator struct {
	client  llm.Client
	cfg     Config
	weights map[types.Criterion]float64
	log     *zap.Logger
}

// New constructs a validator over the given judging client.
func New(client llm.Client, cfg Config) *Validator {
	if cfg.ApprovalGate <= 0 {
		cfg.ApprovalGate = 0.65
	}
	if cfg.CriterionBudget <= 0 {
		cfg.CriterionBudget = 10 * time.Second
	}
	if cfg.OuterBudget <= 0 {
		cfg.OuterBudget = 20 * time.Second
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeStrict
	}

	weights := defaultWeights
	if len(cfg.Weights) > 0 {
		weights = make(map[types.Criterion]float64, len(cfg.Weights))
		for name, w := range cfg.Weights {
			weights[types.Criterion(name)] = w
		}
	}

	return &Validator{
		client:  client,
		cfg:     cfg,
		weights: weights,
		log:     logging.Named("validator"),
	}
}

// Mode reports the configured unavailability mode.
func (v *Validator) Mode() string { return v.cfg.Mode }

// ApprovalGate reports the configured approval threshold.
func (v *Validator) ApprovalGate() float64 { return v.cfg.ApprovalGate }

// Validate scores one analysis against the prompt that produced it. The call
// is bounded by the outer budget; individual criterion timeouts score zero
// rather than failing the verdict. A backend outage yields an error in strict
// mode and a flagged pass-through verdict in permissive mode.
func (v *Validator) Validate(ctx context.Context, analysis, prompt string) (*types.ValidationVerdict, error) {
	start := time.Now()

	outer, cancel := context.WithTimeout(ctx, v.cfg.OuterBudget)
	defer cancel()

	scores := map[types.Criterion]types.CriterionScore{
		types.CriterionStructural: {
			Score:  scoreStructural(analysis),
			Weight: v.weights[types.CriterionStructural],
		},
	}

	if v.cfg.Fast {
		for c := range criterionPrompts {
			scores[c] = types.CriterionScore{Score: scoreHeuristic(c, analysis), Weight: v.weights[c]}
		}
		return v.verdict(scores, "heuristic scoring", start), nil
	}

	type result struct {
		criterion types.Criterion
		score     types.CriterionScore
	}
	results := make(chan result, len(criterionPrompts))

	g, gctx := errgroup.WithContext(outer)
	unavailable := false
	for criterion, framing := range criterionPrompts {
		g.Go(func() error {
			cs, unavail := v.scoreCriterion(gctx, criterion, framing, analysis, prompt)
			if unavail {
				return llm.ErrUnavailable
			}
			results <- result{criterion: criterion, score: cs}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if errors.Is(err, llm.ErrUnavailable) {
			unavailable = true
		} else {
			return nil, types.NewPipelineError(types.ErrDependency, "validate", "criterion scoring failed", err)
		}
	}
	close(results)
	for r := range results {
		scores[r.criterion] = r.score
	}

	if unavailable {
		if v.cfg.Mode == ModeStrict {
			return nil, types.NewPipelineError(types.ErrDependency, "validate", "validation backend unavailable", llm.ErrUnavailable)
		}
		return v.passthrough(analysis, start), nil
	}

	rationale := ""
	if errors.Is(outer.Err(), context.DeadlineExceeded) {
		rationale = "outer_timeout"
	}
	return v.verdict(scores, rationale, start), nil
}

// scoreCriterion judges one criterion under its own deadline. Timeouts and
// unparseable responses score zero. The second return reports backend
// unavailability, which is handled by mode rather than scored.
func (v *Validator) scoreCriterion(ctx context.Context, criterion types.Criterion, framing, analysis, prompt string) (types.CriterionScore, bool) {
	cs := types.CriterionScore{Weight: v.weights[criterion]}

	bctx, cancel := context.WithTimeout(ctx, v.cfg.CriterionBudget)
	defer cancel()

	judgePrompt := fmt.Sprintf(
		"%s\n\nOriginal request:\n%s\n\nAnalysis to judge:\n%s\n\n"+
			"Respond with a single number between 0.0 and 1.0 and nothing else.",
		framing, prompt, analysis)

	raw, err := v.client.Complete(bctx, judgePrompt)
	if err != nil {
		if errors.Is(err, llm.ErrUnavailable) {
			return cs, true
		}
		if bctx.Err() != nil {
			cs.TimedOut = true
		}
		v.log.Warn("criterion scoring failed",
			zap.String("criterion", string(criterion)), zap.Error(err))
		return cs, false
	}

	score, ok := ParseScore(raw)
	if !ok {
		v.log.Warn("unparseable criterion score",
			zap.String("criterion", string(criterion)),
			zap.String("response", truncate(raw, 120)))
		return cs, false
	}
	cs.Score = score
	return cs, false
}

func (v *Validator) verdict(scores map[types.Criterion]types.CriterionScore, rationale string, start time.Time) *types.ValidationVerdict {
	var overall float64
	for _, cs := range scores {
		overall += cs.Score * cs.Weight
	}

	verdict := &types.ValidationVerdict{
		OverallScore: overall,
		PerCriterion: scores,
		QualityLevel: types.QualityLevelFor(overall),
		Approved:     overall >= v.cfg.ApprovalGate,
		Rationale:    rationale,
		ElapsedMS:    time.Since(start).Milliseconds(),
	}
	if verdict.Rationale == "" && !verdict.Approved {
		weakest, _ := verdict.WeakestCriterion()
		verdict.Rationale = fmt.Sprintf("overall %.2f below approval gate %.2f; weakest criterion %s",
			overall, v.cfg.ApprovalGate, weakest)
	}
	return verdict
}

// passthrough is the permissive-mode verdict when the backend is down: the
// analysis flows out approved but visibly unjudged.
func (v *Validator) passthrough(analysis string, start time.Time) *types.ValidationVerdict {
	structural := types.CriterionScore{
		Score:  scoreStructural(analysis),
		Weight: v.weights[types.CriterionStructural],
	}
	return &types.ValidationVerdict{
		OverallScore: structural.Score * structural.Weight,
		PerCriterion: map[types.Criterion]types.CriterionScore{types.CriterionStructural: structural},
		QualityLevel: types.QualityPoor,
		Approved:     true,
		Rationale:    "validation backend unavailable; permissive pass-through",
		ElapsedMS:    time.Since(start).Milliseconds(),
	}
}

// scoreStructural checks the literal response contract: an "Insights" section
// followed by a "Recommendations" section, each non-empty.
func scoreStructural(analysis string) float64 {
	insights := sectionIndex(analysis, "Insights")
	recommendations := sectionIndex(analysis, "Recommendations")

	switch {
	case insights < 0 && recommendations < 0:
		return 0
	case insights < 0 || recommendations < 0:
		return 0.4
	case recommendations < insights:
		return 0.6
	}

	// Both present and ordered; require content between and after the labels.
	between := strings.TrimSpace(analysis[insights+len("Insights") : recommendations])
	after := strings.TrimSpace(analysis[recommendations+len("Recommendations"):])
	between = strings.TrimLeft(between, ":* \t\n")
	after = strings.TrimLeft(after, ":* \t\n")
	if between == "" || after == "" {
		return 0.8
	}
	return 1.0
}

// sectionIndex finds a section label at a line start, tolerating markdown
// heading or bold markers.
func sectionIndex(text, label string) int {
	for _, prefix := range []string{label, "# " + label, "## " + label, "### " + label, "**" + label} {
		idx := 0
		for {
			found := strings.Index(text[idx:], prefix)
			if found < 0 {
				break
			}
			abs := idx + found
			if abs == 0 || text[abs-1] == '\n' {
				return abs
			}
			idx = abs + len(prefix)
		}
	}
	return -1
}

// scoreHeuristic approximates a judged criterion without a backend. Crude but
// deterministic; only the fast path uses it.
func scoreHeuristic(criterion types.Criterion, analysis string) float64 {
	trimmed := strings.TrimSpace(analysis)
	if trimmed == "" {
		return 0
	}
	words := len(strings.Fields(trimmed))

	switch criterion {
	case types.CriterionCompleteness:
		if words < 30 {
			return 0.3
		}
		if words < 100 {
			return 0.6
		}
		return 0.8
	case types.CriterionClarity:
		if strings.Contains(trimmed, "\n-") || strings.Contains(trimmed, "\n*") || strings.Contains(trimmed, "\n1.") {
			return 0.8
		}
		return 0.6
	default:
		// Accuracy and relevance cannot be judged without the backend.
		return 0.7
	}
}

// ParseScore extracts a single score from a judge response. It accepts a bare
// number on either a 0-1 or 0-10 scale, tolerating surrounding prose, and
// reports false when no number can be found.
func ParseScore(raw string) (float64, bool) {
	fields := strings.FieldsFunc(strings.TrimSpace(raw), func(r rune) bool {
		return (r < '0' || r > '9') && r != '.' && r != '-'
	})
	for _, f := range fields {
		f = strings.Trim(f, ".")
		if f == "" {
			continue
		}
		n, err := strconv.ParseFloat(f, 64)
		if err != nil {
			continue
		}
		if n < 0 {
			return 0, true
		}
		if n > 1 && n <= 10 {
			n /= 10
		}
		if n > 1 {
			return 1, true
		}
		return n, true
	}
	return 0, false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
