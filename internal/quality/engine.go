// Package quality implements the improvement engine: it watches validation
// verdicts, records prompts that cleared the quality gate as success
// patterns, and derives improved templates for prompts that did not by
// appending criterion-specific amendment blocks.
package quality

import (
	"context"
	"sort"
	"strings"

	"go.uber.org/zap"

	"finsight/internal/learning"
	"finsight/internal/logging"
	"finsight/internal/types"
)

// criterionThreshold is the per-criterion floor below which an amendment is
// selected for that criterion.
const criterionThreshold = 0.70

// metaImproved tags improved-template records so retrieval can tell them
// apart from plain success patterns in the same collection.
const metaImproved = "improved_template"

// amendmentBlocks maps each criterion to its fixed corrective clause. The
// blocks are deterministic: the same failing criteria always produce the same
// improved template.
var amendmentBlocks = map[types.Criterion]string{
	types.CriterionAccuracy: "ACCURACY REQUIREMENT: Ground every statement in the supplied data. " +
		"Quote concrete field values and amounts; never invent figures that do not appear in the input.",
	types.CriterionClarity: "CLARITY REQUIREMENT: Use short declarative sentences and bulleted lists. " +
		"Define any domain terms on first use and avoid nested qualifications.",
	types.CriterionCompleteness: "COMPLETENESS CHECKLIST: Address every transaction and entity in the input. " +
		"Cover amounts, counterparties, timing, and anomalies before concluding.",
	types.CriterionRelevance: "DOMAIN CONTEXT: Confine the analysis to the financial context of the input records. " +
		"Omit generic advice that does not follow from the supplied data.",
	types.CriterionStructural: "OUTPUT STRUCTURE: The response MUST contain a section labeled \"Insights\" " +
		"followed by a section labeled \"Recommendations\", in that order, each with at least one item.",
}

// AmendmentFor returns the fixed amendment block for a criterion. The
// orchestrator injects this into retry prompts.
func AmendmentFor(c types.Criterion) string {
	return amendmentBlocks[c]
}

// Engine consumes verdicts and maintains improved templates. It writes
// through the substrate Writer interface and reads improved templates through
// a retriever callback, keeping the dependency one-way.
type Engine struct {
	writer    learning.Writer
	retriever Retriever
	adaptive  *learning.Adaptive
	log       *zap.Logger
}

// Retriever is the read side the engine needs: similarity search over the
// prompt collection.
type Retriever interface {
	Similar(ctx context.Context, kind types.PatternKind, vec []float32, k int, minSimilarity float64) ([]learning.Match, error)
	BestOf(ctx context.Context, kind types.PatternKind, vec []float32, minSimilarity float64) (*learning.Match, error)
}

// NewEngine constructs the improvement engine.
func NewEngine(writer learning.Writer, retriever Retriever, adaptive *learning.Adaptive) *Engine {
	return &Engine{
		writer:    writer,
		retriever: retriever,
		adaptive:  adaptive,
		log:       logging.Named("quality"),
	}
}

// Observe processes one verdict for the prompt that produced it. Above the
// adaptive quality gate the prompt is recorded (or reinforced) as a success
// pattern; below it, an improved template is derived and stored.
func (e *Engine) Observe(ctx context.Context, sigVec []float32, promptText string, verdict *types.ValidationVerdict) error {
	gate := e.adaptive.QualityGate()

	if verdict.OverallScore >= gate {
		return e.recordSuccess(ctx, sigVec, promptText, verdict)
	}
	return e.improve(ctx, sigVec, promptText, verdict)
}

// recordSuccess reinforces an existing near-identical success pattern or
// appends a new one.
func (e *Engine) recordSuccess(ctx context.Context, sigVec []float32, promptText string, verdict *types.ValidationVerdict) error {
	// A practically identical signature means the same pattern; reinforce it.
	const identical = 0.999

	if match, err := e.retriever.BestOf(ctx, types.PatternPrompt, sigVec, identical); err == nil && match != nil {
		return e.writer.Reinforce(ctx, types.PatternPrompt, match.Record.ID, verdict.Approved, verdict.OverallScore)
	}

	_, err := e.writer.Append(ctx, types.PatternPrompt, sigVec, promptText,
		map[string]string{"origin": "success"},
		verdict.Approved, verdict.OverallScore)
	return err
}

// improve derives an improved template from the failing criteria and stores
// it as an independent record competing via reinforcement.
func (e *Engine) improve(ctx context.Context, sigVec []float32, promptText string, verdict *types.ValidationVerdict) error {
	weak := weakCriteria(verdict)
	if len(weak) == 0 {
		// Overall below gate but no single criterion under threshold; nothing
		// deterministic to amend.
		return nil
	}

	improved := BuildImproved(promptText, weak)

	// Stored as approved so a fresh template starts above the reinforcement
	// cutoff; it keeps its slot only while later verdicts sustain it.
	rec, err := e.writer.Append(ctx, types.PatternPrompt, sigVec, improved,
		map[string]string{
			metaImproved: "true",
			"criteria":   joinCriteria(weak),
		},
		true, verdict.OverallScore)
	if err != nil {
		return err
	}

	e.log.Info("improved template stored",
		zap.String("id", rec.ID),
		zap.String("criteria", joinCriteria(weak)),
		zap.Float64("score", verdict.OverallScore))
	return nil
}

// GetImproved returns the highest-reinforcement improved template whose
// similarity clears the adaptive gate, or nil when none qualifies.
func (e *Engine) GetImproved(ctx context.Context, sigVec []float32) (*learning.Match, error) {
	matches, err := e.retriever.Similar(ctx, types.PatternPrompt, sigVec, 16, e.adaptive.SimilarityGate())
	if err != nil {
		return nil, err
	}

	improved := matches[:0]
	for _, m := range matches {
		if m.Record.Metadata[metaImproved] == "true" &&
			m.Record.Reinforcement >= e.adaptive.ReinforceGate() {
			improved = append(improved, m)
		}
	}
	if len(improved) == 0 {
		return nil, nil
	}

	learning.SortMatchesByReinforcement(improved)
	best := improved[0]
	return &best, nil
}

// BuildImproved appends the amendment blocks for the given criteria, ordered
// alphabetically, after the base prompt.
func BuildImproved(basePrompt string, criteria []types.Criterion) string {
	sorted := make([]types.Criterion, len(criteria))
	copy(sorted, criteria)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var b strings.Builder
	b.WriteString(strings.TrimRight(basePrompt, "\n"))
	for _, c := range sorted {
		block, ok := amendmentBlocks[c]
		if !ok {
			continue
		}
		b.WriteString("\n\n")
		b.WriteString(block)
	}
	return b.String()
}

// weakCriteria lists criteria scoring under the per-criterion threshold.
func weakCriteria(verdict *types.ValidationVerdict) []types.Criterion {
	var weak []types.Criterion
	for name, cs := range verdict.PerCriterion {
		if cs.Score < criterionThreshold {
			weak = append(weak, name)
		}
	}
	return weak
}

func joinCriteria(criteria []types.Criterion) string {
	names := make([]string, len(criteria))
	for i, c := range criteria {
		names[i] = string(c)
	}
	sort.Strings(names)
	return strings.Join(names, ",")
}
