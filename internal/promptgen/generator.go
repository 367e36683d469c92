package promptgen

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"finsight/internal/enrich"
	"finsight/internal/learning"
	"finsight/internal/logging"
	"finsight/internal/types"
)

// Prompt sources, in retrieval preference order.
const (
	SourceImproved = "improved"
	SourceReused   = "reused"
	SourceFresh    = "fresh"
)

// GeneratedPrompt is the generator's output: the prompt text plus the
// provenance the pipeline reports back to callers.
type GeneratedPrompt struct {
	Text             string
	Source           string
	Similarity       float64
	PatternID        string
	EnrichmentStatus string
	EnrichmentCache  bool
	Signature        string
	SigVec           []float32
	GenerationTime   time.Duration
}

// Substrate is the retrieval surface the generator needs.
type Substrate interface {
	Embed(ctx context.Context, signature string) ([]float32, error)
	BestOf(ctx context.Context, kind types.PatternKind, vec []float32, minSimilarity float64) (*learning.Match, error)
	Adaptive() *learning.Adaptive
}

// Improver retrieves improved templates. Satisfied by quality.Engine.
type Improver interface {
	GetImproved(ctx context.Context, sigVec []float32) (*learning.Match, error)
}

// Enricher augments prompts with external intelligence. Satisfied by
// enrich.Client; nil disables enrichment.
type Enricher interface {
	Augment(ctx context.Context, record types.Record, contextTag string) *enrich.Augmentation
}

// Generator produces analysis prompts with a strict preference order:
// improved template, then reused pattern, then fresh synthesis.
type Generator struct {
	substrate Substrate
	improver  Improver
	enricher  Enricher
	log       *zap.Logger
}

// New constructs a generator. improver and enricher may be nil.
func New(substrate Substrate, improver Improver, enricher Enricher) *Generator {
	return &Generator{
		substrate: substrate,
		improver:  improver,
		enricher:  enricher,
		log:       logging.Named("promptgen"),
	}
}

// Generate builds the prompt for a record. Retrieval failures are not fatal:
// any failed lookup falls through to the next source, ending at fresh
// synthesis, which cannot fail.
func (g *Generator) Generate(ctx context.Context, record types.Record, contextTag string, enrichEnabled bool) (*GeneratedPrompt, error) {
	start := time.Now()

	signature := learning.Signature(record, contextTag)
	sigVec, err := g.substrate.Embed(ctx, signature)
	if err != nil {
		return nil, types.NewPipelineError(types.ErrDependency, "promptgen", "signature embedding failed", err)
	}

	out := &GeneratedPrompt{
		Source:           SourceFresh,
		EnrichmentStatus: enrich.StatusSkipped,
		Signature:        signature,
		SigVec:           sigVec,
	}

	// 1. Improved template.
	if g.improver != nil {
		if match, err := g.improver.GetImproved(ctx, sigVec); err == nil && match != nil {
			out.Text = RefillTemplate(match.Record.Payload, record)
			out.Source = SourceImproved
			out.Similarity = match.Similarity
			out.PatternID = match.Record.ID
		} else if err != nil {
			g.log.Warn("improved template lookup failed", zap.Error(err))
		}
	}

	// 2. High-similarity reuse of a success pattern.
	if out.Text == "" {
		gate := g.substrate.Adaptive().SimilarityGate()
		if match, err := g.substrate.BestOf(ctx, types.PatternPrompt, sigVec, gate); err == nil && match != nil {
			out.Text = RefillTemplate(match.Record.Payload, record)
			out.Source = SourceReused
			out.Similarity = match.Similarity
			out.PatternID = match.Record.ID
		} else if err != nil {
			g.log.Warn("pattern reuse lookup failed", zap.Error(err))
		}
	}

	// 3. Fresh synthesis from the context template set.
	if out.Text == "" {
		out.Text = SynthesizeFresh(record, contextTag)
	}

	if enrichEnabled && g.enricher != nil {
		aug := g.enricher.Augment(ctx, record, contextTag)
		out.EnrichmentStatus = aug.Status
		out.EnrichmentCache = aug.CacheHit
		if aug.Text != "" {
			out.Text = mergeAugmentation(out.Text, aug.Text)
		}
	}

	out.GenerationTime = time.Since(start)
	return out, nil
}

// mergeAugmentation inserts the enrichment context ahead of the formatting
// contract so instructions stay last in the prompt.
func mergeAugmentation(prompt, augmentation string) string {
	block := "Additional context:\n" + strings.TrimSpace(augmentation)
	if idx := strings.Index(prompt, "Format your response"); idx > 0 {
		return prompt[:idx] + block + "\n\n" + prompt[idx:]
	}
	return prompt + "\n\n" + block
}
