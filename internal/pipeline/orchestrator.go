// Package pipeline orchestrates the full request flow: pseudonymization,
// prompt generation, analysis, blocking validation, learning feedback, and
// optional repersonalization. Results leave only after the validator verdict
// is in hand.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"finsight/internal/learning"
	"finsight/internal/llm"
	"finsight/internal/logging"
	"finsight/internal/metrics"
	"finsight/internal/promptgen"
	"finsight/internal/pseudonym"
	"finsight/internal/quality"
	"finsight/internal/types"
	"finsight/internal/validator"
)

// Config bounds orchestrator concurrency and budgets.
type Config struct {
	MaxConcurrent int
	QueueBound    int
	// RequestBudget is the default end-to-end deadline per request.
	RequestBudget time.Duration
	// ValidateReserve is withheld from the analysis call so validation always
	// has budget left to run.
	ValidateReserve time.Duration
	MaxRetries      int
}

// Orchestrator owns one request for its whole lifetime.
type Orchestrator struct {
	cfg       Config
	pseudo    *pseudonym.Pseudonymizer
	generator *promptgen.Generator
	analyst   llm.Client
	validator *validator.Validator
	quality   *quality.Engine
	substrate *learning.Substrate
	metrics   *metrics.Metrics
	log       *zap.Logger

	slots  chan struct{}
	queued atomic.Int64

	feedback sync.WaitGroup
}

// New wires the orchestrator.
func New(cfg Config, pseudo *pseudonym.Pseudonymizer, generator *promptgen.Generator,
	analyst llm.Client, val *validator.Validator, qual *quality.Engine,
	substrate *learning.Substrate, m *metrics.Metrics) *Orchestrator {

	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 8
	}
	if cfg.QueueBound < 0 {
		cfg.QueueBound = 0
	}
	if cfg.RequestBudget <= 0 {
		cfg.RequestBudget = 120 * time.Second
	}
	if cfg.ValidateReserve <= 0 {
		cfg.ValidateReserve = 20 * time.Second
	}
	if m == nil {
		m = metrics.New()
	}

	return &Orchestrator{
		cfg:       cfg,
		pseudo:    pseudo,
		generator: generator,
		analyst:   analyst,
		validator: val,
		quality:   qual,
		substrate: substrate,
		metrics:   m,
		log:       logging.Named("pipeline"),
		slots:     make(chan struct{}, cfg.MaxConcurrent),
	}
}

// Run executes one request end to end. Admission is bounded: requests beyond
// the concurrency cap wait in a bounded queue, and arrivals past the queue
// bound are rejected immediately with an overload error.
func (o *Orchestrator) Run(ctx context.Context, req *types.PipelineRequest) (*types.PipelineResult, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	req.Received = time.Now().UTC()

	if len(req.Data) == 0 {
		o.metrics.RequestsTotal.WithLabelValues("input_error").Inc()
		return nil, types.NewPipelineError(types.ErrInput, "admission", "input_data is empty", nil)
	}

	release, err := o.admit(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	budget := o.cfg.RequestBudget
	if req.Config.DeadlineSeconds > 0 {
		budget = time.Duration(req.Config.DeadlineSeconds) * time.Second
	}
	req.Deadline = req.Received.Add(budget)
	rctx, cancel := context.WithDeadline(ctx, req.Deadline)
	defer cancel()

	result, err := o.execute(rctx, req)
	switch {
	case err == nil:
		o.metrics.RequestsTotal.WithLabelValues("completed").Inc()
	case types.KindOf(err) == types.ErrValidationRejected:
		o.metrics.RequestsTotal.WithLabelValues("rejected").Inc()
	case types.KindOf(err) == types.ErrTimeout:
		o.metrics.RequestsTotal.WithLabelValues("timeout").Inc()
	default:
		o.metrics.RequestsTotal.WithLabelValues("error").Inc()
	}
	return result, err
}

// admit takes an execution slot, queueing up to the bound.
func (o *Orchestrator) admit(ctx context.Context) (func(), error) {
	select {
	case o.slots <- struct{}{}:
		o.metrics.InFlight.Inc()
		return o.release, nil
	default:
	}

	// CAS so two arrivals racing past the load cannot both enqueue.
	for {
		n := o.queued.Load()
		if int(n) >= o.cfg.QueueBound {
			o.metrics.Rejections.WithLabelValues("overloaded").Inc()
			return nil, types.NewPipelineError(types.ErrOverloaded, "admission", "queue full", nil)
		}
		if o.queued.CompareAndSwap(n, n+1) {
			break
		}
	}
	o.metrics.QueueDepth.Inc()
	defer func() {
		o.queued.Add(-1)
		o.metrics.QueueDepth.Dec()
	}()

	select {
	case o.slots <- struct{}{}:
		o.metrics.InFlight.Inc()
		return o.release, nil
	case <-ctx.Done():
		o.metrics.Rejections.WithLabelValues("cancelled").Inc()
		return nil, types.NewPipelineError(types.ErrTimeout, "admission", "cancelled while queued", ctx.Err())
	}
}

func (o *Orchestrator) release() {
	<-o.slots
	o.metrics.InFlight.Dec()
}

func (o *Orchestrator) execute(ctx context.Context, req *types.PipelineRequest) (*types.PipelineResult, error) {
	start := time.Now()
	result := &types.PipelineResult{RequestID: req.ID}

	// Phase 1: pseudonymize. Failure here is fatal; raw PII never continues.
	phaseStart := time.Now()
	redacted, mapping, _, err := o.pseudo.Pseudonymize(ctx, req.Data)
	if err != nil {
		return nil, types.NewPipelineError(types.ErrPII, "pseudonymize", "pseudonymization failed", err)
	}
	result.PseudonymID = mapping.PseudonymID
	result.Timings.PseudonymizeMS = time.Since(phaseStart).Milliseconds()
	o.metrics.PhaseDuration.WithLabelValues("pseudonymize").Observe(time.Since(phaseStart).Seconds())
	if !mapping.Durable {
		result.Warnings = append(result.Warnings, "pseudonym mapping held in memory only; repersonalization will not survive a restart")
	}

	// Phase 2: prompt generation (enrichment happens inside, degradable).
	phaseStart = time.Now()
	gen, err := o.generator.Generate(ctx, redacted, req.Config.Context, req.Config.EnableEnrichment)
	if err != nil {
		return nil, err
	}
	result.Timings.PromptMS = time.Since(phaseStart).Milliseconds()
	o.metrics.PhaseDuration.WithLabelValues("prompt").Observe(time.Since(phaseStart).Seconds())
	o.metrics.PromptSource.WithLabelValues(gen.Source).Inc()

	result.Provenance = types.Provenance{
		PromptSource:     gen.Source,
		PatternID:        gen.PatternID,
		Similarity:       gen.Similarity,
		CacheHit:         gen.EnrichmentCache,
		EnrichmentStatus: gen.EnrichmentStatus,
		Embedder:         o.substrate.EmbedderName(),
		MappingDurable:   mapping.Durable,
	}
	if gen.Source != promptgen.SourceFresh {
		result.Provenance.RAGHits = 1
	}

	// Phases 3-4: analysis and blocking validation, with bounded retries.
	analysis, verdict, attempts, err := o.analyzeAndValidate(ctx, req, gen, result)
	result.Provenance.Attempts = attempts
	if err != nil {
		result.Validation = verdict
		result.Timings.TotalMS = time.Since(start).Milliseconds()
		return result, err
	}
	result.Analysis = analysis
	result.Validation = verdict

	// Phase 5: learning feedback, off the request path and never fatal.
	if req.Config.EnableLearning && verdict != nil {
		phaseStart = time.Now()
		o.submitFeedback(gen, verdict, analysis)
		result.Timings.FeedbackMS = time.Since(phaseStart).Milliseconds()
	}

	// Phase 6: optional repersonalization of the outgoing analysis text.
	if req.Config.RepersonalizeExit && result.Analysis != "" {
		restored, err := o.pseudo.RepersonalizeText(ctx, mapping.PseudonymID, result.Analysis)
		if err != nil {
			result.Warnings = append(result.Warnings, fmt.Sprintf("repersonalization failed: %v", err))
		} else {
			result.Analysis = restored
		}
	}

	result.Timings.TotalMS = time.Since(start).Milliseconds()
	return result, nil
}

// analyzeAndValidate runs the completion and the blocking validator gate,
// retrying with a corrective amendment for the weakest criterion when the
// verdict rejects and retries remain.
func (o *Orchestrator) analyzeAndValidate(ctx context.Context, req *types.PipelineRequest,
	gen *promptgen.GeneratedPrompt, result *types.PipelineResult) (string, *types.ValidationVerdict, int, error) {

	maxRetries := o.cfg.MaxRetries
	if req.Config.MaxRetries > 0 {
		maxRetries = req.Config.MaxRetries
	}

	prompt := gen.Text
	var verdict *types.ValidationVerdict
	attempts := 0

	for attempts <= maxRetries {
		attempts++

		if err := ctx.Err(); err != nil {
			return "", verdict, attempts, types.NewPipelineError(types.ErrTimeout, "generate", "request deadline exceeded", err)
		}

		completeStart := time.Now()
		analysis, err := o.complete(ctx, req, prompt)
		result.Timings.GenerateMS += time.Since(completeStart).Milliseconds()
		if err != nil {
			return "", verdict, attempts, err
		}

		if !req.Config.EnableValidation {
			return analysis, nil, attempts, nil
		}

		phaseStart := time.Now()
		verdict, err = o.validator.Validate(ctx, analysis, prompt)
		result.Timings.ValidateMS += time.Since(phaseStart).Milliseconds()
		o.metrics.PhaseDuration.WithLabelValues("validate").Observe(time.Since(phaseStart).Seconds())
		if err != nil {
			return "", nil, attempts, err
		}
		o.metrics.ValidationScore.Observe(verdict.OverallScore)

		if verdict.Approved {
			return analysis, verdict, attempts, nil
		}

		if attempts > maxRetries {
			break
		}
		weakest, _ := verdict.WeakestCriterion()
		if block := quality.AmendmentFor(weakest); block != "" {
			prompt = prompt + "\n\n" + block
		}
		o.log.Info("analysis rejected, retrying",
			zap.String("request_id", req.ID),
			zap.Int("attempt", attempts),
			zap.Float64("score", verdict.OverallScore),
			zap.String("weakest", string(weakest)))
	}

	// Feedback still flows for rejected attempts so improved templates form.
	if req.Config.EnableLearning && verdict != nil {
		o.submitFeedback(gen, verdict, "")
	}

	perr := types.NewPipelineError(types.ErrValidationRejected, "validate",
		fmt.Sprintf("analysis rejected after %d attempts", attempts), nil)
	perr.Verdict = verdict
	return "", verdict, attempts, perr
}

// complete runs the analysis call with the validation reserve withheld, so a
// slow completion cannot starve the gate.
func (o *Orchestrator) complete(ctx context.Context, req *types.PipelineRequest, prompt string) (string, error) {
	deadline, ok := ctx.Deadline()
	if ok {
		analysisDeadline := deadline.Add(-o.cfg.ValidateReserve)
		if req.Config.EnableValidation && time.Until(analysisDeadline) <= 0 {
			return "", types.NewPipelineError(types.ErrTimeout, "generate", "insufficient budget remaining for analysis and validation", nil)
		}
		if req.Config.EnableValidation {
			var cancel context.CancelFunc
			ctx, cancel = context.WithDeadline(ctx, analysisDeadline)
			defer cancel()
		}
	}

	phaseStart := time.Now()
	analysis, err := o.analyst.Complete(ctx, prompt)
	o.metrics.PhaseDuration.WithLabelValues("generate").Observe(time.Since(phaseStart).Seconds())
	if err != nil {
		if types.KindOf(err) == types.ErrTimeout {
			return "", err
		}
		return "", types.NewPipelineError(types.ErrDependency, "generate", "analysis backend failed", err)
	}
	return analysis, nil
}

// submitFeedback hands one verdict to the improvement engine, the adaptive
// thresholds, and the typed pattern collections, asynchronously. analysis is
// empty when the interaction ended rejected.
func (o *Orchestrator) submitFeedback(gen *promptgen.GeneratedPrompt, verdict *types.ValidationVerdict, analysis string) {
	similarity := -1.0
	if gen.Source != promptgen.SourceFresh {
		similarity = gen.Similarity
	}
	o.substrate.Adaptive().Observe(verdict.OverallScore, similarity)

	o.feedback.Add(1)
	go func() {
		defer o.feedback.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := o.quality.Observe(ctx, gen.SigVec, gen.Text, verdict); err != nil {
			o.log.Warn("learning feedback failed", zap.Error(err))
		}
		o.recordInteraction(ctx, gen, verdict, analysis)
	}()
}

// recordInteraction appends the interaction outcome to the validation and
// analysis collections so later requests can retrieve prior verdicts and
// approved analyses by signature similarity.
func (o *Orchestrator) recordInteraction(ctx context.Context, gen *promptgen.GeneratedPrompt,
	verdict *types.ValidationVerdict, analysis string) {

	meta := map[string]string{
		"signature":     gen.Signature,
		"prompt_source": gen.Source,
	}

	if payload, err := json.Marshal(verdict); err == nil {
		if _, err := o.substrate.Append(ctx, types.PatternValidation, gen.SigVec,
			string(payload), meta, verdict.Approved, verdict.OverallScore); err != nil {
			o.log.Warn("validation pattern write failed", zap.Error(err))
		}
	}

	if verdict.Approved && analysis != "" {
		if _, err := o.substrate.Append(ctx, types.PatternAnalysis, gen.SigVec,
			analysis, meta, true, verdict.OverallScore); err != nil {
			o.log.Warn("analysis pattern write failed", zap.Error(err))
		}
	}
}

// Stats reports live orchestrator gauges for /status.
func (o *Orchestrator) Stats() map[string]any {
	return map[string]any{
		"in_flight":      len(o.slots),
		"queued":         o.queued.Load(),
		"max_concurrent": o.cfg.MaxConcurrent,
		"queue_bound":    o.cfg.QueueBound,
	}
}

// Close drains in-flight feedback goroutines.
func (o *Orchestrator) Close() {
	o.feedback.Wait()
}
