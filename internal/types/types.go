// Package types defines the shared data model for the finsight pipeline:
// records, PII kinds, pattern kinds, validation verdicts, and the wire
// request/result shapes exchanged with callers.
package types

import (
	"time"
)

// Record is a caller-supplied tree-shaped document. String leaves may carry
// PII; business fields are unconstrained. Identity is by content.
type Record map[string]any

// =============================================================================
// PII KINDS
// =============================================================================

// PIIKind classifies a sensitive field. The set is closed; detection and
// tokenization both dispatch on it.
type PIIKind string

const (
	PIIName          PIIKind = "name"
	PIIEmail         PIIKind = "email"
	PIIPhone         PIIKind = "phone"
	PIISSN           PIIKind = "ssn"
	PIIPassport      PIIKind = "passport"
	PIIDriverLicense PIIKind = "driver_license"
	PIINationalID    PIIKind = "national_id"
	PIIStreetAddress PIIKind = "street_address"
	PIIPostalCode    PIIKind = "postal_code"
	PIIIPAddress     PIIKind = "ip"
	PIICreditCard    PIIKind = "credit_card"
	PIIBankAccount   PIIKind = "bank_account"
	PIIRouting       PIIKind = "routing"
	PIIIBAN          PIIKind = "iban"
	PIISWIFT         PIIKind = "swift"
	PIIUsername      PIIKind = "username"
	PIIMedicalRecord PIIKind = "medical_record_no"
	PIIVIN           PIIKind = "vin"
	PIIGPS           PIIKind = "gps"
	PIIBiometric     PIIKind = "biometric"
	PIICustomerID    PIIKind = "customer_id"
	PIIEmployeeID    PIIKind = "employee_id"
)

// AllPIIKinds lists every recognized kind, used to pre-populate counters.
func AllPIIKinds() []PIIKind {
	return []PIIKind{
		PIIName, PIIEmail, PIIPhone, PIISSN, PIIPassport, PIIDriverLicense,
		PIINationalID, PIIStreetAddress, PIIPostalCode, PIIIPAddress,
		PIICreditCard, PIIBankAccount, PIIRouting, PIIIBAN, PIISWIFT,
		PIIUsername, PIIMedicalRecord, PIIVIN, PIIGPS, PIIBiometric,
		PIICustomerID, PIIEmployeeID,
	}
}

// =============================================================================
// PATTERN KINDS
// =============================================================================

// PatternKind selects a learning substrate collection.
type PatternKind string

const (
	PatternPrompt     PatternKind = "prompt"
	PatternAnalysis   PatternKind = "analysis"
	PatternValidation PatternKind = "validation"
	PatternReasoning  PatternKind = "reasoning"
	PatternCrossLink  PatternKind = "cross-link"
)

// Collection maps a pattern kind to its persisted collection name.
func (k PatternKind) Collection() string {
	switch k {
	case PatternPrompt:
		return "prompt_patterns"
	case PatternAnalysis:
		return "analysis_patterns"
	case PatternValidation:
		return "validation_patterns"
	case PatternReasoning:
		return "reasoning_patterns"
	case PatternCrossLink:
		return "cross_component_links"
	}
	return "unknown_patterns"
}

// =============================================================================
// VALIDATION
// =============================================================================

// Criterion names one axis of the validator's scoring rubric.
type Criterion string

const (
	CriterionAccuracy     Criterion = "accuracy"
	CriterionCompleteness Criterion = "completeness"
	CriterionClarity      Criterion = "clarity"
	CriterionRelevance    Criterion = "relevance"
	CriterionStructural   Criterion = "structural"
)

// QualityLevel buckets an overall score.
type QualityLevel string

const (
	QualityExemplary  QualityLevel = "exemplary"
	QualityHigh       QualityLevel = "high"
	QualityAcceptable QualityLevel = "acceptable"
	QualityPoor       QualityLevel = "poor"
)

// QualityLevelFor maps an overall score to its quality level.
// Pure function: exemplary >= 0.95, high >= 0.80, acceptable >= 0.65.
func QualityLevelFor(score float64) QualityLevel {
	switch {
	case score >= 0.95:
		return QualityExemplary
	case score >= 0.80:
		return QualityHigh
	case score >= 0.65:
		return QualityAcceptable
	default:
		return QualityPoor
	}
}

// CriterionScore is one scored axis of a verdict.
type CriterionScore struct {
	Score    float64 `json:"score"`
	Weight   float64 `json:"weight"`
	TimedOut bool    `json:"timed_out,omitempty"`
}

// ValidationVerdict is the validator gate's blocking output.
type ValidationVerdict struct {
	OverallScore float64                      `json:"overall_score"`
	PerCriterion map[Criterion]CriterionScore `json:"per_criterion"`
	QualityLevel QualityLevel                 `json:"quality_level"`
	Approved     bool                         `json:"approved"`
	Rationale    string                       `json:"rationale,omitempty"`
	ElapsedMS    int64                        `json:"elapsed_ms,omitempty"`
}

// WeakestCriterion returns the lowest-scoring criterion, for retry hints.
// Ties resolve alphabetically so retries are deterministic.
func (v *ValidationVerdict) WeakestCriterion() (Criterion, float64) {
	var weakest Criterion
	lowest := 2.0
	for name, cs := range v.PerCriterion {
		if cs.Score < lowest || (cs.Score == lowest && name < weakest) {
			weakest = name
			lowest = cs.Score
		}
	}
	return weakest, lowest
}

// =============================================================================
// PIPELINE REQUEST / RESULT
// =============================================================================

// RequestConfig toggles optional pipeline stages per request.
type RequestConfig struct {
	EnableEnrichment  bool   `json:"enable_enrichment"`
	EnableLearning    bool   `json:"enable_learning"`
	EnableValidation  bool   `json:"enable_blocking_validation"`
	RepersonalizeExit bool   `json:"repersonalize_on_exit"`
	Context           string `json:"context,omitempty"`
	MaxRetries        int    `json:"max_retries,omitempty"`
	DeadlineSeconds   int    `json:"deadline_seconds,omitempty"`
}

// DefaultRequestConfig enables every stage except repersonalization.
func DefaultRequestConfig() RequestConfig {
	return RequestConfig{
		EnableEnrichment: true,
		EnableLearning:   true,
		EnableValidation: true,
		Context:          "generic",
	}
}

// PipelineRequest is one caller invocation, short-lived and owned by the
// orchestrator for its whole lifetime.
type PipelineRequest struct {
	ID       string        `json:"id"`
	Data     Record        `json:"input_data"`
	Config   RequestConfig `json:"request_config"`
	Deadline time.Time     `json:"-"`
	Received time.Time     `json:"-"`
}

// Provenance records where the prompt came from and what degraded.
type Provenance struct {
	PromptSource     string  `json:"prompt_source"` // improved | reused | fresh
	PatternID        string  `json:"pattern_id,omitempty"`
	Similarity       float64 `json:"similarity,omitempty"`
	CacheHit         bool    `json:"cache_hit"`
	RAGHits          int     `json:"rag_hits"`
	EnrichmentStatus string  `json:"enrichment_status,omitempty"` // ok | skipped | degraded
	Embedder         string  `json:"embedder,omitempty"`
	MappingDurable   bool    `json:"mapping_durable"`
	Attempts         int     `json:"attempts"`
}

// PhaseTimings captures wall-clock per pipeline phase, milliseconds.
type PhaseTimings struct {
	PseudonymizeMS int64 `json:"pseudonymize_ms"`
	PromptMS       int64 `json:"prompt_ms"`
	GenerateMS     int64 `json:"generate_ms"`
	ValidateMS     int64 `json:"validate_ms"`
	FeedbackMS     int64 `json:"feedback_ms"`
	TotalMS        int64 `json:"total_ms"`
}

// PipelineResult is returned to the caller only after validation completes.
type PipelineResult struct {
	RequestID   string             `json:"request_id"`
	Analysis    string             `json:"analysis,omitempty"`
	Validation  *ValidationVerdict `json:"validation,omitempty"`
	PseudonymID string             `json:"pseudonym_id,omitempty"`
	Provenance  Provenance         `json:"metadata"`
	Timings     PhaseTimings       `json:"timings"`
	Warnings    []string           `json:"warnings,omitempty"`
}
