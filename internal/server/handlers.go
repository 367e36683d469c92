package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"finsight/internal/learning"
	"finsight/internal/pseudonym"
	"finsight/internal/types"
)

// healthProbeBudget bounds each dependency check on /health.
const healthProbeBudget = 5 * time.Second

type errorBody struct {
	Error   string                   `json:"error"`
	Kind    types.ErrorKind          `json:"kind"`
	Phase   string                   `json:"phase,omitempty"`
	Verdict *types.ValidationVerdict `json:"validation,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the error taxonomy onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	body := errorBody{Error: err.Error(), Kind: types.KindOf(err)}

	var pe *types.PipelineError
	if errors.As(err, &pe) {
		body.Phase = pe.Phase
		body.Verdict = pe.Verdict
	}

	status := http.StatusInternalServerError
	switch body.Kind {
	case types.ErrInput:
		status = http.StatusBadRequest
	case types.ErrPII, types.ErrValidationRejected:
		status = http.StatusUnprocessableEntity
	case types.ErrOverloaded:
		status = http.StatusTooManyRequests
	case types.ErrTimeout:
		status = http.StatusGatewayTimeout
	case types.ErrDependency:
		status = http.StatusServiceUnavailable
	case types.ErrIntegrity:
		status = http.StatusConflict
	}
	writeJSON(w, status, body)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<20))
	if err := dec.Decode(v); err != nil {
		writeError(w, types.NewPipelineError(types.ErrInput, "decode", "malformed request body", err))
		return false
	}
	return true
}

type analyzeRequest struct {
	ID     string               `json:"id,omitempty"`
	Data   types.Record         `json:"input_data"`
	Config *types.RequestConfig `json:"request_config,omitempty"`
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	var req analyzeRequest
	if !decodeBody(w, r, &req) {
		return
	}

	cfg := types.DefaultRequestConfig()
	if req.Config != nil {
		cfg = *req.Config
	}

	result, err := s.deps.Orchestrator.Run(r.Context(), &types.PipelineRequest{
		ID:     req.ID,
		Data:   req.Data,
		Config: cfg,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type pseudonymizeRequest struct {
	Record types.Record `json:"record"`
}

type pseudonymizeResponse struct {
	PseudonymID string             `json:"pseudonym_id"`
	Redacted    types.Record       `json:"redacted_record"`
	Summary     *pseudonym.Summary `json:"summary"`
	Durable     bool               `json:"mapping_durable"`
}

func (s *Server) handlePseudonymize(w http.ResponseWriter, r *http.Request) {
	var req pseudonymizeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.Record) == 0 {
		writeError(w, types.NewPipelineError(types.ErrInput, "pseudonymize", "record is empty", nil))
		return
	}

	redacted, mapping, summary, err := s.deps.Pseudonymizer.Pseudonymize(r.Context(), req.Record)
	if err != nil {
		writeError(w, types.NewPipelineError(types.ErrPII, "pseudonymize", "pseudonymization failed", err))
		return
	}
	writeJSON(w, http.StatusOK, pseudonymizeResponse{
		PseudonymID: mapping.PseudonymID,
		Redacted:    redacted,
		Summary:     summary,
		Durable:     mapping.Durable,
	})
}

type repersonalizeRequest struct {
	PseudonymID string `json:"pseudonym_id"`
}

func (s *Server) handleRepersonalize(w http.ResponseWriter, r *http.Request) {
	var req repersonalizeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.PseudonymID == "" {
		writeError(w, types.NewPipelineError(types.ErrInput, "repersonalize", "pseudonym_id is required", nil))
		return
	}

	record, err := s.deps.Pseudonymizer.Repersonalize(r.Context(), req.PseudonymID)
	if err != nil {
		switch {
		case errors.Is(err, pseudonym.ErrUnknownID), errors.Is(err, pseudonym.ErrExpired):
			// Unknown and expired ids are indistinguishable resources: gone.
			writeJSON(w, http.StatusNotFound, errorBody{
				Error: err.Error(),
				Kind:  types.ErrInput,
				Phase: "repersonalize",
			})
		case errors.Is(err, pseudonym.ErrIntegrity):
			writeError(w, types.NewPipelineError(types.ErrIntegrity, "repersonalize", err.Error(), err))
		default:
			writeError(w, types.NewPipelineError(types.ErrDependency, "repersonalize", "mapping lookup failed", err))
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"pseudonym_id":    req.PseudonymID,
		"original_record": record,
	})
}

type generateRequest struct {
	Record           types.Record `json:"record"`
	Context          string       `json:"context,omitempty"`
	GenerationType   string       `json:"generation_type,omitempty"`
	EnableEnrichment bool         `json:"enable_enrichment"`
}

// generationTypes are the accepted values for generateRequest.GenerationType.
var generationTypes = map[string]bool{
	"standard": true, "reasoning": true, "autonomous": true, "optimize": true,
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.Record) == 0 {
		writeError(w, types.NewPipelineError(types.ErrInput, "generate", "record is empty", nil))
		return
	}
	if req.GenerationType == "" {
		req.GenerationType = "standard"
	}
	if !generationTypes[req.GenerationType] {
		writeError(w, types.NewPipelineError(types.ErrInput, "generate", "unknown generation_type "+req.GenerationType, nil))
		return
	}

	// Records are pseudonymized before any prompt work; raw PII never reaches
	// the substrate or the enrichment service.
	redacted, mapping, _, err := s.deps.Pseudonymizer.Pseudonymize(r.Context(), req.Record)
	if err != nil {
		writeError(w, types.NewPipelineError(types.ErrPII, "pseudonymize", "pseudonymization failed", err))
		return
	}

	gen, err := s.deps.Generator.Generate(r.Context(), redacted, req.Context, req.EnableEnrichment)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"prompt":          gen.Text,
		"pseudonym_id":    mapping.PseudonymID,
		"generation_type": req.GenerationType,
		"metadata": map[string]any{
			"source":            gen.Source,
			"similarity":        gen.Similarity,
			"pattern_id":        gen.PatternID,
			"enrichment_status": gen.EnrichmentStatus,
			"generation_ms":     gen.GenerationTime.Milliseconds(),
		},
	})
}

type learnRequest struct {
	Record  types.Record             `json:"record"`
	Context string                   `json:"context,omitempty"`
	Prompt  string                   `json:"prompt"`
	Verdict *types.ValidationVerdict `json:"verdict"`
}

func (s *Server) handleLearn(w http.ResponseWriter, r *http.Request) {
	var req learnRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Verdict == nil || req.Prompt == "" || len(req.Record) == 0 {
		writeError(w, types.NewPipelineError(types.ErrInput, "learn", "record, prompt, and verdict are required", nil))
		return
	}

	signature := learning.Signature(req.Record, req.Context)
	sigVec, err := s.deps.Substrate.Embed(r.Context(), signature)
	if err != nil {
		writeError(w, types.NewPipelineError(types.ErrDependency, "learn", "signature embedding failed", err))
		return
	}

	s.deps.Substrate.Adaptive().Observe(req.Verdict.OverallScore, -1)
	if err := s.deps.Quality.Observe(r.Context(), sigVec, req.Prompt, req.Verdict); err != nil {
		writeError(w, types.NewPipelineError(types.ErrDependency, "learn", "feedback write failed", err))
		return
	}

	improved, err := s.deps.Quality.GetImproved(r.Context(), sigVec)
	writeJSON(w, http.StatusOK, map[string]any{
		"status":                     "recorded",
		"quality_improvement_active": err == nil && improved != nil,
	})
}

type validateRequest struct {
	Analysis string `json:"analysis"`
	Prompt   string `json:"prompt,omitempty"`
	Fast     bool   `json:"fast,omitempty"`
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Analysis == "" {
		writeError(w, types.NewPipelineError(types.ErrInput, "validate", "analysis is required", nil))
		return
	}

	v := s.deps.Validator
	if req.Fast && s.deps.FastValidator != nil {
		v = s.deps.FastValidator
	}
	verdict, err := v.Validate(r.Context(), req.Analysis, req.Prompt)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, verdict)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	type componentHealth struct {
		Status string `json:"status"`
		Error  string `json:"error,omitempty"`
	}

	components := make(map[string]componentHealth, len(s.deps.Probes))
	var mu sync.Mutex
	var wg sync.WaitGroup
	degraded := []string{}

	for name, probe := range s.deps.Probes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(r.Context(), healthProbeBudget)
			defer cancel()
			err := probe(ctx)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				components[name] = componentHealth{Status: "down", Error: err.Error()}
				degraded = append(degraded, name)
				return
			}
			components[name] = componentHealth{Status: "ok"}
		}()
	}
	wg.Wait()

	status := "ok"
	if len(degraded) > 0 {
		status = "degraded"
		s.log.Warn("health check degraded", zap.Strings("components", degraded))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     status,
		"components": components,
		"degraded":   degraded,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	adaptive := s.deps.Substrate.Adaptive()
	writeJSON(w, http.StatusOK, map[string]any{
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
		"pipeline":       s.deps.Orchestrator.Stats(),
		"collections":    s.deps.Substrate.Stats(r.Context()),
		"thresholds": map[string]float64{
			"quality_gate":    adaptive.QualityGate(),
			"similarity_gate": adaptive.SimilarityGate(),
			"reinforce_gate":  adaptive.ReinforceGate(),
		},
		"embedder":       s.deps.Substrate.EmbedderName(),
		"token_backend":  s.deps.TokenBackend,
		"vector_backend": s.deps.VectorBackend,
		"validator_mode": s.deps.Validator.Mode(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"pseudonymization": s.deps.Pseudonymizer.Stats(),
		"learning":         s.deps.Substrate.Stats(r.Context()),
	})
}
