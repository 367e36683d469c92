package pseudonym

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"finsight/internal/logging"
	"finsight/internal/token"
	"finsight/internal/types"
)

// Failure modes surfaced to callers.
var (
	ErrUnknownID = errors.New("pseudonym: unknown pseudonym id")
	ErrExpired   = errors.New("pseudonym: mapping expired")
	ErrIntegrity = errors.New("pseudonym: mapping integrity check failed")
)

// retentionGrace keeps mappings in the store past their logical TTL so lookup
// can tell an expired id apart from one that was never issued. After the
// grace window the id degrades to unknown.
const retentionGrace = 24 * time.Hour

// FieldTransform records one reversible substitution. The path uses dotted
// segments with [i] for array indices, e.g. "transactions[0].account_number".
type FieldTransform struct {
	Path     string        `json:"path"`
	Kind     types.PIIKind `json:"kind"`
	Original string        `json:"original"`
	Token    string        `json:"token"`
}

// Mapping is the sole reversal source for one pseudonymized record. The
// redacted document travels with the transforms so repersonalization can walk
// the exact paths recorded on the outbound side.
type Mapping struct {
	PseudonymID string           `json:"pseudonym_id"`
	Transforms  []FieldTransform `json:"field_transforms"`
	Redacted    types.Record     `json:"redacted_data"`
	CreatedAt   time.Time        `json:"created_at"`
	TTL         time.Duration    `json:"ttl"`
	Durable     bool             `json:"durable"`
}

// FieldSummary is the wire-level preview of one transformed field.
type FieldSummary struct {
	Path         string        `json:"path"`
	Kind         types.PIIKind `json:"kind"`
	TokenPreview string        `json:"token_preview"`
}

// Summary aggregates what was redacted, without exposing originals.
type Summary struct {
	CountsByKind map[types.PIIKind]int `json:"counts_by_kind"`
	Fields       []FieldSummary        `json:"fields"`
}

// Config tunes detection and storage.
type Config struct {
	Secret             string
	DetectionThreshold float64
	MappingTTL         time.Duration
}

// Pseudonymizer walks records, replaces detected PII with deterministic
// tokens, and persists the reversal mapping in the token store. When the
// store rejects a write it degrades to in-process storage and marks the
// mapping non-durable.
type Pseudonymizer struct {
	tokenizer *Tokenizer
	store     token.Store
	fallback  token.Store
	threshold float64
	ttl       time.Duration
	log       *zap.Logger

	mu           sync.Mutex
	totalDone    int64
	totalReverts int64
	countsByKind map[types.PIIKind]int64
}

// New constructs a Pseudonymizer over the given token store.
func New(cfg Config, store token.Store) *Pseudonymizer {
	if cfg.MappingTTL <= 0 {
		cfg.MappingTTL = 24 * time.Hour
	}
	if cfg.DetectionThreshold <= 0 {
		cfg.DetectionThreshold = 0.5
	}
	return &Pseudonymizer{
		tokenizer:    NewTokenizer(cfg.Secret),
		store:        store,
		fallback:     token.NewMemoryStore(0),
		threshold:    cfg.DetectionThreshold,
		ttl:          cfg.MappingTTL,
		log:          logging.Named("pseudonym"),
		countsByKind: make(map[types.PIIKind]int64),
	}
}

// Pseudonymize returns a redacted deep copy of the record, the pseudonym id,
// and a summary of what was transformed. The original record is not mutated.
func (p *Pseudonymizer) Pseudonymize(ctx context.Context, record types.Record) (types.Record, *Mapping, *Summary, error) {
	if record == nil {
		return nil, nil, nil, types.NewPipelineError(types.ErrInput, "pseudonymize", "record is empty", nil)
	}

	var transforms []FieldTransform
	redactedAny := p.walk("", "", deepCopy(record), &transforms)
	redacted, ok := redactedAny.(map[string]any)
	if !ok {
		return nil, nil, nil, types.NewPipelineError(types.ErrPII, "pseudonymize", "record root must be an object", nil)
	}
	// Map iteration order is random; persist the transforms in path order.
	sort.Slice(transforms, func(i, j int) bool { return transforms[i].Path < transforms[j].Path })

	mapping := &Mapping{
		PseudonymID: uuid.NewString(),
		Transforms:  transforms,
		Redacted:    redacted,
		CreatedAt:   time.Now().UTC(),
		TTL:         p.ttl,
		Durable:     p.store.Durable(),
	}

	if err := p.persist(ctx, mapping); err != nil {
		return nil, nil, nil, types.NewPipelineError(types.ErrPII, "pseudonymize", "mapping could not be stored", err)
	}

	p.mu.Lock()
	p.totalDone++
	for _, tr := range transforms {
		p.countsByKind[tr.Kind]++
	}
	p.mu.Unlock()

	p.log.Debug("record pseudonymized",
		zap.String("pseudonym_id", mapping.PseudonymID),
		zap.Int("transforms", len(transforms)),
		zap.Bool("durable", mapping.Durable))

	return redacted, mapping, summarize(transforms), nil
}

// persist writes the mapping to the primary store, degrading to the
// in-process fallback when that fails.
func (p *Pseudonymizer) persist(ctx context.Context, m *Mapping) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal mapping: %w", err)
	}
	if err := p.store.Put(ctx, m.PseudonymID, data, m.TTL+retentionGrace); err != nil {
		p.log.Warn("token store write failed, keeping mapping in-process only",
			zap.String("pseudonym_id", m.PseudonymID), zap.Error(err))
		m.Durable = false
		data, _ = json.Marshal(m)
		return p.fallback.Put(ctx, m.PseudonymID, data, m.TTL+retentionGrace)
	}
	return nil
}

// lookup fetches a mapping from the primary store, then the fallback.
func (p *Pseudonymizer) lookup(ctx context.Context, id string) (*Mapping, error) {
	data, err := p.store.Get(ctx, id)
	if errors.Is(err, token.ErrNotFound) {
		data, err = p.fallback.Get(ctx, id)
	}
	if errors.Is(err, token.ErrNotFound) {
		return nil, ErrUnknownID
	}
	if err != nil {
		return nil, fmt.Errorf("token store read: %w", err)
	}

	var m Mapping
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("corrupt mapping %s: %w", id, err)
	}
	if time.Since(m.CreatedAt) > m.TTL {
		return nil, ErrExpired
	}
	return &m, nil
}

// Repersonalize restores the original record for a pseudonym id. Every token
// is re-derived from its recorded original; any mismatch quarantines the
// mapping and fails with ErrIntegrity.
func (p *Pseudonymizer) Repersonalize(ctx context.Context, id string) (types.Record, error) {
	m, err := p.lookup(ctx, id)
	if err != nil {
		return nil, err
	}

	for _, tr := range m.Transforms {
		if !p.tokenizer.Verify(tr.Kind, tr.Original, tr.Token) {
			p.quarantine(ctx, id, m)
			return nil, ErrIntegrity
		}
	}

	restored := deepCopy(m.Redacted).(map[string]any)
	for _, tr := range m.Transforms {
		if err := setPath(restored, tr.Path, tr.Original); err != nil {
			p.quarantine(ctx, id, m)
			return nil, fmt.Errorf("%w: path %s missing", ErrIntegrity, tr.Path)
		}
	}

	p.mu.Lock()
	p.totalReverts++
	p.mu.Unlock()

	return restored, nil
}

// RepersonalizeText substitutes tokens back into free text, longest token
// first so overlapping prefixes cannot partially rewrite each other. Used on
// analysis output when the caller asked for repersonalized results.
func (p *Pseudonymizer) RepersonalizeText(ctx context.Context, id, text string) (string, error) {
	m, err := p.lookup(ctx, id)
	if err != nil {
		return "", err
	}

	sorted := make([]FieldTransform, len(m.Transforms))
	copy(sorted, m.Transforms)
	sort.Slice(sorted, func(i, j int) bool { return len(sorted[i].Token) > len(sorted[j].Token) })

	for _, tr := range sorted {
		text = strings.ReplaceAll(text, tr.Token, tr.Original)
	}
	return text, nil
}

// quarantine moves a failed mapping out of the live namespace so it cannot be
// replayed, while preserving it for inspection.
func (p *Pseudonymizer) quarantine(ctx context.Context, id string, m *Mapping) {
	p.log.Error("mapping failed integrity check, quarantining", zap.String("pseudonym_id", id))
	if data, err := json.Marshal(m); err == nil {
		_ = p.store.Put(ctx, "quarantine:"+id, data, m.TTL)
	}
	_ = p.store.Delete(ctx, id)
	_ = p.fallback.Delete(ctx, id)
}

// walk recursively redacts a decoded JSON value. fieldName is the map key of
// the current value ("" at the root); path is the dotted JSON path.
func (p *Pseudonymizer) walk(path, fieldName string, v any, transforms *[]FieldTransform) any {
	switch val := v.(type) {
	case map[string]any:
		for k, item := range val {
			childPath := k
			if path != "" {
				childPath = path + "." + k
			}
			val[k] = p.walk(childPath, k, item, transforms)
		}
		return val
	case []any:
		for i, item := range val {
			val[i] = p.walk(fmt.Sprintf("%s[%d]", path, i), fieldName, item, transforms)
		}
		return val
	case string:
		kind, matched := detectByName(fieldName)
		if !matched {
			kind, matched = detectByContent(val, p.threshold)
		}
		if !matched || val == "" {
			return val
		}
		tok := p.tokenizer.Token(kind, val)
		*transforms = append(*transforms, FieldTransform{
			Path:     path,
			Kind:     kind,
			Original: val,
			Token:    tok,
		})
		return tok
	default:
		// Numbers, booleans, and nulls outside the lexicon pass through.
		return v
	}
}

// Close releases the in-process fallback store.
func (p *Pseudonymizer) Close() error {
	return p.fallback.Close()
}

// Stats reports totals for the /stats surface.
func (p *Pseudonymizer) Stats() map[string]any {
	p.mu.Lock()
	defer p.mu.Unlock()

	byKind := make(map[string]int64, len(p.countsByKind))
	for k, n := range p.countsByKind {
		byKind[string(k)] = n
	}
	return map[string]any{
		"total_pseudonymized":  p.totalDone,
		"total_repersonalized": p.totalReverts,
		"tokens_by_kind":       byKind,
		"storage_backend":      p.store.Backend(),
		"storage_durable":      p.store.Durable(),
	}
}

func summarize(transforms []FieldTransform) *Summary {
	s := &Summary{
		CountsByKind: make(map[types.PIIKind]int),
		Fields:       make([]FieldSummary, 0, len(transforms)),
	}
	for _, tr := range transforms {
		s.CountsByKind[tr.Kind]++
		preview := tr.Token
		if len(preview) > 16 {
			preview = preview[:16] + "…"
		}
		s.Fields = append(s.Fields, FieldSummary{Path: tr.Path, Kind: tr.Kind, TokenPreview: preview})
	}
	return s
}

// deepCopy clones a decoded JSON tree so redaction never mutates the caller's
// record.
func deepCopy(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = deepCopy(item)
		}
		return out
	case types.Record:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = deepCopy(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = deepCopy(item)
		}
		return out
	default:
		return v
	}
}
