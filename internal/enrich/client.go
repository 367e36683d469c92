// Package enrich provides the external-intelligence client. It extracts
// entity names from records, queries the augmentation service, and caches
// results in the learning substrate so repeated entities skip the network.
package enrich

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"finsight/internal/learning"
	"finsight/internal/logging"
	"finsight/internal/types"
)

// Status values surfaced in prompt metadata.
const (
	StatusOK       = "ok"
	StatusSkipped  = "skipped"
	StatusDegraded = "degraded"
	StatusCacheHit = "cache_hit"
)

// Augmentation is the enrichment outcome attached to a prompt.
type Augmentation struct {
	Text     string   `json:"augmentation_text"`
	Entities []string `json:"entities"`
	CacheHit bool     `json:"cache_hit"`
	Status   string   `json:"status"`
	Elapsed  time.Duration
}

// Substrate is the cache surface the client needs.
type Substrate interface {
	Embed(ctx context.Context, signature string) ([]float32, error)
	BestOf(ctx context.Context, kind types.PatternKind, vec []float32, minSimilarity float64) (*learning.Match, error)
	Append(ctx context.Context, kind types.PatternKind, vec []float32, payload string, metadata map[string]string, approved bool, quality float64) (*learning.PatternRecord, error)
}

// Config configures the client.
type Config struct {
	Endpoint string
	Budget   time.Duration // soft per-request budget, default 10s
	HardCap  time.Duration // absolute client deadline, default 30s
}

// Client queries the augmentation service with caching and a breaker.
// Enrichment is always degradable: failures surface as a degraded status,
// never as request errors.
type Client struct {
	cfg       Config
	http      *http.Client
	breaker   *gobreaker.CircuitBreaker
	substrate Substrate
	log       *zap.Logger
}

// New constructs the enrichment client. substrate may be nil, which disables
// caching.
func New(cfg Config, substrate Substrate) *Client {
	if cfg.Budget <= 0 {
		cfg.Budget = 10 * time.Second
	}
	if cfg.HardCap <= 0 {
		cfg.HardCap = 30 * time.Second
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.HardCap},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "enrichment",
			Timeout: 60 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		}),
		substrate: substrate,
		log:       logging.Named("enrich"),
	}
}

type augmentRequest struct {
	Record   types.Record `json:"record"`
	Context  string       `json:"context"`
	Entities []string     `json:"optional_entities,omitempty"`
}

type augmentResponse struct {
	AugmentationText string   `json:"augmentation_text"`
	Entities         []string `json:"entities"`
	CacheHit         bool     `json:"cache_hit"`
	ElapsedMS        int64    `json:"elapsed_ms"`
}

// Augment enriches a (redacted) record. The call is bounded by the soft
// budget; on timeout or failure it returns a degraded augmentation rather
// than an error.
func (c *Client) Augment(ctx context.Context, record types.Record, contextTag string) *Augmentation {
	start := time.Now()

	if c.cfg.Endpoint == "" {
		return &Augmentation{Status: StatusSkipped, Elapsed: time.Since(start)}
	}

	entities := ExtractEntities(record)

	// Cache check: entity sets that were augmented before skip the network.
	cacheKey := cacheSignature(entities, contextTag)
	if aug := c.fromCache(ctx, cacheKey); aug != nil {
		aug.Elapsed = time.Since(start)
		return aug
	}

	budgeted, cancel := context.WithTimeout(ctx, c.cfg.Budget)
	defer cancel()

	out, err := c.breaker.Execute(func() (any, error) {
		return c.post(budgeted, augmentRequest{Record: record, Context: contextTag, Entities: entities})
	})
	if err != nil {
		c.log.Warn("enrichment degraded", zap.Error(err))
		return &Augmentation{Entities: entities, Status: StatusDegraded, Elapsed: time.Since(start)}
	}

	resp := out.(*augmentResponse)
	aug := &Augmentation{
		Text:     resp.AugmentationText,
		Entities: resp.Entities,
		Status:   StatusOK,
		Elapsed:  time.Since(start),
	}
	if len(aug.Entities) == 0 {
		aug.Entities = entities
	}
	c.toCache(ctx, cacheKey, aug)
	return aug
}

func (c *Client) post(ctx context.Context, reqBody augmentRequest) (*augmentResponse, error) {
	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint+"/augment", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("augment returned status %d: %s", resp.StatusCode, string(b))
	}

	var out augmentResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode augmentation: %w", err)
	}
	return &out, nil
}

func (c *Client) fromCache(ctx context.Context, key string) *Augmentation {
	if c.substrate == nil || key == "" {
		return nil
	}
	vec, err := c.substrate.Embed(ctx, key)
	if err != nil {
		return nil
	}
	match, err := c.substrate.BestOf(ctx, types.PatternCrossLink, vec, 0.999)
	if err != nil || match == nil {
		return nil
	}
	var aug Augmentation
	if err := json.Unmarshal([]byte(match.Record.Payload), &aug); err != nil {
		return nil
	}
	aug.CacheHit = true
	aug.Status = StatusCacheHit
	return &aug
}

func (c *Client) toCache(ctx context.Context, key string, aug *Augmentation) {
	if c.substrate == nil || key == "" {
		return
	}
	vec, err := c.substrate.Embed(ctx, key)
	if err != nil {
		return
	}
	payload, err := json.Marshal(aug)
	if err != nil {
		return
	}
	if _, err := c.substrate.Append(ctx, types.PatternCrossLink, vec, string(payload),
		map[string]string{"origin": "enrichment"}, true, 1.0); err != nil {
		c.log.Debug("augmentation cache write failed", zap.Error(err))
	}
}

// HealthCheck probes the enrichment service.
func (c *Client) HealthCheck(ctx context.Context) error {
	if c.cfg.Endpoint == "" {
		return errors.New("enrichment not configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.Endpoint+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("enrichment health status %d", resp.StatusCode)
	}
	return nil
}

// cacheSignature fingerprints an entity set and context for cache lookup.
func cacheSignature(entities []string, contextTag string) string {
	if len(entities) == 0 {
		return ""
	}
	sorted := make([]string, len(entities))
	copy(sorted, entities)
	sort.Strings(sorted)
	return "enrich:" + strings.ToLower(contextTag) + ":" + strings.Join(sorted, "|")
}
