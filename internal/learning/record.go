// Package learning implements the pattern substrate: vector-backed storage of
// prompt/analysis/validation patterns with reinforcement scoring, temporal
// decay, and adaptive retrieval thresholds.
package learning

import (
	"math"
	"time"

	"finsight/internal/types"
)

// Stats accumulates per-record usage. Fields only grow except LastUsedAt,
// which moves forward; records are never mutated destructively.
type Stats struct {
	Uses       int64     `json:"uses"`
	Successes  int64     `json:"successes"`
	QualitySum float64   `json:"quality_sum"`
	QualityN   int64     `json:"quality_n"`
	LastUsedAt time.Time `json:"last_used_at"`
	Confidence float64   `json:"confidence"`
}

// PatternRecord is one stored pattern. Reinforcement is cached at update time
// so queries stay cheap.
type PatternRecord struct {
	ID            string            `json:"id"`
	Kind          types.PatternKind `json:"kind"`
	Payload       string            `json:"payload"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Stats         Stats             `json:"stats"`
	Reinforcement float64           `json:"reinforcement"`
}

// Reinforcement half-life and component weights.
const (
	recencyHalfLifeHours = 168 // 7 days
	weightSuccess        = 0.4
	weightQuality        = 0.3
	weightRecency        = 0.2
	weightConfidence     = 0.1
)

// ComputeReinforcement evaluates the reinforcement formula at a given time:
// 0.4·success_rate + 0.3·avg_quality + 0.2·recency + 0.1·confidence_factor,
// clamped to [0,1]. Recency halves every 7 days since last use.
func ComputeReinforcement(s Stats, now time.Time) float64 {
	var successRate, avgQuality float64
	if s.Uses > 0 {
		successRate = float64(s.Successes) / float64(s.Uses)
	}
	if s.QualityN > 0 {
		avgQuality = s.QualitySum / float64(s.QualityN)
	}

	ageHours := now.Sub(s.LastUsedAt).Hours()
	if ageHours < 0 {
		ageHours = 0
	}
	recency := math.Exp2(-ageHours / recencyHalfLifeHours)

	confidenceFactor := math.Min(1, float64(s.Uses)/10)

	r := weightSuccess*successRate +
		weightQuality*avgQuality +
		weightRecency*recency +
		weightConfidence*confidenceFactor
	return math.Min(1, math.Max(0, r))
}

// initialStats seeds stats for a freshly appended record.
func initialStats(approved bool, quality float64, now time.Time) Stats {
	s := Stats{
		Uses:       1,
		QualitySum: quality,
		QualityN:   1,
		LastUsedAt: now,
	}
	if approved {
		s.Successes = 1
	}
	s.Confidence = 1 / (1 + float64(s.Uses))
	return s
}

// merge folds one new observation into existing stats. All counters are
// monotonic; LastUsedAt only advances.
func merge(s Stats, approved bool, quality float64, now time.Time) Stats {
	s.Uses++
	if approved {
		s.Successes++
	}
	s.QualitySum += quality
	s.QualityN++
	if now.After(s.LastUsedAt) {
		s.LastUsedAt = now
	}
	s.Confidence = 1 / (1 + float64(s.Uses))
	return s
}
