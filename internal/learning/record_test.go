package learning

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestComputeReinforcementFreshPerfectRecord(t *testing.T) {
	now := time.Now().UTC()
	s := Stats{Uses: 10, Successes: 10, QualitySum: 10, QualityN: 10, LastUsedAt: now}

	// 0.4·1 + 0.3·1 + 0.2·1 + 0.1·1 = 1.0
	assert.InDelta(t, 1.0, ComputeReinforcement(s, now), 1e-9)
}

func TestComputeReinforcementRecencyHalvesWeekly(t *testing.T) {
	now := time.Now().UTC()
	s := Stats{Uses: 10, Successes: 0, QualitySum: 0, QualityN: 10, LastUsedAt: now.Add(-168 * time.Hour)}

	// Only recency and confidence contribute: 0.2·0.5 + 0.1·1 = 0.2
	assert.InDelta(t, 0.2, ComputeReinforcement(s, now), 1e-9)
}

func TestComputeReinforcementZeroStats(t *testing.T) {
	now := time.Now().UTC()
	got := ComputeReinforcement(Stats{LastUsedAt: now}, now)

	// No uses: only the recency term remains.
	assert.InDelta(t, 0.2, got, 1e-9)
}

func TestComputeReinforcementClamped(t *testing.T) {
	now := time.Now().UTC()
	s := Stats{Uses: 100, Successes: 100, QualitySum: 200, QualityN: 100, LastUsedAt: now.Add(time.Hour)}

	got := ComputeReinforcement(s, now)
	assert.LessOrEqual(t, got, 1.0)
	assert.GreaterOrEqual(t, got, 0.0)
}

func TestMergeIsMonotonic(t *testing.T) {
	now := time.Now().UTC()
	s := initialStats(true, 0.9, now)

	later := now.Add(time.Minute)
	merged := merge(s, false, 0.5, later)

	assert.Equal(t, int64(2), merged.Uses)
	assert.Equal(t, int64(1), merged.Successes)
	assert.Equal(t, int64(2), merged.QualityN)
	assert.InDelta(t, 1.4, merged.QualitySum, 1e-9)
	assert.Equal(t, later, merged.LastUsedAt)

	// A stale clock cannot move LastUsedAt backwards.
	stale := merge(merged, true, 0.8, now.Add(-time.Hour))
	assert.Equal(t, later, stale.LastUsedAt)
	assert.Equal(t, int64(3), stale.Uses)
}
