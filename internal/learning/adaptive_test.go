package learning

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdaptiveDefaults(t *testing.T) {
	a := NewAdaptive(0, 0, 0)
	defer a.Close()

	assert.Equal(t, 0.70, a.QualityGate())
	assert.Equal(t, 0.80, a.SimilarityGate())
	assert.Equal(t, 0.60, a.ReinforceGate())
}

func TestAdaptiveRaisesQualityGateOnSustainedHighQuality(t *testing.T) {
	a := NewAdaptive(0.70, 0.80, 0.60)
	defer a.Close()

	for i := 0; i < rollingWindow; i++ {
		a.Observe(0.95, -1)
	}

	require.Eventually(t, func() bool {
		return a.QualityGate() > 0.70
	}, 2*time.Second, 10*time.Millisecond)

	assert.InDelta(t, 0.71, a.QualityGate(), 1e-9)
}

func TestAdaptiveLowersQualityGateOnSustainedLowQuality(t *testing.T) {
	a := NewAdaptive(0.70, 0.80, 0.60)
	defer a.Close()

	for i := 0; i < rollingWindow; i++ {
		a.Observe(0.40, -1)
	}

	require.Eventually(t, func() bool {
		return a.QualityGate() < 0.70
	}, 2*time.Second, 10*time.Millisecond)
}

func TestAdaptiveHoldsInsideBand(t *testing.T) {
	a := NewAdaptive(0.70, 0.80, 0.60)
	defer a.Close()

	// Rolling mean 0.72 sits inside the ±0.05 band around 0.70.
	for i := 0; i < rollingWindow; i++ {
		a.Observe(0.72, -1)
	}

	// Give the loop time to drain the channel, then confirm no movement.
	assert.Never(t, func() bool {
		return a.QualityGate() != 0.70
	}, 300*time.Millisecond, 20*time.Millisecond)
}

func TestAdaptiveIgnoresNegativeSimilarity(t *testing.T) {
	a := NewAdaptive(0.70, 0.80, 0.60)
	defer a.Close()

	for i := 0; i < rollingWindow*2; i++ {
		a.Observe(0.70, -1)
	}

	assert.Never(t, func() bool {
		return a.SimilarityGate() != 0.80
	}, 300*time.Millisecond, 20*time.Millisecond)
}

func TestAdaptiveObserveNeverBlocks(t *testing.T) {
	a := NewAdaptive(0.70, 0.80, 0.60)
	defer a.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10000; i++ {
			a.Observe(0.9, 0.9)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Observe blocked the caller")
	}
}
