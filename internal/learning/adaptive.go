package learning

import (
	"math"
	"sync/atomic"

	"go.uber.org/zap"

	"finsight/internal/logging"
)

// rollingWindow is how many recent interactions the adaptive logic looks at.
const rollingWindow = 50

// Adaptive threshold step and bands.
const (
	adaptiveBand     = 0.05
	adaptiveStep     = 0.01
	qualityGateFloor = 0.50
	qualityGateCeil  = 0.95
	similarityFloor  = 0.50
	similarityCeil   = 0.95
)

// atomicFloat stores a float64 readable without locks.
type atomicFloat struct {
	bits atomic.Uint64
}

func (a *atomicFloat) Store(f float64) { a.bits.Store(math.Float64bits(f)) }
func (a *atomicFloat) Load() float64   { return math.Float64frombits(a.bits.Load()) }

// observation is one completed interaction fed to the adaptive loop.
type observation struct {
	quality float64
	// similarity of the reused record, negative when nothing was reused.
	similarity float64
}

// Adaptive holds the three process-wide thresholds. All updates flow through
// one goroutine consuming the feedback channel; readers load atomically.
type Adaptive struct {
	qualityGate    atomicFloat
	similarityGate atomicFloat
	reinforceGate  atomicFloat

	feedback chan observation
	done     chan struct{}
	log      *zap.Logger

	// ring buffers owned exclusively by the run goroutine
	qualities    []float64
	similarities []float64
}

// NewAdaptive creates the threshold state with initial values and starts the
// single-writer loop.
func NewAdaptive(qualityGate, similarityGate, reinforceGate float64) *Adaptive {
	a := &Adaptive{
		feedback: make(chan observation, 256),
		done:     make(chan struct{}),
		log:      logging.Named("adaptive"),
	}
	if qualityGate <= 0 {
		qualityGate = 0.70
	}
	if similarityGate <= 0 {
		similarityGate = 0.80
	}
	if reinforceGate <= 0 {
		reinforceGate = 0.60
	}
	a.qualityGate.Store(qualityGate)
	a.similarityGate.Store(similarityGate)
	a.reinforceGate.Store(reinforceGate)

	go a.run()
	return a
}

// QualityGate returns the current quality threshold.
func (a *Adaptive) QualityGate() float64 { return a.qualityGate.Load() }

// SimilarityGate returns the current similarity-match threshold.
func (a *Adaptive) SimilarityGate() float64 { return a.similarityGate.Load() }

// ReinforceGate returns the current reinforcement cutoff.
func (a *Adaptive) ReinforceGate() float64 { return a.reinforceGate.Load() }

// Observe feeds one completed interaction into the adaptive loop. Never
// blocks the request path: when the channel is full the observation is
// dropped, which only delays adaptation.
func (a *Adaptive) Observe(quality, similarity float64) {
	select {
	case a.feedback <- observation{quality: quality, similarity: similarity}:
	default:
	}
}

// Close stops the single-writer loop.
func (a *Adaptive) Close() {
	close(a.done)
}

func (a *Adaptive) run() {
	for {
		select {
		case <-a.done:
			return
		case obs := <-a.feedback:
			a.apply(obs)
		}
	}
}

// apply folds one observation into the rolling windows and nudges thresholds
// when the rolling mean drifts outside the band.
func (a *Adaptive) apply(obs observation) {
	a.qualities = appendBounded(a.qualities, obs.quality, rollingWindow)
	if len(a.qualities) == rollingWindow {
		gate := a.qualityGate.Load()
		avg := mean(a.qualities)
		switch {
		case avg > gate+adaptiveBand && gate+adaptiveStep <= qualityGateCeil:
			a.qualityGate.Store(gate + adaptiveStep)
			a.log.Debug("raised quality gate", zap.Float64("gate", gate+adaptiveStep), zap.Float64("rolling_avg", avg))
		case avg < gate-adaptiveBand && gate-adaptiveStep >= qualityGateFloor:
			a.qualityGate.Store(gate - adaptiveStep)
			a.log.Debug("lowered quality gate", zap.Float64("gate", gate-adaptiveStep), zap.Float64("rolling_avg", avg))
		}
	}

	if obs.similarity >= 0 {
		a.similarities = appendBounded(a.similarities, obs.similarity, rollingWindow)
		if len(a.similarities) == rollingWindow {
			gate := a.similarityGate.Load()
			avg := mean(a.similarities)
			switch {
			case avg > gate+adaptiveBand && gate+adaptiveStep <= similarityCeil:
				a.similarityGate.Store(gate + adaptiveStep)
			case avg < gate-adaptiveBand && gate-adaptiveStep >= similarityFloor:
				a.similarityGate.Store(gate - adaptiveStep)
			}
		}
	}
}

func appendBounded(xs []float64, x float64, bound int) []float64 {
	xs = append(xs, x)
	if len(xs) > bound {
		xs = xs[len(xs)-bound:]
	}
	return xs
}

func mean(xs []float64) float64 {
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}
