package pool

import (
	"math/rand/v2"
	"sync/atomic"
	"time"
)

// Strategy names accepted in configuration.
const (
	StrategyRoundRobin         = "round_robin"
	StrategyWeightedRoundRobin = "weighted_round_robin"
	StrategyLeastConnections   = "least_connections"
	StrategyHealthAware        = "health_aware"
	StrategyRandom             = "random"
)

// Weight multiplier bounds. The floor is strictly positive so no healthy
// instance is ever fully excluded by dynamic adjustment.
const (
	minMultiplier = 0.1
	maxMultiplier = 2.0
)

// balancer selects an instance index from the healthy candidates.
type balancer[C any] struct {
	strategy string
	factor   float64
	rrNext   atomic.Uint64
}

// pick chooses one entry from candidates (all healthy, non-empty).
// Ties break on lowest current active connections.
func (b *balancer[C]) pick(candidates []*entry[C]) *entry[C] {
	switch b.strategy {
	case StrategyRandom:
		return candidates[rand.IntN(len(candidates))]
	case StrategyLeastConnections:
		return leastActive(candidates)
	case StrategyWeightedRoundRobin, StrategyHealthAware:
		return b.weightedPick(candidates)
	default: // round_robin
		n := b.rrNext.Add(1)
		return candidates[int(n-1)%len(candidates)]
	}
}

// weightedPick samples proportionally to each instance's effective
// weight: static weight times the dynamic multiplier derived from rolling
// response time, error rate, and current concurrency.
func (b *balancer[C]) weightedPick(candidates []*entry[C]) *entry[C] {
	weights := make([]float64, len(candidates))
	var sum float64
	for i, e := range candidates {
		w := e.inst.Weight
		if w <= 0 {
			w = 1
		}
		weights[i] = w * b.multiplier(e)
		sum += weights[i]
	}
	if sum <= 0 {
		return leastActive(candidates)
	}
	r := rand.Float64() * sum
	for i, w := range weights {
		r -= w
		if r <= 0 {
			return candidates[i]
		}
	}
	return candidates[len(candidates)-1]
}

// multiplier computes the dynamic per-instance weight multiplier in
// [minMultiplier, maxMultiplier]. Fast, error-free, idle instances trend
// toward the ceiling; slow or erroring ones toward the floor.
func (b *balancer[C]) multiplier(e *entry[C]) float64 {
	errRate, avg := e.windowStats()

	m := b.factor

	// Penalize error rate linearly: 50% errors halves the weight again.
	m *= 1 - errRate

	// Penalize slow responses relative to a 1s reference.
	if avg > 0 {
		m *= float64(time.Second) / float64(time.Second+avg)
	}

	// Penalize concurrency pressure.
	if e.inst.MaxPoolSize > 0 {
		load := float64(e.active.Load()) / float64(e.inst.MaxPoolSize)
		m *= 1 - 0.5*load
	}

	if m < minMultiplier {
		m = minMultiplier
	}
	if m > maxMultiplier {
		m = maxMultiplier
	}
	return m
}

// leastActive returns the candidate with the fewest active connections.
func leastActive[C any](candidates []*entry[C]) *entry[C] {
	best := candidates[0]
	for _, e := range candidates[1:] {
		if e.active.Load() < best.active.Load() {
			best = e
		}
	}
	return best
}
