package fl

import (
	"math/rand"
	"sort"

	"github.com/meshwarden/meshwarden/internal/errors"
)

// Client sampling strategies for round selection.
const (
	SamplingUniform             = "uniform"
	SamplingConvergenceWeighted = "convergence_weighted"
	SamplingResourceAware       = "resource_aware"
)

// Capacity floor for resource-aware selection. Clients under it still get
// picked when the qualified pool is too small, largest headroom first.
const (
	resourceMinCPUMilli = 500
	resourceMinMemoryMB = 256
)

// SampleClients picks up to k participants from the eligible pool using the
// configured strategy. The pool is never mutated; fewer than k eligible
// clients returns the whole pool shuffled.
func SampleClients(strategy string, eligible []ClientInfo, k int, rng *rand.Rand) ([]ClientInfo, error) {
	if k <= 0 {
		return nil, errors.NewValidation("sample size must be positive")
	}
	if len(eligible) == 0 {
		return nil, nil
	}
	switch strategy {
	case SamplingUniform, "":
		return sampleUniform(eligible, k, rng), nil
	case SamplingConvergenceWeighted:
		return sampleConvergenceWeighted(eligible, k, rng), nil
	case SamplingResourceAware:
		return sampleResourceAware(eligible, k, rng), nil
	default:
		return nil, errors.NewValidation("unknown sampling strategy: " + strategy)
	}
}

func sampleUniform(eligible []ClientInfo, k int, rng *rand.Rand) []ClientInfo {
	pool := append([]ClientInfo(nil), eligible...)
	rng.Shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })
	if k > len(pool) {
		k = len(pool)
	}
	return pool[:k]
}

// sampleConvergenceWeighted draws without replacement with probability
// proportional to each client's recent loss improvement. A pool with no
// positive history degrades to uniform.
func sampleConvergenceWeighted(eligible []ClientInfo, k int, rng *rand.Rand) []ClientInfo {
	pool := append([]ClientInfo(nil), eligible...)
	weights := make([]float64, len(pool))
	var total float64
	for i, c := range pool {
		if c.LossImprovement > 0 {
			weights[i] = c.LossImprovement
			total += weights[i]
		}
	}
	if total == 0 {
		return sampleUniform(pool, k, rng)
	}
	// Unobserved clients keep a small floor so new nodes still get rounds.
	floor := total / float64(len(pool)) * 0.1
	for i := range weights {
		if weights[i] == 0 {
			weights[i] = floor
			total += floor
		}
	}

	if k > len(pool) {
		k = len(pool)
	}
	picked := make([]ClientInfo, 0, k)
	for len(picked) < k {
		target := rng.Float64() * total
		var acc float64
		idx := len(pool) - 1
		for i, w := range weights {
			acc += w
			if target < acc {
				idx = i
				break
			}
		}
		picked = append(picked, pool[idx])
		total -= weights[idx]
		pool = append(pool[:idx], pool[idx+1:]...)
		weights = append(weights[:idx], weights[idx+1:]...)
	}
	return picked
}

// sampleResourceAware prefers clients reporting capacity headroom and
// backfills from the remainder, largest headroom first, when too few
// qualify.
func sampleResourceAware(eligible []ClientInfo, k int, rng *rand.Rand) []ClientInfo {
	var qualified, rest []ClientInfo
	for _, c := range eligible {
		if c.Capacity.CPUMilli >= resourceMinCPUMilli && c.Capacity.MemoryMB >= resourceMinMemoryMB {
			qualified = append(qualified, c)
		} else {
			rest = append(rest, c)
		}
	}
	picked := sampleUniform(qualified, k, rng)
	if len(picked) >= k {
		return picked
	}
	sort.Slice(rest, func(i, j int) bool {
		if rest[i].Capacity.CPUMilli != rest[j].Capacity.CPUMilli {
			return rest[i].Capacity.CPUMilli > rest[j].Capacity.CPUMilli
		}
		return rest[i].Capacity.MemoryMB > rest[j].Capacity.MemoryMB
	})
	for _, c := range rest {
		if len(picked) >= k {
			break
		}
		picked = append(picked, c)
	}
	return picked
}
