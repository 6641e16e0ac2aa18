package analyzer

import (
	"math"
	"sort"
)

// minCausalSamples is the fewest aligned points worth correlating; below
// this the estimate is noise.
const minCausalSamples = 4

// maxLaggedSpearman slides effect back by 0..maxLag samples against cause
// and returns the correlation with the largest magnitude and the lag that
// produced it. Returns NaN when no lag leaves enough overlap.
func maxLaggedSpearman(cause, effect []float64, maxLag int) (float64, int) {
	best := math.NaN()
	bestLag := 0
	for lag := 0; lag <= maxLag; lag++ {
		if len(cause)-lag < minCausalSamples || len(effect)-lag < minCausalSamples {
			break
		}
		// cause leads: cause[i] is paired with effect[i+lag].
		n := len(cause) - lag
		if len(effect)-lag < n {
			n = len(effect) - lag
		}
		rho := spearman(cause[:n], effect[lag:lag+n])
		if math.IsNaN(rho) {
			continue
		}
		if math.IsNaN(best) || math.Abs(rho) > math.Abs(best) {
			best = rho
			bestLag = lag
		}
	}
	return best, bestLag
}

// spearman is the Pearson correlation of the two series' fractional ranks.
// Ties share the average rank. Returns NaN for degenerate input.
func spearman(x, y []float64) float64 {
	if len(x) != len(y) || len(x) < minCausalSamples {
		return math.NaN()
	}
	return pearson(ranks(x), ranks(y))
}

func pearson(x, y []float64) float64 {
	n := float64(len(x))
	var sumX, sumY float64
	for i := range x {
		sumX += x[i]
		sumY += y[i]
	}
	meanX, meanY := sumX/n, sumY/n

	var cov, varX, varY float64
	for i := range x {
		dx := x[i] - meanX
		dy := y[i] - meanY
		cov += dx * dy
		varX += dx * dx
		varY += dy * dy
	}
	if varX == 0 || varY == 0 {
		return math.NaN()
	}
	return cov / math.Sqrt(varX*varY)
}

// ranks assigns 1-based fractional ranks, averaging over ties.
func ranks(values []float64) []float64 {
	idx := make([]int, len(values))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool { return values[idx[a]] < values[idx[b]] })

	out := make([]float64, len(values))
	for i := 0; i < len(idx); {
		j := i
		for j+1 < len(idx) && values[idx[j+1]] == values[idx[i]] {
			j++
		}
		rank := float64(i+j)/2 + 1
		for k := i; k <= j; k++ {
			out[idx[k]] = rank
		}
		i = j + 1
	}
	return out
}

func meanStddev(values []float64) (float64, float64) {
	if len(values) == 0 {
		return 0, 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))

	var sq float64
	for _, v := range values {
		d := v - mean
		sq += d * d
	}
	return mean, math.Sqrt(sq / float64(len(values)))
}
