package fl

import (
	"fmt"
	"math"
	"sort"

	"github.com/meshwarden/meshwarden/internal/errors"
)

// AggregationMode selects the Byzantine-robust combination rule for a round.
type AggregationMode string

const (
	ModeKrum        AggregationMode = "krum"
	ModeMultiKrum   AggregationMode = "multi_krum"
	ModeTrimmedMean AggregationMode = "trimmed_mean"
	ModeMedian      AggregationMode = "median"
)

// AggregationOptions carries the per-round parameters of the chosen rule.
type AggregationOptions struct {
	// ByzantineF bounds the tolerated adversarial updates for the Krum
	// rules; it must satisfy f <= floor((n-3)/2).
	ByzantineF int
	// MultiKrumM is how many best-scored updates multi-Krum averages.
	MultiKrumM int
	// TrimBeta is the base fraction trimmed from each coordinate tail; the
	// adaptive estimate can raise it, never lower it.
	TrimBeta float64
}

// MaxByzantineF is the classical Krum bound on tolerated adversaries.
func MaxByzantineF(n int) int {
	f := (n - 3) / 2
	if f < 0 {
		f = 0
	}
	return f
}

// Aggregate combines the decompressed update vectors under the given mode.
// It returns the aggregate and the indices of the updates that contributed
// to it (all of them for the coordinate-wise rules). Vectors must share one
// dimension and be finite; violations surface as integrity errors so the
// round aborts instead of publishing a poisoned model.
func Aggregate(mode AggregationMode, vectors [][]float64, opts AggregationOptions) ([]float64, []int, error) {
	if len(vectors) == 0 {
		return nil, nil, errors.NewIntegrity("no updates to aggregate")
	}
	dim := len(vectors[0])
	for i, v := range vectors {
		if len(v) != dim {
			return nil, nil, errors.NewIntegrity(
				fmt.Sprintf("update %d dimension %d does not match %d", i, len(v), dim))
		}
	}

	switch mode {
	case ModeKrum:
		best, err := Krum(vectors, opts.ByzantineF)
		if err != nil {
			return nil, nil, err
		}
		return append([]float64(nil), vectors[best]...), []int{best}, nil

	case ModeMultiKrum:
		chosen, err := MultiKrum(vectors, opts.ByzantineF, opts.MultiKrumM)
		if err != nil {
			return nil, nil, err
		}
		selected := make([][]float64, len(chosen))
		for i, idx := range chosen {
			selected[i] = vectors[idx]
		}
		agg, err := checkFinite(mean(selected))
		if err != nil {
			return nil, nil, err
		}
		return agg, chosen, nil

	case ModeTrimmedMean:
		beta := AdaptiveBeta(vectors, opts.TrimBeta)
		agg, err := TrimmedMean(vectors, beta)
		if err != nil {
			return nil, nil, err
		}
		return agg, allIndices(len(vectors)), nil

	case ModeMedian:
		agg, err := CoordinateMedian(vectors)
		if err != nil {
			return nil, nil, err
		}
		return agg, allIndices(len(vectors)), nil

	default:
		return nil, nil, errors.NewValidation(fmt.Sprintf("unknown aggregation mode %q", mode))
	}
}

// Krum returns the index of the update with the smallest summed squared
// distance to its n-f-2 nearest neighbors. With at most f well-separated
// adversaries the winner comes from the honest cluster.
func Krum(vectors [][]float64, f int) (int, error) {
	scores, err := krumScores(vectors, f)
	if err != nil {
		return 0, err
	}
	best := 0
	for i, s := range scores {
		if s < scores[best] {
			best = i
		}
	}
	return best, nil
}

// MultiKrum returns the indices of the m best-scored updates, ascending by
// score. The caller averages them.
func MultiKrum(vectors [][]float64, f, m int) ([]int, error) {
	scores, err := krumScores(vectors, f)
	if err != nil {
		return nil, err
	}
	if m < 1 {
		m = 1
	}
	if m > len(vectors) {
		m = len(vectors)
	}

	order := allIndices(len(vectors))
	sort.Slice(order, func(a, b int) bool {
		if scores[order[a]] != scores[order[b]] {
			return scores[order[a]] < scores[order[b]]
		}
		return order[a] < order[b]
	})
	chosen := append([]int(nil), order[:m]...)
	sort.Ints(chosen)
	return chosen, nil
}

// krumScores sums, for each update, its n-f-2 smallest squared L2 distances
// to the other updates.
func krumScores(vectors [][]float64, f int) ([]float64, error) {
	n := len(vectors)
	if f < 0 {
		return nil, errors.NewValidation("byzantine f must be non-negative")
	}
	if f > MaxByzantineF(n) {
		return nil, errors.NewValidation(
			fmt.Sprintf("byzantine f=%d exceeds the krum bound %d for n=%d", f, MaxByzantineF(n), n))
	}

	neighbors := n - f - 2
	if neighbors < 1 {
		neighbors = 1
	}

	// Pairwise squared distances; symmetric, computed once.
	dist := make([][]float64, n)
	for i := range dist {
		dist[i] = make([]float64, n)
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			d := squaredDistance(vectors[i], vectors[j])
			if !finite(d) {
				return nil, errors.NewIntegrity(
					fmt.Sprintf("non-finite distance between updates %d and %d", i, j))
			}
			dist[i][j] = d
			dist[j][i] = d
		}
	}

	scores := make([]float64, n)
	for i := 0; i < n; i++ {
		others := make([]float64, 0, n-1)
		for j := 0; j < n; j++ {
			if j != i {
				others = append(others, dist[i][j])
			}
		}
		sort.Float64s(others)
		if len(others) < neighbors {
			neighbors = len(others)
		}
		var sum float64
		for _, d := range others[:neighbors] {
			sum += d
		}
		scores[i] = sum
	}
	return scores, nil
}

// TrimmedMean drops the top and bottom beta fraction of each coordinate and
// averages the remainder. beta is clamped so at least one value survives.
func TrimmedMean(vectors [][]float64, beta float64) ([]float64, error) {
	n := len(vectors)
	dim := len(vectors[0])

	if beta < 0 {
		beta = 0
	}
	trim := int(math.Floor(beta * float64(n)))
	if 2*trim >= n {
		trim = (n - 1) / 2
	}

	out := make([]float64, dim)
	column := make([]float64, n)
	for c := 0; c < dim; c++ {
		for i, v := range vectors {
			column[i] = v[c]
		}
		sort.Float64s(column)

		var sum float64
		kept := column[trim : n-trim]
		for _, v := range kept {
			sum += v
		}
		out[c] = sum / float64(len(kept))
	}
	return checkFinite(out)
}

// CoordinateMedian takes the per-coordinate median, the fallback rule when
// nothing is known about the adversary fraction.
func CoordinateMedian(vectors [][]float64) ([]float64, error) {
	n := len(vectors)
	dim := len(vectors[0])

	out := make([]float64, dim)
	column := make([]float64, n)
	for c := 0; c < dim; c++ {
		for i, v := range vectors {
			column[i] = v[c]
		}
		sort.Float64s(column)
		if n%2 == 1 {
			out[c] = column[n/2]
		} else {
			out[c] = (column[n/2-1] + column[n/2]) / 2
		}
	}
	return checkFinite(out)
}

// AdaptiveBeta raises the configured trim fraction when the update norms
// look contaminated. Two estimators run over the norms: MAD-based robust
// z-scores and Tukey IQR fences; the larger outlier fraction wins. The
// result never drops below the configured base and never reaches 0.5.
func AdaptiveBeta(vectors [][]float64, base float64) float64 {
	norms := make([]float64, len(vectors))
	for i, v := range vectors {
		norms[i] = math.Sqrt(squaredDistance(v, nil))
	}

	beta := base
	if frac := madOutlierFraction(norms); frac > beta {
		beta = frac
	}
	if frac := iqrOutlierFraction(norms); frac > beta {
		beta = frac
	}
	if beta > 0.45 {
		beta = 0.45
	}
	if beta < 0 {
		beta = 0
	}
	return beta
}

// madOutlierFraction counts values whose robust z-score exceeds 3, using
// the scaled median absolute deviation as the spread estimate.
func madOutlierFraction(values []float64) float64 {
	if len(values) < 3 {
		return 0
	}
	med := median(values)
	devs := make([]float64, len(values))
	for i, v := range values {
		devs[i] = math.Abs(v - med)
	}
	mad := median(devs) * 1.4826
	if mad == 0 {
		return 0
	}

	outliers := 0
	for _, v := range values {
		if math.Abs(v-med)/mad > 3 {
			outliers++
		}
	}
	return float64(outliers) / float64(len(values))
}

// iqrOutlierFraction counts values outside the Tukey fences
// [q1 - 1.5*iqr, q3 + 1.5*iqr].
func iqrOutlierFraction(values []float64) float64 {
	if len(values) < 4 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	q1 := quantileSorted(sorted, 0.25)
	q3 := quantileSorted(sorted, 0.75)
	iqr := q3 - q1
	if iqr == 0 {
		return 0
	}

	lo, hi := q1-1.5*iqr, q3+1.5*iqr
	outliers := 0
	for _, v := range values {
		if v < lo || v > hi {
			outliers++
		}
	}
	return float64(outliers) / float64(len(values))
}

// ShardAggregate is one shard's contribution to a cross-shard combination.
type ShardAggregate struct {
	ShardID      int       `json:"shard_id"`
	Weights      []float64 `json:"weights"`
	SampleCount  int       `json:"sample_count"`
	ModelVersion uint64    `json:"model_version"`
}

// CombineShards runs the second-pass combination across shard aggregates:
// a weighted average by each shard's total sample count. Shards must agree
// on the dimension; zero total weight is an integrity error.
func CombineShards(parts []ShardAggregate) ([]float64, error) {
	if len(parts) == 0 {
		return nil, errors.NewIntegrity("no shard aggregates to combine")
	}
	dim := len(parts[0].Weights)
	var total float64
	for _, p := range parts {
		if len(p.Weights) != dim {
			return nil, errors.NewIntegrity(
				fmt.Sprintf("shard %d dimension %d does not match %d", p.ShardID, len(p.Weights), dim))
		}
		if p.SampleCount < 0 {
			return nil, errors.NewIntegrity(fmt.Sprintf("shard %d has negative sample count", p.ShardID))
		}
		total += float64(p.SampleCount)
	}
	if total == 0 {
		return nil, errors.NewIntegrity("shard aggregates carry no samples")
	}

	out := make([]float64, dim)
	for _, p := range parts {
		w := float64(p.SampleCount) / total
		for i, v := range p.Weights {
			out[i] += w * v
		}
	}
	return checkFinite(out)
}

// squaredDistance computes ||a-b||^2; a nil b measures against the origin.
func squaredDistance(a, b []float64) float64 {
	var sum float64
	for i, v := range a {
		d := v
		if b != nil {
			d -= b[i]
		}
		sum += d * d
	}
	return sum
}

func mean(vectors [][]float64) []float64 {
	dim := len(vectors[0])
	out := make([]float64, dim)
	for _, v := range vectors {
		for i, x := range v {
			out[i] += x
		}
	}
	for i := range out {
		out[i] /= float64(len(vectors))
	}
	return out
}

func median(values []float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// quantileSorted interpolates linearly on an already sorted slice.
func quantileSorted(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

func allIndices(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}
