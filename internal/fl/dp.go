package fl

import (
	"math"
	"math/rand"
	"sync"

	"github.com/meshwarden/meshwarden/internal/config"
	"github.com/meshwarden/meshwarden/internal/errors"
)

// Accountant tracks the cumulative (epsilon, delta) privacy spend across
// rounds and refuses new rounds once the budget is gone. NoiseSigma is the
// noise multiplier z: the absolute noise deviation is z times the query
// sensitivity, which for a mean of updates clipped to norm C over n
// participants is C/n.
type Accountant struct {
	cfg config.DPConfig

	mu     sync.Mutex
	spent  float64
	rounds int
	rng    *rand.Rand
}

// NewAccountant builds the accountant. seed fixes the noise stream for
// tests; production callers pass a time-derived seed.
func NewAccountant(cfg config.DPConfig, seed int64) *Accountant {
	return &Accountant{
		cfg: cfg,
		rng: rand.New(rand.NewSource(seed)),
	}
}

// Enabled reports whether the privacy mechanisms apply at all.
func (a *Accountant) Enabled() bool {
	return a.cfg.Enabled
}

// PerRoundEpsilon is the Gaussian-mechanism bound for one round:
// epsilon = sqrt(2 ln(1.25/delta)) / z.
func (a *Accountant) PerRoundEpsilon() float64 {
	if !a.cfg.Enabled || a.cfg.NoiseSigma <= 0 {
		return 0
	}
	return math.Sqrt(2*math.Log(1.25/a.cfg.Delta)) / a.cfg.NoiseSigma
}

// Admit charges one round against the budget. It fails with a budget error
// when the spend would exceed epsilon_budget; the caller must refuse to
// open the round and surface the health signal.
func (a *Accountant) Admit() (float64, error) {
	if !a.cfg.Enabled {
		return 0, nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	eps := a.PerRoundEpsilon()
	if a.spent+eps > a.cfg.EpsilonBudget+1e-12 {
		return 0, errors.NewBudgetExhausted(a.spent, a.cfg.EpsilonBudget)
	}
	a.spent += eps
	a.rounds++
	return eps, nil
}

// Refund returns one round's charge after an abort: an aborted round
// published nothing, so it leaked nothing.
func (a *Accountant) Refund(eps float64) {
	if !a.cfg.Enabled || eps <= 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.spent -= eps
	if a.spent < 0 {
		a.spent = 0
	}
	a.rounds--
}

// Exhausted reports whether another round would overrun the budget.
func (a *Accountant) Exhausted() bool {
	if !a.cfg.Enabled {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.spent+a.PerRoundEpsilon() > a.cfg.EpsilonBudget+1e-12
}

// Spent returns the cumulative epsilon consumed so far.
func (a *Accountant) Spent() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.spent
}

// Restore seeds the accountant with spend recovered from a checkpoint. A
// restart must not reset the privacy ledger, so restore only raises it.
func (a *Accountant) Restore(spent float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if spent > a.spent {
		a.spent = spent
	}
}

// Clip scales the vector so its L2 norm is at most clip_norm_c. Clipping
// happens per update before aggregation; it bounds the sensitivity the
// noise calibration assumes.
func (a *Accountant) Clip(v []float64) []float64 {
	if !a.cfg.Enabled {
		return v
	}
	norm := math.Sqrt(squaredDistance(v, nil))
	if norm <= a.cfg.ClipNormC || norm == 0 {
		return v
	}
	factor := a.cfg.ClipNormC / norm
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = x * factor
	}
	return out
}

// AddNoise perturbs the aggregate with Gaussian noise calibrated to the
// round's sensitivity C/n. Mutates and returns the slice.
func (a *Accountant) AddNoise(aggregate []float64, participants int) []float64 {
	if !a.cfg.Enabled || participants <= 0 {
		return aggregate
	}
	sigma := a.cfg.NoiseSigma * a.cfg.ClipNormC / float64(participants)

	a.mu.Lock()
	defer a.mu.Unlock()
	for i := range aggregate {
		aggregate[i] += a.rng.NormFloat64() * sigma
	}
	return aggregate
}
