package fl

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshwarden/meshwarden/internal/config"
	"github.com/meshwarden/meshwarden/internal/errors"
)

func dpConfig(rounds int) config.DPConfig {
	perRound := math.Sqrt(2*math.Log(1.25/1e-5)) / 50.0
	return config.DPConfig{
		Enabled:       true,
		ClipNormC:     1.0,
		NoiseSigma:    50.0,
		EpsilonBudget: perRound * float64(rounds),
		Delta:         1e-5,
	}
}

func TestPerRoundEpsilonFollowsGaussianBound(t *testing.T) {
	acct := NewAccountant(dpConfig(10), 1)
	want := math.Sqrt(2*math.Log(1.25/1e-5)) / 50.0
	assert.InDelta(t, want, acct.PerRoundEpsilon(), 1e-12)
}

func TestAccountantAdmitsExactlyBudgetedRounds(t *testing.T) {
	acct := NewAccountant(dpConfig(10), 1)

	for i := 0; i < 10; i++ {
		charge, err := acct.Admit()
		require.NoError(t, err, "round %d should fit the budget", i)
		assert.InDelta(t, acct.PerRoundEpsilon(), charge, 1e-12)
	}
	assert.True(t, acct.Exhausted())

	_, err := acct.Admit()
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindBudget))
}

func TestRefundReopensTheBudget(t *testing.T) {
	acct := NewAccountant(dpConfig(1), 1)

	charge, err := acct.Admit()
	require.NoError(t, err)
	assert.True(t, acct.Exhausted())

	// An aborted round published nothing, so its charge comes back.
	acct.Refund(charge)
	assert.False(t, acct.Exhausted())
	assert.Zero(t, acct.Spent())

	_, err = acct.Admit()
	require.NoError(t, err)
}

func TestRestoreOnlyRaisesSpend(t *testing.T) {
	acct := NewAccountant(dpConfig(10), 1)

	acct.Restore(0.5)
	assert.InDelta(t, 0.5, acct.Spent(), 1e-12)

	// A stale checkpoint must not roll the ledger back.
	acct.Restore(0.1)
	assert.InDelta(t, 0.5, acct.Spent(), 1e-12)
}

func TestClipBoundsTheL2Norm(t *testing.T) {
	acct := NewAccountant(dpConfig(10), 1)

	clipped := acct.Clip([]float64{3, 4}) // norm 5, C = 1
	norm := math.Sqrt(clipped[0]*clipped[0] + clipped[1]*clipped[1])
	assert.InDelta(t, 1.0, norm, 1e-12)
	// Direction survives clipping.
	assert.InDelta(t, 3.0/5.0, clipped[0], 1e-12)
	assert.InDelta(t, 4.0/5.0, clipped[1], 1e-12)

	small := []float64{0.1, 0.2}
	assert.Equal(t, small, acct.Clip(small))
}

func TestAddNoisePerturbsEnabledAggregates(t *testing.T) {
	cfg := dpConfig(10)
	acct := NewAccountant(cfg, 42)

	aggregate := []float64{1, 1, 1, 1}
	noised := acct.AddNoise(append([]float64(nil), aggregate...), 10)
	require.Len(t, noised, 4)

	var moved bool
	for i := range noised {
		if noised[i] != aggregate[i] {
			moved = true
		}
		// sigma = z*C/n = 50/10 = 5; a 10-sigma excursion fails loudly.
		assert.Less(t, math.Abs(noised[i]-aggregate[i]), 50.0)
	}
	assert.True(t, moved, "noise must actually perturb the aggregate")
}

func TestDisabledAccountantIsPassThrough(t *testing.T) {
	acct := NewAccountant(config.DPConfig{Enabled: false}, 1)

	assert.False(t, acct.Enabled())
	assert.Zero(t, acct.PerRoundEpsilon())
	assert.False(t, acct.Exhausted())

	charge, err := acct.Admit()
	require.NoError(t, err)
	assert.Zero(t, charge)

	v := []float64{10, 20, 30}
	assert.Equal(t, v, acct.Clip(v))
	assert.Equal(t, v, acct.AddNoise(v, 5))
}
