package fl

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func modelV(version uint64, weights ...float64) *GlobalModel {
	return &GlobalModel{Version: version, Weights: weights}
}

func TestPublishEnforcesMonotonicVersions(t *testing.T) {
	store := NewModelStore(ZeroModel(2), 3)

	require.True(t, store.Publish(modelV(1, 0.1, 0.2)))
	require.True(t, store.Publish(modelV(2, 0.2, 0.3)))
	assert.Equal(t, uint64(2), store.Current().Version)

	// Stale and duplicate versions never replace the snapshot.
	assert.False(t, store.Publish(modelV(2, 9, 9)))
	assert.False(t, store.Publish(modelV(1, 9, 9)))
	assert.Equal(t, []float64{0.2, 0.3}, store.Current().Weights)
}

func TestRetainedRingServesStragglers(t *testing.T) {
	store := NewModelStore(ZeroModel(1), 2)
	require.True(t, store.Publish(modelV(1, 1)))
	require.True(t, store.Publish(modelV(2, 2)))

	// Window 2: versions 1 and 2 stay, 0 is gone.
	got, ok := store.Version(1)
	require.True(t, ok)
	assert.Equal(t, []float64{1}, got.Weights)

	_, ok = store.Version(0)
	assert.False(t, ok)

	require.True(t, store.Publish(modelV(3, 3)))
	_, ok = store.Version(1)
	assert.False(t, ok, "publishing past the window must retire the oldest version")
	_, ok = store.Version(2)
	assert.True(t, ok)
}

func TestScoreSquashesToUnitInterval(t *testing.T) {
	store := NewModelStore(&GlobalModel{Version: 4, Weights: []float64{2, 0, 0}}, 1)

	res := store.Score([]float64{0, 0, 0})
	assert.InDelta(t, 0.5, res.Score, 1e-9, "zero dot product sits at the sigmoid midpoint")
	assert.Equal(t, uint64(4), res.ModelVersion)

	high := store.Score([]float64{10, 0, 0})
	assert.Greater(t, high.Score, 0.99)
	low := store.Score([]float64{-10, 0, 0})
	assert.Less(t, low.Score, 0.01)
}

func TestScoreToleratesDimensionMismatchAndBadInput(t *testing.T) {
	store := NewModelStore(&GlobalModel{Version: 1, Weights: []float64{1, 1}}, 1)

	// Shorter feature vectors score over the overlap.
	res := store.Score([]float64{3})
	assert.Greater(t, res.Score, 0.9)

	// Longer vectors ignore the tail beyond the model.
	long := store.Score([]float64{3, 0, 999, 999})
	assert.InDelta(t, res.Score, long.Score, 1e-9)

	// A broken feature must not fabricate an anomaly.
	bad := store.Score([]float64{math.NaN(), 0})
	assert.Zero(t, bad.Score)
	assert.Equal(t, uint64(1), bad.ModelVersion)
}

func TestScoreOnEmptyModelIsZero(t *testing.T) {
	store := NewModelStore(&GlobalModel{Version: 0}, 1)
	assert.Zero(t, store.Score([]float64{1, 2}).Score)
}

func TestCloneDetachesFromSnapshot(t *testing.T) {
	m := &GlobalModel{
		Version:         3,
		Weights:         []float64{1, 2},
		TrainedOnRounds: []string{"round-000003-aaaa1111"},
	}
	c := m.Clone()
	c.Weights[0] = 99
	c.TrainedOnRounds[0] = "tampered"

	assert.Equal(t, 1.0, m.Weights[0])
	assert.Equal(t, "round-000003-aaaa1111", m.TrainedOnRounds[0])
	assert.Nil(t, (*GlobalModel)(nil).Clone())
}

func TestObservationFeaturesNormalizeByThreshold(t *testing.T) {
	f := ObservationFeatures(0, 2.0, 4.0, 3.0, 5.0, 6.0, 1.0, 8.0, 42)
	require.Len(t, f, 8)
	assert.InDelta(t, 2.0, f[0], 1e-9) // mean / threshold
	assert.InDelta(t, 1.5, f[1], 1e-9) // p50
	assert.InDelta(t, 2.5, f[2], 1e-9) // p95
	assert.InDelta(t, 3.0, f[3], 1e-9) // p99
	assert.InDelta(t, 0.5, f[4], 1e-9) // min
	assert.InDelta(t, 4.0, f[5], 1e-9) // max
	assert.Equal(t, 42.0, f[6])        // count
	assert.Equal(t, 1.0, f[7])         // bias

	// A zero threshold must not divide anything away.
	unscaled := ObservationFeatures(0, 0, 4.0, 3.0, 5.0, 6.0, 1.0, 8.0, 1)
	assert.InDelta(t, 4.0, unscaled[0], 1e-9)

	// Larger model dimensions zero-pad the tail.
	padded := ObservationFeatures(12, 2.0, 4.0, 3.0, 5.0, 6.0, 1.0, 8.0, 42)
	require.Len(t, padded, 12)
	for _, v := range padded[8:] {
		assert.Zero(t, v)
	}
}
