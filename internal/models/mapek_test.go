package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestViolationIDOrdering(t *testing.T) {
	a := ViolationID("monitor", 7)
	b := ViolationID("monitor", 8)
	c := ViolationID("monitor", 123456)

	assert.Less(t, a, b)
	assert.Less(t, b, c)
	assert.Contains(t, a, "monitor-")
}

func TestPolicyCostHelpers(t *testing.T) {
	p := RemediationPolicy{
		Actions: []RemediationAction{
			{Type: ActionScaleUp, Target: "workers", EstimatedCost: 0.15},
			{Type: ActionUpdateConfig, Target: "limits", EstimatedCost: 0.35},
		},
	}

	assert.InDelta(t, 0.35, p.HighestCost(), 1e-9)
	assert.InDelta(t, 0.50, p.TotalCost(), 1e-9)

	empty := RemediationPolicy{}
	assert.Zero(t, empty.HighestCost())
	assert.Zero(t, empty.TotalCost())
}

func TestSerializationKey(t *testing.T) {
	a := RemediationAction{Type: ActionScaleUp, Target: "workers"}
	b := RemediationAction{Type: ActionScaleUp, Target: "routers"}
	c := RemediationAction{Type: ActionScaleDown, Target: "workers"}

	assert.Equal(t, "scale_up|workers", a.SerializationKey())
	assert.NotEqual(t, a.SerializationKey(), b.SerializationKey())
	assert.NotEqual(t, a.SerializationKey(), c.SerializationKey())
}

func TestTopHypothesis(t *testing.T) {
	r := AnalysisResult{
		Hypotheses: []RootCauseHypothesis{
			{CauseTag: CauseResourceExhaustion, Confidence: 0.60},
			{CauseTag: CauseValidationLatency, Confidence: 0.85},
			{CauseTag: CauseUnknown, Confidence: 0.10},
		},
	}

	top := r.TopHypothesis()
	assert.NotNil(t, top)
	assert.Equal(t, CauseValidationLatency, top.CauseTag)

	var empty AnalysisResult
	assert.Nil(t, empty.TopHypothesis())
}

func TestGlobalModelClone(t *testing.T) {
	orig := &GlobalModel{
		Version:         3,
		Weights:         []float64{0.1, 0.2, 0.3},
		TrainedOnRounds: []string{"r1", "r2"},
		PublishedAt:     time.Now(),
	}

	cp := orig.Clone()
	cp.Weights[0] = 99
	cp.TrainedOnRounds[0] = "mutated"

	assert.InDelta(t, 0.1, orig.Weights[0], 1e-9)
	assert.Equal(t, "r1", orig.TrainedOnRounds[0])
}

func TestGlobalModelScore(t *testing.T) {
	m := &GlobalModel{Weights: []float64{1, 0, 1}}

	score := m.Score([]float64{2, 5, 1})
	assert.Greater(t, score, 0.0)
	assert.Less(t, score, 1.0)

	assert.Zero(t, (*GlobalModel)(nil).Score([]float64{1}))
	assert.Zero(t, m.Score(nil))
}
