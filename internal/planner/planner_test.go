package planner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshwarden/meshwarden/internal/config"
	"github.com/meshwarden/meshwarden/internal/models"
)

func testConfig() config.PlannerConfig {
	return config.PlannerConfig{
		ScoreThreshold:          0.2,
		AutoApprove:             true,
		ApprovalCostThreshold:   0.5,
		MinHypothesisConfidence: 0.3,
	}
}

func mkAnalysis(hyps ...models.RootCauseHypothesis) *models.AnalysisResult {
	return &models.AnalysisResult{
		AnalysisID: "analysis-test",
		Hypotheses: hyps,
		Timestamp:  time.Now().UTC(),
	}
}

func emptySnapshot() models.AdvisorySnapshot {
	return models.AdvisorySnapshot{
		Advisories:     map[models.CauseTag]models.Advisory{},
		ThresholdHints: map[string]models.ThresholdHint{},
	}
}

func TestPlanValidationLatencyScoring(t *testing.T) {
	p := New(testConfig(), nil, nil)

	policies, err := p.Plan(context.Background(), mkAnalysis(models.RootCauseHypothesis{
		CauseTag:        models.CauseValidationLatency,
		Confidence:      0.85,
		Severity:        models.ViolationCritical,
		CorrelationKeys: []string{"svc-validation"},
	}), emptySnapshot())
	require.NoError(t, err)
	require.Len(t, policies, 1)

	policy := policies[0]
	assert.Equal(t, models.PriorityCritical, policy.Priority)
	assert.Equal(t, models.ApprovalApproved, policy.ApprovalState)

	require.Len(t, policy.Actions, 2)
	assert.Equal(t, models.ActionScaleUp, policy.Actions[0].Type)
	assert.Equal(t, models.ActionUpdateConfig, policy.Actions[1].Type)
	assert.Equal(t, 0.15, policy.Actions[0].EstimatedCost)
	assert.Equal(t, 0.35, policy.Actions[1].EstimatedCost)

	// benefit = min(0.95, 0.85 * 0.94); score = benefit - (0.15 + 0.35).
	assert.InDelta(t, 0.799, policy.EstimatedBenefit, 1e-9)
	assert.InDelta(t, 0.299, policy.Score, 1e-9)
	assert.Equal(t, []string{"svc-validation"}, policy.CorrelationKeys)

	best := p.SelectBest(policies, 0.2)
	require.NotNil(t, best)
	assert.Equal(t, policy.PolicyID, best.PolicyID)
}

func TestPlanBenefitCapped(t *testing.T) {
	p := New(testConfig(), nil, nil)

	policies, err := p.Plan(context.Background(), mkAnalysis(models.RootCauseHypothesis{
		CauseTag:   models.CausePolicyMisconfig,
		Confidence: 1.0,
		Severity:   models.ViolationCritical,
	}), emptySnapshot())
	require.NoError(t, err)
	require.Len(t, policies, 1)

	// 1.0 * 0.94 = 0.94 stays under the cap; push past it with a synthetic
	// check of the cap arithmetic instead.
	assert.InDelta(t, 0.94, policies[0].EstimatedBenefit, 1e-9)
	assert.LessOrEqual(t, policies[0].EstimatedBenefit, 0.95)
}

func TestPlanDiscardsNonPositiveScore(t *testing.T) {
	p := New(testConfig(), nil, nil)

	// cascading_failure costs 0.85 total; high severity at 0.85 confidence
	// yields benefit 0.7225, a negative score.
	policies, err := p.Plan(context.Background(), mkAnalysis(models.RootCauseHypothesis{
		CauseTag:   models.CauseCascadingFailure,
		Confidence: 0.85,
		Severity:   models.ViolationWarning,
	}), emptySnapshot())
	require.NoError(t, err)
	assert.Empty(t, policies)
}

func TestPlanCostlyPolicyEntersPending(t *testing.T) {
	p := New(testConfig(), nil, nil)

	policies, err := p.Plan(context.Background(), mkAnalysis(models.RootCauseHypothesis{
		CauseTag:   models.CauseCascadingFailure,
		Confidence: 0.95,
		Severity:   models.ViolationCritical,
	}), emptySnapshot())
	require.NoError(t, err)
	require.Len(t, policies, 1)

	policy := policies[0]
	// emergency_override at 0.60 exceeds the 0.50 governance threshold.
	assert.Equal(t, models.ApprovalPending, policy.ApprovalState)
	assert.Equal(t, models.ActionEmergencyOverride, policy.Actions[0].Type)
	assert.InDelta(t, 0.95*0.94-0.85, policy.Score, 1e-9)
}

func TestPlanManualApprovalMode(t *testing.T) {
	cfg := testConfig()
	cfg.AutoApprove = false
	p := New(cfg, nil, nil)

	analysis := mkAnalysis(
		models.RootCauseHypothesis{
			CauseTag:   models.CauseValidationLatency,
			Confidence: 0.85,
			Severity:   models.ViolationWarning,
		},
		models.RootCauseHypothesis{
			CauseTag:   models.CausePolicyMisconfig,
			Confidence: 0.85,
			Severity:   models.ViolationCritical,
		},
	)
	policies, err := p.Plan(context.Background(), analysis, emptySnapshot())
	require.NoError(t, err)
	require.Len(t, policies, 2)

	states := map[models.CauseTag]models.ApprovalState{}
	for _, policy := range policies {
		states[policy.CauseTag] = policy.ApprovalState
	}
	// Critical bypasses manual review while cheap; the rest queue.
	assert.Equal(t, models.ApprovalApproved, states[models.CausePolicyMisconfig])
	assert.Equal(t, models.ApprovalPending, states[models.CauseValidationLatency])
}

func TestPlanLowConfidenceEscalates(t *testing.T) {
	p := New(testConfig(), nil, nil)

	policies, err := p.Plan(context.Background(), mkAnalysis(models.RootCauseHypothesis{
		CauseTag:   models.CauseResourceExhaustion,
		Confidence: 0.29,
		Severity:   models.ViolationCritical,
	}), emptySnapshot())
	require.NoError(t, err)
	require.Len(t, policies, 1)

	policy := policies[0]
	assert.Equal(t, models.CauseUnknown, policy.CauseTag)
	assert.Equal(t, models.PriorityLow, policy.Priority)
	require.Len(t, policy.Actions, 1)
	assert.Equal(t, models.ActionEscalate, policy.Actions[0].Type)
	assert.True(t, policy.Actions[0].Rollback.NoOp)
	assert.InDelta(t, 0.29*0.50, policy.Score, 1e-9)
}

func TestPlanZeroConfidenceProducesNothing(t *testing.T) {
	p := New(testConfig(), nil, nil)

	policies, err := p.Plan(context.Background(), mkAnalysis(models.RootCauseHypothesis{
		CauseTag:   models.CauseUnknown,
		Confidence: 0,
	}), emptySnapshot())
	require.NoError(t, err)
	assert.Empty(t, policies)
}

func TestPlanAdvisoryOverridesFirstAction(t *testing.T) {
	p := New(testConfig(), nil, nil)

	snapshot := emptySnapshot()
	snapshot.Advisories[models.CauseValidationLatency] = models.Advisory{
		CauseTag:    models.CauseValidationLatency,
		ActionType:  models.ActionRestartService,
		SuccessRate: 0.8,
		Confidence:  0.6,
	}

	policies, err := p.Plan(context.Background(), mkAnalysis(models.RootCauseHypothesis{
		CauseTag:   models.CauseValidationLatency,
		Confidence: 0.85,
		Severity:   models.ViolationCritical,
	}), snapshot)
	require.NoError(t, err)
	require.Len(t, policies, 1)

	policy := policies[0]
	require.Len(t, policy.Actions, 2)
	assert.Equal(t, models.ActionRestartService, policy.Actions[0].Type)
	assert.Equal(t, "validation-workers", policy.Actions[0].Target)
	assert.Equal(t, models.ActionUpdateConfig, policy.Actions[1].Type)
	// Cost shifts with the substituted action: 0.20 + 0.35.
	assert.InDelta(t, 0.85*0.94-0.55, policy.Score, 1e-9)
}

func TestPlanAdvisoryBelowFloorIgnored(t *testing.T) {
	p := New(testConfig(), nil, nil)

	snapshot := emptySnapshot()
	snapshot.Advisories[models.CauseValidationLatency] = models.Advisory{
		CauseTag:    models.CauseValidationLatency,
		ActionType:  models.ActionRestartService,
		SuccessRate: 0.69,
		Confidence:  0.9,
	}

	policies, err := p.Plan(context.Background(), mkAnalysis(models.RootCauseHypothesis{
		CauseTag:   models.CauseValidationLatency,
		Confidence: 0.85,
		Severity:   models.ViolationCritical,
	}), snapshot)
	require.NoError(t, err)
	require.Len(t, policies, 1)
	assert.Equal(t, models.ActionScaleUp, policies[0].Actions[0].Type)
}

func TestSelectBestHonorsThreshold(t *testing.T) {
	p := New(testConfig(), nil, nil)

	policies := []models.RemediationPolicy{
		{PolicyID: "a", Score: 0.15},
		{PolicyID: "b", Score: 0.19},
	}
	assert.Nil(t, p.SelectBest(policies, 0.2))

	policies = append(policies, models.RemediationPolicy{PolicyID: "c", Score: 0.31})
	best := p.SelectBest(policies, 0.2)
	require.NotNil(t, best)
	assert.Equal(t, "c", best.PolicyID)

	assert.Nil(t, p.SelectBest(nil, 0.2))
}

func TestRollbackSpecsDeclared(t *testing.T) {
	inverses := map[models.ActionType]models.ActionType{
		models.ActionScaleUp:           models.ActionScaleDown,
		models.ActionScaleDown:         models.ActionScaleUp,
		models.ActionUpdateConfig:      models.ActionUpdateConfig,
		models.ActionApplyPolicy:       models.ActionApplyPolicy,
		models.ActionThrottle:          models.ActionThrottle,
		models.ActionEmergencyOverride: models.ActionEmergencyOverride,
		models.ActionRebalance:         models.ActionRebalance,
		models.ActionBypassValidation:  models.ActionBypassValidation,
	}
	for actionType, inverse := range inverses {
		a := buildAction(actionType, "target")
		assert.False(t, a.Rollback.NoOp, "action %s should have a real rollback", actionType)
		assert.Equal(t, inverse, a.Rollback.Type, "action %s", actionType)
	}

	for _, noOp := range []models.ActionType{models.ActionRestartService, models.ActionEscalate} {
		a := buildAction(noOp, "target")
		assert.True(t, a.Rollback.NoOp, "action %s rollback should be a no-op", noOp)
	}
}

func TestPlanOrdersByScore(t *testing.T) {
	p := New(testConfig(), nil, nil)

	analysis := mkAnalysis(
		models.RootCauseHypothesis{
			CauseTag:   models.CauseSystemInstability,
			Confidence: 0.70,
			Severity:   models.ViolationCritical,
		},
		models.RootCauseHypothesis{
			CauseTag:   models.CausePolicyMisconfig,
			Confidence: 0.95,
			Severity:   models.ViolationCritical,
		},
	)
	policies, err := p.Plan(context.Background(), analysis, emptySnapshot())
	require.NoError(t, err)
	require.Len(t, policies, 2)
	assert.GreaterOrEqual(t, policies[0].Score, policies[1].Score)
	assert.Equal(t, models.CausePolicyMisconfig, policies[0].CauseTag)
}
