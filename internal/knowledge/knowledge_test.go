package knowledge

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshwarden/meshwarden/internal/config"
	"github.com/meshwarden/meshwarden/internal/models"
)

func testConfig() config.KnowledgeConfig {
	return config.KnowledgeConfig{
		SaturationSamples:     30,
		InsightIntervalCycles: 2,
		HistorySize:           4,
		DatabasePath:          "unused",
	}
}

func newTestKnowledge(t *testing.T) *Knowledge {
	t.Helper()
	k, err := New(testConfig(), nil, []config.QueryFixture{
		{MetricName: "latency_p95", KFactor: 2.0},
	}, nil, nil)
	require.NoError(t, err)
	return k
}

func mkRecord(status models.ExecutionStatus, before, after int, observed bool) *models.ExecutionRecord {
	started := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	return &models.ExecutionRecord{
		PolicyID:         "policy-1",
		StartedAt:        started,
		FinishedAt:       started.Add(8 * time.Second),
		OverallStatus:    status,
		ViolationsBefore: before,
		ViolationsAfter:  after,
		EffectsObserved:  observed,
		SuccessRate:      1.0,
		SchemaVersion:    models.ExecutionRecordSchemaVersion,
	}
}

func mkKPolicy(actions ...models.ActionType) *models.RemediationPolicy {
	policy := &models.RemediationPolicy{
		PolicyID: "policy-1",
		CauseTag: models.CauseValidationLatency,
		Priority: models.PriorityHigh,
	}
	for _, a := range actions {
		policy.Actions = append(policy.Actions, models.RemediationAction{Type: a, Target: "t"})
	}
	return policy
}

func TestClassifyOutcomes(t *testing.T) {
	cases := []struct {
		name     string
		record   *models.ExecutionRecord
		class    models.OutcomeClass
		confWant float64
	}{
		{"all resolved", mkRecord(models.ExecutionCompleted, 6, 0, true), models.OutcomeSuccess, 0.95},
		{"more than half", mkRecord(models.ExecutionCompleted, 10, 4, true), models.OutcomePartial, 0.70},
		{"half or less", mkRecord(models.ExecutionCompleted, 10, 5, true), models.OutcomeIneffective, 0.40},
		{"worse than before", mkRecord(models.ExecutionCompleted, 3, 5, true), models.OutcomeDegradation, 0.0},
		{"rolled back", mkRecord(models.ExecutionRolledBack, 6, 0, false), models.OutcomeUnknown, 0.5},
		{"cancelled", mkRecord(models.ExecutionCancelled, 6, 0, false), models.OutcomeUnknown, 0.5},
		{"verification never ran", mkRecord(models.ExecutionCompleted, 6, 0, false), models.OutcomeUnknown, 0.5},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Classify(tc.record)
			assert.Equal(t, tc.class, got.Class)
			assert.Equal(t, tc.confWant, got.Confidence)
		})
	}
}

func TestUpdatePatternsSuccess(t *testing.T) {
	k := newTestKnowledge(t)
	policy := mkKPolicy(models.ActionScaleUp, models.ActionUpdateConfig)
	record := mkRecord(models.ExecutionCompleted, 6, 0, true)

	classification := k.Record(context.Background(), policy, record)
	require.Equal(t, models.OutcomeSuccess, classification.Class)
	k.UpdatePatterns(policy, classification, record)

	patterns := k.Patterns()
	require.Len(t, patterns, 2)
	for _, p := range patterns {
		assert.Equal(t, 1, p.TotalExecutions)
		assert.Equal(t, 1, p.ScoredExecutions)
		assert.Equal(t, 1, p.SuccessfulExecutions)
		assert.Equal(t, 1.0, p.SuccessRate)
		assert.InDelta(t, 1.0/30.0, p.Confidence, 1e-9)
		assert.Equal(t, 8*time.Second, p.AvgTimeToEffect)
		assert.Equal(t, 6.0, p.AvgViolationsResolved)
	}
}

func TestUnknownOutcomeOnlyCountsTotal(t *testing.T) {
	k := newTestKnowledge(t)
	policy := mkKPolicy(models.ActionApplyPolicy)

	// Establish a perfect record first.
	good := mkRecord(models.ExecutionCompleted, 4, 0, true)
	k.UpdatePatterns(policy, Classify(good), good)

	// A rollback must not dilute the rate.
	bad := mkRecord(models.ExecutionRolledBack, 4, 0, false)
	k.UpdatePatterns(policy, Classify(bad), bad)

	patterns := k.Patterns()
	require.Len(t, patterns, 1)
	p := patterns[0]
	assert.Equal(t, 2, p.TotalExecutions)
	assert.Equal(t, 1, p.ScoredExecutions)
	assert.Equal(t, 1, p.SuccessfulExecutions)
	assert.Equal(t, 1.0, p.SuccessRate)
}

func TestPatternBoundsInvariant(t *testing.T) {
	k := newTestKnowledge(t)
	policy := mkKPolicy(models.ActionRebalance)

	outcomes := []*models.ExecutionRecord{
		mkRecord(models.ExecutionCompleted, 5, 0, true),  // success
		mkRecord(models.ExecutionCompleted, 5, 7, true),  // degradation
		mkRecord(models.ExecutionCompleted, 10, 4, true), // partial
		mkRecord(models.ExecutionRolledBack, 5, 0, false),
		mkRecord(models.ExecutionCompleted, 10, 9, true), // ineffective
	}
	for _, record := range outcomes {
		k.UpdatePatterns(policy, Classify(record), record)
	}

	patterns := k.Patterns()
	require.Len(t, patterns, 1)
	p := patterns[0]
	assert.GreaterOrEqual(t, p.SuccessRate, 0.0)
	assert.LessOrEqual(t, p.SuccessRate, 1.0)
	assert.GreaterOrEqual(t, p.Confidence, 0.0)
	assert.LessOrEqual(t, p.Confidence, 1.0)
	assert.LessOrEqual(t, p.SuccessfulExecutions, p.TotalExecutions)
	assert.Equal(t, 5, p.TotalExecutions)
	assert.Equal(t, 4, p.ScoredExecutions)
	assert.InDelta(t, 0.25, p.SuccessRate, 1e-9)
}

func TestAdvisoryPicksBestByRateTimesConfidence(t *testing.T) {
	k := newTestKnowledge(t)

	scaleUp := mkKPolicy(models.ActionScaleUp)
	restart := mkKPolicy(models.ActionRestartService)

	// scale_up: 2 successes. restart: 1 success, 1 ineffective.
	for i := 0; i < 2; i++ {
		r := mkRecord(models.ExecutionCompleted, 4, 0, true)
		k.UpdatePatterns(scaleUp, Classify(r), r)
	}
	good := mkRecord(models.ExecutionCompleted, 4, 0, true)
	k.UpdatePatterns(restart, Classify(good), good)
	weak := mkRecord(models.ExecutionCompleted, 10, 9, true)
	k.UpdatePatterns(restart, Classify(weak), weak)

	advisory, ok := k.AdvisoryFor(models.CauseValidationLatency)
	require.True(t, ok)
	assert.Equal(t, models.ActionScaleUp, advisory.ActionType)
	assert.Equal(t, 1.0, advisory.SuccessRate)

	_, ok = k.AdvisoryFor(models.CauseResourceExhaustion)
	assert.False(t, ok)
}

func TestSnapshotIsImmutableCopy(t *testing.T) {
	k := newTestKnowledge(t)
	policy := mkKPolicy(models.ActionScaleUp)
	record := mkRecord(models.ExecutionCompleted, 4, 0, true)
	k.UpdatePatterns(policy, Classify(record), record)

	snapshot := k.Snapshot()
	require.Contains(t, snapshot.Advisories, models.CauseValidationLatency)
	assert.Equal(t, 1.0, snapshot.Advisories[models.CauseValidationLatency].SuccessRate)

	// Later learning must not leak into the earlier snapshot.
	weak := mkRecord(models.ExecutionCompleted, 10, 9, true)
	k.UpdatePatterns(policy, Classify(weak), weak)

	assert.Equal(t, 1.0, snapshot.Advisories[models.CauseValidationLatency].SuccessRate)
	assert.InDelta(t, 0.5, k.Snapshot().Advisories[models.CauseValidationLatency].SuccessRate, 1e-9)
}

func TestThresholdHintsNarrowAfterBenignStreak(t *testing.T) {
	k := newTestKnowledge(t)

	info := []models.Violation{{MetricName: "latency_p95", Kind: models.ViolationInfo}}
	for i := 0; i < 2; i++ {
		k.ObserveWindow(info)
		assert.Empty(t, k.Snapshot().ThresholdHints)
	}

	k.ObserveWindow(info)
	hints := k.Snapshot().ThresholdHints
	require.Contains(t, hints, "latency_p95")
	assert.InDelta(t, 1.0, hints["latency_p95"].KFactor, 1e-9)

	// A warning clears both streak and hint.
	k.ObserveWindow([]models.Violation{{MetricName: "latency_p95", Kind: models.ViolationWarning}})
	assert.Empty(t, k.Snapshot().ThresholdHints)
}

func TestThresholdHintUnknownMetricIgnored(t *testing.T) {
	k := newTestKnowledge(t)
	odd := []models.Violation{{MetricName: "not_a_fixture", Kind: models.ViolationInfo}}
	for i := 0; i < 5; i++ {
		k.ObserveWindow(odd)
	}
	assert.Empty(t, k.Snapshot().ThresholdHints)
}

func TestInsightsReportRateMovement(t *testing.T) {
	k := newTestKnowledge(t)
	policy := mkKPolicy(models.ActionScaleUp)

	record := mkRecord(models.ExecutionCompleted, 4, 0, true)
	k.UpdatePatterns(policy, Classify(record), record)

	k.Cycle()
	assert.Empty(t, k.Insights())

	// Interval is 2: the second cycle reports movement from 0 to 100%.
	k.Cycle()
	insights := k.Insights()
	require.Len(t, insights, 1)
	assert.Equal(t, models.ActionScaleUp, insights[0].ActionType)
	assert.Equal(t, models.CauseValidationLatency, insights[0].CauseTag)
	assert.Zero(t, insights[0].FromRate)
	assert.Equal(t, 1.0, insights[0].ToRate)
	assert.Contains(t, insights[0].Message, "improved")

	// No movement, no fresh insight.
	k.Cycle()
	k.Cycle()
	assert.Len(t, k.Insights(), 1)
}

func TestRecordRingBounded(t *testing.T) {
	k := newTestKnowledge(t)
	policy := mkKPolicy(models.ActionScaleUp)

	for i := 0; i < 6; i++ {
		k.Record(context.Background(), policy, mkRecord(models.ExecutionCompleted, i+1, 0, true))
	}
	records := k.RecentRecords()
	require.Len(t, records, 4)
	// Oldest two fell off.
	assert.Equal(t, 3, records[0].ViolationsBefore)
	assert.Equal(t, 6, records[3].ViolationsBefore)
}

func TestStorePersistsAcrossReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "knowledge.db")

	store, err := OpenStore(dbPath)
	require.NoError(t, err)

	cfg := testConfig()
	k, err := New(cfg, store, nil, nil, nil)
	require.NoError(t, err)

	policy := mkKPolicy(models.ActionScaleUp)
	record := mkRecord(models.ExecutionCompleted, 4, 0, true)
	classification := k.Record(context.Background(), policy, record)
	k.UpdatePatterns(policy, classification, record)
	require.NoError(t, k.Close())

	store2, err := OpenStore(dbPath)
	require.NoError(t, err)
	k2, err := New(cfg, store2, nil, nil, nil)
	require.NoError(t, err)
	defer k2.Close()

	patterns := k2.Patterns()
	require.Len(t, patterns, 1)
	assert.Equal(t, models.ActionScaleUp, patterns[0].ActionType)
	assert.Equal(t, models.CauseValidationLatency, patterns[0].CauseTag)
	assert.Equal(t, 1, patterns[0].TotalExecutions)
	assert.Equal(t, 1.0, patterns[0].SuccessRate)

	records := k2.RecentRecords()
	require.Len(t, records, 1)
	assert.Equal(t, "policy-1", records[0].PolicyID)
	assert.True(t, records[0].EffectsObserved)

	advisory, ok := k2.AdvisoryFor(models.CauseValidationLatency)
	require.True(t, ok)
	assert.Equal(t, models.ActionScaleUp, advisory.ActionType)
}
