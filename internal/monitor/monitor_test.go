package monitor

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshwarden/meshwarden/internal/alerting"
	"github.com/meshwarden/meshwarden/internal/config"
	"github.com/meshwarden/meshwarden/internal/errors"
	"github.com/meshwarden/meshwarden/internal/events"
	"github.com/meshwarden/meshwarden/internal/fl"
	"github.com/meshwarden/meshwarden/internal/metricstore"
	"github.com/meshwarden/meshwarden/internal/models"
)

type fakeStore struct {
	mu      sync.Mutex
	results map[string]*metricstore.Result
	errs    map[string]error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		results: make(map[string]*metricstore.Result),
		errs:    make(map[string]error),
	}
}

func (f *fakeStore) set(expr string, result *metricstore.Result) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[expr] = result
	delete(f.errs, expr)
}

func (f *fakeStore) fail(expr string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[expr] = err
}

func (f *fakeStore) QueryRange(ctx context.Context, expr string, start, end time.Time, step time.Duration) (*metricstore.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.errs[expr]; ok {
		return nil, err
	}
	if res, ok := f.results[expr]; ok {
		return res, nil
	}
	return &metricstore.Result{}, nil
}

func (f *fakeStore) QueryInstant(ctx context.Context, expr string, ts time.Time) (*metricstore.Result, error) {
	return f.QueryRange(ctx, expr, ts, ts, 0)
}

func (f *fakeStore) Healthy(ctx context.Context) error { return nil }

type fakeAlerts struct {
	mu      sync.Mutex
	pending []alerting.ExternalAlert
}

func (f *fakeAlerts) add(alerts ...alerting.ExternalAlert) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending = append(f.pending, alerts...)
}

func (f *fakeAlerts) Drain(ctx context.Context, max int) []alerting.ExternalAlert {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.pending
	f.pending = nil
	return out
}

func latencyFixture() config.QueryFixture {
	return config.QueryFixture{
		MetricName:       "validation_latency_p99",
		Expression:       "validation_latency_p99",
		BaseThreshold:    1.0,
		KFactor:          0,
		CorrelationLabel: "router",
		SourceComponent:  "validators",
		UpperBound:       true,
	}
}

func monitorConfig(fixtures ...config.QueryFixture) config.MonitorConfig {
	return config.MonitorConfig{
		IntervalSeconds:        30,
		WindowSeconds:          60,
		StalenessBudgetSeconds: 120,
		QueryParallelism:       2,
		Fixtures:               fixtures,
	}
}

func seriesAt(now time.Time, router string, values ...float64) metricstore.Series {
	samples := make([]metricstore.Sample, len(values))
	for i, v := range values {
		samples[i] = metricstore.Sample{
			Timestamp: now.Add(time.Duration(i-len(values)) * 5 * time.Second),
			Value:     v,
		}
	}
	return metricstore.Series{
		Labels:  map[string]string{"router": router},
		Samples: samples,
	}
}

func TestTickDetectsBreachingSamples(t *testing.T) {
	store := newFakeStore()
	now := time.Now()
	store.set("validation_latency_p99", &metricstore.Result{Series: []metricstore.Series{
		seriesAt(now, "router-a", 0.4, 1.8, 2.5),
		seriesAt(now, "router-b", 0.3, 0.5),
	}})

	m := New(monitorConfig(latencyFixture()), store, nil, nil, nil)

	out, err := m.Tick(context.Background(), now)
	require.NoError(t, err)

	require.Len(t, out.Violations, 2)
	for _, v := range out.Violations {
		assert.Equal(t, "router-a", v.CorrelationKey)
		assert.Equal(t, "validators", v.SourceComponent)
		assert.Equal(t, "validation_latency_p99", v.MetricName)
		assert.InDelta(t, 1.0, v.Threshold, 1e-9)
	}
	// 1.8/1.0 and 2.5/1.0 both clear the critical ratio.
	assert.Equal(t, models.ViolationCritical, out.Violations[0].Kind)

	obs, ok := out.Observations["validation_latency_p99"]
	require.True(t, ok)
	assert.Equal(t, 5, obs.Stats.Count)
	assert.InDelta(t, 2.5, obs.Stats.Max, 1e-9)
	assert.False(t, out.Stale)
}

func TestOverlappingWindowsDoNotReemit(t *testing.T) {
	store := newFakeStore()
	now := time.Now()
	store.set("validation_latency_p99", &metricstore.Result{Series: []metricstore.Series{
		seriesAt(now, "router-a", 1.8, 2.0),
	}})

	m := New(monitorConfig(latencyFixture()), store, nil, nil, nil)

	first, err := m.Tick(context.Background(), now)
	require.NoError(t, err)
	require.Len(t, first.Violations, 2)

	// Same samples land in the next overlapping window.
	second, err := m.Tick(context.Background(), now.Add(30*time.Second))
	require.NoError(t, err)
	assert.Empty(t, second.Violations)
}

func TestViolationIDsMonotonicPerSource(t *testing.T) {
	store := newFakeStore()
	base := time.Now()

	m := New(monitorConfig(latencyFixture()), store, nil, nil, nil)

	var all []models.Violation
	for tick := 0; tick < 3; tick++ {
		now := base.Add(time.Duration(tick) * 30 * time.Second)
		store.set("validation_latency_p99", &metricstore.Result{Series: []metricstore.Series{
			seriesAt(now, "router-a", 1.5, 1.9),
		}})
		out, err := m.Tick(context.Background(), now)
		require.NoError(t, err)
		all = append(all, out.Violations...)
	}

	require.GreaterOrEqual(t, len(all), 4)
	for i := 1; i < len(all); i++ {
		prev, cur := all[i-1], all[i]
		require.Equal(t, prev.SourceComponent, cur.SourceComponent)
		assert.Greater(t, cur.ID, prev.ID)
		assert.False(t, cur.DetectedAt.Before(prev.DetectedAt),
			"larger id %s must not predate %s", cur.ID, prev.ID)
	}
}

func TestThresholdHintNarrowsKFactor(t *testing.T) {
	fixture := latencyFixture()
	fixture.BaseThreshold = 10
	fixture.KFactor = 2

	store := newFakeStore()
	now := time.Now()
	// sigma({8,12}) = 2, so the adaptive threshold sits at 14 and nothing
	// breaches until a hint pulls k down.
	store.set("validation_latency_p99", &metricstore.Result{Series: []metricstore.Series{
		seriesAt(now, "router-a", 8, 12),
	}})

	m := New(monitorConfig(fixture), store, nil, nil, nil)

	out, err := m.Tick(context.Background(), now)
	require.NoError(t, err)
	assert.Empty(t, out.Violations)

	m.SetThresholdHints(map[string]models.ThresholdHint{
		"validation_latency_p99": {MetricName: "validation_latency_p99", KFactor: 0},
	})

	later := now.Add(30 * time.Second)
	store.set("validation_latency_p99", &metricstore.Result{Series: []metricstore.Series{
		seriesAt(later, "router-a", 8, 12),
	}})

	out, err = m.Tick(context.Background(), later)
	require.NoError(t, err)
	require.Len(t, out.Violations, 1)
	assert.InDelta(t, 12, out.Violations[0].ObservedValue, 1e-9)
	assert.InDelta(t, 10, out.Violations[0].Threshold, 1e-9)
}

func TestHintNeverWidensThreshold(t *testing.T) {
	fixture := latencyFixture()
	fixture.BaseThreshold = 1.0
	fixture.KFactor = 0

	store := newFakeStore()
	now := time.Now()
	store.set("validation_latency_p99", &metricstore.Result{Series: []metricstore.Series{
		seriesAt(now, "router-a", 0.5, 1.5),
	}})

	m := New(monitorConfig(fixture), store, nil, nil, nil)
	m.SetThresholdHints(map[string]models.ThresholdHint{
		"validation_latency_p99": {MetricName: "validation_latency_p99", KFactor: 5},
	})

	out, err := m.Tick(context.Background(), now)
	require.NoError(t, err)
	require.Len(t, out.Violations, 1)
	assert.InDelta(t, 1.0, out.Violations[0].Threshold, 1e-9)
}

func TestStalenessDegradesToLastGood(t *testing.T) {
	store := newFakeStore()
	now := time.Now()
	store.set("validation_latency_p99", &metricstore.Result{Series: []metricstore.Series{
		seriesAt(now, "router-a", 0.5),
	}})

	m := New(monitorConfig(latencyFixture()), store, nil, nil, nil)

	_, err := m.Tick(context.Background(), now)
	require.NoError(t, err)

	store.fail("validation_latency_p99", errors.NewQuery("store offline"))

	out, err := m.Tick(context.Background(), now.Add(30*time.Second))
	require.NoError(t, err)

	obs, ok := out.Observations["validation_latency_p99"]
	require.True(t, ok, "last-good observation must survive inside the budget")
	assert.True(t, obs.Stale)
	assert.True(t, out.Stale)
	assert.Empty(t, out.Violations)
}

func TestStalePastBudgetEmitsSyntheticViolation(t *testing.T) {
	cfg := monitorConfig(latencyFixture())
	cfg.StalenessBudgetSeconds = 60

	store := newFakeStore()
	now := time.Now()
	store.set("validation_latency_p99", &metricstore.Result{Series: []metricstore.Series{
		seriesAt(now, "router-a", 0.5),
	}})

	bus := events.NewBus(16)
	defer bus.Close()
	staleSeen := make(chan events.Event, 1)
	bus.SubscribeToType(events.MonitorStale, func(e events.Event) {
		select {
		case staleSeen <- e:
		default:
		}
	})

	m := New(cfg, store, nil, bus, nil)

	_, err := m.Tick(context.Background(), now)
	require.NoError(t, err)

	store.fail("validation_latency_p99", errors.NewQuery("store offline"))

	out, err := m.Tick(context.Background(), now.Add(2*time.Minute))
	require.NoError(t, err)

	require.Len(t, out.Violations, 1)
	v := out.Violations[0]
	assert.Equal(t, SyntheticStaleMetric, v.MetricName)
	assert.Equal(t, "validation_latency_p99", v.CorrelationKey)
	assert.Equal(t, models.ViolationWarning, v.Kind)
	assert.True(t, out.Stale)

	select {
	case <-staleSeen:
	case <-time.After(2 * time.Second):
		t.Fatal("expected a stale event")
	}
}

func TestAlertsJoinAsViolations(t *testing.T) {
	store := newFakeStore()
	alerts := &fakeAlerts{}
	now := time.Now()

	alerts.add(
		alerting.ExternalAlert{
			Fingerprint: "fp-1",
			Name:        "CertRotationStalled",
			Status:      "firing",
			Severity:    "critical",
			Labels:      map[string]string{"component": "identity", "correlation_key": "ca-root"},
			Annotations: map[string]string{"observed_value": "42", "threshold": "10"},
			StartsAt:    now.Add(-time.Minute),
		},
		alerting.ExternalAlert{
			Fingerprint: "fp-2",
			Name:        "CertRotationStalled",
			Status:      "resolved",
			Severity:    "critical",
			Labels:      map[string]string{"component": "identity"},
			StartsAt:    now,
		},
	)

	m := New(monitorConfig(), store, alerts, nil, nil)

	out, err := m.Tick(context.Background(), now)
	require.NoError(t, err)

	require.Len(t, out.Violations, 1, "resolved alerts carry no breach")
	v := out.Violations[0]
	assert.Equal(t, "identity", v.SourceComponent)
	assert.Equal(t, "CertRotationStalled", v.MetricName)
	assert.Equal(t, "ca-root", v.CorrelationKey)
	assert.Equal(t, models.ViolationCritical, v.Kind)
	assert.InDelta(t, 42, v.ObservedValue, 1e-9)
	assert.InDelta(t, 10, v.Threshold, 1e-9)
}

func TestLowerBoundFixtureFlipsComparison(t *testing.T) {
	fixture := config.QueryFixture{
		MetricName:      "healthy_backends",
		Expression:      "healthy_backends",
		BaseThreshold:   5,
		SourceComponent: "mesh",
		UpperBound:      false,
	}

	store := newFakeStore()
	now := time.Now()
	store.set("healthy_backends", &metricstore.Result{Series: []metricstore.Series{
		seriesAt(now, "", 6, 2),
	}})

	m := New(monitorConfig(fixture), store, nil, nil, nil)

	out, err := m.Tick(context.Background(), now)
	require.NoError(t, err)

	require.Len(t, out.Violations, 1)
	assert.InDelta(t, 2, out.Violations[0].ObservedValue, 1e-9)
	// (2*5-2)/5 = 1.6, past the critical ratio.
	assert.Equal(t, models.ViolationCritical, out.Violations[0].Kind)
	// No correlation label configured: the metric name is the key.
	assert.Equal(t, "healthy_backends", out.Violations[0].CorrelationKey)
}

func TestNaNSamplesDroppedSilently(t *testing.T) {
	store := newFakeStore()
	now := time.Now()
	store.set("validation_latency_p99", &metricstore.Result{Series: []metricstore.Series{
		seriesAt(now, "router-a", math.NaN(), 2.0),
	}})

	m := New(monitorConfig(latencyFixture()), store, nil, nil, nil)

	out, err := m.Tick(context.Background(), now)
	require.NoError(t, err)

	require.Len(t, out.Violations, 1)
	obs := out.Observations["validation_latency_p99"]
	assert.Equal(t, 1, obs.Stats.Count)
}

func TestCountViolationsRestrictedToKeys(t *testing.T) {
	store := newFakeStore()
	now := time.Now()
	store.set("validation_latency_p99", &metricstore.Result{Series: []metricstore.Series{
		seriesAt(now, "router-a", 1.8, 2.0),
		seriesAt(now, "router-b", 3.0),
	}})

	m := New(monitorConfig(latencyFixture()), store, nil, nil, nil)

	count, err := m.CountViolations(context.Background(), now, map[string]struct{}{"router-a": {}})
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	// Verification reads must not consume the samples.
	out, err := m.Tick(context.Background(), now)
	require.NoError(t, err)
	assert.Len(t, out.Violations, 3)
}

func TestComputeStats(t *testing.T) {
	now := time.Now()
	samples := []models.MetricSample{
		{Timestamp: now, Value: 1},
		{Timestamp: now, Value: 2},
		{Timestamp: now, Value: 3},
		{Timestamp: now, Value: 4},
	}

	stats := computeStats(samples)
	assert.Equal(t, 4, stats.Count)
	assert.InDelta(t, 2.5, stats.Mean, 1e-9)
	assert.InDelta(t, 2, stats.P50, 1e-9)
	assert.InDelta(t, 4, stats.P95, 1e-9)
	assert.InDelta(t, 1, stats.Min, 1e-9)
	assert.InDelta(t, 4, stats.Max, 1e-9)
}

// stubScorer returns a fixed score regardless of the feature vector.
type stubScorer struct {
	score   float64
	version uint64
}

func (s stubScorer) Score(_ []float64) fl.ScoreResult {
	return fl.ScoreResult{Score: s.score, ModelVersion: s.version}
}

func TestModelScorerFlagsQuietWindows(t *testing.T) {
	store := newFakeStore()
	now := time.Now()
	// Every sample sits under the static threshold; only the model objects.
	store.set("validation_latency_p99", &metricstore.Result{Series: []metricstore.Series{
		seriesAt(now, "router-a", 0.2, 0.3, 0.25),
	}})

	cfg := monitorConfig(latencyFixture())
	cfg.AnomalyScoreThreshold = 0.9
	m := New(cfg, store, nil, nil, nil)
	m.SetAnomalyScorer(stubScorer{score: 0.95, version: 3})

	out, err := m.Tick(context.Background(), now)
	require.NoError(t, err)

	require.Len(t, out.Violations, 1)
	v := out.Violations[0]
	assert.Equal(t, "validation_latency_p99"+AnomalyScoreSuffix, v.MetricName)
	assert.Equal(t, models.ViolationWarning, v.Kind)
	assert.InDelta(t, 0.95, v.ObservedValue, 1e-9)
	assert.InDelta(t, 0.9, v.Threshold, 1e-9)
	assert.Equal(t, "validation_latency_p99", v.CorrelationKey)
	assert.Equal(t, "validators", v.SourceComponent)
	assert.NotEmpty(t, v.ID)
}

func TestModelScorerEscalatesExtremeScores(t *testing.T) {
	store := newFakeStore()
	now := time.Now()
	store.set("validation_latency_p99", &metricstore.Result{Series: []metricstore.Series{
		seriesAt(now, "router-a", 0.2, 0.3),
	}})

	cfg := monitorConfig(latencyFixture())
	cfg.AnomalyScoreThreshold = 0.9
	m := New(cfg, store, nil, nil, nil)
	m.SetAnomalyScorer(stubScorer{score: 0.99, version: 7})

	out, err := m.Tick(context.Background(), now)
	require.NoError(t, err)
	require.Len(t, out.Violations, 1)
	assert.Equal(t, models.ViolationCritical, out.Violations[0].Kind)
}

func TestModelScorerStaysSilentWhenDisabled(t *testing.T) {
	store := newFakeStore()
	now := time.Now()
	store.set("validation_latency_p99", &metricstore.Result{Series: []metricstore.Series{
		seriesAt(now, "router-a", 0.2, 0.3),
	}})

	// No scorer wired at all.
	m := New(monitorConfig(latencyFixture()), store, nil, nil, nil)
	out, err := m.Tick(context.Background(), now)
	require.NoError(t, err)
	assert.Empty(t, out.Violations)

	// Scorer wired but the threshold disables scoring.
	m2 := New(monitorConfig(latencyFixture()), store, nil, nil, nil)
	m2.SetAnomalyScorer(stubScorer{score: 0.99})
	out, err = m2.Tick(context.Background(), now.Add(time.Minute))
	require.NoError(t, err)
	assert.Empty(t, out.Violations)

	// Scorer wired and enabled, but the model stays calm.
	cfg := monitorConfig(latencyFixture())
	cfg.AnomalyScoreThreshold = 0.9
	m3 := New(cfg, store, nil, nil, nil)
	m3.SetAnomalyScorer(stubScorer{score: 0.4})
	out, err = m3.Tick(context.Background(), now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Empty(t, out.Violations)
}
