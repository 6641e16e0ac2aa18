// Package monitor runs the observation stage of the control loop. Each tick
// pulls the fixture expressions from the metrics store, folds in drained
// alerts, applies adaptive thresholds and emits violations with per-source
// monotonic identifiers.
package monitor

import (
	"context"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/meshwarden/meshwarden/internal/alerting"
	"github.com/meshwarden/meshwarden/internal/config"
	"github.com/meshwarden/meshwarden/internal/events"
	"github.com/meshwarden/meshwarden/internal/fl"
	"github.com/meshwarden/meshwarden/internal/logger"
	"github.com/meshwarden/meshwarden/internal/metricstore"
	"github.com/meshwarden/meshwarden/internal/models"
	"github.com/meshwarden/meshwarden/internal/resilience"
	"github.com/meshwarden/meshwarden/internal/telemetry"
)

// SyntheticStaleMetric marks the violation emitted when observations have
// been stale longer than the staleness budget.
const SyntheticStaleMetric = "MONITOR_STALE"

// AnomalyScoreSuffix marks violations raised by the federated model rather
// than a threshold comparison; it is appended to the fixture's metric name.
const AnomalyScoreSuffix = ":model_score"

const (
	// Breach ratios splitting violation kinds. Twice the threshold is not
	// the same incident as two percent over it.
	criticalBreachRatio = 1.5
	warningBreachRatio  = 1.2

	// Model scores at or above this grade critical instead of warning.
	criticalScore = 0.97

	maxAlertDrain = 256
)

// AlertSource is the slice of the alert sink the monitor consumes.
type AlertSource interface {
	Drain(ctx context.Context, max int) []alerting.ExternalAlert
}

// ModelScorer is the slice of the federated model store the monitor scores
// observations against.
type ModelScorer interface {
	Score(features []float64) fl.ScoreResult
}

type lastGoodEntry struct {
	obs models.Observation
	at  time.Time
}

// Monitor turns metric windows and alerts into violations.
type Monitor struct {
	cfg    config.MonitorConfig
	store  metricstore.Querier
	alerts AlertSource
	bus    *events.Bus
	tel    *telemetry.Telemetry
	log    logger.Logger

	queryRetry *resilience.RetryConfig

	mu sync.Mutex
	// seq and lastAt keep violation ids and detected_at monotonic per
	// source component.
	seq    map[string]uint64
	lastAt map[string]time.Time
	// highWater remembers the newest sample already examined per
	// (metric, correlation key) so overlapping windows do not re-emit
	// the same breaches.
	highWater map[string]time.Time
	lastGood  map[string]lastGoodEntry
	hints     map[string]models.ThresholdHint
	scorer    ModelScorer
}

// New builds a monitor over the given store and alert source. bus and tel
// may be nil in tests.
func New(cfg config.MonitorConfig, store metricstore.Querier, alerts AlertSource, bus *events.Bus, tel *telemetry.Telemetry) *Monitor {
	if tel == nil {
		tel = telemetry.Nop()
	}
	return &Monitor{
		cfg:    cfg,
		store:  store,
		alerts: alerts,
		bus:    bus,
		tel:    tel,
		log:    logger.New("monitor"),
		queryRetry: &resilience.RetryConfig{
			MaxAttempts:  2,
			InitialDelay: 200 * time.Millisecond,
			MaxDelay:     time.Second,
			Multiplier:   2.0,
			Jitter:       true,
		},
		seq:       make(map[string]uint64),
		lastAt:    make(map[string]time.Time),
		highWater: make(map[string]time.Time),
		lastGood:  make(map[string]lastGoodEntry),
		hints:     make(map[string]models.ThresholdHint),
	}
}

// SetAnomalyScorer wires the published federated model into the tick. The
// scorer fires only when anomaly_score_threshold is above zero.
func (m *Monitor) SetAnomalyScorer(scorer ModelScorer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scorer = scorer
}

// SetThresholdHints installs the knowledge feedback for subsequent ticks.
// A hint can only narrow a fixture's k factor, never widen it.
func (m *Monitor) SetThresholdHints(hints map[string]models.ThresholdHint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hints = make(map[string]models.ThresholdHint, len(hints))
	for name, h := range hints {
		m.hints[name] = h
	}
}

type fixtureResult struct {
	fixture config.QueryFixture
	result  *metricstore.Result
	err     error
}

// Tick produces the observation and violation set for the window ending at
// now. Query failures degrade to last-good observations inside the staleness
// budget and to a synthetic stale violation beyond it; alert-source failures
// are never fatal.
func (m *Monitor) Tick(ctx context.Context, now time.Time) (*models.MonitorOutput, error) {
	windowStart := now.Add(-m.cfg.Window())
	results := m.runFixtures(ctx, windowStart, now)
	drained := m.drainAlerts(ctx)

	out := &models.MonitorOutput{
		Observations: make(map[string]models.Observation, len(results)),
		WindowStart:  windowStart,
		WindowEnd:    now,
		GeneratedAt:  now,
	}

	m.mu.Lock()
	for _, fr := range results {
		if fr.err != nil {
			m.degradeLocked(fr, now, out)
			continue
		}

		obs := buildObservation(fr.fixture.MetricName, fr.result, windowStart, now)
		m.lastGood[fr.fixture.MetricName] = lastGoodEntry{obs: obs, at: now}
		out.Observations[fr.fixture.MetricName] = obs

		threshold := m.thresholdLocked(fr.fixture, collectValues(fr.result))
		out.Violations = append(out.Violations, m.detectLocked(fr.fixture, fr.result, threshold)...)
		if v, ok := m.scoreLocked(fr.fixture, obs, threshold, now); ok {
			out.Violations = append(out.Violations, v)
		}
	}

	for _, alert := range drained {
		if v, ok := m.violationFromAlertLocked(alert); ok {
			out.Violations = append(out.Violations, v)
		}
	}
	m.mu.Unlock()

	sort.Slice(out.Violations, func(i, j int) bool {
		return out.Violations[i].DetectedAt.Before(out.Violations[j].DetectedAt)
	})

	m.report(ctx, out)
	return out, nil
}

// CountViolations re-reads the fixtures and counts currently-breaching
// samples restricted to the given correlation keys. It is a verification
// read: no sequence numbers advance and no high-water marks move, so it can
// run between ticks without disturbing them.
func (m *Monitor) CountViolations(ctx context.Context, now time.Time, keys map[string]struct{}) (int, error) {
	windowStart := now.Add(-m.cfg.Window())
	results := m.runFixtures(ctx, windowStart, now)

	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	var firstErr error
	for _, fr := range results {
		if fr.err != nil {
			if firstErr == nil {
				firstErr = fr.err
			}
			continue
		}
		threshold := m.thresholdLocked(fr.fixture, collectValues(fr.result))
		for _, series := range fr.result.Series {
			key := correlationKey(fr.fixture, series.Labels)
			if len(keys) > 0 {
				if _, ok := keys[key]; !ok {
					continue
				}
			}
			for _, s := range series.Samples {
				if math.IsNaN(s.Value) {
					continue
				}
				if breaches(fr.fixture, s.Value, threshold) {
					count++
				}
			}
		}
	}
	if count == 0 && firstErr != nil {
		return 0, firstErr
	}
	return count, nil
}

// runFixtures fans the range queries out through a bounded worker pool.
func (m *Monitor) runFixtures(ctx context.Context, start, end time.Time) []fixtureResult {
	parallelism := m.cfg.QueryParallelism
	if parallelism < 1 {
		parallelism = 1
	}
	step := m.queryStep()

	results := make([]fixtureResult, len(m.cfg.Fixtures))
	sem := make(chan struct{}, parallelism)
	var wg sync.WaitGroup

	for i, fixture := range m.cfg.Fixtures {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, fixture config.QueryFixture) {
			defer wg.Done()
			defer func() { <-sem }()

			queryStart := time.Now()
			var res *metricstore.Result
			_, err := resilience.Retry(ctx, m.queryRetry, func(ctx context.Context) error {
				var qerr error
				res, qerr = m.store.QueryRange(ctx, fixture.Expression, start, end, step)
				return qerr
			})
			m.tel.RecordPhase(ctx, "monitor_query", time.Since(queryStart), err)
			if err != nil {
				m.log.Warn("fixture query failed",
					logger.String("metric", fixture.MetricName),
					logger.Error(err))
			}
			results[i] = fixtureResult{fixture: fixture, result: res, err: err}
		}(i, fixture)
	}
	wg.Wait()
	return results
}

func (m *Monitor) queryStep() time.Duration {
	step := m.cfg.Window() / 12
	if step < time.Second {
		step = time.Second
	}
	if step > 15*time.Second {
		step = 15 * time.Second
	}
	return step
}

// degradeLocked applies the staleness policy for one failed fixture.
func (m *Monitor) degradeLocked(fr fixtureResult, now time.Time, out *models.MonitorOutput) {
	name := fr.fixture.MetricName
	if lg, ok := m.lastGood[name]; ok && now.Sub(lg.at) <= m.cfg.StalenessBudget() {
		obs := lg.obs
		obs.Stale = true
		out.Observations[name] = obs
		out.Stale = true
		return
	}

	// Past the budget (or never observed): surface a synthetic violation
	// and keep the cycle going.
	source := fr.fixture.SourceComponent
	if source == "" {
		source = "monitor"
	}
	out.Violations = append(out.Violations, m.emitLocked(models.Violation{
		Kind:            models.ViolationWarning,
		SourceComponent: source,
		MetricName:      SyntheticStaleMetric,
		CorrelationKey:  name,
	}, now))
	out.Stale = true

	if m.bus != nil {
		m.bus.Publish(events.Event{
			Type:   events.MonitorStale,
			Source: "monitor",
			Data: map[string]interface{}{
				"metric": name,
				"error":  fr.err.Error(),
			},
		})
	}
}

// detectLocked walks one fixture's series and returns the new violations.
func (m *Monitor) detectLocked(fixture config.QueryFixture, result *metricstore.Result, threshold float64) []models.Violation {
	var violations []models.Violation
	for _, series := range result.Series {
		key := correlationKey(fixture, series.Labels)
		waterKey := fixture.MetricName + "|" + key
		water := m.highWater[waterKey]
		newest := water

		for _, s := range series.Samples {
			if !s.Timestamp.After(water) {
				continue
			}
			if s.Timestamp.After(newest) {
				newest = s.Timestamp
			}
			if math.IsNaN(s.Value) {
				// Integrity drop: unusable sample, counted, never raised.
				m.log.Debug("dropping NaN sample",
					logger.String("metric", fixture.MetricName),
					logger.String("correlation_key", key))
				continue
			}
			if !breaches(fixture, s.Value, threshold) {
				continue
			}

			source := fixture.SourceComponent
			if source == "" {
				source = "monitor"
			}
			violations = append(violations, m.emitLocked(models.Violation{
				Kind:            classifyBreach(fixture, s.Value, threshold),
				SourceComponent: source,
				MetricName:      fixture.MetricName,
				ObservedValue:   s.Value,
				Threshold:       threshold,
				CorrelationKey:  key,
			}, s.Timestamp))
		}
		m.highWater[waterKey] = newest
	}
	return violations
}

// scoreLocked runs the federated model over one observation's window
// statistics. A score at or above the configured threshold becomes a
// violation in the same stream the threshold comparisons feed, so the
// analyzer correlates model evidence with direct breaches.
func (m *Monitor) scoreLocked(fixture config.QueryFixture, obs models.Observation, threshold float64, now time.Time) (models.Violation, bool) {
	if m.scorer == nil || m.cfg.AnomalyScoreThreshold <= 0 || obs.Stats.Count == 0 {
		return models.Violation{}, false
	}

	st := obs.Stats
	features := fl.ObservationFeatures(0, threshold, st.Mean, st.P50, st.P95, st.P99, st.Min, st.Max, st.Count)
	res := m.scorer.Score(features)
	if res.Score < m.cfg.AnomalyScoreThreshold {
		return models.Violation{}, false
	}

	kind := models.ViolationWarning
	if res.Score >= criticalScore {
		kind = models.ViolationCritical
	}
	source := fixture.SourceComponent
	if source == "" {
		source = "monitor"
	}
	m.log.Debug("model flagged observation",
		logger.String("metric", fixture.MetricName),
		logger.Float64("score", res.Score),
		logger.Uint64("model_version", res.ModelVersion))
	return m.emitLocked(models.Violation{
		Kind:            kind,
		SourceComponent: source,
		MetricName:      fixture.MetricName + AnomalyScoreSuffix,
		ObservedValue:   res.Score,
		Threshold:       m.cfg.AnomalyScoreThreshold,
		CorrelationKey:  fixture.MetricName,
	}, now), true
}

// thresholdLocked resolves base ± k·σ clamped to the fixture envelope.
// Knowledge hints can narrow k, never widen it.
func (m *Monitor) thresholdLocked(fixture config.QueryFixture, values []float64) float64 {
	k := fixture.KFactor
	if hint, ok := m.hints[fixture.MetricName]; ok && hint.KFactor < k {
		k = hint.KFactor
	}

	sigma := stddev(values)
	threshold := fixture.BaseThreshold
	if fixture.UpperBound {
		threshold += k * sigma
	} else {
		threshold -= k * sigma
	}

	if fixture.ClampMin != 0 || fixture.ClampMax != 0 {
		if threshold < fixture.ClampMin {
			threshold = fixture.ClampMin
		}
		if fixture.ClampMax != 0 && threshold > fixture.ClampMax {
			threshold = fixture.ClampMax
		}
	}
	return threshold
}

// emitLocked assigns the monotonic id and clamps detected_at so a larger id
// never carries an earlier timestamp within a source component.
func (m *Monitor) emitLocked(v models.Violation, at time.Time) models.Violation {
	if last, ok := m.lastAt[v.SourceComponent]; ok && at.Before(last) {
		at = last
	}
	m.lastAt[v.SourceComponent] = at

	m.seq[v.SourceComponent]++
	v.ID = models.ViolationID(v.SourceComponent, m.seq[v.SourceComponent])
	v.DetectedAt = at
	return v
}

func (m *Monitor) drainAlerts(ctx context.Context) []alerting.ExternalAlert {
	if m.alerts == nil {
		return nil
	}
	return m.alerts.Drain(ctx, maxAlertDrain)
}

// violationFromAlertLocked folds one drained alert into the violation
// stream. Resolved alerts carry no breach and are skipped.
func (m *Monitor) violationFromAlertLocked(alert alerting.ExternalAlert) (models.Violation, bool) {
	if alert.Status != "firing" {
		return models.Violation{}, false
	}

	source := alert.Labels["component"]
	if source == "" {
		source = alert.Labels["service"]
	}
	if source == "" {
		source = "alerts"
	}

	key := alert.Labels["correlation_key"]
	if key == "" {
		key = alert.Fingerprint
	}

	observed := annotationFloat(alert.Annotations, "observed_value")
	threshold := annotationFloat(alert.Annotations, "threshold")

	at := alert.StartsAt
	if at.IsZero() {
		at = alert.ReceivedAt
	}

	return m.emitLocked(models.Violation{
		Kind:            kindFromSeverity(alert.Severity),
		SourceComponent: source,
		MetricName:      alert.Name,
		ObservedValue:   observed,
		Threshold:       threshold,
		CorrelationKey:  key,
	}, at), true
}

func (m *Monitor) report(ctx context.Context, out *models.MonitorOutput) {
	byKind := make(map[models.ViolationKind]int)
	for _, v := range out.Violations {
		byKind[v.Kind]++
	}
	for kind, n := range byKind {
		m.tel.RecordViolations(ctx, "monitor", string(kind), n)
	}

	m.log.Info("monitor tick",
		logger.Int("observations", len(out.Observations)),
		logger.Int("violations", len(out.Violations)),
		logger.Bool("stale", out.Stale))

	if m.bus != nil {
		m.bus.Publish(events.Event{
			Type:   events.MonitorTickCompleted,
			Source: "monitor",
			Data: map[string]interface{}{
				"observations": len(out.Observations),
				"violations":   len(out.Violations),
				"stale":        out.Stale,
			},
		})
	}
}

// breaches applies the fixture's comparison direction.
func breaches(fixture config.QueryFixture, value, threshold float64) bool {
	if fixture.UpperBound {
		return value > threshold
	}
	return value < threshold
}

// classifyBreach grades the breach by how far past the threshold it landed.
func classifyBreach(fixture config.QueryFixture, value, threshold float64) models.ViolationKind {
	denom := math.Abs(threshold)
	if denom < 1e-9 {
		denom = 1e-9
	}
	var ratio float64
	if fixture.UpperBound {
		ratio = value / denom
	} else {
		ratio = (2*threshold - value) / denom
	}

	switch {
	case ratio >= criticalBreachRatio:
		return models.ViolationCritical
	case ratio >= warningBreachRatio:
		return models.ViolationWarning
	default:
		return models.ViolationInfo
	}
}

func kindFromSeverity(severity string) models.ViolationKind {
	switch severity {
	case "critical":
		return models.ViolationCritical
	case "high", "warning", "medium":
		return models.ViolationWarning
	default:
		return models.ViolationInfo
	}
}

func annotationFloat(annotations map[string]string, key string) float64 {
	raw, ok := annotations[key]
	if !ok {
		return 0
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0
	}
	return v
}

func correlationKey(fixture config.QueryFixture, labels map[string]string) string {
	if fixture.CorrelationLabel != "" {
		if v, ok := labels[fixture.CorrelationLabel]; ok && v != "" {
			return v
		}
	}
	return fixture.MetricName
}

func collectValues(result *metricstore.Result) []float64 {
	var values []float64
	for _, series := range result.Series {
		for _, s := range series.Samples {
			if !math.IsNaN(s.Value) {
				values = append(values, s.Value)
			}
		}
	}
	return values
}

// buildObservation flattens a query result into the windowed view with
// summary statistics. NaN samples are excluded from the stats but kept out
// of the sample list entirely.
func buildObservation(metricName string, result *metricstore.Result, start, end time.Time) models.Observation {
	var samples []models.MetricSample
	for _, series := range result.Series {
		for _, s := range series.Samples {
			if math.IsNaN(s.Value) {
				continue
			}
			samples = append(samples, models.MetricSample{
				Name:      metricName,
				Labels:    series.Labels,
				Timestamp: s.Timestamp,
				Value:     s.Value,
			})
		}
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i].Timestamp.Before(samples[j].Timestamp) })

	return models.Observation{
		MetricName:  metricName,
		Samples:     samples,
		Stats:       computeStats(samples),
		WindowStart: start,
		WindowEnd:   end,
	}
}

func computeStats(samples []models.MetricSample) models.SummaryStats {
	if len(samples) == 0 {
		return models.SummaryStats{}
	}

	values := make([]float64, len(samples))
	for i, s := range samples {
		values[i] = s.Value
	}
	sort.Float64s(values)

	var sum float64
	for _, v := range values {
		sum += v
	}

	return models.SummaryStats{
		Count: len(values),
		Mean:  sum / float64(len(values)),
		P50:   percentile(values, 0.50),
		P95:   percentile(values, 0.95),
		P99:   percentile(values, 0.99),
		Min:   values[0],
		Max:   values[len(values)-1],
	}
}

// percentile uses nearest-rank on an already sorted slice.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(p * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}

func stddev(values []float64) float64 {
	if len(values) < 2 {
		return 0
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
	return math.Sqrt(sq / float64(len(values)))
}

