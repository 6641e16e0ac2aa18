// Package analyzer turns monitor output into ranked root-cause hypotheses.
// Four detectors run per window: temporal bursts on one correlation key,
// spatial clusters across keys of one component, lagged rank correlation
// over whitelisted metric pairs, and arrival-rate anomalies against a
// rolling baseline.
package analyzer

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/meshwarden/meshwarden/internal/config"
	"github.com/meshwarden/meshwarden/internal/events"
	"github.com/meshwarden/meshwarden/internal/logger"
	"github.com/meshwarden/meshwarden/internal/models"
	"github.com/meshwarden/meshwarden/internal/telemetry"
)

// Detector confidences are fixed per pattern kind.
const (
	confTemporalBurst    = 0.85
	confSpatialCluster   = 0.80
	confCausalPair       = 0.75
	confFrequencyAnomaly = 0.70

	// hypothesisCap bounds merged hypothesis confidence.
	hypothesisCap = 0.95

	// Violation history retained for cross-tick burst detection.
	historyRetention = 10 * time.Minute
	maxHistory       = 4096

	// Rolling arrival-rate baseline length for the frequency detector.
	rateBaselineLen = 20
	minBaselineLen  = 3
)

// Analyzer detects violation patterns and merges them into hypotheses.
type Analyzer struct {
	cfg config.AnalyzerConfig
	bus *events.Bus
	tel *telemetry.Telemetry
	log logger.Logger

	mu sync.Mutex
	// history holds recent violations so bursts spanning two overlapping
	// windows are still seen whole.
	history []models.Violation
	// rates is the ring of per-window violation counts for the frequency
	// baseline.
	rates []float64
}

// New builds an analyzer. bus and tel may be nil in tests.
func New(cfg config.AnalyzerConfig, bus *events.Bus, tel *telemetry.Telemetry) *Analyzer {
	if tel == nil {
		tel = telemetry.Nop()
	}
	return &Analyzer{
		cfg: cfg,
		bus: bus,
		tel: tel,
		log: logger.New("analyzer"),
	}
}

// Analyze produces the pattern and hypothesis set for one monitor window.
func (a *Analyzer) Analyze(ctx context.Context, out *models.MonitorOutput) (*models.AnalysisResult, error) {
	start := time.Now()

	a.mu.Lock()
	a.admitLocked(out.Violations, out.WindowEnd)

	var patterns []models.Pattern
	patterns = append(patterns, a.temporalBurstsLocked(out.Violations)...)
	patterns = append(patterns, spatialClusters(a.cfg, out.Violations)...)
	patterns = append(patterns, causalPairs(a.cfg, out)...)
	if p, ok := a.frequencyAnomalyLocked(out.Violations); ok {
		patterns = append(patterns, p)
	}
	a.mu.Unlock()

	// Overlapping patterns rank by confidence, then by newer evidence.
	sort.SliceStable(patterns, func(i, j int) bool {
		if patterns[i].Confidence != patterns[j].Confidence {
			return patterns[i].Confidence > patterns[j].Confidence
		}
		return patterns[i].LatestEvidence.After(patterns[j].LatestEvidence)
	})

	byID := indexViolations(out.Violations)
	hypotheses := mergeHypotheses(patterns, byID)

	result := &models.AnalysisResult{
		AnalysisID:        "analysis-" + uuid.New().String(),
		WindowStart:       out.WindowStart,
		WindowEnd:         out.WindowEnd,
		Patterns:          patterns,
		Hypotheses:        hypotheses,
		OverallConfidence: overallConfidence(patterns, len(out.Violations), a.cfg.SaturationViolations),
		Timestamp:         time.Now().UTC(),
		ViolationCount:    len(out.Violations),
	}

	for _, h := range hypotheses {
		a.tel.RecordHypotheses(ctx, string(h.CauseTag), 1)
	}
	a.tel.RecordPhase(ctx, "analyze", time.Since(start), nil)

	a.log.Info("analysis completed",
		logger.String("analysis_id", result.AnalysisID),
		logger.Int("violations", result.ViolationCount),
		logger.Int("patterns", len(patterns)),
		logger.Int("hypotheses", len(hypotheses)),
		logger.Float64("overall_confidence", result.OverallConfidence))

	if a.bus != nil {
		a.bus.Publish(events.Event{
			Type:          events.AnalysisCompleted,
			Source:        "analyzer",
			CorrelationID: result.AnalysisID,
			Data: map[string]interface{}{
				"patterns":           len(patterns),
				"hypotheses":         len(hypotheses),
				"overall_confidence": result.OverallConfidence,
			},
		})
	}

	return result, nil
}

// admitLocked appends the window's violations to the sliding history and
// records the arrival count for the frequency baseline.
func (a *Analyzer) admitLocked(violations []models.Violation, windowEnd time.Time) {
	a.history = append(a.history, violations...)

	cutoff := windowEnd.Add(-historyRetention)
	trimmed := a.history[:0]
	for _, v := range a.history {
		if v.DetectedAt.After(cutoff) {
			trimmed = append(trimmed, v)
		}
	}
	a.history = trimmed
	if len(a.history) > maxHistory {
		a.history = a.history[len(a.history)-maxHistory:]
	}
}

// temporalBurstsLocked finds >= BurstCount violations on one correlation key
// inside the sliding burst window. History participates so a burst split
// across two overlapping windows is still detected, but a pattern is only
// emitted when its newest evidence came from the current batch.
func (a *Analyzer) temporalBurstsLocked(current []models.Violation) []models.Pattern {
	currentIDs := make(map[string]bool, len(current))
	for _, v := range current {
		currentIDs[v.ID] = true
	}

	byKey := make(map[string][]models.Violation)
	for _, v := range a.history {
		byKey[v.CorrelationKey] = append(byKey[v.CorrelationKey], v)
	}

	var patterns []models.Pattern
	for key, vs := range byKey {
		sort.Slice(vs, func(i, j int) bool { return vs[i].DetectedAt.Before(vs[j].DetectedAt) })

		// Largest window ending at the newest violation wins; one pattern
		// per key per analysis.
		best := 0
		bestStart := -1
		for end := len(vs) - 1; end >= 0 && best < len(vs); end-- {
			start := end
			for start > 0 && vs[end].DetectedAt.Sub(vs[start-1].DetectedAt) <= a.cfg.BurstWindow() {
				start--
			}
			if n := end - start + 1; n > best {
				best = n
				bestStart = start
			}
		}
		if best < a.cfg.BurstCount || bestStart < 0 {
			continue
		}

		burst := vs[bestStart : bestStart+best]
		newest := burst[len(burst)-1]
		if !currentIDs[newest.ID] {
			continue
		}

		evidence := make([]string, len(burst))
		for i, v := range burst {
			evidence[i] = v.ID
		}
		patterns = append(patterns, models.Pattern{
			Kind:           models.PatternTemporalBurst,
			Evidence:       evidence,
			Confidence:     confTemporalBurst,
			LatestEvidence: newest.DetectedAt,
			Subject:        key,
		})
	}
	return patterns
}

// spatialClusters finds violations sharing a source component across at
// least ClusterCount distinct correlation keys within the window.
func spatialClusters(cfg config.AnalyzerConfig, violations []models.Violation) []models.Pattern {
	type cluster struct {
		keys     map[string]bool
		evidence []string
		latest   time.Time
	}

	bySource := make(map[string]*cluster)
	for _, v := range violations {
		c, ok := bySource[v.SourceComponent]
		if !ok {
			c = &cluster{keys: make(map[string]bool)}
			bySource[v.SourceComponent] = c
		}
		c.keys[v.CorrelationKey] = true
		c.evidence = append(c.evidence, v.ID)
		if v.DetectedAt.After(c.latest) {
			c.latest = v.DetectedAt
		}
	}

	var patterns []models.Pattern
	for source, c := range bySource {
		if len(c.keys) < cfg.ClusterCount {
			continue
		}
		patterns = append(patterns, models.Pattern{
			Kind:           models.PatternSpatialCluster,
			Evidence:       c.evidence,
			Confidence:     confSpatialCluster,
			LatestEvidence: c.latest,
			Subject:        source,
		})
	}
	return patterns
}

// causalPairs evaluates the whitelisted metric pairs with lagged Spearman
// correlation. A pair only becomes a pattern when the effect metric produced
// violations in the window; those violations are the evidence.
func causalPairs(cfg config.AnalyzerConfig, out *models.MonitorOutput) []models.Pattern {
	var patterns []models.Pattern
	for _, pair := range cfg.CausalPairs {
		causeObs, ok := out.Observations[pair.Cause]
		if !ok {
			continue
		}
		effectObs, ok := out.Observations[pair.Effect]
		if !ok {
			continue
		}

		rho, lag := maxLaggedSpearman(values(causeObs), values(effectObs), cfg.CausalMaxLag)
		if math.IsNaN(rho) || math.Abs(rho) < cfg.CausalThreshold {
			continue
		}

		var evidence []string
		var latest time.Time
		for _, v := range out.Violations {
			if v.MetricName != pair.Effect && v.MetricName != pair.Cause {
				continue
			}
			evidence = append(evidence, v.ID)
			if v.DetectedAt.After(latest) {
				latest = v.DetectedAt
			}
		}
		if len(evidence) == 0 {
			continue
		}

		patterns = append(patterns, models.Pattern{
			Kind:           models.PatternCausalPair,
			Evidence:       evidence,
			Confidence:     sanitizeConfidence(confCausalPair),
			LatestEvidence: latest,
			Subject:        fmt.Sprintf("%s->%s(lag=%d)", pair.Cause, pair.Effect, lag),
		})
	}
	return patterns
}

// frequencyAnomalyLocked compares this window's arrival count against the
// rolling baseline; rate > mean + z*sigma is an anomaly covering the whole
// window. The count joins the baseline after the comparison so a spike does
// not mask itself.
func (a *Analyzer) frequencyAnomalyLocked(violations []models.Violation) (models.Pattern, bool) {
	count := float64(len(violations))
	defer func() {
		a.rates = append(a.rates, count)
		if len(a.rates) > rateBaselineLen {
			a.rates = a.rates[len(a.rates)-rateBaselineLen:]
		}
	}()

	if len(a.rates) < minBaselineLen || len(violations) == 0 {
		return models.Pattern{}, false
	}

	mean, sigma := meanStddev(a.rates)
	if sigma == 0 {
		sigma = math.Sqrt(math.Max(mean, 1))
	}
	if count <= mean+a.cfg.FrequencyZScore*sigma {
		return models.Pattern{}, false
	}

	evidence := make([]string, len(violations))
	var latest time.Time
	for i, v := range violations {
		evidence[i] = v.ID
		if v.DetectedAt.After(latest) {
			latest = v.DetectedAt
		}
	}
	return models.Pattern{
		Kind:           models.PatternFrequencyAnomaly,
		Evidence:       evidence,
		Confidence:     confFrequencyAnomaly,
		LatestEvidence: latest,
		Subject:        "arrival_rate",
	}, true
}

// mergeHypotheses folds each pattern into a hypothesis and merges them by
// cause tag with combined confidence 1 - prod(1 - c_i), capped.
func mergeHypotheses(patterns []models.Pattern, byID map[string]models.Violation) []models.RootCauseHypothesis {
	merged := make(map[models.CauseTag]*models.RootCauseHypothesis)
	miss := make(map[models.CauseTag]float64) // running prod(1 - c_i)
	keys := make(map[models.CauseTag]map[string]bool)
	order := make([]models.CauseTag, 0, 4)

	for _, p := range patterns {
		conf := sanitizeConfidence(p.Confidence)
		tag := inferCause(p, byID)

		h, ok := merged[tag]
		if !ok {
			h = &models.RootCauseHypothesis{
				CauseTag:        tag,
				Recommendations: recommendationsFor(tag),
			}
			merged[tag] = h
			miss[tag] = 1
			keys[tag] = make(map[string]bool)
			order = append(order, tag)
		}

		h.ContributingPatterns = append(h.ContributingPatterns, p.Kind)
		miss[tag] *= 1 - conf

		for _, id := range p.Evidence {
			v, ok := byID[id]
			if !ok {
				continue
			}
			if severityRank(v.Kind) > severityRank(h.Severity) {
				h.Severity = v.Kind
			}
			keys[tag][v.CorrelationKey] = true
		}
	}

	out := make([]models.RootCauseHypothesis, 0, len(order))
	for _, tag := range order {
		h := merged[tag]
		h.Confidence = sanitizeConfidence(math.Min(hypothesisCap, 1-miss[tag]))
		for key := range keys[tag] {
			h.CorrelationKeys = append(h.CorrelationKeys, key)
		}
		sort.Strings(h.CorrelationKeys)
		out = append(out, *h)
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Confidence > out[j].Confidence })
	return out
}

// inferCause classifies a pattern into the planner's cause vocabulary.
// Bursts take their cause from the dominant metric family in the evidence;
// clusters on one component and cross-metric causal links read as cascades;
// elevated arrival rate with no narrower signal is general instability.
func inferCause(p models.Pattern, byID map[string]models.Violation) models.CauseTag {
	switch p.Kind {
	case models.PatternTemporalBurst:
		return dominantMetricCause(p.Evidence, byID)
	case models.PatternSpatialCluster:
		if dominantMetricCause(p.Evidence, byID) == models.CauseResourceExhaustion {
			return models.CauseResourceExhaustion
		}
		return models.CauseCascadingFailure
	case models.PatternCausalPair:
		return models.CauseCascadingFailure
	case models.PatternFrequencyAnomaly:
		return models.CauseSystemInstability
	default:
		return models.CauseUnknown
	}
}

func dominantMetricCause(evidence []string, byID map[string]models.Violation) models.CauseTag {
	counts := make(map[models.CauseTag]int)
	for _, id := range evidence {
		v, ok := byID[id]
		if !ok {
			continue
		}
		counts[metricCause(v.MetricName)]++
	}

	best := models.CauseUnknown
	bestN := 0
	for tag, n := range counts {
		if n > bestN {
			best, bestN = tag, n
		}
	}
	if bestN == 0 {
		return models.CauseUnknown
	}
	return best
}

// metricCause buckets a metric name into a cause family by substring. The
// fixture names are operator-controlled, so the vocabulary is small.
func metricCause(metric string) models.CauseTag {
	switch {
	case containsAny(metric, "validation", "latency"):
		return models.CauseValidationLatency
	case containsAny(metric, "policy", "charter", "config"):
		return models.CausePolicyMisconfig
	case containsAny(metric, "cpu", "memory", "queue", "resource", "saturation", "backend"):
		return models.CauseResourceExhaustion
	default:
		return models.CauseSystemInstability
	}
}

func recommendationsFor(tag models.CauseTag) []string {
	switch tag {
	case models.CauseValidationLatency:
		return []string{"scale validation workers", "raise concurrency limits"}
	case models.CausePolicyMisconfig:
		return []string{"apply corrected policy", "keep rollback armed"}
	case models.CauseCascadingFailure:
		return []string{"engage emergency override", "throttle inbound traffic"}
	case models.CauseResourceExhaustion:
		return []string{"scale out", "rebalance load"}
	case models.CauseSystemInstability:
		return []string{"rebalance mesh", "restart affected services"}
	default:
		return []string{"escalate to operators"}
	}
}

// overallConfidence is 0.7 * avg(pattern confidence) + 0.3 * sample factor,
// where the sample factor saturates at the configured violation count.
func overallConfidence(patterns []models.Pattern, violations, saturation int) float64 {
	var avg float64
	if len(patterns) > 0 {
		var sum float64
		for _, p := range patterns {
			sum += sanitizeConfidence(p.Confidence)
		}
		avg = sum / float64(len(patterns))
	}

	if saturation < 1 {
		saturation = 1
	}
	factor := float64(violations) / float64(saturation)
	if factor > 1 {
		factor = 1
	}

	return sanitizeConfidence(0.7*avg + 0.3*factor)
}

// sanitizeConfidence clamps to [0,1]; non-finite values collapse to 0.
func sanitizeConfidence(c float64) float64 {
	if math.IsNaN(c) || math.IsInf(c, 0) {
		return 0
	}
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}

func severityRank(k models.ViolationKind) int {
	switch k {
	case models.ViolationCritical:
		return 3
	case models.ViolationWarning:
		return 2
	case models.ViolationInfo:
		return 1
	default:
		return 0
	}
}

func indexViolations(violations []models.Violation) map[string]models.Violation {
	byID := make(map[string]models.Violation, len(violations))
	for _, v := range violations {
		byID[v.ID] = v
	}
	return byID
}

func values(obs models.Observation) []float64 {
	out := make([]float64, 0, len(obs.Samples))
	for _, s := range obs.Samples {
		out = append(out, s.Value)
	}
	return out
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
