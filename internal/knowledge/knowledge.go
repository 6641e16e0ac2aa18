// Package knowledge learns from execution outcomes. It classifies each
// record, maintains durable per-(action, cause) statistics, serves advisory
// patterns back to the planner and threshold hints back to the monitor, and
// periodically distills success-rate movements into insights.
package knowledge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/meshwarden/meshwarden/internal/config"
	"github.com/meshwarden/meshwarden/internal/events"
	"github.com/meshwarden/meshwarden/internal/logger"
	"github.com/meshwarden/meshwarden/internal/models"
	"github.com/meshwarden/meshwarden/internal/telemetry"
)

// Classification confidence per outcome class.
const (
	confSuccess     = 0.95
	confPartial     = 0.70
	confIneffective = 0.40
	confDegradation = 0.0
	confUnknown     = 0.5
)

// hintStreakWindows is how many consecutive info-only windows a metric
// needs before its threshold band narrows.
const hintStreakWindows = 3

// hintNarrowFactor scales the fixture k factor when a hint fires.
const hintNarrowFactor = 0.5

// maxInsights bounds the retained insight ring.
const maxInsights = 64

type patternKey struct {
	action models.ActionType
	cause  models.CauseTag
}

// Knowledge is the learning component. One writer (the orchestrator's tick
// tail) and many readers (planner, monitor, API) share it through a
// read/write lock; readers get copies, never internal references.
type Knowledge struct {
	cfg   config.KnowledgeConfig
	store *Store
	bus   *events.Bus
	tel   *telemetry.Telemetry
	log   logger.Logger

	mu       sync.RWMutex
	patterns map[patternKey]*models.ActionPattern
	records  []models.ExecutionRecord
	insights []models.Insight

	// prevRates holds each pattern's success rate at the last insight
	// generation, for improvement deltas.
	prevRates map[patternKey]float64
	cycles    int

	// Threshold-hint state: fixture base k factors, per-metric info-only
	// streaks, and the active hints.
	baseK       map[string]float64
	infoStreaks map[string]int
	hints       map[string]models.ThresholdHint
}

// New loads durable state and builds the component. fixtures provide the
// base k factors that threshold hints narrow; bus and tel may be nil in
// tests.
func New(cfg config.KnowledgeConfig, store *Store, fixtures []config.QueryFixture, bus *events.Bus, tel *telemetry.Telemetry) (*Knowledge, error) {
	if tel == nil {
		tel = telemetry.Nop()
	}
	k := &Knowledge{
		cfg:         cfg,
		store:       store,
		bus:         bus,
		tel:         tel,
		log:         logger.New("knowledge"),
		patterns:    make(map[patternKey]*models.ActionPattern),
		prevRates:   make(map[patternKey]float64),
		baseK:       make(map[string]float64, len(fixtures)),
		infoStreaks: make(map[string]int),
		hints:       make(map[string]models.ThresholdHint),
	}
	for _, f := range fixtures {
		k.baseK[f.MetricName] = f.KFactor
	}

	if store != nil {
		patterns, err := store.LoadPatterns()
		if err != nil {
			return nil, err
		}
		for i := range patterns {
			p := patterns[i]
			k.patterns[patternKey{p.ActionType, p.CauseTag}] = &p
			k.prevRates[patternKey{p.ActionType, p.CauseTag}] = p.SuccessRate
		}

		records, err := store.RecentRecords(cfg.HistorySize)
		if err != nil {
			return nil, err
		}
		k.records = records

		k.log.Info("knowledge state loaded",
			logger.Int("patterns", len(patterns)),
			logger.Int("records", len(records)))
	}
	return k, nil
}

// Close flushes nothing (writes are synchronous) and closes the store.
func (k *Knowledge) Close() error {
	if k.store == nil {
		return nil
	}
	return k.store.Close()
}

// Record classifies an execution and appends it to the durable log and the
// in-memory ring. It does not touch action patterns; see UpdatePatterns.
func (k *Knowledge) Record(ctx context.Context, policy *models.RemediationPolicy, record *models.ExecutionRecord) models.OutcomeClassification {
	classification := Classify(record)

	k.mu.Lock()
	k.records = append(k.records, *record)
	if len(k.records) > k.cfg.HistorySize {
		k.records = k.records[len(k.records)-k.cfg.HistorySize:]
	}
	k.mu.Unlock()

	if k.store != nil {
		if err := k.store.AppendRecord(record, classification.Class); err != nil {
			k.log.Error("execution record not persisted",
				logger.String("policy_id", record.PolicyID),
				logger.Error(err))
		}
	}

	if k.bus != nil {
		k.bus.Publish(events.Event{
			Type:          events.OutcomeRecorded,
			Source:        "knowledge",
			CorrelationID: policy.PolicyID,
			Data: map[string]interface{}{
				"class":             string(classification.Class),
				"confidence":        classification.Confidence,
				"violations_before": record.ViolationsBefore,
				"violations_after":  record.ViolationsAfter,
			},
		})
	}

	k.log.Info("outcome recorded",
		logger.String("policy_id", policy.PolicyID),
		logger.String("class", string(classification.Class)),
		logger.Float64("confidence", classification.Confidence))
	return classification
}

// Classify buckets what an execution achieved. Records whose effects were
// never observed (rollbacks, cancellations, failed verification reads) are
// unknown: their violation counts are not evidence.
func Classify(record *models.ExecutionRecord) models.OutcomeClassification {
	if record.OverallStatus != models.ExecutionCompleted || !record.EffectsObserved {
		return models.OutcomeClassification{
			Class:      models.OutcomeUnknown,
			Confidence: confUnknown,
			Reason:     "effects not observed",
		}
	}

	before, after := record.ViolationsBefore, record.ViolationsAfter
	switch {
	case after == 0:
		return models.OutcomeClassification{
			Class:      models.OutcomeSuccess,
			Confidence: confSuccess,
			Reason:     "all violations resolved",
		}
	case after > before:
		return models.OutcomeClassification{
			Class:      models.OutcomeDegradation,
			Confidence: confDegradation,
			Reason:     fmt.Sprintf("violations rose from %d to %d", before, after),
		}
	case before > 0 && float64(before-after)/float64(before) > 0.5:
		return models.OutcomeClassification{
			Class:      models.OutcomePartial,
			Confidence: confPartial,
			Reason:     fmt.Sprintf("resolved %d of %d violations", before-after, before),
		}
	default:
		return models.OutcomeClassification{
			Class:      models.OutcomeIneffective,
			Confidence: confIneffective,
			Reason:     fmt.Sprintf("resolved %d of %d violations", before-after, before),
		}
	}
}

// UpdatePatterns folds one classified execution into the per-action
// statistics. Unknown outcomes advance total_executions only: an action
// whose effect was never seen must not gain or lose standing.
func (k *Knowledge) UpdatePatterns(policy *models.RemediationPolicy, classification models.OutcomeClassification, record *models.ExecutionRecord) {
	now := time.Now().UTC()
	scored := classification.Class != models.OutcomeUnknown
	timeToEffect := record.FinishedAt.Sub(record.StartedAt)
	resolved := float64(record.ViolationsBefore - record.ViolationsAfter)

	k.mu.Lock()
	var dirty []*models.ActionPattern
	for _, action := range policy.Actions {
		key := patternKey{action.Type, policy.CauseTag}
		p, ok := k.patterns[key]
		if !ok {
			p = &models.ActionPattern{ActionType: action.Type, CauseTag: policy.CauseTag}
			k.patterns[key] = p
		}

		p.TotalExecutions++
		if scored {
			p.ScoredExecutions++
			if classification.Class == models.OutcomeSuccess {
				p.SuccessfulExecutions++
			}
			p.SuccessRate = float64(p.SuccessfulExecutions) / float64(p.ScoredExecutions)

			n := float64(p.ScoredExecutions)
			p.AvgTimeToEffect = time.Duration((float64(p.AvgTimeToEffect)*(n-1) + float64(timeToEffect)) / n)
			p.AvgViolationsResolved = (p.AvgViolationsResolved*(n-1) + resolved) / n

			confidence := float64(p.TotalExecutions) / float64(k.cfg.SaturationSamples)
			if confidence > 1 {
				confidence = 1
			}
			p.Confidence = confidence
		}
		p.UpdatedAt = now
		dirty = append(dirty, p)
	}
	k.mu.Unlock()

	if k.store != nil {
		for _, p := range dirty {
			if err := k.store.UpsertPattern(p); err != nil {
				k.log.Error("action pattern not persisted",
					logger.String("action_type", string(p.ActionType)),
					logger.Error(err))
			}
		}
	}
}

// AdvisoryFor returns the best-performing action for a cause, if any
// pattern has scored evidence.
func (k *Knowledge) AdvisoryFor(cause models.CauseTag) (models.Advisory, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.advisoryLocked(cause)
}

func (k *Knowledge) advisoryLocked(cause models.CauseTag) (models.Advisory, bool) {
	var (
		best      models.Advisory
		bestScore = -1.0
	)
	for key, p := range k.patterns {
		if key.cause != cause || p.ScoredExecutions == 0 {
			continue
		}
		score := p.SuccessRate * p.Confidence
		if score > bestScore {
			bestScore = score
			best = models.Advisory{
				CauseTag:    cause,
				ActionType:  p.ActionType,
				SuccessRate: p.SuccessRate,
				Confidence:  p.Confidence,
			}
		}
	}
	return best, bestScore >= 0
}

// Snapshot captures an immutable advisory view for the coming tick. The
// monitor and planner read this copy; knowledge writes during the tick tail
// apply to the next snapshot only.
func (k *Knowledge) Snapshot() models.AdvisorySnapshot {
	k.mu.RLock()
	defer k.mu.RUnlock()

	snapshot := models.AdvisorySnapshot{
		TakenAt:        time.Now().UTC(),
		Advisories:     make(map[models.CauseTag]models.Advisory),
		ThresholdHints: make(map[string]models.ThresholdHint, len(k.hints)),
	}

	seen := make(map[models.CauseTag]bool)
	for key := range k.patterns {
		if seen[key.cause] {
			continue
		}
		seen[key.cause] = true
		if adv, ok := k.advisoryLocked(key.cause); ok {
			snapshot.Advisories[key.cause] = adv
		}
	}
	for metric, hint := range k.hints {
		snapshot.ThresholdHints[metric] = hint
	}
	return snapshot
}

// ObserveWindow drives threshold hints from the tick's violations. A metric
// breached only at info grade for enough consecutive windows gets a
// narrowed k factor; any warning or critical breach resets both streak and
// hint. Windows without violations on a metric leave its streak untouched.
func (k *Knowledge) ObserveWindow(violations []models.Violation) {
	benign := make(map[string]bool)
	for _, v := range violations {
		if _, ok := benign[v.MetricName]; !ok {
			benign[v.MetricName] = true
		}
		if v.Kind != models.ViolationInfo {
			benign[v.MetricName] = false
		}
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	for metric, ok := range benign {
		if !ok {
			delete(k.infoStreaks, metric)
			delete(k.hints, metric)
			continue
		}
		k.infoStreaks[metric]++
		if k.infoStreaks[metric] >= hintStreakWindows {
			base, ok := k.baseK[metric]
			if !ok {
				continue
			}
			k.hints[metric] = models.ThresholdHint{
				MetricName: metric,
				KFactor:    base * hintNarrowFactor,
			}
		}
	}
}

// Cycle advances the insight clock; every insight_interval_cycles it
// compares each pattern's success rate to the rate at the previous
// generation and reports movements.
func (k *Knowledge) Cycle() {
	k.mu.Lock()
	k.cycles++
	due := k.cfg.InsightIntervalCycles > 0 && k.cycles%k.cfg.InsightIntervalCycles == 0
	if !due {
		k.mu.Unlock()
		return
	}

	now := time.Now().UTC()
	var fresh []models.Insight
	for key, p := range k.patterns {
		if p.ScoredExecutions == 0 {
			continue
		}
		prev, had := k.prevRates[key]
		if had && p.SuccessRate == prev {
			continue
		}
		if !had {
			prev = 0
		}

		direction := "improved"
		if p.SuccessRate < prev {
			direction = "declined"
		}
		insight := models.Insight{
			ID:         "insight-" + uuid.New().String(),
			CauseTag:   key.cause,
			ActionType: key.action,
			FromRate:   prev,
			ToRate:     p.SuccessRate,
			Message: fmt.Sprintf("action %s for cause %s %s from %.0f%% to %.0f%%",
				key.action, key.cause, direction, prev*100, p.SuccessRate*100),
			GeneratedAt: now,
		}
		fresh = append(fresh, insight)
		k.prevRates[key] = p.SuccessRate
	}

	k.insights = append(k.insights, fresh...)
	if len(k.insights) > maxInsights {
		k.insights = k.insights[len(k.insights)-maxInsights:]
	}
	k.mu.Unlock()

	for _, insight := range fresh {
		if k.bus != nil {
			k.bus.Publish(events.Event{
				Type:          events.InsightGenerated,
				Source:        "knowledge",
				CorrelationID: insight.ID,
				Data: map[string]interface{}{
					"action_type": string(insight.ActionType),
					"cause_tag":   string(insight.CauseTag),
					"from_rate":   insight.FromRate,
					"to_rate":     insight.ToRate,
					"message":     insight.Message,
				},
			})
		}
		k.log.Info("insight generated", logger.String("message", insight.Message))
	}
}

// Insights returns the retained insight ring, oldest first.
func (k *Knowledge) Insights() []models.Insight {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return append([]models.Insight(nil), k.insights...)
}

// Patterns returns a copy of every action pattern, for the API.
func (k *Knowledge) Patterns() []models.ActionPattern {
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := make([]models.ActionPattern, 0, len(k.patterns))
	for _, p := range k.patterns {
		out = append(out, *p)
	}
	return out
}

// RecentRecords returns a copy of the in-memory record ring, oldest first.
func (k *Knowledge) RecentRecords() []models.ExecutionRecord {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return append([]models.ExecutionRecord(nil), k.records...)
}
