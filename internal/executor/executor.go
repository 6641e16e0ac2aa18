// Package executor applies approved remediation policies through the
// charter and verifies their effect. Policies sharing an (action type,
// target) pair are serialized through per-key mailboxes; the first action
// failure stops forward progress and unwinds everything already applied.
package executor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/meshwarden/meshwarden/internal/charter"
	"github.com/meshwarden/meshwarden/internal/config"
	"github.com/meshwarden/meshwarden/internal/errors"
	"github.com/meshwarden/meshwarden/internal/events"
	"github.com/meshwarden/meshwarden/internal/logger"
	"github.com/meshwarden/meshwarden/internal/models"
	"github.com/meshwarden/meshwarden/internal/resilience"
	"github.com/meshwarden/meshwarden/internal/telemetry"
)

// Verifier re-reads the monitored metrics after the settle interval.
// Implemented by the monitor; side-effect free.
type Verifier interface {
	CountViolations(ctx context.Context, now time.Time, keys map[string]struct{}) (int, error)
}

// Executor drives policy application. Safe for concurrent Execute calls;
// overlapping policies queue on shared mailboxes.
type Executor struct {
	cfg      config.ExecutorConfig
	charter  charter.Enforcer
	verifier Verifier
	bus      *events.Bus
	tel      *telemetry.Telemetry
	log      logger.Logger

	stopped atomic.Bool
	now     func() time.Time
	// settle overrides the configured settle interval in tests.
	settle time.Duration

	mu         sync.Mutex
	mailboxes  map[string]*sync.Mutex
	superseded map[string]*atomic.Bool
}

// New builds an executor. bus and tel may be nil in tests.
func New(cfg config.ExecutorConfig, enforcer charter.Enforcer, verifier Verifier, bus *events.Bus, tel *telemetry.Telemetry) *Executor {
	if tel == nil {
		tel = telemetry.Nop()
	}
	return &Executor{
		cfg:        cfg,
		charter:    enforcer,
		verifier:   verifier,
		bus:        bus,
		tel:        tel,
		log:        logger.New("executor"),
		now:        time.Now,
		settle:     time.Duration(cfg.SettleSeconds) * time.Second,
		mailboxes:  make(map[string]*sync.Mutex),
		superseded: make(map[string]*atomic.Bool),
	}
}

// Supersede asks a policy to yield at its next action boundary. Cooperative:
// an in-flight action finishes before the policy unwinds.
func (e *Executor) Supersede(policyID string) {
	e.flagFor(policyID).Store(true)
}

// Stop halts the executor. No charter mutation starts after Stop returns;
// in-flight actions finish and their policies end as cancelled.
func (e *Executor) Stop() {
	e.stopped.Store(true)
}

// Execute applies the policy's actions in order and returns the execution
// record. violationsBefore is the breach count over the policy's
// correlation keys at plan time.
func (e *Executor) Execute(ctx context.Context, policy *models.RemediationPolicy, violationsBefore int) (*models.ExecutionRecord, error) {
	if e.stopped.Load() {
		return nil, errors.New(errors.KindUnavailable, "executor stopped").
			WithCorrelation(policy.PolicyID).
			Build()
	}
	if len(policy.Actions) == 0 {
		return nil, errors.NewValidation(fmt.Sprintf("policy %s has no actions", policy.PolicyID))
	}

	unlock := e.acquireMailboxes(policy)
	defer unlock()
	defer e.clearFlag(policy.PolicyID)

	flag := e.flagFor(policy.PolicyID)
	if flag.Load() {
		return nil, errors.NewConflict(fmt.Sprintf("policy %s superseded before start", policy.PolicyID))
	}

	record := &models.ExecutionRecord{
		PolicyID:         policy.PolicyID,
		StartedAt:        e.now().UTC(),
		ActionResults:    make([]models.ActionResult, 0, len(policy.Actions)),
		ViolationsBefore: violationsBefore,
		SchemaVersion:    models.ExecutionRecordSchemaVersion,
	}

	e.publish(events.ExecutionStarted, policy.PolicyID, map[string]interface{}{
		"actions":  len(policy.Actions),
		"priority": string(policy.Priority),
	})

	if _, err := e.submit(ctx, policy); err != nil {
		if errors.IsKind(err, errors.KindConflict) {
			// An active superseding policy holds the target; yield.
			e.log.Warn("charter rejected policy as superseded",
				logger.String("policy_id", policy.PolicyID))
			return nil, err
		}
		record.OverallStatus = models.ExecutionFailed
		record.FinishedAt = e.now().UTC()
		e.finish(ctx, policy, record)
		return record, err
	}

	applied := 0
	for i, action := range policy.Actions {
		if e.stopped.Load() {
			return e.cancel(ctx, policy, record, applied), nil
		}
		if flag.Load() {
			return e.yield(ctx, policy, record, applied), nil
		}

		result := e.apply(ctx, policy.PolicyID, i, action)
		record.ActionResults = append(record.ActionResults, result)
		e.tel.RecordExecution(ctx, string(action.Type), string(result.Status))

		if result.Status == models.ActionCompleted {
			applied++
			continue
		}

		// First failure: unwind everything already applied, newest first.
		e.rollback(ctx, policy, record, applied)
		record.FinishedAt = e.now().UTC()
		e.finish(ctx, policy, record)
		return record, nil
	}

	record.OverallStatus = models.ExecutionCompleted
	record.SuccessRate = 1.0
	e.verify(ctx, policy, record)
	record.FinishedAt = e.now().UTC()
	e.finish(ctx, policy, record)
	return record, nil
}

// apply runs one action with per-attempt timeout, retrying only retryable
// failures up to the configured budget.
func (e *Executor) apply(ctx context.Context, policyID string, index int, action models.RemediationAction) models.ActionResult {
	result := models.ActionResult{
		Index:     index,
		Type:      action.Type,
		Target:    action.Target,
		Status:    models.ActionInProgress,
		StartedAt: e.now().UTC(),
	}

	retryCfg := &resilience.RetryConfig{
		MaxAttempts:  e.cfg.MaxRetries + 1,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
	}

	res, err := resilience.Retry(ctx, retryCfg, func(ctx context.Context) error {
		attemptCtx, cancel := context.WithTimeout(ctx, e.actionTimeout())
		defer cancel()
		_, err := e.charter.Activate(attemptCtx, policyID, index, action)
		return err
	})

	result.Attempts = res.Attempts
	result.FinishedAt = e.now().UTC()
	if err != nil {
		result.Status = models.ActionFailed
		result.Error = err.Error()
		e.log.Error("action failed",
			logger.String("policy_id", policyID),
			logger.Int("action_index", index),
			logger.String("action_type", string(action.Type)),
			logger.Int("attempts", result.Attempts),
			logger.Error(err))
		return result
	}

	result.Status = models.ActionCompleted
	return result
}

// rollback unwinds the applied prefix after a forward failure. The charter
// unwinds in reverse order and reports per-step results; an incomplete
// unwind leaves the record partial with every error surfaced.
func (e *Executor) rollback(ctx context.Context, policy *models.RemediationPolicy, record *models.ExecutionRecord, applied int) {
	if applied == 0 {
		record.OverallStatus = models.ExecutionFailed
		record.SuccessRate = 0
		return
	}

	rb, err := e.charter.Rollback(ctx, policy.PolicyID, applied)
	rolledAt := e.now().UTC()

	switch {
	case err != nil:
		record.OverallStatus = models.ExecutionPartial
		e.log.Error("rollback request failed",
			logger.String("policy_id", policy.PolicyID),
			logger.Int("applied", applied),
			logger.Error(err))
	case !rb.AllSucceeded():
		record.OverallStatus = models.ExecutionPartial
		for _, step := range rb.Steps {
			e.markRolledBack(record, step.ActionIndex, step.Status == "rolled_back", rolledAt)
			if step.Status != "rolled_back" {
				e.log.Error("rollback step failed",
					logger.String("policy_id", policy.PolicyID),
					logger.Int("action_index", step.ActionIndex),
					logger.String("detail", step.Detail))
			}
		}
	default:
		record.OverallStatus = models.ExecutionRolledBack
		for _, step := range rb.Steps {
			e.markRolledBack(record, step.ActionIndex, true, rolledAt)
		}
	}

	record.SuccessRate = 0
	for _, a := range policy.Actions[:applied] {
		e.tel.RecordRollback(ctx, string(a.Type))
	}
}

// yield unwinds a superseded policy at an action boundary. The superseding
// policy starts from a clean slate.
func (e *Executor) yield(ctx context.Context, policy *models.RemediationPolicy, record *models.ExecutionRecord, applied int) *models.ExecutionRecord {
	e.log.Info("policy superseded mid-run",
		logger.String("policy_id", policy.PolicyID),
		logger.Int("applied", applied))

	e.rollback(ctx, policy, record, applied)
	if record.OverallStatus == models.ExecutionFailed {
		// Nothing was applied; a superseded no-op is a clean rollback.
		record.OverallStatus = models.ExecutionRolledBack
	}
	e.skipRemaining(policy, record)
	record.FinishedAt = e.now().UTC()
	e.finish(ctx, policy, record)
	return record
}

// cancel ends a policy at a stop boundary. Applied actions stay in place:
// after Stop no further charter mutation is allowed, rollback included.
func (e *Executor) cancel(ctx context.Context, policy *models.RemediationPolicy, record *models.ExecutionRecord, applied int) *models.ExecutionRecord {
	record.OverallStatus = models.ExecutionCancelled
	if len(policy.Actions) > 0 {
		record.SuccessRate = float64(applied) / float64(len(policy.Actions))
	}
	e.skipRemaining(policy, record)
	record.FinishedAt = e.now().UTC()

	e.log.Warn("policy cancelled by stop",
		logger.String("policy_id", policy.PolicyID),
		logger.Int("applied", applied))
	e.finish(ctx, policy, record)
	return record
}

// verify waits out the settle interval and re-reads the policy's
// correlation keys. A failed read leaves EffectsObserved false so knowledge
// classifies the outcome as unknown instead of guessing.
func (e *Executor) verify(ctx context.Context, policy *models.RemediationPolicy, record *models.ExecutionRecord) {
	if e.verifier == nil || len(policy.CorrelationKeys) == 0 {
		return
	}

	select {
	case <-time.After(e.settle):
	case <-ctx.Done():
		return
	}

	keys := make(map[string]struct{}, len(policy.CorrelationKeys))
	for _, k := range policy.CorrelationKeys {
		keys[k] = struct{}{}
	}

	after, err := e.verifier.CountViolations(ctx, e.now(), keys)
	if err != nil {
		e.log.Warn("effect verification failed",
			logger.String("policy_id", policy.PolicyID),
			logger.Error(err))
		return
	}
	record.ViolationsAfter = after
	record.EffectsObserved = true
}

func (e *Executor) submit(ctx context.Context, policy *models.RemediationPolicy) (*charter.PolicyHandle, error) {
	var handle *charter.PolicyHandle
	_, err := resilience.Retry(ctx, &resilience.RetryConfig{
		MaxAttempts:  e.cfg.MaxRetries + 1,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
	}, func(ctx context.Context) error {
		attemptCtx, cancel := context.WithTimeout(ctx, e.actionTimeout())
		defer cancel()
		h, err := e.charter.Submit(attemptCtx, policy)
		if err != nil {
			return err
		}
		handle = h
		return nil
	})
	return handle, err
}

func (e *Executor) skipRemaining(policy *models.RemediationPolicy, record *models.ExecutionRecord) {
	for i := len(record.ActionResults); i < len(policy.Actions); i++ {
		record.ActionResults = append(record.ActionResults, models.ActionResult{
			Index:  i,
			Type:   policy.Actions[i].Type,
			Target: policy.Actions[i].Target,
			Status: models.ActionSkipped,
		})
	}
}

func (e *Executor) markRolledBack(record *models.ExecutionRecord, actionIndex int, ok bool, at time.Time) {
	for i := range record.ActionResults {
		if record.ActionResults[i].Index != actionIndex {
			continue
		}
		if ok {
			record.ActionResults[i].Status = models.ActionRolledBack
			record.ActionResults[i].RolledBackAt = &at
		}
		return
	}
}

// acquireMailboxes locks every serialization key the policy touches, in
// sorted order so two overlapping policies cannot deadlock.
func (e *Executor) acquireMailboxes(policy *models.RemediationPolicy) func() {
	seen := make(map[string]bool, len(policy.Actions))
	keys := make([]string, 0, len(policy.Actions))
	for _, a := range policy.Actions {
		k := a.SerializationKey()
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	locks := make([]*sync.Mutex, 0, len(keys))
	for _, k := range keys {
		locks = append(locks, e.mailboxFor(k))
	}
	for _, l := range locks {
		l.Lock()
	}
	return func() {
		for i := len(locks) - 1; i >= 0; i-- {
			locks[i].Unlock()
		}
	}
}

func (e *Executor) mailboxFor(key string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.mailboxes[key]
	if !ok {
		m = &sync.Mutex{}
		e.mailboxes[key] = m
	}
	return m
}

func (e *Executor) flagFor(policyID string) *atomic.Bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	f, ok := e.superseded[policyID]
	if !ok {
		f = &atomic.Bool{}
		e.superseded[policyID] = f
	}
	return f
}

func (e *Executor) clearFlag(policyID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.superseded, policyID)
}

func (e *Executor) actionTimeout() time.Duration {
	if e.cfg.ActionTimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(e.cfg.ActionTimeoutSeconds) * time.Second
}

// finish publishes the terminal event and outcome metric for a record.
func (e *Executor) finish(ctx context.Context, policy *models.RemediationPolicy, record *models.ExecutionRecord) {
	e.tel.RecordPolicyOutcome(ctx, string(record.OverallStatus))

	eventType := events.ExecutionCompleted
	switch record.OverallStatus {
	case models.ExecutionRolledBack:
		eventType = events.ExecutionRolledBack
	case models.ExecutionPartial:
		eventType = events.ExecutionPartial
	case models.ExecutionFailed:
		eventType = events.ExecutionFailed
	case models.ExecutionCancelled:
		eventType = events.ExecutionFailed
	}

	e.publish(eventType, policy.PolicyID, map[string]interface{}{
		"status":            string(record.OverallStatus),
		"success_rate":      record.SuccessRate,
		"violations_before": record.ViolationsBefore,
		"violations_after":  record.ViolationsAfter,
		"effects_observed":  record.EffectsObserved,
	})

	e.log.Info("execution finished",
		logger.String("policy_id", policy.PolicyID),
		logger.String("status", string(record.OverallStatus)),
		logger.Float64("success_rate", record.SuccessRate),
		logger.Bool("effects_observed", record.EffectsObserved))
}

func (e *Executor) publish(eventType events.EventType, policyID string, data map[string]interface{}) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(events.Event{
		Type:          eventType,
		Source:        "executor",
		CorrelationID: policyID,
		Data:          data,
	})
}
