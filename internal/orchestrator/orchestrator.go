// Package orchestrator drives the control loop. Each tick feeds knowledge
// hints to the monitor, drains operator-approved policies, and when the
// window holds enough violations walks analyze -> plan -> execute -> record.
// Quiet windows emit a heartbeat without invoking the planner. A fatal
// component error flips the loop into degraded mode: the monitor and
// knowledge keep running, the planner and executor stay off until an
// operator clears the fault.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/meshwarden/meshwarden/internal/config"
	"github.com/meshwarden/meshwarden/internal/errors"
	"github.com/meshwarden/meshwarden/internal/events"
	"github.com/meshwarden/meshwarden/internal/logger"
	"github.com/meshwarden/meshwarden/internal/models"
	"github.com/meshwarden/meshwarden/internal/telemetry"
)

// maxRetainedViolations bounds the window violations kept for the API.
const maxRetainedViolations = 256

// MonitorStage is the observe side of the loop.
type MonitorStage interface {
	Tick(ctx context.Context, now time.Time) (*models.MonitorOutput, error)
	SetThresholdHints(hints map[string]models.ThresholdHint)
}

// AnalyzerStage turns a window into ranked hypotheses.
type AnalyzerStage interface {
	Analyze(ctx context.Context, out *models.MonitorOutput) (*models.AnalysisResult, error)
}

// PlannerStage builds and ranks candidate policies.
type PlannerStage interface {
	Plan(ctx context.Context, analysis *models.AnalysisResult, snapshot models.AdvisorySnapshot) ([]models.RemediationPolicy, error)
	SelectBest(policies []models.RemediationPolicy, threshold float64) *models.RemediationPolicy
}

// ExecutorStage applies one policy through the charter.
type ExecutorStage interface {
	Execute(ctx context.Context, policy *models.RemediationPolicy, violationsBefore int) (*models.ExecutionRecord, error)
	Stop()
}

// KnowledgeStage learns from outcomes and advises the other stages.
type KnowledgeStage interface {
	Snapshot() models.AdvisorySnapshot
	ObserveWindow(violations []models.Violation)
	Record(ctx context.Context, policy *models.RemediationPolicy, record *models.ExecutionRecord) models.OutcomeClassification
	UpdatePatterns(policy *models.RemediationPolicy, classification models.OutcomeClassification, record *models.ExecutionRecord)
	Cycle()
}

// ApprovalQueue is the governance ledger surface the loop consumes: new
// pending policies go in, operator-approved policies come back out.
type ApprovalQueue interface {
	Submit(ctx context.Context, policy models.RemediationPolicy) (models.ApprovalState, error)
	TakeApproved() []models.RemediationPolicy
	Sweep()
}

// State is the observable loop position exposed over the API.
type State struct {
	Iteration          uint64    `json:"iteration"`
	LastUpdate         time.Time `json:"last_update"`
	LastViolationCount int       `json:"last_violation_count"`
	LastPolicyID       string    `json:"last_policy_id,omitempty"`
	LastError          string    `json:"last_error,omitempty"`
	IsRunning          bool      `json:"is_running"`
	Degraded           bool      `json:"degraded"`
	DegradedReason     string    `json:"degraded_reason,omitempty"`
}

// Orchestrator owns the loop goroutine and the shared tick state.
type Orchestrator struct {
	cfg       *config.Config
	monitor   MonitorStage
	analyzer  AnalyzerStage
	planner   PlannerStage
	executor  ExecutorStage
	knowledge KnowledgeStage
	approvals ApprovalQueue
	bus       *events.Bus
	tel       *telemetry.Telemetry
	log       logger.Logger

	now func() time.Time

	mu     sync.Mutex
	state  State
	recent []models.Violation

	running atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New wires the five stages and the approval queue into a loop. bus and tel
// may be nil in tests.
func New(cfg *config.Config, mon MonitorStage, an AnalyzerStage, pl PlannerStage, ex ExecutorStage, kn KnowledgeStage, approvals ApprovalQueue, bus *events.Bus, tel *telemetry.Telemetry) *Orchestrator {
	if tel == nil {
		tel = telemetry.Nop()
	}
	return &Orchestrator{
		cfg:       cfg,
		monitor:   mon,
		analyzer:  an,
		planner:   pl,
		executor:  ex,
		knowledge: kn,
		approvals: approvals,
		bus:       bus,
		tel:       tel,
		log:       logger.New("orchestrator"),
		now:       time.Now,
	}
}

// Start launches the loop goroutine. The first tick runs immediately;
// later ticks follow the monitor cadence.
func (o *Orchestrator) Start() error {
	o.mu.Lock()
	if o.running.Load() {
		o.mu.Unlock()
		return errors.NewConflict("orchestrator already running")
	}
	ctx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel
	o.done = make(chan struct{})
	o.running.Store(true)
	o.mu.Unlock()

	go o.run(ctx)

	o.log.Info("control loop started",
		logger.Duration("interval", o.cfg.Monitor.Interval()),
		logger.Int("plan_threshold", o.cfg.Orchestrator.PlanThreshold))
	return nil
}

// Stop halts the loop and waits for the in-flight tick. The executor is
// stopped first so a running policy halts at its next action boundary
// without further charter mutations. Returns a timeout error if ctx
// expires before the tick drains.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	if !o.running.Load() {
		o.mu.Unlock()
		return nil
	}
	o.running.Store(false)
	cancel, done := o.cancel, o.done
	o.mu.Unlock()

	o.executor.Stop()
	cancel()

	start := o.now()
	select {
	case <-done:
		o.log.Info("control loop stopped")
		return nil
	case <-ctx.Done():
		return errors.NewTimeout("orchestrator.stop", o.now().Sub(start))
	}
}

// State returns a copy of the loop position.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	s := o.state
	o.mu.Unlock()
	s.IsRunning = o.running.Load()
	return s
}

// RecentViolations returns the retained window violations, oldest first.
func (o *Orchestrator) RecentViolations() []models.Violation {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]models.Violation(nil), o.recent...)
}

func (o *Orchestrator) retainViolations(batch []models.Violation) {
	if len(batch) == 0 {
		return
	}
	o.mu.Lock()
	o.recent = append(o.recent, batch...)
	if drop := len(o.recent) - maxRetainedViolations; drop > 0 {
		o.recent = append([]models.Violation(nil), o.recent[drop:]...)
	}
	o.mu.Unlock()
}

// ClearDegraded re-enables the planner and executor after an operator has
// resolved the underlying fault. Returns false when the loop was healthy.
func (o *Orchestrator) ClearDegraded(actor string) bool {
	o.mu.Lock()
	was := o.state.Degraded
	o.state.Degraded = false
	o.state.DegradedReason = ""
	o.mu.Unlock()

	if !was {
		return false
	}
	o.log.Info("degraded mode cleared", logger.String("actor", actor))
	o.publish(events.OrchestratorRecovered, "", map[string]interface{}{
		"actor": actor,
	})
	return true
}

func (o *Orchestrator) run(ctx context.Context) {
	defer close(o.done)

	ticker := time.NewTicker(o.cfg.Monitor.Interval())
	defer ticker.Stop()

	o.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.tick(ctx)
		}
	}
}

// tick runs one loop iteration. Iteration advances on every tick, failed
// ones included, so the state endpoint shows liveness under faults.
func (o *Orchestrator) tick(ctx context.Context) {
	start := o.now()
	iteration := o.nextIteration()

	outcome, policyID, violations, err := o.runTick(ctx, start, iteration)

	o.knowledge.Cycle()

	o.mu.Lock()
	o.state.LastUpdate = start
	o.state.LastViolationCount = violations
	if policyID != "" {
		o.state.LastPolicyID = policyID
	}
	if err != nil {
		o.state.LastError = err.Error()
	} else {
		o.state.LastError = ""
	}
	o.mu.Unlock()

	o.tel.RecordCycle(ctx, outcome)
	o.tel.RecordPhase(ctx, "tick", o.now().Sub(start), err)
}

func (o *Orchestrator) runTick(ctx context.Context, start time.Time, iteration uint64) (outcome, policyID string, violations int, err error) {
	snapshot := o.knowledge.Snapshot()
	o.monitor.SetThresholdHints(snapshot.ThresholdHints)

	out, err := o.monitor.Tick(ctx, start)
	if err != nil {
		o.fail(ctx, "monitor", err)
		return "error", "", 0, err
	}

	o.knowledge.ObserveWindow(out.Violations)
	o.retainViolations(out.Violations)
	violations = len(out.Violations)

	o.approvals.Sweep()

	degraded := o.isDegraded()
	if !degraded {
		policyID = o.drainApproved(ctx, out)
	}

	if violations < o.cfg.Orchestrator.PlanThreshold {
		o.publish(events.OrchestratorHeartbeat, "", map[string]interface{}{
			"iteration":  iteration,
			"violations": violations,
			"stale":      out.Stale,
		})
		o.log.Debug("quiet window",
			logger.Uint64("iteration", iteration),
			logger.Int("violations", violations))
		return "heartbeat", policyID, violations, nil
	}

	if degraded {
		o.log.Warn("degraded: violations observed but planner is disabled",
			logger.Uint64("iteration", iteration),
			logger.Int("violations", violations))
		return "degraded", policyID, violations, nil
	}

	analysis, err := o.analyzer.Analyze(ctx, out)
	if err != nil {
		o.fail(ctx, "analyzer", err)
		return "error", policyID, violations, err
	}

	candidates, err := o.planner.Plan(ctx, analysis, snapshot)
	if err != nil {
		o.fail(ctx, "planner", err)
		return "error", policyID, violations, err
	}

	best := o.planner.SelectBest(candidates, o.cfg.Planner.ScoreThreshold)
	if best == nil {
		o.log.Info("no policy cleared the score threshold",
			logger.Uint64("iteration", iteration),
			logger.Int("candidates", len(candidates)))
		return "no_policy", policyID, violations, nil
	}

	if best.ApprovalState == models.ApprovalPending {
		if _, serr := o.approvals.Submit(ctx, *best); serr != nil {
			o.fail(ctx, "governance", serr)
			return "error", best.PolicyID, violations, serr
		}
		o.log.Info("policy held for approval",
			logger.String("policy_id", best.PolicyID),
			logger.Float64("highest_cost", best.HighestCost()))
		return "pending", best.PolicyID, violations, nil
	}

	if rerr := o.execute(ctx, best, countForKeys(out, best.CorrelationKeys)); rerr != nil {
		return "error", best.PolicyID, violations, rerr
	}
	return "executed", best.PolicyID, violations, nil
}

// drainApproved executes policies the operator approved since the last
// tick. Returns the last executed policy ID for the state endpoint.
func (o *Orchestrator) drainApproved(ctx context.Context, out *models.MonitorOutput) string {
	var last string
	for _, approved := range o.approvals.TakeApproved() {
		policy := approved
		if err := o.execute(ctx, &policy, countForKeys(out, policy.CorrelationKeys)); err == nil {
			last = policy.PolicyID
		}
	}
	return last
}

// execute runs one policy and feeds the outcome to knowledge. Cancelled
// records are not recorded: a stop mid-policy observed no effects and must
// not move action statistics.
func (o *Orchestrator) execute(ctx context.Context, policy *models.RemediationPolicy, violationsBefore int) error {
	record, err := o.executor.Execute(ctx, policy, violationsBefore)
	if err != nil {
		switch {
		case errors.IsKind(err, errors.KindConflict):
			o.log.Warn("policy superseded, yielding",
				logger.String("policy_id", policy.PolicyID))
			err = nil
		case errors.IsKind(err, errors.KindUnavailable):
			o.log.Warn("executor stopped, policy skipped",
				logger.String("policy_id", policy.PolicyID))
			err = nil
		default:
			o.fail(ctx, "executor", err)
		}
	}
	if record == nil {
		return err
	}

	o.mu.Lock()
	o.state.LastPolicyID = policy.PolicyID
	o.mu.Unlock()

	if record.OverallStatus == models.ExecutionCancelled {
		return err
	}

	classification := o.knowledge.Record(ctx, policy, record)
	o.knowledge.UpdatePatterns(policy, classification, record)
	return err
}

// fail publishes the stage error and, for fatal kinds, flips the loop
// into degraded mode.
func (o *Orchestrator) fail(ctx context.Context, stage string, err error) {
	me := errors.Classify(err)

	if errors.DispositionOf(err) == errors.DispositionFatal {
		o.degrade(stage, me)
		return
	}

	o.log.WithError(err).Warn("stage failed, loop continues",
		logger.String("stage", stage),
		logger.String("kind", string(me.Kind)))
	o.publish(events.OrchestratorError, me.CorrelationID, map[string]interface{}{
		"stage": stage,
		"kind":  string(me.Kind),
		"error": me.Error(),
	})
}

func (o *Orchestrator) degrade(stage string, me *errors.MeshError) {
	o.mu.Lock()
	already := o.state.Degraded
	o.state.Degraded = true
	o.state.DegradedReason = fmt.Sprintf("%s: %s", stage, me.Error())
	o.mu.Unlock()

	if already {
		return
	}
	o.log.WithError(me).Error("entering degraded mode",
		logger.String("stage", stage))
	o.publish(events.OrchestratorDegraded, me.CorrelationID, map[string]interface{}{
		"stage": stage,
		"error": me.Error(),
	})
}

func (o *Orchestrator) isDegraded() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state.Degraded
}

func (o *Orchestrator) nextIteration() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.state.Iteration++
	return o.state.Iteration
}

func (o *Orchestrator) publish(eventType events.EventType, correlationID string, data map[string]interface{}) {
	if o.bus == nil {
		return
	}
	o.bus.Publish(events.Event{
		Type:          eventType,
		Source:        "orchestrator",
		CorrelationID: correlationID,
		Data:          data,
	})
}

// countForKeys counts the window violations scoped to the policy's
// correlation keys, falling back to the whole window for unscoped policies.
func countForKeys(out *models.MonitorOutput, keys []string) int {
	if len(keys) == 0 {
		return len(out.Violations)
	}
	set := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		set[k] = struct{}{}
	}
	n := 0
	for _, v := range out.Violations {
		if _, ok := set[v.CorrelationKey]; ok {
			n++
		}
	}
	return n
}
