// Package planner turns root-cause hypotheses into scored remediation
// policies and selects the best one above a configured threshold.
package planner

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/meshwarden/meshwarden/internal/config"
	"github.com/meshwarden/meshwarden/internal/events"
	"github.com/meshwarden/meshwarden/internal/logger"
	"github.com/meshwarden/meshwarden/internal/models"
	"github.com/meshwarden/meshwarden/internal/telemetry"
)

// benefitCap bounds estimated benefit regardless of confidence.
const benefitCap = 0.95

// Advisory overrides apply only above these floors.
const (
	advisoryMinSuccessRate = 0.7
	advisoryMinConfidence  = 0.5
)

// actionCosts is the fixed normalized cost per action type.
var actionCosts = map[models.ActionType]float64{
	models.ActionScaleDown:         0.05,
	models.ActionScaleUp:           0.15,
	models.ActionRestartService:    0.20,
	models.ActionThrottle:          0.25,
	models.ActionApplyPolicy:       0.30,
	models.ActionRebalance:         0.30,
	models.ActionUpdateConfig:      0.35,
	models.ActionEmergencyOverride: 0.60,
	models.ActionBypassValidation:  0.70,
	models.ActionEscalate:          0.0,
}

// severityWeights scale hypothesis confidence into estimated benefit.
var severityWeights = map[models.PolicyPriority]float64{
	models.PriorityCritical: 0.94,
	models.PriorityHigh:     0.85,
	models.PriorityMedium:   0.70,
	models.PriorityLow:      0.50,
}

// Planner builds candidate policies from analysis results. Stateless apart
// from configuration; safe for use from the orchestrator loop.
type Planner struct {
	cfg config.PlannerConfig
	bus *events.Bus
	tel *telemetry.Telemetry
	log logger.Logger
}

// New builds a planner. bus and tel may be nil in tests.
func New(cfg config.PlannerConfig, bus *events.Bus, tel *telemetry.Telemetry) *Planner {
	if tel == nil {
		tel = telemetry.Nop()
	}
	return &Planner{
		cfg: cfg,
		bus: bus,
		tel: tel,
		log: logger.New("planner"),
	}
}

// Plan produces one candidate policy per hypothesis. Hypotheses below the
// confidence floor or without a known cause degrade to an escalation
// policy; candidates whose score is not positive are discarded.
func (p *Planner) Plan(ctx context.Context, analysis *models.AnalysisResult, snapshot models.AdvisorySnapshot) ([]models.RemediationPolicy, error) {
	var policies []models.RemediationPolicy
	for _, h := range analysis.Hypotheses {
		policy, ok := p.build(h, snapshot)
		if !ok {
			continue
		}
		policies = append(policies, policy)

		p.tel.RecordPolicyPlanned(ctx, string(policy.CauseTag), string(policy.ApprovalState))
		if p.bus != nil {
			p.bus.Publish(events.Event{
				Type:          events.PolicyCreated,
				Source:        "planner",
				CorrelationID: policy.PolicyID,
				Data: map[string]interface{}{
					"cause_tag": string(policy.CauseTag),
					"priority":  string(policy.Priority),
					"score":     policy.Score,
					"approval":  string(policy.ApprovalState),
				},
			})
		}
	}

	// Deterministic order: score descending, then newer hypotheses last.
	sort.SliceStable(policies, func(i, j int) bool {
		return policies[i].Score > policies[j].Score
	})

	p.log.Info("planning completed",
		logger.String("analysis_id", analysis.AnalysisID),
		logger.Int("hypotheses", len(analysis.Hypotheses)),
		logger.Int("candidates", len(policies)))
	return policies, nil
}

// SelectBest returns the highest-scoring policy at or above the threshold,
// or nil when no candidate qualifies.
func (p *Planner) SelectBest(policies []models.RemediationPolicy, threshold float64) *models.RemediationPolicy {
	var best *models.RemediationPolicy
	for i := range policies {
		if policies[i].Score < threshold {
			continue
		}
		if best == nil || policies[i].Score > best.Score {
			best = &policies[i]
		}
	}
	return best
}

func (p *Planner) build(h models.RootCauseHypothesis, snapshot models.AdvisorySnapshot) (models.RemediationPolicy, bool) {
	conf := h.Confidence
	if math.IsNaN(conf) || math.IsInf(conf, 0) || conf < 0 {
		conf = 0
	}

	cause := h.CauseTag
	priority := priorityFor(h)
	if cause == models.CauseUnknown || conf < p.cfg.MinHypothesisConfidence {
		cause = models.CauseUnknown
		priority = models.PriorityLow
	}

	actions := p.actionsFor(cause, h)
	if advisory, ok := snapshot.Advisories[cause]; ok && len(actions) > 0 {
		if advisory.SuccessRate >= advisoryMinSuccessRate && advisory.Confidence >= advisoryMinConfidence &&
			advisory.ActionType != actions[0].Type {
			// Knowledge has a better-performing first move for this cause.
			actions[0] = buildAction(advisory.ActionType, actions[0].Target)
		}
	}

	benefit := math.Min(benefitCap, conf*severityWeights[priority])
	policy := models.RemediationPolicy{
		PolicyID:         "policy-" + uuid.New().String(),
		Priority:         priority,
		Actions:          actions,
		Rationale:        rationale(cause, conf, h),
		CauseTag:         cause,
		EstimatedBenefit: benefit,
		CorrelationKeys:  append([]string(nil), h.CorrelationKeys...),
		CreatedAt:        time.Now().UTC(),
	}
	policy.Score = benefit - policy.TotalCost()

	if math.IsNaN(policy.Score) || policy.Score <= 0 {
		p.log.Debug("policy discarded",
			logger.String("cause_tag", string(cause)),
			logger.Float64("score", policy.Score))
		return models.RemediationPolicy{}, false
	}

	policy.ApprovalState = p.approvalFor(&policy)
	return policy, true
}

// approvalFor routes costly or non-urgent policies through governance.
// Critical policies skip manual review even when auto-approval is off,
// unless an individual action is costlier than the governance threshold.
func (p *Planner) approvalFor(policy *models.RemediationPolicy) models.ApprovalState {
	if policy.HighestCost() > p.cfg.ApprovalCostThreshold {
		return models.ApprovalPending
	}
	if !p.cfg.AutoApprove && policy.Priority != models.PriorityCritical {
		return models.ApprovalPending
	}
	return models.ApprovalApproved
}

// actionsFor expands the strategy table for a cause. Service-scoped actions
// aim at the hypothesis's first correlation key; mesh-scoped actions carry
// fixed subsystem targets.
func (p *Planner) actionsFor(cause models.CauseTag, h models.RootCauseHypothesis) []models.RemediationAction {
	service := primaryTarget(h)

	switch cause {
	case models.CauseValidationLatency:
		return []models.RemediationAction{
			buildAction(models.ActionScaleUp, "validation-workers"),
			buildAction(models.ActionUpdateConfig, "validation-limits"),
		}
	case models.CausePolicyMisconfig:
		return []models.RemediationAction{
			buildAction(models.ActionApplyPolicy, "policy-engine"),
		}
	case models.CauseCascadingFailure:
		return []models.RemediationAction{
			buildAction(models.ActionEmergencyOverride, "mesh-control"),
			buildAction(models.ActionThrottle, "mesh-ingress"),
		}
	case models.CauseResourceExhaustion:
		return []models.RemediationAction{
			buildAction(models.ActionScaleUp, "mesh-backends"),
			buildAction(models.ActionRebalance, "mesh-router"),
		}
	case models.CauseSystemInstability:
		return []models.RemediationAction{
			buildAction(models.ActionRebalance, "mesh-router"),
			buildAction(models.ActionRestartService, service),
		}
	default:
		return []models.RemediationAction{
			buildAction(models.ActionEscalate, "operators"),
		}
	}
}

// buildAction fills in parameters, cost, and the declared inverse for one
// action type.
func buildAction(t models.ActionType, target string) models.RemediationAction {
	action := models.RemediationAction{
		Type:          t,
		Target:        target,
		EstimatedCost: actionCosts[t],
	}

	switch t {
	case models.ActionScaleUp:
		action.Parameters = map[string]interface{}{"delta": 2}
		action.Rollback = models.RollbackSpec{
			Type:       models.ActionScaleDown,
			Parameters: map[string]interface{}{"delta": 2},
		}
	case models.ActionScaleDown:
		action.Parameters = map[string]interface{}{"delta": 1}
		action.Rollback = models.RollbackSpec{
			Type:       models.ActionScaleUp,
			Parameters: map[string]interface{}{"delta": 1},
		}
	case models.ActionUpdateConfig:
		action.Parameters = map[string]interface{}{"parameter": "concurrency_limit", "factor": 1.5}
		action.Rollback = models.RollbackSpec{
			Type:       models.ActionUpdateConfig,
			Parameters: map[string]interface{}{"parameter": "concurrency_limit", "revert": true},
		}
	case models.ActionApplyPolicy:
		action.Parameters = map[string]interface{}{"policy": "corrected"}
		action.Rollback = models.RollbackSpec{
			Type:       models.ActionApplyPolicy,
			Parameters: map[string]interface{}{"policy": "previous"},
		}
	case models.ActionRestartService:
		action.Rollback = models.RollbackSpec{NoOp: true}
	case models.ActionThrottle:
		action.Parameters = map[string]interface{}{"rate_factor": 0.5}
		action.Rollback = models.RollbackSpec{
			Type:       models.ActionThrottle,
			Parameters: map[string]interface{}{"rate_factor": 1.0},
		}
	case models.ActionEmergencyOverride:
		action.Parameters = map[string]interface{}{"engage": true}
		action.Rollback = models.RollbackSpec{
			Type:       models.ActionEmergencyOverride,
			Parameters: map[string]interface{}{"engage": false},
		}
	case models.ActionRebalance:
		action.Rollback = models.RollbackSpec{
			Type:       models.ActionRebalance,
			Parameters: map[string]interface{}{"revert": true},
		}
	case models.ActionBypassValidation:
		action.Parameters = map[string]interface{}{"enabled": true}
		action.Rollback = models.RollbackSpec{
			Type:       models.ActionBypassValidation,
			Parameters: map[string]interface{}{"enabled": false},
		}
	case models.ActionEscalate:
		action.Rollback = models.RollbackSpec{NoOp: true}
	}
	return action
}

// priorityFor maps the worst contributing violation onto policy priority.
func priorityFor(h models.RootCauseHypothesis) models.PolicyPriority {
	switch h.Severity {
	case models.ViolationCritical:
		return models.PriorityCritical
	case models.ViolationWarning:
		return models.PriorityHigh
	case models.ViolationInfo:
		return models.PriorityMedium
	default:
		return models.PriorityLow
	}
}

func primaryTarget(h models.RootCauseHypothesis) string {
	if len(h.CorrelationKeys) > 0 {
		return h.CorrelationKeys[0]
	}
	return "mesh-agent"
}

func rationale(cause models.CauseTag, conf float64, h models.RootCauseHypothesis) string {
	if len(h.Recommendations) == 0 {
		return fmt.Sprintf("%s at confidence %.2f", cause, conf)
	}
	return fmt.Sprintf("%s at confidence %.2f: %s", cause, conf, strings.Join(h.Recommendations, "; "))
}
