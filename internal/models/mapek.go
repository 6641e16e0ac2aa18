// Package models holds the data types shared across the control-plane
// components. Values are plain structs; components own their mutation rules.
package models

import (
	"fmt"
	"time"
)

// ViolationKind ranks how urgent a threshold breach is.
type ViolationKind string

const (
	ViolationCritical ViolationKind = "critical"
	ViolationWarning  ViolationKind = "warning"
	ViolationInfo     ViolationKind = "info"
)

// MetricSample is a single point pulled from the time-series store.
type MetricSample struct {
	Name      string            `json:"name"`
	Labels    map[string]string `json:"labels,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Value     float64           `json:"value"`
}

// SummaryStats describes one observation window for a metric.
type SummaryStats struct {
	Count int     `json:"count"`
	Mean  float64 `json:"mean"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
}

// Observation is the windowed view of one metric. Immutable per window.
type Observation struct {
	MetricName  string         `json:"metric_name"`
	Samples     []MetricSample `json:"samples,omitempty"`
	Stats       SummaryStats   `json:"stats"`
	WindowStart time.Time      `json:"window_start"`
	WindowEnd   time.Time      `json:"window_end"`
	Stale       bool           `json:"stale,omitempty"`
}

// Violation is a threshold breach emitted by the monitor. Immutable.
type Violation struct {
	ID              string        `json:"id"`
	Kind            ViolationKind `json:"kind"`
	SourceComponent string        `json:"source_component"`
	MetricName      string        `json:"metric_name"`
	ObservedValue   float64       `json:"observed_value"`
	Threshold       float64       `json:"threshold"`
	DetectedAt      time.Time     `json:"detected_at"`
	CorrelationKey  string        `json:"correlation_key"`
}

// ViolationID builds the per-source monotonic identifier. The zero-padded
// sequence keeps lexicographic order aligned with emission order within a
// source component.
func ViolationID(sourceComponent string, seq uint64) string {
	return fmt.Sprintf("%s-%012d", sourceComponent, seq)
}

// MonitorOutput is the product of one monitor tick.
type MonitorOutput struct {
	Observations map[string]Observation `json:"observations"`
	Violations   []Violation            `json:"violations"`
	WindowStart  time.Time              `json:"window_start"`
	WindowEnd    time.Time              `json:"window_end"`
	Stale        bool                   `json:"stale"`
	GeneratedAt  time.Time              `json:"generated_at"`
}

// PatternKind names the detector that produced a pattern.
type PatternKind string

const (
	PatternTemporalBurst    PatternKind = "temporal_burst"
	PatternSpatialCluster   PatternKind = "spatial_cluster"
	PatternCausalPair       PatternKind = "causal_pair"
	PatternFrequencyAnomaly PatternKind = "frequency_anomaly"
)

// Pattern is one detected violation pattern. Immutable.
type Pattern struct {
	Kind           PatternKind `json:"kind"`
	Evidence       []string    `json:"evidence"`
	Confidence     float64     `json:"confidence"`
	LatestEvidence time.Time   `json:"latest_evidence"`
	// Subject narrows what the pattern is about: a correlation key for
	// bursts, a source component for clusters, a metric pair for causal
	// links.
	Subject string `json:"subject,omitempty"`
}

// CauseTag classifies a root-cause hypothesis.
type CauseTag string

const (
	CauseValidationLatency  CauseTag = "validation_latency"
	CausePolicyMisconfig    CauseTag = "policy_misconfiguration"
	CauseCascadingFailure   CauseTag = "cascading_failure"
	CauseResourceExhaustion CauseTag = "resource_exhaustion"
	CauseSystemInstability  CauseTag = "system_instability"
	CauseUnknown            CauseTag = "unknown"
)

// RootCauseHypothesis carries one merged cause with its evidence trail.
// Severity is the highest-severity contributing violation; CorrelationKeys
// name the scopes the evidence came from so the executor can verify effects
// against the same keys.
type RootCauseHypothesis struct {
	CauseTag             CauseTag      `json:"cause_tag"`
	ContributingPatterns []PatternKind `json:"contributing_patterns"`
	Confidence           float64       `json:"confidence"`
	Recommendations      []string      `json:"recommendations,omitempty"`
	Severity             ViolationKind `json:"severity,omitempty"`
	CorrelationKeys      []string      `json:"correlation_keys,omitempty"`
}

// AnalysisResult is the analyzer's product for one window.
type AnalysisResult struct {
	AnalysisID        string                `json:"analysis_id"`
	WindowStart       time.Time             `json:"window_start"`
	WindowEnd         time.Time             `json:"window_end"`
	Patterns          []Pattern             `json:"patterns"`
	Hypotheses        []RootCauseHypothesis `json:"hypotheses"`
	OverallConfidence float64               `json:"overall_confidence"`
	Timestamp         time.Time             `json:"timestamp"`
	ViolationCount    int                   `json:"violation_count"`
}

// TopHypothesis returns the highest-confidence hypothesis, or nil.
func (r *AnalysisResult) TopHypothesis() *RootCauseHypothesis {
	var best *RootCauseHypothesis
	for i := range r.Hypotheses {
		if best == nil || r.Hypotheses[i].Confidence > best.Confidence {
			best = &r.Hypotheses[i]
		}
	}
	return best
}

// ActionType names a remediation primitive understood by the charter.
type ActionType string

const (
	ActionScaleUp           ActionType = "scale_up"
	ActionScaleDown         ActionType = "scale_down"
	ActionRestartService    ActionType = "restart_service"
	ActionApplyPolicy       ActionType = "apply_policy"
	ActionBypassValidation  ActionType = "bypass_validation"
	ActionThrottle          ActionType = "throttle"
	ActionEmergencyOverride ActionType = "emergency_override"
	ActionRebalance         ActionType = "rebalance"
	ActionUpdateConfig      ActionType = "update_config"
	ActionEscalate          ActionType = "escalate"
)

// RollbackSpec is the declared inverse of an action. NoOp marks actions
// whose rollback is intentionally empty (escalate, advisory-only changes).
type RollbackSpec struct {
	NoOp       bool                   `json:"no_op,omitempty"`
	Type       ActionType             `json:"type,omitempty"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
}

// RemediationAction is one step of a policy.
type RemediationAction struct {
	Type          ActionType             `json:"type"`
	Target        string                 `json:"target"`
	Parameters    map[string]interface{} `json:"parameters,omitempty"`
	EstimatedCost float64                `json:"estimated_cost"`
	Rollback      RollbackSpec           `json:"rollback"`
}

// SerializationKey identifies the executor mailbox the action must queue on.
func (a RemediationAction) SerializationKey() string {
	return string(a.Type) + "|" + a.Target
}

// PolicyPriority orders policies by urgency.
type PolicyPriority string

const (
	PriorityCritical PolicyPriority = "critical"
	PriorityHigh     PolicyPriority = "high"
	PriorityMedium   PolicyPriority = "medium"
	PriorityLow      PolicyPriority = "low"
)

// ApprovalState tracks a policy through governance.
type ApprovalState string

const (
	ApprovalPending    ApprovalState = "pending"
	ApprovalApproved   ApprovalState = "approved"
	ApprovalRejected   ApprovalState = "rejected"
	ApprovalSuperseded ApprovalState = "superseded"
)

// RemediationPolicy is an ordered action list with a shared rationale.
// Actions are applied in order; rollback runs in reverse.
type RemediationPolicy struct {
	PolicyID         string              `json:"policy_id"`
	Priority         PolicyPriority      `json:"priority"`
	Actions          []RemediationAction `json:"actions"`
	Rationale        string              `json:"rationale"`
	CauseTag         CauseTag            `json:"cause_tag"`
	EstimatedBenefit float64             `json:"estimated_benefit"`
	Score            float64             `json:"score"`
	ApprovalState    ApprovalState       `json:"approval_state"`
	CorrelationKeys  []string            `json:"correlation_keys,omitempty"`
	CreatedAt        time.Time           `json:"created_at"`
}

// HighestCost returns the costliest action's estimate, 0 for empty policies.
func (p *RemediationPolicy) HighestCost() float64 {
	var max float64
	for _, a := range p.Actions {
		if a.EstimatedCost > max {
			max = a.EstimatedCost
		}
	}
	return max
}

// TotalCost sums the per-action estimates.
func (p *RemediationPolicy) TotalCost() float64 {
	var sum float64
	for _, a := range p.Actions {
		sum += a.EstimatedCost
	}
	return sum
}

// ActionStatus tracks a single action through execution.
type ActionStatus string

const (
	ActionPending    ActionStatus = "pending"
	ActionInProgress ActionStatus = "in_progress"
	ActionCompleted  ActionStatus = "completed"
	ActionFailed     ActionStatus = "failed"
	ActionRolledBack ActionStatus = "rolled_back"
	ActionSkipped    ActionStatus = "skipped"
)

// ActionResult is the per-action slice of an execution record.
type ActionResult struct {
	Index        int          `json:"index"`
	Type         ActionType   `json:"type"`
	Target       string       `json:"target"`
	Status       ActionStatus `json:"status"`
	Error        string       `json:"error,omitempty"`
	Attempts     int          `json:"attempts"`
	StartedAt    time.Time    `json:"started_at"`
	FinishedAt   time.Time    `json:"finished_at"`
	RolledBackAt *time.Time   `json:"rolled_back_at,omitempty"`
}

// ExecutionStatus is the terminal state of a policy execution.
type ExecutionStatus string

const (
	ExecutionCompleted  ExecutionStatus = "completed"
	ExecutionFailed     ExecutionStatus = "failed"
	ExecutionRolledBack ExecutionStatus = "rolled_back"
	ExecutionPartial    ExecutionStatus = "partial"
	ExecutionCancelled  ExecutionStatus = "cancelled"
)

// ExecutionRecordSchemaVersion stamps persisted records so later readers
// can migrate old rows.
const ExecutionRecordSchemaVersion = 1

// ExecutionRecord is the immutable account of one policy execution.
// EffectsObserved is false when the post-execution verification read never
// ran (rollback, cancellation, verification failure); ViolationsAfter is
// meaningless in that case and outcome classification falls back to unknown.
type ExecutionRecord struct {
	PolicyID         string          `json:"policy_id"`
	StartedAt        time.Time       `json:"started_at"`
	FinishedAt       time.Time       `json:"finished_at"`
	ActionResults    []ActionResult  `json:"action_results"`
	OverallStatus    ExecutionStatus `json:"overall_status"`
	ViolationsBefore int             `json:"violations_before"`
	ViolationsAfter  int             `json:"violations_after"`
	EffectsObserved  bool            `json:"effects_observed"`
	SuccessRate      float64         `json:"success_rate"`
	SchemaVersion    int             `json:"schema_version"`
}

// OutcomeClass buckets what an execution achieved.
type OutcomeClass string

const (
	OutcomeSuccess     OutcomeClass = "success"
	OutcomePartial     OutcomeClass = "partial"
	OutcomeIneffective OutcomeClass = "ineffective"
	OutcomeDegradation OutcomeClass = "degradation"
	OutcomeUnknown     OutcomeClass = "unknown"
)

// OutcomeClassification is the knowledge verdict for an execution record.
type OutcomeClassification struct {
	Class      OutcomeClass `json:"class"`
	Confidence float64      `json:"confidence"`
	Reason     string       `json:"reason,omitempty"`
}

// ActionPattern aggregates outcome statistics for one (action, cause) pair.
// Mutated only by the knowledge component.
type ActionPattern struct {
	ActionType           ActionType `json:"action_type"`
	CauseTag             CauseTag   `json:"cause_tag"`
	TotalExecutions      int        `json:"total_executions"`
	SuccessfulExecutions int        `json:"successful_executions"`
	// ScoredExecutions counts outcomes with observed effects; unknown
	// outcomes advance TotalExecutions only and never dilute SuccessRate.
	ScoredExecutions      int           `json:"scored_executions"`
	SuccessRate           float64       `json:"success_rate"`
	AvgTimeToEffect       time.Duration `json:"avg_time_to_effect"`
	AvgViolationsResolved float64       `json:"avg_violations_resolved"`
	Confidence            float64       `json:"confidence"`
	UpdatedAt             time.Time     `json:"updated_at"`
}

// Advisory is the knowledge recommendation for a cause tag.
type Advisory struct {
	CauseTag    CauseTag   `json:"cause_tag"`
	ActionType  ActionType `json:"action_type"`
	SuccessRate float64    `json:"success_rate"`
	Confidence  float64    `json:"confidence"`
}

// ThresholdHint narrows a monitor threshold band after repeated
// low-value violations on a metric.
type ThresholdHint struct {
	MetricName string  `json:"metric_name"`
	KFactor    float64 `json:"k_factor"`
}

// AdvisorySnapshot is the immutable knowledge view handed to the monitor
// and planner at the start of a tick.
type AdvisorySnapshot struct {
	TakenAt        time.Time                `json:"taken_at"`
	Advisories     map[CauseTag]Advisory    `json:"advisories"`
	ThresholdHints map[string]ThresholdHint `json:"threshold_hints"`
}

// Insight is a periodic human-readable learning statement.
type Insight struct {
	ID          string     `json:"id"`
	CauseTag    CauseTag   `json:"cause_tag"`
	ActionType  ActionType `json:"action_type"`
	FromRate    float64    `json:"from_rate"`
	ToRate      float64    `json:"to_rate"`
	Message     string     `json:"message"`
	GeneratedAt time.Time  `json:"generated_at"`
}
