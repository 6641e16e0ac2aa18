package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
	"time"
)

// Kind categorizes a failure for dispatch decisions: retry, drop, queue,
// hold, or surface.
type Kind string

const (
	// KindTransient covers I/O failures expected to resolve on retry:
	// connection refused, 5xx from an upstream, deadline expiry on a
	// usually-healthy path.
	KindTransient Kind = "transient"
	// KindIntegrity covers malformed payloads, signature mismatches and
	// non-finite numerics. Integrity failures are dropped and counted,
	// never retried.
	KindIntegrity Kind = "integrity"
	// KindConflict marks a policy superseded or rejected by a newer one
	// for the same target.
	KindConflict Kind = "conflict"
	// KindPartial marks an execution that failed mid-sequence; rollback
	// coverage is in this state's details.
	KindPartial Kind = "partial"
	// KindGovernance marks an action blocked awaiting or denied approval.
	KindGovernance Kind = "governance"
	// KindBudget marks the privacy budget exhausted; rounds are refused
	// until the budget window resets.
	KindBudget Kind = "budget"
	// KindFatal marks a component failure the orchestrator cannot recover
	// within the loop; it drives the degraded-state transition.
	KindFatal Kind = "fatal"

	KindTimeout     Kind = "timeout"
	KindUnavailable Kind = "unavailable"
	KindQuery       Kind = "query"
	KindValidation  Kind = "validation"
	KindNotFound    Kind = "not_found"
	KindInternal    Kind = "internal"
)

// Severity ranks operator attention.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Disposition is the tri-state outcome of a component operation.
type Disposition string

const (
	DispositionOK          Disposition = "ok"
	DispositionRecoverable Disposition = "recoverable"
	DispositionFatal       Disposition = "fatal"
)

// MeshError is the error type carried across component boundaries.
type MeshError struct {
	Kind          Kind                   `json:"kind"`
	Severity      Severity               `json:"severity"`
	Code          string                 `json:"code,omitempty"`
	Message       string                 `json:"message"`
	Component     string                 `json:"component,omitempty"`
	Operation     string                 `json:"operation,omitempty"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	Details       map[string]interface{} `json:"details,omitempty"`
	Timestamp     time.Time              `json:"timestamp"`
	Wrapped       error                  `json:"-"`
	Retryable     bool                   `json:"retryable"`
	RetryAfter    time.Duration          `json:"retry_after,omitempty"`
}

func (e *MeshError) Error() string {
	var parts []string
	if e.Code != "" {
		parts = append(parts, fmt.Sprintf("[%s]", e.Code))
	}
	parts = append(parts, e.Message)
	if e.Operation != "" {
		parts = append(parts, fmt.Sprintf("(op: %s)", e.Operation))
	}
	if e.Wrapped != nil {
		parts = append(parts, fmt.Sprintf("caused by: %v", e.Wrapped))
	}
	return strings.Join(parts, " ")
}

// Unwrap returns the wrapped error.
func (e *MeshError) Unwrap() error {
	return e.Wrapped
}

// Is matches on kind and, when set on the target, code.
func (e *MeshError) Is(target error) bool {
	t, ok := target.(*MeshError)
	if !ok {
		return false
	}
	if t.Code != "" && e.Code != t.Code {
		return false
	}
	return e.Kind == t.Kind
}

// WithDetail attaches a context detail.
func (e *MeshError) WithDetail(key string, value interface{}) *MeshError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithCorrelation tags the error with the event correlation ID.
func (e *MeshError) WithCorrelation(id string) *MeshError {
	e.CorrelationID = id
	return e
}

// Builder assembles a MeshError fluently.
type Builder struct {
	err *MeshError
}

// New starts an error of the given kind.
func New(kind Kind, message string) *Builder {
	return &Builder{
		err: &MeshError{
			Kind:      kind,
			Severity:  SeverityMedium,
			Message:   message,
			Timestamp: time.Now().UTC(),
		},
	}
}

func (b *Builder) WithCode(code string) *Builder {
	b.err.Code = code
	return b
}

func (b *Builder) WithSeverity(severity Severity) *Builder {
	b.err.Severity = severity
	return b
}

func (b *Builder) WithComponent(component string) *Builder {
	b.err.Component = component
	return b
}

func (b *Builder) WithOperation(operation string) *Builder {
	b.err.Operation = operation
	return b
}

func (b *Builder) WithCorrelation(id string) *Builder {
	b.err.CorrelationID = id
	return b
}

func (b *Builder) WithDetail(key string, value interface{}) *Builder {
	if b.err.Details == nil {
		b.err.Details = make(map[string]interface{})
	}
	b.err.Details[key] = value
	return b
}

func (b *Builder) WithWrapped(err error) *Builder {
	b.err.Wrapped = err
	return b
}

func (b *Builder) WithRetry(retryable bool, retryAfter time.Duration) *Builder {
	b.err.Retryable = retryable
	b.err.RetryAfter = retryAfter
	return b
}

func (b *Builder) Build() *MeshError {
	return b.err
}

// Constructors for the common kinds.

// NewTransient builds a retryable transport-level error.
func NewTransient(message string, retryAfter time.Duration) *MeshError {
	return New(KindTransient, message).
		WithRetry(true, retryAfter).
		Build()
}

// NewIntegrity builds a drop-and-count error. Never retryable.
func NewIntegrity(message string) *MeshError {
	return New(KindIntegrity, message).
		WithSeverity(SeverityHigh).
		Build()
}

// NewConflict builds a supersession/conflict error.
func NewConflict(message string) *MeshError {
	return New(KindConflict, message).Build()
}

// NewTimeout builds a deadline error for the named operation.
func NewTimeout(operation string, elapsed time.Duration) *MeshError {
	return New(KindTimeout, fmt.Sprintf("operation timed out after %v", elapsed)).
		WithOperation(operation).
		WithRetry(true, 0).
		Build()
}

// NewUnavailable builds a service-unreachable error.
func NewUnavailable(service string, err error) *MeshError {
	return New(KindUnavailable, fmt.Sprintf("%s unavailable", service)).
		WithWrapped(err).
		WithRetry(true, 0).
		Build()
}

// NewQuery builds a permanent bad-request error for a query expression.
func NewQuery(message string) *MeshError {
	return New(KindQuery, message).
		WithSeverity(SeverityLow).
		Build()
}

// NewGovernance builds a governance-hold error.
func NewGovernance(policyID, state string) *MeshError {
	return New(KindGovernance, fmt.Sprintf("policy held by governance: %s", state)).
		WithCorrelation(policyID).
		WithDetail("governance_state", state).
		Build()
}

// NewBudgetExhausted builds the privacy-budget refusal error.
func NewBudgetExhausted(spent, budget float64) *MeshError {
	return New(KindBudget, "privacy budget exhausted").
		WithSeverity(SeverityHigh).
		WithDetail("epsilon_spent", spent).
		WithDetail("epsilon_budget", budget).
		Build()
}

// NewPartial builds a partial-execution error carrying rollback coverage.
func NewPartial(message string, executed, rolledBack int) *MeshError {
	return New(KindPartial, message).
		WithSeverity(SeverityHigh).
		WithDetail("actions_executed", executed).
		WithDetail("actions_rolled_back", rolledBack).
		Build()
}

// NewFatal builds a component-fatal error.
func NewFatal(component, message string) *MeshError {
	return New(KindFatal, message).
		WithComponent(component).
		WithSeverity(SeverityCritical).
		Build()
}

// NewValidation builds an input-validation error.
func NewValidation(message string) *MeshError {
	return New(KindValidation, message).
		WithSeverity(SeverityLow).
		Build()
}

// NewNotFound builds a missing-resource error.
func NewNotFound(resource string) *MeshError {
	return New(KindNotFound, fmt.Sprintf("not found: %s", resource)).
		WithSeverity(SeverityLow).
		Build()
}

// Classify maps any error into the taxonomy. MeshErrors pass through;
// context errors become timeouts; everything else is internal.
func Classify(err error) *MeshError {
	if err == nil {
		return nil
	}
	var me *MeshError
	if stderrors.As(err, &me) {
		return me
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "context deadline exceeded"):
		return New(KindTimeout, msg).WithWrapped(err).WithRetry(true, 0).Build()
	case strings.Contains(msg, "context canceled"):
		return New(KindTransient, msg).WithWrapped(err).Build()
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "no such host"),
		strings.Contains(msg, "broken pipe"),
		strings.Contains(msg, "connection reset"):
		return New(KindUnavailable, msg).WithWrapped(err).WithRetry(true, 0).Build()
	default:
		return New(KindInternal, msg).WithWrapped(err).Build()
	}
}

// KindOf extracts the kind, classifying foreign errors first.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	return Classify(err).Kind
}

// IsRetryable reports whether the dispatcher may retry the operation.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	me := Classify(err)
	if me.Kind == KindIntegrity {
		return false
	}
	return me.Retryable
}

// DispositionOf folds an error into the tri-state operation outcome.
func DispositionOf(err error) Disposition {
	if err == nil {
		return DispositionOK
	}
	switch Classify(err).Kind {
	case KindFatal:
		return DispositionFatal
	default:
		return DispositionRecoverable
	}
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	if err == nil {
		return false
	}
	return Classify(err).Kind == kind
}
