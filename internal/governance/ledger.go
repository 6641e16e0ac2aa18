// Package governance holds policies awaiting approval. The oracle decides
// what it can; everything it leaves pending sits in a TTL-bounded ledger
// until an operator approves or rejects it, with pluggable notification
// sinks announcing new pending entries.
package governance

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/meshwarden/meshwarden/internal/config"
	"github.com/meshwarden/meshwarden/internal/errors"
	"github.com/meshwarden/meshwarden/internal/events"
	"github.com/meshwarden/meshwarden/internal/logger"
	"github.com/meshwarden/meshwarden/internal/models"
)

// Oracle decides a policy's approval outcome. Implementations may answer
// immediately (quorum vote, allowlist) or return pending to defer to a
// human operator.
type Oracle interface {
	Decide(ctx context.Context, policy models.RemediationPolicy) (models.ApprovalState, string, error)
}

// OracleFunc adapts a function to the Oracle interface.
type OracleFunc func(ctx context.Context, policy models.RemediationPolicy) (models.ApprovalState, string, error)

func (f OracleFunc) Decide(ctx context.Context, policy models.RemediationPolicy) (models.ApprovalState, string, error) {
	return f(ctx, policy)
}

// DeferToOperator always returns pending, leaving the decision to the API.
func DeferToOperator() Oracle {
	return OracleFunc(func(context.Context, models.RemediationPolicy) (models.ApprovalState, string, error) {
		return models.ApprovalPending, "awaiting operator decision", nil
	})
}

// PendingPolicy is a ledger entry awaiting a decision.
type PendingPolicy struct {
	Policy   models.RemediationPolicy `json:"policy"`
	QueuedAt time.Time                `json:"queued_at"`
	Reason   string                   `json:"reason,omitempty"`
}

// Ledger tracks pending policies and queues approved ones for the next
// orchestrator tick. Safe for concurrent use.
type Ledger struct {
	oracle   Oracle
	notifier Notifier
	bus      *events.Bus
	ttl      time.Duration
	log      logger.Logger
	now      func() time.Time

	mu       sync.Mutex
	pending  map[string]*PendingPolicy
	approved []models.RemediationPolicy
}

// NewLedger builds a ledger. A nil oracle defers everything to operators;
// a nil notifier logs pending policies only.
func NewLedger(cfg config.GovernanceConfig, oracle Oracle, notifier Notifier, bus *events.Bus) *Ledger {
	log := logger.New("governance")
	if oracle == nil {
		oracle = DeferToOperator()
	}
	if notifier == nil {
		notifier = NewLogNotifier(log)
	}
	return &Ledger{
		oracle:   oracle,
		notifier: notifier,
		bus:      bus,
		ttl:      time.Duration(cfg.PendingTTLSeconds) * time.Second,
		log:      log,
		now:      time.Now,
		pending:  make(map[string]*PendingPolicy),
	}
}

// Submit routes a pending policy through the oracle. Immediate approvals
// join the approved queue; everything still pending enters the ledger and
// is announced through the notifier.
func (l *Ledger) Submit(ctx context.Context, policy models.RemediationPolicy) (models.ApprovalState, error) {
	state, reason, err := l.oracle.Decide(ctx, policy)
	if err != nil {
		return models.ApprovalPending, errors.New(errors.KindGovernance, "oracle decision failed").
			WithCorrelation(policy.PolicyID).
			WithWrapped(err).
			Build()
	}

	switch state {
	case models.ApprovalApproved:
		l.enqueueApproved(policy, "oracle")
	case models.ApprovalRejected:
		l.publish(events.PolicyRejected, policy.PolicyID, map[string]interface{}{
			"actor":  "oracle",
			"reason": reason,
		})
		l.log.Info("policy rejected by oracle",
			logger.String("policy_id", policy.PolicyID),
			logger.String("reason", reason))
	default:
		l.mu.Lock()
		l.pending[policy.PolicyID] = &PendingPolicy{
			Policy:   policy,
			QueuedAt: l.now(),
			Reason:   reason,
		}
		l.mu.Unlock()

		if err := l.notifier.Notify(ctx, policy); err != nil {
			l.log.Warn("pending policy notification failed",
				logger.String("policy_id", policy.PolicyID),
				logger.Error(err))
		}
		l.publish(events.PolicyPending, policy.PolicyID, map[string]interface{}{
			"cause_tag": string(policy.CauseTag),
			"priority":  string(policy.Priority),
			"reason":    reason,
		})
	}
	return state, nil
}

// Approve moves a pending policy to the approved queue.
func (l *Ledger) Approve(policyID, actor string) error {
	l.mu.Lock()
	entry, ok := l.pending[policyID]
	if ok {
		delete(l.pending, policyID)
	}
	l.mu.Unlock()

	if !ok {
		return errors.NewNotFound(fmt.Sprintf("no pending policy %s", policyID))
	}
	l.enqueueApproved(entry.Policy, actor)
	return nil
}

// Reject removes a pending policy.
func (l *Ledger) Reject(policyID, actor, reason string) error {
	l.mu.Lock()
	_, ok := l.pending[policyID]
	if ok {
		delete(l.pending, policyID)
	}
	l.mu.Unlock()

	if !ok {
		return errors.NewNotFound(fmt.Sprintf("no pending policy %s", policyID))
	}
	l.publish(events.PolicyRejected, policyID, map[string]interface{}{
		"actor":  actor,
		"reason": reason,
	})
	l.log.Info("policy rejected",
		logger.String("policy_id", policyID),
		logger.String("actor", actor),
		logger.String("reason", reason))
	return nil
}

// TakeApproved drains the approved queue. Called by the orchestrator at
// tick start; returned policies carry approval_state = approved.
func (l *Ledger) TakeApproved() []models.RemediationPolicy {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.approved
	l.approved = nil
	return out
}

// Pending lists ledger entries oldest first, sweeping expired ones.
func (l *Ledger) Pending() []PendingPolicy {
	l.Sweep()

	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]PendingPolicy, 0, len(l.pending))
	for _, entry := range l.pending {
		out = append(out, *entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].QueuedAt.Before(out[j].QueuedAt) })
	return out
}

// Sweep rejects pending policies older than the TTL. A stale remediation
// is worse than none; expiry is a rejection, not an approval.
func (l *Ledger) Sweep() {
	if l.ttl <= 0 {
		return
	}
	cutoff := l.now().Add(-l.ttl)

	l.mu.Lock()
	var expired []string
	for id, entry := range l.pending {
		if entry.QueuedAt.Before(cutoff) {
			expired = append(expired, id)
			delete(l.pending, id)
		}
	}
	l.mu.Unlock()

	for _, id := range expired {
		l.publish(events.PolicyRejected, id, map[string]interface{}{
			"actor":  "governance",
			"reason": "pending approval expired",
		})
		l.log.Warn("pending policy expired", logger.String("policy_id", id))
	}
}

// PendingCount reports ledger depth without sweeping.
func (l *Ledger) PendingCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

func (l *Ledger) enqueueApproved(policy models.RemediationPolicy, actor string) {
	policy.ApprovalState = models.ApprovalApproved

	l.mu.Lock()
	l.approved = append(l.approved, policy)
	l.mu.Unlock()

	l.publish(events.PolicyApproved, policy.PolicyID, map[string]interface{}{
		"actor": actor,
	})
	l.log.Info("policy approved",
		logger.String("policy_id", policy.PolicyID),
		logger.String("actor", actor))
}

func (l *Ledger) publish(eventType events.EventType, policyID string, data map[string]interface{}) {
	if l.bus == nil {
		return
	}
	l.bus.Publish(events.Event{
		Type:          eventType,
		Source:        "governance",
		CorrelationID: policyID,
		Data:          data,
	})
}
