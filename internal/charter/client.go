package charter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/meshwarden/meshwarden/internal/config"
	"github.com/meshwarden/meshwarden/internal/errors"
	"github.com/meshwarden/meshwarden/internal/logger"
	"github.com/meshwarden/meshwarden/internal/models"
	"github.com/meshwarden/meshwarden/internal/resilience"
)

// Charter action vocabulary. The enforcement service understands these
// verbs; internal action types are translated before submission.
const (
	VerbWorkersScale     = "workers.scale"
	VerbConfigPatch      = "config.patch"
	VerbServiceRestart   = "service.restart"
	VerbPolicyApply      = "policy.apply"
	VerbTrafficThrottle  = "traffic.throttle"
	VerbMeshRebalance    = "mesh.rebalance"
	VerbOverrideEngage   = "override.engage"
	VerbValidationBypass = "validation.bypass"
	VerbEscalate         = "noop.escalate"
)

// PolicyHandle acknowledges a submitted policy.
type PolicyHandle struct {
	PolicyID   string    `json:"policy_id"`
	State      string    `json:"state"`
	AcceptedAt time.Time `json:"accepted_at"`
}

// ActivationRecord acknowledges a single applied action.
type ActivationRecord struct {
	PolicyID    string    `json:"policy_id"`
	ActionIndex int       `json:"action_index"`
	Verb        string    `json:"verb"`
	Status      string    `json:"status"`
	Detail      string    `json:"detail,omitempty"`
	AppliedAt   time.Time `json:"applied_at"`
}

// RollbackStep reports one unwound action.
type RollbackStep struct {
	ActionIndex int    `json:"action_index"`
	Status      string `json:"status"`
	Detail      string `json:"detail,omitempty"`
}

// RollbackRecord reports an unwind request. The charter unwinds applied
// actions in reverse order and reports each step.
type RollbackRecord struct {
	PolicyID     string         `json:"policy_id"`
	UpTo         int            `json:"up_to"`
	Steps        []RollbackStep `json:"steps"`
	RolledBackAt time.Time      `json:"rolled_back_at"`
}

// AllSucceeded reports whether every rollback step completed.
func (r *RollbackRecord) AllSucceeded() bool {
	for _, s := range r.Steps {
		if s.Status != "rolled_back" {
			return false
		}
	}
	return true
}

// PolicyState is the charter's view of a policy.
type PolicyState struct {
	PolicyID       string    `json:"policy_id"`
	State          string    `json:"state"`
	AppliedActions int       `json:"applied_actions"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Enforcer is the executor-facing contract. All operations are idempotent
// by policy ID.
type Enforcer interface {
	Submit(ctx context.Context, policy *models.RemediationPolicy) (*PolicyHandle, error)
	Activate(ctx context.Context, policyID string, actionIndex int, action models.RemediationAction) (*ActivationRecord, error)
	Rollback(ctx context.Context, policyID string, upTo int) (*RollbackRecord, error)
	Status(ctx context.Context, policyID string) (*PolicyState, error)
}

// wireAction is an action in the charter's vocabulary.
type wireAction struct {
	Index      int                    `json:"index"`
	Verb       string                 `json:"verb"`
	Target     string                 `json:"target"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
}

type submitRequest struct {
	PolicyID  string       `json:"policy_id"`
	CauseTag  string       `json:"cause_tag"`
	Priority  string       `json:"priority"`
	Rationale string       `json:"rationale,omitempty"`
	Actions   []wireAction `json:"actions"`
}

// TranslateAction maps an internal action onto the charter vocabulary.
// Scale direction travels in parameters since the charter has one scale verb.
func TranslateAction(index int, action models.RemediationAction) (wireAction, error) {
	w := wireAction{
		Index:      index,
		Target:     action.Target,
		Parameters: make(map[string]interface{}, len(action.Parameters)+1),
	}
	for k, v := range action.Parameters {
		w.Parameters[k] = v
	}

	switch action.Type {
	case models.ActionScaleUp:
		w.Verb = VerbWorkersScale
		w.Parameters["direction"] = "up"
	case models.ActionScaleDown:
		w.Verb = VerbWorkersScale
		w.Parameters["direction"] = "down"
	case models.ActionUpdateConfig:
		w.Verb = VerbConfigPatch
	case models.ActionRestartService:
		w.Verb = VerbServiceRestart
	case models.ActionApplyPolicy:
		w.Verb = VerbPolicyApply
	case models.ActionThrottle:
		w.Verb = VerbTrafficThrottle
	case models.ActionRebalance:
		w.Verb = VerbMeshRebalance
	case models.ActionEmergencyOverride:
		w.Verb = VerbOverrideEngage
	case models.ActionBypassValidation:
		w.Verb = VerbValidationBypass
	case models.ActionEscalate:
		w.Verb = VerbEscalate
	default:
		return wireAction{}, errors.NewValidation(
			fmt.Sprintf("action type %q has no charter verb", action.Type))
	}

	if len(w.Parameters) == 0 {
		w.Parameters = nil
	}
	return w, nil
}

// Client talks to the charter service over JSON/HTTP. A circuit breaker
// fails submissions fast while the charter is down; application-level
// answers (conflict, validation) never trip it.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
	breaker *resilience.CircuitBreaker
	log     logger.Logger
}

// NewClient creates a charter client from configuration.
func NewClient(cfg config.CharterConfig) *Client {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.AuthToken,
		client: &http.Client{
			Timeout: timeout,
		},
		breaker: resilience.NewCircuitBreaker("charter", resilience.DefaultBreakerConfig()),
		log:     logger.New("charter"),
	}
}

// Submit registers a policy. Conflict means a superseding policy is
// already active; the caller must not execute.
func (c *Client) Submit(ctx context.Context, policy *models.RemediationPolicy) (*PolicyHandle, error) {
	actions := make([]wireAction, len(policy.Actions))
	for i, a := range policy.Actions {
		w, err := TranslateAction(i, a)
		if err != nil {
			return nil, err
		}
		actions[i] = w
	}

	req := submitRequest{
		PolicyID:  policy.PolicyID,
		CauseTag:  string(policy.CauseTag),
		Priority:  string(policy.Priority),
		Rationale: policy.Rationale,
		Actions:   actions,
	}

	var handle PolicyHandle
	if err := c.roundTrip(ctx, http.MethodPost, "/policies", nil, req, &handle, policy.PolicyID); err != nil {
		return nil, err
	}
	if handle.PolicyID == "" {
		handle.PolicyID = policy.PolicyID
	}

	c.log.Debug("policy submitted",
		logger.String("policy_id", handle.PolicyID),
		logger.String("state", handle.State),
	)
	return &handle, nil
}

// Activate applies a single action of a registered policy.
func (c *Client) Activate(ctx context.Context, policyID string, actionIndex int, action models.RemediationAction) (*ActivationRecord, error) {
	w, err := TranslateAction(actionIndex, action)
	if err != nil {
		return nil, err
	}

	var rec ActivationRecord
	path := "/policies/" + url.PathEscape(policyID) + "/activate"
	if err := c.roundTrip(ctx, http.MethodPost, path, nil, w, &rec, policyID); err != nil {
		return nil, err
	}
	if rec.PolicyID == "" {
		rec.PolicyID = policyID
		rec.ActionIndex = actionIndex
		rec.Verb = w.Verb
	}
	return &rec, nil
}

// Rollback unwinds every applied action below upTo, in reverse order.
func (c *Client) Rollback(ctx context.Context, policyID string, upTo int) (*RollbackRecord, error) {
	query := url.Values{}
	query.Set("upTo", strconv.Itoa(upTo))

	var rec RollbackRecord
	path := "/policies/" + url.PathEscape(policyID) + "/rollback"
	if err := c.roundTrip(ctx, http.MethodPost, path, query, nil, &rec, policyID); err != nil {
		return nil, err
	}
	if rec.PolicyID == "" {
		rec.PolicyID = policyID
		rec.UpTo = upTo
	}
	return &rec, nil
}

// Status reads the charter's view of a policy.
func (c *Client) Status(ctx context.Context, policyID string) (*PolicyState, error) {
	var state PolicyState
	path := "/policies/" + url.PathEscape(policyID)
	if err := c.roundTrip(ctx, http.MethodGet, path, nil, nil, &state, policyID); err != nil {
		return nil, err
	}
	return &state, nil
}

// BreakerState exposes the breaker for health reporting.
func (c *Client) BreakerState() resilience.State {
	return c.breaker.GetState()
}

// roundTrip performs one charter call. Infrastructure failures (transport,
// timeout, 5xx) flow through the breaker; application answers do not.
func (c *Client) roundTrip(ctx context.Context, method, path string, query url.Values, body, out interface{}, policyID string) error {
	var appErr error

	infraErr := c.breaker.Execute(func() error {
		reqURL := c.baseURL + path
		if len(query) > 0 {
			reqURL += "?" + query.Encode()
		}

		var reader io.Reader
		if body != nil {
			payload, err := json.Marshal(body)
			if err != nil {
				appErr = errors.New(errors.KindInternal, "failed to encode charter request").
					WithWrapped(err).
					Build()
				return nil
			}
			reader = bytes.NewReader(payload)
		}

		req, err := http.NewRequestWithContext(ctx, method, reqURL, reader)
		if err != nil {
			appErr = errors.New(errors.KindInternal, "failed to create charter request").
				WithWrapped(err).
				Build()
			return nil
		}

		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Idempotency-Key", policyID)
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			return errors.Classify(err).WithDetail("path", path)
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return errors.NewUnavailable("charter", fmt.Errorf("failed to read response: %w", err))
		}

		switch {
		case resp.StatusCode == http.StatusConflict:
			appErr = errors.NewConflict(fmt.Sprintf("charter rejected %s: superseding policy active", policyID)).
				WithDetail("body", truncate(raw, 200))
			return nil

		case resp.StatusCode == http.StatusNotFound:
			appErr = errors.NewNotFound("policy " + policyID)
			return nil

		case resp.StatusCode >= 500:
			return errors.NewUnavailable("charter", fmt.Errorf("status %d: %s", resp.StatusCode, truncate(raw, 200)))

		case resp.StatusCode >= 400:
			appErr = errors.NewValidation(fmt.Sprintf("charter rejected request (status %d): %s", resp.StatusCode, truncate(raw, 200)))
			return nil
		}

		if out != nil && len(raw) > 0 {
			if err := json.Unmarshal(raw, out); err != nil {
				appErr = errors.New(errors.KindInternal, "malformed charter response").
					WithWrapped(err).
					WithDetail("body", truncate(raw, 200)).
					Build()
			}
		}
		return nil
	})

	if infraErr != nil {
		if infraErr == resilience.ErrCircuitOpen || infraErr == resilience.ErrTooManyProbes {
			return errors.NewUnavailable("charter", infraErr)
		}
		return errors.Classify(infraErr)
	}
	return appErr
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
