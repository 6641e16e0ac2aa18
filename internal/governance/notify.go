package governance

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"gopkg.in/gomail.v2"

	"github.com/meshwarden/meshwarden/internal/config"
	"github.com/meshwarden/meshwarden/internal/errors"
	"github.com/meshwarden/meshwarden/internal/logger"
	"github.com/meshwarden/meshwarden/internal/models"
	"github.com/meshwarden/meshwarden/internal/resilience"
)

// Notifier announces a policy waiting for approval.
type Notifier interface {
	Notify(ctx context.Context, policy models.RemediationPolicy) error
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(ctx context.Context, policy models.RemediationPolicy) error

func (f NotifierFunc) Notify(ctx context.Context, policy models.RemediationPolicy) error {
	return f(ctx, policy)
}

// MultiNotifier fans out to every sink and reports the first failure after
// all sinks ran.
type MultiNotifier []Notifier

func (m MultiNotifier) Notify(ctx context.Context, policy models.RemediationPolicy) error {
	var first error
	for _, n := range m {
		if err := n.Notify(ctx, policy); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// BuildNotifier assembles the configured sinks. The log sink is always
// present so a pending policy is never silent.
func BuildNotifier(cfg config.GovernanceConfig, log logger.Logger) Notifier {
	sinks := MultiNotifier{NewLogNotifier(log)}
	if cfg.WebhookURL != "" {
		sinks = append(sinks, NewWebhookNotifier(cfg.WebhookURL))
	}
	if cfg.Email.Enabled {
		sinks = append(sinks, NewEmailNotifier(cfg.Email))
	}
	return sinks
}

// NewLogNotifier writes pending policies to the structured log.
func NewLogNotifier(log logger.Logger) Notifier {
	return NotifierFunc(func(_ context.Context, policy models.RemediationPolicy) error {
		log.Warn("policy awaiting approval",
			logger.String("policy_id", policy.PolicyID),
			logger.String("cause_tag", string(policy.CauseTag)),
			logger.String("priority", string(policy.Priority)),
			logger.Float64("score", policy.Score),
			logger.Float64("highest_cost", policy.HighestCost()))
		return nil
	})
}

// WebhookNotifier posts pending policies as JSON to an operator endpoint.
type WebhookNotifier struct {
	url    string
	client *http.Client
	retry  *resilience.RetryConfig
}

func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		retry: &resilience.RetryConfig{
			MaxAttempts:  3,
			InitialDelay: 200 * time.Millisecond,
			MaxDelay:     2 * time.Second,
			Multiplier:   2.0,
		},
	}
}

func (w *WebhookNotifier) Notify(ctx context.Context, policy models.RemediationPolicy) error {
	body, err := json.Marshal(map[string]interface{}{
		"event":      "policy_pending",
		"policy_id":  policy.PolicyID,
		"cause_tag":  policy.CauseTag,
		"priority":   policy.Priority,
		"score":      policy.Score,
		"rationale":  policy.Rationale,
		"actions":    policy.Actions,
		"created_at": policy.CreatedAt,
	})
	if err != nil {
		return errors.NewValidation(fmt.Sprintf("encode pending policy %s: %v", policy.PolicyID, err))
	}

	_, err = resilience.Retry(ctx, w.retry, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
		if err != nil {
			return errors.NewValidation(err.Error())
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := w.client.Do(req)
		if err != nil {
			return errors.NewUnavailable("governance webhook", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			return errors.NewTransient(fmt.Sprintf("governance webhook returned %d", resp.StatusCode), 0)
		}
		if resp.StatusCode >= 400 {
			return errors.NewValidation(fmt.Sprintf("governance webhook returned %d", resp.StatusCode))
		}
		return nil
	})
	return err
}

// EmailNotifier mails pending policies to the operator list.
type EmailNotifier struct {
	cfg    config.EmailSinkConfig
	dialer *gomail.Dialer
}

func NewEmailNotifier(cfg config.EmailSinkConfig) *EmailNotifier {
	return &EmailNotifier{
		cfg:    cfg,
		dialer: gomail.NewDialer(cfg.SMTPHost, cfg.SMTPPort, cfg.Username, cfg.Password),
	}
}

func (e *EmailNotifier) Notify(_ context.Context, policy models.RemediationPolicy) error {
	msg := gomail.NewMessage()
	msg.SetHeader("From", e.cfg.From)
	msg.SetHeader("To", strings.Join(e.cfg.To, ","))
	msg.SetHeader("Subject", fmt.Sprintf("[meshwarden] policy %s awaiting approval", policy.PolicyID))
	msg.SetBody("text/plain", emailBody(policy))

	if err := e.dialer.DialAndSend(msg); err != nil {
		return errors.NewUnavailable("governance email sink", err)
	}
	return nil
}

func emailBody(policy models.RemediationPolicy) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Policy %s is waiting for approval.\n\n", policy.PolicyID)
	fmt.Fprintf(&b, "Cause:     %s\n", policy.CauseTag)
	fmt.Fprintf(&b, "Priority:  %s\n", policy.Priority)
	fmt.Fprintf(&b, "Score:     %.3f\n", policy.Score)
	fmt.Fprintf(&b, "Rationale: %s\n\n", policy.Rationale)
	b.WriteString("Actions:\n")
	for i, a := range policy.Actions {
		fmt.Fprintf(&b, "  %d. %s %s (cost %.2f)\n", i+1, a.Type, a.Target, a.EstimatedCost)
	}
	return b.String()
}
