package alerting

import (
	"fmt"
	"hash/fnv"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"
)

// WebhookPayload is the batch envelope posted by external alert routers.
type WebhookPayload struct {
	Version           string            `json:"version"`
	GroupKey          string            `json:"groupKey"`
	Status            string            `json:"status" validate:"omitempty,oneof=firing resolved"`
	Receiver          string            `json:"receiver"`
	GroupLabels       map[string]string `json:"groupLabels"`
	CommonLabels      map[string]string `json:"commonLabels"`
	CommonAnnotations map[string]string `json:"commonAnnotations"`
	ExternalURL       string            `json:"externalURL"`
	Alerts            []WireAlert       `json:"alerts" validate:"required,min=1,dive"`
}

// WireAlert is one alert as it arrives on the wire.
type WireAlert struct {
	Status       string            `json:"status" validate:"required,oneof=firing resolved"`
	Labels       map[string]string `json:"labels" validate:"required,min=1"`
	Annotations  map[string]string `json:"annotations"`
	StartsAt     time.Time         `json:"startsAt"`
	EndsAt       time.Time         `json:"endsAt"`
	GeneratorURL string            `json:"generatorURL"`
	Fingerprint  string            `json:"fingerprint"`
}

// ExternalAlert is the normalized form queued for the monitor.
type ExternalAlert struct {
	Fingerprint string            `json:"fingerprint"`
	Name        string            `json:"name"`
	Status      string            `json:"status"`
	Severity    string            `json:"severity"`
	Labels      map[string]string `json:"labels"`
	Annotations map[string]string `json:"annotations"`
	StartsAt    time.Time         `json:"starts_at"`
	ReceivedAt  time.Time         `json:"received_at"`
	Receiver    string            `json:"receiver"`
}

// ValidatePayload checks the whole batch. One bad alert rejects the batch;
// intake is fail-closed.
func ValidatePayload(v *validator.Validate, payload *WebhookPayload) error {
	if err := v.Struct(payload); err != nil {
		return err
	}
	for i, alert := range payload.Alerts {
		if alert.Labels["alertname"] == "" {
			return fmt.Errorf("alert %d: missing alertname label", i)
		}
	}
	return nil
}

// Normalize converts a wire alert into its queued form, computing a
// fingerprint from the label set when the router did not supply one.
func Normalize(alert WireAlert, receiver string, now time.Time) ExternalAlert {
	fp := alert.Fingerprint
	if fp == "" {
		fp = fingerprintLabels(alert.Labels, alert.Status)
	}

	severity := alert.Labels["severity"]
	if severity == "" {
		severity = "medium"
	}

	return ExternalAlert{
		Fingerprint: fp,
		Name:        alert.Labels["alertname"],
		Status:      alert.Status,
		Severity:    severity,
		Labels:      alert.Labels,
		Annotations: alert.Annotations,
		StartsAt:    alert.StartsAt,
		ReceivedAt:  now,
		Receiver:    receiver,
	}
}

// DedupKey identifies an alert occurrence inside the dedup window.
// Status participates so a resolved notification is never swallowed by
// its own firing.
func (a ExternalAlert) DedupKey() string {
	return a.Fingerprint + ":" + a.Status
}

func fingerprintLabels(labels map[string]string, status string) string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := fnv.New64a()
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{0xff})
		h.Write([]byte(labels[k]))
		h.Write([]byte{0xff})
	}
	h.Write([]byte(status))

	return fmt.Sprintf("%016x", h.Sum64())
}
