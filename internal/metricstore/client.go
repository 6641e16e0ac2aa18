package metricstore

import (
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
)

// Sample is a single observed value at a point in time.
type Sample struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

// Series is a labelled stream of samples returned by a range query.
type Series struct {
	Labels  map[string]string `json:"labels"`
	Samples []Sample          `json:"samples"`
}

// Result carries the decoded series plus any warnings the store attached.
// A warned result is still usable; callers decide how much to trust it.
type Result struct {
	Series   []Series `json:"series"`
	Warnings []string `json:"warnings,omitempty"`
}

// IsEmpty reports whether the result carries no samples at all.
func (r *Result) IsEmpty() bool {
	for _, s := range r.Series {
		if len(s.Samples) > 0 {
			return false
		}
	}
	return true
}

// Querier is the read interface against the mesh metrics store.
type Querier interface {
	QueryRange(ctx context.Context, expr string, start, end time.Time, step time.Duration) (*Result, error)
	QueryInstant(ctx context.Context, expr string, ts time.Time) (*Result, error)
	Healthy(ctx context.Context) error
}

// Client queries a Prometheus-dialect HTTP API.
type Client struct {
	baseURL string
	client  *http.Client
	log     logger.Logger
}

// NewClient creates a metrics store client from configuration.
func NewClient(cfg config.MetricsAPIConfig) *Client {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 3 * time.Second
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client: &http.Client{
			Timeout: timeout,
		},
		log: logger.New("metricstore"),
	}
}

// apiEnvelope is the store's standard response wrapper.
type apiEnvelope struct {
	Status    string          `json:"status"`
	Data      json.RawMessage `json:"data"`
	ErrorType string          `json:"errorType,omitempty"`
	Error     string          `json:"error,omitempty"`
	Warnings  []string        `json:"warnings,omitempty"`
}

type queryData struct {
	ResultType string          `json:"resultType"`
	Result     json.RawMessage `json:"result"`
}

type matrixEntry struct {
	Metric map[string]string `json:"metric"`
	Values []samplePair      `json:"values"`
}

type vectorEntry struct {
	Metric map[string]string `json:"metric"`
	Value  samplePair        `json:"value"`
}

// samplePair decodes the store's [unixSeconds, "value"] pair. Values arrive
// as strings and may encode NaN; coercion preserves it for downstream guards.
type samplePair struct {
	ts  float64
	val float64
}

func (p *samplePair) UnmarshalJSON(b []byte) error {
	var raw [2]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("sample pair is not a two-element array: %w", err)
	}

	if err := json.Unmarshal(raw[0], &p.ts); err != nil {
		return fmt.Errorf("sample timestamp is not numeric: %w", err)
	}

	var s string
	if err := json.Unmarshal(raw[1], &s); err != nil {
		return fmt.Errorf("sample value is not a string: %w", err)
	}

	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("sample value %q is not a float: %w", s, err)
	}
	p.val = v

	return nil
}

func (p samplePair) sample() Sample {
	sec := int64(p.ts)
	nsec := int64((p.ts - float64(sec)) * 1e9)
	return Sample{
		Timestamp: time.Unix(sec, nsec).UTC(),
		Value:     p.val,
	}
}

// QueryRange evaluates expr over [start, end] at the given step.
func (c *Client) QueryRange(ctx context.Context, expr string, start, end time.Time, step time.Duration) (*Result, error) {
	params := url.Values{}
	params.Set("query", expr)
	params.Set("start", formatTime(start))
	params.Set("end", formatTime(end))
	params.Set("step", strconv.FormatFloat(step.Seconds(), 'f', -1, 64))

	return c.execute(ctx, "/api/v1/query_range", params, expr)
}

// QueryInstant evaluates expr at a single point in time.
func (c *Client) QueryInstant(ctx context.Context, expr string, ts time.Time) (*Result, error) {
	params := url.Values{}
	params.Set("query", expr)
	params.Set("time", formatTime(ts))

	return c.execute(ctx, "/api/v1/query", params, expr)
}

// Healthy probes the store's health endpoint.
func (c *Client) Healthy(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/-/healthy", nil)
	if err != nil {
		return errors.New(errors.KindInternal, "failed to create health request").
			WithComponent("metricstore").
			WithWrapped(err).
			Build()
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return errors.Classify(err).WithDetail("endpoint", "/-/healthy")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errors.NewUnavailable("metrics store", fmt.Errorf("health probe returned status %d", resp.StatusCode))
	}

	return nil
}

func (c *Client) execute(ctx context.Context, path string, params url.Values, expr string) (*Result, error) {
	reqURL := c.baseURL + path + "?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, errors.New(errors.KindInternal, "failed to create query request").
			WithComponent("metricstore").
			WithWrapped(err).
			Build()
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		classified := errors.Classify(err).
			WithDetail("expression", expr).
			WithDetail("path", path)
		c.log.Warn("metrics query failed",
			logger.String("expression", expr),
			logger.String("kind", string(errors.KindOf(classified))),
			logger.Error(err),
		)
		return nil, classified
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.NewUnavailable("metrics store", fmt.Errorf("failed to read response: %w", err))
	}

	var envelope apiEnvelope
	if decodeErr := json.Unmarshal(body, &envelope); decodeErr != nil {
		if resp.StatusCode >= 500 {
			return nil, errors.NewUnavailable("metrics store", fmt.Errorf("status %d: %s", resp.StatusCode, truncate(body, 200)))
		}
		return nil, errors.NewQuery(fmt.Sprintf("malformed response (status %d): %v", resp.StatusCode, decodeErr)).
			WithDetail("expression", expr)
	}

	switch {
	case resp.StatusCode >= 500:
		return nil, errors.NewUnavailable("metrics store", fmt.Errorf("status %d: %s", resp.StatusCode, envelope.Error))
	case envelope.Status != "success":
		return nil, errors.NewQuery(fmt.Sprintf("%s: %s", envelope.ErrorType, envelope.Error)).
			WithDetail("expression", expr).
			WithDetail("status_code", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, errors.NewQuery(fmt.Sprintf("unexpected status %d", resp.StatusCode)).
			WithDetail("expression", expr)
	}

	result, err := decodeResult(envelope.Data)
	if err != nil {
		return nil, errors.NewQuery(fmt.Sprintf("failed to decode result: %v", err)).
			WithDetail("expression", expr)
	}
	result.Warnings = envelope.Warnings

	if len(result.Warnings) > 0 {
		c.log.Debug("metrics query returned warnings",
			logger.String("expression", expr),
			logger.Strings("warnings", result.Warnings),
		)
	}

	return result, nil
}

func decodeResult(data json.RawMessage) (*Result, error) {
	var qd queryData
	if err := json.Unmarshal(data, &qd); err != nil {
		return nil, fmt.Errorf("invalid data section: %w", err)
	}

	result := &Result{}

	switch qd.ResultType {
	case "matrix":
		var entries []matrixEntry
		if err := json.Unmarshal(qd.Result, &entries); err != nil {
			return nil, fmt.Errorf("invalid matrix result: %w", err)
		}
		for _, e := range entries {
			series := Series{Labels: e.Metric, Samples: make([]Sample, 0, len(e.Values))}
			for _, v := range e.Values {
				series.Samples = append(series.Samples, v.sample())
			}
			result.Series = append(result.Series, series)
		}

	case "vector":
		var entries []vectorEntry
		if err := json.Unmarshal(qd.Result, &entries); err != nil {
			return nil, fmt.Errorf("invalid vector result: %w", err)
		}
		for _, e := range entries {
			result.Series = append(result.Series, Series{
				Labels:  e.Metric,
				Samples: []Sample{e.Value.sample()},
			})
		}

	case "scalar":
		var pair samplePair
		if err := json.Unmarshal(qd.Result, &pair); err != nil {
			return nil, fmt.Errorf("invalid scalar result: %w", err)
		}
		result.Series = append(result.Series, Series{
			Labels:  map[string]string{},
			Samples: []Sample{pair.sample()},
		})

	default:
		return nil, fmt.Errorf("unsupported result type %q", qd.ResultType)
	}

	return result, nil
}

func formatTime(t time.Time) string {
	return strconv.FormatFloat(float64(t.UnixNano())/1e9, 'f', 3, 64)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
