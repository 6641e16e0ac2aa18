package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	noopmetric "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

// Telemetry provides OpenTelemetry instrumentation for the control loop
// and the federated aggregation plane.
type Telemetry struct {
	tracer         trace.Tracer
	meter          metric.Meter
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	registry       *promclient.Registry

	// Loop metrics
	loopCycles   metric.Int64Counter
	phaseLatency metric.Float64Histogram
	phaseErrors  metric.Int64Counter

	// Detection and planning metrics
	violationsDetected metric.Int64Counter
	hypothesesFormed   metric.Int64Counter
	policiesPlanned    metric.Int64Counter
	policyOutcomes     metric.Int64Counter

	// Execution metrics
	actionsExecuted metric.Int64Counter
	rollbacks       metric.Int64Counter

	// Alert intake metrics
	alertsReceived  metric.Int64Counter
	alertsDropped   metric.Int64Counter
	alertQueueDepth metric.Int64UpDownCounter

	// Federated aggregation metrics
	flRounds      metric.Int64Counter
	flUpdates     metric.Int64Counter
	flRejections  metric.Int64Counter
	dpEpsilonUsed metric.Float64Counter

	// API metrics
	apiRequests metric.Int64Counter
	apiLatency  metric.Float64Histogram
	wsClients   metric.Int64UpDownCounter
}

var (
	globalTelemetry *Telemetry
	serviceName     = "meshwarden"
)

// Config represents telemetry configuration
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string
	SampleRate     float64
	EnableTracing  bool
	EnableMetrics  bool
	StdoutTrace    bool
}

// Initialize sets up OpenTelemetry
func Initialize(ctx context.Context, config Config) (*Telemetry, error) {
	if config.ServiceName != "" {
		serviceName = config.ServiceName
	}

	// Create resource
	res, err := resource.Merge(
		resource.Default(),
		resource.NewSchemaless(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(config.ServiceVersion),
			attribute.String("environment", config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	t := &Telemetry{}

	// Initialize tracing
	if config.EnableTracing {
		if err := t.initTracing(ctx, config, res); err != nil {
			return nil, fmt.Errorf("failed to initialize tracing: %w", err)
		}
	} else {
		t.tracer = nooptrace.NewTracerProvider().Tracer(serviceName)
	}

	// Initialize metrics
	if config.EnableMetrics {
		if err := t.initMetrics(ctx, config, res); err != nil {
			return nil, fmt.Errorf("failed to initialize metrics: %w", err)
		}
	} else {
		t.meter = noopmetric.NewMeterProvider().Meter(serviceName)
	}

	// Create instruments
	if err := t.createInstruments(); err != nil {
		return nil, fmt.Errorf("failed to create instruments: %w", err)
	}

	globalTelemetry = t
	return t, nil
}

// Nop returns a telemetry instance whose instruments discard everything.
// Intended for tests and for components constructed before Initialize.
func Nop() *Telemetry {
	t := &Telemetry{
		tracer: nooptrace.NewTracerProvider().Tracer(serviceName),
		meter:  noopmetric.NewMeterProvider().Meter(serviceName),
	}
	_ = t.createInstruments()
	return t
}

// initTracing initializes tracing
func (t *Telemetry) initTracing(ctx context.Context, config Config, res *resource.Resource) error {
	var exp sdktrace.SpanExporter
	var err error

	if config.OTLPEndpoint != "" && !config.StdoutTrace {
		exp, err = otlptracehttp.New(ctx,
			otlptracehttp.WithEndpoint(config.OTLPEndpoint),
			otlptracehttp.WithInsecure(),
		)
	} else {
		exp, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	}
	if err != nil {
		return err
	}

	// Create tracer provider
	t.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(config.SampleRate)),
	)

	// Set global tracer provider
	otel.SetTracerProvider(t.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	t.tracer = t.tracerProvider.Tracer(serviceName)

	return nil
}

// initMetrics initializes metrics
func (t *Telemetry) initMetrics(ctx context.Context, config Config, res *resource.Resource) error {
	t.registry = promclient.NewRegistry()

	// Create Prometheus exporter
	exporter, err := otelprom.New(otelprom.WithRegisterer(t.registry))
	if err != nil {
		return err
	}

	// Create meter provider
	t.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
	)

	// Set global meter provider
	otel.SetMeterProvider(t.meterProvider)

	t.meter = t.meterProvider.Meter(serviceName)

	return nil
}

// createInstruments creates metric instruments
func (t *Telemetry) createInstruments() error {
	var err error

	// Loop metrics
	t.loopCycles, err = t.meter.Int64Counter(
		"meshwarden.loop.cycles",
		metric.WithDescription("Number of completed control loop cycles"),
	)
	if err != nil {
		return err
	}

	t.phaseLatency, err = t.meter.Float64Histogram(
		"meshwarden.loop.phase.duration",
		metric.WithDescription("Control loop phase duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return err
	}

	t.phaseErrors, err = t.meter.Int64Counter(
		"meshwarden.loop.phase.errors",
		metric.WithDescription("Number of control loop phase errors"),
	)
	if err != nil {
		return err
	}

	// Detection metrics
	t.violationsDetected, err = t.meter.Int64Counter(
		"meshwarden.violations.detected",
		metric.WithDescription("Number of trust violations detected"),
	)
	if err != nil {
		return err
	}

	t.hypothesesFormed, err = t.meter.Int64Counter(
		"meshwarden.hypotheses.formed",
		metric.WithDescription("Number of root cause hypotheses formed"),
	)
	if err != nil {
		return err
	}

	// Planning metrics
	t.policiesPlanned, err = t.meter.Int64Counter(
		"meshwarden.policies.planned",
		metric.WithDescription("Number of remediation policies planned"),
	)
	if err != nil {
		return err
	}

	t.policyOutcomes, err = t.meter.Int64Counter(
		"meshwarden.policies.outcomes",
		metric.WithDescription("Number of classified policy outcomes"),
	)
	if err != nil {
		return err
	}

	// Execution metrics
	t.actionsExecuted, err = t.meter.Int64Counter(
		"meshwarden.actions.executed",
		metric.WithDescription("Number of remediation actions executed"),
	)
	if err != nil {
		return err
	}

	t.rollbacks, err = t.meter.Int64Counter(
		"meshwarden.actions.rollbacks",
		metric.WithDescription("Number of actions rolled back"),
	)
	if err != nil {
		return err
	}

	// Alert intake metrics
	t.alertsReceived, err = t.meter.Int64Counter(
		"meshwarden.alerts.received",
		metric.WithDescription("Number of alerts accepted by the sink"),
	)
	if err != nil {
		return err
	}

	t.alertsDropped, err = t.meter.Int64Counter(
		"meshwarden.alerts.dropped",
		metric.WithDescription("Number of alerts dropped by the sink"),
	)
	if err != nil {
		return err
	}

	t.alertQueueDepth, err = t.meter.Int64UpDownCounter(
		"meshwarden.alerts.queue.depth",
		metric.WithDescription("Current depth of the alert intake queue"),
	)
	if err != nil {
		return err
	}

	// Federated aggregation metrics
	t.flRounds, err = t.meter.Int64Counter(
		"meshwarden.fl.rounds",
		metric.WithDescription("Number of federated rounds by terminal state"),
	)
	if err != nil {
		return err
	}

	t.flUpdates, err = t.meter.Int64Counter(
		"meshwarden.fl.updates",
		metric.WithDescription("Number of client updates received"),
	)
	if err != nil {
		return err
	}

	t.flRejections, err = t.meter.Int64Counter(
		"meshwarden.fl.updates.rejected",
		metric.WithDescription("Number of client updates rejected"),
	)
	if err != nil {
		return err
	}

	t.dpEpsilonUsed, err = t.meter.Float64Counter(
		"meshwarden.fl.dp.epsilon.spent",
		metric.WithDescription("Cumulative differential privacy epsilon spent"),
	)
	if err != nil {
		return err
	}

	// API metrics
	t.apiRequests, err = t.meter.Int64Counter(
		"meshwarden.api.requests",
		metric.WithDescription("Number of API requests"),
	)
	if err != nil {
		return err
	}

	t.apiLatency, err = t.meter.Float64Histogram(
		"meshwarden.api.latency",
		metric.WithDescription("API request latency in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return err
	}

	t.wsClients, err = t.meter.Int64UpDownCounter(
		"meshwarden.ws.clients",
		metric.WithDescription("Number of connected websocket clients"),
	)
	if err != nil {
		return err
	}

	return nil
}

// Shutdown gracefully shuts down telemetry
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t.tracerProvider != nil {
		if err := t.tracerProvider.Shutdown(ctx); err != nil {
			return err
		}
	}

	if t.meterProvider != nil {
		if err := t.meterProvider.Shutdown(ctx); err != nil {
			return err
		}
	}

	return nil
}

// Get returns the global telemetry instance
func Get() *Telemetry {
	return globalTelemetry
}

// Handler returns the HTTP handler exposing the Prometheus scrape endpoint.
func (t *Telemetry) Handler() http.Handler {
	if t.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{})
}

// StartSpan starts a new span
func (t *Telemetry) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, opts...)
}

// RecordCycle records a completed control loop cycle
func (t *Telemetry) RecordCycle(ctx context.Context, outcome string) {
	t.loopCycles.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
	))
}

// RecordPhase records the duration and error state of a loop phase
func (t *Telemetry) RecordPhase(ctx context.Context, phase string, duration time.Duration, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("phase", phase),
	}

	t.phaseLatency.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))

	if err != nil {
		t.phaseErrors.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordViolations records detected trust violations
func (t *Telemetry) RecordViolations(ctx context.Context, kind, severity string, count int) {
	t.violationsDetected.Add(ctx, int64(count), metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("severity", severity),
	))
}

// RecordHypotheses records formed root cause hypotheses
func (t *Telemetry) RecordHypotheses(ctx context.Context, causeTag string, count int) {
	t.hypothesesFormed.Add(ctx, int64(count), metric.WithAttributes(
		attribute.String("cause", causeTag),
	))
}

// RecordPolicyPlanned records a planned remediation policy
func (t *Telemetry) RecordPolicyPlanned(ctx context.Context, strategy, approvalState string) {
	t.policiesPlanned.Add(ctx, 1, metric.WithAttributes(
		attribute.String("strategy", strategy),
		attribute.String("approval", approvalState),
	))
}

// RecordPolicyOutcome records a classified policy outcome
func (t *Telemetry) RecordPolicyOutcome(ctx context.Context, outcome string) {
	t.policyOutcomes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
	))
}

// RecordExecution records an executed remediation action
func (t *Telemetry) RecordExecution(ctx context.Context, actionType, status string) {
	t.actionsExecuted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("action", actionType),
		attribute.String("status", status),
	))
}

// RecordRollback records a rolled back action
func (t *Telemetry) RecordRollback(ctx context.Context, actionType string) {
	t.rollbacks.Add(ctx, 1, metric.WithAttributes(
		attribute.String("action", actionType),
	))
}

// RecordAlertReceived records an alert accepted by the intake sink
func (t *Telemetry) RecordAlertReceived(ctx context.Context, source string) {
	t.alertsReceived.Add(ctx, 1, metric.WithAttributes(
		attribute.String("source", source),
	))
}

// RecordAlertDropped records an alert dropped by the intake sink
func (t *Telemetry) RecordAlertDropped(ctx context.Context, reason string) {
	t.alertsDropped.Add(ctx, 1, metric.WithAttributes(
		attribute.String("reason", reason),
	))
}

// AddAlertQueueDepth adjusts the alert queue depth gauge
func (t *Telemetry) AddAlertQueueDepth(ctx context.Context, delta int64) {
	t.alertQueueDepth.Add(ctx, delta)
}

// RecordFLRound records a federated round reaching a terminal state
func (t *Telemetry) RecordFLRound(ctx context.Context, state, mode string) {
	t.flRounds.Add(ctx, 1, metric.WithAttributes(
		attribute.String("state", state),
		attribute.String("mode", mode),
	))
}

// RecordFLUpdate records a received client update
func (t *Telemetry) RecordFLUpdate(ctx context.Context, accepted bool) {
	t.flUpdates.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("accepted", accepted),
	))
}

// RecordFLRejection records a rejected client update with its reason
func (t *Telemetry) RecordFLRejection(ctx context.Context, reason string) {
	t.flRejections.Add(ctx, 1, metric.WithAttributes(
		attribute.String("reason", reason),
	))
}

// RecordDPSpend records differential privacy budget consumption
func (t *Telemetry) RecordDPSpend(ctx context.Context, epsilon float64) {
	t.dpEpsilonUsed.Add(ctx, epsilon)
}

// RecordAPIRequest records API request metrics
func (t *Telemetry) RecordAPIRequest(ctx context.Context, method, path string, statusCode int, duration time.Duration) {
	attrs := []attribute.KeyValue{
		attribute.String("method", method),
		attribute.String("path", path),
		attribute.Int("status_code", statusCode),
	}

	t.apiRequests.Add(ctx, 1, metric.WithAttributes(attrs...))
	t.apiLatency.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// IncrementWSClients increments the connected websocket client gauge
func (t *Telemetry) IncrementWSClients(ctx context.Context) {
	t.wsClients.Add(ctx, 1)
}

// DecrementWSClients decrements the connected websocket client gauge
func (t *Telemetry) DecrementWSClients(ctx context.Context) {
	t.wsClients.Add(ctx, -1)
}

// TracedHTTPHandler wraps an HTTP handler with tracing and request metrics
func (t *Telemetry) TracedHTTPHandler(pattern string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := t.StartSpan(
			r.Context(),
			fmt.Sprintf("HTTP %s %s", r.Method, pattern),
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.path", r.URL.Path),
				attribute.String("http.user_agent", r.UserAgent()),
			),
		)
		defer span.End()

		// Wrap response writer to capture status code
		wrapped := &responseWriter{ResponseWriter: w, statusCode: 200}

		start := time.Now()
		handler(wrapped, r.WithContext(ctx))
		duration := time.Since(start)

		t.RecordAPIRequest(ctx, r.Method, pattern, wrapped.statusCode, duration)

		span.SetAttributes(
			attribute.Int("http.status_code", wrapped.statusCode),
			attribute.Int64("http.response_size", wrapped.written),
		)

		if wrapped.statusCode >= 400 {
			span.SetStatus(codes.Error, fmt.Sprintf("HTTP %d", wrapped.statusCode))
		}
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(data []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(data)
	rw.written += int64(n)
	return n, err
}
