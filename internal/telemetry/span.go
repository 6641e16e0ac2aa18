package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// RecordError records an error on the span carried by ctx, if one is recording.
func RecordError(ctx context.Context, err error, description string) {
	span := trace.SpanFromContext(ctx)
	if span != nil && span.IsRecording() {
		span.RecordError(err)
		span.SetStatus(codes.Error, description)
		span.SetAttributes(
			attribute.String("error.type", fmt.Sprintf("%T", err)),
			attribute.String("error.message", err.Error()),
		)
	}
}

// AddEvent adds an event to the span carried by ctx, if one is recording.
func AddEvent(ctx context.Context, name string, attrs map[string]interface{}) {
	span := trace.SpanFromContext(ctx)
	if span != nil && span.IsRecording() {
		eventAttrs := make([]attribute.KeyValue, 0, len(attrs))
		for k, v := range attrs {
			eventAttrs = append(eventAttrs, attributeFromInterface(k, v))
		}
		span.AddEvent(name, trace.WithAttributes(eventAttrs...))
	}
}

// SetAttributes sets attributes on the span carried by ctx, if one is recording.
func SetAttributes(ctx context.Context, attrs map[string]interface{}) {
	span := trace.SpanFromContext(ctx)
	if span != nil && span.IsRecording() {
		spanAttrs := make([]attribute.KeyValue, 0, len(attrs))
		for k, v := range attrs {
			spanAttrs = append(spanAttrs, attributeFromInterface(k, v))
		}
		span.SetAttributes(spanAttrs...)
	}
}

func attributeFromInterface(key string, value interface{}) attribute.KeyValue {
	switch v := value.(type) {
	case string:
		return attribute.String(key, v)
	case int:
		return attribute.Int(key, v)
	case int64:
		return attribute.Int64(key, v)
	case float64:
		return attribute.Float64(key, v)
	case bool:
		return attribute.Bool(key, v)
	case []string:
		return attribute.StringSlice(key, v)
	default:
		return attribute.String(key, fmt.Sprintf("%v", v))
	}
}
