package middleware

import (
	"context"
	"fmt"

	"github.com/fieldops/fieldsync/pkg/request"
	"github.com/fieldops/fieldsync/pkg/status"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/fieldops/fieldsync"

// TracingConfig holds configuration for tracing middleware
type TracingConfig struct {
	Tracer       trace.Tracer
	TracerName   string
	Propagator   propagation.TextMapPropagator
	RecordErrors bool
	ExtraAttrs   []attribute.KeyValue
}

// TracingOption is a functional option for tracing configuration
type TracingOption func(*TracingConfig)

// WithTracer sets a custom tracer
func WithTracer(tracer trace.Tracer) TracingOption {
	return func(c *TracingConfig) {
		c.Tracer = tracer
	}
}

// WithTracerName sets the tracer name
func WithTracerName(name string) TracingOption {
	return func(c *TracingConfig) {
		c.TracerName = name
	}
}

// WithPropagator sets a custom propagator
func WithPropagator(propagator propagation.TextMapPropagator) TracingOption {
	return func(c *TracingConfig) {
		c.Propagator = propagator
	}
}

// WithoutRecordErrors stops errors from being recorded as span events
func WithoutRecordErrors() TracingOption {
	return func(c *TracingConfig) {
		c.RecordErrors = false
	}
}

// WithExtraAttributes adds extra attributes to all spans
func WithExtraAttributes(attrs ...attribute.KeyValue) TracingOption {
	return func(c *TracingConfig) {
		c.ExtraAttrs = append(c.ExtraAttrs, attrs...)
	}
}

// Tracing opens a client span per call and injects the trace context into
// the outgoing request headers
func Tracing(opts ...TracingOption) request.Middleware {
	config := &TracingConfig{
		TracerName:   tracerName,
		Propagator:   otel.GetTextMapPropagator(),
		RecordErrors: true,
	}

	for _, opt := range opts {
		opt(config)
	}

	return func(ctx context.Context, call *request.Call, next request.Handler) ([]byte, error) {
		tracer := config.Tracer
		if tracer == nil {
			tracer = otel.Tracer(config.TracerName)
		}

		endpoint := call.Endpoint()
		ctx, span := tracer.Start(ctx, endpoint,
			trace.WithSpanKind(trace.SpanKindClient),
			trace.WithAttributes(config.ExtraAttrs...),
		)
		defer span.End()

		span.SetAttributes(
			attribute.String("http.method", call.Method),
			attribute.String("http.target", call.Path),
			attribute.String("fieldsync.endpoint", endpoint),
		)

		if call.Header == nil {
			call.Header = make(map[string]string)
		}
		config.Propagator.Inject(ctx, headerCarrier(call.Header))

		resp, err := next(ctx, call)

		span.SetAttributes(attribute.Int("fieldsync.attempt", call.Attempt))

		if err != nil {
			code := status.CodeOf(err)
			span.SetStatus(codes.Error, err.Error())
			span.SetAttributes(attribute.String("fieldsync.code", code.String()))
			if se, ok := status.FromError(err); ok && se.HTTPStatus != 0 {
				span.SetAttributes(attribute.Int("http.status_code", se.HTTPStatus))
			}
			if config.RecordErrors {
				span.RecordError(err)
			}
		} else {
			span.SetStatus(codes.Ok, "")
			span.SetAttributes(attribute.String("fieldsync.code", status.OK.String()))
		}

		return resp, err
	}
}

// headerCarrier adapts request headers to a TextMapCarrier
type headerCarrier map[string]string

// Get returns the value associated with the passed key.
func (hc headerCarrier) Get(key string) string {
	return hc[key]
}

// Set stores the key-value pair.
func (hc headerCarrier) Set(key string, value string) {
	hc[key] = value
}

// Keys lists the keys stored in this carrier.
func (hc headerCarrier) Keys() []string {
	keys := make([]string, 0, len(hc))
	for k := range hc {
		keys = append(keys, k)
	}
	return keys
}

// StartSpan starts a span for work outside the fetch chain, such as a sync run
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	tracer := otel.Tracer(tracerName)
	return tracer.Start(ctx, name, opts...)
}

// AddEventToSpan adds an event to the current span
func AddEventToSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// SetSpanAttribute sets an attribute on the current span
func SetSpanAttribute(ctx context.Context, key string, value interface{}) {
	span := trace.SpanFromContext(ctx)

	var attr attribute.KeyValue
	switch v := value.(type) {
	case string:
		attr = attribute.String(key, v)
	case int:
		attr = attribute.Int(key, v)
	case int64:
		attr = attribute.Int64(key, v)
	case float64:
		attr = attribute.Float64(key, v)
	case bool:
		attr = attribute.Bool(key, v)
	default:
		attr = attribute.String(key, fmt.Sprintf("%v", v))
	}

	span.SetAttributes(attr)
}

// RecordError records an error in the current span
func RecordError(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
