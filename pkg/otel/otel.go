// Package otel wires OpenTelemetry tracing for the optimizer: OTLP
// export, sampling, and the attribute vocabulary shared by the request
// path and the cycle scheduler.
package otel

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// Config holds OpenTelemetry configuration
type Config struct {
	ServiceName          string
	ServiceVersion       string
	Environment          string
	CollectorEndpoint    string
	CollectorInsecure    bool
	SamplingRate         float64 // 0.0 to 1.0 (1.0 = always sample)
	MaxEventsPerSpan     int
	MaxAttributesPerSpan int
}

// DefaultConfig returns production defaults
func DefaultConfig(serviceName string) *Config {
	return &Config{
		ServiceName:          serviceName,
		ServiceVersion:       "1.0.0",
		Environment:          "production",
		CollectorEndpoint:    "localhost:4317",
		CollectorInsecure:    true, // Use TLS in production
		SamplingRate:         1.0,  // Sample all traces in dev
		MaxEventsPerSpan:     128,
		MaxAttributesPerSpan: 128,
	}
}

// InitTracer initializes OpenTelemetry tracing
func InitTracer(ctx context.Context, config *Config) (*sdktrace.TracerProvider, error) {
	if config == nil {
		config = DefaultConfig("optimizer")
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(config.CollectorEndpoint),
		otlptracegrpc.WithInsecure(), // Use WithTLSCredentials in production
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(5*time.Second),
			sdktrace.WithMaxQueueSize(2048),
			sdktrace.WithMaxExportBatchSize(512),
		),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(config.SamplingRate)),
		sdktrace.WithSpanLimits(sdktrace.SpanLimits{
			EventCountLimit:     config.MaxEventsPerSpan,
			AttributeCountLimit: config.MaxAttributesPerSpan,
		}),
	)

	otel.SetTracerProvider(tp)

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return tp, nil
}

// Shutdown gracefully shuts down the tracer provider
func Shutdown(ctx context.Context, tp *sdktrace.TracerProvider) error {
	if tp == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	return tp.Shutdown(ctx)
}

// StartSpan is a convenience wrapper for starting a span with common attributes
func StartSpan(ctx context.Context, tracerName, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, spanName)

	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}

	return ctx, span
}

// RecordError records an error on a span with optional message
func RecordError(span trace.Span, err error, message string) {
	if span == nil || err == nil {
		return
	}

	if message != "" {
		span.RecordError(err, trace.WithAttributes(
			attribute.String("error.message", message),
		))
	} else {
		span.RecordError(err)
	}

	span.SetStatus(codes.Error, err.Error())
}

// AddEvent adds an event to a span with optional attributes
func AddEvent(span trace.Span, name string, attrs ...attribute.KeyValue) {
	if span == nil {
		return
	}

	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// Common attribute keys for the optimizer
const (
	// Site and session attributes
	AttrSiteID    = attribute.Key("site.id")
	AttrSessionID = attribute.Key("session.id")

	// Experiment attributes
	AttrExperimentID = attribute.Key("experiment.id")
	AttrHypothesis   = attribute.Key("experiment.hypothesis")
	AttrChangeType   = attribute.Key("experiment.change_type")
	AttrStatus       = attribute.Key("experiment.status")

	// Allocation attributes
	AttrVariantID = attribute.Key("variant.id")
	AttrIsControl = attribute.Key("variant.is_control")
	AttrStickyHit = attribute.Key("allocation.sticky_hit")

	// Graduation attributes
	AttrProbTreatment = attribute.Key("graduation.prob_treatment")
	AttrProbControl   = attribute.Key("graduation.prob_control")
	AttrOutcome       = attribute.Key("graduation.outcome")

	// Performance attributes
	AttrLatencyMs = attribute.Key("latency.ms")
)

// Helper functions to create common attributes

func SiteAttributes(siteID, sessionID string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrSiteID.String(siteID),
	}
	if sessionID != "" {
		attrs = append(attrs, AttrSessionID.String(sessionID))
	}
	return attrs
}

func ExperimentAttributes(experimentID, hypothesis, changeType, status string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrExperimentID.String(experimentID),
		AttrHypothesis.String(hypothesis),
		AttrChangeType.String(changeType),
		AttrStatus.String(status),
	}
}

func AllocationAttributes(variantID string, isControl, stickyHit bool) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrVariantID.String(variantID),
		AttrIsControl.Bool(isControl),
		AttrStickyHit.Bool(stickyHit),
	}
}

func GraduationAttributes(outcome string, probControl, probTreatment float64) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrOutcome.String(outcome),
		AttrProbControl.Float64(probControl),
		AttrProbTreatment.Float64(probTreatment),
	}
}
