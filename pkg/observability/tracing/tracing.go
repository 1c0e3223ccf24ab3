// Package tracing wires an OpenTelemetry tracer provider for the runtime.
// The admin API and the NATS source start a span per request; transitions
// inside the kernel are not traced, snapshots already carry their duration.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/exporters/zipkin"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Config selects the exporter.
type Config struct {
	// Exporter is one of "none", "stdout", "zipkin".
	Exporter string `json:"exporter" yaml:"exporter"`

	// Endpoint is the zipkin collector URL.
	Endpoint string `json:"endpoint" yaml:"endpoint"`

	// ServiceName tags all spans. Default "stateflow".
	ServiceName string `json:"serviceName" yaml:"serviceName"`

	// SampleRatio in [0,1]; 0 means always sample.
	SampleRatio float64 `json:"sampleRatio" yaml:"sampleRatio"`
}

// Setup installs the global tracer provider per the config and returns a
// shutdown function flushing pending spans.
func Setup(ctx context.Context, cfg Config) (trace.Tracer, func(context.Context) error, error) {
	name := cfg.ServiceName
	if name == "" {
		name = "stateflow"
	}

	var exporter sdktrace.SpanExporter
	var err error
	switch cfg.Exporter {
	case "", "none":
		tracer := noop.NewTracerProvider().Tracer(name)
		return tracer, func(context.Context) error { return nil }, nil
	case "stdout":
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "zipkin":
		exporter, err = zipkin.New(cfg.Endpoint)
	default:
		return nil, nil, fmt.Errorf("unknown trace exporter %q", cfg.Exporter)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("build %s exporter: %w", cfg.Exporter, err)
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(name),
	))
	if err != nil {
		return nil, nil, err
	}

	sampler := sdktrace.AlwaysSample()
	if cfg.SampleRatio > 0 && cfg.SampleRatio < 1 {
		sampler = sdktrace.TraceIDRatioBased(cfg.SampleRatio)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler)),
	)
	otel.SetTracerProvider(tp)
	return tp.Tracer(name), tp.Shutdown, nil
}
