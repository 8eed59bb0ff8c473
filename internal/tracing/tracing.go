// Package tracing installs the OpenTelemetry tracer provider.
package tracing

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/eval-hub/iteration-hub/internal/config"
	"github.com/eval-hub/iteration-hub/internal/constants"
)

const (
	ExporterNone     = "none"
	ExporterStdout   = "stdout"
	ExporterOTLPGRPC = "otlp-grpc"
	ExporterOTLPHTTP = "otlp-http"
)

type ShutdownFunc func(ctx context.Context) error

func newExporter(ctx context.Context, conf *config.TracingConfig) (sdktrace.SpanExporter, error) {
	switch conf.Exporter {
	case ExporterStdout:
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case ExporterOTLPGRPC:
		opts := []otlptracegrpc.Option{}
		if conf.Endpoint != "" {
			opts = append(opts, otlptracegrpc.WithEndpoint(conf.Endpoint))
		}
		if conf.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		return otlptracegrpc.New(ctx, opts...)
	case ExporterOTLPHTTP:
		opts := []otlptracehttp.Option{}
		if conf.Endpoint != "" {
			opts = append(opts, otlptracehttp.WithEndpoint(conf.Endpoint))
		}
		if conf.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		return otlptracehttp.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("unsupported tracing exporter %q", conf.Exporter)
	}
}

// Setup installs the global tracer provider. With the none exporter the
// global no-op provider is left in place.
func Setup(ctx context.Context, conf *config.TracingConfig, version string, logger *slog.Logger) (ShutdownFunc, error) {
	if conf == nil || conf.Exporter == "" || conf.Exporter == ExporterNone {
		logger.Info("Tracing disabled")
		return func(context.Context) error { return nil }, nil
	}
	exporter, err := newExporter(ctx, conf)
	if err != nil {
		return nil, err
	}
	serviceName := conf.ServiceName
	if serviceName == "" {
		serviceName = "iteration-hub"
	}
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		attribute.String("service.name", serviceName),
		attribute.String("service.version", version),
	))
	if err != nil {
		return nil, err
	}
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	logger.Info("Tracing enabled", "exporter", conf.Exporter, "endpoint", conf.Endpoint, "service_name", serviceName)
	return provider.Shutdown, nil
}

// Tracer returns the tracer used for the spans of the service.
func Tracer() trace.Tracer {
	return otel.Tracer(constants.TracerName)
}

// End records err on span, if any, and ends it.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
