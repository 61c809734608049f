// Package telemetry wires the global OpenTelemetry tracer to an OTLP/HTTP
// collector. Tracing is opt-in; when it is disabled the rest of the program
// still creates spans through the global no-op provider.
package telemetry

import (
	"context"
	"net/url"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

const serviceName = "loom"

// Init installs a tracing provider exporting to the given OTLP/HTTP endpoint
// and returns a shutdown function that flushes pending spans. An empty
// endpoint falls back to the conventional local collector port.
func Init(ctx context.Context, endpoint, version string) (func(context.Context) error, error) {
	if endpoint == "" {
		endpoint = "http://127.0.0.1:4318"
	}

	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, err
	}
	host := u.Host
	if host == "" {
		// host:port without a scheme parses into Path
		host = u.Path
	}

	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(host)}
	if u.Scheme != "https" {
		opts = append(opts, otlptracehttp.WithInsecure())
	}

	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, err
	}

	tp, err := newProvider(exporter, version)
	if err != nil {
		_ = exporter.Shutdown(ctx)
		return nil, err
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// newProvider is split out so tests can plug an in-memory exporter.
func newProvider(exporter sdktrace.SpanExporter, version string) (*sdktrace.TracerProvider, error) {
	res, err := sdkresource.New(context.Background(), sdkresource.WithAttributes(
		attribute.String("service.name", serviceName),
		attribute.String("service.version", version),
	))
	if err != nil {
		return nil, err
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(sdktrace.NewBatchSpanProcessor(exporter)),
	), nil
}
