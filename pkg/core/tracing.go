package core

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the instrumentation name every span this module records
// is grouped under, independent of which package started the span.
const TracerName = "github.com/fluxorio/fedclient"

// InitTracing installs a global TracerProvider that exports finished spans
// to stdout, so finalize_and_submit_transaction and every state-machine
// transition (the spans pkg/txbuilder and pkg/sm record) are visible
// without standing up a collector. Returns a shutdown func the caller
// must call before exit to flush pending spans. Safe to call more than
// once; each call installs its own provider globally, so callers should
// only call it once at process start.
func InitTracing(ctx context.Context, serviceName string) (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("core: building stdout trace exporter: %w", err)
	}
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		return nil, fmt.Errorf("core: building trace resource: %w", err)
	}
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)
	return provider.Shutdown, nil
}

// Tracer returns the package-wide tracer. Before InitTracing is called
// this resolves to otel's no-op tracer, so spans started in tests or in
// a client embedded without tracing configured cost nothing beyond the
// no-op call itself.
func Tracer() trace.Tracer {
	return otel.Tracer(TracerName)
}
