package telemetry

import (
	"context"
	"fmt"

	"github.com/colorfulnotion/dynarec/jit"
	"github.com/colorfulnotion/dynarec/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const (
	ServiceName = "dynarec"
	tracerName  = "github.com/colorfulnotion/dynarec/jit"
)

// NewTracerProvider returns a provider exporting over OTLP/HTTP to endpoint
// (host:port). With an empty endpoint spans are recorded but not exported.
// Callers own Shutdown.
func NewTracerProvider(ctx context.Context, endpoint string) (*sdktrace.TracerProvider, error) {
	res := resource.NewSchemaless(attribute.String("service.name", ServiceName))
	if endpoint == "" {
		return sdktrace.NewTracerProvider(sdktrace.WithResource(res)), nil
	}
	exp, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("otlp exporter %s: %w", endpoint, err)
	}
	log.Info(log.TelemetryModule, "OTLP trace export enabled", "endpoint", endpoint)
	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	), nil
}

// TracingCompiler wraps a compiler with one span per Jit call.
type TracingCompiler struct {
	inner  jit.Compiler
	cache  *jit.BlockCache
	tracer trace.Tracer
}

func NewTracingCompiler(inner jit.Compiler, cache *jit.BlockCache, tp trace.TracerProvider) *TracingCompiler {
	return &TracingCompiler{
		inner:  inner,
		cache:  cache,
		tracer: tp.Tracer(tracerName),
	}
}

func (c *TracingCompiler) Jit(address uint32) {
	before := c.cache.Stats()
	_, span := c.tracer.Start(context.Background(), "jit.compile",
		trace.WithAttributes(attribute.String("guest.address", fmt.Sprintf("%08x", address))))
	c.inner.Jit(address)
	after := c.cache.Stats()
	span.SetAttributes(
		attribute.Int("cache.blocks", after.Blocks),
		attribute.Bool("cache.finalized", after.Finalized > before.Finalized),
		attribute.Bool("cache.cleared", after.Generation != before.Generation),
	)
	span.End()
}
