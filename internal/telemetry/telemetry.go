// Package telemetry wraps pool mutations in OpenTelemetry spans. It
// wires the otel SDK's TracerProvider the way the metrics package wires
// promauto — a small constructor plus recording helpers — since the
// teacher repo does not itself set up tracing, only exemplar lookups
// against spans already present on the context.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/kenneth/cryptmalloc"

// Provider wraps an otel SDK TracerProvider scoped to this module's
// instrumentation name.
type Provider struct {
	tp     *sdktrace.TracerProvider
	tracer trace.Tracer
}

// NewProvider builds a Provider from a list of span processors (batchers,
// exporters). Passing no processors yields a tracer that still records
// spans in memory but exports nothing — useful for tests and for callers
// who only want exemplar trace IDs on their metrics.
func NewProvider(opts ...sdktrace.TracerProviderOption) *Provider {
	tp := sdktrace.NewTracerProvider(opts...)
	return &Provider{tp: tp, tracer: tp.Tracer(instrumentationName)}
}

// TracerProvider returns the underlying otel TracerProvider, for callers
// that want to register it as the global provider or pass it to other
// instrumented components.
func (p *Provider) TracerProvider() *sdktrace.TracerProvider {
	return p.tp
}

// Shutdown flushes and stops every registered span processor.
func (p *Provider) Shutdown(ctx context.Context) error {
	return p.tp.Shutdown(ctx)
}

// StartAllocate starts a span around an AllocateBlock call.
func (p *Provider) StartAllocate(ctx context.Context, size, alignment uint32) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "pool.AllocateBlock",
		trace.WithAttributes(
			attribute.Int64("cryptmalloc.size", int64(size)),
			attribute.Int64("cryptmalloc.alignment", int64(alignment)),
		),
	)
}

// StartRelease starts a span around a ReleaseBlock call.
func (p *Provider) StartRelease(ctx context.Context, handle uint32) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "pool.ReleaseBlock",
		trace.WithAttributes(
			attribute.Int64("cryptmalloc.handle", int64(handle)),
		),
	)
}

// StartNoiseMerge starts a span around a noise-state merge performed
// while fanning out an oblivious operation across slabs.
func (p *Provider) StartNoiseMerge(ctx context.Context) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "router.Combine")
}

// EndWithResult records the outcome of err on span and ends it. Passing
// a nil error marks the span Ok; any other error marks it Error and
// attaches the message (no ciphertext values are ever placed on a span).
func EndWithResult(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
