package telemetry

import (
	"context"
	"errors"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestProvider(t *testing.T) (*Provider, *tracetest.SpanRecorder) {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	p := NewProvider(sdktrace.WithSpanProcessor(recorder))
	return p, recorder
}

func TestStartAllocateRecordsAttributes(t *testing.T) {
	p, recorder := newTestProvider(t)

	_, span := p.StartAllocate(context.Background(), 64, 16)
	EndWithResult(span, nil)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "pool.AllocateBlock", spans[0].Name())
}

func TestStartReleaseRecordsError(t *testing.T) {
	p, recorder := newTestProvider(t)

	_, span := p.StartRelease(context.Background(), 9)
	EndWithResult(span, errors.New("handle not found"))

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "pool.ReleaseBlock", spans[0].Name())
	assert.NotEmpty(t, spans[0].Events())
}

func TestStartNoiseMergeSpan(t *testing.T) {
	p, recorder := newTestProvider(t)

	_, span := p.StartNoiseMerge(context.Background())
	EndWithResult(span, nil)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "router.Combine", spans[0].Name())
}

func TestProviderShutdown(t *testing.T) {
	p, _ := newTestProvider(t)
	assert.NoError(t, p.Shutdown(context.Background()))
}
