package observability

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/ajitpratap0/intacct-extractor/pkg/config"
)

func TestDisabledTracingIsNoop(t *testing.T) {
	tr, err := Init(context.Background(), config.TracingConfig{Enabled: false})
	require.NoError(t, err)
	assert.False(t, tr.Enabled())

	_, span := tr.Tracer("test").Start(context.Background(), "noop")
	assert.False(t, span.SpanContext().IsValid())
	span.End()
	assert.NoError(t, tr.Shutdown(context.Background()))
}

func TestSpansAreExported(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tr, err := Init(context.Background(), config.TracingConfig{Enabled: true, SamplingRate: 1},
		WithExporter(exporter), WithVersion("test"))
	require.NoError(t, err)
	assert.True(t, tr.Enabled())

	ctx := context.Background()
	_, span := tr.Tracer("test").Start(ctx, "extract.object")
	span.End()

	// the in-memory exporter drops its spans on shutdown
	require.NoError(t, tr.provider.ForceFlush(ctx))
	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "extract.object", spans[0].Name)

	require.NoError(t, tr.Shutdown(ctx))
	assert.Empty(t, exporter.GetSpans())
}

func TestStdoutExporterWritesToWriter(t *testing.T) {
	var buf bytes.Buffer
	tr, err := Init(context.Background(), config.TracingConfig{Enabled: true, SamplingRate: 1}, WithWriter(&buf))
	require.NoError(t, err)

	_, span := tr.Tracer("test").Start(context.Background(), "intacct.fetch_page")
	span.End()
	require.NoError(t, tr.Shutdown(context.Background()))
	assert.Contains(t, buf.String(), "intacct.fetch_page")
}

func TestSampler(t *testing.T) {
	assert.Equal(t, "AlwaysOffSampler", sampler(0).Description())
	assert.Equal(t, "AlwaysOnSampler", sampler(1).Description())
	assert.Contains(t, sampler(0.5).Description(), "TraceIDRatioBased")
}
