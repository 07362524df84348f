package trace

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestInitTrace_DisabledIsNoop(t *testing.T) {
	shutdown, err := InitTrace("notify-test", "", 1)
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestStdoutExporter(t *testing.T) {
	var buf bytes.Buffer
	prev := stdoutWriter
	stdoutWriter = &buf
	t.Cleanup(func() { stdoutWriter = prev })

	exp, err := newExporter(context.Background(), HostStdout)
	require.NoError(t, err)

	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	_, span := tp.Tracer("test").Start(context.Background(), "notify.broadcast")
	span.End()
	require.NoError(t, tp.Shutdown(context.Background()))

	assert.Contains(t, buf.String(), "notify.broadcast")
}

func TestSampler(t *testing.T) {
	assert.Contains(t, sampler(0.5).Description(), "TraceIDRatioBased")
	assert.Contains(t, sampler(0).Description(), "AlwaysOnSampler")
	assert.Contains(t, sampler(1).Description(), "AlwaysOnSampler")
}
