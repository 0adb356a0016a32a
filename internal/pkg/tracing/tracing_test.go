package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInit_Disabled(t *testing.T) {
	shutdown, err := Init(context.Background(), "", 1)
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))

	ctx, span := StartSpan(context.Background(), "exec", SessionAttrs("s1", "c1", "default", "web-0")...)
	End(span, errors.New("boom"))
	assert.Equal(t, "", TraceIDFromContext(ctx))
}

func TestSessionAttrs_SkipsEmpty(t *testing.T) {
	assert.Len(t, SessionAttrs("s1", "", "", ""), 1)
	assert.Len(t, SessionAttrs("s1", "c1", "ns", "pod"), 4)
}

func TestIsGRPC(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_PROTOCOL", "")
	t.Setenv("OTEL_EXPORTER_OTLP_TRACES_PROTOCOL", "")
	assert.True(t, isGRPC("collector:4317"))
	assert.False(t, isGRPC("collector:4318"))
	t.Setenv("OTEL_EXPORTER_OTLP_PROTOCOL", "grpc")
	assert.True(t, isGRPC("collector:4318"))
}
