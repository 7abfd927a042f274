package traces

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInit_DisabledWithoutEndpoint(t *testing.T) {
	shutdown, err := Init(context.Background(), "", "test", slog.Default())
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestSpans_RecordAttributesAndFailure(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	ctx, span := StartSpan(context.Background(), "gateway.call", RequestID("req_1"))
	Annotate(ctx, AgentID("agt_1"), ChainID(84532))
	Fail(span, errors.New("backend down"))
	Fail(span, nil)
	span.End()

	ended := rec.Ended()
	require.Len(t, ended, 1)
	got := ended[0]
	assert.Equal(t, "gateway.call", got.Name())
	assert.Equal(t, codes.Error, got.Status().Code)
	assert.Equal(t, "backend down", got.Status().Description)

	attrs := map[attribute.Key]attribute.Value{}
	for _, kv := range got.Attributes() {
		attrs[kv.Key] = kv.Value
	}
	assert.Equal(t, "req_1", attrs["request.id"].AsString())
	assert.Equal(t, "agt_1", attrs["agent.id"].AsString())
	assert.Equal(t, int64(84532), attrs["chain.id"].AsInt64())
}
