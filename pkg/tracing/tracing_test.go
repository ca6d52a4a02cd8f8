package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func recordSpans(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	sr := tracetest.NewSpanRecorder()
	tp := tracesdk.NewTracerProvider(tracesdk.WithSpanProcessor(sr))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})
	return sr
}

func attrValue(attrs []attribute.KeyValue, key attribute.Key) string {
	for _, kv := range attrs {
		if kv.Key == key {
			return kv.Value.Emit()
		}
	}
	return ""
}

func TestInit_Disabled(t *testing.T) {
	tp, err := Init(Config{Enabled: false})
	require.NoError(t, err)
	assert.NoError(t, tp.Shutdown(context.Background()))

	var nilProvider *TracerProvider
	assert.NoError(t, nilProvider.Shutdown(context.Background()))
}

func TestSpanHelpers_NoProvider(t *testing.T) {
	ctx, span := StartSpan(context.Background(), "test.operation")
	require.NotNil(t, span)
	defer span.End()

	assert.NotPanics(t, func() {
		AddSpanAttributes(ctx, attribute.String("test.key", "test.value"))
		RecordError(ctx, errors.New("boom"))
	})
}

func TestTraceWebSocketMessage_Records(t *testing.T) {
	sr := recordSpans(t)

	ctx, span := TraceWebSocketMessage(context.Background(), "invite", "alice")
	AddSpanAttributes(ctx, TargetPeerIDKey.String("bob"))
	RecordError(ctx, errors.New("peer not found"))
	span.End()

	ended := sr.Ended()
	require.Len(t, ended, 1)
	got := ended[0]
	assert.Equal(t, "rendezvous.invite", got.Name())
	assert.Equal(t, codes.Error, got.Status().Code)
	assert.Equal(t, "alice", attrValue(got.Attributes(), PeerIDKey))
	assert.Equal(t, "bob", attrValue(got.Attributes(), TargetPeerIDKey))
	assert.Equal(t, "invite", attrValue(got.Attributes(), MessageTypeKey))
}

func TestTraceRelay_ChildOfMessage(t *testing.T) {
	sr := recordSpans(t)

	ctx, parent := TraceWebSocketMessage(context.Background(), "data", "alice")
	_, child := TraceRelay(ctx, "data", "bob", "rdv_b")
	child.End()
	parent.End()

	ended := sr.Ended()
	require.Len(t, ended, 2)
	relay := ended[0]
	assert.Equal(t, "relay.data", relay.Name())
	assert.Equal(t, parent.SpanContext().SpanID(), relay.Parent().SpanID())
	assert.Equal(t, "rdv_b", attrValue(relay.Attributes(), InstanceIDKey))
}

func TestTraceHTTPRequest(t *testing.T) {
	sr := recordSpans(t)

	_, span := TraceHTTPRequest(context.Background(), "GET", "/api/v1/peers/:id")
	span.End()

	ended := sr.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, "http.GET", ended[0].Name())
}
