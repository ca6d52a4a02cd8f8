package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/carabina/PeerConnectivity"

// Span attributes shared by the rendezvous server and its HTTP API.
var (
	PeerIDKey       = attribute.Key("peer.id")
	TargetPeerIDKey = attribute.Key("peer.target_id")
	ServiceTypeKey  = attribute.Key("peer.service_type")
	InstanceIDKey   = attribute.Key("rendezvous.instance_id")
	MessageTypeKey  = attribute.Key("rendezvous.message_type")
)

type Config struct {
	Enabled     bool
	ServiceName string
	Version     string
	InstanceID  string
	JaegerURL   string
	Environment string
	SampleRate  float64
}

// TracerProvider owns the exporter pipeline. The zero value is a disabled
// provider whose Shutdown is a no-op.
type TracerProvider struct {
	tp *tracesdk.TracerProvider
}

// Init installs a Jaeger-backed global tracer provider. With tracing
// disabled the global no-op provider stays in place.
func Init(cfg Config) (*TracerProvider, error) {
	if !cfg.Enabled {
		return &TracerProvider{}, nil
	}

	exp, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(cfg.JaegerURL)))
	if err != nil {
		return nil, fmt.Errorf("failed to create Jaeger exporter: %w", err)
	}

	version := cfg.Version
	if version == "" {
		version = "dev"
	}
	attrs := []attribute.KeyValue{
		semconv.ServiceNameKey.String(cfg.ServiceName),
		semconv.ServiceVersionKey.String(version),
		attribute.String("environment", cfg.Environment),
	}
	if cfg.InstanceID != "" {
		attrs = append(attrs, InstanceIDKey.String(cfg.InstanceID))
	}
	res, err := resource.New(context.Background(), resource.WithAttributes(attrs...))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := tracesdk.NewTracerProvider(
		tracesdk.WithBatcher(exp),
		tracesdk.WithResource(res),
		tracesdk.WithSampler(tracesdk.ParentBased(tracesdk.TraceIDRatioBased(cfg.SampleRate))),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &TracerProvider{tp: tp}, nil
}

// Shutdown flushes pending spans.
func (tp *TracerProvider) Shutdown(ctx context.Context) error {
	if tp == nil || tp.tp == nil {
		return nil
	}
	return tp.tp.Shutdown(ctx)
}

func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, opts...)
}

// AddSpanAttributes annotates the span in ctx, if it is recording.
func AddSpanAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.SetAttributes(attrs...)
	}
}

// RecordError marks the span in ctx as failed with err.
func RecordError(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

func TraceHTTPRequest(ctx context.Context, method, route string) (context.Context, trace.Span) {
	return StartSpan(ctx, "http."+method,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			semconv.HTTPMethodKey.String(method),
			semconv.HTTPRouteKey.String(route),
		),
	)
}

// TraceWebSocketMessage spans the handling of one rendezvous message sent
// by peerID.
func TraceWebSocketMessage(ctx context.Context, messageType, peerID string) (context.Context, trace.Span) {
	return StartSpan(ctx, "rendezvous."+messageType,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			MessageTypeKey.String(messageType),
			PeerIDKey.String(peerID),
		),
	)
}

// TraceRelay spans a message forwarded to a peer attached to another
// instance.
func TraceRelay(ctx context.Context, messageType, targetPeerID, instanceID string) (context.Context, trace.Span) {
	return StartSpan(ctx, "relay."+messageType,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			MessageTypeKey.String(messageType),
			TargetPeerIDKey.String(targetPeerID),
			InstanceIDKey.String(instanceID),
		),
	)
}
