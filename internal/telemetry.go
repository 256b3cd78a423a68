package internal

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry bundles the logger, tracer and meter of one node component.
// Transport diagnostic counters are exported through the meter; with no SDK
// installed all of it degrades to no-ops.
type Telemetry struct {
	component string
	nodeID    uint8

	l *Logger

	tracer trace.Tracer
	meter  metric.Meter
}

// NewTelemetry creates the telemetry bundle for a component.
func NewTelemetry(component string, nodeID uint8) *Telemetry {
	return &Telemetry{
		component: component,
		nodeID:    nodeID,

		l: NewLogger(component, nodeID),

		tracer: otel.GetTracerProvider().Tracer("uavcan"),
		meter:  otel.GetMeterProvider().Meter("uavcan"),
	}
}

func (t *Telemetry) Logger() *Logger {
	return t.l
}

func (t *Telemetry) LogInfo(msg string, args ...any) {
	t.l.Info(msg, args...)
}

func (t *Telemetry) LogWarn(msg string, args ...any) {
	t.l.Warn(msg, args...)
}

func (t *Telemetry) LogError(msg string, err error, args ...any) {
	t.l.Error(msg, err, args...)
}

func (t *Telemetry) setDefaultAttributes(span trace.Span) {
	span.SetAttributes(
		attribute.String("uavcan.component", t.component),
		attribute.Int("uavcan.node_id", int(t.nodeID)),
	)
}

// NewTrace starts a span tagged with the component and node ID.
func (t *Telemetry) NewTrace(ctx context.Context, spanName string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, spanName, opts...)
	t.setDefaultAttributes(span)
	return ctx, span
}

func (t *Telemetry) getMeterName(name string) string {
	return fmt.Sprintf("%s_%s", t.component, name)
}

// NewObservableCounter registers a monotonic counter read from the given
// callback, typically an atomic owned by the transport layer.
func (t *Telemetry) NewObservableCounter(name string, read func() int64, opts ...metric.Int64ObservableCounterOption) {
	counterName := t.getMeterName(name)
	opts = append(opts, metric.WithInt64Callback(
		func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(read(), metric.WithAttributes(attribute.Int("node_id", int(t.nodeID))))
			return nil
		},
	))
	if _, err := t.meter.Int64ObservableCounter(counterName, opts...); err != nil {
		t.LogError("failed to create counter", err, "name", name)
	}
}

// NewCounter creates a plain monotonic counter.
func (t *Telemetry) NewCounter(name string, opts ...metric.Int64CounterOption) metric.Int64Counter {
	counterName := t.getMeterName(name)
	counter, err := t.meter.Int64Counter(counterName, opts...)
	if err != nil {
		t.LogError("failed to create counter", err, "name", name)
	}
	return counter
}
