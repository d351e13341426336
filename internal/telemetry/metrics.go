// Package telemetry exposes the connector's OpenTelemetry instruments.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Attribute keys follow OpenTelemetry naming conventions.
const (
	AttrMarket    = attribute.Key("market")
	AttrOrderSide = attribute.Key("order.side")
	AttrOrderKind = attribute.Key("order.kind")
	AttrChannel   = attribute.Key("channel")
	AttrResult    = attribute.Key("result")
	AttrErrorCode = attribute.Key("error.code")
)

// ConnectorMetrics aggregates the instruments emitted by the connector.
// A nil receiver disables recording, so wiring metrics stays optional.
type ConnectorMetrics struct {
	ordersSubmitted metric.Int64Counter
	ordersRejected  metric.Int64Counter
	orderLatency    metric.Float64Histogram
	reconnects      metric.Int64Counter
	dispatchDrops   metric.Int64Counter
	restErrors      metric.Int64Counter
}

// NewConnectorMetrics registers the connector instruments on the global meter.
func NewConnectorMetrics() *ConnectorMetrics {
	meter := otel.Meter("connector.whitebit")

	m := new(ConnectorMetrics)
	m.ordersSubmitted, _ = meter.Int64Counter("whitebit_orders_submitted",
		metric.WithDescription("Orders accepted by the venue"),
		metric.WithUnit("{order}"))
	m.ordersRejected, _ = meter.Int64Counter("whitebit_orders_rejected",
		metric.WithDescription("Orders rejected before or by the venue"),
		metric.WithUnit("{order}"))
	m.orderLatency, _ = meter.Float64Histogram("whitebit_order_latency",
		metric.WithDescription("Round-trip latency of order submissions"),
		metric.WithUnit("ms"))
	m.reconnects, _ = meter.Int64Counter("whitebit_stream_reconnects",
		metric.WithDescription("Streaming socket reconnect attempts"),
		metric.WithUnit("{attempt}"))
	m.dispatchDrops, _ = meter.Int64Counter("whitebit_dispatch_drops",
		metric.WithDescription("Push updates dropped because the dispatch queue was full or unrouted"),
		metric.WithUnit("{update}"))
	m.restErrors, _ = meter.Int64Counter("whitebit_rest_errors",
		metric.WithDescription("REST calls that returned a typed error"),
		metric.WithUnit("{error}"))
	return m
}

// RecordOrderSubmitted counts one accepted submission.
func (m *ConnectorMetrics) RecordOrderSubmitted(ctx context.Context, market, side, kind string) {
	if m == nil || m.ordersSubmitted == nil {
		return
	}
	m.ordersSubmitted.Add(ctx, 1, metric.WithAttributes(
		AttrMarket.String(market), AttrOrderSide.String(side), AttrOrderKind.String(kind)))
}

// RecordOrderRejected counts one rejected submission.
func (m *ConnectorMetrics) RecordOrderRejected(ctx context.Context, market, reason string) {
	if m == nil || m.ordersRejected == nil {
		return
	}
	m.ordersRejected.Add(ctx, 1, metric.WithAttributes(
		AttrMarket.String(market), AttrErrorCode.String(reason)))
}

// RecordOrderLatency records one submission round trip.
func (m *ConnectorMetrics) RecordOrderLatency(ctx context.Context, market string, elapsed time.Duration) {
	if m == nil || m.orderLatency == nil {
		return
	}
	m.orderLatency.Record(ctx, float64(elapsed.Milliseconds()),
		metric.WithAttributes(AttrMarket.String(market)))
}

// RecordReconnect counts one reconnect attempt with its outcome.
func (m *ConnectorMetrics) RecordReconnect(ctx context.Context, result string) {
	if m == nil || m.reconnects == nil {
		return
	}
	m.reconnects.Add(ctx, 1, metric.WithAttributes(AttrResult.String(result)))
}

// RecordDispatchDrop counts one dropped push update.
func (m *ConnectorMetrics) RecordDispatchDrop(ctx context.Context, channel string) {
	if m == nil || m.dispatchDrops == nil {
		return
	}
	m.dispatchDrops.Add(ctx, 1, metric.WithAttributes(AttrChannel.String(channel)))
}

// RecordRESTError counts one typed REST failure.
func (m *ConnectorMetrics) RecordRESTError(ctx context.Context, code string) {
	if m == nil || m.restErrors == nil {
		return
	}
	m.restErrors.Add(ctx, 1, metric.WithAttributes(AttrErrorCode.String(code)))
}
