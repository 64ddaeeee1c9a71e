// Package telemetry wires the gateway's tracer and meter names.
package telemetry

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	ServiceName = "mcp-gateway"
	TracerName  = "github.com/localmcp/gateway"
	MeterName   = "github.com/localmcp/gateway"
)

const (
	MetricConnects          = "mcp_gateway.server_connects"
	MetricReconnects        = "mcp_gateway.server_reconnects"
	MetricNotificationsSent = "mcp_gateway.notifications_sent"
)

var (
	tracer trace.Tracer = otel.Tracer(TracerName)
	meter  metric.Meter  = otel.Meter(MeterName)
)

// Tracer returns the package-wide tracer, used to span tool calls in the
// router.
func Tracer() trace.Tracer { return tracer }

// ConnectCounter, ReconnectCounter, and NotificationsSentCounter are the
// instruments the pool and notifier increment; a failed instrument
// creation leaves them nil-valued no-ops rather than a panic.
var (
	ConnectCounter, _           = meter.Int64Counter(MetricConnects)
	ReconnectCounter, _         = meter.Int64Counter(MetricReconnects)
	NotificationsSentCounter, _ = meter.Int64Counter(MetricNotificationsSent)
)
