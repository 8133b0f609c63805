package telemetry

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const meterName = "qms/dispatch-service"

var (
	AttrOperation   = attribute.Key("operation")
	AttrOutcome     = attribute.Key("outcome")
	AttrStatusClass = attribute.Key("status_class")
)

// InitMeterProvider installs a global MeterProvider backed by a private
// Prometheus registry and returns the handler serving it.
func InitMeterProvider(ctx context.Context, serviceName string) (http.Handler, func(context.Context) error, error) {
	reg := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(reg))
	if err != nil {
		return nil, nil, err
	}
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		return nil, nil, err
	}
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(provider)
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true}), provider.Shutdown, nil
}

func Meter() metric.Meter {
	return otel.Meter(meterName)
}

// Metrics holds the dispatch instruments. A nil *Metrics records nothing.
type Metrics struct {
	operations      metric.Int64Counter
	conflicts       metric.Int64Counter
	waitSeconds     metric.Float64Histogram
	httpRequests    metric.Int64Counter
	realtimeClients metric.Int64UpDownCounter
}

func NewMetrics(meter metric.Meter) (*Metrics, error) {
	var m Metrics
	var err error
	if m.operations, err = meter.Int64Counter("dispatch_operations_total",
		metric.WithDescription("Ticket operations by outcome")); err != nil {
		return nil, err
	}
	if m.conflicts, err = meter.Int64Counter("dispatch_claim_conflicts_total",
		metric.WithDescription("Call-next claims lost to a concurrent counter")); err != nil {
		return nil, err
	}
	if m.waitSeconds, err = meter.Float64Histogram("dispatch_wait_seconds",
		metric.WithDescription("Time from issue to first call"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(30, 60, 120, 300, 600, 900, 1800, 3600)); err != nil {
		return nil, err
	}
	if m.httpRequests, err = meter.Int64Counter("http_requests_total",
		metric.WithDescription("HTTP requests by status class")); err != nil {
		return nil, err
	}
	if m.realtimeClients, err = meter.Int64UpDownCounter("dispatch_realtime_clients",
		metric.WithDescription("Connected realtime subscribers")); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Metrics) RecordOperation(ctx context.Context, operation, outcome string) {
	if m == nil {
		return
	}
	m.operations.Add(ctx, 1, metric.WithAttributes(AttrOperation.String(operation), AttrOutcome.String(outcome)))
}

func (m *Metrics) RecordConflict(ctx context.Context) {
	if m == nil {
		return
	}
	m.conflicts.Add(ctx, 1)
}

func (m *Metrics) RecordWait(ctx context.Context, wait time.Duration) {
	if m == nil || wait < 0 {
		return
	}
	m.waitSeconds.Record(ctx, wait.Seconds())
}

func (m *Metrics) RecordHTTPRequest(ctx context.Context, status int) {
	if m == nil {
		return
	}
	class := "5xx"
	switch {
	case status < 300:
		class = "2xx"
	case status < 400:
		class = "3xx"
	case status < 500:
		class = "4xx"
	}
	m.httpRequests.Add(ctx, 1, metric.WithAttributes(AttrStatusClass.String(class)))
}

func (m *Metrics) AddRealtimeClient(delta int64) {
	if m == nil {
		return
	}
	m.realtimeClients.Add(context.Background(), delta)
}
