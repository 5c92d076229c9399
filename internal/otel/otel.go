// Package otel wires OpenTelemetry metrics for the daemon, adapted from the
// teacher's team/workflow-scoped internal/otel to the job/task/lock/terminal
// instruments of spec §6: a Prometheus exporter feeding an OTel SDK
// MeterProvider, exposed at /metrics, fed by a bus subscription (see
// metrics.go) rather than call sites scattered through the runner.
package otel

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelglobal "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

const meterName = "github.com/numerus-run/numerus"

// InitMeterProvider initializes the global MeterProvider with a Prometheus
// exporter and returns an http.Handler that serves /metrics. Call once at
// daemon startup. If init fails, returns (nil, err); the caller falls back
// to running without metrics rather than failing the daemon.
func InitMeterProvider(ctx context.Context, serviceName string) (http.Handler, error) {
	if serviceName == "" {
		serviceName = "numerusd"
	}
	reg := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(reg))
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
		),
	)
	if err != nil {
		return nil, err
	}
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
	)
	otelglobal.SetMeterProvider(provider)
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true}), nil
}

// Meter returns the global numerus meter (after InitMeterProvider).
func Meter() metric.Meter {
	return otelglobal.Meter(meterName)
}

// Common attribute keys shared across the instruments in metrics.go and by
// internal/httpapi's request-route labeling.
var (
	AttrJobStatus = attribute.Key("job.status")
	AttrTaskState = attribute.Key("task.state")
	AttrLockMode  = attribute.Key("lock.mode")
	AttrReason    = attribute.Key("reason")
	AttrRoute     = attribute.Key("http.route")
)
