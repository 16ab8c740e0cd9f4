package otel

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// GetMeterProvider returns the global meter provider installed by
// InitTelemetry. Components build their instrument sets from it.
func GetMeterProvider() metric.MeterProvider { return otel.GetMeterProvider() }
