// Package metrics provides the OpenTelemetry-backed implementations of
// the application layer's metrics interfaces.
package metrics

import (
	"go.opentelemetry.io/otel/metric"

	"github.com/ferretworks/burrow/internal/application/worker"
)

const namespace = "burrow"

// Registry provides access to all metric implementations.
// It centralizes the creation and management of metrics instances.
type Registry struct {
	Worker worker.Metrics
}

// NewRegistry creates and initializes all metrics implementations.
// It uses a single meter provider to ensure consistent configuration.
func NewRegistry(mp metric.MeterProvider) (*Registry, error) {
	workerMetrics, err := newWorkerMetrics(mp)
	if err != nil {
		return nil, err
	}

	return &Registry{Worker: workerMetrics}, nil
}
