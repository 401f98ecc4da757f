// Package metrics provides the OpenTelemetry implementations of the metric
// interfaces declared by the application layer.
package metrics

import (
	"go.opentelemetry.io/otel/metric"

	"github.com/ahrav/opstream/internal/application/executor"
	"github.com/ahrav/opstream/internal/application/sdk/mid"
)

const namespace = "opstream"

// Registry provides access to all metric implementations.
// It centralizes the creation and management of metrics instances.
type Registry struct {
	API      mid.APIMetrics
	Executor executor.ExecutionMetrics
}

// NewRegistry creates and initializes all metrics implementations.
// It uses a single meter provider to ensure consistent configuration.
func NewRegistry(mp metric.MeterProvider) (*Registry, error) {
	apiMetrics, err := newAPIMetrics(mp)
	if err != nil {
		return nil, err
	}

	executorMetrics, err := newExecutorMetrics(mp)
	if err != nil {
		return nil, err
	}

	return &Registry{
		API:      apiMetrics,
		Executor: executorMetrics,
	}, nil
}
