package executor

import (
	"context"
	"time"
)

// ExecutionMetrics defines metrics for bulk operation execution.
type ExecutionMetrics interface {
	// IncOperationStarted increments the count of accepted bulk operations.
	IncOperationStarted(ctx context.Context, kind string)

	// IncOperationFinished increments the count of finished bulk operations
	// by terminal status.
	IncOperationFinished(ctx context.Context, kind string, status string)

	// IncItemProcessed increments the per-item counter by outcome.
	IncItemProcessed(ctx context.Context, kind string, success bool)

	// ObserveOperationDuration records how long a bulk operation ran.
	ObserveOperationDuration(ctx context.Context, kind string, duration time.Duration)
}

// noopMetrics is used when no metrics implementation is wired.
type noopMetrics struct{}

func (noopMetrics) IncOperationStarted(context.Context, string)                     {}
func (noopMetrics) IncOperationFinished(context.Context, string, string)            {}
func (noopMetrics) IncItemProcessed(context.Context, string, bool)                  {}
func (noopMetrics) ObserveOperationDuration(context.Context, string, time.Duration) {}
