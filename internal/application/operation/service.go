// Package operation provides operation-related application services.
package operation

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/opstream/internal/application/executor"
	"github.com/ahrav/opstream/internal/domain/operation"
	"github.com/ahrav/opstream/pkg/common/logger"
	"github.com/ahrav/opstream/pkg/common/timeutil"
)

// Service coordinates operation queries and cancellation, abstracting the
// underlying data persistence and the registry of in-flight runs.
type Service struct {
	repo     operation.Repository
	registry *executor.Registry
	clock    timeutil.Provider

	logger *logger.Logger
	tracer trace.Tracer
}

// NewService creates a new operation service with the provided repository.
// The registry is consulted for cancellation of operations still in flight.
func NewService(repo operation.Repository, registry *executor.Registry, logger *logger.Logger, tracer trace.Tracer) *Service {
	return &Service{
		repo:     repo,
		registry: registry,
		clock:    timeutil.Default(),
		logger:   logger.With("component", "operation_service"),
		tracer:   tracer,
	}
}

// GetByID retrieves an operation by its ID.
// Returns the operation or an appropriate error if not found or if retrieval fails.
func (s *Service) GetByID(ctx context.Context, operationID string) (*operation.Operation, error) {
	ctx, span := s.tracer.Start(ctx, "operation.GetByID", trace.WithAttributes(
		attribute.String("operation_id", operationID),
	))
	defer span.End()

	op, err := s.repo.FindByID(ctx, operationID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "error retrieving operation")
		return nil, fmt.Errorf("failed to retrieve operation: %w", err)
	}
	s.logger.Info(ctx, "operation retrieved", "operation_id", operationID)
	span.AddEvent("operation retrieved")
	span.SetStatus(codes.Ok, "operation retrieved")

	return op, nil
}

// Cancel requests cancellation of an operation. An in-flight run is aborted
// through the registry and records its own terminal state; an orphaned
// record that is still non-terminal is transitioned directly.
func (s *Service) Cancel(ctx context.Context, operationID string) (*operation.Operation, error) {
	ctx, span := s.tracer.Start(ctx, "operation.Cancel", trace.WithAttributes(
		attribute.String("operation_id", operationID),
	))
	defer span.End()

	op, err := s.repo.FindByID(ctx, operationID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "error retrieving operation")
		return nil, fmt.Errorf("failed to retrieve operation: %w", err)
	}

	if op.IsTerminal() {
		// Cancelling a finished operation is a harmless no-op.
		span.AddEvent("operation already terminal")
		span.SetStatus(codes.Ok, "operation already terminal")
		return op, nil
	}

	if s.registry.Cancel(operationID) {
		s.logger.Info(ctx, "in-flight operation cancellation requested", "operation_id", operationID)
		span.AddEvent("in-flight run aborted")
		span.SetStatus(codes.Ok, "cancellation requested")
		return op, nil
	}

	// No run owns the record anymore, e.g. after a server restart.
	if err := op.Cancel(s.clock.Now()); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "operation not cancellable")
		return nil, err
	}
	if err := s.repo.Update(ctx, op); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "error persisting cancellation")
		return nil, fmt.Errorf("failed to update operation: %w", err)
	}
	s.logger.Info(ctx, "orphaned operation cancelled", "operation_id", operationID)
	span.AddEvent("orphaned operation cancelled")
	span.SetStatus(codes.Ok, "operation cancelled")

	return op, nil
}

// ListIncompleteOperations returns all operations that haven't reached a terminal state.
// Useful for finding operations that may need attention or monitoring.
func (s *Service) ListIncompleteOperations(ctx context.Context) ([]*operation.Operation, error) {
	ctx, span := s.tracer.Start(ctx, "operation.ListIncompleteOperations")
	defer span.End()

	ops, err := s.repo.FindIncomplete(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "error retrieving incomplete operations")
		return nil, fmt.Errorf("failed to retrieve incomplete operations: %w", err)
	}
	s.logger.Info(ctx, "incomplete operations retrieved", "operation_count", len(ops))
	span.AddEvent("incomplete operations retrieved", trace.WithAttributes(
		attribute.Int("operation_count", len(ops)),
	))
	span.SetStatus(codes.Ok, "incomplete operations retrieved")

	return ops, nil
}

// ListStalledOperations returns operations that have been running longer than the specified threshold.
// Helps identify operations that may be stuck or need intervention.
func (s *Service) ListStalledOperations(ctx context.Context, threshold time.Duration) ([]*operation.Operation, error) {
	ctx, span := s.tracer.Start(ctx, "operation.ListStalledOperations", trace.WithAttributes(
		attribute.String("threshold", threshold.String()),
	))
	defer span.End()

	runningOps, err := s.repo.FindByStatus(ctx, operation.StatusRunning)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "error retrieving running operations")
		return nil, fmt.Errorf("failed to retrieve running operations: %w", err)
	}
	span.AddEvent("running operations retrieved", trace.WithAttributes(
		attribute.Int("operation_count", len(runningOps)),
	))
	span.SetStatus(codes.Ok, "running operations retrieved")

	var stalledOps []*operation.Operation
	now := s.clock.Now()

	for _, op := range runningOps {
		if op.StartTime != nil && now.Sub(*op.StartTime) > threshold {
			stalledOps = append(stalledOps, op)
		}
	}

	return stalledOps, nil
}
