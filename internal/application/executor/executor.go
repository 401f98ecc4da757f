// Package executor runs accepted bulk operations against the user store,
// one target at a time, and reports progress through an event sink.
package executor

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/opstream/internal/domain/operation"
	"github.com/ahrav/opstream/internal/domain/user"
	"github.com/ahrav/opstream/pkg/common/logger"
	"github.com/ahrav/opstream/pkg/common/timeutil"
)

// EventSink receives progress events as the executor works through targets.
// The bulk HTTP handler implements it by writing newline-delimited JSON
// records to the response stream.
type EventSink interface {
	Emit(ctx context.Context, ev operation.ProgressEvent) error
}

// EventSinkFunc adapts a function to the EventSink interface.
type EventSinkFunc func(ctx context.Context, ev operation.ProgressEvent) error

func (f EventSinkFunc) Emit(ctx context.Context, ev operation.ProgressEvent) error {
	return f(ctx, ev)
}

// Notifier delivers user-facing messages for the email-flavored operation
// kinds.
type Notifier interface {
	SendWelcomeEmail(ctx context.Context, u *user.User) error
	SendPasswordResetEmail(ctx context.Context, u *user.User) error
}

// LogNotifier is a Notifier for deployments without a mail provider; it
// records each send as a log line so the operation still succeeds.
type LogNotifier struct{ Log *logger.Logger }

func (n LogNotifier) SendWelcomeEmail(ctx context.Context, u *user.User) error {
	n.Log.Info(ctx, "welcome email queued", "user_id", u.ID, "email", u.Email)
	return nil
}

func (n LogNotifier) SendPasswordResetEmail(ctx context.Context, u *user.User) error {
	n.Log.Info(ctx, "password reset email queued", "user_id", u.ID, "email", u.Email)
	return nil
}

// Option configures an Executor.
type Option func(*Executor)

// WithTimeProvider overrides the clock used for state transitions.
func WithTimeProvider(tp timeutil.Provider) Option {
	return func(e *Executor) { e.clock = tp }
}

// WithMetrics attaches execution metrics.
func WithMetrics(m ExecutionMetrics) Option {
	return func(e *Executor) { e.metrics = m }
}

// Executor applies bulk operations to their targets. Item-level failures are
// recorded and never end the run; only cancellation stops it early.
type Executor struct {
	users user.Repository
	ops   operation.Repository

	notifier Notifier
	metrics  ExecutionMetrics
	log      *logger.Logger
	tracer   trace.Tracer
	clock    timeutil.Provider
}

// New creates an executor over the given stores.
func New(
	users user.Repository,
	ops operation.Repository,
	notifier Notifier,
	log *logger.Logger,
	tracer trace.Tracer,
	opts ...Option,
) *Executor {
	e := &Executor{
		users:    users,
		ops:      ops,
		notifier: notifier,
		metrics:  noopMetrics{},
		log:      log.With("component", "bulk_executor"),
		tracer:   tracer,
		clock:    timeutil.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes the operation against its targets and returns the final
// snapshot. Progress is emitted to the sink after every item and once more
// with the terminal record.
//
// Cancellation is observed between items: work already done stands, the
// operation transitions to cancelled, and the terminal record reports the
// partial counts. The operation record is persisted on acceptance and again
// with its terminal outcome.
func (e *Executor) Run(ctx context.Context, op *operation.Operation, sink EventSink) (operation.Snapshot, error) {
	ctx, span := e.tracer.Start(ctx, "executor.Run", trace.WithAttributes(
		attribute.String("operation_id", op.ID),
		attribute.String("operation_kind", op.Kind.String()),
		attribute.Int("total_items", op.TotalItems),
	))
	defer span.End()

	startedAt := e.clock.Now()
	if err := op.Start(startedAt); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "operation not startable")
		return op.Snapshot(), err
	}
	if err := e.ops.Create(ctx, op); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "error persisting operation")
		return op.Snapshot(), fmt.Errorf("failed to persist operation: %w", err)
	}
	e.metrics.IncOperationStarted(ctx, op.Kind.String())
	e.log.Info(ctx, "bulk operation accepted",
		"operation_id", op.ID,
		"kind", op.Kind.String(),
		"total_items", op.TotalItems,
	)

	var successful, failed int
	emit := true
	for i, targetID := range op.TargetIDs {
		if ctx.Err() != nil {
			break
		}

		now := e.clock.Now()
		itemErr := e.applyItem(ctx, op.Kind, targetID)
		ev := operation.CounterEvent(i+1, successful, failed)
		if itemErr != nil {
			failed++
			*ev.FailedItems = failed
			ev.ItemError = &operation.ErrorRecord{
				ItemID:     targetID,
				Code:       itemErrorCode(itemErr),
				Message:    itemErr.Error(),
				OccurredAt: now,
			}
			e.log.Warn(ctx, "bulk item failed",
				"operation_id", op.ID,
				"item_id", targetID,
				"error", itemErr,
			)
		} else {
			successful++
			*ev.SuccessfulItems = successful
		}
		e.metrics.IncItemProcessed(ctx, op.Kind.String(), itemErr == nil)

		if err := op.ApplyProgress(ev, now); err != nil {
			break
		}
		if emit {
			if err := sink.Emit(ctx, ev); err != nil {
				// The consumer went away; finish the work but stop streaming.
				e.log.Warn(ctx, "progress sink closed, continuing without streaming",
					"operation_id", op.ID,
					"error", err,
				)
				emit = false
			}
		}
	}

	terminal := e.finish(ctx, op, successful, failed)
	if emit {
		if err := sink.Emit(ctx, terminal); err != nil {
			e.log.Warn(ctx, "failed to emit terminal record", "operation_id", op.ID, "error", err)
		}
	}

	// The terminal outcome is persisted even when the run was cancelled.
	persistCtx := context.WithoutCancel(ctx)
	if err := e.ops.Update(persistCtx, op); err != nil {
		span.RecordError(err)
		e.log.Error(ctx, "failed to persist terminal operation state",
			"operation_id", op.ID,
			"error", err,
		)
	}

	snap := op.Snapshot()
	e.metrics.IncOperationFinished(ctx, op.Kind.String(), string(snap.Status))
	e.metrics.ObserveOperationDuration(ctx, op.Kind.String(), e.clock.Now().Sub(startedAt))
	span.SetAttributes(
		attribute.String("status", string(snap.Status)),
		attribute.Int("successful_items", snap.SuccessfulItems),
		attribute.Int("failed_items", snap.FailedItems),
	)
	span.SetStatus(codes.Ok, string(snap.Status))
	e.log.Info(ctx, "bulk operation finished",
		"operation_id", op.ID,
		"status", string(snap.Status),
		"successful_items", snap.SuccessfulItems,
		"failed_items", snap.FailedItems,
	)

	return snap, nil
}

func (e *Executor) finish(ctx context.Context, op *operation.Operation, successful, failed int) operation.ProgressEvent {
	now := e.clock.Now()

	if ctx.Err() != nil && op.CanCancel() {
		_ = op.Cancel(now)
		return operation.TerminalEvent(operation.StatusCancelled, op.ProcessedItems, successful, failed, nil)
	}

	// Item failures do not fail the operation; the split in the terminal
	// record tells the caller how it went.
	ev := operation.TerminalEvent(operation.StatusCompleted, op.TotalItems, successful, failed, nil)
	_ = op.ApplyProgress(ev, now)
	return ev
}

func (e *Executor) applyItem(ctx context.Context, kind operation.Kind, targetID string) error {
	switch kind {
	case operation.KindDelete:
		return e.users.Delete(ctx, targetID)

	case operation.KindActivate:
		return e.mutateUser(ctx, targetID, func(u *user.User) { u.Activate() })

	case operation.KindDeactivate:
		return e.mutateUser(ctx, targetID, func(u *user.User) { u.Deactivate() })

	case operation.KindVerifyEmail:
		return e.mutateUser(ctx, targetID, func(u *user.User) { u.MarkEmailVerified() })

	case operation.KindResetPassword:
		u, err := e.users.FindByID(ctx, targetID)
		if err != nil {
			return err
		}
		u.RequirePasswordReset()
		if err := e.users.Update(ctx, u); err != nil {
			return err
		}
		return e.notifier.SendPasswordResetEmail(ctx, u)

	case operation.KindSendWelcomeEmail:
		u, err := e.users.FindByID(ctx, targetID)
		if err != nil {
			return err
		}
		return e.notifier.SendWelcomeEmail(ctx, u)

	case operation.KindExport:
		// Export only reads; a resolvable target counts as exported.
		_, err := e.users.FindByID(ctx, targetID)
		return err

	default:
		return fmt.Errorf("unsupported operation kind: %s", kind)
	}
}

func (e *Executor) mutateUser(ctx context.Context, targetID string, mutate func(*user.User)) error {
	u, err := e.users.FindByID(ctx, targetID)
	if err != nil {
		return err
	}
	mutate(u)
	return e.users.Update(ctx, u)
}

func itemErrorCode(err error) string {
	if errors.Is(err, user.ErrUserNotFound) {
		return "not_found"
	}
	return "item_failed"
}
