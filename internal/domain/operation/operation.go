package operation

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Common errors that can be returned by operation functions.
var (
	ErrOperationNotFound = errors.New("operation not found")
	ErrAlreadyStarted    = errors.New("operation already started")
	ErrNotRunning        = errors.New("operation is not running or paused")
	ErrNotCancellable    = errors.New("operation can no longer be cancelled")
	ErrTerminal          = errors.New("operation already reached a terminal state")
	ErrNoTargets         = errors.New("operation requires at least one target")
)

// Kind represents the bulk action applied to every target identifier.
type Kind string

// Predefined bulk operation kinds supported by the system.
const (
	KindActivate         Kind = "activate"
	KindDeactivate       Kind = "deactivate"
	KindDelete           Kind = "delete"
	KindExport           Kind = "export"
	KindSendWelcomeEmail Kind = "send_welcome_email"
	KindResetPassword    Kind = "reset_password"
	KindVerifyEmail      Kind = "verify_email"
)

// IsValid checks if the kind is part of the closed set of supported bulk actions.
func (k Kind) IsValid() bool {
	switch k {
	case KindActivate, KindDeactivate, KindDelete, KindExport,
		KindSendWelcomeEmail, KindResetPassword, KindVerifyEmail:
		return true
	default:
		return false
	}
}

// String returns the string representation of the kind.
func (k Kind) String() string { return string(k) }

// ParseKind converts a string to a Kind with validation.
// Returns an error if the string does not represent a supported bulk action.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if !k.IsValid() {
		return "", fmt.Errorf("invalid operation kind: %s", s)
	}
	return k, nil
}

// ValidationError represents a domain validation error.
// It provides context about which field failed validation and why.
type ValidationError struct {
	Field   string
	Message string
}

// Error returns the error message for a ValidationError,
// implementing the error interface.
func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

// NewValidationError creates a new ValidationError with the given field and message.
func NewValidationError(field, message string) ValidationError {
	return ValidationError{Field: field, Message: message}
}

// Status represents the current state of a bulk operation.
type Status string

// Predefined statuses that represent the lifecycle of a bulk operation.
// pending -> running -> {paused, completed, failed, cancelled};
// paused -> running; terminal states accept no further transitions.
const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether the status accepts no further transitions.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// IsValid checks the status against the known lifecycle states.
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusPaused, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// ErrorRecord is one structured error accumulated during a run.
// Item-level failures are recorded here without terminating the operation.
type ErrorRecord struct {
	ItemID     string    `json:"item_id,omitempty"`
	Code       string    `json:"code,omitempty"`
	Message    string    `json:"message"`
	OccurredAt time.Time `json:"occurred_at,omitempty"`
}

// Operation represents one bulk action applied to a fixed set of target
// identifiers. The zero value is not usable; construct with New.
//
// An Operation is mutated by exactly one owner at a time: the server-side
// executor or the client-side coordinator run loop. Everything else reads
// immutable snapshots.
type Operation struct {
	ID        string
	Kind      Kind
	TargetIDs []string

	TotalItems      int
	ProcessedItems  int
	SuccessfulItems int
	FailedItems     int

	Status    Status
	StartTime *time.Time
	EndTime   *time.Time
	Errors    []ErrorRecord
}

// New creates a pending operation over the given targets.
// The target set is fixed for the lifetime of the operation.
func New(kind Kind, targetIDs []string) (*Operation, error) {
	if !kind.IsValid() {
		return nil, NewValidationError("kind", "invalid operation kind")
	}
	if len(targetIDs) == 0 {
		return nil, ErrNoTargets
	}

	ids := make([]string, len(targetIDs))
	copy(ids, targetIDs)

	return &Operation{
		ID:         uuid.NewString(),
		Kind:       kind,
		TargetIDs:  ids,
		TotalItems: len(ids),
		Status:     StatusPending,
	}, nil
}

// Start transitions the operation from pending to running and sets the start
// time. Calling Start twice on the same instance is a programming error and
// is reported as ErrAlreadyStarted without mutating state.
func (o *Operation) Start(now time.Time) error {
	if o.Status != StatusPending {
		return ErrAlreadyStarted
	}
	o.Status = StatusRunning
	o.StartTime = &now
	return nil
}

// ApplyProgress folds one decoded progress event into the operation.
// Valid only while running or paused; events arriving after a terminal state
// return ErrTerminal so the caller can log the discard.
//
// Counters only move forward: an out-of-order or duplicate event can never
// decrease processed/successful/failed, and processed is clamped to total.
func (o *Operation) ApplyProgress(ev ProgressEvent, now time.Time) error {
	if o.Status.IsTerminal() {
		return ErrTerminal
	}
	if o.Status != StatusRunning && o.Status != StatusPaused {
		return ErrNotRunning
	}

	if ev.SuccessfulItems != nil && *ev.SuccessfulItems > o.SuccessfulItems {
		o.SuccessfulItems = *ev.SuccessfulItems
	}
	if ev.FailedItems != nil && *ev.FailedItems > o.FailedItems {
		o.FailedItems = *ev.FailedItems
	}
	if ev.ProcessedItems != nil && *ev.ProcessedItems > o.ProcessedItems {
		o.ProcessedItems = *ev.ProcessedItems
	}
	// processed = successful + failed is the invariant; a terminal record may
	// carry only the success/failure split.
	if sum := o.SuccessfulItems + o.FailedItems; sum > o.ProcessedItems {
		o.ProcessedItems = sum
	}
	if o.ProcessedItems > o.TotalItems {
		o.ProcessedItems = o.TotalItems
	}

	o.Errors = append(o.Errors, ev.Errors...)
	if ev.ItemError != nil {
		o.Errors = append(o.Errors, *ev.ItemError)
	}

	if ev.Status != nil {
		switch *ev.Status {
		case StatusPaused:
			o.Status = StatusPaused
		case StatusRunning:
			o.Status = StatusRunning
		case StatusCompleted, StatusFailed, StatusCancelled:
			o.Status = *ev.Status
			o.EndTime = &now
		}
	}

	return nil
}

// Cancel transitions the operation to cancelled immediately. Valid only while
// pending or running; the in-flight request is aborted by the cancellation
// token as a side effect, never awaited here.
func (o *Operation) Cancel(now time.Time) error {
	if o.Status.IsTerminal() {
		return ErrTerminal
	}
	if o.Status != StatusPending && o.Status != StatusRunning {
		return ErrNotCancellable
	}
	o.Status = StatusCancelled
	o.EndTime = &now
	return nil
}

// Fail records the error and transitions to failed. Valid in any non-terminal
// state.
func (o *Operation) Fail(rec ErrorRecord, now time.Time) error {
	if o.Status.IsTerminal() {
		return ErrTerminal
	}
	o.Errors = append(o.Errors, rec)
	o.Status = StatusFailed
	o.EndTime = &now
	return nil
}

// CanCancel reports whether a cancellation request is still meaningful.
func (o *Operation) CanCancel() bool {
	return o.Status == StatusPending || o.Status == StatusRunning
}

// IsTerminal checks if the operation reached completed, failed, or cancelled.
func (o *Operation) IsTerminal() bool { return o.Status.IsTerminal() }

// Duration returns how long the operation ran, or nil before completion.
func (o *Operation) Duration() *time.Duration {
	if o.StartTime == nil || o.EndTime == nil {
		return nil
	}
	d := o.EndTime.Sub(*o.StartTime)
	return &d
}

// Snapshot is an immutable copy of an Operation for display and subscribers.
type Snapshot struct {
	ID              string        `json:"id"`
	Kind            Kind          `json:"kind"`
	Status          Status        `json:"status"`
	TotalItems      int           `json:"total_items"`
	ProcessedItems  int           `json:"processed_items"`
	SuccessfulItems int           `json:"successful_items"`
	FailedItems     int           `json:"failed_items"`
	StartTime       *time.Time    `json:"start_time,omitempty"`
	EndTime         *time.Time    `json:"end_time,omitempty"`
	Errors          []ErrorRecord `json:"errors,omitempty"`
	CanCancel       bool          `json:"can_cancel"`
}

// Snapshot returns an immutable copy of the current fields. It never blocks;
// callers needing a consistent view across goroutines serialize through the
// single owner of the Operation.
func (o *Operation) Snapshot() Snapshot {
	var errs []ErrorRecord
	if len(o.Errors) > 0 {
		errs = make([]ErrorRecord, len(o.Errors))
		copy(errs, o.Errors)
	}

	var start, end *time.Time
	if o.StartTime != nil {
		t := *o.StartTime
		start = &t
	}
	if o.EndTime != nil {
		t := *o.EndTime
		end = &t
	}

	return Snapshot{
		ID:              o.ID,
		Kind:            o.Kind,
		Status:          o.Status,
		TotalItems:      o.TotalItems,
		ProcessedItems:  o.ProcessedItems,
		SuccessfulItems: o.SuccessfulItems,
		FailedItems:     o.FailedItems,
		StartTime:       start,
		EndTime:         end,
		Errors:          errs,
		CanCancel:       o.CanCancel(),
	}
}
