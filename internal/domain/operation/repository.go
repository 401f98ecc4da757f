package operation

import "context"

// Repository defines the persistence contract for bulk operations.
// The server records every accepted operation and its terminal outcome so
// operators can audit bulk actions after the fact.
type Repository interface {
	// Create persists a new operation record.
	Create(ctx context.Context, op *Operation) error

	// Update modifies an existing operation with new state information.
	Update(ctx context.Context, op *Operation) error

	// FindByID retrieves an operation by ID.
	// Returns ErrOperationNotFound if the operation doesn't exist.
	FindByID(ctx context.Context, id string) (*Operation, error)

	// FindByStatus retrieves operations with a specific status.
	FindByStatus(ctx context.Context, status Status) ([]*Operation, error)

	// FindIncomplete retrieves all non-terminal operations.
	FindIncomplete(ctx context.Context) ([]*Operation, error)
}
