package user

import "context"

// Repository defines the persistence contract for users.
// The bulk executor drives every kind of bulk action through this interface,
// one target at a time, so item-level failures stay isolated.
type Repository interface {
	// Create persists a new user.
	Create(ctx context.Context, u *User) error

	// FindByID retrieves a user by ID.
	// Returns ErrUserNotFound if the user doesn't exist.
	FindByID(ctx context.Context, id string) (*User, error)

	// Update persists mutated user fields.
	Update(ctx context.Context, u *User) error

	// Delete removes the user record.
	// Returns ErrUserNotFound if the user doesn't exist.
	Delete(ctx context.Context, id string) error
}
