package user

import (
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Common errors that can be returned by user functions.
var (
	ErrUserNotFound      = errors.New("user not found")
	ErrUserAlreadyExists = errors.New("user already exists")
	ErrInvalidEmail      = errors.New("invalid email address")
)

// User represents an administrable account that bulk operations target.
type User struct {
	ID                    string
	Email                 string
	Name                  string
	Active                bool
	EmailVerified         bool
	PasswordResetRequired bool
	CreatedAt             time.Time
	UpdatedAt             *time.Time
}

// NewUser creates an active user with a fresh identifier.
// The email address is validated before the user is constructed.
func NewUser(email, name string) (*User, error) {
	email = strings.TrimSpace(email)
	if _, err := mail.ParseAddress(email); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidEmail, email)
	}

	return &User{
		ID:        uuid.NewString(),
		Email:     email,
		Name:      strings.TrimSpace(name),
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// Activate marks the user as able to sign in.
func (u *User) Activate() {
	u.Active = true
	now := time.Now().UTC()
	u.UpdatedAt = &now
}

// Deactivate blocks the user from signing in without destroying the record.
func (u *User) Deactivate() {
	u.Active = false
	now := time.Now().UTC()
	u.UpdatedAt = &now
}

// MarkEmailVerified records that the user's address has been confirmed.
func (u *User) MarkEmailVerified() {
	u.EmailVerified = true
	now := time.Now().UTC()
	u.UpdatedAt = &now
}

// RequirePasswordReset forces a credential rotation at next sign-in.
func (u *User) RequirePasswordReset() {
	u.PasswordResetRequired = true
	now := time.Now().UTC()
	u.UpdatedAt = &now
}
