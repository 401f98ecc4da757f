// Package postgres provides the PostgreSQL implementation of the user
// repository.
package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/opstream/internal/domain/user"
	"github.com/ahrav/opstream/internal/infra/storage"
)

var _ user.Repository = (*userStore)(nil)

// userStore implements user.Repository using pgx.
type userStore struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
}

var defaultDBAttributes = []attribute.KeyValue{attribute.String("db.system", "postgresql")}

// NewUserStore creates a user.Repository backed by PostgreSQL.
func NewUserStore(pool *pgxpool.Pool, tracer trace.Tracer) user.Repository {
	return &userStore{pool: pool, tracer: tracer}
}

const createUserQuery = `
INSERT INTO users (id, email, name, active, email_verified, password_reset_required, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`

// Create persists a new user.
func (s *userStore) Create(ctx context.Context, u *user.User) error {
	dbAttrs := append(defaultDBAttributes, attribute.String("user.id", u.ID))

	return storage.ExecuteAndTrace(ctx, s.tracer, "userStore.Create", dbAttrs, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, createUserQuery,
			u.ID, u.Email, u.Name, u.Active, u.EmailVerified, u.PasswordResetRequired, u.CreatedAt,
		)
		return err
	})
}

const findUserQuery = `
SELECT id, email, name, active, email_verified, password_reset_required, created_at, updated_at
FROM users WHERE id = $1`

// FindByID retrieves a user by ID.
// Returns ErrUserNotFound if the user doesn't exist.
func (s *userStore) FindByID(ctx context.Context, id string) (*user.User, error) {
	dbAttrs := append(defaultDBAttributes, attribute.String("user.id", id))

	var u user.User
	err := storage.ExecuteAndTrace(ctx, s.tracer, "userStore.FindByID", dbAttrs, func(ctx context.Context) error {
		var updatedAt pgtype.Timestamptz
		err := s.pool.QueryRow(ctx, findUserQuery, id).Scan(
			&u.ID, &u.Email, &u.Name, &u.Active, &u.EmailVerified,
			&u.PasswordResetRequired, &u.CreatedAt, &updatedAt,
		)
		if errors.Is(err, pgx.ErrNoRows) {
			return user.ErrUserNotFound
		}
		if err != nil {
			return err
		}
		if updatedAt.Valid {
			t := updatedAt.Time
			u.UpdatedAt = &t
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &u, nil
}

const updateUserQuery = `
UPDATE users SET
    email = $2, name = $3, active = $4, email_verified = $5,
    password_reset_required = $6, updated_at = $7
WHERE id = $1`

// Update persists mutated user fields.
// Returns ErrUserNotFound if no row matched.
func (s *userStore) Update(ctx context.Context, u *user.User) error {
	dbAttrs := append(defaultDBAttributes, attribute.String("user.id", u.ID))

	return storage.ExecuteAndTrace(ctx, s.tracer, "userStore.Update", dbAttrs, func(ctx context.Context) error {
		updatedAt := time.Now().UTC()
		tag, err := s.pool.Exec(ctx, updateUserQuery,
			u.ID, u.Email, u.Name, u.Active, u.EmailVerified, u.PasswordResetRequired, updatedAt,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return user.ErrUserNotFound
		}
		u.UpdatedAt = &updatedAt
		return nil
	})
}

// Delete removes the user record.
// Returns ErrUserNotFound if the user doesn't exist.
func (s *userStore) Delete(ctx context.Context, id string) error {
	dbAttrs := append(defaultDBAttributes, attribute.String("user.id", id))

	return storage.ExecuteAndTrace(ctx, s.tracer, "userStore.Delete", dbAttrs, func(ctx context.Context) error {
		tag, err := s.pool.Exec(ctx, "DELETE FROM users WHERE id = $1", id)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return user.ErrUserNotFound
		}
		return nil
	})
}
