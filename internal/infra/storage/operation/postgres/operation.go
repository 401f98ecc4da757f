// Package postgres provides the PostgreSQL implementation of the operation
// repository.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/opstream/internal/domain/operation"
	"github.com/ahrav/opstream/internal/infra/storage"
)

var _ operation.Repository = (*operationStore)(nil)

// operationStore implements operation.Repository using pgx.
type operationStore struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
}

// defaultDBAttributes defines standard OpenTelemetry attributes for database operations.
var defaultDBAttributes = []attribute.KeyValue{attribute.String("db.system", "postgresql")}

// NewOperationStore creates an operation.Repository backed by PostgreSQL.
// It provides persistence for bulk operations and their terminal outcomes.
func NewOperationStore(pool *pgxpool.Pool, tracer trace.Tracer) operation.Repository {
	return &operationStore{pool: pool, tracer: tracer}
}

const createOperationQuery = `
INSERT INTO operations (
    id, kind, status, target_ids, total_items, processed_items,
    successful_items, failed_items, errors, start_time, end_time
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

// Create persists a new operation record.
func (s *operationStore) Create(ctx context.Context, op *operation.Operation) error {
	dbAttrs := append(defaultDBAttributes,
		attribute.String("operation.kind", string(op.Kind)),
		attribute.String("operation.status", string(op.Status)),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, "operationStore.Create", dbAttrs, func(ctx context.Context) error {
		errsJSON, err := json.Marshal(op.Errors)
		if err != nil {
			return err
		}

		_, err = s.pool.Exec(ctx, createOperationQuery,
			op.ID, string(op.Kind), string(op.Status), op.TargetIDs,
			op.TotalItems, op.ProcessedItems, op.SuccessfulItems, op.FailedItems,
			errsJSON, timestamptz(op.StartTime), timestamptz(op.EndTime),
		)
		return err
	})
}

const updateOperationQuery = `
UPDATE operations SET
    status = $2, processed_items = $3, successful_items = $4,
    failed_items = $5, errors = $6, start_time = $7, end_time = $8,
    updated_at = now()
WHERE id = $1`

// Update modifies an existing operation with new state information.
// This is used to record progress checkpoints and terminal outcomes.
func (s *operationStore) Update(ctx context.Context, op *operation.Operation) error {
	dbAttrs := append(defaultDBAttributes,
		attribute.String("operation.id", op.ID),
		attribute.String("operation.status", string(op.Status)),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, "operationStore.Update", dbAttrs, func(ctx context.Context) error {
		errsJSON, err := json.Marshal(op.Errors)
		if err != nil {
			return err
		}

		_, err = s.pool.Exec(ctx, updateOperationQuery,
			op.ID, string(op.Status), op.ProcessedItems, op.SuccessfulItems,
			op.FailedItems, errsJSON, timestamptz(op.StartTime), timestamptz(op.EndTime),
		)
		return err
	})
}

const selectOperationColumns = `
SELECT id, kind, status, target_ids, total_items, processed_items,
       successful_items, failed_items, errors, start_time, end_time
FROM operations`

// FindByID retrieves an operation by ID.
// Returns ErrOperationNotFound if the operation doesn't exist.
func (s *operationStore) FindByID(ctx context.Context, id string) (*operation.Operation, error) {
	dbAttrs := append(defaultDBAttributes, attribute.String("operation.id", id))

	var op *operation.Operation
	err := storage.ExecuteAndTrace(ctx, s.tracer, "operationStore.FindByID", dbAttrs, func(ctx context.Context) error {
		row := s.pool.QueryRow(ctx, selectOperationColumns+" WHERE id = $1", id)

		var err error
		op, err = scanOperation(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return operation.ErrOperationNotFound
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return op, nil
}

// FindByStatus retrieves operations with a specific status.
func (s *operationStore) FindByStatus(ctx context.Context, status operation.Status) ([]*operation.Operation, error) {
	dbAttrs := append(defaultDBAttributes, attribute.String("operation.status", string(status)))

	var ops []*operation.Operation
	err := storage.ExecuteAndTrace(ctx, s.tracer, "operationStore.FindByStatus", dbAttrs, func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx, selectOperationColumns+" WHERE status = $1 ORDER BY start_time", string(status))
		if err != nil {
			return err
		}
		defer rows.Close()

		ops, err = scanOperations(rows)
		return err
	})
	if err != nil {
		return nil, err
	}
	return ops, nil
}

// FindIncomplete retrieves all non-terminal operations.
// This is primarily used to find operations that may need attention.
func (s *operationStore) FindIncomplete(ctx context.Context) ([]*operation.Operation, error) {
	dbAttrs := append(defaultDBAttributes, attribute.String("operation.filter", "incomplete"))

	var ops []*operation.Operation
	err := storage.ExecuteAndTrace(ctx, s.tracer, "operationStore.FindIncomplete", dbAttrs, func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx,
			selectOperationColumns+" WHERE status IN ('pending', 'running', 'paused') ORDER BY start_time")
		if err != nil {
			return err
		}
		defer rows.Close()

		ops, err = scanOperations(rows)
		return err
	})
	if err != nil {
		return nil, err
	}
	return ops, nil
}

// rowScanner lets scanOperation work for both QueryRow and Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanOperation(row rowScanner) (*operation.Operation, error) {
	var (
		op        operation.Operation
		kind      string
		status    string
		errsJSON  []byte
		startTime pgtype.Timestamptz
		endTime   pgtype.Timestamptz
	)

	if err := row.Scan(
		&op.ID, &kind, &status, &op.TargetIDs, &op.TotalItems,
		&op.ProcessedItems, &op.SuccessfulItems, &op.FailedItems,
		&errsJSON, &startTime, &endTime,
	); err != nil {
		return nil, err
	}

	parsedKind, err := operation.ParseKind(kind)
	if err != nil {
		return nil, err
	}
	op.Kind = parsedKind
	op.Status = operation.Status(status)

	if len(errsJSON) > 0 {
		if err := json.Unmarshal(errsJSON, &op.Errors); err != nil {
			return nil, err
		}
	}

	if startTime.Valid {
		t := startTime.Time
		op.StartTime = &t
	}
	if endTime.Valid {
		t := endTime.Time
		op.EndTime = &t
	}

	return &op, nil
}

func scanOperations(rows pgx.Rows) ([]*operation.Operation, error) {
	var ops []*operation.Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

func timestamptz(t *time.Time) pgtype.Timestamptz {
	if t == nil {
		return pgtype.Timestamptz{}
	}
	return pgtype.Timestamptz{Time: *t, Valid: true}
}
