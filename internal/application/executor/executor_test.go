package executor

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/opstream/internal/domain/operation"
	"github.com/ahrav/opstream/internal/domain/user"
	"github.com/ahrav/opstream/pkg/common/logger"
)

type memUserStore struct {
	mu    sync.Mutex
	users map[string]*user.User
}

func newMemUserStore(users ...*user.User) *memUserStore {
	s := &memUserStore{users: make(map[string]*user.User)}
	for _, u := range users {
		s.users[u.ID] = u
	}
	return s
}

func (s *memUserStore) Create(_ context.Context, u *user.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[u.ID]; ok {
		return user.ErrUserAlreadyExists
	}
	cp := *u
	s.users[u.ID] = &cp
	return nil
}

func (s *memUserStore) FindByID(_ context.Context, id string) (*user.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, user.ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *memUserStore) Update(_ context.Context, u *user.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[u.ID]; !ok {
		return user.ErrUserNotFound
	}
	cp := *u
	s.users[u.ID] = &cp
	return nil
}

func (s *memUserStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[id]; !ok {
		return user.ErrUserNotFound
	}
	delete(s.users, id)
	return nil
}

type memOperationStore struct {
	mu  sync.Mutex
	ops map[string]operation.Snapshot
}

func newMemOperationStore() *memOperationStore {
	return &memOperationStore{ops: make(map[string]operation.Snapshot)}
}

func (s *memOperationStore) Create(_ context.Context, op *operation.Operation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops[op.ID] = op.Snapshot()
	return nil
}

func (s *memOperationStore) Update(_ context.Context, op *operation.Operation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops[op.ID] = op.Snapshot()
	return nil
}

func (s *memOperationStore) FindByID(_ context.Context, id string) (*operation.Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.ops[id]
	if !ok {
		return nil, operation.ErrOperationNotFound
	}
	return &operation.Operation{
		ID:              snap.ID,
		Kind:            snap.Kind,
		TotalItems:      snap.TotalItems,
		ProcessedItems:  snap.ProcessedItems,
		SuccessfulItems: snap.SuccessfulItems,
		FailedItems:     snap.FailedItems,
		Status:          snap.Status,
		StartTime:       snap.StartTime,
		EndTime:         snap.EndTime,
		Errors:          snap.Errors,
	}, nil
}

func (s *memOperationStore) FindByStatus(_ context.Context, status operation.Status) ([]*operation.Operation, error) {
	return nil, nil
}

func (s *memOperationStore) FindIncomplete(_ context.Context) ([]*operation.Operation, error) {
	return nil, nil
}

type collectingSink struct {
	mu     sync.Mutex
	events []operation.ProgressEvent
	fail   bool
}

func (s *collectingSink) Emit(_ context.Context, ev operation.ProgressEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("consumer gone")
	}
	s.events = append(s.events, ev)
	return nil
}

func (s *collectingSink) all() []operation.ProgressEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]operation.ProgressEvent(nil), s.events...)
}

func mustUser(t *testing.T, email string) *user.User {
	t.Helper()
	u, err := user.NewUser(email, "Test User")
	require.NoError(t, err)
	return u
}

func newTestExecutor(t *testing.T, users *memUserStore, ops *memOperationStore) *Executor {
	t.Helper()
	log := logger.Noop()
	return New(users, ops, LogNotifier{Log: log}, log, noop.NewTracerProvider().Tracer("test"))
}

func TestExecutor_Run_AllSucceed(t *testing.T) {
	t.Parallel()

	u1 := mustUser(t, "one@example.com")
	u2 := mustUser(t, "two@example.com")
	users := newMemUserStore(u1, u2)
	ops := newMemOperationStore()

	op, err := operation.New(operation.KindDeactivate, []string{u1.ID, u2.ID})
	require.NoError(t, err)

	sink := &collectingSink{}
	snap, err := newTestExecutor(t, users, ops).Run(context.Background(), op, sink)
	require.NoError(t, err)

	assert.Equal(t, operation.StatusCompleted, snap.Status)
	assert.Equal(t, 2, snap.ProcessedItems)
	assert.Equal(t, 2, snap.SuccessfulItems)
	assert.Zero(t, snap.FailedItems)

	stored, err := users.FindByID(context.Background(), u1.ID)
	require.NoError(t, err)
	assert.False(t, stored.Active, "deactivate must be applied to each target")

	events := sink.all()
	require.Len(t, events, 3, "one record per item plus the terminal record")
	assert.True(t, events[2].IsTerminal())

	persisted, err := ops.FindByID(context.Background(), op.ID)
	require.NoError(t, err)
	require.NotNil(t, persisted)
	assert.Equal(t, operation.StatusCompleted, persisted.Status)
}

func TestExecutor_Run_ItemFailuresDoNotEndRun(t *testing.T) {
	t.Parallel()

	u1 := mustUser(t, "one@example.com")
	u3 := mustUser(t, "three@example.com")
	users := newMemUserStore(u1, u3)
	ops := newMemOperationStore()

	op, err := operation.New(operation.KindActivate, []string{u1.ID, "missing-user", u3.ID})
	require.NoError(t, err)

	sink := &collectingSink{}
	snap, err := newTestExecutor(t, users, ops).Run(context.Background(), op, sink)
	require.NoError(t, err)

	assert.Equal(t, operation.StatusCompleted, snap.Status,
		"item-level failures never fail the operation")
	assert.Equal(t, 3, snap.ProcessedItems)
	assert.Equal(t, 2, snap.SuccessfulItems)
	assert.Equal(t, 1, snap.FailedItems)
	require.Len(t, snap.Errors, 1)
	assert.Equal(t, "missing-user", snap.Errors[0].ItemID)
	assert.Equal(t, "not_found", snap.Errors[0].Code)

	events := sink.all()
	require.Len(t, events, 4)
	require.NotNil(t, events[1].ItemError)
	assert.Equal(t, "missing-user", events[1].ItemError.ItemID)
}

func TestExecutor_Run_CancelledBetweenItems(t *testing.T) {
	t.Parallel()

	var all []*user.User
	ids := make([]string, 0, 10)
	for i := 0; i < 10; i++ {
		u := mustUser(t, "bulk@example.com")
		all = append(all, u)
		ids = append(ids, u.ID)
	}
	users := newMemUserStore(all...)
	ops := newMemOperationStore()

	op, err := operation.New(operation.KindDeactivate, ids)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	var processed int
	sink := EventSinkFunc(func(_ context.Context, ev operation.ProgressEvent) error {
		if ev.ProcessedItems != nil {
			processed = *ev.ProcessedItems
		}
		if processed == 4 {
			cancel()
		}
		return nil
	})

	snap, err := newTestExecutor(t, users, ops).Run(ctx, op, sink)
	require.NoError(t, err)

	assert.Equal(t, operation.StatusCancelled, snap.Status)
	assert.Equal(t, 4, snap.ProcessedItems, "work already done stands, nothing more starts")
	require.NotNil(t, snap.EndTime)

	persisted, err := ops.FindByID(context.Background(), op.ID)
	require.NoError(t, err)
	require.NotNil(t, persisted)
	assert.Equal(t, operation.StatusCancelled, persisted.Status,
		"terminal outcome is persisted even after cancellation")
}

func TestExecutor_Run_SinkFailureDoesNotStopWork(t *testing.T) {
	t.Parallel()

	u1 := mustUser(t, "one@example.com")
	u2 := mustUser(t, "two@example.com")
	users := newMemUserStore(u1, u2)
	ops := newMemOperationStore()

	op, err := operation.New(operation.KindVerifyEmail, []string{u1.ID, u2.ID})
	require.NoError(t, err)

	sink := &collectingSink{fail: true}
	snap, err := newTestExecutor(t, users, ops).Run(context.Background(), op, sink)
	require.NoError(t, err)

	assert.Equal(t, operation.StatusCompleted, snap.Status)
	assert.Equal(t, 2, snap.SuccessfulItems)

	stored, err := users.FindByID(context.Background(), u2.ID)
	require.NoError(t, err)
	assert.True(t, stored.EmailVerified, "the work finishes even when the consumer is gone")
}

func TestExecutor_Run_DeleteRemovesUsers(t *testing.T) {
	t.Parallel()

	u := mustUser(t, "doomed@example.com")
	users := newMemUserStore(u)
	ops := newMemOperationStore()

	op, err := operation.New(operation.KindDelete, []string{u.ID})
	require.NoError(t, err)

	snap, err := newTestExecutor(t, users, ops).Run(context.Background(), op, &collectingSink{})
	require.NoError(t, err)
	assert.Equal(t, 1, snap.SuccessfulItems)

	_, err = users.FindByID(context.Background(), u.ID)
	assert.ErrorIs(t, err, user.ErrUserNotFound)
}

func TestExecutor_Run_ResetPasswordFlagsUser(t *testing.T) {
	t.Parallel()

	u := mustUser(t, "reset@example.com")
	users := newMemUserStore(u)
	ops := newMemOperationStore()

	op, err := operation.New(operation.KindResetPassword, []string{u.ID})
	require.NoError(t, err)

	_, err = newTestExecutor(t, users, ops).Run(context.Background(), op, &collectingSink{})
	require.NoError(t, err)

	stored, err := users.FindByID(context.Background(), u.ID)
	require.NoError(t, err)
	assert.True(t, stored.PasswordResetRequired)
}

func TestRegistry_TrackAndCancel(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	ctx, release := r.Track(context.Background(), "op-1")
	assert.Equal(t, 1, r.Active())

	require.True(t, r.Cancel("op-1"))
	<-ctx.Done()
	assert.ErrorIs(t, ctx.Err(), context.Canceled)

	release()
	assert.Zero(t, r.Active())
	assert.False(t, r.Cancel("op-1"), "released operations are no longer in flight")
	assert.False(t, r.Cancel("never-existed"))
}
