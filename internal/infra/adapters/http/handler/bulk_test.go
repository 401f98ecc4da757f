package httphandler

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/opstream/internal/application/executor"
	appOperation "github.com/ahrav/opstream/internal/application/operation"
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
	s.users[u.ID] = u
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
	ops map[string]*operation.Operation
}

func newMemOperationStore() *memOperationStore {
	return &memOperationStore{ops: make(map[string]*operation.Operation)}
}

func (s *memOperationStore) clone(op *operation.Operation) *operation.Operation {
	snap := op.Snapshot()
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
	}
}

func (s *memOperationStore) Create(_ context.Context, op *operation.Operation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops[op.ID] = s.clone(op)
	return nil
}

func (s *memOperationStore) Update(_ context.Context, op *operation.Operation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops[op.ID] = s.clone(op)
	return nil
}

func (s *memOperationStore) FindByID(_ context.Context, id string) (*operation.Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.ops[id]
	if !ok {
		return nil, operation.ErrOperationNotFound
	}
	return s.clone(op), nil
}

func (s *memOperationStore) FindByStatus(_ context.Context, status operation.Status) ([]*operation.Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*operation.Operation
	for _, op := range s.ops {
		if op.Status == status {
			out = append(out, s.clone(op))
		}
	}
	return out, nil
}

func (s *memOperationStore) FindIncomplete(_ context.Context) ([]*operation.Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*operation.Operation
	for _, op := range s.ops {
		if !op.IsTerminal() {
			out = append(out, s.clone(op))
		}
	}
	return out, nil
}

type testAPI struct {
	users  *memUserStore
	ops    *memOperationStore
	server *httptest.Server
}

func newTestAPI(t *testing.T, users ...*user.User) *testAPI {
	t.Helper()

	log := logger.Noop()
	tracer := noop.NewTracerProvider().Tracer("test")

	userStore := newMemUserStore(users...)
	opStore := newMemOperationStore()
	registry := executor.NewRegistry()
	exec := executor.New(userStore, opStore, executor.LogNotifier{Log: log}, log, tracer)
	opService := appOperation.NewService(opStore, registry, log, tracer)

	apiMux := http.NewServeMux()
	bulk := NewBulkHandler(exec, registry, log)
	ops := NewOperationHandler(opService)
	apiMux.HandleFunc("POST /api/v1/users/bulk", bulk.Execute)
	apiMux.HandleFunc("GET /api/v1/operations/{id}", ops.GetOperation)
	apiMux.HandleFunc("POST /api/v1/operations/{id}/cancel", ops.CancelOperation)
	apiMux.HandleFunc("GET /api/v1/operations", ops.ListIncompleteOperations)

	srv := httptest.NewServer(apiMux)
	t.Cleanup(srv.Close)

	return &testAPI{users: userStore, ops: opStore, server: srv}
}

func (a *testAPI) postBulk(t *testing.T, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(a.server.URL+"/api/v1/users/bulk", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	return resp
}

func mustUser(t *testing.T, email string) *user.User {
	t.Helper()
	u, err := user.NewUser(email, "Test User")
	require.NoError(t, err)
	return u
}

func decodeEvents(t *testing.T, resp *http.Response) []operation.ProgressEvent {
	t.Helper()
	var events []operation.ProgressEvent
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var ev operation.ProgressEvent
		require.NoError(t, json.Unmarshal(line, &ev))
		events = append(events, ev)
	}
	require.NoError(t, scanner.Err())
	return events
}

func TestBulkHandler_Execute_StreamsProgress(t *testing.T) {
	t.Parallel()

	u1 := mustUser(t, "one@example.com")
	u2 := mustUser(t, "two@example.com")
	api := newTestAPI(t, u1, u2)

	body, err := json.Marshal(map[string]any{
		"operation": "deactivate",
		"user_ids":  []string{u1.ID, "missing", u2.ID},
	})
	require.NoError(t, err)

	resp := api.postBulk(t, string(body))
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/x-ndjson", resp.Header.Get("Content-Type"))
	operationID := resp.Header.Get("X-Operation-Id")
	assert.NotEmpty(t, operationID)

	events := decodeEvents(t, resp)
	require.Len(t, events, 4, "one record per item plus the terminal record")

	terminal := events[len(events)-1]
	require.True(t, terminal.IsTerminal())
	assert.Equal(t, operation.StatusCompleted, *terminal.Status)
	assert.Equal(t, 3, *terminal.ProcessedItems)
	assert.Equal(t, 2, *terminal.SuccessfulItems)
	assert.Equal(t, 1, *terminal.FailedItems)

	require.NotNil(t, events[1].ItemError)
	assert.Equal(t, "missing", events[1].ItemError.ItemID)

	// The terminal outcome survives the stream: the snapshot endpoint serves it.
	snapResp, err := http.Get(api.server.URL + "/api/v1/operations/" + operationID)
	require.NoError(t, err)
	defer snapResp.Body.Close()
	require.Equal(t, http.StatusOK, snapResp.StatusCode)

	var snap operation.Snapshot
	require.NoError(t, json.NewDecoder(snapResp.Body).Decode(&snap))
	assert.Equal(t, operation.StatusCompleted, snap.Status)
	assert.Equal(t, 1, snap.FailedItems)
}

func TestBulkHandler_Execute_Validation(t *testing.T) {
	t.Parallel()

	api := newTestAPI(t)

	tests := []struct {
		name     string
		body     string
		wantCode string
	}{
		{name: "invalid json", body: `{`, wantCode: "invalid_json"},
		{name: "missing operation", body: `{"user_ids":["a"]}`, wantCode: "validation_failed"},
		{name: "missing user ids", body: `{"operation":"activate"}`, wantCode: "validation_failed"},
		{name: "empty user ids", body: `{"operation":"activate","user_ids":[]}`, wantCode: "validation_failed"},
		{name: "blank user id", body: `{"operation":"activate","user_ids":[""]}`, wantCode: "validation_failed"},
		{name: "unknown operation", body: `{"operation":"detonate","user_ids":["a"]}`, wantCode: "invalid_operation"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			resp := api.postBulk(t, tt.body)
			defer resp.Body.Close()

			require.Equal(t, http.StatusBadRequest, resp.StatusCode)
			var body errorResponse
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
			assert.Equal(t, tt.wantCode, body.Error)
			assert.NotEmpty(t, body.Message)
		})
	}
}

func TestOperationHandler_GetOperation_NotFound(t *testing.T) {
	t.Parallel()

	api := newTestAPI(t)

	resp, err := http.Get(api.server.URL + "/api/v1/operations/does-not-exist")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	var body errorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "operation_not_found", body.Error)
}

func TestOperationHandler_CancelOperation(t *testing.T) {
	t.Parallel()

	u := mustUser(t, "one@example.com")
	api := newTestAPI(t, u)

	// Run one operation to completion, then cancel it: a harmless no-op.
	body, err := json.Marshal(map[string]any{"operation": "activate", "user_ids": []string{u.ID}})
	require.NoError(t, err)
	resp := api.postBulk(t, string(body))
	operationID := resp.Header.Get("X-Operation-Id")
	decodeEvents(t, resp)
	resp.Body.Close()

	cancelResp, err := http.Post(api.server.URL+"/api/v1/operations/"+operationID+"/cancel", "application/json", nil)
	require.NoError(t, err)
	defer cancelResp.Body.Close()

	require.Equal(t, http.StatusAccepted, cancelResp.StatusCode)
	var snap operation.Snapshot
	require.NoError(t, json.NewDecoder(cancelResp.Body).Decode(&snap))
	assert.Equal(t, operation.StatusCompleted, snap.Status,
		"cancelling a finished operation leaves its outcome untouched")
}

func TestOperationHandler_CancelOperation_NotFound(t *testing.T) {
	t.Parallel()

	api := newTestAPI(t)

	resp, err := http.Post(api.server.URL+"/api/v1/operations/ghost/cancel", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestOperationHandler_ListIncompleteOperations_Empty(t *testing.T) {
	t.Parallel()

	api := newTestAPI(t)

	resp, err := http.Get(api.server.URL + "/api/v1/operations")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var snaps []operation.Snapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snaps))
	assert.Empty(t, snaps)
}
