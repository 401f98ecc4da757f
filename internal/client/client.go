// Package client drives bulk user operations against a server and tracks
// their progress locally.
//
// The Coordinator owns the whole flow for one operation at a time: it issues
// the request, folds the server's progress stream into an operation state
// machine, retries failed requests within a bounded budget, honors
// cancellation, and fans snapshots out to subscribers and the accessibility
// announcer.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/opstream/internal/client/announce"
	"github.com/ahrav/opstream/internal/client/retry"
	"github.com/ahrav/opstream/internal/client/stream"
	"github.com/ahrav/opstream/internal/domain/operation"
	"github.com/ahrav/opstream/pkg/common/logger"
	"github.com/ahrav/opstream/pkg/common/timeutil"
)

// ErrOperationInFlight is returned by Execute while a previous operation has
// not yet reached a terminal state.
var ErrOperationInFlight = errors.New("a bulk operation is already in flight")

// BulkRequest is the wire request for a bulk user operation.
type BulkRequest struct {
	Operation operation.Kind `json:"operation"`
	UserIDs   []string       `json:"user_ids"`
}

// HTTPError is a non-2xx response to the bulk request, carrying whatever
// structured detail the server included.
type HTTPError struct {
	Code    int
	Reason  string
	Message string
}

func (e *HTTPError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("bulk request rejected with status %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("bulk request rejected with status %d", e.Code)
}

// HTTPStatusCode returns the response status for retry classification.
func (e *HTTPError) HTTPStatusCode() int { return e.Code }

func newHTTPError(resp *http.Response) *HTTPError {
	he := &HTTPError{Code: resp.StatusCode}

	// Body is best-effort diagnostic detail; a malformed error payload must
	// not mask the status itself.
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return he
	}
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		he.Reason = payload.Error
		he.Message = payload.Message
	}
	return he
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithHTTPClient overrides the HTTP client used for bulk requests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Coordinator) { c.httpClient = hc }
}

// WithRetryPolicy overrides the retry budget and backoff schedule.
func WithRetryPolicy(p retry.Policy) Option {
	return func(c *Coordinator) { c.policy = p }
}

// WithAnnouncer attaches an accessibility announcer.
func WithAnnouncer(a *announce.Announcer) Option {
	return func(c *Coordinator) { c.announcer = a }
}

// WithTimeProvider overrides the clock used for state transitions.
func WithTimeProvider(tp timeutil.Provider) Option {
	return func(c *Coordinator) { c.clock = tp }
}

// WithTracer attaches a tracer for per-operation spans.
func WithTracer(t trace.Tracer) Option {
	return func(c *Coordinator) { c.tracer = t }
}

// Coordinator executes bulk operations one at a time. Starting a new
// operation releases the previous result; a non-terminal operation must
// finish or be cancelled first.
//
// The Operation is mutated only under mu, and only by Execute and the run
// loop it spawns; everything else observes immutable snapshots.
type Coordinator struct {
	baseURL    string
	httpClient *http.Client
	log        *logger.Logger
	tracer     trace.Tracer
	policy     retry.Policy
	clock      timeutil.Provider
	announcer  *announce.Announcer

	mu    sync.Mutex
	op    *operation.Operation
	token *Token
	done  chan struct{}
	subs  []chan operation.Snapshot
}

// NewCoordinator creates a Coordinator targeting the given base URL.
func NewCoordinator(baseURL string, log *logger.Logger, opts ...Option) *Coordinator {
	if log == nil {
		log = logger.Noop()
	}
	c := &Coordinator{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		log:        log,
		tracer:     noop.NewTracerProvider().Tracer("client"),
		policy:     retry.DefaultPolicy(),
		clock:      timeutil.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Execute starts a bulk operation and returns its initial snapshot. The run
// continues in the background; observe it via Subscribe, Snapshot, or Wait,
// and stop it via Cancel. The passed context scopes only request validation:
// the run itself is detached and stopped by its cancellation token.
func (c *Coordinator) Execute(ctx context.Context, kind operation.Kind, userIDs []string) (operation.Snapshot, error) {
	op, err := operation.New(kind, userIDs)
	if err != nil {
		return operation.Snapshot{}, err
	}

	payload, err := json.Marshal(BulkRequest{Operation: kind, UserIDs: op.TargetIDs})
	if err != nil {
		return operation.Snapshot{}, fmt.Errorf("encode bulk request: %w", err)
	}

	c.mu.Lock()
	if c.op != nil && !c.op.IsTerminal() {
		c.mu.Unlock()
		return operation.Snapshot{}, ErrOperationInFlight
	}
	if err := op.Start(c.clock.Now()); err != nil {
		c.mu.Unlock()
		return operation.Snapshot{}, err
	}
	token := newToken(context.WithoutCancel(ctx))
	done := make(chan struct{})
	c.op = op
	c.token = token
	c.done = done
	snap := op.Snapshot()
	c.mu.Unlock()

	c.publish(snap)
	if c.announcer != nil {
		c.announcer.Reset()
		c.announcer.Started(ctx, snap)
	}
	c.log.Info(ctx, "bulk operation started",
		"operation_id", snap.ID,
		"kind", kind.String(),
		"total_items", snap.TotalItems,
	)

	go c.run(token, done, payload)
	return snap, nil
}

// Snapshot returns the current view of the operation with the given ID.
func (c *Coordinator) Snapshot(id string) (operation.Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.op == nil || c.op.ID != id {
		return operation.Snapshot{}, operation.ErrOperationNotFound
	}
	return c.op.Snapshot(), nil
}

// Cancel requests cancellation of the operation with the given ID. It
// returns immediately; the run loop observes the token, aborts the in-flight
// request or backoff wait, and transitions the operation to cancelled.
// Cancelling an already-terminal operation is a no-op.
func (c *Coordinator) Cancel(id string) error {
	c.mu.Lock()
	if c.op == nil || c.op.ID != id {
		c.mu.Unlock()
		return operation.ErrOperationNotFound
	}
	if c.op.IsTerminal() {
		c.mu.Unlock()
		return nil
	}
	token := c.token
	c.mu.Unlock()

	token.Cancel()
	return nil
}

// Subscribe returns a channel of snapshots for the current and future
// operations. Slow consumers are never blocked on: when the channel is full
// the oldest pending snapshot is dropped, so a reader always converges on
// the latest state.
func (c *Coordinator) Subscribe() <-chan operation.Snapshot {
	ch := make(chan operation.Snapshot, 16)
	c.mu.Lock()
	c.subs = append(c.subs, ch)
	c.mu.Unlock()
	return ch
}

// Wait blocks until the operation with the given ID reaches a terminal
// state, then returns its final snapshot.
func (c *Coordinator) Wait(ctx context.Context, id string) (operation.Snapshot, error) {
	c.mu.Lock()
	if c.op == nil || c.op.ID != id {
		c.mu.Unlock()
		return operation.Snapshot{}, operation.ErrOperationNotFound
	}
	done := c.done
	c.mu.Unlock()

	select {
	case <-ctx.Done():
		return operation.Snapshot{}, ctx.Err()
	case <-done:
		return c.Snapshot(id)
	}
}

func (c *Coordinator) run(token *Token, done chan struct{}, payload []byte) {
	defer close(done)

	ctx := token.Context()

	c.mu.Lock()
	id := c.op.ID
	kind := c.op.Kind
	total := c.op.TotalItems
	c.mu.Unlock()

	spanCtx, span := c.tracer.Start(ctx, "client.bulk_operation",
		trace.WithAttributes(
			attribute.String("operation.id", id),
			attribute.String("operation.kind", kind.String()),
			attribute.Int("operation.total_items", total),
		))
	defer span.End()

	for attempt := 1; ; attempt++ {
		err := c.attempt(spanCtx, payload, attempt)
		if err == nil {
			break
		}

		if token.Cancelled() || errors.Is(err, context.Canceled) {
			c.finishCancelled(spanCtx)
			break
		}

		class := retry.Classify(err)
		if !c.policy.ShouldRetry(class, attempt) {
			c.finishFailed(spanCtx, err, class, attempt)
			break
		}

		delay := c.policy.DelayFor(attempt)
		span.AddEvent("retry scheduled", trace.WithAttributes(
			attribute.Int("attempt", attempt),
			attribute.String("class", class.String()),
			attribute.String("delay", delay.String()),
		))
		c.log.Warn(spanCtx, "bulk request attempt failed, retrying",
			"operation_id", id,
			"attempt", attempt,
			"class", class.String(),
			"delay", delay.String(),
			"error", err,
		)

		if waitErr := retry.Wait(ctx, delay); waitErr != nil {
			c.finishCancelled(spanCtx)
			break
		}
	}

	snap, _ := c.Snapshot(id)
	span.SetAttributes(
		attribute.String("operation.status", string(snap.Status)),
		attribute.Int("operation.processed_items", snap.ProcessedItems),
		attribute.Int("operation.failed_items", snap.FailedItems),
	)
	if snap.Status == operation.StatusFailed {
		span.SetStatus(codes.Error, "bulk operation failed")
	} else {
		span.SetStatus(codes.Ok, string(snap.Status))
	}

	if c.announcer != nil {
		c.announcer.Finished(spanCtx, snap)
	}
	c.log.Info(spanCtx, "bulk operation finished",
		"operation_id", id,
		"status", string(snap.Status),
		"processed_items", snap.ProcessedItems,
		"successful_items", snap.SuccessfulItems,
		"failed_items", snap.FailedItems,
	)
}

// attempt issues one request and consumes its progress stream. A nil return
// means the operation reached a terminal state, either through a terminal
// record or through end-of-stream reconciliation; any error is a candidate
// for retry classification.
func (c *Coordinator) attempt(ctx context.Context, payload []byte, attempt int) error {
	ctx, span := c.tracer.Start(ctx, "client.bulk_request",
		trace.WithAttributes(attribute.Int("attempt", attempt)))
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/users/bulk", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build bulk request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/x-ndjson")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("execute bulk request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		he := newHTTPError(resp)
		span.RecordError(he)
		return he
	}

	st := stream.New(resp.Body, c.log)
	for {
		ev, err := st.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				c.finishEndOfStream(ctx)
				return nil
			}
			span.RecordError(err)
			return fmt.Errorf("read progress stream: %w", err)
		}
		if terminal := c.apply(ctx, ev); terminal {
			return nil
		}
	}
}

// apply folds one event into the operation and reports whether the
// operation is now terminal.
func (c *Coordinator) apply(ctx context.Context, ev operation.ProgressEvent) bool {
	c.mu.Lock()
	op := c.op

	// A cancellation observed before the event wins any race with a terminal
	// record still in flight.
	if c.token.Cancelled() && op.CanCancel() {
		_ = op.Cancel(c.clock.Now())
		snap := op.Snapshot()
		c.mu.Unlock()
		c.publish(snap)
		return true
	}

	if err := op.ApplyProgress(ev, c.clock.Now()); err != nil {
		snap := op.Snapshot()
		c.mu.Unlock()
		c.log.Debug(ctx, "discarding progress event after terminal state",
			"operation_id", snap.ID,
			"status", string(snap.Status),
		)
		return true
	}
	snap := op.Snapshot()
	c.mu.Unlock()

	c.publish(snap)
	if c.announcer != nil {
		c.announcer.Progress(ctx, snap)
	}
	return snap.Status.IsTerminal()
}

// finishEndOfStream reconciles a stream that ended without a terminal
// record: a fully processed operation is completed, anything short of that
// is a failure.
func (c *Coordinator) finishEndOfStream(ctx context.Context) {
	now := c.clock.Now()

	c.mu.Lock()
	op := c.op
	switch {
	case op.IsTerminal():
	case c.token.Cancelled():
		_ = op.Cancel(now)
	case op.ProcessedItems == op.TotalItems:
		completed := operation.StatusCompleted
		_ = op.ApplyProgress(operation.ProgressEvent{Status: &completed}, now)
	default:
		_ = op.Fail(operation.ErrorRecord{
			Code:       "stream_ended",
			Message:    fmt.Sprintf("stream ended after %d of %d items", op.ProcessedItems, op.TotalItems),
			OccurredAt: now,
		}, now)
	}
	snap := op.Snapshot()
	c.mu.Unlock()

	c.publish(snap)
}

func (c *Coordinator) finishCancelled(ctx context.Context) {
	now := c.clock.Now()

	c.mu.Lock()
	op := c.op
	if op.CanCancel() {
		_ = op.Cancel(now)
	}
	snap := op.Snapshot()
	c.mu.Unlock()

	c.publish(snap)
	c.log.Info(ctx, "bulk operation cancelled",
		"operation_id", snap.ID,
		"processed_items", snap.ProcessedItems,
		"total_items", snap.TotalItems,
	)
}

func (c *Coordinator) finishFailed(ctx context.Context, cause error, class retry.Class, attempt int) {
	now := c.clock.Now()

	c.mu.Lock()
	op := c.op
	if !op.IsTerminal() {
		_ = op.Fail(operation.ErrorRecord{
			Code:       class.String(),
			Message:    cause.Error(),
			OccurredAt: now,
		}, now)
	}
	snap := op.Snapshot()
	c.mu.Unlock()

	c.publish(snap)
	c.log.Error(ctx, "bulk operation failed",
		"operation_id", snap.ID,
		"class", class.String(),
		"attempts", attempt,
		"error", cause,
	)
}

func (c *Coordinator) publish(snap operation.Snapshot) {
	c.mu.Lock()
	subs := make([]chan operation.Snapshot, len(c.subs))
	copy(subs, c.subs)
	c.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- snap:
		default:
			// Full buffer: evict the oldest pending snapshot so the reader
			// converges on the latest state.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}
}
