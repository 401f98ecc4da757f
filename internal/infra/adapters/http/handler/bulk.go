// Package httphandler provides the HTTP interface layer, translating between
// requests/responses and application service calls.
package httphandler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	entranslations "github.com/go-playground/validator/v10/translations/en"

	"github.com/ahrav/opstream/internal/application/executor"
	"github.com/ahrav/opstream/internal/domain/operation"
	"github.com/ahrav/opstream/pkg/common/logger"
)

// errorResponse is the body of every non-2xx API response.
type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{Error: code, Message: message})
}

// bulkRequest is the wire request accepted by the bulk endpoint.
type bulkRequest struct {
	Operation string   `json:"operation" validate:"required"`
	UserIDs   []string `json:"user_ids" validate:"required,min=1,dive,required"`
}

// BulkHandler accepts bulk user operations and streams their progress back
// as newline-delimited JSON.
type BulkHandler struct {
	exec     *executor.Executor
	registry *executor.Registry
	log      *logger.Logger

	validate   *validator.Validate
	translator ut.Translator
}

// NewBulkHandler creates a bulk handler over the given executor. The
// registry makes each accepted run reachable by the cancel endpoint.
func NewBulkHandler(exec *executor.Executor, registry *executor.Registry, log *logger.Logger) *BulkHandler {
	validate := validator.New(validator.WithRequiredStructEnabled())

	enLocale := en.New()
	uni := ut.New(enLocale, enLocale)
	translator, _ := uni.GetTranslator("en")
	_ = entranslations.RegisterDefaultTranslations(validate, translator)

	return &BulkHandler{
		exec:       exec,
		registry:   registry,
		log:        log.With("component", "bulk_handler"),
		validate:   validate,
		translator: translator,
	}
}

// Execute handles POST /api/v1/users/bulk. Acceptance failures come back as
// JSON error responses; once accepted, the response switches to a 200 NDJSON
// stream of progress records ending in a terminal record.
func (h *BulkHandler) Execute(w http.ResponseWriter, r *http.Request) {
	var req bulkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "request body is not valid JSON")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		var vErrs validator.ValidationErrors
		if errors.As(err, &vErrs) && len(vErrs) > 0 {
			writeError(w, http.StatusBadRequest, "validation_failed", vErrs[0].Translate(h.translator))
			return
		}
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}

	kind, err := operation.ParseKind(req.Operation)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_operation", err.Error())
		return
	}

	op, err := operation.New(kind, req.UserIDs)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	ctx, release := h.registry.Track(r.Context(), op.ID)
	defer release()

	sink := &ndjsonSink{w: w, operationID: op.ID}
	if _, err := h.exec.Run(ctx, op, sink); err != nil {
		// Acceptance failed before the first record; the stream never opened
		// and a plain error response is still possible.
		if !sink.started {
			h.log.Error(r.Context(), "bulk operation rejected", "error", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to start bulk operation")
		}
		return
	}
}

// ndjsonSink writes progress events as NDJSON records, flushing after each
// one so consumers see progress as it happens. Headers go out with the first
// record, which keeps acceptance errors expressible as normal responses.
type ndjsonSink struct {
	w           http.ResponseWriter
	operationID string
	started     bool
}

func (s *ndjsonSink) Emit(_ context.Context, ev operation.ProgressEvent) error {
	if !s.started {
		s.started = true
		s.w.Header().Set("Content-Type", "application/x-ndjson")
		s.w.Header().Set("X-Operation-Id", s.operationID)
		s.w.WriteHeader(http.StatusOK)
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode progress record: %w", err)
	}
	if _, err := fmt.Fprintf(s.w, "%s\n", data); err != nil {
		return err
	}
	if f, ok := s.w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}
