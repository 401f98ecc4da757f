package httphandler

import (
	"encoding/json"
	"errors"
	"net/http"

	appOperation "github.com/ahrav/opstream/internal/application/operation"
	"github.com/ahrav/opstream/internal/domain/operation"
)

// OperationHandler implements the operation-related API endpoints.
// It serves as the HTTP interface layer for operation management,
// translating between HTTP requests/responses and application service calls.
type OperationHandler struct{ operationService *appOperation.Service }

// NewOperationHandler creates a new operation handler with the given operation service.
func NewOperationHandler(operationService *appOperation.Service) *OperationHandler {
	return &OperationHandler{operationService: operationService}
}

// GetOperation handles GET /api/v1/operations/{id}, returning the current
// snapshot of the operation.
func (h *OperationHandler) GetOperation(w http.ResponseWriter, r *http.Request) {
	operationID := r.PathValue("id")
	if operationID == "" {
		writeError(w, http.StatusBadRequest, "missing_operation_id", "operation id is required")
		return
	}

	op, err := h.operationService.GetByID(r.Context(), operationID)
	if err != nil {
		switch {
		case errors.Is(err, operation.ErrOperationNotFound):
			writeError(w, http.StatusNotFound, "operation_not_found", "The specified operation does not exist")
		default:
			writeError(w, http.StatusInternalServerError, "internal_error", "An internal error occurred")
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(op.Snapshot())
}

// CancelOperation handles POST /api/v1/operations/{id}/cancel. Cancellation
// is asynchronous for in-flight runs, so success is reported as 202.
func (h *OperationHandler) CancelOperation(w http.ResponseWriter, r *http.Request) {
	operationID := r.PathValue("id")
	if operationID == "" {
		writeError(w, http.StatusBadRequest, "missing_operation_id", "operation id is required")
		return
	}

	op, err := h.operationService.Cancel(r.Context(), operationID)
	if err != nil {
		switch {
		case errors.Is(err, operation.ErrOperationNotFound):
			writeError(w, http.StatusNotFound, "operation_not_found", "The specified operation does not exist")
		case errors.Is(err, operation.ErrNotCancellable):
			writeError(w, http.StatusConflict, "not_cancellable", "The operation can no longer be cancelled")
		default:
			writeError(w, http.StatusInternalServerError, "internal_error", "An internal error occurred")
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(op.Snapshot())
}

// ListIncompleteOperations handles GET /api/v1/operations, returning every
// operation that has not reached a terminal state.
func (h *OperationHandler) ListIncompleteOperations(w http.ResponseWriter, r *http.Request) {
	ops, err := h.operationService.ListIncompleteOperations(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "An internal error occurred")
		return
	}

	snapshots := make([]operation.Snapshot, 0, len(ops))
	for _, op := range ops {
		snapshots = append(snapshots, op.Snapshot())
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(snapshots)
}
