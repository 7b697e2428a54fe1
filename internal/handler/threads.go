package handler

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/capitalize-ai/banking-assistant/internal/middleware"
	"github.com/capitalize-ai/banking-assistant/internal/model"
	"github.com/capitalize-ai/banking-assistant/internal/service"
	"github.com/capitalize-ai/banking-assistant/pkg/logger"
)

// ThreadHandler handles thread endpoints.
type ThreadHandler struct {
	threads *service.ThreadService
	logger  *logger.Logger
}

// NewThreadHandler creates a new thread handler.
func NewThreadHandler(threads *service.ThreadService, log *logger.Logger) *ThreadHandler {
	return &ThreadHandler{
		threads: threads,
		logger:  log,
	}
}

// Create handles POST /api/v1/threads
func (h *ThreadHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)

	id, ctrl, err := h.threads.Create(ctx, userID)
	if err != nil {
		h.logger.Error("failed to create thread", zap.String("user_id", userID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to create thread")
		return
	}
	ctrl.SetPrincipal(principalFrom(r))

	w.Header().Set("Location", "/api/v1/threads/"+id)
	writeJSON(w, http.StatusCreated, &model.CreateThreadResponse{ThreadID: id})
}

// List handles GET /api/v1/threads
func (h *ThreadHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	writeJSON(w, http.StatusOK, h.threads.List(ctx, middleware.GetUserID(ctx)))
}

// Get handles GET /api/v1/threads/:id
func (h *ThreadHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := threadFor(w, r, h.threads)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, ctrl.Snapshot())
}

// Delete handles DELETE /api/v1/threads/:id
func (h *ThreadHandler) Delete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	threadID := chi.URLParam(r, "id")
	if err := middleware.ValidateThreadID(threadID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.threads.Delete(ctx, middleware.GetUserID(ctx), threadID); err != nil {
		if errors.Is(err, service.ErrThreadNotFound) {
			writeError(w, http.StatusNotFound, "thread not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to delete thread")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Cancel handles POST /api/v1/threads/:id/cancel
func (h *ThreadHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := threadFor(w, r, h.threads)
	if !ok {
		return
	}
	ctrl.Cancel()
	writeJSON(w, http.StatusOK, ctrl.Snapshot())
}
