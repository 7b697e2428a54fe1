package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/capitalize-ai/banking-assistant/internal/conversation"
	"github.com/capitalize-ai/banking-assistant/internal/middleware"
	"github.com/capitalize-ai/banking-assistant/internal/model"
	"github.com/capitalize-ai/banking-assistant/internal/service"
	"github.com/capitalize-ai/banking-assistant/pkg/logger"
)

// MessageHandler handles message endpoints.
type MessageHandler struct {
	threads *service.ThreadService
	logger  *logger.Logger
}

// NewMessageHandler creates a new message handler.
func NewMessageHandler(threads *service.ThreadService, log *logger.Logger) *MessageHandler {
	return &MessageHandler{
		threads: threads,
		logger:  log,
	}
}

// Send handles POST /api/v1/threads/:id/messages
// The user message is accepted immediately; the reply arrives on the
// thread's event stream.
func (h *MessageHandler) Send(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := threadFor(w, r, h.threads)
	if !ok {
		return
	}

	var req model.SendMessageRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4*middleware.MaxMessageLength)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := middleware.ValidateMessageContent(req.Content); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	msg, err := ctrl.Send(req.Content)
	switch {
	case errors.Is(err, conversation.ErrEmptyMessage):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, conversation.ErrStreamActive):
		writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "failed to send message")
		return
	}

	writeJSON(w, http.StatusAccepted, &model.SendMessageResponse{
		Message:  msg,
		ThreadID: ctrl.ThreadID(),
	})
}
