package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/capitalize-ai/banking-assistant/internal/conversation"
	"github.com/capitalize-ai/banking-assistant/internal/middleware"
	"github.com/capitalize-ai/banking-assistant/internal/service"
)

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}

// threadFor resolves the {id} route parameter to a controller owned by the
// caller and refreshes the controller's credentials from the request.
func threadFor(w http.ResponseWriter, r *http.Request, threads *service.ThreadService) (*conversation.Controller, bool) {
	ctx := r.Context()
	threadID := chi.URLParam(r, "id")
	if err := middleware.ValidateThreadID(threadID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}

	ctrl, err := threads.Get(ctx, middleware.GetUserID(ctx), threadID)
	if err != nil {
		if errors.Is(err, service.ErrThreadNotFound) {
			writeError(w, http.StatusNotFound, "thread not found")
		} else {
			writeError(w, http.StatusInternalServerError, "failed to load thread")
		}
		return nil, false
	}

	ctrl.SetPrincipal(principalFrom(r))
	return ctrl, true
}

func principalFrom(r *http.Request) conversation.Principal {
	ctx := r.Context()
	return conversation.Principal{
		Subject: middleware.GetUserID(ctx),
		Bearer:  middleware.GetBearer(ctx),
		Roles:   middleware.GetRoles(ctx),
	}
}
