package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/capitalize-ai/banking-assistant/internal/audit"
	"github.com/capitalize-ai/banking-assistant/internal/backend"
	"github.com/capitalize-ai/banking-assistant/internal/consent"
	"github.com/capitalize-ai/banking-assistant/internal/conversation"
	"github.com/capitalize-ai/banking-assistant/internal/middleware"
	"github.com/capitalize-ai/banking-assistant/internal/model"
	"github.com/capitalize-ai/banking-assistant/internal/roles"
	"github.com/capitalize-ai/banking-assistant/internal/service"
	"github.com/capitalize-ai/banking-assistant/pkg/logger"
)

// AuditLister reads back recorded approval decisions.
type AuditLister interface {
	List(ctx context.Context, userID string, limit int) ([]audit.Entry, error)
}

// ApprovalHandler handles tool call approval endpoints.
type ApprovalHandler struct {
	threads *service.ThreadService
	ledger  AuditLister
	logger  *logger.Logger
}

// NewApprovalHandler creates a new approval handler. ledger may be nil, in
// which case the history endpoint reports an empty list.
func NewApprovalHandler(threads *service.ThreadService, ledger AuditLister, log *logger.Logger) *ApprovalHandler {
	return &ApprovalHandler{
		threads: threads,
		ledger:  ledger,
		logger:  log,
	}
}

// Pending handles GET /api/v1/threads/:id/approvals
func (h *ApprovalHandler) Pending(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := threadFor(w, r, h.threads)
	if !ok {
		return
	}
	calls := ctrl.PendingApprovals()
	if calls == nil {
		calls = []model.ToolCall{}
	}
	writeJSON(w, http.StatusOK, &model.PendingApprovalsResponse{
		ThreadID:  ctrl.ThreadID(),
		ToolCalls: calls,
	})
}

// Approve handles POST /api/v1/threads/:id/tool-calls/:toolCallId/approve
func (h *ApprovalHandler) Approve(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, true)
}

// Deny handles POST /api/v1/threads/:id/tool-calls/:toolCallId/deny
func (h *ApprovalHandler) Deny(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, false)
}

func (h *ApprovalHandler) decide(w http.ResponseWriter, r *http.Request, approve bool) {
	ctrl, ok := threadFor(w, r, h.threads)
	if !ok {
		return
	}

	toolCallID := chi.URLParam(r, "toolCallId")
	if err := middleware.ValidateToolCallID(toolCallID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var err error
	if approve {
		err = ctrl.Approve(r.Context(), toolCallID)
	} else {
		err = ctrl.Reject(r.Context(), toolCallID)
	}
	if err != nil {
		h.logger.Warn("approval decision failed",
			zap.String("thread_id", ctrl.ThreadID()),
			zap.String("tool_call_id", toolCallID),
			zap.Bool("approve", approve),
			zap.Error(err),
		)
		writeDecisionError(w, err)
		return
	}

	tc, _ := ctrl.Snapshot().ToolCall(toolCallID)
	writeJSON(w, http.StatusOK, tc)
}

// History handles GET /api/v1/approvals
func (h *ApprovalHandler) History(w http.ResponseWriter, r *http.Request) {
	h.history(w, r, middleware.GetUserID(r.Context()))
}

// UserHistory returns the audited decisions of the user named in the path.
// Routes mounting it restrict it to AuditReaderRole.
func (h *ApprovalHandler) UserHistory(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user id is required")
		return
	}
	h.history(w, r, userID)
}

func (h *ApprovalHandler) history(w http.ResponseWriter, r *http.Request, userID string) {
	ctx := r.Context()

	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 || n > 500 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		limit = n
	}

	entries := []audit.Entry{}
	if h.ledger != nil {
		list, err := h.ledger.List(ctx, userID, limit)
		if err != nil {
			h.logger.Error("failed to list approvals", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to list approvals")
			return
		}
		if list != nil {
			entries = list
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"approvals": entries,
		"total":     len(entries),
	})
}

// writeDecisionError maps an approval failure to an HTTP status. The tool
// call itself already carries the failure in the thread snapshot.
func writeDecisionError(w http.ResponseWriter, err error) {
	var (
		unsat     *roles.UnsatisfiableRoleError
		issuerErr *consent.IssuerError
		transport *backend.TransportError
	)

	switch {
	case errors.Is(err, conversation.ErrNotAwaitingApproval):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, conversation.ErrStreamActive):
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &unsat):
		writeJSON(w, http.StatusForbidden, map[string]interface{}{
			"error":         err.Error(),
			"missing_roles": unsat.Roles,
		})
	case errors.As(err, &issuerErr):
		switch issuerErr.Kind {
		case consent.KindUnauthorized:
			writeError(w, http.StatusUnauthorized, err.Error())
		case consent.KindForbidden:
			writeError(w, http.StatusForbidden, err.Error())
		default:
			writeError(w, http.StatusBadGateway, err.Error())
		}
	case errors.As(err, &transport):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		writeError(w, http.StatusBadGateway, err.Error())
	}
}
