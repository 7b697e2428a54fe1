package handler

import (
	"github.com/go-chi/chi/v5"

	"github.com/capitalize-ai/banking-assistant/internal/middleware"
	"github.com/capitalize-ai/banking-assistant/internal/service"
	"github.com/capitalize-ai/banking-assistant/pkg/logger"
)

// AuditReaderRole lets a caller read any user's approval history.
const AuditReaderRole = "CanReadAuditLog"

// APIRoutes registers the authenticated /api/v1 endpoints on r.
func APIRoutes(r chi.Router, threads *service.ThreadService, ledger AuditLister, log *logger.Logger) {
	threadHandler := NewThreadHandler(threads, log)
	messageHandler := NewMessageHandler(threads, log)
	approvalHandler := NewApprovalHandler(threads, ledger, log)
	streamHandler := NewStreamHandler(threads, log)

	r.Route("/threads", func(r chi.Router) {
		r.Post("/", threadHandler.Create)
		r.Get("/", threadHandler.List)

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", threadHandler.Get)
			r.Delete("/", threadHandler.Delete)
			r.Post("/cancel", threadHandler.Cancel)

			r.Post("/messages", messageHandler.Send)
			r.Get("/events", streamHandler.Events)

			r.Get("/approvals", approvalHandler.Pending)
			r.Post("/tool-calls/{toolCallId}/approve", approvalHandler.Approve)
			r.Post("/tool-calls/{toolCallId}/deny", approvalHandler.Deny)
		})
	})

	r.Get("/approvals", approvalHandler.History)
	r.With(middleware.RequireRole(AuditReaderRole)).
		Get("/audit/users/{userId}/approvals", approvalHandler.UserHistory)
}
