package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/banking-assistant/internal/model"
	"github.com/capitalize-ai/banking-assistant/internal/service"
	"github.com/capitalize-ai/banking-assistant/pkg/logger"
	"github.com/capitalize-ai/banking-assistant/pkg/metrics"
)

const defaultHeartbeat = 30 * time.Second

// StreamHandler pushes thread snapshots to browsers over SSE.
type StreamHandler struct {
	threads   *service.ThreadService
	logger    *logger.Logger
	heartbeat time.Duration
}

// NewStreamHandler creates a new stream handler.
func NewStreamHandler(threads *service.ThreadService, log *logger.Logger) *StreamHandler {
	return &StreamHandler{
		threads:   threads,
		logger:    log,
		heartbeat: defaultHeartbeat,
	}
}

// Events handles GET /api/v1/threads/:id/events
// The first event is the current snapshot. Later snapshots are coalesced:
// a slow client skips intermediate versions and receives the newest.
func (h *StreamHandler) Events(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ctrl, ok := threadFor(w, r, h.threads)
	if !ok {
		return
	}

	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	metrics.IncrementSSEConnections()
	defer metrics.DecrementSSEConnections()

	updates := make(chan model.Snapshot, 1)
	unsubscribe := ctrl.Subscribe(func(snap model.Snapshot) {
		for {
			select {
			case updates <- snap:
				return
			default:
			}
			select {
			case <-updates:
			default:
			}
		}
	})
	defer unsubscribe()

	last := ctrl.Snapshot()
	if err := sendSSEEvent(w, flusher, string(model.EventTypeSnapshot), last); err != nil {
		h.logger.Warn("failed to send snapshot", zap.Error(err))
		return
	}

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("SSE client disconnected", zap.String("thread_id", ctrl.ThreadID()))
			return

		case <-ctrl.Done():
			sendSSEEvent(w, flusher, string(model.EventTypeError), &model.ErrorEvent{
				Code:    "thread_closed",
				Message: "thread was closed",
			})
			return

		case snap := <-updates:
			if snap.Version <= last.Version {
				continue
			}
			last = snap
			if err := sendSSEEvent(w, flusher, string(model.EventTypeSnapshot), snap); err != nil {
				h.logger.Warn("failed to send snapshot", zap.Error(err))
				return
			}

		case <-heartbeat.C:
			sendSSEEvent(w, flusher, string(model.EventTypeHeartbeat), &model.HeartbeatEvent{
				Timestamp: time.Now(),
			})
		}
	}
}

func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, jsonData); err != nil {
		return err
	}
	flusher.Flush()

	return nil
}
