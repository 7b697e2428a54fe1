// Package service provides business logic for the portal.
package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/capitalize-ai/banking-assistant/internal/conversation"
	"github.com/capitalize-ai/banking-assistant/internal/model"
	"github.com/capitalize-ai/banking-assistant/pkg/logger"
	"github.com/capitalize-ai/banking-assistant/pkg/metrics"
)

// ErrThreadNotFound is returned for unknown threads and for threads owned by
// another user.
var ErrThreadNotFound = errors.New("thread not found")

// ControllerFactory builds the controller of a new thread.
type ControllerFactory func(threadID string) (*conversation.Controller, error)

type threadEntry struct {
	userID    string
	createdAt time.Time
	ctrl      *conversation.Controller
}

// ThreadService keeps the live threads of every portal user in memory.
// Threads are independent; nothing is shared between controllers.
type ThreadService struct {
	factory ControllerFactory
	logger  *logger.Logger

	threads map[string]*threadEntry
	mu      sync.RWMutex
}

// NewThreadService creates a new thread service.
func NewThreadService(factory ControllerFactory, log *logger.Logger) *ThreadService {
	return &ThreadService{
		factory: factory,
		logger:  log,
		threads: make(map[string]*threadEntry),
	}
}

// Create starts a thread for userID.
func (s *ThreadService) Create(_ context.Context, userID string) (string, *conversation.Controller, error) {
	id := uuid.Must(uuid.NewV7()).String()
	ctrl, err := s.factory(id)
	if err != nil {
		return "", nil, err
	}

	s.mu.Lock()
	s.threads[id] = &threadEntry{userID: userID, createdAt: time.Now().UTC(), ctrl: ctrl}
	s.mu.Unlock()
	metrics.ThreadsActive.Inc()

	s.logger.Info("thread created",
		zap.String("thread_id", id),
		zap.String("user_id", userID),
	)
	return id, ctrl, nil
}

// Get returns the controller of a thread owned by userID.
func (s *ThreadService) Get(_ context.Context, userID, threadID string) (*conversation.Controller, error) {
	s.mu.RLock()
	entry, exists := s.threads[threadID]
	s.mu.RUnlock()

	if !exists || entry.userID != userID {
		return nil, ErrThreadNotFound
	}
	return entry.ctrl, nil
}

// List summarizes the threads of userID, newest first.
func (s *ThreadService) List(_ context.Context, userID string) *model.ListThreadsResponse {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.ThreadSummary, 0)
	for id, entry := range s.threads {
		if entry.userID != userID {
			continue
		}
		snap := entry.ctrl.Snapshot()
		summary := model.ThreadSummary{
			ID:           id,
			UserID:       userID,
			CreatedAt:    entry.createdAt,
			UpdatedAt:    entry.createdAt,
			MessageCount: len(snap.Messages),
			Streaming:    snap.Streaming,
		}
		if n := len(snap.Messages); n > 0 {
			summary.UpdatedAt = snap.Messages[n-1].Timestamp
		}
		out = append(out, summary)
	}

	// UUIDv7 ids sort by creation time.
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return &model.ListThreadsResponse{Threads: out, Total: len(out)}
}

// Delete drops a thread and cancels its streams.
func (s *ThreadService) Delete(_ context.Context, userID, threadID string) error {
	s.mu.Lock()
	entry, exists := s.threads[threadID]
	if !exists || entry.userID != userID {
		s.mu.Unlock()
		return ErrThreadNotFound
	}
	delete(s.threads, threadID)
	s.mu.Unlock()

	entry.ctrl.Close()
	metrics.ThreadsActive.Dec()
	s.logger.Info("thread deleted",
		zap.String("thread_id", threadID),
		zap.String("user_id", userID),
	)
	return nil
}

// Shutdown closes every thread.
func (s *ThreadService) Shutdown() {
	s.mu.Lock()
	entries := s.threads
	s.threads = make(map[string]*threadEntry)
	s.mu.Unlock()

	for _, entry := range entries {
		entry.ctrl.Close()
		metrics.ThreadsActive.Dec()
	}
}
