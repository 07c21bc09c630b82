package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/joshcabana/verity-backend-sub000/internal/httputil"
	"github.com/joshcabana/verity-backend-sub000/internal/service"
)

type QueueOps interface {
	Join(ctx context.Context, userID string, req service.JoinRequest) (*service.JoinResult, error)
	Leave(ctx context.Context, userID string) (*service.LeaveResult, error)
	Status(ctx context.Context, userID string) (*service.QueueStatus, error)
}

type QueueHandler struct {
	queue QueueOps
}

func NewQueueHandler(queue QueueOps) *QueueHandler {
	return &QueueHandler{queue: queue}
}

func (h *QueueHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/join", h.Join)
	r.Post("/leave", h.Leave)
	r.Get("/status", h.Status)

	return r
}

// POST /v1/queue/join
func (h *QueueHandler) Join(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}

	var req service.JoinRequest
	if err := decodeJSON(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}

	result, err := h.queue.Join(r.Context(), user.ID, req)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// POST /v1/queue/leave
func (h *QueueHandler) Leave(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}

	result, err := h.queue.Leave(r.Context(), user.ID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// GET /v1/queue/status
func (h *QueueHandler) Status(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}

	result, err := h.queue.Status(r.Context(), user.ID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}
