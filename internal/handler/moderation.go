package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/joshcabana/verity-backend-sub000/internal/errors"
	"github.com/joshcabana/verity-backend-sub000/internal/httputil"
	"github.com/joshcabana/verity-backend-sub000/internal/util"
)

type Moderator interface {
	ForceEnd(ctx context.Context, sessionID string) (bool, error)
	Ban(ctx context.Context, userID string, duration time.Duration, reason string) error
	Unban(ctx context.Context, userID string) error
}

type ModerationHandler struct {
	moderator Moderator
}

func NewModerationHandler(moderator Moderator) *ModerationHandler {
	return &ModerationHandler{moderator: moderator}
}

func (h *ModerationHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/sessions/{sessionId}/end", h.EndSession)
	r.Post("/users/{userId}/ban", h.Ban)
	r.Delete("/users/{userId}/ban", h.Unban)

	return r
}

// POST /internal/moderation/sessions/{sessionId}/end
func (h *ModerationHandler) EndSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")
	if !util.IsValidUUID(sessionID) {
		httputil.WriteError(w, apperrors.NotFound("Session"))
		return
	}

	ended, err := h.moderator.ForceEnd(r.Context(), sessionID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"sessionId": sessionID,
		"ended":     ended,
	})
}

type banRequest struct {
	DurationSeconds int64  `json:"durationSeconds"`
	Reason          string `json:"reason"`
}

// POST /internal/moderation/users/{userId}/ban
func (h *ModerationHandler) Ban(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")

	var req banRequest
	if err := decodeJSON(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}
	if req.DurationSeconds < 0 {
		httputil.WriteError(w, apperrors.InvalidInput("durationSeconds", "must not be negative"))
		return
	}

	duration := time.Duration(req.DurationSeconds) * time.Second
	if err := h.moderator.Ban(r.Context(), userID, duration, req.Reason); err != nil {
		httputil.WriteError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"userId":          userID,
		"banned":          true,
		"durationSeconds": req.DurationSeconds,
	})
}

// DELETE /internal/moderation/users/{userId}/ban
func (h *ModerationHandler) Unban(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")

	if err := h.moderator.Unban(r.Context(), userID); err != nil {
		httputil.WriteError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
