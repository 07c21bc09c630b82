package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/joshcabana/verity-backend-sub000/internal/errors"
	"github.com/joshcabana/verity-backend-sub000/internal/httputil"
	"github.com/joshcabana/verity-backend-sub000/internal/model"
	"github.com/joshcabana/verity-backend-sub000/internal/service"
	"github.com/joshcabana/verity-backend-sub000/internal/util"
)

type ChoiceSubmitter interface {
	SubmitChoice(ctx context.Context, sessionID, userID string, choice model.Choice) (*service.ChoiceResult, error)
}

type SessionHandler struct {
	choices ChoiceSubmitter
}

func NewSessionHandler(choices ChoiceSubmitter) *SessionHandler {
	return &SessionHandler{choices: choices}
}

func (h *SessionHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/{sessionId}/choice", h.SubmitChoice)

	return r
}

type choiceRequest struct {
	Choice model.Choice `json:"choice"`
}

// POST /v1/sessions/{sessionId}/choice
func (h *SessionHandler) SubmitChoice(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}

	sessionID := chi.URLParam(r, "sessionId")
	if !util.IsValidUUID(sessionID) {
		httputil.WriteError(w, apperrors.NotFound("Session"))
		return
	}

	var req choiceRequest
	if err := decodeJSON(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}
	if req.Choice == "" {
		httputil.WriteError(w, apperrors.MissingRequired("choice"))
		return
	}

	result, err := h.choices.SubmitChoice(r.Context(), sessionID, user.ID, req.Choice)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}
