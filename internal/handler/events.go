package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/joshcabana/verity-backend-sub000/internal/service"
	"github.com/joshcabana/verity-backend-sub000/internal/sse"
)

type EventSubscriber interface {
	Subscribe(userID string) *sse.Client
	Unsubscribe(client *sse.Client)
}

type StatusReader interface {
	Status(ctx context.Context, userID string) (*service.QueueStatus, error)
}

type EventsHandler struct {
	broker    EventSubscriber
	status    StatusReader
	heartbeat time.Duration
}

// NewEventsHandler streams participant events. status may be nil, in which
// case the connected event carries no queue snapshot.
func NewEventsHandler(broker EventSubscriber, status StatusReader) *EventsHandler {
	return &EventsHandler{
		broker:    broker,
		status:    status,
		heartbeat: sse.HeartbeatInterval,
	}
}

// GET /v1/events
func (h *EventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Streaming not supported"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	client := h.broker.Subscribe(user.ID)
	defer h.broker.Unsubscribe(client)

	logger := log.Ctx(r.Context()).With().Str("userId", user.ID).Logger()
	logger.Info().Msg("sse connection established")

	ctx := r.Context()

	connected := map[string]any{"userId": user.ID}
	if h.status != nil {
		if st, err := h.status.Status(ctx, user.ID); err != nil {
			logger.Warn().Err(err).Msg("failed to read queue status for sse snapshot")
		} else {
			connected["queue"] = st
		}
	}
	if err := h.sendEvent(w, flusher, "connected", connected); err != nil {
		logger.Debug().Err(err).Msg("failed to send connected event")
		return
	}

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("sse connection closed by client")
			return

		case <-client.Done:
			logger.Info().Msg("sse connection closed by broker")
			return

		case event := <-client.Events:
			if err := h.sendRawEvent(w, flusher, event); err != nil {
				logger.Error().Err(err).Str("event", event.Type).Msg("failed to send event")
				return
			}

		case <-heartbeat.C:
			if _, err := fmt.Fprintf(w, ": ping\n\n"); err != nil {
				logger.Debug().Msg("heartbeat failed, closing connection")
				return
			}
			flusher.Flush()
		}
	}
}

func (h *EventsHandler) sendEvent(w http.ResponseWriter, flusher http.Flusher, eventType string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	return h.sendRawEvent(w, flusher, sse.Event{Type: eventType, Data: jsonData})
}

func (h *EventsHandler) sendRawEvent(w http.ResponseWriter, flusher http.Flusher, event sse.Event) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", event.Type); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", event.Data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
