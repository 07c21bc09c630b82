package service

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/joshcabana/verity-backend-sub000/internal/sse"
)

// Notifier delivers participant events. *sse.Broker satisfies it.
type Notifier interface {
	Publish(ctx context.Context, userID string, event sse.Event) error
}

// NotifyAll is best-effort: delivery failures are logged, never returned.
func NotifyAll(ctx context.Context, n Notifier, userIDs []string, eventType string, payload any) {
	if n == nil {
		return
	}
	event, err := sse.NewEvent(eventType, payload)
	if err != nil {
		log.Error().Err(err).Str("type", eventType).Msg("failed to encode participant event")
		return
	}
	for _, userID := range userIDs {
		if err := n.Publish(ctx, userID, event); err != nil {
			log.Warn().
				Err(err).
				Str("userId", userID).
				Str("type", eventType).
				Msg("failed to deliver participant event")
		}
	}
}
