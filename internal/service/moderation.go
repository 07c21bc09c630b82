package service

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/joshcabana/verity-backend-sub000/internal/audit"
	apperrors "github.com/joshcabana/verity-backend-sub000/internal/errors"
	"github.com/joshcabana/verity-backend-sub000/internal/model"
	redisclient "github.com/joshcabana/verity-backend-sub000/internal/redis"
	"github.com/joshcabana/verity-backend-sub000/internal/repository"
)

// SessionEnder is the single entry point moderation uses to stop a session.
type SessionEnder interface {
	EndSession(ctx context.Context, session *model.Session, reason model.EndReason) (bool, error)
}

// ModerationBridge applies the effects of moderation decisions: forced
// session termination and the ban flag consulted at queue admission.
type ModerationBridge struct {
	redis    *redis.Client
	sessions repository.SessionRepository
	ender    SessionEnder
}

func NewModerationBridge(rdb *redis.Client, sessions repository.SessionRepository, ender SessionEnder) *ModerationBridge {
	return &ModerationBridge{
		redis:    rdb,
		sessions: sessions,
		ender:    ender,
	}
}

// ForceEnd ends a live session with reason "ended". It reports false when
// the session had already ended.
func (m *ModerationBridge) ForceEnd(ctx context.Context, sessionID string) (bool, error) {
	session, err := m.sessions.FindByID(ctx, sessionID)
	if err != nil {
		return false, apperrors.Database(err)
	}
	if session == nil {
		return false, apperrors.NotFound("Session")
	}

	ended, err := m.ender.EndSession(ctx, session, model.EndReasonEnded)
	if err != nil {
		return false, err
	}

	audit.Log(ctx, audit.Event{
		Type:      audit.EventForceEnd,
		SessionID: sessionID,
		Details:   map[string]interface{}{"transitioned": ended},
	})
	return ended, nil
}

// Ban bars the user from joining. A non-positive duration bans until Unban.
func (m *ModerationBridge) Ban(ctx context.Context, userID string, duration time.Duration, reason string) error {
	if userID == "" {
		return apperrors.MissingRequired("userId")
	}
	if duration < 0 {
		duration = 0
	}
	if reason == "" {
		reason = "moderation"
	}

	if err := m.redis.Set(ctx, redisclient.BanKey(userID), reason, duration).Err(); err != nil {
		return apperrors.Store(err)
	}

	log.Info().
		Str("userId", userID).
		Dur("duration", duration).
		Msg("user banned")
	audit.Log(ctx, audit.Event{
		Type:    audit.EventBan,
		UserID:  userID,
		Details: map[string]interface{}{"duration": duration, "reason": reason},
	})
	return nil
}

func (m *ModerationBridge) Unban(ctx context.Context, userID string) error {
	if err := m.redis.Del(ctx, redisclient.BanKey(userID)).Err(); err != nil {
		return apperrors.Store(err)
	}
	audit.Log(ctx, audit.Event{Type: audit.EventUnban, UserID: userID})
	return nil
}

func (m *ModerationBridge) IsBanned(ctx context.Context, userID string) (bool, error) {
	n, err := m.redis.Exists(ctx, redisclient.BanKey(userID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
