package model

import (
	"time"
)

// QueuePointer is the per-user record that mirrors a sorted-set entry.
type QueuePointer struct {
	QueueKey string `json:"queueKey"`
	Region   string `json:"region"`
	JoinedAt int64  `json:"joinedAt"`
}

// SessionRuntime is the ephemeral live-session record kept in the queue store.
type SessionRuntime struct {
	SessionID string    `json:"sessionId"`
	StartedAt time.Time `json:"startedAt"`
	EndsAt    time.Time `json:"endsAt"`
}

type Decision struct {
	Outcome    Outcome   `json:"outcome"`
	MatchID    *string   `json:"matchId,omitempty"`
	ResolvedAt time.Time `json:"resolvedAt"`
}

// CallCredentials authorize one participant on the realtime call provider.
type CallCredentials struct {
	Channel   string    `json:"channel"`
	UserID    string    `json:"userId"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}
