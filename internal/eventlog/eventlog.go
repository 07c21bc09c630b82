// Package eventlog appends matchmaking lifecycle records to a durable stream.
// Emission is best-effort: failures are logged and never fail the caller.
package eventlog

import (
	"context"
	"time"
)

type Type string

const (
	TypeQueued          Type = "queue.joined"
	TypeLeft            Type = "queue.left"
	TypePaired          Type = "queue.paired"
	TypeSessionLive     Type = "session.live"
	TypeSessionEnded    Type = "session.ended"
	TypeDecisionResolve Type = "decision.resolved"
)

type Record struct {
	Type      Type      `json:"type"`
	SessionID string    `json:"sessionId,omitempty"`
	UserIDs   []string  `json:"userIds,omitempty"`
	QueueKey  string    `json:"queueKey,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Outcome   string    `json:"outcome,omitempty"`
	At        time.Time `json:"at"`
}

type Sink interface {
	Emit(ctx context.Context, record Record)
	Close() error
}

type Nop struct{}

func (Nop) Emit(context.Context, Record) {}

func (Nop) Close() error { return nil }
