package model

import (
	"time"
)

type Match struct {
	ID         string    `db:"id" json:"id"`
	UserLowID  string    `db:"user_low_id" json:"userLowId"`
	UserHighID string    `db:"user_high_id" json:"userHighId"`
	SessionID  *string   `db:"session_id" json:"sessionId,omitempty"`
	CreatedAt  time.Time `db:"created_at" json:"createdAt"`
}

// CanonicalPair orders two user ids so a pair maps to one match row.
func CanonicalPair(a, b string) (low, high string) {
	if a <= b {
		return a, b
	}
	return b, a
}

type Block struct {
	BlockerID string    `db:"blocker_id" json:"blockerId"`
	BlockedID string    `db:"blocked_id" json:"blockedId"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
}
