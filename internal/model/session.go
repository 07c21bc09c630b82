package model

import (
	"time"
)

type Session struct {
	ID        string    `db:"id" json:"id"`
	UserAID   string    `db:"user_a_id" json:"userAId"`
	UserBID   string    `db:"user_b_id" json:"userBId"`
	Region    string    `db:"region" json:"region"`
	QueueKey  string    `db:"queue_key" json:"queueKey"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
}

type CreateSessionParams struct {
	UserAID  string
	UserBID  string
	Region   string
	QueueKey string
}

func (s *Session) HasParticipant(userID string) bool {
	return userID != "" && (s.UserAID == userID || s.UserBID == userID)
}

// Peer returns the other participant, or "" when userID is not in the session.
func (s *Session) Peer(userID string) string {
	switch userID {
	case s.UserAID:
		return s.UserBID
	case s.UserBID:
		return s.UserAID
	}
	return ""
}

func (s *Session) Participants() []string {
	return []string{s.UserAID, s.UserBID}
}
