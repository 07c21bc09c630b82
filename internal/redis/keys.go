package redis

import "fmt"

const (
	// ActiveQueuesKey is the set of queue keys that may hold waiting users.
	ActiveQueuesKey = "mm:queue:active"
	// LiveSessionsKey scores live session ids by their end time in unix ms.
	LiveSessionsKey = "mm:session:live"
	// PendingDecisionsKey scores ended session ids by their choice deadline in unix ms.
	PendingDecisionsKey = "mm:session:pending"
)

func QueueKey(queueKey string) string {
	return fmt.Sprintf("mm:queue:%s", queueKey)
}

func QueuePointerKey(userID string) string {
	return fmt.Sprintf("mm:queue:user:%s", userID)
}

func UserLockKey(userID string) string {
	return fmt.Sprintf("mm:lock:user:%s", userID)
}

func MatchedMarkerKey(userID string) string {
	return fmt.Sprintf("mm:matched:%s", userID)
}

func BanKey(userID string) string {
	return fmt.Sprintf("mm:ban:%s", userID)
}

// PairDeferKey counts how often a blocked pair has been deferred.
// Callers pass the pair in canonical order.
func PairDeferKey(low, high string) string {
	return fmt.Sprintf("mm:defer:%s:%s", low, high)
}

func SessionStartKey(sessionID string) string {
	return fmt.Sprintf("mm:session:%s:start", sessionID)
}

func SessionRuntimeKey(sessionID string) string {
	return fmt.Sprintf("mm:session:%s:live", sessionID)
}

func ActiveSessionKey(userID string) string {
	return fmt.Sprintf("mm:session:active:%s", userID)
}

func SessionEndedKey(sessionID string) string {
	return fmt.Sprintf("mm:session:%s:ended", sessionID)
}

func SessionChoicesKey(sessionID string) string {
	return fmt.Sprintf("mm:session:%s:choices", sessionID)
}

func SessionDeadlineKey(sessionID string) string {
	return fmt.Sprintf("mm:session:%s:deadline", sessionID)
}

func SessionDecisionKey(sessionID string) string {
	return fmt.Sprintf("mm:session:%s:decision", sessionID)
}

func UserEventsChannel(userID string) string {
	return fmt.Sprintf("events:%s", userID)
}

func RateLimitKey(key string) string {
	return fmt.Sprintf("ratelimit:%s", key)
}
