package jobs

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/joshcabana/verity-backend-sub000/internal/model"
	redisclient "github.com/joshcabana/verity-backend-sub000/internal/redis"
	"github.com/joshcabana/verity-backend-sub000/internal/sse"
)

var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	mr.SetTime(testEpoch)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client, mr
}

// seedQueue places users in queueKey with ascending join times, the way
// a successful join leaves them.
func seedQueue(t *testing.T, rdb *redis.Client, queueKey string, users ...string) {
	t.Helper()
	ctx := context.Background()
	for i, userID := range users {
		joinedAt := testEpoch.Add(-time.Minute + time.Duration(i)*time.Second).UnixMilli()
		ptr, err := json.Marshal(model.QueuePointer{QueueKey: queueKey, Region: "au", JoinedAt: joinedAt})
		require.NoError(t, err)
		require.NoError(t, rdb.ZAdd(ctx, redisclient.QueueKey(queueKey), redis.Z{Score: float64(joinedAt), Member: userID}).Err())
		require.NoError(t, rdb.Set(ctx, redisclient.QueuePointerKey(userID), ptr, time.Hour).Err())
	}
	require.NoError(t, rdb.SAdd(ctx, redisclient.ActiveQueuesKey, queueKey).Err())
}

type fakeSessionRepo struct {
	mu       sync.Mutex
	sessions []*model.Session
	err      error
}

func (r *fakeSessionRepo) FindByID(_ context.Context, id string) (*model.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sessions {
		if s.ID == id {
			return s, nil
		}
	}
	return nil, nil
}

func (r *fakeSessionRepo) Create(_ context.Context, params model.CreateSessionParams) (*model.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	session := &model.Session{
		ID:        uuid.NewString(),
		UserAID:   params.UserAID,
		UserBID:   params.UserBID,
		Region:    params.Region,
		QueueKey:  params.QueueKey,
		CreatedAt: testEpoch,
	}
	r.sessions = append(r.sessions, session)
	return session, nil
}

func (r *fakeSessionRepo) DeleteOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.sessions[:0]
	var n int64
	for _, s := range r.sessions {
		if s.CreatedAt.Before(cutoff) {
			n++
			continue
		}
		kept = append(kept, s)
	}
	r.sessions = kept
	return n, nil
}

func (r *fakeSessionRepo) all() []*model.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*model.Session(nil), r.sessions...)
}

type pairSet map[[2]string]bool

func (p pairSet) IsBlocked(_ context.Context, a, b string) (bool, error) {
	low, high := model.CanonicalPair(a, b)
	return p[[2]string{low, high}], nil
}

type recordingStarter struct {
	mu      sync.Mutex
	started []string
}

func (s *recordingStarter) Start(_ context.Context, session *model.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = append(s.started, session.ID)
	return nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	events map[string][]sse.Event
}

func (n *recordingNotifier) Publish(_ context.Context, userID string, event sse.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.events == nil {
		n.events = make(map[string][]sse.Event)
	}
	n.events[userID] = append(n.events[userID], event)
	return nil
}

func (n *recordingNotifier) count(userID string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.events[userID])
}
