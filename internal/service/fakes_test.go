package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/joshcabana/verity-backend-sub000/internal/clock"
	"github.com/joshcabana/verity-backend-sub000/internal/model"
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

// fakeUserRepo keeps balances in memory. onDebit runs after a successful debit.
type fakeUserRepo struct {
	mu       sync.Mutex
	balances map[string]int
	onDebit  func()
	debits   int
	credits  int
}

func newFakeUserRepo(balances map[string]int) *fakeUserRepo {
	return &fakeUserRepo{balances: balances}
}

func (r *fakeUserRepo) FindByID(_ context.Context, id string) (*model.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	balance, ok := r.balances[id]
	if !ok {
		return nil, nil
	}
	return &model.User{ID: id, TokenBalance: balance}, nil
}

func (r *fakeUserRepo) FindByTokenHash(context.Context, string) (*model.User, error) {
	return nil, nil
}

func (r *fakeUserRepo) DebitToken(_ context.Context, id string) (int, bool, error) {
	r.mu.Lock()
	balance := r.balances[id]
	if balance < 1 {
		r.mu.Unlock()
		return 0, false, nil
	}
	r.balances[id] = balance - 1
	r.debits++
	hook := r.onDebit
	r.mu.Unlock()

	if hook != nil {
		hook()
	}
	return balance - 1, true, nil
}

func (r *fakeUserRepo) CreditToken(_ context.Context, id string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.balances[id]++
	r.credits++
	return r.balances[id], nil
}

func (r *fakeUserRepo) balance(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.balances[id]
}

type fakeSessionRepo struct {
	mu       sync.Mutex
	sessions map[string]*model.Session
}

func newFakeSessionRepo() *fakeSessionRepo {
	return &fakeSessionRepo{sessions: make(map[string]*model.Session)}
}

func (r *fakeSessionRepo) FindByID(_ context.Context, id string) (*model.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[id], nil
}

func (r *fakeSessionRepo) Create(_ context.Context, params model.CreateSessionParams) (*model.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	session := &model.Session{
		ID:        uuid.NewString(),
		UserAID:   params.UserAID,
		UserBID:   params.UserBID,
		Region:    params.Region,
		QueueKey:  params.QueueKey,
		CreatedAt: testEpoch,
	}
	r.sessions[session.ID] = session
	return session, nil
}

func (r *fakeSessionRepo) DeleteOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, s := range r.sessions {
		if s.CreatedAt.Before(cutoff) {
			delete(r.sessions, id)
			n++
		}
	}
	return n, nil
}

type fakeMatchRepo struct {
	mu      sync.Mutex
	matches map[[2]string]*model.Match
	err     error
}

func newFakeMatchRepo() *fakeMatchRepo {
	return &fakeMatchRepo{matches: make(map[[2]string]*model.Match)}
}

func (r *fakeMatchRepo) FindByPair(_ context.Context, a, b string) (*model.Match, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	low, high := model.CanonicalPair(a, b)
	return r.matches[[2]string{low, high}], nil
}

func (r *fakeMatchRepo) CreateOrGet(_ context.Context, a, b, sessionID string) (*model.Match, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, false, r.err
	}
	low, high := model.CanonicalPair(a, b)
	key := [2]string{low, high}
	if existing, ok := r.matches[key]; ok {
		return existing, false, nil
	}
	match := &model.Match{ID: uuid.NewString(), UserLowID: low, UserHighID: high, SessionID: &sessionID}
	r.matches[key] = match
	return match, true, nil
}

func (r *fakeMatchRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.matches)
}

type notification struct {
	UserID string
	Event  sse.Event
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notification
}

func (n *recordingNotifier) Publish(_ context.Context, userID string, event sse.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, notification{UserID: userID, Event: event})
	return nil
}

func (n *recordingNotifier) ofType(eventType string) []notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []notification
	for _, s := range n.sent {
		if s.Event.Type == eventType {
			out = append(out, s)
		}
	}
	return out
}

type staticBans map[string]bool

func (b staticBans) IsBanned(_ context.Context, userID string) (bool, error) {
	return b[userID], nil
}

func newTestClock() *clock.FakeClock {
	return clock.Fake(testEpoch)
}
