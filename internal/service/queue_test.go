package service

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshcabana/verity-backend-sub000/internal/clock"
	apperrors "github.com/joshcabana/verity-backend-sub000/internal/errors"
	"github.com/joshcabana/verity-backend-sub000/internal/lock"
	"github.com/joshcabana/verity-backend-sub000/internal/model"
	redisclient "github.com/joshcabana/verity-backend-sub000/internal/redis"
)

type queueFixture struct {
	svc   *QueueService
	users *fakeUserRepo
	locks *lock.RedisStore
	mr    *miniredis.Miniredis
	clock *clock.FakeClock
	bans  staticBans
}

func newQueueFixture(t *testing.T, balances map[string]int) *queueFixture {
	t.Helper()
	rdb, mr := newTestRedis(t)
	users := newFakeUserRepo(balances)
	locks := lock.NewRedisStore(rdb)
	clk := newTestClock()
	bans := staticBans{}

	svc := NewQueueService(rdb, locks, users, bans, nil, nil, clk, QueueConfig{
		QueueTTL: 15 * time.Minute,
		LockTTL:  5 * time.Second,
	})
	return &queueFixture{svc: svc, users: users, locks: locks, mr: mr, clock: clk, bans: bans}
}

var auRequest = JoinRequest{Region: "au", Preferences: map[string]any{"lang": "en"}}

func TestQueueService_Join(t *testing.T) {
	ctx := context.Background()

	t.Run("queues in join order and debits one token", func(t *testing.T) {
		f := newQueueFixture(t, map[string]int{"a": 1, "b": 2})

		first, err := f.svc.Join(ctx, "a", auRequest)
		require.NoError(t, err)
		assert.Equal(t, model.JoinStatusQueued, first.Status)
		assert.Equal(t, int64(0), first.Position)

		f.clock.Advance(100 * time.Millisecond)
		second, err := f.svc.Join(ctx, "b", auRequest)
		require.NoError(t, err)
		assert.Equal(t, first.QueueKey, second.QueueKey)
		assert.Equal(t, int64(1), second.Position)

		assert.Equal(t, 0, f.users.balance("a"))
		assert.Equal(t, 1, f.users.balance("b"))

		active, err := f.mr.SMembers(redisclient.ActiveQueuesKey)
		require.NoError(t, err)
		assert.Equal(t, []string{first.QueueKey}, active)
		assert.True(t, f.mr.Exists(redisclient.QueuePointerKey("a")))
		assert.Greater(t, f.mr.TTL(redisclient.QueuePointerKey("a")), time.Duration(0))
	})

	t.Run("second join is already_queued without another debit", func(t *testing.T) {
		f := newQueueFixture(t, map[string]int{"a": 5})

		_, err := f.svc.Join(ctx, "a", auRequest)
		require.NoError(t, err)
		again, err := f.svc.Join(ctx, "a", JoinRequest{Region: "us"})
		require.NoError(t, err)

		assert.Equal(t, model.JoinStatusAlreadyQueued, again.Status)
		assert.Equal(t, int64(0), again.Position)
		assert.Equal(t, 4, f.users.balance("a"))
	})

	t.Run("insufficient balance leaves no queue state", func(t *testing.T) {
		f := newQueueFixture(t, map[string]int{"a": 0})

		_, err := f.svc.Join(ctx, "a", auRequest)
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInsufficientBalance))
		assert.False(t, f.mr.Exists(redisclient.QueuePointerKey("a")))
		assert.False(t, f.mr.Exists(redisclient.UserLockKey("a")), "lock released")
	})

	t.Run("banned user is rejected before debit", func(t *testing.T) {
		f := newQueueFixture(t, map[string]int{"a": 1})
		f.bans["a"] = true

		_, err := f.svc.Join(ctx, "a", auRequest)
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeBanned))
		assert.Equal(t, 1, f.users.balance("a"))
	})

	t.Run("invalid region is a validation error", func(t *testing.T) {
		f := newQueueFixture(t, map[string]int{"a": 1})

		_, err := f.svc.Join(ctx, "a", JoinRequest{})
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeMissingRequired))
		_, err = f.svc.Join(ctx, "a", JoinRequest{Region: "not a region!"})
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidInput))
		assert.Equal(t, 1, f.users.balance("a"))
	})

	t.Run("held lock returns existing state or conflict", func(t *testing.T) {
		f := newQueueFixture(t, map[string]int{"a": 1, "b": 1})

		joined, err := f.svc.Join(ctx, "a", auRequest)
		require.NoError(t, err)

		_, ok, err := f.locks.Acquire(ctx, redisclient.UserLockKey("a"), time.Minute)
		require.NoError(t, err)
		require.True(t, ok)
		res, err := f.svc.Join(ctx, "a", auRequest)
		require.NoError(t, err)
		assert.Equal(t, model.JoinStatusAlreadyQueued, res.Status)
		assert.Equal(t, joined.QueueKey, res.QueueKey)

		_, ok, err = f.locks.Acquire(ctx, redisclient.UserLockKey("b"), time.Minute)
		require.NoError(t, err)
		require.True(t, ok)
		_, err = f.svc.Join(ctx, "b", auRequest)
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeConflict))
		assert.Equal(t, 1, f.users.balance("b"))
	})

	t.Run("held lock on a popped member reports the head position", func(t *testing.T) {
		f := newQueueFixture(t, map[string]int{"a": 1})

		joined, err := f.svc.Join(ctx, "a", auRequest)
		require.NoError(t, err)

		// The worker pops the member and holds its lock while pairing.
		_, err = f.mr.ZRem(redisclient.QueueKey(joined.QueueKey), "a")
		require.NoError(t, err)
		_, ok, err := f.locks.Acquire(ctx, redisclient.UserLockKey("a"), time.Minute)
		require.NoError(t, err)
		require.True(t, ok)

		res, err := f.svc.Join(ctx, "a", auRequest)
		require.NoError(t, err)
		assert.Equal(t, model.JoinStatusAlreadyQueued, res.Status)
		assert.Equal(t, int64(0), res.Position)
	})

	t.Run("restores sorted-set entry from pointer", func(t *testing.T) {
		f := newQueueFixture(t, map[string]int{"a": 1})

		joined, err := f.svc.Join(ctx, "a", auRequest)
		require.NoError(t, err)
		zkey := redisclient.QueueKey(joined.QueueKey)
		_, err = f.mr.ZRem(zkey, "a")
		require.NoError(t, err)

		res, err := f.svc.Join(ctx, "a", auRequest)
		require.NoError(t, err)
		assert.Equal(t, model.JoinStatusAlreadyQueued, res.Status)

		score, err := f.mr.ZScore(zkey, "a")
		require.NoError(t, err)
		assert.Equal(t, float64(testEpoch.UnixMilli()), score, "original join time kept")
		assert.Equal(t, 0, f.users.balance("a"))
	})

	t.Run("drops stale member without pointer before admitting", func(t *testing.T) {
		f := newQueueFixture(t, map[string]int{"a": 1})

		key, err := DeriveQueueKey(auRequest)
		require.NoError(t, err)
		_, err = f.mr.ZAdd(redisclient.QueueKey(key), 1, "a")
		require.NoError(t, err)

		f.clock.Advance(time.Second)
		res, err := f.svc.Join(ctx, "a", auRequest)
		require.NoError(t, err)
		assert.Equal(t, model.JoinStatusQueued, res.Status)

		score, err := f.mr.ZScore(redisclient.QueueKey(key), "a")
		require.NoError(t, err)
		assert.Equal(t, float64(testEpoch.Add(time.Second).UnixMilli()), score)
	})

	t.Run("failed admission batch refunds the debit", func(t *testing.T) {
		f := newQueueFixture(t, map[string]int{"a": 1})
		f.users.onDebit = func() { f.mr.SetError("READONLY store unavailable") }

		_, err := f.svc.Join(ctx, "a", auRequest)
		f.mr.SetError("")

		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeStore))
		assert.Equal(t, 1, f.users.balance("a"))
		assert.Equal(t, 1, f.users.credits)
		assert.False(t, f.mr.Exists(redisclient.QueuePointerKey("a")))
	})

	t.Run("rejects user in a live session", func(t *testing.T) {
		f := newQueueFixture(t, map[string]int{"a": 1})
		require.NoError(t, f.mr.Set(redisclient.ActiveSessionKey("a"), "s1"))

		_, err := f.svc.Join(ctx, "a", auRequest)
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeAlreadyInSession))
		assert.Equal(t, 1, f.users.balance("a"))
	})

	t.Run("matched marker blocks until its session ends", func(t *testing.T) {
		f := newQueueFixture(t, map[string]int{"a": 1})
		require.NoError(t, f.mr.Set(redisclient.MatchedMarkerKey("a"), "s1"))

		_, err := f.svc.Join(ctx, "a", auRequest)
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeAlreadyInSession))

		require.NoError(t, f.mr.Set(redisclient.SessionEndedKey("s1"), "timeout"))
		res, err := f.svc.Join(ctx, "a", auRequest)
		require.NoError(t, err)
		assert.Equal(t, model.JoinStatusQueued, res.Status)
		assert.False(t, f.mr.Exists(redisclient.MatchedMarkerKey("a")), "stale marker cleared")
	})

	t.Run("rate limit applies per user", func(t *testing.T) {
		rdb, _ := newTestRedis(t)
		users := newFakeUserRepo(map[string]int{"a": 5})
		clk := newTestClock()
		svc := NewQueueService(rdb, lock.NewRedisStore(rdb), users, staticBans{}, NewRateLimiter(rdb, clk), nil, clk, QueueConfig{
			QueueTTL:      time.Minute,
			LockTTL:       time.Second,
			JoinRateLimit: 1,
		})

		_, err := svc.Join(ctx, "a", auRequest)
		require.NoError(t, err)
		_, err = svc.Join(ctx, "a", auRequest)
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeRateLimitExceeded))
	})

	t.Run("rate limit store failure is a store error", func(t *testing.T) {
		rdb, mr := newTestRedis(t)
		users := newFakeUserRepo(map[string]int{"a": 5})
		clk := newTestClock()
		svc := NewQueueService(rdb, lock.NewRedisStore(rdb), users, staticBans{}, NewRateLimiter(rdb, clk), nil, clk, QueueConfig{
			QueueTTL:      time.Minute,
			LockTTL:       time.Second,
			JoinRateLimit: 1,
		})

		mr.SetError("LOADING store is loading")
		_, err := svc.Join(ctx, "a", auRequest)
		mr.SetError("")

		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeStore))
		assert.Equal(t, 5, users.balance("a"))
	})
}

func TestQueueService_Leave(t *testing.T) {
	ctx := context.Background()

	t.Run("leaving refunds exactly once", func(t *testing.T) {
		f := newQueueFixture(t, map[string]int{"a": 1})
		joined, err := f.svc.Join(ctx, "a", auRequest)
		require.NoError(t, err)

		res, err := f.svc.Leave(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, model.LeaveStatusLeft, res.Status)
		assert.True(t, res.Refunded)
		assert.Equal(t, 1, f.users.balance("a"))

		members, _ := f.mr.ZMembers(redisclient.QueueKey(joined.QueueKey))
		assert.NotContains(t, members, "a")

		again, err := f.svc.Leave(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, model.LeaveStatusNotQueued, again.Status)
		assert.False(t, again.Refunded)
		assert.Equal(t, 1, f.users.balance("a"))
	})

	t.Run("matched user is not refunded", func(t *testing.T) {
		f := newQueueFixture(t, map[string]int{"a": 1})
		_, err := f.svc.Join(ctx, "a", auRequest)
		require.NoError(t, err)
		require.NoError(t, f.mr.Set(redisclient.MatchedMarkerKey("a"), "s1"))

		res, err := f.svc.Leave(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, model.LeaveStatusAlreadyMatched, res.Status)
		assert.False(t, res.Refunded)
		assert.Equal(t, 0, f.users.balance("a"))
		assert.False(t, f.mr.Exists(redisclient.QueuePointerKey("a")))
	})

	t.Run("marker without pointer reports already_matched", func(t *testing.T) {
		f := newQueueFixture(t, map[string]int{"a": 0})
		require.NoError(t, f.mr.Set(redisclient.MatchedMarkerKey("a"), "s1"))

		res, err := f.svc.Leave(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, model.LeaveStatusAlreadyMatched, res.Status)
		assert.False(t, res.Refunded)
	})

	t.Run("held lock is a conflict", func(t *testing.T) {
		f := newQueueFixture(t, map[string]int{"a": 1})
		_, err := f.svc.Join(ctx, "a", auRequest)
		require.NoError(t, err)

		_, ok, err := f.locks.Acquire(ctx, redisclient.UserLockKey("a"), time.Minute)
		require.NoError(t, err)
		require.True(t, ok)

		_, err = f.svc.Leave(ctx, "a")
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeConflict))
		assert.Equal(t, 0, f.users.balance("a"))
	})
}

func TestQueueService_Status(t *testing.T) {
	ctx := context.Background()
	f := newQueueFixture(t, map[string]int{"a": 1, "b": 1})

	status, err := f.svc.Status(ctx, "a")
	require.NoError(t, err)
	assert.False(t, status.Queued)
	assert.Equal(t, int64(-1), status.Position)

	_, err = f.svc.Join(ctx, "b", auRequest)
	require.NoError(t, err)
	f.clock.Advance(time.Millisecond)
	joined, err := f.svc.Join(ctx, "a", auRequest)
	require.NoError(t, err)

	status, err = f.svc.Status(ctx, "a")
	require.NoError(t, err)
	assert.True(t, status.Queued)
	assert.Equal(t, joined.QueueKey, status.QueueKey)
	assert.Equal(t, int64(1), status.Position)

	_, err = f.mr.ZRem(redisclient.QueueKey(joined.QueueKey), "b")
	require.NoError(t, err)
	_, err = f.mr.ZRem(redisclient.QueueKey(joined.QueueKey), "a")
	require.NoError(t, err)
	status, err = f.svc.Status(ctx, "a")
	require.NoError(t, err)
	assert.True(t, status.Queued, "popped for pairing")
	assert.Equal(t, int64(0), status.Position)

	require.NoError(t, f.mr.Set(redisclient.ActiveSessionKey("a"), "s9"))
	status, err = f.svc.Status(ctx, "a")
	require.NoError(t, err)
	assert.True(t, status.Matched)
	assert.Equal(t, "s9", status.SessionID)
}

func TestDeriveQueueKey(t *testing.T) {
	t.Run("field order does not matter", func(t *testing.T) {
		a, err := DeriveQueueKey(JoinRequest{Region: "AU ", Preferences: map[string]any{
			"lang": "en", "age": map[string]any{"min": 18, "max": 30},
		}})
		require.NoError(t, err)
		b, err := DeriveQueueKey(JoinRequest{Region: "au", Preferences: map[string]any{
			"age": map[string]any{"max": 30, "min": 18}, "lang": "en",
		}})
		require.NoError(t, err)
		assert.Equal(t, a, b)
		assert.Len(t, a, queueKeyLength)
	})

	t.Run("different preferences differ", func(t *testing.T) {
		a, _ := DeriveQueueKey(JoinRequest{Region: "au", Preferences: map[string]any{"lang": "en"}})
		b, _ := DeriveQueueKey(JoinRequest{Region: "au", Preferences: map[string]any{"lang": "fr"}})
		c, _ := DeriveQueueKey(JoinRequest{Region: "nz", Preferences: map[string]any{"lang": "en"}})
		assert.NotEqual(t, a, b)
		assert.NotEqual(t, a, c)
	})

	t.Run("city stands in for region", func(t *testing.T) {
		a, err := DeriveQueueKey(JoinRequest{City: "sydney"})
		require.NoError(t, err)
		b, err := DeriveQueueKey(JoinRequest{Region: "sydney", Preferences: map[string]any{}})
		require.NoError(t, err)
		assert.Equal(t, a, b)
	})

	t.Run("rejects oversized preferences", func(t *testing.T) {
		prefs := map[string]any{}
		for i := 0; i < maxPreferenceKeys+1; i++ {
			prefs[string(rune('a'+i%26))+string(rune('a'+i/26))] = i
		}
		_, err := DeriveQueueKey(JoinRequest{Region: "au", Preferences: prefs})
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidInput))
	})
}
