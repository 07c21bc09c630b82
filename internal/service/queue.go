package service

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"

	"github.com/joshcabana/verity-backend-sub000/internal/audit"
	"github.com/joshcabana/verity-backend-sub000/internal/clock"
	apperrors "github.com/joshcabana/verity-backend-sub000/internal/errors"
	"github.com/joshcabana/verity-backend-sub000/internal/eventlog"
	"github.com/joshcabana/verity-backend-sub000/internal/lock"
	"github.com/joshcabana/verity-backend-sub000/internal/metrics"
	"github.com/joshcabana/verity-backend-sub000/internal/model"
	"github.com/joshcabana/verity-backend-sub000/internal/observability"
	redisclient "github.com/joshcabana/verity-backend-sub000/internal/redis"
	"github.com/joshcabana/verity-backend-sub000/internal/repository"
)

// BanChecker reports whether a user is currently barred from matchmaking.
type BanChecker interface {
	IsBanned(ctx context.Context, userID string) (bool, error)
}

type QueueConfig struct {
	QueueTTL      time.Duration
	LockTTL       time.Duration
	JoinRateLimit int // per user per minute, 0 disables
}

// JoinResult.Position is zero-based. A member already popped for pairing
// reports 0.
type JoinResult struct {
	Status   model.JoinStatus `json:"status"`
	QueueKey string           `json:"queueKey"`
	Position int64            `json:"position"`
}

type LeaveResult struct {
	Status   model.LeaveStatus `json:"status"`
	Refunded bool              `json:"refunded"`
}

type QueueStatus struct {
	Queued   bool   `json:"queued"`
	QueueKey string `json:"queueKey,omitempty"`
	// Position is -1 when the user is not queued.
	Position  int64  `json:"position"`
	Matched   bool   `json:"matched"`
	SessionID string `json:"sessionId,omitempty"`
}

type QueueService struct {
	redis   *redis.Client
	locks   lock.Store
	users   repository.UserRepository
	bans    BanChecker
	limiter *RateLimiter
	events  eventlog.Sink
	clock   clock.Clock
	cfg     QueueConfig
}

func NewQueueService(
	rdb *redis.Client,
	locks lock.Store,
	users repository.UserRepository,
	bans BanChecker,
	limiter *RateLimiter,
	events eventlog.Sink,
	clk clock.Clock,
	cfg QueueConfig,
) *QueueService {
	if events == nil {
		events = eventlog.Nop{}
	}
	return &QueueService{
		redis:   rdb,
		locks:   locks,
		users:   users,
		bans:    bans,
		limiter: limiter,
		events:  events,
		clock:   clk,
		cfg:     cfg,
	}
}

// Join admits the user into the pool for the request's queue key, spending
// one token. A user holds at most one queue entry.
func (s *QueueService) Join(ctx context.Context, userID string, req JoinRequest) (*JoinResult, error) {
	ctx, span := observability.Tracer().Start(ctx, "queue.join")
	defer span.End()

	if userID == "" {
		return nil, apperrors.MissingRequired("userId")
	}
	queueKey, err := DeriveQueueKey(req)
	if err != nil {
		metrics.QueueJoins.WithLabelValues("invalid").Inc()
		return nil, err
	}
	span.SetAttributes(attribute.String("queue.key", queueKey))

	banned, err := s.bans.IsBanned(ctx, userID)
	if err != nil {
		return nil, apperrors.Store(err)
	}
	if banned {
		metrics.QueueJoins.WithLabelValues("banned").Inc()
		return nil, apperrors.Banned()
	}

	if s.limiter != nil && s.cfg.JoinRateLimit > 0 {
		allowed, _, err := s.limiter.Check(ctx, "join:"+userID, s.cfg.JoinRateLimit, time.Minute)
		if err != nil {
			return nil, apperrors.Store(err)
		}
		if !allowed {
			audit.Log(ctx, audit.Event{Type: audit.EventRateLimitExceed, UserID: userID})
			metrics.QueueJoins.WithLabelValues("rate_limited").Inc()
			return nil, apperrors.RateLimitExceeded()
		}
	}

	lockKey := redisclient.UserLockKey(userID)
	token, ok, err := s.locks.Acquire(ctx, lockKey, s.cfg.LockTTL)
	if err != nil {
		return nil, apperrors.Store(err)
	}
	if !ok {
		metrics.LockContention.WithLabelValues("join").Inc()
		return s.contended(ctx, userID)
	}
	defer s.release(lockKey, token)

	if err := s.ensureNotInSession(ctx, userID); err != nil {
		return nil, err
	}

	ptr, err := LoadQueuePointer(ctx, s.redis, userID)
	if err != nil {
		return nil, apperrors.Store(err)
	}
	if ptr != nil {
		return s.alreadyQueued(ctx, userID, ptr)
	}

	// A sorted-set member with no pointer is left over from an interrupted
	// operation and would otherwise be paired without a paid entry.
	if err := s.redis.ZRem(ctx, redisclient.QueueKey(queueKey), userID).Err(); err != nil {
		return nil, apperrors.Store(err)
	}

	balance, debited, err := s.users.DebitToken(ctx, userID)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if !debited {
		metrics.QueueJoins.WithLabelValues("insufficient_balance").Inc()
		return nil, apperrors.InsufficientBalance()
	}
	audit.Log(ctx, audit.Event{
		Type:    audit.EventTokenDebit,
		UserID:  userID,
		Details: map[string]interface{}{"balance": balance, "queueKey": queueKey},
	})

	now := s.clock.Now()
	pointer, err := json.Marshal(model.QueuePointer{
		QueueKey: queueKey,
		Region:   req.Location(),
		JoinedAt: now.UnixMilli(),
	})
	if err != nil {
		s.compensate(ctx, userID, err)
		return nil, apperrors.Internal("Failed to encode queue entry")
	}

	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, redisclient.QueueKey(queueKey), redis.Z{Score: float64(now.UnixMilli()), Member: userID})
		pipe.Set(ctx, redisclient.QueuePointerKey(userID), pointer, s.cfg.QueueTTL)
		pipe.SAdd(ctx, redisclient.ActiveQueuesKey, queueKey)
		pipe.Del(ctx, redisclient.MatchedMarkerKey(userID))
		return nil
	})
	if err != nil {
		s.compensate(ctx, userID, err)
		return nil, apperrors.Store(err)
	}

	pos, err := rank(ctx, s.redis, queueKey, userID)
	if err != nil {
		log.Warn().Err(err).Str("userId", userID).Msg("failed to read queue position")
		pos = 0
	}

	log.Info().
		Str("userId", userID).
		Str("queueKey", queueKey).
		Int64("position", pos).
		Msg("user queued")
	metrics.QueueJoins.WithLabelValues(string(model.JoinStatusQueued)).Inc()
	s.events.Emit(ctx, eventlog.Record{
		Type:     eventlog.TypeQueued,
		UserIDs:  []string{userID},
		QueueKey: queueKey,
		At:       now,
	})

	return &JoinResult{Status: model.JoinStatusQueued, QueueKey: queueKey, Position: pos}, nil
}

// ensureNotInSession rejects users with a live session or a pairing whose
// session has not ended yet.
func (s *QueueService) ensureNotInSession(ctx context.Context, userID string) error {
	active, err := s.redis.Exists(ctx, redisclient.ActiveSessionKey(userID)).Result()
	if err != nil {
		return apperrors.Store(err)
	}
	if active > 0 {
		return apperrors.AlreadyInSession()
	}

	sessionID, err := s.redis.Get(ctx, redisclient.MatchedMarkerKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return apperrors.Store(err)
	}
	ended, err := s.redis.Exists(ctx, redisclient.SessionEndedKey(sessionID)).Result()
	if err != nil {
		return apperrors.Store(err)
	}
	if ended == 0 {
		return apperrors.AlreadyInSession()
	}
	return nil
}

// alreadyQueued restores the sorted-set entry when only the pointer survived.
func (s *QueueService) alreadyQueued(ctx context.Context, userID string, ptr *model.QueuePointer) (*JoinResult, error) {
	zkey := redisclient.QueueKey(ptr.QueueKey)

	_, err := s.redis.ZScore(ctx, zkey, userID).Result()
	if errors.Is(err, redis.Nil) {
		_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.ZAdd(ctx, zkey, redis.Z{Score: float64(ptr.JoinedAt), Member: userID})
			pipe.SAdd(ctx, redisclient.ActiveQueuesKey, ptr.QueueKey)
			return nil
		})
		if err == nil {
			log.Warn().
				Str("userId", userID).
				Str("queueKey", ptr.QueueKey).
				Msg("restored queue entry missing from sorted set")
		}
	}
	if err != nil {
		return nil, apperrors.Store(err)
	}

	pos, err := rank(ctx, s.redis, ptr.QueueKey, userID)
	if err != nil {
		return nil, apperrors.Store(err)
	}
	metrics.QueueJoins.WithLabelValues(string(model.JoinStatusAlreadyQueued)).Inc()
	return &JoinResult{Status: model.JoinStatusAlreadyQueued, QueueKey: ptr.QueueKey, Position: pos}, nil
}

// contended answers a join that lost the user lock without waiting for it.
func (s *QueueService) contended(ctx context.Context, userID string) (*JoinResult, error) {
	ptr, err := LoadQueuePointer(ctx, s.redis, userID)
	if err != nil {
		return nil, apperrors.Store(err)
	}
	if ptr == nil {
		return nil, apperrors.Conflict("Another queue operation is in progress")
	}

	pos, err := rank(ctx, s.redis, ptr.QueueKey, userID)
	if err != nil {
		return nil, apperrors.Store(err)
	}
	if pos < 0 {
		// The worker holds the lock while pairing a member it has popped.
		pos = 0
	}
	return &JoinResult{Status: model.JoinStatusAlreadyQueued, QueueKey: ptr.QueueKey, Position: pos}, nil
}

// compensate returns the token debited for an admission that did not land.
func (s *QueueService) compensate(ctx context.Context, userID string, cause error) {
	balance, err := s.users.CreditToken(context.WithoutCancel(ctx), userID)
	if err != nil {
		log.Error().
			Err(err).
			AnErr("cause", cause).
			Str("userId", userID).
			Msg("failed to credit token after failed admission")
		return
	}
	audit.Log(ctx, audit.Event{
		Type:    audit.EventTokenCompensate,
		UserID:  userID,
		Details: map[string]interface{}{"balance": balance, "cause": cause.Error()},
	})
}

// Leave removes the user from the pool. The token is refunded only when
// the user had not been paired.
func (s *QueueService) Leave(ctx context.Context, userID string) (*LeaveResult, error) {
	ctx, span := observability.Tracer().Start(ctx, "queue.leave")
	defer span.End()

	if userID == "" {
		return nil, apperrors.MissingRequired("userId")
	}

	lockKey := redisclient.UserLockKey(userID)
	token, ok, err := s.locks.Acquire(ctx, lockKey, s.cfg.LockTTL)
	if err != nil {
		return nil, apperrors.Store(err)
	}
	if !ok {
		metrics.LockContention.WithLabelValues("leave").Inc()
		return nil, apperrors.Conflict("Another queue operation is in progress")
	}
	defer s.release(lockKey, token)

	ptr, err := LoadQueuePointer(ctx, s.redis, userID)
	if err != nil {
		return nil, apperrors.Store(err)
	}
	matched, err := s.redis.Exists(ctx, redisclient.MatchedMarkerKey(userID)).Result()
	if err != nil {
		return nil, apperrors.Store(err)
	}

	if ptr == nil {
		if matched > 0 {
			return s.leaveResult(ctx, userID, model.LeaveStatusAlreadyMatched, false), nil
		}
		return s.leaveResult(ctx, userID, model.LeaveStatusNotQueued, false), nil
	}

	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, redisclient.QueueKey(ptr.QueueKey), userID)
		pipe.Del(ctx, redisclient.QueuePointerKey(userID))
		return nil
	})
	if err != nil {
		return nil, apperrors.Store(err)
	}

	if matched > 0 {
		return s.leaveResult(ctx, userID, model.LeaveStatusAlreadyMatched, false), nil
	}

	balance, err := s.users.CreditToken(ctx, userID)
	if err != nil {
		log.Error().Err(err).Str("userId", userID).Msg("failed to refund token on leave")
		return nil, apperrors.Database(err)
	}
	audit.Log(ctx, audit.Event{
		Type:    audit.EventTokenRefund,
		UserID:  userID,
		Details: map[string]interface{}{"balance": balance, "queueKey": ptr.QueueKey},
	})

	return s.leaveResult(ctx, userID, model.LeaveStatusLeft, true), nil
}

func (s *QueueService) leaveResult(ctx context.Context, userID string, status model.LeaveStatus, refunded bool) *LeaveResult {
	log.Info().
		Str("userId", userID).
		Str("status", string(status)).
		Bool("refunded", refunded).
		Msg("queue leave")
	metrics.QueueLeaves.WithLabelValues(string(status)).Inc()
	if status != model.LeaveStatusNotQueued {
		s.events.Emit(ctx, eventlog.Record{
			Type:    eventlog.TypeLeft,
			UserIDs: []string{userID},
			Reason:  string(status),
			At:      s.clock.Now(),
		})
	}
	return &LeaveResult{Status: status, Refunded: refunded}
}

// Status reports queue membership without mutating anything.
func (s *QueueService) Status(ctx context.Context, userID string) (*QueueStatus, error) {
	if userID == "" {
		return nil, apperrors.MissingRequired("userId")
	}

	status := &QueueStatus{Position: -1}

	ptr, err := LoadQueuePointer(ctx, s.redis, userID)
	if err != nil {
		return nil, apperrors.Store(err)
	}
	if ptr != nil {
		pos, err := rank(ctx, s.redis, ptr.QueueKey, userID)
		if err != nil {
			return nil, apperrors.Store(err)
		}
		if pos < 0 {
			pos = 0
		}
		status.Queued = true
		status.QueueKey = ptr.QueueKey
		status.Position = pos
	}

	sessionID, err := s.redis.Get(ctx, redisclient.ActiveSessionKey(userID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, apperrors.Store(err)
	}
	if sessionID == "" {
		sessionID, err = s.redis.Get(ctx, redisclient.MatchedMarkerKey(userID)).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, apperrors.Store(err)
		}
	}
	if sessionID != "" {
		status.Matched = true
		status.SessionID = sessionID
	}

	return status, nil
}

func (s *QueueService) release(key, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if _, err := s.locks.Release(ctx, key, token); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("failed to release lock")
	}
}
