package jobs

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"

	"github.com/joshcabana/verity-backend-sub000/internal/clock"
	"github.com/joshcabana/verity-backend-sub000/internal/config"
	"github.com/joshcabana/verity-backend-sub000/internal/eventlog"
	"github.com/joshcabana/verity-backend-sub000/internal/lock"
	"github.com/joshcabana/verity-backend-sub000/internal/metrics"
	"github.com/joshcabana/verity-backend-sub000/internal/model"
	"github.com/joshcabana/verity-backend-sub000/internal/observability"
	redisclient "github.com/joshcabana/verity-backend-sub000/internal/redis"
	"github.com/joshcabana/verity-backend-sub000/internal/repository"
	"github.com/joshcabana/verity-backend-sub000/internal/service"
	"github.com/joshcabana/verity-backend-sub000/internal/sse"
)

// SessionStarter moves a freshly created session to live.
type SessionStarter interface {
	Start(ctx context.Context, session *model.Session) error
}

// BlockChecker reports whether either user has blocked the other.
type BlockChecker interface {
	IsBlocked(ctx context.Context, userA, userB string) (bool, error)
}

type WorkerConfig struct {
	Interval         time.Duration
	MaxPairsPerKey   int
	LockTTL          time.Duration
	MatchedMarkerTTL time.Duration
	BlockedDefer     time.Duration
	BlockedDeferMax  time.Duration
}

// removeIfEmptyScript deregisters a queue key only while its sorted set is empty.
var removeIfEmptyScript = redis.NewScript(`
if redis.call('ZCARD', KEYS[1]) == 0 then
    return redis.call('SREM', KEYS[2], ARGV[1])
end
return 0
`)

type matchFoundPayload struct {
	SessionID string `json:"sessionId"`
	PeerID    string `json:"peerId"`
	QueueKey  string `json:"queueKey"`
}

type pairResult int

const (
	pairContinue pairResult = iota
	pairCreated
	pairRetryLater
)

// MatchingWorker pairs the two earliest members of every active queue key.
type MatchingWorker struct {
	redis    *redis.Client
	locks    lock.Store
	sessions repository.SessionRepository
	blocks   BlockChecker
	starter  SessionStarter
	notifier service.Notifier
	events   eventlog.Sink
	clock    clock.Clock
	cfg      WorkerConfig

	running  atomic.Bool
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewMatchingWorker(
	rdb *redis.Client,
	locks lock.Store,
	sessions repository.SessionRepository,
	blocks BlockChecker,
	starter SessionStarter,
	notifier service.Notifier,
	events eventlog.Sink,
	clk clock.Clock,
	cfg WorkerConfig,
) *MatchingWorker {
	if events == nil {
		events = eventlog.Nop{}
	}
	if cfg.MaxPairsPerKey <= 0 {
		cfg.MaxPairsPerKey = 50
	}
	return &MatchingWorker{
		redis:    rdb,
		locks:    locks,
		sessions: sessions,
		blocks:   blocks,
		starter:  starter,
		notifier: notifier,
		events:   events,
		clock:    clk,
		cfg:      cfg,
		done:     make(chan struct{}),
	}
}

func (w *MatchingWorker) Start() {
	w.wg.Add(1)
	go w.run()
	log.Info().Dur("interval", w.cfg.Interval).Msg("matching worker started")
}

// Stop halts the loop and waits for an in-flight tick to finish.
func (w *MatchingWorker) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		w.wg.Wait()
		log.Info().Msg("matching worker stopped")
	})
}

func (w *MatchingWorker) run() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), config.JobTimeout)
			if _, err := w.Tick(ctx); err != nil {
				log.Error().Err(err).Msg("matching tick aborted")
			}
			cancel()
		}
	}
}

// Tick runs one pass over every active queue key and returns the number
// of sessions created. Overlapping calls return immediately.
func (w *MatchingWorker) Tick(ctx context.Context) (int, error) {
	if !w.running.CompareAndSwap(false, true) {
		log.Debug().Msg("matching tick already running, skipping")
		return 0, nil
	}
	defer w.running.Store(false)

	ctx, span := observability.Tracer().Start(ctx, "matcher.tick")
	defer span.End()

	started := time.Now()
	defer func() {
		metrics.TickDuration.Observe(time.Since(started).Seconds())
	}()

	keys, err := w.redis.SMembers(ctx, redisclient.ActiveQueuesKey).Result()
	if err != nil {
		return 0, err
	}

	created := 0
	for _, key := range keys {
		n, err := w.drainKey(ctx, key)
		created += n
		if err != nil {
			span.SetAttributes(attribute.String("queue.key", key))
			return created, err
		}
	}

	if created > 0 {
		log.Info().Int("sessions", created).Int("keys", len(keys)).Msg("matching tick complete")
	}
	return created, nil
}

func (w *MatchingWorker) drainKey(ctx context.Context, key string) (int, error) {
	zkey := redisclient.QueueKey(key)
	created := 0

	for i := 0; i < w.cfg.MaxPairsPerKey; i++ {
		popped, err := w.redis.ZPopMin(ctx, zkey, 2).Result()
		if err != nil {
			return created, err
		}
		if len(popped) == 0 {
			break
		}
		if len(popped) == 1 {
			w.requeue(ctx, key, metrics.RequeueOddMember, popped[0])
			break
		}

		// Members scored in the future are deferred; nothing behind them is eligible.
		now := float64(w.clock.Now().UnixMilli())
		if popped[1].Score > now {
			w.requeue(ctx, key, metrics.RequeueDeferred, popped...)
			break
		}

		result, err := w.pair(ctx, key, popped[0], popped[1])
		if err != nil {
			return created, err
		}
		if result == pairCreated {
			created++
		}
		if result == pairRetryLater {
			break
		}
	}

	if err := removeIfEmptyScript.Run(ctx, w.redis, []string{zkey, redisclient.ActiveQueuesKey}, key).Err(); err != nil {
		log.Warn().Err(err).Str("queueKey", key).Msg("failed to deregister empty queue key")
	}
	return created, nil
}

func (w *MatchingWorker) pair(ctx context.Context, key string, first, second redis.Z) (pairResult, error) {
	a, _ := first.Member.(string)
	b, _ := second.Member.(string)

	ptrA, ptrB, err := w.pointers(ctx, key, a, b)
	if err != nil {
		w.requeue(ctx, key, metrics.RequeueMissingPeer, first, second)
		return pairRetryLater, err
	}
	if ptrA == nil || ptrB == nil {
		w.requeueSurvivor(ctx, key, ptrA, first, ptrB, second)
		return pairContinue, nil
	}

	blocked, err := w.blocks.IsBlocked(ctx, a, b)
	if err != nil {
		w.requeue(ctx, key, metrics.RequeueBlocked, first, second)
		return pairRetryLater, err
	}
	if blocked {
		w.deferPair(ctx, key, a, b)
		return pairContinue, nil
	}

	lockA, lockB := redisclient.UserLockKey(a), redisclient.UserLockKey(b)
	tokenA, okA, errA := w.locks.Acquire(ctx, lockA, w.cfg.LockTTL)
	if errA != nil || !okA {
		metrics.LockContention.WithLabelValues("pair").Inc()
		w.requeue(ctx, key, metrics.RequeueLockBusy, first, second)
		return pairRetryLater, errA
	}
	tokenB, okB, errB := w.locks.Acquire(ctx, lockB, w.cfg.LockTTL)
	if errB != nil || !okB {
		w.release(lockA, tokenA)
		metrics.LockContention.WithLabelValues("pair").Inc()
		w.requeue(ctx, key, metrics.RequeueLockBusy, first, second)
		return pairRetryLater, errB
	}

	session, err := w.createSession(ctx, key, first, second)
	w.release(lockB, tokenB)
	w.release(lockA, tokenA)
	if err != nil || session == nil {
		return pairContinue, err
	}

	w.activate(ctx, session)
	return pairCreated, nil
}

// createSession runs with both user locks held. Pointers are re-read
// because a leave may have landed between the pop and lock acquisition.
func (w *MatchingWorker) createSession(ctx context.Context, key string, first, second redis.Z) (*model.Session, error) {
	a, _ := first.Member.(string)
	b, _ := second.Member.(string)

	ptrA, ptrB, err := w.pointers(ctx, key, a, b)
	if err != nil {
		w.requeue(ctx, key, metrics.RequeueMissingPeer, first, second)
		return nil, err
	}
	if ptrA == nil || ptrB == nil {
		w.requeueSurvivor(ctx, key, ptrA, first, ptrB, second)
		return nil, nil
	}

	session, err := w.sessions.Create(ctx, model.CreateSessionParams{
		UserAID:  a,
		UserBID:  b,
		Region:   ptrA.Region,
		QueueKey: key,
	})
	if err != nil {
		w.requeue(ctx, key, metrics.RequeueCreateError, first, second)
		return nil, err
	}

	_, err = w.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, userID := range session.Participants() {
			pipe.Del(ctx, redisclient.QueuePointerKey(userID))
			pipe.Set(ctx, redisclient.MatchedMarkerKey(userID), session.ID, w.cfg.MatchedMarkerTTL)
		}
		return nil
	})
	if err != nil {
		w.requeue(ctx, key, metrics.RequeueCreateError, first, second)
		return nil, err
	}

	log.Info().
		Str("sessionId", session.ID).
		Str("userA", a).
		Str("userB", b).
		Str("queueKey", key).
		Msg("pair created")
	metrics.PairsCreated.Inc()
	w.events.Emit(ctx, eventlog.Record{
		Type:      eventlog.TypePaired,
		SessionID: session.ID,
		UserIDs:   session.Participants(),
		QueueKey:  key,
		At:        w.clock.Now(),
	})

	for _, userID := range session.Participants() {
		service.NotifyAll(ctx, w.notifier, []string{userID}, sse.EventMatchFound, matchFoundPayload{
			SessionID: session.ID,
			PeerID:    session.Peer(userID),
			QueueKey:  key,
		})
	}
	return session, nil
}

// activate hands the session to the coordinator. A failure leaves the
// pair matched; the matched marker expires on its own.
func (w *MatchingWorker) activate(ctx context.Context, session *model.Session) {
	if w.starter == nil {
		return
	}
	if err := w.starter.Start(ctx, session); err != nil {
		log.Error().Err(err).Str("sessionId", session.ID).Msg("failed to start session")
	}
}

// pointers loads both queue pointers. A pointer for a different queue key
// counts as missing.
func (w *MatchingWorker) pointers(ctx context.Context, key, a, b string) (*model.QueuePointer, *model.QueuePointer, error) {
	ptrA, err := service.LoadQueuePointer(ctx, w.redis, a)
	if err != nil {
		return nil, nil, err
	}
	ptrB, err := service.LoadQueuePointer(ctx, w.redis, b)
	if err != nil {
		return nil, nil, err
	}
	if ptrA != nil && ptrA.QueueKey != key {
		ptrA = nil
	}
	if ptrB != nil && ptrB.QueueKey != key {
		ptrB = nil
	}
	return ptrA, ptrB, nil
}

func (w *MatchingWorker) requeueSurvivor(ctx context.Context, key string, ptrA *model.QueuePointer, first redis.Z, ptrB *model.QueuePointer, second redis.Z) {
	switch {
	case ptrA != nil:
		w.requeue(ctx, key, metrics.RequeueMissingPeer, first)
	case ptrB != nil:
		w.requeue(ctx, key, metrics.RequeueMissingPeer, second)
	}
	log.Debug().Str("queueKey", key).Msg("dropped queue member without pointer")
}

// requeue restores members at their original scores and re-registers the
// key, which a concurrent drain may have deregistered meanwhile.
func (w *MatchingWorker) requeue(ctx context.Context, key, reason string, members ...redis.Z) {
	if len(members) == 0 {
		return
	}
	ctx = context.WithoutCancel(ctx)
	_, err := w.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, redisclient.QueueKey(key), members...)
		pipe.SAdd(ctx, redisclient.ActiveQueuesKey, key)
		return nil
	})
	if err != nil {
		log.Error().Err(err).Str("queueKey", key).Str("reason", reason).Msg("failed to requeue members")
		return
	}
	metrics.Requeues.WithLabelValues(reason).Add(float64(len(members)))
}

// deferPair pushes a blocked pair into the future. The offset doubles on
// each consecutive deferral of the same pair, up to BlockedDeferMax.
func (w *MatchingWorker) deferPair(ctx context.Context, key, a, b string) {
	low, high := model.CanonicalPair(a, b)
	counterKey := redisclient.PairDeferKey(low, high)

	var incr *redis.IntCmd
	_, err := w.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, counterKey)
		pipe.Expire(ctx, counterKey, 2*w.cfg.BlockedDeferMax)
		return nil
	})
	attempts := int64(1)
	if err == nil {
		attempts = incr.Val()
	} else {
		log.Warn().Err(err).Str("queueKey", key).Msg("failed to count pair deferral")
	}

	offset := deferOffset(w.cfg.BlockedDefer, w.cfg.BlockedDeferMax, attempts)
	score := float64(w.clock.Now().Add(offset).UnixMilli())

	log.Info().
		Str("queueKey", key).
		Int64("attempt", attempts).
		Dur("offset", offset).
		Msg("blocked pair deferred")
	w.requeue(ctx, key, metrics.RequeueBlocked,
		redis.Z{Score: score, Member: a},
		redis.Z{Score: score + 1, Member: b},
	)
}

func deferOffset(base, maxOffset time.Duration, attempts int64) time.Duration {
	offset := base
	for i := int64(1); i < attempts && offset < maxOffset; i++ {
		offset *= 2
	}
	if offset > maxOffset {
		offset = maxOffset
	}
	return offset
}

func (w *MatchingWorker) release(key, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if _, err := w.locks.Release(ctx, key, token); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("failed to release lock")
	}
}
