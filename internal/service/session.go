package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"

	"github.com/joshcabana/verity-backend-sub000/internal/clock"
	"github.com/joshcabana/verity-backend-sub000/internal/config"
	apperrors "github.com/joshcabana/verity-backend-sub000/internal/errors"
	"github.com/joshcabana/verity-backend-sub000/internal/eventlog"
	"github.com/joshcabana/verity-backend-sub000/internal/lock"
	"github.com/joshcabana/verity-backend-sub000/internal/metrics"
	"github.com/joshcabana/verity-backend-sub000/internal/model"
	"github.com/joshcabana/verity-backend-sub000/internal/observability"
	redisclient "github.com/joshcabana/verity-backend-sub000/internal/redis"
	"github.com/joshcabana/verity-backend-sub000/internal/repository"
	"github.com/joshcabana/verity-backend-sub000/internal/sse"
)

// goLiveScript writes the live state unless the ended flag is already set.
// KEYS: ended flag, runtime, live index, then one active pointer per
// participant. ARGV: runtime JSON, TTL in ms, session id, endsAt in ms.
var goLiveScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
    return 0
end
redis.call('SET', KEYS[2], ARGV[1], 'PX', ARGV[2])
redis.call('ZADD', KEYS[3], ARGV[4], ARGV[3])
for i = 4, #KEYS do
    redis.call('SET', KEYS[i], ARGV[3], 'PX', ARGV[2])
end
return 1
`)

type SessionConfig struct {
	SessionDuration time.Duration
	ChoiceWindow    time.Duration
	RuntimeStateTTL time.Duration
}

type ChoiceResult struct {
	Status   model.DecisionStatus `json:"status"`
	Outcome  model.Outcome        `json:"outcome,omitempty"`
	MatchID  *string              `json:"matchId,omitempty"`
	Deadline *time.Time           `json:"deadline,omitempty"`
}

type sessionStartPayload struct {
	SessionID   string                `json:"sessionId"`
	EndsAt      time.Time             `json:"endsAt"`
	Credentials model.CallCredentials `json:"credentials"`
}

type sessionEndPayload struct {
	SessionID string          `json:"sessionId"`
	Reason    model.EndReason `json:"reason"`
	Deadline  time.Time       `json:"deadline"`
}

type decisionPayload struct {
	SessionID string        `json:"sessionId"`
	Outcome   model.Outcome `json:"outcome"`
	MatchID   *string       `json:"matchId,omitempty"`
}

// SessionCoordinator drives a session through live, ended and resolved.
// Every transition is guarded by a conditional write in the queue store so
// timers, moderation and client retries can race without double effects.
type SessionCoordinator struct {
	redis       *redis.Client
	sessions    repository.SessionRepository
	matches     repository.MatchRepository
	notifier    Notifier
	credentials *CredentialIssuer
	events      eventlog.Sink
	clock       clock.Clock
	timers      *Scheduler
	cfg         SessionConfig
}

func NewSessionCoordinator(
	rdb *redis.Client,
	sessions repository.SessionRepository,
	matches repository.MatchRepository,
	notifier Notifier,
	credentials *CredentialIssuer,
	events eventlog.Sink,
	clk clock.Clock,
	cfg SessionConfig,
) *SessionCoordinator {
	if events == nil {
		events = eventlog.Nop{}
	}
	return &SessionCoordinator{
		redis:       rdb,
		sessions:    sessions,
		matches:     matches,
		notifier:    notifier,
		credentials: credentials,
		events:      events,
		clock:       clk,
		timers:      NewScheduler(clk),
		cfg:         cfg,
	}
}

func endTimerKey(sessionID string) string {
	return "end:" + sessionID
}

func decisionTimerKey(sessionID string) string {
	return "decision:" + sessionID
}

// Start moves a freshly created session to live. Repeated calls for the
// same session are no-ops.
func (c *SessionCoordinator) Start(ctx context.Context, session *model.Session) error {
	ctx, span := observability.Tracer().Start(ctx, "session.start")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", session.ID))

	first, err := c.redis.SetNX(ctx, redisclient.SessionStartKey(session.ID), "1", c.cfg.RuntimeStateTTL).Result()
	if err != nil {
		return apperrors.Store(err)
	}
	if !first {
		log.Debug().Str("sessionId", session.ID).Msg("session already started")
		return nil
	}

	now := c.clock.Now()
	endsAt := now.Add(c.cfg.SessionDuration)

	runtime, err := json.Marshal(model.SessionRuntime{
		SessionID: session.ID,
		StartedAt: now,
		EndsAt:    endsAt,
	})
	if err != nil {
		return apperrors.Internal("Failed to encode session runtime")
	}

	keys := []string{
		redisclient.SessionEndedKey(session.ID),
		redisclient.SessionRuntimeKey(session.ID),
		redisclient.LiveSessionsKey,
	}
	for _, userID := range session.Participants() {
		keys = append(keys, redisclient.ActiveSessionKey(userID))
	}
	live, err := goLiveScript.Run(ctx, c.redis, keys,
		runtime, c.cfg.RuntimeStateTTL.Milliseconds(), session.ID, endsAt.UnixMilli(),
	).Int()
	if err != nil {
		c.redis.Del(context.WithoutCancel(ctx), redisclient.SessionStartKey(session.ID))
		return apperrors.Store(err)
	}
	if live == 0 {
		log.Info().Str("sessionId", session.ID).Msg("session ended before going live")
		return nil
	}

	log.Info().
		Str("sessionId", session.ID).
		Time("endsAt", endsAt).
		Msg("session live")
	c.events.Emit(ctx, eventlog.Record{
		Type:      eventlog.TypeSessionLive,
		SessionID: session.ID,
		UserIDs:   session.Participants(),
		QueueKey:  session.QueueKey,
		At:        now,
	})

	for _, userID := range session.Participants() {
		creds, err := c.credentials.Issue(session.ID, userID, endsAt)
		if err != nil {
			log.Error().Err(err).Str("sessionId", session.ID).Msg("failed to issue call credentials")
			_, endErr := c.EndSession(ctx, session, model.EndReasonTokenError)
			return endErr
		}
		NotifyAll(ctx, c.notifier, []string{userID}, sse.EventSessionStart, sessionStartPayload{
			SessionID:   session.ID,
			EndsAt:      endsAt,
			Credentials: creds,
		})
	}

	c.scheduleEnd(session.ID, c.cfg.SessionDuration)
	return nil
}

func (c *SessionCoordinator) scheduleEnd(sessionID string, d time.Duration) {
	c.timers.Schedule(endTimerKey(sessionID), d, func() {
		ctx, cancel := context.WithTimeout(context.Background(), config.JobTimeout)
		defer cancel()

		if err := c.endByID(ctx, sessionID, model.EndReasonTimeout); err != nil {
			log.Error().Err(err).Str("sessionId", sessionID).Msg("session timer failed to end session")
		}
	})
}

func (c *SessionCoordinator) scheduleDecision(sessionID string, d time.Duration) {
	c.timers.Schedule(decisionTimerKey(sessionID), d, func() {
		ctx, cancel := context.WithTimeout(context.Background(), config.JobTimeout)
		defer cancel()

		if _, err := c.resolveByID(ctx, sessionID); err != nil {
			log.Error().Err(err).Str("sessionId", sessionID).Msg("decision timer failed to resolve session")
		}
	})
}

func (c *SessionCoordinator) loadSession(ctx context.Context, sessionID string) (*model.Session, error) {
	session, err := c.sessions.FindByID(ctx, sessionID)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if session == nil {
		return nil, apperrors.NotFound("Session")
	}
	return session, nil
}

func (c *SessionCoordinator) endByID(ctx context.Context, sessionID string, reason model.EndReason) error {
	session, err := c.loadSession(ctx, sessionID)
	if err != nil {
		return err
	}
	_, err = c.EndSession(ctx, session, reason)
	return err
}

// EndSession transitions live to ended. Only the first caller proceeds;
// ended reports whether this call performed the transition.
func (c *SessionCoordinator) EndSession(ctx context.Context, session *model.Session, reason model.EndReason) (bool, error) {
	ctx, span := observability.Tracer().Start(ctx, "session.end")
	defer span.End()
	span.SetAttributes(
		attribute.String("session.id", session.ID),
		attribute.String("session.end_reason", string(reason)),
	)

	if !reason.Valid() {
		return false, apperrors.InvalidInput("reason", "unknown end reason")
	}

	first, err := c.redis.SetNX(ctx, redisclient.SessionEndedKey(session.ID), string(reason), c.cfg.RuntimeStateTTL).Result()
	if err != nil {
		return false, apperrors.Store(err)
	}
	if !first {
		log.Debug().
			Str("sessionId", session.ID).
			Str("reason", string(reason)).
			Msg("session already ended")
		return false, nil
	}

	c.timers.Cancel(endTimerKey(session.ID))

	if err := c.clearActive(ctx, session); err != nil {
		return true, err
	}

	deadline, err := c.openDecisionWindow(ctx, session)
	if err != nil {
		return true, err
	}

	log.Info().
		Str("sessionId", session.ID).
		Str("reason", string(reason)).
		Time("deadline", deadline).
		Msg("session ended")
	metrics.SessionsEnded.WithLabelValues(string(reason)).Inc()
	c.events.Emit(ctx, eventlog.Record{
		Type:      eventlog.TypeSessionEnded,
		SessionID: session.ID,
		UserIDs:   session.Participants(),
		Reason:    string(reason),
		At:        c.clock.Now(),
	})

	NotifyAll(ctx, c.notifier, session.Participants(), sse.EventSessionEnd, sessionEndPayload{
		SessionID: session.ID,
		Reason:    reason,
		Deadline:  deadline,
	})

	return true, nil
}

// clearActive drops the participants' active-session pointers that still
// name this session.
func (c *SessionCoordinator) clearActive(ctx context.Context, session *model.Session) error {
	for _, userID := range session.Participants() {
		err := lock.CompareAndDeleteScript.Run(ctx, c.redis, []string{redisclient.ActiveSessionKey(userID)}, session.ID).Err()
		if err != nil {
			return apperrors.Store(err)
		}
	}
	return nil
}

// openDecisionWindow moves the session from the live index to the pending
// index and arms the local decision timer. The deadline is first-writer-wins.
func (c *SessionCoordinator) openDecisionWindow(ctx context.Context, session *model.Session) (time.Time, error) {
	deadline, err := c.ensureDeadline(ctx, session.ID)
	if err != nil {
		return time.Time{}, err
	}

	_, err = c.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, redisclient.LiveSessionsKey, session.ID)
		pipe.ZAdd(ctx, redisclient.PendingDecisionsKey, redis.Z{Score: float64(deadline.UnixMilli()), Member: session.ID})
		return nil
	})
	if err != nil {
		return time.Time{}, apperrors.Store(err)
	}

	c.scheduleDecision(session.ID, deadline.Sub(c.clock.Now()))
	return deadline, nil
}

// ensureDeadline sets the choice deadline if no caller has yet and returns
// whichever value won.
func (c *SessionCoordinator) ensureDeadline(ctx context.Context, sessionID string) (time.Time, error) {
	key := redisclient.SessionDeadlineKey(sessionID)
	proposed := c.clock.Now().Add(c.cfg.ChoiceWindow).UnixMilli()

	if err := c.redis.SetNX(ctx, key, proposed, c.cfg.RuntimeStateTTL).Err(); err != nil {
		return time.Time{}, apperrors.Store(err)
	}
	raw, err := c.redis.Get(ctx, key).Result()
	if err != nil {
		return time.Time{}, apperrors.Store(err)
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, apperrors.Store(fmt.Errorf("parse deadline: %w", err))
	}
	return time.UnixMilli(ms), nil
}

// SubmitChoice records a participant's MATCH or PASS and resolves the
// session once the outcome is determined. Safe to retry.
func (c *SessionCoordinator) SubmitChoice(ctx context.Context, sessionID, userID string, choice model.Choice) (*ChoiceResult, error) {
	ctx, span := observability.Tracer().Start(ctx, "session.submit_choice")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", sessionID))

	if !choice.Valid() {
		return nil, apperrors.InvalidInput("choice", "must be MATCH or PASS")
	}

	session, err := c.loadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !session.HasParticipant(userID) {
		return nil, apperrors.Forbidden("Not a participant in this session")
	}

	// A resolved session answers from its decision even after the ended flag expires.
	if decision, err := c.cachedDecision(ctx, sessionID); err != nil || decision != nil {
		if err != nil {
			return nil, err
		}
		return c.settled(ctx, session, decision)
	}

	ended, err := c.redis.Exists(ctx, redisclient.SessionEndedKey(sessionID)).Result()
	if err != nil {
		return nil, apperrors.Store(err)
	}
	if ended == 0 {
		return nil, apperrors.InvalidState("Session has not ended")
	}

	deadline, err := c.ensureDeadline(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if !c.clock.Now().Before(deadline) {
		log.Info().
			Str("sessionId", sessionID).
			Str("userId", userID).
			Msg("choice after deadline ignored")
		return c.evaluate(ctx, session, deadline)
	}

	choicesKey := redisclient.SessionChoicesKey(sessionID)
	recorded, err := c.redis.HSetNX(ctx, choicesKey, userID, string(choice)).Result()
	if err != nil {
		return nil, apperrors.Store(err)
	}
	if recorded {
		if err := c.redis.ExpireAt(ctx, choicesKey, deadline.Add(config.DeadlineGrace)).Err(); err != nil {
			return nil, apperrors.Store(err)
		}
		log.Info().
			Str("sessionId", sessionID).
			Str("userId", userID).
			Str("choice", string(choice)).
			Msg("choice recorded")
	}

	return c.evaluate(ctx, session, deadline)
}

func (c *SessionCoordinator) resolveByID(ctx context.Context, sessionID string) (*ChoiceResult, error) {
	session, err := c.loadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if decision, err := c.cachedDecision(ctx, sessionID); err != nil || decision != nil {
		if err != nil {
			return nil, err
		}
		c.clearPending(ctx, sessionID)
		return c.settled(ctx, session, decision)
	}
	deadline, err := c.ensureDeadline(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return c.evaluate(ctx, session, deadline)
}

// evaluate applies the decision rule: any PASS or an elapsed deadline is
// non-mutual, two MATCHes are mutual, anything else waits.
func (c *SessionCoordinator) evaluate(ctx context.Context, session *model.Session, deadline time.Time) (*ChoiceResult, error) {
	choices, err := c.redis.HGetAll(ctx, redisclient.SessionChoicesKey(session.ID)).Result()
	if err != nil {
		return nil, apperrors.Store(err)
	}
	a := model.Choice(choices[session.UserAID])
	b := model.Choice(choices[session.UserBID])

	switch {
	case a == model.ChoicePass || b == model.ChoicePass:
		return c.finalize(ctx, session, model.OutcomeNonMutual)
	case a == model.ChoiceMatch && b == model.ChoiceMatch:
		return c.finalize(ctx, session, model.OutcomeMutual)
	case c.clock.Now().UnixMilli() >= deadline.UnixMilli():
		return c.finalize(ctx, session, model.OutcomeNonMutual)
	}

	return &ChoiceResult{Status: model.DecisionPending, Deadline: &deadline}, nil
}

// finalize claims the decision key before any side effect, so the first
// outcome written is the only one acted on. A caller that loses the claim
// returns the winner's decision.
func (c *SessionCoordinator) finalize(ctx context.Context, session *model.Session, outcome model.Outcome) (*ChoiceResult, error) {
	decision := model.Decision{Outcome: outcome, ResolvedAt: c.clock.Now()}
	encoded, err := json.Marshal(decision)
	if err != nil {
		return nil, apperrors.Internal("Failed to encode decision")
	}

	won, err := c.redis.SetNX(ctx, redisclient.SessionDecisionKey(session.ID), encoded, c.cfg.RuntimeStateTTL).Result()
	if err != nil {
		return nil, apperrors.Store(err)
	}
	if !won {
		existing, err := c.cachedDecision(ctx, session.ID)
		if err != nil {
			return nil, err
		}
		if existing == nil {
			return nil, apperrors.Store(errors.New("decision vanished after conditional write lost"))
		}
		return c.settled(ctx, session, existing)
	}

	if outcome == model.OutcomeMutual {
		if err := c.recordMatch(ctx, session, &decision); err != nil {
			return nil, err
		}
	}

	c.timers.Cancel(decisionTimerKey(session.ID))
	c.clearPending(ctx, session.ID)

	log.Info().
		Str("sessionId", session.ID).
		Str("outcome", string(outcome)).
		Msg("session resolved")
	metrics.Decisions.WithLabelValues(string(outcome)).Inc()
	c.events.Emit(ctx, eventlog.Record{
		Type:      eventlog.TypeDecisionResolve,
		SessionID: session.ID,
		UserIDs:   session.Participants(),
		Outcome:   string(outcome),
		At:        decision.ResolvedAt,
	})

	eventType := sse.EventMatchNonMutual
	if outcome == model.OutcomeMutual {
		eventType = sse.EventMatchMutual
	}
	NotifyAll(ctx, c.notifier, session.Participants(), eventType, decisionPayload{
		SessionID: session.ID,
		Outcome:   outcome,
		MatchID:   decision.MatchID,
	})

	return resolvedResult(&decision), nil
}

// settled returns a decision already claimed by another caller. A mutual
// claim whose match id was never written gets its match recorded here.
func (c *SessionCoordinator) settled(ctx context.Context, session *model.Session, decision *model.Decision) (*ChoiceResult, error) {
	if decision.Outcome == model.OutcomeMutual && decision.MatchID == nil {
		if err := c.recordMatch(ctx, session, decision); err != nil {
			return nil, err
		}
	}
	return resolvedResult(decision), nil
}

// recordMatch creates or reuses the pair's match and writes its id into the
// claimed decision, keeping the decision's TTL.
func (c *SessionCoordinator) recordMatch(ctx context.Context, session *model.Session, decision *model.Decision) error {
	match, created, err := c.matches.CreateOrGet(ctx, session.UserAID, session.UserBID, session.ID)
	if err != nil {
		return apperrors.Database(err)
	}
	decision.MatchID = &match.ID

	encoded, err := json.Marshal(decision)
	if err != nil {
		return apperrors.Internal("Failed to encode decision")
	}
	if err := c.redis.Set(ctx, redisclient.SessionDecisionKey(session.ID), encoded, redis.KeepTTL).Err(); err != nil {
		return apperrors.Store(err)
	}

	log.Info().
		Str("sessionId", session.ID).
		Str("matchId", match.ID).
		Bool("created", created).
		Msg("mutual match recorded")
	return nil
}

func (c *SessionCoordinator) cachedDecision(ctx context.Context, sessionID string) (*model.Decision, error) {
	raw, err := c.redis.Get(ctx, redisclient.SessionDecisionKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Store(err)
	}
	var decision model.Decision
	if err := json.Unmarshal(raw, &decision); err != nil {
		return nil, apperrors.Store(fmt.Errorf("decode decision: %w", err))
	}
	return &decision, nil
}

func (c *SessionCoordinator) clearPending(ctx context.Context, sessionID string) {
	if err := c.redis.ZRem(ctx, redisclient.PendingDecisionsKey, sessionID).Err(); err != nil {
		log.Warn().Err(err).Str("sessionId", sessionID).Msg("failed to clear pending decision index")
	}
}

func resolvedResult(d *model.Decision) *ChoiceResult {
	return &ChoiceResult{Status: model.DecisionResolved, Outcome: d.Outcome, MatchID: d.MatchID}
}

// Recover rearms local timers from the live and pending indexes after a
// restart. Entries already overdue are left to SweepOverdue.
func (c *SessionCoordinator) Recover(ctx context.Context) (int, error) {
	now := c.clock.Now()
	lower := strconv.FormatInt(now.UnixMilli()+1, 10)
	armed := 0

	live, err := c.redis.ZRangeByScoreWithScores(ctx, redisclient.LiveSessionsKey, &redis.ZRangeBy{Min: lower, Max: "+inf"}).Result()
	if err != nil {
		return 0, apperrors.Store(err)
	}
	for _, z := range live {
		id := z.Member.(string)
		c.scheduleEnd(id, time.UnixMilli(int64(z.Score)).Sub(now))
		armed++
	}

	pending, err := c.redis.ZRangeByScoreWithScores(ctx, redisclient.PendingDecisionsKey, &redis.ZRangeBy{Min: lower, Max: "+inf"}).Result()
	if err != nil {
		return armed, apperrors.Store(err)
	}
	for _, z := range pending {
		id := z.Member.(string)
		c.scheduleDecision(id, time.UnixMilli(int64(z.Score)).Sub(now))
		armed++
	}

	log.Info().Int("timers", armed).Msg("session timers recovered")
	return armed, nil
}

// SweepOverdue ends live sessions past their end time and resolves pending
// decisions past their deadline. It compensates for timers lost to a crash.
func (c *SessionCoordinator) SweepOverdue(ctx context.Context) (int, error) {
	upper := strconv.FormatInt(c.clock.Now().UnixMilli(), 10)
	swept := 0

	live, err := c.redis.ZRangeByScore(ctx, redisclient.LiveSessionsKey, &redis.ZRangeBy{Min: "-inf", Max: upper}).Result()
	if err != nil {
		return 0, apperrors.Store(err)
	}
	for _, id := range live {
		session, err := c.sessions.FindByID(ctx, id)
		if err != nil {
			return swept, apperrors.Database(err)
		}
		if session == nil {
			c.redis.ZRem(ctx, redisclient.LiveSessionsKey, id)
			continue
		}
		ended, err := c.EndSession(ctx, session, model.EndReasonTimeout)
		if err != nil {
			return swept, err
		}
		if !ended {
			// Ended earlier by a caller that failed part way, or before Start.
			if err := c.clearActive(ctx, session); err != nil {
				return swept, err
			}
			if _, err := c.openDecisionWindow(ctx, session); err != nil {
				return swept, err
			}
		}
		swept++
	}

	pending, err := c.redis.ZRangeByScore(ctx, redisclient.PendingDecisionsKey, &redis.ZRangeBy{Min: "-inf", Max: upper}).Result()
	if err != nil {
		return swept, apperrors.Store(err)
	}
	for _, id := range pending {
		_, err := c.resolveByID(ctx, id)
		if apperrors.HasCode(err, apperrors.ErrCodeNotFound) {
			c.clearPending(ctx, id)
			continue
		}
		if err != nil {
			return swept, err
		}
		swept++
	}

	if swept > 0 {
		log.Info().Int("count", swept).Msg("swept overdue sessions")
	}
	return swept, nil
}

// Close cancels every local timer.
func (c *SessionCoordinator) Close() {
	c.timers.Stop()
}
