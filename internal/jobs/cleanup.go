package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/joshcabana/verity-backend-sub000/internal/clock"
	"github.com/joshcabana/verity-backend-sub000/internal/config"
	"github.com/joshcabana/verity-backend-sub000/internal/repository"
)

// OverdueSweeper ends and resolves sessions whose local timers were lost.
type OverdueSweeper interface {
	SweepOverdue(ctx context.Context) (int, error)
}

type HousekeepingJob struct {
	sessionRepo repository.SessionRepository
	sweeper     OverdueSweeper
	clock       clock.Clock
	retention   time.Duration
	interval    time.Duration
	done        chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
}

func NewHousekeepingJob(
	sessionRepo repository.SessionRepository,
	sweeper OverdueSweeper,
	clk clock.Clock,
	retention time.Duration,
	interval time.Duration,
) *HousekeepingJob {
	return &HousekeepingJob{
		sessionRepo: sessionRepo,
		sweeper:     sweeper,
		clock:       clk,
		retention:   retention,
		interval:    interval,
		done:        make(chan struct{}),
	}
}

func (j *HousekeepingJob) Start() {
	j.wg.Add(1)
	go j.run()
	log.Info().
		Dur("interval", j.interval).
		Dur("retention", j.retention).
		Msg("housekeeping job started")
}

// Stop halts the loop and waits for an in-flight pass to finish.
func (j *HousekeepingJob) Stop() {
	j.stopOnce.Do(func() {
		close(j.done)
		j.wg.Wait()
		log.Info().Msg("housekeeping job stopped")
	})
}

func (j *HousekeepingJob) run() {
	defer j.wg.Done()

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.RunOnce()

	for {
		select {
		case <-j.done:
			return
		case <-ticker.C:
			j.RunOnce()
		}
	}
}

// RunOnce sweeps overdue sessions, then purges sessions past retention.
func (j *HousekeepingJob) RunOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), config.JobTimeout)
	defer cancel()

	if j.sweeper != nil {
		j.runCleanup(ctx, "overdue sessions", func(ctx context.Context) (int64, error) {
			n, err := j.sweeper.SweepOverdue(ctx)
			return int64(n), err
		})
	}
	if j.sessionRepo != nil && j.retention > 0 {
		cutoff := j.clock.Now().Add(-j.retention)
		j.runCleanup(ctx, "expired sessions", func(ctx context.Context) (int64, error) {
			return j.sessionRepo.DeleteOlderThan(ctx, cutoff)
		})
	}
}

func (j *HousekeepingJob) runCleanup(ctx context.Context, name string, fn func(context.Context) (int64, error)) {
	count, err := fn(ctx)
	if err != nil {
		log.Error().Err(err).Msgf("failed to clean up %s", name)
	} else if count > 0 {
		log.Info().Int64("count", count).Msgf("cleaned up %s", name)
	}
}
