package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

const lockName = "checkout:retry-runner"

// Locker is satisfied by *redsync.Mutex.
type Locker interface {
	LockContext(ctx context.Context) error
	UnlockContext(ctx context.Context) (bool, error)
}

// NewRedisLocker returns a single-try mutex so a replica that loses the race
// skips the tick instead of queueing behind the holder.
func NewRedisLocker(rs *redsync.Redsync, expiry time.Duration) Locker {
	return rs.NewMutex(lockName,
		redsync.WithExpiry(expiry),
		redsync.WithTries(1),
	)
}

// Worker drains due jobs on a cron schedule.
type Worker struct {
	runner      *Runner
	locker      Locker
	schedule    string
	tickTimeout time.Duration
	cron        *cron.Cron
}

func NewWorker(runner *Runner, locker Locker, schedule string, tickTimeout time.Duration) *Worker {
	return &Worker{
		runner:      runner,
		locker:      locker,
		schedule:    schedule,
		tickTimeout: tickTimeout,
		cron:        cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger))),
	}
}

func (w *Worker) Start(ctx context.Context) error {
	if _, err := w.cron.AddFunc(w.schedule, func() { w.Tick(ctx) }); err != nil {
		return fmt.Errorf("retry: invalid schedule %q: %w", w.schedule, err)
	}
	w.cron.Start()
	log.Info().Str("schedule", w.schedule).Msg("retry: worker started")
	return nil
}

// Stop waits for a running tick to finish.
func (w *Worker) Stop() {
	<-w.cron.Stop().Done()
	log.Info().Msg("retry: worker stopped")
}

// Tick runs one drain cycle if this replica wins the lock.
func (w *Worker) Tick(ctx context.Context) {
	if w.tickTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.tickTimeout)
		defer cancel()
	}

	if w.locker != nil {
		if err := w.locker.LockContext(ctx); err != nil {
			log.Debug().Err(err).Msg("retry: another replica holds the runner lock, skipping tick")
			return
		}
		defer func() {
			if _, err := w.locker.UnlockContext(context.WithoutCancel(ctx)); err != nil {
				log.Warn().Err(err).Msg("retry: failed to release runner lock")
			}
		}()
	}

	for {
		n, err := w.runner.RunDue(ctx)
		if err != nil {
			log.Error().Err(err).Msg("retry: tick failed")
			return
		}
		if n < w.runner.batchSize || ctx.Err() != nil {
			return
		}
	}
}
