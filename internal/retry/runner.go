package retry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gofrs/uuid"
	"github.com/rs/zerolog/log"
)

const defaultBatchSize = 20

// ErrPermanent marks a handler error that no retry can fix.
var ErrPermanent = errors.New("permanent failure")

type Runner struct {
	store     Store
	batchSize int
	now       func() time.Time

	mu       sync.RWMutex
	handlers map[string]Handler
}

type Option func(*Runner)

func WithBatchSize(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

func NewRunner(store Store, opts ...Option) *Runner {
	r := &Runner{
		store:     store,
		batchSize: defaultBatchSize,
		now:       time.Now,
		handlers:  make(map[string]Handler),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Runner) Register(kind string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = h
}

func (r *Runner) handler(kind string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[kind]
	return h, ok
}

// Schedule persists a job to run as soon as a worker picks it up. A job with the
// same kind and dedup key is left alone unless it previously failed, in which
// case it is re-armed with a fresh attempt budget.
func (r *Runner) Schedule(ctx context.Context, kind, dedupKey string, payload any, policy Policy) error {
	if _, ok := r.handler(kind); !ok {
		return fmt.Errorf("retry: no handler registered for %q", kind)
	}
	if policy.MaxAttempts < 1 {
		return fmt.Errorf("retry: max attempts must be at least 1, got %d", policy.MaxAttempts)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("retry: encode %s payload: %w", kind, err)
	}
	id, err := uuid.NewV4()
	if err != nil {
		return fmt.Errorf("retry: generate job id: %w", err)
	}

	now := r.now().UTC()
	job := &Job{
		ID:        id,
		Kind:      kind,
		DedupKey:  dedupKey,
		Payload:   raw,
		Policy:    policy,
		Status:    StatusPending,
		NextRunAt: now,
		CreatedAt: now,
		UpdatedAt: now,
	}

	enqueued, err := r.store.Enqueue(ctx, job)
	if err != nil {
		return fmt.Errorf("retry: schedule %s/%s: %w", kind, dedupKey, err)
	}
	if enqueued {
		log.Info().Str("kind", kind).Str("dedup_key", dedupKey).Msg("retry: job scheduled")
	} else {
		log.Debug().Str("kind", kind).Str("dedup_key", dedupKey).Msg("retry: job already scheduled")
	}
	return nil
}

// RunDue claims due jobs and runs one attempt of each. It returns how many jobs
// were attempted. Handler failures are recorded on the job, never returned.
func (r *Runner) RunDue(ctx context.Context) (int, error) {
	jobs, err := r.store.ClaimDue(ctx, r.now().UTC(), r.batchSize)
	if err != nil {
		return 0, fmt.Errorf("retry: claim due jobs: %w", err)
	}

	for _, job := range jobs {
		if err := r.runJob(ctx, job); err != nil {
			log.Error().Err(err).Stringer("job_id", job.ID).Str("kind", job.Kind).Msg("retry: failed to record job outcome")
		}
	}
	return len(jobs), nil
}

func (r *Runner) runJob(ctx context.Context, job Job) error {
	attempt := job.Attempt + 1
	externalID := job.ExternalID
	if externalID != "" {
		// the side effect already happened; only its success hook is pending
		attempt = job.Attempt
	}
	logger := log.With().Stringer("job_id", job.ID).Str("kind", job.Kind).Str("dedup_key", job.DedupKey).Int("attempt", attempt).Logger()

	h, ok := r.handler(job.Kind)
	if !ok {
		logger.Error().Msg("retry: no handler registered, failing job")
		return r.store.Fail(ctx, job.ID, attempt, "no handler registered", r.now().UTC())
	}

	var runErr error
	if externalID == "" {
		externalID, runErr = h.Run(ctx, job)
	}
	if runErr == nil {
		if err := h.OnSuccess(ctx, job, attempt, externalID); err != nil {
			next := r.now().UTC().Add(job.Policy.Backoff(attempt))
			logger.Error().Err(err).Str("external_id", externalID).Time("next_run_at", next).Msg("retry: success hook failed, keeping result")
			return r.store.HoldResult(ctx, job.ID, attempt, externalID, next, err.Error())
		}
		logger.Info().Str("external_id", externalID).Msg("retry: job succeeded")
		return r.store.Complete(ctx, job.ID, attempt, r.now().UTC())
	}

	if obs, ok := h.(AttemptObserver); ok {
		if err := obs.OnAttemptFailed(ctx, job, attempt, runErr); err != nil {
			logger.Error().Err(err).Msg("retry: attempt hook failed")
		}
	}

	if attempt >= job.Policy.MaxAttempts || errors.Is(runErr, ErrPermanent) {
		logger.Warn().Err(runErr).Msg("retry: job exhausted")
		if err := h.OnExhausted(ctx, job, attempt, runErr); err != nil {
			logger.Error().Err(err).Msg("retry: exhausted hook failed")
		}
		return r.store.Fail(ctx, job.ID, attempt, runErr.Error(), r.now().UTC())
	}

	next := r.now().UTC().Add(job.Policy.Backoff(attempt))
	logger.Warn().Err(runErr).Time("next_run_at", next).Msg("retry: attempt failed, rescheduling")
	return r.store.Reschedule(ctx, job.ID, attempt, next, runErr.Error())
}
