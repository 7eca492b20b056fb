package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"meal-lens-backend/internal/estimation"
	"meal-lens-backend/internal/models"
	"meal-lens-backend/internal/queue"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Fetcher downloads a job's photos, tolerating partial failure
type Fetcher interface {
	Fetch(ctx context.Context, refs []string) (images [][]byte, usedRefs []string, err error)
}

// Estimator performs one multi-image nutrition estimation call
type Estimator interface {
	Estimate(ctx context.Context, images [][]byte, caption string) (*models.EstimationResult, error)
}

// Applier persists a successful estimation result idempotently
type Applier interface {
	ApplyEstimate(ctx context.Context, job *models.EstimationJob, usedRefs []string, res *models.EstimationResult) error
}

// FailureNotifier is told when a job is dead-lettered
type FailureNotifier interface {
	EstimationFailed(ctx context.Context, userID string)
}

// dequeueRetryDelay spaces out dequeue attempts after an error so a down
// database is not hammered by every worker in a tight loop.
const dequeueRetryDelay = time.Second

// Config holds pool sizing and retry policy
type Config struct {
	PoolSize    int
	MaxAttempts int
	MaxJobAge   time.Duration
}

// Pool is a fixed-size set of workers pulling estimation jobs from the queue.
// Each worker loops: dequeue, fetch photos, estimate, persist, ack. Transient
// failures go back to the queue with backoff; permanent ones dead-letter the
// job and notify the user.
type Pool struct {
	queue     queue.Queue
	fetcher   Fetcher
	estimator Estimator
	applier   Applier
	notices   FailureNotifier
	cfg       Config
}

// NewPool creates a worker pool
func NewPool(q queue.Queue, fetcher Fetcher, estimator Estimator, applier Applier, notices FailureNotifier, cfg Config) *Pool {
	return &Pool{
		queue:     q,
		fetcher:   fetcher,
		estimator: estimator,
		applier:   applier,
		notices:   notices,
		cfg:       cfg,
	}
}

// Run starts the workers and blocks until ctx is canceled and all of them
// have drained.
func (p *Pool) Run(ctx context.Context) {
	log.Info().Int("pool_size", p.cfg.PoolSize).Msg("Estimation worker pool starting")

	var wg sync.WaitGroup
	for i := 0; i < p.cfg.PoolSize; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.runWorker(ctx, id)
		}(i)
	}
	wg.Wait()
	log.Info().Msg("Estimation worker pool stopped")
}

func (p *Pool) runWorker(ctx context.Context, id int) {
	for {
		job, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Int("worker", id).Msg("Dequeue failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(dequeueRetryDelay):
			}
			continue
		}
		p.process(ctx, id, job)
	}
}

func (p *Pool) process(ctx context.Context, id int, job *models.EstimationJob) {
	logger := log.With().
		Int("worker", id).
		Str("job_id", job.ID).
		Str("user_id", job.UserID).
		Int("attempt", job.AttemptCount).
		Logger()

	// A job this old means the chat interaction is long abandoned; estimating
	// it now would only confuse the user.
	if age := time.Since(job.CreatedAt); age > p.cfg.MaxJobAge {
		logger.Debug().Dur("age", age).Msg("Discarding stale job")
		if err := p.queue.Dead(ctx, job.ID); err != nil {
			logger.Error().Err(err).Msg("Failed to discard stale job")
		}
		return
	}

	images, usedRefs, err := p.fetcher.Fetch(ctx, job.PhotoRefs)
	if err != nil {
		logger.Warn().Err(err).Msg("Photo fetch failed for whole job")
		p.fail(ctx, job, errors.Is(err, ErrAllFetchesFailed), logger)
		return
	}
	if len(usedRefs) < len(job.PhotoRefs) {
		logger.Info().
			Int("requested", len(job.PhotoRefs)).
			Int("fetched", len(usedRefs)).
			Msg("Proceeding with reduced photo set")
	}

	res, err := p.estimator.Estimate(ctx, images, job.Caption)
	if err != nil {
		logger.Warn().Err(err).Msg("Estimation call failed")
		p.fail(ctx, job, errors.Is(err, estimation.ErrInvalidResponse), logger)
		return
	}
	res.PhotoCountUsed = len(usedRefs)

	if err := p.applier.ApplyEstimate(ctx, job, usedRefs, res); err != nil {
		logger.Error().Err(err).Msg("Failed to persist estimate")
		p.fail(ctx, job, false, logger)
		return
	}

	if err := p.queue.Ack(ctx, job.ID); err != nil {
		// The meal is committed; a redelivery will no-op on the idempotency
		// key, so an ack failure is safe to leave behind.
		logger.Error().Err(err).Msg("Failed to ack job")
	}
}

// fail routes a job failure: permanent errors and exhausted retry budgets
// dead-letter the job and notify the user, anything else is retried with
// backoff.
func (p *Pool) fail(ctx context.Context, job *models.EstimationJob, permanent bool, logger zerolog.Logger) {
	attempts := job.AttemptCount + 1
	if permanent || attempts >= p.cfg.MaxAttempts {
		if err := p.queue.Dead(ctx, job.ID); err != nil {
			logger.Error().Err(err).Msg("Failed to dead-letter job")
			return
		}
		logger.Warn().Bool("permanent", permanent).Int("attempts", attempts).Msg("Job dead-lettered")
		p.notices.EstimationFailed(ctx, job.UserID)
		return
	}
	if err := p.queue.Retry(ctx, job.ID); err != nil {
		logger.Error().Err(err).Msg("Failed to schedule retry")
	}
}
