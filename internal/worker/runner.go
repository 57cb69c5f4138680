// Package worker drains the notification outbox: confirmation and failure
// emails and purchase events. It is decoupled from the webhook flow: the
// reconciler writes outbox rows through Outbox and never touches the Runner
// or Job types directly.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ─── ENQUEUER INTERFACE ───────────────────────────────────────────────────────

// Enqueuer is the narrow interface Outbox uses to hand a freshly written row
// to the pool. The concrete implementation is *Runner. In tests, any struct
// with an Enqueue method satisfies the interface.
type Enqueuer interface {
	Enqueue(ctx context.Context, notificationID uuid.UUID) error
}

// RunnerStore is the subset of the store the Runner needs.
type RunnerStore interface {
	ListPendingNotifications(ctx context.Context, limit int) ([]uuid.UUID, error)
	MarkNotificationFailed(ctx context.Context, id uuid.UUID, cause error) error
}

// Runnable executes one delivery. *Job is the production implementation.
type Runnable interface {
	Run(ctx context.Context, notificationID uuid.UUID) error
}

// ─── RUNNER ───────────────────────────────────────────────────────────────────

// RunnerConfig holds tuning parameters for the Runner. Zero-valued fields fall
// back to DefaultRunnerConfig.
type RunnerConfig struct {
	// Workers is the number of concurrent delivery goroutines. Default: 3.
	Workers int

	// PollInterval is how often the fallback poller lists pending rows that
	// were missed by the in-process channel (e.g. after a restart). Default: 30s.
	PollInterval time.Duration

	// JobTimeout is the per-attempt context deadline. Default: 30s.
	JobTimeout time.Duration

	// MaxRetries is the number of attempts before a row is marked permanently
	// failed. Default: 3.
	MaxRetries int

	// BaseBackoff is the first retry delay; it doubles per attempt. Default: 2s.
	BaseBackoff time.Duration
}

// DefaultRunnerConfig returns safe production defaults.
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		Workers:      3,
		PollInterval: 30 * time.Second,
		JobTimeout:   30 * time.Second,
		MaxRetries:   3,
		BaseBackoff:  2 * time.Second,
	}
}

// pollBatch bounds how many rows one poll cycle lists.
const pollBatch = 100

// Runner manages a pool of worker goroutines. It accepts ids via an
// in-process channel (fast path, used right after a webhook) and also polls
// the outbox to pick up rows that were in flight when the process last
// stopped (recovery path).
type Runner struct {
	job    Runnable
	store  RunnerStore
	cfg    RunnerConfig
	logger *slog.Logger

	queue chan uuid.UUID
	wg    sync.WaitGroup
}

// NewRunner constructs a Runner. Call Start() to begin processing.
func NewRunner(job Runnable, st RunnerStore, cfg RunnerConfig, logger *slog.Logger) *Runner {
	def := DefaultRunnerConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = def.JobTimeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = def.BaseBackoff
	}

	return &Runner{
		job:    job,
		store:  st,
		cfg:    cfg,
		logger: logger,
		// Buffer = Workers*2 so Enqueue never blocks under normal load.
		queue: make(chan uuid.UUID, cfg.Workers*2),
	}
}

// Enqueue pushes an outbox id onto the in-process channel. If the channel is
// full it returns an error rather than blocking the webhook response; the
// poller picks the row up later.
func (r *Runner) Enqueue(_ context.Context, notificationID uuid.UUID) error {
	select {
	case r.queue <- notificationID:
		r.logger.Debug("worker: enqueued notification", "notification_id", notificationID)
		return nil
	default:
		return errors.New("worker: queue is full, notification will be picked up by poller")
	}
}

// Start launches the worker pool and the fallback poller. It blocks until ctx
// is cancelled. Call it in a goroutine from main:
//
//	go runner.Start(ctx)
func (r *Runner) Start(ctx context.Context) {
	r.logger.Info("worker: starting", "workers", r.cfg.Workers, "poll_interval", r.cfg.PollInterval)

	for i := 0; i < r.cfg.Workers; i++ {
		r.wg.Add(1)
		go r.work(ctx, i)
	}

	r.wg.Add(1)
	go r.poll(ctx)

	r.wg.Wait()
	r.logger.Info("worker: stopped")
}

// work is the inner loop for each worker goroutine.
func (r *Runner) work(ctx context.Context, id int) {
	defer r.wg.Done()
	log := r.logger.With("worker_id", id)

	for {
		select {
		case <-ctx.Done():
			return
		case notificationID := <-r.queue:
			r.runWithRetry(ctx, notificationID, log)
		}
	}
}

// poll lists pending rows on PollInterval.
func (r *Runner) poll(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	// Run once immediately on startup to pick up anything from before restart.
	r.pollOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.pollOnce(ctx)
		}
	}
}

func (r *Runner) pollOnce(ctx context.Context) {
	ids, err := r.store.ListPendingNotifications(ctx, pollBatch)
	if err != nil {
		r.logger.Error("worker: poll failed", "error", err)
		return
	}
	for _, id := range ids {
		select {
		case r.queue <- id:
			r.logger.Debug("worker: poller enqueued notification", "notification_id", id)
		default:
			// Queue full, next poll cycle.
			return
		}
	}
}

// runWithRetry executes the job up to MaxRetries times. After exhausting
// retries it marks the row failed so it is not picked up again.
func (r *Runner) runWithRetry(ctx context.Context, id uuid.UUID, log *slog.Logger) {
	var lastErr error

	for attempt := 1; attempt <= r.cfg.MaxRetries; attempt++ {
		jobCtx, cancel := context.WithTimeout(ctx, r.cfg.JobTimeout)
		lastErr = r.job.Run(jobCtx, id)
		cancel()

		if lastErr == nil {
			return
		}

		log.Warn("worker: delivery attempt failed",
			"notification_id", id,
			"attempt", attempt,
			"max", r.cfg.MaxRetries,
			"error", lastErr,
		)

		if attempt < r.cfg.MaxRetries {
			// Exponential back-off: base, 2*base, 4*base …
			backoff := r.cfg.BaseBackoff << (attempt - 1)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
		}
	}

	log.Error("worker: delivery permanently failed", "notification_id", id, "error", lastErr)
	failCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := r.store.MarkNotificationFailed(failCtx, id, lastErr); err != nil {
		log.Error("worker: failed to mark notification as failed", "notification_id", id, "error", err)
	}
}
