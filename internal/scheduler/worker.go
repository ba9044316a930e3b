package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/yoman-app/yoman/internal/config"
	"github.com/yoman-app/yoman/internal/delivery"
	"github.com/yoman-app/yoman/internal/metrics"
	"github.com/yoman-app/yoman/internal/model"
	"github.com/yoman-app/yoman/internal/monitoring"
	"github.com/yoman-app/yoman/internal/resilience"
	"github.com/yoman-app/yoman/internal/store"
)

// Notifier delivers admin alerts.
type Notifier interface {
	Notify(ctx context.Context, alert monitoring.Alert) error
}

// WorkerConfig controls the delivery worker.
type WorkerConfig struct {
	Concurrency  int
	MaxAttempts  int
	PollInterval time.Duration
	Lease        time.Duration
	JobTimeout   time.Duration
	BatchSize    int
	Retention    time.Duration
	PurgeEvery   time.Duration
	Retry        resilience.RetryConfig
}

// WorkerConfigFrom converts scheduler settings to a WorkerConfig.
func WorkerConfigFrom(cfg config.SchedulerConfig) WorkerConfig {
	return WorkerConfig{
		Concurrency:  cfg.Concurrency,
		MaxAttempts:  cfg.MaxAttempts,
		PollInterval: time.Duration(cfg.PollIntervalSecs) * time.Second,
		Lease:        time.Duration(cfg.LeaseSecs) * time.Second,
		JobTimeout:   time.Duration(cfg.JobTimeoutSecs) * time.Second,
		BatchSize:    cfg.BatchSize,
		Retention:    time.Duration(cfg.RetentionDays) * 24 * time.Hour,
		Retry: resilience.RetryConfig{
			InitialBackoff: time.Duration(cfg.InitialBackoffMs) * time.Millisecond,
			MaxBackoff:     time.Duration(cfg.MaxBackoffMs) * time.Millisecond,
			Multiplier:     2,
			JitterFraction: 0.25,
		},
	}
}

func (c WorkerConfig) withDefaults() WorkerConfig {
	if c.Concurrency <= 0 {
		c.Concurrency = 5
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.Lease <= 0 {
		c.Lease = time.Minute
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 30 * time.Second
	}
	if c.Lease < c.JobTimeout {
		c.Lease = 2 * c.JobTimeout
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 20
	}
	if c.Retention <= 0 {
		c.Retention = 7 * 24 * time.Hour
	}
	if c.PurgeEvery <= 0 {
		c.PurgeEvery = time.Hour
	}
	return c
}

// Worker claims due jobs and delivers them.
type Worker struct {
	queue    JobQueue
	sender   delivery.Sender
	notifier Notifier
	metrics  *metrics.Metrics
	cfg      WorkerConfig
	now      func() time.Time
}

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithWorkerClock overrides the worker's clock.
func WithWorkerClock(now func() time.Time) WorkerOption {
	return func(w *Worker) { w.now = now }
}

// WithWorkerMetrics records delivery outcomes on m.
func WithWorkerMetrics(m *metrics.Metrics) WorkerOption {
	return func(w *Worker) { w.metrics = m }
}

// WithNotifier sends an admin alert for every dead-lettered job.
func WithNotifier(n Notifier) WorkerOption {
	return func(w *Worker) { w.notifier = n }
}

// NewWorker creates a Worker.
func NewWorker(queue JobQueue, sender delivery.Sender, cfg WorkerConfig, opts ...WorkerOption) *Worker {
	w := &Worker{
		queue:  queue,
		sender: sender,
		cfg:    cfg.withDefaults(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run polls for due jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	log := zap.L().With(zap.String("component", "scheduler.worker"))
	log.Info("scheduler: worker started",
		zap.Duration("poll_interval", w.cfg.PollInterval),
		zap.Int("concurrency", w.cfg.Concurrency),
	)

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	var lastPurge time.Time
	for {
		if _, err := w.RunOnce(ctx); err != nil && ctx.Err() == nil {
			log.Error("scheduler: poll failed", zap.Error(err))
		}
		if now := w.now(); now.Sub(lastPurge) >= w.cfg.PurgeEvery {
			if _, err := w.Purge(ctx); err != nil && ctx.Err() == nil {
				log.Error("scheduler: purge failed", zap.Error(err))
			}
			lastPurge = now
		}

		select {
		case <-ctx.Done():
			log.Info("scheduler: worker stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce claims one batch of due jobs and delivers them. It returns the
// number of jobs claimed.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	jobs, err := w.queue.ClaimDue(ctx, w.now(), w.cfg.Lease, w.cfg.BatchSize)
	if err != nil {
		return 0, eris.Wrap(err, "scheduler: claim due jobs")
	}
	if len(jobs) == 0 {
		return 0, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.Concurrency)
	for _, job := range jobs {
		g.Go(func() error {
			w.deliver(gctx, job)
			return nil
		})
	}
	_ = g.Wait()
	return len(jobs), nil
}

func (w *Worker) deliver(ctx context.Context, job model.DeliveryJob) {
	log := zap.L().With(
		zap.String("job_id", job.JobID),
		zap.Int("attempt", job.Attempts),
	)

	jctx, cancel := context.WithTimeout(ctx, w.cfg.JobTimeout)
	err := w.sender.Send(jctx, delivery.Recipient(job), delivery.Compose(job))
	cancel()

	now := w.now()
	if err != nil && ctx.Err() != nil {
		w.requeue(ctx, log, job, now, err)
		return
	}
	if errors.Is(err, context.DeadlineExceeded) {
		err = resilience.NewTransientError(err, 0)
	}
	if err == nil {
		if cerr := w.queue.CompleteJob(ctx, job.JobID, now); cerr != nil {
			w.logTransitionError(log, "complete", cerr)
		}
		w.metrics.IncDelivery(metrics.DeliveryDelivered)
		log.Info("scheduler: job delivered")
		return
	}

	if job.Attempts < w.attemptLimit(err) {
		runAt := now.Add(resilience.Backoff(job.Attempts-1, w.cfg.Retry))
		if rerr := w.queue.RetryJob(ctx, job.JobID, runAt, err.Error(), now); rerr != nil {
			w.logTransitionError(log, "retry", rerr)
			return
		}
		w.metrics.IncDelivery(metrics.DeliveryRetried)
		log.Warn("scheduler: delivery failed, retrying",
			zap.Time("run_at", runAt),
			zap.Error(err),
		)
		return
	}

	dl := resilience.NewDeadLetter(job.JobID, job.Attempts, err, now)
	if ferr := w.queue.FailJob(ctx, job.JobID, err.Error(), now); ferr != nil {
		w.logTransitionError(log, "fail", ferr)
	}
	w.metrics.IncDelivery(metrics.DeliveryDeadLettered)
	zap.L().Error("scheduler: job dead-lettered", dl.Fields()...)

	if w.notifier != nil {
		if nerr := w.notifier.Notify(ctx, monitoring.DeadLetterAlert(dl)); nerr != nil {
			log.Warn("scheduler: dead letter alert failed", zap.Error(nerr))
		}
	}
}

// attemptLimit is the number of attempts err allows. Permanent errors
// (4xx responses, rejected messages, a missing recipient) get one retry.
func (w *Worker) attemptLimit(err error) int {
	if resilience.IsTransient(err) {
		return w.cfg.MaxAttempts
	}
	return min(2, w.cfg.MaxAttempts)
}

// requeue hands a job interrupted by shutdown back to the queue so the next
// worker delivers it. It is neither dead-lettered nor alerted.
func (w *Worker) requeue(ctx context.Context, log *zap.Logger, job model.DeliveryJob, now time.Time, err error) {
	if rerr := w.queue.RetryJob(context.WithoutCancel(ctx), job.JobID, now, err.Error(), now); rerr != nil {
		w.logTransitionError(log, "requeue", rerr)
		return
	}
	log.Info("scheduler: delivery interrupted, job requeued", zap.Error(err))
}

// A job cancelled while it was being delivered no longer exists.
func (w *Worker) logTransitionError(log *zap.Logger, op string, err error) {
	if errors.Is(err, store.ErrNotFound) {
		log.Info("scheduler: job removed during delivery", zap.String("op", op))
		return
	}
	log.Error("scheduler: job transition failed", zap.String("op", op), zap.Error(err))
}

// Purge deletes finished jobs older than the retention period.
func (w *Worker) Purge(ctx context.Context) (int, error) {
	cutoff := w.now().Add(-w.cfg.Retention)
	n, err := w.queue.PurgeJobs(ctx, cutoff)
	if err != nil {
		return 0, eris.Wrap(err, "scheduler: purge jobs")
	}
	if n > 0 {
		zap.L().Info("scheduler: purged finished jobs", zap.Int("count", n), zap.Time("cutoff", cutoff))
	}
	return n, nil
}
