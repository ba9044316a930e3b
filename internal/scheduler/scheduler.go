// Package scheduler turns reminder due times into delivery jobs and runs
// the worker that delivers them.
package scheduler

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/yoman-app/yoman/internal/config"
	"github.com/yoman-app/yoman/internal/metrics"
	"github.com/yoman-app/yoman/internal/model"
)

const (
	defaultMaxLead   = 10080 // one week, in minutes
	defaultTolerance = 60 * time.Second
)

// JobQueue is the persistence the scheduler and worker need.
type JobQueue interface {
	UpsertJob(ctx context.Context, job model.DeliveryJob) error
	DeleteJob(ctx context.Context, jobID string) error
	ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]model.DeliveryJob, error)
	CompleteJob(ctx context.Context, jobID string, now time.Time) error
	RetryJob(ctx context.Context, jobID string, runAt time.Time, lastErr string, now time.Time) error
	FailJob(ctx context.Context, jobID string, lastErr string, now time.Time) error
	PurgeJobs(ctx context.Context, cutoff time.Time) (int, error)
}

// JobSpec describes what a delivery job is about.
type JobSpec struct {
	SubjectID string
	UserID    string
	Title     string
	Phone     string
	Timezone  string
}

// Decision reports what Schedule did.
type Decision struct {
	JobID           string        `json:"job_id"`
	RunAt           time.Time     `json:"run_at"`
	Delay           time.Duration `json:"delay"`
	LeadTimeMinutes int           `json:"lead_time_minutes"`
	Immediate       bool          `json:"immediate"`
	Skipped         bool          `json:"skipped"`
	Reason          string        `json:"reason,omitempty"`
}

// JobID is the delivery job ID for a subject.
func JobID(subjectID string) string {
	return "reminder:" + subjectID
}

// Scheduler places reminder jobs on the queue.
type Scheduler struct {
	queue     JobQueue
	maxLead   int
	tolerance time.Duration
	metrics   *metrics.Metrics
	now       func() time.Time
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock overrides the scheduler's clock.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithMetrics records skipped jobs on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// New creates a Scheduler writing to queue.
func New(queue JobQueue, cfg config.SchedulerConfig, opts ...Option) *Scheduler {
	s := &Scheduler{
		queue:     queue,
		maxLead:   cfg.MaxLeadMinutes,
		tolerance: time.Duration(cfg.ToleranceSecs) * time.Second,
		now:       time.Now,
	}
	if s.maxLead <= 0 {
		s.maxLead = defaultMaxLead
	}
	if s.tolerance <= 0 {
		s.tolerance = defaultTolerance
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Schedule enqueues the delivery for spec at dueAt minus the lead time.
// Re-scheduling the same subject replaces its waiting job. A target more
// than the tolerance in the past is skipped without error.
func (s *Scheduler) Schedule(ctx context.Context, spec JobSpec, dueAt time.Time, leadTimeMinutes int) (Decision, error) {
	if spec.SubjectID == "" {
		return Decision{}, eris.New("scheduler: subject id is required")
	}

	id := JobID(spec.SubjectID)
	log := zap.L().With(zap.String("job_id", id))

	lead := s.clampLead(leadTimeMinutes, log)
	leadDur := time.Duration(lead) * time.Minute
	now := s.now()

	if remaining := dueAt.Sub(now); leadDur > remaining {
		log.Warn("scheduler: lead time exceeds time remaining",
			zap.Int("lead_minutes", lead),
			zap.Duration("remaining", remaining),
		)
	}

	d := Decision{JobID: id, LeadTimeMinutes: lead}
	delay := dueAt.Add(-leadDur).Sub(now)
	if delay < -s.tolerance {
		d.Skipped = true
		d.Reason = "delivery time already passed"
		log.Warn("scheduler: job skipped",
			zap.Time("due_at", dueAt),
			zap.Duration("late_by", -delay),
		)
		s.metrics.IncDelivery(metrics.DeliverySkipped)
		// A stale job from an earlier schedule must not fire.
		if err := s.queue.DeleteJob(ctx, id); err != nil {
			log.Warn("scheduler: drop stale job", zap.Error(err))
		}
		return d, nil
	}
	if delay < 0 {
		delay = 0
	}

	d.Delay = delay
	d.Immediate = delay == 0
	d.RunAt = now.Add(delay)

	job := model.DeliveryJob{
		JobID:           id,
		SubjectID:       spec.SubjectID,
		UserID:          spec.UserID,
		Title:           spec.Title,
		Phone:           spec.Phone,
		Timezone:        spec.Timezone,
		LeadTimeMinutes: lead,
		DueAt:           dueAt,
		EnqueuedAt:      now,
		RunAt:           d.RunAt,
		State:           model.JobWaiting,
		UpdatedAt:       now,
	}
	if err := s.queue.UpsertJob(ctx, job); err != nil {
		return Decision{}, eris.Wrapf(err, "scheduler: schedule %s", id)
	}

	log.Info("scheduler: job scheduled",
		zap.Time("run_at", d.RunAt),
		zap.Duration("delay", d.Delay),
		zap.Bool("immediate", d.Immediate),
	)
	return d, nil
}

// Cancel removes a job. Cancelling a missing job is not an error.
func (s *Scheduler) Cancel(ctx context.Context, jobID string) error {
	if err := s.queue.DeleteJob(ctx, jobID); err != nil {
		return eris.Wrapf(err, "scheduler: cancel %s", jobID)
	}
	zap.L().Info("scheduler: job cancelled", zap.String("job_id", jobID))
	return nil
}

func (s *Scheduler) clampLead(minutes int, log *zap.Logger) int {
	switch {
	case minutes < 0:
		log.Warn("scheduler: negative lead time clamped", zap.Int("lead_minutes", minutes))
		return 0
	case minutes > s.maxLead:
		log.Warn("scheduler: lead time clamped",
			zap.Int("lead_minutes", minutes),
			zap.Int("max_lead_minutes", s.maxLead),
		)
		return s.maxLead
	}
	return minutes
}

// ParseLeadTime reads a lead time in minutes. Input that is not a number
// yields 0.
func ParseLeadTime(raw string) int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		zap.L().Warn("scheduler: lead time is not a number", zap.String("value", raw))
		return 0
	}
	return n
}
