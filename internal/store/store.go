// Package store persists records, delivery jobs, counters and cache entries.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/yoman-app/yoman/internal/model"
)

var (
	// ErrNotFound is returned when a record or job does not exist.
	ErrNotFound = eris.New("store: not found")
	// ErrJobActive is returned when upserting a job a worker currently holds.
	ErrJobActive = eris.New("store: job is being delivered")
)

// Records reads and writes calendar events and reminders.
type Records interface {
	FindCandidates(ctx context.Context, userID string, kind model.RecordKind, from, to time.Time) ([]model.Record, error)
	Persist(ctx context.Context, action model.Action) (string, error)
	GetRecord(ctx context.Context, userID, id string) (*model.Record, error)
}

// Jobs is the deferred delivery queue.
type Jobs interface {
	// UpsertJob inserts or replaces a job unless it is active.
	UpsertJob(ctx context.Context, job model.DeliveryJob) error
	// DeleteJob removes a job. Deleting a missing job is not an error.
	DeleteJob(ctx context.Context, jobID string) error
	GetJob(ctx context.Context, jobID string) (*model.DeliveryJob, error)
	// ClaimDue atomically moves up to limit due jobs to active with a lease
	// ending at now+lease. Active jobs whose lease expired are reclaimed.
	ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]model.DeliveryJob, error)
	CompleteJob(ctx context.Context, jobID string, now time.Time) error
	RetryJob(ctx context.Context, jobID string, runAt time.Time, lastErr string, now time.Time) error
	FailJob(ctx context.Context, jobID string, lastErr string, now time.Time) error
	// PurgeJobs deletes completed and failed jobs last updated before cutoff.
	PurgeJobs(ctx context.Context, cutoff time.Time) (int, error)
}

// Store is the full persistence surface of one backend.
type Store interface {
	Records
	Jobs

	// Counters
	IncrementAndGet(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// Cache
	Get(ctx context.Context, key string) ([]byte, bool, error)
	SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

func ms(t time.Time) int64 { return t.UnixMilli() }

func fromMs(v int64) time.Time { return time.UnixMilli(v).UTC() }
