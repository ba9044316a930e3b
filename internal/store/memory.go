package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rotisserie/eris"

	"github.com/yoman-app/yoman/internal/model"
)

const defaultMemoryCacheSize = 4096

type cacheEntry struct {
	value     []byte
	expiresAt time.Time
}

type counterEntry struct {
	value     int64
	expiresAt time.Time
}

// MemoryStore keeps everything in process memory. Cache entries live in a
// bounded LRU; counters, records and jobs are never evicted.
type MemoryStore struct {
	mu       sync.Mutex
	cache    *lru.Cache[string, cacheEntry]
	counters map[string]counterEntry
	records  map[string]model.Record
	jobs     map[string]model.DeliveryJob

	nowFunc func() time.Time
}

// NewMemory creates a MemoryStore whose cache holds at most cacheSize entries.
func NewMemory(cacheSize int) (*MemoryStore, error) {
	if cacheSize <= 0 {
		cacheSize = defaultMemoryCacheSize
	}
	c, err := lru.New[string, cacheEntry](cacheSize)
	if err != nil {
		return nil, eris.Wrap(err, "memory: create cache")
	}
	return &MemoryStore{
		cache:    c,
		counters: make(map[string]counterEntry),
		records:  make(map[string]model.Record),
		jobs:     make(map[string]model.DeliveryJob),
		nowFunc:  time.Now,
	}, nil
}

func (s *MemoryStore) Ping(context.Context) error    { return nil }
func (s *MemoryStore) Migrate(context.Context) error { return nil }
func (s *MemoryStore) Close() error                  { return nil }

// Counters

func (s *MemoryStore) IncrementAndGet(_ context.Context, key string, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowFunc()
	e, ok := s.counters[key]
	if !ok || !now.Before(e.expiresAt) {
		e = counterEntry{expiresAt: now.Add(ttl)}
	}
	e.value++
	s.counters[key] = e
	return e.value, nil
}

// Cache

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	e, ok := s.cache.Get(key)
	if !ok {
		return nil, false, nil
	}
	if !s.nowFunc().Before(e.expiresAt) {
		s.cache.Remove(key)
		return nil, false, nil
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, true, nil
}

func (s *MemoryStore) SetWithTTL(_ context.Context, key string, value []byte, ttl time.Duration) error {
	v := make([]byte, len(value))
	copy(v, value)
	s.cache.Add(key, cacheEntry{value: v, expiresAt: s.nowFunc().Add(ttl)})
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.cache.Remove(key)
	return nil
}

// Records

func (s *MemoryStore) FindCandidates(_ context.Context, userID string, kind model.RecordKind, from, to time.Time) ([]model.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.Record
	for _, r := range s.records {
		if r.UserID != userID || r.Kind != kind {
			continue
		}
		if r.StartsAt.Before(from) || r.StartsAt.After(to) {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartsAt.Equal(out[j].StartsAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartsAt.Before(out[j].StartsAt)
	})
	return out, nil
}

func (s *MemoryStore) GetRecord(_ context.Context, userID, id string) (*model.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[id]
	if !ok || r.UserID != userID {
		return nil, eris.Wrapf(ErrNotFound, "memory: record %s", id)
	}
	return &r, nil
}

func (s *MemoryStore) Persist(_ context.Context, action model.Action) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := action.Record
	switch action.Op {
	case model.OpCreate:
		rec.ID = uuid.New().String()
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = s.nowFunc().UTC()
		}
		rec.UpdatedAt = rec.CreatedAt
		s.records[rec.ID] = rec
		return rec.ID, nil

	case model.OpUpdate:
		cur, ok := s.records[rec.ID]
		if !ok || cur.UserID != rec.UserID {
			return "", eris.Wrapf(ErrNotFound, "memory: record %s", rec.ID)
		}
		s.records[rec.ID] = applyUpdate(cur, rec, s.nowFunc())
		return rec.ID, nil

	case model.OpDelete:
		cur, ok := s.records[rec.ID]
		if !ok || cur.UserID != rec.UserID {
			return "", eris.Wrapf(ErrNotFound, "memory: record %s", rec.ID)
		}
		delete(s.records, rec.ID)
		return rec.ID, nil
	}
	return "", eris.Errorf("memory: unknown op %q", action.Op)
}

// applyUpdate moves the schedule of cur to the fields set on patch. A
// moved record keeps its duration.
func applyUpdate(cur, patch model.Record, now time.Time) model.Record {
	if !patch.StartsAt.IsZero() {
		if cur.EndsAt != nil {
			end := patch.StartsAt.Add(cur.EndsAt.Sub(cur.StartsAt))
			cur.EndsAt = &end
		}
		cur.StartsAt = patch.StartsAt
	}
	if patch.Recurrence != nil {
		cur.Recurrence = patch.Recurrence
	}
	if patch.LeadTimeMinutes > 0 {
		cur.LeadTimeMinutes = patch.LeadTimeMinutes
	}
	if patch.Phone != "" {
		cur.Phone = patch.Phone
	}
	cur.UpdatedAt = now.UTC()
	return cur
}

// Jobs

func (s *MemoryStore) UpsertJob(_ context.Context, job model.DeliveryJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.jobs[job.JobID]; ok && cur.State == model.JobActive {
		return eris.Wrapf(ErrJobActive, "memory: upsert %s", job.JobID)
	}
	job.State = model.JobWaiting
	job.Attempts = 0
	job.LastError = ""
	job.LockedUntil = nil
	s.jobs[job.JobID] = job
	return nil
}

func (s *MemoryStore) DeleteJob(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, jobID)
	return nil
}

func (s *MemoryStore) GetJob(_ context.Context, jobID string) (*model.DeliveryJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return nil, eris.Wrapf(ErrNotFound, "memory: job %s", jobID)
	}
	return &j, nil
}

func (s *MemoryStore) ClaimDue(_ context.Context, now time.Time, lease time.Duration, limit int) ([]model.DeliveryJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []model.DeliveryJob
	for _, j := range s.jobs {
		if claimable(j, now) {
			due = append(due, j)
		}
	}
	sort.Slice(due, func(i, k int) bool {
		if due[i].RunAt.Equal(due[k].RunAt) {
			return due[i].JobID < due[k].JobID
		}
		return due[i].RunAt.Before(due[k].RunAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	until := now.Add(lease)
	for i := range due {
		due[i].State = model.JobActive
		due[i].Attempts++
		lu := until
		due[i].LockedUntil = &lu
		due[i].UpdatedAt = now
		s.jobs[due[i].JobID] = due[i]
	}
	return due, nil
}

func claimable(j model.DeliveryJob, now time.Time) bool {
	switch j.State {
	case model.JobWaiting:
		return !j.RunAt.After(now)
	case model.JobActive:
		return j.LockedUntil != nil && j.LockedUntil.Before(now)
	}
	return false
}

func (s *MemoryStore) CompleteJob(_ context.Context, jobID string, now time.Time) error {
	return s.transition(jobID, func(j *model.DeliveryJob) {
		j.State = model.JobCompleted
		j.LockedUntil = nil
		j.UpdatedAt = now
	})
}

func (s *MemoryStore) RetryJob(_ context.Context, jobID string, runAt time.Time, lastErr string, now time.Time) error {
	return s.transition(jobID, func(j *model.DeliveryJob) {
		j.State = model.JobWaiting
		j.RunAt = runAt
		j.LastError = lastErr
		j.LockedUntil = nil
		j.UpdatedAt = now
	})
}

func (s *MemoryStore) FailJob(_ context.Context, jobID string, lastErr string, now time.Time) error {
	return s.transition(jobID, func(j *model.DeliveryJob) {
		j.State = model.JobFailed
		j.LastError = lastErr
		j.LockedUntil = nil
		j.UpdatedAt = now
	})
}

func (s *MemoryStore) transition(jobID string, fn func(*model.DeliveryJob)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return eris.Wrapf(ErrNotFound, "memory: job %s", jobID)
	}
	fn(&j)
	s.jobs[jobID] = j
	return nil
}

func (s *MemoryStore) PurgeJobs(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, j := range s.jobs {
		if j.Terminal() && j.UpdatedAt.Before(cutoff) {
			delete(s.jobs, id)
			n++
		}
	}
	return n, nil
}
