package store

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yoman-app/yoman/internal/model"
)

// Behavior shared by every backend that can run without external services.

type storeFactory struct {
	name string
	open func(t *testing.T) Store
}

func backends() []storeFactory {
	return []storeFactory{
		{name: "memory", open: func(t *testing.T) Store {
			s, err := NewMemory(16)
			require.NoError(t, err)
			return s
		}},
		{name: "sqlite", open: func(t *testing.T) Store {
			return newTestSQLiteStore(t)
		}},
	}
}

func forEachBackend(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Helper()
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			fn(t, b.open(t))
		})
	}
}

func TestStore_IncrementAndGet(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		for want := int64(1); want <= 3; want++ {
			v, err := s.IncrementAndGet(ctx, "quota:global:day:2026-03-01", time.Hour)
			require.NoError(t, err)
			assert.Equal(t, want, v)
		}

		other, err := s.IncrementAndGet(ctx, "quota:u1:day:2026-03-01", time.Hour)
		require.NoError(t, err)
		assert.Equal(t, int64(1), other)
	})
}

func TestStore_IncrementAndGet_ExpiredResets(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		v, err := s.IncrementAndGet(ctx, "k", -time.Second)
		require.NoError(t, err)
		assert.Equal(t, int64(1), v)

		v, err = s.IncrementAndGet(ctx, "k", time.Hour)
		require.NoError(t, err)
		assert.Equal(t, int64(1), v)

		v, err = s.IncrementAndGet(ctx, "k", time.Hour)
		require.NoError(t, err)
		assert.Equal(t, int64(2), v)
	})
}

func TestStore_Cache(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		_, found, err := s.Get(ctx, "missing")
		require.NoError(t, err)
		assert.False(t, found)

		require.NoError(t, s.SetWithTTL(ctx, "a", []byte("one"), time.Hour))
		require.NoError(t, s.SetWithTTL(ctx, "a", []byte("two"), time.Hour))
		data, found, err := s.Get(ctx, "a")
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, "two", string(data))

		require.NoError(t, s.Delete(ctx, "a"))
		_, found, err = s.Get(ctx, "a")
		require.NoError(t, err)
		assert.False(t, found)

		require.NoError(t, s.Delete(ctx, "never-set"))
	})
}

func TestStore_Cache_Expired(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.SetWithTTL(ctx, "old", []byte("x"), -time.Second))
		_, found, err := s.Get(ctx, "old")
		require.NoError(t, err)
		assert.False(t, found)
	})
}

func createRecord(t *testing.T, s Store, rec model.Record) string {
	t.Helper()
	id, err := s.Persist(context.Background(), model.Action{Op: model.OpCreate, Record: rec})
	require.NoError(t, err)
	require.NotEmpty(t, id)
	return id
}

func TestStore_Records_CreateAndFind(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

		early := createRecord(t, s, model.Record{UserID: "u1", Kind: model.KindEvent, Title: "Dentist", StartsAt: base, Priority: model.PriorityNormal})
		late := createRecord(t, s, model.Record{UserID: "u1", Kind: model.KindEvent, Title: "Gym", StartsAt: base.Add(48 * time.Hour), Priority: model.PriorityLow})
		createRecord(t, s, model.Record{UserID: "u1", Kind: model.KindReminder, Title: "Pills", StartsAt: base, Priority: model.PriorityHigh})
		createRecord(t, s, model.Record{UserID: "u2", Kind: model.KindEvent, Title: "Dentist", StartsAt: base, Priority: model.PriorityNormal})
		createRecord(t, s, model.Record{UserID: "u1", Kind: model.KindEvent, Title: "Far", StartsAt: base.AddDate(1, 0, 0), Priority: model.PriorityNormal})

		got, err := s.FindCandidates(ctx, "u1", model.KindEvent, base, base.AddDate(0, 0, 30))
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, early, got[0].ID)
		assert.Equal(t, late, got[1].ID)
		assert.Equal(t, "Dentist", got[0].Title)
		assert.True(t, got[0].StartsAt.Equal(base))
		assert.Equal(t, model.PriorityLow, got[1].Priority)
	})
}

func TestStore_Records_RecurrenceRoundTrip(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
		id := createRecord(t, s, model.Record{
			UserID: "u1", Kind: model.KindReminder, Title: "Water plants", StartsAt: start,
			Priority: model.PriorityNormal, Recurrence: &model.Recurrence{Pattern: "weekly", Interval: 1},
			LeadTimeMinutes: 10, Phone: "+972501234567",
		})

		rec, err := s.GetRecord(context.Background(), "u1", id)
		require.NoError(t, err)
		require.NotNil(t, rec.Recurrence)
		assert.Equal(t, "weekly", rec.Recurrence.Pattern)
		assert.Equal(t, 10, rec.LeadTimeMinutes)
		assert.Equal(t, "+972501234567", rec.Phone)
		assert.Nil(t, rec.EndsAt)
	})
}

func TestStore_Records_UpdateKeepsDuration(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
		end := start.Add(90 * time.Minute)
		id := createRecord(t, s, model.Record{UserID: "u1", Kind: model.KindEvent, Title: "Meeting", StartsAt: start, EndsAt: &end, Priority: model.PriorityNormal})

		moved := start.Add(24 * time.Hour)
		_, err := s.Persist(ctx, model.Action{Op: model.OpUpdate, Record: model.Record{
			ID: id, UserID: "u1", Kind: model.KindEvent, Title: "ignored", StartsAt: moved,
		}})
		require.NoError(t, err)

		rec, err := s.GetRecord(ctx, "u1", id)
		require.NoError(t, err)
		assert.Equal(t, "Meeting", rec.Title)
		assert.True(t, rec.StartsAt.Equal(moved))
		require.NotNil(t, rec.EndsAt)
		assert.Equal(t, 90*time.Minute, rec.EndsAt.Sub(rec.StartsAt))
	})
}

func TestStore_Records_OtherUserNotFound(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		id := createRecord(t, s, model.Record{UserID: "u1", Kind: model.KindEvent, Title: "Mine", StartsAt: time.Now().UTC().Truncate(time.Millisecond), Priority: model.PriorityNormal})

		_, err := s.GetRecord(ctx, "u2", id)
		assert.ErrorIs(t, err, ErrNotFound)

		_, err = s.Persist(ctx, model.Action{Op: model.OpDelete, Record: model.Record{ID: id, UserID: "u2"}})
		assert.ErrorIs(t, err, ErrNotFound)

		_, err = s.Persist(ctx, model.Action{Op: model.OpDelete, Record: model.Record{ID: id, UserID: "u1"}})
		require.NoError(t, err)
		_, err = s.GetRecord(ctx, "u1", id)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func testJob(id string, runAt time.Time) model.DeliveryJob {
	return model.DeliveryJob{
		JobID:           id,
		SubjectID:       id,
		UserID:          "u1",
		Title:           "Call mom",
		Phone:           "+972500000000",
		Timezone:        "Asia/Jerusalem",
		LeadTimeMinutes: 15,
		DueAt:           runAt.Add(15 * time.Minute),
		EnqueuedAt:      runAt.Add(-time.Hour),
		RunAt:           runAt,
		UpdatedAt:       runAt.Add(-time.Hour),
	}
}

func TestStore_Jobs_ClaimLifecycle(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

		require.NoError(t, s.UpsertJob(ctx, testJob("reminder:a", now.Add(-time.Minute))))
		require.NoError(t, s.UpsertJob(ctx, testJob("reminder:b", now.Add(-2*time.Minute))))
		require.NoError(t, s.UpsertJob(ctx, testJob("reminder:future", now.Add(time.Hour))))

		claimed, err := s.ClaimDue(ctx, now, time.Minute, 10)
		require.NoError(t, err)
		require.Len(t, claimed, 2)
		ids := []string{claimed[0].JobID, claimed[1].JobID}
		sort.Strings(ids)
		assert.Equal(t, []string{"reminder:a", "reminder:b"}, ids)
		for _, j := range claimed {
			assert.Equal(t, model.JobActive, j.State)
			assert.Equal(t, 1, j.Attempts)
			require.NotNil(t, j.LockedUntil)
			assert.True(t, j.LockedUntil.Equal(now.Add(time.Minute)))
		}

		again, err := s.ClaimDue(ctx, now.Add(30*time.Second), time.Minute, 10)
		require.NoError(t, err)
		assert.Empty(t, again)

		require.NoError(t, s.CompleteJob(ctx, "reminder:a", now))
		require.NoError(t, s.RetryJob(ctx, "reminder:b", now.Add(5*time.Second), "gateway 503", now))

		b, err := s.GetJob(ctx, "reminder:b")
		require.NoError(t, err)
		assert.Equal(t, model.JobWaiting, b.State)
		assert.Equal(t, "gateway 503", b.LastError)
		assert.Nil(t, b.LockedUntil)

		retried, err := s.ClaimDue(ctx, now.Add(10*time.Second), time.Minute, 10)
		require.NoError(t, err)
		require.Len(t, retried, 1)
		assert.Equal(t, "reminder:b", retried[0].JobID)
		assert.Equal(t, 2, retried[0].Attempts)

		require.NoError(t, s.FailJob(ctx, "reminder:b", "gateway 503", now.Add(10*time.Second)))
		b, err = s.GetJob(ctx, "reminder:b")
		require.NoError(t, err)
		assert.Equal(t, model.JobFailed, b.State)
		assert.True(t, b.Terminal())
	})
}

func TestStore_Jobs_ExpiredLeaseReclaimed(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
		require.NoError(t, s.UpsertJob(ctx, testJob("reminder:a", now)))

		_, err := s.ClaimDue(ctx, now, time.Minute, 10)
		require.NoError(t, err)

		reclaimed, err := s.ClaimDue(ctx, now.Add(2*time.Minute), time.Minute, 10)
		require.NoError(t, err)
		require.Len(t, reclaimed, 1)
		assert.Equal(t, 2, reclaimed[0].Attempts)
	})
}

func TestStore_Jobs_ClaimLimit(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
		require.NoError(t, s.UpsertJob(ctx, testJob("reminder:1", now.Add(-3*time.Minute))))
		require.NoError(t, s.UpsertJob(ctx, testJob("reminder:2", now.Add(-2*time.Minute))))
		require.NoError(t, s.UpsertJob(ctx, testJob("reminder:3", now.Add(-time.Minute))))

		claimed, err := s.ClaimDue(ctx, now, time.Minute, 2)
		require.NoError(t, err)
		require.Len(t, claimed, 2)
		ids := []string{claimed[0].JobID, claimed[1].JobID}
		sort.Strings(ids)
		assert.Equal(t, []string{"reminder:1", "reminder:2"}, ids)
	})
}

func TestStore_Jobs_UpsertReplacesWaiting(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
		require.NoError(t, s.UpsertJob(ctx, testJob("reminder:a", now.Add(time.Hour))))

		replacement := testJob("reminder:a", now.Add(2*time.Hour))
		replacement.Title = "Call dad"
		require.NoError(t, s.UpsertJob(ctx, replacement))

		j, err := s.GetJob(ctx, "reminder:a")
		require.NoError(t, err)
		assert.Equal(t, "Call dad", j.Title)
		assert.True(t, j.RunAt.Equal(now.Add(2*time.Hour)))
		assert.Equal(t, model.JobWaiting, j.State)
	})
}

func TestStore_Jobs_UpsertRejectsActive(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
		require.NoError(t, s.UpsertJob(ctx, testJob("reminder:a", now)))
		_, err := s.ClaimDue(ctx, now, time.Minute, 1)
		require.NoError(t, err)

		err = s.UpsertJob(ctx, testJob("reminder:a", now.Add(time.Hour)))
		assert.ErrorIs(t, err, ErrJobActive)
	})
}

func TestStore_Jobs_DeleteIdempotent(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
		require.NoError(t, s.UpsertJob(ctx, testJob("reminder:a", now)))

		require.NoError(t, s.DeleteJob(ctx, "reminder:a"))
		require.NoError(t, s.DeleteJob(ctx, "reminder:a"))

		_, err := s.GetJob(ctx, "reminder:a")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, s.CompleteJob(ctx, "reminder:a", now), ErrNotFound)
	})
}

func TestStore_Jobs_Purge(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.Date(2026, 3, 20, 12, 0, 0, 0, time.UTC)
		old := now.AddDate(0, 0, -10)

		for _, id := range []string{"reminder:done", "reminder:dead", "reminder:fresh", "reminder:pending"} {
			require.NoError(t, s.UpsertJob(ctx, testJob(id, old)))
		}
		_, err := s.ClaimDue(ctx, old, time.Minute, 10)
		require.NoError(t, err)
		require.NoError(t, s.CompleteJob(ctx, "reminder:done", old))
		require.NoError(t, s.FailJob(ctx, "reminder:dead", "boom", old))
		require.NoError(t, s.CompleteJob(ctx, "reminder:fresh", now))
		require.NoError(t, s.RetryJob(ctx, "reminder:pending", now, "", old))

		n, err := s.PurgeJobs(ctx, now.AddDate(0, 0, -7))
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		_, err = s.GetJob(ctx, "reminder:fresh")
		require.NoError(t, err)
		_, err = s.GetJob(ctx, "reminder:pending")
		require.NoError(t, err)
		_, err = s.GetJob(ctx, "reminder:done")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}
