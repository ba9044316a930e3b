package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/yoman-app/yoman/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. Times are stored
// as unix milliseconds.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// SQLite allows one writer at a time.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS counters (
	key        TEXT PRIMARY KEY,
	value      INTEGER NOT NULL,
	expires_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS cache_entries (
	key        TEXT PRIMARY KEY,
	value      BLOB NOT NULL,
	expires_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS records (
	id                TEXT PRIMARY KEY,
	user_id           TEXT NOT NULL,
	kind              TEXT NOT NULL,
	title             TEXT NOT NULL,
	starts_at         INTEGER NOT NULL,
	ends_at           INTEGER,
	priority          TEXT NOT NULL DEFAULT 'normal',
	recurrence        TEXT,
	lead_time_minutes INTEGER NOT NULL DEFAULT 0,
	phone             TEXT NOT NULL DEFAULT '',
	created_at        INTEGER NOT NULL,
	updated_at        INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS delivery_jobs (
	job_id            TEXT PRIMARY KEY,
	subject_id        TEXT NOT NULL,
	user_id           TEXT NOT NULL,
	title             TEXT NOT NULL,
	phone             TEXT NOT NULL,
	timezone          TEXT NOT NULL DEFAULT '',
	lead_time_minutes INTEGER NOT NULL DEFAULT 0,
	due_at            INTEGER NOT NULL,
	enqueued_at       INTEGER NOT NULL,
	run_at            INTEGER NOT NULL,
	state             TEXT NOT NULL DEFAULT 'waiting',
	attempts          INTEGER NOT NULL DEFAULT 0,
	last_error        TEXT NOT NULL DEFAULT '',
	locked_until      INTEGER,
	updated_at        INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_counters_expires_at ON counters(expires_at);
CREATE INDEX IF NOT EXISTS idx_cache_entries_expires_at ON cache_entries(expires_at);
CREATE INDEX IF NOT EXISTS idx_records_user_kind_start ON records(user_id, kind, starts_at);
CREATE INDEX IF NOT EXISTS idx_delivery_jobs_state_run_at ON delivery_jobs(state, run_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Counters

func (s *SQLiteStore) IncrementAndGet(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	now := time.Now()
	var v int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO counters (key, value, expires_at) VALUES (?, 1, ?)
		 ON CONFLICT(key) DO UPDATE SET
		   value      = CASE WHEN counters.expires_at <= ? THEN 1 ELSE counters.value + 1 END,
		   expires_at = CASE WHEN counters.expires_at <= ? THEN excluded.expires_at ELSE counters.expires_at END
		 RETURNING value`,
		key, ms(now.Add(ttl)), ms(now), ms(now),
	).Scan(&v)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: increment %s", key)
	}
	return v, nil
}

// Cache

func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var v []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM cache_entries WHERE key = ? AND expires_at > ?`,
		key, ms(time.Now()),
	).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, eris.Wrapf(err, "sqlite: get cache %s", key)
	}
	return v, true, nil
}

func (s *SQLiteStore) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cache_entries (key, value, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		key, value, ms(time.Now().Add(ttl)),
	)
	return eris.Wrapf(err, "sqlite: set cache %s", key)
}

func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE key = ?`, key)
	return eris.Wrapf(err, "sqlite: delete cache %s", key)
}

// DeleteExpired removes expired counters and cache entries.
func (s *SQLiteStore) DeleteExpired(ctx context.Context) (int, error) {
	now := ms(time.Now())
	total := 0
	for _, q := range []string{
		`DELETE FROM counters WHERE expires_at <= ?`,
		`DELETE FROM cache_entries WHERE expires_at <= ?`,
	} {
		res, err := s.db.ExecContext(ctx, q, now)
		if err != nil {
			return total, eris.Wrap(err, "sqlite: delete expired")
		}
		n, _ := res.RowsAffected()
		total += int(n)
	}
	return total, nil
}

// Records

const recordColumns = `id, user_id, kind, title, starts_at, ends_at, priority, recurrence, lead_time_minutes, phone, created_at, updated_at`

func (s *SQLiteStore) FindCandidates(ctx context.Context, userID string, kind model.RecordKind, from, to time.Time) ([]model.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM records
		 WHERE user_id = ? AND kind = ? AND starts_at >= ? AND starts_at <= ?
		 ORDER BY starts_at, id`,
		userID, string(kind), ms(from), ms(to),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: find candidates")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate candidates")
}

func (s *SQLiteStore) GetRecord(ctx context.Context, userID, id string) (*model.Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM records WHERE id = ? AND user_id = ?`, id, userID)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: record %s", id)
	}
	return r, err
}

func (s *SQLiteStore) Persist(ctx context.Context, action model.Action) (string, error) {
	rec := action.Record
	now := time.Now().UTC()

	switch action.Op {
	case model.OpCreate:
		rec.ID = uuid.New().String()
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = now
		}
		recJSON, err := marshalRecurrence(rec.Recurrence)
		if err != nil {
			return "", err
		}
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO records (`+recordColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.ID, rec.UserID, string(rec.Kind), rec.Title, ms(rec.StartsAt), nullMs(rec.EndsAt),
			string(rec.Priority), recJSON, rec.LeadTimeMinutes, rec.Phone, ms(rec.CreatedAt), ms(rec.CreatedAt),
		)
		if err != nil {
			return "", eris.Wrap(err, "sqlite: insert record")
		}
		return rec.ID, nil

	case model.OpUpdate:
		recJSON, err := marshalRecurrence(rec.Recurrence)
		if err != nil {
			return "", err
		}
		var start sql.NullInt64
		if !rec.StartsAt.IsZero() {
			start = sql.NullInt64{Int64: ms(rec.StartsAt), Valid: true}
		}
		res, err := s.db.ExecContext(ctx,
			`UPDATE records SET
			   ends_at = CASE WHEN ?1 IS NULL OR ends_at IS NULL THEN ends_at ELSE ?1 + (ends_at - starts_at) END,
			   starts_at = COALESCE(?1, starts_at),
			   recurrence = COALESCE(?2, recurrence),
			   lead_time_minutes = CASE WHEN ?3 > 0 THEN ?3 ELSE lead_time_minutes END,
			   phone = CASE WHEN ?4 <> '' THEN ?4 ELSE phone END,
			   updated_at = ?5
			 WHERE id = ?6 AND user_id = ?7`,
			start, recJSON, rec.LeadTimeMinutes, rec.Phone, ms(now), rec.ID, rec.UserID,
		)
		if err != nil {
			return "", eris.Wrapf(err, "sqlite: update record %s", rec.ID)
		}
		return rec.ID, checkRowsAffected(res, "record", rec.ID)

	case model.OpDelete:
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM records WHERE id = ? AND user_id = ?`, rec.ID, rec.UserID)
		if err != nil {
			return "", eris.Wrapf(err, "sqlite: delete record %s", rec.ID)
		}
		return rec.ID, checkRowsAffected(res, "record", rec.ID)
	}
	return "", eris.Errorf("sqlite: unknown op %q", action.Op)
}

// Jobs

const jobColumns = `job_id, subject_id, user_id, title, phone, timezone, lead_time_minutes, due_at, enqueued_at, run_at, state, attempts, last_error, locked_until, updated_at`

func (s *SQLiteStore) UpsertJob(ctx context.Context, job model.DeliveryJob) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO delivery_jobs (`+jobColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 'waiting', 0, '', NULL, ?)
		 ON CONFLICT(job_id) DO UPDATE SET
		   subject_id = excluded.subject_id,
		   user_id = excluded.user_id,
		   title = excluded.title,
		   phone = excluded.phone,
		   timezone = excluded.timezone,
		   lead_time_minutes = excluded.lead_time_minutes,
		   due_at = excluded.due_at,
		   enqueued_at = excluded.enqueued_at,
		   run_at = excluded.run_at,
		   state = 'waiting',
		   attempts = 0,
		   last_error = '',
		   locked_until = NULL,
		   updated_at = excluded.updated_at
		 WHERE delivery_jobs.state <> 'active'`,
		job.JobID, job.SubjectID, job.UserID, job.Title, job.Phone, job.Timezone, job.LeadTimeMinutes,
		ms(job.DueAt), ms(job.EnqueuedAt), ms(job.RunAt), ms(job.UpdatedAt),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: upsert job %s", job.JobID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return eris.Wrapf(ErrJobActive, "sqlite: upsert job %s", job.JobID)
	}
	return nil
}

func (s *SQLiteStore) DeleteJob(ctx context.Context, jobID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM delivery_jobs WHERE job_id = ?`, jobID)
	return eris.Wrapf(err, "sqlite: delete job %s", jobID)
}

func (s *SQLiteStore) GetJob(ctx context.Context, jobID string) (*model.DeliveryJob, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM delivery_jobs WHERE job_id = ?`, jobID)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: job %s", jobID)
	}
	return j, err
}

func (s *SQLiteStore) ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]model.DeliveryJob, error) {
	rows, err := s.db.QueryContext(ctx,
		`UPDATE delivery_jobs
		 SET state = 'active', attempts = attempts + 1, locked_until = ?1, updated_at = ?2
		 WHERE job_id IN (
		   SELECT job_id FROM delivery_jobs
		   WHERE (state = 'waiting' AND run_at <= ?2)
		      OR (state = 'active' AND locked_until < ?2)
		   ORDER BY run_at, job_id
		   LIMIT ?3
		 )
		 RETURNING `+jobColumns,
		ms(now.Add(lease)), ms(now), limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: claim jobs")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.DeliveryJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate claimed jobs")
}

func (s *SQLiteStore) CompleteJob(ctx context.Context, jobID string, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE delivery_jobs SET state = 'completed', locked_until = NULL, updated_at = ? WHERE job_id = ?`,
		ms(now), jobID)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete job %s", jobID)
	}
	return checkRowsAffected(res, "job", jobID)
}

func (s *SQLiteStore) RetryJob(ctx context.Context, jobID string, runAt time.Time, lastErr string, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE delivery_jobs SET state = 'waiting', run_at = ?, last_error = ?, locked_until = NULL, updated_at = ? WHERE job_id = ?`,
		ms(runAt), lastErr, ms(now), jobID)
	if err != nil {
		return eris.Wrapf(err, "sqlite: retry job %s", jobID)
	}
	return checkRowsAffected(res, "job", jobID)
}

func (s *SQLiteStore) FailJob(ctx context.Context, jobID string, lastErr string, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE delivery_jobs SET state = 'failed', last_error = ?, locked_until = NULL, updated_at = ? WHERE job_id = ?`,
		lastErr, ms(now), jobID)
	if err != nil {
		return eris.Wrapf(err, "sqlite: fail job %s", jobID)
	}
	return checkRowsAffected(res, "job", jobID)
}

func (s *SQLiteStore) PurgeJobs(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM delivery_jobs WHERE state IN ('completed', 'failed') AND updated_at < ?`, ms(cutoff))
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: purge jobs")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func nullMs(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: ms(*t), Valid: true}
}

func marshalRecurrence(r *model.Recurrence) (sql.NullString, error) {
	if r == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(r)
	if err != nil {
		return sql.NullString{}, eris.Wrap(err, "store: marshal recurrence")
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func unmarshalRecurrence(s sql.NullString) (*model.Recurrence, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var r model.Recurrence
	if err := json.Unmarshal([]byte(s.String), &r); err != nil {
		return nil, eris.Wrap(err, "store: unmarshal recurrence")
	}
	return &r, nil
}

func scanRecord(row scannable) (*model.Record, error) {
	var (
		r                         model.Record
		kind, priority            string
		startsAt, created, update int64
		endsAt                    sql.NullInt64
		recurrence                sql.NullString
	)
	err := row.Scan(&r.ID, &r.UserID, &kind, &r.Title, &startsAt, &endsAt, &priority,
		&recurrence, &r.LeadTimeMinutes, &r.Phone, &created, &update)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan record")
	}
	r.Kind = model.RecordKind(kind)
	r.Priority = model.Priority(priority)
	r.StartsAt = fromMs(startsAt)
	if endsAt.Valid {
		e := fromMs(endsAt.Int64)
		r.EndsAt = &e
	}
	r.CreatedAt = fromMs(created)
	r.UpdatedAt = fromMs(update)
	if r.Recurrence, err = unmarshalRecurrence(recurrence); err != nil {
		return nil, err
	}
	return &r, nil
}

func scanJob(row scannable) (*model.DeliveryJob, error) {
	var (
		j                                   model.DeliveryJob
		state                               string
		dueAt, enqueuedAt, runAt, updatedAt int64
		lockedUntil                         sql.NullInt64
	)
	err := row.Scan(&j.JobID, &j.SubjectID, &j.UserID, &j.Title, &j.Phone, &j.Timezone,
		&j.LeadTimeMinutes, &dueAt, &enqueuedAt, &runAt, &state, &j.Attempts, &j.LastError,
		&lockedUntil, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan job")
	}
	j.State = model.JobState(state)
	j.DueAt = fromMs(dueAt)
	j.EnqueuedAt = fromMs(enqueuedAt)
	j.RunAt = fromMs(runAt)
	j.UpdatedAt = fromMs(updatedAt)
	if lockedUntil.Valid {
		lu := fromMs(lockedUntil.Int64)
		j.LockedUntil = &lu
	}
	return &j, nil
}
