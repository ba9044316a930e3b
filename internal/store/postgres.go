package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/yoman-app/yoman/internal/model"
)

// Pool is the subset of *pgxpool.Pool the store uses. pgxmock pools
// satisfy it in tests.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool Pool
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool}, nil
}

// NewPostgresWithPool wraps an existing pool.
func NewPostgresWithPool(pool Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS counters (
	key        TEXT PRIMARY KEY,
	value      BIGINT NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS cache_entries (
	key        TEXT PRIMARY KEY,
	value      BYTEA NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS records (
	id                TEXT PRIMARY KEY,
	user_id           TEXT NOT NULL,
	kind              TEXT NOT NULL,
	title             TEXT NOT NULL,
	starts_at         TIMESTAMPTZ NOT NULL,
	ends_at           TIMESTAMPTZ,
	priority          TEXT NOT NULL DEFAULT 'normal',
	recurrence        JSONB,
	lead_time_minutes INTEGER NOT NULL DEFAULT 0,
	phone             TEXT NOT NULL DEFAULT '',
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS delivery_jobs (
	job_id            TEXT PRIMARY KEY,
	subject_id        TEXT NOT NULL,
	user_id           TEXT NOT NULL,
	title             TEXT NOT NULL,
	phone             TEXT NOT NULL,
	timezone          TEXT NOT NULL DEFAULT '',
	lead_time_minutes INTEGER NOT NULL DEFAULT 0,
	due_at            TIMESTAMPTZ NOT NULL,
	enqueued_at       TIMESTAMPTZ NOT NULL,
	run_at            TIMESTAMPTZ NOT NULL,
	state             TEXT NOT NULL DEFAULT 'waiting',
	attempts          INTEGER NOT NULL DEFAULT 0,
	last_error        TEXT NOT NULL DEFAULT '',
	locked_until      TIMESTAMPTZ,
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_counters_expires_at ON counters(expires_at);
CREATE INDEX IF NOT EXISTS idx_cache_entries_expires_at ON cache_entries(expires_at);
CREATE INDEX IF NOT EXISTS idx_records_user_kind_start ON records(user_id, kind, starts_at);
CREATE INDEX IF NOT EXISTS idx_delivery_jobs_state_run_at ON delivery_jobs(state, run_at);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Counters

func (s *PostgresStore) IncrementAndGet(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	var v int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO counters (key, value, expires_at) VALUES ($1, 1, now() + make_interval(secs => $2))
		 ON CONFLICT (key) DO UPDATE SET
		   value      = CASE WHEN counters.expires_at <= now() THEN 1 ELSE counters.value + 1 END,
		   expires_at = CASE WHEN counters.expires_at <= now() THEN excluded.expires_at ELSE counters.expires_at END
		 RETURNING value`,
		key, ttl.Seconds(),
	).Scan(&v)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: increment %s", key)
	}
	return v, nil
}

// Cache

func (s *PostgresStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var v []byte
	err := s.pool.QueryRow(ctx,
		`SELECT value FROM cache_entries WHERE key = $1 AND expires_at > now()`, key,
	).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, eris.Wrapf(err, "postgres: get cache %s", key)
	}
	return v, true, nil
}

func (s *PostgresStore) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO cache_entries (key, value, expires_at) VALUES ($1, $2, now() + make_interval(secs => $3))
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		key, value, ttl.Seconds(),
	)
	return eris.Wrapf(err, "postgres: set cache %s", key)
}

func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM cache_entries WHERE key = $1`, key)
	return eris.Wrapf(err, "postgres: delete cache %s", key)
}

// Records

func (s *PostgresStore) FindCandidates(ctx context.Context, userID string, kind model.RecordKind, from, to time.Time) ([]model.Record, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+recordColumns+` FROM records
		 WHERE user_id = $1 AND kind = $2 AND starts_at >= $3 AND starts_at <= $4
		 ORDER BY starts_at, id`,
		userID, string(kind), from, to,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: find candidates")
	}
	defer rows.Close()

	var out []model.Record
	for rows.Next() {
		r, err := scanPgRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate candidates")
}

func (s *PostgresStore) GetRecord(ctx context.Context, userID, id string) (*model.Record, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM records WHERE id = $1 AND user_id = $2`, id, userID)
	r, err := scanPgRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: record %s", id)
	}
	return r, err
}

func (s *PostgresStore) Persist(ctx context.Context, action model.Action) (string, error) {
	rec := action.Record

	switch action.Op {
	case model.OpCreate:
		rec.ID = uuid.New().String()
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = time.Now().UTC()
		}
		recJSON, err := marshalRecurrence(rec.Recurrence)
		if err != nil {
			return "", err
		}
		_, err = s.pool.Exec(ctx,
			`INSERT INTO records (`+recordColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)`,
			rec.ID, rec.UserID, string(rec.Kind), rec.Title, rec.StartsAt, rec.EndsAt,
			string(rec.Priority), recJSON, rec.LeadTimeMinutes, rec.Phone, rec.CreatedAt,
		)
		if err != nil {
			return "", eris.Wrap(err, "postgres: insert record")
		}
		return rec.ID, nil

	case model.OpUpdate:
		recJSON, err := marshalRecurrence(rec.Recurrence)
		if err != nil {
			return "", err
		}
		var start *time.Time
		if !rec.StartsAt.IsZero() {
			start = &rec.StartsAt
		}
		tag, err := s.pool.Exec(ctx,
			`UPDATE records SET
			   ends_at = CASE WHEN $1::timestamptz IS NULL OR ends_at IS NULL THEN ends_at ELSE $1::timestamptz + (ends_at - starts_at) END,
			   starts_at = COALESCE($1::timestamptz, starts_at),
			   recurrence = COALESCE($2::jsonb, recurrence),
			   lead_time_minutes = CASE WHEN $3 > 0 THEN $3 ELSE lead_time_minutes END,
			   phone = CASE WHEN $4 <> '' THEN $4 ELSE phone END,
			   updated_at = now()
			 WHERE id = $5 AND user_id = $6`,
			start, recJSON, rec.LeadTimeMinutes, rec.Phone, rec.ID, rec.UserID,
		)
		if err != nil {
			return "", eris.Wrapf(err, "postgres: update record %s", rec.ID)
		}
		return rec.ID, checkTag(tag, "record", rec.ID)

	case model.OpDelete:
		tag, err := s.pool.Exec(ctx,
			`DELETE FROM records WHERE id = $1 AND user_id = $2`, rec.ID, rec.UserID)
		if err != nil {
			return "", eris.Wrapf(err, "postgres: delete record %s", rec.ID)
		}
		return rec.ID, checkTag(tag, "record", rec.ID)
	}
	return "", eris.Errorf("postgres: unknown op %q", action.Op)
}

// Jobs

func (s *PostgresStore) UpsertJob(ctx context.Context, job model.DeliveryJob) error {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO delivery_jobs (`+jobColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 'waiting', 0, '', NULL, $11)
		 ON CONFLICT (job_id) DO UPDATE SET
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
		job.DueAt, job.EnqueuedAt, job.RunAt, job.UpdatedAt,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: upsert job %s", job.JobID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrJobActive, "postgres: upsert job %s", job.JobID)
	}
	return nil
}

func (s *PostgresStore) DeleteJob(ctx context.Context, jobID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM delivery_jobs WHERE job_id = $1`, jobID)
	return eris.Wrapf(err, "postgres: delete job %s", jobID)
}

func (s *PostgresStore) GetJob(ctx context.Context, jobID string) (*model.DeliveryJob, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM delivery_jobs WHERE job_id = $1`, jobID)
	j, err := scanPgJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: job %s", jobID)
	}
	return j, err
}

func (s *PostgresStore) ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]model.DeliveryJob, error) {
	rows, err := s.pool.Query(ctx,
		`UPDATE delivery_jobs
		 SET state = 'active', attempts = attempts + 1, locked_until = $1, updated_at = $2
		 WHERE job_id IN (
		   SELECT job_id FROM delivery_jobs
		   WHERE (state = 'waiting' AND run_at <= $2)
		      OR (state = 'active' AND locked_until < $2)
		   ORDER BY run_at, job_id
		   LIMIT $3
		   FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+jobColumns,
		now.Add(lease), now, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: claim jobs")
	}
	defer rows.Close()

	var out []model.DeliveryJob
	for rows.Next() {
		j, err := scanPgJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate claimed jobs")
}

func (s *PostgresStore) CompleteJob(ctx context.Context, jobID string, now time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE delivery_jobs SET state = 'completed', locked_until = NULL, updated_at = $1 WHERE job_id = $2`,
		now, jobID)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete job %s", jobID)
	}
	return checkTag(tag, "job", jobID)
}

func (s *PostgresStore) RetryJob(ctx context.Context, jobID string, runAt time.Time, lastErr string, now time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE delivery_jobs SET state = 'waiting', run_at = $1, last_error = $2, locked_until = NULL, updated_at = $3 WHERE job_id = $4`,
		runAt, lastErr, now, jobID)
	if err != nil {
		return eris.Wrapf(err, "postgres: retry job %s", jobID)
	}
	return checkTag(tag, "job", jobID)
}

func (s *PostgresStore) FailJob(ctx context.Context, jobID string, lastErr string, now time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE delivery_jobs SET state = 'failed', last_error = $1, locked_until = NULL, updated_at = $2 WHERE job_id = $3`,
		lastErr, now, jobID)
	if err != nil {
		return eris.Wrapf(err, "postgres: fail job %s", jobID)
	}
	return checkTag(tag, "job", jobID)
}

func (s *PostgresStore) PurgeJobs(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM delivery_jobs WHERE state IN ('completed', 'failed') AND updated_at < $1`, cutoff)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: purge jobs")
	}
	return int(tag.RowsAffected()), nil
}

func checkTag(tag pgconn.CommandTag, entity, id string) error {
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

func scanPgRecord(row pgx.Row) (*model.Record, error) {
	var (
		r              model.Record
		kind, priority string
		recurrence     *string
	)
	err := row.Scan(&r.ID, &r.UserID, &kind, &r.Title, &r.StartsAt, &r.EndsAt, &priority,
		&recurrence, &r.LeadTimeMinutes, &r.Phone, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan record")
	}
	r.Kind = model.RecordKind(kind)
	r.Priority = model.Priority(priority)
	if recurrence != nil {
		if r.Recurrence, err = unmarshalRecurrence(sql.NullString{String: *recurrence, Valid: true}); err != nil {
			return nil, err
		}
	}
	return &r, nil
}

func scanPgJob(row pgx.Row) (*model.DeliveryJob, error) {
	var (
		j     model.DeliveryJob
		state string
	)
	err := row.Scan(&j.JobID, &j.SubjectID, &j.UserID, &j.Title, &j.Phone, &j.Timezone,
		&j.LeadTimeMinutes, &j.DueAt, &j.EnqueuedAt, &j.RunAt, &state, &j.Attempts, &j.LastError,
		&j.LockedUntil, &j.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan job")
	}
	j.State = model.JobState(state)
	return &j, nil
}
