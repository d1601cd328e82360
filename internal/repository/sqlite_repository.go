package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/shortforge/api/internal/fault"
	"github.com/shortforge/api/internal/model"
)

// SQLiteRepository implements JobRepository using SQLite
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite repository
func NewSQLiteRepository(dbPath string) (*SQLiteRepository, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	repo := &SQLiteRepository{db: db}
	if err := repo.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return repo, nil
}

// Close closes the database connection
func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

// initSchema initializes the database schema
func (r *SQLiteRepository) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		spec TEXT NOT NULL,
		state TEXT NOT NULL DEFAULT 'queued',
		retrying INTEGER NOT NULL DEFAULT 0,
		failure TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		started_at INTEGER,
		completed_at INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_state ON jobs(state);

	CREATE TABLE IF NOT EXISTS stage_results (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id TEXT NOT NULL,
		stage TEXT NOT NULL,
		attempt INTEGER NOT NULL,
		status TEXT NOT NULL,
		artifact_path TEXT,
		input_digest TEXT,
		fallback_used INTEGER NOT NULL DEFAULT 0,
		retries INTEGER NOT NULL DEFAULT 0,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		media_seconds REAL NOT NULL DEFAULT 0,
		error_kind TEXT,
		error_message TEXT,
		created_at INTEGER NOT NULL,
		UNIQUE(job_id, stage, attempt)
	);

	CREATE INDEX IF NOT EXISTS idx_stage_results_job ON stage_results(job_id);
	`

	_, err := r.db.Exec(schema)
	return err
}

const jobColumns = `id, spec, state, retrying, failure, created_at, updated_at, started_at, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*model.Job, error) {
	var (
		job                    model.Job
		specJSON               string
		retrying               int
		failureJSON            sql.NullString
		createdAt, updatedAt   int64
		startedAt, completedAt sql.NullInt64
	)

	err := row.Scan(
		&job.ID,
		&specJSON,
		&job.State,
		&retrying,
		&failureJSON,
		&createdAt,
		&updatedAt,
		&startedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(specJSON), &job.Spec); err != nil {
		return nil, fmt.Errorf("failed to decode job spec: %w", err)
	}
	job.Retrying = retrying != 0
	if failureJSON.Valid && failureJSON.String != "" {
		var failure model.FailureRecord
		if err := json.Unmarshal([]byte(failureJSON.String), &failure); err != nil {
			return nil, fmt.Errorf("failed to decode failure record: %w", err)
		}
		job.Failure = &failure
	}
	job.CreatedAt = time.Unix(createdAt, 0)
	job.UpdatedAt = time.Unix(updatedAt, 0)
	if startedAt.Valid {
		t := time.Unix(startedAt.Int64, 0)
		job.StartedAt = &t
	}
	if completedAt.Valid {
		t := time.Unix(completedAt.Int64, 0)
		job.CompletedAt = &t
	}

	return &job, nil
}

// CreateJob creates a new job
func (r *SQLiteRepository) CreateJob(ctx context.Context, job *model.Job) error {
	specJSON, err := json.Marshal(job.Spec)
	if err != nil {
		return fmt.Errorf("failed to encode job spec: %w", err)
	}

	now := time.Now()
	job.CreatedAt = now
	job.UpdatedAt = now

	query := `
		INSERT INTO jobs (id, spec, state, retrying, failure, created_at, updated_at)
		VALUES (?, ?, ?, 0, NULL, ?, ?)
	`
	_, err = r.db.ExecContext(ctx, query,
		job.ID,
		string(specJSON),
		job.State,
		job.CreatedAt.Unix(),
		job.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}

	return nil
}

// GetJobByID retrieves a job by ID
func (r *SQLiteRepository) GetJobByID(ctx context.Context, id string) (*model.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = ?`

	job, err := scanJob(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return job, nil
}

// UpdateJobState moves a job between states, guarded by the expected
// current state. started_at is stamped on the first departure from queued
// and completed_at when a terminal state is reached.
func (r *SQLiteRepository) UpdateJobState(ctx context.Context, id string, from, to model.JobState) error {
	now := time.Now().Unix()

	var completedAt any
	if to.Terminal() {
		completedAt = now
	}

	query := `
		UPDATE jobs
		SET state = ?,
		    retrying = 0,
		    started_at = CASE WHEN ? = 'queued' THEN COALESCE(started_at, ?) ELSE started_at END,
		    completed_at = COALESCE(?, completed_at),
		    updated_at = ?
		WHERE id = ? AND state = ?
	`
	res, err := r.db.ExecContext(ctx, query, to, from, now, completedAt, now, id, from)
	if err != nil {
		return fmt.Errorf("failed to update job state: %w", err)
	}
	return r.requireRow(ctx, res, id)
}

// SetRetrying flips the retrying flag shown while backoff runs.
func (r *SQLiteRepository) SetRetrying(ctx context.Context, id string, retrying bool) error {
	val := 0
	if retrying {
		val = 1
	}
	query := `UPDATE jobs SET retrying = ?, updated_at = ? WHERE id = ?`
	res, err := r.db.ExecContext(ctx, query, val, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to set retrying flag: %w", err)
	}
	return r.requireRow(ctx, res, id)
}

// MarkFailed transitions to failed and records the failure, guarded by the
// expected current state.
func (r *SQLiteRepository) MarkFailed(ctx context.Context, id string, from model.JobState, failure *model.FailureRecord) error {
	failureJSON, err := json.Marshal(failure)
	if err != nil {
		return fmt.Errorf("failed to encode failure record: %w", err)
	}

	now := time.Now().Unix()
	query := `
		UPDATE jobs
		SET state = ?, retrying = 0, failure = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND state = ?
	`
	res, err := r.db.ExecContext(ctx, query, model.StateFailed, string(failureJSON), now, now, id, from)
	if err != nil {
		return fmt.Errorf("failed to mark job failed: %w", err)
	}
	return r.requireRow(ctx, res, id)
}

// ResetForResume re-queues a failed job.
func (r *SQLiteRepository) ResetForResume(ctx context.Context, id string) error {
	query := `
		UPDATE jobs
		SET state = ?, retrying = 0, failure = NULL, completed_at = NULL, updated_at = ?
		WHERE id = ? AND state = ?
	`
	res, err := r.db.ExecContext(ctx, query, model.StateQueued, time.Now().Unix(), id, model.StateFailed)
	if err != nil {
		return fmt.Errorf("failed to reset job: %w", err)
	}
	return r.requireRow(ctx, res, id)
}

// CountActiveJobs counts jobs that have not reached a terminal state.
func (r *SQLiteRepository) CountActiveJobs(ctx context.Context) (int, error) {
	query := `SELECT COUNT(*) FROM jobs WHERE state NOT IN (?, ?)`

	var count int
	err := r.db.QueryRowContext(ctx, query, model.StateCompleted, model.StateFailed).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count active jobs: %w", err)
	}

	return count, nil
}

// ListTerminalJobsBefore returns completed or failed jobs last touched
// before the cutoff. Used by the artifact retention sweep.
func (r *SQLiteRepository) ListTerminalJobsBefore(ctx context.Context, cutoff time.Time) ([]*model.Job, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM jobs
		WHERE state IN (?, ?) AND updated_at < ?
		ORDER BY updated_at ASC
	`

	rows, err := r.db.QueryContext(ctx, query, model.StateCompleted, model.StateFailed, cutoff.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to query terminal jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*model.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate jobs: %w", err)
	}

	return jobs, nil
}

// DeleteJob removes a job and its stage history
func (r *SQLiteRepository) DeleteJob(ctx context.Context, id string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM stage_results WHERE job_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete stage results: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// AppendStageResult records one stage attempt. Rows are append-only; the
// unique (job, stage, attempt) constraint rejects duplicated attempts.
func (r *SQLiteRepository) AppendStageResult(ctx context.Context, result *model.StageResult) error {
	result.CreatedAt = time.Now()

	fallback := 0
	if result.FallbackUsed {
		fallback = 1
	}

	query := `
		INSERT INTO stage_results
			(job_id, stage, attempt, status, artifact_path, input_digest,
			 fallback_used, retries, duration_ms, media_seconds, error_kind, error_message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.ExecContext(ctx, query,
		result.JobID,
		result.Stage,
		result.Attempt,
		result.Status,
		result.ArtifactPath,
		result.InputDigest,
		fallback,
		result.Retries,
		result.DurationMs,
		result.MediaSeconds,
		string(result.ErrorKind),
		result.ErrorMessage,
		result.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to append stage result: %w", err)
	}

	return nil
}

const stageResultColumns = `job_id, stage, attempt, status, artifact_path, input_digest,
	fallback_used, retries, duration_ms, media_seconds, error_kind, error_message, created_at`

func scanStageResult(row rowScanner) (*model.StageResult, error) {
	var (
		res       model.StageResult
		fallback  int
		errorKind string
		createdAt int64
	)
	err := row.Scan(
		&res.JobID,
		&res.Stage,
		&res.Attempt,
		&res.Status,
		&res.ArtifactPath,
		&res.InputDigest,
		&fallback,
		&res.Retries,
		&res.DurationMs,
		&res.MediaSeconds,
		&errorKind,
		&res.ErrorMessage,
		&createdAt,
	)
	if err != nil {
		return nil, err
	}
	res.FallbackUsed = fallback != 0
	res.ErrorKind = fault.Kind(errorKind)
	res.CreatedAt = time.Unix(createdAt, 0)
	return &res, nil
}

// ListStageResults returns the full attempt history of a job, oldest first.
func (r *SQLiteRepository) ListStageResults(ctx context.Context, jobID string) ([]*model.StageResult, error) {
	query := `
		SELECT ` + stageResultColumns + `
		FROM stage_results
		WHERE job_id = ?
		ORDER BY id ASC
	`

	rows, err := r.db.QueryContext(ctx, query, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to query stage results: %w", err)
	}
	defer rows.Close()

	var results []*model.StageResult
	for rows.Next() {
		res, err := scanStageResult(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan stage result: %w", err)
		}
		results = append(results, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate stage results: %w", err)
	}

	return results, nil
}

// LatestStageSuccess returns the newest succeeded attempt for the stage, or
// nil when it never succeeded.
func (r *SQLiteRepository) LatestStageSuccess(ctx context.Context, jobID string, stage model.Stage) (*model.StageResult, error) {
	query := `
		SELECT ` + stageResultColumns + `
		FROM stage_results
		WHERE job_id = ? AND stage = ? AND status = ?
		ORDER BY attempt DESC
		LIMIT 1
	`

	res, err := scanStageResult(r.db.QueryRowContext(ctx, query, jobID, stage, model.StageStatusSucceeded))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get stage result: %w", err)
	}

	return res, nil
}

func (r *SQLiteRepository) requireRow(ctx context.Context, res sql.Result, id string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected > 0 {
		return nil
	}
	if _, err := r.GetJobByID(ctx, id); errors.Is(err, ErrNotFound) {
		return ErrNotFound
	}
	return ErrStateConflict
}
