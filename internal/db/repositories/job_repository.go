// job_repository.go implements JobRepository over the jobs table. Every state
// transition is a single guarded UPDATE so that concurrent writers, in this
// process or another replica, can never move a job out of a state it has
// already left.
package repositories

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/ocr-gateway/ocr-gateway/internal/db/models"
)

// JobRepository handles conversion job database operations
type JobRepository struct {
	db *sqlx.DB
}

// NewJobRepository creates a new JobRepository
func NewJobRepository(db *sqlx.DB) *JobRepository {
	return &JobRepository{db: db}
}

// JobResult is what a successful conversion writes back to its job.
type JobResult struct {
	ResultRef    string
	MarkdownPath string
	Files        models.OutputFiles
	PageCount    int
	OutputChars  int64
}

const jobColumns = `content_key, status, source_filename, input_ref, result_ref, markdown_path, files,
	page_count, output_chars, error_info, attempts, backend, created_at, updated_at, started_at, finished_at`

// InsertIfAbsent creates job in the queued state unless a row for its content
// key already exists. It reports whether this call created the row.
func (r *JobRepository) InsertIfAbsent(ctx context.Context, job *models.Job) (bool, error) {
	now := time.Now().UTC()
	job.Status = models.JobStatusQueued
	job.Attempts = 1
	job.CreatedAt = now
	job.UpdatedAt = now

	query := `
		INSERT INTO jobs (content_key, status, source_filename, input_ref, files, page_count, attempts, backend, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (content_key) DO NOTHING
	`
	res, err := r.db.ExecContext(ctx, query,
		job.ContentKey,
		job.Status,
		job.SourceFilename,
		job.InputRef,
		job.Files,
		job.PageCount,
		job.Attempts,
		job.Backend,
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Get returns the job for key, or nil if there is none.
func (r *JobRepository) Get(ctx context.Context, key string) (*models.Job, error) {
	var job models.Job
	err := r.db.GetContext(ctx, &job, `SELECT `+jobColumns+` FROM jobs WHERE content_key = $1`, key)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// List returns the jobs matching filter, newest first.
func (r *JobRepository) List(ctx context.Context, filter models.JobFilter) ([]models.Job, error) {
	statuses := filter.Statuses()
	placeholders := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, s := range statuses {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = s
	}

	query := `SELECT ` + jobColumns + ` FROM jobs WHERE status IN (` +
		strings.Join(placeholders, ", ") + `) ORDER BY created_at DESC, content_key`

	jobs := []models.Job{}
	if err := r.db.SelectContext(ctx, &jobs, query, args...); err != nil {
		return nil, err
	}
	return jobs, nil
}

// MarkRunning moves a queued job to running. It reports false when the job
// was not queued.
func (r *JobRepository) MarkRunning(ctx context.Context, key, backend string) (bool, error) {
	now := time.Now().UTC()
	query := `
		UPDATE jobs SET status = $1, backend = $2, started_at = $3, updated_at = $4
		WHERE content_key = $5 AND status = $6
	`
	return r.exec(ctx, query,
		models.JobStatusRunning, backend, now, now, key, models.JobStatusQueued)
}

// MarkSucceeded records a result on a running job. It reports false when the
// job was not running.
func (r *JobRepository) MarkSucceeded(ctx context.Context, key string, result JobResult) (bool, error) {
	now := time.Now().UTC()
	query := `
		UPDATE jobs SET status = $1, result_ref = $2, markdown_path = $3, files = $4,
			page_count = $5, output_chars = $6, error_info = $7, finished_at = $8, updated_at = $9
		WHERE content_key = $10 AND status = $11
	`
	return r.exec(ctx, query,
		models.JobStatusSucceeded,
		result.ResultRef,
		result.MarkdownPath,
		result.Files,
		result.PageCount,
		result.OutputChars,
		"",
		now,
		now,
		key,
		models.JobStatusRunning,
	)
}

// MarkFailed records an error on a queued or running job. A queued job fails
// without ever reaching the engine, for example when its input cannot be
// staged. It reports false when the job had already settled.
func (r *JobRepository) MarkFailed(ctx context.Context, key, errorInfo string) (bool, error) {
	now := time.Now().UTC()
	query := `
		UPDATE jobs SET status = $1, error_info = $2, finished_at = $3, updated_at = $4
		WHERE content_key = $5 AND status IN ($6, $7)
	`
	return r.exec(ctx, query,
		models.JobStatusFailed, errorInfo, now, now, key, models.JobStatusQueued, models.JobStatusRunning)
}

// Retry re-queues a failed job as a new attempt. It reports false when the job
// was not failed.
func (r *JobRepository) Retry(ctx context.Context, key string) (bool, error) {
	now := time.Now().UTC()
	query := `
		UPDATE jobs SET status = $1, attempts = attempts + 1, error_info = $2,
			started_at = NULL, finished_at = NULL, updated_at = $3
		WHERE content_key = $4 AND status = $5
	`
	return r.exec(ctx, query,
		models.JobStatusQueued, "", now, key, models.JobStatusFailed)
}

// SweepStale fails running jobs that started before cutoff, and queued jobs
// untouched since cutoff, and returns the keys it moved. Each row is moved by
// its own guarded update, so a job that completes concurrently is left alone.
func (r *JobRepository) SweepStale(ctx context.Context, cutoff time.Time) ([]string, error) {
	var keys []string
	err := r.db.SelectContext(ctx, &keys, `
		SELECT content_key FROM jobs
		WHERE (status = $1 AND started_at < $2) OR (status = $3 AND updated_at < $4)
		ORDER BY updated_at`,
		models.JobStatusRunning, cutoff, models.JobStatusQueued, cutoff)
	if err != nil {
		return nil, err
	}

	reason := fmt.Sprintf("conversion abandoned: no completion before %s", cutoff.UTC().Format(time.RFC3339))
	var swept []string
	for _, key := range keys {
		ok, err := r.MarkFailed(ctx, key, reason)
		if err != nil {
			return swept, err
		}
		if ok {
			swept = append(swept, key)
		}
	}
	return swept, nil
}

func (r *JobRepository) exec(ctx context.Context, query string, args ...any) (bool, error) {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
