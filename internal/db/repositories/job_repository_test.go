package repositories

import (
	"context"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/ocr-gateway/ocr-gateway/internal/db/models"
)

var jobCols = []string{
	"content_key", "status", "source_filename", "input_ref", "result_ref", "markdown_path", "files",
	"page_count", "output_chars", "error_info", "attempts", "backend", "created_at", "updated_at",
	"started_at", "finished_at",
}

func newJobRepo(t *testing.T) (*JobRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewJobRepository(sqlx.NewDb(db, "sqlmock")), mock
}

func sampleJobRows(key string, status models.JobStatus) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(jobCols).AddRow(
		key, string(status), "doc.pdf", "input/"+key+"/doc.pdf", "output/"+key, "doc/auto/doc.md",
		`[{"name":"doc.md","path":"doc/auto/doc.md","size":12}]`,
		2, 12, "", 1, "pipeline", now, now, now, nil,
	)
}

// ---------------------------------------------------------------------------
// InsertIfAbsent
// ---------------------------------------------------------------------------

func TestInsertIfAbsent_Created(t *testing.T) {
	repo, mock := newJobRepo(t)
	mock.ExpectExec("INSERT INTO jobs .* ON CONFLICT \\(content_key\\) DO NOTHING").
		WithArgs("k1", models.JobStatusQueued, "doc.pdf", "input/k1/doc.pdf", sqlmock.AnyArg(), 4, 1, "", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	job := &models.Job{ContentKey: "k1", SourceFilename: "doc.pdf", InputRef: "input/k1/doc.pdf", PageCount: 4}
	created, err := repo.InsertIfAbsent(context.Background(), job)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !created {
		t.Error("created = false, want true")
	}
	if job.Status != models.JobStatusQueued || job.CreatedAt.IsZero() {
		t.Errorf("job = %+v", job)
	}
}

func TestInsertIfAbsent_Exists(t *testing.T) {
	repo, mock := newJobRepo(t)
	mock.ExpectExec("INSERT INTO jobs").WillReturnResult(sqlmock.NewResult(0, 0))

	created, err := repo.InsertIfAbsent(context.Background(), &models.Job{ContentKey: "k1"})
	if err != nil || created {
		t.Errorf("InsertIfAbsent() = %v, %v; want false, nil", created, err)
	}
}

func TestInsertIfAbsent_DBError(t *testing.T) {
	repo, mock := newJobRepo(t)
	mock.ExpectExec("INSERT INTO jobs").WillReturnError(errDB)

	if _, err := repo.InsertIfAbsent(context.Background(), &models.Job{ContentKey: "k1"}); !errors.Is(err, errDB) {
		t.Errorf("error = %v, want errDB", err)
	}
}

// ---------------------------------------------------------------------------
// Get / List
// ---------------------------------------------------------------------------

func TestGetJob_Found(t *testing.T) {
	repo, mock := newJobRepo(t)
	mock.ExpectQuery("SELECT .* FROM jobs WHERE content_key = \\$1").
		WithArgs("k1").
		WillReturnRows(sampleJobRows("k1", models.JobStatusSucceeded))

	job, err := repo.Get(context.Background(), "k1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if job == nil || job.Status != models.JobStatusSucceeded {
		t.Fatalf("Get() = %+v", job)
	}
	if len(job.Files) != 1 || job.Files[0].Name != "doc.md" {
		t.Errorf("Files = %+v", job.Files)
	}
	if job.StartedAt == nil || job.FinishedAt != nil {
		t.Errorf("StartedAt = %v, FinishedAt = %v", job.StartedAt, job.FinishedAt)
	}
}

func TestGetJob_NotFound(t *testing.T) {
	repo, mock := newJobRepo(t)
	mock.ExpectQuery("SELECT .* FROM jobs").WillReturnRows(sqlmock.NewRows(jobCols))

	job, err := repo.Get(context.Background(), "missing")
	if err != nil || job != nil {
		t.Errorf("Get() = %+v, %v; want nil, nil", job, err)
	}
}

func TestListJobs_InputFilter(t *testing.T) {
	repo, mock := newJobRepo(t)
	mock.ExpectQuery("SELECT .* FROM jobs WHERE status IN \\(\\$1, \\$2\\) ORDER BY created_at DESC").
		WithArgs(models.JobStatusQueued, models.JobStatusRunning).
		WillReturnRows(sampleJobRows("k1", models.JobStatusRunning))

	jobs, err := repo.List(context.Background(), models.JobFilterInput)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(jobs) != 1 || jobs[0].ContentKey != "k1" {
		t.Errorf("List() = %+v", jobs)
	}
}

func TestListJobs_Empty(t *testing.T) {
	repo, mock := newJobRepo(t)
	mock.ExpectQuery("SELECT .* FROM jobs WHERE status IN \\(\\$1, \\$2, \\$3, \\$4\\)").
		WillReturnRows(sqlmock.NewRows(jobCols))

	jobs, err := repo.List(context.Background(), models.JobFilterAll)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if jobs == nil || len(jobs) != 0 {
		t.Errorf("List() = %#v, want empty non-nil slice", jobs)
	}
}

// ---------------------------------------------------------------------------
// Transitions
// ---------------------------------------------------------------------------

func TestMarkRunning(t *testing.T) {
	repo, mock := newJobRepo(t)
	mock.ExpectExec("UPDATE jobs SET status = \\$1.* WHERE content_key = \\$5 AND status = \\$6").
		WithArgs(models.JobStatusRunning, "pipeline", sqlmock.AnyArg(), sqlmock.AnyArg(), "k1", models.JobStatusQueued).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := repo.MarkRunning(context.Background(), "k1", "pipeline")
	if err != nil || !ok {
		t.Errorf("MarkRunning() = %v, %v; want true, nil", ok, err)
	}
}

func TestMarkRunning_NotQueued(t *testing.T) {
	repo, mock := newJobRepo(t)
	mock.ExpectExec("UPDATE jobs").WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := repo.MarkRunning(context.Background(), "k1", "pipeline")
	if err != nil || ok {
		t.Errorf("MarkRunning() = %v, %v; want false, nil", ok, err)
	}
}

func TestMarkSucceeded(t *testing.T) {
	repo, mock := newJobRepo(t)
	mock.ExpectExec("UPDATE jobs SET status = \\$1, result_ref = \\$2").
		WithArgs(models.JobStatusSucceeded, "output/k1", "doc.md", sqlmock.AnyArg(), 4, int64(321), "",
			sqlmock.AnyArg(), sqlmock.AnyArg(), "k1", models.JobStatusRunning).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := repo.MarkSucceeded(context.Background(), "k1", JobResult{
		ResultRef: "output/k1", MarkdownPath: "doc.md", PageCount: 4, OutputChars: 321,
		Files: models.OutputFiles{{Name: "doc.md", Path: "doc.md", Size: 321}},
	})
	if err != nil || !ok {
		t.Errorf("MarkSucceeded() = %v, %v; want true, nil", ok, err)
	}
}

func TestMarkFailed(t *testing.T) {
	repo, mock := newJobRepo(t)
	mock.ExpectExec("UPDATE jobs SET status = \\$1, error_info = \\$2.* status IN \\(\\$6, \\$7\\)").
		WithArgs(models.JobStatusFailed, "boom", sqlmock.AnyArg(), sqlmock.AnyArg(), "k1", models.JobStatusQueued, models.JobStatusRunning).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := repo.MarkFailed(context.Background(), "k1", "boom")
	if err != nil || !ok {
		t.Errorf("MarkFailed() = %v, %v; want true, nil", ok, err)
	}
}

func TestRetry(t *testing.T) {
	repo, mock := newJobRepo(t)
	mock.ExpectExec("UPDATE jobs SET status = \\$1, attempts = attempts \\+ 1").
		WithArgs(models.JobStatusQueued, "", sqlmock.AnyArg(), "k1", models.JobStatusFailed).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := repo.Retry(context.Background(), "k1")
	if err != nil || !ok {
		t.Errorf("Retry() = %v, %v; want true, nil", ok, err)
	}
}

func TestTransition_DBError(t *testing.T) {
	repo, mock := newJobRepo(t)
	mock.ExpectExec("UPDATE jobs").WillReturnError(errDB)

	if _, err := repo.MarkFailed(context.Background(), "k1", "x"); !errors.Is(err, errDB) {
		t.Errorf("error = %v, want errDB", err)
	}
}

// ---------------------------------------------------------------------------
// SweepStale
// ---------------------------------------------------------------------------

func TestSweepStale(t *testing.T) {
	repo, mock := newJobRepo(t)
	cutoff := time.Now().Add(-time.Hour)

	mock.ExpectQuery("SELECT content_key FROM jobs\\s+WHERE \\(status = \\$1 AND started_at < \\$2\\) OR \\(status = \\$3 AND updated_at < \\$4\\)").
		WithArgs(models.JobStatusRunning, cutoff, models.JobStatusQueued, cutoff).
		WillReturnRows(sqlmock.NewRows([]string{"content_key"}).AddRow("k1").AddRow("k2"))
	mock.ExpectExec("UPDATE jobs SET status").
		WithArgs(models.JobStatusFailed, sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), "k1", models.JobStatusQueued, models.JobStatusRunning).
		WillReturnResult(sqlmock.NewResult(0, 1))
	// k2 completed between the select and the update.
	mock.ExpectExec("UPDATE jobs SET status").
		WithArgs(models.JobStatusFailed, sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), "k2", models.JobStatusQueued, models.JobStatusRunning).
		WillReturnResult(sqlmock.NewResult(0, 0))

	swept, err := repo.SweepStale(context.Background(), cutoff)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(swept) != 1 || swept[0] != "k1" {
		t.Errorf("SweepStale() = %v, want [k1]", swept)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestSweepStale_QueryError(t *testing.T) {
	repo, mock := newJobRepo(t)
	mock.ExpectQuery("SELECT content_key FROM jobs").WillReturnError(errDB)

	if _, err := repo.SweepStale(context.Background(), time.Now()); !errors.Is(err, errDB) {
		t.Errorf("error = %v, want errDB", err)
	}
}
