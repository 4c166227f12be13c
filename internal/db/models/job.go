package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// JobStatus is the lifecycle state of a conversion job.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
)

// IsTerminal reports whether no further transition happens without a retry.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusSucceeded || s == JobStatusFailed
}

// IsPending reports whether the job is still waiting for or undergoing conversion.
func (s JobStatus) IsPending() bool {
	return s == JobStatusQueued || s == JobStatusRunning
}

// OutputFile is one artifact produced by a conversion, relative to the job's
// output directory.
type OutputFile struct {
	Name string `json:"name"`
	Path string `json:"path"`
	Size int64  `json:"size"`
}

// OutputFiles is stored as a JSON array in the jobs.files column.
type OutputFiles []OutputFile

// Value implements driver.Valuer
func (f OutputFiles) Value() (driver.Value, error) {
	if f == nil {
		return "[]", nil
	}
	b, err := json.Marshal(f)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner
func (f *OutputFiles) Scan(src any) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		*f = nil
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into OutputFiles", src)
	}
	if len(data) == 0 {
		*f = nil
		return nil
	}
	return json.Unmarshal(data, f)
}

// Job tracks the conversion of one distinct document, keyed by the SHA-256 of
// its bytes.
type Job struct {
	ContentKey     string      `db:"content_key" json:"content_key"`
	Status         JobStatus   `db:"status" json:"status"`
	SourceFilename string      `db:"source_filename" json:"source_filename,omitempty"`
	InputRef       string      `db:"input_ref" json:"input_ref,omitempty"`
	ResultRef      string      `db:"result_ref" json:"result_ref,omitempty"`
	MarkdownPath   string      `db:"markdown_path" json:"markdown_path,omitempty"`
	Files          OutputFiles `db:"files" json:"files,omitempty"`
	PageCount      int         `db:"page_count" json:"page_count"`
	OutputChars    int64       `db:"output_chars" json:"output_chars"`
	ErrorInfo      string      `db:"error_info" json:"error,omitempty"`
	Attempts       int         `db:"attempts" json:"attempts"`
	Backend        string      `db:"backend" json:"backend,omitempty"`
	CreatedAt      time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time   `db:"updated_at" json:"updated_at"`
	StartedAt      *time.Time  `db:"started_at" json:"started_at,omitempty"`
	FinishedAt     *time.Time  `db:"finished_at" json:"finished_at,omitempty"`
}

// JobFilter selects jobs for listing.
type JobFilter string

const (
	JobFilterAll    JobFilter = "all"
	JobFilterInput  JobFilter = "input"  // queued or running
	JobFilterOutput JobFilter = "output" // succeeded or failed
)

// ParseJobFilter maps the list endpoint's type parameter to a filter.
// An empty value selects all jobs.
func ParseJobFilter(s string) (JobFilter, error) {
	switch JobFilter(s) {
	case "", JobFilterAll:
		return JobFilterAll, nil
	case JobFilterInput, JobFilterOutput:
		return JobFilter(s), nil
	}
	return "", fmt.Errorf("invalid list type %q: must be all, input or output", s)
}

// Statuses returns the job states the filter matches.
func (f JobFilter) Statuses() []JobStatus {
	switch f {
	case JobFilterInput:
		return []JobStatus{JobStatusQueued, JobStatusRunning}
	case JobFilterOutput:
		return []JobStatus{JobStatusSucceeded, JobStatusFailed}
	}
	return []JobStatus{JobStatusQueued, JobStatusRunning, JobStatusSucceeded, JobStatusFailed}
}
