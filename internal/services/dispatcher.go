// Package services implements the conversion dispatcher, the orchestration
// that turns a received document into a resolved job.
//
// A request is addressed by the SHA-256 of its bytes. The first request for a
// content key owns the conversion: it stages the input, runs the engine,
// persists the output and settles the job. Every other request for the same
// key either reads the settled job (a cache hit) or waits for the owner. Each
// resolved request appends exactly one usage row.
package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/ocr-gateway/ocr-gateway/internal/auth"
	"github.com/ocr-gateway/ocr-gateway/internal/db/models"
	"github.com/ocr-gateway/ocr-gateway/internal/db/repositories"
	"github.com/ocr-gateway/ocr-gateway/internal/engine"
	"github.com/ocr-gateway/ocr-gateway/internal/intake"
	"github.com/ocr-gateway/ocr-gateway/internal/jobcache"
	"github.com/ocr-gateway/ocr-gateway/internal/safego"
	"github.com/ocr-gateway/ocr-gateway/internal/storage"
	"github.com/ocr-gateway/ocr-gateway/internal/telemetry"
	"github.com/ocr-gateway/ocr-gateway/pkg/checksum"
)

// Endpoint names recorded in usage rows.
const (
	EndpointMineru     = "/mineru"
	EndpointFileMineru = "/file_mineru"
	EndpointRetry      = "/retry"
)

// UsageRecorder appends usage rows; *repositories.UsageLogRepository implements it.
type UsageRecorder interface {
	InsertUsage(ctx context.Context, entry *models.UsageLog) error
}

// Caller is who a request is performed for.
type Caller struct {
	Principal auth.Principal
	IP        string
	// Authorization is the raw header, forwarded by the remote engine.
	Authorization string
}

// Request is one conversion request.
type Request struct {
	Source   *intake.Source
	Options  engine.Options
	Caller   Caller
	Endpoint string
}

// Result is a resolved request. Job is always terminal.
type Result struct {
	Job    *models.Job
	Cached bool
	// Filename is the name the document was submitted under, which may
	// differ from the job's source filename on a cache hit.
	Filename string
}

// Dispatcher resolves conversion requests against the job cache.
type Dispatcher struct {
	cache     *jobcache.Cache
	workspace *storage.Workspace
	converter engine.Converter
	usage     UsageRecorder
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(cache *jobcache.Cache, workspace *storage.Workspace, converter engine.Converter, usage UsageRecorder) *Dispatcher {
	return &Dispatcher{
		cache:     cache,
		workspace: workspace,
		converter: converter,
		usage:     usage,
	}
}

// Dispatch resolves req to a terminal job. Invalid input fails before a job
// exists and writes no usage row. A failed job is returned together with an
// *Error describing the failure.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (*Result, error) {
	src := req.Source
	if src == nil {
		return nil, newError(KindInput, intake.ErrNoFile)
	}
	if err := intake.Validate(src.Data); err != nil {
		return nil, newError(KindInput, err)
	}
	if err := req.Options.Validate(); err != nil {
		return nil, newError(KindInput, err)
	}

	key := checksum.ContentKey(src.Data)
	log := slog.With("content_key", key, "filename", src.Filename)

	pages, err := intake.PageCount(src.Data)
	if err != nil {
		log.Debug("page count unavailable", "error", err)
	}

	entry := &models.UsageLog{
		ContentKey: key,
		Endpoint:   req.Endpoint,
		Filename:   src.Filename,
		PageCount:  pages,
	}
	setCaller(entry, req.Caller)

	job, created, err := d.cache.LookupOrCreate(ctx, models.Job{
		ContentKey:     key,
		SourceFilename: src.Filename,
		InputRef:       storage.InputPath(key, src.Filename),
		PageCount:      pages,
		Backend:        req.Options.Backend,
	})
	if err != nil {
		e := newError(KindStore, err)
		d.record(ctx, entry, nil, false, e)
		return nil, e
	}

	if created {
		log.Info("conversion started", "backend", req.Options.Backend, "engine", d.converter.Name())
		return d.own(ctx, job, src.Data, src.Filename, req, entry)
	}

	if !job.Status.IsTerminal() {
		log.Debug("waiting for conversion in progress", "status", job.Status)
		job, err = d.cache.Wait(ctx, key)
		if err != nil {
			e := Classify(err)
			if ctx.Err() != nil {
				e = newError(KindCancelled, fmt.Errorf("request cancelled before the conversion finished: %w", err))
			}
			d.record(ctx, entry, nil, true, e)
			return nil, e
		}
	}

	telemetry.CacheHitsTotal.WithLabelValues(string(job.Status)).Inc()
	res := &Result{Job: job, Cached: true, Filename: src.Filename}
	failure := jobFailure(job)
	d.record(ctx, entry, job, true, failure)
	if failure != nil {
		return res, failure
	}
	return res, nil
}

// Retry re-runs a failed job from its staged input. The caller becomes the
// owner of the new attempt.
func (d *Dispatcher) Retry(ctx context.Context, key string, opts engine.Options, caller Caller) (*Result, error) {
	if !checksum.IsContentKey(key) {
		return nil, newError(KindInput, fmt.Errorf("invalid content key %q", key))
	}
	if err := opts.Validate(); err != nil {
		return nil, newError(KindInput, err)
	}

	job, err := d.cache.Retry(ctx, key)
	if err != nil {
		e := Classify(err)
		if e.Kind == KindStore {
			d.cache.Release(key)
		}
		return nil, e
	}
	log := slog.With("content_key", key, "attempt", job.Attempts)
	log.Info("retrying conversion", "backend", opts.Backend)

	entry := &models.UsageLog{
		ContentKey: key,
		Endpoint:   EndpointRetry,
		Filename:   job.SourceFilename,
		PageCount:  job.PageCount,
	}
	setCaller(entry, caller)

	data, err := d.workspace.ReadInput(ctx, job.InputRef)
	if err != nil {
		e := newError(KindStore, fmt.Errorf("staged input unavailable: %w", err))
		failed, markErr := d.cache.MarkFailed(context.WithoutCancel(ctx), key, e.Error())
		if markErr != nil {
			log.Error("failed to mark retried job failed", "error", markErr)
		}
		d.record(ctx, entry, failed, false, e)
		return nil, e
	}
	// Rows created by older builds carry no page count.
	if job.PageCount == 0 {
		if pages, err := intake.PageCount(data); err == nil {
			job.PageCount = pages
			entry.PageCount = pages
		}
	}

	req := Request{
		Source:   &intake.Source{Data: data, Filename: job.SourceFilename},
		Options:  opts,
		Caller:   caller,
		Endpoint: EndpointRetry,
	}
	return d.own(ctx, job, data, job.SourceFilename, req, entry)
}

// Status returns the job for key.
func (d *Dispatcher) Status(ctx context.Context, key string) (*models.Job, error) {
	if !checksum.IsContentKey(key) {
		return nil, newError(KindInput, fmt.Errorf("invalid content key %q", key))
	}
	job, err := d.cache.Get(ctx, key)
	if err != nil {
		return nil, Classify(err)
	}
	return job, nil
}

// List returns jobs matching filter, newest first.
func (d *Dispatcher) List(ctx context.Context, filter models.JobFilter) ([]models.Job, error) {
	jobs, err := d.cache.List(ctx, filter)
	if err != nil {
		return nil, newError(KindStore, err)
	}
	return jobs, nil
}

// Markdown reads the job's main markdown, preferring the one named after
// filename. A job without markdown yields an empty file and content.
func (d *Dispatcher) Markdown(ctx context.Context, job *models.Job, filename string) (models.OutputFile, string, error) {
	md, ok := engine.PickMarkdown(job.Files, filename)
	if !ok {
		return models.OutputFile{}, "", nil
	}
	data, err := d.workspace.ReadOutput(ctx, job.ContentKey, md.Path)
	if err != nil {
		return md, "", newError(KindStore, err)
	}
	return md, string(data), nil
}

// Workspace returns the storage layout the dispatcher writes to.
func (d *Dispatcher) Workspace() *storage.Workspace {
	return d.workspace
}

type outcome struct {
	job *models.Job
	err *Error
}

// own drives an attempt this caller owns. The attempt runs detached from ctx
// so that a client disconnect does not abandon a conversion other callers are
// waiting on; only this caller's response is cancelled.
func (d *Dispatcher) own(ctx context.Context, job *models.Job, data []byte, filename string, req Request, entry *models.UsageLog) (*Result, error) {
	key := job.ContentKey
	runCtx := context.WithoutCancel(ctx)
	done := make(chan outcome, 1)

	safego.Go("conversion "+key, func() {
		o := outcome{err: newError(KindEngine, errors.New("conversion aborted"))}
		defer func() {
			d.cache.Release(key)
			done <- o
		}()
		o.job, o.err = d.run(runCtx, job, data, filename, req)
		d.record(runCtx, entry, o.job, false, o.err)
	})

	select {
	case o := <-done:
		res := &Result{Job: o.job, Filename: filename}
		if o.err != nil {
			if o.job == nil {
				return nil, o.err
			}
			return res, o.err
		}
		return res, nil
	case <-ctx.Done():
		return nil, newError(KindCancelled, fmt.Errorf("request cancelled; conversion of %s continues: %w", key, ctx.Err()))
	}
}

// run executes one owned attempt and settles the job.
func (d *Dispatcher) run(ctx context.Context, job *models.Job, data []byte, filename string, req Request) (*models.Job, *Error) {
	key := job.ContentKey
	log := slog.With("content_key", key)

	if err := d.cache.MarkRunning(ctx, key, req.Options.Backend); err != nil {
		if errors.Is(err, jobcache.ErrIllegalTransition) {
			return nil, Classify(err)
		}
		// Fail from Queued so the row does not wait for an owner that is gone.
		return d.fail(ctx, key, newError(KindStore, fmt.Errorf("%s job state: %w", persistFailurePrefix, err)))
	}

	inputRef, err := d.workspace.StageInput(ctx, key, job.SourceFilename, data)
	if err != nil {
		return d.fail(ctx, key, newError(KindStore, fmt.Errorf("%s input: %w", persistFailurePrefix, err)))
	}

	inputPath, cleanup, err := d.localInput(inputRef, data)
	if err != nil {
		return d.fail(ctx, key, newError(KindStore, fmt.Errorf("%s input: %w", persistFailurePrefix, err)))
	}
	defer cleanup()

	name := d.converter.Name()
	start := time.Now()
	doc, err := d.converter.Convert(ctx, engine.Task{
		InputPath: inputPath,
		Filename:  filename,
		Options:   req.Options,
		Caller:    engine.Caller{IP: req.Caller.IP, Authorization: req.Caller.Authorization},
	})
	telemetry.ConversionDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	if err != nil {
		e := Classify(err)
		if e.Kind != KindTimeout {
			e = newError(KindEngine, err)
		}
		telemetry.ConversionsTotal.WithLabelValues(name, outcomeLabel(e)).Inc()
		log.Warn("conversion failed", "error", err, "duration", time.Since(start))
		return d.fail(ctx, key, e)
	}
	defer func() {
		if err := doc.Cleanup(); err != nil {
			log.Warn("failed to remove engine output directory", "dir", doc.Dir, "error", err)
		}
	}()

	if err := d.workspace.SaveOutput(ctx, key, doc.Dir, doc.Files); err != nil {
		telemetry.ConversionsTotal.WithLabelValues(name, "failed").Inc()
		return d.fail(ctx, key, newError(KindStore, fmt.Errorf("%s output: %w", persistFailurePrefix, err)))
	}

	settled, err := d.cache.MarkSucceeded(ctx, key, repositories.JobResult{
		ResultRef:    storage.OutputDir(key),
		MarkdownPath: doc.Markdown.Path,
		Files:        doc.Files,
		PageCount:    job.PageCount,
		OutputChars:  doc.OutputChars(),
	})
	if err != nil {
		telemetry.ConversionsTotal.WithLabelValues(name, "failed").Inc()
		return d.fail(ctx, key, newError(KindStore, fmt.Errorf("%s result: %w", persistFailurePrefix, err)))
	}
	telemetry.ConversionsTotal.WithLabelValues(name, "succeeded").Inc()
	log.Info("conversion succeeded",
		"files", len(doc.Files),
		"output_chars", settled.OutputChars,
		"duration", time.Since(start))
	return settled, nil
}

// fail settles the job as failed with cause's message.
func (d *Dispatcher) fail(ctx context.Context, key string, cause *Error) (*models.Job, *Error) {
	job, err := d.cache.MarkFailed(ctx, key, cause.Error())
	if err != nil {
		slog.Error("failed to record job failure", "content_key", key, "cause", cause, "error", err)
		return nil, cause
	}
	return job, cause
}

// localInput returns a local file holding the staged input. Backends with a
// filesystem path are used in place; otherwise the bytes go to a temp file.
func (d *Dispatcher) localInput(inputRef string, data []byte) (string, func(), error) {
	if lf, ok := d.workspace.Storage().(storage.LocalFiler); ok {
		p, err := lf.LocalPath(inputRef)
		if err == nil {
			return p, func() {}, nil
		}
	}

	f, err := os.CreateTemp("", "ocr-input-*.pdf")
	if err != nil {
		return "", nil, err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", nil, err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", nil, err
	}
	return f.Name(), func() { os.Remove(f.Name()) }, nil
}

// record appends the request's usage row. A write failure is logged and
// counted; it never fails the request.
func (d *Dispatcher) record(ctx context.Context, entry *models.UsageLog, job *models.Job, cached bool, failure *Error) {
	entry.IsCached = cached
	entry.Success = failure == nil
	if job != nil {
		if job.PageCount > 0 {
			entry.PageCount = job.PageCount
		}
		entry.OutputChars = job.OutputChars
	}
	if failure != nil {
		msg := failure.Error()
		entry.ErrorMessage = &msg
	}

	if err := d.usage.InsertUsage(context.WithoutCancel(ctx), entry); err != nil {
		telemetry.UsageLogWriteErrorsTotal.Inc()
		slog.Error("failed to write usage log", "content_key", entry.ContentKey, "endpoint", entry.Endpoint, "error", err)
	}
}

// jobFailure describes a failed job as an *Error, or returns nil.
func jobFailure(job *models.Job) *Error {
	if job.Status != models.JobStatusFailed {
		return nil
	}
	return newError(failureKind(job.ErrorInfo), errors.New(job.ErrorInfo))
}

func setCaller(entry *models.UsageLog, caller Caller) {
	entry.IPAddress = caller.IP
	if tok := caller.Principal.Token(); tok != "" {
		entry.APIKey = &tok
	}
	if uid := caller.Principal.UserID(); uid != "" {
		entry.UserID = &uid
	}
}

func outcomeLabel(e *Error) string {
	if e.Kind == KindTimeout {
		return "timeout"
	}
	return "failed"
}
