// Package jobcache is the content-addressed job cache and state machine.
//
// A job moves queued → running → succeeded|failed, and failed → queued only
// through an explicit Retry. The jobs table is the source of truth: creation
// is an insert-if-absent and every transition is an update guarded by the
// current state, so replicas sharing one database can never run the same
// content key twice. Within a process, a flight registry maps each owned key
// to a completion signal so co-located waiters block on a channel instead of
// polling the store.
package jobcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ocr-gateway/ocr-gateway/internal/db/models"
	"github.com/ocr-gateway/ocr-gateway/internal/db/repositories"
	"github.com/ocr-gateway/ocr-gateway/internal/notify"
	"github.com/ocr-gateway/ocr-gateway/internal/telemetry"
)

var (
	// ErrNotFound is returned when no job exists for a content key.
	ErrNotFound = errors.New("job not found")
	// ErrIllegalTransition is returned when a job is not in the state a
	// transition requires. Nothing is written.
	ErrIllegalTransition = errors.New("illegal job state transition")
	// ErrBusy is returned by Retry when the job is queued or running.
	ErrBusy = errors.New("job is queued or running")
)

// Store is the persistence the cache needs; *repositories.JobRepository implements it.
type Store interface {
	InsertIfAbsent(ctx context.Context, job *models.Job) (bool, error)
	Get(ctx context.Context, key string) (*models.Job, error)
	List(ctx context.Context, filter models.JobFilter) ([]models.Job, error)
	MarkRunning(ctx context.Context, key, backend string) (bool, error)
	MarkSucceeded(ctx context.Context, key string, result repositories.JobResult) (bool, error)
	MarkFailed(ctx context.Context, key, errorInfo string) (bool, error)
	Retry(ctx context.Context, key string) (bool, error)
}

// flight is an attempt owned by this process. done is closed exactly once,
// after job (the settled row, if it could be read) or err is set.
type flight struct {
	done     chan struct{}
	snapshot models.Job
	job      *models.Job
	err      error
}

// Cache coordinates job creation, transitions and waiting.
type Cache struct {
	store        Store
	notifier     notify.Notifier
	pollInterval time.Duration

	mu      sync.Mutex
	flights map[string]*flight
}

// New creates a Cache. pollInterval bounds how long a waiter on a job owned by
// another process sleeps between store reads when no notice arrives.
func New(store Store, notifier notify.Notifier, pollInterval time.Duration) *Cache {
	if notifier == nil {
		notifier = notify.NewLocal()
	}
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	return &Cache{
		store:        store,
		notifier:     notifier,
		pollInterval: pollInterval,
		flights:      make(map[string]*flight),
	}
}

// LookupOrCreate returns the job for seed.ContentKey, creating it queued if it
// does not exist. Exactly one concurrent caller per key sees created == true;
// that caller owns the attempt and must drive it to MarkSucceeded or
// MarkFailed, or call Release if it cannot.
func (c *Cache) LookupOrCreate(ctx context.Context, seed models.Job) (*models.Job, bool, error) {
	key := seed.ContentKey

	c.mu.Lock()
	if f, ok := c.flights[key]; ok {
		snap := cloneJob(&f.snapshot)
		c.mu.Unlock()
		return snap, false, nil
	}
	seed.Status = models.JobStatusQueued
	f := &flight{done: make(chan struct{}), snapshot: seed}
	c.flights[key] = f
	telemetry.JobsInFlight.Set(float64(len(c.flights)))
	c.mu.Unlock()

	job := seed
	created, err := c.store.InsertIfAbsent(ctx, &job)
	if err != nil {
		c.settle(key, f, nil, err)
		return nil, false, fmt.Errorf("failed to create job: %w", err)
	}
	if created {
		c.mu.Lock()
		f.snapshot = job
		c.mu.Unlock()
		return cloneJob(&job), true, nil
	}

	existing, err := c.store.Get(ctx, key)
	if err == nil && existing == nil {
		err = ErrNotFound
	}
	c.settle(key, f, existing, err)
	if err != nil {
		return nil, false, fmt.Errorf("failed to read existing job: %w", err)
	}
	return existing, false, nil
}

// MarkRunning moves an owned job from queued to running.
func (c *Cache) MarkRunning(ctx context.Context, key, backend string) error {
	ok, err := c.store.MarkRunning(ctx, key, backend)
	if err != nil {
		return fmt.Errorf("failed to mark job running: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s is not queued", ErrIllegalTransition, key)
	}

	c.mu.Lock()
	if f, ok := c.flights[key]; ok {
		f.snapshot.Status = models.JobStatusRunning
		f.snapshot.Backend = backend
	}
	c.mu.Unlock()
	return nil
}

// MarkSucceeded records the result of an owned running job and releases its
// waiters. Repeating the call with the same result ref is a no-op.
func (c *Cache) MarkSucceeded(ctx context.Context, key string, result repositories.JobResult) (*models.Job, error) {
	ok, err := c.store.MarkSucceeded(ctx, key, result)
	if err != nil {
		c.Release(key)
		return nil, fmt.Errorf("failed to mark job succeeded: %w", err)
	}

	job, getErr := c.store.Get(ctx, key)
	if getErr == nil && job == nil {
		getErr = ErrNotFound
	}

	if !ok {
		if getErr == nil && job.Status == models.JobStatusSucceeded && job.ResultRef == result.ResultRef {
			c.finish(key, job, nil)
			return job, nil
		}
		c.Release(key)
		return nil, fmt.Errorf("%w: %s is not running", ErrIllegalTransition, key)
	}

	c.finish(key, job, getErr)
	if getErr != nil {
		return nil, fmt.Errorf("failed to read succeeded job: %w", getErr)
	}
	return job, nil
}

// MarkFailed records an error on an owned queued or running job and releases
// its waiters.
func (c *Cache) MarkFailed(ctx context.Context, key, errorInfo string) (*models.Job, error) {
	ok, err := c.store.MarkFailed(ctx, key, errorInfo)
	if err != nil {
		c.Release(key)
		return nil, fmt.Errorf("failed to mark job failed: %w", err)
	}
	if !ok {
		c.Release(key)
		return nil, fmt.Errorf("%w: %s has already settled", ErrIllegalTransition, key)
	}

	job, getErr := c.store.Get(ctx, key)
	if getErr == nil && job == nil {
		getErr = ErrNotFound
	}
	c.finish(key, job, getErr)
	if getErr != nil {
		return nil, fmt.Errorf("failed to read failed job: %w", getErr)
	}
	return job, nil
}

// Retry re-queues a failed job. On success the caller owns the new attempt,
// exactly as if LookupOrCreate had returned created == true.
func (c *Cache) Retry(ctx context.Context, key string) (*models.Job, error) {
	c.mu.Lock()
	if _, ok := c.flights[key]; ok {
		c.mu.Unlock()
		return nil, ErrBusy
	}
	f := &flight{done: make(chan struct{}), snapshot: models.Job{ContentKey: key, Status: models.JobStatusQueued}}
	c.flights[key] = f
	telemetry.JobsInFlight.Set(float64(len(c.flights)))
	c.mu.Unlock()

	ok, err := c.store.Retry(ctx, key)
	if err != nil {
		c.settle(key, f, nil, err)
		return nil, fmt.Errorf("failed to retry job: %w", err)
	}

	job, getErr := c.store.Get(ctx, key)
	if !ok {
		c.settle(key, f, job, getErr)
		switch {
		case getErr != nil:
			return nil, fmt.Errorf("failed to read job: %w", getErr)
		case job == nil:
			return nil, ErrNotFound
		case job.Status.IsPending():
			return nil, ErrBusy
		default:
			return nil, fmt.Errorf("%w: %s is %s", ErrIllegalTransition, key, job.Status)
		}
	}
	if getErr != nil || job == nil {
		// The row is queued and owned by us; keep the flight so the caller can
		// still drive it, but report the read failure.
		if getErr == nil {
			getErr = ErrNotFound
		}
		return nil, fmt.Errorf("failed to read retried job: %w", getErr)
	}

	c.mu.Lock()
	f.snapshot = *cloneJob(job)
	c.mu.Unlock()
	return job, nil
}

// Release abandons this process's flight for key without a result. Waiters
// fall back to reading the store. It is safe to call after the flight has
// already settled.
func (c *Cache) Release(key string) {
	c.mu.Lock()
	f, ok := c.flights[key]
	c.mu.Unlock()
	if ok {
		c.settle(key, f, nil, nil)
	}
}

// Get returns the job for key or ErrNotFound.
func (c *Cache) Get(ctx context.Context, key string) (*models.Job, error) {
	job, err := c.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, ErrNotFound
	}
	return job, nil
}

// List returns jobs matching filter.
func (c *Cache) List(ctx context.Context, filter models.JobFilter) ([]models.Job, error) {
	return c.store.List(ctx, filter)
}

// InFlight reports whether this process owns an attempt for key.
func (c *Cache) InFlight(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.flights[key]
	return ok
}

// Wait blocks until the job for key is terminal or ctx ends. It never starts
// a conversion. Jobs owned by this process are awaited on their flight; jobs
// owned elsewhere are re-read on every notice and every poll interval.
func (c *Cache) Wait(ctx context.Context, key string) (*models.Job, error) {
	var (
		notices    <-chan notify.Notice
		subscribed bool
	)

	for {
		c.mu.Lock()
		f := c.flights[key]
		c.mu.Unlock()

		if f != nil {
			select {
			case <-f.done:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			if f.err == nil && f.job != nil && f.job.Status.IsTerminal() {
				return cloneJob(f.job), nil
			}
		}

		job, err := c.store.Get(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("failed to read job: %w", err)
		}
		if job == nil {
			return nil, ErrNotFound
		}
		if job.Status.IsTerminal() {
			return job, nil
		}
		if c.InFlight(key) {
			continue
		}

		if !subscribed {
			subscribed = true
			ch, cancel, err := c.notifier.Subscribe(ctx, key)
			if err != nil {
				slog.Warn("job notice subscription failed; polling only", "content_key", key, "error", err)
			} else {
				defer cancel()
				notices = ch
			}
			// Re-read once subscribed so a notice sent in between is not lost.
			continue
		}

		timer := time.NewTimer(c.pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case _, ok := <-notices:
			if !ok {
				notices = nil
			}
		case <-timer.C:
		}
		timer.Stop()
	}
}

// finish settles the flight with the terminal job and tells other replicas.
func (c *Cache) finish(key string, job *models.Job, err error) {
	c.mu.Lock()
	f, ok := c.flights[key]
	c.mu.Unlock()
	if ok {
		c.settle(key, f, job, err)
	}

	if job != nil && job.Status.IsTerminal() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.notifier.Publish(ctx, key, job.Status); err != nil {
			slog.Warn("failed to publish job notice", "content_key", key, "error", err)
		}
	}
}

// settle closes f and removes it from the registry if it is still the
// registered flight for key.
func (c *Cache) settle(key string, f *flight, job *models.Job, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-f.done:
		return
	default:
	}
	if job != nil {
		f.job = cloneJob(job)
	}
	f.err = err
	close(f.done)

	if c.flights[key] == f {
		delete(c.flights, key)
	}
	telemetry.JobsInFlight.Set(float64(len(c.flights)))
}

func cloneJob(j *models.Job) *models.Job {
	if j == nil {
		return nil
	}
	cp := *j
	if j.Files != nil {
		cp.Files = append(models.OutputFiles(nil), j.Files...)
	}
	return &cp
}
