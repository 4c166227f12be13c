// stale_job_sweeper.go implements the StaleJobSweeper background job. A job
// is owned by the process that created it; if that process dies mid-attempt
// the row stays queued or running forever and every later request for the
// same content would wait on it. The sweeper fails such rows once they are
// older than the staleness window, which makes them eligible for an explicit
// retry, and publishes a completion notice so waiters on any replica wake up.
package jobs

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/ocr-gateway/ocr-gateway/internal/config"
	"github.com/ocr-gateway/ocr-gateway/internal/db/models"
	"github.com/ocr-gateway/ocr-gateway/internal/notify"
	"github.com/ocr-gateway/ocr-gateway/internal/telemetry"
)

// StaleJobStore fails orphaned jobs; *repositories.JobRepository implements it.
type StaleJobStore interface {
	SweepStale(ctx context.Context, cutoff time.Time) ([]string, error)
}

// StaleJobSweeper periodically fails jobs whose owner disappeared.
type StaleJobSweeper struct {
	store      StaleJobStore
	notifier   notify.Notifier
	interval   time.Duration
	staleAfter time.Duration
	now        func() time.Time

	stopChan chan struct{}
	stopOnce sync.Once
}

// NewStaleJobSweeper creates a sweeper. A job is stale once it has been
// running, or queued untouched, for longer than cfg.StaleAfter, which
// defaults to the engine timeout plus five minutes.
func NewStaleJobSweeper(store StaleJobStore, notifier notify.Notifier, cfg *config.JobsConfig, engineTimeout time.Duration) *StaleJobSweeper {
	interval := cfg.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	staleAfter := cfg.StaleAfter
	if staleAfter <= 0 {
		if engineTimeout <= 0 {
			engineTimeout = 30 * time.Minute
		}
		staleAfter = engineTimeout + 5*time.Minute
	}
	if notifier == nil {
		notifier = notify.NewLocal()
	}
	return &StaleJobSweeper{
		store:      store,
		notifier:   notifier,
		interval:   interval,
		staleAfter: staleAfter,
		now:        time.Now,
		stopChan:   make(chan struct{}),
	}
}

// Start runs a sweep immediately and then on every interval until ctx is
// cancelled or Stop is called.
func (s *StaleJobSweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	log.Printf("Stale job sweeper started (interval: %v, stale after: %v)", s.interval, s.staleAfter)
	s.Sweep(ctx)

	for {
		select {
		case <-ticker.C:
			s.Sweep(ctx)
		case <-s.stopChan:
			log.Println("Stale job sweeper stopped")
			return
		case <-ctx.Done():
			log.Println("Stale job sweeper context cancelled")
			return
		}
	}
}

// Stop signals the loop to exit. It may be called more than once.
func (s *StaleJobSweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
}

// Sweep fails every stale job once and returns how many it moved.
func (s *StaleJobSweeper) Sweep(ctx context.Context) int {
	cutoff := s.now().Add(-s.staleAfter)
	keys, err := s.store.SweepStale(ctx, cutoff)
	// Keys swept before an error were still moved; announce them.
	for _, key := range keys {
		if perr := s.notifier.Publish(ctx, key, models.JobStatusFailed); perr != nil {
			log.Printf("Stale job sweeper: failed to publish notice for %s: %v", key, perr)
		}
	}
	telemetry.StaleJobsSweptTotal.Add(float64(len(keys)))

	if err != nil {
		log.Printf("Stale job sweeper: sweep failed after %d job(s): %v", len(keys), err)
		return len(keys)
	}
	if len(keys) > 0 {
		log.Printf("Stale job sweeper: failed %d orphaned job(s) older than %s", len(keys), cutoff.Format(time.RFC3339))
	}
	return len(keys)
}
