// Package notify carries job completion notices between gateway replicas so
// that a request waiting on a job owned by another process wakes as soon as
// that job settles instead of on its next poll.
package notify

import (
	"context"
	"time"

	"github.com/ocr-gateway/ocr-gateway/internal/db/models"
)

// Notice announces that a job reached a terminal state.
type Notice struct {
	ContentKey string           `json:"content_key"`
	Status     models.JobStatus `json:"status"`
	Time       time.Time        `json:"time"`
}

// Notifier publishes and receives completion notices.
type Notifier interface {
	// Publish announces a job's terminal state to every replica.
	Publish(ctx context.Context, key string, status models.JobStatus) error
	// Subscribe returns a channel that receives notices for key until the
	// returned cancel func is called or ctx ends.
	Subscribe(ctx context.Context, key string) (<-chan Notice, func(), error)
	Close() error
}

// Local is the single-replica Notifier. In-process waiters are woken by the
// job cache directly, so there is nothing to publish and nothing ever arrives.
type Local struct{}

// NewLocal returns a no-op Notifier.
func NewLocal() *Local { return &Local{} }

func (*Local) Publish(context.Context, string, models.JobStatus) error { return nil }

func (*Local) Subscribe(context.Context, string) (<-chan Notice, func(), error) {
	return nil, func() {}, nil
}

func (*Local) Close() error { return nil }
