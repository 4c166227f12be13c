package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ocr-gateway/ocr-gateway/internal/db/models"
)

// Redis publishes notices on "<prefix>:<content key>" channels.
type Redis struct {
	client  redis.UniversalClient
	prefix  string
	closeCh chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	closed  bool
}

// NewRedis creates a Redis-backed Notifier. The client is owned by the caller.
func NewRedis(client redis.UniversalClient, prefix string) (*Redis, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}
	if prefix == "" {
		prefix = "ocr:jobs"
	}
	return &Redis{client: client, prefix: prefix, closeCh: make(chan struct{})}, nil
}

func (n *Redis) channel(key string) string {
	return n.prefix + ":" + key
}

// Publish sends a notice for key.
func (n *Redis) Publish(ctx context.Context, key string, status models.JobStatus) error {
	payload, err := json.Marshal(Notice{ContentKey: key, Status: status, Time: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("failed to marshal notice: %w", err)
	}
	if err := n.client.Publish(ctx, n.channel(key), payload).Err(); err != nil {
		return fmt.Errorf("failed to publish notice: %w", err)
	}
	return nil
}

// Subscribe listens for notices on key's channel. The subscription is
// confirmed before returning, so a notice published afterwards is not missed.
func (n *Redis) Subscribe(ctx context.Context, key string) (<-chan Notice, func(), error) {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil, nil, fmt.Errorf("notifier is closed")
	}
	n.wg.Add(1)
	n.mu.Unlock()

	pubsub := n.client.Subscribe(ctx, n.channel(key))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		n.wg.Done()
		return nil, nil, fmt.Errorf("failed to confirm subscription: %w", err)
	}

	out := make(chan Notice, 1)
	stop := make(chan struct{})
	var once sync.Once
	cancel := func() { once.Do(func() { close(stop) }) }

	go func() {
		defer n.wg.Done()
		defer close(out)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-n.closeCh:
				return
			case <-stop:
				return
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var notice Notice
				if err := json.Unmarshal([]byte(msg.Payload), &notice); err != nil {
					slog.Warn("discarding malformed job notice", "channel", msg.Channel, "error", err)
					continue
				}
				select {
				case out <- notice:
				default:
					// A pending notice already wakes the waiter.
				}
			}
		}
	}()

	return out, cancel, nil
}

// Close ends every active subscription. The Redis client is left open.
func (n *Redis) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	close(n.closeCh)
	n.mu.Unlock()

	n.wg.Wait()
	return nil
}
