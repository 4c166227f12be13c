package notify

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocr-gateway/ocr-gateway/internal/db/models"
)

func newRedisNotifier(t *testing.T) *Redis {
	t.Helper()
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { client.Close() })
	n, err := NewRedis(client, "test:jobs")
	require.NoError(t, err)
	t.Cleanup(func() { n.Close() })
	return n
}

func TestLocal_IsNoop(t *testing.T) {
	n := NewLocal()
	assert.NoError(t, n.Publish(context.Background(), "k", models.JobStatusSucceeded))
	ch, cancel, err := n.Subscribe(context.Background(), "k")
	require.NoError(t, err)
	assert.Nil(t, ch)
	cancel()
	assert.NoError(t, n.Close())
}

func TestNewRedis_NilClient(t *testing.T) {
	_, err := NewRedis(nil, "")
	assert.Error(t, err)
}

func TestRedis_PublishSubscribe(t *testing.T) {
	n := newRedisNotifier(t)
	ctx := context.Background()

	ch, cancel, err := n.Subscribe(ctx, "abc")
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, n.Publish(ctx, "other", models.JobStatusFailed))
	require.NoError(t, n.Publish(ctx, "abc", models.JobStatusSucceeded))

	select {
	case notice := <-ch:
		assert.Equal(t, "abc", notice.ContentKey)
		assert.Equal(t, models.JobStatusSucceeded, notice.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for notice")
	}
}

func TestRedis_CancelClosesChannel(t *testing.T) {
	n := newRedisNotifier(t)

	ch, cancel, err := n.Subscribe(context.Background(), "abc")
	require.NoError(t, err)
	cancel()
	cancel() // idempotent

	select {
	case _, ok := <-ch:
		assert.False(t, ok, "channel should be closed")
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after cancel")
	}
}

func TestRedis_CloseEndsSubscriptions(t *testing.T) {
	n := newRedisNotifier(t)

	ch, _, err := n.Subscribe(context.Background(), "abc")
	require.NoError(t, err)
	require.NoError(t, n.Close())

	_, ok := <-ch
	assert.False(t, ok)

	_, _, err = n.Subscribe(context.Background(), "abc")
	assert.Error(t, err)
	assert.NoError(t, n.Close())
}
