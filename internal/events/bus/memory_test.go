package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trinity/trinity/internal/common/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	return log
}

func TestNewMemoryEventBus(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	require.NotNil(t, b)
	assert.True(t, b.IsConnected())
}

func TestMemoryBusPublishSubscribe(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	defer b.Close()

	received := make(chan *Event, 1)
	sub, err := b.Subscribe("activity.echo-1", func(ctx context.Context, e *Event) error {
		received <- e
		return nil
	})
	require.NoError(t, err)
	assert.True(t, sub.IsValid())

	event := NewEvent("activity:appended", "activity", map[string]any{"agent": "echo-1"})
	require.NoError(t, b.Publish(context.Background(), "activity.echo-1", event))

	select {
	case got := <-received:
		assert.Equal(t, event.ID, got.ID)
		assert.Equal(t, "echo-1", got.Data["agent"])
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestMemoryBusMultipleSubscribers(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	defer b.Close()

	var count atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		_, err := b.Subscribe("activity.echo-1", func(ctx context.Context, e *Event) error {
			count.Add(1)
			wg.Done()
			return nil
		})
		require.NoError(t, err)
	}

	require.NoError(t, b.Publish(context.Background(), "activity.echo-1", NewEvent("test", "test", nil)))

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
		assert.Equal(t, int32(3), count.Load())
	case <-time.After(time.Second):
		t.Fatal("not all subscribers received the event")
	}
}

func TestMemoryBusUnsubscribe(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	defer b.Close()

	var count atomic.Int32
	sub, err := b.Subscribe("activity.echo-1", func(ctx context.Context, e *Event) error {
		count.Add(1)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, sub.Unsubscribe())
	assert.False(t, sub.IsValid())

	require.NoError(t, b.Publish(context.Background(), "activity.echo-1", NewEvent("test", "test", nil)))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), count.Load())
}

func TestMemoryBusSingleTokenWildcard(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	defer b.Close()

	received := make(chan string, 4)
	_, err := b.Subscribe("activity.*", func(ctx context.Context, e *Event) error {
		received <- e.Type
		return nil
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, "activity.alpha", NewEvent("a", "test", nil)))
	require.NoError(t, b.Publish(ctx, "activity.beta", NewEvent("b", "test", nil)))
	// A single token wildcard must not span dots.
	require.NoError(t, b.Publish(ctx, "activity.alpha.sub", NewEvent("c", "test", nil)))

	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case typ := <-received:
			got[typ] = true
		case <-time.After(time.Second):
			t.Fatal("wildcard event not delivered")
		}
	}
	assert.True(t, got["a"])
	assert.True(t, got["b"])

	select {
	case typ := <-received:
		t.Fatalf("unexpected delivery for multi-token subject: %s", typ)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMemoryBusMultiTokenWildcard(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	defer b.Close()

	received := make(chan string, 4)
	_, err := b.Subscribe("approval.>", func(ctx context.Context, e *Event) error {
		received <- e.Type
		return nil
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, "approval.run1", NewEvent("a", "test", nil)))
	require.NoError(t, b.Publish(ctx, "approval.run1.step2", NewEvent("b", "test", nil)))

	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case typ := <-received:
			got[typ] = true
		case <-time.After(time.Second):
			t.Fatal("multi-token wildcard event not delivered")
		}
	}
	assert.True(t, got["a"])
	assert.True(t, got["b"])
}

func TestMemoryBusWildcardNoMatch(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	defer b.Close()

	var count atomic.Int32
	_, err := b.Subscribe("activity.*", func(ctx context.Context, e *Event) error {
		count.Add(1)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "approval.run1", NewEvent("x", "test", nil)))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), count.Load())
}

func TestMemoryBusQueueSubscribe(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	defer b.Close()

	var count atomic.Int32
	var wg sync.WaitGroup
	wg.Add(6)
	for i := 0; i < 3; i++ {
		_, err := b.QueueSubscribe("execution.done", "workers", func(ctx context.Context, e *Event) error {
			count.Add(1)
			wg.Done()
			return nil
		})
		require.NoError(t, err)
	}

	ctx := context.Background()
	for i := 0; i < 6; i++ {
		require.NoError(t, b.Publish(ctx, "execution.done", NewEvent("test", "test", nil)))
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
		// Each event goes to exactly one member of the group.
		assert.Equal(t, int32(6), count.Load())
	case <-time.After(time.Second):
		t.Fatalf("queue group received %d of 6 events", count.Load())
	}
}

func TestMemoryBusConcurrentAccess(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	defer b.Close()

	_, err := b.Subscribe("activity.*", func(ctx context.Context, e *Event) error {
		return nil
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = b.Publish(context.Background(), "activity.echo-1", NewEvent("test", "test", nil))
			}
		}()
	}
	wg.Wait()
}

func TestMemoryBusClose(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))

	sub, err := b.Subscribe("activity.echo-1", func(ctx context.Context, e *Event) error {
		return nil
	})
	require.NoError(t, err)

	b.Close()
	assert.False(t, b.IsConnected())
	assert.False(t, sub.IsValid())

	err = b.Publish(context.Background(), "activity.echo-1", NewEvent("test", "test", nil))
	assert.Error(t, err)

	_, err = b.Subscribe("activity.echo-1", func(ctx context.Context, e *Event) error { return nil })
	assert.Error(t, err)
}

func TestMemoryBusRequest(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	defer b.Close()

	_, err := b.Subscribe("stats.query", func(ctx context.Context, e *Event) error {
		reply, _ := e.Data["_reply"].(string)
		if reply == "" {
			return nil
		}
		return b.Publish(ctx, reply, NewEvent("stats:result", "stats", map[string]any{
			"cpu": 0.5,
		}))
	})
	require.NoError(t, err)

	resp, err := b.Request(context.Background(), "stats.query", NewEvent("stats:query", "test", nil), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "stats:result", resp.Type)
	assert.Equal(t, 0.5, resp.Data["cpu"])
}

func TestMemoryBusRequestTimeout(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	defer b.Close()

	_, err := b.Request(context.Background(), "nobody.home", NewEvent("test", "test", nil), 50*time.Millisecond)
	assert.Error(t, err)
}

func TestNewEvent(t *testing.T) {
	e := NewEvent("activity:appended", "activity", map[string]any{"k": "v"})
	assert.NotEmpty(t, e.ID)
	assert.Equal(t, "activity:appended", e.Type)
	assert.Equal(t, "activity", e.Source)
	assert.Equal(t, "v", e.Data["k"])
	assert.WithinDuration(t, time.Now().UTC(), e.Timestamp, time.Second)
}
