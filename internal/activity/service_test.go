package activity

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trinity/trinity/internal/common/logger"
	"github.com/trinity/trinity/internal/events"
	"github.com/trinity/trinity/internal/events/bus"
)

func TestRecordPublishesToAgentSubject(t *testing.T) {
	store := newTestStore(t)
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	memBus := bus.NewMemoryEventBus(log)
	defer memBus.Close()

	received := make(chan *bus.Event, 1)
	_, err = memBus.Subscribe(events.BuildActivitySubject("echo-1"), func(_ context.Context, e *bus.Event) error {
		received <- e
		return nil
	})
	require.NoError(t, err)

	svc := NewService(store, memBus, log)
	svc.Record(context.Background(), "echo-1", events.KindMessageOut, map[string]any{"text": "hi"})

	select {
	case e := <-received:
		assert.Equal(t, events.KindMessageOut, e.Type)
		assert.Equal(t, "echo-1", e.Data["agent_name"])
	case <-time.After(2 * time.Second):
		t.Fatal("no event on activity subject")
	}

	// The append landed regardless of subscribers.
	page, err := store.List(context.Background(), "echo-1", 0, 10)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
}
