package websocket

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trinity/trinity/internal/access"
	"github.com/trinity/trinity/internal/common/logger"
	ws "github.com/trinity/trinity/pkg/websocket"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	return log
}

// allowOnly returns a visibility check that admits the named agents.
func allowOnly(names ...string) VisibilityFunc {
	set := map[string]bool{}
	for _, n := range names {
		set[n] = true
	}
	return func(ctx context.Context, p access.Principal, agent string) bool {
		return set[agent]
	}
}

func startHub(t *testing.T, visible VisibilityFunc) *Hub {
	t.Helper()
	hub := NewHub(visible, testLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)
	return hub
}

func registerClient(t *testing.T, hub *Hub, agents, kinds []string) *Client {
	t.Helper()
	c := NewClient("c-"+time.Now().Format("150405.000000000"), nil, hub,
		access.Principal{Type: access.PrincipalUser, UserID: "u1"}, agents, kinds, testLogger(t))
	hub.Register(c)
	require.Eventually(t, func() bool { return hub.ClientCount() > 0 }, time.Second, 5*time.Millisecond)
	return c
}

func recvNotification(t *testing.T, c *Client) *ws.Message {
	t.Helper()
	select {
	case data := <-c.send:
		var msg ws.Message
		require.NoError(t, json.Unmarshal(data, &msg))
		return &msg
	case <-time.After(time.Second):
		t.Fatal("no frame delivered")
		return nil
	}
}

func TestBroadcastActivityHonorsVisibility(t *testing.T) {
	hub := startHub(t, allowOnly("alpha"))
	c := registerClient(t, hub, nil, nil)

	hub.BroadcastActivity(context.Background(), "beta", "tool_call", map[string]any{"agent_name": "beta"})
	hub.BroadcastActivity(context.Background(), "alpha", "tool_call", map[string]any{"agent_name": "alpha"})

	msg := recvNotification(t, c)
	assert.Equal(t, ws.ActionActivityAppended, msg.Action)
	var payload map[string]any
	require.NoError(t, msg.ParsePayload(&payload))
	assert.Equal(t, "alpha", payload["agent_name"])

	select {
	case <-c.send:
		t.Fatal("event for an invisible agent was delivered")
	default:
	}
}

func TestBroadcastActivityAppliesFilters(t *testing.T) {
	hub := startHub(t, allowOnly("alpha", "beta"))
	c := registerClient(t, hub, []string{"alpha"}, []string{"tool_call"})

	hub.BroadcastActivity(context.Background(), "beta", "tool_call", map[string]any{"agent_name": "beta"})
	hub.BroadcastActivity(context.Background(), "alpha", "message_in", map[string]any{"agent_name": "alpha"})
	hub.BroadcastActivity(context.Background(), "alpha", "tool_call", map[string]any{"agent_name": "alpha"})

	var payload map[string]any
	require.NoError(t, recvNotification(t, c).ParsePayload(&payload))
	assert.Equal(t, "alpha", payload["agent_name"])
	assert.Empty(t, c.send, "filtered events must not be queued")
}

func TestSubscribeResetsFilters(t *testing.T) {
	hub := startHub(t, allowOnly("alpha", "beta"))
	c := registerClient(t, hub, []string{"alpha"}, nil)

	assert.False(t, c.wants("beta", "tool_call"))
	c.setFilters([]string{"all"}, nil)
	assert.True(t, c.wants("beta", "tool_call"))

	c.setFilters([]string{"beta"}, []string{"error"})
	assert.False(t, c.wants("beta", "tool_call"))
	assert.True(t, c.wants("beta", "error"))
}

func TestSlowSubscriberDropsNotProducer(t *testing.T) {
	hub := startHub(t, allowOnly("alpha"))
	c := registerClient(t, hub, nil, nil)

	// Nothing drains c.send, so the buffer fills and overflow is counted.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < sendBuffer+10; i++ {
			hub.BroadcastActivity(context.Background(), "alpha", "tool_call", map[string]any{"i": i})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast blocked on a slow subscriber")
	}
	assert.Equal(t, sendBuffer, len(c.send))
	assert.Equal(t, int64(10), atomic.LoadInt64(&c.dropped))
}

func TestUnregisterClosesSendChannel(t *testing.T) {
	hub := startHub(t, allowOnly("alpha"))
	c := registerClient(t, hub, nil, nil)

	hub.Unregister(c)
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, time.Second, 5*time.Millisecond)

	_, open := <-c.send
	assert.False(t, open)
}
