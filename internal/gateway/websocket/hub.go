// Package websocket fans activity-stream events out to connected
// subscribers. Every event passes the caller's visibility check before it
// reaches a socket; a slow subscriber loses events, never the producer.
package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/trinity/trinity/internal/access"
	"github.com/trinity/trinity/internal/common/logger"
	ws "github.com/trinity/trinity/pkg/websocket"
)

// VisibilityFunc decides whether a principal may see events of an agent.
// The gateway wires this to the access matrix.
type VisibilityFunc func(ctx context.Context, p access.Principal, agent string) bool

// Hub tracks connected subscribers.
type Hub struct {
	visible VisibilityFunc

	register   chan *Client
	unregister chan *Client

	mu      sync.RWMutex
	clients map[*Client]bool

	logger *logger.Logger
}

// NewHub creates the hub.
func NewHub(visible VisibilityFunc, log *logger.Logger) *Hub {
	return &Hub{
		visible:    visible,
		register:   make(chan *Client),
		unregister: make(chan *Client),
		clients:    make(map[*Client]bool),
		logger:     log.WithFields(zap.String("component", "ws_hub")),
	}
}

// Run processes client registration until the context ends.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("websocket hub started")
	defer h.logger.Info("websocket hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("subscriber connected", zap.String("client", client.ID))
		case client := <-h.unregister:
			h.remove(client)
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
}

func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
	h.logger.Debug("subscriber disconnected", zap.String("client", client.ID))
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) { h.register <- client }

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) { h.unregister <- client }

// BroadcastActivity delivers one agent's activity event to every
// subscriber that may see the agent and whose filters match.
func (h *Hub) BroadcastActivity(ctx context.Context, agent, kind string, payload any) {
	msg, err := ws.NewNotification(ws.ActionActivityAppended, payload)
	if err != nil {
		h.logger.Error("marshal activity notification failed", zap.Error(err))
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		if !client.wants(agent, kind) {
			continue
		}
		if !h.visible(ctx, client.principal, agent) {
			continue
		}
		client.enqueue(data)
	}
}

// Broadcast delivers a notification to every connected subscriber.
// Used for events with no per-agent scope (process runs, approvals).
func (h *Hub) Broadcast(action string, payload any) {
	msg, err := ws.NewNotification(action, payload)
	if err != nil {
		h.logger.Error("marshal notification failed", zap.Error(err))
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		client.enqueue(data)
	}
}

// ClientCount returns the number of connected subscribers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
