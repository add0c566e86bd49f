package websocket

import (
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/trinity/trinity/internal/access"
	"github.com/trinity/trinity/internal/common/logger"
	ws "github.com/trinity/trinity/pkg/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 64 * 1024

	// sendBuffer bounds the per-subscriber queue. Overflow drops events
	// and surfaces a dropped marker instead of blocking the producer.
	sendBuffer = 256
)

// Client is one WebSocket subscriber with its visibility principal and
// server-side filters.
type Client struct {
	ID        string
	principal access.Principal

	conn    *websocket.Conn
	hub     *Hub
	send    chan []byte
	dropped int64

	mu     sync.RWMutex
	agents map[string]bool // empty means all visible agents
	kinds  map[string]bool // empty means all kinds

	logger *logger.Logger
}

// NewClient wraps a connection. The agent and kind filters come from the
// subscription query and may be adjusted later via subscribe messages.
func NewClient(id string, conn *websocket.Conn, hub *Hub, p access.Principal, agents, kinds []string, log *logger.Logger) *Client {
	c := &Client{
		ID:        id,
		principal: p,
		conn:      conn,
		hub:       hub,
		send:      make(chan []byte, sendBuffer),
		logger:    log.WithFields(zap.String("client", id)),
	}
	c.setFilters(agents, kinds)
	return c
}

func (c *Client) setFilters(agents, kinds []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.agents = filterSet(agents)
	c.kinds = filterSet(kinds)
}

func filterSet(values []string) map[string]bool {
	set := map[string]bool{}
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" || v == "all" {
			return map[string]bool{}
		}
		set[v] = true
	}
	return set
}

// wants applies the client-side filters. Visibility is checked by the hub.
func (c *Client) wants(agent, kind string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.agents) > 0 && !c.agents[agent] {
		return false
	}
	if len(c.kinds) > 0 && !c.kinds[kind] {
		return false
	}
	return true
}

// enqueue queues a frame without blocking. A full buffer counts a drop.
func (c *Client) enqueue(data []byte) {
	select {
	case c.send <- data:
	default:
		atomic.AddInt64(&c.dropped, 1)
	}
}

// ReadPump consumes subscription adjustments until the peer goes away.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("websocket read ended", zap.Error(err))
			}
			return
		}
		var msg ws.Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.sendError(&msg, ws.ErrorCodeBadRequest, "invalid message format")
			continue
		}
		c.handleMessage(&msg)
	}
}

type subscribeRequest struct {
	Agents []string `json:"agents"`
	Kinds  []string `json:"kinds"`
}

func (c *Client) handleMessage(msg *ws.Message) {
	switch msg.Action {
	case ws.ActionHealthCheck:
		resp, _ := ws.NewResponse(msg.ID, msg.Action, map[string]any{"ok": true})
		c.reply(resp)

	case ws.ActionActivitySubscribe:
		var req subscribeRequest
		if err := msg.ParsePayload(&req); err != nil {
			c.sendError(msg, ws.ErrorCodeBadRequest, "invalid payload")
			return
		}
		c.setFilters(req.Agents, req.Kinds)
		resp, _ := ws.NewResponse(msg.ID, msg.Action, map[string]any{"ok": true})
		c.reply(resp)

	case ws.ActionActivityUnsubscribe:
		// Narrow to nothing: an impossible agent name matches no events.
		c.setFilters([]string{"\x00none"}, nil)
		resp, _ := ws.NewResponse(msg.ID, msg.Action, map[string]any{"ok": true})
		c.reply(resp)

	default:
		c.sendError(msg, ws.ErrorCodeUnknownAction, "unknown action "+msg.Action)
	}
}

func (c *Client) reply(msg *ws.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.enqueue(data)
}

func (c *Client) sendError(msg *ws.Message, code, text string) {
	id, action := "", ""
	if msg != nil {
		id, action = msg.ID, msg.Action
	}
	errMsg, err := ws.NewError(id, action, code, text, nil)
	if err != nil {
		return
	}
	c.reply(errMsg)
}

// WritePump flushes queued frames and keepalive pings. After every flush
// it reports any events lost to buffer overflow with a dropped marker.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
			if err := c.flushDropMarker(); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) flushDropMarker() error {
	n := atomic.SwapInt64(&c.dropped, 0)
	if n == 0 {
		return nil
	}
	marker, err := ws.NewNotification(ws.ActionActivityDropped, map[string]any{"dropped": n})
	if err != nil {
		return nil
	}
	data, err := json.Marshal(marker)
	if err != nil {
		return nil
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}
