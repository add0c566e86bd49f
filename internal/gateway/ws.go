package gateway

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/trinity/trinity/internal/access"
	apperrors "github.com/trinity/trinity/internal/common/errors"
	gws "github.com/trinity/trinity/internal/gateway/websocket"
	v1 "github.com/trinity/trinity/pkg/api/v1"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The token already authenticated the caller; the gateway serves
	// non-browser clients on the same origin-free footing.
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsEvents upgrades to the activity event stream. Query filters: agent
// (name or "all", comma-separated) and kind (comma-separated kinds).
func (s *Server) wsEvents(c *gin.Context) {
	p := principal(c)

	var agents, kinds []string
	if v := c.DefaultQuery("agent", "all"); v != "" {
		agents = strings.Split(v, ",")
	}
	if v := c.Query("kind"); v != "" {
		kinds = strings.Split(v, ",")
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := gws.NewClient(uuid.New().String(), conn, s.hub, p, agents, kinds, s.logger)
	s.hub.Register(client)
	go client.WritePump()
	go client.ReadPump()
}

// terminalTracker enforces one live terminal per principal per agent.
type terminalTracker struct {
	mu     sync.Mutex
	active map[string]bool
}

func newTerminalTracker() *terminalTracker {
	return &terminalTracker{active: make(map[string]bool)}
}

func (t *terminalTracker) acquire(principal, agent string) (func(), error) {
	key := principal + "|" + agent
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.active[key] {
		return nil, apperrors.Conflict("a terminal session for %s is already open", agent)
	}
	t.active[key] = true
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.active, key)
	}, nil
}

// terminalInput is the client-to-server frame of the terminal protocol.
// Output flows back as raw binary frames.
type terminalInput struct {
	Type string `json:"type"` // input, resize
	Data string `json:"data,omitempty"`
	Cols uint   `json:"cols,omitempty"`
	Rows uint   `json:"rows,omitempty"`
}

// terminal bridges a WebSocket to an interactive shell inside the agent's
// container.
func (s *Server) terminal(c *gin.Context) {
	a, ok := s.resolveAgent(c, access.ActionManage)
	if !ok {
		return
	}
	if a.State != v1.AgentStateRunning || a.ContainerID == nil {
		s.respond.Error(c, apperrors.Conflict("agent %s is not running", a.Name))
		return
	}

	release, err := s.terminals.acquire(principal(c).String(), a.Name)
	if err != nil {
		s.respond.Error(c, err)
		return
	}
	defer release()

	sess, err := s.docker.Exec(c.Request.Context(), *a.ContainerID, []string{"/bin/bash"})
	if err != nil {
		s.respond.Error(c, err)
		return
	}
	defer sess.Close()

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("terminal upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	s.logger.Info("terminal opened",
		zap.String("agent", a.Name),
		zap.String("principal", principal(c).String()))

	done := make(chan struct{})

	// Container output to socket.
	go func() {
		defer close(done)
		buf := make([]byte, 4096)
		for {
			n, err := sess.Read(buf)
			if n > 0 {
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if werr := conn.WriteMessage(websocket.BinaryMessage, buf[:n]); werr != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	// Socket input to container.
	for {
		select {
		case <-done:
			return
		default:
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var in terminalInput
		if err := json.Unmarshal(raw, &in); err != nil {
			// Not a control frame: treat the bytes as keyboard input.
			if _, err := sess.Write(raw); err != nil {
				return
			}
			continue
		}
		switch in.Type {
		case "resize":
			if err := sess.Resize(c.Request.Context(), in.Cols, in.Rows); err != nil {
				s.logger.Debug("terminal resize failed", zap.Error(err))
			}
		case "input":
			if _, err := sess.Write([]byte(in.Data)); err != nil {
				return
			}
		}
	}
}
