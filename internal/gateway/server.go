// Package gateway is the HTTP and WebSocket boundary of the control plane.
// Every request is authenticated, resolved to a principal, and checked
// against the access matrix before it reaches a manager or store.
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/trinity/trinity/internal/access"
	"github.com/trinity/trinity/internal/activity"
	"github.com/trinity/trinity/internal/agent"
	"github.com/trinity/trinity/internal/common/config"
	"github.com/trinity/trinity/internal/common/httpmw"
	"github.com/trinity/trinity/internal/common/logger"
	"github.com/trinity/trinity/internal/docker"
	"github.com/trinity/trinity/internal/events"
	"github.com/trinity/trinity/internal/events/bus"
	gws "github.com/trinity/trinity/internal/gateway/websocket"
	"github.com/trinity/trinity/internal/lifecycle"
	"github.com/trinity/trinity/internal/process"
	"github.com/trinity/trinity/internal/queue"
	"github.com/trinity/trinity/internal/scheduler"
	"github.com/trinity/trinity/internal/secrets"
	"github.com/trinity/trinity/internal/session"
	"github.com/trinity/trinity/internal/template"
	"github.com/trinity/trinity/internal/user"
	ws "github.com/trinity/trinity/pkg/websocket"
)

// Deps collects everything the gateway serves.
type Deps struct {
	Config    config.ServerConfig
	Users     *user.Service
	Matrix    *access.Matrix
	Agents    *agent.Store
	Lifecycle *lifecycle.Manager
	Queue     *queue.Manager
	Execs     *queue.ExecStore
	Sessions  *session.Store
	Activity  *activity.Service
	Schedules *scheduler.Store
	SchedEng  *scheduler.Engine
	Processes *process.Store
	ProcEng   *process.Engine
	Templates *template.Service
	Docker    *docker.Client
	Bus       bus.EventBus
	Secrets   *secrets.Handler
	Responder *httpmw.Responder
	Logger    *logger.Logger
}

// Server hosts the REST API and the WebSocket endpoints.
type Server struct {
	cfg       config.ServerConfig
	users     *user.Service
	matrix    *access.Matrix
	agents    *agent.Store
	lifecycle *lifecycle.Manager
	queue     *queue.Manager
	execs     *queue.ExecStore
	sessions  *session.Store
	activity  *activity.Service
	schedules *scheduler.Store
	schedEng  *scheduler.Engine
	processes *process.Store
	procEng   *process.Engine
	templates *template.Service
	docker    *docker.Client
	bus       bus.EventBus
	secrets   *secrets.Handler
	respond   *httpmw.Responder
	logger    *logger.Logger

	hub       *gws.Hub
	terminals *terminalTracker
	http      *http.Server
	subs      []bus.Subscription
}

// NewServer wires the route table. Call Run to serve.
func NewServer(d Deps) *Server {
	s := &Server{
		cfg:       d.Config,
		users:     d.Users,
		matrix:    d.Matrix,
		agents:    d.Agents,
		lifecycle: d.Lifecycle,
		queue:     d.Queue,
		execs:     d.Execs,
		sessions:  d.Sessions,
		activity:  d.Activity,
		schedules: d.Schedules,
		schedEng:  d.SchedEng,
		processes: d.Processes,
		procEng:   d.ProcEng,
		templates: d.Templates,
		docker:    d.Docker,
		bus:       d.Bus,
		secrets:   d.Secrets,
		respond:   d.Responder,
		logger:    d.Logger.WithFields(zap.String("component", "gateway")),
		terminals: newTerminalTracker(),
	}
	s.hub = gws.NewHub(s.agentVisible, d.Logger)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.RequestLogger(d.Logger, "gateway"))
	router.Use(httpmw.OtelTracing("gateway"))
	s.routes(router)

	s.http = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", d.Config.Host, d.Config.Port),
		Handler:      router,
		ReadTimeout:  time.Duration(d.Config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(d.Config.WriteTimeout) * time.Second,
	}
	return s
}

func (s *Server) routes(router *gin.Engine) {
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	api.POST("/auth/login", s.login)

	authed := api.Group("")
	authed.Use(s.authRequired())

	authed.POST("/auth/logout", s.logout)
	authed.GET("/auth/me", s.me)

	authed.POST("/keys", s.mintKey)
	authed.GET("/keys", s.listKeys)
	authed.DELETE("/keys/:id", s.revokeKey)

	authed.GET("/agents", s.listAgents)
	authed.POST("/agents", s.createAgent)
	authed.GET("/agents/orphans", s.requireAdmin(), s.listOrphans)
	authed.GET("/agents/:name", s.getAgent)
	authed.PATCH("/agents/:name", s.updateAgent)
	authed.DELETE("/agents/:name", s.deleteAgent)
	authed.POST("/agents/:name/start", s.startAgent)
	authed.POST("/agents/:name/stop", s.stopAgent)
	authed.POST("/agents/:name/recreate", s.recreateAgent)
	authed.POST("/agents/:name/reload-credentials", s.reloadCredentials)
	authed.GET("/agents/:name/stats", s.agentStats)
	authed.GET("/agents/:name/logs", s.agentLogs)
	authed.GET("/agents/:name/activities", s.listActivities)
	authed.GET("/agents/:name/sessions", s.listSessions)

	authed.GET("/agents/:name/queue", s.queueStatus)
	authed.POST("/agents/:name/queue/clear", s.clearQueue)
	authed.POST("/agents/:name/queue/release", s.releaseQueue)
	authed.POST("/agents/:name/chat", s.chat)
	authed.GET("/executions/:id", s.getExecution)

	authed.GET("/agents/:name/permissions", s.listPermissions)
	authed.PUT("/agents/:name/permissions", s.putPermissions)
	authed.GET("/agents/:name/folders", s.listFolders)
	authed.PUT("/agents/:name/folders", s.putFolders)

	authed.GET("/agents/:name/schedules", s.listSchedules)
	authed.POST("/agents/:name/schedules", s.createSchedule)
	authed.DELETE("/agents/:name/schedules/:id", s.deleteSchedule)
	authed.PATCH("/agents/:name/schedules/:id", s.updateSchedule)
	authed.POST("/agents/:name/schedules/:id/pause", s.pauseSchedule)
	authed.POST("/agents/:name/schedules/:id/resume", s.resumeSchedule)
	authed.POST("/agents/:name/schedules/:id/trigger", s.triggerSchedule)
	authed.POST("/schedules/pause-all", s.requireAdmin(), s.pauseAllSchedules)
	authed.GET("/schedules/executions/:id", s.getExecution)

	authed.GET("/templates", s.listTemplates)
	authed.POST("/systems/deploy", s.deploySystem)

	authed.GET("/processes", s.listProcesses)
	authed.POST("/processes", s.createProcess)
	authed.GET("/processes/:id", s.getProcess)
	authed.DELETE("/processes/:id", s.deleteProcess)
	authed.POST("/processes/:id/run", s.startRun)
	authed.GET("/processes/:id/runs", s.listRuns)
	authed.GET("/runs/:id", s.getRun)
	authed.POST("/runs/:id/cancel", s.cancelRun)
	authed.GET("/approvals", s.listApprovals)
	authed.POST("/approvals/:id/decide", s.decideApproval)

	s.secrets.RegisterRoutes(authed.Group("", s.requireAdmin()))

	authed.GET("/ws/events", s.wsEvents)
	authed.GET("/agents/:name/terminal", s.terminal)
}

// agentVisible backs the WebSocket hub's per-event visibility check.
func (s *Server) agentVisible(ctx context.Context, p access.Principal, name string) bool {
	a, err := s.agents.GetByName(ctx, name)
	if err != nil {
		return false
	}
	return s.matrix.CanSee(ctx, p, a)
}

// Run serves until ctx is cancelled or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	if err := s.subscribeEvents(); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.hub.Run(ctx)
		return nil
	})
	g.Go(func() error {
		s.logger.Info("gateway listening", zap.String("addr", s.http.Addr))
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	return g.Wait()
}

// Shutdown drains the HTTP server and detaches from the event bus.
func (s *Server) Shutdown(ctx context.Context) error {
	for _, sub := range s.subs {
		_ = sub.Unsubscribe()
	}
	return s.http.Shutdown(ctx)
}

// subscribeEvents bridges the internal event bus onto the WebSocket hub.
func (s *Server) subscribeEvents() error {
	actSub, err := s.bus.Subscribe(events.BuildActivityWildcardSubject(), func(ctx context.Context, ev *bus.Event) error {
		agentName, _ := ev.Data["agent_name"].(string)
		if agentName == "" {
			return nil
		}
		s.hub.BroadcastActivity(ctx, agentName, ev.Type, ev.Data)
		return nil
	})
	if err != nil {
		return fmt.Errorf("subscribe activities: %w", err)
	}
	s.subs = append(s.subs, actSub)

	procSub, err := s.bus.Subscribe(events.ProcessSubject+".*", func(ctx context.Context, ev *bus.Event) error {
		action := ws.ActionProcessUpdated
		if ev.Type == events.ProcessApprovalPending {
			action = ws.ActionApprovalPending
		}
		s.hub.Broadcast(action, ev.Data)
		return nil
	})
	if err != nil {
		return fmt.Errorf("subscribe process events: %w", err)
	}
	s.subs = append(s.subs, procSub)
	return nil
}
