package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/trinity/trinity/internal/access"
	"github.com/trinity/trinity/internal/activity"
	"github.com/trinity/trinity/internal/agent"
	"github.com/trinity/trinity/internal/agentclient"
	"github.com/trinity/trinity/internal/common/config"
	apperrors "github.com/trinity/trinity/internal/common/errors"
	"github.com/trinity/trinity/internal/common/httpmw"
	"github.com/trinity/trinity/internal/common/logger"
	"github.com/trinity/trinity/internal/common/tracing"
	"github.com/trinity/trinity/internal/credentials"
	"github.com/trinity/trinity/internal/docker"
	"github.com/trinity/trinity/internal/events"
	"github.com/trinity/trinity/internal/gateway"
	"github.com/trinity/trinity/internal/lifecycle"
	"github.com/trinity/trinity/internal/notify"
	"github.com/trinity/trinity/internal/persistence"
	"github.com/trinity/trinity/internal/process"
	"github.com/trinity/trinity/internal/queue"
	"github.com/trinity/trinity/internal/scheduler"
	"github.com/trinity/trinity/internal/secrets"
	"github.com/trinity/trinity/internal/session"
	"github.com/trinity/trinity/internal/template"
	"github.com/trinity/trinity/internal/user"
)

func pidFile() string {
	return filepath.Join(config.DataDir(), "trinity.pid")
}

func runStart() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	log, err := logger.NewLogger(logger.LoggingConfig(cfg.Logging))
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("starting trinity control plane")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := os.MkdirAll(config.DataDir(), 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	if err := writePidFile(); err != nil {
		return err
	}
	defer os.Remove(pidFile())

	// Storage.
	pool, closePool, err := persistence.Provide(cfg, log)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer closePool()

	// Event bus: NATS for multi-process fan-out, in-memory otherwise.
	provided, closeBus, err := events.Provide(cfg, log)
	if err != nil {
		return fmt.Errorf("event bus: %w", err)
	}
	defer closeBus()
	eventBus := provided.Bus

	// Secrets and the boundary sanitizer.
	sanitizer := apperrors.NewSanitizer()
	respond := httpmw.NewResponder(sanitizer)
	crypto, err := secrets.NewMasterKeyProvider(config.DataDir())
	if err != nil {
		return fmt.Errorf("master key: %w", err)
	}
	secretStore, closeSecrets, err := secrets.Provide(pool, crypto)
	if err != nil {
		return fmt.Errorf("open secret store: %w", err)
	}
	defer closeSecrets()
	secretsSvc := secrets.NewService(secretStore, sanitizer, log)
	if err := secretsSvc.LoadRedactions(ctx); err != nil {
		return fmt.Errorf("load secret redactions: %w", err)
	}

	// Templates and credential rendering.
	gitToken := func(ctx context.Context) string {
		v, err := secretStore.RevealByEnvKey(ctx, "GIT_TOKEN")
		if err != nil {
			return ""
		}
		return v
	}
	templates := template.NewService(
		template.NewLocalRegistry(cfg.Agent.TemplateDir),
		template.NewRepoResolver(cfg.Agent.RepoCacheDir, gitToken, log),
		log,
	)
	renderer := credentials.NewRenderer(secretStore, log)

	// Container engine.
	dockerClient, err := docker.NewClient(cfg.Docker, log)
	if err != nil {
		return fmt.Errorf("docker client: %w", err)
	}
	defer dockerClient.Close()
	if err := dockerClient.Ping(ctx); err != nil {
		log.Warn("docker daemon unreachable; lifecycle operations will fail until it returns", zap.Error(err))
	}

	// Entity stores.
	agents, err := agent.NewStore(pool, cfg.Agent.SSHPortBase, cfg.Agent.HTTPPortBase)
	if err != nil {
		return err
	}
	sessions, err := session.NewStore(pool)
	if err != nil {
		return err
	}
	execs, err := queue.NewExecStore(pool)
	if err != nil {
		return err
	}
	actStore, err := activity.NewStore(pool)
	if err != nil {
		return err
	}
	schedules, err := scheduler.NewStore(pool)
	if err != nil {
		return err
	}
	processes, err := process.NewStore(pool)
	if err != nil {
		return err
	}
	userStore, err := user.NewStore(pool)
	if err != nil {
		return err
	}

	actService := activity.NewService(actStore, eventBus, log)

	// Lifecycle and queue depend on each other; the queue is attached after.
	clients := func(httpPort int) lifecycle.AgentAPI {
		return agentclient.New("127.0.0.1", httpPort)
	}
	manager := lifecycle.NewManager(agents, dockerClient, templates, renderer,
		actService, sessions, execs, clients, cfg.Agent, cfg.Docker, log)
	queueMgr := queue.NewManager(execs, sessions, actService, manager, cfg.Queue, log)
	defer queueMgr.Close()
	manager.SetQueue(queueMgr)
	manager.SetScheduleCleanup(schedules)

	// Executions interrupted by the previous shutdown are failed, not
	// replayed: the agent's partial work cannot be trusted.
	if n, err := execs.RecoverInterrupted(ctx); err != nil {
		log.Warn("execution recovery failed", zap.Error(err))
	} else if n > 0 {
		log.Info("recovered interrupted executions", zap.Int64("count", n))
	}

	schedEngine := scheduler.NewEngine(schedules, queueMgr, execs, actService, log)
	schedEngine.Start()
	defer schedEngine.Stop()

	notifier := notify.NewService(cfg.Notify, log)
	procEngine := process.NewEngine(processes, queueMgr, execs, queueMgr, eventBus, notifier, log)
	defer procEngine.Close()
	if err := procEngine.RecoverInterrupted(ctx); err != nil {
		log.Warn("process run recovery failed", zap.Error(err))
	}

	users := user.NewService(userStore, cfg.Auth, log)
	if err := users.EnsureBootstrapAdmin(ctx); err != nil {
		return fmt.Errorf("bootstrap admin: %w", err)
	}
	users.StartSessionPruner(ctx, 10*time.Minute)

	startRetention(ctx, cfg.Retention, actService, execs, log)

	server := gateway.NewServer(gateway.Deps{
		Config:    cfg.Server,
		Users:     users,
		Matrix:    access.NewMatrix(agents),
		Agents:    agents,
		Lifecycle: manager,
		Queue:     queueMgr,
		Execs:     execs,
		Sessions:  sessions,
		Activity:  actService,
		Schedules: schedules,
		SchedEng:  schedEngine,
		Processes: processes,
		ProcEng:   procEngine,
		Templates: templates,
		Docker:    dockerClient,
		Bus:       eventBus,
		Secrets:   secrets.NewHandler(secretsSvc, respond, log),
		Responder: respond,
		Logger:    log,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := server.Run(ctx); err != nil {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		return fmt.Errorf("gateway: %w", err)
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("gateway shutdown incomplete", zap.Error(err))
	}
	_ = tracing.Shutdown(shutdownCtx)
	log.Info("trinity stopped")
	return nil
}

// startRetention prunes activities and executions on their configured
// windows.
func startRetention(ctx context.Context, cfg config.RetentionConfig, act *activity.Service, execs *queue.ExecStore, log *logger.Logger) {
	if cfg.Activities > 0 {
		act.StartPruner(ctx, time.Duration(cfg.Activities)*time.Hour, time.Hour)
	}
	if cfg.Executions <= 0 {
		return
	}
	window := time.Duration(cfg.Executions) * time.Hour
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := execs.DeleteOlderThan(ctx, time.Now().Add(-window)); err != nil {
					log.Warn("execution prune failed", zap.Error(err))
				} else if n > 0 {
					log.Debug("pruned executions", zap.Int64("removed", n))
				}
			}
		}
	}()
}

func writePidFile() error {
	path := pidFile()
	if data, err := os.ReadFile(path); err == nil {
		if pid, err := strconv.Atoi(string(data)); err == nil && processAlive(pid) {
			return fmt.Errorf("trinity already running (pid %d)", pid)
		}
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
