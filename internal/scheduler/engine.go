package scheduler

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/trinity/trinity/internal/activity"
	apperrors "github.com/trinity/trinity/internal/common/errors"
	"github.com/trinity/trinity/internal/common/logger"
	"github.com/trinity/trinity/internal/events"
	v1 "github.com/trinity/trinity/pkg/api/v1"
)

// TickInterval is how often the engine looks for due schedules. Cron
// granularity is one minute, so half that is plenty.
const TickInterval = 30 * time.Second

// Enqueuer is the slice of the execution queue the engine uses.
type Enqueuer interface {
	Enqueue(ctx context.Context, agent string, req *v1.EnqueueRequest, caller, origin string) (*v1.Execution, error)
}

// ActiveCounter counts a caller's in-progress executions.
type ActiveCounter interface {
	CountActive(ctx context.Context, caller string) (int, error)
}

// Engine drives schedules: a ticker claims due ones and pushes their
// messages onto the agents' queues.
type Engine struct {
	store    *Store
	queue    Enqueuer
	active   ActiveCounter
	activity *activity.Service
	logger   *logger.Logger
	interval time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// NewEngine creates the scheduler engine.
func NewEngine(store *Store, q Enqueuer, active ActiveCounter, act *activity.Service, log *logger.Logger) *Engine {
	return &Engine{
		store:    store,
		queue:    q,
		active:   active,
		activity: act,
		logger:   log.WithFields(zap.String("component", "scheduler")),
		interval: TickInterval,
	}
}

// Start launches the tick loop. Stop with Stop.
func (e *Engine) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.done = make(chan struct{})
	go func() {
		defer close(e.done)
		ticker := time.NewTicker(e.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				e.tick(ctx)
			}
		}
	}()
}

// Stop halts the tick loop and waits for it to exit.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
		<-e.done
	}
}

// tick claims and fires every schedule that has come due.
func (e *Engine) tick(ctx context.Context) {
	for {
		sched, err := e.store.ClaimDue(ctx, time.Now())
		if err != nil {
			e.logger.Warn("claim due schedule failed", zap.Error(err))
			return
		}
		if sched == nil {
			return
		}
		e.fire(ctx, sched)
	}
}

func callerID(scheduleID string) string { return "schedule:" + scheduleID }

// renderMessage expands the occurrence placeholders in a schedule's
// message template. Messages without placeholders pass through unchanged.
func renderMessage(sched *v1.Schedule, fireTime time.Time) string {
	return strings.NewReplacer(
		"{{schedule.name}}", sched.Name,
		"{{schedule.id}}", sched.ID,
		"{{fire_time}}", fireTime.UTC().Format(time.RFC3339),
	).Replace(sched.Message)
}

// fire enqueues one occurrence unless the schedule is already at its
// concurrency limit, in which case the occurrence is skipped, not queued.
func (e *Engine) fire(ctx context.Context, sched *v1.Schedule) {
	caller := callerID(sched.ID)

	active, err := e.active.CountActive(ctx, caller)
	if err != nil {
		e.logger.Warn("count active failed", zap.String("schedule", sched.ID), zap.Error(err))
		return
	}
	if active >= sched.MaxConcurrency {
		e.activity.Record(ctx, sched.AgentName, events.KindLifecycle, map[string]any{
			"event":       events.ScheduleSkipped,
			"schedule_id": sched.ID,
			"active":      active,
		})
		e.logger.Info("schedule skipped at concurrency limit",
			zap.String("schedule", sched.ID), zap.Int("active", active))
		return
	}

	exec, err := e.queue.Enqueue(ctx, sched.AgentName, &v1.EnqueueRequest{
		Message: renderMessage(sched, time.Now()),
	}, caller, v1.OriginSchedule)
	if err != nil {
		e.activity.Record(ctx, sched.AgentName, events.KindError, map[string]any{
			"event":       events.ScheduleSkipped,
			"schedule_id": sched.ID,
			"error":       err.Error(),
		})
		e.logger.Warn("schedule enqueue failed",
			zap.String("schedule", sched.ID), zap.Error(err))
		return
	}
	e.activity.Record(ctx, sched.AgentName, events.KindLifecycle, map[string]any{
		"event":        events.ScheduleFired,
		"schedule_id":  sched.ID,
		"execution_id": exec.ID,
	})
}

// TriggerNow fires one schedule immediately, outside its cron cadence. The
// concurrency limit still applies.
func (e *Engine) TriggerNow(ctx context.Context, id string) error {
	sched, err := e.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if sched.Paused {
		return apperrors.Conflict("schedule %s is paused", id)
	}
	e.fire(ctx, sched)
	return nil
}

// PauseAll is the emergency stop: every schedule is paused in one call.
func (e *Engine) PauseAll(ctx context.Context) (int64, error) {
	n, err := e.store.PauseAll(ctx)
	if err != nil {
		return 0, err
	}
	e.logger.Info("all schedules paused", zap.Int64("count", n))
	return n, nil
}
