package activity

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/trinity/trinity/internal/common/logger"
	"github.com/trinity/trinity/internal/events"
	"github.com/trinity/trinity/internal/events/bus"
)

// Service appends activities and fans them out on the event bus. Subject
// layout is activity.<agent>, so subscribers can follow one agent or use a
// wildcard for the whole fleet.
type Service struct {
	store  *Store
	bus    bus.EventBus
	logger *logger.Logger
}

// NewService wires the activity store to the event bus.
func NewService(store *Store, eventBus bus.EventBus, log *logger.Logger) *Service {
	return &Service{
		store:  store,
		bus:    eventBus,
		logger: log.WithFields(zap.String("component", "activity")),
	}
}

// Record appends an activity and publishes it. Publish failures are logged
// but never fail the append; the stream of record is the database.
func (s *Service) Record(ctx context.Context, agent, kind string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Warn("activity payload not serializable",
			zap.String("agent", agent), zap.String("kind", kind), zap.Error(err))
		return
	}

	act, err := s.store.Append(ctx, agent, kind, data)
	if err != nil {
		s.logger.Error("append activity failed",
			zap.String("agent", agent), zap.String("kind", kind), zap.Error(err))
		return
	}

	event := bus.NewEvent(kind, "activity", map[string]any{
		"id":         act.ID,
		"agent_name": act.AgentName,
		"kind":       act.Kind,
		"payload":    json.RawMessage(act.Payload),
		"truncated":  act.Truncated,
		"created_at": act.CreatedAt,
	})
	if err := s.bus.Publish(ctx, events.BuildActivitySubject(agent), event); err != nil {
		s.logger.Warn("publish activity failed",
			zap.String("agent", agent), zap.Error(err))
	}
}

// Store exposes the underlying store for read paths.
func (s *Service) Store() *Store { return s.store }

// StartPruner runs retention pruning on an interval until ctx is cancelled.
func (s *Service) StartPruner(ctx context.Context, window, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := s.store.DeleteOlderThan(ctx, time.Now().Add(-window))
				if err != nil {
					s.logger.Warn("activity prune failed", zap.Error(err))
					continue
				}
				if n > 0 {
					s.logger.Debug("pruned activities", zap.Int64("removed", n))
				}
			}
		}
	}()
}
