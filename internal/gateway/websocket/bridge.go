package websocket

import (
	"context"

	"go.uber.org/zap"

	"github.com/covey-ai/covey/internal/common/logger"
	"github.com/covey-ai/covey/internal/events"
	"github.com/covey-ai/covey/internal/events/bus"
)

// Bridge forwards orchestrator events from the event bus to the
// WebSocket hub, attaching a routing topic where the event names an
// entity.
type Bridge struct {
	eventBus bus.EventBus
	hub      *Hub
	logger   *logger.Logger
	subs     []bus.Subscription
}

// NewBridge creates a bridge between the bus and the hub.
func NewBridge(eventBus bus.EventBus, hub *Hub, log *logger.Logger) *Bridge {
	return &Bridge{
		eventBus: eventBus,
		hub:      hub,
		logger:   log.WithFields(zap.String("component", "ws-bridge")),
	}
}

// Start subscribes to every outbound event family.
func (b *Bridge) Start() error {
	subjects := []struct {
		pattern string
		topic   func(event *bus.Event) string
	}{
		{events.BuildMessageUpdateWildcardSubject(), topicFromData("id", "message")},
		{events.BuildWorkflowUpdateWildcardSubject(), topicFromData("workflowId", "workflow")},
		{events.BuildAgentUpdateWildcardSubject(), topicFromData("agentId", "agent")},
		{events.BuildAgentLifecycleWildcardSubject(), topicFromData("agentId", "agent")},
		{events.SessionPaused, topicFromData("sessionId", "session")},
		{events.SessionResumed, topicFromData("sessionId", "session")},
		{events.SchedulerDegraded, func(*bus.Event) string { return "scheduler" }},
		{events.SchedulerRecovered, func(*bus.Event) string { return "scheduler" }},
	}

	for _, subject := range subjects {
		topicFn := subject.topic
		sub, err := b.eventBus.Subscribe(subject.pattern, func(_ context.Context, event *bus.Event) error {
			b.hub.Broadcast(&Message{
				Type:      event.Type,
				Topic:     topicFn(event),
				Data:      event.Data,
				Timestamp: event.Timestamp,
			})
			return nil
		})
		if err != nil {
			b.Stop()
			return err
		}
		b.subs = append(b.subs, sub)
	}

	b.logger.Info("event bridge started", zap.Int("subscriptions", len(b.subs)))
	return nil
}

// Stop unsubscribes from the bus.
func (b *Bridge) Stop() {
	for _, sub := range b.subs {
		if err := sub.Unsubscribe(); err != nil {
			b.logger.Warn("unsubscribe failed", zap.Error(err))
		}
	}
	b.subs = nil
}

// topicFromData builds "<prefix>:<id>" from an event data field, or
// empty when the field is absent.
func topicFromData(field, prefix string) func(*bus.Event) string {
	return func(event *bus.Event) string {
		if id, ok := event.Data[field].(string); ok && id != "" {
			return prefix + ":" + id
		}
		return ""
	}
}
