package websocket

import (
	"context"

	"go.uber.org/zap"

	"github.com/kandev/orchestrator/internal/common/logger"
	"github.com/kandev/orchestrator/internal/events/bus"
	ws "github.com/kandev/orchestrator/pkg/websocket"
)

// EventBridge subscribes to every session-scoped subject on the event
// bus and republishes each event as a Notification to that session's
// subscribed WebSocket clients.
type EventBridge struct {
	hub *Hub
	bus bus.EventBus
	log *logger.Logger
	sub bus.Subscription
}

// NewEventBridge wires hub to eventBus. Call Close when the hub shuts down.
func NewEventBridge(hub *Hub, eventBus bus.EventBus, log *logger.Logger) (*EventBridge, error) {
	b := &EventBridge{hub: hub, bus: eventBus, log: log.WithFields(zap.String("component", "ws_event_bridge"))}
	sub, err := eventBus.Subscribe(">", b.onEvent)
	if err != nil {
		return nil, err
	}
	b.sub = sub
	return b, nil
}

// Close tears down the underlying bus subscription.
func (b *EventBridge) Close() error {
	if b.sub == nil {
		return nil
	}
	return b.sub.Unsubscribe()
}

func (b *EventBridge) onEvent(ctx context.Context, evt *bus.Event) error {
	sessionID, _ := evt.Data["sessionId"].(string)
	if sessionID == "" {
		// Background agent events key their session under
		// parentSessionId since an Agent carries no sessionId field.
		sessionID, _ = evt.Data["parentSessionId"].(string)
	}
	if sessionID == "" {
		return nil
	}

	notif, err := ws.NewNotification(evt.Type, evt.Data)
	if err != nil {
		b.log.Warn("failed to build notification", zap.Error(err), zap.String("event_type", evt.Type))
		return nil
	}
	b.hub.BroadcastToSession(sessionID, notif)
	return nil
}
