package twitch

import (
	"context"

	"github.com/hovercast/hovercast/internal/observability"
)

// SessionSink receives session lifecycle signals from the router.
type SessionSink interface {
	HandleWelcome(ctx context.Context, session SessionInfo)
	HandleRevocation(ctx context.Context, sub Subscription)
	HandleDisconnect()
}

// NotificationSink receives decoded notifications.
type NotificationSink interface {
	HandleNotification(ctx context.Context, messageID, eventType string, event map[string]any)
}

// MessageRouter dispatches decoded EventSub messages by metadata type. It
// holds no state of its own; reconnect handling already happened in the
// connection manager before the message reached the router.
type MessageRouter struct {
	in       <-chan Message
	sessions SessionSink
	events   NotificationSink
}

// NewMessageRouter consumes in until it closes.
func NewMessageRouter(in <-chan Message, sessions SessionSink, events NotificationSink) *MessageRouter {
	return &MessageRouter{in: in, sessions: sessions, events: events}
}

// Run dispatches until ctx is cancelled or the input closes.
func (r *MessageRouter) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-r.in:
			if !ok {
				return nil
			}
			r.route(ctx, msg)
		}
	}
}

func (r *MessageRouter) route(ctx context.Context, msg Message) {
	switch msg.Metadata.MessageType {
	case MessageWelcome:
		welcome, err := DecodeWelcome(msg)
		if err != nil {
			observability.Log().Warn("welcome payload dropped",
				observability.Field{Key: "error", Value: err})
			return
		}
		r.sessions.HandleWelcome(ctx, welcome.Session)
	case MessageKeepalive:
		// Watchdog reset already happened at the connection layer.
	case MessageReconnect:
		// Endpoint swap already happened at the connection layer.
	case MessageNotification:
		payload, err := DecodeNotification(msg)
		if err != nil {
			observability.Log().Warn("notification payload dropped",
				observability.Field{Key: "error", Value: err})
			return
		}
		r.events.HandleNotification(ctx, msg.Metadata.MessageID, msg.Metadata.SubscriptionType, payload.Event)
	case MessageRevocation:
		payload, err := DecodeNotification(msg)
		if err != nil {
			observability.Log().Warn("revocation payload dropped",
				observability.Field{Key: "error", Value: err})
			return
		}
		observability.Log().Warn("eventsub subscription revoked",
			observability.Field{Key: "subscription_id", Value: payload.Subscription.ID},
			observability.Field{Key: "type", Value: payload.Subscription.Type},
			observability.Field{Key: "status", Value: payload.Subscription.Status},
		)
		r.sessions.HandleRevocation(ctx, payload.Subscription)
	default:
		observability.Log().Warn("unknown eventsub message dropped",
			observability.Field{Key: "message_type", Value: string(msg.Metadata.MessageType)})
	}
}
