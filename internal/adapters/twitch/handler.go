package twitch

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/hovercast/hovercast/internal/activitylog"
	"github.com/hovercast/hovercast/internal/domain/schema"
	"github.com/hovercast/hovercast/internal/infra/bus/eventbus"
	"github.com/hovercast/hovercast/internal/infra/telemetry"
	"github.com/hovercast/hovercast/internal/observability"
)

// persistableEvents name the types handed to the activity log.
var persistableEvents = map[string]bool{
	"stream.online":               true,
	"stream.offline":              true,
	"channel.update":              true,
	"channel.follow":              true,
	"channel.subscribe":           true,
	"channel.subscription.gift":   true,
	"channel.cheer":               true,
	"channel.chat.message":        true,
	"channel.chat.clear":          true,
	"channel.chat.message_delete": true,
}

// EventHandler normalizes notifications into the canonical envelope and fans
// them out: the dashboard firehose, the type-specific topic, and the legacy
// topic when one exists. Persistable events are additionally handed to the
// activity-log writer; that handoff never blocks.
type EventHandler struct {
	bus    eventbus.Bus
	writer *activitylog.Writer

	notificationCounter metric.Int64Counter
}

// NewEventHandler wires the fan-out. writer may be nil when the activity log
// is disabled.
func NewEventHandler(bus eventbus.Bus, writer *activitylog.Writer) *EventHandler {
	h := &EventHandler{bus: bus, writer: writer}
	meter := otel.Meter("twitch")
	h.notificationCounter, _ = meter.Int64Counter("twitch.notifications",
		metric.WithDescription("EventSub notifications by type and broadcaster"))
	return h
}

// HandleNotification normalizes and publishes one notification. messageID is
// the EventSub envelope id and becomes the canonical event id.
func (h *EventHandler) HandleNotification(ctx context.Context, messageID, eventType string, event map[string]any) {
	broadcasterID := stringField(event, "broadcaster_user_id")
	if messageID == "" || broadcasterID == "" {
		observability.Log().Warn("notification rejected; identity fields missing",
			observability.Field{Key: "event_type", Value: eventType},
			observability.Field{Key: "message_id", Value: messageID},
			observability.Field{Key: "broadcaster_user_id", Value: broadcasterID},
		)
		return
	}

	now := time.Now()
	payload := map[string]any{
		"type":                   eventType,
		"id":                     messageID,
		"broadcaster_user_id":    broadcasterID,
		"broadcaster_user_login": stringField(event, "broadcaster_user_login"),
		"broadcaster_user_name":  stringField(event, "broadcaster_user_name"),
		"timestamp":              now.UTC().Format(time.RFC3339),
	}
	normalize(eventType, event, payload)

	if h.notificationCounter != nil {
		h.notificationCounter.Add(ctx, 1, metric.WithAttributes(
			telemetry.NotificationAttributes(telemetry.Environment(), eventType, broadcasterID)...))
	}

	h.publish(ctx, schema.TopicDashboard, eventType, messageID, now, payload)
	h.publish(ctx, schema.TwitchEvent(eventType), eventType, messageID, now, payload)
	if legacy, ok := schema.LegacyTwitchTopic(eventType); ok {
		h.publish(ctx, legacy, eventType, messageID, now, payload)
	}

	if h.writer != nil && persistableEvents[eventType] {
		h.writer.Enqueue(activitylog.Entry{
			EventType:     eventType,
			BroadcasterID: broadcasterID,
			UserID:        firstNonEmpty(stringField(event, "user_id"), stringField(event, "chatter_user_id")),
			UserLogin:     firstNonEmpty(stringField(event, "user_login"), stringField(event, "chatter_user_login")),
			UserName:      firstNonEmpty(stringField(event, "user_name"), stringField(event, "chatter_user_name")),
			Payload:       payload,
			OccurredAt:    now,
		})
	}
}

func (h *EventHandler) publish(ctx context.Context, topic schema.Topic, eventType, id string, at time.Time, payload map[string]any) {
	err := h.bus.Publish(ctx, &schema.Event{
		Topic:     topic,
		Type:      eventType,
		Source:    schema.SourceTwitch,
		ID:        id,
		Timestamp: at,
		Payload:   payload,
	})
	if err != nil {
		observability.Log().Warn("notification publish failed",
			observability.Field{Key: "topic", Value: topic},
			observability.Field{Key: "event_type", Value: eventType},
			observability.Field{Key: "error", Value: err},
		)
	}
}

// normalize copies the per-type fields into the canonical payload.
func normalize(eventType string, event, payload map[string]any) {
	switch eventType {
	case "stream.online":
		payload["stream_id"] = stringField(event, "id")
		payload["stream_type"] = stringField(event, "type")
		payload["started_at"] = stringField(event, "started_at")
	case "channel.follow":
		copyFields(event, payload, "user_id", "user_login", "user_name", "followed_at")
	case "channel.subscribe":
		copyFields(event, payload, "user_id", "user_login", "user_name", "tier", "is_gift")
	case "channel.subscription.gift":
		copyFields(event, payload, "user_id", "user_login", "user_name",
			"tier", "total", "cumulative_total", "is_anonymous")
	case "channel.cheer":
		copyFields(event, payload, "user_id", "user_login", "user_name",
			"is_anonymous", "bits", "message")
	case "channel.update":
		copyFields(event, payload, "title", "language", "category_id", "category_name")
	case "channel.chat.message":
		copyFields(event, payload, "message_id", "chatter_user_id", "chatter_user_login",
			"chatter_user_name", "color", "badges", "message_type", "cheer", "reply",
			"channel_points_custom_reward_id")
		// The wire message is {text, fragments[]}; downstream wants the text
		// under message and the fragments alongside.
		if msg, ok := event["message"].(map[string]any); ok {
			payload["message"] = stringField(msg, "text")
			if fragments, ok := msg["fragments"]; ok {
				payload["fragments"] = fragments
			}
		}
	case "channel.chat.message_delete":
		copyFields(event, payload, "target_user_id", "target_user_login",
			"target_user_name", "message_id")
	case "channel.chat.clear", "stream.offline":
		// Envelope fields only.
	}
}

func copyFields(src, dst map[string]any, keys ...string) {
	for _, key := range keys {
		if value, ok := src[key]; ok {
			dst[key] = value
		}
	}
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
