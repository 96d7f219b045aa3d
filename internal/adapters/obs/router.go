package obs

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/hovercast/hovercast/internal/domain/schema"
	"github.com/hovercast/hovercast/internal/infra/bus/eventbus"
	"github.com/hovercast/hovercast/internal/infra/telemetry"
	"github.com/hovercast/hovercast/internal/observability"
)

// EventRouter publishes decoded OBS events onto the bus. Each event fans out
// to the global firehose, the per-session stream, and the per-session
// per-type topic, preserving socket order.
type EventRouter struct {
	sessionID string
	bus       eventbus.Bus
	in        <-chan DomainEvent

	eventCounter metric.Int64Counter
}

// NewEventRouter consumes the connection's decoded event stream.
func NewEventRouter(sessionID string, bus eventbus.Bus, in <-chan DomainEvent) *EventRouter {
	r := &EventRouter{sessionID: sessionID, bus: bus, in: in}
	meter := otel.Meter("obs")
	r.eventCounter, _ = meter.Int64Counter("obs.events.routed",
		metric.WithDescription("OBS events published to the bus"),
		metric.WithUnit("{event}"))
	return r
}

// Run routes until the input channel closes or ctx is cancelled.
func (r *EventRouter) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-r.in:
			if !ok {
				return nil
			}
			r.route(ctx, ev)
		}
	}
}

func (r *EventRouter) route(ctx context.Context, ev DomainEvent) {
	topics := []schema.Topic{
		schema.TopicOBSEvents,
		schema.OBSSessionEvents(r.sessionID),
		schema.OBSSessionEvent(r.sessionID, ev.Type),
	}
	for _, topic := range topics {
		evt := &schema.Event{
			Topic:     topic,
			Type:      ev.Type,
			Source:    schema.SourceOBS,
			SessionID: r.sessionID,
			Timestamp: ev.At,
			Payload:   ev.Data,
		}
		if err := r.bus.Publish(ctx, evt); err != nil {
			observability.Log().Warn("obs event publish failed",
				observability.Field{Key: "session_id", Value: r.sessionID},
				observability.Field{Key: "topic", Value: string(topic)},
				observability.Field{Key: "error", Value: err},
			)
			return
		}
	}
	r.eventCounter.Add(ctx, 1, metric.WithAttributes(
		telemetry.EventAttributes(telemetry.Environment(), "obs", ev.Type)...))
}
