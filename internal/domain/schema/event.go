// Package schema defines the canonical event envelope and topic contract.
package schema

import (
	"strings"
	"time"

	"github.com/hovercast/hovercast/errs"
)

// Source identifies the subsystem that produced an event.
type Source string

const (
	// SourceOBS designates events observed on an OBS WebSocket session.
	SourceOBS Source = "obs"
	// SourceTwitch designates events received from Twitch EventSub.
	SourceTwitch Source = "twitch"
	// SourceCorrelation designates events emitted by the correlation engine.
	SourceCorrelation Source = "correlation"
	// SourceSystem designates events emitted by the runtime itself.
	SourceSystem Source = "system"
)

// Event is the canonical envelope delivered on the in-process bus.
type Event struct {
	// Topic the event is published on; subscribers match on exact topic.
	Topic Topic `json:"topic"`
	// Type is the upstream event type (OBS eventType, Twitch subscription type,
	// or an internal tag such as scene_current_changed).
	Type string `json:"type"`
	// Source names the producing subsystem.
	Source Source `json:"source"`
	// SessionID carries the owning session identifier when the event is
	// session-scoped; empty for process-wide events.
	SessionID string `json:"session_id,omitempty"`
	// ID is the upstream identifier when one exists (Twitch message id,
	// correlation id); publishers may leave it empty.
	ID string `json:"id,omitempty"`
	// Timestamp is the event time as observed by the producer.
	Timestamp time.Time `json:"timestamp"`
	// Payload carries the normalized event body.
	Payload map[string]any `json:"payload,omitempty"`
}

// Validate ensures the envelope satisfies the bus contract.
func (e *Event) Validate() error {
	if e == nil {
		return errs.New("schema/event", errs.KindInvalid, errs.WithMessage("event required"))
	}
	if strings.TrimSpace(string(e.Topic)) == "" {
		return errs.New("schema/event", errs.KindInvalid, errs.WithMessage("topic required"))
	}
	if strings.TrimSpace(e.Type) == "" {
		return errs.New("schema/event", errs.KindInvalid, errs.WithMessage("event type required"))
	}
	if strings.TrimSpace(string(e.Source)) == "" {
		return errs.New("schema/event", errs.KindInvalid, errs.WithMessage("source required"))
	}
	return nil
}

// Clone returns a deep copy of the event; subscribers that mutate payloads
// must operate on a clone.
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	out := *e
	out.Payload = clonePayload(e.Payload)
	return &out
}

func clonePayload(payload map[string]any) map[string]any {
	if payload == nil {
		return nil
	}
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		switch value := v.(type) {
		case map[string]any:
			out[k] = clonePayload(value)
		case []any:
			items := make([]any, len(value))
			for i, item := range value {
				if nested, ok := item.(map[string]any); ok {
					items[i] = clonePayload(nested)
					continue
				}
				items[i] = item
			}
			out[k] = items
		default:
			out[k] = v
		}
	}
	return out
}
