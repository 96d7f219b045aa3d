// Package twitch integrates Twitch EventSub over WebSocket with the Helix
// HTTPS surface: connection lifecycle with a keepalive watchdog, subscription
// management, OAuth token upkeep, and notification fan-out onto the bus.
package twitch

import (
	json "github.com/goccy/go-json"

	"github.com/hovercast/hovercast/errs"
)

const source = "twitch"

// MessageType tags every EventSub frame via metadata.message_type.
type MessageType string

const (
	MessageWelcome      MessageType = "session_welcome"
	MessageKeepalive    MessageType = "session_keepalive"
	MessageNotification MessageType = "notification"
	MessageReconnect    MessageType = "session_reconnect"
	MessageRevocation   MessageType = "revocation"
)

// Metadata is the envelope header common to every EventSub message.
type Metadata struct {
	MessageID           string      `json:"message_id"`
	MessageType         MessageType `json:"message_type"`
	MessageTimestamp    string      `json:"message_timestamp"`
	SubscriptionType    string      `json:"subscription_type,omitempty"`
	SubscriptionVersion string      `json:"subscription_version,omitempty"`
}

// Message is a decoded EventSub frame with the payload left raw; the payload
// shape depends on the message type.
type Message struct {
	Metadata Metadata        `json:"metadata"`
	Payload  json.RawMessage `json:"payload"`
}

// SessionInfo describes the server-side EventSub session.
type SessionInfo struct {
	ID                      string `json:"id"`
	Status                  string `json:"status"`
	ConnectedAt             string `json:"connected_at"`
	KeepaliveTimeoutSeconds int    `json:"keepalive_timeout_seconds"`
	ReconnectURL            string `json:"reconnect_url,omitempty"`
}

// WelcomePayload is the session_welcome body.
type WelcomePayload struct {
	Session SessionInfo `json:"session"`
}

// ReconnectPayload is the session_reconnect body; Session.ReconnectURL names
// the replacement endpoint.
type ReconnectPayload struct {
	Session SessionInfo `json:"session"`
}

// SubscriptionTransport binds a subscription to a websocket session.
type SubscriptionTransport struct {
	Method    string `json:"method"`
	SessionID string `json:"session_id"`
}

// Subscription is the Helix EventSub subscription record, carried both in
// notification payloads and in create responses.
type Subscription struct {
	ID        string                `json:"id"`
	Status    string                `json:"status"`
	Type      string                `json:"type"`
	Version   string                `json:"version"`
	Condition map[string]string     `json:"condition"`
	Transport SubscriptionTransport `json:"transport"`
	CreatedAt string                `json:"created_at"`
	Cost      int                   `json:"cost"`
}

// NotificationPayload is the body of notification and revocation messages.
type NotificationPayload struct {
	Subscription Subscription   `json:"subscription"`
	Event        map[string]any `json:"event"`
}

// DecodeMessage parses one EventSub frame.
func DecodeMessage(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, errs.New(source, errs.KindProtocol,
			errs.WithOp("decode_message"),
			errs.WithMessage("malformed eventsub frame"),
			errs.WithCause(err))
	}
	return msg, nil
}

// DecodeWelcome parses the session_welcome payload.
func DecodeWelcome(msg Message) (WelcomePayload, error) {
	var payload WelcomePayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return WelcomePayload{}, errs.New(source, errs.KindProtocol,
			errs.WithOp("decode_welcome"), errs.WithCause(err))
	}
	return payload, nil
}

// DecodeReconnect parses the session_reconnect payload.
func DecodeReconnect(msg Message) (ReconnectPayload, error) {
	var payload ReconnectPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return ReconnectPayload{}, errs.New(source, errs.KindProtocol,
			errs.WithOp("decode_reconnect"), errs.WithCause(err))
	}
	return payload, nil
}

// DecodeNotification parses notification and revocation payloads.
func DecodeNotification(msg Message) (NotificationPayload, error) {
	var payload NotificationPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return NotificationPayload{}, errs.New(source, errs.KindProtocol,
			errs.WithOp("decode_notification"), errs.WithCause(err))
	}
	return payload, nil
}
