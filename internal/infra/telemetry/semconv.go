package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Semantic convention attribute keys for Hovercast-specific telemetry.
// Following OpenTelemetry naming conventions: namespace.attribute_name

const (
	// AttrEventType annotates counters with the upstream event classification
	// (OBS eventType or Twitch subscription type).
	AttrEventType = attribute.Key("event.type")
	// AttrProvider identifies which upstream protocol produced the signal (obs, twitch).
	AttrProvider = attribute.Key("provider")
	// AttrSessionID labels session-scoped signals with the owning session.
	AttrSessionID = attribute.Key("session.id")
	// AttrTopic captures the bus topic a publish targeted.
	AttrTopic = attribute.Key("topic")
	// AttrMessageType differentiates payload classes inside a single transport stream
	// (Twitch message_type, OBS opcode name).
	AttrMessageType = attribute.Key("message.type")
	// AttrRequestType records the OBS request type for request telemetry.
	AttrRequestType = attribute.Key("request.type")
	// AttrBroadcaster labels Twitch notification counters with the broadcaster id.
	AttrBroadcaster = attribute.Key("broadcaster.id")
	// AttrPattern labels correlation emissions with the matched pattern type.
	AttrPattern = attribute.Key("pattern")
	// AttrOperation differentiates specific operations (create_subscription, refresh, ...).
	AttrOperation = attribute.Key("operation")
	// AttrResult records the outcome of an operation (success, error class, etc.).
	AttrResult = attribute.Key("result")
	// AttrEnvironment specifies the deployment environment (dev/staging/prod) for every metric.
	AttrEnvironment = attribute.Key("environment")
	// AttrErrorType categorizes failures by error kind.
	AttrErrorType = attribute.Key("error.type")
	// AttrReason provides additional context for errors/drops.
	AttrReason = attribute.Key("reason")
	// AttrConnectionState labels connection lifecycle signals (connected, reconnecting, ...).
	AttrConnectionState = attribute.Key("connection.state")
)

// Helper functions for creating common attribute sets

// EventAttributes returns common attributes for event metrics.
func EventAttributes(environment, provider, eventType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrProvider.String(provider),
		AttrEventType.String(eventType),
	}
}

// NotificationAttributes returns attributes for Twitch notification counters.
func NotificationAttributes(environment, eventType, broadcasterID string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrProvider.String("twitch"),
		AttrEventType.String(eventType),
	}
	if broadcasterID != "" {
		attrs = append(attrs, AttrBroadcaster.String(broadcasterID))
	}
	return attrs
}

// RequestAttributes returns attributes for OBS request metrics.
func RequestAttributes(environment, sessionID, requestType, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrProvider.String("obs"),
		AttrSessionID.String(sessionID),
		AttrRequestType.String(requestType),
		AttrResult.String(result),
	}
}

// ErrorAttributes returns attributes for error metrics.
func ErrorAttributes(environment, errorType, reason string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrErrorType.String(errorType),
		AttrReason.String(reason),
	}
}

// ConnectionAttributes returns attributes for connection state metrics.
func ConnectionAttributes(environment, provider, state string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrProvider.String(provider),
		AttrConnectionState.String(state),
	}
}

// OperationResultAttributes returns attributes for operation metrics with result classification.
func OperationResultAttributes(environment, provider, operation, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrProvider.String(provider),
		AttrOperation.String(operation),
		AttrResult.String(result),
	}
}
