package schema

import "strings"

// Topic names a pub/sub routing key. The topic grammar is a stable contract
// shared with downstream consumers; helpers below are the only producers.
type Topic string

const (
	// TopicOBSEvents carries every OBS event regardless of session.
	TopicOBSEvents Topic = "obs:events"
	// TopicOBSStats carries periodic OBS performance snapshots.
	TopicOBSStats Topic = "obs:stats"
	// TopicDashboard is the firehose consumed by the dashboard channel layer.
	TopicDashboard Topic = "dashboard"
	// TopicChat is the legacy chat-message topic.
	TopicChat Topic = "chat"
	// TopicChannelUpdates is the legacy channel-metadata topic.
	TopicChannelUpdates Topic = "channel:updates"
	// TopicStreamStatus is the legacy stream online/offline topic.
	TopicStreamStatus Topic = "stream_status"
	// TopicFollowers is the legacy follower topic.
	TopicFollowers Topic = "followers"
	// TopicSubscriptions is the legacy subscription topic.
	TopicSubscriptions Topic = "subscriptions"
	// TopicCheers is the legacy cheer topic.
	TopicCheers Topic = "cheers"
	// TopicTranscription carries broadcaster speech-to-text segments.
	TopicTranscription Topic = "transcription"
	// TopicCorrelationTemporal carries speech/chat correlation results.
	TopicCorrelationTemporal Topic = "correlation:temporal"
)

// OBSSessionEvents returns the per-session OBS event topic.
func OBSSessionEvents(sessionID string) Topic {
	return Topic("obs:" + strings.TrimSpace(sessionID) + ":events")
}

// OBSSessionEvent returns the per-session, per-type OBS event topic.
func OBSSessionEvent(sessionID, eventType string) Topic {
	return Topic("obs:" + strings.TrimSpace(sessionID) + ":" + strings.TrimSpace(eventType))
}

// TwitchEvent returns the type-specific Twitch topic.
func TwitchEvent(eventType string) Topic {
	return Topic("twitch:" + strings.TrimSpace(eventType))
}

// LegacyTwitchTopic maps a Twitch event type to its legacy topic, when one
// exists. The mapping is part of the downstream contract and must not grow
// silently.
func LegacyTwitchTopic(eventType string) (Topic, bool) {
	switch eventType {
	case "channel.chat.message", "channel.chat.clear", "channel.chat.message_delete":
		return TopicChat, true
	case "channel.follow":
		return TopicFollowers, true
	case "channel.subscribe", "channel.subscription.gift":
		return TopicSubscriptions, true
	case "channel.cheer":
		return TopicCheers, true
	case "stream.online", "stream.offline":
		return TopicStreamStatus, true
	case "channel.update":
		return TopicChannelUpdates, true
	default:
		return "", false
	}
}
