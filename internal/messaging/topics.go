package messaging

// Topic constants for the poolwatch messaging fabric
const (
	// Core telemetry topics
	TopicWork          = "poolwatch.work"          // poolwatchd → downstream analytics
	TopicConfirmations = "poolwatch.confirmations" // confirmation watcher → downstream
	TopicSessions      = "poolwatch.sessions"      // session lifecycle events
)
