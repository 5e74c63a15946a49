package bridge

import "context"

// Lifecycle event actions.
const (
	EventConfigLoaded     = "config_loaded"
	EventConfigFailed     = "config_failed"
	EventSessionConnected = "session_connected"
	EventSessionLost      = "session_lost"
	EventSessionFailed    = "session_failed"
	EventSessionClosed    = "session_closed"
	EventShutdown         = "shutdown"
)

// Event is a bridge lifecycle event.
type Event struct {
	Action string

	// ChannelID is nil for bridge-wide events.
	ChannelID *int

	Detail map[string]any
}

// EventRecorder receives lifecycle events. It is optional; implementations
// must not block for long and must swallow their own errors.
type EventRecorder interface {
	RecordEvent(ctx context.Context, event Event)
}
