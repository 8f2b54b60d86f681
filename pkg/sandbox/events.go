package sandbox

import "time"

// EventType names one discrete progress event pushed to the UI.
type EventType string

const (
	EventStartupStarted   EventType = "sandbox-startup-started"
	EventStartupProgress  EventType = "sandbox-startup-progress"
	EventStartupCompleted EventType = "sandbox-startup-completed"
	EventStartupFailed    EventType = "sandbox-startup-failed"

	EventServerStarting EventType = "tool-server-starting"
	EventServerStarted  EventType = "tool-server-started"
	EventServerFailed   EventType = "tool-server-failed"
	EventServerStopped  EventType = "tool-server-stopped"
)

// Event is one progress/status message. Percentage is 0-100 and only
// meaningful for progress events; ToolServerID is set on per-server events.
type Event struct {
	Type         EventType `json:"type"`
	ToolServerID string    `json:"tool_server_id,omitempty"`
	Message      string    `json:"message,omitempty"`
	Percentage   int       `json:"percentage,omitempty"`
	Time         time.Time `json:"time"`
}

// ProgressSink receives progress events. It is push-only: the orchestrator
// never waits on delivery, and implementations must not block.
type ProgressSink interface {
	Emit(ev Event)
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) Emit(Event) {}
