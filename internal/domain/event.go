package domain

import "encoding/json"

// EventType tags the known kinds of stream events. The Details payload stays
// open-ended since agent runtimes emit arbitrary structures.
type EventType string

const (
	EventTask      EventType = "task"      // initial envelope describing the submitted task
	EventInfo      EventType = "info"      // orchestration notices (waiting, startup)
	EventSession   EventType = "session"   // session assignment
	EventAgent     EventType = "event"     // normalized agent runtime event
	EventError     EventType = "error"     // execution failure
	EventSuccess   EventType = "success"   // stream finished cleanly
	EventResult    EventType = "result"    // final agent answer
	EventCancelled EventType = "cancelled" // task cancelled
)

// Event is one record of a task's event stream.
type Event struct {
	Type        EventType       `json:"type"`
	Message     string          `json:"message,omitempty"`
	TaskID      string          `json:"taskId,omitempty"`
	Status      TaskStatus      `json:"status,omitempty"`
	ServerURL   string          `json:"serverUrl,omitempty"`
	ViewerURL   string          `json:"xpraUrl,omitempty"`
	RunID       int64           `json:"runId,omitempty"`
	TestCaseID  int64           `json:"testCaseId,omitempty"`
	TestCaseRef string          `json:"testCaseReference,omitempty"`
	EventName   string          `json:"eventName,omitempty"`
	EventSource string          `json:"eventSource,omitempty"`
	Details     json.RawMessage `json:"details,omitempty"`
}

// Level maps an event type to a run-log level.
func (e Event) Level() string {
	switch e.Type {
	case "", EventTask:
		return "info"
	default:
		return string(e.Type)
	}
}
