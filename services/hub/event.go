package hub

import (
	"time"

	"ml_backend_project/models"
)

// Event types delivered to WebSocket clients
const (
	EventConnectionEstablished = "connection_established"
	EventSessionSubscribed     = "session_subscribed"
	EventSessionUnsubscribed   = "session_unsubscribed"
	EventProgress              = "progress"
	EventResourceUsage         = "resource_usage"
	EventCompleted             = "completed"
	EventFailed                = "failed"
	EventCancelled             = "cancelled"
	EventPing                  = "ping"
	EventPong                  = "pong"
	EventError                 = "error"
)

// Event is the message envelope delivered to clients, tagged by Type.
// Unused fields are omitted from the wire format.
type Event struct {
	Type         string            `json:"type"`
	ConnectionID string            `json:"connectionId,omitempty"`
	SessionID    uint              `json:"sessionId,omitempty"`
	Step         int               `json:"step,omitempty"`
	TotalSteps   int               `json:"totalSteps,omitempty"`
	Progress     float64           `json:"progress,omitempty"`
	Metrics      models.MetricsMap `json:"metrics,omitempty"`
	FinalMetrics models.MetricsMap `json:"finalMetrics,omitempty"`
	CPU          float64           `json:"cpu,omitempty"`
	MemoryMB     float64           `json:"memoryMb,omitempty"`
	GPU          float64           `json:"gpu,omitempty"`
	ErrorMessage string            `json:"errorMessage,omitempty"`
	Message      string            `json:"message,omitempty"`
	Time         string            `json:"time,omitempty"`
}

func stamp(e Event) Event {
	e.Time = time.Now().Format(time.RFC3339)
	return e
}

// NewProgressEvent builds a progress event from current session state
func NewProgressEvent(session *models.Session) Event {
	return stamp(Event{
		Type:       EventProgress,
		SessionID:  session.ID,
		Step:       session.CurrentStep,
		TotalSteps: session.TotalSteps,
		Progress:   session.Progress,
		Metrics:    session.LatestMetrics,
	})
}

// NewCompletedEvent builds the terminal completed event
func NewCompletedEvent(session *models.Session) Event {
	return stamp(Event{
		Type:         EventCompleted,
		SessionID:    session.ID,
		Progress:     session.Progress,
		FinalMetrics: session.LatestMetrics,
	})
}

// NewFailedEvent builds the terminal failed event
func NewFailedEvent(session *models.Session) Event {
	return stamp(Event{
		Type:         EventFailed,
		SessionID:    session.ID,
		Progress:     session.Progress,
		ErrorMessage: session.ErrorMessage,
	})
}

// NewCancelledEvent builds the terminal cancelled event
func NewCancelledEvent(sessionID uint) Event {
	return stamp(Event{
		Type:      EventCancelled,
		SessionID: sessionID,
	})
}

// NewResourceUsageEvent builds a resource utilization event
func NewResourceUsageEvent(sessionID uint, cpu, memoryMB, gpu float64) Event {
	return stamp(Event{
		Type:      EventResourceUsage,
		SessionID: sessionID,
		CPU:       cpu,
		MemoryMB:  memoryMB,
		GPU:       gpu,
	})
}

// NewErrorEvent reports a malformed client request back to the sender
func NewErrorEvent(message string) Event {
	return stamp(Event{Type: EventError, Message: message})
}
