package core

// EventType names a push channel event.
type EventType string

const (
	EventCreated   EventType = "job:created"
	EventProgress  EventType = "job:progress"
	EventCompleted EventType = "job:completed"
	EventError     EventType = "job:error"
	EventCancelled EventType = "job:cancelled"
)

// Event is one state change of a Job as seen by push subscribers.
// Version increases by one with every event of the same Job.
type Event struct {
	Type     EventType         `json:"type"`
	JobID    string            `json:"jobId"`
	TenantID string            `json:"-"`
	Version  uint64            `json:"version"`
	Snapshot *ProgressSnapshot `json:"snapshot,omitempty"`
	Reason   string            `json:"reason,omitempty"`
}

// Terminal reports whether no event of the same Job follows this one.
func (e Event) Terminal() bool {
	switch e.Type {
	case EventCompleted, EventError, EventCancelled:
		return true
	}
	return false
}

// EventPublisher receives every Job event. Publish must not block.
type EventPublisher interface {
	Publish(Event)
}

// EventPublisherFunc adapts a function to EventPublisher.
type EventPublisherFunc func(Event)

func (f EventPublisherFunc) Publish(e Event) { f(e) }

func eventFor(status JobStatus) EventType {
	switch status {
	case StatusCompleted:
		return EventCompleted
	case StatusError:
		return EventError
	case StatusCancelled:
		return EventCancelled
	}
	return EventProgress
}
