package models

import "time"

// EntityType distinguishes what kind of entity an event refers to.
type EntityType string

const (
	EntityTask   EntityType = "task"
	EntityWorker EntityType = "worker"
)

// StateTransitionEvent is published whenever a task or worker changes state.
type StateTransitionEvent struct {
	QueueID    string         `json:"queue_id"`
	EntityType EntityType     `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	FromState  string         `json:"from_state"`
	ToState    string         `json:"to_state"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// EventSubscriptionResponse is the initial frame sent to a new subscriber.
type EventSubscriptionResponse struct {
	Status   string `json:"status"`
	ClientID string `json:"client_id"`
}

// EventResponse is the envelope for a delivered event.
type EventResponse struct {
	Sequence  uint64               `json:"sequence"`
	Timestamp time.Time            `json:"timestamp"`
	Event     StateTransitionEvent `json:"event"`
}
