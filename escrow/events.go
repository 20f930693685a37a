package escrow

import (
	"encoding/json"

	"github.com/google/uuid"
)

// EventKind names a committed lifecycle transition.
type EventKind string

const (
	EventCreated            EventKind = "created"
	EventClaimed            EventKind = "claimed"
	EventCheckpointVerified EventKind = "checkpoint_verified"
	EventCompleted          EventKind = "completed"
	EventCancelled          EventKind = "cancelled"
)

// Event is published after a transition commits.
type Event struct {
	ID              string    `json:"id"`
	Kind            EventKind `json:"kind"`
	TaskID          string    `json:"task_id"`
	Actor           Identity  `json:"actor"`
	Amount          uint64    `json:"amount,omitempty"`
	CheckpointIndex *int      `json:"checkpoint_index,omitempty"`
	Verified        uint8     `json:"verified,omitempty"`
	At              int64     `json:"at"`

	// Trace carries the W3C trace context of the request that caused the
	// transition.
	Trace map[string]string `json:"trace,omitempty"`
}

func newEvent(kind EventKind, taskID string, actor Identity, at int64) Event {
	return Event{
		ID:     uuid.NewString(),
		Kind:   kind,
		TaskID: taskID,
		Actor:  actor,
		At:     at,
	}
}

// Subject returns the bus subject for the event under prefix.
func (e Event) Subject(prefix string) string {
	return prefix + ".task." + string(e.Kind)
}

// DecodeEvent parses a published event payload.
func DecodeEvent(data []byte) (Event, error) {
	var e Event
	err := json.Unmarshal(data, &e)
	return e, err
}
