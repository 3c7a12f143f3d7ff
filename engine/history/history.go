// Package history defines the append-only event log that is the sole
// source of truth for a saga instance. Current state is always derivable
// by replaying the log from the start.
package history

import (
	"encoding/json"
	"time"
)

// EventType tags an entry in a saga instance's history.
type EventType string

const (
	EventStarted           EventType = "saga.started"
	EventActivityScheduled EventType = "activity.scheduled"
	EventActivityCompleted EventType = "activity.completed"
	EventActivityFailed    EventType = "activity.failed"
	EventTimerScheduled    EventType = "timer.scheduled"
	EventTimerFired        EventType = "timer.fired"
	EventTimerCanceled     EventType = "timer.canceled"
	EventSignalReceived    EventType = "signal.received"
	EventSignalSent        EventType = "signal.sent"
	EventChildScheduled    EventType = "child.scheduled"
	EventChildCompleted    EventType = "child.completed"
	EventChildFailed       EventType = "child.failed"
	EventCompleted         EventType = "saga.completed"
	EventFailed            EventType = "saga.failed"
)

// RetryPolicy configures activity retries. It is recorded inside the
// ActivityScheduled event so replays and crash recovery reuse the policy
// the workflow originally requested.
type RetryPolicy struct {
	InitialInterval    time.Duration `json:"initial_interval"`
	BackoffCoefficient float64       `json:"backoff_coefficient"`
	MaxAttempts        int           `json:"max_attempts"`
}

// ActivityOptions carries the per-attempt timeout and retry policy of a
// scheduled activity.
type ActivityOptions struct {
	StartToCloseTimeout time.Duration `json:"start_to_close_timeout"`
	Retry               RetryPolicy   `json:"retry"`
}

// Event is the tagged union persisted in a saga's history. Only the
// fields relevant for the event's type are set; Seq is assigned by the
// store at append time and is the total order per instance.
type Event struct {
	Seq  int       `json:"seq"`
	Type EventType `json:"type"`
	Time time.Time `json:"time"`

	// CommandID identifies the workflow command an event belongs to
	// ("activity:1", "timer:2", "child:1"). Command IDs are assigned
	// deterministically by call order during replay.
	CommandID string `json:"command_id,omitempty"`

	// Name is the activity name, signal name or child workflow name.
	Name string `json:"name,omitempty"`

	Input   json.RawMessage  `json:"input,omitempty"`
	Result  json.RawMessage  `json:"result,omitempty"`
	Error   string           `json:"error,omitempty"`
	Options *ActivityOptions `json:"options,omitempty"`

	// Attempts is the number of attempts consumed before an activity
	// outcome was recorded.
	Attempts int `json:"attempts,omitempty"`

	FireAt time.Time `json:"fire_at"`

	// ChildID is the saga ID of a child instance; Parent links a Started
	// event back to the instance that scheduled it. Target is the
	// destination of an external signal.
	ChildID string `json:"child_id,omitempty"`
	Parent  string `json:"parent,omitempty"`
	Target  string `json:"target,omitempty"`

	// Workflow is the registered workflow name, set on Started events.
	Workflow string `json:"workflow,omitempty"`
}

// NewStarted records instance creation. parent and parentCommandID are
// empty for root instances.
func NewStarted(workflow string, input json.RawMessage, parent, parentCommandID string) Event {
	return Event{
		Type:      EventStarted,
		Time:      time.Now().UTC(),
		Workflow:  workflow,
		Input:     input,
		Parent:    parent,
		CommandID: parentCommandID,
	}
}

func NewActivityScheduled(commandID, name string, input json.RawMessage, opts ActivityOptions) Event {
	return Event{
		Type:      EventActivityScheduled,
		Time:      time.Now().UTC(),
		CommandID: commandID,
		Name:      name,
		Input:     input,
		Options:   &opts,
	}
}

func NewActivityCompleted(commandID string, result json.RawMessage, attempts int) Event {
	return Event{
		Type:      EventActivityCompleted,
		Time:      time.Now().UTC(),
		CommandID: commandID,
		Result:    result,
		Attempts:  attempts,
	}
}

func NewActivityFailed(commandID, errMsg string, attempts int) Event {
	return Event{
		Type:      EventActivityFailed,
		Time:      time.Now().UTC(),
		CommandID: commandID,
		Error:     errMsg,
		Attempts:  attempts,
	}
}

func NewTimerScheduled(commandID string, fireAt time.Time) Event {
	return Event{
		Type:      EventTimerScheduled,
		Time:      time.Now().UTC(),
		CommandID: commandID,
		FireAt:    fireAt,
	}
}

func NewTimerFired(commandID string) Event {
	return Event{
		Type:      EventTimerFired,
		Time:      time.Now().UTC(),
		CommandID: commandID,
	}
}

func NewSignalReceived(name string, payload json.RawMessage) Event {
	return Event{
		Type:  EventSignalReceived,
		Time:  time.Now().UTC(),
		Name:  name,
		Input: payload,
	}
}

func NewSignalSent(commandID, target, name string, payload json.RawMessage) Event {
	return Event{
		Type:      EventSignalSent,
		Time:      time.Now().UTC(),
		CommandID: commandID,
		Target:    target,
		Name:      name,
		Input:     payload,
	}
}

// NewSignalDelivered records a cross-saga signal on its receiver. The
// marker names the sender's SignalSent event so that redelivery after a
// crash appends at most one copy.
func NewSignalDelivered(marker, name string, payload json.RawMessage) Event {
	ev := NewSignalReceived(name, payload)
	ev.CommandID = marker
	return ev
}

func NewChildScheduled(commandID, childID, workflow string, input json.RawMessage) Event {
	return Event{
		Type:      EventChildScheduled,
		Time:      time.Now().UTC(),
		CommandID: commandID,
		ChildID:   childID,
		Workflow:  workflow,
		Input:     input,
	}
}

func NewChildCompleted(commandID, childID string, result json.RawMessage) Event {
	return Event{
		Type:      EventChildCompleted,
		Time:      time.Now().UTC(),
		CommandID: commandID,
		ChildID:   childID,
		Result:    result,
	}
}

func NewChildFailed(commandID, childID, errMsg string) Event {
	return Event{
		Type:      EventChildFailed,
		Time:      time.Now().UTC(),
		CommandID: commandID,
		ChildID:   childID,
		Error:     errMsg,
	}
}

func NewCompleted(result json.RawMessage) Event {
	return Event{
		Type:   EventCompleted,
		Time:   time.Now().UTC(),
		Result: result,
	}
}

func NewFailed(errMsg string) Event {
	return Event{
		Type:  EventFailed,
		Time:  time.Now().UTC(),
		Error: errMsg,
	}
}

// IsTerminal reports whether the event closes the instance.
func (e Event) IsTerminal() bool {
	return e.Type == EventCompleted || e.Type == EventFailed
}

// Terminal returns the terminal event of a history, if any.
func Terminal(events []Event) (Event, bool) {
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].IsTerminal() {
			return events[i], true
		}
	}
	return Event{}, false
}

// Started returns the Started event of a history. The store guarantees it
// is the first entry.
func Started(events []Event) (Event, bool) {
	if len(events) == 0 || events[0].Type != EventStarted {
		return Event{}, false
	}
	return events[0], true
}
