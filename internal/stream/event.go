package stream

import "github.com/jkaninda/shellbox/internal/execution"

// EventType discriminates the events pushed to a subscriber.
type EventType string

const (
	EventInitial  EventType = "initial"
	EventStdout   EventType = "stdout"
	EventStderr   EventType = "stderr"
	EventComplete EventType = "complete"
	EventError    EventType = "error"
	EventDone     EventType = "done"
)

// Event is one server-push message. Data holds the record snapshot for
// initial, the appended suffix for stdout and stderr, and a Completion for
// complete. Error is set only on error events.
type Event struct {
	Type  EventType `json:"type"`
	Data  any       `json:"data,omitempty"`
	Error string    `json:"error,omitempty"`
}

// Completion is the payload of a complete event.
type Completion struct {
	ExitCode *int    `json:"exitCode"`
	Error    *string `json:"error"`
}

func initialEvent(rec *execution.Record) Event {
	return Event{Type: EventInitial, Data: rec}
}

func completeEvent(rec *execution.Record) Event {
	return Event{Type: EventComplete, Data: Completion{ExitCode: rec.ExitCode, Error: rec.Error}}
}

func errorEvent(msg string) Event {
	return Event{Type: EventError, Error: msg}
}

func doneEvent() Event {
	return Event{Type: EventDone}
}
