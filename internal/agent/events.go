// Package agent runs conversational turns: it drives the model and tool
// loop, streams text as it is produced, and persists completed exchanges.
package agent

import "github.com/jackkroninger/agent-api/internal/models"

// EventKind discriminates turn events.
type EventKind string

const (
	// EventText carries one fragment of assistant text, in order. The
	// concatenation of all text fragments of a turn equals the final
	// assistant message content.
	EventText EventKind = "text"

	// EventToolCallStarted and EventToolCallFinished bracket one tool
	// dispatch.
	EventToolCallStarted  EventKind = "tool_call_started"
	EventToolCallFinished EventKind = "tool_call_finished"

	// EventDone is the last event of a successful turn and carries the
	// final assistant message.
	EventDone EventKind = "done"

	// EventFailed is the last event of a failed turn.
	EventFailed EventKind = "failed"
)

// Event is one item on a turn's event stream. Exactly one terminal event
// (done or failed) is delivered, after which the channel is closed.
type Event struct {
	Kind     EventKind
	Fragment string

	ToolCall   *models.ToolCallRequest
	ToolResult *models.ToolResult

	Final *models.Message
	Err   error
}

func textEvent(fragment string) Event {
	return Event{Kind: EventText, Fragment: fragment}
}

func doneEvent(final models.Message) Event {
	return Event{Kind: EventDone, Final: &final}
}

func failedEvent(err error) Event {
	return Event{Kind: EventFailed, Err: err}
}
