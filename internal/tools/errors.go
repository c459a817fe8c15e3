package tools

import "github.com/jackkroninger/agent-api/internal/models"

// Kind classifies recoverable tool failures. Each kind is fed back into the
// history as an error-flagged tool result, never surfaced raw to the caller.
type Kind string

const (
	KindUnknownTool      Kind = "unknown_tool"
	KindInvalidArguments Kind = "invalid_arguments"
	KindExecutionFailed  Kind = "execution_failed"
)

// errorResult builds an error-flagged tool result with an optional recovery
// hint. Formats as "{msg}. {hint}" so the model can see the error and
// self-correct.
func errorResult(call models.ToolCallRequest, kind Kind, msg, hint string) models.ToolResult {
	text := string(kind) + ": " + msg
	if hint != "" {
		text = text + ". " + hint
	}
	return models.ToolResult{
		CallID:  call.ID,
		Name:    call.Name,
		Content: text,
		IsError: true,
	}
}
