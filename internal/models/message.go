// Package models defines data structures for conversation threads, messages,
// tool invocations, and delegated credentials.
package models

import (
	"encoding/json"
	"time"
)

// Role identifies the author of a message within a thread.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one utterance in a thread's history. Messages are strictly
// ordered by creation sequence; the persisted ordering is by CreatedAt and
// must match in-memory append order.
type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`

	// ToolCalls is set on assistant messages that requested tool execution
	// instead of (or before) producing final text.
	ToolCalls []ToolCallRequest `json:"tool_calls,omitempty"`

	// ToolCallID and ToolName are set on tool messages and correlate the
	// result to the originating request.
	ToolCallID string `json:"tool_call_id,omitempty"`
	ToolName   string `json:"tool_name,omitempty"`
}

// UserMessage builds a user message stamped with the given time.
func UserMessage(content string, at time.Time) Message {
	return Message{Role: RoleUser, Content: content, CreatedAt: at}
}

// AssistantMessage builds a final assistant text message.
func AssistantMessage(content string, at time.Time) Message {
	return Message{Role: RoleAssistant, Content: content, CreatedAt: at}
}

// ToolCallRequest is emitted by the model instead of final text. It is
// consumed exactly once by the dispatcher; only its result re-enters the
// history, as a tool message.
type ToolCallRequest struct {
	// ID is the opaque invocation id assigned by the model provider.
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolResult is the outcome of dispatching a single tool call. IsError marks
// results that encode a recoverable failure the model can react to.
type ToolResult struct {
	CallID  string `json:"call_id"`
	Name    string `json:"name"`
	Content string `json:"content"`
	IsError bool   `json:"is_error"`
}

// Message converts the result into the tool message appended to history.
func (r ToolResult) Message(at time.Time) Message {
	return Message{
		Role:       RoleTool,
		Content:    r.Content,
		CreatedAt:  at,
		ToolCallID: r.CallID,
		ToolName:   r.Name,
	}
}
