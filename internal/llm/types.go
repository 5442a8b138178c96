// Package llm provides the language-model client.
package llm

import (
	"errors"
	"log/slog"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// ErrUpstreamModel indicates the model endpoint was unreachable or
// returned an invalid response. The agent loop retries these a small
// fixed number of times before surfacing the failure.
var ErrUpstreamModel = errors.New("upstream model error")

// ErrUpstreamTimeout indicates a model call exceeded its deadline.
var ErrUpstreamTimeout = errors.New("upstream timeout")

// Message represents a chat message for the LLM.
type Message struct {
	Role       string     `json:"role"` // system, user, assistant, tool
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"` // for tool responses
}

// ToolCall represents a tool call from the model.
type ToolCall struct {
	ID       string       `json:"id,omitempty"` // provider-assigned, echoed back in tool results
	Function FunctionCall `json:"function"`
}

// FunctionCall carries the tool name and decoded arguments.
type FunctionCall struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ChatResponse is the provider-neutral response. All fields use proper
// Go types — wire format conversion happens at the provider boundary
// (openai.go).
type ChatResponse struct {
	Model        string
	Message      Message
	FinishReason string

	// Token usage
	InputTokens  int
	OutputTokens int
}
