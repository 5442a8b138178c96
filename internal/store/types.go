// Package store persists conversation state. It exclusively owns
// Conversation and Message records; the agent loop holds only a
// transient view for the duration of one turn.
package store

import (
	"errors"
	"time"
)

// ErrTurnInFlight indicates another turn already holds the lock for
// this conversation.
var ErrTurnInFlight = errors.New("turn already in flight for conversation")

// Message kinds. A tool_request is always followed, within the same
// turn, by exactly one matching tool_result.
const (
	KindUser        = "user"
	KindAssistant   = "assistant"
	KindToolRequest = "tool_request"
	KindToolResult  = "tool_result"
)

// Message is one entry in a conversation's append-only log. Ordinals
// are assigned by the store and are strictly increasing with no gaps
// within a conversation.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Ordinal        int64     `json:"ordinal"`
	Kind           string    `json:"kind"`
	Content        string    `json:"content"`
	ToolCalls      string    `json:"tool_calls,omitempty"`   // JSON payload for tool_request messages
	ToolCallID     string    `json:"tool_call_id,omitempty"` // correlates a tool_result to its request
	CreatedAt      time.Time `json:"created_at"`
}

// Conversation is identified by the end-user's address. Created on the
// first inbound message from a new address, never deleted, mutated only
// by appending messages.
type Conversation struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Checkpoint records how much history a completed turn has already
// incorporated. It is a resume optimization only; the full message
// sequence remains the source of truth.
type Checkpoint struct {
	ConversationID string    `json:"conversation_id"`
	LastOrdinal    int64     `json:"last_ordinal"`
	UpdatedAt      time.Time `json:"updated_at"`
}
