// ABOUTME: Agent loop contract: a message log and a tool set in, new messages and events out.
// ABOUTME: Event types mirror the gateway's streaming response events.

package agent

import (
	"context"
	"errors"

	"github.com/2389/coven-apps/internal/store"
	"github.com/2389/coven-apps/internal/toolset"
)

// ErrTooManySteps indicates the model kept calling tools past the step limit.
var ErrTooManySteps = errors.New("agent exceeded max steps")

// ErrEmptyLog indicates a run was requested without any messages.
var ErrEmptyLog = errors.New("no messages to respond to")

// Agent produces the next turn of a conversation.
type Agent interface {
	Run(ctx context.Context, req Request) (*Response, error)
}

// Request is one generation. Tools may be nil.
type Request struct {
	ChatID   string
	UserID   string
	Messages []store.Message
	Tools    *toolset.Set
}

// Response holds the messages generated for the turn, in order, and the
// events observed while producing them.
type Response struct {
	Messages []store.Message
	Events   []Event
}

// EventType indicates the kind of event. It travels as its name.
type EventType string

const (
	EventText       EventType = "text"
	EventToolUse    EventType = "tool_use"
	EventToolResult EventType = "tool_result"
	EventUsage      EventType = "usage"
	EventDone       EventType = "done"
	EventError      EventType = "error"
)

// Event is one step of a generation.
type Event struct {
	Type       EventType        `json:"type" enum:"text,tool_use,tool_result,usage,done,error"`
	Text       string           `json:"text,omitempty"`
	ToolUse    *ToolUseEvent    `json:"toolUse,omitempty"`
	ToolResult *ToolResultEvent `json:"toolResult,omitempty"`
	Usage      *UsageEvent      `json:"usage,omitempty"`
	Error      string           `json:"error,omitempty"`
}

// ToolUseEvent represents a tool invocation by the agent.
type ToolUseEvent struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	InputJSON string `json:"input"`
}

// ToolResultEvent represents the result of a tool invocation.
type ToolResultEvent struct {
	ID      string `json:"id"`
	Output  string `json:"output"`
	IsError bool   `json:"isError,omitempty"`
}

// UsageEvent represents token consumption from one model call.
type UsageEvent struct {
	InputTokens  int64 `json:"inputTokens"`
	OutputTokens int64 `json:"outputTokens"`
}
