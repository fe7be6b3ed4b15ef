// ABOUTME: OpenAI-compatible chat completions agent with a tool-calling loop.
// ABOUTME: Works against any endpoint speaking the chat completions wire format.

package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-apps/internal/mcp"
	"github.com/2389/coven-apps/internal/store"
	"github.com/2389/coven-apps/internal/toolset"
)

const defaultMaxSteps = 8

// OpenAIConfig contains configuration for the OpenAI agent.
type OpenAIConfig struct {
	BaseURL      string // e.g. https://api.openai.com/v1
	APIKey       string
	Model        string
	SystemPrompt string
	MaxSteps     int
	MaxTokens    int
	HTTPClient   *http.Client
	Logger       *slog.Logger
}

// OpenAI runs turns against an OpenAI-compatible chat completions API.
type OpenAI struct {
	cfg    OpenAIConfig
	http   *http.Client
	logger *slog.Logger
	now    func() time.Time
}

func NewOpenAI(cfg OpenAIConfig) *OpenAI {
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = defaultMaxSteps
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 2 * time.Minute}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &OpenAI{cfg: cfg, http: hc, logger: logger.With("component", "agent"), now: time.Now}
}

// Run loops model call, tool calls, model call until the model answers
// without requesting tools. Tool failures are fed back to the model as
// error results; only transport errors and the step limit fail the run.
func (a *OpenAI) Run(ctx context.Context, req Request) (*Response, error) {
	if len(req.Messages) == 0 {
		return nil, ErrEmptyLog
	}

	wire := a.buildMessages(req.Messages)
	tools := wireTools(req.Tools)
	resp := &Response{}

	for step := 0; step < a.cfg.MaxSteps; step++ {
		completion, err := a.complete(ctx, wire, tools)
		if err != nil {
			resp.Events = append(resp.Events, Event{Type: EventError, Error: err.Error()})
			return resp, err
		}
		resp.Events = append(resp.Events, Event{Type: EventUsage, Usage: &UsageEvent{
			InputTokens:  completion.Usage.PromptTokens,
			OutputTokens: completion.Usage.CompletionTokens,
		}})
		if len(completion.Choices) == 0 {
			err := fmt.Errorf("agent/openai: response has no choices")
			resp.Events = append(resp.Events, Event{Type: EventError, Error: err.Error()})
			return resp, err
		}

		choice := completion.Choices[0].Message
		text := contentText(choice.Content)
		if len(choice.ToolCalls) == 0 {
			resp.Messages = append(resp.Messages, a.message(store.RoleAssistant, text))
			resp.Events = append(resp.Events, Event{Type: EventText, Text: text}, Event{Type: EventDone, Text: text})
			return resp, nil
		}

		assistant := a.message(store.RoleAssistant, text)
		for _, call := range choice.ToolCalls {
			args := call.Function.Arguments
			if strings.TrimSpace(args) == "" {
				args = "{}"
			}
			assistant.ToolCalls = append(assistant.ToolCalls, store.ToolCall{
				ID:        call.ID,
				Name:      call.Function.Name,
				Arguments: json.RawMessage(args),
			})
		}
		resp.Messages = append(resp.Messages, assistant)
		if text != "" {
			resp.Events = append(resp.Events, Event{Type: EventText, Text: text})
		}
		wire = append(wire, toWireMessage(assistant))

		for _, call := range assistant.ToolCalls {
			resp.Events = append(resp.Events, Event{Type: EventToolUse, ToolUse: &ToolUseEvent{
				ID:        call.ID,
				Name:      call.Name,
				InputJSON: string(call.Arguments),
			}})

			output, isError := a.callTool(ctx, req.Tools, call)
			result := a.message(store.RoleTool, output)
			result.ToolCallID = call.ID
			result.IsError = isError
			resp.Messages = append(resp.Messages, result)
			resp.Events = append(resp.Events, Event{Type: EventToolResult, ToolResult: &ToolResultEvent{
				ID:      call.ID,
				Output:  output,
				IsError: isError,
			}})
			wire = append(wire, toWireMessage(result))
		}
	}

	resp.Events = append(resp.Events, Event{Type: EventError, Error: ErrTooManySteps.Error()})
	return resp, ErrTooManySteps
}

func (a *OpenAI) callTool(ctx context.Context, tools *toolset.Set, call store.ToolCall) (string, bool) {
	if tools == nil {
		return fmt.Sprintf("tool %q is not available", call.Name), true
	}
	a.logger.Debug("calling tool", "tool_name", call.Name, "call_id", call.ID)
	result, err := tools.Call(ctx, call.Name, call.Arguments)
	if err != nil {
		return "error: " + err.Error(), true
	}
	return resultText(result), result.IsError
}

func (a *OpenAI) message(role, content string) store.Message {
	return store.Message{
		ID:        uuid.New().String(),
		Role:      role,
		Content:   content,
		Metadata:  store.MessageMetadata{Status: store.StatusDone},
		CreatedAt: a.now().UTC(),
	}
}

func (a *OpenAI) buildMessages(log []store.Message) []openaiMessage {
	wire := make([]openaiMessage, 0, len(log)+1)
	if a.cfg.SystemPrompt != "" {
		wire = append(wire, openaiMessage{Role: "system", Content: textContent(a.cfg.SystemPrompt)})
	}
	for _, msg := range log {
		wire = append(wire, toWireMessage(msg))
	}
	return wire
}

func toWireMessage(msg store.Message) openaiMessage {
	wire := openaiMessage{Role: msg.Role, ToolCallID: msg.ToolCallID}
	if msg.Content != "" || msg.Role != store.RoleAssistant {
		wire.Content = textContent(msg.Content)
	}
	for _, call := range msg.ToolCalls {
		wire.ToolCalls = append(wire.ToolCalls, openaiToolCall{
			ID:   call.ID,
			Type: "function",
			Function: openaiToolFunction{
				Name:      call.Name,
				Arguments: string(call.Arguments),
			},
		})
	}
	return wire
}

func wireTools(set *toolset.Set) []openaiTool {
	if set == nil {
		return nil
	}
	var tools []openaiTool
	for _, name := range set.Names() {
		t := set.Tools[name]
		schema := t.InputSchema
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		tools = append(tools, openaiTool{
			Type: "function",
			Function: openaiToolDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  schema,
			},
		})
	}
	return tools
}

func resultText(r *mcp.CallToolResult) string {
	var parts []string
	for _, c := range r.Content {
		if c.Text != "" {
			parts = append(parts, c.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// complete sends one non-streaming chat completion request.
func (a *OpenAI) complete(ctx context.Context, messages []openaiMessage, tools []openaiTool) (*openaiResponse, error) {
	body, err := json.Marshal(openaiRequest{
		Model:     a.cfg.Model,
		Messages:  messages,
		Tools:     tools,
		MaxTokens: a.cfg.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("agent/openai: marshaling request: %w", err)
	}

	endpoint := strings.TrimRight(a.cfg.BaseURL, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("agent/openai: creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if a.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)
	}

	httpResp, err := a.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("agent/openai: sending request: %w", err)
	}
	defer func() { _ = httpResp.Body.Close() }()

	if httpResp.StatusCode != http.StatusOK {
		return nil, readProviderError(httpResp)
	}

	var out openaiResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("agent/openai: decoding response: %w", err)
	}
	return &out, nil
}

// ProviderError is a non-200 response from the model endpoint.
type ProviderError struct {
	StatusCode int
	Type       string
	Message    string
}

func (e *ProviderError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("agent/openai: HTTP %d: %s: %s", e.StatusCode, e.Type, e.Message)
	}
	return fmt.Sprintf("agent/openai: HTTP %d: %s", e.StatusCode, e.Message)
}

func readProviderError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var wireError struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &wireError) == nil && wireError.Error.Message != "" {
		return &ProviderError{StatusCode: resp.StatusCode, Type: wireError.Error.Type, Message: wireError.Error.Message}
	}
	return &ProviderError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
}

// Content is polymorphic on the wire: a string or an array of parts.
func textContent(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}

func contentText(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if json.Unmarshal(raw, &parts) == nil {
		var b strings.Builder
		for _, p := range parts {
			if p.Type == "text" {
				b.WriteString(p.Text)
			}
		}
		return b.String()
	}
	return ""
}

type openaiRequest struct {
	Model     string          `json:"model"`
	Messages  []openaiMessage `json:"messages"`
	Tools     []openaiTool    `json:"tools,omitempty"`
	MaxTokens int             `json:"max_tokens,omitempty"`
}

type openaiMessage struct {
	Role       string           `json:"role"`
	Content    json.RawMessage  `json:"content,omitempty"`
	ToolCalls  []openaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openaiToolCall struct {
	ID       string             `json:"id"`
	Type     string             `json:"type"`
	Function openaiToolFunction `json:"function"`
}

type openaiToolFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type openaiTool struct {
	Type     string               `json:"type"`
	Function openaiToolDefinition `json:"function"`
}

type openaiToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters"`
}

type openaiResponse struct {
	ID      string         `json:"id"`
	Model   string         `json:"model"`
	Choices []openaiChoice `json:"choices"`
	Usage   openaiUsage    `json:"usage"`
}

type openaiChoice struct {
	Index        int           `json:"index"`
	Message      openaiMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

type openaiUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
}
