// ABOUTME: Tool definitions in their two authored shapes, simple and parameterized
// ABOUTME: Defines the execution context and the result type tool callbacks return

package capability

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/2389/coven-apps/internal/props"
)

// Shape discriminates the two tool callback signatures.
type Shape int

const (
	ShapeSimple Shape = iota
	ShapeParameterized
)

func (s Shape) String() string {
	if s == ShapeParameterized {
		return "parameterized"
	}
	return "simple"
}

// LoggingContext identifies an invocation for the run ledger. Tools may
// read it but never write through it.
type LoggingContext struct {
	ServerID string
	AppID    string
	AppName  string
	OwnerID  string
}

// ExecutionContext is handed to every tool callback.
type ExecutionContext struct {
	// Auth is the resolved credential, nil when the module declares no
	// auth or the owner has not connected one.
	Auth    any
	Logging *LoggingContext
	// Extras carries transport details such as the session and request ids.
	Extras map[string]string
}

// Annotations are behavioural hints forwarded to clients.
type Annotations struct {
	Title           string `json:"title,omitempty"`
	ReadOnlyHint    *bool  `json:"readOnlyHint,omitempty"`
	DestructiveHint *bool  `json:"destructiveHint,omitempty"`
	IdempotentHint  *bool  `json:"idempotentHint,omitempty"`
	OpenWorldHint   *bool  `json:"openWorldHint,omitempty"`
}

// Content is one block of tool output.
type Content struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// Result is what a tool returns. IsError marks an in-band failure the
// agent should read, as opposed to a Go error which aborts the call.
type Result struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError,omitempty"`
}

// Text returns a successful single-block result.
func Text(s string) *Result {
	return &Result{Content: []Content{{Type: "text", Text: s}}}
}

// Textf formats a successful single-block result.
func Textf(format string, args ...any) *Result {
	return Text(fmt.Sprintf(format, args...))
}

// Errorf returns an in-band error result.
func Errorf(format string, args ...any) *Result {
	return &Result{Content: []Content{{Type: "text", Text: fmt.Sprintf(format, args...)}}, IsError: true}
}

// JSONResult renders v as indented JSON text.
func JSONResult(v any) *Result {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return Errorf("encoding result: %v", err)
	}
	return Text(string(raw))
}

// NotConnected is the standard result for a tool invoked before its
// credential is connected.
func NotConnected(app string) *Result {
	return Errorf("%s is not connected. Connect it in the app settings and try again.", app)
}

// SimpleFunc is the callback of a tool without parameters.
type SimpleFunc func(ctx context.Context, ec ExecutionContext) (*Result, error)

// ParamFunc is the callback of a tool with parameters. args have already
// been validated against the tool's property map.
type ParamFunc func(ctx context.Context, args props.Values, ec ExecutionContext) (*Result, error)

// Tool is a named unit of work. Construct it with SimpleTool or ParamTool.
type Tool struct {
	Name        string
	Description string
	Annotations *Annotations

	params props.Map
	simple SimpleFunc
	param  ParamFunc
}

// ToolOption sets optional tool metadata.
type ToolOption func(*Tool)

func WithAnnotations(a Annotations) ToolOption {
	return func(t *Tool) { t.Annotations = &a }
}

func SimpleTool(name, description string, fn SimpleFunc, opts ...ToolOption) *Tool {
	t := &Tool{Name: name, Description: description, simple: fn}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func ParamTool(name, description string, params props.Map, fn ParamFunc, opts ...ToolOption) *Tool {
	if params == nil {
		params = props.Map{}
	}
	t := &Tool{Name: name, Description: description, params: params, param: fn}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tool) Shape() Shape {
	if t.param != nil {
		return ShapeParameterized
	}
	return ShapeSimple
}

// Params returns the property map of a parameterized tool, nil otherwise.
func (t *Tool) Params() props.Map { return t.params }

// InputSchema returns the JSON Schema of the tool's arguments, nil for
// simple tools.
func (t *Tool) InputSchema() json.RawMessage {
	if t.Shape() == ShapeSimple {
		return nil
	}
	return t.params.Schema()
}

// Invoke runs the callback for either shape. args are validated for
// parameterized tools; a validation failure comes back as an in-band error
// result without calling the callback.
func (t *Tool) Invoke(ctx context.Context, args json.RawMessage, ec ExecutionContext) (*Result, error) {
	switch t.Shape() {
	case ShapeParameterized:
		values, err := t.params.Validate(args)
		if err != nil {
			return Errorf("%v", err), nil
		}
		return t.param(ctx, values, ec)
	default:
		return t.simple(ctx, ec)
	}
}
