// ABOUTME: Registers capability tools on an MCP host and brackets every call with a ledger run.
// ABOUTME: Normalizes simple and parameterized tools into one invocation path.

package packs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/2389/coven-apps/internal/capability"
	"github.com/2389/coven-apps/internal/mcp"
	"github.com/2389/coven-apps/internal/runledger"
)

const tracerName = "github.com/2389/coven-apps/internal/packs"

// Extras keys set on every ExecutionContext.
const (
	ExtraSessionID = "session_id"
	ExtraRequestID = "request_id"
	ExtraUserID    = "user_id"
)

// Host is the registration surface of a tool-serving runtime.
type Host interface {
	AddTool(name string, handler mcp.ToolHandler, opts ...mcp.ToolOption)
}

// Adapter turns capability tools into host tool handlers.
type Adapter struct {
	recorder *runledger.Recorder
	tracer   trace.Tracer
	logger   *slog.Logger
}

// NewAdapter creates an adapter. A nil recorder disables run recording.
func NewAdapter(recorder *runledger.Recorder, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		recorder: recorder,
		tracer:   otel.Tracer(tracerName),
		logger:   logger.With("component", "packs"),
	}
}

// Register adds tool to host. auth is the resolved credential (nil when the
// module has none or it is not connected). When lc is non-nil every call is
// recorded in the run ledger.
func (a *Adapter) Register(host Host, tool *capability.Tool, auth any, lc *capability.LoggingContext) {
	host.AddTool(tool.Name, a.handler(tool, auth, lc), hostOptions(tool)...)
}

// hostOptions maps a tool's optional metadata onto host options. Every
// combination of (description, annotations, schema) is valid; the schema
// is present exactly when the tool is parameterized.
func hostOptions(tool *capability.Tool) []mcp.ToolOption {
	var opts []mcp.ToolOption
	if tool.Description != "" {
		opts = append(opts, mcp.WithDescription(tool.Description))
	}
	if a := tool.Annotations; a != nil {
		opts = append(opts, mcp.WithAnnotations(mcp.ToolAnnotations{
			Title:           a.Title,
			ReadOnlyHint:    a.ReadOnlyHint,
			DestructiveHint: a.DestructiveHint,
			IdempotentHint:  a.IdempotentHint,
			OpenWorldHint:   a.OpenWorldHint,
		}))
	}
	if schema := tool.InputSchema(); schema != nil {
		opts = append(opts, mcp.WithInputSchema(schema))
	}
	return opts
}

func (a *Adapter) handler(tool *capability.Tool, auth any, lc *capability.LoggingContext) mcp.ToolHandler {
	return func(ctx context.Context, req mcp.CallRequest) (*mcp.CallToolResult, error) {
		ec := capability.ExecutionContext{
			Auth:    auth,
			Logging: lc,
			Extras: map[string]string{
				ExtraSessionID: req.SessionID,
				ExtraRequestID: req.RequestID,
				ExtraUserID:    req.UserID,
			},
		}

		input := req.Arguments
		if tool.Shape() == capability.ShapeSimple || len(input) == 0 {
			input = json.RawMessage(`{}`)
		}

		attrs := []attribute.KeyValue{
			attribute.String("tool.name", tool.Name),
			attribute.String("tool.shape", tool.Shape().String()),
		}
		if lc != nil {
			attrs = append(attrs,
				attribute.String("server.id", lc.ServerID),
				attribute.String("app.id", lc.AppID),
			)
		}
		ctx, span := a.tracer.Start(ctx, "tool "+tool.Name, trace.WithAttributes(attrs...))
		defer span.End()

		runID := a.begin(ctx, tool, lc, input)

		defer func() {
			if p := recover(); p != nil {
				a.finish(ctx, runID, runledger.Result{
					Output: runledger.ErrorOutput(fmt.Errorf("panic: %v", p)),
					Status: runledger.StatusFailed,
				})
				span.SetStatus(codes.Error, "panic")
				panic(p)
			}
		}()

		result, err := tool.Invoke(ctx, input, ec)
		if err != nil {
			a.finish(ctx, runID, runledger.Result{
				Output: runledger.ErrorOutput(err),
				Status: runledger.StatusFailed,
			})
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		if result == nil {
			result = &capability.Result{}
		}

		status := runledger.StatusSuccess
		if result.IsError {
			status = runledger.StatusFailed
			span.SetStatus(codes.Error, "tool returned an error result")
		}
		a.finish(ctx, runID, runledger.Result{Output: encodeResult(result), Status: status})

		return toMCPResult(result), nil
	}
}

func (a *Adapter) begin(ctx context.Context, tool *capability.Tool, lc *capability.LoggingContext, input json.RawMessage) string {
	if lc == nil || a.recorder == nil {
		return ""
	}
	return a.recorder.Begin(ctx, runledger.NewRun{
		ServerID: lc.ServerID,
		AppID:    lc.AppID,
		AppName:  lc.AppName,
		ToolName: tool.Name,
		OwnerID:  lc.OwnerID,
		Input:    input,
	})
}

func (a *Adapter) finish(ctx context.Context, runID string, result runledger.Result) {
	if a.recorder == nil {
		return
	}
	a.recorder.Finish(ctx, runID, result)
}

func encodeResult(r *capability.Result) json.RawMessage {
	raw, err := json.Marshal(r)
	if err != nil {
		return runledger.ErrorOutput(errors.New("unencodable result"))
	}
	return raw
}

func toMCPResult(r *capability.Result) *mcp.CallToolResult {
	out := &mcp.CallToolResult{
		Content: make([]mcp.Content, len(r.Content)),
		IsError: r.IsError,
	}
	for i, c := range r.Content {
		out.Content[i] = mcp.Content{Type: c.Type, Text: c.Text}
	}
	return out
}
