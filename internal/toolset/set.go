// ABOUTME: Set is the merged, per-turn tool namespace produced by the Assembler.
// ABOUTME: Routes tool calls by name to the session of the source that won the name.

package toolset

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/2389/coven-apps/internal/mcp"
)

// ErrToolNotFound indicates the requested tool is not in the set.
var ErrToolNotFound = errors.New("tool not found")

// ErrSetClosed indicates the set's sessions have already been closed.
var ErrSetClosed = errors.New("tool set closed")

const closeTimeout = 5 * time.Second

// Session is one open connection to a tool source.
type Session interface {
	ListTools(ctx context.Context) ([]mcp.ToolInfo, error)
	CallTool(ctx context.Context, name string, args json.RawMessage) (*mcp.CallToolResult, error)
	Close(ctx context.Context) error
}

// Tool is a tool definition plus the source it was taken from.
type Tool struct {
	Name        string
	Description string
	InputSchema json.RawMessage
	Annotations *mcp.ToolAnnotations
	Source      int    // index into the assembled sources
	SourceLabel string // "server:<id>" or the direct URL
}

// Failure records a source that could not contribute tools.
type Failure struct {
	Source int
	Label  string
	Err    error
}

func (f Failure) Error() string {
	return fmt.Sprintf("tool source %d (%s): %v", f.Source, f.Label, f.Err)
}

func (f Failure) Unwrap() error { return f.Err }

// Set is the flat name to tool map for one turn. Sessions are owned by the
// set and released by Close.
type Set struct {
	Tools    map[string]Tool
	Failures []Failure

	logger *slog.Logger

	mu       sync.RWMutex
	routes   map[string]Session
	sessions []Session
	closed   bool
}

func newSet(logger *slog.Logger) *Set {
	return &Set{
		Tools:  make(map[string]Tool),
		routes: make(map[string]Session),
		logger: logger,
	}
}

// add registers t served by sess, replacing any earlier tool of the same
// name. Reports whether a tool was replaced.
func (s *Set) add(t Tool, sess Session) (replaced Tool, ok bool) {
	replaced, ok = s.Tools[t.Name]
	s.Tools[t.Name] = t
	s.routes[t.Name] = sess
	return replaced, ok
}

// Names returns the tool names in sorted order.
func (s *Set) Names() []string {
	names := make([]string, 0, len(s.Tools))
	for name := range s.Tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of tools in the set.
func (s *Set) Len() int { return len(s.Tools) }

// Call routes a tool call to the session that serves name.
func (s *Set) Call(ctx context.Context, name string, args json.RawMessage) (*mcp.CallToolResult, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, ErrSetClosed
	}
	sess, ok := s.routes[name]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}

	tool := s.Tools[name]
	s.logger.Debug("→ routing tool call", "tool_name", name, "source", tool.SourceLabel)
	result, err := sess.CallTool(ctx, name, args)
	if err != nil {
		s.logger.Warn("tool call failed", "tool_name", name, "source", tool.SourceLabel, "error", err)
		return nil, err
	}
	return result, nil
}

// Close closes every session opened for this set. Safe to call multiple
// times.
func (s *Set) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	sessions := s.sessions
	s.sessions = nil
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()

	var errs []error
	for _, sess := range sessions {
		if err := sess.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
