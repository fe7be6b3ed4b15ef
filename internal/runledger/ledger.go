// ABOUTME: Run ledger contract: one record per tool invocation, pending until finished
// ABOUTME: Recorder wraps a Store so that ledger failures are logged and never surface to callers

package runledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

var (
	ErrNotFound   = errors.New("run not found")
	ErrNotPending = errors.New("run already finished")
)

type Status string

const (
	StatusPending Status = "PENDING"
	StatusSuccess Status = "SUCCESS"
	StatusFailed  Status = "FAILED"
)

// Run is one invocation of one tool.
type Run struct {
	ID        string          `json:"id"`
	ServerID  string          `json:"serverId"`
	AppID     string          `json:"appId"`
	AppName   string          `json:"appName"`
	ToolName  string          `json:"toolName"`
	OwnerID   string          `json:"ownerId"`
	Input     json.RawMessage `json:"input"`
	Output    json.RawMessage `json:"output,omitempty"`
	Status    Status          `json:"status"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

type NewRun struct {
	ServerID string
	AppID    string
	AppName  string
	ToolName string
	OwnerID  string
	Input    json.RawMessage
}

type Result struct {
	Output json.RawMessage
	Status Status
}

// Store persists runs. Rows are independent; no operation spans two runs.
type Store interface {
	CreateRun(ctx context.Context, run NewRun) (string, error)
	UpdateRunResult(ctx context.Context, id string, result Result) error
}

// Filter narrows ListRuns. Zero fields match everything; Limit defaults
// to 100.
type Filter struct {
	OwnerID  string
	ServerID string
	AppID    string
	Status   Status
	Limit    int
}

func (f Filter) limit() int {
	if f.Limit <= 0 || f.Limit > 1000 {
		return 100
	}
	return f.Limit
}

type Reader interface {
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, f Filter) ([]*Run, error)
}

// Reconciler finishes runs that never completed.
type Reconciler interface {
	FailStalePending(ctx context.Context, before time.Time, output json.RawMessage) (int64, error)
}

const writeTimeout = 5 * time.Second

// Recorder is the best-effort face of a Store.
type Recorder struct {
	store  Store
	logger *slog.Logger
}

func NewRecorder(store Store, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: store, logger: logger.With("component", "runledger")}
}

// Begin creates a pending run and returns its id, or "" when the ledger
// could not be written.
func (r *Recorder) Begin(ctx context.Context, run NewRun) (id string) {
	if len(run.Input) == 0 {
		run.Input = json.RawMessage(`{}`)
	}
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("run ledger create panicked", "tool", run.ToolName, "panic", fmt.Sprint(p))
			id = ""
		}
	}()

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()

	id, err := r.store.CreateRun(writeCtx, run)
	if err != nil {
		r.logger.Error("failed to create run",
			"error", err,
			"server_id", run.ServerID,
			"app", run.AppID,
			"tool", run.ToolName,
		)
		return ""
	}
	return id
}

// Finish records the outcome of a run started with Begin. It is a no-op
// when Begin failed.
func (r *Recorder) Finish(ctx context.Context, id string, result Result) {
	if id == "" {
		return
	}
	if len(result.Output) == 0 {
		result.Output = json.RawMessage(`{}`)
	}
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("run ledger update panicked", "run_id", id, "panic", fmt.Sprint(p))
		}
	}()

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()

	if err := r.store.UpdateRunResult(writeCtx, id, result); err != nil {
		r.logger.Error("failed to update run", "error", err, "run_id", id, "status", result.Status)
	}
}

// ErrorOutput is the output recorded for a run whose callback failed.
func ErrorOutput(err error) json.RawMessage {
	raw, mErr := json.Marshal(map[string]string{"error": err.Error()})
	if mErr != nil {
		return json.RawMessage(`{"error":"unknown"}`)
	}
	return raw
}
