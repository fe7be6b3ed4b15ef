// ABOUTME: SQLite run ledger for tool invocations
// ABOUTME: Runs are created pending and finished exactly once

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-apps/internal/runledger"
)

var (
	_ runledger.Store      = (*SQLiteStore)(nil)
	_ runledger.Reader     = (*SQLiteStore)(nil)
	_ runledger.Reconciler = (*SQLiteStore)(nil)
)

func (s *SQLiteStore) CreateRun(ctx context.Context, run runledger.NewRun) (string, error) {
	id := uuid.New().String()
	input := run.Input
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}
	now := formatTime(time.Now())

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tool_runs (id, server_id, app_id, app_name, tool_name, owner_id, input, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, id, run.ServerID, run.AppID, run.AppName, run.ToolName, run.OwnerID, string(input),
		string(runledger.StatusPending), now, now)
	if err != nil {
		return "", fmt.Errorf("inserting run: %w", err)
	}
	return id, nil
}

func (s *SQLiteStore) UpdateRunResult(ctx context.Context, id string, result runledger.Result) error {
	output := result.Output
	if len(output) == 0 {
		output = json.RawMessage(`{}`)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE tool_runs SET output = ?, status = ?, updated_at = ?
		WHERE id = ? AND status = 'PENDING'
	`, string(output), string(result.Status), formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("updating run: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: %s", runledger.ErrNotPending, id)
	}
	return nil
}

func (s *SQLiteStore) FailStalePending(ctx context.Context, before time.Time, output json.RawMessage) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tool_runs SET output = ?, status = 'FAILED', updated_at = ?
		WHERE status = 'PENDING' AND created_at < ?
	`, string(output), formatTime(time.Now()), formatTime(before))
	if err != nil {
		return 0, fmt.Errorf("failing stale runs: %w", err)
	}
	return res.RowsAffected()
}

const runColumns = `id, server_id, app_id, app_name, tool_name, owner_id, input, output, status, created_at, updated_at`

func scanRun(row interface{ Scan(...any) error }) (*runledger.Run, error) {
	var (
		run                  runledger.Run
		input                string
		output               sql.NullString
		status               string
		createdAt, updatedAt string
	)
	if err := row.Scan(&run.ID, &run.ServerID, &run.AppID, &run.AppName, &run.ToolName, &run.OwnerID,
		&input, &output, &status, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	run.Input = json.RawMessage(input)
	if output.Valid {
		run.Output = json.RawMessage(output.String)
	}
	run.Status = runledger.Status(status)
	run.CreatedAt, _ = parseTime(createdAt)
	run.UpdatedAt, _ = parseTime(updatedAt)
	return &run, nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*runledger.Run, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM tool_runs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, runledger.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying run: %w", err)
	}
	return run, nil
}

// ListRuns returns matching runs, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, f runledger.Filter) ([]*runledger.Run, error) {
	query := `SELECT ` + runColumns + ` FROM tool_runs WHERE 1=1`
	var args []any
	if f.OwnerID != "" {
		query += ` AND owner_id = ?`
		args = append(args, f.OwnerID)
	}
	if f.ServerID != "" {
		query += ` AND server_id = ?`
		args = append(args, f.ServerID)
	}
	if f.AppID != "" {
		query += ` AND app_id = ?`
		args = append(args, f.AppID)
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []*runledger.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}
