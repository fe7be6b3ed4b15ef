// ABOUTME: PostgreSQL run ledger over database/sql with the pgx driver
// ABOUTME: Used when the ledger is shared across gateway instances

package runledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS tool_runs (
	id         UUID PRIMARY KEY,
	server_id  TEXT NOT NULL,
	app_id     TEXT NOT NULL,
	app_name   TEXT NOT NULL,
	tool_name  TEXT NOT NULL,
	owner_id   TEXT NOT NULL,
	input      JSONB NOT NULL DEFAULT '{}'::jsonb,
	output     JSONB,
	status     TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_tool_runs_owner ON tool_runs(owner_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_tool_runs_pending ON tool_runs(status, created_at) WHERE status = 'PENDING';
`

type PostgresStore struct {
	db *sql.DB
}

// OpenPostgres connects with the pgx driver, verifies the connection and
// creates the runs table when missing.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open ledger database: %w", err)
	}
	s, err := setupPostgres(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func setupPostgres(ctx context.Context, db *sql.DB) (*PostgresStore, error) {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return nil, fmt.Errorf("ping ledger database: %w", err)
	}
	s := NewPostgresStore(db)
	if err := s.Migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the runs table when missing.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, postgresSchema); err != nil {
		return fmt.Errorf("migrate ledger: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error { return s.db.Close() }

func (s *PostgresStore) CreateRun(ctx context.Context, run NewRun) (string, error) {
	id := uuid.New().String()
	input := run.Input
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tool_runs (id, server_id, app_id, app_name, tool_name, owner_id, input, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8)
	`, id, run.ServerID, run.AppID, run.AppName, run.ToolName, run.OwnerID, string(input), string(StatusPending))
	if err != nil {
		return "", fmt.Errorf("insert run: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) UpdateRunResult(ctx context.Context, id string, result Result) error {
	output := result.Output
	if len(output) == 0 {
		output = json.RawMessage(`{}`)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE tool_runs SET output = $2::jsonb, status = $3, updated_at = now()
		WHERE id = $1 AND status = 'PENDING'
	`, id, string(output), string(result.Status))
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotPending, id)
	}
	return nil
}

func (s *PostgresStore) FailStalePending(ctx context.Context, before time.Time, output json.RawMessage) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tool_runs SET output = $2::jsonb, status = 'FAILED', updated_at = now()
		WHERE status = 'PENDING' AND created_at < $1
	`, before, string(output))
	if err != nil {
		return 0, fmt.Errorf("fail stale runs: %w", err)
	}
	return res.RowsAffected()
}

const runColumns = `id, server_id, app_id, app_name, tool_name, owner_id, input, output, status, created_at, updated_at`

func (s *PostgresStore) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM tool_runs WHERE id = $1`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return run, err
}

func (s *PostgresStore) ListRuns(ctx context.Context, f Filter) ([]*Run, error) {
	var (
		where []string
		args  []any
	)
	add := func(col, val string) {
		if val == "" {
			return
		}
		args = append(args, val)
		where = append(where, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	add("owner_id", f.OwnerID)
	add("server_id", f.ServerID)
	add("app_id", f.AppID)
	add("status", string(f.Status))

	query := `SELECT ` + runColumns + ` FROM tool_runs`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	args = append(args, f.limit())
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (*Run, error) {
	var (
		run    Run
		input  []byte
		output []byte
		status string
	)
	if err := sc.Scan(&run.ID, &run.ServerID, &run.AppID, &run.AppName, &run.ToolName, &run.OwnerID,
		&input, &output, &status, &run.CreatedAt, &run.UpdatedAt); err != nil {
		return nil, err
	}
	run.Input = input
	if len(output) > 0 {
		run.Output = output
	}
	run.Status = Status(status)
	return &run, nil
}

var (
	_ Store      = (*PostgresStore)(nil)
	_ Reader     = (*PostgresStore)(nil)
	_ Reconciler = (*PostgresStore)(nil)
)
