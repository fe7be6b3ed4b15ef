// ABOUTME: Tests for the PostgreSQL ledger using sqlmock
// ABOUTME: Verifies startup migration, SQL shape, exactly-once updates, and row scanning

package runledger

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgresStore(db), mock
}

func TestPostgres_SetupMigrates(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mock.ExpectPing()
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS tool_runs").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO tool_runs").WillReturnResult(sqlmock.NewResult(1, 1))

	store, err := setupPostgres(context.Background(), db)
	require.NoError(t, err)
	_, err = store.CreateRun(context.Background(), NewRun{ToolName: "note_set"})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet(), "the table exists before the first run")
}

func TestPostgres_SetupMigrationError(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mock.ExpectPing()
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS tool_runs").WillReturnError(errors.New("permission denied"))

	_, err = setupPostgres(context.Background(), db)
	assert.ErrorContains(t, err, "migrate ledger")
}

func TestPostgres_SetupPingError(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mock.ExpectPing().WillReturnError(errors.New("connection refused"))

	_, err = setupPostgres(context.Background(), db)
	assert.ErrorContains(t, err, "ping ledger database")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_CreateRun(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO tool_runs").
		WithArgs(sqlmock.AnyArg(), "srv-1", "github", "GitHub", "list_repositories", "user-1", `{"limit":5}`, "PENDING").
		WillReturnResult(sqlmock.NewResult(1, 1))

	id, err := store.CreateRun(context.Background(), NewRun{
		ServerID: "srv-1",
		AppID:    "github",
		AppName:  "GitHub",
		ToolName: "list_repositories",
		OwnerID:  "user-1",
		Input:    json.RawMessage(`{"limit":5}`),
	})
	require.NoError(t, err)
	assert.Len(t, id, 36)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_CreateRunError(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO tool_runs").WillReturnError(errors.New("connection refused"))

	_, err := store.CreateRun(context.Background(), NewRun{ToolName: "x"})
	assert.Error(t, err)
}

func TestPostgres_UpdateRunResult(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("UPDATE tool_runs SET output").
		WithArgs("run-1", `{"content":[]}`, "SUCCESS").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.UpdateRunResult(context.Background(), "run-1", Result{
		Output: json.RawMessage(`{"content":[]}`),
		Status: StatusSuccess,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_UpdateRunResultTwice(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("UPDATE tool_runs SET output").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.UpdateRunResult(context.Background(), "run-1", Result{Status: StatusFailed})
	assert.ErrorIs(t, err, ErrNotPending)
}

func TestPostgres_FailStalePending(t *testing.T) {
	store, mock := newMockStore(t)
	before := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectExec("UPDATE tool_runs SET output = \\$2::jsonb, status = 'FAILED'").
		WithArgs(before, `{"error":"abandoned"}`).
		WillReturnResult(sqlmock.NewResult(0, 4))

	n, err := store.FailStalePending(context.Background(), before, json.RawMessage(`{"error":"abandoned"}`))
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
}

func TestPostgres_ListRuns(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	rows := sqlmock.NewRows([]string{"id", "server_id", "app_id", "app_name", "tool_name", "owner_id", "input", "output", "status", "created_at", "updated_at"}).
		AddRow("run-2", "srv", "notes", "Notes", "create_note", "u1", []byte(`{}`), []byte(`{"content":[]}`), "SUCCESS", now, now).
		AddRow("run-1", "srv", "notes", "Notes", "list_notes", "u1", []byte(`{}`), nil, "PENDING", now, now)

	mock.ExpectQuery("SELECT (.+) FROM tool_runs WHERE owner_id = \\$1 AND app_id = \\$2 ORDER BY created_at DESC LIMIT \\$3").
		WithArgs("u1", "notes", 100).
		WillReturnRows(rows)

	runs, err := store.ListRuns(context.Background(), Filter{OwnerID: "u1", AppID: "notes"})
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, StatusSuccess, runs[0].Status)
	assert.Nil(t, runs[1].Output)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_GetRunNotFound(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT (.+) FROM tool_runs WHERE id = \\$1").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := store.GetRun(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
