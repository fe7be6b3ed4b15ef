// ABOUTME: Tests for the postgres app's URI validation and queries
// ABOUTME: Query tests need COVEN_APPS_TEST_POSTGRES and skip without it

package apps

import (
	"context"
	"encoding/json"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-apps/internal/capability"
)

func TestPostgresAuth_RejectsScheme(t *testing.T) {
	for _, uri := range []string{
		"mysql://root@localhost/db",
		"localhost:5432",
		"http://example.com",
	} {
		t.Run(uri, func(t *testing.T) {
			raw, _ := json.Marshal(uri)
			res := PostgresAuth.Validate(context.Background(), raw)
			assert.False(t, res.Valid)
			assert.Contains(t, res.Error, "postgres://")
		})
	}
}

func TestPostgresAuth_RejectsUnreachable(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := PostgresAuth.Validate(ctx, json.RawMessage(`"postgresql://nobody@127.0.0.1:1/none"`))
	assert.False(t, res.Valid)
	assert.NotEmpty(t, res.Error)
}

func TestPostgresAuth_RejectsEmpty(t *testing.T) {
	res := PostgresAuth.Validate(context.Background(), json.RawMessage(`"  "`))
	assert.False(t, res.Valid)
}

func postgresURI(t *testing.T) string {
	t.Helper()
	uri := os.Getenv("COVEN_APPS_TEST_POSTGRES")
	if uri == "" {
		t.Skip("Skipping postgres integration test: COVEN_APPS_TEST_POSTGRES not set")
	}
	return uri
}

func TestPostgres_Integration(t *testing.T) {
	uri := postgresURI(t)
	raw, _ := json.Marshal(uri)
	require.True(t, PostgresAuth.Validate(context.Background(), raw).Valid)

	mod := Postgres()
	ec := capability.ExecutionContext{Auth: uri}

	var out struct {
		Rows      []map[string]any `json:"rows"`
		RowCount  int              `json:"row_count"`
		Truncated bool             `json:"truncated"`
	}
	decodeResult(t, invoke(t, mod, "run_query", map[string]any{
		"sql":      "SELECT g AS n FROM generate_series(1, 5) g",
		"max_rows": 3,
	}, ec), &out)
	assert.Equal(t, 3, out.RowCount)
	assert.True(t, out.Truncated)
	assert.EqualValues(t, 1, out.Rows[0]["n"])

	res := invoke(t, mod, "run_query", map[string]any{"sql": "CREATE TABLE coven_apps_ro_check (id int)"}, ec)
	assert.True(t, res.IsError, "read-only transaction rejects writes")

	res = invoke(t, mod, "run_query", map[string]any{"sql": "SELEKT"}, ec)
	assert.True(t, res.IsError)

	var tables struct {
		Tables []pgTable `json:"tables"`
	}
	decodeResult(t, invoke(t, mod, "list_tables", map[string]any{"schema": "no_such_schema"}, ec), &tables)
	assert.Empty(t, tables.Tables)
}
