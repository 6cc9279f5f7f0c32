//go:build unit

package tools

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newClickHouseTestServer serves a datasource lookup for uid "ch" and routes
// proxy requests to the given handler.
func newClickHouseTestServer(t *testing.T, proxy http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/datasources/uid/ch", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id": 1, "uid": "ch", "type": "grafana-clickhouse-datasource", "name": "ClickHouse"}`))
	})
	mux.HandleFunc("/api/datasources/proxy/uid/ch", proxy)
	return httptest.NewServer(mux)
}

func TestQueryClickHouse(t *testing.T) {
	t.Run("rejects non-read queries", func(t *testing.T) {
		for _, query := range []string{
			"INSERT INTO t VALUES (1)",
			"DROP TABLE t",
			"  alter table t delete where 1",
		} {
			_, err := queryClickHouse(context.Background(), QueryClickHouseParams{
				DatasourceUID: "ch",
				Query:         query,
			})
			require.Error(t, err)
			assert.Contains(t, err.Error(), "only SELECT, SHOW, and DESCRIBE queries are allowed")
		}
	})

	t.Run("decodes JSONCompact response", func(t *testing.T) {
		srv := newClickHouseTestServer(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "SELECT name FROM system.databases", r.URL.Query().Get("query"))
			assert.Equal(t, "JSONCompact", r.URL.Query().Get("format"))
			assert.Equal(t, "100", r.URL.Query().Get("max_result_rows"))
			_, _ = w.Write([]byte(`{
				"meta": [{"name": "name", "type": "String"}, {"name": "rows", "type": "UInt64"}],
				"data": [["default", 10], ["system", 42]],
				"statistics": {"elapsed": 0.001, "rows_read": 2, "bytes_read": 128}
			}`))
		})
		defer srv.Close()

		ctx := newUnitTestContext(srv)
		result, err := queryClickHouse(ctx, QueryClickHouseParams{
			DatasourceUID: "ch",
			Query:         "SELECT name FROM system.databases",
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"name", "rows"}, result.Columns)
		require.Len(t, result.Rows, 2)
		assert.Equal(t, "default", result.Rows[0][0])
		assert.Equal(t, uint64(2), result.Summary.ReadRows)
		assert.Equal(t, uint64(128), result.Summary.ReadBytes)
	})

	t.Run("clamps limit to max", func(t *testing.T) {
		srv := newClickHouseTestServer(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "1000", r.URL.Query().Get("max_result_rows"))
			_, _ = w.Write([]byte(`{"meta": [], "data": []}`))
		})
		defer srv.Close()

		ctx := newUnitTestContext(srv)
		_, err := queryClickHouse(ctx, QueryClickHouseParams{
			DatasourceUID: "ch",
			Query:         "SELECT 1",
			Limit:         5000,
		})
		require.NoError(t, err)
	})
}

func TestEnforceClickHouseLimit(t *testing.T) {
	assert.Equal(t, DefaultClickHouseLimit, enforceClickHouseLimit(0))
	assert.Equal(t, DefaultClickHouseLimit, enforceClickHouseLimit(-5))
	assert.Equal(t, 50, enforceClickHouseLimit(50))
	assert.Equal(t, MaxClickHouseLimit, enforceClickHouseLimit(MaxClickHouseLimit+1))
}

func TestListClickHouseDatabases(t *testing.T) {
	srv := newClickHouseTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "SHOW DATABASES", r.URL.Query().Get("query"))
		assert.Equal(t, "TSV", r.URL.Query().Get("format"))
		_, _ = w.Write([]byte("default\nsystem\n\nlogs\n"))
	})
	defer srv.Close()

	ctx := newUnitTestContext(srv)
	databases, err := listClickHouseDatabases(ctx, ListClickHouseDatabasesParams{DatasourceUID: "ch"})
	require.NoError(t, err)
	assert.Equal(t, []string{"default", "system", "logs"}, databases)
}

func TestListClickHouseTables(t *testing.T) {
	srv := newClickHouseTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query().Get("query")
		assert.Contains(t, query, "FROM system.tables")
		assert.Contains(t, query, "WHERE database = 'lo''gs'")
		assert.Contains(t, query, "AND name LIKE 'http_%'")
		assert.Contains(t, query, "LIMIT 100")
		_, _ = w.Write([]byte(`{
			"meta": [
				{"name": "database"}, {"name": "name"}, {"name": "engine"},
				{"name": "total_rows"}, {"name": "total_bytes"},
				{"name": "total_bytes_uncompressed"}, {"name": "parts"},
				{"name": "active_parts"}, {"name": "comment"}
			],
			"data": [["logs", "http_requests", "MergeTree", "12345", 512, 2048, 3, 2, "request log"]]
		}`))
	})
	defer srv.Close()

	ctx := newUnitTestContext(srv)
	tables, err := listClickHouseTables(ctx, ListClickHouseTablesParams{
		DatasourceUID: "ch",
		Database:      "lo'gs",
		Like:          "http_%",
	})
	require.NoError(t, err)
	require.Len(t, tables, 1)
	assert.Equal(t, "http_requests", tables[0].Name)
	assert.Equal(t, "MergeTree", tables[0].Engine)
	assert.Equal(t, uint64(12345), tables[0].TotalRows)
	assert.Equal(t, uint64(512), tables[0].TotalBytes)
	assert.Equal(t, "request log", tables[0].Comment)
}

func TestDescribeClickHouseTable(t *testing.T) {
	srv := newClickHouseTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query().Get("query")
		assert.Contains(t, query, "FROM system.columns")
		assert.Contains(t, query, "ORDER BY position")
		_, _ = w.Write([]byte(`{
			"meta": [
				{"name": "database"}, {"name": "table"}, {"name": "name"},
				{"name": "type"}, {"name": "default_kind"},
				{"name": "default_expression"}, {"name": "comment"}
			],
			"data": [
				["logs", "http_requests", "timestamp", "DateTime64(3)", "", "", ""],
				["logs", "http_requests", "status", "UInt16", "DEFAULT", "200", "HTTP status"]
			]
		}`))
	})
	defer srv.Close()

	ctx := newUnitTestContext(srv)
	columns, err := describeClickHouseTable(ctx, DescribeClickHouseTableParams{
		DatasourceUID: "ch",
		Database:      "logs",
		Table:         "http_requests",
	})
	require.NoError(t, err)
	require.Len(t, columns, 2)
	assert.Equal(t, "timestamp", columns[0].Name)
	assert.Equal(t, "DateTime64(3)", columns[0].Type)
	assert.Equal(t, "DEFAULT", columns[1].DefaultKind)
	assert.Equal(t, "HTTP status", columns[1].Comment)
}

func TestClickHouseTypeConversions(t *testing.T) {
	assert.Equal(t, "", toString(nil))
	assert.Equal(t, "abc", toString("abc"))
	assert.Equal(t, "42", toString(42))

	assert.Equal(t, uint64(0), toUint64(nil))
	assert.Equal(t, uint64(7), toUint64(float64(7)))
	assert.Equal(t, uint64(7), toUint64(7))
	assert.Equal(t, uint64(7), toUint64(int64(7)))
	assert.Equal(t, uint64(7), toUint64("7"))
	assert.Equal(t, uint64(0), toUint64("not a number"))
}

func TestQueryClickHouseUnknownDatasource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/datasources/uid/") {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"message": "data source not found"}`))
			return
		}
		t.Errorf("unexpected request to %s", r.URL.Path)
	}))
	defer srv.Close()

	ctx := newUnitTestContext(srv)
	_, err := queryClickHouse(ctx, QueryClickHouseParams{
		DatasourceUID: "missing",
		Query:         "SELECT 1",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}
