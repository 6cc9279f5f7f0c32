//go:build unit

package tools

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnforceLogLimit(t *testing.T) {
	assert.Equal(t, DefaultLokiLogLimit, enforceLogLimit(0))
	assert.Equal(t, DefaultLokiLogLimit, enforceLogLimit(-1))
	assert.Equal(t, 42, enforceLogLimit(42))
	assert.Equal(t, MaxLokiLogLimit, enforceLogLimit(MaxLokiLogLimit+1))
}

func TestFlattenLokiResponse(t *testing.T) {
	t.Run("streams", func(t *testing.T) {
		var resp lokiQueryResponse
		require.NoError(t, json.Unmarshal([]byte(`{
			"status": "success",
			"data": {
				"resultType": "streams",
				"result": [{
					"stream": {"app": "api", "level": "error"},
					"values": [
						["1700000000000000000", "connection refused"],
						["1700000001000000000", "retrying"]
					]
				}]
			}
		}`), &resp))

		entries := flattenLokiResponse(resp)
		require.Len(t, entries, 2)
		assert.Equal(t, "1700000000000000000", entries[0].Timestamp)
		assert.Equal(t, "connection refused", entries[0].Line)
		assert.Equal(t, map[string]string{"app": "api", "level": "error"}, entries[0].Labels)
		assert.Equal(t, "retrying", entries[1].Line)
	})

	t.Run("matrix", func(t *testing.T) {
		var resp lokiQueryResponse
		require.NoError(t, json.Unmarshal([]byte(`{
			"status": "success",
			"data": {
				"resultType": "matrix",
				"result": [{
					"metric": {"app": "api"},
					"values": [[1700000000, "12.5"], [1700000060, "13"]]
				}]
			}
		}`), &resp))

		entries := flattenLokiResponse(resp)
		require.Len(t, entries, 1)
		require.Len(t, entries[0].Values, 2)
		assert.Equal(t, "1700000000.000", entries[0].Values[0].Timestamp)
		assert.Equal(t, 12.5, entries[0].Values[0].Value)
		assert.Equal(t, float64(13), entries[0].Values[1].Value)
		assert.Equal(t, map[string]string{"app": "api"}, entries[0].Labels)
	})

	t.Run("vector", func(t *testing.T) {
		var resp lokiQueryResponse
		require.NoError(t, json.Unmarshal([]byte(`{
			"status": "success",
			"data": {
				"resultType": "vector",
				"result": [{
					"metric": {"app": "api"},
					"value": [1700000000, "99"]
				}]
			}
		}`), &resp))

		entries := flattenLokiResponse(resp)
		require.Len(t, entries, 1)
		require.NotNil(t, entries[0].Value)
		assert.Equal(t, float64(99), *entries[0].Value)
	})
}

func TestQueryLokiLogs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/datasources/proxy/uid/loki/loki/api/v1/query_range", r.URL.Path)
		assert.Equal(t, `{app="api"}`, r.URL.Query().Get("query"))
		assert.Equal(t, "10", r.URL.Query().Get("limit"))
		assert.NotEmpty(t, r.URL.Query().Get("start"))
		assert.NotEmpty(t, r.URL.Query().Get("end"))
		_, _ = w.Write([]byte(`{
			"status": "success",
			"data": {
				"resultType": "streams",
				"result": [{
					"stream": {"app": "api"},
					"values": [["1700000000000000000", "hello"]]
				}]
			}
		}`))
	}))
	defer srv.Close()

	ctx := newUnitTestContext(srv)
	result, err := queryLokiLogs(ctx, QueryLokiLogsParams{
		DatasourceUID: "loki",
		LogQL:         `{app="api"}`,
	})
	require.NoError(t, err)
	require.Len(t, result.Entries, 1)
	assert.Equal(t, "hello", result.Entries[0].Line)
	assert.Empty(t, result.Hints)
}

func TestQueryLokiLogsEmptyResultHints(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status": "success", "data": {"resultType": "streams", "result": []}}`))
	}))
	defer srv.Close()

	ctx := newUnitTestContext(srv)
	result, err := queryLokiLogs(ctx, QueryLokiLogsParams{
		DatasourceUID: "loki",
		LogQL:         `{app="nothing"}`,
	})
	require.NoError(t, err)
	assert.Empty(t, result.Entries)
	assert.NotEmpty(t, result.Hints)
}

func TestListLokiLabelNames(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/datasources/proxy/uid/loki/loki/api/v1/labels", r.URL.Path)
		_, _ = w.Write([]byte(`{"status": "success", "data": ["app", "env", "level"]}`))
	}))
	defer srv.Close()

	ctx := newUnitTestContext(srv)
	names, err := listLokiLabelNames(ctx, ListLokiLabelNamesParams{DatasourceUID: "loki"})
	require.NoError(t, err)
	assert.Equal(t, []string{"app", "env", "level"}, names)
}

func TestQueryLokiStats(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/datasources/proxy/uid/loki/loki/api/v1/index/stats", r.URL.Path)
		assert.Equal(t, `{app="api"}`, r.URL.Query().Get("query"))
		_, _ = w.Write([]byte(`{"streams": 2, "chunks": 10, "entries": 500, "bytes": 4096}`))
	}))
	defer srv.Close()

	ctx := newUnitTestContext(srv)
	stats, err := queryLokiStats(ctx, QueryLokiStatsParams{
		DatasourceUID: "loki",
		LogQL:         `{app="api"}`,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Streams)
	assert.Equal(t, 10, stats.Chunks)
	assert.Equal(t, 500, stats.Entries)
	assert.Equal(t, 4096, stats.Bytes)
}
