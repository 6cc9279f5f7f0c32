//go:build unit

package tools

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mcpgrafana "github.com/grafana/mcp-grafana"
)

// newUnitTestContext binds a config and facade client pointing at the given
// test server.
func newUnitTestContext(srv *httptest.Server) context.Context {
	cfg := mcpgrafana.GrafanaConfig{URL: srv.URL, APIKey: "test-token"}
	ctx := mcpgrafana.WithGrafanaConfig(context.Background(), cfg)
	return mcpgrafana.WithAPIClient(ctx, mcpgrafana.NewAPIClient(cfg))
}

func TestGetDashboardPanelQueries(t *testing.T) {
	dashboardJSON := `{
		"dashboard": {
			"uid": "test-uid",
			"title": "Test Dashboard",
			"panels": [
				{
					"title": "CPU Usage",
					"datasource": {"uid": "prom-uid", "type": "prometheus"},
					"targets": [
						{"expr": "rate(node_cpu_seconds_total[5m])"},
						{"expr": "node_load1"}
					]
				},
				{
					"title": "Templated",
					"datasource": {"uid": "$datasource", "type": "prometheus"},
					"targets": [{"expr": "up"}]
				},
				{
					"title": "Text panel without targets"
				},
				{
					"title": "Empty expr",
					"targets": [{"expr": ""}]
				}
			]
		},
		"meta": {"slug": "test-dashboard"}
	}`

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/dashboards/uid/test-uid", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(dashboardJSON))
	}))
	defer srv.Close()

	ctx := newUnitTestContext(srv)
	result, err := GetDashboardPanelQueriesTool(ctx, DashboardPanelQueriesParams{UID: "test-uid"})
	require.NoError(t, err)

	require.Len(t, result, 3)
	assert.Equal(t, "CPU Usage", result[0].Title)
	assert.Equal(t, "rate(node_cpu_seconds_total[5m])", result[0].Query)
	assert.Equal(t, "prom-uid", result[0].Datasource.UID)
	assert.Equal(t, "prometheus", result[0].Datasource.Type)

	assert.Equal(t, "CPU Usage", result[1].Title)
	assert.Equal(t, "node_load1", result[1].Query)

	assert.Equal(t, "Templated", result[2].Title)
	assert.Equal(t, "up", result[2].Query)
	assert.Equal(t, "$datasource", result[2].Datasource.UID)
}

func TestGetDashboardPanelQueriesErrors(t *testing.T) {
	t.Run("dashboard without panels", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"dashboard": {"uid": "no-panels"}, "meta": {}}`))
		}))
		defer srv.Close()

		ctx := newUnitTestContext(srv)
		_, err := GetDashboardPanelQueriesTool(ctx, DashboardPanelQueriesParams{UID: "no-panels"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "panels is not a JSON array")
	})

	t.Run("upstream error propagates", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"message":"Dashboard not found"}`))
		}))
		defer srv.Close()

		ctx := newUnitTestContext(srv)
		_, err := GetDashboardPanelQueriesTool(ctx, DashboardPanelQueriesParams{UID: "missing"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "Dashboard not found")
	})
}
