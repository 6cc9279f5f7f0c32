package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/server"

	mcpgrafana "github.com/grafana/mcp-grafana"
)

type SearchDashboardsParams struct {
	Query string `json:"query,omitempty" jsonschema:"description=Single keyword or phrase for case-insensitive substring matching within the dashboard title. The search looks for the *exact* substring provided. Do NOT combine multiple terms. Can be left empty to list all dashboards."`
}

func searchDashboards(ctx context.Context, args SearchDashboardsParams) (json.RawMessage, error) {
	c := mcpgrafana.APIClientFromContext(ctx)
	result, err := c.SearchDashboards(ctx, args.Query)
	if err != nil {
		return nil, fmt.Errorf("search dashboards for %q: %w", args.Query, err)
	}
	return json.RawMessage(result), nil
}

var SearchDashboards = mcpgrafana.MustTool(
	"search_dashboards",
	"Search for Grafana dashboards by title query. Returns a list of matching dashboards with details like title, UID, folder, tags, and URL.",
	searchDashboards,
)

func AddSearchTools(mcp *server.MCPServer) {
	SearchDashboards.Register(mcp)
}
