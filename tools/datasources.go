package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	mcpgrafana "github.com/grafana/mcp-grafana"
)

// DefaultListDatasourcesLimit is the default number of results to return.
const DefaultListDatasourcesLimit = 100

type ListDatasourcesParams struct {
	Type  string `json:"type,omitempty" jsonschema:"description=Filter by datasource type (e.g. prometheus\\, loki\\, cloudwatch)"`
	Limit int    `json:"limit,omitempty" jsonschema:"description=Maximum number of results to return (default: 100)"`
	Page  int    `json:"page,omitempty" jsonschema:"description=Page number for pagination (1-indexed). Default: 1"`
}

type dataSourceSummary struct {
	ID        int64  `json:"id"`
	UID       string `json:"uid"`
	Name      string `json:"name"`
	Type      string `json:"type"`
	IsDefault bool   `json:"isDefault"`
}

func listDatasources(ctx context.Context, args ListDatasourcesParams) ([]dataSourceSummary, error) {
	c := mcpgrafana.APIClientFromContext(ctx)
	body, err := c.ListDatasources(ctx)
	if err != nil {
		return nil, fmt.Errorf("list datasources: %w", err)
	}
	var datasources []dataSourceSummary
	if err := json.Unmarshal(body, &datasources); err != nil {
		return nil, fmt.Errorf("unmarshal datasources: %w", err)
	}
	datasources = filterDatasources(datasources, args.Type)

	return applyDatasourcePagination(datasources, args.Limit, args.Page), nil
}

// applyDatasourcePagination applies client-side pagination to the list of
// datasources.
func applyDatasourcePagination(items []dataSourceSummary, limit, page int) []dataSourceSummary {
	if limit <= 0 {
		limit = DefaultListDatasourcesLimit
	}
	if page <= 0 {
		page = 1
	}

	start := (page - 1) * limit
	end := start + limit

	if start >= len(items) {
		return []dataSourceSummary{}
	}
	if end > len(items) {
		end = len(items)
	}

	return items[start:end]
}

// filterDatasources returns only datasources of the specified type `t`. If `t`
// is an empty string no filtering is done.
func filterDatasources(datasources []dataSourceSummary, t string) []dataSourceSummary {
	if t == "" {
		return datasources
	}
	filtered := make([]dataSourceSummary, 0, len(datasources))
	t = strings.ToLower(t)
	for _, ds := range datasources {
		if strings.Contains(strings.ToLower(ds.Type), t) {
			filtered = append(filtered, ds)
		}
	}
	return filtered
}

var ListDatasources = mcpgrafana.MustTool(
	"list_datasources",
	"List all configured datasources in Grafana. Use this to discover available Prometheus, Loki, and CloudWatch datasources and their UIDs. Supports filtering by type and pagination.",
	listDatasources,
	mcp.WithTitleAnnotation("List datasources"),
	mcp.WithIdempotentHintAnnotation(true),
	mcp.WithReadOnlyHintAnnotation(true),
)

type GetDatasourceByUIDParams struct {
	UID string `json:"uid" jsonschema:"required,description=The uid of the datasource"`
}

func getDatasourceByUID(ctx context.Context, args GetDatasourceByUIDParams) (json.RawMessage, error) {
	c := mcpgrafana.APIClientFromContext(ctx)
	body, err := c.GetDatasource(ctx, args.UID, "")
	if err != nil {
		var upstreamErr *mcpgrafana.UpstreamError
		if errors.As(err, &upstreamErr) && upstreamErr.StatusCode == 404 {
			return nil, fmt.Errorf("datasource with UID '%s' not found. Please check if the datasource exists and is accessible", args.UID)
		}
		return nil, fmt.Errorf("get datasource by uid %s: %w", args.UID, err)
	}
	return json.RawMessage(body), nil
}

var GetDatasourceByUID = mcpgrafana.MustTool(
	"get_datasource_by_uid",
	"Retrieves detailed information about a specific datasource using its UID. Returns the full datasource model, including name, type, URL, access settings, JSON data, and secure JSON field status.",
	getDatasourceByUID,
	mcp.WithTitleAnnotation("Get datasource by UID"),
	mcp.WithIdempotentHintAnnotation(true),
	mcp.WithReadOnlyHintAnnotation(true),
)

type GetDatasourceByNameParams struct {
	Name string `json:"name" jsonschema:"required,description=The name of the datasource"`
}

func getDatasourceByName(ctx context.Context, args GetDatasourceByNameParams) (json.RawMessage, error) {
	c := mcpgrafana.APIClientFromContext(ctx)
	body, err := c.GetDatasource(ctx, "", args.Name)
	if err != nil {
		return nil, fmt.Errorf("get datasource by name %s: %w", args.Name, err)
	}
	return json.RawMessage(body), nil
}

var GetDatasourceByName = mcpgrafana.MustTool(
	"get_datasource_by_name",
	"Retrieves detailed information about a specific datasource using its name. Returns the full datasource model, including UID, type, URL, access settings, JSON data, and secure JSON field status.",
	getDatasourceByName,
	mcp.WithTitleAnnotation("Get datasource by name"),
	mcp.WithIdempotentHintAnnotation(true),
	mcp.WithReadOnlyHintAnnotation(true),
)

func AddDatasourceTools(mcp *server.MCPServer) {
	ListDatasources.Register(mcp)
	GetDatasourceByUID.Register(mcp)
	GetDatasourceByName.Register(mcp)
}
