package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	mcpgrafana "github.com/grafana/mcp-grafana"
)

// DataSourceRef identifies the datasource a query targets.
type DataSourceRef struct {
	Type string `json:"type" jsonschema:"required,description=The type of the datasource (e.g.\\, 'prometheus'\\, 'graphite'\\, 'loki'\\, 'mysql'\\, 'postgres')"`
	UID  string `json:"uid" jsonschema:"required,description=The unique identifier of the datasource"`
}

// DataSourceQuery is a single query within a datasource request.
type DataSourceQuery struct {
	RefID         string        `json:"refId" jsonschema:"required,description=Reference ID for the query\\, used to identify this query in the response"`
	Datasource    DataSourceRef `json:"datasource" jsonschema:"required,description=The datasource to query"`
	Expr          string        `json:"expr,omitempty" jsonschema:"description=Query expression\\, commonly used by Prometheus and Loki"`
	Target        string        `json:"target,omitempty" jsonschema:"description=The query target/expression for datasources that use targets (e.g. Graphite)"`
	RawSQL        string        `json:"rawSql,omitempty" jsonschema:"description=Raw SQL query for SQL-based datasources"`
	QueryType     string        `json:"queryType,omitempty" jsonschema:"description=The type of query (e.g.\\, 'range'\\, 'instant' for Prometheus)"`
	IntervalMs    int           `json:"intervalMs,omitempty" jsonschema:"description=The suggested interval between data points in milliseconds"`
	MaxDataPoints int           `json:"maxDataPoints,omitempty" jsonschema:"description=The maximum number of data points to return"`
}

type QueryDataSourceParams struct {
	Queries []DataSourceQuery `json:"queries" jsonschema:"required,description=Array of queries to execute. Each query can target a different datasource and use its own query language"`
	From    string            `json:"from" jsonschema:"required,description=Start time. Supports relative time (e.g.\\, 'now-5m'\\, 'now-1h'\\, 'now-1d') or absolute time in RFC3339 format"`
	To      string            `json:"to" jsonschema:"required,description=End time. Supports relative time (e.g.\\, 'now'\\, 'now-1h') or absolute time in RFC3339 format"`
}

func dsQuery(ctx context.Context, args QueryDataSourceParams) (json.RawMessage, error) {
	from, err := parseTimeArg(args.From, time.Now())
	if err != nil {
		return nil, fmt.Errorf("parsing from time %q: %w", args.From, err)
	}
	to, err := parseTimeArg(args.To, time.Now())
	if err != nil {
		return nil, fmt.Errorf("parsing to time %q: %w", args.To, err)
	}

	queries := make([]any, 0, len(args.Queries))
	for _, q := range args.Queries {
		queries = append(queries, q)
	}

	c := mcpgrafana.APIClientFromContext(ctx)
	body, err := c.QueryDatasource(ctx, queries, unixSeconds(from), unixSeconds(to))
	if err != nil {
		return nil, fmt.Errorf("query datasource: %w", err)
	}
	return json.RawMessage(body), nil
}

var QueryDataSource = mcpgrafana.MustTool(
	"query_datasource",
	"Query a datasource through Grafana's unified query endpoint. This is a general-purpose tool for querying any type of datasource supported by Grafana, including Prometheus, Graphite, Loki, InfluxDB and others. Supports multiple queries in a single request and flexible time range specifications.",
	dsQuery,
	mcp.WithTitleAnnotation("Query a datasource"),
	mcp.WithIdempotentHintAnnotation(true),
	mcp.WithReadOnlyHintAnnotation(true),
)

func AddQueryTools(mcp *server.MCPServer) {
	QueryDataSource.Register(mcp)
}
