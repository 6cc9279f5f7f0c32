package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	mcpgrafana "github.com/grafana/mcp-grafana"
)

const (
	// DefaultLokiLogLimit is the default number of log lines to return.
	DefaultLokiLogLimit = 10

	// MaxLokiLogLimit is the maximum number of log lines a single call may
	// return. Log payloads get big fast; anything larger should be narrowed
	// with a better selector instead.
	MaxLokiLogLimit = 100
)

// enforceLogLimit clamps a requested log line limit to sane bounds.
func enforceLogLimit(requested int) int {
	if requested <= 0 {
		return DefaultLokiLogLimit
	}
	if requested > MaxLokiLogLimit {
		return MaxLokiLogLimit
	}
	return requested
}

func lokiProxyPath(uid, endpoint string) string {
	return "/api/datasources/proxy/uid/" + url.PathEscape(uid) + "/loki/api/v1/" + endpoint
}

// lokiTimeRange renders start/end params in nanoseconds, the resolution the
// Loki API expects.
func lokiTimeRange(params url.Values, startRFC3339, endRFC3339 string) error {
	if startRFC3339 != "" {
		start, err := parseStartTime(startRFC3339)
		if err != nil {
			return fmt.Errorf("parsing start time: %w", err)
		}
		params.Set("start", strconv.FormatInt(start.UnixNano(), 10))
	}
	if endRFC3339 != "" {
		end, err := parseEndTime(endRFC3339)
		if err != nil {
			return fmt.Errorf("parsing end time: %w", err)
		}
		params.Set("end", strconv.FormatInt(end.UnixNano(), 10))
	}
	return nil
}

// MetricValue is a single sample of a LogQL metric query result.
type MetricValue struct {
	Timestamp string  `json:"timestamp"`
	Value     float64 `json:"value"`
}

// LogEntry is one entry of a Loki query result. Log queries populate Line;
// metric queries populate Value or Values.
type LogEntry struct {
	Timestamp string            `json:"timestamp,omitempty"`
	Line      string            `json:"line,omitempty"`
	Value     *float64          `json:"value,omitempty"`
	Values    []MetricValue     `json:"values,omitempty"`
	Labels    map[string]string `json:"labels"`
}

// LokiQueryResult is the flattened result of a Loki query.
type LokiQueryResult struct {
	Entries []LogEntry `json:"entries"`
	Hints   []string   `json:"hints,omitempty"`
}

// lokiQueryResponse mirrors the relevant parts of Loki's query_range
// response envelope.
type lokiQueryResponse struct {
	Status string `json:"status"`
	Data   struct {
		ResultType string `json:"resultType"`
		Result     []struct {
			Stream map[string]string `json:"stream"`
			Metric map[string]string `json:"metric"`
			Values [][]any           `json:"values"`
			Value  []any             `json:"value"`
		} `json:"result"`
	} `json:"data"`
}

func flattenLokiResponse(resp lokiQueryResponse) []LogEntry {
	entries := make([]LogEntry, 0, len(resp.Data.Result))
	for _, r := range resp.Data.Result {
		lbls := r.Stream
		if lbls == nil {
			lbls = r.Metric
		}
		entry := LogEntry{Labels: lbls}

		switch resp.Data.ResultType {
		case "streams":
			for _, v := range r.Values {
				if len(v) != 2 {
					continue
				}
				ts, _ := v[0].(string)
				line, _ := v[1].(string)
				entries = append(entries, LogEntry{Timestamp: ts, Line: line, Labels: lbls})
			}
			continue
		case "matrix":
			for _, v := range r.Values {
				if len(v) != 2 {
					continue
				}
				entry.Values = append(entry.Values, MetricValue{
					Timestamp: formatLokiSampleTime(v[0]),
					Value:     toFloat(v[1]),
				})
			}
		case "vector":
			if len(r.Value) == 2 {
				value := toFloat(r.Value[1])
				entry.Timestamp = formatLokiSampleTime(r.Value[0])
				entry.Value = &value
			}
		}
		entries = append(entries, entry)
	}
	return entries
}

func formatLokiSampleTime(v any) string {
	switch t := v.(type) {
	case float64:
		return strconv.FormatFloat(t, 'f', 3, 64)
	case string:
		return t
	}
	return ""
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case string:
		f, _ := strconv.ParseFloat(n, 64)
		return f
	}
	return 0
}

type QueryLokiLogsParams struct {
	DatasourceUID string `json:"datasourceUid" jsonschema:"required,description=The UID of the datasource to query"`
	LogQL         string `json:"logql" jsonschema:"required,description=The LogQL query to execute against Loki. This can be a simple label matcher or a complex query with filters\\, parsers\\, and aggregations."`
	StartRFC3339  string `json:"startRfc3339,omitempty" jsonschema:"description=Optionally\\, the start time of the query in RFC3339 format (defaults to 1 hour ago)"`
	EndRFC3339    string `json:"endRfc3339,omitempty" jsonschema:"description=Optionally\\, the end time of the query in RFC3339 format (defaults to now)"`
	Limit         int    `json:"limit,omitempty" jsonschema:"description=Optionally\\, the maximum number of log lines to return (default: 10\\, max: 100)"`
	Direction     string `json:"direction,omitempty" jsonschema:"description=Optionally\\, the direction of the query: 'forward' (oldest first) or 'backward' (newest first\\, default)"`
}

func queryLokiLogs(ctx context.Context, args QueryLokiLogsParams) (*LokiQueryResult, error) {
	start := args.StartRFC3339
	if start == "" {
		start = "now-1h"
	}
	end := args.EndRFC3339
	if end == "" {
		end = "now"
	}

	params := url.Values{}
	params.Set("query", args.LogQL)
	params.Set("limit", strconv.Itoa(enforceLogLimit(args.Limit)))
	if args.Direction != "" {
		params.Set("direction", args.Direction)
	}
	if err := lokiTimeRange(params, start, end); err != nil {
		return nil, err
	}

	c := mcpgrafana.APIClientFromContext(ctx)
	body, err := c.Get(ctx, lokiProxyPath(args.DatasourceUID, "query_range"), params)
	if err != nil {
		return nil, fmt.Errorf("querying Loki logs: %w", err)
	}

	var resp lokiQueryResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal Loki response: %w", err)
	}

	result := &LokiQueryResult{Entries: flattenLokiResponse(resp)}
	if len(result.Entries) == 0 {
		result.Hints = []string{
			"No logs found. Possible reasons:",
			"- Label selector may not match - use list_loki_label_names and list_loki_label_values to discover",
			"- Filter pattern may be too restrictive - try removing some filters",
			"- Time range may have no logs - try extending with startRfc3339 set to an earlier time",
		}
	}
	return result, nil
}

var QueryLokiLogs = mcpgrafana.MustTool(
	"query_loki_logs",
	"Query and retrieve log entries or metric values from a Loki datasource using LogQL. Returns log lines with timestamps and labels, or numeric values for metric queries. Use query_loki_stats first to check stream size.",
	queryLokiLogs,
	mcp.WithTitleAnnotation("Query Loki logs"),
	mcp.WithIdempotentHintAnnotation(true),
	mcp.WithReadOnlyHintAnnotation(true),
)

type ListLokiLabelNamesParams struct {
	DatasourceUID string `json:"datasourceUid" jsonschema:"required,description=The UID of the datasource to query"`
	StartRFC3339  string `json:"startRfc3339,omitempty" jsonschema:"description=Optionally\\, the start of the time range in RFC3339 format (defaults to 1 hour ago)"`
	EndRFC3339    string `json:"endRfc3339,omitempty" jsonschema:"description=Optionally\\, the end of the time range in RFC3339 format (defaults to now)"`
}

func listLokiLabelNames(ctx context.Context, args ListLokiLabelNamesParams) ([]string, error) {
	params := url.Values{}
	if err := lokiTimeRange(params, args.StartRFC3339, args.EndRFC3339); err != nil {
		return nil, err
	}

	c := mcpgrafana.APIClientFromContext(ctx)
	body, err := c.Get(ctx, lokiProxyPath(args.DatasourceUID, "labels"), params)
	if err != nil {
		return nil, fmt.Errorf("listing Loki label names: %w", err)
	}

	var resp prometheusListResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal Loki labels: %w", err)
	}
	return resp.Data, nil
}

var ListLokiLabelNames = mcpgrafana.MustTool(
	"list_loki_label_names",
	"List all available label names in a Loki datasource for the given time range. Returns the set of unique label keys found in the logs.",
	listLokiLabelNames,
	mcp.WithTitleAnnotation("List Loki label names"),
	mcp.WithIdempotentHintAnnotation(true),
	mcp.WithReadOnlyHintAnnotation(true),
)

type ListLokiLabelValuesParams struct {
	DatasourceUID string `json:"datasourceUid" jsonschema:"required,description=The UID of the datasource to query"`
	LabelName     string `json:"labelName" jsonschema:"required,description=The name of the label to retrieve values for (e.g. 'app'\\, 'env'\\, 'pod')"`
	StartRFC3339  string `json:"startRfc3339,omitempty" jsonschema:"description=Optionally\\, the start of the time range in RFC3339 format (defaults to 1 hour ago)"`
	EndRFC3339    string `json:"endRfc3339,omitempty" jsonschema:"description=Optionally\\, the end of the time range in RFC3339 format (defaults to now)"`
}

func listLokiLabelValues(ctx context.Context, args ListLokiLabelValuesParams) ([]string, error) {
	params := url.Values{}
	if err := lokiTimeRange(params, args.StartRFC3339, args.EndRFC3339); err != nil {
		return nil, err
	}

	c := mcpgrafana.APIClientFromContext(ctx)
	body, err := c.Get(ctx, lokiProxyPath(args.DatasourceUID, "label/"+url.PathEscape(args.LabelName)+"/values"), params)
	if err != nil {
		return nil, fmt.Errorf("listing Loki label values: %w", err)
	}

	var resp prometheusListResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal Loki label values: %w", err)
	}
	return resp.Data, nil
}

var ListLokiLabelValues = mcpgrafana.MustTool(
	"list_loki_label_values",
	"Retrieve all possible values for a specific label in Loki within the given time range. Useful for exploring available options when building queries.",
	listLokiLabelValues,
	mcp.WithTitleAnnotation("List Loki label values"),
	mcp.WithIdempotentHintAnnotation(true),
	mcp.WithReadOnlyHintAnnotation(true),
)

// LokiStats summarizes the volume of a log stream selector.
type LokiStats struct {
	Streams int `json:"streams"`
	Chunks  int `json:"chunks"`
	Entries int `json:"entries"`
	Bytes   int `json:"bytes"`
}

type QueryLokiStatsParams struct {
	DatasourceUID string `json:"datasourceUid" jsonschema:"required,description=The UID of the datasource to query"`
	LogQL         string `json:"logql" jsonschema:"required,description=The LogQL stream selector to check stats for (labels only\\, e.g. {app='foo'})"`
	StartRFC3339  string `json:"startRfc3339,omitempty" jsonschema:"description=Optionally\\, the start of the time range in RFC3339 format (defaults to 1 hour ago)"`
	EndRFC3339    string `json:"endRfc3339,omitempty" jsonschema:"description=Optionally\\, the end of the time range in RFC3339 format (defaults to now)"`
}

func queryLokiStats(ctx context.Context, args QueryLokiStatsParams) (*LokiStats, error) {
	params := url.Values{}
	params.Set("query", args.LogQL)
	if err := lokiTimeRange(params, args.StartRFC3339, args.EndRFC3339); err != nil {
		return nil, err
	}

	c := mcpgrafana.APIClientFromContext(ctx)
	body, err := c.Get(ctx, lokiProxyPath(args.DatasourceUID, "index/stats"), params)
	if err != nil {
		return nil, fmt.Errorf("querying Loki stats: %w", err)
	}

	var stats LokiStats
	if err := json.Unmarshal(body, &stats); err != nil {
		return nil, fmt.Errorf("unmarshal Loki stats: %w", err)
	}
	return &stats, nil
}

var QueryLokiStats = mcpgrafana.MustTool(
	"query_loki_stats",
	"Retrieve statistics about log streams matching a LogQL selector in Loki. Returns stream, chunk, entry, and byte counts. Use before query_loki_logs to gauge how much data a query would touch.",
	queryLokiStats,
	mcp.WithTitleAnnotation("Get Loki log statistics"),
	mcp.WithIdempotentHintAnnotation(true),
	mcp.WithReadOnlyHintAnnotation(true),
)

func AddLokiTools(mcp *server.MCPServer) {
	QueryLokiLogs.Register(mcp)
	ListLokiLabelNames.Register(mcp)
	ListLokiLabelValues.Register(mcp)
	QueryLokiStats.Register(mcp)
}
