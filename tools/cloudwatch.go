package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	mcpgrafana "github.com/grafana/mcp-grafana"
)

const (
	// DefaultCloudWatchPeriod is the default period in seconds for CloudWatch metrics
	DefaultCloudWatchPeriod = 300

	// CloudWatchDatasourceType is the type identifier for CloudWatch datasources
	CloudWatchDatasourceType = "cloudwatch"
)

// verifyCloudWatchDatasource checks that the datasource exists and is a
// CloudWatch datasource.
func verifyCloudWatchDatasource(ctx context.Context, uid string) error {
	raw, err := getDatasourceByUID(ctx, GetDatasourceByUIDParams{UID: uid})
	if err != nil {
		return err
	}
	var ds struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &ds); err != nil {
		return fmt.Errorf("unmarshaling datasource: %w", err)
	}
	if ds.Type != CloudWatchDatasourceType {
		return fmt.Errorf("datasource %s is of type %s, not %s", uid, ds.Type, CloudWatchDatasourceType)
	}
	return nil
}

// CloudWatchQueryParams defines the parameters for querying CloudWatch
type CloudWatchQueryParams struct {
	DatasourceUID string            `json:"datasourceUid" jsonschema:"required,description=The UID of the CloudWatch datasource to query. Use list_datasources to find available UIDs."`
	Namespace     string            `json:"namespace" jsonschema:"required,description=CloudWatch namespace (e.g. AWS/ECS\\, AWS/EC2\\, AWS/RDS\\, AWS/Lambda)"`
	MetricName    string            `json:"metricName" jsonschema:"required,description=Metric name (e.g. CPUUtilization\\, MemoryUtilization\\, Invocations)"`
	Dimensions    map[string]string `json:"dimensions,omitempty" jsonschema:"description=Dimensions as key-value pairs (e.g. {\"ClusterName\": \"my-cluster\"})"`
	Statistic     string            `json:"statistic,omitempty" jsonschema:"enum=Average,enum=Sum,enum=Maximum,enum=Minimum,enum=SampleCount,description=Statistic type: Average\\, Sum\\, Maximum\\, Minimum\\, SampleCount. Default: Average"`
	Period        int               `json:"period,omitempty" jsonschema:"description=Period in seconds (default: 300)"`
	Start         string            `json:"start,omitempty" jsonschema:"description=Start time. Formats: 'now-1h'\\, '2026-02-02T19:00:00Z'. Default: now-1h"`
	End           string            `json:"end,omitempty" jsonschema:"description=End time. Formats: 'now'\\, '2026-02-02T20:00:00Z'. Default: now"`
	Region        string            `json:"region" jsonschema:"required,description=AWS region (e.g. us-east-1)"`
}

// CloudWatchQueryResult represents the result of a CloudWatch query
type CloudWatchQueryResult struct {
	Label      string             `json:"label"`
	Timestamps []int64            `json:"timestamps"`
	Values     []float64          `json:"values"`
	Statistics map[string]float64 `json:"statistics,omitempty"`
}

// cloudWatchQueryResponse represents the raw response from /api/ds/query
type cloudWatchQueryResponse struct {
	Results map[string]struct {
		Status int `json:"status,omitempty"`
		Frames []struct {
			Schema struct {
				Name   string `json:"name,omitempty"`
				RefID  string `json:"refId,omitempty"`
				Fields []struct {
					Name   string                 `json:"name"`
					Type   string                 `json:"type"`
					Labels map[string]string      `json:"labels,omitempty"`
					Config map[string]interface{} `json:"config,omitempty"`
				} `json:"fields"`
			} `json:"schema"`
			Data struct {
				Values [][]interface{} `json:"values"`
			} `json:"data"`
		} `json:"frames,omitempty"`
		Error string `json:"error,omitempty"`
	} `json:"results"`
}

// queryCloudWatch executes a CloudWatch metric query through the unified
// query endpoint and flattens the returned frames into a single series.
func queryCloudWatch(ctx context.Context, args CloudWatchQueryParams) (*CloudWatchQueryResult, error) {
	if err := verifyCloudWatchDatasource(ctx, args.DatasourceUID); err != nil {
		return nil, err
	}

	now := time.Now()
	fromTime, err := parseTimeArg(args.Start, now.Add(-1*time.Hour))
	if err != nil {
		return nil, fmt.Errorf("parsing start time: %w", err)
	}
	toTime, err := parseTimeArg(args.End, now)
	if err != nil {
		return nil, fmt.Errorf("parsing end time: %w", err)
	}

	// CloudWatch expects dimensions as map[string][]string.
	dimensions := make(map[string][]string)
	for k, v := range args.Dimensions {
		dimensions[k] = []string{v}
	}

	statistic := args.Statistic
	if statistic == "" {
		statistic = "Average"
	}
	period := args.Period
	if period <= 0 {
		period = DefaultCloudWatchPeriod
	}
	region := args.Region
	if region == "" {
		region = "default"
	}

	queries := []any{
		map[string]interface{}{
			"datasource": map[string]string{
				"uid":  args.DatasourceUID,
				"type": CloudWatchDatasourceType,
			},
			"refId":      "A",
			"type":       "timeSeriesQuery",
			"namespace":  args.Namespace,
			"metricName": args.MetricName,
			"dimensions": dimensions,
			"statistic":  statistic,
			"period":     strconv.Itoa(period),
			"region":     region,
			"matchExact": true,
		},
	}

	c := mcpgrafana.APIClientFromContext(ctx)
	body, err := c.QueryDatasource(ctx, queries, unixSeconds(fromTime), unixSeconds(toTime))
	if err != nil {
		return nil, fmt.Errorf("querying CloudWatch: %w", err)
	}

	var queryResp cloudWatchQueryResponse
	if err := json.Unmarshal(body, &queryResp); err != nil {
		return nil, fmt.Errorf("unmarshaling response: %w", err)
	}

	result := &CloudWatchQueryResult{
		Label:      fmt.Sprintf("%s - %s", args.Namespace, args.MetricName),
		Timestamps: []int64{},
		Values:     []float64{},
		Statistics: make(map[string]float64),
	}

	for refID, r := range queryResp.Results {
		if r.Error != "" {
			return nil, fmt.Errorf("query error (refId=%s): %s", refID, r.Error)
		}

		var sum, min, max float64
		var count int64
		first := true

		for _, frame := range r.Frames {
			timeColIdx, valueColIdx := -1, -1
			for i, field := range frame.Schema.Fields {
				switch field.Type {
				case "time":
					timeColIdx = i
				case "number":
					valueColIdx = i
					if field.Config != nil {
						if displayName, ok := field.Config["displayNameFromDS"].(string); ok && displayName != "" {
							result.Label = displayName
						}
					}
				}
			}

			if timeColIdx == -1 || valueColIdx == -1 {
				continue
			}
			if len(frame.Data.Values) <= timeColIdx || len(frame.Data.Values) <= valueColIdx {
				continue
			}

			timeValues := frame.Data.Values[timeColIdx]
			metricValues := frame.Data.Values[valueColIdx]

			for i := 0; i < len(timeValues) && i < len(metricValues); i++ {
				var ts int64
				switch v := timeValues[i].(type) {
				case float64:
					ts = int64(v)
				case int64:
					ts = v
				default:
					continue
				}

				var val float64
				switch v := metricValues[i].(type) {
				case float64:
					val = v
				case int64:
					val = float64(v)
				default:
					continue
				}

				result.Timestamps = append(result.Timestamps, ts)
				result.Values = append(result.Values, val)

				sum += val
				count++
				if first {
					min, max = val, val
					first = false
				} else {
					if val < min {
						min = val
					}
					if val > max {
						max = val
					}
				}
			}
		}

		if count > 0 {
			result.Statistics["sum"] = sum
			result.Statistics["min"] = min
			result.Statistics["max"] = max
			result.Statistics["avg"] = sum / float64(count)
			result.Statistics["count"] = float64(count)
		}
	}

	return result, nil
}

// QueryCloudWatch is a tool for querying CloudWatch datasources via Grafana
var QueryCloudWatch = mcpgrafana.MustTool(
	"query_cloudwatch",
	`Query AWS CloudWatch metrics via Grafana. Requires region.

Use list_cloudwatch_namespaces, list_cloudwatch_metrics and list_cloudwatch_dimensions first to discover valid values.

Time formats: 'now-1h', '2026-02-02T19:00:00Z'.

Common namespaces: AWS/EC2, AWS/ECS, AWS/RDS, AWS/Lambda. Example dimensions: ECS: {ClusterName, ServiceName}, EC2: {InstanceId}`,
	queryCloudWatch,
	mcp.WithTitleAnnotation("Query CloudWatch"),
	mcp.WithIdempotentHintAnnotation(true),
	mcp.WithReadOnlyHintAnnotation(true),
)

// cloudWatchResourceItem represents an item returned by CloudWatch resource APIs
type cloudWatchResourceItem struct {
	Text  string `json:"text"`
	Value string `json:"value"`
}

// cloudWatchMetricItem represents an item returned by the CloudWatch metrics
// resource API, which nests name and namespace under value.
type cloudWatchMetricItem struct {
	Value struct {
		Name      string `json:"name"`
		Namespace string `json:"namespace"`
	} `json:"value"`
}

// cloudWatchResource fetches a CloudWatch datasource resource endpoint.
func cloudWatchResource(ctx context.Context, uid, resource string, params url.Values) ([]byte, error) {
	if err := verifyCloudWatchDatasource(ctx, uid); err != nil {
		return nil, err
	}
	c := mcpgrafana.APIClientFromContext(ctx)
	path := fmt.Sprintf("/api/datasources/uid/%s/resources/%s", uid, resource)
	body, err := c.Get(ctx, path, params)
	if err != nil {
		return nil, fmt.Errorf("fetching CloudWatch %s: %w", resource, err)
	}
	return body, nil
}

func parseCloudWatchResourceResponse(bodyBytes []byte) ([]string, error) {
	var items []cloudWatchResourceItem
	if err := json.Unmarshal(bodyBytes, &items); err != nil {
		return nil, fmt.Errorf("unmarshaling response: %w", err)
	}
	result := make([]string, len(items))
	for i, item := range items {
		result[i] = item.Value
	}
	return result, nil
}

func parseCloudWatchMetricsResponse(bodyBytes []byte) ([]string, error) {
	var items []cloudWatchMetricItem
	if err := json.Unmarshal(bodyBytes, &items); err != nil {
		return nil, fmt.Errorf("unmarshaling response: %w", err)
	}
	result := make([]string, len(items))
	for i, item := range items {
		result[i] = item.Value.Name
	}
	return result, nil
}

// ListCloudWatchNamespacesParams defines the parameters for listing CloudWatch namespaces
type ListCloudWatchNamespacesParams struct {
	DatasourceUID string `json:"datasourceUid" jsonschema:"required,description=The UID of the CloudWatch datasource"`
	Region        string `json:"region" jsonschema:"required,description=AWS region (e.g. us-east-1)"`
}

// listCloudWatchNamespaces lists available CloudWatch namespaces
func listCloudWatchNamespaces(ctx context.Context, args ListCloudWatchNamespacesParams) ([]string, error) {
	params := url.Values{}
	if args.Region != "" {
		params.Set("region", args.Region)
	}
	body, err := cloudWatchResource(ctx, args.DatasourceUID, "namespaces", params)
	if err != nil {
		return nil, err
	}
	return parseCloudWatchResourceResponse(body)
}

// ListCloudWatchNamespaces is a tool for listing CloudWatch namespaces
var ListCloudWatchNamespaces = mcpgrafana.MustTool(
	"list_cloudwatch_namespaces",
	"List available CloudWatch namespaces (AWS/EC2, AWS/ECS, AWS/RDS, etc.). Requires region. Use before list_cloudwatch_metrics.",
	listCloudWatchNamespaces,
	mcp.WithTitleAnnotation("List CloudWatch namespaces"),
	mcp.WithIdempotentHintAnnotation(true),
	mcp.WithReadOnlyHintAnnotation(true),
)

// ListCloudWatchMetricsParams defines the parameters for listing CloudWatch metrics
type ListCloudWatchMetricsParams struct {
	DatasourceUID string `json:"datasourceUid" jsonschema:"required,description=The UID of the CloudWatch datasource"`
	Namespace     string `json:"namespace" jsonschema:"required,description=CloudWatch namespace (e.g. AWS/ECS\\, AWS/EC2)"`
	Region        string `json:"region" jsonschema:"required,description=AWS region (e.g. us-east-1)"`
}

// listCloudWatchMetrics lists available metrics for a CloudWatch namespace
func listCloudWatchMetrics(ctx context.Context, args ListCloudWatchMetricsParams) ([]string, error) {
	params := url.Values{}
	params.Set("namespace", args.Namespace)
	if args.Region != "" {
		params.Set("region", args.Region)
	}
	body, err := cloudWatchResource(ctx, args.DatasourceUID, "metrics", params)
	if err != nil {
		return nil, err
	}
	return parseCloudWatchMetricsResponse(body)
}

// ListCloudWatchMetrics is a tool for listing CloudWatch metrics
var ListCloudWatchMetrics = mcpgrafana.MustTool(
	"list_cloudwatch_metrics",
	"List metrics for a CloudWatch namespace. Requires region. Use after list_cloudwatch_namespaces and before list_cloudwatch_dimensions.",
	listCloudWatchMetrics,
	mcp.WithTitleAnnotation("List CloudWatch metrics"),
	mcp.WithIdempotentHintAnnotation(true),
	mcp.WithReadOnlyHintAnnotation(true),
)

// ListCloudWatchDimensionsParams defines the parameters for listing CloudWatch dimensions
type ListCloudWatchDimensionsParams struct {
	DatasourceUID string `json:"datasourceUid" jsonschema:"required,description=The UID of the CloudWatch datasource"`
	Namespace     string `json:"namespace" jsonschema:"required,description=CloudWatch namespace (e.g. AWS/ECS)"`
	MetricName    string `json:"metricName" jsonschema:"required,description=Metric name (e.g. CPUUtilization)"`
	Region        string `json:"region" jsonschema:"required,description=AWS region (e.g. us-east-1)"`
}

// listCloudWatchDimensions lists available dimension keys for a CloudWatch metric
func listCloudWatchDimensions(ctx context.Context, args ListCloudWatchDimensionsParams) ([]string, error) {
	params := url.Values{}
	params.Set("namespace", args.Namespace)
	params.Set("metricName", args.MetricName)
	if args.Region != "" {
		params.Set("region", args.Region)
	}
	body, err := cloudWatchResource(ctx, args.DatasourceUID, "dimension-keys", params)
	if err != nil {
		return nil, err
	}
	return parseCloudWatchResourceResponse(body)
}

// ListCloudWatchDimensions is a tool for listing CloudWatch dimension keys
var ListCloudWatchDimensions = mcpgrafana.MustTool(
	"list_cloudwatch_dimensions",
	"List dimension keys for a CloudWatch metric. Requires region. Use after list_cloudwatch_metrics and before query_cloudwatch.",
	listCloudWatchDimensions,
	mcp.WithTitleAnnotation("List CloudWatch dimensions"),
	mcp.WithIdempotentHintAnnotation(true),
	mcp.WithReadOnlyHintAnnotation(true),
)

// AddCloudWatchTools registers all CloudWatch tools with the MCP server
func AddCloudWatchTools(mcp *server.MCPServer) {
	QueryCloudWatch.Register(mcp)
	ListCloudWatchNamespaces.Register(mcp)
	ListCloudWatchMetrics.Register(mcp)
	ListCloudWatchDimensions.Register(mcp)
}
